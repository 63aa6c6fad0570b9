package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	"github.com/datarand/datarand-backend/internal/marketplace/store"
	"github.com/datarand/datarand-backend/pkg/types"
)

const userColumns = `id, external_id, wallet_address, embedded_wallet_address, role, last_fingerprint,
  last_login_at, reputation_score, total_earnings::text, tasks_completed, created_at`

func scanUser(row rowScanner) (*types.User, error) {
	var (
		u        types.User
		earnings string
	)
	if err := row.Scan(&u.ID, &u.ExternalID, &u.WalletAddress, &u.EmbeddedWalletAddress, &u.Role,
		&u.LastFingerprint, &u.LastLoginAt, &u.ReputationScore, &earnings, &u.TasksCompleted, &u.CreatedAt); err != nil {
		return nil, err
	}
	total, err := parseDecimal(earnings)
	if err != nil {
		return nil, err
	}
	u.TotalEarnings = total
	return &u, nil
}

func (s *Store) UpsertUserByExternalID(ctx context.Context, rec store.LoginRecord) (*types.User, error) {
	trackDBOp := metrics.TrackDBOperation("upsert", "users")
	u, err := scanUser(s.pool.QueryRow(ctx, `
INSERT INTO users (id, external_id, wallet_address, embedded_wallet_address, role, last_fingerprint, last_login_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (external_id) DO UPDATE SET
  wallet_address = COALESCE(NULLIF(EXCLUDED.wallet_address, ''), users.wallet_address),
  embedded_wallet_address = COALESCE(NULLIF(EXCLUDED.embedded_wallet_address, ''), users.embedded_wallet_address),
  last_fingerprint = COALESCE(NULLIF(EXCLUDED.last_fingerprint, ''), users.last_fingerprint),
  last_login_at = EXCLUDED.last_login_at
RETURNING `+userColumns,
		uuid.NewString(), rec.ExternalID, rec.ExternalWallet, rec.EmbeddedWallet, types.RoleWorker, rec.Fingerprint, rec.At))
	trackDBOp(err)
	return u, err
}

func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	trackDBOp := metrics.TrackDBOperation("read", "users")
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	err = notFound(err)
	trackDBOp(err)
	return u, err
}

func (s *Store) AddEarnings(ctx context.Context, userID string, amount decimal.Decimal) error {
	trackDBOp := metrics.TrackDBOperation("update", "users")
	tag, err := s.pool.Exec(ctx, `
UPDATE users SET total_earnings = total_earnings + $2::numeric, tasks_completed = tasks_completed + 1
WHERE id=$1`, userID, amount.String())
	if err == nil && tag.RowsAffected() == 0 {
		err = store.ErrNotFound
	}
	trackDBOp(err)
	return err
}
