package scylla

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	"github.com/datarand/datarand-backend/internal/marketplace/store"
	"github.com/datarand/datarand-backend/pkg/types"
)

const userColumns = `id, external_id, wallet_address, embedded_wallet_address, role, last_fingerprint,
  last_login_at, reputation_score, total_earnings, tasks_completed, created_at`

func (s *Store) getUser(ctx context.Context, id string) (*types.User, error) {
	var (
		u        types.User
		earnings string
	)
	err := s.query(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id).Scan(
		&u.ID, &u.ExternalID, &u.WalletAddress, &u.EmbeddedWalletAddress, &u.Role, &u.LastFingerprint,
		&u.LastLoginAt, &u.ReputationScore, &earnings, &u.TasksCompleted, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if u.TotalEarnings, err = parseDecimal(earnings); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) UpsertUserByExternalID(ctx context.Context, rec store.LoginRecord) (*types.User, error) {
	trackDBOp := metrics.TrackDBOperation("upsert", "users")
	u, err := s.upsertUser(ctx, rec)
	trackDBOp(err)
	return u, err
}

func (s *Store) upsertUser(ctx context.Context, rec store.LoginRecord) (*types.User, error) {
	var userID string
	err := s.query(ctx, `SELECT user_id FROM users_by_external_id WHERE external_id = ?`, rec.ExternalID).Scan(&userID)
	if err != nil && notFound(err) != store.ErrNotFound {
		return nil, err
	}

	if userID == "" {
		candidate := uuid.NewString()
		existing := map[string]interface{}{}
		applied, err := s.query(ctx, `INSERT INTO users_by_external_id (external_id, user_id) VALUES (?, ?) IF NOT EXISTS`,
			rec.ExternalID, candidate).MapScanCAS(existing)
		if err != nil {
			return nil, err
		}
		if applied {
			at := rec.At
			u := &types.User{
				ID:                    candidate,
				ExternalID:            rec.ExternalID,
				WalletAddress:         rec.ExternalWallet,
				EmbeddedWalletAddress: rec.EmbeddedWallet,
				Role:                  types.RoleWorker,
				LastFingerprint:       rec.Fingerprint,
				LastLoginAt:           &at,
				TotalEarnings:         decimal.Zero,
				CreatedAt:             rec.At,
			}
			err := s.query(ctx, `INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				u.ID, u.ExternalID, u.WalletAddress, u.EmbeddedWalletAddress, u.Role, u.LastFingerprint,
				u.LastLoginAt, 0, u.TotalEarnings.String(), 0, u.CreatedAt).Exec()
			if err != nil {
				return nil, err
			}
			return u, nil
		}
		userID, _ = existing["user_id"].(string)
	}

	u, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec.ExternalWallet != "" {
		u.WalletAddress = rec.ExternalWallet
	}
	if rec.EmbeddedWallet != "" {
		u.EmbeddedWalletAddress = rec.EmbeddedWallet
	}
	if rec.Fingerprint != "" {
		u.LastFingerprint = rec.Fingerprint
	}
	at := rec.At
	u.LastLoginAt = &at

	err = s.query(ctx, `
UPDATE users SET wallet_address = ?, embedded_wallet_address = ?, last_fingerprint = ?, last_login_at = ?
WHERE id = ?`, u.WalletAddress, u.EmbeddedWalletAddress, u.LastFingerprint, u.LastLoginAt, u.ID).Exec()
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	trackDBOp := metrics.TrackDBOperation("read", "users")
	u, err := s.getUser(ctx, id)
	trackDBOp(err)
	return u, err
}

func (s *Store) AddEarnings(ctx context.Context, userID string, amount decimal.Decimal) error {
	trackDBOp := metrics.TrackDBOperation("update", "users")
	err := s.addEarnings(ctx, userID, amount)
	trackDBOp(err)
	return err
}

func (s *Store) addEarnings(ctx context.Context, userID string, amount decimal.Decimal) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var (
			earnings  string
			completed int
		)
		err := s.query(ctx, `SELECT total_earnings, tasks_completed FROM users WHERE id = ?`, userID).
			Scan(&earnings, &completed)
		if err != nil {
			return notFound(err)
		}
		current, err := parseDecimal(earnings)
		if err != nil {
			return err
		}
		applied, err := s.cas(ctx, `
UPDATE users SET total_earnings = ?, tasks_completed = ? WHERE id = ?
IF total_earnings = ? AND tasks_completed = ?`,
			current.Add(amount).String(), completed+1, userID, earnings, completed)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
	}
	return errContention
}
