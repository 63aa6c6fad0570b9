package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	"github.com/datarand/datarand-backend/internal/marketplace/store"
	"github.com/datarand/datarand-backend/pkg/types"
)

const taskColumns = `id, creator_id, title, description, category, payout_per_worker::text, required_workers,
  assigned_count, status, funding_total::text, funding_prepared_at, escrow_tx_hash, funding_tx_hash,
  funded_at, compute_result, deadline, created_at, updated_at, completed_at`

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		t             types.Task
		payout, total string
		computeResult []byte
	)
	if err := row.Scan(&t.ID, &t.CreatorID, &t.Title, &t.Description, &t.Category, &payout, &t.RequiredWorkers,
		&t.AssignedCount, &t.Status, &total, &t.FundingPreparedAt, &t.EscrowTxHash, &t.FundingTxHash,
		&t.FundedAt, &computeResult, &t.Deadline, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt); err != nil {
		return nil, err
	}
	var err error
	if t.PayoutPerWorker, err = parseDecimal(payout); err != nil {
		return nil, err
	}
	if t.FundingTotal, err = parseDecimal(total); err != nil {
		return nil, err
	}
	if len(computeResult) > 0 {
		t.ComputeResult = computeResult
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]types.Task, error) {
	defer rows.Close()
	out := make([]types.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) CreateTask(ctx context.Context, task *types.Task) error {
	trackDBOp := metrics.TrackDBOperation("create", "tasks")
	_, err := s.pool.Exec(ctx, `
INSERT INTO tasks (id, creator_id, title, description, category, payout_per_worker, required_workers,
  assigned_count, status, funding_total, deadline, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10::numeric, $11, $12, $13)`,
		task.ID, task.CreatorID, task.Title, task.Description, task.Category, task.PayoutPerWorker.String(),
		task.RequiredWorkers, task.AssignedCount, task.Status, task.FundingTotal.String(), task.Deadline,
		task.CreatedAt, task.UpdatedAt)
	if isUniqueViolation(err) {
		err = store.ErrDuplicate
	}
	trackDBOp(err)
	return err
}

func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	trackDBOp := metrics.TrackDBOperation("read", "tasks")
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id))
	err = notFound(err)
	trackDBOp(err)
	return t, err
}

func (s *Store) ListTasksByCreator(ctx context.Context, creatorID string) ([]types.Task, error) {
	trackDBOp := metrics.TrackDBOperation("read", "tasks")
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE creator_id=$1 ORDER BY created_at DESC`, creatorID)
	if err != nil {
		trackDBOp(err)
		return nil, err
	}
	tasks, err := collectTasks(rows)
	trackDBOp(err)
	return tasks, err
}

func (s *Store) ListAvailableTasks(ctx context.Context, filter types.TaskFilter) ([]types.Task, error) {
	trackDBOp := metrics.TrackDBOperation("read", "tasks")
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE status IN ('Funded', 'Assigned')
  AND assigned_count < required_workers
  AND ($1 = '' OR category = $1)
  AND ($2 = '' OR creator_id <> $2)
ORDER BY created_at
LIMIT $3`, string(filter.Category), filter.ExcludeBy, limit)
	if err != nil {
		trackDBOp(err)
		return nil, err
	}
	tasks, err := collectTasks(rows)
	trackDBOp(err)
	return tasks, err
}

func (s *Store) ListOverdueTasks(ctx context.Context, now time.Time) ([]types.Task, error) {
	trackDBOp := metrics.TrackDBOperation("read", "tasks")
	rows, err := s.pool.Query(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE status IN ('Draft', 'Funded') AND deadline IS NOT NULL AND deadline < $1`, now)
	if err != nil {
		trackDBOp(err)
		return nil, err
	}
	tasks, err := collectTasks(rows)
	trackDBOp(err)
	return tasks, err
}

func (s *Store) RecordFundingPrepared(ctx context.Context, taskID string, total decimal.Decimal, escrowTxHash string, at time.Time) (*types.Task, error) {
	trackDBOp := metrics.TrackDBOperation("update", "tasks")
	t, err := scanTask(s.pool.QueryRow(ctx, `
UPDATE tasks SET
  funding_total = $2::numeric,
  funding_prepared_at = COALESCE(funding_prepared_at, $4),
  escrow_tx_hash = CASE WHEN escrow_tx_hash = '' THEN $3 ELSE escrow_tx_hash END,
  updated_at = $4
WHERE id=$1 AND status='Draft'
RETURNING `+taskColumns, taskID, total.String(), escrowTxHash, at))
	if err = notFound(err); err == store.ErrNotFound {
		err = missingOr(ctx, s.pool, "tasks", taskID)
	}
	trackDBOp(err)
	return t, err
}

func (s *Store) ConfirmFunding(ctx context.Context, taskID, txHash string, at time.Time) (*types.Task, error) {
	trackDBOp := metrics.TrackDBOperation("update", "tasks")
	t, err := scanTask(s.pool.QueryRow(ctx, `
UPDATE tasks SET status='Funded', funding_tx_hash=$2, funded_at=$3, updated_at=$3
WHERE id=$1 AND status='Draft' AND funding_prepared_at IS NOT NULL
RETURNING `+taskColumns, taskID, txHash, at))
	switch {
	case isUniqueViolation(err):
		err = store.ErrDuplicate
	case notFound(err) == store.ErrNotFound:
		err = missingOr(ctx, s.pool, "tasks", taskID)
	}
	trackDBOp(err)
	return t, err
}

func (s *Store) TransitionTask(ctx context.Context, taskID string, tr store.Transition) (*types.Task, error) {
	trackDBOp := metrics.TrackDBOperation("update", "tasks")
	var out *types.Task
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		t, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1 FOR UPDATE`, taskID))
		if err != nil {
			return notFound(err)
		}
		if !tr.Allows(t.Status) || (tr.RequireIdle && t.AssignedCount > 0) {
			return store.ErrConflict
		}
		tr.ApplyTo(t)
		if _, err := tx.Exec(ctx, `UPDATE tasks SET status=$2, updated_at=$3, completed_at=$4 WHERE id=$1`,
			taskID, t.Status, t.UpdatedAt, t.CompletedAt); err != nil {
			return err
		}
		out = t
		return nil
	})
	trackDBOp(err)
	if err != nil {
		return nil, err
	}
	return out, nil
}
