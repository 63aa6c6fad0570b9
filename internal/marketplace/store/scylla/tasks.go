package scylla

import (
	"context"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"github.com/shopspring/decimal"

	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	"github.com/datarand/datarand-backend/internal/marketplace/store"
	"github.com/datarand/datarand-backend/pkg/types"
)

const taskColumns = `id, creator_id, title, description, category, payout_per_worker, required_workers,
  assigned_count, status, funding_total, funding_prepared_at, escrow_tx_hash, funding_tx_hash,
  funded_at, compute_result, deadline, created_at, updated_at, completed_at`

type taskRow struct {
	t             types.Task
	payout, total string
	computeResult string
}

func (r *taskRow) dest() []interface{} {
	t := &r.t
	return []interface{}{&t.ID, &t.CreatorID, &t.Title, &t.Description, &t.Category, &r.payout,
		&t.RequiredWorkers, &t.AssignedCount, &t.Status, &r.total, &t.FundingPreparedAt, &t.EscrowTxHash,
		&t.FundingTxHash, &t.FundedAt, &r.computeResult, &t.Deadline, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt}
}

func (r *taskRow) task() (*types.Task, error) {
	var err error
	t := r.t
	if t.PayoutPerWorker, err = parseDecimal(r.payout); err != nil {
		return nil, err
	}
	if t.FundingTotal, err = parseDecimal(r.total); err != nil {
		return nil, err
	}
	t.ComputeResult = rawJSON(r.computeResult)
	return &t, nil
}

func (s *Store) getTask(ctx context.Context, id string) (*types.Task, error) {
	var row taskRow
	if err := s.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id).Scan(row.dest()...); err != nil {
		return nil, notFound(err)
	}
	return row.task()
}

func (s *Store) scanTasks(iter *gocql.Iter, keep func(*types.Task) bool) ([]types.Task, error) {
	out := make([]types.Task, 0)
	for {
		var row taskRow
		if !iter.Scan(row.dest()...) {
			break
		}
		t, err := row.task()
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		if keep == nil || keep(t) {
			out = append(out, *t)
		}
	}
	return out, iter.Close()
}

func (s *Store) CreateTask(ctx context.Context, task *types.Task) error {
	trackDBOp := metrics.TrackDBOperation("create", "tasks")
	applied, err := s.cas(ctx, `
INSERT INTO tasks (id, creator_id, title, description, category, payout_per_worker, required_workers,
  assigned_count, status, funding_total, escrow_tx_hash, funding_tx_hash, compute_result, deadline,
  created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', '', ?, ?, ?) IF NOT EXISTS`,
		task.ID, task.CreatorID, task.Title, task.Description, task.Category, task.PayoutPerWorker.String(),
		task.RequiredWorkers, task.AssignedCount, task.Status, task.FundingTotal.String(), task.Deadline,
		task.CreatedAt, task.UpdatedAt)
	if err == nil && !applied {
		err = store.ErrDuplicate
	}
	trackDBOp(err)
	return err
}

func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	trackDBOp := metrics.TrackDBOperation("read", "tasks")
	t, err := s.getTask(ctx, id)
	trackDBOp(err)
	return t, err
}

func (s *Store) ListTasksByCreator(ctx context.Context, creatorID string) ([]types.Task, error) {
	trackDBOp := metrics.TrackDBOperation("read", "tasks")
	tasks, err := s.scanTasks(s.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE creator_id = ?`, creatorID).Iter(), nil)
	trackDBOp(err)
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	return tasks, nil
}

func (s *Store) ListAvailableTasks(ctx context.Context, filter types.TaskFilter) ([]types.Task, error) {
	trackDBOp := metrics.TrackDBOperation("read", "tasks")
	keep := func(t *types.Task) bool {
		if t.OpenSlots() == 0 {
			return false
		}
		if filter.Category != "" && t.Category != filter.Category {
			return false
		}
		return filter.ExcludeBy == "" || t.CreatorID != filter.ExcludeBy
	}

	var out []types.Task
	for _, status := range []types.TaskStatus{types.TaskStatusFunded, types.TaskStatusAssigned} {
		tasks, err := s.scanTasks(s.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ?`, status).Iter(), keep)
		if err != nil {
			trackDBOp(err)
			return nil, err
		}
		out = append(out, tasks...)
	}
	trackDBOp(nil)

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	if out == nil {
		out = make([]types.Task, 0)
	}
	return out, nil
}

func (s *Store) ListOverdueTasks(ctx context.Context, now time.Time) ([]types.Task, error) {
	trackDBOp := metrics.TrackDBOperation("read", "tasks")
	keep := func(t *types.Task) bool {
		return t.Deadline != nil && t.Deadline.Before(now)
	}
	out := make([]types.Task, 0)
	for _, status := range []types.TaskStatus{types.TaskStatusDraft, types.TaskStatusFunded} {
		tasks, err := s.scanTasks(s.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ?`, status).Iter(), keep)
		if err != nil {
			trackDBOp(err)
			return nil, err
		}
		out = append(out, tasks...)
	}
	trackDBOp(nil)
	return out, nil
}

func (s *Store) RecordFundingPrepared(ctx context.Context, taskID string, total decimal.Decimal, escrowTxHash string, at time.Time) (*types.Task, error) {
	trackDBOp := metrics.TrackDBOperation("update", "tasks")
	t, err := s.mutateTask(ctx, taskID, func(t *types.Task) (string, []interface{}, error) {
		if t.Status != types.TaskStatusDraft {
			return "", nil, store.ErrConflict
		}
		t.FundingTotal = total
		if t.FundingPreparedAt == nil {
			prepared := at
			t.FundingPreparedAt = &prepared
		}
		if t.EscrowTxHash == "" {
			t.EscrowTxHash = escrowTxHash
		}
		t.UpdatedAt = at
		return `UPDATE tasks SET funding_total = ?, funding_prepared_at = ?, escrow_tx_hash = ?, updated_at = ?
WHERE id = ? IF status = ?`,
			[]interface{}{t.FundingTotal.String(), t.FundingPreparedAt, t.EscrowTxHash, at, taskID, types.TaskStatusDraft}, nil
	})
	trackDBOp(err)
	return t, err
}

func (s *Store) ConfirmFunding(ctx context.Context, taskID, txHash string, at time.Time) (*types.Task, error) {
	trackDBOp := metrics.TrackDBOperation("update", "tasks")
	t, err := s.confirmFunding(ctx, taskID, txHash, at)
	trackDBOp(err)
	return t, err
}

func (s *Store) confirmFunding(ctx context.Context, taskID, txHash string, at time.Time) (*types.Task, error) {
	current, err := s.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if current.Status != types.TaskStatusDraft || current.FundingPreparedAt == nil {
		return nil, store.ErrConflict
	}

	claimed, err := s.cas(ctx, `INSERT INTO funding_txs (tx_hash, task_id) VALUES (?, ?) IF NOT EXISTS`, txHash, taskID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, store.ErrDuplicate
	}

	t, err := s.mutateTask(ctx, taskID, func(t *types.Task) (string, []interface{}, error) {
		if t.Status != types.TaskStatusDraft || t.FundingPreparedAt == nil {
			return "", nil, store.ErrConflict
		}
		funded := at
		t.Status = types.TaskStatusFunded
		t.FundingTxHash = txHash
		t.FundedAt = &funded
		t.UpdatedAt = at
		return `UPDATE tasks SET status = ?, funding_tx_hash = ?, funded_at = ?, updated_at = ?
WHERE id = ? IF status = ?`,
			[]interface{}{t.Status, txHash, t.FundedAt, at, taskID, types.TaskStatusDraft}, nil
	})
	if err != nil {
		_ = s.query(ctx, `DELETE FROM funding_txs WHERE tx_hash = ? IF task_id = ?`, txHash, taskID).Exec()
		return nil, err
	}
	return t, nil
}

func (s *Store) TransitionTask(ctx context.Context, taskID string, tr store.Transition) (*types.Task, error) {
	trackDBOp := metrics.TrackDBOperation("update", "tasks")
	t, err := s.mutateTask(ctx, taskID, func(t *types.Task) (string, []interface{}, error) {
		if !tr.Allows(t.Status) || (tr.RequireIdle && t.AssignedCount > 0) {
			return "", nil, store.ErrConflict
		}
		from, count := t.Status, t.AssignedCount
		tr.ApplyTo(t)
		return `UPDATE tasks SET status = ?, updated_at = ?, completed_at = ?
WHERE id = ? IF status = ? AND assigned_count = ?`,
			[]interface{}{t.Status, t.UpdatedAt, t.CompletedAt, taskID, from, count}, nil
	})
	trackDBOp(err)
	return t, err
}

// mutateTask reads the task, lets fn build a conditional update against the
// values it read, and retries when a concurrent writer wins.
func (s *Store) mutateTask(ctx context.Context, taskID string, fn func(t *types.Task) (string, []interface{}, error)) (*types.Task, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		t, err := s.getTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		stmt, values, err := fn(t)
		if err != nil {
			return nil, err
		}
		applied, err := s.cas(ctx, stmt, values...)
		if err != nil {
			return nil, err
		}
		if applied {
			return t, nil
		}
	}
	return nil, errContention
}
