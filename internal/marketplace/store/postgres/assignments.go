package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	"github.com/datarand/datarand-backend/internal/marketplace/store"
	"github.com/datarand/datarand-backend/pkg/types"
)

const assignmentColumns = `id, task_id, worker_id, status, started_at, completed_at`

func scanAssignment(row rowScanner) (*types.Assignment, error) {
	var a types.Assignment
	if err := row.Scan(&a.ID, &a.TaskID, &a.WorkerID, &a.Status, &a.StartedAt, &a.CompletedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func collectAssignments(rows pgx.Rows) ([]types.Assignment, error) {
	defer rows.Close()
	out := make([]types.Assignment, 0)
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) ClaimSlot(ctx context.Context, a *types.Assignment) (*types.Task, error) {
	trackDBOp := metrics.TrackDBOperation("claim", "task_assignments")
	var out *types.Task
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		t, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1 FOR UPDATE`, a.TaskID))
		if err != nil {
			return notFound(err)
		}
		if !t.Status.AcceptsWorkers() {
			return store.ErrConflict
		}

		var active bool
		if err := tx.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM task_assignments
  WHERE task_id=$1 AND worker_id=$2 AND status IN ('accepted', 'in_progress'))`,
			a.TaskID, a.WorkerID).Scan(&active); err != nil {
			return err
		}
		if active {
			return store.ErrDuplicate
		}
		if t.AssignedCount >= t.RequiredWorkers {
			return store.ErrCapacity
		}

		out, err = scanTask(tx.QueryRow(ctx, `
UPDATE tasks SET
  assigned_count = assigned_count + 1,
  status = CASE WHEN assigned_count + 1 >= required_workers THEN 'Assigned' ELSE status END,
  updated_at = $2
WHERE id=$1
RETURNING `+taskColumns, a.TaskID, a.StartedAt))
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
INSERT INTO task_assignments (id, task_id, worker_id, status, started_at)
VALUES ($1, $2, $3, $4, $5)`, a.ID, a.TaskID, a.WorkerID, a.Status, a.StartedAt)
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	})
	trackDBOp(err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ReleaseSlot(ctx context.Context, taskID string, at time.Time) error {
	trackDBOp := metrics.TrackDBOperation("update", "tasks")
	tag, err := s.pool.Exec(ctx, `
UPDATE tasks SET assigned_count = GREATEST(assigned_count - 1, 0), updated_at = $2 WHERE id=$1`, taskID, at)
	if err == nil && tag.RowsAffected() == 0 {
		err = store.ErrNotFound
	}
	trackDBOp(err)
	return err
}

// AbandonStaleAssignments abandons and decrements in one statement, so a
// crash can never leave a slot counted twice.
func (s *Store) AbandonStaleAssignments(ctx context.Context, cutoff, now time.Time) ([]types.Assignment, error) {
	trackDBOp := metrics.TrackDBOperation("sweep", "task_assignments")
	rows, err := s.pool.Query(ctx, `
WITH stale AS (
  UPDATE task_assignments SET status='abandoned', completed_at=$2
  WHERE status IN ('accepted', 'in_progress') AND started_at < $1
  RETURNING `+assignmentColumns+`
), released AS (
  UPDATE tasks t SET assigned_count = GREATEST(t.assigned_count - r.n, 0), updated_at = $2
  FROM (SELECT task_id, COUNT(*)::int AS n FROM stale GROUP BY task_id) r
  WHERE t.id = r.task_id
)
SELECT `+assignmentColumns+` FROM stale`, cutoff, now)
	if err != nil {
		trackDBOp(err)
		return nil, err
	}
	out, err := collectAssignments(rows)
	trackDBOp(err)
	return out, err
}

func (s *Store) GetAssignment(ctx context.Context, id string) (*types.Assignment, error) {
	trackDBOp := metrics.TrackDBOperation("read", "task_assignments")
	a, err := scanAssignment(s.pool.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM task_assignments WHERE id=$1`, id))
	err = notFound(err)
	trackDBOp(err)
	return a, err
}

func (s *Store) ListAssignmentsByWorker(ctx context.Context, workerID string) ([]types.Assignment, error) {
	trackDBOp := metrics.TrackDBOperation("read", "task_assignments")
	rows, err := s.pool.Query(ctx, `
SELECT `+assignmentColumns+` FROM task_assignments WHERE worker_id=$1 ORDER BY started_at DESC`, workerID)
	if err != nil {
		trackDBOp(err)
		return nil, err
	}
	out, err := collectAssignments(rows)
	trackDBOp(err)
	return out, err
}
