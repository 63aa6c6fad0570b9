package scylla

import (
	"context"
	"sort"
	"time"

	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	"github.com/datarand/datarand-backend/internal/marketplace/store"
	"github.com/datarand/datarand-backend/pkg/types"
)

const assignmentColumns = `id, task_id, worker_id, status, started_at, completed_at`

func (s *Store) getAssignment(ctx context.Context, id string) (*types.Assignment, error) {
	var a types.Assignment
	err := s.query(ctx, `SELECT `+assignmentColumns+` FROM task_assignments WHERE id = ?`, id).
		Scan(&a.ID, &a.TaskID, &a.WorkerID, &a.Status, &a.StartedAt, &a.CompletedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *Store) listAssignments(ctx context.Context, stmt string, value interface{}) ([]types.Assignment, error) {
	iter := s.query(ctx, stmt, value).Iter()
	out := make([]types.Assignment, 0)
	var a types.Assignment
	for iter.Scan(&a.ID, &a.TaskID, &a.WorkerID, &a.Status, &a.StartedAt, &a.CompletedAt) {
		out = append(out, a)
		a = types.Assignment{}
	}
	return out, iter.Close()
}

func (s *Store) releaseGuard(ctx context.Context, a *types.Assignment) {
	err := s.query(ctx, `DELETE FROM active_assignments WHERE task_id = ? AND worker_id = ? IF assignment_id = ?`,
		a.TaskID, a.WorkerID, a.ID).Exec()
	if err != nil {
		s.logger.Warn("Failed to release active assignment guard", "assignment_id", a.ID, "error", err)
	}
}

func (s *Store) ClaimSlot(ctx context.Context, a *types.Assignment) (*types.Task, error) {
	trackDBOp := metrics.TrackDBOperation("claim", "task_assignments")
	t, err := s.claimSlot(ctx, a)
	trackDBOp(err)
	return t, err
}

func (s *Store) claimSlot(ctx context.Context, a *types.Assignment) (*types.Task, error) {
	current, err := s.getTask(ctx, a.TaskID)
	if err != nil {
		return nil, err
	}
	if !current.Status.AcceptsWorkers() {
		return nil, store.ErrConflict
	}

	guarded, err := s.cas(ctx, `INSERT INTO active_assignments (task_id, worker_id, assignment_id) VALUES (?, ?, ?) IF NOT EXISTS`,
		a.TaskID, a.WorkerID, a.ID)
	if err != nil {
		return nil, err
	}
	if !guarded {
		return nil, store.ErrDuplicate
	}

	t, err := s.mutateTask(ctx, a.TaskID, func(t *types.Task) (string, []interface{}, error) {
		if !t.Status.AcceptsWorkers() {
			return "", nil, store.ErrConflict
		}
		if t.AssignedCount >= t.RequiredWorkers {
			return "", nil, store.ErrCapacity
		}
		from, count := t.Status, t.AssignedCount
		t.AssignedCount++
		if t.AssignedCount == t.RequiredWorkers {
			t.Status = types.TaskStatusAssigned
		}
		t.UpdatedAt = a.StartedAt
		return `UPDATE tasks SET assigned_count = ?, status = ?, updated_at = ?
WHERE id = ? IF assigned_count = ? AND status = ?`,
			[]interface{}{t.AssignedCount, t.Status, t.UpdatedAt, a.TaskID, count, from}, nil
	})
	if err != nil {
		s.releaseGuard(ctx, a)
		return nil, err
	}

	err = s.query(ctx, `INSERT INTO task_assignments (`+assignmentColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.WorkerID, a.Status, a.StartedAt, a.CompletedAt).Exec()
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) ReleaseSlot(ctx context.Context, taskID string, at time.Time) error {
	trackDBOp := metrics.TrackDBOperation("update", "tasks")
	_, err := s.decrementSlot(ctx, taskID, at)
	trackDBOp(err)
	return err
}

func (s *Store) decrementSlot(ctx context.Context, taskID string, at time.Time) (*types.Task, error) {
	return s.mutateTask(ctx, taskID, func(t *types.Task) (string, []interface{}, error) {
		count := t.AssignedCount
		if t.AssignedCount > 0 {
			t.AssignedCount--
		}
		t.UpdatedAt = at
		return `UPDATE tasks SET assigned_count = ?, updated_at = ? WHERE id = ? IF assigned_count = ?`,
			[]interface{}{t.AssignedCount, at, taskID, count}, nil
	})
}

// AbandonStaleAssignments wins each assignment with a conditional update
// before giving its slot back, so overlapping sweeps never double count.
func (s *Store) AbandonStaleAssignments(ctx context.Context, cutoff, now time.Time) ([]types.Assignment, error) {
	trackDBOp := metrics.TrackDBOperation("sweep", "task_assignments")
	out, err := s.abandonStale(ctx, cutoff, now)
	trackDBOp(err)
	return out, err
}

func (s *Store) abandonStale(ctx context.Context, cutoff, now time.Time) ([]types.Assignment, error) {
	out := make([]types.Assignment, 0)
	for _, status := range []types.AssignmentStatus{types.AssignmentAccepted, types.AssignmentInProgress} {
		candidates, err := s.listAssignments(ctx, `SELECT `+assignmentColumns+` FROM task_assignments WHERE status = ?`, status)
		if err != nil {
			return nil, err
		}
		for i := range candidates {
			a := candidates[i]
			if !a.StartedAt.Before(cutoff) {
				continue
			}
			applied, err := s.cas(ctx, `UPDATE task_assignments SET status = ?, completed_at = ? WHERE id = ? IF status = ?`,
				types.AssignmentAbandoned, now, a.ID, a.Status)
			if err != nil {
				return out, err
			}
			if !applied {
				continue
			}
			s.releaseGuard(ctx, &a)
			if _, err := s.decrementSlot(ctx, a.TaskID, now); err != nil {
				return out, err
			}
			completed := now
			a.Status = types.AssignmentAbandoned
			a.CompletedAt = &completed
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) GetAssignment(ctx context.Context, id string) (*types.Assignment, error) {
	trackDBOp := metrics.TrackDBOperation("read", "task_assignments")
	a, err := s.getAssignment(ctx, id)
	trackDBOp(err)
	return a, err
}

func (s *Store) ListAssignmentsByWorker(ctx context.Context, workerID string) ([]types.Assignment, error) {
	trackDBOp := metrics.TrackDBOperation("read", "task_assignments")
	out, err := s.listAssignments(ctx, `SELECT `+assignmentColumns+` FROM task_assignments WHERE worker_id = ?`, workerID)
	trackDBOp(err)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}
