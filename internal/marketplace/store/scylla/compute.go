package scylla

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	"github.com/datarand/datarand-backend/internal/marketplace/store"
	"github.com/datarand/datarand-backend/pkg/types"
)

const computeJobColumns = `id, task_id, status, result, created_at, finished_at`

func (s *Store) getComputeJob(ctx context.Context, id string) (*types.ComputeJob, error) {
	var (
		job    types.ComputeJob
		result string
	)
	err := s.query(ctx, `SELECT `+computeJobColumns+` FROM compute_jobs WHERE id = ?`, id).
		Scan(&job.ID, &job.TaskID, &job.Status, &result, &job.CreatedAt, &job.FinishedAt)
	if err != nil {
		return nil, notFound(err)
	}
	job.Result = rawJSON(result)
	return &job, nil
}

func (s *Store) CreateComputeJob(ctx context.Context, job *types.ComputeJob) error {
	trackDBOp := metrics.TrackDBOperation("create", "compute_jobs")
	err := s.createComputeJob(ctx, job)
	trackDBOp(err)
	return err
}

func (s *Store) createComputeJob(ctx context.Context, job *types.ComputeJob) error {
	if _, err := s.getTask(ctx, job.TaskID); err != nil {
		return err
	}
	applied, err := s.cas(ctx, `
INSERT INTO compute_jobs (id, task_id, status, result, created_at) VALUES (?, ?, ?, '', ?) IF NOT EXISTS`,
		job.ID, job.TaskID, job.Status, job.CreatedAt)
	if err == nil && !applied {
		err = store.ErrDuplicate
	}
	return err
}

func (s *Store) GetComputeJob(ctx context.Context, id string) (*types.ComputeJob, error) {
	trackDBOp := metrics.TrackDBOperation("read", "compute_jobs")
	job, err := s.getComputeJob(ctx, id)
	trackDBOp(err)
	return job, err
}

func (s *Store) ListPendingComputeJobs(ctx context.Context) ([]types.ComputeJob, error) {
	trackDBOp := metrics.TrackDBOperation("read", "compute_jobs")
	iter := s.query(ctx, `SELECT `+computeJobColumns+` FROM compute_jobs WHERE status = ?`, types.ComputeJobPending).Iter()
	out := make([]types.ComputeJob, 0)
	for {
		var (
			job    types.ComputeJob
			result string
		)
		if !iter.Scan(&job.ID, &job.TaskID, &job.Status, &result, &job.CreatedAt, &job.FinishedAt) {
			break
		}
		job.Result = rawJSON(result)
		out = append(out, job)
	}
	err := iter.Close()
	trackDBOp(err)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) FinishComputeJob(ctx context.Context, jobID string, status types.ComputeJobStatus, result json.RawMessage, at time.Time) (*types.ComputeJob, error) {
	taskStatus, ok := store.ComputeTaskStatus(status)
	if !ok {
		return nil, store.ErrConflict
	}

	trackDBOp := metrics.TrackDBOperation("update", "compute_jobs")
	job, err := s.finishComputeJob(ctx, jobID, status, taskStatus, result, at)
	trackDBOp(err)
	return job, err
}

func (s *Store) finishComputeJob(ctx context.Context, jobID string, status types.ComputeJobStatus, taskStatus types.TaskStatus, result json.RawMessage, at time.Time) (*types.ComputeJob, error) {
	applied, err := s.cas(ctx, `UPDATE compute_jobs SET status = ?, result = ?, finished_at = ? WHERE id = ? IF status = ?`,
		status, string(result), at, jobID, types.ComputeJobPending)
	if err != nil {
		return nil, err
	}
	job, err := s.getComputeJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, store.ErrConflict
	}

	_, err = s.mutateTask(ctx, job.TaskID, func(t *types.Task) (string, []interface{}, error) {
		if !t.Status.AcceptsWorkers() {
			return "", nil, errTaskSettled
		}
		from := t.Status
		tr := store.Transition{To: taskStatus, At: at}
		tr.ApplyTo(t)
		return `UPDATE tasks SET status = ?, compute_result = ?, updated_at = ?, completed_at = ? WHERE id = ? IF status = ?`,
			[]interface{}{t.Status, string(result), at, t.CompletedAt, job.TaskID, from}, nil
	})
	if err != nil && err != errTaskSettled {
		return nil, err
	}
	return job, nil
}
