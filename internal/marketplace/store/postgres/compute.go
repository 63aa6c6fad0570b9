package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	"github.com/datarand/datarand-backend/internal/marketplace/store"
	"github.com/datarand/datarand-backend/pkg/types"
)

const computeJobColumns = `id, task_id, status, result, created_at, finished_at`

func scanComputeJob(row rowScanner) (*types.ComputeJob, error) {
	var (
		job    types.ComputeJob
		result []byte
	)
	if err := row.Scan(&job.ID, &job.TaskID, &job.Status, &result, &job.CreatedAt, &job.FinishedAt); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		job.Result = result
	}
	return &job, nil
}

func (s *Store) CreateComputeJob(ctx context.Context, job *types.ComputeJob) error {
	trackDBOp := metrics.TrackDBOperation("create", "compute_jobs")
	_, err := s.pool.Exec(ctx, `
INSERT INTO compute_jobs (id, task_id, status, created_at) VALUES ($1, $2, $3, $4)`,
		job.ID, job.TaskID, job.Status, job.CreatedAt)
	if isUniqueViolation(err) {
		err = store.ErrDuplicate
	}
	trackDBOp(err)
	return err
}

func (s *Store) GetComputeJob(ctx context.Context, id string) (*types.ComputeJob, error) {
	trackDBOp := metrics.TrackDBOperation("read", "compute_jobs")
	job, err := scanComputeJob(s.pool.QueryRow(ctx, `SELECT `+computeJobColumns+` FROM compute_jobs WHERE id=$1`, id))
	err = notFound(err)
	trackDBOp(err)
	return job, err
}

func (s *Store) ListPendingComputeJobs(ctx context.Context) ([]types.ComputeJob, error) {
	trackDBOp := metrics.TrackDBOperation("read", "compute_jobs")
	rows, err := s.pool.Query(ctx, `
SELECT `+computeJobColumns+` FROM compute_jobs WHERE status='pending' ORDER BY created_at`)
	if err != nil {
		trackDBOp(err)
		return nil, err
	}
	defer rows.Close()

	out := make([]types.ComputeJob, 0)
	for rows.Next() {
		job, err := scanComputeJob(rows)
		if err != nil {
			trackDBOp(err)
			return nil, err
		}
		out = append(out, *job)
	}
	err = rows.Err()
	trackDBOp(err)
	return out, err
}

func (s *Store) FinishComputeJob(ctx context.Context, jobID string, status types.ComputeJobStatus, result json.RawMessage, at time.Time) (*types.ComputeJob, error) {
	taskStatus, ok := store.ComputeTaskStatus(status)
	if !ok {
		return nil, store.ErrConflict
	}

	trackDBOp := metrics.TrackDBOperation("update", "compute_jobs")
	var out *types.ComputeJob
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		job, err := scanComputeJob(tx.QueryRow(ctx, `
UPDATE compute_jobs SET status=$2, result=$3, finished_at=$4
WHERE id=$1 AND status='pending'
RETURNING `+computeJobColumns, jobID, status, jsonArg(result), at))
		if notFound(err) == store.ErrNotFound {
			return missingOr(ctx, tx, "compute_jobs", jobID)
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
UPDATE tasks SET status=$2, compute_result=$3, updated_at=$4, completed_at=$4
WHERE id=$1 AND status IN ('Funded', 'Assigned')`, job.TaskID, taskStatus, jsonArg(result), at); err != nil {
			return err
		}
		out = job
		return nil
	})
	trackDBOp(err)
	if err != nil {
		return nil, err
	}
	return out, nil
}
