package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	"github.com/datarand/datarand-backend/internal/marketplace/store"
	"github.com/datarand/datarand-backend/pkg/types"
)

const submissionColumns = `id, task_id, assignment_id, worker_id, payload, status, reviewer_id, reviewed_at,
  payout_tx_hash, submitted_at`

func scanSubmission(row rowScanner) (*types.Submission, error) {
	var (
		sub     types.Submission
		payload []byte
	)
	if err := row.Scan(&sub.ID, &sub.TaskID, &sub.AssignmentID, &sub.WorkerID, &payload, &sub.Status,
		&sub.ReviewerID, &sub.ReviewedAt, &sub.PayoutTxHash, &sub.SubmittedAt); err != nil {
		return nil, err
	}
	sub.Payload = payload
	return &sub, nil
}

func (s *Store) SubmitWork(ctx context.Context, sub *types.Submission) error {
	trackDBOp := metrics.TrackDBOperation("create", "submissions")
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		a, err := scanAssignment(tx.QueryRow(ctx,
			`SELECT `+assignmentColumns+` FROM task_assignments WHERE id=$1 FOR UPDATE`, sub.AssignmentID))
		if err != nil {
			return notFound(err)
		}

		var submitted bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM submissions WHERE assignment_id=$1)`,
			sub.AssignmentID).Scan(&submitted); err != nil {
			return err
		}
		if submitted {
			return store.ErrDuplicate
		}
		if !a.Status.IsActive() || a.WorkerID != sub.WorkerID {
			return store.ErrConflict
		}

		if _, err := tx.Exec(ctx, `UPDATE task_assignments SET status='submitted', completed_at=$2 WHERE id=$1`,
			a.ID, sub.SubmittedAt); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
INSERT INTO submissions (id, task_id, assignment_id, worker_id, payload, status, submitted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sub.ID, a.TaskID, sub.AssignmentID, sub.WorkerID, jsonArg(sub.Payload), sub.Status, sub.SubmittedAt)
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		if err == nil {
			sub.TaskID = a.TaskID
		}
		return err
	})
	trackDBOp(err)
	return err
}

func (s *Store) GetSubmission(ctx context.Context, id string) (*types.Submission, error) {
	trackDBOp := metrics.TrackDBOperation("read", "submissions")
	sub, err := scanSubmission(s.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=$1`, id))
	err = notFound(err)
	trackDBOp(err)
	return sub, err
}

func (s *Store) ListSubmissionsByTask(ctx context.Context, taskID string) ([]types.Submission, error) {
	trackDBOp := metrics.TrackDBOperation("read", "submissions")
	rows, err := s.pool.Query(ctx, `
SELECT `+submissionColumns+` FROM submissions WHERE task_id=$1 ORDER BY submitted_at`, taskID)
	if err != nil {
		trackDBOp(err)
		return nil, err
	}
	defer rows.Close()

	out := make([]types.Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			trackDBOp(err)
			return nil, err
		}
		out = append(out, *sub)
	}
	err = rows.Err()
	trackDBOp(err)
	return out, err
}

func (s *Store) ReviewSubmission(ctx context.Context, id string, from, to types.ReviewStatus, reviewerID string, at time.Time) (*types.Submission, error) {
	trackDBOp := metrics.TrackDBOperation("update", "submissions")
	var reviewedAt *time.Time
	if to != types.ReviewPending {
		reviewedAt = &at
	} else {
		reviewerID = ""
	}
	sub, err := scanSubmission(s.pool.QueryRow(ctx, `
UPDATE submissions SET status=$3, reviewer_id=$4, reviewed_at=$5
WHERE id=$1 AND status=$2
RETURNING `+submissionColumns, id, from, to, reviewerID, reviewedAt))
	if notFound(err) == store.ErrNotFound {
		err = missingOr(ctx, s.pool, "submissions", id)
	}
	trackDBOp(err)
	return sub, err
}

func (s *Store) SetPayoutTx(ctx context.Context, id, txHash string) error {
	trackDBOp := metrics.TrackDBOperation("update", "submissions")
	tag, err := s.pool.Exec(ctx, `UPDATE submissions SET payout_tx_hash=$2 WHERE id=$1`, id, txHash)
	if err == nil && tag.RowsAffected() == 0 {
		err = store.ErrNotFound
	}
	trackDBOp(err)
	return err
}

func (s *Store) CountApprovedSubmissions(ctx context.Context, taskID string) (int, error) {
	trackDBOp := metrics.TrackDBOperation("read", "submissions")
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM submissions WHERE task_id=$1 AND status='approved'`, taskID).Scan(&count)
	trackDBOp(err)
	return count, err
}
