package scylla

import (
	"context"
	"sort"
	"time"

	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	"github.com/datarand/datarand-backend/internal/marketplace/store"
	"github.com/datarand/datarand-backend/pkg/types"
)

const submissionColumns = `id, task_id, assignment_id, worker_id, payload, status, reviewer_id, reviewed_at,
  payout_tx_hash, submitted_at`

type submissionRow struct {
	sub     types.Submission
	payload string
}

func (r *submissionRow) dest() []interface{} {
	sub := &r.sub
	return []interface{}{&sub.ID, &sub.TaskID, &sub.AssignmentID, &sub.WorkerID, &r.payload, &sub.Status,
		&sub.ReviewerID, &sub.ReviewedAt, &sub.PayoutTxHash, &sub.SubmittedAt}
}

func (r *submissionRow) submission() *types.Submission {
	sub := r.sub
	sub.Payload = rawJSON(r.payload)
	return &sub
}

func (s *Store) getSubmission(ctx context.Context, id string) (*types.Submission, error) {
	var row submissionRow
	if err := s.query(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id).Scan(row.dest()...); err != nil {
		return nil, notFound(err)
	}
	return row.submission(), nil
}

func (s *Store) SubmitWork(ctx context.Context, sub *types.Submission) error {
	trackDBOp := metrics.TrackDBOperation("create", "submissions")
	err := s.submitWork(ctx, sub)
	trackDBOp(err)
	return err
}

func (s *Store) submitWork(ctx context.Context, sub *types.Submission) error {
	a, err := s.getAssignment(ctx, sub.AssignmentID)
	if err != nil {
		return err
	}

	var existing string
	err = s.query(ctx, `SELECT submission_id FROM submissions_by_assignment WHERE assignment_id = ?`, sub.AssignmentID).Scan(&existing)
	if err == nil {
		return store.ErrDuplicate
	}
	if notFound(err) != store.ErrNotFound {
		return err
	}
	if !a.Status.IsActive() || a.WorkerID != sub.WorkerID {
		return store.ErrConflict
	}

	guarded, err := s.cas(ctx, `INSERT INTO submissions_by_assignment (assignment_id, submission_id) VALUES (?, ?) IF NOT EXISTS`,
		sub.AssignmentID, sub.ID)
	if err != nil {
		return err
	}
	if !guarded {
		return store.ErrDuplicate
	}

	applied, err := s.cas(ctx, `UPDATE task_assignments SET status = ?, completed_at = ? WHERE id = ? IF status = ?`,
		types.AssignmentSubmitted, sub.SubmittedAt, a.ID, a.Status)
	if err == nil && !applied {
		err = store.ErrConflict
	}
	if err != nil {
		_ = s.query(ctx, `DELETE FROM submissions_by_assignment WHERE assignment_id = ?`, sub.AssignmentID).Exec()
		return err
	}
	s.releaseGuard(ctx, a)

	sub.TaskID = a.TaskID
	return s.query(ctx, `INSERT INTO submissions (`+submissionColumns+`) VALUES (?, ?, ?, ?, ?, ?, '', NULL, '', ?)`,
		sub.ID, sub.TaskID, sub.AssignmentID, sub.WorkerID, string(sub.Payload), sub.Status, sub.SubmittedAt).Exec()
}

func (s *Store) GetSubmission(ctx context.Context, id string) (*types.Submission, error) {
	trackDBOp := metrics.TrackDBOperation("read", "submissions")
	sub, err := s.getSubmission(ctx, id)
	trackDBOp(err)
	return sub, err
}

func (s *Store) ListSubmissionsByTask(ctx context.Context, taskID string) ([]types.Submission, error) {
	trackDBOp := metrics.TrackDBOperation("read", "submissions")
	iter := s.query(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE task_id = ?`, taskID).Iter()
	out := make([]types.Submission, 0)
	for {
		var row submissionRow
		if !iter.Scan(row.dest()...) {
			break
		}
		out = append(out, *row.submission())
	}
	err := iter.Close()
	trackDBOp(err)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *Store) ReviewSubmission(ctx context.Context, id string, from, to types.ReviewStatus, reviewerID string, at time.Time) (*types.Submission, error) {
	trackDBOp := metrics.TrackDBOperation("update", "submissions")
	var reviewedAt *time.Time
	if to != types.ReviewPending {
		reviewedAt = &at
	} else {
		reviewerID = ""
	}

	applied, err := s.cas(ctx, `UPDATE submissions SET status = ?, reviewer_id = ?, reviewed_at = ? WHERE id = ? IF status = ?`,
		to, reviewerID, reviewedAt, id, from)
	if err != nil {
		trackDBOp(err)
		return nil, err
	}
	sub, err := s.getSubmission(ctx, id)
	if err == nil && !applied {
		err = store.ErrConflict
	}
	trackDBOp(err)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Store) SetPayoutTx(ctx context.Context, id, txHash string) error {
	trackDBOp := metrics.TrackDBOperation("update", "submissions")
	applied, err := s.cas(ctx, `UPDATE submissions SET payout_tx_hash = ? WHERE id = ? IF EXISTS`, txHash, id)
	if err == nil && !applied {
		err = store.ErrNotFound
	}
	trackDBOp(err)
	return err
}

func (s *Store) CountApprovedSubmissions(ctx context.Context, taskID string) (int, error) {
	trackDBOp := metrics.TrackDBOperation("read", "submissions")
	iter := s.query(ctx, `SELECT status FROM submissions WHERE task_id = ?`, taskID).Iter()
	count := 0
	var status types.ReviewStatus
	for iter.Scan(&status) {
		if status == types.ReviewApproved {
			count++
		}
	}
	err := iter.Close()
	trackDBOp(err)
	return count, err
}
