package lifecycle

import (
	"context"
	"errors"

	"github.com/datarand/datarand-backend/internal/marketplace/escrow"
	"github.com/datarand/datarand-backend/internal/marketplace/events"
	"github.com/datarand/datarand-backend/internal/marketplace/store"
	apperrors "github.com/datarand/datarand-backend/pkg/errors"
	"github.com/datarand/datarand-backend/pkg/types"
)

// ReviewSubmission approves or rejects a pending submission. Approval pays
// the worker through escrow and completes the task once enough submissions
// are approved. A payout that was never broadcast puts the submission back
// to pending; a broadcast one is recorded and never sent again.
// Rejection gives the worker's slot back.
func (m *Manager) ReviewSubmission(ctx context.Context, submissionID, reviewerID string, approved bool) (*types.Submission, error) {
	sub, err := m.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, storeError(err, "submission")
	}
	task, err := m.ownedTask(ctx, sub.TaskID, reviewerID)
	if err != nil {
		return nil, err
	}
	if sub.Status != types.ReviewPending {
		return nil, apperrors.Conflictf("submission is already %s", sub.Status)
	}

	if !approved {
		return m.reject(ctx, task, sub, reviewerID)
	}
	return m.approve(ctx, task, sub, reviewerID)
}

func (m *Manager) reject(ctx context.Context, task *types.Task, sub *types.Submission, reviewerID string) (*types.Submission, error) {
	now := m.clock.Now().UTC()
	reviewed, err := m.store.ReviewSubmission(ctx, sub.ID, types.ReviewPending, types.ReviewRejected, reviewerID, now)
	if err != nil {
		return nil, reviewError(err)
	}
	if err := m.store.ReleaseSlot(ctx, task.ID, now); err != nil {
		m.logger.Errorf("Failed to release slot of task %s after rejecting %s: %v", task.ID, sub.ID, err)
		return nil, storeError(err, "task")
	}

	m.publishReview(task, reviewed)
	m.logger.Infof("Submission %s for task %s rejected", sub.ID, task.ID)
	return reviewed, nil
}

func (m *Manager) approve(ctx context.Context, task *types.Task, sub *types.Submission, reviewerID string) (*types.Submission, error) {
	worker, err := m.store.GetUser(ctx, sub.WorkerID)
	if err != nil {
		return nil, storeError(err, "worker")
	}
	wallet := worker.PayoutAddress()
	if wallet == "" {
		return nil, apperrors.Validationf("worker has no wallet to pay out to")
	}

	// The approval is claimed before any money moves so two reviewers cannot
	// both pay the same submission.
	reviewed, err := m.store.ReviewSubmission(ctx, sub.ID, types.ReviewPending, types.ReviewApproved, reviewerID, m.clock.Now().UTC())
	if err != nil {
		return nil, reviewError(err)
	}

	txHash, err := m.releasePayout(ctx, task.ID, wallet)
	switch {
	case escrow.Unconfirmed(txHash, err):
		m.logger.Errorf("Payout for submission %s sent in tx %s but not confirmed, operator action required: %v", sub.ID, txHash, err)
	case err != nil:
		m.logger.Errorf("Payout for submission %s failed, reverting approval: %v", sub.ID, err)
		if _, revertErr := m.store.ReviewSubmission(ctx, sub.ID, types.ReviewApproved, types.ReviewPending, "", m.clock.Now().UTC()); revertErr != nil {
			m.logger.Errorf("Failed to revert approval of submission %s: %v", sub.ID, revertErr)
		}
		return nil, escrowError(err)
	}

	if err := m.store.SetPayoutTx(ctx, sub.ID, txHash); err != nil {
		m.logger.Errorf("Failed to record payout tx %s for submission %s: %v", txHash, sub.ID, err)
	}
	reviewed.PayoutTxHash = txHash

	if err := m.store.AddEarnings(ctx, sub.WorkerID, task.PayoutPerWorker); err != nil {
		m.logger.Errorf("Failed to credit %s to worker %s: %v", task.PayoutPerWorker, sub.WorkerID, err)
	}

	m.publishReview(task, reviewed)
	m.logger.Infof("Submission %s for task %s approved, payout tx %s", sub.ID, task.ID, txHash)

	if err := m.completeIfDone(ctx, task); err != nil {
		return nil, err
	}
	return reviewed, nil
}

// releasePayout makes sure the wallet is an assigned worker on the contract
// and then releases one payout to it.
func (m *Manager) releasePayout(ctx context.Context, taskID, wallet string) (string, error) {
	assigned, err := m.escrow.IsAssignedWorker(ctx, taskID, wallet)
	if err != nil {
		return "", err
	}
	if !assigned {
		if _, err := m.escrow.AssignWorkers(ctx, taskID, []string{wallet}); err != nil {
			return "", err
		}
	}
	return m.escrow.ReleasePayout(ctx, taskID, wallet)
}

func (m *Manager) completeIfDone(ctx context.Context, task *types.Task) error {
	approved, err := m.store.CountApprovedSubmissions(ctx, task.ID)
	if err != nil {
		return storeError(err, "submission")
	}
	if approved < task.RequiredWorkers {
		return nil
	}

	completed, err := m.store.TransitionTask(ctx, task.ID, store.Transition{
		From: []types.TaskStatus{types.TaskStatusFunded, types.TaskStatusAssigned},
		To:   types.TaskStatusCompleted,
		At:   m.clock.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// another approval completed it first
			return nil
		}
		return storeError(err, "task")
	}
	m.recordTransition(completed)

	txHash, err := m.escrow.CompleteTask(ctx, task.ID)
	if err != nil {
		m.logger.Errorf("Task %s completed but completeTask failed, operator action required: %v", task.ID, err)
		return nil
	}
	m.logger.Infof("Task %s completed, escrow closed in tx %s", task.ID, txHash)
	return nil
}

func (m *Manager) publishReview(task *types.Task, sub *types.Submission) {
	at := m.clock.Now().UTC()
	if sub.ReviewedAt != nil {
		at = *sub.ReviewedAt
	}
	m.events.Publish(events.Event{
		Type:       events.MessageTypeSubmissionReviewed,
		Recipients: []string{sub.WorkerID, task.CreatorID},
		Data: &events.TaskEventData{
			TaskID:       task.ID,
			Status:       string(sub.Status),
			AssignmentID: sub.AssignmentID,
			SubmissionID: sub.ID,
			TxHash:       sub.PayoutTxHash,
			Timestamp:    at,
		},
	})
}

func reviewError(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return apperrors.Wrap(apperrors.KindConflict, err, "submission was already reviewed")
	}
	return storeError(err, "submission")
}

// ListSubmissionsByTask is restricted to the task creator.
func (m *Manager) ListSubmissionsByTask(ctx context.Context, taskID, requesterID string) ([]types.Submission, error) {
	if _, err := m.ownedTask(ctx, taskID, requesterID); err != nil {
		return nil, err
	}
	subs, err := m.store.ListSubmissionsByTask(ctx, taskID)
	if err != nil {
		return nil, storeError(err, "submission")
	}
	return subs, nil
}
