package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/datarand/datarand-backend/internal/marketplace/events"
	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	"github.com/datarand/datarand-backend/internal/marketplace/store"
	apperrors "github.com/datarand/datarand-backend/pkg/errors"
	"github.com/datarand/datarand-backend/pkg/types"
)

// AssignWorker claims one slot of taskID for workerID. The capacity check
// and the claim are a single store operation.
func (m *Manager) AssignWorker(ctx context.Context, taskID, workerID string) (*types.Assignment, error) {
	task, err := m.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.CreatorID == workerID {
		return nil, apperrors.Forbiddenf("creators cannot work on their own tasks")
	}
	if !task.Status.AcceptsWorkers() {
		metrics.AssignmentsClaimedTotal.WithLabelValues("conflict").Inc()
		return nil, apperrors.Conflictf("task is %s", task.Status)
	}

	assignment := &types.Assignment{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		WorkerID:  workerID,
		Status:    types.AssignmentAccepted,
		StartedAt: m.clock.Now().UTC(),
	}
	updated, err := m.store.ClaimSlot(ctx, assignment)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrCapacity):
			metrics.AssignmentsClaimedTotal.WithLabelValues("capacity").Inc()
			return nil, apperrors.Wrap(apperrors.KindCapacity, err, "task has no open slot")
		case errors.Is(err, store.ErrDuplicate):
			metrics.AssignmentsClaimedTotal.WithLabelValues("duplicate").Inc()
			return nil, apperrors.Wrap(apperrors.KindConflict, err, "you already hold an active assignment on this task")
		case errors.Is(err, store.ErrConflict):
			metrics.AssignmentsClaimedTotal.WithLabelValues("conflict").Inc()
			return nil, apperrors.Wrap(apperrors.KindConflict, err, "task is no longer accepting workers")
		}
		return nil, storeError(err, "task")
	}
	metrics.AssignmentsClaimedTotal.WithLabelValues("claimed").Inc()

	if updated.Status != task.Status {
		m.recordTransition(updated)
	}
	m.events.Publish(events.Event{
		Type:       events.MessageTypeAssignmentUpdated,
		Recipients: []string{workerID, task.CreatorID},
		Data: &events.TaskEventData{
			TaskID:       taskID,
			Status:       string(assignment.Status),
			AssignmentID: assignment.ID,
			Timestamp:    assignment.StartedAt,
		},
	})
	m.logger.Infof("Worker %s claimed slot %d/%d of task %s", workerID, updated.AssignedCount, updated.RequiredWorkers, taskID)
	return assignment, nil
}

// RequestTask claims the oldest open task workerID can take, moving on to
// the next candidate when a slot is lost to another worker.
func (m *Manager) RequestTask(ctx context.Context, workerID string, category types.TaskCategory) (*types.Assignment, error) {
	if category != "" && !category.IsValid() {
		return nil, apperrors.Validationf("unknown category %q", category)
	}

	candidates, err := m.store.ListAvailableTasks(ctx, types.TaskFilter{
		Category:  category,
		ExcludeBy: workerID,
		Limit:     requestCandidates,
	})
	if err != nil {
		return nil, storeError(err, "task")
	}

	held, err := m.store.ListAssignmentsByWorker(ctx, workerID)
	if err != nil {
		return nil, storeError(err, "assignment")
	}
	busy := make(map[string]bool, len(held))
	for _, a := range held {
		if a.Status.IsActive() {
			busy[a.TaskID] = true
		}
	}

	for _, task := range candidates {
		if busy[task.ID] {
			continue
		}
		assignment, err := m.AssignWorker(ctx, task.ID, workerID)
		if err == nil {
			return assignment, nil
		}
		kind := apperrors.KindOf(err)
		if kind == apperrors.KindCapacity || kind == apperrors.KindConflict {
			m.logger.Debugf("Lost task %s to another worker, trying next: %v", task.ID, err)
			continue
		}
		return nil, err
	}
	return nil, apperrors.NotFoundf("no task is available right now")
}

// SubmitWork records the worker's result for an active assignment.
func (m *Manager) SubmitWork(ctx context.Context, workerID string, req types.SubmitWorkRequest) (*types.Submission, error) {
	if !validPayload(req.Payload) {
		return nil, apperrors.Validationf("payload must be a JSON value")
	}

	assignment, err := m.store.GetAssignment(ctx, req.AssignmentID)
	if err != nil {
		return nil, storeError(err, "assignment")
	}
	if assignment.WorkerID != workerID {
		return nil, apperrors.Forbiddenf("assignment belongs to another worker")
	}
	if !assignment.Status.IsActive() {
		return nil, apperrors.Conflictf("assignment is %s", assignment.Status)
	}

	sub := &types.Submission{
		ID:           uuid.NewString(),
		AssignmentID: assignment.ID,
		WorkerID:     workerID,
		Payload:      req.Payload,
		Status:       types.ReviewPending,
		SubmittedAt:  m.clock.Now().UTC(),
	}
	if err := m.store.SubmitWork(ctx, sub); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicate):
			return nil, apperrors.Wrap(apperrors.KindConflict, err, "assignment already has a submission")
		case errors.Is(err, store.ErrConflict):
			return nil, apperrors.Wrap(apperrors.KindConflict, err, "assignment is no longer active")
		}
		return nil, storeError(err, "assignment")
	}

	recipients := []string{workerID}
	if task, err := m.store.GetTask(ctx, sub.TaskID); err == nil {
		recipients = append(recipients, task.CreatorID)
	}
	m.events.Publish(events.Event{
		Type:       events.MessageTypeSubmissionCreated,
		Recipients: recipients,
		Data: &events.TaskEventData{
			TaskID:       sub.TaskID,
			Status:       string(sub.Status),
			AssignmentID: sub.AssignmentID,
			SubmissionID: sub.ID,
			Timestamp:    sub.SubmittedAt,
		},
	})
	m.logger.Infof("Worker %s submitted %s for task %s", workerID, sub.ID, sub.TaskID)
	return sub, nil
}

func (m *Manager) ListAssignmentsByWorker(ctx context.Context, workerID string) ([]types.Assignment, error) {
	assignments, err := m.store.ListAssignmentsByWorker(ctx, workerID)
	if err != nil {
		return nil, storeError(err, "assignment")
	}
	return assignments, nil
}

// AbandonStaleAssignments abandons every active assignment started more than
// ttl ago and frees its slot. An assignment exactly ttl old is kept.
func (m *Manager) AbandonStaleAssignments(ctx context.Context, ttl time.Duration) ([]types.Assignment, error) {
	now := m.clock.Now().UTC()
	abandoned, err := m.store.AbandonStaleAssignments(ctx, now.Add(-ttl), now)
	if err != nil {
		return nil, storeError(err, "assignment")
	}

	for _, a := range abandoned {
		metrics.AssignmentsAbandonedTotal.Inc()
		m.events.Publish(events.Event{
			Type:       events.MessageTypeAssignmentUpdated,
			Recipients: []string{a.WorkerID},
			Data: &events.TaskEventData{
				TaskID:       a.TaskID,
				Status:       string(a.Status),
				AssignmentID: a.ID,
				Timestamp:    now,
			},
		})
	}
	return abandoned, nil
}
