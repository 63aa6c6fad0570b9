package lifecycle

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/datarand/datarand-backend/internal/marketplace/store"
	apperrors "github.com/datarand/datarand-backend/pkg/errors"
	"github.com/datarand/datarand-backend/pkg/types"
)

// StartCompute submits a ComputeShare task to the compute provider and hands
// the job to the poller.
func (m *Manager) StartCompute(ctx context.Context, taskID, requesterID string, input json.RawMessage) (*types.ComputeJob, error) {
	if m.compute == nil {
		return nil, apperrors.External("compute provider", errors.New("not configured"))
	}
	task, err := m.ownedTask(ctx, taskID, requesterID)
	if err != nil {
		return nil, err
	}
	if task.Category != types.CategoryComputeShare {
		return nil, apperrors.Validationf("only %s tasks run on the compute provider", types.CategoryComputeShare)
	}
	if !task.Status.AcceptsWorkers() {
		return nil, apperrors.Conflictf("task is %s", task.Status)
	}
	if len(input) > 0 && !json.Valid(input) {
		return nil, apperrors.Validationf("input must be JSON")
	}

	if !m.beginCompute(task.ID) {
		return nil, apperrors.Conflictf("a compute job is already starting for this task")
	}
	defer m.endCompute(task.ID)

	pending, err := m.store.ListPendingComputeJobs(ctx)
	if err != nil {
		return nil, storeError(err, "compute job")
	}
	for _, j := range pending {
		if j.TaskID == task.ID {
			return nil, apperrors.Conflictf("compute job %s is still running for this task", j.ID)
		}
	}

	jobID, err := m.compute.SubmitJob(ctx, task.ID, input)
	if err != nil {
		m.logger.Errorf("Failed to submit compute job for task %s: %v", task.ID, err)
		return nil, apperrors.External("compute provider", err)
	}

	job := &types.ComputeJob{
		ID:        jobID,
		TaskID:    task.ID,
		Status:    types.ComputeJobPending,
		CreatedAt: m.clock.Now().UTC(),
	}
	if err := m.store.CreateComputeJob(ctx, job); err != nil {
		return nil, storeError(err, "compute job")
	}

	if m.tracker != nil {
		if err := m.tracker.Track(*job); err != nil {
			m.logger.Errorf("Failed to track compute job %s: %v", job.ID, err)
		}
	}
	m.logger.Infof("Compute job %s started for task %s", job.ID, task.ID)
	return job, nil
}

// beginCompute marks taskID as having a submission in flight in this process.
func (m *Manager) beginCompute(taskID string) bool {
	m.startingMu.Lock()
	defer m.startingMu.Unlock()
	if _, busy := m.starting[taskID]; busy {
		return false
	}
	m.starting[taskID] = struct{}{}
	return true
}

func (m *Manager) endCompute(taskID string) {
	m.startingMu.Lock()
	defer m.startingMu.Unlock()
	delete(m.starting, taskID)
}

// FinishCompute settles a pending job once and moves its task to
// WSA_COMPLETED or WSA_FAILED.
func (m *Manager) FinishCompute(ctx context.Context, jobID string, status types.ComputeJobStatus, result json.RawMessage) (*types.ComputeJob, error) {
	job, err := m.store.FinishComputeJob(ctx, jobID, status, result, m.clock.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperrors.Wrap(apperrors.KindConflict, err, "compute job is already settled")
		}
		return nil, storeError(err, "compute job")
	}

	task, err := m.store.GetTask(ctx, job.TaskID)
	if err != nil {
		m.logger.Warnf("Compute job %s settled but task %s could not be read: %v", job.ID, job.TaskID, err)
		return job, nil
	}
	if wsa, _ := store.ComputeTaskStatus(status); task.Status == wsa {
		m.recordTransition(task)
	}
	m.logger.Infof("Compute job %s for task %s finished: %s", job.ID, task.ID, job.Status)
	return job, nil
}

func (m *Manager) GetComputeJob(ctx context.Context, jobID string) (*types.ComputeJob, error) {
	job, err := m.store.GetComputeJob(ctx, jobID)
	if err != nil {
		return nil, storeError(err, "compute job")
	}
	return job, nil
}

// PendingComputeJobs is read by the poller on startup.
func (m *Manager) PendingComputeJobs(ctx context.Context) ([]types.ComputeJob, error) {
	jobs, err := m.store.ListPendingComputeJobs(ctx)
	if err != nil {
		return nil, storeError(err, "compute job")
	}
	return jobs, nil
}
