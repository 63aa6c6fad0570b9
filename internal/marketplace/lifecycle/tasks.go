package lifecycle

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/datarand/datarand-backend/internal/marketplace/escrow"
	"github.com/datarand/datarand-backend/internal/marketplace/events"
	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	"github.com/datarand/datarand-backend/internal/marketplace/store"
	apperrors "github.com/datarand/datarand-backend/pkg/errors"
	"github.com/datarand/datarand-backend/pkg/env"
	"github.com/datarand/datarand-backend/pkg/fees"
	"github.com/datarand/datarand-backend/pkg/types"
)

// CreateTask persists a Draft task for creatorID.
func (m *Manager) CreateTask(ctx context.Context, creatorID string, req types.CreateTaskRequest) (*types.Task, error) {
	now := m.clock.Now().UTC()

	title := strings.TrimSpace(req.Title)
	description := strings.TrimSpace(req.Description)
	switch {
	case title == "":
		return nil, apperrors.Validationf("title is required")
	case description == "":
		return nil, apperrors.Validationf("description is required")
	case !req.Category.IsValid():
		return nil, apperrors.Validationf("unknown category %q", req.Category)
	case !req.PayoutPerWorker.IsPositive():
		return nil, apperrors.Validationf("payout per worker must be positive")
	case req.RequiredWorkers < 1 || req.RequiredWorkers > MaxRequiredWorkers:
		return nil, apperrors.Validationf("required workers must be between 1 and %d", MaxRequiredWorkers)
	case req.Deadline != nil && !req.Deadline.After(now):
		return nil, apperrors.Validationf("deadline must be in the future")
	}

	task := &types.Task{
		ID:              uuid.NewString(),
		CreatorID:       creatorID,
		Title:           title,
		Description:     description,
		Category:        req.Category,
		PayoutPerWorker: req.PayoutPerWorker,
		RequiredWorkers: req.RequiredWorkers,
		Status:          types.TaskStatusDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.Deadline != nil {
		deadline := req.Deadline.UTC()
		task.Deadline = &deadline
	}

	if err := m.store.CreateTask(ctx, task); err != nil {
		return nil, storeError(err, "task")
	}

	metrics.TaskTransitionsTotal.WithLabelValues(string(task.Status)).Inc()
	m.events.Publish(events.Event{
		Type:       events.MessageTypeTaskCreated,
		Recipients: []string{creatorID},
		Data:       &events.TaskEventData{TaskID: task.ID, Status: string(task.Status), Timestamp: now},
	})
	m.logger.Infof("Task %s created by %s: %s x %d", task.ID, creatorID, task.PayoutPerWorker, task.RequiredWorkers)
	return task, nil
}

// PrepareFunding quotes the funding total and returns the fundTask call the
// creator signs. The task is registered on the escrow contract on the first
// call only; later calls re-issue the same instruction.
func (m *Manager) PrepareFunding(ctx context.Context, taskID, requesterID string) (*types.FundingInstruction, error) {
	task, err := m.ownedTask(ctx, taskID, requesterID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskStatusDraft {
		return nil, apperrors.Conflictf("task is already %s", task.Status)
	}

	breakdown, err := m.fees.Calculate(task.PayoutPerWorker, task.RequiredWorkers)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, err, err.Error())
	}

	escrowTx := task.EscrowTxHash
	if task.FundingPreparedAt == nil {
		creator, err := m.store.GetUser(ctx, task.CreatorID)
		if err != nil {
			return nil, storeError(err, "creator")
		}
		wallet := creator.PayoutAddress()
		if wallet == "" {
			return nil, apperrors.Validationf("link a wallet before funding a task")
		}

		escrowTx, err = m.escrow.RegisterTask(ctx, task.ID, wallet, fees.ToWei(task.PayoutPerWorker), task.RequiredWorkers)
		if escrow.Unconfirmed(escrowTx, err) {
			// Keep the hash so the next call does not register the task twice.
			m.logger.Errorf("Registration of task %s sent in tx %s but not confirmed: %v", task.ID, escrowTx, err)
			if _, recErr := m.store.RecordFundingPrepared(ctx, task.ID, breakdown.Total, escrowTx, m.clock.Now().UTC()); recErr != nil {
				m.logger.Errorf("Failed to record registration tx %s for task %s: %v", escrowTx, task.ID, recErr)
			}
			return nil, apperrors.External("escrow contract", err)
		}
		if err != nil {
			m.logger.Errorf("Failed to register task %s on escrow: %v", task.ID, err)
			return nil, escrowError(err)
		}
		m.logger.Infof("Task %s registered on escrow in tx %s", task.ID, escrowTx)
	}

	task, err = m.store.RecordFundingPrepared(ctx, task.ID, breakdown.Total, escrowTx, m.clock.Now().UTC())
	if err != nil {
		return nil, storeError(err, "task")
	}

	amountWei := fees.ToWei(breakdown.Total)
	call, err := m.escrow.FundCall(task.ID, amountWei)
	if err != nil {
		return nil, apperrors.InternalError(err)
	}
	onChainID, err := escrow.TaskIDFromUUID(task.ID)
	if err != nil {
		return nil, apperrors.InternalError(err)
	}

	return &types.FundingInstruction{
		TaskID:        task.ID,
		OnChainTaskID: onChainID.String(),
		Subtotal:      breakdown.Subtotal,
		FeeRate:       breakdown.FeeRate,
		Fee:           breakdown.Fee,
		Amount:        breakdown.Total,
		AmountWei:     amountWei.String(),
		To:            call.To,
		Data:          call.Data,
		Value:         call.Value.String(),
		ChainID:       strconv.FormatInt(call.ChainID, 10),
		EscrowTxHash:  task.EscrowTxHash,
	}, nil
}

// ConfirmFunding checks the creator's fundTask transaction on chain and moves
// the task to Funded. Nothing here is retried.
func (m *Manager) ConfirmFunding(ctx context.Context, taskID, requesterID, txHash string) (*types.Task, error) {
	task, err := m.ownedTask(ctx, taskID, requesterID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskStatusDraft {
		return nil, apperrors.Conflictf("task is already %s", task.Status)
	}
	if task.FundingPreparedAt == nil {
		return nil, apperrors.Conflictf("funding has not been prepared for this task")
	}
	if !env.IsValidTxHash(txHash) {
		return nil, apperrors.Validationf("invalid transaction hash")
	}
	txHash = strings.ToLower(txHash)

	if err := m.escrow.VerifyFunding(ctx, txHash, task.ID, fees.ToWei(task.FundingTotal)); err != nil {
		m.logger.Warnf("Funding tx %s for task %s rejected: %v", txHash, task.ID, err)
		return nil, escrowError(err)
	}

	task, err = m.store.ConfirmFunding(ctx, task.ID, txHash, m.clock.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperrors.Wrap(apperrors.KindConflict, err, "task is already funded")
		}
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperrors.Wrap(apperrors.KindConflict, err, "transaction already funded another task")
		}
		return nil, storeError(err, "task")
	}

	m.recordTransition(task)
	m.logger.Infof("Task %s funded in tx %s", task.ID, txHash)
	return task, nil
}

// CancelTask cancels an idle Draft or Funded task. A funded task gets a
// refund request on the escrow contract.
func (m *Manager) CancelTask(ctx context.Context, taskID, requesterID string) (*types.Task, error) {
	task, err := m.ownedTask(ctx, taskID, requesterID)
	if err != nil {
		return nil, err
	}
	return m.retire(ctx, task, types.TaskStatusCancelled)
}

// ExpireTask retires an idle Draft or Funded task whose deadline has passed.
func (m *Manager) ExpireTask(ctx context.Context, taskID string) (*types.Task, error) {
	task, err := m.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Deadline == nil || task.Deadline.After(m.clock.Now()) {
		return nil, apperrors.Conflictf("task deadline has not passed")
	}

	task, err = m.retire(ctx, task, types.TaskStatusExpired)
	if err != nil {
		return nil, err
	}
	metrics.TasksExpiredTotal.Inc()
	return task, nil
}

func (m *Manager) retire(ctx context.Context, task *types.Task, to types.TaskStatus) (*types.Task, error) {
	if task.Status != types.TaskStatusDraft && task.Status != types.TaskStatusFunded {
		return nil, apperrors.Conflictf("task cannot become %s from %s", to, task.Status)
	}
	if task.AssignedCount > 0 {
		return nil, apperrors.Conflictf("task has %d active assignments", task.AssignedCount)
	}

	updated, err := m.store.TransitionTask(ctx, task.ID, store.Transition{
		From:        []types.TaskStatus{types.TaskStatusDraft, types.TaskStatusFunded},
		To:          to,
		At:          m.clock.Now().UTC(),
		RequireIdle: true,
	})
	if err != nil {
		return nil, storeError(err, "task")
	}
	m.recordTransition(updated)
	m.logger.Infof("Task %s is now %s", updated.ID, to)

	// FundedAt is set once on funding, so this also catches a funding that
	// landed between the read and the transition.
	if updated.FundedAt != nil {
		txHash, err := m.escrow.CancelAndRefund(ctx, updated.ID)
		if err != nil {
			m.logger.Errorf("Refund for %s task %s failed, operator action required: %v", to, updated.ID, err)
		} else {
			m.logger.Infof("Refund for task %s sent in tx %s", updated.ID, txHash)
		}
	}
	return updated, nil
}

func (m *Manager) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	return m.getTask(ctx, taskID)
}

func (m *Manager) ListTasksByCreator(ctx context.Context, creatorID string) ([]types.Task, error) {
	tasks, err := m.store.ListTasksByCreator(ctx, creatorID)
	if err != nil {
		return nil, storeError(err, "task")
	}
	return tasks, nil
}

// ListAvailableTasks lists open tasks workerID did not create.
func (m *Manager) ListAvailableTasks(ctx context.Context, workerID string, category types.TaskCategory) ([]types.Task, error) {
	if category != "" && !category.IsValid() {
		return nil, apperrors.Validationf("unknown category %q", category)
	}
	tasks, err := m.store.ListAvailableTasks(ctx, types.TaskFilter{Category: category, ExcludeBy: workerID})
	if err != nil {
		return nil, storeError(err, "task")
	}
	return tasks, nil
}

// ListOverdueTasks is used by the deadline sweep.
func (m *Manager) ListOverdueTasks(ctx context.Context) ([]types.Task, error) {
	tasks, err := m.store.ListOverdueTasks(ctx, m.clock.Now())
	if err != nil {
		return nil, storeError(err, "task")
	}
	return tasks, nil
}
