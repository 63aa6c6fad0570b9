// Package lifecycle owns the task state machine: funding through escrow,
// slot claims, submissions, reviews with payouts, cancellation, expiry and
// compute jobs. Handlers and background loops go through Manager only.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/datarand/datarand-backend/internal/marketplace/compute"
	"github.com/datarand/datarand-backend/internal/marketplace/escrow"
	"github.com/datarand/datarand-backend/internal/marketplace/events"
	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	"github.com/datarand/datarand-backend/internal/marketplace/store"
	apperrors "github.com/datarand/datarand-backend/pkg/errors"
	"github.com/datarand/datarand-backend/pkg/fees"
	"github.com/datarand/datarand-backend/pkg/logging"
	"github.com/datarand/datarand-backend/pkg/types"
)

const (
	MaxRequiredWorkers = 100
	// requestCandidates bounds how many open tasks RequestTask walks.
	requestCandidates = 50
)

// ComputeTracker is notified of every compute job that needs polling.
type ComputeTracker interface {
	Track(job types.ComputeJob) error
}

type Config struct {
	Store  store.Store
	Escrow escrow.Client
	// Compute is optional; StartCompute fails without it.
	Compute compute.Provider
	Fees    *fees.Calculator
	Events  events.Publisher
	Clock   clock.Clock
}

type Manager struct {
	store   store.Store
	escrow  escrow.Client
	compute compute.Provider
	fees    *fees.Calculator
	events  events.Publisher
	tracker ComputeTracker
	clock   clock.Clock
	logger  logging.Logger

	startingMu sync.Mutex
	starting   map[string]struct{}
}

func NewManager(cfg Config, logger logging.Logger) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Escrow == nil {
		return nil, fmt.Errorf("escrow client is required")
	}
	if cfg.Fees == nil {
		return nil, fmt.Errorf("fee calculator is required")
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Manager{
		store:    cfg.Store,
		escrow:   cfg.Escrow,
		compute:  cfg.Compute,
		fees:     cfg.Fees,
		events:   cfg.Events,
		clock:    cfg.Clock,
		logger:   logger,
		starting: make(map[string]struct{}),
	}, nil
}

// SetComputeTracker wires the poller after both sides are constructed.
func (m *Manager) SetComputeTracker(t ComputeTracker) {
	m.tracker = t
}

// storeError maps a store sentinel onto the client facing taxonomy.
func storeError(err error, what string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperrors.NotFoundf("%s not found", what)
	case errors.Is(err, store.ErrConflict):
		return apperrors.Wrap(apperrors.KindConflict, err, what+" changed state concurrently")
	case errors.Is(err, store.ErrCapacity):
		return apperrors.Wrap(apperrors.KindCapacity, err, what+" has no open slot")
	case errors.Is(err, store.ErrDuplicate):
		return apperrors.Wrap(apperrors.KindConflict, err, what+" already exists")
	default:
		return apperrors.InternalError(err)
	}
}

func (m *Manager) getTask(ctx context.Context, taskID string) (*types.Task, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, storeError(err, "task")
	}
	return task, nil
}

func (m *Manager) ownedTask(ctx context.Context, taskID, requesterID string) (*types.Task, error) {
	task, err := m.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.CreatorID != requesterID {
		return nil, apperrors.Forbiddenf("only the task creator can do this")
	}
	return task, nil
}

func (m *Manager) recordTransition(task *types.Task) {
	metrics.TaskTransitionsTotal.WithLabelValues(string(task.Status)).Inc()
	m.events.Publish(events.Event{
		Type:       events.MessageTypeTaskStatusChanged,
		Recipients: []string{task.CreatorID},
		Data: &events.TaskEventData{
			TaskID:    task.ID,
			Status:    string(task.Status),
			Timestamp: task.UpdatedAt,
		},
	})
}

// escrowError classifies chain failures: a bad transaction is the caller's
// fault, anything else is the chain being unavailable.
func escrowError(err error) error {
	switch {
	case errors.Is(err, escrow.ErrTxNotFound):
		return apperrors.Wrap(apperrors.KindValidation, err, "transaction not found on chain")
	case errors.Is(err, escrow.ErrTxFailed):
		return apperrors.Wrap(apperrors.KindValidation, err, "transaction failed on chain")
	case errors.Is(err, escrow.ErrForeignTx):
		return apperrors.Wrap(apperrors.KindValidation, err, "transaction does not fund this task on the escrow contract")
	case errors.Is(err, escrow.ErrUnderfunded):
		return apperrors.Wrap(apperrors.KindValidation, err, "transaction value is below the funding total")
	case errors.Is(err, escrow.ErrInvalidAddress):
		return apperrors.Wrap(apperrors.KindValidation, err, "invalid wallet address")
	default:
		return apperrors.External("escrow contract", err)
	}
}

func validPayload(payload json.RawMessage) bool {
	return len(payload) > 0 && json.Valid(payload) && string(payload) != "null"
}
