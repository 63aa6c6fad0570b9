// Package store defines the persistence contract of the marketplace. Every
// backend (memory, postgres, scylla) implements Store, and every conditional
// mutation on it is atomic with respect to concurrent callers.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/datarand/datarand-backend/pkg/types"
)

var (
	ErrNotFound = errors.New("store: record not found")
	// ErrConflict means a compare-and-set precondition did not hold.
	ErrConflict = errors.New("store: state conflict")
	// ErrCapacity means the task has no open slot left.
	ErrCapacity = errors.New("store: task is full")
	// ErrDuplicate means a uniqueness constraint would be violated.
	ErrDuplicate = errors.New("store: duplicate record")
)

// Transition is a compare-and-set on a task's status.
type Transition struct {
	From []types.TaskStatus
	To   types.TaskStatus
	At   time.Time
	// RequireIdle fails the transition while any slot is claimed.
	RequireIdle bool
}

// Allows reports whether current is one of the transition's source states.
func (t Transition) Allows(current types.TaskStatus) bool {
	for _, from := range t.From {
		if from == current {
			return true
		}
	}
	return false
}

// ApplyTo mutates task the way every backend must on a successful transition.
func (t Transition) ApplyTo(task *types.Task) {
	task.Status = t.To
	task.UpdatedAt = t.At
	if t.To.IsTerminal() {
		at := t.At
		task.CompletedAt = &at
	}
}

// LoginRecord carries the fields refreshed on every login.
type LoginRecord struct {
	ExternalID     string
	ExternalWallet string
	EmbeddedWallet string
	Fingerprint    string
	At             time.Time
}

type UserStore interface {
	// UpsertUserByExternalID creates the user on first login. Wallet fields
	// are only overwritten by non-empty values.
	UpsertUserByExternalID(ctx context.Context, rec LoginRecord) (*types.User, error)
	GetUser(ctx context.Context, id string) (*types.User, error)
	// AddEarnings credits a paid submission to the worker.
	AddEarnings(ctx context.Context, userID string, amount decimal.Decimal) error
}

type TaskStore interface {
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListTasksByCreator(ctx context.Context, creatorID string) ([]types.Task, error)
	// ListAvailableTasks returns Funded or Assigned tasks with an open slot,
	// oldest first.
	ListAvailableTasks(ctx context.Context, filter types.TaskFilter) ([]types.Task, error)
	// ListOverdueTasks returns Draft or Funded tasks whose deadline is before now.
	ListOverdueTasks(ctx context.Context, now time.Time) ([]types.Task, error)

	// RecordFundingPrepared stores the quoted total on a Draft task. The
	// escrow registration hash is kept from the first call.
	RecordFundingPrepared(ctx context.Context, taskID string, total decimal.Decimal, escrowTxHash string, at time.Time) (*types.Task, error)
	// ConfirmFunding moves a prepared Draft task to Funded.
	ConfirmFunding(ctx context.Context, taskID, txHash string, at time.Time) (*types.Task, error)
	TransitionTask(ctx context.Context, taskID string, tr Transition) (*types.Task, error)
}

type AssignmentStore interface {
	// ClaimSlot inserts an accepted assignment and takes one slot. The task
	// becomes Assigned when the last slot is taken.
	ClaimSlot(ctx context.Context, a *types.Assignment) (*types.Task, error)
	// ReleaseSlot gives one slot back after a rejected submission.
	ReleaseSlot(ctx context.Context, taskID string, at time.Time) error
	// AbandonStaleAssignments abandons active assignments started strictly
	// before cutoff and gives their slots back.
	AbandonStaleAssignments(ctx context.Context, cutoff, now time.Time) ([]types.Assignment, error)
	GetAssignment(ctx context.Context, id string) (*types.Assignment, error)
	ListAssignmentsByWorker(ctx context.Context, workerID string) ([]types.Assignment, error)
}

type SubmissionStore interface {
	// SubmitWork stores a pending submission and marks its active assignment
	// submitted.
	SubmitWork(ctx context.Context, sub *types.Submission) error
	GetSubmission(ctx context.Context, id string) (*types.Submission, error)
	ListSubmissionsByTask(ctx context.Context, taskID string) ([]types.Submission, error)
	// ReviewSubmission moves a submission from one review status to another.
	ReviewSubmission(ctx context.Context, id string, from, to types.ReviewStatus, reviewerID string, at time.Time) (*types.Submission, error)
	SetPayoutTx(ctx context.Context, id, txHash string) error
	CountApprovedSubmissions(ctx context.Context, taskID string) (int, error)
}

type ComputeJobStore interface {
	CreateComputeJob(ctx context.Context, job *types.ComputeJob) error
	GetComputeJob(ctx context.Context, id string) (*types.ComputeJob, error)
	ListPendingComputeJobs(ctx context.Context) ([]types.ComputeJob, error)
	// FinishComputeJob settles a pending job exactly once and moves its task
	// to WSA_COMPLETED or WSA_FAILED.
	FinishComputeJob(ctx context.Context, jobID string, status types.ComputeJobStatus, result json.RawMessage, at time.Time) (*types.ComputeJob, error)
}

type Store interface {
	UserStore
	TaskStore
	AssignmentStore
	SubmissionStore
	ComputeJobStore

	Ping(ctx context.Context) error
	Close() error
}

// Migrator is implemented by backends that own a schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// ComputeTaskStatus maps a settled job status to the task's terminal status.
func ComputeTaskStatus(status types.ComputeJobStatus) (types.TaskStatus, bool) {
	switch status {
	case types.ComputeJobCompleted:
		return types.TaskStatusWSACompleted, true
	case types.ComputeJobFailed:
		return types.TaskStatusWSAFailed, true
	}
	return "", false
}
