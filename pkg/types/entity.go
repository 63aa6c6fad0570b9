package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type TaskCategory string

const (
	CategoryImageLabeling      TaskCategory = "ImageLabeling"
	CategoryAudioTranscription TaskCategory = "AudioTranscription"
	CategoryAIEvaluation       TaskCategory = "AIEvaluation"
	CategoryComputeShare       TaskCategory = "ComputeShare"
)

var TaskCategories = []TaskCategory{
	CategoryImageLabeling,
	CategoryAudioTranscription,
	CategoryAIEvaluation,
	CategoryComputeShare,
}

func (c TaskCategory) IsValid() bool {
	for _, known := range TaskCategories {
		if c == known {
			return true
		}
	}
	return false
}

type TaskStatus string

const (
	TaskStatusDraft        TaskStatus = "Draft"
	TaskStatusFunded       TaskStatus = "Funded"
	TaskStatusAssigned     TaskStatus = "Assigned"
	TaskStatusCompleted    TaskStatus = "Completed"
	TaskStatusCancelled    TaskStatus = "Cancelled"
	TaskStatusExpired      TaskStatus = "Expired"
	TaskStatusWSACompleted TaskStatus = "WSA_COMPLETED"
	TaskStatusWSAFailed    TaskStatus = "WSA_FAILED"
)

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusCancelled, TaskStatusExpired,
		TaskStatusWSACompleted, TaskStatusWSAFailed:
		return true
	}
	return false
}

// AcceptsWorkers reports whether new assignments may be claimed.
func (s TaskStatus) AcceptsWorkers() bool {
	return s == TaskStatusFunded || s == TaskStatusAssigned
}

type AssignmentStatus string

const (
	AssignmentAccepted   AssignmentStatus = "accepted"
	AssignmentInProgress AssignmentStatus = "in_progress"
	AssignmentSubmitted  AssignmentStatus = "submitted"
	AssignmentAbandoned  AssignmentStatus = "abandoned"
)

// IsActive reports whether the assignment still holds a slot on its task.
func (s AssignmentStatus) IsActive() bool {
	return s == AssignmentAccepted || s == AssignmentInProgress
}

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

type ComputeJobStatus string

const (
	ComputeJobPending   ComputeJobStatus = "pending"
	ComputeJobCompleted ComputeJobStatus = "completed"
	ComputeJobFailed    ComputeJobStatus = "failed"
)

type UserRole string

const (
	RoleWorker UserRole = "worker"
	RoleClient UserRole = "client"
)

type Task struct {
	ID              string          `json:"id"`
	CreatorID       string          `json:"creator_id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Category        TaskCategory    `json:"category"`
	PayoutPerWorker decimal.Decimal `json:"payout_per_worker"`
	RequiredWorkers int             `json:"required_workers"`
	AssignedCount   int             `json:"assigned_count"`
	Status          TaskStatus      `json:"status"`

	// Funding is prepared once, then confirmed with the creator's transaction.
	FundingTotal      decimal.Decimal `json:"funding_total"`
	FundingPreparedAt *time.Time      `json:"funding_prepared_at,omitempty"`
	EscrowTxHash      string          `json:"escrow_tx_hash,omitempty"`
	FundingTxHash     string          `json:"funding_tx_hash,omitempty"`
	FundedAt          *time.Time      `json:"funded_at,omitempty"`

	ComputeResult json.RawMessage `json:"compute_result,omitempty"`

	Deadline    *time.Time `json:"deadline,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// OpenSlots is the number of assignments that can still be claimed.
func (t *Task) OpenSlots() int {
	if t.AssignedCount >= t.RequiredWorkers {
		return 0
	}
	return t.RequiredWorkers - t.AssignedCount
}

type Assignment struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	WorkerID    string           `json:"worker_id"`
	Status      AssignmentStatus `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

type Submission struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id"`
	AssignmentID string          `json:"assignment_id"`
	WorkerID     string          `json:"worker_id"`
	Payload      json.RawMessage `json:"payload"`
	Status       ReviewStatus    `json:"status"`
	ReviewerID   string          `json:"reviewer_id,omitempty"`
	ReviewedAt   *time.Time      `json:"reviewed_at,omitempty"`
	PayoutTxHash string          `json:"payout_tx_hash,omitempty"`
	SubmittedAt  time.Time       `json:"submitted_at"`
}

type User struct {
	ID                    string          `json:"id"`
	ExternalID            string          `json:"external_id"`
	WalletAddress         string          `json:"wallet_address,omitempty"`
	EmbeddedWalletAddress string          `json:"embedded_wallet_address,omitempty"`
	Role                  UserRole        `json:"role"`
	LastFingerprint       string          `json:"-"`
	LastLoginAt           *time.Time      `json:"last_login_at,omitempty"`
	ReputationScore       int             `json:"reputation_score"`
	TotalEarnings         decimal.Decimal `json:"total_earnings"`
	TasksCompleted        int             `json:"tasks_completed"`
	CreatedAt             time.Time       `json:"created_at"`
}

// PayoutAddress prefers the external wallet over the embedded one.
func (u *User) PayoutAddress() string {
	if u.WalletAddress != "" {
		return u.WalletAddress
	}
	return u.EmbeddedWalletAddress
}

type ComputeJob struct {
	ID         string           `json:"id"`
	TaskID     string           `json:"task_id"`
	Status     ComputeJobStatus `json:"status"`
	Result     json.RawMessage  `json:"result,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// TaskFilter narrows ListAvailableTasks.
type TaskFilter struct {
	Category  TaskCategory
	ExcludeBy string // hide tasks created by this user
	Limit     int
}
