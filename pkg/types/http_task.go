package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type CreateTaskRequest struct {
	Title           string          `json:"title" validate:"required,max=200"`
	Description     string          `json:"description" validate:"required,max=5000"`
	Category        TaskCategory    `json:"category" validate:"required,task_category"`
	PayoutPerWorker decimal.Decimal `json:"payout_per_worker" validate:"positive_decimal"`
	RequiredWorkers int             `json:"required_workers" validate:"required,min=1,max=100"`
	Deadline        *time.Time      `json:"deadline,omitempty"`
}

type ConfirmFundingRequest struct {
	TxHash string `json:"tx_hash" validate:"required,tx_hash"`
}

type RequestTaskRequest struct {
	TaskID   string       `json:"task_id,omitempty" validate:"omitempty,uuid"`
	Category TaskCategory `json:"category,omitempty" validate:"omitempty,task_category"`
}

type StartComputeRequest struct {
	Input json.RawMessage `json:"input"`
}

type SubmitWorkRequest struct {
	AssignmentID string          `json:"assignment_id" validate:"required,uuid"`
	Payload      json.RawMessage `json:"payload" validate:"required"`
}

type ReviewSubmissionRequest struct {
	Approved *bool `json:"approved" validate:"required"`
}

// FundingInstruction is what the creator's wallet signs to fund a task.
type FundingInstruction struct {
	TaskID        string          `json:"task_id"`
	OnChainTaskID string          `json:"on_chain_task_id"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	FeeRate       decimal.Decimal `json:"fee_rate"`
	Fee           decimal.Decimal `json:"fee"`
	Amount        decimal.Decimal `json:"amount"`
	AmountWei     string          `json:"amount_wei"`
	To            string          `json:"to"`
	Data          string          `json:"data"`
	Value         string          `json:"value"`
	ChainID       string          `json:"chain_id"`
	EscrowTxHash  string          `json:"escrow_tx_hash,omitempty"`
}
