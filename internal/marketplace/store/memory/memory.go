// Package memory is a mutex guarded Store used by tests and dev mode.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/datarand/datarand-backend/internal/marketplace/store"
	"github.com/datarand/datarand-backend/pkg/types"
)

type Store struct {
	mu sync.Mutex

	users       map[string]*types.User
	usersByExt  map[string]string
	tasks       map[string]*types.Task
	assignments map[string]*types.Assignment
	submissions map[string]*types.Submission
	computeJobs map[string]*types.ComputeJob
	// fundingTxs maps a funding tx hash to the task it funded.
	fundingTxs map[string]string
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:       make(map[string]*types.User),
		usersByExt:  make(map[string]string),
		tasks:       make(map[string]*types.Task),
		assignments: make(map[string]*types.Assignment),
		submissions: make(map[string]*types.Submission),
		computeJobs: make(map[string]*types.ComputeJob),
		fundingTxs:  make(map[string]string),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) UpsertUserByExternalID(ctx context.Context, rec store.LoginRecord) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := rec.At
	if id, ok := s.usersByExt[rec.ExternalID]; ok {
		u := s.users[id]
		if rec.ExternalWallet != "" {
			u.WalletAddress = rec.ExternalWallet
		}
		if rec.EmbeddedWallet != "" {
			u.EmbeddedWalletAddress = rec.EmbeddedWallet
		}
		if rec.Fingerprint != "" {
			u.LastFingerprint = rec.Fingerprint
		}
		u.LastLoginAt = &at
		return cloneUser(u), nil
	}

	u := &types.User{
		ID:                    uuid.NewString(),
		ExternalID:            rec.ExternalID,
		WalletAddress:         rec.ExternalWallet,
		EmbeddedWalletAddress: rec.EmbeddedWallet,
		Role:                  types.RoleWorker,
		LastFingerprint:       rec.Fingerprint,
		LastLoginAt:           &at,
		TotalEarnings:         decimal.Zero,
		CreatedAt:             rec.At,
	}
	s.users[u.ID] = u
	s.usersByExt[u.ExternalID] = u.ID
	return cloneUser(u), nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *Store) AddEarnings(ctx context.Context, userID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.TotalEarnings = u.TotalEarnings.Add(amount)
	u.TasksCompleted++
	return nil
}

func (s *Store) CreateTask(ctx context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return store.ErrDuplicate
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTask(t), nil
}

func (s *Store) ListTasksByCreator(ctx context.Context, creatorID string) ([]types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Task, 0)
	for _, t := range s.tasks {
		if t.CreatorID == creatorID {
			out = append(out, *cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListAvailableTasks(ctx context.Context, filter types.TaskFilter) ([]types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Task, 0)
	for _, t := range s.tasks {
		if !t.Status.AcceptsWorkers() || t.OpenSlots() == 0 {
			continue
		}
		if filter.Category != "" && t.Category != filter.Category {
			continue
		}
		if filter.ExcludeBy != "" && t.CreatorID == filter.ExcludeBy {
			continue
		}
		out = append(out, *cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) ListOverdueTasks(ctx context.Context, now time.Time) ([]types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Task, 0)
	for _, t := range s.tasks {
		if t.Status != types.TaskStatusDraft && t.Status != types.TaskStatusFunded {
			continue
		}
		if t.Deadline != nil && t.Deadline.Before(now) {
			out = append(out, *cloneTask(t))
		}
	}
	return out, nil
}

func (s *Store) RecordFundingPrepared(ctx context.Context, taskID string, total decimal.Decimal, escrowTxHash string, at time.Time) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status != types.TaskStatusDraft {
		return nil, store.ErrConflict
	}
	t.FundingTotal = total
	if t.FundingPreparedAt == nil {
		prepared := at
		t.FundingPreparedAt = &prepared
	}
	if t.EscrowTxHash == "" {
		t.EscrowTxHash = escrowTxHash
	}
	t.UpdatedAt = at
	return cloneTask(t), nil
}

func (s *Store) ConfirmFunding(ctx context.Context, taskID, txHash string, at time.Time) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status != types.TaskStatusDraft || t.FundingPreparedAt == nil {
		return nil, store.ErrConflict
	}
	if _, used := s.fundingTxs[txHash]; used {
		return nil, store.ErrDuplicate
	}
	s.fundingTxs[txHash] = taskID
	funded := at
	t.Status = types.TaskStatusFunded
	t.FundingTxHash = txHash
	t.FundedAt = &funded
	t.UpdatedAt = at
	return cloneTask(t), nil
}

func (s *Store) TransitionTask(ctx context.Context, taskID string, tr store.Transition) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !tr.Allows(t.Status) {
		return nil, store.ErrConflict
	}
	if tr.RequireIdle && t.AssignedCount > 0 {
		return nil, store.ErrConflict
	}
	tr.ApplyTo(t)
	return cloneTask(t), nil
}

func (s *Store) ClaimSlot(ctx context.Context, a *types.Assignment) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[a.TaskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !t.Status.AcceptsWorkers() {
		return nil, store.ErrConflict
	}
	for _, existing := range s.assignments {
		if existing.TaskID == a.TaskID && existing.WorkerID == a.WorkerID && existing.Status.IsActive() {
			return nil, store.ErrDuplicate
		}
	}
	if t.AssignedCount >= t.RequiredWorkers {
		return nil, store.ErrCapacity
	}

	t.AssignedCount++
	if t.AssignedCount == t.RequiredWorkers {
		t.Status = types.TaskStatusAssigned
	}
	t.UpdatedAt = a.StartedAt

	stored := *a
	s.assignments[a.ID] = &stored
	return cloneTask(t), nil
}

func (s *Store) ReleaseSlot(ctx context.Context, taskID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	if t.AssignedCount > 0 {
		t.AssignedCount--
	}
	t.UpdatedAt = at
	return nil
}

func (s *Store) AbandonStaleAssignments(ctx context.Context, cutoff, now time.Time) ([]types.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Assignment, 0)
	for _, a := range s.assignments {
		if !a.Status.IsActive() || !a.StartedAt.Before(cutoff) {
			continue
		}
		completed := now
		a.Status = types.AssignmentAbandoned
		a.CompletedAt = &completed
		if t, ok := s.tasks[a.TaskID]; ok && t.AssignedCount > 0 {
			t.AssignedCount--
			t.UpdatedAt = now
		}
		out = append(out, *a)
	}
	return out, nil
}

func (s *Store) GetAssignment(ctx context.Context, id string) (*types.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (s *Store) ListAssignmentsByWorker(ctx context.Context, workerID string) ([]types.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Assignment, 0)
	for _, a := range s.assignments {
		if a.WorkerID == workerID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *Store) SubmitWork(ctx context.Context, sub *types.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[sub.AssignmentID]
	if !ok {
		return store.ErrNotFound
	}
	for _, existing := range s.submissions {
		if existing.AssignmentID == sub.AssignmentID {
			return store.ErrDuplicate
		}
	}
	if !a.Status.IsActive() || a.WorkerID != sub.WorkerID {
		return store.ErrConflict
	}

	completed := sub.SubmittedAt
	a.Status = types.AssignmentSubmitted
	a.CompletedAt = &completed

	stored := *sub
	stored.TaskID = a.TaskID
	stored.Payload = cloneRaw(sub.Payload)
	s.submissions[sub.ID] = &stored
	sub.TaskID = a.TaskID
	return nil
}

func (s *Store) GetSubmission(ctx context.Context, id string) (*types.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSubmission(sub), nil
}

func (s *Store) ListSubmissionsByTask(ctx context.Context, taskID string) ([]types.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Submission, 0)
	for _, sub := range s.submissions {
		if sub.TaskID == taskID {
			out = append(out, *cloneSubmission(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *Store) ReviewSubmission(ctx context.Context, id string, from, to types.ReviewStatus, reviewerID string, at time.Time) (*types.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sub.Status != from {
		return nil, store.ErrConflict
	}
	sub.Status = to
	if to == types.ReviewPending {
		sub.ReviewerID = ""
		sub.ReviewedAt = nil
	} else {
		reviewed := at
		sub.ReviewerID = reviewerID
		sub.ReviewedAt = &reviewed
	}
	return cloneSubmission(sub), nil
}

func (s *Store) SetPayoutTx(ctx context.Context, id, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return store.ErrNotFound
	}
	sub.PayoutTxHash = txHash
	return nil
}

func (s *Store) CountApprovedSubmissions(ctx context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, sub := range s.submissions {
		if sub.TaskID == taskID && sub.Status == types.ReviewApproved {
			count++
		}
	}
	return count, nil
}

func (s *Store) CreateComputeJob(ctx context.Context, job *types.ComputeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.computeJobs[job.ID]; exists {
		return store.ErrDuplicate
	}
	if _, ok := s.tasks[job.TaskID]; !ok {
		return store.ErrNotFound
	}
	stored := *job
	s.computeJobs[job.ID] = &stored
	return nil
}

func (s *Store) GetComputeJob(ctx context.Context, id string) (*types.ComputeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.computeJobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *job
	copied.Result = cloneRaw(job.Result)
	return &copied, nil
}

func (s *Store) ListPendingComputeJobs(ctx context.Context) ([]types.ComputeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.ComputeJob, 0)
	for _, job := range s.computeJobs {
		if job.Status == types.ComputeJobPending {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) FinishComputeJob(ctx context.Context, jobID string, status types.ComputeJobStatus, result json.RawMessage, at time.Time) (*types.ComputeJob, error) {
	taskStatus, ok := store.ComputeTaskStatus(status)
	if !ok {
		return nil, store.ErrConflict
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.computeJobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if job.Status != types.ComputeJobPending {
		return nil, store.ErrConflict
	}
	finished := at
	job.Status = status
	job.Result = cloneRaw(result)
	job.FinishedAt = &finished

	if t, ok := s.tasks[job.TaskID]; ok && t.Status.AcceptsWorkers() {
		tr := store.Transition{To: taskStatus, At: at}
		tr.ApplyTo(t)
		t.ComputeResult = cloneRaw(result)
	}

	copied := *job
	return &copied, nil
}

func cloneTask(t *types.Task) *types.Task {
	copied := *t
	copied.ComputeResult = cloneRaw(t.ComputeResult)
	return &copied
}

func cloneUser(u *types.User) *types.User {
	copied := *u
	return &copied
}

func cloneSubmission(s *types.Submission) *types.Submission {
	copied := *s
	copied.Payload = cloneRaw(s.Payload)
	return &copied
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
