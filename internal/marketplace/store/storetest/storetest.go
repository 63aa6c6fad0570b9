// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datarand/datarand-backend/internal/marketplace/store"
	"github.com/datarand/datarand-backend/pkg/types"
)

// Factory returns a store ready for use. It is called once per subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the shared suite against the backend built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"UpsertUserKeepsWallets", testUpsertUserKeepsWallets},
		{"AddEarnings", testAddEarnings},
		{"TaskNotFound", testTaskNotFound},
		{"FundingFlow", testFundingFlow},
		{"TransitionRequiresIdle", testTransitionRequiresIdle},
		{"ClaimSlotRules", testClaimSlotRules},
		{"ConcurrentClaimsForLastSlot", testConcurrentClaimsForLastSlot},
		{"ConcurrentClaimsNeverOverfill", testConcurrentClaimsNeverOverfill},
		{"AbandonStaleIsStrict", testAbandonStaleIsStrict},
		{"SubmitAndReview", testSubmitAndReview},
		{"ListAvailableTasks", testListAvailableTasks},
		{"ListOverdueTasks", testListOverdueTasks},
		{"FinishComputeJobOnce", testFinishComputeJobOnce},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func newUser(t *testing.T, s store.Store) *types.User {
	t.Helper()
	u, err := s.UpsertUserByExternalID(context.Background(), store.LoginRecord{
		ExternalID: "did:privy:" + uuid.NewString(),
		At:         base,
	})
	require.NoError(t, err)
	return u
}

func newTask(t *testing.T, s store.Store, creatorID string, workers int, status types.TaskStatus) *types.Task {
	t.Helper()
	ctx := context.Background()
	task := &types.Task{
		ID:              uuid.NewString(),
		CreatorID:       creatorID,
		Title:           "Label street signs",
		Description:     "Draw a box around every street sign",
		Category:        types.CategoryImageLabeling,
		PayoutPerWorker: decimal.RequireFromString("0.01"),
		RequiredWorkers: workers,
		Status:          types.TaskStatusDraft,
		FundingTotal:    decimal.Zero,
		CreatedAt:       base,
		UpdatedAt:       base,
	}
	require.NoError(t, s.CreateTask(ctx, task))

	if status == types.TaskStatusFunded {
		_, err := s.RecordFundingPrepared(ctx, task.ID, decimal.RequireFromString("0.0115"), "0xregister", base)
		require.NoError(t, err)
		funded, err := s.ConfirmFunding(ctx, task.ID, "0xfund"+task.ID[:8], base)
		require.NoError(t, err)
		return funded
	}
	return task
}

func claim(ctx context.Context, s store.Store, taskID, workerID string, at time.Time) (*types.Assignment, *types.Task, error) {
	a := &types.Assignment{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		WorkerID:  workerID,
		Status:    types.AssignmentAccepted,
		StartedAt: at,
	}
	task, err := s.ClaimSlot(ctx, a)
	return a, task, err
}

func testUpsertUserKeepsWallets(t *testing.T, s store.Store) {
	ctx := context.Background()
	ext := "did:privy:" + uuid.NewString()

	first, err := s.UpsertUserByExternalID(ctx, store.LoginRecord{
		ExternalID:     ext,
		ExternalWallet: "0x1111111111111111111111111111111111111111",
		EmbeddedWallet: "0x2222222222222222222222222222222222222222",
		Fingerprint:    "fp-1",
		At:             base,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, types.RoleWorker, first.Role)

	second, err := s.UpsertUserByExternalID(ctx, store.LoginRecord{
		ExternalID:  ext,
		Fingerprint: "fp-2",
		At:          base.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", second.WalletAddress)
	assert.Equal(t, "0x2222222222222222222222222222222222222222", second.EmbeddedWalletAddress)
	assert.Equal(t, "fp-2", second.LastFingerprint)
	require.NotNil(t, second.LastLoginAt)
	assert.True(t, base.Add(time.Hour).Equal(*second.LastLoginAt))
}

func testAddEarnings(t *testing.T, s store.Store) {
	ctx := context.Background()
	u := newUser(t, s)

	require.NoError(t, s.AddEarnings(ctx, u.ID, decimal.RequireFromString("0.01")))
	require.NoError(t, s.AddEarnings(ctx, u.ID, decimal.RequireFromString("0.02")))

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.03").Equal(got.TotalEarnings), got.TotalEarnings.String())
	assert.Equal(t, 2, got.TasksCompleted)

	assert.ErrorIs(t, s.AddEarnings(ctx, uuid.NewString(), decimal.NewFromInt(1)), store.ErrNotFound)
}

func testTaskNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.GetTask(ctx, uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.ConfirmFunding(ctx, uuid.NewString(), "0xabc", base)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testFundingFlow(t *testing.T, s store.Store) {
	ctx := context.Background()
	creator := newUser(t, s)
	task := newTask(t, s, creator.ID, 5, types.TaskStatusDraft)

	_, err := s.ConfirmFunding(ctx, task.ID, "0xfund", base)
	assert.ErrorIs(t, err, store.ErrConflict, "confirm without prepare")

	prepared, err := s.RecordFundingPrepared(ctx, task.ID, decimal.RequireFromString("0.0575"), "0xregister", base)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusDraft, prepared.Status)
	assert.Equal(t, "0xregister", prepared.EscrowTxHash)

	again, err := s.RecordFundingPrepared(ctx, task.ID, decimal.RequireFromString("0.0575"), "", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "0xregister", again.EscrowTxHash)
	require.NotNil(t, again.FundingPreparedAt)
	assert.True(t, base.Equal(*again.FundingPreparedAt))

	funded, err := s.ConfirmFunding(ctx, task.ID, "0xfund", base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFunded, funded.Status)
	assert.Equal(t, "0xfund", funded.FundingTxHash)
	assert.True(t, decimal.RequireFromString("0.0575").Equal(funded.FundingTotal))

	_, err = s.ConfirmFunding(ctx, task.ID, "0xother", base.Add(3*time.Minute))
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.RecordFundingPrepared(ctx, task.ID, decimal.NewFromInt(1), "", base)
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFunded, got.Status)
	assert.Equal(t, "0xfund", got.FundingTxHash)

	// A funding transaction cannot be reused for another task.
	other := newTask(t, s, creator.ID, 1, types.TaskStatusDraft)
	_, err = s.RecordFundingPrepared(ctx, other.ID, decimal.RequireFromString("0.0115"), "0xregister2", base)
	require.NoError(t, err)
	_, err = s.ConfirmFunding(ctx, other.ID, "0xfund", base.Add(4*time.Minute))
	assert.ErrorIs(t, err, store.ErrDuplicate)

	still, err := s.GetTask(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusDraft, still.Status)
	assert.Empty(t, still.FundingTxHash)

	funded, err = s.ConfirmFunding(ctx, other.ID, "0xfund2", base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFunded, funded.Status)
}

func testTransitionRequiresIdle(t *testing.T, s store.Store) {
	ctx := context.Background()
	creator := newUser(t, s)
	worker := newUser(t, s)
	task := newTask(t, s, creator.ID, 2, types.TaskStatusFunded)

	_, _, err := claim(ctx, s, task.ID, worker.ID, base)
	require.NoError(t, err)

	cancel := store.Transition{
		From:        []types.TaskStatus{types.TaskStatusDraft, types.TaskStatusFunded},
		To:          types.TaskStatusCancelled,
		At:          base,
		RequireIdle: true,
	}
	_, err = s.TransitionTask(ctx, task.ID, cancel)
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, s.ReleaseSlot(ctx, task.ID, base))
	cancelled, err := s.TransitionTask(ctx, task.ID, cancel)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)

	_, err = s.TransitionTask(ctx, task.ID, cancel)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func testClaimSlotRules(t *testing.T, s store.Store) {
	ctx := context.Background()
	creator := newUser(t, s)
	w1, w2, w3 := newUser(t, s), newUser(t, s), newUser(t, s)

	draft := newTask(t, s, creator.ID, 2, types.TaskStatusDraft)
	_, _, err := claim(ctx, s, draft.ID, w1.ID, base)
	assert.ErrorIs(t, err, store.ErrConflict, "draft tasks cannot be claimed")

	task := newTask(t, s, creator.ID, 2, types.TaskStatusFunded)

	_, after, err := claim(ctx, s, task.ID, w1.ID, base)
	require.NoError(t, err)
	assert.Equal(t, 1, after.AssignedCount)
	assert.Equal(t, types.TaskStatusFunded, after.Status)

	_, _, err = claim(ctx, s, task.ID, w1.ID, base)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	_, after, err = claim(ctx, s, task.ID, w2.ID, base)
	require.NoError(t, err)
	assert.Equal(t, 2, after.AssignedCount)
	assert.Equal(t, types.TaskStatusAssigned, after.Status)

	_, _, err = claim(ctx, s, task.ID, w3.ID, base)
	assert.ErrorIs(t, err, store.ErrCapacity)

	_, _, err = claim(ctx, s, uuid.NewString(), w3.ID, base)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testConcurrentClaimsForLastSlot(t *testing.T, s store.Store) {
	ctx := context.Background()
	creator := newUser(t, s)
	w1, w2 := newUser(t, s), newUser(t, s)
	task := newTask(t, s, creator.ID, 1, types.TaskStatusFunded)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, w := range []string{w1.ID, w2.ID} {
		wg.Add(1)
		go func(i int, workerID string) {
			defer wg.Done()
			_, _, errs[i] = claim(ctx, s, task.ID, workerID, base)
		}(i, w)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, store.ErrCapacity)
	}
	assert.Equal(t, 1, succeeded)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AssignedCount)
	assert.Equal(t, types.TaskStatusAssigned, got.Status)
}

func testConcurrentClaimsNeverOverfill(t *testing.T, s store.Store) {
	ctx := context.Background()
	creator := newUser(t, s)
	task := newTask(t, s, creator.ID, 3, types.TaskStatusFunded)

	workers := make([]string, 10)
	for i := range workers {
		workers[i] = newUser(t, s).ID
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, w := range workers {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			if _, _, err := claim(ctx, s, task.ID, workerID, base); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, ok)
	assert.Equal(t, 3, got.AssignedCount)
	assert.LessOrEqual(t, got.AssignedCount, got.RequiredWorkers)
}

func testAbandonStaleIsStrict(t *testing.T, s store.Store) {
	ctx := context.Background()
	creator := newUser(t, s)
	w1, w2 := newUser(t, s), newUser(t, s)
	task := newTask(t, s, creator.ID, 2, types.TaskStatusFunded)
	ttl := 5 * time.Minute

	old, _, err := claim(ctx, s, task.ID, w1.ID, base)
	require.NoError(t, err)
	_, full, err := claim(ctx, s, task.ID, w2.ID, base.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusAssigned, full.Status)

	// Exactly at the TTL nothing is reclaimed.
	now := base.Add(ttl)
	abandoned, err := s.AbandonStaleAssignments(ctx, now.Add(-ttl), now)
	require.NoError(t, err)
	assert.Empty(t, forTask(abandoned, task.ID))

	now = base.Add(ttl + time.Second)
	abandoned, err = s.AbandonStaleAssignments(ctx, now.Add(-ttl), now)
	require.NoError(t, err)
	mine := forTask(abandoned, task.ID)
	require.Len(t, mine, 1)
	assert.Equal(t, old.ID, mine[0].ID)
	assert.Equal(t, types.AssignmentAbandoned, mine[0].Status)

	// A second pass is a no-op.
	abandoned, err = s.AbandonStaleAssignments(ctx, now.Add(-ttl), now)
	require.NoError(t, err)
	assert.Empty(t, forTask(abandoned, task.ID))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AssignedCount)
	assert.Equal(t, types.TaskStatusAssigned, got.Status)

	// The freed slot is claimable again.
	_, _, err = claim(ctx, s, task.ID, w1.ID, now)
	require.NoError(t, err)

	stored, err := s.GetAssignment(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AssignmentAbandoned, stored.Status)
	require.NotNil(t, stored.CompletedAt)
}

func testSubmitAndReview(t *testing.T, s store.Store) {
	ctx := context.Background()
	creator := newUser(t, s)
	worker := newUser(t, s)
	other := newUser(t, s)
	task := newTask(t, s, creator.ID, 1, types.TaskStatusFunded)

	a, _, err := claim(ctx, s, task.ID, worker.ID, base)
	require.NoError(t, err)

	sub := &types.Submission{
		ID:           uuid.NewString(),
		AssignmentID: a.ID,
		WorkerID:     other.ID,
		Payload:      json.RawMessage(`{"labels":["stop"]}`),
		Status:       types.ReviewPending,
		SubmittedAt:  base.Add(time.Minute),
	}
	assert.ErrorIs(t, s.SubmitWork(ctx, sub), store.ErrConflict, "someone else's assignment")

	sub.WorkerID = worker.ID
	require.NoError(t, s.SubmitWork(ctx, sub))
	assert.Equal(t, task.ID, sub.TaskID)

	dup := *sub
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, s.SubmitWork(ctx, &dup), store.ErrDuplicate)

	stored, err := s.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AssignmentSubmitted, stored.Status)

	reviewed, err := s.ReviewSubmission(ctx, sub.ID, types.ReviewPending, types.ReviewApproved, creator.ID, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.ReviewApproved, reviewed.Status)
	assert.Equal(t, creator.ID, reviewed.ReviewerID)

	_, err = s.ReviewSubmission(ctx, sub.ID, types.ReviewPending, types.ReviewRejected, creator.ID, base)
	assert.ErrorIs(t, err, store.ErrConflict)

	count, err := s.CountApprovedSubmissions(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, s.SetPayoutTx(ctx, sub.ID, "0xpayout"))

	// Reverting an approval clears the reviewer.
	reverted, err := s.ReviewSubmission(ctx, sub.ID, types.ReviewApproved, types.ReviewPending, "", base)
	require.NoError(t, err)
	assert.Equal(t, types.ReviewPending, reverted.Status)
	assert.Empty(t, reverted.ReviewerID)
	assert.Nil(t, reverted.ReviewedAt)

	list, err := s.ListSubmissionsByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "0xpayout", list[0].PayoutTxHash)
	assert.JSONEq(t, `{"labels":["stop"]}`, string(list[0].Payload))
}

func testListAvailableTasks(t *testing.T, s store.Store) {
	ctx := context.Background()
	creator := newUser(t, s)
	worker := newUser(t, s)

	open := newTask(t, s, creator.ID, 2, types.TaskStatusFunded)
	full := newTask(t, s, creator.ID, 1, types.TaskStatusFunded)
	newTask(t, s, creator.ID, 1, types.TaskStatusDraft)
	_, _, err := claim(ctx, s, full.ID, worker.ID, base)
	require.NoError(t, err)

	tasks, err := s.ListAvailableTasks(ctx, types.TaskFilter{})
	require.NoError(t, err)
	ids := taskIDs(tasks)
	assert.Contains(t, ids, open.ID)
	assert.NotContains(t, ids, full.ID)

	tasks, err = s.ListAvailableTasks(ctx, types.TaskFilter{ExcludeBy: creator.ID})
	require.NoError(t, err)
	assert.NotContains(t, taskIDs(tasks), open.ID)

	tasks, err = s.ListAvailableTasks(ctx, types.TaskFilter{Category: types.CategoryAudioTranscription})
	require.NoError(t, err)
	assert.NotContains(t, taskIDs(tasks), open.ID)

	mine, err := s.ListTasksByCreator(ctx, creator.ID)
	require.NoError(t, err)
	assert.Len(t, mine, 3)
}

func testListOverdueTasks(t *testing.T, s store.Store) {
	ctx := context.Background()
	creator := newUser(t, s)

	task := newTask(t, s, creator.ID, 1, types.TaskStatusDraft)
	deadline := base.Add(time.Hour)
	task.ID = uuid.NewString()
	task.Deadline = &deadline
	require.NoError(t, s.CreateTask(ctx, task))

	overdue, err := s.ListOverdueTasks(ctx, deadline)
	require.NoError(t, err)
	assert.NotContains(t, taskIDs(overdue), task.ID)

	overdue, err = s.ListOverdueTasks(ctx, deadline.Add(time.Second))
	require.NoError(t, err)
	assert.Contains(t, taskIDs(overdue), task.ID)
}

func testFinishComputeJobOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	creator := newUser(t, s)
	task := newTask(t, s, creator.ID, 1, types.TaskStatusFunded)

	job := &types.ComputeJob{
		ID:        "job-" + uuid.NewString(),
		TaskID:    task.ID,
		Status:    types.ComputeJobPending,
		CreatedAt: base,
	}
	require.NoError(t, s.CreateComputeJob(ctx, job))

	pending, err := s.ListPendingComputeJobs(ctx)
	require.NoError(t, err)
	assert.Contains(t, jobIDs(pending), job.ID)

	result := json.RawMessage(`{"score":0.97}`)
	finished, err := s.FinishComputeJob(ctx, job.ID, types.ComputeJobCompleted, result, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.ComputeJobCompleted, finished.Status)

	_, err = s.FinishComputeJob(ctx, job.ID, types.ComputeJobFailed, nil, base.Add(2*time.Minute))
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusWSACompleted, got.Status)
	assert.JSONEq(t, `{"score":0.97}`, string(got.ComputeResult))

	pending, err = s.ListPendingComputeJobs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, jobIDs(pending), job.ID)
}

// forTask drops rows left behind by other subtests on shared tables.
func forTask(assignments []types.Assignment, taskID string) []types.Assignment {
	out := make([]types.Assignment, 0)
	for _, a := range assignments {
		if a.TaskID == taskID {
			out = append(out, a)
		}
	}
	return out
}

func taskIDs(tasks []types.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

func jobIDs(jobs []types.ComputeJob) []string {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}
