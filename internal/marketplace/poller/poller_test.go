package poller

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/datarand/datarand-backend/internal/marketplace/compute"
	"github.com/datarand/datarand-backend/internal/marketplace/escrow"
	"github.com/datarand/datarand-backend/internal/marketplace/lifecycle"
	"github.com/datarand/datarand-backend/internal/marketplace/store/memory"
	"github.com/datarand/datarand-backend/pkg/fees"
	"github.com/datarand/datarand-backend/pkg/logging"
	"github.com/datarand/datarand-backend/pkg/scheduler"
	"github.com/datarand/datarand-backend/pkg/types"
)

type env struct {
	store    *memory.Store
	clock    *clock.Mock
	sched    *scheduler.Scheduler
	provider *compute.MockProvider
	poller   *Poller
}

func newEnv(t *testing.T) *env {
	t.Helper()
	calc, err := fees.NewCalculator(fees.DefaultPlatformFeeRate)
	require.NoError(t, err)

	e := &env{
		store:    memory.New(),
		clock:    clock.NewMock(),
		provider: new(compute.MockProvider),
	}
	e.clock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	manager, err := lifecycle.NewManager(lifecycle.Config{
		Store:   e.store,
		Escrow:  new(escrow.MockClient),
		Compute: e.provider,
		Fees:    calc,
		Clock:   e.clock,
	}, logging.NewNoOpLogger())
	require.NoError(t, err)

	e.sched = scheduler.New(e.clock, time.Second, logging.NewNoOpLogger())
	e.poller = New(e.sched, e.provider, manager, 30*time.Second, logging.NewNoOpLogger())
	return e
}

// pendingJob stores a Funded ComputeShare task with one pending job.
func (e *env) pendingJob(t *testing.T, jobID string) types.ComputeJob {
	t.Helper()
	ctx := context.Background()
	now := e.clock.Now().UTC()
	task := &types.Task{
		ID:              "task-" + jobID,
		CreatorID:       "creator",
		Title:           "Embed corpus",
		Description:     "Embed a document corpus",
		Category:        types.CategoryComputeShare,
		PayoutPerWorker: decimal.RequireFromString("0.02"),
		RequiredWorkers: 1,
		Status:          types.TaskStatusFunded,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, e.store.CreateTask(ctx, task))
	job := types.ComputeJob{ID: jobID, TaskID: task.ID, Status: types.ComputeJobPending, CreatedAt: now}
	require.NoError(t, e.store.CreateComputeJob(ctx, &job))
	return job
}

func (e *env) tick(ctx context.Context) int {
	e.clock.Add(30 * time.Second)
	return e.sched.RunDue(ctx)
}

func TestPoller_PendingPendingCompleted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.pendingJob(t, "job-1")
	result := json.RawMessage(`{"embeddings":128}`)

	e.provider.On("JobStatus", mock.Anything, "job-1").Return(&compute.JobStatus{JobID: "job-1", Status: compute.StatusPending}, nil).Twice()
	e.provider.On("JobStatus", mock.Anything, "job-1").Return(&compute.JobStatus{JobID: "job-1", Status: compute.StatusCompleted, Results: result}, nil).Once()

	require.NoError(t, e.poller.Track(job))
	require.NoError(t, e.poller.Track(job))
	assert.Equal(t, []string{"job-1"}, e.poller.Tracked())
	assert.True(t, e.sched.Has("compute:job-1"))

	assert.Equal(t, 1, e.tick(ctx))
	assert.Equal(t, 1, e.tick(ctx))
	task, _ := e.store.GetTask(ctx, job.TaskID)
	assert.Equal(t, types.TaskStatusFunded, task.Status)

	assert.Equal(t, 1, e.tick(ctx))
	task, _ = e.store.GetTask(ctx, job.TaskID)
	assert.Equal(t, types.TaskStatusWSACompleted, task.Status)
	assert.JSONEq(t, string(result), string(task.ComputeResult))
	assert.False(t, e.sched.Has("compute:job-1"))

	assert.Equal(t, 0, e.tick(ctx))
	assert.Equal(t, 0, e.tick(ctx))
	e.provider.AssertNumberOfCalls(t, "JobStatus", 3)
	e.provider.AssertExpectations(t)

	stored, _ := e.store.GetComputeJob(ctx, "job-1")
	assert.Equal(t, types.ComputeJobCompleted, stored.Status)
}

func TestPoller_FailedJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.pendingJob(t, "job-2")
	e.provider.On("JobStatus", mock.Anything, "job-2").Return(&compute.JobStatus{JobID: "job-2", Status: compute.StatusFailed, Error: "OOM"}, nil).Once()

	require.NoError(t, e.poller.Track(job))
	assert.Equal(t, 1, e.tick(ctx))

	task, _ := e.store.GetTask(ctx, job.TaskID)
	assert.Equal(t, types.TaskStatusWSAFailed, task.Status)
	assert.JSONEq(t, `{"error":"OOM"}`, string(task.ComputeResult))
	assert.Empty(t, e.poller.Tracked())
}

func TestPoller_ProviderErrorKeepsPolling(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.pendingJob(t, "job-3")
	e.provider.On("JobStatus", mock.Anything, "job-3").Return(nil, errors.New("502 bad gateway")).Once()
	e.provider.On("JobStatus", mock.Anything, "job-3").Return(&compute.JobStatus{JobID: "job-3", Status: compute.StatusRunning}, nil).Once()
	e.provider.On("JobStatus", mock.Anything, "job-3").Return(nil, compute.ErrJobNotFound).Once()

	require.NoError(t, e.poller.Track(job))

	assert.Equal(t, 1, e.tick(ctx))
	assert.True(t, e.sched.Has(Key("job-3")))
	assert.Equal(t, 1, e.tick(ctx))
	assert.True(t, e.sched.Has(Key("job-3")))

	assert.Equal(t, 1, e.tick(ctx))
	assert.False(t, e.sched.Has(Key("job-3")))
	task, _ := e.store.GetTask(ctx, job.TaskID)
	assert.Equal(t, types.TaskStatusWSAFailed, task.Status)
}

func TestPoller_AlreadySettledDeregisters(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.pendingJob(t, "job-4")
	_, err := e.store.FinishComputeJob(ctx, "job-4", types.ComputeJobCompleted, nil, e.clock.Now())
	require.NoError(t, err)
	e.provider.On("JobStatus", mock.Anything, "job-4").Return(&compute.JobStatus{JobID: "job-4", Status: compute.StatusCompleted}, nil).Once()

	require.NoError(t, e.poller.Track(job))
	assert.Equal(t, 1, e.tick(ctx))
	assert.Empty(t, e.poller.Tracked())
}

func TestPoller_Rebuild(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.pendingJob(t, "job-a")
	e.pendingJob(t, "job-b")
	_, err := e.store.FinishComputeJob(ctx, "job-b", types.ComputeJobFailed, nil, e.clock.Now())
	require.NoError(t, err)
	e.pendingJob(t, "job-c")

	n, err := e.poller.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"job-a", "job-c"}, e.poller.Tracked())
}

func TestPoller_PollIsBoundedByInterval(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.pendingJob(t, "job-slow")

	hasDeadline := mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	})
	e.provider.On("JobStatus", hasDeadline, "job-slow").
		Return(&compute.JobStatus{JobID: "job-slow", Status: compute.StatusPending}, nil).Once()

	require.NoError(t, e.poller.Track(job))
	assert.Equal(t, 1, e.tick(ctx))
	e.provider.AssertExpectations(t)
}
