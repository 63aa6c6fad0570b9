package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/datarand/datarand-backend/internal/marketplace/escrow"
	"github.com/datarand/datarand-backend/internal/marketplace/lifecycle"
	"github.com/datarand/datarand-backend/internal/marketplace/store/memory"
	"github.com/datarand/datarand-backend/pkg/fees"
	"github.com/datarand/datarand-backend/pkg/logging"
	"github.com/datarand/datarand-backend/pkg/scheduler"
	"github.com/datarand/datarand-backend/pkg/types"
)

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	err      error
	released int
}

func (l *fakeLocker) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	noop := func(context.Context) error { return nil }
	if l.err != nil {
		return false, noop, l.err
	}
	if l.held {
		return false, noop, nil
	}
	l.held = true
	return true, func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.held = false
		l.released++
		return nil
	}, nil
}

type env struct {
	store   *memory.Store
	clock   *clock.Mock
	manager *lifecycle.Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	calc, err := fees.NewCalculator(fees.DefaultPlatformFeeRate)
	require.NoError(t, err)

	e := &env{store: memory.New(), clock: clock.NewMock()}
	e.clock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	e.manager, err = lifecycle.NewManager(lifecycle.Config{
		Store:  e.store,
		Escrow: new(escrow.MockClient),
		Fees:   calc,
		Clock:  e.clock,
	}, logging.NewNoOpLogger())
	require.NoError(t, err)
	return e
}

// openTask stores a Funded task directly; funding itself is covered by the
// lifecycle tests.
func (e *env) openTask(t *testing.T, workers int, deadline *time.Time) *types.Task {
	t.Helper()
	now := e.clock.Now().UTC()
	funded := now
	task := &types.Task{
		ID:              "task-" + now.Format("150405.000000000"),
		CreatorID:       "creator",
		Title:           "Label",
		Description:     "Label images",
		Category:        types.CategoryImageLabeling,
		PayoutPerWorker: decimal.RequireFromString("0.01"),
		RequiredWorkers: workers,
		Status:          types.TaskStatusFunded,
		FundedAt:        &funded,
		Deadline:        deadline,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, e.store.CreateTask(context.Background(), task))
	return task
}

func TestSweep_TTLBoundary(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task := e.openTask(t, 1, nil)
	_, err := e.manager.AssignWorker(ctx, task.ID, "worker")
	require.NoError(t, err)

	s := New(Config{TTL: 5 * time.Minute}, e.manager, nil, logging.NewNoOpLogger())

	e.clock.Add(5 * time.Minute)
	result, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Abandoned)

	e.clock.Add(time.Second)
	result, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Abandoned)

	stored, err := e.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.AssignedCount)
	assert.Equal(t, types.TaskStatusAssigned, stored.Status)

	result, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Abandoned)
}

func TestSweep_ExpiresOverdueTasks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	soon := e.clock.Now().Add(time.Minute)
	idle := e.openTask(t, 1, &soon)
	e.clock.Add(time.Millisecond)
	busy := e.openTask(t, 2, &soon)
	_, err := e.manager.AssignWorker(ctx, busy.ID, "worker")
	require.NoError(t, err)

	escrowMock := new(escrow.MockClient)
	escrowMock.On("CancelAndRefund", mock.Anything, idle.ID).Return("0xrefund", nil)
	calc, _ := fees.NewCalculator(fees.DefaultPlatformFeeRate)
	manager, err := lifecycle.NewManager(lifecycle.Config{
		Store:  e.store,
		Escrow: escrowMock,
		Fees:   calc,
		Clock:  e.clock,
	}, logging.NewNoOpLogger())
	require.NoError(t, err)

	e.clock.Add(2 * time.Minute)
	s := New(Config{TTL: time.Hour}, manager, nil, logging.NewNoOpLogger())
	result, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	escrowMock.AssertExpectations(t)

	stored, _ := e.store.GetTask(ctx, idle.ID)
	assert.Equal(t, types.TaskStatusExpired, stored.Status)
	stored, _ = e.store.GetTask(ctx, busy.ID)
	assert.Equal(t, types.TaskStatusFunded, stored.Status)
}

func TestSweep_Lock(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	locker := &fakeLocker{}
	s := New(Config{}, e.manager, locker, logging.NewNoOpLogger())

	result, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 1, locker.released)

	locker.held = true
	result, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	locker.held = false
	locker.err = errors.New("redis: connection refused")
	result, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
}

func TestSweep_RegistersOnScheduler(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task := e.openTask(t, 1, nil)
	_, err := e.manager.AssignWorker(ctx, task.ID, "worker")
	require.NoError(t, err)

	sched := scheduler.New(e.clock, time.Second, logging.NewNoOpLogger())
	s := New(Config{TTL: 5 * time.Minute, Interval: time.Minute}, e.manager, nil, logging.NewNoOpLogger())
	require.NoError(t, s.Register(sched))
	assert.ErrorIs(t, s.Register(sched), scheduler.ErrDuplicateKey)

	for i := 0; i < 5; i++ {
		e.clock.Add(time.Minute)
		assert.Equal(t, 1, sched.RunDue(ctx))
	}
	stored, _ := e.store.GetTask(ctx, task.ID)
	assert.Equal(t, 1, stored.AssignedCount)

	e.clock.Add(time.Minute)
	assert.Equal(t, 1, sched.RunDue(ctx))
	stored, _ = e.store.GetTask(ctx, task.ID)
	assert.Equal(t, 0, stored.AssignedCount)
}

func TestSweep_InvalidSchedule(t *testing.T) {
	e := newEnv(t)
	s := New(Config{Schedule: "every now and then"}, e.manager, nil, logging.NewNoOpLogger())
	assert.Error(t, s.Register(scheduler.New(e.clock, time.Second, nil)))
}
