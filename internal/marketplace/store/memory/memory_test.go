package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datarand/datarand-backend/internal/marketplace/store"
	"github.com/datarand/datarand-backend/internal/marketplace/store/storetest"
	"github.com/datarand/datarand-backend/pkg/types"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New()
	})
}

func TestGetTask_ReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := &types.Task{
		ID:              uuid.NewString(),
		Title:           "t",
		PayoutPerWorker: decimal.NewFromInt(1),
		RequiredWorkers: 1,
		Status:          types.TaskStatusDraft,
		CreatedAt:       time.Now(),
	}
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	got.Status = types.TaskStatusCompleted

	again, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusDraft, again.Status)
}

func TestPing_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, New().Ping(ctx), context.Canceled)
}
