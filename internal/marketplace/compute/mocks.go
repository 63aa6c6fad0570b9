package compute

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"
)

// MockProvider is a testify mock of Provider.
type MockProvider struct {
	mock.Mock
}

var _ Provider = (*MockProvider)(nil)

func (m *MockProvider) SubmitJob(ctx context.Context, taskID string, input json.RawMessage) (string, error) {
	args := m.Called(ctx, taskID, input)
	return args.String(0), args.Error(1)
}

func (m *MockProvider) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*JobStatus), args.Error(1)
}
