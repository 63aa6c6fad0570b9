package escrow

import (
	"context"
	"math/big"

	"github.com/stretchr/testify/mock"
)

// MockClient is a testify mock of Client.
type MockClient struct {
	mock.Mock
}

var _ Client = (*MockClient)(nil)

func (m *MockClient) RegisterTask(ctx context.Context, taskID, creator string, payoutPerWorkerWei *big.Int, requiredWorkers int) (string, error) {
	args := m.Called(ctx, taskID, creator, payoutPerWorkerWei, requiredWorkers)
	return args.String(0), args.Error(1)
}

func (m *MockClient) FundCall(taskID string, amountWei *big.Int) (FundCall, error) {
	args := m.Called(taskID, amountWei)
	if fn, ok := args.Get(0).(func(string, *big.Int) FundCall); ok {
		return fn(taskID, amountWei), args.Error(1)
	}
	return args.Get(0).(FundCall), args.Error(1)
}

func (m *MockClient) VerifyFunding(ctx context.Context, txHash, taskID string, minWei *big.Int) error {
	args := m.Called(ctx, txHash, taskID, minWei)
	return args.Error(0)
}

func (m *MockClient) IsAssignedWorker(ctx context.Context, taskID, worker string) (bool, error) {
	args := m.Called(ctx, taskID, worker)
	return args.Bool(0), args.Error(1)
}

func (m *MockClient) AssignWorkers(ctx context.Context, taskID string, workers []string) (string, error) {
	args := m.Called(ctx, taskID, workers)
	return args.String(0), args.Error(1)
}

func (m *MockClient) ReleasePayout(ctx context.Context, taskID, worker string) (string, error) {
	args := m.Called(ctx, taskID, worker)
	return args.String(0), args.Error(1)
}

func (m *MockClient) CompleteTask(ctx context.Context, taskID string) (string, error) {
	args := m.Called(ctx, taskID)
	return args.String(0), args.Error(1)
}

func (m *MockClient) CancelAndRefund(ctx context.Context, taskID string) (string, error) {
	args := m.Called(ctx, taskID)
	return args.String(0), args.Error(1)
}

func (m *MockClient) Close() {
	m.Called()
}
