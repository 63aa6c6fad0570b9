package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/datarand/datarand-backend/pkg/env"
	"github.com/datarand/datarand-backend/pkg/logging"
)

// DevClient stands in for the contract in dev mode when no RPC endpoint is
// configured. Operator calls return a deterministic fake hash and funding is
// accepted for any well formed transaction hash.
type DevClient struct {
	address common.Address
	chainID int64
	logger  logging.Logger
}

func NewDevClient(contractAddress string, chainID int64, logger logging.Logger) *DevClient {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &DevClient{
		address: common.HexToAddress(contractAddress),
		chainID: chainID,
		logger:  logger,
	}
}

func (d *DevClient) fakeTx(method string, args ...interface{}) string {
	hash := crypto.Keccak256Hash([]byte(fmt.Sprint(append([]interface{}{method}, args...)...))).Hex()
	d.logger.Warn("Escrow call skipped in dev mode", "method", method, "tx_hash", hash)
	return hash
}

func (d *DevClient) RegisterTask(_ context.Context, taskID, creator string, payoutPerWorkerWei *big.Int, requiredWorkers int) (string, error) {
	if _, err := TaskIDFromUUID(taskID); err != nil {
		return "", err
	}
	return d.fakeTx(MethodCreateTask, taskID, creator, payoutPerWorkerWei, requiredWorkers), nil
}

func (d *DevClient) FundCall(taskID string, amountWei *big.Int) (FundCall, error) {
	return BuildFundCall(d.address, d.chainID, taskID, amountWei)
}

func (d *DevClient) VerifyFunding(_ context.Context, txHash, taskID string, _ *big.Int) error {
	if !env.IsValidTxHash(txHash) {
		return ErrTxNotFound
	}
	_, err := TaskIDFromUUID(taskID)
	return err
}

func (d *DevClient) IsAssignedWorker(context.Context, string, string) (bool, error) {
	return true, nil
}

func (d *DevClient) AssignWorkers(_ context.Context, taskID string, workers []string) (string, error) {
	return d.fakeTx(MethodAssignWorkers, taskID, workers), nil
}

func (d *DevClient) ReleasePayout(_ context.Context, taskID, worker string) (string, error) {
	return d.fakeTx(MethodReleasePayout, taskID, worker), nil
}

func (d *DevClient) CompleteTask(_ context.Context, taskID string) (string, error) {
	return d.fakeTx(MethodCompleteTask, taskID), nil
}

func (d *DevClient) CancelAndRefund(_ context.Context, taskID string) (string, error) {
	return d.fakeTx(MethodCancelAndRefund, taskID), nil
}

func (d *DevClient) Close() {}
