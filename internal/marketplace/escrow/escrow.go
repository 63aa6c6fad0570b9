// Package escrow talks to the TaskEscrow contract. Creators fund tasks from
// their own wallets; every other call is signed with the operator key.
package escrow

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"

	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	"github.com/datarand/datarand-backend/pkg/logging"
)

//go:embed abi/TaskEscrow.json
var taskEscrowABIJSON []byte

// TaskEscrowABI is parsed once at init; the embedded file is part of the build.
var TaskEscrowABI = mustParseABI(taskEscrowABIJSON)

const (
	MethodCreateTask      = "createTask"
	MethodFundTask        = "fundTask"
	MethodAssignWorkers   = "assignWorkers"
	MethodReleasePayout   = "releasePayout"
	MethodCompleteTask    = "completeTask"
	MethodCancelAndRefund = "cancelAndRefund"
	MethodIsAssigned      = "getIsAssignedWorker"

	defaultMineTimeout = 2 * time.Minute
)

var (
	// ErrTxNotFound means the chain does not know the transaction yet.
	ErrTxNotFound = errors.New("escrow: transaction not found")
	// ErrTxFailed means the transaction was mined and reverted.
	ErrTxFailed = errors.New("escrow: transaction reverted")
	// ErrForeignTx means the transaction does not fund this task on the escrow contract.
	ErrForeignTx = errors.New("escrow: transaction does not fund this task")
	// ErrUnderfunded means the transaction carried less than the quoted total.
	ErrUnderfunded = errors.New("escrow: transaction value is below the funding total")

	// ErrTxUnconfirmed means an operator transaction was broadcast but its
	// receipt was not seen before the mine timeout.
	ErrTxUnconfirmed = errors.New("escrow: transaction sent but not confirmed")

	ErrInvalidAddress = errors.New("escrow: invalid address")
)

// Unconfirmed reports whether an operator call that returned err may still
// be mined. Such a call must be recorded, never sent again.
func Unconfirmed(txHash string, err error) bool {
	return err != nil && txHash != "" && !errors.Is(err, ErrTxFailed)
}

// FundCall is the unsigned fundTask call the creator's wallet submits.
type FundCall struct {
	To      string
	Data    string
	Value   *big.Int
	ChainID int64
}

type Client interface {
	// RegisterTask records the task on the contract before it can be funded.
	RegisterTask(ctx context.Context, taskID string, creator string, payoutPerWorkerWei *big.Int, requiredWorkers int) (string, error)
	FundCall(taskID string, amountWei *big.Int) (FundCall, error)
	// VerifyFunding checks that txHash was mined and succeeded, and that it
	// called fundTask for taskID on the escrow contract with at least minWei.
	VerifyFunding(ctx context.Context, txHash, taskID string, minWei *big.Int) error
	IsAssignedWorker(ctx context.Context, taskID, worker string) (bool, error)
	AssignWorkers(ctx context.Context, taskID string, workers []string) (string, error)
	ReleasePayout(ctx context.Context, taskID, worker string) (string, error)
	CompleteTask(ctx context.Context, taskID string) (string, error)
	CancelAndRefund(ctx context.Context, taskID string) (string, error)
	Close()
}

// Backend is the subset of ethclient.Client the escrow client needs.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

type Config struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string
	ChainID         int64
	// MineTimeout bounds the wait for an operator transaction to be mined.
	MineTimeout time.Duration
}

// EthClient is the go-ethereum implementation of Client.
type EthClient struct {
	backend     Backend
	closer      func()
	contract    *bind.BoundContract
	address     common.Address
	key         *ecdsa.PrivateKey
	chainID     *big.Int
	mineTimeout time.Duration
	logger      logging.Logger
}

// NewClient dials the RPC endpoint and binds the escrow contract.
func NewClient(cfg Config, logger logging.Logger) (Client, error) {
	rpc, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ethereum client: %w", err)
	}
	c, err := NewClientWithBackend(rpc, cfg, logger)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	c.closer = rpc.Close
	return c, nil
}

func NewClientWithBackend(backend Backend, cfg Config, logger logging.Logger) (*EthClient, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, cfg.ContractAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse operator private key: %w", err)
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	mineTimeout := cfg.MineTimeout
	if mineTimeout <= 0 {
		mineTimeout = defaultMineTimeout
	}

	address := common.HexToAddress(cfg.ContractAddress)
	return &EthClient{
		backend:     backend,
		closer:      func() {},
		contract:    bind.NewBoundContract(address, TaskEscrowABI, backend, backend, backend),
		address:     address,
		key:         key,
		chainID:     big.NewInt(cfg.ChainID),
		mineTimeout: mineTimeout,
		logger:      logger,
	}, nil
}

func (c *EthClient) RegisterTask(ctx context.Context, taskID, creator string, payoutPerWorkerWei *big.Int, requiredWorkers int) (string, error) {
	id, err := TaskIDFromUUID(taskID)
	if err != nil {
		return "", err
	}
	creatorAddr, err := parseAddress(creator)
	if err != nil {
		return "", err
	}
	return c.transact(ctx, MethodCreateTask, id, creatorAddr, payoutPerWorkerWei, big.NewInt(int64(requiredWorkers)))
}

func (c *EthClient) FundCall(taskID string, amountWei *big.Int) (FundCall, error) {
	return BuildFundCall(c.address, c.chainID.Int64(), taskID, amountWei)
}

func (c *EthClient) VerifyFunding(ctx context.Context, txHash, taskID string, minWei *big.Int) error {
	err := c.verifyFunding(ctx, common.HexToHash(txHash), taskID, minWei)
	metrics.TrackEscrowCall("verifyFunding", err)
	return err
}

func (c *EthClient) verifyFunding(ctx context.Context, hash common.Hash, taskID string, minWei *big.Int) error {
	id, err := TaskIDFromUUID(taskID)
	if err != nil {
		return err
	}

	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return ErrTxNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to fetch receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ErrTxFailed
	}

	tx, _, err := c.backend.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return ErrTxNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to fetch transaction: %w", err)
	}
	if tx.To() == nil || *tx.To() != c.address {
		return ErrForeignTx
	}
	if err := checkFundCall(tx.Data(), id); err != nil {
		return err
	}
	if minWei != nil && tx.Value().Cmp(minWei) < 0 {
		return fmt.Errorf("%w: sent %s, want %s", ErrUnderfunded, tx.Value(), minWei)
	}
	return nil
}

// checkFundCall requires data to be fundTask(id).
func checkFundCall(data []byte, id *big.Int) error {
	method := TaskEscrowABI.Methods[MethodFundTask]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return ErrForeignTx
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 1 {
		return ErrForeignTx
	}
	funded, ok := args[0].(*big.Int)
	if !ok || funded.Cmp(id) != 0 {
		return ErrForeignTx
	}
	return nil
}

func (c *EthClient) IsAssignedWorker(ctx context.Context, taskID, worker string) (bool, error) {
	id, err := TaskIDFromUUID(taskID)
	if err != nil {
		return false, err
	}
	workerAddr, err := parseAddress(worker)
	if err != nil {
		return false, err
	}

	var out []interface{}
	err = c.contract.Call(&bind.CallOpts{Context: ctx}, &out, MethodIsAssigned, id, workerAddr)
	metrics.TrackEscrowCall(MethodIsAssigned, err)
	if err != nil {
		return false, err
	}
	assigned, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected %s result: %T", MethodIsAssigned, out[0])
	}
	return assigned, nil
}

func (c *EthClient) AssignWorkers(ctx context.Context, taskID string, workers []string) (string, error) {
	id, err := TaskIDFromUUID(taskID)
	if err != nil {
		return "", err
	}
	addrs := make([]common.Address, 0, len(workers))
	for _, w := range workers {
		addr, err := parseAddress(w)
		if err != nil {
			return "", err
		}
		addrs = append(addrs, addr)
	}
	return c.transact(ctx, MethodAssignWorkers, id, addrs)
}

func (c *EthClient) ReleasePayout(ctx context.Context, taskID, worker string) (string, error) {
	id, err := TaskIDFromUUID(taskID)
	if err != nil {
		return "", err
	}
	workerAddr, err := parseAddress(worker)
	if err != nil {
		return "", err
	}
	return c.transact(ctx, MethodReleasePayout, id, workerAddr)
}

func (c *EthClient) CompleteTask(ctx context.Context, taskID string) (string, error) {
	id, err := TaskIDFromUUID(taskID)
	if err != nil {
		return "", err
	}
	return c.transact(ctx, MethodCompleteTask, id)
}

func (c *EthClient) CancelAndRefund(ctx context.Context, taskID string) (string, error) {
	id, err := TaskIDFromUUID(taskID)
	if err != nil {
		return "", err
	}
	return c.transact(ctx, MethodCancelAndRefund, id)
}

func (c *EthClient) Close() {
	c.closer()
}

// transact signs and sends an operator call, then waits for it to be mined.
// It never resends: a lost transaction surfaces as an error to the caller.
// Cancellation of ctx is ignored; the mine timeout bounds the whole call.
func (c *EthClient) transact(ctx context.Context, method string, args ...interface{}) (string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.mineTimeout)
	defer cancel()

	txHash, err := c.sendAndWait(ctx, method, args...)
	metrics.TrackEscrowCall(method, err)
	return txHash, err
}

func (c *EthClient) sendAndWait(ctx context.Context, method string, args ...interface{}) (string, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return "", fmt.Errorf("failed to create transaction options: %w", err)
	}
	auth.Context = ctx

	tx, err := c.contract.Transact(auth, method, args...)
	if err != nil {
		return "", fmt.Errorf("failed to send %s: %w", method, err)
	}
	c.logger.Info("Escrow transaction sent", "method", method, "tx_hash", tx.Hash().Hex())

	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return tx.Hash().Hex(), fmt.Errorf("%w: %s: %v", ErrTxUnconfirmed, method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash().Hex(), fmt.Errorf("%s: %w", method, ErrTxFailed)
	}
	return tx.Hash().Hex(), nil
}

// TaskIDFromUUID reads the 128 bits of a task UUID as a big-endian integer.
func TaskIDFromUUID(taskID string) (*big.Int, error) {
	u, err := uuid.Parse(taskID)
	if err != nil {
		return nil, fmt.Errorf("invalid task id %q: %w", taskID, err)
	}
	return new(big.Int).SetBytes(u[:]), nil
}

// BuildFundCall packs fundTask(taskId) for the creator to send with amountWei.
func BuildFundCall(contract common.Address, chainID int64, taskID string, amountWei *big.Int) (FundCall, error) {
	id, err := TaskIDFromUUID(taskID)
	if err != nil {
		return FundCall{}, err
	}
	data, err := TaskEscrowABI.Pack(MethodFundTask, id)
	if err != nil {
		return FundCall{}, fmt.Errorf("failed to pack %s: %w", MethodFundTask, err)
	}
	return FundCall{
		To:      contract.Hex(),
		Data:    hexutil.Encode(data),
		Value:   new(big.Int).Set(amountWei),
		ChainID: chainID,
	}, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

func mustParseABI(raw []byte) abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("failed to parse TaskEscrow ABI: %v", err))
	}
	return parsed
}
