package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTaskID   = "00000000-0000-0000-0000-0000000000ff"
	testContract = "0x00000000000000000000000000000000000000E5"
)

type fakeBackend struct {
	bind.ContractBackend
	receipts map[common.Hash]*types.Receipt
	txs      map[common.Hash]*types.Transaction
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

func newTestClient(t *testing.T, backend Backend) *EthClient {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	c, err := NewClientWithBackend(backend, Config{
		ContractAddress: testContract,
		PrivateKey:      hexutil.Encode(crypto.FromECDSA(key)),
		ChainID:         84532,
	}, nil)
	require.NoError(t, err)
	return c
}

func TestTaskIDFromUUID(t *testing.T) {
	id, err := TaskIDFromUUID(testTaskID)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(255), id)

	id, err = TaskIDFromUUID("ffffffff-ffff-ffff-ffff-ffffffffffff")
	require.NoError(t, err)
	want := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	assert.Equal(t, want, id)

	_, err = TaskIDFromUUID("not-a-uuid")
	assert.Error(t, err)
}

func TestBuildFundCall(t *testing.T) {
	amount := big.NewInt(57_500_000_000_000_000)
	call, err := BuildFundCall(common.HexToAddress(testContract), 84532, testTaskID, amount)
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress(testContract).Hex(), call.To)
	assert.Equal(t, int64(84532), call.ChainID)
	assert.Equal(t, amount, call.Value)

	data, err := hexutil.Decode(call.Data)
	require.NoError(t, err)
	method, err := TaskEscrowABI.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, MethodFundTask, method.Name)

	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(255), args[0])

	amount.SetInt64(1)
	assert.Equal(t, big.NewInt(57_500_000_000_000_000), call.Value)
}

func TestVerifyFunding(t *testing.T) {
	contract := common.HexToAddress(testContract)
	other := common.HexToAddress("0x1111111111111111111111111111111111111111")
	total := big.NewInt(57_500_000_000_000_000)
	fundData, err := TaskEscrowABI.Pack(MethodFundTask, big.NewInt(255))
	require.NoError(t, err)
	otherTaskData, err := TaskEscrowABI.Pack(MethodFundTask, big.NewInt(999))
	require.NoError(t, err)

	newTx := func(nonce uint64, to common.Address, value *big.Int, data []byte) *types.Transaction {
		return types.NewTx(&types.LegacyTx{Nonce: nonce, To: &to, Value: value, Data: data, Gas: 50_000, GasPrice: big.NewInt(1)})
	}
	good := newTx(0, contract, total, fundData)
	overpaid := newTx(1, contract, new(big.Int).Add(total, big.NewInt(1)), fundData)
	reverted := newTx(2, contract, total, fundData)
	foreign := newTx(3, other, total, fundData)
	wrongMethod := newTx(4, contract, total, []byte{0xde, 0xad, 0xbe, 0xef})
	wrongTask := newTx(5, contract, total, otherTaskData)
	underpaid := newTx(6, contract, big.NewInt(1), fundData)
	truncated := newTx(7, contract, total, fundData[:4])

	backend := &fakeBackend{
		receipts: map[common.Hash]*types.Receipt{},
		txs:      map[common.Hash]*types.Transaction{},
	}
	for _, tx := range []*types.Transaction{good, overpaid, foreign, wrongMethod, wrongTask, underpaid, truncated} {
		backend.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
		backend.txs[tx.Hash()] = tx
	}
	backend.receipts[reverted.Hash()] = &types.Receipt{Status: types.ReceiptStatusFailed}
	backend.txs[reverted.Hash()] = reverted
	client := newTestClient(t, backend)

	tests := []struct {
		name    string
		hash    common.Hash
		taskID  string
		wantErr error
	}{
		{name: "funded", hash: good.Hash(), taskID: testTaskID},
		{name: "overpaid", hash: overpaid.Hash(), taskID: testTaskID},
		{name: "reverted", hash: reverted.Hash(), taskID: testTaskID, wantErr: ErrTxFailed},
		{name: "other contract", hash: foreign.Hash(), taskID: testTaskID, wantErr: ErrForeignTx},
		{name: "other method", hash: wrongMethod.Hash(), taskID: testTaskID, wantErr: ErrForeignTx},
		{name: "wrong task", hash: wrongTask.Hash(), taskID: testTaskID, wantErr: ErrForeignTx},
		{name: "funds a different task id", hash: good.Hash(), taskID: "00000000-0000-0000-0000-0000000003e7", wantErr: ErrForeignTx},
		{name: "truncated calldata", hash: truncated.Hash(), taskID: testTaskID, wantErr: ErrForeignTx},
		{name: "underpaid", hash: underpaid.Hash(), taskID: testTaskID, wantErr: ErrUnderfunded},
		{name: "unknown", hash: common.HexToHash("0x01"), taskID: testTaskID, wantErr: ErrTxNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.VerifyFunding(context.Background(), tt.hash.Hex(), tt.taskID, total)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestUnconfirmed(t *testing.T) {
	tests := []struct {
		name   string
		txHash string
		err    error
		want   bool
	}{
		{name: "mined", txHash: "0xabc"},
		{name: "never sent", err: errors.New("insufficient funds for gas")},
		{name: "wait timed out", txHash: "0xabc", err: fmt.Errorf("%w: releasePayout: %v", ErrTxUnconfirmed, context.DeadlineExceeded), want: true},
		{name: "reverted", txHash: "0xabc", err: fmt.Errorf("releasePayout: %w", ErrTxFailed)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Unconfirmed(tt.txHash, tt.err))
		})
	}
}

func TestNewClientWithBackend_InvalidConfig(t *testing.T) {
	_, err := NewClientWithBackend(&fakeBackend{}, Config{ContractAddress: "0x12", PrivateKey: "00"}, nil)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = NewClientWithBackend(&fakeBackend{}, Config{ContractAddress: testContract, PrivateKey: "zz"}, nil)
	assert.Error(t, err)
}

func TestDevClient(t *testing.T) {
	dev := NewDevClient(testContract, 84532, nil)

	hash, err := dev.ReleasePayout(context.Background(), testTaskID, "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	assert.Len(t, hash, 66)

	assert.NoError(t, dev.VerifyFunding(context.Background(), "0x"+common.Bytes2Hex(make([]byte, 32)), testTaskID, big.NewInt(1)))
	assert.ErrorIs(t, dev.VerifyFunding(context.Background(), "0x12", testTaskID, big.NewInt(1)), ErrTxNotFound)

	_, err = dev.RegisterTask(context.Background(), "bad", "", big.NewInt(1), 1)
	assert.Error(t, err)
}
