package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"PayLinkRelay/internal/ledger"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) ChainID(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	id, _ := args.Get(0).(*big.Int)
	return id, args.Error(1)
}

func (m *mockClient) CallContract(ctx context.Context, call Call) ([]byte, error) {
	args := m.Called(ctx, call)
	out, _ := args.Get(0).([]byte)
	return out, args.Error(1)
}

func (m *mockClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	args := m.Called(ctx, account)
	v, _ := args.Get(0).(*big.Int)
	return v, args.Error(1)
}

func (m *mockClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockClient) SendTransaction(ctx context.Context, key *ecdsa.PrivateKey, nonce uint64, call Call) (common.Hash, error) {
	args := m.Called(ctx, key, nonce, call)
	return args.Get(0).(common.Hash), args.Error(1)
}

func (m *mockClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	args := m.Called(ctx, hash)
	r, _ := args.Get(0).(*Receipt)
	return r, args.Error(1)
}

func (m *mockClient) Close() {}

func TestWaiter_ConfirmedAfterPending(t *testing.T) {
	hash := common.HexToHash("0x01")
	c := &mockClient{}
	c.On("TransactionReceipt", mock.Anything, hash).Return(nil, ErrReceiptNotFound).Twice()
	c.On("TransactionReceipt", mock.Anything, hash).Return(nil, errors.New("connection reset")).Once()
	c.On("TransactionReceipt", mock.Anything, hash).
		Return(&Receipt{TxHash: hash, BlockNumber: 9, Status: ReceiptStatusSuccessful}, nil).Once()

	w := Waiter{Client: c, Timeout: 5 * time.Second, PollInterval: 5 * time.Millisecond}
	outcome, r, err := w.Wait(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, Confirmed, outcome)
	require.Equal(t, uint64(9), r.BlockNumber)
	c.AssertExpectations(t)
}

func TestWaiter_Reverted(t *testing.T) {
	hash := common.HexToHash("0x02")
	c := &mockClient{}
	c.On("TransactionReceipt", mock.Anything, hash).
		Return(&Receipt{TxHash: hash, Status: ReceiptStatusFailed, Reason: ledger.ErrAlreadyPaid}, nil)

	outcome, r, err := Waiter{Client: c}.Wait(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, Reverted, outcome)
	require.ErrorIs(t, r.Reason, ledger.ErrAlreadyPaid)
}

func TestWaiter_TimeoutIsIndeterminate(t *testing.T) {
	hash := common.HexToHash("0x03")
	c := &mockClient{}
	c.On("TransactionReceipt", mock.Anything, hash).Return(nil, ErrReceiptNotFound)

	w := Waiter{Client: c, Timeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond}
	outcome, r, err := w.Wait(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, Indeterminate, outcome)
	require.Nil(t, r)
}

func TestWaiter_ContextCancelled(t *testing.T) {
	hash := common.HexToHash("0x04")
	c := &mockClient{}
	c.On("TransactionReceipt", mock.Anything, hash).Return(nil, ErrReceiptNotFound)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	outcome, _, err := Waiter{Client: c, Timeout: time.Minute, PollInterval: 5 * time.Millisecond}.Wait(ctx, hash)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, Indeterminate, outcome)
}

func TestWaiter_WakesOnNewHead(t *testing.T) {
	hash := common.HexToHash("0x05")
	c := &mockClient{}
	c.On("TransactionReceipt", mock.Anything, hash).Return(nil, ErrReceiptNotFound).Once()
	c.On("TransactionReceipt", mock.Anything, hash).
		Return(&Receipt{TxHash: hash, Status: ReceiptStatusSuccessful}, nil).Once()

	heads := NewHeadWatcher("", zerolog.Nop())
	done := make(chan struct{})
	go func() {
		for n := uint64(100); ; n++ {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
				heads.observe(n)
			}
		}
	}()
	// poll interval far beyond the test's patience; only a head can wake it
	outcome, _, err := Waiter{Client: c, Timeout: time.Minute, PollInterval: time.Hour, Heads: heads}.Wait(context.Background(), hash)
	close(done)
	require.NoError(t, err)
	require.Equal(t, Confirmed, outcome)
	require.GreaterOrEqual(t, heads.Latest(), uint64(100))
}

func TestOutcomeString(t *testing.T) {
	require.Equal(t, "confirmed", Confirmed.String())
	require.Equal(t, "reverted", Reverted.String())
	require.Equal(t, "indeterminate", Indeterminate.String())
}
