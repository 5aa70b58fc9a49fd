package worker

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PayLinkRelay/internal/chain"
	"PayLinkRelay/internal/ledger"
	"PayLinkRelay/internal/models"
	"PayLinkRelay/internal/relay"
)

var (
	testChainID  = big.NewInt(31337)
	testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	merchant     = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
)

type fixture struct {
	node    *chain.LocalNode
	journal *relay.MemoryJournal
	worker  *Worker
	nonce   uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l, err := ledger.Open(ledger.Config{ChainID: testChainID, Address: testContract, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	node := chain.NewLocalNode(l)

	reg := chain.NewRegistry()
	_, err = reg.Register(chain.Network{ChainID: testChainID.Int64(), Name: "local", LedgerAddress: testContract}, node)
	require.NoError(t, err)

	journal := relay.NewMemoryJournal()
	return &fixture{
		node:    node,
		journal: journal,
		worker: &Worker{
			Store:    journal,
			Registry: reg,
			Log:      zerolog.Nop(),
			Now:      func() time.Time { return time.Now().Add(time.Hour) },
		},
	}
}

// send creates billID from a fresh sponsor key and journals it as
// indeterminate, the way the relay leaves a timed-out submission.
func (f *fixture) send(t *testing.T, billID common.Hash) *models.Submission {
	t.Helper()
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	data, err := chain.PackCreateBill(billID, merchant, models.NativeToken, big.NewInt(100))
	require.NoError(t, err)
	hash, err := f.node.SendTransaction(ctx, key, 0, chain.Call{To: testContract, Data: data})
	require.NoError(t, err)

	return f.journalHash(t, billID, hash)
}

func (f *fixture) journalHash(t *testing.T, billID, hash common.Hash) *models.Submission {
	t.Helper()
	ctx := context.Background()
	sub := &models.Submission{
		Kind:     models.SubmissionCreate,
		ChainID:  testChainID.String(),
		Contract: testContract.Hex(),
		BillID:   billID.Hex(),
	}
	require.NoError(t, f.journal.Begin(ctx, sub))
	require.NoError(t, f.journal.MarkSubmitted(ctx, sub.ID, hash))
	require.NoError(t, f.journal.MarkOutcome(ctx, sub.ID, models.SubmissionIndeterminate, "", 0))
	return sub
}

func (f *fixture) status(t *testing.T, id string) models.Submission {
	t.Helper()
	for _, s := range f.journal.Submissions() {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("submission %s not journaled", id)
	return models.Submission{}
}

func TestSyncOnce_ResolvesConfirmed(t *testing.T) {
	f := newFixture(t)
	sub := f.send(t, common.HexToHash("0x01"))

	n, err := f.worker.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.status(t, sub.ID)
	assert.Equal(t, models.SubmissionConfirmed, got.Status)
	require.NotNil(t, got.BlockNumber)
	assert.Positive(t, *got.BlockNumber)
	assert.Nil(t, got.ErrorCode)

	n, err = f.worker.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "confirmed rows are not revisited")
}

func TestSyncOnce_ResolvesRevertedWithCode(t *testing.T) {
	f := newFixture(t)
	id := common.HexToHash("0x02")
	first := f.send(t, id)
	second := f.send(t, id)

	n, err := f.worker.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, models.SubmissionConfirmed, f.status(t, first.ID).Status)
	got := f.status(t, second.ID)
	assert.Equal(t, models.SubmissionReverted, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, ledger.Code(ledger.ErrBillAlreadyExists), *got.ErrorCode)
}

func TestSyncOnce_LeavesUnknownHashPending(t *testing.T) {
	f := newFixture(t)
	sub := f.journalHash(t, common.HexToHash("0x03"), common.HexToHash("0xdead"))
	before := f.status(t, sub.ID).UpdatedAt

	n, err := f.worker.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	got := f.status(t, sub.ID)
	assert.Equal(t, models.SubmissionIndeterminate, got.Status)
	assert.False(t, got.UpdatedAt.Before(before))
}

func TestSyncOnce_RespectsStaleAfter(t *testing.T) {
	f := newFixture(t)
	f.worker.Now = time.Now
	f.worker.StaleAfter = time.Hour
	sub := f.send(t, common.HexToHash("0x04"))

	n, err := f.worker.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.SubmissionIndeterminate, f.status(t, sub.ID).Status)
}

func TestSyncOnce_SkipsUnknownChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := &models.Submission{
		Kind:     models.SubmissionCreate,
		ChainID:  "1",
		Contract: testContract.Hex(),
		BillID:   common.HexToHash("0x05").Hex(),
	}
	require.NoError(t, f.journal.Begin(ctx, sub))
	require.NoError(t, f.journal.MarkSubmitted(ctx, sub.ID, common.HexToHash("0xbeef")))

	n, err := f.worker.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.SubmissionSubmitted, f.status(t, sub.ID).Status)
}

type failingStore struct{ SubmissionStore }

func (failingStore) ListUnresolved(context.Context, time.Time, int) ([]*models.Submission, error) {
	return nil, errors.New("db down")
}

func TestSyncOnce_StoreError(t *testing.T) {
	f := newFixture(t)
	f.worker.Store = failingStore{}
	_, err := f.worker.SyncOnce(context.Background())
	assert.EqualError(t, err, "db down")
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.worker.Interval = 5 * time.Millisecond
	sub := f.send(t, common.HexToHash("0x06"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return f.status(t, sub.ID).Status == models.SubmissionConfirmed
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
