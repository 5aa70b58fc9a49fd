// Package ledger is the settlement ledger: bills, authorization nonces and
// the bill index, advanced one atomic step at a time by a single sequencer.
//
// All reads and writes are executed on the sequencer goroutine in arrival
// order, so every check-then-set (AlreadyPaid, nonce consumption) happens
// inside one step that no other operation can interleave with. Each step
// runs against a write-set that is committed only if the step succeeds.
// Successful writes are appended to the Journal and replayed on Open.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"PayLinkRelay/internal/models"
)

type Config struct {
	ChainID *big.Int
	Address common.Address
	Journal Journal
	Clock   func() time.Time
	Logger  zerolog.Logger
}

type Stats struct {
	TotalBills     uint64
	TotalPaidBills uint64
	Height         uint64
}

type Ledger struct {
	chainID *big.Int
	address common.Address
	journal Journal
	clock   func() time.Time
	log     zerolog.Logger

	cmds      chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// owned by the sequencer goroutine
	st        *state
	seq       uint64
	receipts  map[common.Hash]*Receipt
	subs      []subscriber
	nextSubID uint64
}

// Open replays the journal and starts the sequencer.
func Open(cfg Config) (*Ledger, error) {
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("ledger chain id must be positive")
	}
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("ledger address is required")
	}
	if cfg.Journal == nil {
		cfg.Journal = NewMemoryJournal()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	l := &Ledger{
		chainID:  new(big.Int).Set(cfg.ChainID),
		address:  cfg.Address,
		journal:  cfg.Journal,
		clock:    cfg.Clock,
		log:      cfg.Logger.With().Str("module", "ledger").Str("chain", cfg.ChainID.String()).Logger(),
		cmds:     make(chan func()),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		st:       newState(),
		receipts: map[common.Hash]*Receipt{},
	}
	replayed := 0
	err := l.journal.Replay(func(e Entry) error {
		if e.Seq <= l.seq {
			return fmt.Errorf("journal entry %d out of order after %d", e.Seq, l.seq)
		}
		r := l.apply(e.Tx, e.Seq, false)
		if !r.Succeeded {
			return fmt.Errorf("journal entry %d (%s) does not replay: %w", e.Seq, e.Tx.Op, r.Err)
		}
		replayed++
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replayed > 0 {
		l.log.Info().Int("entries", replayed).Uint64("height", l.seq).Msg("ledger log replayed")
	}
	go l.run()
	return l, nil
}

func (l *Ledger) ChainID() *big.Int {
	return new(big.Int).Set(l.chainID)
}

func (l *Ledger) Address() common.Address {
	return l.address
}

// Close stops the sequencer and closes the journal.
func (l *Ledger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.quit)
		<-l.done
		err = l.journal.Close()
	})
	return err
}

func (l *Ledger) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.cmds:
			fn()
		case <-l.quit:
			for _, s := range l.subs {
				close(s.ch)
			}
			l.subs = nil
			return
		}
	}
}

// do runs fn on the sequencer and waits for it. Once fn has been accepted it
// always runs to completion, like a submitted transaction.
func (l *Ledger) do(ctx context.Context, fn func(*state)) error {
	finished := make(chan struct{})
	cmd := func() {
		defer close(finished)
		fn(l.st)
	}
	select {
	case l.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.quit:
		return ErrClosed
	}
	<-finished
	return nil
}

func (l *Ledger) submit(ctx context.Context, tx Tx) (*Receipt, error) {
	var r *Receipt
	err := l.do(ctx, func(*state) {
		r = l.apply(tx, l.seq+1, true)
	})
	if err != nil {
		return nil, err
	}
	if !r.Succeeded {
		return r, r.Err
	}
	return r, nil
}

// apply executes tx as log position seq. Only the sequencer (or Open, before
// the sequencer starts) calls it.
func (l *Ledger) apply(tx Tx, seq uint64, record bool) *Receipt {
	if tx.Time == 0 {
		tx.Time = uint64(l.clock().Unix())
	}
	r := &Receipt{BlockNumber: seq, Time: tx.Time, Op: tx.Op, From: tx.From}
	hash, err := tx.hash(seq)
	if err != nil {
		r.Err = err
		return r
	}
	r.TxHash = hash

	w := l.st.begin()
	events, err := l.execute(w, &tx)
	if err == nil && record {
		if jerr := l.journal.Append(Entry{Seq: seq, Tx: tx}); jerr != nil {
			err = fmt.Errorf("%w: %v", ErrJournal, jerr)
		}
	}
	l.seq = seq
	l.receipts[hash] = r
	if err != nil {
		r.Err = err
		l.log.Debug().Str("op", tx.Op.String()).Str("tx", hash.Hex()).Err(err).Msg("ledger step reverted")
		return r
	}
	w.commit()
	for i := range events {
		events[i].BlockNumber = seq
		events[i].TxHash = hash
		events[i].Time = tx.Time
	}
	r.Succeeded = true
	r.Events = events
	l.publish(events)
	return r
}

// GenerateBillID derives a bill id from the creator and a caller-chosen seed.
// It is pure and does not reserve the id.
func (l *Ledger) GenerateBillID(creator common.Address, seed *big.Int) common.Hash {
	return GenerateBillID(creator, seed)
}

func (l *Ledger) CreateBill(ctx context.Context, msg Msg, billID common.Hash, receiver, token common.Address, amount *big.Int) (*Receipt, error) {
	return l.submit(ctx, Tx{
		Op:       OpCreateBill,
		From:     msg.From,
		Value:    msg.Value,
		BillID:   billID,
		Receiver: receiver,
		Token:    token,
		Amount:   amount,
	})
}

func (l *Ledger) PayBill(ctx context.Context, msg Msg, billID common.Hash) (*Receipt, error) {
	return l.submit(ctx, Tx{
		Op:     OpPayBill,
		From:   msg.From,
		Value:  msg.Value,
		BillID: billID,
	})
}

func (l *Ledger) PayBillWithAuthorization(ctx context.Context, msg Msg, auth models.Authorization) (*Receipt, error) {
	return l.submit(ctx, Tx{
		Op:     OpPayBillWithAuthorization,
		From:   msg.From,
		Value:  msg.Value,
		BillID: auth.BillID,
		Auth:   newAuthRecord(auth),
	})
}

// Credit mints amount of token (models.NativeToken for native currency) to
// account. It stands in for the faucet and token contracts of a real network.
func (l *Ledger) Credit(ctx context.Context, token, account common.Address, amount *big.Int) (*Receipt, error) {
	return l.submit(ctx, Tx{
		Op:       OpCredit,
		Receiver: account,
		Token:    token,
		Amount:   amount,
	})
}

// Approve sets the allowance msg.From grants the ledger over token.
func (l *Ledger) Approve(ctx context.Context, msg Msg, token common.Address, amount *big.Int) (*Receipt, error) {
	return l.submit(ctx, Tx{
		Op:     OpApprove,
		From:   msg.From,
		Value:  msg.Value,
		Token:  token,
		Amount: amount,
	})
}

// GetBill returns the zero Bill for unknown ids; the error only reports a
// closed ledger or a cancelled context.
func (l *Ledger) GetBill(ctx context.Context, billID common.Hash) (models.Bill, error) {
	var b models.Bill
	err := l.do(ctx, func(s *state) {
		b = s.bills[billID].Clone()
	})
	return b, err
}

func (l *Ledger) GetNonce(ctx context.Context, account common.Address) (*big.Int, error) {
	var n *big.Int
	err := l.do(ctx, func(s *state) {
		n = s.nonce(account)
	})
	return n, err
}

func (l *Ledger) GetUserBills(ctx context.Context, account common.Address) ([]common.Hash, error) {
	var ids []common.Hash
	err := l.do(ctx, func(s *state) {
		ids = append([]common.Hash{}, s.userBills[account]...)
	})
	return ids, err
}

func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := l.do(ctx, func(s *state) {
		st = Stats{TotalBills: s.totalBills, TotalPaidBills: s.totalPaid, Height: l.seq}
	})
	return st, err
}

func (l *Ledger) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	var v *big.Int
	err := l.do(ctx, func(s *state) {
		v = lookup(s.balances, balanceKey{token, account})
	})
	return v, err
}

func (l *Ledger) Allowance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	var v *big.Int
	err := l.do(ctx, func(s *state) {
		v = lookup(s.allowances, balanceKey{token, owner})
	})
	return v, err
}

// Receipt looks up the outcome of a write by hash. found is false for
// unknown hashes.
func (l *Ledger) Receipt(ctx context.Context, hash common.Hash) (r Receipt, found bool, err error) {
	err = l.do(ctx, func(*state) {
		if rc, ok := l.receipts[hash]; ok {
			r, found = *rc, true
		}
	})
	return r, found, err
}
