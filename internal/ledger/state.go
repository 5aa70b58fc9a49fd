package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"PayLinkRelay/internal/models"
)

type balanceKey struct {
	token   common.Address
	account common.Address
}

// state is the materialized view of the log. It is only touched by the
// sequencer goroutine.
type state struct {
	bills      map[common.Hash]models.Bill
	nonces     map[common.Address]*big.Int
	userBills  map[common.Address][]common.Hash
	totalBills uint64
	totalPaid  uint64
	balances   map[balanceKey]*big.Int
	allowances map[balanceKey]*big.Int
}

func newState() *state {
	return &state{
		bills:      map[common.Hash]models.Bill{},
		nonces:     map[common.Address]*big.Int{},
		userBills:  map[common.Address][]common.Hash{},
		balances:   map[balanceKey]*big.Int{},
		allowances: map[balanceKey]*big.Int{},
	}
}

// txn is the write-set of one ledger step. Reads fall through to the base
// state; nothing reaches the base until commit, so a failed step leaves no
// trace.
type txn struct {
	base       *state
	bills      map[common.Hash]models.Bill
	nonces     map[common.Address]*big.Int
	appended   map[common.Address][]common.Hash
	newBills   uint64
	newPaid    uint64
	balances   map[balanceKey]*big.Int
	allowances map[balanceKey]*big.Int
}

func (s *state) begin() *txn {
	return &txn{
		base:       s,
		bills:      map[common.Hash]models.Bill{},
		nonces:     map[common.Address]*big.Int{},
		appended:   map[common.Address][]common.Hash{},
		balances:   map[balanceKey]*big.Int{},
		allowances: map[balanceKey]*big.Int{},
	}
}

func (t *txn) bill(id common.Hash) models.Bill {
	if b, ok := t.bills[id]; ok {
		return b.Clone()
	}
	return t.base.bills[id].Clone()
}

func (t *txn) putBill(b models.Bill) {
	t.bills[b.ID] = b.Clone()
}

func (t *txn) appendUserBill(account common.Address, id common.Hash) {
	t.appended[account] = append(t.appended[account], id)
}

func (t *txn) nonce(account common.Address) *big.Int {
	if n, ok := t.nonces[account]; ok {
		return new(big.Int).Set(n)
	}
	return t.base.nonce(account)
}

func (t *txn) setNonce(account common.Address, n *big.Int) {
	t.nonces[account] = new(big.Int).Set(n)
}

func (t *txn) balance(token, account common.Address) *big.Int {
	k := balanceKey{token, account}
	if v, ok := t.balances[k]; ok {
		return new(big.Int).Set(v)
	}
	return lookup(t.base.balances, k)
}

func (t *txn) allowance(token, owner common.Address) *big.Int {
	k := balanceKey{token, owner}
	if v, ok := t.allowances[k]; ok {
		return new(big.Int).Set(v)
	}
	return lookup(t.base.allowances, k)
}

func (t *txn) credit(token, account common.Address, amount *big.Int) {
	t.balances[balanceKey{token, account}] = new(big.Int).Add(t.balance(token, account), amount)
}

func (t *txn) approve(token, owner common.Address, amount *big.Int) {
	t.allowances[balanceKey{token, owner}] = new(big.Int).Set(amount)
}

// transfer moves amount of token between accounts.
func (t *txn) transfer(token, from, to common.Address, amount *big.Int) error {
	have := t.balance(token, from)
	if have.Cmp(amount) < 0 {
		return fmt.Errorf("%w: balance %s below %s", ErrTransferFailed, have, amount)
	}
	t.balances[balanceKey{token, from}] = have.Sub(have, amount)
	t.credit(token, to, amount)
	return nil
}

// pull moves amount of token from owner to recipient using the allowance
// owner granted to the ledger, the way transferFrom works on a token contract.
func (t *txn) pull(token, owner, recipient common.Address, amount *big.Int) error {
	allowed := t.allowance(token, owner)
	if allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: allowance %s below %s", ErrTransferFailed, allowed, amount)
	}
	if err := t.transfer(token, owner, recipient, amount); err != nil {
		return err
	}
	t.allowances[balanceKey{token, owner}] = allowed.Sub(allowed, amount)
	return nil
}

func (t *txn) commit() {
	s := t.base
	for id, b := range t.bills {
		s.bills[id] = b
	}
	for a, n := range t.nonces {
		s.nonces[a] = n
	}
	for a, ids := range t.appended {
		s.userBills[a] = append(s.userBills[a], ids...)
	}
	s.totalBills += t.newBills
	s.totalPaid += t.newPaid
	for k, v := range t.balances {
		s.balances[k] = v
	}
	for k, v := range t.allowances {
		s.allowances[k] = v
	}
}

func (s *state) nonce(account common.Address) *big.Int {
	return lookup(s.nonces, account)
}

func lookup[K comparable](m map[K]*big.Int, k K) *big.Int {
	if v, ok := m[k]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}
