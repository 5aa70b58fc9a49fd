package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"PayLinkRelay/internal/authz"
	"PayLinkRelay/internal/models"
)

func (l *Ledger) execute(w *txn, tx *Tx) ([]Event, error) {
	switch tx.Op {
	case OpCreateBill:
		return l.createBill(w, tx)
	case OpPayBill:
		return l.payBill(w, tx)
	case OpPayBillWithAuthorization:
		return l.payBillWithAuthorization(w, tx)
	case OpCredit:
		if tx.Amount == nil || tx.Amount.Sign() <= 0 {
			return nil, ErrInvalidAmount
		}
		w.credit(tx.Token, tx.Receiver, tx.Amount)
		return nil, nil
	case OpApprove:
		if tx.value().Sign() != 0 {
			return nil, ErrAmountMismatch
		}
		if tx.Amount == nil || tx.Amount.Sign() < 0 {
			return nil, ErrInvalidAmount
		}
		w.approve(tx.Token, tx.From, tx.Amount)
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown ledger op %d", tx.Op)
	}
}

func (l *Ledger) createBill(w *txn, tx *Tx) ([]Event, error) {
	if w.bill(tx.BillID).Exists() {
		return nil, ErrBillAlreadyExists
	}
	if tx.Amount == nil || tx.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if tx.Receiver == (common.Address{}) {
		return nil, ErrInvalidReceiver
	}
	if tx.value().Sign() != 0 {
		return nil, ErrAmountMismatch
	}
	b := models.Bill{
		ID:        tx.BillID,
		Receiver:  tx.Receiver,
		Token:     tx.Token,
		Amount:    new(big.Int).Set(tx.Amount),
		CreatedAt: tx.Time,
	}
	w.putBill(b)
	w.newBills++
	w.appendUserBill(tx.From, tx.BillID)
	return []Event{{
		Kind:     EventBillCreated,
		BillID:   b.ID,
		Creator:  tx.From,
		Receiver: b.Receiver,
		Token:    b.Token,
		Amount:   new(big.Int).Set(b.Amount),
	}}, nil
}

// loadPayable returns the bill if it can still be paid. Both payment paths
// call it before touching any state.
func loadPayable(w *txn, id common.Hash) (models.Bill, error) {
	b := w.bill(id)
	if !b.Exists() {
		return b, ErrBillNotFound
	}
	if b.Paid {
		return b, ErrAlreadyPaid
	}
	return b, nil
}

func (l *Ledger) payBill(w *txn, tx *Tx) ([]Event, error) {
	b, err := loadPayable(w, tx.BillID)
	if err != nil {
		return nil, err
	}
	if b.IsNative() {
		if tx.value().Cmp(b.Amount) != 0 {
			return nil, fmt.Errorf("%w: sent %s, bill is %s", ErrAmountMismatch, tx.value(), b.Amount)
		}
		if err := w.transfer(models.NativeToken, tx.From, b.Receiver, b.Amount); err != nil {
			return nil, err
		}
	} else {
		if tx.value().Sign() != 0 {
			return nil, fmt.Errorf("%w: token bill takes no native value", ErrAmountMismatch)
		}
		if err := w.pull(b.Token, tx.From, b.Receiver, b.Amount); err != nil {
			return nil, err
		}
	}
	return settle(w, b, tx.From, tx.Time, false), nil
}

func (l *Ledger) payBillWithAuthorization(w *txn, tx *Tx) ([]Event, error) {
	if tx.Auth == nil {
		return nil, ErrInvalidSignature
	}
	auth := tx.Auth.Authorization()
	if auth.ChainID == nil || auth.ChainID.Cmp(l.chainID) != 0 {
		return nil, ErrWrongChain
	}
	if auth.ContractAddress != l.address {
		return nil, ErrWrongContract
	}
	if !authz.Verify(auth) {
		return nil, ErrInvalidSignature
	}
	if auth.Nonce == nil || auth.Nonce.Cmp(w.nonce(auth.Authorizer)) != 0 {
		return nil, ErrNonceReplay
	}
	b, err := loadPayable(w, auth.BillID)
	if err != nil {
		return nil, err
	}
	if b.IsNative() {
		return nil, ErrUnsupportedAsset
	}
	if tx.value().Sign() != 0 {
		return nil, fmt.Errorf("%w: relayed payment takes no native value", ErrAmountMismatch)
	}

	// Consume the nonce before moving funds.
	w.setNonce(auth.Authorizer, new(big.Int).Add(auth.Nonce, big.NewInt(1)))
	if err := w.pull(b.Token, auth.Authorizer, b.Receiver, b.Amount); err != nil {
		return nil, err
	}
	return settle(w, b, auth.Authorizer, tx.Time, true), nil
}

func settle(w *txn, b models.Bill, payer common.Address, now uint64, gasless bool) []Event {
	b.Paid = true
	b.Payer = payer
	b.PaidAt = now
	w.putBill(b)
	w.newPaid++
	return []Event{{
		Kind:     EventBillPaid,
		BillID:   b.ID,
		Receiver: b.Receiver,
		Payer:    payer,
		Token:    b.Token,
		Amount:   new(big.Int).Set(b.Amount),
		Gasless:  gasless,
	}}
}
