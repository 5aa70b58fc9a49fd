package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NativeToken is the reserved asset id of the network's native currency.
var NativeToken = common.Address{}

// Bill is one payment request as recorded by the settlement ledger.
type Bill struct {
	ID        common.Hash
	Receiver  common.Address
	Token     common.Address
	Amount    *big.Int
	Paid      bool
	CreatedAt uint64
	PaidAt    uint64
	Payer     common.Address
}

// Exists reports whether b is a real record rather than the zero-receiver
// sentinel returned for unknown ids.
func (b Bill) Exists() bool {
	return b.Receiver != (common.Address{})
}

func (b Bill) IsNative() bool {
	return b.Token == NativeToken
}

func (b Bill) Clone() Bill {
	out := b
	if b.Amount != nil {
		out.Amount = new(big.Int).Set(b.Amount)
	}
	return out
}

// Authorization permits a relay to settle BillID on behalf of Authorizer.
type Authorization struct {
	Authorizer      common.Address
	BillID          common.Hash
	Nonce           *big.Int
	ChainID         *big.Int
	ContractAddress common.Address
	Signature       []byte
}

func (a Authorization) Clone() Authorization {
	out := a
	if a.Nonce != nil {
		out.Nonce = new(big.Int).Set(a.Nonce)
	}
	if a.ChainID != nil {
		out.ChainID = new(big.Int).Set(a.ChainID)
	}
	out.Signature = append([]byte(nil), a.Signature...)
	return out
}

type SubmissionKind string

const (
	SubmissionCreate  SubmissionKind = "create"
	SubmissionPayment SubmissionKind = "payment"
)

type SubmissionStatus string

const (
	SubmissionPending       SubmissionStatus = "pending"
	SubmissionSubmitted     SubmissionStatus = "submitted"
	SubmissionConfirmed     SubmissionStatus = "confirmed"
	SubmissionReverted      SubmissionStatus = "reverted"
	SubmissionIndeterminate SubmissionStatus = "indeterminate"
	SubmissionRejected      SubmissionStatus = "rejected"
)

// Submission is the relay's journal record of one sponsored transaction.
type Submission struct {
	ID          string
	Kind        SubmissionKind
	ChainID     string
	Contract    string
	BillID      string
	Authorizer  *string
	AuthNonce   *string
	TxHash      *string
	Status      SubmissionStatus
	ErrorCode   *string
	BlockNumber *int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
