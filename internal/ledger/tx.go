package ledger

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fxamacker/cbor/v2"

	"PayLinkRelay/internal/models"
)

type Op uint8

const (
	OpCreateBill Op = iota + 1
	OpPayBill
	OpPayBillWithAuthorization
	OpCredit
	OpApprove
)

func (o Op) String() string {
	switch o {
	case OpCreateBill:
		return "createBill"
	case OpPayBill:
		return "payBill"
	case OpPayBillWithAuthorization:
		return "payBillWithAuthorization"
	case OpCredit:
		return "credit"
	case OpApprove:
		return "approve"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Msg carries the caller of a write and the native value it attached.
type Msg struct {
	From  common.Address
	Value *big.Int
}

// Tx is one ledger write as recorded in the log.
type Tx struct {
	_        struct{} `cbor:",toarray"`
	Op       Op
	From     common.Address
	Value    *big.Int
	Time     uint64
	BillID   common.Hash
	Receiver common.Address
	Token    common.Address
	Amount   *big.Int
	Auth     *AuthRecord
}

type AuthRecord struct {
	_               struct{} `cbor:",toarray"`
	Authorizer      common.Address
	BillID          common.Hash
	Nonce           *big.Int
	ChainID         *big.Int
	ContractAddress common.Address
	Signature       []byte
}

func newAuthRecord(a models.Authorization) *AuthRecord {
	c := a.Clone()
	return &AuthRecord{
		Authorizer:      c.Authorizer,
		BillID:          c.BillID,
		Nonce:           c.Nonce,
		ChainID:         c.ChainID,
		ContractAddress: c.ContractAddress,
		Signature:       c.Signature,
	}
}

func (r *AuthRecord) Authorization() models.Authorization {
	return models.Authorization{
		Authorizer:      r.Authorizer,
		BillID:          r.BillID,
		Nonce:           r.Nonce,
		ChainID:         r.ChainID,
		ContractAddress: r.ContractAddress,
		Signature:       r.Signature,
	}
}

// Entry is a log record: a successfully applied Tx and its position.
type Entry struct {
	_   struct{} `cbor:",toarray"`
	Seq uint64
	Tx  Tx
}

// hash derives the transaction hash from the tx and its log position.
func (tx *Tx) hash(seq uint64) (common.Hash, error) {
	b, err := cbor.Marshal(tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encoding tx: %w", err)
	}
	var pos [8]byte
	binary.BigEndian.PutUint64(pos[:], seq)
	return crypto.Keccak256Hash(b, pos[:]), nil
}

func (tx *Tx) value() *big.Int {
	if tx.Value == nil {
		return new(big.Int)
	}
	return tx.Value
}

// Receipt describes the outcome of one write.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Time        uint64
	Op          Op
	From        common.Address
	Succeeded   bool
	Err         error
	Events      []Event
}
