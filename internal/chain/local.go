package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"PayLinkRelay/internal/ledger"
	"PayLinkRelay/internal/models"
)

var ErrNonceMismatch = errors.New("transaction nonce does not match account nonce")

// LocalNode serves the ledger ABI from an in-process ledger. Every accepted
// transaction is included immediately; reverted ones get a failed receipt,
// like on a real network.
type LocalNode struct {
	ledger *ledger.Ledger

	mu     sync.Mutex
	nonces map[common.Address]uint64
}

func NewLocalNode(l *ledger.Ledger) *LocalNode {
	return &LocalNode{ledger: l, nonces: map[common.Address]uint64{}}
}

func (n *LocalNode) Ledger() *ledger.Ledger {
	return n.ledger
}

func (n *LocalNode) ChainID(context.Context) (*big.Int, error) {
	return n.ledger.ChainID(), nil
}

func (n *LocalNode) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return n.ledger.BalanceOf(ctx, models.NativeToken, account)
}

func (n *LocalNode) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nonces[account], nil
}

func (n *LocalNode) CallContract(ctx context.Context, call Call) ([]byte, error) {
	if call.To != n.ledger.Address() {
		return nil, fmt.Errorf("no ledger at %s", call.To.Hex())
	}
	method, args, err := decodeCall(call.Data)
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "getBill":
		id := common.Hash(args[0].([32]byte))
		b, err := n.ledger.GetBill(ctx, id)
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(billTuple{
			Receiver:  b.Receiver,
			Token:     b.Token,
			Amount:    orZero(b.Amount),
			Paid:      b.Paid,
			CreatedAt: new(big.Int).SetUint64(b.CreatedAt),
			PaidAt:    new(big.Int).SetUint64(b.PaidAt),
			Payer:     b.Payer,
		})
	case "getNonce":
		nonce, err := n.ledger.GetNonce(ctx, args[0].(common.Address))
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(nonce)
	case "getUserBills":
		ids, err := n.ledger.GetUserBills(ctx, args[0].(common.Address))
		if err != nil {
			return nil, err
		}
		raw := make([][32]byte, len(ids))
		for i, id := range ids {
			raw[i] = id
		}
		return method.Outputs.Pack(raw)
	case "generateBillId":
		id := ledger.GenerateBillID(args[0].(common.Address), args[1].(*big.Int))
		return method.Outputs.Pack([32]byte(id))
	case "totalBills", "totalPaidBills":
		st, err := n.ledger.Stats(ctx)
		if err != nil {
			return nil, err
		}
		v := st.TotalBills
		if method.Name == "totalPaidBills" {
			v = st.TotalPaidBills
		}
		return method.Outputs.Pack(new(big.Int).SetUint64(v))
	default:
		return nil, fmt.Errorf("%w: %s is not a read", ErrUnknownMethod, method.Name)
	}
}

func (n *LocalNode) SendTransaction(ctx context.Context, key *ecdsa.PrivateKey, nonce uint64, call Call) (common.Hash, error) {
	if call.To != n.ledger.Address() {
		return common.Hash{}, fmt.Errorf("no ledger at %s", call.To.Hex())
	}
	method, args, err := decodeCall(call.Data)
	if err != nil {
		return common.Hash{}, err
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	// Holding the lock across execution keeps one account's transactions in
	// nonce order.
	n.mu.Lock()
	defer n.mu.Unlock()
	if want := n.nonces[from]; nonce != want {
		return common.Hash{}, fmt.Errorf("%w: got %d, account is at %d", ErrNonceMismatch, nonce, want)
	}

	msg := ledger.Msg{From: from, Value: call.Value}
	var r *ledger.Receipt
	switch method.Name {
	case "createBill":
		r, err = n.ledger.CreateBill(ctx, msg,
			common.Hash(args[0].([32]byte)), args[1].(common.Address), args[2].(common.Address), args[3].(*big.Int))
	case "payBill":
		r, err = n.ledger.PayBill(ctx, msg, common.Hash(args[0].([32]byte)))
	case "payBillWithAuthorization":
		t := *abi.ConvertType(args[0], new(authTuple)).(*authTuple)
		r, err = n.ledger.PayBillWithAuthorization(ctx, msg, models.Authorization{
			Authorizer:      t.Authorizer,
			BillID:          t.BillId,
			Nonce:           t.Nonce,
			ChainID:         t.ChainId,
			ContractAddress: t.ContractAddress,
			Signature:       t.Signature,
		})
	default:
		return common.Hash{}, fmt.Errorf("%w: %s is not a write", ErrUnknownMethod, method.Name)
	}
	if r == nil {
		// never reached the sequencer
		return common.Hash{}, err
	}
	n.nonces[from]++
	return r.TxHash, nil
}

func (n *LocalNode) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	r, found, err := n.ledger.Receipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrReceiptNotFound
	}
	out := &Receipt{
		TxHash:      r.TxHash,
		BlockNumber: r.BlockNumber,
		Status:      ReceiptStatusFailed,
		Reason:      r.Err,
		Events:      r.Events,
	}
	if r.Succeeded {
		out.Status = ReceiptStatusSuccessful
	}
	return out, nil
}

func (n *LocalNode) Close() {}

func decodeCall(data []byte) (*abi.Method, []any, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("%w: calldata too short", ErrUnknownMethod)
	}
	method, err := LedgerABI.MethodById(data[:4])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnknownMethod, err)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s args: %w", method.Name, err)
	}
	return method, args, nil
}
