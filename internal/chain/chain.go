// Package chain talks to ledger deployments: over JSON-RPC to an EVM network
// or in-process to a local ledger, behind the same Client interface.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"PayLinkRelay/internal/ledger"
	"PayLinkRelay/internal/models"
)

// ErrReceiptNotFound is returned by Client.TransactionReceipt while the
// transaction is not yet included.
var ErrReceiptNotFound = errors.New("receipt not found")

// Call is a contract invocation.
type Call struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
}

const (
	ReceiptStatusFailed     uint64 = 0
	ReceiptStatusSuccessful uint64 = 1
)

type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Status      uint64
	// Reason is the ledger error behind a failed status, when the network
	// lets us recover it.
	Reason error
	Events []ledger.Event
}

func (r *Receipt) Succeeded() bool {
	return r.Status == ReceiptStatusSuccessful
}

type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, call Call) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	// SendTransaction signs call with key at the given account nonce and
	// broadcasts it. A rejection carrying contract revert data is returned
	// wrapping the matching ledger error.
	SendTransaction(ctx context.Context, key *ecdsa.PrivateKey, nonce uint64, call Call) (common.Hash, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)
	Close()
}

// Contract binds the ledger's read methods to one deployment.
type Contract struct {
	client  Client
	address common.Address
}

func NewContract(client Client, address common.Address) *Contract {
	return &Contract{client: client, address: address}
}

func (c *Contract) Address() common.Address {
	return c.address
}

func (c *Contract) GetBill(ctx context.Context, billID common.Hash) (models.Bill, error) {
	data, err := PackGetBill(billID)
	if err != nil {
		return models.Bill{}, err
	}
	out, err := c.client.CallContract(ctx, Call{To: c.address, Data: data})
	if err != nil {
		return models.Bill{}, err
	}
	return UnpackBill(billID, out)
}

func (c *Contract) GetNonce(ctx context.Context, account common.Address) (*big.Int, error) {
	data, err := PackGetNonce(account)
	if err != nil {
		return nil, err
	}
	out, err := c.client.CallContract(ctx, Call{To: c.address, Data: data})
	if err != nil {
		return nil, err
	}
	return UnpackNonce(out)
}

func (c *Contract) GetUserBills(ctx context.Context, account common.Address) ([]common.Hash, error) {
	data, err := PackGetUserBills(account)
	if err != nil {
		return nil, err
	}
	out, err := c.client.CallContract(ctx, Call{To: c.address, Data: data})
	if err != nil {
		return nil, err
	}
	return UnpackUserBills(out)
}
