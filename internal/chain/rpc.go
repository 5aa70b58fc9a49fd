package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// gasHeadroom is the percentage added on top of the node's gas estimate.
const gasHeadroom = 20

// RPCClient is a Client for one JSON-RPC endpoint.
type RPCClient struct {
	baseURL string
	eth     *ethclient.Client

	mu      sync.Mutex
	chainID *big.Int
}

func NewRPCClient(baseURL string) (*RPCClient, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	rc, err := rpc.DialOptions(context.Background(), baseURL,
		rpc.WithHTTPClient(&http.Client{Timeout: 10 * time.Second}))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", baseURL, err)
	}
	return &RPCClient{baseURL: baseURL, eth: ethclient.NewClient(rc)}, nil
}

func (c *RPCClient) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return new(big.Int).Set(id), nil
}

func (c *RPCClient) CallContract(ctx context.Context, call Call) ([]byte, error) {
	out, err := c.eth.CallContract(ctx, callMsg(call), nil)
	if err != nil {
		return nil, revertError("eth_call", err)
	}
	return out, nil
}

func (c *RPCClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, account, nil)
}

func (c *RPCClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, account)
}

func (c *RPCClient) SendTransaction(ctx context.Context, key *ecdsa.PrivateKey, nonce uint64, call Call) (common.Hash, error) {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	call.From = crypto.PubkeyToAddress(key.PublicKey)
	gas, err := c.eth.EstimateGas(ctx, callMsg(call))
	if err != nil {
		return common.Hash{}, revertError("estimate gas", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}
	to := call.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    orZero(call.Value),
		Gas:      gas + gas*gasHeadroom/100,
		GasPrice: gasPrice,
		Data:     call.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, revertError("send tx", err)
	}
	return signed.Hash(), nil
}

func (c *RPCClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	r, err := c.eth.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, err
	}
	out := &Receipt{
		TxHash:      hash,
		BlockNumber: r.BlockNumber.Uint64(),
		Status:      r.Status,
	}
	tx, _, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil || tx.To() == nil {
		return out, nil
	}
	out.Events = ParseLogs(*tx.To(), r.Logs)
	if r.Status == types.ReceiptStatusFailed {
		out.Reason = c.replayFailure(ctx, tx, r.BlockNumber)
	}
	return out, nil
}

// replayFailure re-executes a failed transaction against the parent block to
// recover the contract error. Best effort: nil when the node won't tell.
func (c *RPCClient) replayFailure(ctx context.Context, tx *types.Transaction, block *big.Int) error {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return nil
	}
	msg := ethereum.CallMsg{From: from, To: tx.To(), Gas: tx.Gas(), Value: tx.Value(), Data: tx.Data()}
	parent := new(big.Int).Sub(block, big.NewInt(1))
	if _, err = c.eth.CallContract(ctx, msg, parent); err == nil {
		return nil
	}
	return ledgerReason(err)
}

func (c *RPCClient) Close() {
	c.eth.Close()
}

func callMsg(call Call) ethereum.CallMsg {
	to := call.To
	return ethereum.CallMsg{From: call.From, To: &to, Value: call.Value, Data: call.Data}
}

// ledgerReason extracts a ledger error from JSON-RPC revert data.
func ledgerReason(err error) error {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil
	}
	s, ok := de.ErrorData().(string)
	if !ok {
		return nil
	}
	data, derr := hexutil.Decode(s)
	if derr != nil {
		return nil
	}
	return DecodeRevert(data)
}

func revertError(op string, err error) error {
	if reason := ledgerReason(err); reason != nil {
		return fmt.Errorf("%s: %w", op, reason)
	}
	return fmt.Errorf("%s: %w", op, err)
}
