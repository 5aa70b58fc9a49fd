package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"PayLinkRelay/internal/ledger"
)

// MultiRPCClient spreads calls over several endpoints of the same network,
// rotating away from an endpoint after failThreshold consecutive failures.
type MultiRPCClient struct {
	clients       []*RPCClient
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewMultiRPCClient(endpoints []string, failThreshold int) (*MultiRPCClient, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("rpc endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	clients := make([]*RPCClient, 0, len(list))
	for _, ep := range list {
		c, err := NewRPCClient(ep)
		if err != nil {
			for _, opened := range clients {
				opened.Close()
			}
			return nil, err
		}
		clients = append(clients, c)
	}
	return &MultiRPCClient{clients: clients, failThreshold: failThreshold}, nil
}

func (m *MultiRPCClient) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index].baseURL
}

func (m *MultiRPCClient) ChainID(ctx context.Context) (*big.Int, error) {
	return failover(ctx, m, func(c *RPCClient) (*big.Int, error) { return c.ChainID(ctx) })
}

func (m *MultiRPCClient) CallContract(ctx context.Context, call Call) ([]byte, error) {
	return failover(ctx, m, func(c *RPCClient) ([]byte, error) { return c.CallContract(ctx, call) })
}

func (m *MultiRPCClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return failover(ctx, m, func(c *RPCClient) (*big.Int, error) { return c.BalanceAt(ctx, account) })
}

func (m *MultiRPCClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return failover(ctx, m, func(c *RPCClient) (uint64, error) { return c.PendingNonceAt(ctx, account) })
}

// SendTransaction may re-sign on another endpoint after a failure. The
// account nonce is fixed by the caller, so at most one of the copies can be
// included.
func (m *MultiRPCClient) SendTransaction(ctx context.Context, key *ecdsa.PrivateKey, nonce uint64, call Call) (common.Hash, error) {
	return failover(ctx, m, func(c *RPCClient) (common.Hash, error) {
		return c.SendTransaction(ctx, key, nonce, call)
	})
}

func (m *MultiRPCClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	return failover(ctx, m, func(c *RPCClient) (*Receipt, error) { return c.TransactionReceipt(ctx, hash) })
}

func (m *MultiRPCClient) Close() {
	for _, c := range m.clients {
		c.Close()
	}
}

// failover runs fn against the current endpoint and then, on transport
// errors, against each other endpoint once. The current endpoint only
// changes after failThreshold consecutive failures. Answers from the ledger
// itself (reverts, missing receipts) are final and are not retried.
func failover[T any](ctx context.Context, m *MultiRPCClient, fn func(*RPCClient) (T, error)) (T, error) {
	m.mu.Lock()
	start := m.index
	m.mu.Unlock()

	var zero T
	var lastErr error
	for i := range m.clients {
		idx := (start + i) % len(m.clients)
		out, err := fn(m.clients[idx])
		if err == nil || isFinal(err) {
			m.succeeded(idx)
			return out, err
		}
		lastErr = err
		m.failed(idx)
		if ctx.Err() != nil {
			break
		}
	}
	return zero, lastErr
}

func isFinal(err error) bool {
	return errors.Is(err, ErrReceiptNotFound) || ledger.Code(err) != ""
}

func (m *MultiRPCClient) succeeded(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

// failed counts a failure against the current endpoint and rotates once the
// threshold is reached. Failures of fallback endpoints are not counted.
func (m *MultiRPCClient) failed(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index != idx {
		return
	}
	m.failCount++
	if m.failCount >= m.failThreshold {
		m.index = (m.index + 1) % len(m.clients)
		m.failCount = 0
	}
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
