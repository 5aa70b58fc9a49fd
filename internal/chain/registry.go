package chain

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Network describes one EVM network the relay can submit to.
type Network struct {
	ChainID       int64
	Name          string
	RPCURLs       []string
	WSURL         string
	LedgerAddress common.Address
	ExplorerURL   string
	// FailoverThreshold is how many consecutive endpoint failures rotate
	// the RPC client to the next URL. Zero means 3.
	FailoverThreshold int
}

const (
	MorphHoleskyChainID int64 = 2810
	MorphMainnetChainID int64 = 2818
)

// DefaultNetworks are used when the configuration names none. Mainnet has
// no ledger deployment yet; requests must name the contract explicitly.
func DefaultNetworks() []Network {
	return []Network{
		{
			ChainID:       MorphHoleskyChainID,
			Name:          "Morph Holesky",
			RPCURLs:       []string{"https://rpc-quicknode-holesky.morphl2.io"},
			LedgerAddress: common.HexToAddress("0xD6d13Fd49eF678b692eAd8EdfC85646E2e0C3195"),
			ExplorerURL:   "https://explorer-holesky.morphl2.io",
		},
		{
			ChainID:     MorphMainnetChainID,
			Name:        "Morph Mainnet",
			RPCURLs:     []string{"https://rpc-quicknode.morphl2.io"},
			ExplorerURL: "https://explorer.morphl2.io",
		},
	}
}

type Binding struct {
	Network Network
	Client  Client
}

// Registry maps chain ids to live clients.
type Registry struct {
	mu       sync.RWMutex
	bindings map[int64]*Binding
}

func NewRegistry() *Registry {
	return &Registry{bindings: map[int64]*Binding{}}
}

func (r *Registry) Register(n Network, c Client) (*Binding, error) {
	if n.ChainID <= 0 {
		return nil, errors.New("network chain id must be positive")
	}
	if c == nil {
		return nil, fmt.Errorf("network %d has no client", n.ChainID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bindings[n.ChainID]; ok {
		return nil, fmt.Errorf("network %d registered twice", n.ChainID)
	}
	b := &Binding{Network: n, Client: c}
	r.bindings[n.ChainID] = b
	return b, nil
}

// Dial opens a failover JSON-RPC client for n and registers it.
func (r *Registry) Dial(n Network) (*Binding, error) {
	threshold := n.FailoverThreshold
	if threshold <= 0 {
		threshold = 3
	}
	c, err := NewMultiRPCClient(n.RPCURLs, threshold)
	if err != nil {
		return nil, fmt.Errorf("network %d: %w", n.ChainID, err)
	}
	b, err := r.Register(n, c)
	if err != nil {
		c.Close()
		return nil, err
	}
	return b, nil
}

func (r *Registry) Lookup(chainID *big.Int) (*Binding, bool) {
	if chainID == nil || !chainID.IsInt64() {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[chainID.Int64()]
	return b, ok
}

func (r *Registry) ChainIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.bindings))
	for id := range r.bindings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, b := range r.bindings {
		b.Client.Close()
		delete(r.bindings, id)
	}
}
