// Package chain wraps the EVM JSON-RPC surface the agent depends on: balance and allowance
// reads, The Compact's forced-withdrawal calls, fee estimation and receipt polling.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/rebalance-agent/internal/types"
)

// ErrNoClient is returned when no RPC client is configured for a chain
var ErrNoClient = errors.New("no client configured for chain")

// Client is the subset of *ethclient.Client used by the agent
type Client interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
}

var _ Client = (*ethclient.Client)(nil)

// Registry maps chain ids to RPC clients
type Registry struct {
	mu      sync.RWMutex
	clients map[types.ChainID]Client
	closers []func()
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{clients: make(map[types.ChainID]Client)}
}

// Set registers the client for a chain
func (r *Registry) Set(chainID types.ChainID, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[chainID] = c
}

// Get returns the client for a chain, or ErrNoClient
func (r *Registry) Get(chainID types.ChainID) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoClient, chainID)
	}
	return c, nil
}

// Chains lists the chains that have a client, in ascending order
func (r *Registry) Chains() []types.ChainID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ChainID, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close closes every dialled connection
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.closers {
		c()
	}
	r.closers = nil
}

// Dial connects to every enabled chain that has an RPC endpoint. A chain that cannot be reached
// is logged and left out; requests for it later fail with ErrNoClient.
func Dial(ctx context.Context, chains map[types.ChainID]types.ChainConfig) *Registry {
	r := NewRegistry()
	for id, cfg := range chains {
		log := logrus.WithField("chain_id", id)
		if !cfg.Enabled {
			continue
		}
		if cfg.RPCEndpoint == "" {
			log.Warn("No RPC endpoint configured, chain disabled")
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := ethclient.DialContext(dialCtx, cfg.RPCEndpoint)
		if err == nil {
			var remote *big.Int
			remote, err = client.ChainID(dialCtx)
			if err == nil && remote.Uint64() != uint64(id) {
				err = fmt.Errorf("endpoint reports chain id %s", remote)
			}
			if err != nil {
				client.Close()
			}
		}
		cancel()
		if err != nil {
			log.WithError(err).Error("Failed to connect to RPC endpoint")
			continue
		}

		r.Set(id, client)
		r.closers = append(r.closers, client.Close)
		log.Info("Connected to RPC endpoint")
	}
	return r
}
