package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/rebalance-agent/internal/aggregate"
	"github.com/yourorg/rebalance-agent/internal/chain"
	"github.com/yourorg/rebalance-agent/internal/events"
	"github.com/yourorg/rebalance-agent/internal/metrics"
	"github.com/yourorg/rebalance-agent/internal/model"
	"github.com/yourorg/rebalance-agent/internal/types"
)

// ErrAllChainsFailed is returned when no chain produced a result in a cycle
var ErrAllChainsFailed = errors.New("all chains failed")

// Publisher accepts events for fan-out
type Publisher interface {
	Publish(e events.Event)
}

// BalanceMonitor keeps the latest per-chain balances of the agent's account
type BalanceMonitor struct {
	registry *chain.Registry
	chains   map[types.ChainID]types.ChainConfig
	account  common.Address
	prices   TokenPricer
	bus      Publisher
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.RWMutex
	balances map[types.ChainID]model.ChainTokenBalance
}

// NewBalanceMonitor creates a monitor. bus and m may be nil.
func NewBalanceMonitor(registry *chain.Registry, chains map[types.ChainID]types.ChainConfig, account common.Address, prices TokenPricer, bus Publisher, m *metrics.Metrics) *BalanceMonitor {
	return &BalanceMonitor{
		registry: registry,
		chains:   chains,
		account:  account,
		prices:   prices,
		bus:      bus,
		metrics:  m,
		now:      time.Now,
		balances: make(map[types.ChainID]model.ChainTokenBalance),
	}
}

// Poll fetches every chain concurrently and publishes one update per chain that succeeded.
// A failing chain keeps its previous snapshot.
func (m *BalanceMonitor) Poll(ctx context.Context) error {
	ids := make([]types.ChainID, 0, len(m.chains))
	for id := range m.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	results := make([]*model.ChainTokenBalance, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			bal, err := m.fetchChain(ctx, id)
			if err != nil {
				logrus.WithError(err).WithField("chain_id", id).Warn("Balance fetch failed")
				return nil
			}
			results[i] = &bal
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, bal := range results {
		if bal == nil {
			continue
		}
		ok++
		m.mu.Lock()
		m.balances[bal.ChainID] = *bal
		m.mu.Unlock()
		m.publish(*bal)
	}

	if ok == 0 && len(ids) > 0 {
		return ErrAllChainsFailed
	}
	return nil
}

func (m *BalanceMonitor) fetchChain(ctx context.Context, chainID types.ChainID) (model.ChainTokenBalance, error) {
	client, err := m.registry.Get(chainID)
	if err != nil {
		return model.ChainTokenBalance{}, err
	}
	cfg := m.chains[chainID]

	native, err := client.BalanceAt(ctx, m.account, nil)
	if err != nil {
		return model.ChainTokenBalance{}, fmt.Errorf("native balance: %w", err)
	}
	bal := model.ChainTokenBalance{ChainID: chainID, Native: native}

	for _, t := range []types.Token{types.TokenWETH, types.TokenUSDC} {
		addr := cfg.TokenAddress(t)
		if addr == (common.Address{}) {
			continue
		}
		v, err := chain.BalanceOf(ctx, client, addr, m.account)
		if err != nil {
			return model.ChainTokenBalance{}, fmt.Errorf("%s balance: %w", t, err)
		}
		if t == types.TokenWETH {
			bal.WETH = v
		} else {
			bal.USDC = v
		}
	}
	bal.LastUpdated = m.now()
	return bal, nil
}

func (m *BalanceMonitor) publish(bal model.ChainTokenBalance) {
	usd := make(map[types.Token]float64)
	for _, t := range types.AllTokens {
		price, ok := m.prices.LatestTokenPrice(bal.ChainID, t)
		if !ok {
			continue
		}
		usd[t] = aggregate.USDValue(bal.Of(t), t, price)
		m.metrics.SetBalanceUSD(bal.ChainID, t, usd[t])
	}
	if m.bus != nil {
		m.bus.Publish(events.BalanceUpdate{Balance: bal, USD: usd})
	}
}

// Snapshot returns the latest balances of every chain fetched at least once
func (m *BalanceMonitor) Snapshot() map[types.ChainID]model.ChainTokenBalance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.ChainID]model.ChainTokenBalance, len(m.balances))
	for id, b := range m.balances {
		out[id] = b
	}
	return out
}

// Balance returns the latest balances of one chain
func (m *BalanceMonitor) Balance(chainID types.ChainID) (model.ChainTokenBalance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.balances[chainID]
	return b, ok
}
