package monitor

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/rebalance-agent/internal/circuitbreaker"
	"github.com/yourorg/rebalance-agent/internal/events"
	"github.com/yourorg/rebalance-agent/internal/metrics"
	"github.com/yourorg/rebalance-agent/internal/model"
	"github.com/yourorg/rebalance-agent/internal/types"
)

// PriceOracle is the part of fetch.Oracle the price poller drives
type PriceOracle interface {
	Chains() []types.ChainID
	GetPrice(ctx context.Context, chainID types.ChainID) (model.PriceSample, error)
	TokenPrice(ctx context.Context, chainID types.ChainID, token types.Token) (float64, error)
}

// BreakerStates exposes per-chain price breaker state
type BreakerStates interface {
	States() map[types.ChainID]circuitbreaker.State
}

// PricePoller keeps the oracle cache warm and publishes each new sample once
type PricePoller struct {
	oracle  PriceOracle
	bus     Publisher
	breaker BreakerStates
	metrics *metrics.Metrics

	mu        sync.Mutex
	published map[types.ChainID]model.PriceSample
}

// NewPricePoller creates a poller. bus, breaker and m may be nil.
func NewPricePoller(oracle PriceOracle, bus Publisher, breaker BreakerStates, m *metrics.Metrics) *PricePoller {
	return &PricePoller{
		oracle:    oracle,
		bus:       bus,
		breaker:   breaker,
		metrics:   m,
		published: make(map[types.ChainID]model.PriceSample),
	}
}

// Poll refreshes every chain's price. A chain whose price is unavailable is skipped.
func (p *PricePoller) Poll(ctx context.Context) error {
	chains := p.oracle.Chains()
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })

	ok := 0
	for _, id := range chains {
		sample, err := p.oracle.GetPrice(ctx, id)
		if err != nil {
			logrus.WithError(err).WithField("chain_id", id).Warn("Price unavailable this cycle")
			continue
		}
		ok++
		p.metrics.SetPrice(id, sample.Price)

		if _, err := p.oracle.TokenPrice(ctx, id, types.TokenUSDC); err != nil {
			logrus.WithError(err).WithField("chain_id", id).Warn("Stablecoin price unavailable this cycle")
		}

		p.mu.Lock()
		last, seen := p.published[id]
		fresh := !seen || !last.Timestamp.Equal(sample.Timestamp)
		if fresh {
			p.published[id] = sample
		}
		p.mu.Unlock()

		if fresh && p.bus != nil {
			p.bus.Publish(events.PriceUpdate{Sample: sample})
		}
	}

	if p.breaker != nil {
		for id, state := range p.breaker.States() {
			p.metrics.SetCircuitState(id, int(state))
		}
	}

	if ok == 0 && len(chains) > 0 {
		return ErrAllChainsFailed
	}
	return nil
}
