package rebalance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/rebalance-agent/internal/aggregate"
	"github.com/yourorg/rebalance-agent/internal/config"
	"github.com/yourorg/rebalance-agent/internal/model"
	"github.com/yourorg/rebalance-agent/internal/types"
)

// ErrNoProposal means no source and destination pair satisfies every constraint this cycle
var ErrNoProposal = errors.New("no rebalance proposal")

// BalanceSource provides the latest per-chain balances
type BalanceSource interface {
	Snapshot() map[types.ChainID]model.ChainTokenBalance
}

// PriceSource provides cached token prices
type PriceSource interface {
	LatestTokenPrice(chainID types.ChainID, token types.Token) (float64, bool)
}

// CooldownChecker reports failure cooldowns
type CooldownChecker interface {
	InCooldown(chainID types.ChainID, token types.Token) bool
}

// Proposal is a single transfer the engine wants made
type Proposal struct {
	Token              types.Token
	Source             types.ChainID
	Destination        types.ChainID
	Amount             *big.Int
	USDValue           float64
	SourcePercent      float64
	DestinationPercent float64
}

// Engine turns balances, prices and the rebalance configuration into proposals
type Engine struct {
	cfg       config.RebalanceConfig
	balances  BalanceSource
	prices    PriceSource
	cooldowns CooldownChecker
	ops       OperationStore
	now       func() time.Time
}

// NewEngine creates a decision engine
func NewEngine(cfg config.RebalanceConfig, balances BalanceSource, prices PriceSource, cooldowns CooldownChecker, ops OperationStore) *Engine {
	return &Engine{
		cfg:       cfg,
		balances:  balances,
		prices:    prices,
		cooldowns: cooldowns,
		ops:       ops,
		now:       time.Now,
	}
}

// WithClock replaces the time source
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Config returns the rebalance configuration the engine decides with
func (e *Engine) Config() config.RebalanceConfig {
	return e.cfg
}

// Enabled reports whether token is rebalanced at all
func (e *Engine) Enabled(token types.Token) bool {
	return e.cfg.Global.Enabled && e.cfg.Global.Tokens[token]
}

// Portfolio values token across every chain that rebalances it. It fails when any of those
// chains lacks a balance or a price, since shares computed over part of the chains are wrong.
func (e *Engine) Portfolio(token types.Token) (aggregate.Portfolio, error) {
	snapshot := e.balances.Snapshot()

	holdings := make([]aggregate.Holding, 0, len(e.cfg.Chains))
	for id, cc := range e.cfg.Chains {
		if !cc.TokenEnabled(token) {
			continue
		}
		bal, ok := snapshot[id]
		if !ok {
			return aggregate.Portfolio{}, fmt.Errorf("no balance for chain %d", id)
		}
		price, ok := e.prices.LatestTokenPrice(id, token)
		if !ok || price <= 0 {
			return aggregate.Portfolio{}, fmt.Errorf("no %s price for chain %d", token, id)
		}
		holdings = append(holdings, aggregate.Holding{ChainID: id, Amount: bal.Of(token), Price: price})
	}
	return aggregate.Build(token, holdings), nil
}

type destination struct {
	chainID types.ChainID
	gap     float64 // percentage points below target
	deficit float64 // USD below target
}

type source struct {
	chainID  types.ChainID
	priority int
	excess   float64 // USD above target
}

// Propose returns at most one transfer for token. Destinations are chains below both their
// trigger threshold and their target, furthest below target first; sources are chains above
// their target with a positive source priority, lowest priority first. The first pair whose
// transferable value falls inside the global bounds wins.
func (e *Engine) Propose(ctx context.Context, token types.Token) (Proposal, error) {
	if !e.Enabled(token) {
		return Proposal{}, ErrNoProposal
	}
	p, err := e.Portfolio(token)
	if err != nil {
		logrus.WithError(err).WithField("token", token).Debug("Skipping rebalance, incomplete data")
		return Proposal{}, ErrNoProposal
	}
	if p.TotalUSD <= 0 {
		return Proposal{}, ErrNoProposal
	}

	inbound, err := e.inFlightDestinations(ctx, token)
	if err != nil {
		return Proposal{}, err
	}

	var dests []destination
	var sources []source
	for _, id := range p.ChainIDs() {
		cc := e.cfg.Chains[id]
		pct := p.Percent(id)

		if cc.CanBeDestination && cc.TriggerThreshold > 0 && pct < cc.TriggerThreshold && pct < cc.TargetPercentage {
			if inbound[id] {
				logrus.WithFields(logrus.Fields{"chain_id": id, "token": token}).Debug("Destination already has a transfer in flight")
			} else {
				dests = append(dests, destination{chainID: id, gap: cc.TargetPercentage - pct, deficit: -p.DeviationUSD(id, cc.TargetPercentage)})
			}
		}
		if cc.SourcePriority > 0 && pct > cc.TargetPercentage {
			excess := p.DeviationUSD(id, cc.TargetPercentage)
			if token.IsNative() {
				excess = math.Min(excess, e.spendableNativeUSD(p.Chains[id]))
			}
			if excess > 0 {
				sources = append(sources, source{chainID: id, priority: cc.SourcePriority, excess: excess})
			}
		}
	}

	sort.SliceStable(dests, func(i, j int) bool { return dests[i].gap > dests[j].gap })
	sort.SliceStable(sources, func(i, j int) bool { return sources[i].priority < sources[j].priority })

	g := e.cfg.Global
	for _, d := range dests {
		for _, s := range sources {
			if s.chainID == d.chainID {
				continue
			}
			ok, err := e.sourceReady(ctx, s.chainID, token)
			if err != nil {
				return Proposal{}, err
			}
			if !ok {
				continue
			}

			usd := math.Min(s.excess, d.deficit)
			// a larger imbalance is worked off in max-sized steps over several cycles
			if g.MaxRebalanceUSD > 0 && usd > g.MaxRebalanceUSD {
				usd = g.MaxRebalanceUSD
			}
			if usd < g.MinRebalanceUSD || usd <= 0 {
				continue
			}
			share := p.Chains[s.chainID]
			amount := aggregate.FromUSD(usd, token, share.Price)
			if amount.Sign() <= 0 {
				continue
			}
			return Proposal{
				Token:              token,
				Source:             s.chainID,
				Destination:        d.chainID,
				Amount:             amount,
				USDValue:           usd,
				SourcePercent:      share.Percent,
				DestinationPercent: p.Percent(d.chainID),
			}, nil
		}
	}
	return Proposal{}, ErrNoProposal
}

// sourceReady checks the failure cooldown and the minimum spacing between operations
func (e *Engine) sourceReady(ctx context.Context, chainID types.ChainID, token types.Token) (bool, error) {
	if e.cooldowns != nil && e.cooldowns.InCooldown(chainID, token) {
		logrus.WithFields(logrus.Fields{"chain_id": chainID, "token": token}).Debug("Source in failure cooldown")
		return false, nil
	}
	if e.ops == nil || e.cfg.Global.Cooldown <= 0 {
		return true, nil
	}
	last, ok, err := e.ops.LastOperationTime(ctx, chainID, token)
	if err != nil {
		return false, fmt.Errorf("last operation time: %w", err)
	}
	if ok && e.now().Sub(last) < e.cfg.Global.Cooldown {
		return false, nil
	}
	return true, nil
}

// spendableNativeUSD is the native balance above the gas reserve, in USD
func (e *Engine) spendableNativeUSD(share aggregate.ChainShare) float64 {
	spendable := new(big.Int).Sub(share.Amount, e.cfg.Global.MinGasBalance())
	if spendable.Sign() <= 0 {
		return 0
	}
	return aggregate.USDValue(spendable, types.TokenETH, share.Price)
}

// inFlightDestinations lists chains already receiving token from an unfinished operation.
// Their balances do not yet show the transfer, so proposing again would overshoot.
func (e *Engine) inFlightDestinations(ctx context.Context, token types.Token) (map[types.ChainID]bool, error) {
	out := make(map[types.ChainID]bool)
	if e.ops == nil {
		return out, nil
	}
	for _, status := range []model.OperationStatus{model.OperationPending, model.OperationProcessing} {
		ops, err := e.ops.ListByStatus(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("list %s operations: %w", status, err)
		}
		for _, op := range ops {
			if op.Token == token {
				out[op.DestinationChainID] = true
			}
		}
	}
	return out, nil
}
