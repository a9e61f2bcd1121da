// Package events carries typed updates from the periodic tasks to their consumers: the decision
// engine's working set and the live-update notifiers.
package events

import (
	"context"
	"time"

	"github.com/yourorg/rebalance-agent/internal/model"
	"github.com/yourorg/rebalance-agent/internal/types"
)

// Event is one of BalanceUpdate, PriceUpdate or FillDecision
type Event interface {
	Chain() types.ChainID
	Kind() string
}

// BalanceUpdate is published once per chain per successful balance cycle
type BalanceUpdate struct {
	Balance model.ChainTokenBalance
	// USD holds the valuation per token when prices were available
	USD map[types.Token]float64
}

func (e BalanceUpdate) Chain() types.ChainID { return e.Balance.ChainID }
func (e BalanceUpdate) Kind() string         { return "balance" }

// PriceUpdate is published when a fresh price sample was fetched
type PriceUpdate struct {
	Sample model.PriceSample
}

func (e PriceUpdate) Chain() types.ChainID { return e.Sample.ChainID }
func (e PriceUpdate) Kind() string         { return "price" }

// FillDecision is the agent's verdict on a broadcast intent
type FillDecision struct {
	ChainID   types.ChainID
	IntentID  string
	Fill      bool
	Reason    string
	Token     types.Token
	Amount    string
	DecidedAt time.Time
}

func (e FillDecision) Chain() types.ChainID { return e.ChainID }
func (e FillDecision) Kind() string         { return "fill" }

// Notifier pushes updates to observers. Implementations must be safe for concurrent use.
type Notifier interface {
	PublishBalanceUpdate(ctx context.Context, u BalanceUpdate) error
	PublishPriceUpdate(ctx context.Context, u PriceUpdate) error
	PublishFillDecision(ctx context.Context, d FillDecision) error
}

// dispatch calls the notifier method matching e
func dispatch(ctx context.Context, n Notifier, e Event) error {
	switch ev := e.(type) {
	case BalanceUpdate:
		return n.PublishBalanceUpdate(ctx, ev)
	case PriceUpdate:
		return n.PublishPriceUpdate(ctx, ev)
	case FillDecision:
		return n.PublishFillDecision(ctx, ev)
	}
	return nil
}
