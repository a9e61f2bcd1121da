// Package intent decides whether the agent can fill broadcast intents from its own balances.
package intent

import (
	"context"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/rebalance-agent/internal/events"
	"github.com/yourorg/rebalance-agent/internal/model"
	"github.com/yourorg/rebalance-agent/internal/otel"
	"github.com/yourorg/rebalance-agent/internal/types"
	"github.com/yourorg/rebalance-agent/internal/validation"
)

// Rejection reasons carried by negative fill decisions
const (
	ReasonUnsupportedChain = "unsupported destination chain"
	ReasonUnknownToken     = "unsupported token"
	ReasonExpired          = "fill window expired"
	ReasonNoBalance        = "balance unknown"
	ReasonInsufficient     = "insufficient balance"
	ReasonNoGas            = "insufficient gas balance"
)

// BalanceSource returns the last fetched balances of a chain
type BalanceSource interface {
	Balance(chainID types.ChainID) (model.ChainTokenBalance, bool)
}

// Publisher forwards events to notifiers
type Publisher interface {
	Publish(e events.Event)
}

// Evaluator turns validated intents into fill decisions
type Evaluator struct {
	chains   map[types.ChainID]types.ChainConfig
	balances BalanceSource
	bus      Publisher
	minGas   *big.Int
	opts     validation.ValidationOptions
	now      func() time.Time
}

// NewEvaluator creates an evaluator keeping at least minGas native balance on the fill chain
func NewEvaluator(chains map[types.ChainID]types.ChainConfig, balances BalanceSource, bus Publisher, minGas *big.Int) *Evaluator {
	if minGas == nil {
		minGas = new(big.Int)
	}
	return &Evaluator{
		chains:   chains,
		balances: balances,
		bus:      bus,
		minGas:   minGas,
		opts:     validation.DefaultValidationOptions(),
		now:      time.Now,
	}
}

// WithClock replaces the time source for both validation and evaluation
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	e.opts.Now = now
	return e
}

// HandleBroadcast validates b and evaluates it. A malformed payload is returned as a
// *validation.ValidationError and produces no decision.
func (e *Evaluator) HandleBroadcast(ctx context.Context, b validation.Broadcast) (events.FillDecision, error) {
	in, err := validation.Validate(b, e.opts)
	if err != nil {
		return events.FillDecision{}, err
	}
	return e.Evaluate(ctx, in), nil
}

// Evaluate decides on a validated intent and publishes the decision
func (e *Evaluator) Evaluate(ctx context.Context, in validation.Intent) events.FillDecision {
	_, span := otel.StartSpan(ctx, "intent.evaluate")
	defer span.End()

	d := events.FillDecision{
		ChainID:   in.DestinationChainID,
		IntentID:  in.ID.Hex(),
		Amount:    in.MinimumAmount.String(),
		DecidedAt: e.now(),
	}
	token, reason := e.decide(in)
	d.Token = token
	d.Fill = reason == ""
	d.Reason = reason

	logrus.WithFields(logrus.Fields{
		"chain_id":  d.ChainID,
		"intent_id": d.IntentID,
		"token":     token.String(),
		"amount":    d.Amount,
		"fill":      d.Fill,
		"reason":    d.Reason,
	}).Info("Fill decision")

	if e.bus != nil {
		e.bus.Publish(d)
	}
	return d
}

func (e *Evaluator) decide(in validation.Intent) (types.Token, string) {
	cfg, ok := e.chains[in.DestinationChainID]
	if !ok || !cfg.Enabled {
		return 0, ReasonUnsupportedChain
	}
	token, ok := cfg.TokenForAddress(in.Token)
	if !ok {
		return 0, ReasonUnknownToken
	}
	if !in.FillExpires.After(e.now()) {
		return token, ReasonExpired
	}
	bal, ok := e.balances.Balance(in.DestinationChainID)
	if !ok {
		return token, ReasonNoBalance
	}

	native := bal.Of(types.TokenETH)
	if token == types.TokenETH {
		need := new(big.Int).Add(in.MinimumAmount, e.minGas)
		if native.Cmp(need) < 0 {
			return token, ReasonInsufficient
		}
		return token, ""
	}
	if bal.Of(token).Cmp(in.MinimumAmount) < 0 {
		return token, ReasonInsufficient
	}
	if native.Cmp(e.minGas) < 0 {
		return token, ReasonNoGas
	}
	return token, ""
}
