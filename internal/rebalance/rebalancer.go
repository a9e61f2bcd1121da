package rebalance

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/rebalance-agent/internal/types"
)

// Rebalancer runs one decision cycle: at most one proposal per token, executed in turn
type Rebalancer struct {
	engine   *Engine
	executor *Executor
}

// NewRebalancer ties the engine to an executor
func NewRebalancer(engine *Engine, executor *Executor) *Rebalancer {
	return &Rebalancer{engine: engine, executor: executor}
}

// Run evaluates every token once. Execution failures are recorded on their operations and do
// not fail the cycle.
func (r *Rebalancer) Run(ctx context.Context) error {
	if !r.engine.Config().Global.Enabled {
		return nil
	}
	var errs []error
	for _, token := range types.AllTokens {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p, err := r.engine.Propose(ctx, token)
		if errors.Is(err, ErrNoProposal) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		logrus.WithFields(logrus.Fields{
			"token":               token,
			"source":              p.Source,
			"destination":         p.Destination,
			"usd_value":           p.USDValue,
			"source_percent":      p.SourcePercent,
			"destination_percent": p.DestinationPercent,
		}).Info("Rebalance proposed")

		if _, err := r.executor.Execute(ctx, p); err != nil {
			logrus.WithError(err).WithField("token", token).Debug("Rebalance execution did not complete")
		}
	}
	return errors.Join(errs...)
}
