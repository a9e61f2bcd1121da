package rebalance

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/rebalance-agent/internal/events"
	"github.com/yourorg/rebalance-agent/internal/model"
	"github.com/yourorg/rebalance-agent/internal/types"
)

// WorkingSet is the engine's view of balances, built from the balance updates on the event bus
type WorkingSet struct {
	mu       sync.RWMutex
	balances map[types.ChainID]model.ChainTokenBalance
}

// NewWorkingSet creates an empty working set
func NewWorkingSet() *WorkingSet {
	return &WorkingSet{balances: make(map[types.ChainID]model.ChainTokenBalance)}
}

// Consume applies updates until ctx is cancelled or the channel is closed
func (w *WorkingSet) Consume(ctx context.Context, updates <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-updates:
			if !ok {
				return
			}
			w.Apply(e)
		}
	}
}

// Apply records a balance update. Other events and updates older than the held balance are ignored.
func (w *WorkingSet) Apply(e events.Event) {
	u, ok := e.(events.BalanceUpdate)
	if !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	current, ok := w.balances[u.Balance.ChainID]
	if ok && u.Balance.LastUpdated.Before(current.LastUpdated) {
		logrus.WithField("chain_id", u.Balance.ChainID).Debug("Ignoring out-of-order balance update")
		return
	}
	w.balances[u.Balance.ChainID] = u.Balance
}

// Snapshot returns the latest balance of every chain heard from
func (w *WorkingSet) Snapshot() map[types.ChainID]model.ChainTokenBalance {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[types.ChainID]model.ChainTokenBalance, len(w.balances))
	for id, b := range w.balances {
		out[id] = b
	}
	return out
}
