package monitor

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/rebalance-agent/internal/lockstore"
	"github.com/yourorg/rebalance-agent/internal/metrics"
)

// CooldownSweeper drops cooldowns that have run out
type CooldownSweeper interface {
	ExpireCooldowns() int
	ActiveCooldowns() int
}

// Sweeper releases stale processing locks and expired cooldowns
type Sweeper struct {
	store     *lockstore.Store
	cooldowns CooldownSweeper
	metrics   *metrics.Metrics
}

// NewSweeper creates a sweeper. cooldowns and m may be nil.
func NewSweeper(store *lockstore.Store, cooldowns CooldownSweeper, m *metrics.Metrics) *Sweeper {
	return &Sweeper{store: store, cooldowns: cooldowns, metrics: m}
}

// Sweep runs one pass
func (s *Sweeper) Sweep(ctx context.Context) error {
	released := s.store.ClearExpiredLocks()

	expired := 0
	if s.cooldowns != nil {
		expired = s.cooldowns.ExpireCooldowns()
		s.metrics.SetCooldowns(s.cooldowns.ActiveCooldowns())
	}

	counts := make(map[string]int)
	for _, state := range s.store.All() {
		counts[string(state.Status)]++
	}
	s.metrics.SetLockCounts(counts)
	s.metrics.SetProcessingLocks(s.store.HeldCount())

	if released > 0 || expired > 0 {
		logrus.WithFields(logrus.Fields{
			"locks_released":    released,
			"cooldowns_expired": expired,
		}).Info("Sweep released stale entries")
	}
	return nil
}
