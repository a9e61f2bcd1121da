package rebalance

import (
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/rebalance-agent/internal/types"
)

const (
	DefaultBaseCooldown = 5 * time.Minute
	DefaultMaxCooldown  = 2 * time.Hour
)

type pairKey struct {
	chainID types.ChainID
	token   types.Token
}

type failureEntry struct {
	failures      int
	cooldownUntil time.Time
	backoff       *backoff.ExponentialBackOff
}

// PairStatus is the failure record of one chain and token
type PairStatus struct {
	ChainID       types.ChainID `json:"chain_id"`
	Token         types.Token   `json:"token"`
	Failures      int           `json:"consecutive_failures"`
	CooldownUntil time.Time     `json:"cooldown_until"`
}

// FailureTracker counts consecutive execution failures per chain and token and puts the pair
// into a cooldown that doubles with each failure
type FailureTracker struct {
	mu      sync.Mutex
	entries map[pairKey]*failureEntry
	base    time.Duration
	max     time.Duration
	now     func() time.Time
}

// NewFailureTracker creates a tracker with the default 5m to 2h cooldown range
func NewFailureTracker() *FailureTracker {
	return &FailureTracker{
		entries: make(map[pairKey]*failureEntry),
		base:    DefaultBaseCooldown,
		max:     DefaultMaxCooldown,
		now:     time.Now,
	}
}

// WithCooldowns sets the first and the largest cooldown
func (t *FailureTracker) WithCooldowns(base, max time.Duration) *FailureTracker {
	t.base, t.max = base, max
	return t
}

// WithClock replaces the time source
func (t *FailureTracker) WithClock(now func() time.Time) *FailureTracker {
	t.now = now
	return t
}

func (t *FailureTracker) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.base
	b.MaxInterval = t.max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RecordFailure counts a failure and returns the cooldown it imposed
func (t *FailureTracker) RecordFailure(chainID types.ChainID, token types.Token) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := pairKey{chainID, token}
	e, ok := t.entries[key]
	if !ok {
		e = &failureEntry{backoff: t.newBackOff()}
		t.entries[key] = e
	}
	e.failures++
	cooldown := e.backoff.NextBackOff()
	e.cooldownUntil = t.now().Add(cooldown)

	logrus.WithFields(logrus.Fields{
		"chain_id": chainID,
		"token":    token,
		"failures": e.failures,
		"cooldown": cooldown.String(),
	}).Warn("Rebalance pair in cooldown")
	return cooldown
}

// RecordSuccess clears the pair's failure count and cooldown
func (t *FailureTracker) RecordSuccess(chainID types.ChainID, token types.Token) {
	t.mu.Lock()
	delete(t.entries, pairKey{chainID, token})
	t.mu.Unlock()
}

// InCooldown reports whether the pair must not be used as a source yet
func (t *FailureTracker) InCooldown(chainID types.ChainID, token types.Token) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[pairKey{chainID, token}]
	return ok && t.now().Before(e.cooldownUntil)
}

// Failures returns the consecutive failure count of the pair
func (t *FailureTracker) Failures(chainID types.ChainID, token types.Token) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[pairKey{chainID, token}]; ok {
		return e.failures
	}
	return 0
}

// ExpireCooldowns clears cooldowns that have passed and returns how many it cleared. Failure
// counts are kept so the next failure escalates further.
func (t *FailureTracker) ExpireCooldowns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for _, e := range t.entries {
		if !e.cooldownUntil.IsZero() && !now.Before(e.cooldownUntil) {
			e.cooldownUntil = time.Time{}
			n++
		}
	}
	return n
}

// ActiveCooldowns returns the number of pairs currently in cooldown
func (t *FailureTracker) ActiveCooldowns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for _, e := range t.entries {
		if now.Before(e.cooldownUntil) {
			n++
		}
	}
	return n
}

// Statuses lists every pair with at least one recorded failure
func (t *FailureTracker) Statuses() []PairStatus {
	t.mu.Lock()
	out := make([]PairStatus, 0, len(t.entries))
	for k, e := range t.entries {
		out = append(out, PairStatus{ChainID: k.chainID, Token: k.token, Failures: e.failures, CooldownUntil: e.cooldownUntil})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ChainID != out[j].ChainID {
			return out[i].ChainID < out[j].ChainID
		}
		return out[i].Token < out[j].Token
	})
	return out
}
