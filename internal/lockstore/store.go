// Package lockstore holds the authoritative lifecycle state of every resource lock the agent
// knows about, together with the processing locks that keep two workers from driving the same
// resource lock at once.
package lockstore

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/rebalance-agent/internal/model"
	"github.com/yourorg/rebalance-agent/internal/types"
)

// DefaultMaxLockAge is how long a processing lock may be held before the sweep may release it
const DefaultMaxLockAge = 10 * time.Minute

// Lease is a held processing lock. Releasing a lease only has an effect while no newer lease
// has been granted for the same key.
type Lease struct {
	Key        model.LockKey
	Generation uint64
	AcquiredAt time.Time
}

type heldLock struct {
	generation uint64
	acquiredAt time.Time
	// revision of the lock state when the processing lock was taken
	revision uint64
}

// Store is safe for concurrent use
type Store struct {
	mu         sync.Mutex
	states     map[model.LockKey]model.LockState
	revisions  map[model.LockKey]uint64
	held       map[model.LockKey]heldLock
	generation uint64
	maxLockAge time.Duration
	now        func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces the time source, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMaxLockAge overrides DefaultMaxLockAge
func WithMaxLockAge(d time.Duration) Option {
	return func(s *Store) { s.maxLockAge = d }
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		states:     make(map[model.LockKey]model.LockState),
		revisions:  make(map[model.LockKey]uint64),
		held:       make(map[model.LockKey]heldLock),
		maxLockAge: DefaultMaxLockAge,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpdateState upserts the state of a lock and stamps LastUpdated. Concurrent writers to the same
// key are last-writer-wins. A write whose status is not reachable from the stored status is
// dropped and false is returned.
func (s *Store) UpdateState(chainID types.ChainID, lockID string, state model.LockState) bool {
	key := model.LockKey{ChainID: chainID, LockID: lockID}
	state = state.Clone()
	state.ChainID = chainID
	state.LockID = lockID
	if state.Status == "" {
		state.Status = model.LockDisabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.states[key]; ok && !current.Status.CanTransition(state.Status) {
		logrus.WithFields(logrus.Fields{
			"chain_id": chainID,
			"lock_id":  lockID,
			"from":     current.Status,
			"to":       state.Status,
		}).Warn("Ignoring illegal lock status transition")
		return false
	}

	state.LastUpdated = s.now()
	s.states[key] = state
	s.revisions[key]++
	return true
}

// Get returns a copy of the stored state
func (s *Store) Get(chainID types.ChainID, lockID string) (model.LockState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[model.LockKey{ChainID: chainID, LockID: lockID}]
	if !ok {
		return model.LockState{}, false
	}
	return state.Clone(), true
}

// All returns a snapshot of every known lock ordered by chain and lock id
func (s *Store) All() []model.LockState {
	s.mu.Lock()
	out := make([]model.LockState, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, state.Clone())
	}
	s.mu.Unlock()

	sortStates(out)
	return out
}

// GetProcessableLocks returns the locks that may start processing right now: enabled, not yet
// confirmed or failed, not held, and worth more than zero.
func (s *Store) GetProcessableLocks() []model.LockState {
	s.mu.Lock()
	out := make([]model.LockState, 0)
	for key, state := range s.states {
		if !processable(state) {
			continue
		}
		if _, held := s.held[key]; held {
			continue
		}
		out = append(out, state.Clone())
	}
	s.mu.Unlock()

	sortStates(out)
	return out
}

func processable(state model.LockState) bool {
	return state.Status == model.LockEnabled &&
		!state.WithdrawConfirmed &&
		state.FailureReason == model.FailureNone &&
		state.HasPositiveValue()
}

// TryAcquireProcessingLock marks the key held iff it was not held
func (s *Store) TryAcquireProcessingLock(chainID types.ChainID, lockID string) bool {
	_, ok := s.AcquireLease(chainID, lockID)
	return ok
}

// AcquireLease is TryAcquireProcessingLock returning the granted lease
func (s *Store) AcquireLease(chainID types.ChainID, lockID string) (Lease, bool) {
	key := model.LockKey{ChainID: chainID, LockID: lockID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.held[key]; held {
		return Lease{}, false
	}
	s.generation++
	h := heldLock{
		generation: s.generation,
		acquiredAt: s.now(),
		revision:   s.revisions[key],
	}
	s.held[key] = h
	return Lease{Key: key, Generation: h.generation, AcquiredAt: h.acquiredAt}, true
}

// ReleaseProcessingLock releases the key regardless of who holds it. Releasing an unheld key
// is a no-op.
func (s *Store) ReleaseProcessingLock(chainID types.ChainID, lockID string) {
	s.mu.Lock()
	delete(s.held, model.LockKey{ChainID: chainID, LockID: lockID})
	s.mu.Unlock()
}

// ReleaseLease releases the processing lock only if it is still held under this lease
func (s *Store) ReleaseLease(l Lease) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.held[l.Key]
	if !ok || h.generation != l.Generation {
		return false
	}
	delete(s.held, l.Key)
	return true
}

// IsHeld reports whether a processing lock exists for the key
func (s *Store) IsHeld(chainID types.ChainID, lockID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[model.LockKey{ChainID: chainID, LockID: lockID}]
	return ok
}

// HeldCount returns the number of processing locks currently held
func (s *Store) HeldCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// ClearExpiredLocks releases processing locks older than the maximum age whose lock state has
// not been written since the lock was taken. It returns the number released.
func (s *Store) ClearExpiredLocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	released := 0
	for key, h := range s.held {
		if now.Sub(h.acquiredAt) <= s.maxLockAge {
			continue
		}
		if s.revisions[key] != h.revision {
			continue
		}
		delete(s.held, key)
		released++
		logrus.WithFields(logrus.Fields{
			"chain_id": key.ChainID,
			"lock_id":  key.LockID,
			"held_for": now.Sub(h.acquiredAt).String(),
		}).Warn("Released expired processing lock")
	}
	return released
}

func sortStates(states []model.LockState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].ChainID != states[j].ChainID {
			return states[i].ChainID < states[j].ChainID
		}
		return states[i].LockID < states[j].LockID
	})
}
