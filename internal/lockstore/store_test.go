package lockstore

import (
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/rebalance-agent/internal/model"
	"github.com/yourorg/rebalance-agent/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func usd(v float64) *float64 { return &v }

func enabledLock(value *float64) model.LockState {
	return model.LockState{Status: model.LockEnabled, Balance: big.NewInt(1000), USDValue: value}
}

func walk(t *testing.T, s *Store, chain types.ChainID, id string, statuses ...model.LockStatus) {
	t.Helper()
	for _, st := range statuses {
		require.True(t, s.UpdateState(chain, id, model.LockState{Status: st, USDValue: usd(10)}), "transition to %s", st)
	}
}

func TestTryAcquireProcessingLock_ExactlyOneWinner(t *testing.T) {
	s := New()
	const callers = 64

	var wins int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if s.TryAcquireProcessingLock(types.ChainBase, "1") {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.False(t, s.TryAcquireProcessingLock(types.ChainBase, "1"), "still held")

	s.ReleaseProcessingLock(types.ChainBase, "1")
	assert.True(t, s.TryAcquireProcessingLock(types.ChainBase, "1"), "free after release")
}

func TestReleaseProcessingLock_Idempotent(t *testing.T) {
	s := New()
	s.ReleaseProcessingLock(types.ChainBase, "missing")
	require.True(t, s.TryAcquireProcessingLock(types.ChainBase, "1"))
	s.ReleaseProcessingLock(types.ChainBase, "1")
	s.ReleaseProcessingLock(types.ChainBase, "1")
	assert.Equal(t, 0, s.HeldCount())
}

func TestUpdateState_StampsAndEnforcesForwardTransitions(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	require.True(t, s.UpdateState(types.ChainBase, "7", model.LockState{Status: model.LockDisabled}))
	got, ok := s.Get(types.ChainBase, "7")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), got.LastUpdated)
	assert.Equal(t, types.ChainBase, got.ChainID)

	assert.False(t, s.UpdateState(types.ChainBase, "7", model.LockState{Status: model.LockWithdrawn}),
		"disabled must not jump to withdrawn")
	got, _ = s.Get(types.ChainBase, "7")
	assert.Equal(t, model.LockDisabled, got.Status)

	walk(t, s, types.ChainBase, "7", model.LockPending, model.LockEnabled, model.LockProcessing,
		model.LockWithdrawing, model.LockWithdrawn)

	assert.False(t, s.UpdateState(types.ChainBase, "7", model.LockState{Status: model.LockEnabled}),
		"terminal state must not move backward")
}

func TestUpdateState_SameStatusIsLastWriterWins(t *testing.T) {
	s := New()
	require.True(t, s.UpdateState(types.ChainBase, "1", model.LockState{Status: model.LockDisabled, Balance: big.NewInt(1)}))
	require.True(t, s.UpdateState(types.ChainBase, "1", model.LockState{Status: model.LockDisabled, Balance: big.NewInt(2)}))

	got, _ := s.Get(types.ChainBase, "1")
	assert.Equal(t, int64(2), got.Balance.Int64())
}

func TestGetProcessableLocks_Filters(t *testing.T) {
	s := New()
	s.UpdateState(types.ChainBase, "good", enabledLock(usd(25)))
	s.UpdateState(types.ChainBase, "zero", enabledLock(usd(0)))
	s.UpdateState(types.ChainBase, "negative", enabledLock(usd(-1)))
	s.UpdateState(types.ChainBase, "unknown", enabledLock(nil))
	s.UpdateState(types.ChainBase, "disabled", model.LockState{Status: model.LockDisabled, USDValue: usd(50)})

	confirmed := enabledLock(usd(40))
	confirmed.WithdrawConfirmed = true
	s.UpdateState(types.ChainBase, "confirmed", confirmed)

	failed := enabledLock(usd(40))
	failed.FailureReason = model.FailureReverted
	s.UpdateState(types.ChainBase, "failed", failed)

	s.UpdateState(types.ChainOptimism, "held", enabledLock(usd(30)))
	require.True(t, s.TryAcquireProcessingLock(types.ChainOptimism, "held"))

	locks := s.GetProcessableLocks()
	require.Len(t, locks, 1)
	assert.Equal(t, "good", locks[0].LockID)

	// snapshot is a copy
	locks[0].Balance.SetInt64(0)
	again, _ := s.Get(types.ChainBase, "good")
	assert.Equal(t, int64(1000), again.Balance.Int64())
}

func TestClearExpiredLocks(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	s.UpdateState(types.ChainBase, "stale", enabledLock(usd(10)))
	s.UpdateState(types.ChainBase, "active", enabledLock(usd(10)))
	s.UpdateState(types.ChainBase, "young", enabledLock(usd(10)))

	require.True(t, s.TryAcquireProcessingLock(types.ChainBase, "stale"))
	require.True(t, s.TryAcquireProcessingLock(types.ChainBase, "active"))

	clock.Advance(5 * time.Minute)
	require.True(t, s.TryAcquireProcessingLock(types.ChainBase, "young"))
	// the worker holding "active" is still making progress
	s.UpdateState(types.ChainBase, "active", model.LockState{Status: model.LockProcessing, USDValue: usd(10)})

	clock.Advance(5*time.Minute + time.Second)
	assert.Equal(t, 1, s.ClearExpiredLocks())

	assert.False(t, s.IsHeld(types.ChainBase, "stale"), "old and untouched lock is released")
	assert.True(t, s.IsHeld(types.ChainBase, "active"), "state updated while held")
	assert.True(t, s.IsHeld(types.ChainBase, "young"), "younger than the ceiling")
}

func TestClearExpiredLocks_ExactlyAtCeilingIsKept(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	require.True(t, s.TryAcquireProcessingLock(types.ChainBase, "1"))

	clock.Advance(DefaultMaxLockAge)
	assert.Equal(t, 0, s.ClearExpiredLocks())
	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, s.ClearExpiredLocks())
}

func TestReleaseLease_StaleWorkerDoesNotReleaseNewerLease(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	first, ok := s.AcquireLease(types.ChainBase, "1")
	require.True(t, ok)

	clock.Advance(11 * time.Minute)
	require.Equal(t, 1, s.ClearExpiredLocks())

	second, ok := s.AcquireLease(types.ChainBase, "1")
	require.True(t, ok)

	assert.False(t, s.ReleaseLease(first), "stale lease must not release the newer one")
	assert.True(t, s.IsHeld(types.ChainBase, "1"))
	assert.True(t, s.ReleaseLease(second))
	assert.False(t, s.IsHeld(types.ChainBase, "1"))
}
