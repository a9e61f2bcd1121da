package rebalance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/yourorg/rebalance-agent/internal/types"
)

func TestFailureTracker_EscalatesCooldown(t *testing.T) {
	clock := newFakeClock()
	tr := NewFailureTracker().WithClock(clock.Now)

	expected := []time.Duration{
		5 * time.Minute,
		10 * time.Minute,
		20 * time.Minute,
		40 * time.Minute,
		80 * time.Minute,
		2 * time.Hour,
		2 * time.Hour,
	}
	for i, want := range expected {
		got := tr.RecordFailure(types.ChainBase, types.TokenUSDC)
		assert.Equal(t, want, got, "failure %d", i+1)
	}
	assert.Equal(t, len(expected), tr.Failures(types.ChainBase, types.TokenUSDC))
}

func TestFailureTracker_CooldownWindow(t *testing.T) {
	clock := newFakeClock()
	tr := NewFailureTracker().WithClock(clock.Now)

	assert.False(t, tr.InCooldown(types.ChainBase, types.TokenUSDC))
	tr.RecordFailure(types.ChainBase, types.TokenUSDC)

	assert.True(t, tr.InCooldown(types.ChainBase, types.TokenUSDC))
	assert.False(t, tr.InCooldown(types.ChainBase, types.TokenWETH))
	assert.False(t, tr.InCooldown(types.ChainArbitrum, types.TokenUSDC))
	assert.Equal(t, 1, tr.ActiveCooldowns())

	clock.Advance(5 * time.Minute)
	assert.False(t, tr.InCooldown(types.ChainBase, types.TokenUSDC))
	assert.Equal(t, 1, tr.ExpireCooldowns())
	assert.Equal(t, 0, tr.ActiveCooldowns())

	// the count survives expiry so the next failure escalates
	assert.Equal(t, 10*time.Minute, tr.RecordFailure(types.ChainBase, types.TokenUSDC))
}

func TestFailureTracker_SuccessResets(t *testing.T) {
	tr := NewFailureTracker()
	tr.RecordFailure(types.ChainBase, types.TokenUSDC)
	tr.RecordFailure(types.ChainBase, types.TokenUSDC)

	tr.RecordSuccess(types.ChainBase, types.TokenUSDC)

	assert.Equal(t, 0, tr.Failures(types.ChainBase, types.TokenUSDC))
	assert.False(t, tr.InCooldown(types.ChainBase, types.TokenUSDC))
	assert.Empty(t, tr.Statuses())
	assert.Equal(t, 5*time.Minute, tr.RecordFailure(types.ChainBase, types.TokenUSDC))
}

func TestFailureTracker_CustomBounds(t *testing.T) {
	tr := NewFailureTracker().WithCooldowns(time.Second, 3*time.Second)
	assert.Equal(t, time.Second, tr.RecordFailure(types.ChainBase, types.TokenETH))
	assert.Equal(t, 2*time.Second, tr.RecordFailure(types.ChainBase, types.TokenETH))
	assert.Equal(t, 3*time.Second, tr.RecordFailure(types.ChainBase, types.TokenETH))

	statuses := tr.Statuses()
	assert.Len(t, statuses, 1)
	assert.Equal(t, 3, statuses[0].Failures)
}
