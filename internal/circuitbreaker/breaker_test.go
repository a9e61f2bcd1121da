package circuitbreaker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/rebalance-agent/internal/types"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreaker(clock *fakeClock) *CircuitBreaker {
	return New(Thresholds{MaxPriceChange: 0.25}).
		WithResetDelay(time.Minute).
		WithSuccessThreshold(2).
		WithClock(clock.Now)
}

func TestCircuitBreaker_BasicFunctionality(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newBreaker(clock)
	assert.Equal(t, StateClosed, cb.GetState(types.ChainEthereum), "Circuit breaker should start closed")

	require.NoError(t, cb.Check(types.ChainEthereum, 3000))
	require.NoError(t, cb.Check(types.ChainEthereum, 3100))
	assert.Equal(t, StateClosed, cb.GetState(types.ChainEthereum))
}

func TestCircuitBreaker_PriceJumpTrips(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newBreaker(clock)

	require.NoError(t, cb.Check(types.ChainBase, 3000))
	err := cb.Check(types.ChainBase, 6000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "price change too drastic")
	assert.Equal(t, StateOpen, cb.GetState(types.ChainBase))

	// other chains are unaffected
	require.NoError(t, cb.Check(types.ChainOptimism, 6000))
	assert.Equal(t, StateClosed, cb.GetState(types.ChainOptimism))
}

func TestCircuitBreaker_InvalidPrice(t *testing.T) {
	cb := newBreaker(&fakeClock{t: time.Unix(0, 0)})
	assert.Error(t, cb.Check(types.ChainArbitrum, 0))
	assert.Equal(t, StateOpen, cb.GetState(types.ChainArbitrum))
}

func TestCircuitBreaker_Bounds(t *testing.T) {
	cb := New(Thresholds{MinPrice: 100, MaxPrice: 100000})
	err := cb.Check(types.ChainEthereum, 50)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "price below minimum")

	cb.Reset()
	err = cb.Check(types.ChainEthereum, 200000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "price above maximum")
}

func TestCircuitBreaker_RejectsWhileOpen(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newBreaker(clock)

	require.NoError(t, cb.Check(types.ChainEthereum, 3000))
	require.Error(t, cb.Check(types.ChainEthereum, 9000))

	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, cb.Check(types.ChainEthereum, 3000), ErrOpen)
}

func TestCircuitBreaker_RecoversAfterConsistentSamples(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newBreaker(clock)

	require.NoError(t, cb.Check(types.ChainEthereum, 3000))
	require.Error(t, cb.Check(types.ChainEthereum, 4500))

	clock.Advance(2 * time.Minute)
	// first sample after the delay moves to half-open and counts as one success
	assert.ErrorIs(t, cb.Check(types.ChainEthereum, 4510), ErrOpen)
	assert.Equal(t, StateHalfOpen, cb.GetState(types.ChainEthereum))

	require.NoError(t, cb.Check(types.ChainEthereum, 4520))
	assert.Equal(t, StateClosed, cb.GetState(types.ChainEthereum))

	// the new level is the baseline now
	require.NoError(t, cb.Check(types.ChainEthereum, 4600))
}

func TestCircuitBreaker_HalfOpenRetrips(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := newBreaker(clock)

	require.NoError(t, cb.Check(types.ChainEthereum, 3000))
	require.Error(t, cb.Check(types.ChainEthereum, 6000))

	clock.Advance(2 * time.Minute)
	require.Error(t, cb.Check(types.ChainEthereum, 1000))
	assert.Equal(t, StateOpen, cb.GetState(types.ChainEthereum))
}

func TestCircuitBreaker_TripCallback(t *testing.T) {
	var called atomic.Int32
	done := make(chan types.ChainID, 1)
	cb := New(Thresholds{MaxPriceChange: 0.1}).WithTripCallback(func(chainID types.ChainID, reason string) {
		called.Add(1)
		done <- chainID
	})

	require.NoError(t, cb.Check(types.ChainUnichain, 100))
	require.Error(t, cb.Check(types.ChainUnichain, 200))

	select {
	case id := <-done:
		assert.Equal(t, types.ChainUnichain, id)
	case <-time.After(time.Second):
		t.Fatal("Trip callback was not called")
	}
	assert.Equal(t, int32(1), called.Load())
}

func TestCircuitBreaker_ResetAndStates(t *testing.T) {
	cb := New(Thresholds{MaxPriceChange: 0.1})
	require.NoError(t, cb.Check(types.ChainEthereum, 100))
	require.Error(t, cb.Check(types.ChainEthereum, 300))

	states := cb.States()
	assert.Equal(t, StateOpen, states[types.ChainEthereum])

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState(types.ChainEthereum))
	require.NoError(t, cb.Check(types.ChainEthereum, 300))
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
