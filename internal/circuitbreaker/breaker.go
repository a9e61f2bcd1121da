// Package circuitbreaker guards the price feed against erroneous samples. A chain's breaker
// trips when a new price jumps too far from the last accepted one, and recovers once the feed
// has agreed with itself for long enough.
package circuitbreaker

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/rebalance-agent/internal/types"
)

// State represents the current state of a chain's circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, samples rejected
	StateHalfOpen              // Testing if the feed has settled
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrOpen is returned while a breaker rejects samples
var ErrOpen = errors.New("circuit breaker open: price feed protection engaged")

// Thresholds defines the limits that will trigger the circuit breaker
type Thresholds struct {
	// Maximum allowed relative change between consecutive samples (e.g., 0.25 for 25%)
	MaxPriceChange float64 `json:"max_price_change" yaml:"max_price_change"`

	// Absolute sanity bounds; zero disables a bound
	MinPrice float64 `json:"min_price" yaml:"min_price"`
	MaxPrice float64 `json:"max_price" yaml:"max_price"`
}

type chainBreaker struct {
	state        State
	lastTrip     time.Time
	lastAccepted float64
	lastObserved float64
	successCount int
}

// CircuitBreaker keeps one breaker per chain
type CircuitBreaker struct {
	thresholds       Thresholds
	resetDelay       time.Duration
	successThreshold int
	now              func() time.Time

	mu     sync.Mutex
	chains map[types.ChainID]*chainBreaker

	onTripCallback func(chainID types.ChainID, reason string)
}

// New creates a new CircuitBreaker with the provided thresholds
func New(t Thresholds) *CircuitBreaker {
	return &CircuitBreaker{
		thresholds:       t,
		resetDelay:       5 * time.Minute,
		successThreshold: 2,
		now:              time.Now,
		chains:           make(map[types.ChainID]*chainBreaker),
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of consistent samples needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithClock replaces the time source
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// WithTripCallback sets a callback function that is called when a chain's circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(chainID types.ChainID, reason string)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// Check evaluates a new price sample for a chain. A nil error means the sample may be used.
func (cb *CircuitBreaker) Check(chainID types.ChainID, price float64) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	b := cb.chain(chainID)
	defer func() { b.lastObserved = price }()

	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return cb.trip(chainID, b, fmt.Sprintf("invalid price %v", price))
	}
	if cb.thresholds.MinPrice > 0 && price < cb.thresholds.MinPrice {
		return cb.trip(chainID, b, fmt.Sprintf("price below minimum: %f < %f", price, cb.thresholds.MinPrice))
	}
	if cb.thresholds.MaxPrice > 0 && price > cb.thresholds.MaxPrice {
		return cb.trip(chainID, b, fmt.Sprintf("price above maximum: %f > %f", price, cb.thresholds.MaxPrice))
	}

	if b.state == StateOpen {
		if cb.now().Sub(b.lastTrip) <= cb.resetDelay {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.successCount = 0
		logrus.WithField("chain_id", chainID).Info("Circuit breaker half-open: testing price feed recovery")
	}

	// while half-open the feed is compared with itself, so a genuine move can be re-baselined
	reference := b.lastAccepted
	if b.state == StateHalfOpen {
		reference = b.lastObserved
	}

	if reference > 0 && cb.thresholds.MaxPriceChange > 0 {
		change := math.Abs(price-reference) / reference
		if change > cb.thresholds.MaxPriceChange {
			return cb.trip(chainID, b, fmt.Sprintf("price change too drastic: %.2f%% (threshold: %.2f%%)",
				change*100, cb.thresholds.MaxPriceChange*100))
		}
	}

	if b.state == StateHalfOpen {
		b.successCount++
		if b.successCount < cb.successThreshold {
			return ErrOpen
		}
		b.state = StateClosed
		b.successCount = 0
		logrus.WithField("chain_id", chainID).Info("Circuit breaker closed: price feed has recovered")
	}

	b.lastAccepted = price
	return nil
}

// GetState returns the state of a chain's breaker
func (cb *CircuitBreaker) GetState(chainID types.ChainID) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if b, ok := cb.chains[chainID]; ok {
		return b.state
	}
	return StateClosed
}

// States returns the state of every chain that has seen a sample
func (cb *CircuitBreaker) States() map[types.ChainID]State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	out := make(map[types.ChainID]State, len(cb.chains))
	for id, b := range cb.chains {
		out[id] = b.state
	}
	return out
}

// Reset forcibly closes every breaker and forgets the accepted baselines
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.chains = make(map[types.ChainID]*chainBreaker)
	logrus.Info("Circuit breaker manually reset to closed state")
}

func (cb *CircuitBreaker) chain(chainID types.ChainID) *chainBreaker {
	b, ok := cb.chains[chainID]
	if !ok {
		b = &chainBreaker{state: StateClosed}
		cb.chains[chainID] = b
	}
	return b
}

// trip sets the chain's breaker to open state with the current time
func (cb *CircuitBreaker) trip(chainID types.ChainID, b *chainBreaker, reason string) error {
	b.state = StateOpen
	b.lastTrip = cb.now()
	b.successCount = 0
	logrus.WithField("chain_id", chainID).Warnf("Circuit breaker tripped: %s", reason)

	if cb.onTripCallback != nil {
		go cb.onTripCallback(chainID, reason)
	}
	return errors.New(reason)
}
