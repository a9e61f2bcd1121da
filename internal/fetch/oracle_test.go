package fetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/rebalance-agent/internal/model"
	"github.com/yourorg/rebalance-agent/internal/types"
)

type fakeSource struct {
	mu     sync.Mutex
	prices map[string]float64
	err    error
	calls  atomic.Int32
	delay  time.Duration
}

func (f *fakeSource) FetchUSD(ctx context.Context, assetID string) (float64, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	p, ok := f.prices[assetID]
	if !ok {
		return 0, &PriceFetchError{AssetID: assetID, Err: errors.New("unknown asset")}
	}
	return p, nil
}

func (f *fakeSource) set(assetID string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[assetID] = price
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestOracle(src *fakeSource, clock *fakeClock, opts ...OracleOption) *Oracle {
	opts = append([]OracleOption{WithOracleClock(clock.Now)}, opts...)
	return NewOracle(src, map[types.ChainID]string{
		types.ChainEthereum: "ethereum",
		types.ChainBase:     "ethereum",
	}, opts...)
}

func TestOracle_CachesWithinTTL(t *testing.T) {
	src := &fakeSource{prices: map[string]float64{"ethereum": 3000}}
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	o := newTestOracle(src, clock)

	first, err := o.GetPrice(context.Background(), types.ChainEthereum)
	require.NoError(t, err)

	src.set("ethereum", 3500)
	clock.Advance(10 * time.Second)

	second, err := o.GetPrice(context.Background(), types.ChainEthereum)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestOracle_RefetchesAfterTTL(t *testing.T) {
	src := &fakeSource{prices: map[string]float64{"ethereum": 3000}}
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	o := newTestOracle(src, clock)

	_, err := o.GetPrice(context.Background(), types.ChainEthereum)
	require.NoError(t, err)

	src.set("ethereum", 3500)
	clock.Advance(DefaultPriceTTL)

	sample, err := o.GetPrice(context.Background(), types.ChainEthereum)
	require.NoError(t, err)
	assert.Equal(t, 3500.0, sample.Price)
	assert.Equal(t, int32(2), src.calls.Load())
	assert.Equal(t, clock.Now(), sample.Timestamp)
}

func TestOracle_CachesPerChain(t *testing.T) {
	src := &fakeSource{prices: map[string]float64{"ethereum": 3000}}
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	o := newTestOracle(src, clock)

	_, err := o.GetPrice(context.Background(), types.ChainEthereum)
	require.NoError(t, err)
	_, err = o.GetPrice(context.Background(), types.ChainBase)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestOracle_UnsupportedChain(t *testing.T) {
	src := &fakeSource{prices: map[string]float64{}}
	o := newTestOracle(src, &fakeClock{t: time.Unix(0, 0)})

	_, err := o.GetPrice(context.Background(), types.ChainID(999))
	require.ErrorIs(t, err, ErrUnsupportedChain)
	assert.Equal(t, int32(0), src.calls.Load())
}

func TestOracle_FetchErrorCarriesChain(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	o := newTestOracle(src, &fakeClock{t: time.Unix(0, 0)})

	_, err := o.GetPrice(context.Background(), types.ChainBase)
	var pfe *PriceFetchError
	require.True(t, errors.As(err, &pfe))
	assert.Equal(t, types.ChainBase, pfe.ChainID)
	assert.Equal(t, "ethereum", pfe.AssetID)

	_, ok := o.Latest(types.ChainBase)
	assert.False(t, ok, "failed fetch must not populate the cache")
}

func TestOracle_ConcurrentMissesShareFetch(t *testing.T) {
	src := &fakeSource{prices: map[string]float64{"ethereum": 3000}, delay: 50 * time.Millisecond}
	o := newTestOracle(src, &fakeClock{t: time.Unix(0, 0)})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sample, err := o.GetPrice(context.Background(), types.ChainEthereum)
			assert.NoError(t, err)
			assert.Equal(t, 3000.0, sample.Price)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestOracle_CancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	src := &fakeSource{prices: map[string]float64{"ethereum": 3000}, delay: 100 * time.Millisecond}
	o := newTestOracle(src, &fakeClock{t: time.Unix(0, 0)})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := o.GetPrice(ctx, types.ChainEthereum)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan model.PriceSample, 1)
	go func() {
		sample, err := o.GetPrice(context.Background(), types.ChainEthereum)
		assert.NoError(t, err)
		second <- sample
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-firstErr
	require.ErrorIs(t, err, context.Canceled)
	var pfe *PriceFetchError
	assert.True(t, errors.As(err, &pfe))

	assert.Equal(t, 3000.0, (<-second).Price)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestOracle_LatestServesStale(t *testing.T) {
	src := &fakeSource{prices: map[string]float64{"ethereum": 3000}}
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	o := newTestOracle(src, clock)

	_, err := o.GetPrice(context.Background(), types.ChainEthereum)
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	sample, ok := o.Latest(types.ChainEthereum)
	require.True(t, ok)
	assert.Equal(t, 3000.0, sample.Price)
	assert.Equal(t, int32(1), src.calls.Load())
}

type rejectAll struct{}

func (rejectAll) Check(types.ChainID, float64) error { return errors.New("tripped") }

func TestOracle_SampleCheckerRejects(t *testing.T) {
	src := &fakeSource{prices: map[string]float64{"ethereum": 3000}}
	o := newTestOracle(src, &fakeClock{t: time.Unix(0, 0)}, WithSampleChecker(rejectAll{}))

	_, err := o.GetPrice(context.Background(), types.ChainEthereum)
	var pfe *PriceFetchError
	require.True(t, errors.As(err, &pfe))
	_, ok := o.Latest(types.ChainEthereum)
	assert.False(t, ok)
}

func TestOracle_TokenPrice(t *testing.T) {
	src := &fakeSource{prices: map[string]float64{"ethereum": 3000, "usd-coin": 0.998}}
	clock := &fakeClock{t: time.Unix(0, 0)}

	pegged := newTestOracle(src, clock)
	p, err := pegged.TokenPrice(context.Background(), types.ChainBase, types.TokenUSDC)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p)
	assert.Equal(t, int32(0), src.calls.Load())

	p, err = pegged.TokenPrice(context.Background(), types.ChainBase, types.TokenWETH)
	require.NoError(t, err)
	assert.Equal(t, 3000.0, p)

	live := newTestOracle(src, clock, WithStablecoin(false, ""))
	p, err = live.TokenPrice(context.Background(), types.ChainBase, types.TokenUSDC)
	require.NoError(t, err)
	assert.InDelta(t, 0.998, p, 1e-9)

	cached, ok := live.LatestTokenPrice(types.ChainBase, types.TokenUSDC)
	require.True(t, ok)
	assert.InDelta(t, 0.998, cached, 1e-9)
}
