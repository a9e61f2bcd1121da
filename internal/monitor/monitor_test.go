package monitor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/rebalance-agent/internal/chain"
	"github.com/yourorg/rebalance-agent/internal/chain/chaintest"
	"github.com/yourorg/rebalance-agent/internal/events"
	"github.com/yourorg/rebalance-agent/internal/fetch"
	"github.com/yourorg/rebalance-agent/internal/lockstore"
	"github.com/yourorg/rebalance-agent/internal/model"
	"github.com/yourorg/rebalance-agent/internal/types"
)

var (
	account = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	usdc    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	weth    = common.HexToAddress("0x00000000000000000000000000000000000000e1")
)

func testChains(ids ...types.ChainID) map[types.ChainID]types.ChainConfig {
	out := make(map[types.ChainID]types.ChainConfig)
	for _, id := range ids {
		out[id] = types.ChainConfig{ChainID: id, Enabled: true, USDC: usdc, WETH: weth}
	}
	return out
}

type staticPrices map[types.ChainID]float64

func (p staticPrices) LatestTokenPrice(chainID types.ChainID, token types.Token) (float64, bool) {
	if token == types.TokenUSDC {
		return 1, true
	}
	v, ok := p[chainID]
	return v, ok
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(e events.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *recordingBus) Events() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.Event(nil), b.events...)
}

type fakeLockSource struct {
	locks []fetch.IndexedLock
	err   error
	calls int
}

func (f *fakeLockSource) AccountLocks(ctx context.Context, a common.Address) ([]fetch.IndexedLock, error) {
	f.calls++
	return f.locks, f.err
}

func TestRunner_RunsTasksIndependently(t *testing.T) {
	r := NewRunner(nil)

	var fast, panicky int32
	r.Add(Task{Name: "fast", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
		atomic.AddInt32(&fast, 1)
		return nil
	}})
	r.Add(Task{Name: "panicky", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
		atomic.AddInt32(&panicky, 1)
		panic("boom")
	}})
	r.Add(Task{Name: "slow", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	r.Start(context.Background())
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fast) >= 3 && atomic.LoadInt32(&panicky) >= 3
	}, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_StopTask(t *testing.T) {
	r := NewRunner(nil)
	var a, b int32
	r.Add(Task{Name: "a", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
		atomic.AddInt32(&a, 1)
		return nil
	}})
	r.Add(Task{Name: "b", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
		atomic.AddInt32(&b, 1)
		return errors.New("always fails")
	}})
	r.Start(context.Background())
	defer r.Stop()

	r.StopTask("a")
	time.Sleep(20 * time.Millisecond)
	stoppedAt := atomic.LoadInt32(&a)
	before := atomic.LoadInt32(&b)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&b) > before+2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, stoppedAt, atomic.LoadInt32(&a))
}

func TestIndexerPoller_UpsertsNewLocksAsDisabled(t *testing.T) {
	store := lockstore.New()
	source := &fakeLockSource{locks: []fetch.IndexedLock{
		{ChainID: types.ChainBase, LockID: "1", TokenAddress: common.Address{}, Balance: big.NewInt(1e18)},
		{ChainID: types.ChainBase, LockID: "2", TokenAddress: usdc, Balance: big.NewInt(25_000_000)},
		{ChainID: types.ChainBase, LockID: "3", TokenAddress: common.HexToAddress("0x1234"), Balance: big.NewInt(5)},
		{ChainID: 999, LockID: "4", Balance: big.NewInt(5)},
	}}
	p := NewIndexerPoller(source, store, staticPrices{types.ChainBase: 2000}, testChains(types.ChainBase), account)

	require.NoError(t, p.Poll(context.Background()))

	native, ok := store.Get(types.ChainBase, "1")
	require.True(t, ok)
	assert.Equal(t, model.LockDisabled, native.Status)
	require.NotNil(t, native.USDValue)
	assert.InDelta(t, 2000.0, *native.USDValue, 1e-9)

	stable, ok := store.Get(types.ChainBase, "2")
	require.True(t, ok)
	require.NotNil(t, stable.USDValue)
	assert.InDelta(t, 25.0, *stable.USDValue, 1e-9)

	unknown, ok := store.Get(types.ChainBase, "3")
	require.True(t, ok)
	assert.Nil(t, unknown.USDValue)

	_, ok = store.Get(999, "4")
	assert.False(t, ok)
}

func TestIndexerPoller_KeepsStatusAndDoesNotPrune(t *testing.T) {
	store := lockstore.New()
	store.UpdateState(types.ChainBase, "1", model.LockState{Status: model.LockDisabled, Balance: big.NewInt(1)})
	store.UpdateState(types.ChainBase, "1", model.LockState{Status: model.LockPending, Balance: big.NewInt(1), EnableTxHash: "0xabc"})
	store.UpdateState(types.ChainBase, "gone", model.LockState{Status: model.LockDisabled, Balance: big.NewInt(7)})

	source := &fakeLockSource{locks: []fetch.IndexedLock{
		{ChainID: types.ChainBase, LockID: "1", Balance: big.NewInt(2)},
	}}
	p := NewIndexerPoller(source, store, staticPrices{}, testChains(types.ChainBase), account)
	require.NoError(t, p.Poll(context.Background()))

	s, _ := store.Get(types.ChainBase, "1")
	assert.Equal(t, model.LockPending, s.Status)
	assert.Equal(t, "0xabc", s.EnableTxHash)
	assert.Equal(t, int64(2), s.Balance.Int64())

	_, ok := store.Get(types.ChainBase, "gone")
	assert.True(t, ok)
}

func TestIndexerPoller_ErrorLeavesStore(t *testing.T) {
	store := lockstore.New()
	source := &fakeLockSource{err: fetch.ErrAccountNotFound}
	p := NewIndexerPoller(source, store, staticPrices{}, testChains(types.ChainBase), account)

	err := p.Poll(context.Background())
	assert.ErrorIs(t, err, fetch.ErrAccountNotFound)
	assert.Empty(t, store.All())
}

func TestIndexerPoller_UnchangedLockNotRewritten(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := lockstore.New(lockstore.WithClock(func() time.Time { return now }))
	source := &fakeLockSource{locks: []fetch.IndexedLock{
		{ChainID: types.ChainBase, LockID: "1", Balance: big.NewInt(1e18)},
	}}
	prices := staticPrices{types.ChainBase: 2000}
	p := NewIndexerPoller(source, store, prices, testChains(types.ChainBase), account)
	require.NoError(t, p.Poll(context.Background()))

	now = now.Add(time.Minute)
	prices[types.ChainBase] = 2001
	require.NoError(t, p.Poll(context.Background()))

	s, _ := store.Get(types.ChainBase, "1")
	assert.Equal(t, now.Add(-time.Minute), s.LastUpdated)
	assert.InDelta(t, 2000.0, *s.USDValue, 1e-9)
}

func TestBalanceMonitor_IsolatesFailingChain(t *testing.T) {
	good := chaintest.NewClient()
	good.SetNative(account, big.NewInt(2e18))
	good.SetToken(usdc, account, big.NewInt(150_000_000))
	good.SetToken(weth, account, big.NewInt(1e18))

	bad := chaintest.NewClient()
	bad.Err = errors.New("rpc down")

	registry := chain.NewRegistry()
	registry.Set(types.ChainBase, good)
	registry.Set(types.ChainArbitrum, bad)

	bus := &recordingBus{}
	m := NewBalanceMonitor(registry, testChains(types.ChainBase, types.ChainArbitrum, types.ChainOptimism), account,
		staticPrices{types.ChainBase: 3000}, bus, nil)

	require.NoError(t, m.Poll(context.Background()))

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	bal := snap[types.ChainBase]
	assert.Equal(t, "2000000000000000000", bal.Native.String())
	assert.Equal(t, int64(150_000_000), bal.USDC.Int64())

	evs := bus.Events()
	require.Len(t, evs, 1)
	update, ok := evs[0].(events.BalanceUpdate)
	require.True(t, ok)
	assert.InDelta(t, 6000.0, update.USD[types.TokenETH], 1e-9)
	assert.InDelta(t, 3000.0, update.USD[types.TokenWETH], 1e-9)
	assert.InDelta(t, 150.0, update.USD[types.TokenUSDC], 1e-9)
}

func TestBalanceMonitor_KeepsStaleSnapshotOnFailure(t *testing.T) {
	client := chaintest.NewClient()
	client.SetNative(account, big.NewInt(5))
	registry := chain.NewRegistry()
	registry.Set(types.ChainBase, client)

	m := NewBalanceMonitor(registry, testChains(types.ChainBase), account, staticPrices{}, nil, nil)
	require.NoError(t, m.Poll(context.Background()))

	client.SetNative(account, big.NewInt(9))
	client.Err = errors.New("timeout")
	assert.ErrorIs(t, m.Poll(context.Background()), ErrAllChainsFailed)

	bal, ok := m.Balance(types.ChainBase)
	require.True(t, ok)
	assert.Equal(t, int64(5), bal.Native.Int64())
}

type fakeOracle struct {
	mu      sync.Mutex
	samples map[types.ChainID]model.PriceSample
	errs    map[types.ChainID]error
}

func (o *fakeOracle) Chains() []types.ChainID {
	var out []types.ChainID
	for id := range o.samples {
		out = append(out, id)
	}
	for id := range o.errs {
		out = append(out, id)
	}
	return out
}

func (o *fakeOracle) GetPrice(ctx context.Context, id types.ChainID) (model.PriceSample, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.errs[id]; err != nil {
		return model.PriceSample{}, err
	}
	return o.samples[id], nil
}

func (o *fakeOracle) TokenPrice(ctx context.Context, id types.ChainID, token types.Token) (float64, error) {
	return 1, nil
}

func TestPricePoller_PublishesFreshSamplesOnce(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	oracle := &fakeOracle{
		samples: map[types.ChainID]model.PriceSample{
			types.ChainBase: {ChainID: types.ChainBase, Price: 3000, Timestamp: ts},
		},
		errs: map[types.ChainID]error{
			types.ChainArbitrum: &fetch.PriceFetchError{ChainID: types.ChainArbitrum, StatusCode: 429},
		},
	}
	bus := &recordingBus{}
	p := NewPricePoller(oracle, bus, nil, nil)

	require.NoError(t, p.Poll(context.Background()))
	require.NoError(t, p.Poll(context.Background()))
	assert.Len(t, bus.Events(), 1)

	oracle.mu.Lock()
	oracle.samples[types.ChainBase] = model.PriceSample{ChainID: types.ChainBase, Price: 3010, Timestamp: ts.Add(time.Minute)}
	oracle.mu.Unlock()
	require.NoError(t, p.Poll(context.Background()))

	evs := bus.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, 3010.0, evs[1].(events.PriceUpdate).Sample.Price)
}

func TestPricePoller_AllFailing(t *testing.T) {
	oracle := &fakeOracle{errs: map[types.ChainID]error{types.ChainBase: errors.New("down")}}
	p := NewPricePoller(oracle, nil, nil, nil)
	assert.ErrorIs(t, p.Poll(context.Background()), ErrAllChainsFailed)
}

type fakeCooldowns struct{ expired, active int }

func (f *fakeCooldowns) ExpireCooldowns() int { return f.expired }
func (f *fakeCooldowns) ActiveCooldowns() int { return f.active }

func TestSweeper_ReleasesExpiredLocks(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := lockstore.New(lockstore.WithClock(func() time.Time { return now }))
	store.UpdateState(types.ChainBase, "1", model.LockState{Status: model.LockDisabled})
	require.True(t, store.TryAcquireProcessingLock(types.ChainBase, "1"))

	s := NewSweeper(store, &fakeCooldowns{}, nil)
	require.NoError(t, s.Sweep(context.Background()))
	assert.True(t, store.IsHeld(types.ChainBase, "1"))

	now = now.Add(11 * time.Minute)
	require.NoError(t, s.Sweep(context.Background()))
	assert.False(t, store.IsHeld(types.ChainBase, "1"))
}
