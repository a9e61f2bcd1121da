package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/yourorg/rebalance-agent/internal/model"
	"github.com/yourorg/rebalance-agent/internal/types"
)

// DefaultPriceTTL is how long a cached price is served without a network call
const DefaultPriceTTL = 30 * time.Second

// DefaultFetchTimeout bounds a shared upstream fetch once it no longer follows a caller's context
const DefaultFetchTimeout = 30 * time.Second

// DefaultStablecoinID is the price source id of USDC, used when the peg is disabled
const DefaultStablecoinID = "usd-coin"

// ErrUnsupportedChain is returned for chains that have no price id
var ErrUnsupportedChain = errors.New("unsupported chain")

// SampleChecker vets a fresh sample before it is cached
type SampleChecker interface {
	Check(chainID types.ChainID, price float64) error
}

// Oracle caches native-asset USD prices per chain
type Oracle struct {
	source    PriceSource
	priceIDs  map[types.ChainID]string
	ttl       time.Duration
	timeout   time.Duration
	now       func() time.Time
	checker   SampleChecker
	sourceTag string

	stablePegged bool
	stableID     string

	mu     sync.RWMutex
	chains map[types.ChainID]model.PriceSample
	assets map[string]model.PriceSample

	group singleflight.Group
}

// OracleOption configures an Oracle
type OracleOption func(*Oracle)

// WithTTL overrides DefaultPriceTTL
func WithTTL(ttl time.Duration) OracleOption {
	return func(o *Oracle) { o.ttl = ttl }
}

// WithFetchTimeout overrides DefaultFetchTimeout
func WithFetchTimeout(d time.Duration) OracleOption {
	return func(o *Oracle) { o.timeout = d }
}

// WithOracleClock replaces the time source
func WithOracleClock(now func() time.Time) OracleOption {
	return func(o *Oracle) { o.now = now }
}

// WithSampleChecker rejects samples the checker refuses, typically a circuit breaker
func WithSampleChecker(c SampleChecker) OracleOption {
	return func(o *Oracle) { o.checker = c }
}

// WithStablecoin sets whether USDC is valued at exactly 1 USD. When pegged is false the price
// of assetID is fetched like any other.
func WithStablecoin(pegged bool, assetID string) OracleOption {
	return func(o *Oracle) {
		o.stablePegged = pegged
		if assetID != "" {
			o.stableID = assetID
		}
	}
}

// WithSourceTag labels cached samples
func WithSourceTag(tag string) OracleOption {
	return func(o *Oracle) { o.sourceTag = tag }
}

// NewOracle creates an oracle for the chains in priceIDs (chain id → native asset price id)
func NewOracle(source PriceSource, priceIDs map[types.ChainID]string, opts ...OracleOption) *Oracle {
	ids := make(map[types.ChainID]string, len(priceIDs))
	for id, p := range priceIDs {
		ids[id] = p
	}
	o := &Oracle{
		source:       source,
		priceIDs:     ids,
		ttl:          DefaultPriceTTL,
		timeout:      DefaultFetchTimeout,
		now:          time.Now,
		sourceTag:    "coingecko",
		stablePegged: true,
		stableID:     DefaultStablecoinID,
		chains:       make(map[types.ChainID]model.PriceSample),
		assets:       make(map[string]model.PriceSample),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Chains lists the chains the oracle can price
func (o *Oracle) Chains() []types.ChainID {
	out := make([]types.ChainID, 0, len(o.priceIDs))
	for id := range o.priceIDs {
		out = append(out, id)
	}
	return out
}

// GetPrice returns the native-asset price of a chain, from cache when it is younger than the TTL.
// Fetch failures are returned as *PriceFetchError.
func (o *Oracle) GetPrice(ctx context.Context, chainID types.ChainID) (model.PriceSample, error) {
	assetID, ok := o.priceIDs[chainID]
	if !ok {
		return model.PriceSample{}, fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}

	o.mu.RLock()
	cached, ok := o.chains[chainID]
	o.mu.RUnlock()
	if ok && o.now().Sub(cached.Timestamp) < o.ttl {
		return cached, nil
	}

	v, err := o.shared(ctx, "chain:"+chainID.Label(), func(ctx context.Context) (interface{}, error) {
		price, err := o.source.FetchUSD(ctx, assetID)
		if err != nil {
			return nil, withChain(err, chainID, assetID)
		}
		if o.checker != nil {
			if err := o.checker.Check(chainID, price); err != nil {
				return nil, &PriceFetchError{ChainID: chainID, AssetID: assetID, Err: err}
			}
		}
		sample := model.PriceSample{ChainID: chainID, Price: price, Timestamp: o.now(), Source: o.sourceTag}
		o.mu.Lock()
		o.chains[chainID] = sample
		o.mu.Unlock()
		return sample, nil
	})
	if err != nil {
		return model.PriceSample{}, withChain(err, chainID, assetID)
	}
	return v.(model.PriceSample), nil
}

// Latest returns the cached price of a chain without a network call. A sample older than the
// TTL is still returned but logged as stale.
func (o *Oracle) Latest(chainID types.ChainID) (model.PriceSample, bool) {
	o.mu.RLock()
	sample, ok := o.chains[chainID]
	o.mu.RUnlock()
	if !ok {
		return model.PriceSample{}, false
	}
	if age := o.now().Sub(sample.Timestamp); age >= o.ttl {
		logrus.WithFields(logrus.Fields{
			"chain_id": chainID,
			"age":      age.Round(time.Second).String(),
		}).Warn("Serving stale price")
	}
	return sample, true
}

// TokenPrice returns the USD price of one unit of token on a chain
func (o *Oracle) TokenPrice(ctx context.Context, chainID types.ChainID, token types.Token) (float64, error) {
	switch token.PriceMode() {
	case types.PeggedUSD:
		if o.stablePegged {
			return 1, nil
		}
		return o.assetPrice(ctx, o.stableID)
	default:
		sample, err := o.GetPrice(ctx, chainID)
		if err != nil {
			return 0, err
		}
		return sample.Price, nil
	}
}

// LatestTokenPrice is TokenPrice served from cache only
func (o *Oracle) LatestTokenPrice(chainID types.ChainID, token types.Token) (float64, bool) {
	switch token.PriceMode() {
	case types.PeggedUSD:
		if o.stablePegged {
			return 1, true
		}
		o.mu.RLock()
		sample, ok := o.assets[o.stableID]
		o.mu.RUnlock()
		return sample.Price, ok
	default:
		sample, ok := o.Latest(chainID)
		return sample.Price, ok
	}
}

func (o *Oracle) assetPrice(ctx context.Context, assetID string) (float64, error) {
	o.mu.RLock()
	cached, ok := o.assets[assetID]
	o.mu.RUnlock()
	if ok && o.now().Sub(cached.Timestamp) < o.ttl {
		return cached.Price, nil
	}

	v, err := o.shared(ctx, "asset:"+assetID, func(ctx context.Context) (interface{}, error) {
		price, err := o.source.FetchUSD(ctx, assetID)
		if err != nil {
			return nil, withChain(err, 0, assetID)
		}
		o.mu.Lock()
		o.assets[assetID] = model.PriceSample{Price: price, Timestamp: o.now(), Source: o.sourceTag}
		o.mu.Unlock()
		return price, nil
	})
	if err != nil {
		return 0, withChain(err, 0, assetID)
	}
	return v.(float64), nil
}

// shared runs one fetch per key for all concurrent callers. The fetch is detached from the
// caller that started it, so a cancelled caller only abandons its own wait.
func (o *Oracle) shared(ctx context.Context, key string, fetch func(context.Context) (interface{}, error)) (interface{}, error) {
	ch := o.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
		defer cancel()
		return fetch(fctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func withChain(err error, chainID types.ChainID, assetID string) error {
	var pfe *PriceFetchError
	if errors.As(err, &pfe) {
		c := *pfe
		c.ChainID = chainID
		return &c
	}
	return &PriceFetchError{ChainID: chainID, AssetID: assetID, Err: err}
}
