package rebalance

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/rebalance-agent/internal/bridge"
	"github.com/yourorg/rebalance-agent/internal/model"
	"github.com/yourorg/rebalance-agent/internal/types"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

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

type fakeBalances map[types.ChainID]model.ChainTokenBalance

func (f fakeBalances) Snapshot() map[types.ChainID]model.ChainTokenBalance { return f }

type fakePrices map[types.ChainID]float64

func (f fakePrices) LatestTokenPrice(chainID types.ChainID, token types.Token) (float64, bool) {
	if token == types.TokenUSDC {
		return 1, true
	}
	v, ok := f[chainID]
	return v, ok
}

func usdcBalance(chainID types.ChainID, whole int64) model.ChainTokenBalance {
	return model.ChainTokenBalance{
		ChainID: chainID,
		Native:  big.NewInt(1e18),
		USDC:    new(big.Int).Mul(big.NewInt(whole), big.NewInt(1_000_000)),
	}
}

type fakeBridge struct {
	mu        sync.Mutex
	transfers []bridge.Transfer
	deposit   bridge.Deposit
	err       error
	statuses  map[string]bridge.FillStatus
	statusErr error
}

func (f *fakeBridge) Spender(chainID types.ChainID) (common.Address, error) {
	return common.HexToAddress("0x5b"), nil
}

func (f *fakeBridge) Transfer(ctx context.Context, t bridge.Transfer) (bridge.Deposit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, t)
	return f.deposit, f.err
}

func (f *fakeBridge) Status(ctx context.Context, origin types.ChainID, depositID string) (bridge.FillStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return "", f.statusErr
	}
	if s, ok := f.statuses[depositID]; ok {
		return s, nil
	}
	return bridge.FillPending, nil
}

type fakeApprover struct {
	calls    int
	failures map[types.Token]error
	err      error
}

func (f *fakeApprover) EnsureApprovals(ctx context.Context, chainID types.ChainID, tokens []types.Token) (map[types.Token]error, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.failures, nil
}
