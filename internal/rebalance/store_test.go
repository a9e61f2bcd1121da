package rebalance

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/rebalance-agent/internal/model"
	"github.com/yourorg/rebalance-agent/internal/types"
)

func newOp(id string, created time.Time) model.RebalanceOperation {
	return model.RebalanceOperation{
		ID:                 id,
		SourceChainID:      types.ChainBase,
		DestinationChainID: types.ChainArbitrum,
		Token:              types.TokenUSDC,
		Amount:             big.NewInt(20_000_000),
		USDValue:           20,
		Status:             model.OperationPending,
		CreatedAt:          created,
		UpdatedAt:          created,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Create(ctx, newOp("a", epoch)))
	assert.ErrorIs(t, s.Create(ctx, newOp("a", epoch)), ErrOperationExists)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.OperationPending, got.Status)

	got.Amount.SetInt64(1)
	again, _ := s.Get(ctx, "a")
	assert.Equal(t, int64(20_000_000), again.Amount.Int64())

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestMemoryStore_LifecycleKeepsImmutableFields(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore().WithClock(clock.Now)
	require.NoError(t, s.Create(ctx, newOp("op", epoch)))

	clock.Advance(time.Minute)
	op, err := s.Update(ctx, "op", model.OperationUpdate{
		Status:       model.OperationProcessing,
		BridgeTxHash: "0xabc",
		DepositID:    "12",
		OutputAmount: big.NewInt(19_900_000),
	})
	require.NoError(t, err)
	assert.Nil(t, op.CompletedAt)

	clock.Advance(time.Minute)
	op, err = s.Update(ctx, "op", model.OperationUpdate{Status: model.OperationCompleted})
	require.NoError(t, err)

	assert.Equal(t, model.OperationCompleted, op.Status)
	assert.Equal(t, int64(20_000_000), op.Amount.Int64())
	assert.Equal(t, 20.0, op.USDValue)
	assert.Equal(t, types.ChainBase, op.SourceChainID)
	assert.Equal(t, types.ChainArbitrum, op.DestinationChainID)
	assert.Equal(t, "0xabc", op.BridgeTxHash)
	assert.Equal(t, int64(19_900_000), op.OutputAmount.Int64())
	require.NotNil(t, op.CompletedAt)
	assert.Equal(t, epoch.Add(2*time.Minute), *op.CompletedAt)
}

func TestMemoryStore_RejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newOp("op", epoch)))

	_, err := s.Update(ctx, "op", model.OperationUpdate{Status: model.OperationCompleted})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.Update(ctx, "op", model.OperationUpdate{Status: model.OperationCancelled})
	require.NoError(t, err)

	_, err = s.Update(ctx, "op", model.OperationUpdate{Status: model.OperationProcessing})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.Update(ctx, "missing", model.OperationUpdate{Status: model.OperationFailed})
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestMemoryStore_Queries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := newOp("first", epoch)
	second := newOp("second", epoch.Add(time.Minute))
	other := newOp("other", epoch.Add(2*time.Minute))
	other.SourceChainID = types.ChainOptimism
	other.Status = model.OperationProcessing
	for _, op := range []model.RebalanceOperation{second, first, other} {
		require.NoError(t, s.Create(ctx, op))
	}

	pending, err := s.ListByStatus(ctx, model.OperationPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "first", pending[0].ID)

	last, ok, err := s.LastOperationTime(ctx, types.ChainBase, types.TokenUSDC)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, epoch.Add(time.Minute), last)

	_, ok, err = s.LastOperationTime(ctx, types.ChainBase, types.TokenWETH)
	require.NoError(t, err)
	assert.False(t, ok)

	recent, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "other", recent[0].ID)
	assert.Equal(t, "second", recent[1].ID)
}
