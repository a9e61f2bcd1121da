package rebalance

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/rebalance-agent/internal/chain"
	"github.com/yourorg/rebalance-agent/internal/chain/chaintest"
	"github.com/yourorg/rebalance-agent/internal/types"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	spender  = common.HexToAddress("0x000000000000000000000000000000000000005b")
	usdcAddr = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	wethAddr = common.HexToAddress("0x00000000000000000000000000000000000000e1")
)

func newApprovalFixture(t *testing.T, chains map[types.ChainID]types.ChainConfig) (*ApprovalManager, *chaintest.Client, *chaintest.Submitter) {
	t.Helper()
	client := chaintest.NewClient()
	client.SetNative(owner, big.NewInt(1e16))
	registry := chain.NewRegistry()
	registry.Set(types.ChainBase, client)

	sub := &chaintest.Submitter{From: owner}
	sub.OnSubmit = func(req chain.TxRequest, hash common.Hash) {
		client.SetReceipt(hash, &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful})
	}
	if chains == nil {
		chains = map[types.ChainID]types.ChainConfig{
			types.ChainBase: {ChainID: types.ChainBase, USDC: usdcAddr, WETH: wethAddr},
		}
	}
	m := NewApprovalManager(registry, sub, chains, &fakeBridge{}, big.NewInt(1e15)).WithReceiptInterval(1)
	return m, client, sub
}

func TestApprovalManager_ApprovesLowAllowance(t *testing.T) {
	m, _, sub := newApprovalFixture(t, nil)

	failures, err := m.EnsureApprovals(context.Background(), types.ChainBase, []types.Token{types.TokenUSDC})
	require.NoError(t, err)
	assert.Empty(t, failures)

	reqs := sub.Submitted()
	require.Len(t, reqs, 1)
	assert.Equal(t, usdcAddr, reqs[0].To)
	// 120% of the 1 gwei base fee, 0.01 gwei tip
	assert.Equal(t, big.NewInt(1_200_000_000), reqs[0].Fees.MaxFeePerGas)
	assert.Equal(t, big.NewInt(10_000_000), reqs[0].Fees.MaxPriorityFeePerGas)

	method, err := chain.ERC20ABI.MethodById(reqs[0].Data[:4])
	require.NoError(t, err)
	assert.Equal(t, "approve", method.Name)
	args, err := method.Inputs.Unpack(reqs[0].Data[4:])
	require.NoError(t, err)
	assert.Equal(t, spender, args[0])
	assert.Equal(t, 0, chain.MaxUint256.Cmp(args[1].(*big.Int)))
}

func TestApprovalManager_SkipsSufficientAllowance(t *testing.T) {
	m, client, sub := newApprovalFixture(t, nil)
	client.SetAllowance(usdcAddr, owner, spender, ApprovalThreshold)

	failures, err := m.EnsureApprovals(context.Background(), types.ChainBase, []types.Token{types.TokenUSDC, types.TokenETH})
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Empty(t, sub.Submitted())
}

func TestApprovalManager_InsufficientGasAborts(t *testing.T) {
	m, client, sub := newApprovalFixture(t, nil)
	client.SetNative(owner, big.NewInt(999_999_999_999_999))

	_, err := m.EnsureApprovals(context.Background(), types.ChainBase, []types.Token{types.TokenUSDC, types.TokenWETH})
	assert.ErrorIs(t, err, ErrInsufficientGas)
	assert.Empty(t, sub.Submitted())
}

func TestApprovalManager_TokenFailureIsolated(t *testing.T) {
	chains := map[types.ChainID]types.ChainConfig{
		types.ChainBase: {ChainID: types.ChainBase, WETH: wethAddr},
	}
	m, _, sub := newApprovalFixture(t, chains)

	failures, err := m.EnsureApprovals(context.Background(), types.ChainBase, []types.Token{types.TokenUSDC, types.TokenWETH})
	require.NoError(t, err)
	require.Contains(t, failures, types.TokenUSDC)
	assert.NotContains(t, failures, types.TokenWETH)

	reqs := sub.Submitted()
	require.Len(t, reqs, 1)
	assert.Equal(t, wethAddr, reqs[0].To)
}

func TestApprovalManager_SubmitFailure(t *testing.T) {
	m, _, sub := newApprovalFixture(t, nil)
	sub.Err = errors.New("nonce too low")

	failures, err := m.EnsureApprovals(context.Background(), types.ChainBase, []types.Token{types.TokenUSDC})
	require.NoError(t, err)
	assert.ErrorContains(t, failures[types.TokenUSDC], "nonce too low")
}

func TestApprovalManager_UnknownChain(t *testing.T) {
	m, _, _ := newApprovalFixture(t, nil)
	_, err := m.EnsureApprovals(context.Background(), types.ChainOptimism, []types.Token{types.TokenUSDC})
	assert.ErrorIs(t, err, chain.ErrNoClient)
}
