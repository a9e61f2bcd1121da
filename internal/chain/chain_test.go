package chain_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/rebalance-agent/internal/chain"
	"github.com/yourorg/rebalance-agent/internal/chain/chaintest"
	"github.com/yourorg/rebalance-agent/internal/types"
)

var (
	owner   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	spender = common.HexToAddress("0x2222222222222222222222222222222222222222")
	usdc    = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
)

func TestRegistry_MissingChain(t *testing.T) {
	r := chain.NewRegistry()
	r.Set(types.ChainBase, chaintest.NewClient())

	_, err := r.Get(types.ChainBase)
	require.NoError(t, err)

	_, err = r.Get(types.ChainArbitrum)
	assert.ErrorIs(t, err, chain.ErrNoClient)
	assert.Equal(t, []types.ChainID{types.ChainBase}, r.Chains())
}

func TestBalanceOfAndAllowance(t *testing.T) {
	c := chaintest.NewClient()
	c.SetToken(usdc, owner, big.NewInt(2_500_000))
	c.SetAllowance(usdc, owner, spender, big.NewInt(42))

	bal, err := chain.BalanceOf(context.Background(), c, usdc, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(2_500_000), bal.Int64())

	allowance, err := chain.Allowance(context.Background(), c, usdc, owner, spender)
	require.NoError(t, err)
	assert.Equal(t, int64(42), allowance.Int64())

	other, err := chain.BalanceOf(context.Background(), c, usdc, spender)
	require.NoError(t, err)
	assert.Zero(t, other.Sign())
}

func TestBalanceOf_PropagatesError(t *testing.T) {
	c := chaintest.NewClient()
	c.Err = errors.New("rpc down")
	_, err := chain.BalanceOf(context.Background(), c, usdc, owner)
	assert.ErrorContains(t, err, "rpc down")
}

func TestPackApprove(t *testing.T) {
	data, err := chain.PackApprove(spender, chain.MaxUint256)
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256([]byte("approve(address,uint256)"))[:4], data[:4])

	in, err := chain.ERC20ABI.Methods["approve"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, spender, in[0])
	assert.Equal(t, 0, chain.MaxUint256.Cmp(in[1].(*big.Int)))
	assert.Equal(t, 256, chain.MaxUint256.BitLen())
}

func TestGetForcedWithdrawalStatus(t *testing.T) {
	c := chaintest.NewClient()
	compact := common.HexToAddress("0x00000000000018DF021Ff2467dF97ff846E09f48")
	id := big.NewInt(77)
	c.SetForcedStatus(owner, id, chaintest.ForcedStatus{Status: chain.ForcedWithdrawalPending, AvailableAt: 1_700_000_600})

	status, at, err := chain.GetForcedWithdrawalStatus(context.Background(), c, compact, owner, id)
	require.NoError(t, err)
	assert.Equal(t, chain.ForcedWithdrawalPending, status)
	assert.Equal(t, time.Unix(1_700_000_600, 0), at)

	status, at, err = chain.GetForcedWithdrawalStatus(context.Background(), c, compact, owner, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, chain.ForcedWithdrawalDisabled, status)
	assert.True(t, at.IsZero())
}

func TestSuggestFees(t *testing.T) {
	c := chaintest.NewClient()
	c.BaseFee = big.NewInt(1_000_000_000)

	fees, err := chain.SuggestFees(context.Background(), c, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1_200_000_000), fees.MaxFeePerGas.Int64())
	assert.Equal(t, chain.DefaultPriorityFee.Int64(), fees.MaxPriorityFeePerGas.Int64())

	// tiny base fee: the cap must still cover the tip
	c.BaseFee = big.NewInt(1000)
	fees, err = chain.SuggestFees(context.Background(), c, nil)
	require.NoError(t, err)
	assert.Equal(t, chain.DefaultPriorityFee.Int64(), fees.MaxFeePerGas.Int64())

	c.BaseFee = nil
	_, err = chain.SuggestFees(context.Background(), c, nil)
	assert.Error(t, err)
}

func TestWaitForReceipt(t *testing.T) {
	c := chaintest.NewClient()
	hash := common.HexToHash("0xabc")

	go func() {
		time.Sleep(30 * time.Millisecond)
		c.SetReceipt(hash, &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	receipt, err := chain.WaitForReceipt(ctx, c, hash, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, hash, receipt.TxHash)
}

func TestWaitForReceipt_Reverted(t *testing.T) {
	c := chaintest.NewClient()
	hash := common.HexToHash("0xdead")
	c.SetReceipt(hash, &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed})

	receipt, err := chain.WaitForReceipt(context.Background(), c, hash, 10*time.Millisecond)
	assert.ErrorIs(t, err, chain.ErrReverted)
	assert.NotNil(t, receipt)
}

func TestWaitForReceipt_ContextDone(t *testing.T) {
	c := chaintest.NewClient()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := chain.WaitForReceipt(ctx, c, common.HexToHash("0x1"), 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeySubmitter_SignsForChain(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	c := chaintest.NewClient()
	registry := chain.NewRegistry()
	registry.Set(types.ChainBase, c)

	s, err := chain.NewKeySubmitter("0x"+hexKey, registry)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Address())

	data, err := chain.PackApprove(spender, chain.MaxUint256)
	require.NoError(t, err)
	hash, err := s.Submit(context.Background(), chain.TxRequest{ChainID: types.ChainBase, To: usdc, Data: data})
	require.NoError(t, err)

	sent := c.SentTransactions()
	require.Len(t, sent, 1)
	tx := sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, usdc, *tx.To())
	assert.Equal(t, data, tx.Data())
	assert.Equal(t, uint64(120_000), tx.Gas())
	assert.Equal(t, int64(1_200_000_000), tx.GasFeeCap().Int64())

	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(int64(types.ChainBase))), tx)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)

	_, err = s.Submit(context.Background(), chain.TxRequest{ChainID: types.ChainArbitrum, To: usdc})
	assert.ErrorIs(t, err, chain.ErrNoClient)
}

func TestNewKeySubmitter_Invalid(t *testing.T) {
	_, err := chain.NewKeySubmitter("", chain.NewRegistry())
	assert.Error(t, err)
	_, err = chain.NewKeySubmitter("zz", chain.NewRegistry())
	assert.Error(t, err)
}
