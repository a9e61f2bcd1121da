package rebalance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/rebalance-agent/internal/chain"
	"github.com/yourorg/rebalance-agent/internal/metrics"
	"github.com/yourorg/rebalance-agent/internal/types"
)

// ErrInsufficientGas means the wallet cannot pay for transactions on a chain
var ErrInsufficientGas = errors.New("native balance below gas minimum")

// ApprovalThreshold is the allowance below which a new approval is sent (2^128)
var ApprovalThreshold = new(big.Int).Lsh(big.NewInt(1), 128)

// SpenderResolver returns the contract that pulls tokens on a chain
type SpenderResolver interface {
	Spender(chainID types.ChainID) (common.Address, error)
}

// ApprovalManager keeps bridge allowances topped up
type ApprovalManager struct {
	registry        *chain.Registry
	submitter       chain.Submitter
	chains          map[types.ChainID]types.ChainConfig
	spenders        SpenderResolver
	minGas          *big.Int
	tip             *big.Int
	receiptInterval time.Duration
	metrics         *metrics.Metrics
}

// NewApprovalManager creates a manager that requires minGas wei before approving
func NewApprovalManager(registry *chain.Registry, submitter chain.Submitter, chains map[types.ChainID]types.ChainConfig, spenders SpenderResolver, minGas *big.Int) *ApprovalManager {
	return &ApprovalManager{
		registry:        registry,
		submitter:       submitter,
		chains:          chains,
		spenders:        spenders,
		minGas:          minGas,
		tip:             chain.DefaultPriorityFee,
		receiptInterval: 2 * time.Second,
	}
}

// WithReceiptInterval sets how often approval receipts are polled
func (a *ApprovalManager) WithReceiptInterval(interval time.Duration) *ApprovalManager {
	a.receiptInterval = interval
	return a
}

// WithMetrics records approval outcomes in m
func (a *ApprovalManager) WithMetrics(m *metrics.Metrics) *ApprovalManager {
	a.metrics = m
	return a
}

// EnsureApprovals approves the spender for every fungible token in tokens whose allowance is
// below ApprovalThreshold. A chain without enough gas is skipped entirely and reported through
// the returned error; a failing token is reported in the map and does not stop the others.
func (a *ApprovalManager) EnsureApprovals(ctx context.Context, chainID types.ChainID, tokens []types.Token) (map[types.Token]error, error) {
	client, err := a.registry.Get(chainID)
	if err != nil {
		return nil, err
	}
	spender, err := a.spenders.Spender(chainID)
	if err != nil {
		return nil, err
	}
	owner := a.submitter.Address()

	native, err := client.BalanceAt(ctx, owner, nil)
	if err != nil {
		return nil, fmt.Errorf("native balance: %w", err)
	}
	if a.minGas != nil && native.Cmp(a.minGas) < 0 {
		logrus.WithFields(logrus.Fields{
			"chain_id": chainID,
			"balance":  native.String(),
			"minimum":  a.minGas.String(),
		}).Warn("Insufficient gas balance, skipping approvals")
		return nil, fmt.Errorf("%w on chain %d", ErrInsufficientGas, chainID)
	}

	failures := make(map[types.Token]error)
	for _, t := range tokens {
		if t.IsNative() {
			continue
		}
		if err := a.approve(ctx, client, chainID, t, owner, spender); err != nil {
			failures[t] = err
			a.metrics.IncApproval(chainID, t, "error")
			logrus.WithError(err).WithFields(logrus.Fields{
				"chain_id": chainID,
				"token":    t,
			}).Error("Approval failed")
		}
	}
	return failures, nil
}

func (a *ApprovalManager) approve(ctx context.Context, client chain.Client, chainID types.ChainID, t types.Token, owner, spender common.Address) error {
	token := a.chains[chainID].TokenAddress(t)
	if token == (common.Address{}) {
		return fmt.Errorf("%s has no address on chain %d", t, chainID)
	}

	allowance, err := chain.Allowance(ctx, client, token, owner, spender)
	if err != nil {
		return fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(ApprovalThreshold) >= 0 {
		return nil
	}

	fees, err := chain.SuggestFees(ctx, client, a.tip)
	if err != nil {
		return err
	}
	data, err := chain.PackApprove(spender, chain.MaxUint256)
	if err != nil {
		return err
	}
	hash, err := a.submitter.Submit(ctx, chain.TxRequest{ChainID: chainID, To: token, Data: data, Fees: fees})
	if err != nil {
		return fmt.Errorf("submit approval: %w", err)
	}

	entry := logrus.WithFields(logrus.Fields{
		"chain_id": chainID,
		"token":    t,
		"spender":  spender.Hex(),
		"tx_hash":  hash.Hex(),
	})
	entry.Info("Approval submitted")

	if _, err := chain.WaitForReceipt(ctx, client, hash, a.receiptInterval); err != nil {
		return fmt.Errorf("approval %s: %w", hash.Hex(), err)
	}
	a.metrics.IncApproval(chainID, t, "approved")
	entry.Info("Approval confirmed")
	return nil
}
