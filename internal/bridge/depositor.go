package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/rebalance-agent/internal/chain"
	"github.com/yourorg/rebalance-agent/internal/types"
)

// DefaultFillWindow is used when a quote carries no fill deadline
const DefaultFillWindow = 6 * time.Hour

// Transfer is a request to move Amount of Token from Source to Destination
type Transfer struct {
	Source      types.ChainID
	Destination types.ChainID
	Token       types.Token
	Amount      *big.Int
	Recipient   common.Address
}

// Deposit is a submitted bridge deposit
type Deposit struct {
	TxHash       common.Hash
	DepositID    string
	OutputAmount *big.Int
}

// API is the part of Client the depositor uses
type API interface {
	SuggestedFees(ctx context.Context, r FeeRequest) (Quote, error)
	DepositStatus(ctx context.Context, origin types.ChainID, depositID string) (FillStatus, error)
}

// Depositor submits deposits from the agent's account
type Depositor struct {
	api             API
	registry        *chain.Registry
	submitter       chain.Submitter
	chains          map[types.ChainID]types.ChainConfig
	receiptInterval time.Duration
}

// NewDepositor creates a depositor over the configured chains
func NewDepositor(api API, registry *chain.Registry, submitter chain.Submitter, chains map[types.ChainID]types.ChainConfig) *Depositor {
	return &Depositor{
		api:             api,
		registry:        registry,
		submitter:       submitter,
		chains:          chains,
		receiptInterval: 2 * time.Second,
	}
}

// WithReceiptInterval sets how often receipts are polled
func (d *Depositor) WithReceiptInterval(interval time.Duration) *Depositor {
	d.receiptInterval = interval
	return d
}

// Spender returns the contract that must be approved to pull tokens on chainID
func (d *Depositor) Spender(chainID types.ChainID) (common.Address, error) {
	cfg, ok := d.chains[chainID]
	if !ok || cfg.SpokePool == (common.Address{}) {
		return common.Address{}, fmt.Errorf("no spoke pool configured for chain %d", chainID)
	}
	return cfg.SpokePool, nil
}

// bridgeToken maps the native asset to its wrapped form, which is what the spoke pool expects
func bridgeToken(cfg types.ChainConfig, t types.Token) common.Address {
	if t.IsNative() {
		return cfg.WETH
	}
	return cfg.TokenAddress(t)
}

// Transfer quotes, submits and confirms a deposit. A transaction that was sent but reverted is
// returned together with chain.ErrReverted.
func (d *Depositor) Transfer(ctx context.Context, t Transfer) (Deposit, error) {
	src, ok := d.chains[t.Source]
	if !ok {
		return Deposit{}, fmt.Errorf("source chain %d not configured", t.Source)
	}
	dst, ok := d.chains[t.Destination]
	if !ok {
		return Deposit{}, fmt.Errorf("destination chain %d not configured", t.Destination)
	}
	inputToken, outputToken := bridgeToken(src, t.Token), bridgeToken(dst, t.Token)
	if inputToken == (common.Address{}) || outputToken == (common.Address{}) {
		return Deposit{}, fmt.Errorf("%s has no address on chain %d or %d", t.Token, t.Source, t.Destination)
	}
	spokePool, err := d.Spender(t.Source)
	if err != nil {
		return Deposit{}, err
	}
	client, err := d.registry.Get(t.Source)
	if err != nil {
		return Deposit{}, err
	}

	quote, err := d.api.SuggestedFees(ctx, FeeRequest{
		InputToken:         inputToken,
		OutputToken:        outputToken,
		OriginChainID:      t.Source,
		DestinationChainID: t.Destination,
		Amount:             t.Amount,
	})
	if err != nil {
		return Deposit{}, fmt.Errorf("quote: %w", err)
	}
	output := new(big.Int).Sub(t.Amount, quote.TotalFee)
	if quote.AmountTooLow || output.Sign() <= 0 {
		return Deposit{}, ErrAmountTooLow
	}

	fillDeadline := quote.FillDeadline
	if fillDeadline == 0 {
		fillDeadline = quote.Timestamp + uint32(DefaultFillWindow/time.Second)
	}
	recipient := t.Recipient
	if recipient == (common.Address{}) {
		recipient = d.submitter.Address()
	}

	data, err := PackDepositV3(DepositParams{
		Depositor:           d.submitter.Address(),
		Recipient:           recipient,
		InputToken:          inputToken,
		OutputToken:         outputToken,
		InputAmount:         t.Amount,
		OutputAmount:        output,
		DestinationChainID:  new(big.Int).SetUint64(uint64(t.Destination)),
		ExclusiveRelayer:    quote.ExclusiveRelayer,
		QuoteTimestamp:      quote.Timestamp,
		FillDeadline:        fillDeadline,
		ExclusivityDeadline: quote.ExclusivityDeadline,
	})
	if err != nil {
		return Deposit{}, fmt.Errorf("pack deposit: %w", err)
	}

	fees, err := chain.SuggestFees(ctx, client, nil)
	if err != nil {
		return Deposit{}, err
	}
	req := chain.TxRequest{ChainID: t.Source, To: spokePool, Data: data, Fees: fees}
	if t.Token.IsNative() {
		req.Value = new(big.Int).Set(t.Amount)
	}

	hash, err := d.submitter.Submit(ctx, req)
	if err != nil {
		return Deposit{}, fmt.Errorf("submit deposit: %w", err)
	}
	dep := Deposit{TxHash: hash, OutputAmount: output}

	logrus.WithFields(logrus.Fields{
		"source":      t.Source,
		"destination": t.Destination,
		"token":       t.Token,
		"amount":      t.Amount.String(),
		"tx_hash":     hash.Hex(),
	}).Info("Bridge deposit submitted")

	receipt, err := chain.WaitForReceipt(ctx, client, hash, d.receiptInterval)
	if err != nil {
		return dep, err
	}
	dep.DepositID, err = DepositIDFromReceipt(receipt, spokePool)
	if err != nil {
		return dep, err
	}
	return dep, nil
}

// Status returns the fill status of a deposit made on origin
func (d *Depositor) Status(ctx context.Context, origin types.ChainID, depositID string) (FillStatus, error) {
	if depositID == "" {
		return "", errors.New("deposit id is empty")
	}
	return d.api.DepositStatus(ctx, origin, depositID)
}
