package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// DefaultPriorityFee is the tip attached to agent transactions, 0.01 gwei
var DefaultPriorityFee = big.NewInt(10_000_000)

// Fees are EIP-1559 fee caps for one transaction
type Fees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// SuggestFees prices a transaction at 120% of the latest base fee with a fixed tip.
// The fee cap is raised to the tip when the base fee is smaller than it.
func SuggestFees(ctx context.Context, c Client, tip *big.Int) (Fees, error) {
	if tip == nil {
		tip = DefaultPriorityFee
	}
	header, err := c.HeaderByNumber(ctx, nil)
	if err != nil {
		return Fees{}, fmt.Errorf("fetch latest header: %w", err)
	}
	if header.BaseFee == nil {
		return Fees{}, errors.New("chain does not report a base fee")
	}
	maxFee := new(big.Int).Mul(header.BaseFee, big.NewInt(120))
	maxFee.Div(maxFee, big.NewInt(100))
	if maxFee.Cmp(tip) < 0 {
		maxFee.Set(tip)
	}
	return Fees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: new(big.Int).Set(tip)}, nil
}
