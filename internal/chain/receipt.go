package chain

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// ErrReverted is returned for a mined transaction whose status is failure
var ErrReverted = errors.New("transaction reverted")

// WaitForReceipt polls for a transaction receipt until it is mined or ctx ends. A reverted
// transaction returns its receipt together with ErrReverted.
func WaitForReceipt(ctx context.Context, c Client, hash common.Hash, interval time.Duration) (*gethtypes.Receipt, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := c.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return receipt, ErrReverted
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			logrus.WithError(err).WithField("tx_hash", hash.Hex()).Debug("Receipt query failed, will retry")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
