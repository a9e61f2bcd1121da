package monitor

import (
	"context"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/rebalance-agent/internal/aggregate"
	"github.com/yourorg/rebalance-agent/internal/fetch"
	"github.com/yourorg/rebalance-agent/internal/lockstore"
	"github.com/yourorg/rebalance-agent/internal/model"
	"github.com/yourorg/rebalance-agent/internal/types"
)

// LockSource lists the resource locks held by an account
type LockSource interface {
	AccountLocks(ctx context.Context, account common.Address) ([]fetch.IndexedLock, error)
}

// TokenPricer returns cached USD prices without touching the network
type TokenPricer interface {
	LatestTokenPrice(chainID types.ChainID, token types.Token) (float64, bool)
}

// IndexerPoller mirrors the indexer's view of the account's locks into the lock store.
// Locks that disappear from the indexer are left untouched.
type IndexerPoller struct {
	source  LockSource
	store   *lockstore.Store
	prices  TokenPricer
	chains  map[types.ChainID]types.ChainConfig
	account common.Address
}

// NewIndexerPoller creates a poller for account
func NewIndexerPoller(source LockSource, store *lockstore.Store, prices TokenPricer, chains map[types.ChainID]types.ChainConfig, account common.Address) *IndexerPoller {
	return &IndexerPoller{
		source:  source,
		store:   store,
		prices:  prices,
		chains:  chains,
		account: account,
	}
}

// Poll runs one indexer cycle. Errors leave the store as it was.
func (p *IndexerPoller) Poll(ctx context.Context) error {
	items, err := p.source.AccountLocks(ctx, p.account)
	if err != nil {
		return fmt.Errorf("fetching account locks: %w", err)
	}

	created, updated := 0, 0
	for _, item := range items {
		if _, ok := p.chains[item.ChainID]; !ok {
			logrus.WithFields(logrus.Fields{
				"chain_id": item.ChainID,
				"lock_id":  item.LockID,
			}).Debug("Skipping lock on unconfigured chain")
			continue
		}

		current, exists := p.store.Get(item.ChainID, item.LockID)
		next := current
		if !exists {
			next = model.LockState{Status: model.LockDisabled}
		}
		next.TokenAddress = item.TokenAddress
		next.Balance = item.Balance
		next.USDValue = p.valuate(item)

		if exists && !changed(current, next) {
			continue
		}
		if p.store.UpdateState(item.ChainID, item.LockID, next) {
			if exists {
				updated++
			} else {
				created++
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"locks":   len(items),
		"created": created,
		"updated": updated,
	}).Debug("Indexer cycle complete")
	return nil
}

// valuate prices a lock's balance when its token is known and a price is cached
func (p *IndexerPoller) valuate(item fetch.IndexedLock) *float64 {
	if item.Balance == nil {
		return nil
	}
	token, ok := p.chains[item.ChainID].TokenForAddress(item.TokenAddress)
	if !ok {
		return nil
	}
	price, ok := p.prices.LatestTokenPrice(item.ChainID, token)
	if !ok {
		return nil
	}
	v := aggregate.USDValue(item.Balance, token, price)
	return &v
}

// valueTolerance is the relative USD change below which a re-valuation is not written.
// Price drift alone must not keep refreshing a lock that is stuck under a processing lock.
const valueTolerance = 0.01

func changed(current, next model.LockState) bool {
	if current.TokenAddress != next.TokenAddress {
		return true
	}
	if (current.Balance == nil) != (next.Balance == nil) {
		return true
	}
	if current.Balance != nil && current.Balance.Cmp(next.Balance) != 0 {
		return true
	}
	if (current.USDValue == nil) != (next.USDValue == nil) {
		return true
	}
	if current.USDValue == nil {
		return false
	}
	a, b := *current.USDValue, *next.USDValue
	if a == 0 {
		return b != 0
	}
	return math.Abs(b-a)/math.Abs(a) > valueTolerance
}
