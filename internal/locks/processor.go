// Package locks drives the agent's resource locks through forced withdrawal on The Compact.
package locks

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/rebalance-agent/internal/chain"
	"github.com/yourorg/rebalance-agent/internal/lockstore"
	"github.com/yourorg/rebalance-agent/internal/metrics"
	"github.com/yourorg/rebalance-agent/internal/model"
	"github.com/yourorg/rebalance-agent/internal/types"
)

// DefaultWithdrawalTimeout bounds how long a submitted transaction may stay unmined. It is
// shorter than the processing-lock ceiling so a live worker always finishes before the sweep.
const DefaultWithdrawalTimeout = 5 * time.Minute

const defaultConcurrency = 4

// Processor advances locks one step per cycle:
//
//	Disabled -> Pending      enableForcedWithdrawal submitted (only with auto-enable)
//	Pending -> Enabled       enable confirmed and the availability time has passed
//	Enabled -> Processing -> Withdrawing -> Withdrawn | Failed
type Processor struct {
	store           *lockstore.Store
	registry        *chain.Registry
	submitter       chain.Submitter
	chains          map[types.ChainID]types.ChainConfig
	autoEnable      bool
	timeout         time.Duration
	receiptInterval time.Duration
	concurrency     int
	metrics         *metrics.Metrics
	now             func() time.Time
}

// NewProcessor creates a processor withdrawing to the submitter's account
func NewProcessor(store *lockstore.Store, registry *chain.Registry, submitter chain.Submitter, chains map[types.ChainID]types.ChainConfig, autoEnable bool, m *metrics.Metrics) *Processor {
	return &Processor{
		store:           store,
		registry:        registry,
		submitter:       submitter,
		chains:          chains,
		autoEnable:      autoEnable,
		timeout:         DefaultWithdrawalTimeout,
		receiptInterval: 2 * time.Second,
		concurrency:     defaultConcurrency,
		metrics:         m,
		now:             time.Now,
	}
}

// WithTimeout overrides DefaultWithdrawalTimeout
func (p *Processor) WithTimeout(d time.Duration) *Processor {
	p.timeout = d
	return p
}

// WithReceiptInterval sets the receipt polling interval
func (p *Processor) WithReceiptInterval(d time.Duration) *Processor {
	p.receiptInterval = d
	return p
}

// WithClock replaces the time source
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Run executes one processing cycle. Failures of individual locks are logged and never abort
// the cycle; only context cancellation is returned.
func (p *Processor) Run(ctx context.Context) error {
	for _, lock := range p.store.All() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		switch lock.Status {
		case model.LockDisabled:
			if p.autoEnable && lock.HasPositiveValue() {
				err = p.leased(lock, func(current model.LockState) error {
					if !current.HasPositiveValue() {
						return nil
					}
					return p.enable(ctx, current)
				})
			}
		case model.LockPending:
			err = p.leased(lock, func(current model.LockState) error { return p.promote(ctx, current) })
		case model.LockProcessing, model.LockWithdrawing:
			err = p.leased(lock, func(current model.LockState) error { return p.recover(ctx, current) })
		}
		if err != nil {
			logFields(lock).WithError(err).Warn("Lock step failed")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, lock := range p.store.GetProcessableLocks() {
		lease, ok := p.store.AcquireLease(lock.ChainID, lock.LockID)
		if !ok {
			continue
		}
		lock := lock
		g.Go(func() error {
			p.withdraw(gctx, lock, lease)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// leased runs step on the stored state with the processing lock held. A lock held by
// another worker, or one that moved on since the snapshot, is left alone.
func (p *Processor) leased(lock model.LockState, step func(model.LockState) error) error {
	lease, ok := p.store.AcquireLease(lock.ChainID, lock.LockID)
	if !ok {
		logFields(lock).Debug("Lock held by another worker")
		return nil
	}
	defer p.store.ReleaseLease(lease)

	current, ok := p.store.Get(lock.ChainID, lock.LockID)
	if !ok || current.Status != lock.Status {
		return nil
	}
	return step(current)
}

func (p *Processor) target(lock model.LockState) (chain.Client, types.ChainConfig, *big.Int, error) {
	cfg, ok := p.chains[lock.ChainID]
	if !ok {
		return nil, types.ChainConfig{}, nil, fmt.Errorf("chain %d is not configured", lock.ChainID)
	}
	client, err := p.registry.Get(lock.ChainID)
	if err != nil {
		return nil, types.ChainConfig{}, nil, err
	}
	id, ok := new(big.Int).SetString(lock.LockID, 10)
	if !ok {
		return nil, types.ChainConfig{}, nil, fmt.Errorf("invalid lock id %q", lock.LockID)
	}
	return client, cfg, id, nil
}

func (p *Processor) enable(ctx context.Context, lock model.LockState) error {
	client, cfg, id, err := p.target(lock)
	if err != nil {
		return err
	}
	account := p.submitter.Address()

	status, availableAt, err := chain.GetForcedWithdrawalStatus(ctx, client, cfg.Compact, account, id)
	if err != nil {
		return err
	}
	next := lock
	next.Status = model.LockPending
	if status != chain.ForcedWithdrawalDisabled {
		// enabled outside the agent
		next.EnableConfirmed = true
		next.AvailableAt = availableAt
		p.write(next)
		return nil
	}

	data, err := chain.PackEnableForcedWithdrawal(id)
	if err != nil {
		return err
	}
	hash, err := p.submitter.Submit(ctx, chain.TxRequest{ChainID: lock.ChainID, To: cfg.Compact, Data: data})
	if err != nil {
		return fmt.Errorf("submit enableForcedWithdrawal: %w", err)
	}
	next.EnableTxHash = hash.Hex()
	next.LastWithdrawalAttempt = p.now()
	if p.write(next) {
		logFields(lock).WithField("tx_hash", next.EnableTxHash).Info("Forced withdrawal enable submitted")
	}
	return nil
}

func (p *Processor) promote(ctx context.Context, lock model.LockState) error {
	client, cfg, id, err := p.target(lock)
	if err != nil {
		return err
	}

	if !lock.EnableConfirmed && lock.EnableTxHash != "" {
		receipt, err := client.TransactionReceipt(ctx, common.HexToHash(lock.EnableTxHash))
		switch {
		case errors.Is(err, ethereum.NotFound):
			if p.expired(lock) {
				p.fail(lock, model.FailureTimeout)
			}
			return nil
		case err != nil:
			return fmt.Errorf("enable receipt: %w", err)
		case receipt.Status != gethtypes.ReceiptStatusSuccessful:
			p.fail(lock, model.FailureReverted)
			return nil
		}
		lock.EnableConfirmed = true
	}

	status, availableAt, err := chain.GetForcedWithdrawalStatus(ctx, client, cfg.Compact, p.submitter.Address(), id)
	if err != nil {
		return err
	}
	next := lock
	if !availableAt.IsZero() {
		next.AvailableAt = availableAt
	}
	ready := status == chain.ForcedWithdrawalEnabled ||
		(status == chain.ForcedWithdrawalPending && !next.AvailableAt.IsZero() && !p.now().Before(next.AvailableAt))
	if ready {
		next.Status = model.LockEnabled
	}

	current, _ := p.store.Get(lock.ChainID, lock.LockID)
	if ready || next.EnableConfirmed != current.EnableConfirmed || !next.AvailableAt.Equal(current.AvailableAt) {
		if p.write(next) && ready {
			logFields(lock).Info("Forced withdrawal available")
		}
	}
	return nil
}

// withdraw runs with the lease held and always gives it back. If the lease was swept and
// granted to another worker in the meantime the release is a no-op.
func (p *Processor) withdraw(ctx context.Context, lock model.LockState, lease lockstore.Lease) {
	defer func() {
		if !p.store.ReleaseLease(lease) {
			logFields(lock).Debug("Processing lock already released")
		}
	}()

	client, cfg, id, err := p.target(lock)
	if err != nil {
		logFields(lock).WithError(err).Warn("Cannot withdraw lock")
		return
	}

	lock.Status = model.LockProcessing
	lock.LastWithdrawalAttempt = p.now()
	if !p.write(lock) {
		return
	}

	data, err := chain.PackForcedWithdrawal(id, p.submitter.Address(), lock.Balance)
	if err != nil {
		logFields(lock).WithError(err).Error("Failed to encode forced withdrawal")
		return
	}
	hash, err := p.submitter.Submit(ctx, chain.TxRequest{ChainID: lock.ChainID, To: cfg.Compact, Data: data})
	if err != nil {
		logFields(lock).WithError(err).Error("Failed to submit forced withdrawal")
		return
	}

	lock.Status = model.LockWithdrawing
	lock.WithdrawTxHash = hash.Hex()
	p.write(lock)
	logFields(lock).WithField("tx_hash", lock.WithdrawTxHash).Info("Forced withdrawal submitted")

	waitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err = chain.WaitForReceipt(waitCtx, client, hash, p.receiptInterval)
	switch {
	case err == nil:
		p.complete(lock)
	case errors.Is(err, chain.ErrReverted):
		p.fail(lock, model.FailureReverted)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		p.fail(lock, model.FailureTimeout)
	default:
		// shutting down; recover picks the lock up on a later cycle
		logFields(lock).WithError(err).Warn("Stopped waiting for forced withdrawal")
	}
}

// recover settles Processing and Withdrawing locks whose worker is gone
func (p *Processor) recover(ctx context.Context, lock model.LockState) error {
	if lock.Status == model.LockWithdrawing && lock.WithdrawTxHash != "" {
		client, err := p.registry.Get(lock.ChainID)
		if err != nil {
			return err
		}
		receipt, err := client.TransactionReceipt(ctx, common.HexToHash(lock.WithdrawTxHash))
		switch {
		case err == nil && receipt.Status == gethtypes.ReceiptStatusSuccessful:
			p.complete(lock)
			return nil
		case err == nil:
			p.fail(lock, model.FailureReverted)
			return nil
		case !errors.Is(err, ethereum.NotFound):
			return fmt.Errorf("withdrawal receipt: %w", err)
		}
	}
	if p.expired(lock) {
		p.fail(lock, model.FailureTimeout)
	}
	return nil
}

func (p *Processor) expired(lock model.LockState) bool {
	return !lock.LastWithdrawalAttempt.IsZero() && p.now().Sub(lock.LastWithdrawalAttempt) > p.timeout
}

func (p *Processor) complete(lock model.LockState) {
	next := p.latest(lock)
	next.Status = model.LockWithdrawn
	next.WithdrawConfirmed = true
	if p.write(next) {
		p.metrics.IncWithdrawal(lock.ChainID, "withdrawn")
		logFields(lock).Info("Forced withdrawal confirmed")
	}
}

func (p *Processor) fail(lock model.LockState, reason model.FailureReason) {
	next := p.latest(lock)
	next.Status = model.LockFailed
	next.FailureReason = reason
	if p.write(next) {
		p.metrics.IncWithdrawal(lock.ChainID, string(reason))
		logFields(lock).WithField("reason", reason).Error("Lock withdrawal failed")
	}
}

// latest merges the worker's transaction fields into the stored state so indexer updates
// made in the meantime are kept
func (p *Processor) latest(lock model.LockState) model.LockState {
	current, ok := p.store.Get(lock.ChainID, lock.LockID)
	if !ok {
		return lock
	}
	current.Status = lock.Status
	current.EnableTxHash = lock.EnableTxHash
	current.EnableConfirmed = lock.EnableConfirmed
	current.WithdrawTxHash = lock.WithdrawTxHash
	current.LastWithdrawalAttempt = lock.LastWithdrawalAttempt
	return current
}

func (p *Processor) write(lock model.LockState) bool {
	return p.store.UpdateState(lock.ChainID, lock.LockID, lock)
}

func logFields(lock model.LockState) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"chain_id": lock.ChainID,
		"lock_id":  lock.LockID,
		"status":   lock.Status,
	})
}
