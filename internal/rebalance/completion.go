package rebalance

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/rebalance-agent/internal/bridge"
	"github.com/yourorg/rebalance-agent/internal/metrics"
	"github.com/yourorg/rebalance-agent/internal/model"
)

// DefaultOperationTimeout fails operations that have not completed after this long
const DefaultOperationTimeout = 30 * time.Minute

// CompletionTracker settles processing operations from the bridge's fill status
type CompletionTracker struct {
	store   OperationStore
	bridge  Bridge
	tracker *FailureTracker
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time
}

// NewCompletionTracker creates a tracker. A non-positive timeout uses DefaultOperationTimeout.
func NewCompletionTracker(store OperationStore, b Bridge, tracker *FailureTracker, timeout time.Duration, m *metrics.Metrics) *CompletionTracker {
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	return &CompletionTracker{
		store:   store,
		bridge:  b,
		tracker: tracker,
		metrics: m,
		timeout: timeout,
		now:     time.Now,
	}
}

// WithClock replaces the time source
func (c *CompletionTracker) WithClock(now func() time.Time) *CompletionTracker {
	c.now = now
	return c
}

// Check polls every processing operation once and fails pending ones that were abandoned
func (c *CompletionTracker) Check(ctx context.Context) error {
	pending, err := c.store.ListByStatus(ctx, model.OperationPending)
	if err != nil {
		return err
	}
	for _, op := range pending {
		if c.expired(op) {
			c.finish(ctx, op, model.OperationFailed, "abandoned before bridge submission")
		}
	}

	processing, err := c.store.ListByStatus(ctx, model.OperationProcessing)
	if err != nil {
		return err
	}
	for _, op := range processing {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.checkOne(ctx, op)
	}
	return nil
}

func (c *CompletionTracker) checkOne(ctx context.Context, op model.RebalanceOperation) {
	if op.DepositID == "" {
		if c.expired(op) {
			c.finish(ctx, op, model.OperationFailed, "timeout: deposit id never observed")
		}
		return
	}

	status, err := c.bridge.Status(ctx, op.SourceChainID, op.DepositID)
	if err != nil {
		logrus.WithError(err).WithField("operation_id", op.ID).Warn("Deposit status unavailable")
		if c.expired(op) {
			c.finish(ctx, op, model.OperationFailed, "timeout")
		}
		return
	}

	switch status {
	case bridge.FillFilled:
		c.finish(ctx, op, model.OperationCompleted, "")
	case bridge.FillExpired, bridge.FillRefunded:
		c.finish(ctx, op, model.OperationFailed, "deposit "+string(status))
	default:
		if c.expired(op) {
			c.finish(ctx, op, model.OperationFailed, "timeout")
		}
	}
}

func (c *CompletionTracker) expired(op model.RebalanceOperation) bool {
	return c.now().Sub(op.CreatedAt) > c.timeout
}

func (c *CompletionTracker) finish(ctx context.Context, op model.RebalanceOperation, status model.OperationStatus, reason string) {
	updated, err := c.store.Update(ctx, op.ID, model.OperationUpdate{Status: status, ErrorMessage: reason})
	if err != nil {
		logrus.WithError(err).WithField("operation_id", op.ID).Error("Failed to settle operation")
		return
	}
	c.metrics.IncOperation(string(status))

	log := logrus.WithFields(logrus.Fields{
		"operation_id": op.ID,
		"source":       op.SourceChainID,
		"destination":  op.DestinationChainID,
		"token":        op.Token,
	})
	if status == model.OperationCompleted {
		if c.tracker != nil {
			c.tracker.RecordSuccess(op.SourceChainID, op.Token)
		}
		log.WithField("duration", updated.UpdatedAt.Sub(op.CreatedAt).String()).Info("Rebalance operation completed")
		return
	}
	if c.tracker != nil {
		c.tracker.RecordFailure(op.SourceChainID, op.Token)
	}
	log.WithField("reason", reason).Error("Rebalance operation failed")
}
