package rebalance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/rebalance-agent/internal/bridge"
	"github.com/yourorg/rebalance-agent/internal/chain"
	"github.com/yourorg/rebalance-agent/internal/metrics"
	"github.com/yourorg/rebalance-agent/internal/model"
	"github.com/yourorg/rebalance-agent/internal/otel"
	"github.com/yourorg/rebalance-agent/internal/types"
)

// Bridge moves tokens between chains and reports on deposits
type Bridge interface {
	SpenderResolver
	Transfer(ctx context.Context, t bridge.Transfer) (bridge.Deposit, error)
	Status(ctx context.Context, origin types.ChainID, depositID string) (bridge.FillStatus, error)
}

// Approver makes sure the bridge may pull tokens
type Approver interface {
	EnsureApprovals(ctx context.Context, chainID types.ChainID, tokens []types.Token) (map[types.Token]error, error)
}

// Executor carries a proposal through approval and bridge submission
type Executor struct {
	store     OperationStore
	bridge    Bridge
	approver  Approver
	tracker   *FailureTracker
	metrics   *metrics.Metrics
	recipient common.Address
	now       func() time.Time
}

// NewExecutor creates an executor. approver and m may be nil.
func NewExecutor(store OperationStore, b Bridge, approver Approver, tracker *FailureTracker, m *metrics.Metrics) *Executor {
	return &Executor{
		store:    store,
		bridge:   b,
		approver: approver,
		tracker:  tracker,
		metrics:  m,
		now:      time.Now,
	}
}

// WithRecipient sends bridged funds to recipient instead of the signing account
func (e *Executor) WithRecipient(recipient common.Address) *Executor {
	e.recipient = recipient
	return e
}

// WithClock replaces the time source
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Execute records the proposal as a pending operation, then approves and bridges it. Failures
// end up on the operation and in the failure tracker; the returned error is for logging only.
func (e *Executor) Execute(ctx context.Context, p Proposal) (model.RebalanceOperation, error) {
	ctx, span := otel.StartSpan(ctx, "rebalance.execute",
		attribute.Int64("source", int64(p.Source)),
		attribute.Int64("destination", int64(p.Destination)),
		attribute.String("token", p.Token.String()),
	)
	defer span.End()

	now := e.now()
	op := model.RebalanceOperation{
		ID:                 uuid.NewString(),
		SourceChainID:      p.Source,
		DestinationChainID: p.Destination,
		Token:              p.Token,
		Amount:             p.Amount,
		USDValue:           p.USDValue,
		Status:             model.OperationPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.store.Create(ctx, op); err != nil {
		otel.RecordError(ctx, err)
		return op, fmt.Errorf("create operation: %w", err)
	}
	e.metrics.IncOperation(string(model.OperationPending))

	log := logrus.WithFields(logrus.Fields{
		"operation_id": op.ID,
		"source":       p.Source,
		"destination":  p.Destination,
		"token":        p.Token,
		"amount":       p.Amount.String(),
		"usd_value":    p.USDValue,
	})
	log.Info("Rebalance operation created")

	if e.approver != nil && !p.Token.IsNative() {
		failed, err := e.approver.EnsureApprovals(ctx, p.Source, []types.Token{p.Token})
		if err == nil {
			err = failed[p.Token]
		}
		if err != nil {
			return e.fail(ctx, op, model.OperationUpdate{ErrorMessage: "approval: " + err.Error()}, err)
		}
	}

	dep, err := e.bridge.Transfer(ctx, bridge.Transfer{
		Source:      p.Source,
		Destination: p.Destination,
		Token:       p.Token,
		Amount:      p.Amount,
		Recipient:   e.recipient,
	})
	if err != nil {
		u := model.OperationUpdate{ErrorMessage: "bridge: " + err.Error()}
		if dep.TxHash != (common.Hash{}) {
			u.BridgeTxHash = dep.TxHash.Hex()
			if !errors.Is(err, chain.ErrReverted) {
				// the deposit may still land; let the completion tracker settle it
				return e.advance(ctx, op, model.OperationUpdate{
					Status:       model.OperationProcessing,
					BridgeTxHash: u.BridgeTxHash,
					OutputAmount: dep.OutputAmount,
					ErrorMessage: u.ErrorMessage,
				}, err)
			}
		}
		return e.fail(ctx, op, u, err)
	}

	op, err = e.advance(ctx, op, model.OperationUpdate{
		Status:       model.OperationProcessing,
		BridgeTxHash: dep.TxHash.Hex(),
		DepositID:    dep.DepositID,
		OutputAmount: dep.OutputAmount,
	}, nil)
	if err == nil {
		log.WithField("deposit_id", dep.DepositID).Info("Rebalance deposit confirmed, awaiting fill")
	}
	return op, err
}

// advance moves op to processing. Store writes use a context that survives cancellation so a
// submitted deposit is never lost from the record.
func (e *Executor) advance(ctx context.Context, op model.RebalanceOperation, u model.OperationUpdate, cause error) (model.RebalanceOperation, error) {
	updated, err := e.store.Update(context.WithoutCancel(ctx), op.ID, u)
	if err != nil {
		otel.RecordError(ctx, err)
		return op, fmt.Errorf("update operation %s: %w", op.ID, err)
	}
	e.metrics.IncOperation(string(updated.Status))
	if cause != nil {
		otel.RecordError(ctx, cause)
		logrus.WithError(cause).WithField("operation_id", op.ID).Warn("Deposit sent but not confirmed")
	}
	return updated, cause
}

func (e *Executor) fail(ctx context.Context, op model.RebalanceOperation, u model.OperationUpdate, cause error) (model.RebalanceOperation, error) {
	otel.RecordError(ctx, cause)
	u.Status = model.OperationFailed
	updated, err := e.store.Update(context.WithoutCancel(ctx), op.ID, u)
	if err != nil {
		logrus.WithError(err).WithField("operation_id", op.ID).Error("Failed to record operation failure")
		updated = op
	}
	e.metrics.IncOperation(string(model.OperationFailed))
	if e.tracker != nil {
		e.tracker.RecordFailure(op.SourceChainID, op.Token)
	}
	logrus.WithError(cause).WithFields(logrus.Fields{
		"operation_id": op.ID,
		"source":       op.SourceChainID,
		"token":        op.Token,
	}).Error("Rebalance operation failed")
	return updated, cause
}
