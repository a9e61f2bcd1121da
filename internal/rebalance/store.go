// Package rebalance decides when value should move between chains and carries the resulting
// bridge transfers through to completion.
package rebalance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yourorg/rebalance-agent/internal/model"
	"github.com/yourorg/rebalance-agent/internal/types"
)

var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrOperationExists   = errors.New("operation already exists")
	ErrInvalidTransition = errors.New("invalid operation status transition")
)

// OperationStore persists rebalance operations. Amount, USDValue and the chain ids of an
// operation never change after Create.
type OperationStore interface {
	Create(ctx context.Context, op model.RebalanceOperation) error
	Get(ctx context.Context, id string) (model.RebalanceOperation, error)
	ListByStatus(ctx context.Context, status model.OperationStatus) ([]model.RebalanceOperation, error)
	Update(ctx context.Context, id string, u model.OperationUpdate) (model.RebalanceOperation, error)
	// LastOperationTime is the creation time of the newest operation sourced from chainID for token
	LastOperationTime(ctx context.Context, chainID types.ChainID, token types.Token) (time.Time, bool, error)
	// Recent returns up to limit operations, newest first
	Recent(ctx context.Context, limit int) ([]model.RebalanceOperation, error)
}

// ApplyUpdate validates u against op and returns the updated copy. Stores share it so the
// transition rules are the same in memory and in the database.
func ApplyUpdate(op model.RebalanceOperation, u model.OperationUpdate, now time.Time) (model.RebalanceOperation, error) {
	if u.Status != "" && u.Status != op.Status {
		if !op.Status.CanTransition(u.Status) {
			return op, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, op.Status, u.Status)
		}
		op.Status = u.Status
	}
	if u.BridgeTxHash != "" {
		op.BridgeTxHash = u.BridgeTxHash
	}
	if u.DepositID != "" {
		op.DepositID = u.DepositID
	}
	if u.OutputAmount != nil {
		op.OutputAmount = u.OutputAmount
	}
	if u.ErrorMessage != "" {
		op.ErrorMessage = u.ErrorMessage
	}
	op.UpdatedAt = now
	if op.Status.Terminal() && op.CompletedAt == nil {
		t := now
		op.CompletedAt = &t
	}
	return op.Clone(), nil
}

// MemoryStore is an OperationStore kept in process memory
type MemoryStore struct {
	mu  sync.RWMutex
	ops map[string]model.RebalanceOperation
	now func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ops: make(map[string]model.RebalanceOperation),
		now: time.Now,
	}
}

// WithClock replaces the time source used for update stamps
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Create(ctx context.Context, op model.RebalanceOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ops[op.ID]; exists {
		return fmt.Errorf("%w: %s", ErrOperationExists, op.ID)
	}
	s.ops[op.ID] = op.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (model.RebalanceOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[id]
	if !ok {
		return model.RebalanceOperation{}, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	return op.Clone(), nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status model.OperationStatus) ([]model.RebalanceOperation, error) {
	s.mu.RLock()
	out := make([]model.RebalanceOperation, 0)
	for _, op := range s.ops {
		if op.Status == status {
			out = append(out, op.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, u model.OperationUpdate) (model.RebalanceOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return model.RebalanceOperation{}, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	updated, err := ApplyUpdate(op, u, s.now())
	if err != nil {
		return op.Clone(), err
	}
	s.ops[id] = updated
	return updated.Clone(), nil
}

func (s *MemoryStore) LastOperationTime(ctx context.Context, chainID types.ChainID, token types.Token) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last time.Time
	found := false
	for _, op := range s.ops {
		if op.SourceChainID != chainID || op.Token != token {
			continue
		}
		if !found || op.CreatedAt.After(last) {
			last = op.CreatedAt
			found = true
		}
	}
	return last, found, nil
}

func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]model.RebalanceOperation, error) {
	s.mu.RLock()
	out := make([]model.RebalanceOperation, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, op.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
