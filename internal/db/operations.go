package db

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yourorg/rebalance-agent/internal/model"
	"github.com/yourorg/rebalance-agent/internal/rebalance"
	"github.com/yourorg/rebalance-agent/internal/types"
)

// OperationRecord is the table row of a rebalance operation. Token amounts are stored as
// decimal strings to keep full uint256 precision.
type OperationRecord struct {
	ID                 string    `gorm:"primaryKey;type:varchar(36)"`
	SourceChainID      uint64    `gorm:"not null;index:idx_source_token_created,priority:1"`
	DestinationChainID uint64    `gorm:"not null"`
	Token              string    `gorm:"type:varchar(8);not null;index:idx_source_token_created,priority:2"`
	Amount             string    `gorm:"type:numeric(78,0);not null"`
	USDValue           float64   `gorm:"not null"`
	Status             string    `gorm:"type:varchar(16);not null;index"`
	BridgeTxHash       string    `gorm:"type:varchar(66)"`
	DepositID          string    `gorm:"type:varchar(78)"`
	OutputAmount       *string   `gorm:"type:numeric(78,0)"`
	ErrorMessage       string    `gorm:"type:text"`
	CreatedAt          time.Time `gorm:"not null;index:idx_source_token_created,priority:3"`
	UpdatedAt          time.Time `gorm:"not null"`
	CompletedAt        *time.Time
}

// TableName implements gorm's tabler
func (OperationRecord) TableName() string { return "rebalance_operations" }

func toRecord(op model.RebalanceOperation) OperationRecord {
	r := OperationRecord{
		ID:                 op.ID,
		SourceChainID:      uint64(op.SourceChainID),
		DestinationChainID: uint64(op.DestinationChainID),
		Token:              op.Token.String(),
		Amount:             "0",
		USDValue:           op.USDValue,
		Status:             string(op.Status),
		BridgeTxHash:       op.BridgeTxHash,
		DepositID:          op.DepositID,
		ErrorMessage:       op.ErrorMessage,
		CreatedAt:          op.CreatedAt,
		UpdatedAt:          op.UpdatedAt,
		CompletedAt:        op.CompletedAt,
	}
	if op.Amount != nil {
		r.Amount = op.Amount.String()
	}
	if op.OutputAmount != nil {
		s := op.OutputAmount.String()
		r.OutputAmount = &s
	}
	return r
}

func fromRecord(r OperationRecord) (model.RebalanceOperation, error) {
	token, err := types.ParseToken(r.Token)
	if err != nil {
		return model.RebalanceOperation{}, fmt.Errorf("operation %s: %w", r.ID, err)
	}
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		return model.RebalanceOperation{}, fmt.Errorf("operation %s: invalid amount %q", r.ID, r.Amount)
	}
	op := model.RebalanceOperation{
		ID:                 r.ID,
		SourceChainID:      types.ChainID(r.SourceChainID),
		DestinationChainID: types.ChainID(r.DestinationChainID),
		Token:              token,
		Amount:             amount,
		USDValue:           r.USDValue,
		Status:             model.OperationStatus(r.Status),
		BridgeTxHash:       r.BridgeTxHash,
		DepositID:          r.DepositID,
		ErrorMessage:       r.ErrorMessage,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		CompletedAt:        r.CompletedAt,
	}
	if r.OutputAmount != nil {
		out, ok := new(big.Int).SetString(*r.OutputAmount, 10)
		if !ok {
			return model.RebalanceOperation{}, fmt.Errorf("operation %s: invalid output amount %q", r.ID, *r.OutputAmount)
		}
		op.OutputAmount = out
	}
	return op, nil
}

// OperationStore implements rebalance.OperationStore on PostgreSQL
type OperationStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ rebalance.OperationStore = (*OperationStore)(nil)

// NewOperationStore wraps an open database
func NewOperationStore(db *gorm.DB) *OperationStore {
	return &OperationStore{db: db, now: time.Now}
}

func (s *OperationStore) Create(ctx context.Context, op model.RebalanceOperation) error {
	r := toRecord(op)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&r)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", rebalance.ErrOperationExists, op.ID)
	}
	return nil
}

func (s *OperationStore) Get(ctx context.Context, id string) (model.RebalanceOperation, error) {
	var r OperationRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.RebalanceOperation{}, fmt.Errorf("%w: %s", rebalance.ErrOperationNotFound, id)
	}
	if err != nil {
		return model.RebalanceOperation{}, err
	}
	return fromRecord(r)
}

func (s *OperationStore) ListByStatus(ctx context.Context, status model.OperationStatus) ([]model.RebalanceOperation, error) {
	var records []OperationRecord
	if err := s.db.WithContext(ctx).Where("status = ?", string(status)).Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return fromRecords(records)
}

// Update applies u inside a transaction holding the row lock, so concurrent updates of one
// operation are serialized and checked against the current status
func (s *OperationStore) Update(ctx context.Context, id string, u model.OperationUpdate) (model.RebalanceOperation, error) {
	var updated model.RebalanceOperation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r OperationRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&r).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", rebalance.ErrOperationNotFound, id)
		}
		if err != nil {
			return err
		}
		current, err := fromRecord(r)
		if err != nil {
			return err
		}
		updated, err = rebalance.ApplyUpdate(current, u, s.now())
		if err != nil {
			return err
		}
		next := toRecord(updated)
		return tx.Model(&OperationRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":         next.Status,
			"bridge_tx_hash": next.BridgeTxHash,
			"deposit_id":     next.DepositID,
			"output_amount":  next.OutputAmount,
			"error_message":  next.ErrorMessage,
			"updated_at":     next.UpdatedAt,
			"completed_at":   next.CompletedAt,
		}).Error
	})
	if err != nil {
		return model.RebalanceOperation{}, err
	}
	return updated, nil
}

func (s *OperationStore) LastOperationTime(ctx context.Context, chainID types.ChainID, token types.Token) (time.Time, bool, error) {
	var r OperationRecord
	err := s.db.WithContext(ctx).
		Where("source_chain_id = ? AND token = ?", uint64(chainID), token.String()).
		Order("created_at DESC").
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return r.CreatedAt, true, nil
}

func (s *OperationStore) Recent(ctx context.Context, limit int) ([]model.RebalanceOperation, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var records []OperationRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return fromRecords(records)
}

func fromRecords(records []OperationRecord) ([]model.RebalanceOperation, error) {
	out := make([]model.RebalanceOperation, 0, len(records))
	for _, r := range records {
		op, err := fromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}
