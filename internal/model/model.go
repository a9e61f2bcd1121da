// Package model defines the core data structures shared by the agent's stores and loops.
package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/yourorg/rebalance-agent/internal/types"
)

// LockStatus is the lifecycle position of a resource lock
type LockStatus string

const (
	LockDisabled    LockStatus = "disabled"
	LockPending     LockStatus = "pending"
	LockEnabled     LockStatus = "enabled"
	LockProcessing  LockStatus = "processing"
	LockWithdrawing LockStatus = "withdrawing"
	LockWithdrawn   LockStatus = "withdrawn"
	LockFailed      LockStatus = "failed"
)

// lockTransitions is the forward-only transition graph
var lockTransitions = map[LockStatus][]LockStatus{
	LockDisabled:    {LockPending},
	LockPending:     {LockEnabled, LockFailed},
	LockEnabled:     {LockProcessing},
	LockProcessing:  {LockWithdrawing, LockFailed},
	LockWithdrawing: {LockWithdrawn, LockFailed},
}

// CanTransition reports whether a lock may move from s to next.
// Rewriting the same status is always allowed.
func (s LockStatus) CanTransition(next LockStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range lockTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions exist
func (s LockStatus) Terminal() bool {
	return s == LockWithdrawn || s == LockFailed
}

// FailureReason records why a lock withdrawal did not complete
type FailureReason string

const (
	FailureNone     FailureReason = ""
	FailureTimeout  FailureReason = "TIMEOUT"
	FailureReverted FailureReason = "REVERTED"
)

// LockKey identifies a resource lock across chains
type LockKey struct {
	ChainID types.ChainID
	LockID  string
}

// LockState is the agent's view of one resource lock
type LockState struct {
	ChainID      types.ChainID  `json:"chain_id"`
	LockID       string         `json:"lock_id"`
	TokenAddress common.Address `json:"token_address"`
	Status       LockStatus     `json:"status"`

	// Balance is in the token's smallest unit
	Balance *big.Int `json:"balance"`

	// USDValue is nil until both balance and price are known
	USDValue *float64 `json:"usd_value,omitempty"`

	// AvailableAt is when a forced withdrawal becomes executable
	AvailableAt time.Time `json:"available_at,omitempty"`

	EnableTxHash          string        `json:"enable_tx_hash,omitempty"`
	EnableConfirmed       bool          `json:"enable_confirmed"`
	WithdrawTxHash        string        `json:"withdraw_tx_hash,omitempty"`
	WithdrawConfirmed     bool          `json:"withdraw_confirmed"`
	LastWithdrawalAttempt time.Time     `json:"last_withdrawal_attempt,omitempty"`
	FailureReason         FailureReason `json:"failure_reason,omitempty"`
	LastUpdated           time.Time     `json:"last_updated"`
}

// Key returns the store key of this lock
func (s LockState) Key() LockKey {
	return LockKey{ChainID: s.ChainID, LockID: s.LockID}
}

// Clone returns a deep copy so callers never share big.Int or pointer fields with a store
func (s LockState) Clone() LockState {
	c := s
	if s.Balance != nil {
		c.Balance = new(big.Int).Set(s.Balance)
	}
	if s.USDValue != nil {
		v := *s.USDValue
		c.USDValue = &v
	}
	return c
}

// HasPositiveValue reports whether the lock is known to be worth more than zero
func (s LockState) HasPositiveValue() bool {
	return s.USDValue != nil && *s.USDValue > 0
}

// PriceSample is a USD price for a chain's native asset
type PriceSample struct {
	ChainID   types.ChainID `json:"chain_id"`
	Price     float64       `json:"price"`
	Timestamp time.Time     `json:"timestamp"`
	Source    string        `json:"source"`
}

// ChainTokenBalance holds the agent's balances on one chain, in smallest units
type ChainTokenBalance struct {
	ChainID     types.ChainID `json:"chain_id"`
	Native      *big.Int      `json:"native"`
	WETH        *big.Int      `json:"weth"`
	USDC        *big.Int      `json:"usdc"`
	LastUpdated time.Time     `json:"last_updated"`
}

// Of returns the balance of a token, or zero when it has not been fetched
func (b ChainTokenBalance) Of(t types.Token) *big.Int {
	var v *big.Int
	switch t {
	case types.TokenETH:
		v = b.Native
	case types.TokenWETH:
		v = b.WETH
	case types.TokenUSDC:
		v = b.USDC
	}
	if v == nil {
		return new(big.Int)
	}
	return v
}

// OperationStatus is the lifecycle position of a rebalance operation
type OperationStatus string

const (
	OperationPending    OperationStatus = "pending"
	OperationProcessing OperationStatus = "processing"
	OperationCompleted  OperationStatus = "completed"
	OperationFailed     OperationStatus = "failed"
	OperationCancelled  OperationStatus = "cancelled"
)

// Terminal reports whether the operation can no longer change
func (s OperationStatus) Terminal() bool {
	return s == OperationCompleted || s == OperationFailed || s == OperationCancelled
}

// CanTransition reports whether an operation may move from s to next
func (s OperationStatus) CanTransition(next OperationStatus) bool {
	switch s {
	case OperationPending:
		return next == OperationProcessing || next == OperationFailed || next == OperationCancelled
	case OperationProcessing:
		return next == OperationCompleted || next == OperationFailed || next == OperationCancelled
	}
	return false
}

// RebalanceOperation is one cross-chain transfer proposed by the decision engine.
// Amount, USDValue and the chain ids are fixed at creation.
type RebalanceOperation struct {
	ID                 string          `json:"id"`
	SourceChainID      types.ChainID   `json:"source_chain_id"`
	DestinationChainID types.ChainID   `json:"destination_chain_id"`
	Token              types.Token     `json:"token"`
	Amount             *big.Int        `json:"amount"`
	USDValue           float64         `json:"usd_value"`
	Status             OperationStatus `json:"status"`
	BridgeTxHash       string          `json:"bridge_tx_hash,omitempty"`
	DepositID          string          `json:"deposit_id,omitempty"`
	// OutputAmount is the amount the bridge quoted for the destination; slippage is
	// the difference to Amount and never rewrites USDValue.
	OutputAmount *big.Int   `json:"output_amount,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the operation
func (o RebalanceOperation) Clone() RebalanceOperation {
	c := o
	if o.Amount != nil {
		c.Amount = new(big.Int).Set(o.Amount)
	}
	if o.OutputAmount != nil {
		c.OutputAmount = new(big.Int).Set(o.OutputAmount)
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// OperationUpdate carries the mutable fields of an operation status change
type OperationUpdate struct {
	Status       OperationStatus
	BridgeTxHash string
	DepositID    string
	OutputAmount *big.Int
	ErrorMessage string
}
