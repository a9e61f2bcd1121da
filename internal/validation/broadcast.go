// Package validation checks signed-intent broadcast payloads before the agent considers filling them.
package validation

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Mandate carries the fill conditions of a compact
type Mandate struct {
	ChainID             string   `json:"chainId"`
	Tribunal            string   `json:"tribunal"`
	Recipient           string   `json:"recipient"`
	Allocator           string   `json:"allocator"`
	Expires             string   `json:"expires"`
	Token               string   `json:"token"`
	MinimumAmount       string   `json:"minimumAmount"`
	BaselinePriorityFee string   `json:"baselinePriorityFee"`
	ScalingFactor       string   `json:"scalingFactor"`
	DecayCurve          []string `json:"decayCurve,omitempty"`
	Salt                string   `json:"salt"`
}

// Compact is the sponsor's signed commitment
type Compact struct {
	Arbiter string  `json:"arbiter"`
	Sponsor string  `json:"sponsor"`
	Nonce   string  `json:"nonce"`
	Expires string  `json:"expires"`
	ID      string  `json:"id"`
	Amount  string  `json:"amount"`
	Mandate Mandate `json:"mandate"`
}

// Broadcast is the payload as received. Every field is a string so malformed values can be
// reported field by field instead of failing JSON decoding.
type Broadcast struct {
	ChainID            string  `json:"chainId"`
	Compact            Compact `json:"compact"`
	SponsorSignature   *string `json:"sponsorSignature"`
	AllocatorSignature string  `json:"allocatorSignature"`
}

// FieldError names one rejected field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is the structured rejection of a broadcast
type ValidationError struct {
	Fields []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return fmt.Sprintf("invalid broadcast: %s", strings.Join(parts, "; "))
}

// ValidationOptions holds configuration for the validation process
type ValidationOptions struct {
	// MinTimeToExpiry rejects compacts and mandates expiring sooner than this
	MinTimeToExpiry time.Duration

	// Now is the clock used for expiry checks
	Now func() time.Time
}

// DefaultValidationOptions returns sensible defaults for validation
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		MinTimeToExpiry: 30 * time.Second,
		Now:             time.Now,
	}
}

// checker accumulates field errors while parsing
type checker struct {
	errs []FieldError
}

func (c *checker) fail(field, format string, args ...interface{}) {
	c.errs = append(c.errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (c *checker) err() error {
	if len(c.errs) == 0 {
		return nil
	}
	return &ValidationError{Fields: c.errs}
}

// expiry parses a unix timestamp field and checks it against opts
func (c *checker) expiry(field, v string, opts ValidationOptions) time.Time {
	n := c.number(field, v)
	if n == nil {
		return time.Time{}
	}
	if !n.IsInt64() {
		c.fail(field, "timestamp out of range")
		return time.Time{}
	}
	at := time.Unix(n.Int64(), 0)
	if at.Before(opts.Now().Add(opts.MinTimeToExpiry)) {
		c.fail(field, "expired or expiring within %s", opts.MinTimeToExpiry)
	}
	return at
}

// positive is number with a non-zero requirement
func (c *checker) positive(field, v string) *big.Int {
	n := c.number(field, v)
	if n != nil && n.Sign() == 0 {
		c.fail(field, "must be greater than zero")
	}
	return n
}
