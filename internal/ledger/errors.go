package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrPersistence         = errors.New("persistence failure")
)

// ValidationError reports malformed or missing input. Nothing was posted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// Invalid is shorthand for a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InsufficientFundsError is returned when a debit would cross the zero floor.
type InsufficientFundsError struct {
	Target  TargetRef
	Balance decimal.Decimal
	Amount  decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on %s: balance %s, debit %s", e.Target, e.Balance, e.Amount.Abs())
}

// AccountFrozenError is returned when posting to an inactive holder.
type AccountFrozenError struct {
	Target TargetRef
}

func (e *AccountFrozenError) Error() string {
	return fmt.Sprintf("%s is not active", e.Target)
}

// CardInvalidError is returned when a card cannot receive funds.
type CardInvalidError struct {
	CardID string
	Reason string
}

func (e *CardInvalidError) Error() string {
	return fmt.Sprintf("card %s invalid: %s", e.CardID, e.Reason)
}

// BusinessRuleError is implemented by failures that reject a request rather
// than abort the operation.
type BusinessRuleError interface {
	error
	BusinessRule() string
}

func (e *ValidationError) BusinessRule() string        { return "validation_error" }
func (e *InsufficientFundsError) BusinessRule() string { return "insufficient_funds" }
func (e *AccountFrozenError) BusinessRule() string     { return "account_frozen" }
func (e *CardInvalidError) BusinessRule() string       { return "card_invalid" }

// IsBusinessRule reports whether err (or anything it wraps) is a business
// rule failure and returns its code.
func IsBusinessRule(err error) (string, bool) {
	var br BusinessRuleError
	if errors.As(err, &br) {
		return br.BusinessRule(), true
	}
	return "", false
}

// IsRetryable reports whether the operation can be retried as is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
