// Package scheduler plans recurring account charges and payouts and executes
// them exactly once when they fall due.
package scheduler

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/requests"
)

type Reason string

const (
	ReasonMaintenanceFee     Reason = "maintenance_fee"
	ReasonLimitBalanceFee    Reason = "limit_balance_fee"
	ReasonCreditLineFee      Reason = "credit_line_fee"
	ReasonInterestGeneration Reason = "interest_generation"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	// StatusFailed parks a row that ran out of attempts. Runners no longer
	// pick it up.
	StatusFailed Status = "failed"
)

// ScheduledTransaction is one planned charge (negative amount) or payout
// (positive amount) of an account.
type ScheduledTransaction struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Reason        Reason          `json:"reason"`
	Amount        decimal.Decimal `json:"amount"`
	ScheduledDate time.Time       `json:"scheduled_date"`
	Status        Status          `json:"status"`
	RequestID     string          `json:"request_id,omitempty"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Log records the amount actually moved by an execution.
type Log struct {
	ID                     string          `json:"id"`
	ScheduledTransactionID string          `json:"scheduled_transaction_id"`
	RequestID              string          `json:"request_id"`
	Amount                 decimal.Decimal `json:"amount"`
	CreatedAt              time.Time       `json:"created_at"`
}

// Accrual is an account together with the type that drives its charges.
type Accrual struct {
	Account ledger.Account
	Type    ledger.AccountType
}

// Store persists scheduled transactions.
type Store interface {
	// Insert returns ledger.ErrAlreadyExists when the account already has a
	// row for the reason and date.
	Insert(ctx context.Context, st *ScheduledTransaction) error
	// PendingExists reports whether the account has a pending row for reason.
	PendingExists(ctx context.Context, accountID string, reason Reason) (bool, error)
	// Due lists pending rows scheduled on or before now and executing rows
	// claimed before staleBefore, oldest first.
	Due(ctx context.Context, now, staleBefore time.Time, limit int) ([]*ScheduledTransaction, error)
	// Claim moves a row to executing if it is pending or its claim is older
	// than staleBefore. It reports whether this caller won the row.
	Claim(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)
	// Release puts a claimed row back to pending and records the failure.
	Release(ctx context.Context, id, reason string, now time.Time) error
	// Park moves a claimed row to failed and records the last failure.
	Park(ctx context.Context, id, reason string, now time.Time) error
	AccountsForAccrual(ctx context.Context) ([]Accrual, error)
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the transaction an execution runs in.
type Tx interface {
	requests.Tx
	// MarkExecuted flips an executing row to executed. It returns
	// ledger.ErrConcurrencyConflict when the row is no longer executing.
	MarkExecuted(ctx context.Context, id, requestID string, now time.Time) error
	// InsertLog returns ledger.ErrAlreadyExists for a second log of the same
	// scheduled transaction.
	InsertLog(ctx context.Context, l *Log) error
}
