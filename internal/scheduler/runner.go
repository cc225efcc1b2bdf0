package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/metrics"
	"github.com/example/wallet-ledger/internal/requests"
)

// Runner executes due scheduled transactions through the request engine.
type Runner struct {
	store    Store
	requests *requests.Service
	logger   *slog.Logger

	BatchSize  int
	StaleAfter time.Duration
	// MaxAttempts bounds how often a failing row is retried before it is
	// parked as failed.
	MaxAttempts int
}

func NewRunner(store Store, svc *requests.Service, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:      store,
		requests:   svc,
		logger:     logger,
		BatchSize:   100,
		StaleAfter:  5 * time.Minute,
		MaxAttempts: 5,
	}
}

// Summary counts the outcome of one RunDue pass.
type Summary struct {
	Executed int
	Failed   int
	Skipped  int
	// Parked counts the failed rows that ran out of attempts.
	Parked int
}

// RunDue executes every row due at now. Rows claimed by another runner are
// skipped. A failed row is released for the next pass until it reaches
// MaxAttempts, then it is parked with its last error.
func (r *Runner) RunDue(ctx context.Context, now time.Time) (Summary, error) {
	var sum Summary
	now = now.UTC().Truncate(time.Microsecond)
	staleBefore := now.Add(-r.StaleAfter)

	due, err := r.store.Due(ctx, now, staleBefore, r.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("list due transactions: %w", err)
	}

	for _, st := range due {
		won, err := r.store.Claim(ctx, st.ID, now, staleBefore)
		if err != nil {
			return sum, fmt.Errorf("claim %s: %w", st.ID, err)
		}
		if !won {
			sum.Skipped++
			continue
		}

		if err := r.execute(ctx, st, now); err != nil {
			sum.Failed++
			metrics.ScheduledExecutions.WithLabelValues(string(st.Reason), "failed").Inc()
			r.logger.Error("scheduled transaction failed", "id", st.ID, "account_id", st.AccountID, "reason", st.Reason, "attempt", st.Attempts+1, "error", err)
			if r.exhausted(st) {
				sum.Parked++
				r.logger.Warn("scheduled transaction parked", "id", st.ID, "account_id", st.AccountID, "reason", st.Reason, "attempts", st.Attempts+1)
				if perr := r.store.Park(ctx, st.ID, err.Error(), now); perr != nil {
					return sum, fmt.Errorf("park %s: %w", st.ID, perr)
				}
				continue
			}
			if rerr := r.store.Release(ctx, st.ID, err.Error(), now); rerr != nil {
				return sum, fmt.Errorf("release %s: %w", st.ID, rerr)
			}
			continue
		}
		sum.Executed++
		metrics.ScheduledExecutions.WithLabelValues(string(st.Reason), "executed").Inc()
	}
	return sum, nil
}

// exhausted reports whether the failure just seen is the row's last allowed
// attempt. A non-positive MaxAttempts retries forever.
func (r *Runner) exhausted(st *ScheduledTransaction) bool {
	return r.MaxAttempts > 0 && st.Attempts+1 >= r.MaxAttempts
}

func (r *Runner) execute(ctx context.Context, st *ScheduledTransaction, now time.Time) error {
	var (
		executed *requests.Request
		posting  ledger.Posting
	)
	err := r.store.InTx(ctx, func(tx Tx) error {
		acc, err := tx.Account(ctx, st.AccountID)
		if err != nil {
			return fmt.Errorf("load account: %w", err)
		}
		req := r.request(st, acc)

		executed, posting, err = r.requests.ProcessSystemRequest(ctx, tx, req)
		if err != nil {
			return err
		}
		if err := tx.InsertLog(ctx, &Log{
			ID:                     uuid.NewString(),
			ScheduledTransactionID: st.ID,
			RequestID:              executed.ID,
			Amount:                 realized(st, executed),
			CreatedAt:              now,
		}); err != nil {
			return err
		}
		return tx.MarkExecuted(ctx, st.ID, executed.ID, now)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyExists) {
			return fmt.Errorf("already executed: %w", ledger.ErrConcurrencyConflict)
		}
		return err
	}

	r.requests.Committed(executed, posting)
	r.logger.Info("scheduled transaction executed", "id", st.ID, "account_id", st.AccountID, "reason", st.Reason, "amount", st.Amount.String(), "request_id", executed.ID)
	return nil
}

// request turns a row into a system request. Charges debit the account in
// favour of the default revenue account; payouts credit the interest
// account (or the account itself) from it.
func (r *Runner) request(st *ScheduledTransaction, acc *ledger.Account) *requests.Request {
	req := &requests.Request{
		Initiator:    requests.InitiatorSystem,
		BaseCurrency: acc.CurrencyCode,
		Amount:       decimal.NewNullDecimal(st.Amount.Abs()),
		Description:  string(st.Reason),
		Input:        map[string]any{"scheduled_transaction_id": st.ID},
	}
	if st.Amount.IsNegative() {
		req.Data = requests.DAData{AccountID: acc.ID, CreditToRevenue: true}
		return req
	}
	target := acc.ID
	if acc.InterestAccountID != "" {
		target = acc.InterestAccountID
	}
	req.Data = requests.CAData{AccountID: target, DebitFromRevenue: true}
	return req
}

// realized is the signed amount the request moved.
func realized(st *ScheduledTransaction, req *requests.Request) decimal.Decimal {
	amount := req.AmountValue()
	if st.Amount.IsNegative() {
		return amount.Neg()
	}
	return amount
}
