package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/wallet-ledger/internal/fees"
	"github.com/example/wallet-ledger/internal/ledger"
)

// maxWatchErrors stops a watcher pass after this many failed accounts.
const maxWatchErrors = 3

// Watcher scans accounts and plans the charges their types call for.
type Watcher struct {
	store   Store
	planner *Planner
	now     func() time.Time
	logger  *slog.Logger
}

func NewWatcher(store Store, planner *Planner, now func() time.Time, logger *slog.Logger) *Watcher {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{store: store, planner: planner, now: now, logger: logger}
}

// plan computes the charge of one account. A zero amount means nothing is
// owed.
type plan func(a Accrual, now time.Time) (decimal.Decimal, time.Time, error)

func (w *Watcher) watch(ctx context.Context, reason Reason, eligible func(Accrual) bool, compute plan) (int, error) {
	logger := w.logger.With("task", "watch", "reason", reason)
	accounts, err := w.store.AccountsForAccrual(ctx)
	if err != nil {
		return 0, fmt.Errorf("load accounts: %w", err)
	}

	now := w.now().UTC()
	var (
		scheduled int
		failures  []error
	)
	for _, a := range accounts {
		if a.Account.Matured(now) || !eligible(a) {
			continue
		}
		amount, date, err := compute(a, now)
		if err == nil && amount.IsZero() {
			continue
		}
		if err == nil {
			_, err = w.planner.Schedule(ctx, Params{AccountID: a.Account.ID, Reason: reason, Amount: amount, Date: date})
		}
		if errors.Is(err, ErrAlreadyScheduled) || errors.Is(err, ledger.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			logger.Error("failed to schedule transfer", "account_id", a.Account.ID, "error", err)
			failures = append(failures, fmt.Errorf("account %s: %w", a.Account.ID, err))
			if len(failures) >= maxWatchErrors {
				break
			}
			continue
		}
		scheduled++
	}

	if scheduled > 0 {
		logger.Info("scheduled transfers", "count", scheduled)
	}
	return scheduled, errors.Join(failures...)
}

// WatchMaintenanceFee plans the monthly maintenance fee on the first of
// next month.
func (w *Watcher) WatchMaintenanceFee(ctx context.Context) (int, error) {
	return w.watch(ctx, ReasonMaintenanceFee,
		func(a Accrual) bool { return a.Type.MonthlyMaintenanceFee.IsPositive() },
		func(a Accrual, now time.Time) (decimal.Decimal, time.Time, error) {
			date, err := NextDate(ledger.PeriodMonthly, 1, now)
			return a.Type.MonthlyMaintenanceFee.Neg(), date, err
		})
}

// WatchLimitBalance plans the balance fee of accounts holding less than the
// minimum balance of their type.
func (w *Watcher) WatchLimitBalance(ctx context.Context) (int, error) {
	return w.watch(ctx, ReasonLimitBalanceFee,
		func(a Accrual) bool {
			return a.Type.BalanceLimitAmount.IsPositive() && a.Type.BalanceFeeAmount.IsPositive() &&
				a.Account.Balance.LessThan(a.Type.BalanceLimitAmount)
		},
		func(a Accrual, now time.Time) (decimal.Decimal, time.Time, error) {
			date, err := NextDate(ledger.PeriodMonthly, a.Type.BalanceChargeDay, now)
			return a.Type.BalanceFeeAmount.Neg(), date, err
		})
}

// WatchCreditLine plans interest on negative balances for one credit
// charge period.
func (w *Watcher) WatchCreditLine(ctx context.Context) (int, error) {
	return w.watch(ctx, ReasonCreditLineFee,
		func(a Accrual) bool {
			return a.Account.Balance.IsNegative() && a.Type.CreditAnnualInterestRate.IsPositive()
		},
		func(a Accrual, now time.Time) (decimal.Decimal, time.Time, error) {
			date, err := NextDate(a.Type.CreditChargePeriod, a.Type.CreditChargeDay, now)
			if err != nil {
				return decimal.Zero, date, err
			}
			interest, err := fees.PeriodInterest(a.Account.Balance.Abs(), a.Type.CreditAnnualInterestRate, a.Type.CreditChargePeriod, now)
			return interest.Neg(), date, err
		})
}

// WatchInterestGeneration plans deposit interest on positive balances for
// one payout period.
func (w *Watcher) WatchInterestGeneration(ctx context.Context) (int, error) {
	return w.watch(ctx, ReasonInterestGeneration,
		func(a Accrual) bool {
			return a.Account.Balance.IsPositive() && a.Type.DepositAnnualInterestRate.IsPositive()
		},
		func(a Accrual, now time.Time) (decimal.Decimal, time.Time, error) {
			date, err := NextDate(a.Type.DepositPayoutPeriod, a.Type.DepositPayoutDay, now)
			if err != nil {
				return decimal.Zero, date, err
			}
			interest, err := fees.PeriodInterest(a.Account.Balance, a.Type.DepositAnnualInterestRate, a.Type.DepositPayoutPeriod, now)
			return interest, date, err
		})
}

// WatchAll runs every watcher and joins their errors.
func (w *Watcher) WatchAll(ctx context.Context) error {
	var errs []error
	for _, watch := range []func(context.Context) (int, error){
		w.WatchMaintenanceFee,
		w.WatchLimitBalance,
		w.WatchCreditLine,
		w.WatchInterestGeneration,
	} {
		if _, err := watch(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
