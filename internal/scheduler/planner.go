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
)

var (
	ErrAlreadyScheduled = errors.New("transfer already scheduled")
	ErrInvalidAmount    = errors.New("invalid amount value")
)

// Params describes one charge to plan.
type Params struct {
	AccountID string
	Reason    Reason
	Amount    decimal.Decimal
	Date      time.Time
}

type validator func(ctx context.Context, store Store, p Params) error

func amountNegative(ctx context.Context, store Store, p Params) error {
	if !p.Amount.IsNegative() {
		return fmt.Errorf("%w: %s must be negative for %s", ErrInvalidAmount, p.Amount, p.Reason)
	}
	return nil
}

func amountPositive(ctx context.Context, store Store, p Params) error {
	if !p.Amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive for %s", ErrInvalidAmount, p.Amount, p.Reason)
	}
	return nil
}

func notPending(ctx context.Context, store Store, p Params) error {
	exists, err := store.PendingExists(ctx, p.AccountID, p.Reason)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyScheduled
	}
	return nil
}

func chain(validators ...validator) validator {
	return func(ctx context.Context, store Store, p Params) error {
		for _, v := range validators {
			if err := v(ctx, store, p); err != nil {
				return err
			}
		}
		return nil
	}
}

var validators = map[Reason]validator{
	ReasonMaintenanceFee:     chain(amountNegative, notPending),
	ReasonLimitBalanceFee:    chain(amountNegative, notPending),
	ReasonCreditLineFee:      chain(amountNegative),
	ReasonInterestGeneration: chain(amountPositive),
}

// Planner validates and stores scheduled transactions.
type Planner struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

func NewPlanner(store Store, now func() time.Time, logger *slog.Logger) *Planner {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{store: store, now: now, logger: logger}
}

// Schedule stores a pending transaction for p. A second row for the same
// account, reason and date returns ledger.ErrAlreadyExists.
func (p *Planner) Schedule(ctx context.Context, params Params) (*ScheduledTransaction, error) {
	validate, ok := validators[params.Reason]
	if !ok {
		return nil, ledger.Invalid("reason", fmt.Sprintf("unknown reason %q", params.Reason))
	}
	if params.AccountID == "" {
		return nil, ledger.Invalid("account_id", "is required")
	}
	if err := validate(ctx, p.store, params); err != nil {
		return nil, err
	}

	now := p.now().UTC().Truncate(time.Microsecond)
	st := &ScheduledTransaction{
		ID:            uuid.NewString(),
		AccountID:     params.AccountID,
		Reason:        params.Reason,
		Amount:        params.Amount,
		ScheduledDate: dateOf(params.Date),
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := p.store.Insert(ctx, st); err != nil {
		return nil, err
	}
	p.logger.Debug("transfer scheduled", "id", st.ID, "account_id", st.AccountID, "reason", st.Reason, "amount", st.Amount.String(), "date", st.ScheduledDate.Format(time.DateOnly))
	return st, nil
}

// NextDate returns the next charge date of period on day after now. The
// day is clamped to the length of the target month.
func NextDate(period ledger.ChargePeriod, day int, now time.Time) (time.Time, error) {
	now = now.UTC()
	current := now.Month()

	var month time.Month
	switch period {
	case ledger.PeriodMonthly:
		month = current%12 + 1
	case ledger.PeriodQuarterly:
		month = time.January
		for _, m := range []time.Month{time.April, time.July, time.October} {
			if current < m {
				month = m
				break
			}
		}
	case ledger.PeriodBiAnnually:
		month = time.January
		if current < time.July {
			month = time.July
		}
	case ledger.PeriodAnnually:
		month = time.January
	default:
		return time.Time{}, fmt.Errorf("unknown charge period %q", period)
	}

	year := now.Year()
	if month <= current {
		year++
	}
	if day < 1 {
		day = 1
	}
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), nil
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func dateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
