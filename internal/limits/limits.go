// Package limits enforces named ceilings on the movements of an entry set.
package limits

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/wallet-ledger/internal/ledger"
)

const (
	MaxDebitPerTransfer  = "max_debit_per_transfer"
	MaxCreditPerTransfer = "max_credit_per_transfer"
	MaxTotalBalance      = "max_total_balance"
	// Ceilings on a user's account debits within the current UTC day or
	// calendar month, this transfer included.
	MaxTotalDebitPerDay   = "max_total_debit_per_day"
	MaxTotalDebitPerMonth = "max_total_debit_per_month"

	EntityUser    = "user"
	EntityAccount = "account"
)

// Limit caps the exposure of one entity.
type Limit struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Entity       string          `json:"entity"`
	EntityID     string          `json:"entity_id"`
	CurrencyCode string          `json:"currency_code"`
	Amount       decimal.Decimal `json:"amount"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Validate checks a limit before it is stored.
func (l Limit) Validate() error {
	switch l.Name {
	case MaxDebitPerTransfer, MaxCreditPerTransfer, MaxTotalDebitPerDay, MaxTotalDebitPerMonth:
		if l.Entity != EntityUser {
			return ledger.Invalid("entity", l.Name+" applies to users")
		}
	case MaxTotalBalance:
		if l.Entity != EntityAccount {
			return ledger.Invalid("entity", l.Name+" applies to accounts")
		}
	default:
		return ledger.Invalid("name", fmt.Sprintf("unknown limit %q", l.Name))
	}
	if l.EntityID == "" {
		return ledger.Invalid("entity_id", "is required")
	}
	if l.Amount.IsNegative() {
		return ledger.Invalid("amount", "must not be negative")
	}
	return ledger.ValidateCurrencyCode(l.CurrencyCode)
}

// ExceededError is a business rule failure: the request is rejected.
type ExceededError struct {
	Name     string
	EntityID string
	Limit    decimal.Decimal
	Actual   decimal.Decimal
	Currency string
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s exceeded for %s: limit %s %s, got %s %s", e.Name, e.EntityID, e.Limit, e.Currency, e.Actual, e.Currency)
}

func (e *ExceededError) BusinessRule() string { return "limit_exceeded" }

// Source reads limits and the accounts an entry set touches.
type Source interface {
	// Limit returns nil, nil when no limit is configured.
	Limit(ctx context.Context, name, entity, entityID string) (*Limit, error)
	Account(ctx context.Context, id string) (*ledger.Account, error)
	// DebitedByUser sums the debits posted to the user's accounts in
	// currency with from <= created_at < till.
	DebitedByUser(ctx context.Context, userID, currency string, from, till time.Time) (decimal.Decimal, error)
}

// Checker evaluates the configured limits against an entry set.
type Checker struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewChecker(logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{logger: logger, now: time.Now}
}

// window is the period a cumulative debit limit covers.
type window struct {
	name string
	from time.Time
	till time.Time
}

func (c *Checker) windows() []window {
	now := c.now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return []window{
		{name: MaxTotalDebitPerDay, from: day, till: day.AddDate(0, 0, 1)},
		{name: MaxTotalDebitPerMonth, from: month, till: month.AddDate(0, 1, 0)},
	}
}

type userKey struct {
	userID   string
	currency string
}

// Check aggregates account debits and credits per user and resulting
// balances per account, then compares them with the limits in the same
// currency. Limits in another currency are not converted and are skipped.
func (c *Checker) Check(ctx context.Context, src Source, set ledger.EntrySet) error {
	accounts := make(map[string]*ledger.Account)
	debits := make(map[userKey]decimal.Decimal)
	credits := make(map[userKey]decimal.Decimal)
	deltas := make(map[string]decimal.Decimal)

	for _, e := range set.Entries {
		if e.Target.Kind != ledger.KindAccount {
			continue
		}
		acc, ok := accounts[e.Target.ID]
		if !ok {
			var err error
			acc, err = src.Account(ctx, e.Target.ID)
			if err != nil {
				return fmt.Errorf("load account %s: %w", e.Target.ID, err)
			}
			accounts[e.Target.ID] = acc
		}
		key := userKey{userID: acc.UserID, currency: e.CurrencyCode}
		if e.Amount.IsNegative() {
			debits[key] = debits[key].Add(e.Amount.Abs())
		} else {
			credits[key] = credits[key].Add(e.Amount)
		}
		deltas[acc.ID] = deltas[acc.ID].Add(e.Amount)
	}

	if err := c.checkUsers(ctx, src, MaxDebitPerTransfer, debits); err != nil {
		return err
	}
	if err := c.checkUsers(ctx, src, MaxCreditPerTransfer, credits); err != nil {
		return err
	}
	for _, w := range c.windows() {
		if err := c.checkPeriod(ctx, src, w, debits); err != nil {
			return err
		}
	}

	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !deltas[id].IsPositive() {
			continue
		}
		acc := accounts[id]
		lim, err := src.Limit(ctx, MaxTotalBalance, EntityAccount, id)
		if err != nil {
			return fmt.Errorf("load limit: %w", err)
		}
		if lim == nil || lim.CurrencyCode != acc.CurrencyCode {
			continue
		}
		resulting := acc.Balance.Add(deltas[id])
		if resulting.GreaterThan(lim.Amount) {
			return c.exceeded(lim, resulting)
		}
	}
	return nil
}

func sortedUsers(totals map[userKey]decimal.Decimal) []userKey {
	keys := make([]userKey, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].userID != keys[j].userID {
			return keys[i].userID < keys[j].userID
		}
		return keys[i].currency < keys[j].currency
	})
	return keys
}

func (c *Checker) checkUsers(ctx context.Context, src Source, name string, totals map[userKey]decimal.Decimal) error {
	for _, k := range sortedUsers(totals) {
		if k.userID == "" {
			continue
		}
		lim, err := src.Limit(ctx, name, EntityUser, k.userID)
		if err != nil {
			return fmt.Errorf("load limit: %w", err)
		}
		if lim == nil || lim.CurrencyCode != k.currency {
			continue
		}
		if totals[k].GreaterThan(lim.Amount) {
			return c.exceeded(lim, totals[k])
		}
	}
	return nil
}

// checkPeriod adds what each user already debited within w to the debits
// of this set.
func (c *Checker) checkPeriod(ctx context.Context, src Source, w window, debits map[userKey]decimal.Decimal) error {
	for _, k := range sortedUsers(debits) {
		if k.userID == "" {
			continue
		}
		lim, err := src.Limit(ctx, w.name, EntityUser, k.userID)
		if err != nil {
			return fmt.Errorf("load limit: %w", err)
		}
		if lim == nil || lim.CurrencyCode != k.currency {
			continue
		}
		past, err := src.DebitedByUser(ctx, k.userID, k.currency, w.from, w.till)
		if err != nil {
			return fmt.Errorf("sum debits for %s: %w", w.name, err)
		}
		if total := past.Add(debits[k]); total.GreaterThan(lim.Amount) {
			return c.exceeded(lim, total)
		}
	}
	return nil
}

func (c *Checker) exceeded(lim *Limit, actual decimal.Decimal) error {
	err := &ExceededError{
		Name:     lim.Name,
		EntityID: lim.EntityID,
		Limit:    lim.Amount,
		Actual:   actual,
		Currency: lim.CurrencyCode,
	}
	c.logger.Info("limit exceeded", "limit", lim.Name, "entity_id", lim.EntityID, "limit_amount", lim.Amount.String(), "actual", actual.String())
	return err
}
