package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wallet-ledger/internal/ledger"
)

type fakeSource struct {
	limits   map[string]*Limit
	accounts map[string]*ledger.Account
	// posted debits of alice, by time
	history map[time.Time]decimal.Decimal
}

func (f *fakeSource) DebitedByUser(ctx context.Context, userID, currency string, from, till time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	if userID != "alice" || currency != "EUR" {
		return total, nil
	}
	for at, amount := range f.history {
		if !at.Before(from) && at.Before(till) {
			total = total.Add(amount)
		}
	}
	return total, nil
}

func (f *fakeSource) Limit(ctx context.Context, name, entity, entityID string) (*Limit, error) {
	return f.limits[name+"/"+entity+"/"+entityID], nil
}

func (f *fakeSource) Account(ctx context.Context, id string) (*ledger.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return a, nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func source() *fakeSource {
	return &fakeSource{
		limits: map[string]*Limit{},
		accounts: map[string]*ledger.Account{
			"src": {ID: "src", UserID: "alice", CurrencyCode: "EUR", Balance: d("500")},
			"dst": {ID: "dst", UserID: "bob", CurrencyCode: "EUR", Balance: d("900")},
		},
	}
}

func transfer(amount string) ledger.EntrySet {
	return ledger.EntrySet{
		RequestID: "r1",
		Entries: []ledger.Entry{
			{Target: ledger.AccountRef("src"), CurrencyCode: "EUR", Amount: d(amount).Neg(), Purpose: "transfer"},
			{Target: ledger.AccountRef("dst"), CurrencyCode: "EUR", Amount: d(amount), Purpose: "transfer_incoming"},
		},
	}
}

func TestCheck_NoLimits(t *testing.T) {
	require.NoError(t, NewChecker(nil).Check(context.Background(), source(), transfer("400")))
}

func TestCheck_MaxDebitPerTransfer(t *testing.T) {
	src := source()
	src.limits["max_debit_per_transfer/user/alice"] = &Limit{Name: MaxDebitPerTransfer, EntityID: "alice", CurrencyCode: "EUR", Amount: d("100")}
	c := NewChecker(nil)

	require.NoError(t, c.Check(context.Background(), src, transfer("100")))

	err := c.Check(context.Background(), src, transfer("100.01"))
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, MaxDebitPerTransfer, exceeded.Name)

	code, ok := ledger.IsBusinessRule(err)
	assert.True(t, ok)
	assert.Equal(t, "limit_exceeded", code)
}

func TestCheck_MaxCreditPerTransfer(t *testing.T) {
	src := source()
	src.limits["max_credit_per_transfer/user/bob"] = &Limit{Name: MaxCreditPerTransfer, EntityID: "bob", CurrencyCode: "EUR", Amount: d("50")}

	err := NewChecker(nil).Check(context.Background(), src, transfer("60"))
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, "bob", exceeded.EntityID)
}

func TestCheck_MaxTotalBalance(t *testing.T) {
	src := source()
	src.limits["max_total_balance/account/dst"] = &Limit{Name: MaxTotalBalance, EntityID: "dst", CurrencyCode: "EUR", Amount: d("1000")}
	c := NewChecker(nil)

	require.NoError(t, c.Check(context.Background(), src, transfer("100")))

	err := c.Check(context.Background(), src, transfer("100.5"))
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.True(t, exceeded.Actual.Equal(d("1000.5")))
}

func TestCheck_OtherCurrencyIgnored(t *testing.T) {
	src := source()
	src.limits["max_debit_per_transfer/user/alice"] = &Limit{Name: MaxDebitPerTransfer, EntityID: "alice", CurrencyCode: "USD", Amount: d("1")}
	require.NoError(t, NewChecker(nil).Check(context.Background(), src, transfer("400")))
}

func TestLimitValidate(t *testing.T) {
	ok := Limit{Name: MaxTotalBalance, Entity: EntityAccount, EntityID: "a", CurrencyCode: "EUR", Amount: d("10")}
	assert.NoError(t, ok.Validate())

	wrongEntity := ok
	wrongEntity.Entity = EntityUser
	assert.Error(t, wrongEntity.Validate())

	unknown := ok
	unknown.Name = "max_per_day"
	assert.Error(t, unknown.Validate())

	daily := Limit{Name: MaxTotalDebitPerDay, Entity: EntityUser, EntityID: "u", CurrencyCode: "EUR", Amount: d("10")}
	assert.NoError(t, daily.Validate())
	daily.Entity = EntityAccount
	assert.Error(t, daily.Validate())

	negative := ok
	negative.Amount = d("-1")
	assert.Error(t, negative.Validate())
}

func TestCheck_MaxTotalDebitPerPeriod(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	src := source()
	src.history = map[time.Time]decimal.Decimal{
		now.Add(-2 * time.Hour):    d("60"),  // today
		now.Add(-10*time.Hour - 1): d("7"),   // last instant of yesterday
		now.AddDate(0, 0, -3):      d("200"), // earlier this month
		now.AddDate(0, -1, 0):      d("999"), // last month
	}
	c := NewChecker(nil)
	c.now = func() time.Time { return now }

	src.limits["max_total_debit_per_day/user/alice"] = &Limit{Name: MaxTotalDebitPerDay, EntityID: "alice", CurrencyCode: "EUR", Amount: d("100")}
	require.NoError(t, c.Check(context.Background(), src, transfer("40")))

	err := c.Check(context.Background(), src, transfer("40.01"))
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, MaxTotalDebitPerDay, exceeded.Name)
	assert.True(t, exceeded.Actual.Equal(d("100.01")), exceeded.Actual.String())

	delete(src.limits, "max_total_debit_per_day/user/alice")
	src.limits["max_total_debit_per_month/user/alice"] = &Limit{Name: MaxTotalDebitPerMonth, EntityID: "alice", CurrencyCode: "EUR", Amount: d("300")}
	require.NoError(t, c.Check(context.Background(), src, transfer("33")))

	err = c.Check(context.Background(), src, transfer("34"))
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, MaxTotalDebitPerMonth, exceeded.Name)
	assert.True(t, exceeded.Actual.Equal(d("301")), exceeded.Actual.String())

	// bob only receives, so his limit is never consulted
	src.limits["max_total_debit_per_day/user/bob"] = &Limit{Name: MaxTotalDebitPerDay, EntityID: "bob", CurrencyCode: "EUR", Amount: d("0")}
	require.NoError(t, c.Check(context.Background(), src, transfer("1")))
}
