package fees

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wallet-ledger/internal/ledger"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func bound(s string) decimal.NullDecimal { return decimal.NewNullDecimal(d(s)) }

func TestComputeFee(t *testing.T) {
	tests := []struct {
		name   string
		params Parameters
		amount string
		want   string
	}{
		{"percent above base", Parameters{Base: d("1"), Percent: d("2")}, "100", "2"},
		{"base above percent", Parameters{Base: d("5"), Percent: d("2")}, "100", "5"},
		{"clamped to max", Parameters{Base: d("0"), Percent: d("10"), Max: bound("3")}, "100", "3"},
		{"clamped to min", Parameters{Base: d("0"), Percent: d("1"), Min: bound("4")}, "100", "4"},
		{"unbounded", Parameters{Base: d("0"), Percent: d("10")}, "1000000", "100000"},
		{"zero policy", Parameters{}, "100", "0"},
		{"fractional", Parameters{Percent: d("1.5")}, "33.33", "0.49995"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeFee(tt.params, d(tt.amount))
			assert.True(t, got.Equal(d(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestParametersValidate(t *testing.T) {
	assert.NoError(t, Parameters{CurrencyCode: "EUR", Base: d("1")}.Validate())
	assert.Error(t, Parameters{CurrencyCode: "eur"}.Validate())
	assert.Error(t, Parameters{CurrencyCode: "EUR", Base: d("-1")}.Validate())
	assert.Error(t, Parameters{CurrencyCode: "EUR", Min: bound("5"), Max: bound("1")}.Validate())
}

func TestSelectFeeDefinition(t *testing.T) {
	defs := []TransferFee{
		{ID: "f1", Subject: "TBA", UserGroups: []string{"gold"}},
		{ID: "f2", Subject: "OWT", UserGroups: []string{"basic", "gold"}},
		{ID: "f3", Subject: "OWT", UserGroups: []string{"gold"}},
	}

	got, ok := SelectFeeDefinition(defs, "OWT", "gold")
	require.True(t, ok)
	assert.Equal(t, "f2", got.ID)

	_, ok = SelectFeeDefinition(defs, "TBA", "basic")
	assert.False(t, ok)
	_, ok = SelectFeeDefinition(defs, "CFT", "gold")
	assert.False(t, ok)
}

type fakeSource struct {
	defs   []TransferFee
	params map[string]Parameters
}

func (f *fakeSource) TransferFees(ctx context.Context, subject string) ([]TransferFee, error) {
	return f.defs, nil
}

func (f *fakeSource) FeeParameters(ctx context.Context, feeID, currency string) (*Parameters, error) {
	p, ok := f.params[feeID+"/"+currency]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &p, nil
}

func TestEngine_TransferFee(t *testing.T) {
	src := &fakeSource{
		defs:   []TransferFee{{ID: "f1", Subject: "TBU", UserGroups: []string{"basic"}}},
		params: map[string]Parameters{"f1/EUR": {Base: d("0.5"), Percent: d("1"), Max: bound("10")}},
	}
	e := NewEngine(nil)
	ctx := context.Background()

	fee, ok, err := e.TransferFee(ctx, src, "TBU", "basic", "EUR", d("200"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, fee.Equal(d("2")))

	_, ok, err = e.TransferFee(ctx, src, "TBU", "basic", "USD", d("200"))
	require.NoError(t, err)
	assert.False(t, ok, "no parameters for currency")

	_, ok, err = e.TransferFee(ctx, src, "TBU", "vip", "EUR", d("200"))
	require.NoError(t, err)
	assert.False(t, ok, "group not eligible")

	_, ok, err = e.TransferFee(ctx, src, "TBU", "", "EUR", d("200"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDaysInYear(t *testing.T) {
	assert.Equal(t, 366, DaysInYear(2024))
	assert.Equal(t, 365, DaysInYear(2025))
	assert.Equal(t, 365, DaysInYear(2100))
	assert.Equal(t, 366, DaysInYear(2000))
}

func TestDailyInterest(t *testing.T) {
	got := DailyInterest(d("36500"), d("10"), 365, 1)
	assert.True(t, got.Equal(d("10")), got.String())

	got = DailyInterest(d("36500"), d("10"), 365, 30)
	assert.True(t, got.Equal(d("300")), got.String())

	assert.True(t, DailyInterest(d("100"), d("10"), 0, 1).IsZero())
}

func TestPeriodInterest(t *testing.T) {
	from := time.Date(2025, time.January, 1, 15, 0, 0, 0, time.UTC)

	monthly, err := PeriodInterest(d("36500"), d("10"), ledger.PeriodMonthly, from)
	require.NoError(t, err)
	assert.True(t, monthly.Equal(d("310")), monthly.String())

	annual, err := PeriodInterest(d("36500"), d("10"), ledger.PeriodAnnually, from)
	require.NoError(t, err)
	assert.True(t, annual.Equal(d("3650")), annual.String())

	_, err = PeriodInterest(d("1"), d("1"), ledger.ChargePeriod("weekly"), from)
	assert.Error(t, err)
}
