package fees

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/money"
)

// DaysInYear returns 366 for leap years and 365 otherwise.
func DaysInYear(year int) int {
	return time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC).YearDay()
}

// DailyInterest is amount * pct / 100 / daysInYear * days.
func DailyInterest(amount, annualPercent decimal.Decimal, daysInYear, days int) decimal.Decimal {
	if daysInYear <= 0 || days <= 0 {
		return decimal.Zero
	}
	perYear := amount.Mul(annualPercent).Div(money.Hundred)
	return money.Normalize(perYear.DivRound(decimal.NewFromInt(int64(daysInYear)), money.Precision+4).Mul(decimal.NewFromInt(int64(days))))
}

// PeriodMonths is the length of a charge period in months.
func PeriodMonths(p ledger.ChargePeriod) (int, error) {
	switch p {
	case ledger.PeriodMonthly:
		return 1, nil
	case ledger.PeriodQuarterly:
		return 3, nil
	case ledger.PeriodBiAnnually:
		return 6, nil
	case ledger.PeriodAnnually:
		return 12, nil
	}
	return 0, fmt.Errorf("unknown charge period %q", p)
}

// PeriodInterest prorates an annual rate over the days of one period
// starting at from.
func PeriodInterest(amount, annualPercent decimal.Decimal, period ledger.ChargePeriod, from time.Time) (decimal.Decimal, error) {
	months, err := PeriodMonths(period)
	if err != nil {
		return decimal.Zero, err
	}
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	days := int(start.AddDate(0, months, 0).Sub(start).Hours() / 24)
	return DailyInterest(amount, annualPercent, DaysInYear(start.Year()), days), nil
}
