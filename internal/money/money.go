// Package money holds the fixed-point helpers shared by the ledger, fee and
// scheduling code. Amounts are shopspring decimals stored with Precision
// fractional digits.
package money

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits persisted for every amount.
const Precision int32 = 18

var (
	Zero    = decimal.Zero
	Hundred = decimal.NewFromInt(100)

	currencyCodeRe = regexp.MustCompile(`^[A-Z]{3}$`)
	oneInt         = big.NewInt(1)
)

// RoundFunc rounds d to the given number of decimal places.
type RoundFunc func(d decimal.Decimal, places int32) decimal.Decimal

// Parse reads a decimal string and normalises it to storage precision.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Normalize(d), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Normalize truncates d to storage precision.
func Normalize(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Precision)
}

// ValidCurrencyCode reports whether code is an ISO-4217 shaped code.
func ValidCurrencyCode(code string) bool {
	return currencyCodeRe.MatchString(code)
}

// Percent returns amount * pct / 100 at storage precision.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return Normalize(amount.Mul(pct).DivRound(Hundred, Precision+2))
}

// Truncate drops digits beyond places without rounding.
func Truncate(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Truncate(places)
}

// HalfUp rounds half away from zero.
func HalfUp(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}

// HalfEven is banker's rounding.
func HalfEven(d decimal.Decimal, places int32) decimal.Decimal {
	return d.RoundBank(places)
}

// HalfDown rounds to the nearest neighbour, ties towards zero.
func HalfDown(d decimal.Decimal, places int32) decimal.Decimal {
	round := d.Round(places)
	remainder := d.Sub(round).Abs()
	half := decimal.New(5, -places-1)
	if !remainder.Equal(half) {
		return round
	}
	value := round.Coefficient()
	if value.Sign() < 0 {
		value.Add(value, oneInt)
	} else {
		value.Sub(value, oneInt)
	}
	return decimal.NewFromBigInt(value, round.Exponent())
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
