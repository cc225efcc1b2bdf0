package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/example/wallet-ledger/internal/money"
)

// exchangeTolerance absorbs truncation of converted legs to storage precision.
var exchangeTolerance = decimal.New(1, -(money.Precision - 2))

// Entry is one signed movement on one holder.
type Entry struct {
	Target       TargetRef
	CurrencyCode string
	Amount       decimal.Decimal
	Purpose      string
	Description  string
	Visible      bool
	ShowAmount   *decimal.Decimal

	// AllowOverdraft lets a debit take an account or card below zero.
	AllowOverdraft bool
	// Correction marks an administrative entry accepted on inactive holders.
	Correction bool
}

// Exchange describes the conversion used by a two-currency entry set.
// Reference amounts equal base amounts multiplied by Rate.
type Exchange struct {
	BaseCurrency      string
	ReferenceCurrency string
	Rate              decimal.Decimal
}

// EntrySet is the group of entries produced by one handler invocation. It
// posts atomically or not at all.
type EntrySet struct {
	RequestID string
	Entries   []Entry

	// ExternalLeg is the amount (in base currency) that leaves (negative) or
	// enters (positive) the ledger. Zero for purely internal movements.
	ExternalLeg decimal.Decimal
	Exchange    *Exchange
}

// Add appends an entry and returns the set for chaining.
func (s *EntrySet) Add(e Entry) *EntrySet {
	s.Entries = append(s.Entries, e)
	return s
}

// Purposes lists the purposes in entry order.
func (s EntrySet) Purposes() []string {
	out := make([]string, 0, len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, e.Purpose)
	}
	return out
}

// Sum returns the signed total per currency.
func (s EntrySet) Sum() map[string]decimal.Decimal {
	sums := make(map[string]decimal.Decimal)
	for _, e := range s.Entries {
		sums[e.CurrencyCode] = sums[e.CurrencyCode].Add(e.Amount)
	}
	return sums
}

// Validate checks structure and the double-entry rule.
func (s EntrySet) Validate() error {
	if s.RequestID == "" {
		return Invalid("request_id", "is required")
	}
	if len(s.Entries) == 0 {
		return Invalid("entries", "must not be empty")
	}

	seen := make(map[string]struct{}, len(s.Entries))
	for i, e := range s.Entries {
		if e.Purpose == "" {
			return Invalid(fmt.Sprintf("entries[%d].purpose", i), "is required")
		}
		if _, dup := seen[e.Purpose]; dup {
			return Invalid(fmt.Sprintf("entries[%d].purpose", i), "duplicates "+e.Purpose)
		}
		seen[e.Purpose] = struct{}{}
		if !e.Target.Valid() {
			return Invalid(fmt.Sprintf("entries[%d].target", i), "is invalid")
		}
		if !money.ValidCurrencyCode(e.CurrencyCode) {
			return Invalid(fmt.Sprintf("entries[%d].currency_code", i), "is invalid")
		}
		if e.Amount.IsZero() {
			return Invalid(fmt.Sprintf("entries[%d].amount", i), "must not be zero")
		}
	}

	return s.checkBalanced()
}

func (s EntrySet) checkBalanced() error {
	sums := s.Sum()
	switch len(sums) {
	case 1:
		for _, total := range sums {
			if !total.Equal(s.ExternalLeg) {
				return Invalid("entries", fmt.Sprintf("net to %s, expected %s", total, s.ExternalLeg))
			}
		}
		return nil
	case 2:
		x := s.Exchange
		if x == nil || x.Rate.Sign() <= 0 {
			return Invalid("exchange", "is required for two-currency entry sets")
		}
		base, okBase := sums[x.BaseCurrency]
		ref, okRef := sums[x.ReferenceCurrency]
		if !okBase || !okRef {
			return Invalid("exchange", "currencies do not match entries")
		}
		got := base.Mul(x.Rate).Add(ref)
		want := s.ExternalLeg.Mul(x.Rate)
		if got.Sub(want).Abs().GreaterThan(exchangeTolerance) {
			return Invalid("entries", fmt.Sprintf("net to %s %s after exchange, expected %s", got, x.ReferenceCurrency, want))
		}
		return nil
	default:
		return Invalid("entries", "span more than two currencies")
	}
}

// ValidateCurrencyCode checks a three letter upper-case code.
func ValidateCurrencyCode(code string) error {
	if !money.ValidCurrencyCode(code) {
		return Invalid("currency_code", fmt.Sprintf("%q must be 3 upper-case letters", code))
	}
	return nil
}

// Reconciliation compares the cached balance of a holder with the fold of its
// transaction history.
type Reconciliation struct {
	Target       TargetRef       `json:"target"`
	Cached       decimal.Decimal `json:"cached"`
	Computed     decimal.Decimal `json:"computed"`
	Difference   decimal.Decimal `json:"difference"`
	Transactions int             `json:"transactions"`
	Consistent   bool            `json:"consistent"`
}
