// Package fees evaluates transfer fee policies and the interest formulas used
// by scheduled account charges.
package fees

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/money"
)

// TransferFee is a named fee policy scoped to one request subject.
type TransferFee struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Subject    string    `json:"subject"`
	UserGroups []string  `json:"user_groups"`
	CreatedAt  time.Time `json:"created_at"`
}

// Parameters are the per-currency amounts of a TransferFee. Unset Min and
// Max are unbounded.
type Parameters struct {
	TransferFeeID string              `json:"transfer_fee_id"`
	CurrencyCode  string              `json:"currency_code"`
	Base          decimal.Decimal     `json:"base"`
	Min           decimal.NullDecimal `json:"min"`
	Max           decimal.NullDecimal `json:"max"`
	Percent       decimal.Decimal     `json:"percent"`
}

// Validate checks the parameter row before it is stored.
func (p Parameters) Validate() error {
	if err := ledger.ValidateCurrencyCode(p.CurrencyCode); err != nil {
		return err
	}
	if p.Base.IsNegative() || p.Percent.IsNegative() {
		return ledger.Invalid("parameters", "base and percent must not be negative")
	}
	if p.Min.Valid && p.Max.Valid && p.Min.Decimal.GreaterThan(p.Max.Decimal) {
		return ledger.Invalid("parameters", "min exceeds max")
	}
	return nil
}

// ComputeFee evaluates clamp(max(base, amount*percent/100), min, max). The
// result is never negative.
func ComputeFee(p Parameters, amount decimal.Decimal) decimal.Decimal {
	fee := decimal.Max(p.Base, money.Percent(amount, p.Percent))
	if p.Min.Valid && fee.LessThan(p.Min.Decimal) {
		fee = p.Min.Decimal
	}
	if p.Max.Valid && fee.GreaterThan(p.Max.Decimal) {
		fee = p.Max.Decimal
	}
	if fee.IsNegative() {
		return decimal.Zero
	}
	return money.Normalize(fee)
}

// SelectFeeDefinition returns the first definition scoped to subject whose
// group list contains group.
func SelectFeeDefinition(defs []TransferFee, subject, group string) (*TransferFee, bool) {
	for i := range defs {
		if defs[i].Subject != subject {
			continue
		}
		for _, g := range defs[i].UserGroups {
			if g == group {
				return &defs[i], true
			}
		}
	}
	return nil, false
}

// Source reads fee policies. Implementations are transaction scoped when
// used while building entries.
type Source interface {
	// TransferFees returns the definitions for subject in creation order.
	TransferFees(ctx context.Context, subject string) ([]TransferFee, error)
	// FeeParameters returns ledger.ErrNotFound when the currency has no row.
	FeeParameters(ctx context.Context, feeID, currency string) (*Parameters, error)
}

// Engine resolves the fee owed for a transfer.
type Engine struct {
	logger *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// TransferFee returns the fee for amount and whether a policy applied. No
// definition for the group, or no parameters for the currency, means no fee.
func (e *Engine) TransferFee(ctx context.Context, src Source, subject, group, currency string, amount decimal.Decimal) (decimal.Decimal, bool, error) {
	if group == "" {
		return decimal.Zero, false, nil
	}
	defs, err := src.TransferFees(ctx, subject)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("load transfer fees: %w", err)
	}
	def, ok := SelectFeeDefinition(defs, subject, group)
	if !ok {
		return decimal.Zero, false, nil
	}
	params, err := src.FeeParameters(ctx, def.ID, currency)
	if errors.Is(err, ledger.ErrNotFound) {
		e.logger.Debug("fee has no parameters for currency", "fee_id", def.ID, "currency", currency)
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("load fee parameters: %w", err)
	}

	fee := ComputeFee(*params, amount)
	e.logger.Debug("transfer fee computed", "fee_id", def.ID, "subject", subject, "currency", currency, "fee", fee.String())
	return fee, fee.IsPositive(), nil
}
