// Package transfers holds one request handler per subject. Handlers read
// through the transactional environment they are given and turn a request
// into a balanced ledger entry set.
package transfers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/wallet-ledger/internal/fees"
	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/money"
	"github.com/example/wallet-ledger/internal/requests"
)

// Transaction purposes. Each is unique within one request.
const (
	PurposeTransfer              = "transfer"
	PurposeTransferIncoming      = "transfer_incoming"
	PurposeFeeExchangeMargin     = "fee_exchange_margin"
	PurposeRevenueExchangeMargin = "revenue_exchange_margin"
	PurposeFeeDefaultTransfer    = "fee_default_transfer"
	PurposeRevenueTransferFee    = "revenue_transfer_fee"
	PurposeCreditAccount         = "credit_account"
	PurposeDebitAccount          = "debit_account"
	PurposeDebitRevenue          = "debit_revenue"
	PurposeCreditRevenue         = "credit_revenue"
	PurposeFeeIWT                = "fee_iwt"
	PurposeRevenueIWTTransferFee = "revenue_iwt_transfer_fee"
)

type Option func(*env)

func WithClock(now func() time.Time) Option { return func(e *env) { e.now = now } }

func WithLogger(l *slog.Logger) Option { return func(e *env) { e.logger = l } }

// env is the configuration shared by every handler.
type env struct {
	fees   *fees.Engine
	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry returns the handler of every subject.
func NewRegistry(engine *fees.Engine, opts ...Option) map[requests.Subject]requests.Handler {
	e := &env{fees: engine, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	if e.fees == nil {
		e.fees = fees.NewEngine(e.logger)
	}

	return map[requests.Subject]requests.Handler{
		requests.SubjectTBA:     &internalTransfer{env: e, subject: requests.SubjectTBA},
		requests.SubjectTBU:     &internalTransfer{env: e, subject: requests.SubjectTBU},
		requests.SubjectConvert: &internalTransfer{env: e, subject: requests.SubjectConvert},
		requests.SubjectCFT:     &cardFunding{env: e},
		requests.SubjectOWT:     &outgoingWire{env: e},
		requests.SubjectIWT:     &incomingWire{env: e},
		requests.SubjectCA:      &creditAccount{env: e},
		requests.SubjectDA:      &debitAccount{env: e},
		requests.SubjectDRA:     &debitRevenue{env: e},
	}
}

func (e *env) account(ctx context.Context, src requests.Env, id, field string) (*ledger.Account, error) {
	acc, err := src.Account(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ledger.Invalid(field, fmt.Sprintf("account %s not found", id))
	}
	if err != nil {
		return nil, err
	}
	if !acc.IsActive {
		return nil, &ledger.AccountFrozenError{Target: ledger.AccountRef(acc.ID)}
	}
	return acc, nil
}

// revenue returns the revenue account id names, or the default one of
// currency when id is empty.
func (e *env) revenue(ctx context.Context, src requests.Env, id, currency string) (*ledger.RevenueAccount, error) {
	var (
		rev *ledger.RevenueAccount
		err error
	)
	if id != "" {
		rev, err = src.RevenueAccount(ctx, id)
	} else {
		rev, err = src.DefaultRevenueAccount(ctx, currency)
	}
	if errors.Is(err, ledger.ErrNotFound) {
		if id == "" {
			return nil, ledger.Invalid("revenue_account_id", "no default revenue account for "+currency)
		}
		return nil, ledger.Invalid("revenue_account_id", fmt.Sprintf("revenue account %s not found", id))
	}
	if err != nil {
		return nil, err
	}
	if rev.CurrencyCode != currency {
		return nil, ledger.Invalid("revenue_account_id", fmt.Sprintf("currency %s does not match %s", rev.CurrencyCode, currency))
	}
	return rev, nil
}

// transferFee appends the fee and revenue entries of the subject's fee
// policy, if one applies.
func (e *env) transferFee(ctx context.Context, src requests.Env, set *ledger.EntrySet, r *requests.Request, payer ledger.TargetRef, subject requests.Subject, feePurpose, revenuePurpose string) error {
	amount := r.AmountValue()
	fee, ok, err := e.fees.TransferFee(ctx, src, string(subject), r.UserGroup, r.BaseCurrency, amount)
	if err != nil || !ok {
		return err
	}
	rev, err := e.revenue(ctx, src, "", r.BaseCurrency)
	if err != nil {
		return err
	}
	set.Add(ledger.Entry{
		Target:       payer,
		CurrencyCode: r.BaseCurrency,
		Amount:       fee.Neg(),
		Purpose:      feePurpose,
		Description:  describe(r, "transfer fee"),
		Visible:      true,
	}).Add(ledger.Entry{
		Target:       ledger.RevenueRef(rev.ID),
		CurrencyCode: r.BaseCurrency,
		Amount:       fee,
		Purpose:      revenuePurpose,
		Description:  describe(r, "transfer fee"),
	})
	return nil
}

// margin appends the invisible exchange margin debit on payer and its
// revenue credit.
func (e *env) margin(ctx context.Context, src requests.Env, set *ledger.EntrySet, r *requests.Request, payer ledger.TargetRef, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	rev, err := e.revenue(ctx, src, "", r.BaseCurrency)
	if err != nil {
		return err
	}
	set.Add(ledger.Entry{
		Target:       payer,
		CurrencyCode: r.BaseCurrency,
		Amount:       amount.Neg(),
		Purpose:      PurposeFeeExchangeMargin,
		Description:  describe(r, "exchange margin"),
	}).Add(ledger.Entry{
		Target:       ledger.RevenueRef(rev.ID),
		CurrencyCode: r.BaseCurrency,
		Amount:       amount,
		Purpose:      PurposeRevenueExchangeMargin,
		Description:  describe(r, "exchange margin"),
	})
	return nil
}

func requireAmount(r *requests.Request) error {
	if !r.Amount.Valid || !r.Amount.Decimal.IsPositive() {
		return ledger.Invalid("amount", "must be positive")
	}
	return nil
}

func requireRate(r *requests.Request) error {
	if !r.Rate.Valid || !r.Rate.Decimal.IsPositive() {
		return ledger.Invalid("rate", "is required when currencies differ")
	}
	return nil
}

// requireOperator rejects user initiated requests for operator subjects.
func requireOperator(r *requests.Request) error {
	if r.Initiator == requests.InitiatorUser {
		return ledger.Invalid("initiator", fmt.Sprintf("%s requests are not available to users", r.Subject()))
	}
	return nil
}

// toReference converts a base currency amount with the request rate.
func toReference(r *requests.Request, base decimal.Decimal) decimal.Decimal {
	if r.RateDesignation == requests.ReferenceBase {
		return base.DivRound(r.Rate.Decimal, money.Precision)
	}
	return money.Normalize(base.Mul(r.Rate.Decimal))
}

// exchange describes the conversion of a two-currency set so that the side
// the rate multiplies is the exact one.
func exchange(r *requests.Request, reference string) *ledger.Exchange {
	if r.RateDesignation == requests.ReferenceBase {
		return &ledger.Exchange{BaseCurrency: reference, ReferenceCurrency: r.BaseCurrency, Rate: r.Rate.Decimal}
	}
	return &ledger.Exchange{BaseCurrency: r.BaseCurrency, ReferenceCurrency: reference, Rate: r.Rate.Decimal}
}

func describe(r *requests.Request, what string) string {
	if r.Description == "" {
		return fmt.Sprintf("%s %s", r.Subject(), what)
	}
	return fmt.Sprintf("%s %s: %s", r.Subject(), what, r.Description)
}

func showAmount(d decimal.Decimal) *decimal.Decimal {
	return &d
}
