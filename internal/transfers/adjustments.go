package transfers

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/requests"
)

// Administrative credits and debits. Only admin and system initiators may
// run them; admin entries are corrections and post on frozen accounts.

type creditAccount struct {
	*env
}

func (h *creditAccount) load(ctx context.Context, src requests.Env, r *requests.Request) (requests.CAData, *ledger.Account, error) {
	d, ok := r.Data.(requests.CAData)
	if !ok {
		return d, nil, ledger.Invalid("data", "expected CA data")
	}
	if err := requireOperator(r); err != nil {
		return d, nil, err
	}
	if err := requireAmount(r); err != nil {
		return d, nil, err
	}
	acc, err := h.adjustable(ctx, src, r, d.AccountID)
	if err != nil {
		return d, nil, err
	}
	if d.DebitFromRevenue {
		if _, err := h.revenue(ctx, src, d.RevenueAccountID, r.BaseCurrency); err != nil {
			return d, nil, err
		}
	}
	return d, acc, nil
}

func (h *creditAccount) Validate(ctx context.Context, src requests.Env, r *requests.Request) error {
	_, _, err := h.load(ctx, src, r)
	return err
}

func (h *creditAccount) Build(ctx context.Context, src requests.Env, r *requests.Request) (ledger.EntrySet, error) {
	d, acc, err := h.load(ctx, src, r)
	if err != nil {
		return ledger.EntrySet{}, err
	}
	amount := r.AmountValue()
	accRef := ledger.AccountRef(acc.ID)

	set := ledger.EntrySet{RequestID: r.ID, ExternalLeg: amount}
	set.Add(ledger.Entry{
		Target:       accRef,
		CurrencyCode: r.BaseCurrency,
		Amount:       amount,
		Purpose:      PurposeCreditAccount,
		Description:  describe(r, "account credit"),
		Visible:      true,
		Correction:   r.Initiator == requests.InitiatorAdmin,
	})
	if d.DebitFromRevenue {
		rev, err := h.revenue(ctx, src, d.RevenueAccountID, r.BaseCurrency)
		if err != nil {
			return ledger.EntrySet{}, err
		}
		set.ExternalLeg = decimal.Zero
		set.Add(ledger.Entry{
			Target:       ledger.RevenueRef(rev.ID),
			CurrencyCode: r.BaseCurrency,
			Amount:       amount.Neg(),
			Purpose:      PurposeDebitRevenue,
			Description:  describe(r, "revenue debit"),
		})
	}
	if d.ApplyIWTFee {
		if err := h.transferFee(ctx, src, &set, r, accRef, requests.SubjectIWT, PurposeFeeIWT, PurposeRevenueIWTTransferFee); err != nil {
			return ledger.EntrySet{}, err
		}
	}
	return set, nil
}

type debitAccount struct {
	*env
}

func (h *debitAccount) load(ctx context.Context, src requests.Env, r *requests.Request) (requests.DAData, *ledger.Account, error) {
	d, ok := r.Data.(requests.DAData)
	if !ok {
		return d, nil, ledger.Invalid("data", "expected DA data")
	}
	if err := requireOperator(r); err != nil {
		return d, nil, err
	}
	if err := requireAmount(r); err != nil {
		return d, nil, err
	}
	acc, err := h.adjustable(ctx, src, r, d.AccountID)
	if err != nil {
		return d, nil, err
	}
	if d.CreditToRevenue {
		if _, err := h.revenue(ctx, src, d.RevenueAccountID, r.BaseCurrency); err != nil {
			return d, nil, err
		}
	}
	return d, acc, nil
}

func (h *debitAccount) Validate(ctx context.Context, src requests.Env, r *requests.Request) error {
	_, _, err := h.load(ctx, src, r)
	return err
}

func (h *debitAccount) Build(ctx context.Context, src requests.Env, r *requests.Request) (ledger.EntrySet, error) {
	d, acc, err := h.load(ctx, src, r)
	if err != nil {
		return ledger.EntrySet{}, err
	}
	amount := r.AmountValue()

	set := ledger.EntrySet{RequestID: r.ID, ExternalLeg: amount.Neg()}
	set.Add(ledger.Entry{
		Target:         ledger.AccountRef(acc.ID),
		CurrencyCode:   r.BaseCurrency,
		Amount:         amount.Neg(),
		Purpose:        PurposeDebitAccount,
		Description:    describe(r, "account debit"),
		Visible:        true,
		AllowOverdraft: true,
		Correction:     r.Initiator == requests.InitiatorAdmin,
	})
	if d.CreditToRevenue {
		rev, err := h.revenue(ctx, src, d.RevenueAccountID, r.BaseCurrency)
		if err != nil {
			return ledger.EntrySet{}, err
		}
		set.ExternalLeg = decimal.Zero
		set.Add(ledger.Entry{
			Target:       ledger.RevenueRef(rev.ID),
			CurrencyCode: r.BaseCurrency,
			Amount:       amount,
			Purpose:      PurposeCreditRevenue,
			Description:  describe(r, "revenue credit"),
		})
	}
	return set, nil
}

// adjustable loads the account of an administrative adjustment. Frozen
// accounts are accepted for admin corrections.
func (e *env) adjustable(ctx context.Context, src requests.Env, r *requests.Request, id string) (*ledger.Account, error) {
	acc, err := e.account(ctx, src, id, "account_id")
	var frozen *ledger.AccountFrozenError
	if errors.As(err, &frozen) && r.Initiator == requests.InitiatorAdmin {
		acc, err = src.Account(ctx, frozen.Target.ID)
	}
	if err != nil {
		return nil, err
	}
	if acc.CurrencyCode != r.BaseCurrency {
		return nil, ledger.Invalid("base_currency", fmt.Sprintf("must equal account currency %s", acc.CurrencyCode))
	}
	return acc, nil
}

type debitRevenue struct {
	*env
}

func (h *debitRevenue) load(ctx context.Context, src requests.Env, r *requests.Request) (*ledger.RevenueAccount, error) {
	d, ok := r.Data.(requests.DRAData)
	if !ok {
		return nil, ledger.Invalid("data", "expected DRA data")
	}
	if err := requireOperator(r); err != nil {
		return nil, err
	}
	if err := requireAmount(r); err != nil {
		return nil, err
	}
	return h.revenue(ctx, src, d.RevenueAccountID, r.BaseCurrency)
}

func (h *debitRevenue) Validate(ctx context.Context, src requests.Env, r *requests.Request) error {
	_, err := h.load(ctx, src, r)
	return err
}

func (h *debitRevenue) Build(ctx context.Context, src requests.Env, r *requests.Request) (ledger.EntrySet, error) {
	rev, err := h.load(ctx, src, r)
	if err != nil {
		return ledger.EntrySet{}, err
	}
	amount := r.AmountValue()
	set := ledger.EntrySet{RequestID: r.ID, ExternalLeg: amount.Neg()}
	set.Add(ledger.Entry{
		Target:       ledger.RevenueRef(rev.ID),
		CurrencyCode: r.BaseCurrency,
		Amount:       amount.Neg(),
		Purpose:      PurposeDebitRevenue,
		Description:  describe(r, "revenue debit"),
		Visible:      true,
	})
	return set, nil
}
