package transfers

import (
	"context"
	"fmt"

	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/money"
	"github.com/example/wallet-ledger/internal/requests"
)

// outgoingWire sends funds to a bank outside the ledger (OWT). The request
// amount is in the beneficiary's currency; the debit is converted to the
// account currency with the request rate.
type outgoingWire struct {
	*env
}

func (h *outgoingWire) load(ctx context.Context, src requests.Env, r *requests.Request) (*ledger.Account, error) {
	if err := requireAmount(r); err != nil {
		return nil, err
	}
	d, ok := r.Data.(requests.OWTData)
	if !ok {
		return nil, ledger.Invalid("data", "expected OWT data")
	}
	source, err := h.account(ctx, src, d.SourceAccountID, "source_account_id")
	if err != nil {
		return nil, err
	}
	if source.CurrencyCode != r.BaseCurrency {
		return nil, ledger.Invalid("base_currency", fmt.Sprintf("must equal source account currency %s", source.CurrencyCode))
	}
	if h.converts(r) {
		if err := requireRate(r); err != nil {
			return nil, err
		}
	}
	if r.Initiator == requests.InitiatorUser {
		if source.UserID != r.UserID {
			return nil, ledger.Invalid("source_account_id", "does not belong to the user")
		}
		if !source.AllowWithdrawals {
			return nil, ledger.Invalid("source_account_id", "does not allow withdrawals")
		}
	}
	return source, nil
}

func (h *outgoingWire) converts(r *requests.Request) bool {
	return r.ReferenceCurrency != "" && r.ReferenceCurrency != r.BaseCurrency
}

func (h *outgoingWire) Validate(ctx context.Context, src requests.Env, r *requests.Request) error {
	_, err := h.load(ctx, src, r)
	return err
}

func (h *outgoingWire) Build(ctx context.Context, src requests.Env, r *requests.Request) (ledger.EntrySet, error) {
	source, err := h.load(ctx, src, r)
	if err != nil {
		return ledger.EntrySet{}, err
	}

	amount := r.AmountValue()
	if h.converts(r) {
		// OWT rates are always reference/base: base = reference * rate.
		amount = money.Normalize(amount.Mul(r.Rate.Decimal))
	}
	margin := money.Percent(amount, r.ExchangeMarginPercent)
	sourceRef := ledger.AccountRef(source.ID)

	set := ledger.EntrySet{RequestID: r.ID, ExternalLeg: amount.Neg()}
	set.Add(ledger.Entry{
		Target:       sourceRef,
		CurrencyCode: r.BaseCurrency,
		Amount:       amount.Neg(),
		Purpose:      PurposeTransfer,
		Description:  describe(r, "outgoing wire"),
		Visible:      true,
		ShowAmount:   showAmount(amount.Add(margin).Neg()),
	})
	if err := h.margin(ctx, src, &set, r, sourceRef, margin); err != nil {
		return ledger.EntrySet{}, err
	}
	if err := h.transferFee(ctx, src, &set, r, sourceRef, requests.SubjectOWT, PurposeFeeDefaultTransfer, PurposeRevenueTransferFee); err != nil {
		return ledger.EntrySet{}, err
	}
	return set, nil
}

// incomingWire credits funds received from outside the ledger (IWT).
type incomingWire struct {
	*env
}

func (h *incomingWire) load(ctx context.Context, src requests.Env, r *requests.Request) (*ledger.Account, error) {
	if err := requireOperator(r); err != nil {
		return nil, err
	}
	if err := requireAmount(r); err != nil {
		return nil, err
	}
	d, ok := r.Data.(requests.IWTData)
	if !ok {
		return nil, ledger.Invalid("data", "expected IWT data")
	}
	destination, err := h.account(ctx, src, d.DestinationAccountID, "destination_account_id")
	if err != nil {
		return nil, err
	}
	if destination.CurrencyCode != r.BaseCurrency {
		return nil, ledger.Invalid("base_currency", fmt.Sprintf("must equal destination account currency %s", destination.CurrencyCode))
	}
	return destination, nil
}

func (h *incomingWire) Validate(ctx context.Context, src requests.Env, r *requests.Request) error {
	_, err := h.load(ctx, src, r)
	return err
}

func (h *incomingWire) Build(ctx context.Context, src requests.Env, r *requests.Request) (ledger.EntrySet, error) {
	destination, err := h.load(ctx, src, r)
	if err != nil {
		return ledger.EntrySet{}, err
	}
	amount := r.AmountValue()
	destRef := ledger.AccountRef(destination.ID)

	set := ledger.EntrySet{RequestID: r.ID, ExternalLeg: amount}
	set.Add(ledger.Entry{
		Target:       destRef,
		CurrencyCode: r.BaseCurrency,
		Amount:       amount,
		Purpose:      PurposeTransferIncoming,
		Description:  describe(r, "incoming wire"),
		Visible:      true,
	})
	if err := h.transferFee(ctx, src, &set, r, destRef, requests.SubjectIWT, PurposeFeeIWT, PurposeRevenueIWTTransferFee); err != nil {
		return ledger.EntrySet{}, err
	}
	return set, nil
}
