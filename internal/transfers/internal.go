package transfers

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/money"
	"github.com/example/wallet-ledger/internal/requests"
)

// internalTransfer moves funds between two accounts of the ledger. It
// serves TBA (same owner), TBU (different owners) and CONVERT (same owner,
// different currencies, no margin and no fee).
type internalTransfer struct {
	*env
	subject requests.Subject
}

type accountPair struct {
	source      *ledger.Account
	destination *ledger.Account
}

func (h *internalTransfer) pair(r *requests.Request) (requests.AccountPair, error) {
	switch d := r.Data.(type) {
	case requests.TBAData:
		return d.AccountPair, nil
	case requests.TBUData:
		return d.AccountPair, nil
	case requests.ConvertData:
		return d.AccountPair, nil
	}
	return requests.AccountPair{}, ledger.Invalid("data", fmt.Sprintf("expected %s data", h.subject))
}

func (h *internalTransfer) load(ctx context.Context, src requests.Env, r *requests.Request) (*accountPair, error) {
	if err := requireAmount(r); err != nil {
		return nil, err
	}
	ids, err := h.pair(r)
	if err != nil {
		return nil, err
	}
	source, err := h.account(ctx, src, ids.SourceAccountID, "source_account_id")
	if err != nil {
		return nil, err
	}
	destination, err := h.account(ctx, src, ids.DestinationAccountID, "destination_account_id")
	if err != nil {
		return nil, err
	}

	if source.CurrencyCode != r.BaseCurrency {
		return nil, ledger.Invalid("base_currency", fmt.Sprintf("must equal source account currency %s", source.CurrencyCode))
	}
	crossCurrency := destination.CurrencyCode != source.CurrencyCode
	if crossCurrency {
		if r.ReferenceCurrency != destination.CurrencyCode {
			return nil, ledger.Invalid("reference_currency", fmt.Sprintf("must equal destination account currency %s", destination.CurrencyCode))
		}
		if err := requireRate(r); err != nil {
			return nil, err
		}
	}

	sameOwner := source.UserID == destination.UserID
	switch h.subject {
	case requests.SubjectTBA:
		if !sameOwner {
			return nil, ledger.Invalid("destination_account_id", "must belong to the source account owner")
		}
	case requests.SubjectTBU:
		if sameOwner {
			return nil, ledger.Invalid("destination_account_id", "must belong to another user")
		}
	case requests.SubjectConvert:
		if !sameOwner {
			return nil, ledger.Invalid("destination_account_id", "must belong to the source account owner")
		}
		if !crossCurrency {
			return nil, ledger.Invalid("destination_account_id", "must hold another currency")
		}
	}

	if r.Initiator == requests.InitiatorUser {
		if source.UserID != r.UserID {
			return nil, ledger.Invalid("source_account_id", "does not belong to the user")
		}
		if !source.AllowWithdrawals {
			return nil, ledger.Invalid("source_account_id", "does not allow withdrawals")
		}
		if !destination.AllowDeposits {
			return nil, ledger.Invalid("destination_account_id", "does not allow deposits")
		}
	}
	return &accountPair{source: source, destination: destination}, nil
}

func (h *internalTransfer) Validate(ctx context.Context, src requests.Env, r *requests.Request) error {
	_, err := h.load(ctx, src, r)
	return err
}

func (h *internalTransfer) Build(ctx context.Context, src requests.Env, r *requests.Request) (ledger.EntrySet, error) {
	p, err := h.load(ctx, src, r)
	if err != nil {
		return ledger.EntrySet{}, err
	}
	sourceRef := ledger.AccountRef(p.source.ID)
	set, err := h.move(ctx, src, r, sourceRef, ledger.AccountRef(p.destination.ID), p.destination.CurrencyCode, h.subject != requests.SubjectConvert)
	if err != nil {
		return ledger.EntrySet{}, err
	}
	if h.subject == requests.SubjectConvert {
		return set, nil
	}
	if err := h.transferFee(ctx, src, &set, r, sourceRef, h.subject, PurposeFeeDefaultTransfer, PurposeRevenueTransferFee); err != nil {
		return ledger.EntrySet{}, err
	}
	return set, nil
}

// move builds the transfer pair from source to destination. When the
// destination holds another currency the credit is converted with the
// request rate after the margin (if charged) is carved out of the amount.
func (e *env) move(ctx context.Context, src requests.Env, r *requests.Request, source, destination ledger.TargetRef, destCurrency string, chargeMargin bool) (ledger.EntrySet, error) {
	amount := r.AmountValue()
	set := ledger.EntrySet{RequestID: r.ID}

	if destCurrency == r.BaseCurrency {
		set.Add(ledger.Entry{
			Target:       source,
			CurrencyCode: r.BaseCurrency,
			Amount:       amount.Neg(),
			Purpose:      PurposeTransfer,
			Description:  describe(r, "outgoing transfer"),
			Visible:      true,
		}).Add(ledger.Entry{
			Target:       destination,
			CurrencyCode: destCurrency,
			Amount:       amount,
			Purpose:      PurposeTransferIncoming,
			Description:  describe(r, "incoming transfer"),
			Visible:      true,
		})
		return set, nil
	}

	margin := decimal.Zero
	if chargeMargin {
		margin = money.Percent(amount, r.ExchangeMarginPercent)
	}
	converted := amount.Sub(margin)
	credit := toReference(r, converted)
	if !credit.IsPositive() {
		return ledger.EntrySet{}, ledger.Invalid("amount", "converts to nothing at the given rate")
	}

	set.Exchange = exchange(r, destCurrency)
	set.Add(ledger.Entry{
		Target:       source,
		CurrencyCode: r.BaseCurrency,
		Amount:       converted.Neg(),
		Purpose:      PurposeTransfer,
		Description:  describe(r, "outgoing transfer"),
		Visible:      true,
		ShowAmount:   showAmount(amount.Neg()),
	}).Add(ledger.Entry{
		Target:       destination,
		CurrencyCode: destCurrency,
		Amount:       credit,
		Purpose:      PurposeTransferIncoming,
		Description:  describe(r, "incoming transfer"),
		Visible:      true,
	})
	if err := e.margin(ctx, src, &set, r, source, margin); err != nil {
		return ledger.EntrySet{}, err
	}
	return set, nil
}

// cardFunding debits an account and credits a card (CFT).
type cardFunding struct {
	*env
}

func (h *cardFunding) load(ctx context.Context, src requests.Env, r *requests.Request) (*ledger.Account, *ledger.Card, error) {
	if err := requireAmount(r); err != nil {
		return nil, nil, err
	}
	d, ok := r.Data.(requests.CFTData)
	if !ok {
		return nil, nil, ledger.Invalid("data", "expected CFT data")
	}
	source, err := h.account(ctx, src, d.SourceAccountID, "source_account_id")
	if err != nil {
		return nil, nil, err
	}
	card, err := src.Card(ctx, d.DestinationCardID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil, ledger.Invalid("destination_card_id", fmt.Sprintf("card %s not found", d.DestinationCardID))
	}
	if err != nil {
		return nil, nil, err
	}
	if err := card.Usable(h.now()); err != nil {
		return nil, nil, err
	}

	if source.CurrencyCode != r.BaseCurrency {
		return nil, nil, ledger.Invalid("base_currency", fmt.Sprintf("must equal source account currency %s", source.CurrencyCode))
	}
	if card.CurrencyCode != source.CurrencyCode {
		if r.ReferenceCurrency != card.CurrencyCode {
			return nil, nil, ledger.Invalid("reference_currency", fmt.Sprintf("must equal card currency %s", card.CurrencyCode))
		}
		if err := requireRate(r); err != nil {
			return nil, nil, err
		}
	}
	if r.Initiator == requests.InitiatorUser {
		if source.UserID != r.UserID {
			return nil, nil, ledger.Invalid("source_account_id", "does not belong to the user")
		}
		if !source.AllowWithdrawals {
			return nil, nil, ledger.Invalid("source_account_id", "does not allow withdrawals")
		}
	}
	return source, card, nil
}

func (h *cardFunding) Validate(ctx context.Context, src requests.Env, r *requests.Request) error {
	_, _, err := h.load(ctx, src, r)
	return err
}

func (h *cardFunding) Build(ctx context.Context, src requests.Env, r *requests.Request) (ledger.EntrySet, error) {
	source, card, err := h.load(ctx, src, r)
	if err != nil {
		return ledger.EntrySet{}, err
	}
	sourceRef := ledger.AccountRef(source.ID)
	set, err := h.move(ctx, src, r, sourceRef, ledger.CardRef(card.ID), card.CurrencyCode, true)
	if err != nil {
		return ledger.EntrySet{}, err
	}
	if err := h.transferFee(ctx, src, &set, r, sourceRef, requests.SubjectCFT, PurposeFeeDefaultTransfer, PurposeRevenueTransferFee); err != nil {
		return ledger.EntrySet{}, err
	}
	return set, nil
}
