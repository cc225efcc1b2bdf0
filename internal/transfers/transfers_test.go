package transfers

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wallet-ledger/internal/fees"
	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/limits"
	"github.com/example/wallet-ledger/internal/requests"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeEnv struct {
	accounts map[string]*ledger.Account
	cards    map[string]*ledger.Card
	revenue  map[string]*ledger.RevenueAccount
	fees     []fees.TransferFee
	params   map[string]*fees.Parameters
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		accounts: map[string]*ledger.Account{
			"eur-1": {ID: "eur-1", UserID: "u1", CurrencyCode: "EUR", Balance: d("100"), IsActive: true, AllowWithdrawals: true, AllowDeposits: true},
			"eur-2": {ID: "eur-2", UserID: "u1", CurrencyCode: "EUR", IsActive: true, AllowWithdrawals: true, AllowDeposits: true},
			"usd-1": {ID: "usd-1", UserID: "u1", CurrencyCode: "USD", IsActive: true, AllowWithdrawals: true, AllowDeposits: true},
			"eur-3": {ID: "eur-3", UserID: "u2", CurrencyCode: "EUR", IsActive: true, AllowWithdrawals: true, AllowDeposits: true},
			"frozen": {ID: "frozen", UserID: "u1", CurrencyCode: "EUR", IsActive: false},
		},
		cards: map[string]*ledger.Card{
			"card-1":  {ID: "card-1", UserID: "u1", CurrencyCode: "EUR", Status: ledger.CardActive, ExpiresAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)},
			"blocked": {ID: "blocked", UserID: "u1", CurrencyCode: "EUR", Status: ledger.CardBlocked},
		},
		revenue: map[string]*ledger.RevenueAccount{
			"rev-eur": {ID: "rev-eur", CurrencyCode: "EUR", IsDefault: true},
		},
		params: map[string]*fees.Parameters{},
	}
}

func (f *fakeEnv) Account(ctx context.Context, id string) (*ledger.Account, error) {
	if a, ok := f.accounts[id]; ok {
		return a, nil
	}
	return nil, ledger.ErrNotFound
}

func (f *fakeEnv) Card(ctx context.Context, id string) (*ledger.Card, error) {
	if c, ok := f.cards[id]; ok {
		return c, nil
	}
	return nil, ledger.ErrNotFound
}

func (f *fakeEnv) RevenueAccount(ctx context.Context, id string) (*ledger.RevenueAccount, error) {
	if r, ok := f.revenue[id]; ok {
		return r, nil
	}
	return nil, ledger.ErrNotFound
}

func (f *fakeEnv) DefaultRevenueAccount(ctx context.Context, currency string) (*ledger.RevenueAccount, error) {
	for _, r := range f.revenue {
		if r.IsDefault && r.CurrencyCode == currency {
			return r, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (f *fakeEnv) TransferFees(ctx context.Context, subject string) ([]fees.TransferFee, error) {
	return f.fees, nil
}

func (f *fakeEnv) FeeParameters(ctx context.Context, feeID, currency string) (*fees.Parameters, error) {
	if p, ok := f.params[feeID+"/"+currency]; ok {
		return p, nil
	}
	return nil, ledger.ErrNotFound
}

func (f *fakeEnv) Limit(ctx context.Context, name, entity, entityID string) (*limits.Limit, error) {
	return nil, nil
}

func (f *fakeEnv) DebitedByUser(ctx context.Context, userID, currency string, from, till time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func registry() map[requests.Subject]requests.Handler {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	return NewRegistry(fees.NewEngine(nil), WithClock(func() time.Time { return now }))
}

func request(data requests.SubjectData, amount string) *requests.Request {
	return &requests.Request{
		ID:              "req-1",
		Initiator:       requests.InitiatorUser,
		UserID:          "u1",
		BaseCurrency:    "EUR",
		Amount:          decimal.NewNullDecimal(d(amount)),
		RateDesignation: requests.DefaultRateDesignation(data.Subject()),
		Data:            data,
	}
}

func byPurpose(t *testing.T, set ledger.EntrySet) map[string]ledger.Entry {
	t.Helper()
	out := make(map[string]ledger.Entry, len(set.Entries))
	for _, e := range set.Entries {
		_, dup := out[e.Purpose]
		require.False(t, dup, "duplicate purpose %s", e.Purpose)
		out[e.Purpose] = e
	}
	return out
}

func TestTBA_SameCurrency(t *testing.T) {
	env := newFakeEnv()
	r := request(requests.TBAData{AccountPair: requests.AccountPair{SourceAccountID: "eur-1", DestinationAccountID: "eur-2"}}, "40")

	set, err := registry()[requests.SubjectTBA].Build(context.Background(), env, r)
	require.NoError(t, err)
	require.NoError(t, set.Validate())

	entries := byPurpose(t, set)
	assert.True(t, entries[PurposeTransfer].Amount.Equal(d("-40")))
	assert.True(t, entries[PurposeTransferIncoming].Amount.Equal(d("40")))
	assert.True(t, set.Sum()["EUR"].IsZero())
}

func TestTBA_CrossCurrencyCarvesMarginOut(t *testing.T) {
	env := newFakeEnv()
	r := request(requests.TBAData{AccountPair: requests.AccountPair{SourceAccountID: "eur-1", DestinationAccountID: "usd-1"}}, "100")
	r.ReferenceCurrency = "USD"
	r.Rate = decimal.NewNullDecimal(d("1.10"))
	r.ExchangeMarginPercent = d("10")

	set, err := registry()[requests.SubjectTBA].Build(context.Background(), env, r)
	require.NoError(t, err)
	require.NoError(t, set.Validate())

	entries := byPurpose(t, set)
	assert.True(t, entries[PurposeTransfer].Amount.Equal(d("-90")))
	assert.True(t, entries[PurposeTransfer].ShowAmount.Equal(d("-100")))
	assert.True(t, entries[PurposeFeeExchangeMargin].Amount.Equal(d("-10")))
	assert.False(t, entries[PurposeFeeExchangeMargin].Visible)
	assert.True(t, entries[PurposeRevenueExchangeMargin].Amount.Equal(d("10")))
	assert.Equal(t, ledger.RevenueRef("rev-eur"), entries[PurposeRevenueExchangeMargin].Target)
	assert.True(t, entries[PurposeTransferIncoming].Amount.Equal(d("99")))
	assert.Equal(t, "USD", entries[PurposeTransferIncoming].CurrencyCode)
}

func TestTBA_ReferenceBaseDesignation(t *testing.T) {
	env := newFakeEnv()
	r := request(requests.TBAData{AccountPair: requests.AccountPair{SourceAccountID: "eur-1", DestinationAccountID: "usd-1"}}, "30")
	r.ReferenceCurrency = "USD"
	r.RateDesignation = requests.ReferenceBase
	r.Rate = decimal.NewNullDecimal(d("3"))

	set, err := registry()[requests.SubjectTBA].Build(context.Background(), env, r)
	require.NoError(t, err)
	require.NoError(t, set.Validate())
	assert.True(t, byPurpose(t, set)[PurposeTransferIncoming].Amount.Equal(d("10")))
}

func TestTBA_Rules(t *testing.T) {
	h := registry()[requests.SubjectTBA]
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*fakeEnv, *requests.Request)
		field  string
	}{
		{"other owner", func(e *fakeEnv, r *requests.Request) {
			r.Data = requests.TBAData{AccountPair: requests.AccountPair{SourceAccountID: "eur-1", DestinationAccountID: "eur-3"}}
		}, "destination_account_id"},
		{"not the user's account", func(e *fakeEnv, r *requests.Request) { r.UserID = "u9" }, "source_account_id"},
		{"withdrawals disabled", func(e *fakeEnv, r *requests.Request) { e.accounts["eur-1"].AllowWithdrawals = false }, "source_account_id"},
		{"deposits disabled", func(e *fakeEnv, r *requests.Request) { e.accounts["eur-2"].AllowDeposits = false }, "destination_account_id"},
		{"unknown account", func(e *fakeEnv, r *requests.Request) {
			r.Data = requests.TBAData{AccountPair: requests.AccountPair{SourceAccountID: "eur-1", DestinationAccountID: "nope"}}
		}, "destination_account_id"},
		{"wrong base currency", func(e *fakeEnv, r *requests.Request) { r.BaseCurrency = "USD" }, "base_currency"},
		{"missing rate", func(e *fakeEnv, r *requests.Request) {
			r.Data = requests.TBAData{AccountPair: requests.AccountPair{SourceAccountID: "eur-1", DestinationAccountID: "usd-1"}}
			r.ReferenceCurrency = "USD"
		}, "rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newFakeEnv()
			r := request(requests.TBAData{AccountPair: requests.AccountPair{SourceAccountID: "eur-1", DestinationAccountID: "eur-2"}}, "10")
			tt.mutate(env, r)
			err := h.Validate(ctx, env, r)
			var verr *ledger.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestTBU_RequiresAnotherOwner(t *testing.T) {
	env := newFakeEnv()
	h := registry()[requests.SubjectTBU]

	same := request(requests.TBUData{AccountPair: requests.AccountPair{SourceAccountID: "eur-1", DestinationAccountID: "eur-2"}}, "10")
	assert.Error(t, h.Validate(context.Background(), env, same))

	other := request(requests.TBUData{AccountPair: requests.AccountPair{SourceAccountID: "eur-1", DestinationAccountID: "eur-3"}}, "10")
	assert.NoError(t, h.Validate(context.Background(), env, other))
}

func TestTransferFeeIsCharged(t *testing.T) {
	env := newFakeEnv()
	env.fees = []fees.TransferFee{{ID: "f1", Name: "default", Subject: "TBU", UserGroups: []string{"retail"}}}
	env.params["f1/EUR"] = &fees.Parameters{TransferFeeID: "f1", CurrencyCode: "EUR", Base: d("1"), Percent: d("2")}

	r := request(requests.TBUData{AccountPair: requests.AccountPair{SourceAccountID: "eur-1", DestinationAccountID: "eur-3"}}, "100")
	r.UserGroup = "retail"

	set, err := registry()[requests.SubjectTBU].Build(context.Background(), env, r)
	require.NoError(t, err)
	require.NoError(t, set.Validate())

	entries := byPurpose(t, set)
	assert.True(t, entries[PurposeFeeDefaultTransfer].Amount.Equal(d("-2")))
	assert.Equal(t, ledger.AccountRef("eur-1"), entries[PurposeFeeDefaultTransfer].Target)
	assert.True(t, entries[PurposeRevenueTransferFee].Amount.Equal(d("2")))
}

func TestConvert_NoMarginNoFee(t *testing.T) {
	env := newFakeEnv()
	env.fees = []fees.TransferFee{{ID: "f1", Subject: "CONVERT", UserGroups: []string{"retail"}}}
	env.params["f1/EUR"] = &fees.Parameters{TransferFeeID: "f1", CurrencyCode: "EUR", Base: d("1")}

	r := request(requests.ConvertData{AccountPair: requests.AccountPair{SourceAccountID: "eur-1", DestinationAccountID: "usd-1"}}, "50")
	r.UserGroup = "retail"
	r.ReferenceCurrency = "USD"
	r.Rate = decimal.NewNullDecimal(d("1.2"))
	r.ExchangeMarginPercent = d("5")

	set, err := registry()[requests.SubjectConvert].Build(context.Background(), env, r)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{PurposeTransfer, PurposeTransferIncoming}, set.Purposes())
	assert.True(t, byPurpose(t, set)[PurposeTransferIncoming].Amount.Equal(d("60")))

	sameCurrency := request(requests.ConvertData{AccountPair: requests.AccountPair{SourceAccountID: "eur-1", DestinationAccountID: "eur-2"}}, "50")
	assert.Error(t, registry()[requests.SubjectConvert].Validate(context.Background(), env, sameCurrency))
}

func TestOWT_ConvertsAndChargesMargin(t *testing.T) {
	env := newFakeEnv()
	r := request(requests.OWTData{SourceAccountID: "eur-1", Beneficiary: requests.WireParty{Name: "ACME", IBAN: "DE89370400440532013000"}}, "100")
	r.ReferenceCurrency = "USD"
	r.Rate = decimal.NewNullDecimal(d("1.10"))
	r.ExchangeMarginPercent = d("2")

	set, err := registry()[requests.SubjectOWT].Build(context.Background(), env, r)
	require.NoError(t, err)
	require.NoError(t, set.Validate())

	entries := byPurpose(t, set)
	assert.True(t, entries[PurposeTransfer].Amount.Equal(d("-110")), entries[PurposeTransfer].Amount.String())
	assert.True(t, entries[PurposeTransfer].ShowAmount.Equal(d("-112.2")))
	assert.True(t, entries[PurposeFeeExchangeMargin].Amount.Equal(d("-2.2")))
	assert.True(t, entries[PurposeRevenueExchangeMargin].Amount.Equal(d("2.2")))
	assert.True(t, set.ExternalLeg.Equal(d("-110")))
}

func TestIWT_CreditsAndChargesFee(t *testing.T) {
	env := newFakeEnv()
	env.fees = []fees.TransferFee{{ID: "iwt", Subject: "IWT", UserGroups: []string{"retail"}}}
	env.params["iwt/EUR"] = &fees.Parameters{TransferFeeID: "iwt", CurrencyCode: "EUR", Base: d("0.5")}

	r := request(requests.IWTData{DestinationAccountID: "eur-2", Sender: requests.WireParty{Name: "Bank"}}, "20")
	r.Initiator = requests.InitiatorAdmin
	r.UserGroup = "retail"

	set, err := registry()[requests.SubjectIWT].Build(context.Background(), env, r)
	require.NoError(t, err)
	require.NoError(t, set.Validate())

	entries := byPurpose(t, set)
	assert.True(t, entries[PurposeTransferIncoming].Amount.Equal(d("20")))
	assert.True(t, entries[PurposeFeeIWT].Amount.Equal(d("-0.5")))
	assert.True(t, entries[PurposeRevenueIWTTransferFee].Amount.Equal(d("0.5")))

	r.Initiator = requests.InitiatorUser
	assert.Error(t, registry()[requests.SubjectIWT].Validate(context.Background(), env, r))
}

func TestCFT(t *testing.T) {
	env := newFakeEnv()
	h := registry()[requests.SubjectCFT]

	r := request(requests.CFTData{SourceAccountID: "eur-1", DestinationCardID: "card-1"}, "25")
	set, err := h.Build(context.Background(), env, r)
	require.NoError(t, err)
	require.NoError(t, set.Validate())
	assert.Equal(t, ledger.CardRef("card-1"), byPurpose(t, set)[PurposeTransferIncoming].Target)

	blocked := request(requests.CFTData{SourceAccountID: "eur-1", DestinationCardID: "blocked"}, "25")
	var cerr *ledger.CardInvalidError
	require.ErrorAs(t, h.Validate(context.Background(), env, blocked), &cerr)
	assert.Equal(t, "blocked", cerr.CardID)

	env.cards["card-1"].ExpiresAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.ErrorAs(t, h.Validate(context.Background(), env, r), &cerr)
}

func TestCA(t *testing.T) {
	env := newFakeEnv()
	env.fees = []fees.TransferFee{{ID: "iwt", Subject: "IWT", UserGroups: []string{"retail"}}}
	env.params["iwt/EUR"] = &fees.Parameters{TransferFeeID: "iwt", CurrencyCode: "EUR", Base: d("1")}

	r := request(requests.CAData{AccountID: "eur-2", DebitFromRevenue: true, ApplyIWTFee: true}, "10")
	r.Initiator = requests.InitiatorAdmin
	r.UserGroup = "retail"

	set, err := registry()[requests.SubjectCA].Build(context.Background(), env, r)
	require.NoError(t, err)
	require.NoError(t, set.Validate())
	assert.True(t, set.ExternalLeg.IsZero())
	assert.ElementsMatch(t, []string{PurposeCreditAccount, PurposeDebitRevenue, PurposeFeeIWT, PurposeRevenueIWTTransferFee}, set.Purposes())

	frozen := request(requests.CAData{AccountID: "frozen"}, "5")
	frozen.Initiator = requests.InitiatorAdmin
	set, err = registry()[requests.SubjectCA].Build(context.Background(), env, frozen)
	require.NoError(t, err)
	assert.True(t, set.Entries[0].Correction)

	frozen.Initiator = requests.InitiatorSystem
	var ferr *ledger.AccountFrozenError
	assert.ErrorAs(t, registry()[requests.SubjectCA].Validate(context.Background(), env, frozen), &ferr)
}

func TestDA(t *testing.T) {
	env := newFakeEnv()
	r := request(requests.DAData{AccountID: "eur-2", CreditToRevenue: true}, "10")
	r.Initiator = requests.InitiatorSystem

	set, err := registry()[requests.SubjectDA].Build(context.Background(), env, r)
	require.NoError(t, err)
	require.NoError(t, set.Validate())

	entries := byPurpose(t, set)
	assert.True(t, entries[PurposeDebitAccount].AllowOverdraft)
	assert.True(t, entries[PurposeCreditRevenue].Amount.Equal(d("10")))
	assert.True(t, set.ExternalLeg.IsZero())
}

func TestDRA_RevenueCurrencyMustMatch(t *testing.T) {
	env := newFakeEnv()
	r := request(requests.DRAData{RevenueAccountID: "rev-eur"}, "3")
	r.Initiator = requests.InitiatorAdmin

	set, err := registry()[requests.SubjectDRA].Build(context.Background(), env, r)
	require.NoError(t, err)
	require.NoError(t, set.Validate())
	assert.True(t, set.ExternalLeg.Equal(d("-3")))

	r.BaseCurrency = "USD"
	assert.Error(t, registry()[requests.SubjectDRA].Validate(context.Background(), env, r))
}
