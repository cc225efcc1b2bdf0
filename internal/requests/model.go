// Package requests drives transfer requests from creation to execution,
// cancellation or rejection.
package requests

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/money"
)

// Subject is the closed set of request kinds.
type Subject string

const (
	SubjectCA      Subject = "CA"
	SubjectCFT     Subject = "CFT"
	SubjectDA      Subject = "DA"
	SubjectDRA     Subject = "DRA"
	SubjectIWT     Subject = "IWT"
	SubjectOWT     Subject = "OWT"
	SubjectTBA     Subject = "TBA"
	SubjectTBU     Subject = "TBU"
	SubjectConvert Subject = "CONVERT"
)

// Subjects lists every subject.
func Subjects() []Subject {
	return []Subject{SubjectCA, SubjectCFT, SubjectDA, SubjectDRA, SubjectIWT, SubjectOWT, SubjectTBA, SubjectTBU, SubjectConvert}
}

func (s Subject) Valid() bool {
	for _, known := range Subjects() {
		if s == known {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusCreated       Status = "created"
	StatusValidated     Status = "validated"
	StatusPendingAction Status = "pending_action"
	StatusPendingTAN    Status = "pending_tan"
	StatusExecuted      Status = "executed"
	StatusCancelled     Status = "cancelled"
	StatusRejected      Status = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled || s == StatusRejected
}

type Initiator string

const (
	InitiatorAdmin  Initiator = "admin"
	InitiatorSystem Initiator = "system"
	InitiatorUser   Initiator = "user"
)

func (i Initiator) Valid() bool {
	return i == InitiatorAdmin || i == InitiatorSystem || i == InitiatorUser
}

// RateDesignation tells which side of a conversion the stored rate
// multiplies.
type RateDesignation string

const (
	BaseReference RateDesignation = "base/reference"
	ReferenceBase RateDesignation = "reference/base"
)

// DefaultRateDesignation is reference/base for outgoing wires and
// base/reference for everything else.
func DefaultRateDesignation(s Subject) RateDesignation {
	if s == SubjectOWT {
		return ReferenceBase
	}
	return BaseReference
}

// WireParty holds bank details of the external side of a wire.
type WireParty struct {
	Name      string `json:"name"`
	IBAN      string `json:"iban,omitempty"`
	SWIFT     string `json:"swift,omitempty"`
	BankName  string `json:"bank_name,omitempty"`
	Address   string `json:"address,omitempty"`
	Country   string `json:"country,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// SubjectData is the typed parameter set of exactly one subject.
type SubjectData interface {
	Subject() Subject
	check() error
}

// AccountPair is shared by the account to account subjects.
type AccountPair struct {
	SourceAccountID      string `json:"source_account_id"`
	DestinationAccountID string `json:"destination_account_id"`
}

func (p AccountPair) check() error {
	if p.SourceAccountID == "" {
		return ledger.Invalid("source_account_id", "is required")
	}
	if p.DestinationAccountID == "" {
		return ledger.Invalid("destination_account_id", "is required")
	}
	if p.SourceAccountID == p.DestinationAccountID {
		return ledger.Invalid("destination_account_id", "must differ from the source account")
	}
	return nil
}

type TBAData struct{ AccountPair }

type TBUData struct{ AccountPair }

type ConvertData struct{ AccountPair }

type OWTData struct {
	SourceAccountID string    `json:"source_account_id"`
	Beneficiary     WireParty `json:"beneficiary"`
}

type IWTData struct {
	DestinationAccountID string    `json:"destination_account_id"`
	Sender               WireParty `json:"sender"`
}

type CFTData struct {
	SourceAccountID   string `json:"source_account_id"`
	DestinationCardID string `json:"destination_card_id"`
}

type CAData struct {
	AccountID        string `json:"account_id"`
	RevenueAccountID string `json:"revenue_account_id,omitempty"`
	DebitFromRevenue bool   `json:"debit_from_revenue"`
	ApplyIWTFee      bool   `json:"apply_iwt_fee"`
}

type DAData struct {
	AccountID        string `json:"account_id"`
	RevenueAccountID string `json:"revenue_account_id,omitempty"`
	CreditToRevenue  bool   `json:"credit_to_revenue"`
}

type DRAData struct {
	RevenueAccountID string `json:"revenue_account_id"`
}

func (TBAData) Subject() Subject     { return SubjectTBA }
func (TBUData) Subject() Subject     { return SubjectTBU }
func (ConvertData) Subject() Subject { return SubjectConvert }
func (OWTData) Subject() Subject     { return SubjectOWT }
func (IWTData) Subject() Subject     { return SubjectIWT }
func (CFTData) Subject() Subject     { return SubjectCFT }
func (CAData) Subject() Subject      { return SubjectCA }
func (DAData) Subject() Subject      { return SubjectDA }
func (DRAData) Subject() Subject     { return SubjectDRA }

func (d OWTData) check() error {
	if d.SourceAccountID == "" {
		return ledger.Invalid("source_account_id", "is required")
	}
	if d.Beneficiary.Name == "" {
		return ledger.Invalid("beneficiary.name", "is required")
	}
	if d.Beneficiary.IBAN == "" && d.Beneficiary.SWIFT == "" {
		return ledger.Invalid("beneficiary", "needs an iban or a swift code")
	}
	return nil
}

func (d IWTData) check() error {
	if d.DestinationAccountID == "" {
		return ledger.Invalid("destination_account_id", "is required")
	}
	return nil
}

func (d CFTData) check() error {
	if d.SourceAccountID == "" {
		return ledger.Invalid("source_account_id", "is required")
	}
	if d.DestinationCardID == "" {
		return ledger.Invalid("destination_card_id", "is required")
	}
	return nil
}

func (d CAData) check() error {
	if d.AccountID == "" {
		return ledger.Invalid("account_id", "is required")
	}
	return nil
}

func (d DAData) check() error {
	if d.AccountID == "" {
		return ledger.Invalid("account_id", "is required")
	}
	return nil
}

func (d DRAData) check() error {
	if d.RevenueAccountID == "" {
		return ledger.Invalid("revenue_account_id", "is required")
	}
	return nil
}

// DecodeSubjectData reads the JSON form of the data of subject.
func DecodeSubjectData(subject Subject, raw json.RawMessage) (SubjectData, error) {
	var data SubjectData
	switch subject {
	case SubjectTBA:
		data = &TBAData{}
	case SubjectTBU:
		data = &TBUData{}
	case SubjectConvert:
		data = &ConvertData{}
	case SubjectOWT:
		data = &OWTData{}
	case SubjectIWT:
		data = &IWTData{}
	case SubjectCFT:
		data = &CFTData{}
	case SubjectCA:
		data = &CAData{}
	case SubjectDA:
		data = &DAData{}
	case SubjectDRA:
		data = &DRAData{}
	default:
		return nil, ledger.Invalid("subject", fmt.Sprintf("unknown subject %q", subject))
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, data); err != nil {
			return nil, ledger.Invalid("data", err.Error())
		}
	}
	return deref(data), nil
}

func deref(d SubjectData) SubjectData {
	switch v := d.(type) {
	case *TBAData:
		return *v
	case *TBUData:
		return *v
	case *ConvertData:
		return *v
	case *OWTData:
		return *v
	case *IWTData:
		return *v
	case *CFTData:
		return *v
	case *CAData:
		return *v
	case *DAData:
		return *v
	case *DRAData:
		return *v
	}
	return d
}

// Request is one unit of intent. Its subject is derived from Data.
type Request struct {
	ID                    string              `json:"id"`
	Status                Status              `json:"status"`
	Initiator             Initiator           `json:"initiator"`
	UserID                string              `json:"user_id,omitempty"`
	UserGroup             string              `json:"user_group,omitempty"`
	BaseCurrency          string              `json:"base_currency"`
	ReferenceCurrency     string              `json:"reference_currency,omitempty"`
	Amount                decimal.NullDecimal `json:"amount"`
	Rate                  decimal.NullDecimal `json:"rate"`
	RateDesignation       RateDesignation     `json:"rate_designation"`
	ExchangeMarginPercent decimal.Decimal     `json:"exchange_margin_percent"`
	Description           string              `json:"description,omitempty"`
	Input                 map[string]any      `json:"input,omitempty"`
	Data                  SubjectData         `json:"-"`
	CancellationReason    string              `json:"cancellation_reason,omitempty"`
	RejectionReason       string              `json:"rejection_reason,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
	StatusChangedAt       *time.Time          `json:"status_changed_at,omitempty"`
}

// Subject returns the subject of the request data, or "" without data.
func (r *Request) Subject() Subject {
	if r.Data == nil {
		return ""
	}
	return r.Data.Subject()
}

// AmountValue returns the amount, zero when unset.
func (r *Request) AmountValue() decimal.Decimal {
	if !r.Amount.Valid {
		return decimal.Zero
	}
	return r.Amount.Decimal
}

type requestJSON Request

type requestEnvelope struct {
	*requestJSON
	Subject Subject         `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(r.Data)
	if err != nil {
		return nil, err
	}
	rj := requestJSON(r)
	return json.Marshal(requestEnvelope{requestJSON: &rj, Subject: r.Subject(), Data: data})
}

func (r *Request) UnmarshalJSON(b []byte) error {
	env := requestEnvelope{requestJSON: (*requestJSON)(r)}
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	data, err := DecodeSubjectData(env.Subject, env.Data)
	if err != nil {
		return err
	}
	r.Data = data
	return nil
}

// check runs the structural checks that need no storage.
func (r *Request) check() error {
	if r.Data == nil {
		return ledger.Invalid("data", "is required")
	}
	if !r.Initiator.Valid() {
		return ledger.Invalid("initiator", fmt.Sprintf("unknown initiator %q", r.Initiator))
	}
	if r.Initiator == InitiatorUser && r.UserID == "" {
		return ledger.Invalid("user_id", "is required for user requests")
	}
	if err := ledger.ValidateCurrencyCode(r.BaseCurrency); err != nil {
		return err
	}
	if r.ReferenceCurrency != "" && !money.ValidCurrencyCode(r.ReferenceCurrency) {
		return ledger.Invalid("reference_currency", "must be 3 upper-case letters")
	}
	if r.Amount.Valid && !r.Amount.Decimal.IsPositive() {
		return ledger.Invalid("amount", "must be positive")
	}
	if r.Rate.Valid && !r.Rate.Decimal.IsPositive() {
		return ledger.Invalid("rate", "must be positive")
	}
	if r.RateDesignation != "" && r.RateDesignation != BaseReference && r.RateDesignation != ReferenceBase {
		return ledger.Invalid("rate_designation", fmt.Sprintf("unknown designation %q", r.RateDesignation))
	}
	if r.RateDesignation != "" && r.RateDesignation != DefaultRateDesignation(r.Subject()) && r.Subject() == SubjectOWT {
		return ledger.Invalid("rate_designation", "OWT amounts are always quoted reference/base")
	}
	if r.ExchangeMarginPercent.IsNegative() || r.ExchangeMarginPercent.GreaterThanOrEqual(money.Hundred) {
		return ledger.Invalid("exchange_margin_percent", "must be in [0, 100)")
	}
	return r.Data.check()
}

// Transition is one hash-chained status change of a request.
type Transition struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Actor     string    `json:"actor"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

func (t *Transition) payload() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", t.RequestID, t.From, t.To, t.Reason, t.Actor)
}
