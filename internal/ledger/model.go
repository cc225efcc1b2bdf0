package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TargetKind names the kind of balance holder a transaction posts to.
type TargetKind string

const (
	KindAccount        TargetKind = "account"
	KindCard           TargetKind = "card"
	KindRevenueAccount TargetKind = "revenue_account"
)

// TargetRef identifies exactly one balance holder.
type TargetRef struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

func AccountRef(id string) TargetRef { return TargetRef{Kind: KindAccount, ID: id} }
func CardRef(id string) TargetRef    { return TargetRef{Kind: KindCard, ID: id} }
func RevenueRef(id string) TargetRef { return TargetRef{Kind: KindRevenueAccount, ID: id} }

func (r TargetRef) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// Less orders holders for lock acquisition.
func (r TargetRef) Less(o TargetRef) bool {
	if r.Kind != o.Kind {
		return r.Kind < o.Kind
	}
	return r.ID < o.ID
}

// Valid reports whether the ref names a known kind and a non-empty id.
func (r TargetRef) Valid() bool {
	switch r.Kind {
	case KindAccount, KindCard, KindRevenueAccount:
		return r.ID != ""
	}
	return false
}

// ChargePeriod is the cadence of recurring account charges and payouts.
type ChargePeriod string

const (
	PeriodMonthly    ChargePeriod = "monthly"
	PeriodQuarterly  ChargePeriod = "quarterly"
	PeriodBiAnnually ChargePeriod = "biannually"
	PeriodAnnually   ChargePeriod = "annually"
)

// AccountType is the template accounts are opened from.
type AccountType struct {
	ID                        string          `json:"id"`
	Name                      string          `json:"name"`
	CurrencyCode              string          `json:"currency_code"`
	MonthlyMaintenanceFee     decimal.Decimal `json:"monthly_maintenance_fee"`
	BalanceLimitAmount        decimal.Decimal `json:"balance_limit_amount"`
	BalanceFeeAmount          decimal.Decimal `json:"balance_fee_amount"`
	BalanceChargeDay          int             `json:"balance_charge_day"`
	CreditAnnualInterestRate  decimal.Decimal `json:"credit_annual_interest_rate"`
	CreditChargePeriod        ChargePeriod    `json:"credit_charge_period"`
	CreditChargeDay           int             `json:"credit_charge_day"`
	DepositAnnualInterestRate decimal.Decimal `json:"deposit_annual_interest_rate"`
	DepositPayoutPeriod       ChargePeriod    `json:"deposit_payout_period"`
	DepositPayoutDay          int             `json:"deposit_payout_day"`
	CreatedAt                 time.Time       `json:"created_at"`
}

// Account is a customer monetary container.
type Account struct {
	ID                string          `json:"id"`
	Number            string          `json:"number"`
	TypeID            string          `json:"type_id"`
	UserID            string          `json:"user_id"`
	CurrencyCode      string          `json:"currency_code"`
	Balance           decimal.Decimal `json:"balance"`
	AvailableBalance  decimal.Decimal `json:"available_balance"`
	InitialBalance    decimal.Decimal `json:"initial_balance"`
	IsActive          bool            `json:"is_active"`
	AllowWithdrawals  bool            `json:"allow_withdrawals"`
	AllowDeposits     bool            `json:"allow_deposits"`
	InterestAccountID string          `json:"interest_account_id,omitempty"`
	MaturityDate      *time.Time      `json:"maturity_date,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Matured reports whether the account's maturity date has passed at now.
func (a *Account) Matured(now time.Time) bool {
	return a.MaturityDate != nil && a.MaturityDate.Before(now)
}

// RevenueAccount is a house account absorbing fees and margins.
type RevenueAccount struct {
	ID               string          `json:"id"`
	CurrencyCode     string          `json:"currency_code"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	InitialBalance   decimal.Decimal `json:"initial_balance"`
	IsDefault        bool            `json:"is_default"`
	CreatedAt        time.Time       `json:"created_at"`
}

// CardStatus is the lifecycle state of a card.
type CardStatus string

const (
	CardActive  CardStatus = "active"
	CardBlocked CardStatus = "blocked"
	CardExpired CardStatus = "expired"
)

// Card is a funding target credited through card funding transfers.
type Card struct {
	ID             string          `json:"id"`
	Number         string          `json:"number"`
	Token          string          `json:"token"`
	UserID         string          `json:"user_id"`
	CurrencyCode   string          `json:"currency_code"`
	Type           string          `json:"type"`
	Status         CardStatus      `json:"status"`
	ExpiresAt      time.Time       `json:"expires_at"`
	Balance        decimal.Decimal `json:"balance"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Usable returns a CardInvalidError when the card cannot be funded at now.
func (c *Card) Usable(now time.Time) error {
	if c.Status != CardActive {
		return &CardInvalidError{CardID: c.ID, Reason: "card is " + string(c.Status)}
	}
	if !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt) {
		return &CardInvalidError{CardID: c.ID, Reason: "card expired"}
	}
	return nil
}

// Holder is the locked balance row of any target kind.
type Holder struct {
	Target           TargetRef
	CurrencyCode     string
	Balance          decimal.Decimal
	AvailableBalance decimal.Decimal
	InitialBalance   decimal.Decimal
	IsActive         bool
	AllowWithdrawals bool
	AllowDeposits    bool
}

const StatusExecuted = "executed"

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID               string           `json:"id"`
	RequestID        string           `json:"request_id"`
	Purpose          string           `json:"purpose"`
	Description      string           `json:"description"`
	Status           string           `json:"status"`
	Target           TargetRef        `json:"target"`
	CurrencyCode     string           `json:"currency_code"`
	Amount           decimal.Decimal  `json:"amount"`
	CurrentBalance   decimal.Decimal  `json:"current_balance"`
	AvailableBalance decimal.Decimal  `json:"available_balance"`
	ShowAmount       *decimal.Decimal `json:"show_amount,omitempty"`
	IsVisible        bool             `json:"is_visible"`
	CreatedAt        time.Time        `json:"created_at"`
}
