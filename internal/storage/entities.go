package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/wallet-ledger/internal/fees"
	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/limits"
)

const accountColumns = `a.id, a.number, a.type_id, a.user_id, a.currency_code, a.balance, a.available_balance, a.initial_balance,
	a.is_active, a.allow_withdrawals, a.allow_deposits, a.interest_account_id, a.maturity_date, a.created_at`

func scanAccount(s scanner) (*ledger.Account, error) {
	var (
		a        ledger.Account
		interest sql.NullString
		maturity sql.NullTime
	)
	err := s.Scan(&a.ID, &a.Number, &a.TypeID, &a.UserID, &a.CurrencyCode, &a.Balance, &a.AvailableBalance, &a.InitialBalance,
		&a.IsActive, &a.AllowWithdrawals, &a.AllowDeposits, &interest, &maturity, &a.CreatedAt)
	if err != nil {
		return nil, wrap("scan account", err)
	}
	a.InterestAccountID = interest.String
	if maturity.Valid {
		t := maturity.Time.UTC()
		a.MaturityDate = &t
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

const accountTypeColumns = `t.id, t.name, t.currency_code, t.monthly_maintenance_fee, t.balance_limit_amount, t.balance_fee_amount,
	t.balance_charge_day, t.credit_annual_interest_rate, t.credit_charge_period, t.credit_charge_day,
	t.deposit_annual_interest_rate, t.deposit_payout_period, t.deposit_payout_day, t.created_at`

func scanAccountType(s scanner) (*ledger.AccountType, error) {
	var t ledger.AccountType
	err := s.Scan(&t.ID, &t.Name, &t.CurrencyCode, &t.MonthlyMaintenanceFee, &t.BalanceLimitAmount, &t.BalanceFeeAmount,
		&t.BalanceChargeDay, &t.CreditAnnualInterestRate, &t.CreditChargePeriod, &t.CreditChargeDay,
		&t.DepositAnnualInterestRate, &t.DepositPayoutPeriod, &t.DepositPayoutDay, &t.CreatedAt)
	if err != nil {
		return nil, wrap("scan account type", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

const cardColumns = `id, number, token, user_id, currency_code, type, status, expires_at, balance, initial_balance, created_at`

func scanCard(s scanner) (*ledger.Card, error) {
	var c ledger.Card
	err := s.Scan(&c.ID, &c.Number, &c.Token, &c.UserID, &c.CurrencyCode, &c.Type, &c.Status, &c.ExpiresAt,
		&c.Balance, &c.InitialBalance, &c.CreatedAt)
	if err != nil {
		return nil, wrap("scan card", err)
	}
	c.ExpiresAt, c.CreatedAt = c.ExpiresAt.UTC(), c.CreatedAt.UTC()
	return &c, nil
}

const revenueColumns = `id, currency_code, balance, available_balance, initial_balance, is_default, created_at`

func scanRevenue(s scanner) (*ledger.RevenueAccount, error) {
	var r ledger.RevenueAccount
	err := s.Scan(&r.ID, &r.CurrencyCode, &r.Balance, &r.AvailableBalance, &r.InitialBalance, &r.IsDefault, &r.CreatedAt)
	if err != nil {
		return nil, wrap("scan revenue account", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

func (c conn) account(ctx context.Context, id string) (*ledger.Account, error) {
	return scanAccount(c.row(ctx, `SELECT `+accountColumns+` FROM accounts a WHERE a.id = ?`, id))
}

func (c conn) accountType(ctx context.Context, id string) (*ledger.AccountType, error) {
	return scanAccountType(c.row(ctx, `SELECT `+accountTypeColumns+` FROM account_types t WHERE t.id = ?`, id))
}

func (c conn) card(ctx context.Context, id string) (*ledger.Card, error) {
	return scanCard(c.row(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ?`, id))
}

func (c conn) revenueAccount(ctx context.Context, id string) (*ledger.RevenueAccount, error) {
	return scanRevenue(c.row(ctx, `SELECT `+revenueColumns+` FROM revenue_accounts WHERE id = ?`, id))
}

func (c conn) defaultRevenueAccount(ctx context.Context, currency string) (*ledger.RevenueAccount, error) {
	return scanRevenue(c.row(ctx, `SELECT `+revenueColumns+` FROM revenue_accounts WHERE currency_code = ? AND is_default`, currency))
}

func (c conn) transferFees(ctx context.Context, subject string) ([]fees.TransferFee, error) {
	rows, err := c.query(ctx, "load transfer fees",
		`SELECT id, name, subject, user_groups, created_at FROM transfer_fees WHERE subject = ? ORDER BY created_at, id`, subject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fees.TransferFee
	for rows.Next() {
		var (
			f      fees.TransferFee
			groups []byte
		)
		if err := rows.Scan(&f.ID, &f.Name, &f.Subject, &groups, &f.CreatedAt); err != nil {
			return nil, wrap("scan transfer fee", err)
		}
		if err := json.Unmarshal(groups, &f.UserGroups); err != nil {
			return nil, wrap("decode user groups", err)
		}
		f.CreatedAt = f.CreatedAt.UTC()
		out = append(out, f)
	}
	return out, wrap("load transfer fees", rows.Err())
}

func (c conn) feeParameters(ctx context.Context, feeID, currency string) (*fees.Parameters, error) {
	p := fees.Parameters{TransferFeeID: feeID, CurrencyCode: currency}
	err := c.row(ctx, `SELECT base, min_amount, max_amount, percent FROM transfer_fee_parameters
		WHERE transfer_fee_id = ? AND currency_code = ?`, feeID, currency).
		Scan(&p.Base, &p.Min, &p.Max, &p.Percent)
	if err != nil {
		return nil, wrap("load fee parameters", err)
	}
	return &p, nil
}

func (c conn) limit(ctx context.Context, name, entity, entityID string) (*limits.Limit, error) {
	l := limits.Limit{Name: name, Entity: entity, EntityID: entityID}
	err := c.row(ctx, `SELECT id, currency_code, amount, created_at FROM limits WHERE name = ? AND entity = ? AND entity_id = ?`,
		name, entity, entityID).Scan(&l.ID, &l.CurrencyCode, &l.Amount, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("load limit", err)
	}
	l.CreatedAt = l.CreatedAt.UTC()
	return &l, nil
}

// debitedByUser folds in Go because amounts are TEXT on SQLite, where SUM
// and numeric comparison would go through floats.
func (c conn) debitedByUser(ctx context.Context, userID, currency string, from, till time.Time) (decimal.Decimal, error) {
	rows, err := c.query(ctx, "sum user debits", `SELECT t.amount, t.created_at FROM transactions t
		JOIN accounts a ON a.id = t.account_id
		WHERE a.user_id = ? AND t.currency_code = ?`, userID, currency)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var (
			amount decimal.Decimal
			at     time.Time
		)
		if err := rows.Scan(&amount, &at); err != nil {
			return decimal.Zero, wrap("sum user debits", err)
		}
		if amount.IsNegative() && !at.Before(from) && at.Before(till) {
			total = total.Sub(amount)
		}
	}
	return total, wrap("sum user debits", rows.Err())
}

// Env reads on the transaction.

func (t *Tx) Account(ctx context.Context, id string) (*ledger.Account, error) {
	return t.conn().account(ctx, id)
}

func (t *Tx) Card(ctx context.Context, id string) (*ledger.Card, error) {
	return t.conn().card(ctx, id)
}

func (t *Tx) RevenueAccount(ctx context.Context, id string) (*ledger.RevenueAccount, error) {
	return t.conn().revenueAccount(ctx, id)
}

func (t *Tx) DefaultRevenueAccount(ctx context.Context, currency string) (*ledger.RevenueAccount, error) {
	return t.conn().defaultRevenueAccount(ctx, currency)
}

func (t *Tx) TransferFees(ctx context.Context, subject string) ([]fees.TransferFee, error) {
	return t.conn().transferFees(ctx, subject)
}

func (t *Tx) FeeParameters(ctx context.Context, feeID, currency string) (*fees.Parameters, error) {
	return t.conn().feeParameters(ctx, feeID, currency)
}

func (t *Tx) Limit(ctx context.Context, name, entity, entityID string) (*limits.Limit, error) {
	return t.conn().limit(ctx, name, entity, entityID)
}

func (t *Tx) DebitedByUser(ctx context.Context, userID, currency string, from, till time.Time) (decimal.Decimal, error) {
	return t.conn().debitedByUser(ctx, userID, currency, from, till)
}

// Standalone reads and administrative writes.

func (d *DB) Account(ctx context.Context, id string) (*ledger.Account, error) {
	var out *ledger.Account
	err := d.read(ctx, func(ctx context.Context, c conn) (err error) {
		out, err = c.account(ctx, id)
		return err
	})
	return out, err
}

func (d *DB) AccountType(ctx context.Context, id string) (*ledger.AccountType, error) {
	var out *ledger.AccountType
	err := d.read(ctx, func(ctx context.Context, c conn) (err error) {
		out, err = c.accountType(ctx, id)
		return err
	})
	return out, err
}

func (d *DB) Card(ctx context.Context, id string) (*ledger.Card, error) {
	var out *ledger.Card
	err := d.read(ctx, func(ctx context.Context, c conn) (err error) {
		out, err = c.card(ctx, id)
		return err
	})
	return out, err
}

func (d *DB) RevenueAccount(ctx context.Context, id string) (*ledger.RevenueAccount, error) {
	var out *ledger.RevenueAccount
	err := d.read(ctx, func(ctx context.Context, c conn) (err error) {
		out, err = c.revenueAccount(ctx, id)
		return err
	})
	return out, err
}

// AccountsByUser lists the accounts of a user.
func (d *DB) AccountsByUser(ctx context.Context, userID string) ([]*ledger.Account, error) {
	var out []*ledger.Account
	err := d.read(ctx, func(ctx context.Context, c conn) error {
		rows, err := c.query(ctx, "list accounts", `SELECT `+accountColumns+` FROM accounts a WHERE a.user_id = ? ORDER BY a.created_at, a.id`, userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAccount(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return wrap("list accounts", rows.Err())
	})
	return out, err
}

func now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func (d *DB) CreateAccountType(ctx context.Context, t *ledger.AccountType) error {
	if err := ledger.ValidateCurrencyCode(t.CurrencyCode); err != nil {
		return err
	}
	if t.Name == "" {
		return ledger.Invalid("name", "is required")
	}
	ensureID(&t.ID)
	if t.CreditChargePeriod == "" {
		t.CreditChargePeriod = ledger.PeriodMonthly
	}
	if t.DepositPayoutPeriod == "" {
		t.DepositPayoutPeriod = ledger.PeriodMonthly
	}
	for _, day := range []*int{&t.BalanceChargeDay, &t.CreditChargeDay, &t.DepositPayoutDay} {
		if *day == 0 {
			*day = 1
		}
	}
	t.CreatedAt = now()
	return d.read(ctx, func(ctx context.Context, c conn) error {
		_, err := c.exec(ctx, "create account type", `
			INSERT INTO account_types (id, name, currency_code, monthly_maintenance_fee, balance_limit_amount, balance_fee_amount,
				balance_charge_day, credit_annual_interest_rate, credit_charge_period, credit_charge_day,
				deposit_annual_interest_rate, deposit_payout_period, deposit_payout_day, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Name, t.CurrencyCode, t.MonthlyMaintenanceFee, t.BalanceLimitAmount, t.BalanceFeeAmount,
			t.BalanceChargeDay, t.CreditAnnualInterestRate, t.CreditChargePeriod, t.CreditChargeDay,
			t.DepositAnnualInterestRate, t.DepositPayoutPeriod, t.DepositPayoutDay, t.CreatedAt)
		return err
	})
}

// CreateAccount opens an account of an existing type. The currency comes
// from the type and both balances start at the initial balance.
func (d *DB) CreateAccount(ctx context.Context, a *ledger.Account) error {
	if a.UserID == "" {
		return ledger.Invalid("user_id", "is required")
	}
	typ, err := d.AccountType(ctx, a.TypeID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Invalid("type_id", "unknown account type")
	}
	if err != nil {
		return err
	}
	ensureID(&a.ID)
	if a.Number == "" {
		a.Number = a.ID
	}
	a.CurrencyCode = typ.CurrencyCode
	a.Balance, a.AvailableBalance = a.InitialBalance, a.InitialBalance
	a.CreatedAt = now()

	var maturity sql.NullTime
	if a.MaturityDate != nil {
		maturity = sql.NullTime{Time: a.MaturityDate.UTC(), Valid: true}
	}
	return d.read(ctx, func(ctx context.Context, c conn) error {
		_, err := c.exec(ctx, "create account", `
			INSERT INTO accounts (id, number, type_id, user_id, currency_code, balance, available_balance, initial_balance,
				is_active, allow_withdrawals, allow_deposits, interest_account_id, maturity_date, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.Number, a.TypeID, a.UserID, a.CurrencyCode, a.Balance, a.AvailableBalance, a.InitialBalance,
			a.IsActive, a.AllowWithdrawals, a.AllowDeposits, nullString(a.InterestAccountID), maturity, a.CreatedAt)
		return err
	})
}

// SetAccountFlags updates the activity and movement flags of an account.
func (d *DB) SetAccountFlags(ctx context.Context, id string, active, withdrawals, deposits bool) error {
	return d.read(ctx, func(ctx context.Context, c conn) error {
		res, err := c.exec(ctx, "update account flags",
			`UPDATE accounts SET is_active = ?, allow_withdrawals = ?, allow_deposits = ? WHERE id = ?`, active, withdrawals, deposits, id)
		if err != nil {
			return err
		}
		return expectOne(res, "account "+id)
	})
}

func (d *DB) CreateRevenueAccount(ctx context.Context, r *ledger.RevenueAccount) error {
	if err := ledger.ValidateCurrencyCode(r.CurrencyCode); err != nil {
		return err
	}
	ensureID(&r.ID)
	r.Balance, r.AvailableBalance = r.InitialBalance, r.InitialBalance
	r.CreatedAt = now()
	return d.read(ctx, func(ctx context.Context, c conn) error {
		_, err := c.exec(ctx, "create revenue account", `
			INSERT INTO revenue_accounts (id, currency_code, balance, available_balance, initial_balance, is_default, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.CurrencyCode, r.Balance, r.AvailableBalance, r.InitialBalance, r.IsDefault, r.CreatedAt)
		return err
	})
}

// CardSecret is the envelope-encrypted primary account number of a card.
type CardSecret struct {
	CardID       string
	Ciphertext   []byte
	EncryptedKey []byte
	Nonce        []byte
	KeyID        string
	CreatedAt    time.Time
}

// CreateCard stores a card and its secret in one transaction.
func (d *DB) CreateCard(ctx context.Context, card *ledger.Card, secret *CardSecret) error {
	ensureID(&card.ID)
	card.CreatedAt = now()
	if card.Status == "" {
		card.Status = ledger.CardActive
	}
	card.Balance = card.InitialBalance
	return d.InTx(ctx, func(tx *Tx) error {
		c := tx.conn()
		if _, err := c.exec(ctx, "create card", `
			INSERT INTO cards (id, number, token, user_id, currency_code, type, status, expires_at, balance, initial_balance, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			card.ID, card.Number, card.Token, card.UserID, card.CurrencyCode, card.Type, card.Status, card.ExpiresAt.UTC(),
			card.Balance, card.InitialBalance, card.CreatedAt); err != nil {
			return err
		}
		if secret == nil {
			return nil
		}
		secret.CardID, secret.CreatedAt = card.ID, card.CreatedAt
		_, err := c.exec(ctx, "store card secret", `
			INSERT INTO card_secrets (card_id, ciphertext, encrypted_key, nonce, key_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			secret.CardID, secret.Ciphertext, secret.EncryptedKey, secret.Nonce, secret.KeyID, secret.CreatedAt)
		return err
	})
}

func (d *DB) CardSecret(ctx context.Context, cardID string) (*CardSecret, error) {
	s := CardSecret{CardID: cardID}
	err := d.read(ctx, func(ctx context.Context, c conn) error {
		return wrap("load card secret", c.row(ctx,
			`SELECT ciphertext, encrypted_key, nonce, key_id, created_at FROM card_secrets WHERE card_id = ?`, cardID).
			Scan(&s.Ciphertext, &s.EncryptedKey, &s.Nonce, &s.KeyID, &s.CreatedAt))
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SetCardStatus blocks, expires or reactivates a card.
func (d *DB) SetCardStatus(ctx context.Context, id string, status ledger.CardStatus) error {
	switch status {
	case ledger.CardActive, ledger.CardBlocked, ledger.CardExpired:
	default:
		return ledger.Invalid("status", "unknown card status "+string(status))
	}
	return d.read(ctx, func(ctx context.Context, c conn) error {
		res, err := c.exec(ctx, "update card status", `UPDATE cards SET status = ? WHERE id = ?`, status, id)
		if err != nil {
			return err
		}
		return expectOne(res, "card "+id)
	})
}

func (d *DB) CreateTransferFee(ctx context.Context, f *fees.TransferFee) error {
	if f.Name == "" || f.Subject == "" {
		return ledger.Invalid("transfer_fee", "name and subject are required")
	}
	ensureID(&f.ID)
	if f.UserGroups == nil {
		f.UserGroups = []string{}
	}
	groups, err := json.Marshal(f.UserGroups)
	if err != nil {
		return err
	}
	f.CreatedAt = now()
	return d.read(ctx, func(ctx context.Context, c conn) error {
		_, err := c.exec(ctx, "create transfer fee",
			`INSERT INTO transfer_fees (id, name, subject, user_groups, created_at) VALUES (?, ?, ?, ?, ?)`,
			f.ID, f.Name, f.Subject, string(groups), f.CreatedAt)
		return err
	})
}

// PutFeeParameters inserts or replaces the parameters of a fee in one
// currency.
func (d *DB) PutFeeParameters(ctx context.Context, p fees.Parameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return d.InTx(ctx, func(tx *Tx) error {
		c := tx.conn()
		if _, err := c.exec(ctx, "replace fee parameters",
			`DELETE FROM transfer_fee_parameters WHERE transfer_fee_id = ? AND currency_code = ?`, p.TransferFeeID, p.CurrencyCode); err != nil {
			return err
		}
		_, err := c.exec(ctx, "store fee parameters", `
			INSERT INTO transfer_fee_parameters (transfer_fee_id, currency_code, base, min_amount, max_amount, percent)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.TransferFeeID, p.CurrencyCode, p.Base, p.Min, p.Max, p.Percent)
		return err
	})
}

func (d *DB) CreateLimit(ctx context.Context, l *limits.Limit) error {
	if err := l.Validate(); err != nil {
		return err
	}
	ensureID(&l.ID)
	l.CreatedAt = now()
	return d.read(ctx, func(ctx context.Context, c conn) error {
		_, err := c.exec(ctx, "create limit", `
			INSERT INTO limits (id, name, entity, entity_id, currency_code, amount, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			l.ID, l.Name, l.Entity, l.EntityID, l.CurrencyCode, l.Amount, l.CreatedAt)
		return err
	})
}

// Balance returns the current balance of any holder.
func (d *DB) Balance(ctx context.Context, ref ledger.TargetRef) (decimal.Decimal, error) {
	var h *ledger.Holder
	err := d.read(ctx, func(ctx context.Context, c conn) (err error) {
		h, err = c.holder(ctx, ref, false)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return h.Balance, nil
}
