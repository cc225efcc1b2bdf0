package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/example/wallet-ledger/internal/ledger"
)

// Tx is one storage transaction. It implements the transactional port of
// every domain package.
type Tx struct {
	db *DB
	tx *sql.Tx
}

func (t *Tx) conn() conn { return conn{db: t.db, q: t.tx} }

func (t *Tx) LockHolder(ctx context.Context, ref ledger.TargetRef) (*ledger.Holder, error) {
	return t.conn().holder(ctx, ref, true)
}

func (t *Tx) FindTransaction(ctx context.Context, requestID, purpose string) (*ledger.Transaction, error) {
	tr, err := scanTransaction(t.conn().row(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE request_id = ? AND purpose = ?`, requestID, purpose))
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	return tr, err
}

func (t *Tx) InsertTransaction(ctx context.Context, tr *ledger.Transaction) error {
	var account, card, revenue sql.NullString
	switch tr.Target.Kind {
	case ledger.KindAccount:
		account = nullString(tr.Target.ID)
	case ledger.KindCard:
		card = nullString(tr.Target.ID)
	case ledger.KindRevenueAccount:
		revenue = nullString(tr.Target.ID)
	default:
		return ledger.Invalid("target", "unknown kind "+string(tr.Target.Kind))
	}
	var show decimal.NullDecimal
	if tr.ShowAmount != nil {
		show = decimal.NewNullDecimal(*tr.ShowAmount)
	}
	_, err := t.conn().exec(ctx, "insert transaction", `
		INSERT INTO transactions (id, request_id, purpose, description, status, account_id, card_id, revenue_account_id,
			currency_code, amount, current_balance, available_balance, show_amount, is_visible, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.RequestID, tr.Purpose, tr.Description, tr.Status, account, card, revenue,
		tr.CurrencyCode, tr.Amount, tr.CurrentBalance, tr.AvailableBalance, show, tr.IsVisible, tr.CreatedAt)
	return err
}

func (t *Tx) UpdateHolder(ctx context.Context, ref ledger.TargetRef, balance, available decimal.Decimal) error {
	var (
		res sql.Result
		err error
	)
	c := t.conn()
	switch ref.Kind {
	case ledger.KindAccount:
		res, err = c.exec(ctx, "update account balance", `UPDATE accounts SET balance = ?, available_balance = ? WHERE id = ?`, balance, available, ref.ID)
	case ledger.KindCard:
		res, err = c.exec(ctx, "update card balance", `UPDATE cards SET balance = ? WHERE id = ?`, balance, ref.ID)
	case ledger.KindRevenueAccount:
		res, err = c.exec(ctx, "update revenue balance", `UPDATE revenue_accounts SET balance = ?, available_balance = ? WHERE id = ?`, balance, available, ref.ID)
	default:
		return ledger.Invalid("target", "unknown kind "+string(ref.Kind))
	}
	if err != nil {
		return err
	}
	return expectOne(res, ref.String())
}

func (c conn) holder(ctx context.Context, ref ledger.TargetRef, lock bool) (*ledger.Holder, error) {
	suffix := ""
	if lock {
		suffix = c.db.forUpdate()
	}
	h := &ledger.Holder{Target: ref}
	var err error
	switch ref.Kind {
	case ledger.KindAccount:
		err = c.row(ctx, `SELECT currency_code, balance, available_balance, initial_balance, is_active, allow_withdrawals, allow_deposits
			FROM accounts WHERE id = ?`+suffix, ref.ID).
			Scan(&h.CurrencyCode, &h.Balance, &h.AvailableBalance, &h.InitialBalance, &h.IsActive, &h.AllowWithdrawals, &h.AllowDeposits)
	case ledger.KindCard:
		var status string
		err = c.row(ctx, `SELECT currency_code, balance, initial_balance, status FROM cards WHERE id = ?`+suffix, ref.ID).
			Scan(&h.CurrencyCode, &h.Balance, &h.InitialBalance, &status)
		h.AvailableBalance = h.Balance
		h.IsActive = status == string(ledger.CardActive)
		h.AllowWithdrawals, h.AllowDeposits = true, true
	case ledger.KindRevenueAccount:
		err = c.row(ctx, `SELECT currency_code, balance, available_balance, initial_balance FROM revenue_accounts WHERE id = ?`+suffix, ref.ID).
			Scan(&h.CurrencyCode, &h.Balance, &h.AvailableBalance, &h.InitialBalance)
		h.IsActive, h.AllowWithdrawals, h.AllowDeposits = true, true, true
	default:
		return nil, ledger.Invalid("target", "unknown kind "+string(ref.Kind))
	}
	if err != nil {
		return nil, wrap("load "+ref.String(), err)
	}
	return h, nil
}

func targetColumn(kind ledger.TargetKind) (string, error) {
	switch kind {
	case ledger.KindAccount:
		return "account_id", nil
	case ledger.KindCard:
		return "card_id", nil
	case ledger.KindRevenueAccount:
		return "revenue_account_id", nil
	}
	return "", ledger.Invalid("target", "unknown kind "+string(kind))
}

func (c conn) history(ctx context.Context, ref ledger.TargetRef) ([]*ledger.Transaction, error) {
	col, err := targetColumn(ref.Kind)
	if err != nil {
		return nil, err
	}
	rows, err := c.query(ctx, "load history", `SELECT `+transactionColumns+` FROM transactions WHERE `+col+` = ? ORDER BY created_at, id`, ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ledger.Transaction
	for rows.Next() {
		tr, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, wrap("load history", rows.Err())
}

// RequestTransactions lists the transactions posted for a request.
func (d *DB) RequestTransactions(ctx context.Context, requestID string) ([]*ledger.Transaction, error) {
	var out []*ledger.Transaction
	err := d.read(ctx, func(ctx context.Context, c conn) error {
		rows, err := c.query(ctx, "load request transactions", `SELECT `+transactionColumns+` FROM transactions WHERE request_id = ? ORDER BY id`, requestID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			tr, err := scanTransaction(rows)
			if err != nil {
				return err
			}
			out = append(out, tr)
		}
		return wrap("load request transactions", rows.Err())
	})
	return out, err
}

const transactionColumns = `id, request_id, purpose, description, status, account_id, card_id, revenue_account_id,
	currency_code, amount, current_balance, available_balance, show_amount, is_visible, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*ledger.Transaction, error) {
	var (
		tr                     ledger.Transaction
		account, card, revenue sql.NullString
		show                   decimal.NullDecimal
	)
	err := s.Scan(&tr.ID, &tr.RequestID, &tr.Purpose, &tr.Description, &tr.Status, &account, &card, &revenue,
		&tr.CurrencyCode, &tr.Amount, &tr.CurrentBalance, &tr.AvailableBalance, &show, &tr.IsVisible, &tr.CreatedAt)
	if err != nil {
		return nil, wrap("scan transaction", err)
	}
	switch {
	case account.Valid:
		tr.Target = ledger.AccountRef(account.String)
	case card.Valid:
		tr.Target = ledger.CardRef(card.String)
	case revenue.Valid:
		tr.Target = ledger.RevenueRef(revenue.String)
	}
	if show.Valid {
		tr.ShowAmount = &show.Decimal
	}
	tr.CreatedAt = tr.CreatedAt.UTC()
	return &tr, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("rows affected", err)
	}
	if n != 1 {
		return fmt.Errorf("%s: %w", what, ledger.ErrNotFound)
	}
	return nil
}
