package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/requests"
	"github.com/example/wallet-ledger/internal/scheduler"
)

const dateLayout = time.DateOnly

// SchedulerStore persists scheduled transactions and their logs.
type SchedulerStore struct{ db *DB }

func (d *DB) Scheduler() SchedulerStore { return SchedulerStore{db: d} }

const scheduledColumns = `id, account_id, reason, amount, scheduled_date, status, request_id, attempts, last_error, claimed_at, created_at, updated_at`

func scanScheduled(s scanner) (*scheduler.ScheduledTransaction, error) {
	var (
		st               scheduler.ScheduledTransaction
		date             string
		requestID, lastE sql.NullString
		claimed          sql.NullTime
	)
	err := s.Scan(&st.ID, &st.AccountID, &st.Reason, &st.Amount, &date, &st.Status, &requestID, &st.Attempts, &lastE,
		&claimed, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, wrap("scan scheduled transaction", err)
	}
	if st.ScheduledDate, err = time.Parse(dateLayout, date); err != nil {
		return nil, wrap("parse scheduled date", err)
	}
	st.RequestID, st.LastError = requestID.String, lastE.String
	if claimed.Valid {
		t := claimed.Time.UTC()
		st.ClaimedAt = &t
	}
	st.CreatedAt, st.UpdatedAt = st.CreatedAt.UTC(), st.UpdatedAt.UTC()
	return &st, nil
}

func (s SchedulerStore) Insert(ctx context.Context, st *scheduler.ScheduledTransaction) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.Status == "" {
		st.Status = scheduler.StatusPending
	}
	return s.db.read(ctx, func(ctx context.Context, c conn) error {
		_, err := c.exec(ctx, "insert scheduled transaction", `
			INSERT INTO scheduled_transactions (id, account_id, reason, amount, scheduled_date, status, attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			st.ID, st.AccountID, st.Reason, st.Amount, st.ScheduledDate.Format(dateLayout), st.Status, st.CreatedAt, st.UpdatedAt)
		return err
	})
}

func (s SchedulerStore) PendingExists(ctx context.Context, accountID string, reason scheduler.Reason) (bool, error) {
	var n int
	err := s.db.read(ctx, func(ctx context.Context, c conn) error {
		return wrap("count pending", c.row(ctx,
			`SELECT COUNT(*) FROM scheduled_transactions WHERE account_id = ? AND reason = ? AND status = ?`,
			accountID, reason, scheduler.StatusPending).Scan(&n))
	})
	return n > 0, err
}

func (s SchedulerStore) Due(ctx context.Context, now, staleBefore time.Time, limit int) ([]*scheduler.ScheduledTransaction, error) {
	var out []*scheduler.ScheduledTransaction
	err := s.db.read(ctx, func(ctx context.Context, c conn) error {
		rows, err := c.query(ctx, "list due", `
			SELECT `+scheduledColumns+` FROM scheduled_transactions
			WHERE (status = ? AND scheduled_date <= ?) OR (status = ? AND claimed_at < ?)
			ORDER BY scheduled_date, id LIMIT ?`,
			scheduler.StatusPending, now.Format(dateLayout), scheduler.StatusExecuting, staleBefore, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			st, err := scanScheduled(rows)
			if err != nil {
				return err
			}
			out = append(out, st)
		}
		return wrap("list due", rows.Err())
	})
	return out, err
}

// Claim is a compare-and-set on the row status, so concurrent runners see
// exactly one winner.
func (s SchedulerStore) Claim(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	var won bool
	err := s.db.read(ctx, func(ctx context.Context, c conn) error {
		res, err := c.exec(ctx, "claim scheduled transaction", `
			UPDATE scheduled_transactions SET status = ?, claimed_at = ?, updated_at = ?
			WHERE id = ? AND (status = ? OR (status = ? AND claimed_at < ?))`,
			scheduler.StatusExecuting, now, now, id, scheduler.StatusPending, scheduler.StatusExecuting, staleBefore)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		won = n == 1
		return wrap("claim scheduled transaction", err)
	})
	return won, err
}

func (s SchedulerStore) Release(ctx context.Context, id, reason string, now time.Time) error {
	return s.db.read(ctx, func(ctx context.Context, c conn) error {
		_, err := c.exec(ctx, "release scheduled transaction", `
			UPDATE scheduled_transactions SET status = ?, attempts = attempts + 1, last_error = ?, claimed_at = NULL, updated_at = ?
			WHERE id = ? AND status = ?`,
			scheduler.StatusPending, reason, now, id, scheduler.StatusExecuting)
		return err
	})
}

func (s SchedulerStore) Park(ctx context.Context, id, reason string, now time.Time) error {
	return s.db.read(ctx, func(ctx context.Context, c conn) error {
		_, err := c.exec(ctx, "park scheduled transaction", `
			UPDATE scheduled_transactions SET status = ?, attempts = attempts + 1, last_error = ?, claimed_at = NULL, updated_at = ?
			WHERE id = ? AND status = ?`,
			scheduler.StatusFailed, reason, now, id, scheduler.StatusExecuting)
		return err
	})
}

func (s SchedulerStore) AccountsForAccrual(ctx context.Context) ([]scheduler.Accrual, error) {
	var out []scheduler.Accrual
	err := s.db.read(ctx, func(ctx context.Context, c conn) error {
		rows, err := c.query(ctx, "list accrual accounts", `
			SELECT `+accountColumns+`, `+accountTypeColumns+`
			FROM accounts a JOIN account_types t ON t.id = a.type_id
			WHERE a.is_active ORDER BY a.id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				a        ledger.Account
				t        ledger.AccountType
				interest sql.NullString
				maturity sql.NullTime
			)
			if err := rows.Scan(&a.ID, &a.Number, &a.TypeID, &a.UserID, &a.CurrencyCode, &a.Balance, &a.AvailableBalance, &a.InitialBalance,
				&a.IsActive, &a.AllowWithdrawals, &a.AllowDeposits, &interest, &maturity, &a.CreatedAt,
				&t.ID, &t.Name, &t.CurrencyCode, &t.MonthlyMaintenanceFee, &t.BalanceLimitAmount, &t.BalanceFeeAmount,
				&t.BalanceChargeDay, &t.CreditAnnualInterestRate, &t.CreditChargePeriod, &t.CreditChargeDay,
				&t.DepositAnnualInterestRate, &t.DepositPayoutPeriod, &t.DepositPayoutDay, &t.CreatedAt); err != nil {
				return wrap("scan accrual account", err)
			}
			a.InterestAccountID = interest.String
			if maturity.Valid {
				m := maturity.Time.UTC()
				a.MaturityDate = &m
			}
			out = append(out, scheduler.Accrual{Account: a, Type: t})
		}
		return wrap("list accrual accounts", rows.Err())
	})
	return out, err
}

// Logs returns the execution log of a scheduled transaction.
func (s SchedulerStore) Logs(ctx context.Context, scheduledID string) ([]*scheduler.Log, error) {
	var out []*scheduler.Log
	err := s.db.read(ctx, func(ctx context.Context, c conn) error {
		rows, err := c.query(ctx, "list scheduled logs", `
			SELECT id, scheduled_transaction_id, request_id, amount, created_at FROM scheduled_transaction_logs
			WHERE scheduled_transaction_id = ? ORDER BY created_at`, scheduledID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var l scheduler.Log
			if err := rows.Scan(&l.ID, &l.ScheduledTransactionID, &l.RequestID, &l.Amount, &l.CreatedAt); err != nil {
				return wrap("scan scheduled log", err)
			}
			out = append(out, &l)
		}
		return wrap("list scheduled logs", rows.Err())
	})
	return out, err
}

// Get returns one scheduled transaction.
func (s SchedulerStore) Get(ctx context.Context, id string) (*scheduler.ScheduledTransaction, error) {
	var out *scheduler.ScheduledTransaction
	err := s.db.read(ctx, func(ctx context.Context, c conn) (err error) {
		out, err = scanScheduled(c.row(ctx, `SELECT `+scheduledColumns+` FROM scheduled_transactions WHERE id = ?`, id))
		return err
	})
	return out, err
}

func (s SchedulerStore) InTx(ctx context.Context, fn func(scheduler.Tx) error) error {
	return s.db.InTx(ctx, func(tx *Tx) error { return fn(tx) })
}

// MarkExecuted finishes a claimed row. A row that is no longer executing was
// taken over by another runner.
func (t *Tx) MarkExecuted(ctx context.Context, id, requestID string, now time.Time) error {
	res, err := t.conn().exec(ctx, "mark scheduled transaction executed", `
		UPDATE scheduled_transactions SET status = ?, request_id = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		scheduler.StatusExecuted, requestID, now, id, scheduler.StatusExecuting)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("rows affected", err)
	}
	if n != 1 {
		return fmt.Errorf("scheduled transaction %s is no longer claimed: %w", id, ledger.ErrConcurrencyConflict)
	}
	return nil
}

func (t *Tx) InsertLog(ctx context.Context, l *scheduler.Log) error {
	_, err := t.conn().exec(ctx, "insert scheduled log", `
		INSERT INTO scheduled_transaction_logs (id, scheduled_transaction_id, request_id, amount, created_at) VALUES (?, ?, ?, ?, ?)`,
		l.ID, l.ScheduledTransactionID, l.RequestID, l.Amount, l.CreatedAt)
	return err
}

var (
	_ scheduler.Store = SchedulerStore{}
	_ scheduler.Tx    = (*Tx)(nil)
	_ requests.Tx     = (*Tx)(nil)
)
