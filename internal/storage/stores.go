package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/outbox"
	"github.com/example/wallet-ledger/internal/requests"
)

func isNotFound(err error) bool { return errors.Is(err, ledger.ErrNotFound) }

// LedgerStore adapts DB to ledger.Store.
type LedgerStore struct{ db *DB }

func (d *DB) Ledger() LedgerStore { return LedgerStore{db: d} }

func (s LedgerStore) InTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.db.InTx(ctx, func(tx *Tx) error { return fn(tx) })
}

func (s LedgerStore) Holder(ctx context.Context, ref ledger.TargetRef) (*ledger.Holder, error) {
	var h *ledger.Holder
	err := s.db.read(ctx, func(ctx context.Context, c conn) (err error) {
		h, err = c.holder(ctx, ref, false)
		return err
	})
	return h, err
}

func (s LedgerStore) History(ctx context.Context, ref ledger.TargetRef) ([]*ledger.Transaction, error) {
	var out []*ledger.Transaction
	err := s.db.read(ctx, func(ctx context.Context, c conn) (err error) {
		out, err = c.history(ctx, ref)
		return err
	})
	return out, err
}

// RequestStore adapts DB to requests.Store.
type RequestStore struct{ db *DB }

func (d *DB) Requests() RequestStore { return RequestStore{db: d} }

func (s RequestStore) InTx(ctx context.Context, fn func(requests.Tx) error) error {
	return s.db.InTx(ctx, func(tx *Tx) error { return fn(tx) })
}

func (s RequestStore) Request(ctx context.Context, id string) (*requests.Request, error) {
	var r *requests.Request
	err := s.db.read(ctx, func(ctx context.Context, c conn) (err error) {
		r, err = c.request(ctx, id, false)
		return err
	})
	return r, err
}

func (s RequestStore) Transitions(ctx context.Context, requestID string) ([]*requests.Transition, error) {
	var out []*requests.Transition
	err := s.db.read(ctx, func(ctx context.Context, c conn) (err error) {
		out, err = c.transitions(ctx, requestID)
		return err
	})
	return out, err
}

// OutboxStore adapts DB to outbox.Store.
type OutboxStore struct{ db *DB }

func (d *DB) Outbox() OutboxStore { return OutboxStore{db: d} }

const eventColumns = `id, aggregate_id, event_type, routing_key, payload, status, attempts, available_at,
	processing_started_at, last_error, created_at, published_at`

// ClaimEvents locks due rows with SKIP LOCKED on Postgres so that several
// dispatchers can poll the same table.
func (s OutboxStore) ClaimEvents(ctx context.Context, limit int, now, staleBefore time.Time) ([]outbox.Event, error) {
	lock := ""
	if s.db.dialect == Postgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	var out []outbox.Event
	err := s.db.InTx(ctx, func(tx *Tx) error {
		out = out[:0]
		c := tx.conn()
		rows, err := c.query(ctx, "claim events", `
			SELECT `+eventColumns+` FROM outbox_events
			WHERE (status = ? AND available_at <= ?) OR (status = ? AND processing_started_at < ?)
			ORDER BY created_at, id LIMIT ?`+lock,
			outbox.StatusPending, now, outbox.StatusProcessing, staleBefore, limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				rows.Close()
				return err
			}
			out = append(out, e)
		}
		if err := rows.Close(); err != nil {
			return wrap("claim events", err)
		}
		if err := rows.Err(); err != nil {
			return wrap("claim events", err)
		}

		for i := range out {
			if _, err := c.exec(ctx, "claim event", `
				UPDATE outbox_events SET status = ?, processing_started_at = ?, attempts = attempts + 1 WHERE id = ?`,
				outbox.StatusProcessing, now, out[i].ID); err != nil {
				return err
			}
			started := now
			out[i].Status, out[i].ProcessingStartedAt = outbox.StatusProcessing, &started
			out[i].Attempts++
		}
		return nil
	})
	return out, err
}

func (s OutboxStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	return s.db.read(ctx, func(ctx context.Context, c conn) error {
		_, err := c.exec(ctx, "mark event published",
			`UPDATE outbox_events SET status = ?, published_at = ?, last_error = NULL WHERE id = ?`, outbox.StatusPublished, at, id)
		return err
	})
}

func (s OutboxStore) MarkFailed(ctx context.Context, id string, retryAt time.Time, reason string) error {
	return s.db.read(ctx, func(ctx context.Context, c conn) error {
		_, err := c.exec(ctx, "mark event failed", `
			UPDATE outbox_events SET status = ?, available_at = ?, last_error = ?, processing_started_at = NULL WHERE id = ?`,
			outbox.StatusPending, retryAt, reason, id)
		return err
	})
}

// Events lists the events of an aggregate, oldest first.
func (s OutboxStore) Events(ctx context.Context, aggregateID string) ([]outbox.Event, error) {
	var out []outbox.Event
	err := s.db.read(ctx, func(ctx context.Context, c conn) error {
		rows, err := c.query(ctx, "list events", `SELECT `+eventColumns+` FROM outbox_events WHERE aggregate_id = ? ORDER BY created_at, id`, aggregateID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return wrap("list events", rows.Err())
	})
	return out, err
}

func scanEvent(s scanner) (outbox.Event, error) {
	var (
		e                  outbox.Event
		payload            []byte
		started, published sql.NullTime
		lastErr            sql.NullString
	)
	if err := s.Scan(&e.ID, &e.AggregateID, &e.Type, &e.RoutingKey, &payload, &e.Status, &e.Attempts, &e.AvailableAt,
		&started, &lastErr, &e.CreatedAt, &published); err != nil {
		return e, wrap("scan event", err)
	}
	e.Payload = append(e.Payload[:0], payload...)
	e.ProcessingStartedAt, e.PublishedAt = timePtr(started), timePtr(published)
	e.LastError = lastErr.String
	e.AvailableAt, e.CreatedAt = e.AvailableAt.UTC(), e.CreatedAt.UTC()
	return e, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

var (
	_ ledger.Store   = LedgerStore{}
	_ requests.Store = RequestStore{}
	_ outbox.Store   = OutboxStore{}
)
