package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/outbox"
	"github.com/example/wallet-ledger/internal/requests"
)

// dataRow is the flattened request_data row. Wire bank details live in the
// details JSON column.
type dataRow struct {
	source, destination, account, card, revenue    sql.NullString
	debitFromRevenue, creditToRevenue, applyIWTFee bool
	details                                        sql.NullString
}

func encodeData(data requests.SubjectData) (dataRow, error) {
	var r dataRow
	switch d := data.(type) {
	case requests.TBAData:
		r.source, r.destination = nullString(d.SourceAccountID), nullString(d.DestinationAccountID)
	case requests.TBUData:
		r.source, r.destination = nullString(d.SourceAccountID), nullString(d.DestinationAccountID)
	case requests.ConvertData:
		r.source, r.destination = nullString(d.SourceAccountID), nullString(d.DestinationAccountID)
	case requests.OWTData:
		r.source = nullString(d.SourceAccountID)
		return r, r.setDetails(d.Beneficiary)
	case requests.IWTData:
		r.destination = nullString(d.DestinationAccountID)
		return r, r.setDetails(d.Sender)
	case requests.CFTData:
		r.source, r.card = nullString(d.SourceAccountID), nullString(d.DestinationCardID)
	case requests.CAData:
		r.account, r.revenue = nullString(d.AccountID), nullString(d.RevenueAccountID)
		r.debitFromRevenue, r.applyIWTFee = d.DebitFromRevenue, d.ApplyIWTFee
	case requests.DAData:
		r.account, r.revenue = nullString(d.AccountID), nullString(d.RevenueAccountID)
		r.creditToRevenue = d.CreditToRevenue
	case requests.DRAData:
		r.revenue = nullString(d.RevenueAccountID)
	default:
		return r, ledger.Invalid("data", fmt.Sprintf("unsupported data %T", data))
	}
	return r, nil
}

func (r *dataRow) setDetails(p requests.WireParty) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	r.details = sql.NullString{String: string(b), Valid: true}
	return nil
}

func (r dataRow) decode(subject requests.Subject) (requests.SubjectData, error) {
	var party requests.WireParty
	if r.details.Valid {
		if err := json.Unmarshal([]byte(r.details.String), &party); err != nil {
			return nil, wrap("decode wire details", err)
		}
	}
	pair := requests.AccountPair{SourceAccountID: r.source.String, DestinationAccountID: r.destination.String}
	switch subject {
	case requests.SubjectTBA:
		return requests.TBAData{AccountPair: pair}, nil
	case requests.SubjectTBU:
		return requests.TBUData{AccountPair: pair}, nil
	case requests.SubjectConvert:
		return requests.ConvertData{AccountPair: pair}, nil
	case requests.SubjectOWT:
		return requests.OWTData{SourceAccountID: r.source.String, Beneficiary: party}, nil
	case requests.SubjectIWT:
		return requests.IWTData{DestinationAccountID: r.destination.String, Sender: party}, nil
	case requests.SubjectCFT:
		return requests.CFTData{SourceAccountID: r.source.String, DestinationCardID: r.card.String}, nil
	case requests.SubjectCA:
		return requests.CAData{AccountID: r.account.String, RevenueAccountID: r.revenue.String,
			DebitFromRevenue: r.debitFromRevenue, ApplyIWTFee: r.applyIWTFee}, nil
	case requests.SubjectDA:
		return requests.DAData{AccountID: r.account.String, RevenueAccountID: r.revenue.String, CreditToRevenue: r.creditToRevenue}, nil
	case requests.SubjectDRA:
		return requests.DRAData{RevenueAccountID: r.revenue.String}, nil
	}
	return nil, fmt.Errorf("stored request has unknown subject %q: %w", subject, ledger.ErrPersistence)
}

const requestColumns = `r.id, r.subject, r.status, r.initiator, r.user_id, r.user_group, r.base_currency, r.reference_currency,
	r.amount, r.rate, r.rate_designation, r.exchange_margin_percent, r.description, r.input,
	r.cancellation_reason, r.rejection_reason, r.created_at, r.updated_at, r.status_changed_at,
	d.source_account_id, d.destination_account_id, d.account_id, d.destination_card_id, d.revenue_account_id,
	d.debit_from_revenue, d.credit_to_revenue, d.apply_iwt_fee, d.details`

func scanRequest(s scanner) (*requests.Request, error) {
	var (
		r                                       requests.Request
		subject                                 requests.Subject
		userID, group, refCurrency, description sql.NullString
		cancellation, rejection, input          sql.NullString
		changed                                 sql.NullTime
		data                                    dataRow
	)
	err := s.Scan(&r.ID, &subject, &r.Status, &r.Initiator, &userID, &group, &r.BaseCurrency, &refCurrency,
		&r.Amount, &r.Rate, &r.RateDesignation, &r.ExchangeMarginPercent, &description, &input,
		&cancellation, &rejection, &r.CreatedAt, &r.UpdatedAt, &changed,
		&data.source, &data.destination, &data.account, &data.card, &data.revenue,
		&data.debitFromRevenue, &data.creditToRevenue, &data.applyIWTFee, &data.details)
	if err != nil {
		return nil, wrap("scan request", err)
	}
	r.UserID, r.UserGroup, r.ReferenceCurrency, r.Description = userID.String, group.String, refCurrency.String, description.String
	r.CancellationReason, r.RejectionReason = cancellation.String, rejection.String
	r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	if changed.Valid {
		t := changed.Time.UTC()
		r.StatusChangedAt = &t
	}
	if input.Valid && input.String != "" {
		if err := json.Unmarshal([]byte(input.String), &r.Input); err != nil {
			return nil, wrap("decode request input", err)
		}
	}
	if r.Data, err = data.decode(subject); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c conn) request(ctx context.Context, id string, lock bool) (*requests.Request, error) {
	suffix := ""
	if lock {
		suffix = c.db.forUpdate()
	}
	return scanRequest(c.row(ctx,
		`SELECT `+requestColumns+` FROM requests r JOIN request_data d ON d.request_id = r.id WHERE r.id = ?`+suffix, id))
}

func (t *Tx) LockRequest(ctx context.Context, id string) (*requests.Request, error) {
	return t.conn().request(ctx, id, true)
}

func (t *Tx) InsertRequest(ctx context.Context, r *requests.Request) error {
	data, err := encodeData(r.Data)
	if err != nil {
		return err
	}
	var input sql.NullString
	if len(r.Input) > 0 {
		b, err := json.Marshal(r.Input)
		if err != nil {
			return ledger.Invalid("input", err.Error())
		}
		input = sql.NullString{String: string(b), Valid: true}
	}
	c := t.conn()
	if _, err := c.exec(ctx, "insert request", `
		INSERT INTO requests (id, subject, status, initiator, user_id, user_group, base_currency, reference_currency,
			amount, rate, rate_designation, exchange_margin_percent, description, input,
			cancellation_reason, rejection_reason, created_at, updated_at, status_changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Subject(), r.Status, r.Initiator, nullString(r.UserID), nullString(r.UserGroup), r.BaseCurrency, nullString(r.ReferenceCurrency),
		r.Amount, r.Rate, r.RateDesignation, r.ExchangeMarginPercent, nullString(r.Description), input,
		nullString(r.CancellationReason), nullString(r.RejectionReason), r.CreatedAt, r.UpdatedAt, r.StatusChangedAt); err != nil {
		return err
	}
	_, err = c.exec(ctx, "insert request data", `
		INSERT INTO request_data (request_id, source_account_id, destination_account_id, account_id, destination_card_id,
			revenue_account_id, debit_from_revenue, credit_to_revenue, apply_iwt_fee, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, data.source, data.destination, data.account, data.card,
		data.revenue, data.debitFromRevenue, data.creditToRevenue, data.applyIWTFee, data.details)
	return err
}

// UpdateRequest writes the mutable columns. Subject data never changes after
// creation.
func (t *Tx) UpdateRequest(ctx context.Context, r *requests.Request) error {
	res, err := t.conn().exec(ctx, "update request", `
		UPDATE requests SET status = ?, amount = ?, rate = ?, cancellation_reason = ?, rejection_reason = ?,
			updated_at = ?, status_changed_at = ?
		WHERE id = ?`,
		r.Status, r.Amount, r.Rate, nullString(r.CancellationReason), nullString(r.RejectionReason),
		r.UpdatedAt, r.StatusChangedAt, r.ID)
	if err != nil {
		return err
	}
	return expectOne(res, "request "+r.ID)
}

const transitionColumns = `id, request_id, from_status, to_status, reason, actor, prev_hash, hash, created_at`

func scanTransition(s scanner) (*requests.Transition, error) {
	var tr requests.Transition
	if err := s.Scan(&tr.ID, &tr.RequestID, &tr.From, &tr.To, &tr.Reason, &tr.Actor, &tr.PrevHash, &tr.Hash, &tr.CreatedAt); err != nil {
		return nil, wrap("scan transition", err)
	}
	tr.CreatedAt = tr.CreatedAt.UTC()
	return &tr, nil
}

func (t *Tx) LastTransition(ctx context.Context, requestID string) (*requests.Transition, error) {
	tr, err := scanTransition(t.conn().row(ctx,
		`SELECT `+transitionColumns+` FROM request_transitions WHERE request_id = ? ORDER BY id DESC LIMIT 1`, requestID))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return tr, nil
}

func (t *Tx) InsertTransition(ctx context.Context, tr *requests.Transition) error {
	_, err := t.conn().exec(ctx, "insert transition", `
		INSERT INTO request_transitions (`+transitionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.RequestID, tr.From, tr.To, tr.Reason, tr.Actor, tr.PrevHash, tr.Hash, tr.CreatedAt)
	return err
}

func (t *Tx) EnqueueEvent(ctx context.Context, e outbox.Event) error {
	_, err := t.conn().exec(ctx, "enqueue event", `
		INSERT INTO outbox_events (id, aggregate_id, event_type, routing_key, payload, status, attempts, available_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AggregateID, e.Type, e.RoutingKey, string(e.Payload), e.Status, e.Attempts, e.AvailableAt, e.CreatedAt)
	return err
}

func (c conn) transitions(ctx context.Context, requestID string) ([]*requests.Transition, error) {
	rows, err := c.query(ctx, "load transitions",
		`SELECT `+transitionColumns+` FROM request_transitions WHERE request_id = ? ORDER BY id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*requests.Transition
	for rows.Next() {
		tr, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, wrap("load transitions", rows.Err())
}

// RequestFilter narrows ListRequests. Empty fields match everything.
type RequestFilter struct {
	UserID  string
	Status  requests.Status
	Subject requests.Subject
	Limit   int
}

// ListRequests returns requests newest first.
func (d *DB) ListRequests(ctx context.Context, f RequestFilter) ([]*requests.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests r JOIN request_data d ON d.request_id = r.id WHERE 1 = 1`
	var args []any
	if f.UserID != "" {
		query += ` AND r.user_id = ?`
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		query += ` AND r.status = ?`
		args = append(args, f.Status)
	}
	if f.Subject != "" {
		query += ` AND r.subject = ?`
		args = append(args, f.Subject)
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	query += ` ORDER BY r.created_at DESC, r.id DESC LIMIT ?`
	args = append(args, f.Limit)

	var out []*requests.Request
	err := d.read(ctx, func(ctx context.Context, c conn) error {
		rows, err := c.query(ctx, "list requests", query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRequest(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return wrap("list requests", rows.Err())
	})
	return out, err
}
