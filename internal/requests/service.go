package requests

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/limits"
	"github.com/example/wallet-ledger/internal/metrics"
	"github.com/example/wallet-ledger/internal/outbox"
	"github.com/example/wallet-ledger/pkg/audit"
)

const (
	EventExecuted  = "request.executed"
	EventRejected  = "request.rejected"
	EventCancelled = "request.cancelled"
)

var ErrTANUnavailable = errors.New("tan service is not configured")

// Service runs the request state machine.
type Service struct {
	store    Store
	ledger   *ledger.Ledger
	handlers map[Subject]Handler
	settings Settings
	tans     TANService
	limits   *limits.Checker
	logger   *slog.Logger
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithTANService(t TANService) Option { return func(s *Service) { s.tans = t } }

func WithLimitChecker(c *limits.Checker) Option { return func(s *Service) { s.limits = c } }

func NewService(store Store, l *ledger.Ledger, handlers map[Subject]Handler, settings Settings, opts ...Option) *Service {
	s := &Service{
		store:    store,
		ledger:   l,
		handlers: handlers,
		settings: settings,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limits == nil {
		s.limits = limits.NewChecker(s.logger)
	}
	return s
}

// run collects what one storage transaction did so it can be reported
// once the transaction commits.
type run struct {
	request     *Request
	transitions []*Transition
	posting     ledger.Posting
	rejection   string
}

func (s *Service) inTx(ctx context.Context, fn func(tx Tx, r *run) error) (*run, error) {
	var r *run
	err := s.store.InTx(ctx, func(tx Tx) error {
		r = &run{}
		return fn(tx, r)
	})
	if err != nil {
		return nil, err
	}
	s.committed(r)
	return r, nil
}

func (s *Service) committed(r *run) {
	for _, t := range r.transitions {
		subject := string(r.request.Subject())
		metrics.RequestTransitions.WithLabelValues(subject, string(t.To)).Inc()
		if t.To == StatusRejected {
			metrics.RequestRejections.WithLabelValues(subject, r.rejection).Inc()
			s.logger.Warn("request rejected", "request_id", t.RequestID, "subject", subject, "reason", t.Reason)
			continue
		}
		s.logger.Info("request transition", "request_id", t.RequestID, "subject", subject, "from", t.From, "to", t.To, "actor", t.Actor)
	}
	s.ledger.Notify(r.posting)
}

// Create stores a new request with its data row in status created.
func (s *Service) Create(ctx context.Context, req *Request) (*Request, error) {
	if req == nil {
		return nil, ledger.Invalid("request", "is required")
	}
	r := *req
	if err := r.check(); err != nil {
		return nil, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.RateDesignation == "" {
		r.RateDesignation = DefaultRateDesignation(r.Subject())
	}
	now := s.ledger.Now()
	r.Status = StatusCreated
	r.CreatedAt, r.UpdatedAt = now, now
	r.StatusChangedAt = &now

	_, err := s.inTx(ctx, func(tx Tx, run *run) error {
		created := r
		run.request = &created
		if err := tx.InsertRequest(ctx, &created); err != nil {
			return err
		}
		return s.record(ctx, tx, run, &created, StatusCreated, "", actorOf(&created))
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Submit validates a created request and moves it through the configured
// gates. A request that needs neither action nor TAN is executed at once.
// Business rule failures reject the request and are not returned as errors.
func (s *Service) Submit(ctx context.Context, id, actor string) (*Request, error) {
	var execute bool
	res, err := s.inTx(ctx, func(tx Tx, run *run) error {
		execute = false
		req, err := tx.LockRequest(ctx, id)
		if err != nil {
			return err
		}
		run.request = req
		if err := ValidateOperation(id, req.Status, OpSubmit); err != nil {
			return err
		}

		if verr := s.validate(ctx, tx, req); verr != nil {
			if _, ok := ledger.IsBusinessRule(verr); !ok {
				return verr
			}
			return s.reject(ctx, tx, run, req, verr, actor)
		}
		if err := s.record(ctx, tx, run, req, StatusValidated, "", actor); err != nil {
			return err
		}

		next := s.settings.next(req)
		if next == StatusExecuted {
			execute = true
			return nil
		}
		return s.record(ctx, tx, run, req, next, "", actor)
	})
	if err != nil {
		return nil, err
	}
	if execute {
		return s.execute(ctx, id, actor, OpExecute)
	}
	return res.request, nil
}

// ConfirmTAN consumes one TAN of the requesting user and advances a
// pending_tan request. The TAN is consumed while the request row is locked,
// so concurrent confirmations spend one code between them; the losers see
// the request already advanced and get an InvalidOperationError.
func (s *Service) ConfirmTAN(ctx context.Context, id, userID, code string) (*Request, error) {
	if s.tans == nil {
		return nil, ErrTANUnavailable
	}
	start := time.Now()
	var consumed, executed bool
	res, err := s.inTx(ctx, func(tx Tx, run *run) error {
		executed = false
		req, err := tx.LockRequest(ctx, id)
		if err != nil {
			return err
		}
		run.request = req
		if err := ValidateOperation(id, req.Status, OpConfirmTAN); err != nil {
			return err
		}
		if req.UserID != userID {
			return ledger.Invalid("user_id", "does not own the request")
		}
		// a retried transaction reuses the code it already spent
		if !consumed {
			ok, err := s.tans.Consume(ctx, userID, code)
			if err != nil {
				return err
			}
			if !ok {
				return ledger.Invalid("tan", "is invalid or already used")
			}
			consumed = true
		}
		if s.settings.afterTAN(req) == StatusExecuted {
			executed = true
			return s.executeTx(ctx, tx, run, req, userID)
		}
		return s.record(ctx, tx, run, req, StatusPendingAction, "tan confirmed", userID)
	})
	if err != nil {
		if _, ok := ledger.IsBusinessRule(err); ok && executed {
			return s.rejectAfter(ctx, id, err, userID)
		}
		if consumed {
			s.logger.Error("tan spent without a transition", "request_id", id, "error", err)
		}
		return nil, err
	}
	if executed {
		metrics.ExecutionDuration.WithLabelValues(string(res.request.Subject())).Observe(time.Since(start).Seconds())
	}
	return res.request, nil
}

// Execute runs a validated or pending_action request on behalf of an
// administrator. Executing an executed request returns it unchanged.
func (s *Service) Execute(ctx context.Context, id, actor string) (*Request, error) {
	return s.execute(ctx, id, actor, OpExecute)
}

func (s *Service) execute(ctx context.Context, id, actor string, op Operation) (*Request, error) {
	start := time.Now()
	res, err := s.inTx(ctx, func(tx Tx, run *run) error {
		req, err := tx.LockRequest(ctx, id)
		if err != nil {
			return err
		}
		run.request = req
		if req.Status == StatusExecuted {
			return nil
		}
		if err := ValidateOperation(id, req.Status, op); err != nil {
			return err
		}
		return s.executeTx(ctx, tx, run, req, actor)
	})
	if err != nil {
		if _, ok := ledger.IsBusinessRule(err); ok {
			return s.rejectAfter(ctx, id, err, actor)
		}
		return nil, err
	}
	metrics.ExecutionDuration.WithLabelValues(string(res.request.Subject())).Observe(time.Since(start).Seconds())
	return res.request, nil
}

// rejectAfter records a business rule failure of a rolled back execution.
func (s *Service) rejectAfter(ctx context.Context, id string, cause error, actor string) (*Request, error) {
	res, err := s.inTx(ctx, func(tx Tx, run *run) error {
		req, err := tx.LockRequest(ctx, id)
		if err != nil {
			return err
		}
		run.request = req
		if req.Status.Terminal() {
			return nil
		}
		return s.reject(ctx, tx, run, req, cause, actor)
	})
	if err != nil {
		return nil, err
	}
	return res.request, nil
}

// Cancel moves a request that has not been executed to cancelled. Cancelling
// a cancelled request is a no-op.
func (s *Service) Cancel(ctx context.Context, id, reason, actor string) (*Request, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ledger.Invalid("reason", "is required")
	}
	res, err := s.inTx(ctx, func(tx Tx, run *run) error {
		req, err := tx.LockRequest(ctx, id)
		if err != nil {
			return err
		}
		run.request = req
		if req.Status == StatusCancelled {
			return nil
		}
		if err := ValidateOperation(id, req.Status, OpCancel); err != nil {
			return err
		}
		req.CancellationReason = reason
		if err := s.record(ctx, tx, run, req, StatusCancelled, reason, actor); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, req, EventCancelled, nil)
	})
	if err != nil {
		return nil, err
	}
	return res.request, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.store.Request(ctx, id)
}

// History returns the transition chain of a request.
func (s *Service) History(ctx context.Context, id string) ([]*Transition, error) {
	return s.store.Transitions(ctx, id)
}

// VerifyHistory checks the hash chain of a request's transitions.
func (s *Service) VerifyHistory(ctx context.Context, id string) error {
	chain, err := s.store.Transitions(ctx, id)
	if err != nil {
		return err
	}
	prev := audit.Genesis
	for _, t := range chain {
		if t.PrevHash != prev {
			return fmt.Errorf("hash chain broken at transition %s", t.ID)
		}
		if audit.Link(t.PrevHash, t.CreatedAt, t.payload()) != t.Hash {
			return fmt.Errorf("hash mismatch at transition %s", t.ID)
		}
		prev = t.Hash
	}
	return nil
}

// ProcessSystemRequest creates, validates and executes a system request
// inside the caller's transaction. Any failure is returned and the caller
// is expected to roll back. Pass the returned posting to Committed after
// the transaction commits.
func (s *Service) ProcessSystemRequest(ctx context.Context, tx Tx, req *Request) (*Request, ledger.Posting, error) {
	r := *req
	r.Initiator = InitiatorSystem
	if err := r.check(); err != nil {
		return nil, ledger.Posting{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.RateDesignation == "" {
		r.RateDesignation = DefaultRateDesignation(r.Subject())
	}
	now := s.ledger.Now()
	r.Status = StatusCreated
	r.CreatedAt, r.UpdatedAt = now, now
	r.StatusChangedAt = &now

	run := &run{request: &r}
	if err := tx.InsertRequest(ctx, &r); err != nil {
		return nil, ledger.Posting{}, err
	}
	if err := s.record(ctx, tx, run, &r, StatusCreated, "", string(InitiatorSystem)); err != nil {
		return nil, ledger.Posting{}, err
	}
	if err := s.validate(ctx, tx, &r); err != nil {
		return nil, ledger.Posting{}, err
	}
	if err := s.record(ctx, tx, run, &r, StatusValidated, "", string(InitiatorSystem)); err != nil {
		return nil, ledger.Posting{}, err
	}
	if err := s.executeTx(ctx, tx, run, &r, string(InitiatorSystem)); err != nil {
		return nil, ledger.Posting{}, err
	}
	return &r, run.posting, nil
}

// Committed reports a posting made through ProcessSystemRequest.
func (s *Service) Committed(r *Request, p ledger.Posting) {
	metrics.RequestTransitions.WithLabelValues(string(r.Subject()), string(StatusExecuted)).Inc()
	s.ledger.Notify(p)
}

func (s *Service) validate(ctx context.Context, env Env, req *Request) error {
	if err := req.check(); err != nil {
		return err
	}
	if !req.Amount.Valid {
		return ledger.Invalid("amount", "is required")
	}
	h, ok := s.handlers[req.Subject()]
	if !ok {
		return ledger.Invalid("subject", fmt.Sprintf("no handler for %s", req.Subject()))
	}
	return h.Validate(ctx, env, req)
}

func (s *Service) executeTx(ctx context.Context, tx Tx, run *run, req *Request, actor string) error {
	if err := s.validate(ctx, tx, req); err != nil {
		return err
	}
	set, err := s.handlers[req.Subject()].Build(ctx, tx, req)
	if err != nil {
		return err
	}
	if req.Initiator != InitiatorSystem {
		if err := s.limits.Check(ctx, tx, set); err != nil {
			return err
		}
	}
	posting, err := s.ledger.PostTx(ctx, tx, set)
	if err != nil {
		return err
	}
	run.posting = posting

	if err := s.record(ctx, tx, run, req, StatusExecuted, "", actor); err != nil {
		return err
	}
	return s.enqueue(ctx, tx, req, EventExecuted, posting.IDs)
}

func (s *Service) reject(ctx context.Context, tx Tx, run *run, req *Request, cause error, actor string) error {
	rule, _ := ledger.IsBusinessRule(cause)
	run.rejection = rule
	req.RejectionReason = cause.Error()
	if err := s.record(ctx, tx, run, req, StatusRejected, req.RejectionReason, actor); err != nil {
		return err
	}
	return s.enqueue(ctx, tx, req, EventRejected, nil)
}

// record moves req to status to, persists it and appends a chained
// transition row.
func (s *Service) record(ctx context.Context, tx Tx, run *run, req *Request, to Status, reason, actor string) error {
	from := req.Status
	if to != StatusCreated || from != StatusCreated {
		if !CanTransition(from, to) {
			return &InvalidStateTransitionError{From: from, To: to, RequestID: req.ID}
		}
		from, req.Status = req.Status, to
		now := s.ledger.Now()
		req.UpdatedAt = now
		req.StatusChangedAt = &now
		if err := tx.UpdateRequest(ctx, req); err != nil {
			return err
		}
	} else {
		from = ""
	}

	prev := audit.Genesis
	last, err := tx.LastTransition(ctx, req.ID)
	if err != nil {
		return err
	}
	if last != nil {
		prev = last.Hash
	}

	t := &Transition{
		ID:        ulid.Make().String(),
		RequestID: req.ID,
		From:      from,
		To:        to,
		Reason:    reason,
		Actor:     actor,
		PrevHash:  prev,
		CreatedAt: s.ledger.Now(),
	}
	t.Hash = audit.Link(t.PrevHash, t.CreatedAt, t.payload())
	if err := tx.InsertTransition(ctx, t); err != nil {
		return err
	}
	run.transitions = append(run.transitions, t)
	return nil
}

type eventPayload struct {
	RequestID      string    `json:"request_id"`
	Subject        Subject   `json:"subject"`
	Status         Status    `json:"status"`
	Initiator      Initiator `json:"initiator"`
	UserID         string    `json:"user_id,omitempty"`
	Amount         string    `json:"amount,omitempty"`
	Currency       string    `json:"currency"`
	Reason         string    `json:"reason,omitempty"`
	TransactionIDs []string  `json:"transaction_ids,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func (s *Service) enqueue(ctx context.Context, tx Tx, req *Request, eventType string, txIDs []string) error {
	payload := eventPayload{
		RequestID:      req.ID,
		Subject:        req.Subject(),
		Status:         req.Status,
		Initiator:      req.Initiator,
		UserID:         req.UserID,
		Currency:       req.BaseCurrency,
		Reason:         req.RejectionReason + req.CancellationReason,
		TransactionIDs: txIDs,
		OccurredAt:     s.ledger.Now(),
	}
	if req.Amount.Valid {
		payload.Amount = req.Amount.Decimal.String()
	}
	e, err := outbox.NewEvent(req.ID, eventType, payload, s.ledger.Now())
	if err != nil {
		return err
	}
	return tx.EnqueueEvent(ctx, e)
}

func actorOf(r *Request) string {
	if r.Initiator == InitiatorUser {
		return r.UserID
	}
	return string(r.Initiator)
}
