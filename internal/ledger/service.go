package ledger

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// Tx is the transactional view of the store used while posting.
type Tx interface {
	// LockHolder reads and locks the balance row of ref for the rest of the
	// transaction. Returns ErrNotFound when the holder does not exist.
	LockHolder(ctx context.Context, ref TargetRef) (*Holder, error)
	// FindTransaction returns nil, nil when nothing was posted for the pair.
	FindTransaction(ctx context.Context, requestID, purpose string) (*Transaction, error)
	InsertTransaction(ctx context.Context, t *Transaction) error
	UpdateHolder(ctx context.Context, ref TargetRef, balance, available decimal.Decimal) error
}

// Store opens transactions and serves balance reads.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	Holder(ctx context.Context, ref TargetRef) (*Holder, error)
	// History returns every transaction posted to ref, oldest first.
	History(ctx context.Context, ref TargetRef) ([]*Transaction, error)
}

// PostingObserver is notified after every newly posted transaction.
type PostingObserver interface {
	Posted(t *Transaction)
}

// Ledger posts balanced entry sets and answers balance questions.
type Ledger struct {
	store    Store
	logger   *slog.Logger
	now      func() time.Time
	observer PostingObserver

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

type Option func(*Ledger)

func WithLogger(l *slog.Logger) Option { return func(lg *Ledger) { lg.logger = l } }

func WithClock(now func() time.Time) Option { return func(lg *Ledger) { lg.now = now } }

func WithObserver(o PostingObserver) Option { return func(lg *Ledger) { lg.observer = o } }

// New creates a ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the ledger clock in UTC at the precision timestamps are stored.
func (l *Ledger) Now() time.Time {
	return l.now().UTC().Truncate(time.Microsecond)
}

// Posting is the outcome of one PostTx call.
type Posting struct {
	// IDs holds the transaction id of every entry in entry order, including
	// entries that had been posted before.
	IDs []string
	// Posted holds only the transactions created by this call.
	Posted []*Transaction
}

// Post applies every set in a single storage transaction and returns the
// transaction ids in entry order.
func (l *Ledger) Post(ctx context.Context, sets ...EntrySet) ([]string, error) {
	var postings []Posting
	err := l.store.InTx(ctx, func(tx Tx) error {
		postings = postings[:0]
		for _, set := range sets {
			p, err := l.PostTx(ctx, tx, set)
			if err != nil {
				return err
			}
			postings = append(postings, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, p := range postings {
		l.Notify(p)
		ids = append(ids, p.IDs...)
	}
	return ids, nil
}

// PostTx applies set inside tx. Entries whose (request_id, purpose) already
// exists are not re-applied; their original transaction id is returned.
// The caller owns the transaction and calls Notify once it commits.
func (l *Ledger) PostTx(ctx context.Context, tx Tx, set EntrySet) (Posting, error) {
	ids, posted, err := l.post(ctx, tx, set)
	if err != nil {
		return Posting{}, err
	}
	return Posting{IDs: ids, Posted: posted}, nil
}

// Notify hands committed transactions to the observer.
func (l *Ledger) Notify(p Posting) {
	if l.observer == nil {
		return
	}
	for _, t := range p.Posted {
		l.observer.Posted(t)
	}
}

func (l *Ledger) post(ctx context.Context, tx Tx, set EntrySet) ([]string, []*Transaction, error) {
	if err := set.Validate(); err != nil {
		return nil, nil, err
	}

	ids := make([]string, len(set.Entries))
	pending := make([]int, 0, len(set.Entries))
	for i, e := range set.Entries {
		existing, err := tx.FindTransaction(ctx, set.RequestID, e.Purpose)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil {
			ids[i] = existing.ID
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		l.logger.Debug("entry set already posted", "request_id", set.RequestID)
		return ids, nil, nil
	}

	holders, err := l.lockHolders(ctx, tx, set, pending)
	if err != nil {
		return nil, nil, err
	}

	now := l.Now()
	var posted []*Transaction
	for _, i := range pending {
		e := set.Entries[i]
		h := holders[e.Target]

		if !h.IsActive && !e.Correction {
			return nil, nil, &AccountFrozenError{Target: e.Target}
		}
		if h.CurrencyCode != e.CurrencyCode {
			return nil, nil, Invalid("currency_code", fmt.Sprintf("%s does not match %s currency %s", e.CurrencyCode, e.Target, h.CurrencyCode))
		}

		balance := h.Balance.Add(e.Amount)
		available := h.AvailableBalance.Add(e.Amount)
		if e.Amount.IsNegative() && balance.IsNegative() && !e.AllowOverdraft && e.Target.Kind != KindRevenueAccount {
			return nil, nil, &InsufficientFundsError{Target: e.Target, Balance: h.Balance, Amount: e.Amount}
		}

		t := &Transaction{
			ID:               l.newID(now),
			RequestID:        set.RequestID,
			Purpose:          e.Purpose,
			Description:      e.Description,
			Status:           StatusExecuted,
			Target:           e.Target,
			CurrencyCode:     e.CurrencyCode,
			Amount:           e.Amount,
			CurrentBalance:   balance,
			AvailableBalance: available,
			ShowAmount:       e.ShowAmount,
			IsVisible:        e.Visible,
			CreatedAt:        now,
		}
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return nil, nil, err
		}
		if err := tx.UpdateHolder(ctx, e.Target, balance, available); err != nil {
			return nil, nil, err
		}

		h.Balance = balance
		h.AvailableBalance = available
		ids[i] = t.ID
		posted = append(posted, t)
	}

	for _, t := range posted {
		l.logger.Info("transaction posted",
			"request_id", t.RequestID,
			"purpose", t.Purpose,
			"target", t.Target.String(),
			"amount", t.Amount.String(),
		)
	}
	return ids, posted, nil
}

// lockHolders locks every distinct target of the pending entries in
// ascending order.
func (l *Ledger) lockHolders(ctx context.Context, tx Tx, set EntrySet, pending []int) (map[TargetRef]*Holder, error) {
	refs := make([]TargetRef, 0, len(pending))
	seen := make(map[TargetRef]struct{}, len(pending))
	for _, i := range pending {
		ref := set.Entries[i].Target
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(a, b int) bool { return refs[a].Less(refs[b]) })

	holders := make(map[TargetRef]*Holder, len(refs))
	for _, ref := range refs {
		h, err := tx.LockHolder(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", ref, err)
		}
		holders[ref] = h
	}
	return holders, nil
}

func (l *Ledger) newID(now time.Time) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), l.entropy).String()
}

// BalanceAsOf folds the transaction history of ref up to and including at.
func (l *Ledger) BalanceAsOf(ctx context.Context, ref TargetRef, at time.Time) (decimal.Decimal, error) {
	h, err := l.store.Holder(ctx, ref)
	if err != nil {
		return decimal.Zero, err
	}
	history, err := l.store.History(ctx, ref)
	if err != nil {
		return decimal.Zero, err
	}

	// Stores may order by id, which need not follow created_at across
	// processes, so the fold filters instead of stopping early.
	balance := h.InitialBalance
	for _, t := range history {
		if t.CreatedAt.After(at) {
			continue
		}
		balance = balance.Add(t.Amount)
	}
	return balance, nil
}

// Verify compares the cached balance of ref with its folded history.
func (l *Ledger) Verify(ctx context.Context, ref TargetRef) (*Reconciliation, error) {
	h, err := l.store.Holder(ctx, ref)
	if err != nil {
		return nil, err
	}
	history, err := l.store.History(ctx, ref)
	if err != nil {
		return nil, err
	}

	computed := h.InitialBalance
	for _, t := range history {
		computed = computed.Add(t.Amount)
	}
	diff := h.Balance.Sub(computed)
	rec := &Reconciliation{
		Target:       ref,
		Cached:       h.Balance,
		Computed:     computed,
		Difference:   diff,
		Transactions: len(history),
		Consistent:   diff.IsZero(),
	}
	if !rec.Consistent {
		l.logger.Error("balance mismatch", "target", ref.String(), "cached", h.Balance.String(), "computed", computed.String())
	}
	return rec, nil
}
