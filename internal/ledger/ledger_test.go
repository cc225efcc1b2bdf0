package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStore is an in-memory Store. InTx works on a copy that is swapped in
// only when fn succeeds.
type memoryStore struct {
	mu      sync.Mutex
	holders map[TargetRef]Holder
	txs     []*Transaction
	locked  []TargetRef
}

func newMemoryStore() *memoryStore {
	return &memoryStore{holders: make(map[TargetRef]Holder)}
}

func (m *memoryStore) add(h Holder) {
	m.holders[h.Target] = h
}

type memoryTx struct {
	holders map[TargetRef]Holder
	txs     []*Transaction
	locked  *[]TargetRef
}

func (m *memoryStore) InTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := &memoryTx{holders: make(map[TargetRef]Holder, len(m.holders)), txs: append([]*Transaction(nil), m.txs...), locked: &m.locked}
	for k, v := range m.holders {
		staged.holders[k] = v
	}
	if err := fn(staged); err != nil {
		return err
	}
	m.holders = staged.holders
	m.txs = staged.txs
	return nil
}

func (m *memoryStore) Holder(ctx context.Context, ref TargetRef) (*Holder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holders[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return &h, nil
}

func (m *memoryStore) History(ctx context.Context, ref TargetRef) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, t := range m.txs {
		if t.Target == ref {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memoryTx) LockHolder(ctx context.Context, ref TargetRef) (*Holder, error) {
	h, ok := t.holders[ref]
	if !ok {
		return nil, ErrNotFound
	}
	*t.locked = append(*t.locked, ref)
	return &h, nil
}

func (t *memoryTx) FindTransaction(ctx context.Context, requestID, purpose string) (*Transaction, error) {
	for _, tr := range t.txs {
		if tr.RequestID == requestID && tr.Purpose == purpose {
			return tr, nil
		}
	}
	return nil, nil
}

func (t *memoryTx) InsertTransaction(ctx context.Context, tr *Transaction) error {
	t.txs = append(t.txs, tr)
	return nil
}

func (t *memoryTx) UpdateHolder(ctx context.Context, ref TargetRef, balance, available decimal.Decimal) error {
	h := t.holders[ref]
	h.Balance = balance
	h.AvailableBalance = available
	t.holders[ref] = h
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func account(id, currency, balance string, active, withdrawals bool) Holder {
	return Holder{
		Target:           AccountRef(id),
		CurrencyCode:     currency,
		Balance:          dec(balance),
		AvailableBalance: dec(balance),
		InitialBalance:   dec(balance),
		IsActive:         active,
		AllowWithdrawals: withdrawals,
		AllowDeposits:    true,
	}
}

func transferSet(requestID, from, to, amount string) EntrySet {
	return EntrySet{
		RequestID: requestID,
		Entries: []Entry{
			{Target: AccountRef(from), CurrencyCode: "EUR", Amount: dec(amount).Neg(), Purpose: "transfer", Visible: true},
			{Target: AccountRef(to), CurrencyCode: "EUR", Amount: dec(amount), Purpose: "transfer_incoming", Visible: true},
		},
	}
}

func TestPost_MovesBalancesAndSnapshots(t *testing.T) {
	store := newMemoryStore()
	store.add(account("a", "EUR", "100", true, true))
	store.add(account("b", "EUR", "0", true, true))
	l := New(store)

	ids, err := l.Post(context.Background(), transferSet("r1", "a", "b", "40"))
	require.NoError(t, err)
	require.Len(t, ids, 2)

	a, _ := store.Holder(context.Background(), AccountRef("a"))
	b, _ := store.Holder(context.Background(), AccountRef("b"))
	assert.True(t, a.Balance.Equal(dec("60")))
	assert.True(t, b.Balance.Equal(dec("40")))
	assert.True(t, a.AvailableBalance.Equal(dec("60")))

	require.Len(t, store.txs, 2)
	assert.True(t, store.txs[0].CurrentBalance.Equal(dec("60")))
	assert.True(t, store.txs[1].CurrentBalance.Equal(dec("40")))
	assert.True(t, store.txs[0].Amount.Add(store.txs[1].Amount).IsZero())
}

func TestPost_IdempotentPerPurpose(t *testing.T) {
	store := newMemoryStore()
	store.add(account("a", "EUR", "100", true, true))
	store.add(account("b", "EUR", "0", true, true))
	l := New(store)
	ctx := context.Background()

	first, err := l.Post(ctx, transferSet("r1", "a", "b", "40"))
	require.NoError(t, err)
	second, err := l.Post(ctx, transferSet("r1", "a", "b", "40"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, store.txs, 2)
	a, _ := store.Holder(ctx, AccountRef("a"))
	assert.True(t, a.Balance.Equal(dec("60")))
}

func TestPost_InsufficientFundsLeavesBalance(t *testing.T) {
	store := newMemoryStore()
	store.add(account("a", "EUR", "10", true, false))
	l := New(store)

	set := EntrySet{
		RequestID:   "r1",
		ExternalLeg: dec("-50"),
		Entries:     []Entry{{Target: AccountRef("a"), CurrencyCode: "EUR", Amount: dec("-50"), Purpose: "debit_account"}},
	}
	_, err := l.Post(context.Background(), set)

	var insufficient *InsufficientFundsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, AccountRef("a"), insufficient.Target)

	a, _ := store.Holder(context.Background(), AccountRef("a"))
	assert.True(t, a.Balance.Equal(dec("10")))
	assert.Empty(t, store.txs)
}

func TestPost_OverdraftAllowed(t *testing.T) {
	store := newMemoryStore()
	store.add(account("a", "EUR", "10", true, false))
	l := New(store)

	set := EntrySet{
		RequestID:   "r1",
		ExternalLeg: dec("-50"),
		Entries:     []Entry{{Target: AccountRef("a"), CurrencyCode: "EUR", Amount: dec("-50"), Purpose: "debit_account", AllowOverdraft: true}},
	}
	_, err := l.Post(context.Background(), set)
	require.NoError(t, err)

	a, _ := store.Holder(context.Background(), AccountRef("a"))
	assert.True(t, a.Balance.Equal(dec("-40")))
}

func TestPost_FrozenAccount(t *testing.T) {
	store := newMemoryStore()
	store.add(account("a", "EUR", "100", false, true))
	store.add(account("b", "EUR", "0", true, true))
	l := New(store)

	_, err := l.Post(context.Background(), transferSet("r1", "a", "b", "40"))
	var frozen *AccountFrozenError
	require.True(t, errors.As(err, &frozen))

	correction := EntrySet{
		RequestID:   "r2",
		ExternalLeg: dec("5"),
		Entries:     []Entry{{Target: AccountRef("a"), CurrencyCode: "EUR", Amount: dec("5"), Purpose: "credit_account", Correction: true}},
	}
	_, err = l.Post(context.Background(), correction)
	require.NoError(t, err)
}

func TestPost_RollsBackWholeSet(t *testing.T) {
	store := newMemoryStore()
	store.add(account("a", "EUR", "100", true, true))
	store.add(account("b", "EUR", "0", false, true))
	l := New(store)

	_, err := l.Post(context.Background(), transferSet("r1", "a", "b", "40"))
	require.Error(t, err)

	a, _ := store.Holder(context.Background(), AccountRef("a"))
	assert.True(t, a.Balance.Equal(dec("100")))
	assert.Empty(t, store.txs)
}

func TestPost_LocksInAscendingOrder(t *testing.T) {
	store := newMemoryStore()
	store.add(account("z", "EUR", "100", true, true))
	store.add(account("a", "EUR", "0", true, true))
	l := New(store)

	_, err := l.Post(context.Background(), transferSet("r1", "z", "a", "10"))
	require.NoError(t, err)
	assert.Equal(t, []TargetRef{AccountRef("a"), AccountRef("z")}, store.locked)
}

func TestPost_CurrencyMismatch(t *testing.T) {
	store := newMemoryStore()
	store.add(account("a", "USD", "100", true, true))
	store.add(account("b", "EUR", "0", true, true))
	l := New(store)

	_, err := l.Post(context.Background(), transferSet("r1", "a", "b", "10"))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
}

func TestBalanceAsOfAndVerify(t *testing.T) {
	store := newMemoryStore()
	store.add(account("a", "EUR", "100", true, true))
	store.add(account("b", "EUR", "0", true, true))

	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := New(store, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	_, err := l.Post(ctx, transferSet("r1", "a", "b", "40"))
	require.NoError(t, err)
	clock = clock.Add(time.Hour)
	_, err = l.Post(ctx, transferSet("r2", "a", "b", "10"))
	require.NoError(t, err)

	before, err := l.BalanceAsOf(ctx, AccountRef("a"), time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, before.Equal(dec("100")))

	mid, err := l.BalanceAsOf(ctx, AccountRef("a"), time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, mid.Equal(dec("60")))

	for _, id := range []string{"a", "b"} {
		rec, err := l.Verify(ctx, AccountRef(id))
		require.NoError(t, err)
		assert.True(t, rec.Consistent)
		assert.Equal(t, 2, rec.Transactions)
	}
}

// reversedHistory hands out history newest first, as a store ordering by
// id may when ids and timestamps disagree.
type reversedHistory struct{ *memoryStore }

func (r reversedHistory) History(ctx context.Context, ref TargetRef) ([]*Transaction, error) {
	out, err := r.memoryStore.History(ctx, ref)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, err
}

func TestBalanceAsOfIgnoresHistoryOrder(t *testing.T) {
	store := newMemoryStore()
	store.add(account("a", "EUR", "100", true, true))
	store.add(account("b", "EUR", "0", true, true))

	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := New(reversedHistory{store}, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	_, err := l.Post(ctx, transferSet("r1", "a", "b", "40"))
	require.NoError(t, err)
	clock = clock.Add(time.Hour)
	_, err = l.Post(ctx, transferSet("r2", "a", "b", "10"))
	require.NoError(t, err)

	mid, err := l.BalanceAsOf(ctx, AccountRef("a"), time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, mid.Equal(dec("60")), mid.String())
}

type countingObserver struct{ n int }

func (c *countingObserver) Posted(*Transaction) { c.n++ }

func TestPost_NotifiesObserverAfterCommit(t *testing.T) {
	store := newMemoryStore()
	store.add(account("a", "EUR", "100", true, true))
	store.add(account("b", "EUR", "0", true, true))
	obs := &countingObserver{}
	l := New(store, WithObserver(obs))

	_, err := l.Post(context.Background(), transferSet("r1", "a", "b", "40"))
	require.NoError(t, err)
	assert.Equal(t, 2, obs.n)

	_, err = l.Post(context.Background(), transferSet("r1", "a", "b", "40"))
	require.NoError(t, err)
	assert.Equal(t, 2, obs.n)
}
