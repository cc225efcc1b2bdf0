package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wallet-ledger/internal/fees"
	"github.com/example/wallet-ledger/internal/ledger"
	"github.com/example/wallet-ledger/internal/requests"
	"github.com/example/wallet-ledger/internal/scheduler"
	"github.com/example/wallet-ledger/internal/storage"
	"github.com/example/wallet-ledger/internal/transfers"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type world struct {
	db      *storage.DB
	watcher *scheduler.Watcher
	runner  *scheduler.Runner
	funded  string
	empty   string
	revenue string
}

// newWorld opens two EUR accounts of a type with a maintenance fee, a
// minimum balance of 50 and 3.65% deposit interest. The watcher clock is
// fixed on 15 January 2026.
func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, string(storage.SQLite), "file::memory:?_foreign_keys=on", 1, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))

	typ := &ledger.AccountType{
		Name:                      "savings",
		CurrencyCode:              "EUR",
		MonthlyMaintenanceFee:     d("2.5"),
		BalanceLimitAmount:        d("50"),
		BalanceFeeAmount:          d("1"),
		BalanceChargeDay:          10,
		DepositAnnualInterestRate: d("3.65"),
	}
	require.NoError(t, db.CreateAccountType(ctx, typ))
	funded := &ledger.Account{TypeID: typ.ID, UserID: "u1", InitialBalance: d("100"), IsActive: true, AllowWithdrawals: true, AllowDeposits: true}
	empty := &ledger.Account{TypeID: typ.ID, UserID: "u2", IsActive: true, AllowWithdrawals: true, AllowDeposits: true}
	require.NoError(t, db.CreateAccount(ctx, funded))
	require.NoError(t, db.CreateAccount(ctx, empty))
	rev := &ledger.RevenueAccount{CurrencyCode: "EUR", IsDefault: true}
	require.NoError(t, db.CreateRevenueAccount(ctx, rev))

	clock := func() time.Time { return time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC) }
	store := db.Scheduler()
	svc := requests.NewService(db.Requests(), ledger.New(db.Ledger()), transfers.NewRegistry(fees.NewEngine(nil)), requests.NewSettings(nil))
	return &world{
		db:      db,
		watcher: scheduler.NewWatcher(store, scheduler.NewPlanner(store, clock, nil), clock, nil),
		runner:  scheduler.NewRunner(store, svc, nil),
		funded:  funded.ID,
		empty:   empty.ID,
		revenue: rev.ID,
	}
}

func (w *world) balance(t *testing.T, ref ledger.TargetRef) decimal.Decimal {
	t.Helper()
	b, err := w.db.Balance(context.Background(), ref)
	require.NoError(t, err)
	return b
}

func (w *world) pending(t *testing.T) map[string][]*scheduler.ScheduledTransaction {
	t.Helper()
	far := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	due, err := w.db.Scheduler().Due(context.Background(), far, far.Add(-time.Hour), 100)
	require.NoError(t, err)
	out := make(map[string][]*scheduler.ScheduledTransaction)
	for _, st := range due {
		out[st.AccountID] = append(out[st.AccountID], st)
	}
	return out
}

func byReason(rows []*scheduler.ScheduledTransaction) map[scheduler.Reason]*scheduler.ScheduledTransaction {
	out := make(map[scheduler.Reason]*scheduler.ScheduledTransaction, len(rows))
	for _, st := range rows {
		out[st.Reason] = st
	}
	return out
}

func TestWatchAllPlansCharges(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	require.NoError(t, w.watcher.WatchAll(ctx))
	byAccount := w.pending(t)

	funded := byReason(byAccount[w.funded])
	require.Len(t, funded, 2)
	fee := funded[scheduler.ReasonMaintenanceFee]
	require.NotNil(t, fee)
	assert.True(t, fee.Amount.Equal(d("-2.5")))
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), fee.ScheduledDate)
	interest := funded[scheduler.ReasonInterestGeneration]
	require.NotNil(t, interest)
	assert.True(t, interest.Amount.Equal(d("0.31")), interest.Amount.String())

	empty := byReason(byAccount[w.empty])
	require.Len(t, empty, 2)
	require.NotNil(t, empty[scheduler.ReasonMaintenanceFee])
	limitFee := empty[scheduler.ReasonLimitBalanceFee]
	require.NotNil(t, limitFee)
	assert.True(t, limitFee.Amount.Equal(d("-1")))
	assert.Equal(t, time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC), limitFee.ScheduledDate)

	// A second pass plans nothing new.
	require.NoError(t, w.watcher.WatchAll(ctx))
	again := w.pending(t)
	assert.Len(t, again[w.funded], 2)
	assert.Len(t, again[w.empty], 2)
}

func TestRunDueExecutesOnceAcrossRunners(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	require.NoError(t, w.watcher.WatchAll(ctx))

	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	const runners = 5
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total scheduler.Summary
	)
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum, err := w.runner.RunDue(ctx, now)
			assert.NoError(t, err)
			mu.Lock()
			total.Executed += sum.Executed
			total.Failed += sum.Failed
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Both maintenance fees and the interest payout are due; the balance fee
	// is not due before the 10th.
	assert.Equal(t, 3, total.Executed)
	assert.Zero(t, total.Failed)

	assert.True(t, w.balance(t, ledger.AccountRef(w.funded)).Equal(d("97.81")))
	assert.True(t, w.balance(t, ledger.AccountRef(w.empty)).Equal(d("-2.5")))
	assert.True(t, w.balance(t, ledger.RevenueRef(w.revenue)).Equal(d("4.69")))

	for _, rows := range w.pending(t) {
		for _, st := range rows {
			assert.Equal(t, scheduler.ReasonLimitBalanceFee, st.Reason)
		}
	}

	due, err := w.db.Scheduler().Due(ctx, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), now, 100)
	require.NoError(t, err)
	require.Len(t, due, 1)

	sum, err := w.runner.RunDue(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, sum.Executed)
}

func TestRunDueLogsRealizedAmount(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	planner := scheduler.NewPlanner(w.db.Scheduler(), nil, nil)
	st, err := planner.Schedule(ctx, scheduler.Params{
		AccountID: w.funded, Reason: scheduler.ReasonCreditLineFee, Amount: d("-4"), Date: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	sum, err := w.runner.RunDue(ctx, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Executed)

	got, err := w.db.Scheduler().Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusExecuted, got.Status)
	require.NotEmpty(t, got.RequestID)

	logs, err := w.db.Scheduler().Logs(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Amount.Equal(d("-4")))
	assert.Equal(t, got.RequestID, logs[0].RequestID)

	req, err := w.db.Requests().Request(ctx, got.RequestID)
	require.NoError(t, err)
	assert.Equal(t, requests.SubjectDA, req.Subject())
	assert.Equal(t, requests.InitiatorSystem, req.Initiator)
	assert.Equal(t, requests.StatusExecuted, req.Status)
	assert.Equal(t, st.ID, req.Input["scheduled_transaction_id"])
}

func TestRunDueReleasesFailedRows(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	planner := scheduler.NewPlanner(w.db.Scheduler(), nil, nil)
	st, err := planner.Schedule(ctx, scheduler.Params{
		AccountID: w.empty, Reason: scheduler.ReasonMaintenanceFee, Amount: d("-2.5"), Date: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NoError(t, w.db.SetAccountFlags(ctx, w.empty, false, false, false))

	sum, err := w.runner.RunDue(ctx, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	got, err := w.db.Scheduler().Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.NotEmpty(t, got.LastError)
	assert.True(t, w.balance(t, ledger.AccountRef(w.empty)).IsZero())

	logs, err := w.db.Scheduler().Logs(ctx, st.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestRunDueParksRowAfterMaxAttempts(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.runner.MaxAttempts = 3
	planner := scheduler.NewPlanner(w.db.Scheduler(), nil, nil)
	st, err := planner.Schedule(ctx, scheduler.Params{
		AccountID: w.empty, Reason: scheduler.ReasonMaintenanceFee, Amount: d("-2.5"), Date: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NoError(t, w.db.SetAccountFlags(ctx, w.empty, false, false, false))

	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	for attempt := 1; attempt <= 2; attempt++ {
		sum, err := w.runner.RunDue(ctx, now.Add(time.Duration(attempt)*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Failed)
		assert.Zero(t, sum.Parked)
	}

	sum, err := w.runner.RunDue(ctx, now.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Parked)

	got, err := w.db.Scheduler().Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.NotEmpty(t, got.LastError)
	assert.Nil(t, got.ClaimedAt)

	// A parked row is no longer due.
	sum, err = w.runner.RunDue(ctx, now.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, scheduler.Summary{}, sum)
	assert.Empty(t, w.pending(t)[w.empty])
	assert.True(t, w.balance(t, ledger.AccountRef(w.empty)).IsZero())
}
