package ledger

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/example/bankledger/pkg/audit"
)

// mapCache is an in-memory BalanceCache for tests.
type mapCache struct {
	mu sync.Mutex
	m  map[string]decimal.Decimal
}

func newMapCache() *mapCache {
	return &mapCache{m: make(map[string]decimal.Decimal)}
}

func (c *mapCache) Get(_ context.Context, accountNumber string) (decimal.Decimal, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bal, ok := c.m[accountNumber]
	return bal, ok, nil
}

func (c *mapCache) Set(_ context.Context, accountNumber string, balance decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[accountNumber] = balance
	return nil
}

func (c *mapCache) Delete(_ context.Context, accountNumber string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, accountNumber)
	return nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func int64Ptr(v int64) *int64 {
	return &v
}

type testEnv struct {
	svc     *Service
	store   *SQLiteStore
	cache   *mapCache
	auditor *audit.ChainLogger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)

	cache := newMapCache()
	auditor := audit.NewChainLogger()
	svc := New(Config{
		Store:       store,
		Cache:       cache,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Auditor:     auditor,
		LockTimeout: 2 * time.Second,
	})
	return &testEnv{svc: svc, store: store, cache: cache, auditor: auditor}
}

func (e *testEnv) createAccount(t *testing.T, number, bank, opening string) *Account {
	t.Helper()
	acct, err := e.svc.CreateAccount(context.Background(), CreateAccountRequest{
		AccountNumber:  number,
		BankName:       bank,
		Acronym:        "TST",
		HolderName:     "Test Holder",
		OpeningBalance: dec(opening),
	})
	require.NoError(t, err)
	return acct
}

func TestCreateAccountDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "0123456789", "First Bank", "1000")

	_, err := env.svc.CreateAccount(context.Background(), CreateAccountRequest{
		AccountNumber:  "0123456789",
		BankName:       "First Bank",
		Acronym:        "FB",
		OpeningBalance: dec("0"),
	})
	require.ErrorIs(t, err, ErrAccountExists)
}

func TestIngestExactMatch(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "0123456789", "First Bank", "1000")

	txn, err := env.svc.Ingest(context.Background(), Event{
		AccountNumber: "0123456789",
		Type:          Debit,
		Amount:        dec("200"),
		EventTime:     int64Ptr(1000),
		ReferenceID:   "ref-1",
	})
	require.NoError(t, err)
	require.NotNil(t, txn.AccountNumber)
	require.Equal(t, "0123456789", *txn.AccountNumber)
	require.False(t, txn.Synced)
	require.Equal(t, "First Bank", txn.BankName)
	require.NotZero(t, txn.ID)
}

func TestIngestSuffixMatch(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "0123456789", "First Bank", "1000")
	env.createAccount(t, "9988776789", "Second Bank", "500")

	txn, err := env.svc.Ingest(context.Background(), Event{
		Account:   "Acct XX456789",
		Type:      Credit,
		Amount:    dec("50"),
		EventTime: int64Ptr(1000),
	})
	require.NoError(t, err)
	require.NotNil(t, txn.AccountNumber)
	require.Equal(t, "0123456789", *txn.AccountNumber)

	// An ambiguous suffix resolves to the lowest account number.
	txn, err = env.svc.Ingest(context.Background(), Event{
		Account:   "...6789",
		Type:      Credit,
		Amount:    dec("10"),
		EventTime: int64Ptr(1001),
	})
	require.NoError(t, err)
	require.NotNil(t, txn.AccountNumber)
	require.Equal(t, "0123456789", *txn.AccountNumber)
}

func TestIngestUnmatched(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "0123456789", "First Bank", "1000")

	txn, err := env.svc.Ingest(context.Background(), Event{
		Account:   "XX0000",
		Type:      Debit,
		Amount:    dec("75"),
		EventTime: int64Ptr(1000),
	})
	require.NoError(t, err)
	require.Nil(t, txn.AccountNumber)
	require.Equal(t, UnmatchedMarker, txn.Description)
	require.True(t, txn.Synced)

	// Unmatched rows are terminal and never enter the pending set.
	pending, err := env.store.ListPending(context.Background())
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestIngestValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Ingest(context.Background(), Event{
		Type:   EntryType("transfer"),
		Amount: dec("10"),
	})
	require.Error(t, err)

	_, err = env.svc.Ingest(context.Background(), Event{
		Type:   Debit,
		Amount: dec("-5"),
	})
	require.Error(t, err)
}

func TestIngestEventTimeFallback(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "0123456789", "First Bank", "1000")

	before := time.Now().UnixMilli()
	txn, err := env.svc.Ingest(context.Background(), Event{
		AccountNumber: "0123456789",
		Type:          Credit,
		Amount:        dec("10"),
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, txn.EventTime, before)
	require.LessOrEqual(t, txn.EventTime, time.Now().UnixMilli())
}

func TestReconcileObservedMatchesExpected(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "0123456789", "First Bank", "1000")

	txn, err := env.svc.Ingest(context.Background(), Event{
		AccountNumber:   "0123456789",
		Type:            Debit,
		Amount:          dec("200"),
		EventTime:       int64Ptr(1000),
		ObservedBalance: decPtr("800"),
	})
	require.NoError(t, err)

	res, err := env.svc.Reconcile(context.Background(), txn)
	require.NoError(t, err)
	require.Nil(t, res.Corrective)
	require.True(t, txn.Synced)
	require.True(t, txn.BalanceAfter.Valid)
	require.True(t, txn.BalanceAfter.Decimal.Equal(dec("800")))
	require.True(t, res.Balance.Equal(dec("800")))

	acct, err := env.store.GetAccount(context.Background(), "0123456789")
	require.NoError(t, err)
	require.True(t, acct.CurrentBalance.Equal(dec("800")))
}

func TestReconcileSynthesizesCorrective(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "0123456789", "First Bank", "1000")

	txn, err := env.svc.Ingest(context.Background(), Event{
		AccountNumber:   "0123456789",
		Type:            Debit,
		Amount:          dec("200"),
		EventTime:       int64Ptr(1000),
		ObservedBalance: decPtr("750"),
	})
	require.NoError(t, err)

	res, err := env.svc.Reconcile(context.Background(), txn)
	require.NoError(t, err)
	require.NotNil(t, res.Corrective)

	corr := res.Corrective
	require.Equal(t, Debit, corr.Type)
	require.True(t, corr.Amount.Equal(dec("50")))
	require.Equal(t, int64(999), corr.EventTime)
	require.True(t, corr.IsAutoGenerated)
	require.True(t, corr.Synced)
	require.Equal(t, AutoGeneratedDescription, corr.Description)
	require.Equal(t, "auto", corr.Mode)
	require.True(t, corr.BalanceAfter.Valid)
	require.True(t, corr.BalanceAfter.Decimal.Equal(dec("950")))

	// The anchor settles on the bank's observed balance.
	require.True(t, txn.BalanceAfter.Decimal.Equal(dec("750")))
	require.True(t, res.Balance.Equal(dec("750")))

	acct, err := env.store.GetAccount(context.Background(), "0123456789")
	require.NoError(t, err)
	require.True(t, acct.CurrentBalance.Equal(dec("750")))

	cached, ok, err := env.cache.Get(context.Background(), "0123456789")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, cached.Equal(dec("750")))

	// The corrective is recorded on the audit chain.
	require.Equal(t, 1, env.auditor.Len())
	require.True(t, audit.VerifyChain(env.auditor.Entries()))
}

func TestReconcileMissingCredit(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "0123456789", "First Bank", "1000")

	// Observed above expected means a credit went unreported.
	txn, err := env.svc.Ingest(context.Background(), Event{
		AccountNumber:   "0123456789",
		Type:            Debit,
		Amount:          dec("200"),
		EventTime:       int64Ptr(1000),
		ObservedBalance: decPtr("900"),
	})
	require.NoError(t, err)

	res, err := env.svc.Reconcile(context.Background(), txn)
	require.NoError(t, err)
	require.NotNil(t, res.Corrective)
	require.Equal(t, Credit, res.Corrective.Type)
	require.True(t, res.Corrective.Amount.Equal(dec("100")))
	require.True(t, res.Corrective.BalanceAfter.Decimal.Equal(dec("1100")))
	require.True(t, res.Balance.Equal(dec("900")))
}

func TestReconcileEpsilonTolerance(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "0123456789", "First Bank", "1000")

	// A one cent gap is rounding noise, not a missing transaction.
	txn, err := env.svc.Ingest(context.Background(), Event{
		AccountNumber:   "0123456789",
		Type:            Debit,
		Amount:          dec("200"),
		EventTime:       int64Ptr(1000),
		ObservedBalance: decPtr("799.99"),
	})
	require.NoError(t, err)

	res, err := env.svc.Reconcile(context.Background(), txn)
	require.NoError(t, err)
	require.Nil(t, res.Corrective)
	require.True(t, txn.BalanceAfter.Decimal.Equal(dec("799.99")))
}

func TestReconcileWithoutObservedBalance(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "0123456789", "First Bank", "1000")

	txn, err := env.svc.Ingest(context.Background(), Event{
		AccountNumber: "0123456789",
		Type:          Credit,
		Amount:        dec("150"),
		EventTime:     int64Ptr(1000),
	})
	require.NoError(t, err)

	res, err := env.svc.Reconcile(context.Background(), txn)
	require.NoError(t, err)
	require.Nil(t, res.Corrective)
	require.True(t, txn.BalanceAfter.Decimal.Equal(dec("1150")))
	require.True(t, res.Balance.Equal(dec("1150")))
}

func TestReconcileOutOfOrderRecomputesForward(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "0123456789", "First Bank", "1000")
	ctx := context.Background()

	ingest := func(typ EntryType, amount string, at int64) *Transaction {
		txn, err := env.svc.Ingest(ctx, Event{
			AccountNumber: "0123456789",
			Type:          typ,
			Amount:        dec(amount),
			EventTime:     int64Ptr(at),
		})
		require.NoError(t, err)
		return txn
	}

	a := ingest(Debit, "100", 10)
	b := ingest(Debit, "50", 20)
	_, err := env.svc.Reconcile(ctx, a)
	require.NoError(t, err)
	_, err = env.svc.Reconcile(ctx, b)
	require.NoError(t, err)

	acct, err := env.store.GetAccount(ctx, "0123456789")
	require.NoError(t, err)
	require.True(t, acct.CurrentBalance.Equal(dec("850")))

	// A late credit lands between the two settled rows and ripples forward.
	c := ingest(Credit, "30", 15)
	res, err := env.svc.Reconcile(ctx, c)
	require.NoError(t, err)
	require.True(t, c.BalanceAfter.Decimal.Equal(dec("930")))
	require.Equal(t, 1, res.Recomputed)
	require.True(t, res.Balance.Equal(dec("880")))

	b2, err := env.store.GetTransaction(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, b2.BalanceAfter.Decimal.Equal(dec("880")))

	acct, err = env.store.GetAccount(ctx, "0123456789")
	require.NoError(t, err)
	require.True(t, acct.CurrentBalance.Equal(dec("880")))
}

func TestReconcileChainInvariant(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "0123456789", "First Bank", "1000")
	ctx := context.Background()

	events := []Event{
		{AccountNumber: "0123456789", Type: Debit, Amount: dec("200"), EventTime: int64Ptr(100), ObservedBalance: decPtr("750")},
		{AccountNumber: "0123456789", Type: Credit, Amount: dec("300"), EventTime: int64Ptr(200)},
		{AccountNumber: "0123456789", Type: Debit, Amount: dec("25"), EventTime: int64Ptr(300), ObservedBalance: decPtr("1025")},
	}
	for _, ev := range events {
		txn, err := env.svc.Ingest(ctx, ev)
		require.NoError(t, err)
		_, err = env.svc.Reconcile(ctx, txn)
		require.NoError(t, err)
	}

	// Every settled row's balance_after chains off its predecessor.
	rows, err := env.store.ListTransactions(ctx, ListOptions{AccountNumber: "0123456789"})
	require.NoError(t, err)
	require.NotEmpty(t, rows)

	// Listing is newest first; walk oldest first.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}

	running := dec("1000")
	for _, row := range rows {
		running = applyEntry(running, row.Type, row.Amount)
		require.Truef(t, row.BalanceAfter.Valid, "row %d has no balance_after", row.ID)
		require.Truef(t, row.BalanceAfter.Decimal.Equal(running),
			"row %d balance_after = %s, want %s", row.ID, row.BalanceAfter.Decimal, running)
	}

	acct, err := env.store.GetAccount(ctx, "0123456789")
	require.NoError(t, err)
	require.True(t, acct.CurrentBalance.Equal(running))
}

func TestReconcileNilAccountIsInvalid(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Reconcile(context.Background(), &Transaction{
		Type:   Debit,
		Amount: dec("10"),
	})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestReconcileIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "0123456789", "First Bank", "1000")
	ctx := context.Background()

	txn, err := env.svc.Ingest(ctx, Event{
		AccountNumber:   "0123456789",
		Type:            Debit,
		Amount:          dec("200"),
		EventTime:       int64Ptr(1000),
		ObservedBalance: decPtr("750"),
	})
	require.NoError(t, err)

	_, err = env.svc.Reconcile(ctx, txn)
	require.NoError(t, err)

	// Re-reconciling a settled row is a no-op: no second corrective.
	res, err := env.svc.Reconcile(ctx, txn)
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Nil(t, res.Corrective)

	rows, err := env.store.ListTransactions(ctx, ListOptions{AccountNumber: "0123456789", IncludePending: true})
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestReconcileStaleSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "0123456789", "First Bank", "1000")
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, Event{
		AccountNumber: "0123456789",
		Type:          Credit,
		Amount:        dec("50"),
		EventTime:     int64Ptr(1000),
	})
	require.NoError(t, err)

	// Two independent scans each see the row while it is still pending.
	snapA, err := env.store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, snapA, 1)
	snapB, err := env.store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, snapB, 1)

	resA, err := env.svc.Reconcile(ctx, snapA[0])
	require.NoError(t, err)
	require.True(t, resA.Applied)
	require.True(t, resA.Balance.Equal(dec("1050")))

	// The second snapshot is stale; its pass must not apply the credit
	// again.
	resB, err := env.svc.Reconcile(ctx, snapB[0])
	require.NoError(t, err)
	require.False(t, resB.Applied)
	require.True(t, snapB[0].Synced)

	acct, err := env.store.GetAccount(ctx, "0123456789")
	require.NoError(t, err)
	require.True(t, acct.CurrentBalance.Equal(dec("1050")),
		"balance = %s, want 1050", acct.CurrentBalance)

	rows, err := env.store.ListTransactions(ctx, ListOptions{AccountNumber: "0123456789", IncludePending: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestReconcileFirstRowAnchorsOnOpeningBalance(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "0123456789", "First Bank", "1000")
	ctx := context.Background()

	a, err := env.svc.Ingest(ctx, Event{
		AccountNumber: "0123456789",
		Type:          Debit,
		Amount:        dec("10"),
		EventTime:     int64Ptr(1000),
	})
	require.NoError(t, err)
	b, err := env.svc.Ingest(ctx, Event{
		AccountNumber: "0123456789",
		Type:          Debit,
		Amount:        dec("10"),
		EventTime:     int64Ptr(1001),
	})
	require.NoError(t, err)

	// The later row settles first and advances the account balance.
	_, err = env.svc.Reconcile(ctx, b)
	require.NoError(t, err)
	acct, err := env.store.GetAccount(ctx, "0123456789")
	require.NoError(t, err)
	require.True(t, acct.CurrentBalance.Equal(dec("990")))

	// The chronologically first row must chain off the opening balance,
	// not the already-advanced account balance.
	res, err := env.svc.Reconcile(ctx, a)
	require.NoError(t, err)
	require.True(t, a.BalanceAfter.Decimal.Equal(dec("990")))
	require.Equal(t, []int64{b.ID}, res.RecomputedIDs)
	require.True(t, res.Balance.Equal(dec("980")))

	b2, err := env.store.GetTransaction(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, b2.BalanceAfter.Decimal.Equal(dec("980")))

	acct, err = env.store.GetAccount(ctx, "0123456789")
	require.NoError(t, err)
	require.True(t, acct.CurrentBalance.Equal(dec("980")))
}

func TestSyncAll(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "0123456789", "First Bank", "1000")
	env.createAccount(t, "5550001111", "Second Bank", "500")
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, Event{
		AccountNumber:   "0123456789",
		Type:            Debit,
		Amount:          dec("200"),
		EventTime:       int64Ptr(1000),
		ObservedBalance: decPtr("750"),
	})
	require.NoError(t, err)
	_, err = env.svc.Ingest(ctx, Event{
		AccountNumber: "5550001111",
		Type:          Credit,
		Amount:        dec("100"),
		EventTime:     int64Ptr(1000),
	})
	require.NoError(t, err)

	report, err := env.svc.SyncAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Pending)
	require.Equal(t, 2, report.Synced)
	require.Equal(t, 1, report.Corrective)
	require.Equal(t, 0, report.Failed)
	require.Equal(t, []int64{1, 2, 3}, report.TouchedIDs)

	// Second pass finds nothing to do.
	report, err = env.svc.SyncAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, report.Pending)
	require.Equal(t, 0, report.Synced)

	// Ids are dense after the compaction that follows a settling pass.
	rows, err := env.store.ListTransactions(ctx, ListOptions{IncludePending: true})
	require.NoError(t, err)
	ids := make(map[int64]bool, len(rows))
	for _, row := range rows {
		ids[row.ID] = true
	}
	for i := int64(1); i <= int64(len(rows)); i++ {
		require.Truef(t, ids[i], "id %d missing after compaction", i)
	}
}

func TestLockTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "0123456789", "First Bank", "1000")
	ctx := context.Background()

	txn, err := env.svc.Ingest(ctx, Event{
		AccountNumber: "0123456789",
		Type:          Debit,
		Amount:        dec("10"),
		EventTime:     int64Ptr(1000),
	})
	require.NoError(t, err)

	release, err := env.svc.locks.acquire("0123456789", time.Second)
	require.NoError(t, err)
	defer release()

	env.svc.lockTimeout = 50 * time.Millisecond
	_, err = env.svc.Reconcile(ctx, txn)
	require.ErrorIs(t, err, ErrLockTimeout)
}

func TestConcurrentReconciles(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "0123456789", "First Bank", "1000")
	ctx := context.Background()

	var txns []*Transaction
	for i := 0; i < 8; i++ {
		txn, err := env.svc.Ingest(ctx, Event{
			AccountNumber: "0123456789",
			Type:          Debit,
			Amount:        dec("10"),
			EventTime:     int64Ptr(int64(1000 + i)),
		})
		require.NoError(t, err)
		txns = append(txns, txn)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(txns))
	for i, txn := range txns {
		wg.Add(1)
		go func(i int, txn *Transaction) {
			defer wg.Done()
			_, errs[i] = env.svc.Reconcile(ctx, txn)
		}(i, txn)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoErrorf(t, err, "reconcile %d", i)
	}

	acct, err := env.store.GetAccount(ctx, "0123456789")
	require.NoError(t, err)
	require.True(t, acct.CurrentBalance.Equal(dec("920")),
		"balance = %s, want 920", acct.CurrentBalance)
}

func TestDeleteAccountCascades(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "0123456789", "First Bank", "1000")
	env.createAccount(t, "5550001111", "Second Bank", "500")
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, Event{
		AccountNumber: "0123456789",
		Type:          Debit,
		Amount:        dec("10"),
		EventTime:     int64Ptr(1000),
	})
	require.NoError(t, err)
	keeper, err := env.svc.Ingest(ctx, Event{
		AccountNumber: "5550001111",
		Type:          Credit,
		Amount:        dec("20"),
		EventTime:     int64Ptr(1000),
	})
	require.NoError(t, err)

	require.NoError(t, env.svc.DeleteAccount(ctx, "0123456789"))

	_, err = env.store.GetAccount(ctx, "0123456789")
	require.ErrorIs(t, err, ErrAccountNotFound)

	_, ok, err := env.cache.Get(ctx, "0123456789")
	require.NoError(t, err)
	require.False(t, ok)

	// The survivor's row is renumbered down to 1.
	rows, err := env.store.ListTransactions(ctx, ListOptions{IncludePending: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(1), rows[0].ID)
	require.Equal(t, keeper.ReferenceID, rows[0].ReferenceID)
}

func TestBalanceOverlayFromCache(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "0123456789", "First Bank", "1000")
	ctx := context.Background()

	require.NoError(t, env.cache.Set(ctx, "0123456789", dec("1234.56")))

	acct, err := env.svc.Account(ctx, "0123456789")
	require.NoError(t, err)
	require.True(t, acct.CurrentBalance.Equal(dec("1234.56")))

	bal, err := env.svc.Balance(ctx, "0123456789")
	require.NoError(t, err)
	require.True(t, bal.Equal(dec("1234.56")))
}
