package importer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contaflux/reconciler/internal/dedup"
	"github.com/contaflux/reconciler/internal/domain"
	"github.com/contaflux/reconciler/internal/group"
	"github.com/contaflux/reconciler/internal/repository"
)

// fakeSource serves canned pages and can be told to fail the first N fetches.
type fakeSource struct {
	pages     []Page
	failFirst int
	calls     int
	onFetch   func()
}

func (s *fakeSource) Name() string { return "bookkeeping" }

func (s *fakeSource) FetchPage(ctx context.Context, since, until time.Time, page, pageSize int) (*Page, error) {
	s.calls++
	if s.onFetch != nil {
		s.onFetch()
	}
	if s.failFirst > 0 {
		s.failFirst--
		return nil, &FetchError{Page: page, Status: 503}
	}
	if page < 1 || page > len(s.pages) {
		return nil, &FetchError{Page: page, Status: 404}
	}
	p := s.pages[page-1]
	p.Meta.TotalPages = len(s.pages)
	if page < len(s.pages) {
		next := page + 1
		p.Meta.NextPage = &next
	}
	return &p, nil
}

func onePage(records ...map[string]any) []Page {
	return []Page{{Data: records}}
}

type fixture struct {
	orch  *Orchestrator
	gw    *repository.Gateway
	state *repository.StateStore
	txns  *repository.TransactionRepo
	runs  *repository.RunRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := repository.InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := DefaultConfig()
	cfg.Retry = RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	gw := repository.NewGateway(db, cfg.Group)
	state := repository.NewStateStore(db)
	return &fixture{
		orch:  New(gw, state, cfg),
		gw:    gw,
		state: state,
		txns:  repository.NewTransactionRepo(db),
		runs:  repository.NewRunRepo(db),
	}
}

func runReq(src Source) RunRequest {
	return RunRequest{
		Source:    src,
		AccountID: "acct-1",
		WalletID:  "w1",
		Since:     time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		Until:     time.Date(2025, 8, 31, 0, 0, 0, 0, time.UTC),
	}
}

func sale(id string, amount float64, date string) map[string]any {
	return map[string]any{
		"id": id, "kind": "sale", "amount": amount, "occurred_date": date,
	}
}

func installmentRaw(id, planID string, index, count int, amount float64, due string) map[string]any {
	return map[string]any{
		"id": id, "kind": "installment", "amount": amount, "due_date": due,
		"plan_id": planID, "installment_index": index, "installment_count": count,
	}
}

func TestRun_CreatesNewTransactionAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	src := &fakeSource{pages: onePage(sale("S1", 1000.00, "2025-08-01"))}

	summary, err := f.orch.Run(context.Background(), runReq(src))
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, summary.Status)
	assert.Equal(t, 1, summary.Fetched)
	assert.Equal(t, 1, summary.Imported)
	assert.Zero(t, summary.Matched)

	txns, _, err := f.txns.List(repository.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.True(t, txns[0].Amount.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, "S1", txns[0].ExternalRef)
	assert.Equal(t, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC), txns[0].Date)

	// Re-running the same import is a no-op beyond bookkeeping.
	summary, err = f.orch.Run(context.Background(), runReq(src))
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, summary.Status)
	assert.Equal(t, 1, summary.SkippedDuplicate)
	assert.Zero(t, summary.Imported)

	txns, _, err = f.txns.List(repository.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	f := newFixture(t)

	records := make([]map[string]any, 0, 10)
	for i := 0; i < 9; i++ {
		records = append(records, sale("S"+string(rune('1'+i)), 100, "2025-08-05"))
	}
	// One malformed record: no amount.
	records = append(records, map[string]any{"id": "BAD", "occurred_date": "2025-08-05"})

	src := &fakeSource{pages: onePage(records...)}
	summary, err := f.orch.Run(context.Background(), runReq(src))
	require.NoError(t, err)

	assert.Equal(t, domain.RunPartial, summary.Status)
	assert.Equal(t, 10, summary.Fetched)
	assert.Equal(t, 9, summary.Imported)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "BAD", summary.Errors[0].ExternalID)

	// The error log is persisted with the run.
	got, err := f.orch.GetRunSummary(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.RunPartial, got.Status)
	require.Len(t, got.Errors, 1)
}

func TestRun_MatchesExistingLedgerTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.gw.CreateTransaction(ctx, domain.LedgerTransaction{
		ID:          "t-rent",
		WalletID:    "w1",
		Amount:      decimal.NewFromInt(500),
		Date:        time.Date(2025, 8, 10, 0, 0, 0, 0, time.UTC),
		Description: "ACME rent",
	}, "seed-key", "seed-run"))

	raw := sale("S5", 500.00, "2025-08-10")
	raw["counterparty_name"] = "ACME rent"
	src := &fakeSource{pages: onePage(raw)}

	summary, err := f.orch.Run(ctx, runReq(src))
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, summary.Status)
	assert.Equal(t, 1, summary.Matched)
	assert.Equal(t, 1, summary.Imported)

	txn, err := f.txns.GetByID("t-rent")
	require.NoError(t, err)
	assert.Equal(t, "S5", txn.ExternalRef)

	// Total transaction count unchanged: the record claimed an existing row.
	count, err := f.txns.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRun_GroupsInstallmentPlan(t *testing.T) {
	f := newFixture(t)
	src := &fakeSource{pages: onePage(
		installmentRaw("I1", "P9", 1, 4, 250, "2025-08-05"),
		installmentRaw("I2", "P9", 2, 4, 250, "2025-08-12"),
		installmentRaw("I3", "P9", 3, 4, 250, "2025-08-19"),
		installmentRaw("I4", "P9", 4, 4, 250, "2025-08-26"),
	)}

	summary, err := f.orch.Run(context.Background(), runReq(src))
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, summary.Status)
	assert.Equal(t, 4, summary.Grouped)
	assert.Equal(t, 4, summary.Imported)

	groups, err := f.runs.ListGroups("", 10)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, domain.GroupComplete, groups[0].Status)
	assert.Equal(t, 4, groups[0].MemberCount)
	assert.True(t, groups[0].TotalAmount.Equal(decimal.NewFromInt(1000)), "got %s", groups[0].TotalAmount)

	// Re-run: nothing new.
	summary, err = f.orch.Run(context.Background(), runReq(src))
	require.NoError(t, err)
	assert.Equal(t, 4, summary.SkippedDuplicate)
	assert.Zero(t, summary.Grouped)
}

func TestRun_CompletesPlanAcrossRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := &fakeSource{pages: onePage(
		installmentRaw("I1", "P9", 1, 4, 250, "2025-08-05"),
		installmentRaw("I2", "P9", 2, 4, 250, "2025-08-12"),
	)}
	_, err := f.orch.Run(ctx, runReq(first))
	require.NoError(t, err)

	groups, err := f.runs.ListGroups("", 10)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, domain.GroupOpen, groups[0].Status)

	// The second run delivers the remaining installments; the stored group
	// must flip to COMPLETE even though this run only saw two members.
	second := &fakeSource{pages: onePage(
		installmentRaw("I3", "P9", 3, 4, 250, "2025-08-19"),
		installmentRaw("I4", "P9", 4, 4, 250, "2025-08-26"),
	)}
	_, err = f.orch.Run(ctx, runReq(second))
	require.NoError(t, err)

	groups, err = f.runs.ListGroups("", 10)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, domain.GroupComplete, groups[0].Status)
	assert.Equal(t, 4, groups[0].MemberCount)
	assert.True(t, groups[0].TotalAmount.Equal(decimal.NewFromInt(1000)), "got %s", groups[0].TotalAmount)
}

func TestRun_LateInstallmentJoinsExistingGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := &fakeSource{pages: onePage(
		installmentRaw("I1", "P9", 1, 4, 250, "2025-08-05"),
		installmentRaw("I2", "P9", 2, 4, 250, "2025-08-12"),
	)}
	_, err := f.orch.Run(ctx, runReq(first))
	require.NoError(t, err)

	// A later batch carries a single installment of the plan. Alone it is
	// below the grouper's minimum but must still join the existing group.
	second := &fakeSource{pages: onePage(
		installmentRaw("I3", "P9", 3, 4, 250, "2025-08-19"),
	)}
	_, err = f.orch.Run(ctx, runReq(second))
	require.NoError(t, err)

	gid := group.IDFor("bookkeeping", "P9")
	members, _, err := f.txns.List(repository.TransactionFilter{GroupID: gid})
	require.NoError(t, err)
	assert.Len(t, members, 3)

	groups, err := f.runs.ListGroups("", 10)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, domain.GroupOpen, groups[0].Status)
	assert.Equal(t, 3, groups[0].MemberCount)
}

func TestRun_SameExternalIDDifferentKinds(t *testing.T) {
	f := newFixture(t)

	// A sale and a payment may share an external id; both must land.
	payment := map[string]any{
		"id": "X1", "kind": "payment", "amount": 40.0, "occurred_date": "2025-08-02",
	}
	src := &fakeSource{pages: onePage(sale("X1", 100.00, "2025-08-01"), payment)}

	summary, err := f.orch.Run(context.Background(), runReq(src))
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, summary.Status)
	assert.Equal(t, 2, summary.Imported)
	assert.Zero(t, summary.SkippedDuplicate)

	count, err := f.txns.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRun_InconsistentPlanSurfacesInErrorLog(t *testing.T) {
	f := newFixture(t)
	src := &fakeSource{pages: onePage(
		installmentRaw("I1", "P9", 1, 2, 250, "2025-08-05"),
		installmentRaw("I1b", "P9", 1, 2, 250, "2025-08-05"),
	)}

	summary, err := f.orch.Run(context.Background(), runReq(src))
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartial, summary.Status)
	assert.Equal(t, 2, summary.Failed)
	assert.Zero(t, summary.Imported)
	require.NotEmpty(t, summary.Errors)
	assert.Contains(t, summary.Errors[0].Reason, "duplicate installment index")

	// Members are left unimported for manual review.
	count, err := f.txns.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRun_MultiPageMergesBeforeMatching(t *testing.T) {
	f := newFixture(t)
	src := &fakeSource{pages: []Page{
		{Data: []map[string]any{sale("A1", 100, "2025-08-02")}},
		{Data: []map[string]any{sale("A2", 200, "2025-08-03")}},
		{Data: []map[string]any{sale("A3", 300, "2025-08-04")}},
	}}

	summary, err := f.orch.Run(context.Background(), runReq(src))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Fetched)
	assert.Equal(t, 3, summary.Imported)
}

func TestRun_FetchRetryThenSuccess(t *testing.T) {
	f := newFixture(t)
	src := &fakeSource{
		pages:     onePage(sale("S1", 100, "2025-08-01")),
		failFirst: 1,
	}

	summary, err := f.orch.Run(context.Background(), runReq(src))
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, summary.Status)
	assert.Equal(t, 2, src.calls)
}

func TestRun_FetchExhaustionFailsRun(t *testing.T) {
	f := newFixture(t)
	src := &fakeSource{
		pages:     onePage(sale("S1", 100, "2025-08-01")),
		failFirst: 10,
	}

	summary, err := f.orch.Run(context.Background(), runReq(src))
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, summary.Status)
	require.NotEmpty(t, summary.Errors)

	// The failed run is finalized, not left RUNNING.
	got, err := f.orch.GetRunSummary(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.RunFailed, got.Status)
}

func TestRun_CancelledRunFinalizesFailed(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{pages: onePage(sale("S1", 100, "2025-08-01"))}
	src.onFetch = cancel

	summary, err := f.orch.Run(ctx, runReq(src))
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, summary.Status)
	require.NotEmpty(t, summary.Errors)
	assert.Equal(t, "cancelled", summary.Errors[len(summary.Errors)-1].Reason)

	// No record made it into the ledger.
	count, err := f.txns.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRun_CancelledDuringFetchReportsCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	// The fetch itself dies on the cancellation; the run must still report
	// "cancelled", not the transport's wording of the context error.
	src := &fakeSource{
		pages:     onePage(sale("S1", 100, "2025-08-01")),
		failFirst: 10,
	}
	src.onFetch = cancel

	summary, err := f.orch.Run(ctx, runReq(src))
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, summary.Status)
	require.NotEmpty(t, summary.Errors)
	assert.Equal(t, "cancelled", summary.Errors[len(summary.Errors)-1].Reason)
}

func TestRun_KillSwitchBlocksNewRuns(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.state.Set(context.Background(), StateKeyEnabled, "false", 0))

	src := &fakeSource{pages: onePage(sale("S1", 100, "2025-08-01"))}
	_, err := f.orch.Run(context.Background(), runReq(src))
	assert.ErrorIs(t, err, ErrImportsDisabled)
}

func TestRun_SkipsSuppressedRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key := dedup.Key("bookkeeping", "S1", domain.KindSale)
	require.NoError(t, f.gw.MarkKeySeen(ctx, key, "manual-suppression"))

	src := &fakeSource{pages: onePage(sale("S1", 100, "2025-08-01"))}
	summary, err := f.orch.Run(ctx, runReq(src))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SkippedDuplicate)
	assert.Zero(t, summary.Imported)

	count, err := f.txns.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRun_PersistsSyncCursor(t *testing.T) {
	f := newFixture(t)
	src := &fakeSource{pages: onePage(sale("S1", 100, "2025-08-01"))}

	_, err := f.orch.Run(context.Background(), runReq(src))
	require.NoError(t, err)

	v, ok, err := f.state.Get(context.Background(), "cursor:bookkeeping:acct-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2025-08-31", v)
}

func TestProcessWebhook_SameIdempotencyAsBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	evt := WebhookEvent{
		Event: "sale.created",
		Data:  map[string]any{"id": "W1", "amount": 80.0, "occurred_date": "2025-08-07"},
	}

	summary, err := f.orch.ProcessWebhook(ctx, "bookkeeping", "w1", evt)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, summary.Status)
	assert.Equal(t, 1, summary.Imported)

	// Redelivery replays into the same run and changes nothing.
	replay, err := f.orch.ProcessWebhook(ctx, "bookkeeping", "w1", evt)
	require.NoError(t, err)
	assert.Equal(t, summary.RunID, replay.RunID)

	count, err := f.txns.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestProcessWebhook_DeduplicatesAgainstBatchImports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := &fakeSource{pages: onePage(sale("S1", 100, "2025-08-01"))}
	_, err := f.orch.Run(ctx, runReq(src))
	require.NoError(t, err)

	summary, err := f.orch.ProcessWebhook(ctx, "bookkeeping", "w1", WebhookEvent{
		Event: "sale.created",
		Data:  map[string]any{"id": "S1", "amount": 100.0, "occurred_date": "2025-08-01", "kind": "sale"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SkippedDuplicate)
	assert.Zero(t, summary.Imported)
}

func TestProcessWebhook_LinksInstallmentIntoExistingGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A batch run leaves plan P9 open with 2 of 4 installments.
	src := &fakeSource{pages: onePage(
		installmentRaw("I1", "P9", 1, 4, 250, "2025-08-05"),
		installmentRaw("I2", "P9", 2, 4, 250, "2025-08-12"),
	)}
	_, err := f.orch.Run(ctx, runReq(src))
	require.NoError(t, err)

	summary, err := f.orch.ProcessWebhook(ctx, "bookkeeping", "w1", WebhookEvent{
		Event: "installment.created",
		Data: map[string]any{
			"id": "I3", "plan_id": "P9", "amount": 250.0, "due_date": "2025-08-19",
			"installment_index": 3, "installment_count": 4,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Imported)

	groups, err := f.runs.ListGroups("", 10)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, domain.GroupOpen, groups[0].Status)
	assert.Equal(t, 3, groups[0].MemberCount)
	assert.True(t, groups[0].TotalAmount.Equal(decimal.NewFromInt(750)), "got %s", groups[0].TotalAmount)
}

func TestProcessWebhook_RejectsUnknownEvent(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.ProcessWebhook(context.Background(), "bookkeeping", "w1", WebhookEvent{
		Event: "customer.created",
		Data:  map[string]any{"id": "C1"},
	})
	assert.Error(t, err)
}
