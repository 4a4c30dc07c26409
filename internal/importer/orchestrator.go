// Package importer drives import runs end to end: fetch, normalize, dedup,
// match, group, persist, and record history.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/contaflux/reconciler/internal/dedup"
	"github.com/contaflux/reconciler/internal/domain"
	"github.com/contaflux/reconciler/internal/group"
	"github.com/contaflux/reconciler/internal/ledger"
	"github.com/contaflux/reconciler/internal/match"
	"github.com/contaflux/reconciler/internal/normalize"
)

var (
	// ErrRunActive is returned when an import is already running for the
	// requested account.
	ErrRunActive = errors.New("import already running for this account")

	// ErrImportsDisabled is returned while the import kill-switch is set.
	ErrImportsDisabled = errors.New("imports are disabled")
)

// StateKeyEnabled is the kill-switch key in the state store; the value
// "false" disables new runs.
const StateKeyEnabled = "import:enabled"

// Config bundles the orchestrator's tunables.
type Config struct {
	PageSize    int
	MaxPages    int
	Concurrency int
	Retry       RetryPolicy
	Match       match.Config
	Group       group.Config
}

func DefaultConfig() Config {
	return Config{
		PageSize:    100,
		MaxPages:    200,
		Concurrency: 4,
		Retry:       DefaultRetryPolicy(),
		Match:       match.DefaultConfig(),
		Group:       group.DefaultConfig(),
	}
}

// RunRequest scopes one import run.
type RunRequest struct {
	Source    Source
	AccountID string
	WalletID  string
	Since     time.Time
	Until     time.Time
}

// Orchestrator executes import runs. Runs for the same account are mutually
// exclusive; runs for different accounts proceed in parallel.
type Orchestrator struct {
	gw    ledger.Gateway
	state ledger.StateStore
	cfg   Config
	locks sync.Map // accountID -> *sync.Mutex
}

func New(gw ledger.Gateway, state ledger.StateStore, cfg Config) *Orchestrator {
	return &Orchestrator{gw: gw, state: state, cfg: cfg}
}

func (o *Orchestrator) lockFor(accountID string) *sync.Mutex {
	mu, _ := o.locks.LoadOrStore(accountID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Run executes a full import for the request's scope and returns the run
// summary. Run-level failures (fetch exhaustion, systemic store errors,
// cancellation) finalize the run as FAILED and are reported through the
// summary, not as a Go error; errors are only returned for conditions that
// prevent a run from starting at all.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (domain.ImportRunSummary, error) {
	if v, ok, err := o.state.Get(ctx, StateKeyEnabled); err == nil && ok && v == "false" {
		return domain.ImportRunSummary{}, ErrImportsDisabled
	}

	mu := o.lockFor(req.AccountID)
	if !mu.TryLock() {
		return domain.ImportRunSummary{}, ErrRunActive
	}
	defer mu.Unlock()

	run := &domain.ImportRun{
		RunID:     uuid.NewString(),
		Source:    req.Source.Name(),
		AccountID: req.AccountID,
		StartedAt: time.Now().UTC(),
		Status:    domain.RunRunning,
	}
	// The RUNNING record goes in before any fetch: a crash mid-run leaves
	// auditable evidence instead of silently losing progress.
	if err := o.gw.CreateRun(ctx, run); err != nil {
		return domain.ImportRunSummary{}, fmt.Errorf("create run: %w", err)
	}

	log.Printf("[import] run %s started: source=%s account=%s window=%s..%s",
		run.RunID, run.Source, req.AccountID,
		req.Since.Format("2006-01-02"), req.Until.Format("2006-01-02"))

	records, err := o.fetchAndNormalize(ctx, req, run)
	if ctx.Err() != nil {
		return o.fail(run, "cancelled"), nil
	}
	if err != nil {
		return o.fail(run, err.Error()), nil
	}

	summary, err := o.reconcile(ctx, req, run, records)
	if err != nil {
		return o.fail(run, err.Error()), nil
	}
	return summary, nil
}

// GetRunSummary returns the caller-facing view of a finished or running run,
// or nil when no such run exists.
func (o *Orchestrator) GetRunSummary(ctx context.Context, runID string) (*domain.ImportRunSummary, error) {
	run, err := o.gw.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}
	summary := run.Summary()
	return &summary, nil
}

// fetchAndNormalize pulls every page in scope and normalizes raw records.
// Page 1 is fetched first to learn the page count; the remaining pages are
// fetched and normalized concurrently under the configured bound. Per-item
// normalization failures are logged and do not abort the run.
func (o *Orchestrator) fetchAndNormalize(ctx context.Context, req RunRequest, run *domain.ImportRun) ([]domain.ExternalRecord, error) {
	first, err := o.fetchPage(ctx, req, 1)
	if err != nil {
		return nil, err
	}

	pages := [][]map[string]any{first.Data}
	if !first.Last(1) {
		lastPage := first.Meta.TotalPages
		if lastPage > o.cfg.MaxPages {
			log.Printf("[import] run %s: capping pagination at %d of %d pages", run.RunID, o.cfg.MaxPages, lastPage)
			lastPage = o.cfg.MaxPages
		}

		rest := make([][]map[string]any, lastPage+1)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.Concurrency)
		for n := 2; n <= lastPage; n++ {
			if gctx.Err() != nil {
				break
			}
			n := n
			g.Go(func() error {
				page, err := o.fetchPage(gctx, req, n)
				if err != nil {
					return err
				}
				rest[n] = page.Data
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for n := 2; n <= lastPage; n++ {
			pages = append(pages, rest[n])
		}
	}

	var records []domain.ExternalRecord
	for _, data := range pages {
		for _, raw := range data {
			run.Counts.Fetched++
			rec, err := normalize.Normalize(req.Source.Name(), raw)
			if err == nil {
				err = rec.Validate()
			}
			if err != nil {
				o.itemFailed(run, rawExternalID(raw), err.Error())
				continue
			}
			records = append(records, rec)
		}
	}

	// All pages merge into a single matching pass below: the greedy matcher
	// needs one consistent view of the candidate pool across the whole run.
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.ReferenceDate().Equal(b.ReferenceDate()) {
			return a.ReferenceDate().Before(b.ReferenceDate())
		}
		return a.ExternalID < b.ExternalID
	})
	return records, nil
}

func (o *Orchestrator) fetchPage(ctx context.Context, req RunRequest, n int) (*Page, error) {
	var page *Page
	err := o.cfg.Retry.do(ctx, func() error {
		var err error
		page, err = req.Source.FetchPage(ctx, req.Since, req.Until, n, o.cfg.PageSize)
		return err
	})
	return page, err
}

// reconcile runs dedup, matching, grouping, and persistence over the merged
// record set, then finalizes the run.
func (o *Orchestrator) reconcile(ctx context.Context, req RunRequest, run *domain.ImportRun, records []domain.ExternalRecord) (domain.ImportRunSummary, error) {
	fresh, err := o.dedupe(ctx, run, records)
	if err != nil {
		return domain.ImportRunSummary{}, err
	}
	if ctx.Err() != nil {
		return o.fail(run, "cancelled"), nil
	}

	unmatched, err := o.matchPass(ctx, req, run, fresh)
	if err != nil {
		return domain.ImportRunSummary{}, err
	}
	if ctx.Err() != nil {
		return o.fail(run, "cancelled"), nil
	}

	if err := o.groupAndCreate(ctx, req, run, unmatched); err != nil {
		return domain.ImportRunSummary{}, err
	}

	status := domain.RunSuccess
	if run.Counts.Failed > 0 {
		status = domain.RunPartial
	}
	run.Status = status
	if err := o.gw.FinalizeRun(ctx, run.RunID, status, run.Counts); err != nil {
		log.Printf("[import] WARNING: run %s finalize failed: %v", run.RunID, err)
	}
	if err := o.state.Set(ctx, cursorKey(run.Source, req.AccountID), req.Until.Format("2006-01-02"), 0); err != nil {
		log.Printf("[import] WARNING: run %s cursor update failed: %v", run.RunID, err)
	}

	log.Printf("[import] run %s %s: fetched=%d imported=%d matched=%d grouped=%d dup=%d failed=%d",
		run.RunID, status, run.Counts.Fetched, run.Counts.Imported,
		run.Counts.Matched, run.Counts.Grouped, run.Counts.SkippedDuplicate, run.Counts.Failed)

	return run.Summary(), nil
}

// dedupe drops records whose identity key is already recorded, either from a
// previous run or earlier in this one.
func (o *Orchestrator) dedupe(ctx context.Context, run *domain.ImportRun, records []domain.ExternalRecord) ([]domain.ExternalRecord, error) {
	inBatch := make(map[string]bool, len(records))
	var fresh []domain.ExternalRecord

	for _, rec := range records {
		key := dedup.RecordKey(rec)
		if inBatch[key] {
			run.Counts.SkippedDuplicate++
			continue
		}
		seen, err := o.gw.IsKeySeen(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("dedup lookup: %w", err)
		}
		if seen {
			run.Counts.SkippedDuplicate++
			continue
		}
		inBatch[key] = true
		fresh = append(fresh, rec)
	}
	return fresh, nil
}

// matchPass runs the greedy scoring matcher over the full record set against
// one candidate snapshot and persists accepted matches. It returns the
// records that found no match.
func (o *Orchestrator) matchPass(ctx context.Context, req RunRequest, run *domain.ImportRun, records []domain.ExternalRecord) ([]domain.ExternalRecord, error) {
	if len(records) == 0 {
		return nil, nil
	}

	from, to := dateSpan(records, o.cfg.Match.WindowDays)
	candidates, err := o.gw.FindCandidates(ctx, req.WalletID, from, to)
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}

	matcher := match.New(o.cfg.Match)
	var unmatched []domain.ExternalRecord
	for _, rec := range records {
		cand, ok := matcher.Match(rec, candidates)
		if !ok {
			unmatched = append(unmatched, rec)
			continue
		}
		if cand.Ambiguous {
			// Audit trail for tie-break decisions, even on success.
			log.Printf("[import] run %s: ambiguous match for %s: chose %s over %s (score=%.3f)",
				run.RunID, rec.ExternalID, cand.Transaction.ID, cand.RunnerUpID, cand.Score)
		}
		if err := o.gw.SaveMatch(ctx, cand.Transaction.ID, rec.ExternalID, dedup.RecordKey(rec), run.RunID); err != nil {
			if errors.Is(err, ledger.ErrUnavailable) {
				return nil, err
			}
			o.itemFailed(run, rec.ExternalID, fmt.Sprintf("persist match: %v", err))
			continue
		}
		run.Counts.Matched++
		run.Counts.Imported++
	}
	return unmatched, nil
}

// groupAndCreate links unmatched installments into plan groups and creates
// new transactions for everything else. Inconsistent groups are surfaced in
// the error log and left unimported for manual review.
func (o *Orchestrator) groupAndCreate(ctx context.Context, req RunRequest, run *domain.ImportRun, unmatched []domain.ExternalRecord) error {
	grouper := group.New(o.cfg.Group)
	groups := grouper.Group(unmatched)

	grouped := make(map[string]bool)
	for _, grp := range groups {
		for _, rec := range grp.Records {
			grouped[dedup.RecordKey(rec)] = true
		}

		if grp.Status == domain.GroupInconsistent {
			for _, rec := range grp.Records {
				o.itemFailed(run, rec.ExternalID, grp.Reason)
			}
			continue
		}

		memberKeys := make([]string, len(grp.Records))
		for i, rec := range grp.Records {
			memberKeys[i] = dedup.RecordKey(rec)
		}
		if err := o.gw.CreateGroup(ctx, grp, req.WalletID, memberKeys, run.RunID); err != nil {
			if errors.Is(err, ledger.ErrUnavailable) {
				return err
			}
			for _, rec := range grp.Records {
				o.itemFailed(run, rec.ExternalID, fmt.Sprintf("persist group: %v", err))
			}
			continue
		}
		run.Counts.Grouped += len(grp.Records)
		run.Counts.Imported += len(grp.Records)
	}

	for _, rec := range unmatched {
		if grouped[dedup.RecordKey(rec)] {
			continue
		}
		txn := newTransaction(rec, req.WalletID)
		if err := o.gw.CreateTransaction(ctx, txn, dedup.RecordKey(rec), run.RunID); err != nil {
			if errors.Is(err, ledger.ErrUnavailable) {
				return err
			}
			o.itemFailed(run, rec.ExternalID, fmt.Sprintf("persist transaction: %v", err))
			continue
		}
		run.Counts.Imported++

		// A plan singleton below the grouper's minimum still belongs to its
		// plan: a group formed by an earlier run picks it up here.
		if rec.PlanID != "" {
			gid := group.IDFor(rec.Source, rec.PlanID)
			if err := o.gw.LinkToGroup(ctx, []string{txn.ID}, gid); err != nil {
				log.Printf("[import] WARNING: run %s group link failed for plan %s: %v", run.RunID, rec.PlanID, err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) itemFailed(run *domain.ImportRun, externalID, reason string) {
	e := domain.RunError{ExternalID: externalID, Reason: reason, LoggedAt: time.Now().UTC()}
	run.Errors = append(run.Errors, e)
	run.Counts.Failed++
	if err := o.gw.AppendRunLog(context.Background(), run.RunID, e); err != nil {
		log.Printf("[import] WARNING: run %s log append failed: %v", run.RunID, err)
	}
}

// fail finalizes the run as FAILED with the given reason. Finalization uses a
// fresh context so a cancelled run is still closed out rather than left
// RUNNING.
func (o *Orchestrator) fail(run *domain.ImportRun, reason string) domain.ImportRunSummary {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e := domain.RunError{Reason: reason, LoggedAt: time.Now().UTC()}
	run.Errors = append(run.Errors, e)
	if err := o.gw.AppendRunLog(ctx, run.RunID, e); err != nil {
		log.Printf("[import] WARNING: run %s log append failed: %v", run.RunID, err)
	}
	run.Status = domain.RunFailed
	if err := o.gw.FinalizeRun(ctx, run.RunID, domain.RunFailed, run.Counts); err != nil {
		log.Printf("[import] WARNING: run %s finalize failed: %v", run.RunID, err)
	}
	log.Printf("[import] run %s FAILED: %s", run.RunID, reason)
	return run.Summary()
}

func newTransaction(rec domain.ExternalRecord, walletID string) domain.LedgerTransaction {
	desc := rec.CounterpartyName
	if desc == "" {
		desc = string(rec.Kind) + " " + rec.ExternalID
	}
	return domain.LedgerTransaction{
		ID:          domain.TransactionIDFor(rec),
		WalletID:    walletID,
		Amount:      rec.Amount,
		Date:        rec.ReferenceDate(),
		Description: desc,
		ExternalRef: rec.ExternalID,
	}
}

func dateSpan(records []domain.ExternalRecord, windowDays int) (time.Time, time.Time) {
	min, max := records[0].ReferenceDate(), records[0].ReferenceDate()
	for _, rec := range records[1:] {
		d := rec.ReferenceDate()
		if d.Before(min) {
			min = d
		}
		if d.After(max) {
			max = d
		}
	}
	window := time.Duration(windowDays) * 24 * time.Hour
	return min.Add(-window), max.Add(window)
}

func rawExternalID(raw map[string]any) string {
	for _, key := range []string{"external_id", "externalId", "id"} {
		if v, ok := raw[key]; ok && v != nil {
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}

func cursorKey(source, accountID string) string {
	return "cursor:" + source + ":" + accountID
}
