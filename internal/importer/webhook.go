package importer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/contaflux/reconciler/internal/dedup"
	"github.com/contaflux/reconciler/internal/domain"
	"github.com/contaflux/reconciler/internal/group"
	"github.com/contaflux/reconciler/internal/ledger"
	"github.com/contaflux/reconciler/internal/match"
	"github.com/contaflux/reconciler/internal/normalize"
)

// WebhookEvent is the platform's push payload.
type WebhookEvent struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// ProcessWebhook runs a single pushed record through the same
// normalize/dedup/match path as a batch import. The run id derives from the
// event's external id, so redelivered webhooks replay into the same run and
// change nothing.
func (o *Orchestrator) ProcessWebhook(ctx context.Context, source, walletID string, evt WebhookEvent) (domain.ImportRunSummary, error) {
	switch evt.Event {
	case "sale.created", "installment.created":
	default:
		return domain.ImportRunSummary{}, fmt.Errorf("unsupported event %q", evt.Event)
	}

	// The event name doubles as the kind hint for normalization.
	raw := make(map[string]any, len(evt.Data)+1)
	for k, v := range evt.Data {
		raw[k] = v
	}
	if _, ok := raw["event"]; !ok {
		raw["event"] = evt.Event
	}

	externalID := rawExternalID(raw)
	if externalID == "" {
		return domain.ImportRunSummary{}, fmt.Errorf("webhook payload has no external id")
	}

	runID := uuid.NewSHA1(uuid.NameSpaceOID, []byte("webhook:"+source+":"+externalID)).String()
	if prior, err := o.gw.GetRun(ctx, runID); err != nil {
		return domain.ImportRunSummary{}, fmt.Errorf("run lookup: %w", err)
	} else if prior != nil {
		log.Printf("[import] webhook replay for %s: returning run %s", externalID, runID)
		return prior.Summary(), nil
	}

	run := &domain.ImportRun{
		RunID:     runID,
		Source:    source,
		AccountID: source,
		StartedAt: time.Now().UTC(),
		Status:    domain.RunRunning,
	}
	if err := o.gw.CreateRun(ctx, run); err != nil {
		return domain.ImportRunSummary{}, fmt.Errorf("create run: %w", err)
	}
	run.Counts.Fetched = 1

	rec, err := normalize.Normalize(source, raw)
	if err == nil {
		err = rec.Validate()
	}
	if err != nil {
		o.itemFailed(run, externalID, err.Error())
		return o.finalizeWebhook(ctx, run), nil
	}

	key := dedup.RecordKey(rec)
	seen, err := o.gw.IsKeySeen(ctx, key)
	if err != nil {
		return o.fail(run, fmt.Sprintf("dedup lookup: %v", err)), nil
	}
	if seen {
		run.Counts.SkippedDuplicate++
		return o.finalizeWebhook(ctx, run), nil
	}

	refDate := rec.ReferenceDate()
	window := time.Duration(o.cfg.Match.WindowDays) * 24 * time.Hour
	candidates, err := o.gw.FindCandidates(ctx, walletID, refDate.Add(-window), refDate.Add(window))
	if err != nil {
		return o.fail(run, fmt.Sprintf("find candidates: %v", err)), nil
	}

	matcher := match.New(o.cfg.Match)
	if cand, ok := matcher.Match(rec, candidates); ok {
		if err := o.gw.SaveMatch(ctx, cand.Transaction.ID, rec.ExternalID, key, runID); err != nil {
			if errors.Is(err, ledger.ErrUnavailable) {
				return o.fail(run, err.Error()), nil
			}
			o.itemFailed(run, rec.ExternalID, fmt.Sprintf("persist match: %v", err))
			return o.finalizeWebhook(ctx, run), nil
		}
		run.Counts.Matched++
		run.Counts.Imported++
		return o.finalizeWebhook(ctx, run), nil
	}

	// A single record can never form a group on its own; it lands as a new
	// transaction and joins its plan's group when one already exists.
	txn := newTransaction(rec, walletID)
	if err := o.gw.CreateTransaction(ctx, txn, key, runID); err != nil {
		return o.fail(run, fmt.Sprintf("persist transaction: %v", err)), nil
	}
	run.Counts.Imported++

	if rec.PlanID != "" {
		gid := group.IDFor(rec.Source, rec.PlanID)
		if err := o.gw.LinkToGroup(ctx, []string{txn.ID}, gid); err != nil {
			log.Printf("[import] WARNING: run %s group link failed for plan %s: %v", runID, rec.PlanID, err)
		}
	}
	return o.finalizeWebhook(ctx, run), nil
}

func (o *Orchestrator) finalizeWebhook(ctx context.Context, run *domain.ImportRun) domain.ImportRunSummary {
	status := domain.RunSuccess
	if run.Counts.Failed > 0 {
		status = domain.RunPartial
	}
	run.Status = status
	if err := o.gw.FinalizeRun(ctx, run.RunID, status, run.Counts); err != nil {
		log.Printf("[import] WARNING: run %s finalize failed: %v", run.RunID, err)
	}
	return run.Summary()
}
