package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/contaflux/reconciler/internal/dedup"
	"github.com/contaflux/reconciler/internal/domain"
	"github.com/contaflux/reconciler/internal/importer"
	"github.com/contaflux/reconciler/internal/ledger"
	"github.com/contaflux/reconciler/internal/repository"
)

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	txnRepo *repository.TransactionRepo
	runRepo *repository.RunRepo
	gw      ledger.Gateway
	orch    *importer.Orchestrator
	source  importer.Source
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return nil
		}
	}
	return &t
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

// --- TriggerImport ---

type triggerImportRequest struct {
	AccountID string `json:"account_id"`
	WalletID  string `json:"wallet_id"`
	Since     string `json:"since"`
	Until     string `json:"until"`
}

func (h *Handlers) TriggerImport(w http.ResponseWriter, r *http.Request) {
	var body triggerImportRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.AccountID == "" || body.WalletID == "" {
		writeError(w, http.StatusBadRequest, "account_id and wallet_id are required")
		return
	}

	since := parseTime(body.Since)
	until := parseTime(body.Until)
	if since == nil || until == nil {
		writeError(w, http.StatusBadRequest, "since and until are required (YYYY-MM-DD)")
		return
	}

	summary, err := h.orch.Run(r.Context(), importer.RunRequest{
		Source:    h.source,
		AccountID: body.AccountID,
		WalletID:  body.WalletID,
		Since:     *since,
		Until:     *until,
	})
	if err != nil {
		switch {
		case errors.Is(err, importer.ErrRunActive):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, importer.ErrImportsDisabled):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// --- Webhook ---

func (h *Handlers) Webhook(w http.ResponseWriter, r *http.Request) {
	var evt importer.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook payload: "+err.Error())
		return
	}

	walletID := r.URL.Query().Get("wallet_id")
	summary, err := h.orch.ProcessWebhook(r.Context(), h.source.Name(), walletID, evt)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// --- ListImports ---

func (h *Handlers) ListImports(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	runs, err := h.runRepo.ListRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"limit": limit,
	})
}

// --- GetImport ---

func (h *Handlers) GetImport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	run, err := h.orch.GetRunSummary(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// --- ListTransactions ---

func (h *Handlers) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.TransactionFilter{
		WalletID: q.Get("wallet_id"),
		GroupID:  q.Get("group_id"),
		From:     parseTime(q.Get("from")),
		To:       parseTime(q.Get("to")),
		Page:     parseIntDefault(q.Get("page"), 1),
		Limit:    parseIntDefault(q.Get("limit"), 50),
	}
	if linked := q.Get("linked"); linked != "" {
		v := linked == "true"
		filter.Linked = &v
	}

	txns, total, err := h.txnRepo.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txns,
		"total":        total,
		"page":         filter.Page,
		"limit":        filter.Limit,
	})
}

// --- ListGroups ---

func (h *Handlers) ListGroups(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntDefault(q.Get("limit"), 50)

	groups, err := h.runRepo.ListGroups(q.Get("status"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"groups": groups,
		"limit":  limit,
	})
}

// --- SuppressRecord ---

type suppressRequest struct {
	Source     string `json:"source"`
	ExternalID string `json:"external_id"`
	Kind       string `json:"kind"`
}

// SuppressRecord marks an external record's dedup key as seen so future
// imports skip it. Used to silence a known-bad record that keeps failing.
func (h *Handlers) SuppressRecord(w http.ResponseWriter, r *http.Request) {
	var body suppressRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Source == "" || body.ExternalID == "" || body.Kind == "" {
		writeError(w, http.StatusBadRequest, "source, external_id and kind are required")
		return
	}

	key := dedup.Key(body.Source, body.ExternalID, domain.RecordKind(body.Kind))
	if err := h.gw.MarkKeySeen(r.Context(), key, "manual-suppression"); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Printf("[api] suppressed external record %s/%s (%s)", body.Source, body.ExternalID, body.Kind)
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

// --- GetDashboard ---

func (h *Handlers) GetDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := h.runRepo.GetDashboardStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
