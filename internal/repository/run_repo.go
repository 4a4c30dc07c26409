package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/contaflux/reconciler/internal/domain"
)

// RunRepo is the read surface over import runs and groups for the API layer.
type RunRepo struct {
	db *sql.DB
}

func NewRunRepo(db *sql.DB) *RunRepo {
	return &RunRepo{db: db}
}

func (r *RunRepo) ListRuns(limit int) ([]domain.ImportRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(
		`SELECT id, source, account_id, status, started_at, finished_at,
			fetched, imported, skipped_duplicate, matched, grouped, failed
		FROM import_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.ImportRun
	for rows.Next() {
		var run domain.ImportRun
		var status, startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&run.RunID, &run.Source, &run.AccountID, &status, &startedAt,
			&finishedAt, &run.Counts.Fetched, &run.Counts.Imported,
			&run.Counts.SkippedDuplicate, &run.Counts.Matched,
			&run.Counts.Grouped, &run.Counts.Failed); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Status = domain.RunStatus(status)
		run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if finishedAt.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAt.String)
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GroupRow is the stored view of an installment group (members live in
// ledger_transactions keyed by group_id).
type GroupRow struct {
	ID          string             `json:"id"`
	PlanID      string             `json:"plan_id"`
	Source      string             `json:"source"`
	Status      domain.GroupStatus `json:"status"`
	TotalAmount decimal.Decimal    `json:"total_amount"`
	MemberCount int                `json:"member_count"`
	Reason      string             `json:"reason,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

func (r *RunRepo) ListGroups(status string, limit int) ([]GroupRow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, plan_id, source, status, total_amount, member_count, reason, created_at
		FROM installment_groups`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var groups []GroupRow
	for rows.Next() {
		var g GroupRow
		var st, amount, createdAt string
		var reason sql.NullString
		if err := rows.Scan(&g.ID, &g.PlanID, &g.Source, &st, &amount,
			&g.MemberCount, &reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		g.Status = domain.GroupStatus(st)
		g.TotalAmount, _ = decimal.NewFromString(amount)
		g.Reason = reason.String
		g.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// DashboardStats aggregates ledger and run counters for the dashboard view.
type DashboardStats struct {
	Transactions int             `json:"transactions"`
	Linked       int             `json:"linked"`
	Unlinked     int             `json:"unlinked"`
	TotalVolume  decimal.Decimal `json:"total_volume"`
	Groups       map[string]int  `json:"groups"`
	Runs         map[string]int  `json:"runs"`
}

func (r *RunRepo) GetDashboardStats() (*DashboardStats, error) {
	s := &DashboardStats{Groups: map[string]int{}, Runs: map[string]int{}}

	err := r.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN external_ref IS NOT NULL OR group_id IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN external_ref IS NULL AND group_id IS NULL THEN 1 ELSE 0 END), 0)
		FROM ledger_transactions
	`).Scan(&s.Transactions, &s.Linked, &s.Unlinked)
	if err != nil {
		return nil, fmt.Errorf("transaction stats: %w", err)
	}

	// Amounts are stored as TEXT; summing them in SQLite would go through
	// floats, so the volume is accumulated as decimals here instead.
	amountRows, err := r.db.Query("SELECT amount FROM ledger_transactions")
	if err != nil {
		return nil, fmt.Errorf("transaction volume: %w", err)
	}
	defer amountRows.Close()
	for amountRows.Next() {
		var raw string
		if err := amountRows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan amount: %w", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("amount %q: %w", raw, err)
		}
		s.TotalVolume = s.TotalVolume.Add(amount)
	}
	if err := amountRows.Err(); err != nil {
		return nil, err
	}

	rows, err := r.db.Query("SELECT status, COUNT(*) FROM installment_groups GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("group stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		s.Groups[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runRows, err := r.db.Query("SELECT status, COUNT(*) FROM import_runs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}
	defer runRows.Close()
	for runRows.Next() {
		var status string
		var count int
		if err := runRows.Scan(&status, &count); err != nil {
			return nil, err
		}
		s.Runs[status] = count
	}
	return s, runRows.Err()
}
