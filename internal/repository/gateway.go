package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/contaflux/reconciler/internal/domain"
	"github.com/contaflux/reconciler/internal/group"
	"github.com/contaflux/reconciler/internal/ledger"
)

// Gateway is the SQLite implementation of ledger.Gateway. Every per-item
// write runs in one database transaction so the item's outcome and its dedup
// key commit or roll back together.
type Gateway struct {
	db       *sql.DB
	grouping group.Config
}

var _ ledger.Gateway = (*Gateway)(nil)

// NewGateway wraps db. The grouping config drives status reclassification of
// stored groups as members accumulate across runs.
func NewGateway(db *sql.DB, grouping group.Config) *Gateway {
	return &Gateway{db: db, grouping: grouping}
}

func (g *Gateway) FindCandidates(ctx context.Context, walletID string, from, to time.Time) ([]domain.LedgerTransaction, error) {
	query := `SELECT id, wallet_id, amount, date, description, external_ref, group_id
		FROM ledger_transactions WHERE date >= ? AND date <= ?`
	args := []any{from.Format(time.RFC3339), to.Format(time.RFC3339)}
	if walletID != "" {
		query += " AND wallet_id = ?"
		args = append(args, walletID)
	}
	query += " ORDER BY id"

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, g.storeErr("find candidates", err)
	}
	defer rows.Close()

	var txns []domain.LedgerTransaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		txns = append(txns, *txn)
	}
	return txns, rows.Err()
}

func (g *Gateway) CreateTransaction(ctx context.Context, txn domain.LedgerTransaction, dedupKey, runID string) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return g.storeErr("begin", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO ledger_transactions
		(id, wallet_id, amount, date, description, external_ref, group_id)
		VALUES (?,?,?,?,?,?,?)`,
		txn.ID, txn.WalletID, txn.Amount.String(), txn.Date.Format(time.RFC3339),
		txn.Description, nullable(txn.ExternalRef), nullable(txn.GroupID),
	)
	if err != nil {
		return g.storeErr("insert transaction", err)
	}
	if err := markKeySeenTx(ctx, tx, dedupKey, runID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return g.storeErr("commit", err)
	}
	return nil
}

func (g *Gateway) SaveMatch(ctx context.Context, txnID, externalRef, dedupKey, runID string) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return g.storeErr("begin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE ledger_transactions SET external_ref = ? WHERE id = ? AND external_ref IS NULL",
		externalRef, txnID,
	)
	if err != nil {
		return g.storeErr("link transaction", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transaction %s already claimed", txnID)
	}
	if err := markKeySeenTx(ctx, tx, dedupKey, runID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return g.storeErr("commit", err)
	}
	return nil
}

func (g *Gateway) CreateGroup(ctx context.Context, grp domain.InstallmentGroup, walletID string, keys []string, runID string) error {
	if len(keys) != len(grp.Records) {
		return fmt.Errorf("group %s: %d keys for %d records", grp.GroupID, len(keys), len(grp.Records))
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return g.storeErr("begin", err)
	}
	defer tx.Rollback()

	var planTotal any
	if !grp.PlanTotal.IsZero() {
		planTotal = grp.PlanTotal.String()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO installment_groups
		(id, plan_id, source, status, total_amount, member_count, declared_count, plan_total, reason, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		grp.GroupID, grp.PlanID, grp.Source, string(grp.Status), grp.TotalAmount.String(),
		len(grp.Records), grp.DeclaredCount, planTotal, nullable(grp.Reason),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return g.storeErr("insert group", err)
	}

	// A later run may be the one that learns the plan's declared shape.
	_, err = tx.ExecContext(ctx,
		`UPDATE installment_groups SET
			declared_count = MAX(declared_count, ?),
			plan_total = COALESCE(plan_total, ?)
		WHERE id = ?`,
		grp.DeclaredCount, planTotal, grp.GroupID,
	)
	if err != nil {
		return g.storeErr("update group plan facts", err)
	}

	for i, rec := range grp.Records {
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO ledger_transactions
			(id, wallet_id, amount, date, description, external_ref, group_id)
			VALUES (?,?,?,?,?,?,?)`,
			domain.TransactionIDFor(rec), walletID, rec.Amount.String(),
			rec.ReferenceDate().Format(time.RFC3339),
			groupMemberDescription(grp, rec), rec.ExternalID, grp.GroupID,
		)
		if err != nil {
			return g.storeErr("insert group member", err)
		}
		if err := markKeySeenTx(ctx, tx, keys[i], runID); err != nil {
			return err
		}
	}

	if err := g.refreshGroup(ctx, tx, grp.GroupID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return g.storeErr("commit", err)
	}
	return nil
}

func (g *Gateway) LinkToGroup(ctx context.Context, txnIDs []string, groupID string) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return g.storeErr("begin", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM installment_groups WHERE id = ?", groupID,
	).Scan(&exists)
	if err != nil {
		return g.storeErr("group lookup", err)
	}
	if exists == 0 {
		return nil
	}

	for _, id := range txnIDs {
		if _, err := tx.ExecContext(ctx,
			"UPDATE ledger_transactions SET group_id = ? WHERE id = ? AND group_id IS NULL",
			groupID, id,
		); err != nil {
			return g.storeErr("link to group", err)
		}
	}
	if err := g.refreshGroup(ctx, tx, groupID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return g.storeErr("commit", err)
	}
	return nil
}

// refreshGroup recomputes a group's member count and total from the stored
// rows and re-derives its status. An OPEN plan accumulates members across
// runs, so the plan that reaches full membership on a later run must flip to
// COMPLETE here, not in the grouper that only saw the new members. Amounts
// are summed as decimals in Go; SQLite arithmetic on TEXT amounts would go
// through floats and corrupt large totals.
func (g *Gateway) refreshGroup(ctx context.Context, tx *sql.Tx, groupID string) error {
	var planID string
	var declared int
	var planTotalRaw sql.NullString
	err := tx.QueryRowContext(ctx,
		"SELECT plan_id, declared_count, plan_total FROM installment_groups WHERE id = ?",
		groupID,
	).Scan(&planID, &declared, &planTotalRaw)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("refresh group: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT amount FROM ledger_transactions WHERE group_id = ?", groupID,
	)
	if err != nil {
		return fmt.Errorf("refresh group members: %w", err)
	}
	defer rows.Close()

	var count int
	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scan member amount: %w", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("member amount %q: %w", raw, err)
		}
		total = total.Add(amount)
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("refresh group members: %w", err)
	}

	planTotal := decimal.Zero
	if planTotalRaw.Valid {
		planTotal, err = decimal.NewFromString(planTotalRaw.String)
		if err != nil {
			return fmt.Errorf("plan total %q: %w", planTotalRaw.String, err)
		}
	}

	status, reason := group.Classify(g.grouping, planID, count, declared, total, planTotal)
	_, err = tx.ExecContext(ctx,
		`UPDATE installment_groups SET
			total_amount = ?, member_count = ?, status = ?, reason = ?
		WHERE id = ?`,
		total.String(), count, string(status), nullable(reason), groupID,
	)
	if err != nil {
		return fmt.Errorf("refresh group: %w", err)
	}
	return nil
}

func (g *Gateway) IsKeySeen(ctx context.Context, key string) (bool, error) {
	var count int
	err := g.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM import_keys WHERE key = ?", key,
	).Scan(&count)
	if err != nil {
		return false, g.storeErr("key lookup", err)
	}
	return count > 0, nil
}

func (g *Gateway) MarkKeySeen(ctx context.Context, key, runID string) error {
	_, err := g.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO import_keys (key, run_id, seen_at) VALUES (?,?,?)",
		key, runID, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return g.storeErr("mark key", err)
	}
	return nil
}

func markKeySeenTx(ctx context.Context, tx *sql.Tx, key, runID string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO import_keys (key, run_id, seen_at) VALUES (?,?,?)",
		key, runID, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("mark key: %w", err)
	}
	return nil
}

func (g *Gateway) CreateRun(ctx context.Context, run *domain.ImportRun) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO import_runs (id, source, account_id, status, started_at)
		VALUES (?,?,?,?,?)`,
		run.RunID, run.Source, run.AccountID, string(run.Status),
		run.StartedAt.Format(time.RFC3339),
	)
	if err != nil {
		return g.storeErr("create run", err)
	}
	return nil
}

func (g *Gateway) AppendRunLog(ctx context.Context, runID string, e domain.RunError) error {
	loggedAt := e.LoggedAt
	if loggedAt.IsZero() {
		loggedAt = time.Now().UTC()
	}
	_, err := g.db.ExecContext(ctx,
		"INSERT INTO run_errors (run_id, external_id, reason, logged_at) VALUES (?,?,?,?)",
		runID, nullable(e.ExternalID), e.Reason, loggedAt.Format(time.RFC3339),
	)
	if err != nil {
		return g.storeErr("append run log", err)
	}
	return nil
}

func (g *Gateway) FinalizeRun(ctx context.Context, runID string, status domain.RunStatus, counts domain.RunCounts) error {
	res, err := g.db.ExecContext(ctx,
		`UPDATE import_runs SET status = ?, finished_at = ?,
			fetched = ?, imported = ?, skipped_duplicate = ?, matched = ?, grouped = ?, failed = ?
		WHERE id = ? AND status = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339),
		counts.Fetched, counts.Imported, counts.SkippedDuplicate,
		counts.Matched, counts.Grouped, counts.Failed,
		runID, string(domain.RunRunning),
	)
	if err != nil {
		return g.storeErr("finalize run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s is not running", runID)
	}
	return nil
}

func (g *Gateway) GetRun(ctx context.Context, runID string) (*domain.ImportRun, error) {
	run := &domain.ImportRun{}
	var status, startedAt string
	var finishedAt sql.NullString
	err := g.db.QueryRowContext(ctx,
		`SELECT id, source, account_id, status, started_at, finished_at,
			fetched, imported, skipped_duplicate, matched, grouped, failed
		FROM import_runs WHERE id = ?`, runID,
	).Scan(&run.RunID, &run.Source, &run.AccountID, &status, &startedAt, &finishedAt,
		&run.Counts.Fetched, &run.Counts.Imported, &run.Counts.SkippedDuplicate,
		&run.Counts.Matched, &run.Counts.Grouped, &run.Counts.Failed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, g.storeErr("get run", err)
	}
	run.Status = domain.RunStatus(status)
	run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAt.String)
		run.FinishedAt = &t
	}

	rows, err := g.db.QueryContext(ctx,
		"SELECT external_id, reason, logged_at FROM run_errors WHERE run_id = ? ORDER BY id", runID,
	)
	if err != nil {
		return nil, g.storeErr("get run errors", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e domain.RunError
		var extID sql.NullString
		var loggedAt string
		if err := rows.Scan(&extID, &e.Reason, &loggedAt); err != nil {
			return nil, fmt.Errorf("scan run error: %w", err)
		}
		e.ExternalID = extID.String
		e.LoggedAt, _ = time.Parse(time.RFC3339, loggedAt)
		run.Errors = append(run.Errors, e)
	}
	return run, rows.Err()
}

// storeErr wraps a write failure, escalating to ErrUnavailable when the
// database itself is gone rather than the statement being bad.
func (g *Gateway) storeErr(op string, err error) error {
	if pingErr := g.db.Ping(); pingErr != nil {
		return fmt.Errorf("%s: %v: %w", op, err, ledger.ErrUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// --- helpers shared with the query repos ---

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func groupMemberDescription(grp domain.InstallmentGroup, rec domain.ExternalRecord) string {
	desc := rec.CounterpartyName
	if desc == "" {
		desc = "plan " + grp.PlanID
	}
	if rec.InstallmentIndex > 0 && rec.InstallmentCount > 0 {
		return fmt.Sprintf("%s (%d/%d)", desc, rec.InstallmentIndex, rec.InstallmentCount)
	}
	return desc
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.LedgerTransaction, error) {
	var txn domain.LedgerTransaction
	var amount, date string
	var externalRef, groupID sql.NullString

	if err := row.Scan(&txn.ID, &txn.WalletID, &amount, &date,
		&txn.Description, &externalRef, &groupID); err != nil {
		return nil, err
	}

	var err error
	txn.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", amount, err)
	}
	txn.Date, _ = time.Parse(time.RFC3339, date)
	txn.ExternalRef = externalRef.String
	txn.GroupID = groupID.String
	return &txn, nil
}
