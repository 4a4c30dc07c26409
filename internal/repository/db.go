package repository

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// InitDB opens (or creates) a SQLite database at the given path and ensures
// all required tables exist. Pass ":memory:" for an in-memory database.
func InitDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ledger_transactions (
			id TEXT PRIMARY KEY,
			wallet_id TEXT NOT NULL,
			amount TEXT NOT NULL,
			date DATETIME NOT NULL,
			description TEXT NOT NULL,
			external_ref TEXT,
			group_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_transactions_wallet ON ledger_transactions(wallet_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_transactions_date ON ledger_transactions(date)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_transactions_external_ref
			ON ledger_transactions(external_ref) WHERE external_ref IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_transactions_group ON ledger_transactions(group_id)`,

		`CREATE TABLE IF NOT EXISTS installment_groups (
			id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL,
			source TEXT NOT NULL,
			status TEXT NOT NULL,
			total_amount TEXT NOT NULL,
			member_count INTEGER NOT NULL,
			declared_count INTEGER NOT NULL DEFAULT 0,
			plan_total TEXT,
			reason TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_installment_groups_plan ON installment_groups(plan_id)`,

		`CREATE TABLE IF NOT EXISTS import_keys (
			key TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			seen_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS import_runs (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			account_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			fetched INTEGER NOT NULL DEFAULT 0,
			imported INTEGER NOT NULL DEFAULT 0,
			skipped_duplicate INTEGER NOT NULL DEFAULT 0,
			matched INTEGER NOT NULL DEFAULT 0,
			grouped INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_import_runs_account ON import_runs(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_import_runs_status ON import_runs(status)`,

		`CREATE TABLE IF NOT EXISTS run_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			external_id TEXT,
			reason TEXT NOT NULL,
			logged_at DATETIME NOT NULL,
			FOREIGN KEY (run_id) REFERENCES import_runs(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_errors_run ON run_errors(run_id)`,

		`CREATE TABLE IF NOT EXISTS state_kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at DATETIME
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:60], err)
		}
	}

	return nil
}
