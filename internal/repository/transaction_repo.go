package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/contaflux/reconciler/internal/domain"
)

// TransactionRepo is the read/query surface over ledger transactions used by
// the API layer. Writes go through the Gateway.
type TransactionRepo struct {
	db *sql.DB
}

func NewTransactionRepo(db *sql.DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

func (r *TransactionRepo) Count() (int, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM ledger_transactions").Scan(&count)
	return count, err
}

func (r *TransactionRepo) GetByID(id string) (*domain.LedgerTransaction, error) {
	row := r.db.QueryRow(
		`SELECT id, wallet_id, amount, date, description, external_ref, group_id
		FROM ledger_transactions WHERE id = ?`, id)
	return scanTransaction(row)
}

type TransactionFilter struct {
	WalletID string
	GroupID  string
	Linked   *bool
	From     *time.Time
	To       *time.Time
	Page     int
	Limit    int
}

func (r *TransactionRepo) List(f TransactionFilter) ([]domain.LedgerTransaction, int, error) {
	where, args := buildTransactionWhere(f)

	var total int
	countSQL := "SELECT COUNT(*) FROM ledger_transactions" + where
	if err := r.db.QueryRow(countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	querySQL := `SELECT id, wallet_id, amount, date, description, external_ref, group_id
		FROM ledger_transactions` + where + " ORDER BY date DESC, id LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	rows, err := r.db.Query(querySQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var txns []domain.LedgerTransaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		txns = append(txns, *txn)
	}
	return txns, total, rows.Err()
}

func buildTransactionWhere(f TransactionFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.WalletID != "" {
		clauses = append(clauses, "wallet_id = ?")
		args = append(args, f.WalletID)
	}
	if f.GroupID != "" {
		clauses = append(clauses, "group_id = ?")
		args = append(args, f.GroupID)
	}
	if f.Linked != nil {
		if *f.Linked {
			clauses = append(clauses, "(external_ref IS NOT NULL OR group_id IS NOT NULL)")
		} else {
			clauses = append(clauses, "external_ref IS NULL AND group_id IS NULL")
		}
	}
	if f.From != nil {
		clauses = append(clauses, "date >= ?")
		args = append(args, f.From.Format(time.RFC3339))
	}
	if f.To != nil {
		clauses = append(clauses, "date <= ?")
		args = append(args, f.To.Format(time.RFC3339))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
