// Package ledger defines the contract against the persistent ledger.
// The import engine only ever touches transactions, dedup keys, and run
// history through this gateway.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/contaflux/reconciler/internal/domain"
)

// ErrUnavailable marks a systemic store failure (connection loss, corrupt
// database). Callers abort the run instead of continuing with partial writes.
var ErrUnavailable = errors.New("ledger store unavailable")

// Gateway is the persistence contract of the import engine. Every write that
// represents one record's outcome commits atomically with its dedup-key
// write, so a crash can never leave a key marked seen without its outcome or
// the reverse.
type Gateway interface {
	// FindCandidates returns transactions for the wallet whose date falls in
	// [from, to], ordered by id. An empty walletID searches all wallets.
	FindCandidates(ctx context.Context, walletID string, from, to time.Time) ([]domain.LedgerTransaction, error)

	// CreateTransaction inserts a new transaction and marks its dedup key
	// seen, atomically.
	CreateTransaction(ctx context.Context, txn domain.LedgerTransaction, dedupKey, runID string) error

	// SaveMatch links an existing transaction to an external record and marks
	// the record's dedup key seen, atomically.
	SaveMatch(ctx context.Context, txnID, externalRef, dedupKey, runID string) error

	// CreateGroup persists an installment group, creates one transaction per
	// member, links them to the group, and marks every member's dedup key
	// seen, all in one unit.
	CreateGroup(ctx context.Context, grp domain.InstallmentGroup, walletID string, keys []string, runID string) error

	// LinkToGroup attaches already-persisted transactions to an existing
	// group and refreshes the group's member count and total. A missing
	// group is a no-op: the next batch grouping of the plan picks the
	// transactions up instead.
	LinkToGroup(ctx context.Context, txnIDs []string, groupID string) error

	IsKeySeen(ctx context.Context, key string) (bool, error)

	// MarkKeySeen records a dedup key outside the atomic per-item writes.
	// The import pipeline never calls it on its own; it backs operator
	// suppression of a known-bad external record.
	MarkKeySeen(ctx context.Context, key, runID string) error

	CreateRun(ctx context.Context, run *domain.ImportRun) error
	AppendRunLog(ctx context.Context, runID string, e domain.RunError) error
	FinalizeRun(ctx context.Context, runID string, status domain.RunStatus, counts domain.RunCounts) error
	GetRun(ctx context.Context, runID string) (*domain.ImportRun, error)
}

// StateStore is a small injected key-value store for operational state
// (import kill-switch, per-account sync cursors). Explicit and persisted, so
// state survives restarts and is never implicitly shared between tests.
type StateStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}
