package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/contaflux/reconciler/internal/ledger"
)

// StateStore is the SQLite-backed operational key-value store. It replaces
// process-wide flags and ad-hoc TTL maps: state survives restarts and is
// explicit in every caller's constructor.
type StateStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ ledger.StateStore = (*StateStore)(nil)

func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db, now: time.Now}
}

// Get returns the value for key, reporting false for missing or expired keys.
// Expired rows are reaped lazily on read.
func (s *StateStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expiresAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM state_kv WHERE key = ?", key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("state get: %w", err)
	}
	if expiresAt.Valid {
		exp, _ := time.Parse(time.RFC3339, expiresAt.String)
		if !exp.After(s.now()) {
			_, _ = s.db.ExecContext(ctx, "DELETE FROM state_kv WHERE key = ?", key)
			return "", false, nil
		}
	}
	return value, true, nil
}

// Set stores key=value. A zero ttl means no expiry.
func (s *StateStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt any
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_kv (key, value, expires_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("state set: %w", err)
	}
	return nil
}

// Expire resets the ttl of an existing key. A zero ttl removes the expiry.
func (s *StateStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	var expiresAt any
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE state_kv SET expires_at = ? WHERE key = ?", expiresAt, key,
	)
	if err != nil {
		return fmt.Errorf("state expire: %w", err)
	}
	return nil
}
