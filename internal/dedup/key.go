// Package dedup computes the stable identity key that guards against
// re-importing the same external record.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/contaflux/reconciler/internal/domain"
)

// Key returns the dedup key for an external record identity. It is a pure
// function of (source, externalID, kind): the same inputs always produce the
// same key, independent of anything else in the payload.
func Key(source, externalID string, kind domain.RecordKind) string {
	sum := sha256.Sum256([]byte(source + "|" + string(kind) + "|" + externalID))
	return hex.EncodeToString(sum[:])
}

// RecordKey is a convenience over Key for a normalized record.
func RecordKey(rec domain.ExternalRecord) string {
	return Key(rec.Source, rec.ExternalID, rec.Kind)
}
