package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerTransaction is a persisted financial movement in the internal system
// of record. The amount sign encodes direction: positive for money in,
// negative for money out.
type LedgerTransaction struct {
	ID          string          `json:"id"`
	WalletID    string          `json:"wallet_id"`
	Amount      decimal.Decimal `json:"amount"`
	Date        time.Time       `json:"date"`
	Description string          `json:"description"`
	ExternalRef string          `json:"external_ref,omitempty"`
	GroupID     string          `json:"group_id,omitempty"`
}

// Linked reports whether the transaction is already claimed by an external
// record or installment group.
func (t LedgerTransaction) Linked() bool {
	return t.ExternalRef != "" || t.GroupID != ""
}

// TransactionIDFor derives a stable transaction id for a record created from
// an external source. Re-importing the same record derives the same id, so a
// duplicate insert collapses into a no-op. The kind is part of the identity:
// a sale and a payment may legitimately share an external id.
func TransactionIDFor(rec ExternalRecord) string {
	return "txn-" + rec.Source + "-" + strings.ToLower(string(rec.Kind)) + "-" + rec.ExternalID
}
