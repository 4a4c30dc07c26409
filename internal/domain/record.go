package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type RecordKind string

const (
	KindSale        RecordKind = "SALE"
	KindPayment     RecordKind = "PAYMENT"
	KindInstallment RecordKind = "INSTALLMENT"
)

// ExternalRecord is the canonical shape of a sale, payment or installment
// entry after normalization, regardless of how the source spelled it.
type ExternalRecord struct {
	ExternalID       string          `json:"external_id"`
	Source           string          `json:"source"`
	Kind             RecordKind      `json:"kind"`
	Amount           decimal.Decimal `json:"amount"`
	DueDate          time.Time       `json:"due_date,omitempty"`
	OccurredDate     time.Time       `json:"occurred_date,omitempty"`
	CounterpartyName string          `json:"counterparty_name,omitempty"`
	PlanID           string          `json:"plan_id,omitempty"`
	InstallmentIndex int             `json:"installment_index,omitempty"`
	InstallmentCount int             `json:"installment_count,omitempty"`
	PlanTotal        decimal.Decimal `json:"plan_total,omitempty"`
	Quantity         int             `json:"quantity,omitempty"`

	// RawShapeHints lists the original field names the normalizer consumed.
	// Diagnostics only; never used for matching.
	RawShapeHints []string `json:"raw_shape_hints,omitempty"`
}

// ReferenceDate returns the date used for candidate windowing: the due date
// when present, otherwise the occurrence date.
func (r ExternalRecord) ReferenceDate() time.Time {
	if !r.DueDate.IsZero() {
		return r.DueDate
	}
	return r.OccurredDate
}

// Validate enforces the canonical-record invariants.
func (r ExternalRecord) Validate() error {
	if r.ExternalID == "" {
		return fmt.Errorf("external record missing external id")
	}
	if r.Amount.IsNegative() {
		return fmt.Errorf("external record %s: negative amount %s", r.ExternalID, r.Amount)
	}
	if r.InstallmentIndex > 0 && r.InstallmentCount > 0 && r.InstallmentIndex > r.InstallmentCount {
		return fmt.Errorf("external record %s: installment index %d exceeds count %d",
			r.ExternalID, r.InstallmentIndex, r.InstallmentCount)
	}
	if r.ReferenceDate().IsZero() {
		return fmt.Errorf("external record %s: no due or occurrence date", r.ExternalID)
	}
	return nil
}
