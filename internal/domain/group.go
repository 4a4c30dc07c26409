package domain

import "github.com/shopspring/decimal"

type GroupStatus string

const (
	GroupOpen         GroupStatus = "OPEN"
	GroupComplete     GroupStatus = "COMPLETE"
	GroupInconsistent GroupStatus = "INCONSISTENT"
)

// InstallmentGroup links unmatched external records that belong to the same
// payment plan. Members are kept ordered by installment index (due date when
// the index is absent).
type InstallmentGroup struct {
	GroupID     string           `json:"group_id"`
	PlanID      string           `json:"plan_id"`
	Source      string           `json:"source"`
	Records     []ExternalRecord `json:"records"`
	TotalAmount decimal.Decimal  `json:"total_amount"`
	Status      GroupStatus      `json:"status"`

	// DeclaredCount and PlanTotal carry what the plan's records declare
	// about the whole plan, so a partially imported plan can be
	// reclassified later as more members arrive.
	DeclaredCount int             `json:"declared_count,omitempty"`
	PlanTotal     decimal.Decimal `json:"plan_total,omitempty"`

	// Reason explains an INCONSISTENT classification for manual review.
	Reason string `json:"reason,omitempty"`
}
