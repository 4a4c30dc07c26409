// Package group detects installment-plan membership among unmatched external
// records and links them as installment groups.
package group

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/contaflux/reconciler/internal/domain"
)

// Config controls the plan-total consistency check. The tolerance is the
// larger of TolerancePercent of the declared total and MinUnit (smallest
// currency unit).
type Config struct {
	TolerancePercent decimal.Decimal
	MinUnit          decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		TolerancePercent: decimal.NewFromFloat(0.01),
		MinUnit:          decimal.NewFromFloat(0.01),
	}
}

type Grouper struct {
	cfg Config
}

func New(cfg Config) *Grouper {
	return &Grouper{cfg: cfg}
}

// Group clusters records sharing a non-empty plan id (two or more members)
// into installment groups, ordered by installment index, due date when the
// index is absent. Records without a plan id, or alone in their plan, are
// not grouped. Output order is deterministic (by plan id).
func (g *Grouper) Group(records []domain.ExternalRecord) []domain.InstallmentGroup {
	clusters := make(map[string][]domain.ExternalRecord)
	for _, rec := range records {
		if rec.PlanID == "" {
			continue
		}
		clusters[rec.PlanID] = append(clusters[rec.PlanID], rec)
	}

	planIDs := make([]string, 0, len(clusters))
	for id, members := range clusters {
		if len(members) >= 2 {
			planIDs = append(planIDs, id)
		}
	}
	sort.Strings(planIDs)

	groups := make([]domain.InstallmentGroup, 0, len(planIDs))
	for _, planID := range planIDs {
		groups = append(groups, g.build(planID, clusters[planID]))
	}
	return groups
}

func (g *Grouper) build(planID string, members []domain.ExternalRecord) domain.InstallmentGroup {
	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if a.InstallmentIndex != b.InstallmentIndex {
			// Indexless records (0) sort after indexed ones.
			if a.InstallmentIndex == 0 {
				return false
			}
			if b.InstallmentIndex == 0 {
				return true
			}
			return a.InstallmentIndex < b.InstallmentIndex
		}
		return a.ReferenceDate().Before(b.ReferenceDate())
	})

	grp := domain.InstallmentGroup{
		GroupID: IDFor(members[0].Source, planID),
		PlanID:  planID,
		Source:  members[0].Source,
		Records: members,
	}

	total := decimal.Zero
	declaredCount := 0
	planTotal := decimal.Zero
	seen := make(map[int]bool)
	for _, rec := range members {
		total = total.Add(rec.Amount)
		if rec.InstallmentCount > declaredCount {
			declaredCount = rec.InstallmentCount
		}
		if planTotal.IsZero() && !rec.PlanTotal.IsZero() {
			planTotal = rec.PlanTotal
		}
		if rec.InstallmentIndex > 0 {
			if seen[rec.InstallmentIndex] {
				grp.Status = domain.GroupInconsistent
				grp.Reason = fmt.Sprintf("duplicate installment index %d in plan %s", rec.InstallmentIndex, planID)
			}
			seen[rec.InstallmentIndex] = true
		}
	}
	grp.TotalAmount = total
	grp.DeclaredCount = declaredCount
	grp.PlanTotal = planTotal
	if grp.Status == domain.GroupInconsistent {
		return grp
	}

	grp.Status, grp.Reason = Classify(g.cfg, planID, len(members), declaredCount, total, planTotal)
	return grp
}

// Classify derives a group's status from its membership. It is shared with
// the persistence layer, which re-evaluates a stored group as members arrive
// across runs: a plan imported half per run still reaches COMPLETE.
func Classify(cfg Config, planID string, memberCount, declaredCount int, total, planTotal decimal.Decimal) (domain.GroupStatus, string) {
	switch {
	case declaredCount > 0 && memberCount > declaredCount:
		return domain.GroupInconsistent,
			fmt.Sprintf("plan %s has %d installments, %d declared", planID, memberCount, declaredCount)
	case declaredCount > 0 && memberCount == declaredCount:
		if planTotal.IsZero() || withinTolerance(cfg, total, planTotal) {
			return domain.GroupComplete, ""
		}
		return domain.GroupInconsistent,
			fmt.Sprintf("plan %s total %s outside tolerance of declared %s", planID, total, planTotal)
	case declaredCount == 0 && !planTotal.IsZero() && withinTolerance(cfg, total, planTotal):
		// No declared count, but the members already add up to the plan total.
		return domain.GroupComplete, ""
	default:
		return domain.GroupOpen, ""
	}
}

func withinTolerance(cfg Config, total, planTotal decimal.Decimal) bool {
	tolerance := planTotal.Abs().Mul(cfg.TolerancePercent)
	if tolerance.LessThan(cfg.MinUnit) {
		tolerance = cfg.MinUnit
	}
	return total.Sub(planTotal).Abs().LessThanOrEqual(tolerance)
}

// IDFor is the deterministic group id per (source, plan): regrouping the same
// plan on a re-run yields the same id.
func IDFor(source, planID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("group:"+source+":"+planID)).String()
}
