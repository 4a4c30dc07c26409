// Package match scores external records against ledger transactions and
// picks the best candidate above a threshold, deterministically.
package match

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/contaflux/reconciler/internal/domain"
)

// Config holds the matching weights and thresholds.
type Config struct {
	WindowDays      int
	Threshold       float64
	AmountWeight    float64
	DateWeight      float64
	TokenWeight     float64
	AmbiguityMargin float64
}

// DefaultConfig returns the standard weighting: amount 0.45, date 0.30,
// token overlap 0.25, accepted at 0.70 within a ±15 day window.
func DefaultConfig() Config {
	return Config{
		WindowDays:      15,
		Threshold:       0.70,
		AmountWeight:    0.45,
		DateWeight:      0.30,
		TokenWeight:     0.25,
		AmbiguityMargin: 0.05,
	}
}

// Candidate pairs a record with its best-scoring transaction. Ephemeral:
// it exists only during a matching pass and is never persisted.
type Candidate struct {
	Record      domain.ExternalRecord
	Transaction domain.LedgerTransaction
	Score       float64
	AmountScore float64
	DateScore   float64
	TokenScore  float64
	DaysApart   int
	AmountDelta decimal.Decimal

	// Ambiguous is set when a runner-up scored within the ambiguity margin;
	// the tie-break resolved it, but the decision should be audited.
	Ambiguous  bool
	RunnerUpID string
}

// Matcher performs greedy single-pass assignment: once a transaction is
// claimed by a record it leaves the candidate pool for the rest of the run.
// Assignment is not a global optimum, no bipartite matching happens here.
// Changing this strategy changes reconciliation outcomes; update the tests
// with it.
type Matcher struct {
	cfg     Config
	claimed map[string]struct{}
}

func New(cfg Config) *Matcher {
	return &Matcher{cfg: cfg, claimed: make(map[string]struct{})}
}

// Match returns the best candidate above the threshold, or false when none
// clears it. Repeated calls with the same inputs return the same candidate.
func (m *Matcher) Match(rec domain.ExternalRecord, candidates []domain.LedgerTransaction) (*Candidate, bool) {
	refDate := rec.ReferenceDate()
	if refDate.IsZero() {
		return nil, false
	}

	var scored []Candidate
	for _, txn := range candidates {
		if _, taken := m.claimed[txn.ID]; taken {
			continue
		}
		if txn.Linked() {
			continue
		}
		days := daysApart(refDate, txn.Date)
		if days > m.cfg.WindowDays {
			continue
		}
		scored = append(scored, m.score(rec, txn, days))
	}

	var accepted []Candidate
	for _, c := range scored {
		if c.Score >= m.cfg.Threshold {
			accepted = append(accepted, c)
		}
	}
	if len(accepted) == 0 {
		return nil, false
	}

	// Tie-break: smaller date distance, then smaller amount delta, then
	// lexicographically smaller transaction id.
	sort.Slice(accepted, func(i, j int) bool {
		a, b := accepted[i], accepted[j]
		if a.DaysApart != b.DaysApart {
			return a.DaysApart < b.DaysApart
		}
		if cmp := a.AmountDelta.Cmp(b.AmountDelta); cmp != 0 {
			return cmp < 0
		}
		return a.Transaction.ID < b.Transaction.ID
	})

	best := accepted[0]
	if len(accepted) > 1 && accepted[1].Score >= best.Score-m.cfg.AmbiguityMargin {
		best.Ambiguous = true
		best.RunnerUpID = accepted[1].Transaction.ID
	}

	m.claimed[best.Transaction.ID] = struct{}{}
	return &best, true
}

func (m *Matcher) score(rec domain.ExternalRecord, txn domain.LedgerTransaction, days int) Candidate {
	recAmt, _ := rec.Amount.Abs().Float64()
	txnAmt, _ := txn.Amount.Abs().Float64()

	amountScore := 1 - math.Min(1, math.Abs(recAmt-txnAmt)/math.Max(math.Max(recAmt, txnAmt), 1))
	dateScore := 1 - math.Min(1, float64(days)/float64(m.cfg.WindowDays))
	tokenScore := jaccard(tokenize(rec.CounterpartyName), tokenize(txn.Description))

	return Candidate{
		Record:      rec,
		Transaction: txn,
		Score:       m.cfg.AmountWeight*amountScore + m.cfg.DateWeight*dateScore + m.cfg.TokenWeight*tokenScore,
		AmountScore: amountScore,
		DateScore:   dateScore,
		TokenScore:  tokenScore,
		DaysApart:   days,
		AmountDelta: rec.Amount.Abs().Sub(txn.Amount.Abs()).Abs(),
	}
}

func daysApart(a, b time.Time) int {
	a = time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	b = time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	d := int(a.Sub(b).Hours() / 24)
	if d < 0 {
		d = -d
	}
	return d
}
