package match

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contaflux/reconciler/internal/domain"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func record(id string, amount float64, date time.Time, counterparty string) domain.ExternalRecord {
	return domain.ExternalRecord{
		ExternalID:       id,
		Source:           "bookkeeping",
		Kind:             domain.KindSale,
		Amount:           decimal.NewFromFloat(amount),
		OccurredDate:     date,
		CounterpartyName: counterparty,
	}
}

func txn(id string, amount float64, date time.Time, desc string) domain.LedgerTransaction {
	return domain.LedgerTransaction{
		ID:          id,
		WalletID:    "w1",
		Amount:      decimal.NewFromFloat(amount),
		Date:        date,
		Description: desc,
	}
}

func TestMatch_ExactAmountAndDate(t *testing.T) {
	m := New(DefaultConfig())
	rec := record("S1", 500, day(2025, 8, 1), "")
	candidates := []domain.LedgerTransaction{txn("t1", 500, day(2025, 8, 1), "")}

	cand, ok := m.Match(rec, candidates)
	require.True(t, ok)
	assert.Equal(t, "t1", cand.Transaction.ID)
	// Amount and date are perfect, tokens carry no signal.
	assert.InDelta(t, 0.75, cand.Score, 1e-9)
	assert.Equal(t, 0, cand.DaysApart)
}

func TestMatch_TokenOverlapLiftsScore(t *testing.T) {
	m := New(DefaultConfig())
	rec := record("S1", 500, day(2025, 8, 1), "Condomínio Águas Claras")
	candidates := []domain.LedgerTransaction{txn("t1", 500, day(2025, 8, 1), "condominio aguas claras")}

	cand, ok := m.Match(rec, candidates)
	require.True(t, ok)
	assert.InDelta(t, 1.0, cand.Score, 1e-9)
	assert.InDelta(t, 1.0, cand.TokenScore, 1e-9)
}

func TestMatch_BelowThreshold(t *testing.T) {
	m := New(DefaultConfig())
	rec := record("S1", 100, day(2025, 8, 1), "")
	candidates := []domain.LedgerTransaction{txn("t1", 10, day(2025, 8, 1), "")}

	_, ok := m.Match(rec, candidates)
	assert.False(t, ok)
}

func TestMatch_OutsideWindow(t *testing.T) {
	m := New(DefaultConfig())
	rec := record("S1", 500, day(2025, 8, 1), "")
	candidates := []domain.LedgerTransaction{txn("t1", 500, day(2025, 8, 25), "")}

	_, ok := m.Match(rec, candidates)
	assert.False(t, ok)
}

func TestMatch_TieBreakDeterministic(t *testing.T) {
	rec := record("S1", 500, day(2025, 8, 1), "")
	candidates := []domain.LedgerTransaction{
		txn("t-b", 500, day(2025, 8, 1), ""),
		txn("t-a", 500, day(2025, 8, 1), ""),
	}

	// Identical score, date distance, and amount delta: lexicographically
	// smaller id wins, every time.
	for i := 0; i < 10; i++ {
		m := New(DefaultConfig())
		cand, ok := m.Match(rec, candidates)
		require.True(t, ok)
		assert.Equal(t, "t-a", cand.Transaction.ID)
		assert.True(t, cand.Ambiguous)
		assert.Equal(t, "t-b", cand.RunnerUpID)
	}
}

func TestMatch_TieBreakPrefersCloserDate(t *testing.T) {
	m := New(DefaultConfig())
	rec := record("S1", 500, day(2025, 8, 10), "")
	candidates := []domain.LedgerTransaction{
		txn("t-far", 500, day(2025, 8, 14), ""),
		txn("t-near", 500, day(2025, 8, 11), ""),
	}

	cand, ok := m.Match(rec, candidates)
	require.True(t, ok)
	assert.Equal(t, "t-near", cand.Transaction.ID)
}

func TestMatch_TieBreakPrefersSmallerAmountDelta(t *testing.T) {
	m := New(DefaultConfig())
	rec := record("S1", 500, day(2025, 8, 10), "")
	candidates := []domain.LedgerTransaction{
		txn("t-off", 498, day(2025, 8, 10), ""),
		txn("t-close", 499.5, day(2025, 8, 10), ""),
	}

	cand, ok := m.Match(rec, candidates)
	require.True(t, ok)
	assert.Equal(t, "t-close", cand.Transaction.ID)
}

func TestMatch_GreedyClaimRemovesCandidate(t *testing.T) {
	m := New(DefaultConfig())
	candidates := []domain.LedgerTransaction{txn("t1", 500, day(2025, 8, 1), "")}

	first, ok := m.Match(record("S1", 500, day(2025, 8, 1), ""), candidates)
	require.True(t, ok)
	assert.Equal(t, "t1", first.Transaction.ID)

	// The claimed transaction leaves the pool for the rest of the run.
	_, ok = m.Match(record("S2", 500, day(2025, 8, 1), ""), candidates)
	assert.False(t, ok)
}

func TestMatch_SkipsAlreadyLinked(t *testing.T) {
	m := New(DefaultConfig())
	linked := txn("t1", 500, day(2025, 8, 1), "")
	linked.ExternalRef = "other"

	_, ok := m.Match(record("S1", 500, day(2025, 8, 1), ""), []domain.LedgerTransaction{linked})
	assert.False(t, ok)
}

func TestTokenize_AccentStripping(t *testing.T) {
	a := tokenize("Condomínio Águas-Claras 12")
	b := tokenize("CONDOMINIO aguas claras 12")
	assert.InDelta(t, 1.0, jaccard(a, b), 1e-9)
}

func TestJaccard_EmptySetsCarryNoSignal(t *testing.T) {
	assert.Zero(t, jaccard(tokenize(""), tokenize("anything")))
	assert.Zero(t, jaccard(tokenize(""), tokenize("")))
}
