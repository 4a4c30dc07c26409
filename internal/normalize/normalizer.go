// Package normalize converts raw bookkeeping payloads into canonical
// external records. The source API is duck-typed: the same logical field
// shows up under several alternate names, sometimes nested one level inside a
// wrapper object, so each logical field is resolved through a priority-ordered
// list of key paths.
package normalize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/contaflux/reconciler/internal/domain"
)

// NormalizationError reports a required field that was missing or malformed.
type NormalizationError struct {
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s: %s", e.Field, e.Reason)
}

// Key paths are probed in order; the first present, non-null value wins.
// A dot descends one level into a wrapper object ("payment.value").
// English aliases first, then the source's Portuguese spellings.
var (
	externalIDPaths = []string{"external_id", "externalId", "id", "sale.id", "uuid"}
	kindPaths       = []string{"kind", "type", "event", "tipo"}
	amountPaths     = []string{"amount", "value", "total_value", "valor", "payment.amount", "payment.value", "pagamento.valor"}
	dueDatePaths    = []string{"due_date", "dueDate", "payment.due_date", "vencimento", "data_vencimento"}
	occurredPaths   = []string{"occurred_date", "occurrence_date", "date", "emission_date", "data", "data_emissao", "created_at"}
	counterPaths    = []string{"counterparty_name", "counterparty", "customer_name", "customer.name", "cliente.nome", "payer"}
	planIDPaths     = []string{"plan_id", "planId", "sale_id", "venda_id", "negotiation.id"}
	instIndexPaths  = []string{"installment_index", "installment", "parcela", "payment.installment"}
	instCountPaths  = []string{"installment_count", "installments", "total_installments", "total_parcelas", "payment.installments"}
	planTotalPaths  = []string{"plan_total", "sale_total", "valor_total", "negotiation.total"}
	quantityPaths   = []string{"quantity", "qty", "quantidade", "product.quantity"}
)

// Normalize converts one raw payload from the given source into a canonical
// record. It is pure: no lookups, no side effects. Fields without a safe
// default (external id, amount, date) fail with a NormalizationError; the
// caller decides skip-vs-abort.
func Normalize(source string, raw map[string]any) (domain.ExternalRecord, error) {
	rec := domain.ExternalRecord{Source: source, Quantity: 1}

	id, ok := probe(raw, externalIDPaths...)
	if !ok {
		return rec, &NormalizationError{Field: "external_id", Reason: "missing"}
	}
	rec.ExternalID = asString(id)
	if rec.ExternalID == "" {
		return rec, &NormalizationError{Field: "external_id", Reason: "empty"}
	}

	rawAmount, ok := probe(raw, amountPaths...)
	if !ok {
		return rec, &NormalizationError{Field: "amount", Reason: "missing"}
	}
	amount, err := ParseAmount(rawAmount)
	if err != nil {
		return rec, &NormalizationError{Field: "amount", Reason: err.Error()}
	}
	if amount.IsNegative() {
		return rec, &NormalizationError{Field: "amount", Reason: "negative"}
	}
	rec.Amount = amount

	if v, ok := probe(raw, dueDatePaths...); ok {
		d, err := ParseDate(asString(v))
		if err != nil {
			return rec, &NormalizationError{Field: "due_date", Reason: err.Error()}
		}
		rec.DueDate = d
	}
	if v, ok := probe(raw, occurredPaths...); ok {
		d, err := ParseDate(asString(v))
		if err != nil {
			return rec, &NormalizationError{Field: "occurred_date", Reason: err.Error()}
		}
		rec.OccurredDate = d
	}
	if rec.DueDate.IsZero() && rec.OccurredDate.IsZero() {
		return rec, &NormalizationError{Field: "date", Reason: "missing"}
	}

	if v, ok := probe(raw, counterPaths...); ok {
		rec.CounterpartyName = strings.TrimSpace(asString(v))
	}
	if v, ok := probe(raw, planIDPaths...); ok {
		rec.PlanID = asString(v)
	}
	if v, ok := probe(raw, instIndexPaths...); ok {
		n, err := parseIntLoose(v)
		if err != nil {
			return rec, &NormalizationError{Field: "installment_index", Reason: err.Error()}
		}
		rec.InstallmentIndex = n
	}
	if v, ok := probe(raw, instCountPaths...); ok {
		n, err := parseIntLoose(v)
		if err != nil {
			return rec, &NormalizationError{Field: "installment_count", Reason: err.Error()}
		}
		rec.InstallmentCount = n
	}
	if v, ok := probe(raw, planTotalPaths...); ok {
		if total, err := ParseAmount(v); err == nil {
			rec.PlanTotal = total
		}
	}
	if v, ok := probe(raw, quantityPaths...); ok {
		if n, err := parseIntLoose(v); err == nil && n > 0 {
			rec.Quantity = n
		}
	}

	rec.Kind = detectKind(raw, rec)
	rec.RawShapeHints = shapeHints(raw)

	if rec.InstallmentIndex > 0 && rec.InstallmentCount > 0 && rec.InstallmentIndex > rec.InstallmentCount {
		return rec, &NormalizationError{
			Field:  "installment_index",
			Reason: fmt.Sprintf("index %d exceeds count %d", rec.InstallmentIndex, rec.InstallmentCount),
		}
	}

	return rec, nil
}

// probe walks the key paths in priority order and returns the first present,
// non-null value.
func probe(raw map[string]any, paths ...string) (any, bool) {
	for _, path := range paths {
		v, ok := lookup(raw, path)
		if ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func lookup(raw map[string]any, path string) (any, bool) {
	key, rest, nested := strings.Cut(path, ".")
	v, ok := raw[key]
	if !ok {
		return nil, false
	}
	if !nested {
		return v, true
	}
	inner, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return lookup(inner, rest)
}

func detectKind(raw map[string]any, rec domain.ExternalRecord) domain.RecordKind {
	if v, ok := probe(raw, kindPaths...); ok {
		switch strings.ToLower(strings.TrimSpace(asString(v))) {
		case "sale", "venda", "sale.created":
			return domain.KindSale
		case "payment", "pagamento", "recebimento":
			return domain.KindPayment
		case "installment", "parcela", "installment.created":
			return domain.KindInstallment
		}
	}
	// No declared kind: installment fields are the strongest shape signal.
	if rec.InstallmentIndex > 0 || rec.InstallmentCount > 0 {
		return domain.KindInstallment
	}
	return domain.KindSale
}

func shapeHints(raw map[string]any) []string {
	hints := make([]string, 0, len(raw))
	for k := range raw {
		hints = append(hints, k)
	}
	sort.Strings(hints)
	return hints
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	case float64:
		return decimal.NewFromFloat(s).String()
	case int:
		return fmt.Sprintf("%d", s)
	default:
		return fmt.Sprintf("%v", v)
	}
}
