package risk

import (
	"context"
	"strings"
	"sync"

	"tiss-claims-backend/internal/repository"

	"github.com/shopspring/decimal"
)

const (
	PatternStatic     = "static"
	PatternHistorical = "historical"

	anyOperator = "*"
)

// Pattern is a known denial tendency of an operator for a family of
// procedures within a value bracket.
type Pattern struct {
	Operator   string          `json:"operator"`
	CodePrefix string          `json:"code_prefix"`
	MinValue   decimal.Decimal `json:"min_value"`
	MaxValue   decimal.Decimal `json:"max_value"` // zero means unbounded
	DenialRate float64         `json:"denial_rate"`
	Reason     string          `json:"reason"`
	Source     string          `json:"source"`
	Samples    int64           `json:"samples,omitempty"`
}

func (p Pattern) matches(operator, code string, value decimal.Decimal) bool {
	if p.Operator != anyOperator && !strings.Contains(operator, p.Operator) {
		return false
	}
	if !strings.HasPrefix(code, p.CodePrefix) {
		return false
	}
	if value.LessThan(p.MinValue) {
		return false
	}
	if !p.MaxValue.IsZero() && value.GreaterThan(p.MaxValue) {
		return false
	}
	return true
}

// DefaultPatterns are the denial tendencies billing staff report for the
// operators the clinics work with most.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Operator: anyOperator, CodePrefix: "1010", DenialRate: 0.05, Reason: "consultation inside the return window is billed as a new consultation"},
		{Operator: anyOperator, CodePrefix: "4110", MinValue: decimal.NewFromInt(1000), DenialRate: 0.35, Reason: "high-cost imaging without prior authorization"},
		{Operator: "UNIMED", CodePrefix: "1010", MinValue: decimal.NewFromInt(400), DenialRate: 0.45, Reason: "consultation billed above the negotiated table"},
		{Operator: "BRADESCO", CodePrefix: "4030", DenialRate: 0.12, Reason: "laboratory exam without clinical indication"},
		{Operator: "AMIL", CodePrefix: "3100", DenialRate: 0.4, Reason: "surgical procedure without authorization password"},
		{Operator: "SULAMERICA", CodePrefix: "4090", DenialRate: 0.2, Reason: "ultrasound repeated within the coverage interval"},
	}
}

type historicalKey struct {
	operator string
	code     string
}

// KnowledgeBase merges static patterns with denial rates learned from
// reconciled guides. Reads take a snapshot under a read lock.
type KnowledgeBase struct {
	mu         sync.RWMutex
	static     []Pattern
	historical map[historicalKey]Pattern
	minSamples int64
}

func NewKnowledgeBase(static []Pattern) *KnowledgeBase {
	kb := &KnowledgeBase{
		historical: make(map[historicalKey]Pattern),
		minSamples: 5,
	}
	for _, p := range static {
		p.Operator = normalizeOperator(p.Operator)
		if p.Source == "" {
			p.Source = PatternStatic
		}
		kb.static = append(kb.static, p)
	}
	return kb
}

// DenialStatsSource yields per operator and procedure reconciliation counts.
type DenialStatsSource interface {
	DenialStats(ctx context.Context) ([]repository.DenialStat, error)
}

// LoadHistorical replaces the historical snapshot. Pairs with too few
// reconciled guides or a negligible denial rate are ignored.
func (kb *KnowledgeBase) LoadHistorical(ctx context.Context, src DenialStatsSource) (int, error) {
	stats, err := src.DenialStats(ctx)
	if err != nil {
		return 0, err
	}
	next := make(map[historicalKey]Pattern, len(stats))
	for _, st := range stats {
		if st.Reconciled < kb.minSamples {
			continue
		}
		rate := (float64(st.Denied) + 0.5*float64(st.Partial)) / float64(st.Reconciled)
		if rate < 0.1 {
			continue
		}
		op := normalizeOperator(st.OperatorName)
		next[historicalKey{op, st.ProcedureCode}] = Pattern{
			Operator:   op,
			CodePrefix: st.ProcedureCode,
			DenialRate: rate,
			Reason:     "historical denial rate for this procedure at this operator",
			Source:     PatternHistorical,
			Samples:    st.Reconciled,
		}
	}

	kb.mu.Lock()
	kb.historical = next
	kb.mu.Unlock()
	return len(next), nil
}

// Match returns every pattern that applies to the guide, static first.
func (kb *KnowledgeBase) Match(operator, code string, value decimal.Decimal) []Pattern {
	op := normalizeOperator(operator)
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	var out []Pattern
	for _, p := range kb.static {
		if p.matches(op, code, value) {
			out = append(out, p)
		}
	}
	if p, ok := kb.historical[historicalKey{op, code}]; ok {
		out = append(out, p)
	}
	return out
}

func normalizeOperator(name string) string {
	n := strings.ToUpper(name)
	n = strings.ReplaceAll(n, ".", "")
	n = strings.ReplaceAll(n, ",", "")
	n = strings.ReplaceAll(n, "-", " ")
	n = strings.ReplaceAll(n, "Ú", "U")
	n = strings.ReplaceAll(n, "É", "E")
	return strings.Join(strings.Fields(n), " ")
}
