package risk

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"tiss-claims-backend/internal/models"
	"tiss-claims-backend/internal/repository"
	"tiss-claims-backend/internal/services/validation"

	"github.com/shopspring/decimal"
)

var fixedNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newAnalyzer() *Analyzer {
	return NewAnalyzer(NewKnowledgeBase(DefaultPatterns()), validation.Rules{Now: func() time.Time { return fixedNow }})
}

func guide(number, code string, value int64) *models.Guide {
	return &models.Guide{
		GuideType:       models.GuideTypeConsulta,
		GuideNumber:     number,
		ProcedureCode:   code,
		ProcedureName:   "Consulta em consultório",
		BeneficiaryCard: "0001234500018",
		Quantity:        1,
		ExecutionDate:   fixedNow.AddDate(0, 0, -2),
		RequestedValue:  decimal.NewFromInt(value),
	}
}

func TestAnalyze_CleanGuideIsLow(t *testing.T) {
	a, err := newAnalyzer().Analyze(guide("G-1", "10101012", 500), "Hospital Vida")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.RiskLevel != LevelLow {
		t.Fatalf("expected low, got %s (%v)", a.RiskLevel, a.Causes)
	}
	if !a.EstimatedLoss.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("expected estimated loss 25, got %s", a.EstimatedLoss)
	}
}

func TestAnalyze_UnknownCodeIsAtLeastHigh(t *testing.T) {
	a, err := newAnalyzer().Analyze(guide("G-2", "99999999", 300), "Hospital Vida")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.HighRisk() {
		t.Fatalf("expected high or critical, got %s", a.RiskLevel)
	}
	if a.Causes[0].Source != SourceStructural || a.Causes[0].Code != validation.CodeUnknownProcedure {
		t.Fatalf("expected structural unknown-code cause, got %v", a.Causes)
	}
}

func TestAnalyze_StructuralCausesNeverCritical(t *testing.T) {
	g := guide("G-3", "99999999", 0)
	g.BeneficiaryCard = ""
	g.ExecutionDate = fixedNow.AddDate(0, 0, 5)

	a, err := newAnalyzer().Analyze(g, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.RiskLevel != LevelHigh {
		t.Fatalf("structural evidence must cap at high, got %s (p=%v)", a.RiskLevel, a.Probability)
	}
	for _, c := range a.Causes {
		if c.Source != SourceStructural {
			t.Fatalf("unexpected non-structural cause %v", c)
		}
	}
}

func TestAnalyze_OperatorPatternsCanReachCritical(t *testing.T) {
	a, err := newAnalyzer().Analyze(guide("G-4", "10101012", 3000), "Unimed Rio")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.RiskLevel != LevelCritical {
		t.Fatalf("expected critical, got %s (p=%v causes=%v)", a.RiskLevel, a.Probability, a.Causes)
	}
	sources := map[Source]bool{}
	for _, c := range a.Causes {
		sources[c.Source] = true
	}
	if !sources[SourceOperatorPattern] || !sources[SourcePlausibility] {
		t.Fatalf("expected operator and plausibility causes, got %v", a.Causes)
	}
}

func TestAnalyze_NilGuide(t *testing.T) {
	if _, err := newAnalyzer().Analyze(nil, "x"); err != ErrNilGuide {
		t.Fatalf("expected ErrNilGuide, got %v", err)
	}
}

type fakeStats []repository.DenialStat

func (f fakeStats) DenialStats(context.Context) ([]repository.DenialStat, error) { return f, nil }

func TestKnowledgeBase_LoadHistorical(t *testing.T) {
	kb := NewKnowledgeBase(nil)
	n, err := kb.LoadHistorical(context.Background(), fakeStats{
		{OperatorName: "Bradesco Saúde", ProcedureCode: "40304361", Reconciled: 10, Denied: 5, Partial: 2},
		{OperatorName: "Bradesco Saúde", ProcedureCode: "40302040", Reconciled: 3, Denied: 3},
		{OperatorName: "Amil", ProcedureCode: "40302040", Reconciled: 20, Denied: 1},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one usable historical pattern, got %d", n)
	}

	matches := kb.Match("BRADESCO SAÚDE", "40304361", decimal.NewFromInt(20))
	if len(matches) != 1 || matches[0].Source != PatternHistorical {
		t.Fatalf("expected the historical pattern, got %v", matches)
	}
	if matches[0].DenialRate != 0.6 {
		t.Fatalf("expected rate 0.6, got %v", matches[0].DenialRate)
	}
}

func TestAutoFix_NormalizesAndIsIdempotent(t *testing.T) {
	g := guide("  g-77 ", "1.01.01.01-2", 500)
	g.BeneficiaryCard = "000.1234.5000-18"
	g.ProcedureName = "Consulta  em\tconsultório\u0007"

	first := AutoFix(g)
	if len(first.Changes) != 4 {
		t.Fatalf("expected 4 changes, got %v", first.Changes)
	}
	f := first.Guide
	if f.ProcedureCode != "10101012" || f.GuideNumber != "G-77" || f.BeneficiaryCard != "0001234500018" {
		t.Fatalf("unexpected fixed guide %+v", f)
	}
	if f.ProcedureName != "Consulta em consultório" {
		t.Fatalf("unexpected procedure name %q", f.ProcedureName)
	}
	if !f.RequestedValue.Equal(g.RequestedValue) {
		t.Fatal("requested value must not change")
	}
	if g.ProcedureCode != "1.01.01.01-2" {
		t.Fatal("input guide must not be modified")
	}

	second := AutoFix(f)
	if len(second.Changes) != 0 {
		t.Fatalf("expected fixed point, got %v", second.Changes)
	}
}

func TestAutoFix_PreservesProcedureIdentity(t *testing.T) {
	for _, code := range []string{"10101012", "4030436-1", "1010101", "ABC123", "123456789", " 40.30.43.61 "} {
		fixed := AutoFix(guide("G", code, 10)).Guide.ProcedureCode
		if fixed != code && strings.TrimLeft(digitsOf(fixed), "0") != strings.TrimLeft(digitsOf(code), "0") {
			t.Errorf("code %q became %q", code, fixed)
		}
		if again := AutoFix(guide("G", fixed, 10)).Guide.ProcedureCode; again != fixed {
			t.Errorf("code %q not a fixed point: %q", fixed, again)
		}
	}
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func TestBatchAnalyze_IsolatesFailuresAndKeepsOrder(t *testing.T) {
	formatted := guide(" g-2 ", "1.01.01.01-2", 400)
	guides := []*models.Guide{
		guide("G-1", "10101012", 500),
		formatted,
		nil,
		guide("G-4", "99999999", 300),
	}

	report := newAnalyzer().BatchAnalyze(context.Background(), guides, Options{
		AutoFix:           true,
		IncludeValidation: true,
		Operator:          "Hospital Vida",
		Parallelism:       2,
	})

	for i, r := range report.Results {
		if r.Index != i {
			t.Fatalf("result %d carries index %d", i, r.Index)
		}
	}
	if report.Results[2].Error == "" {
		t.Fatal("nil guide should produce an error result")
	}
	if report.Results[1].Fixed == nil || report.Results[1].Fixed.ProcedureCode != "10101012" {
		t.Fatalf("expected guide 2 to be auto-fixed, got %+v", report.Results[1])
	}
	if len(report.Results[3].Violations) == 0 {
		t.Fatal("expected validation violations on the unknown code guide")
	}

	s := report.Summary
	if s.Total != 4 || s.Successful != 3 || s.Failed != 1 || s.HighRisk != 1 || s.AutoFixed != 1 {
		t.Fatalf("unexpected summary %+v", s)
	}
	want := decimal.Zero
	for _, r := range report.Results {
		if r.Analysis != nil {
			want = want.Add(r.Analysis.EstimatedLoss)
		}
	}
	if !s.TotalEstimatedLoss.Equal(want) {
		t.Fatalf("expected total loss %s, got %s", want, s.TotalEstimatedLoss)
	}
}

func TestBatchAnalyze_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := newAnalyzer().BatchAnalyze(ctx, []*models.Guide{guide("G-1", "10101012", 100)}, Options{})
	if report.Summary.Failed != 1 {
		t.Fatalf("expected the canceled item to fail, got %+v", report.Summary)
	}
}

func TestAnalyzeInputs_ReportsDecodeErrorsInPlace(t *testing.T) {
	report := newAnalyzer().AnalyzeInputs(context.Background(), []Input{
		{Guide: guide("G-1", "10101012", 100)},
		{GuideNumber: "G-2", Err: errors.New("invalid execution_date")},
	}, Options{})

	if !report.Results[0].Succeeded() || report.Results[0].Analysis == nil {
		t.Fatalf("valid guide must still be analyzed, got %+v", report.Results[0])
	}
	bad := report.Results[1]
	if bad.Index != 1 || bad.GuideNumber != "G-2" || bad.Error != "invalid execution_date" || bad.Analysis != nil {
		t.Fatalf("unexpected error result %+v", bad)
	}
	if report.Summary.Successful != 1 || report.Summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", report.Summary)
	}
}
