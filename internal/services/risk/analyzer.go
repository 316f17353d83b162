// Package risk scores the likelihood that an operator denies (glosa) a
// guide and proposes safe corrections.
package risk

import (
	"errors"
	"fmt"
	"math"

	"tiss-claims-backend/internal/models"
	"tiss-claims-backend/internal/services/validation"

	"github.com/shopspring/decimal"
)

type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

type Source string

const (
	SourceStructural      Source = "structural"
	SourceOperatorPattern Source = "operator_pattern"
	SourcePlausibility    Source = "plausibility"
)

const (
	mediumThreshold   = 0.25
	highThreshold     = 0.5
	criticalThreshold = 0.75

	// structuralCeiling keeps structural evidence strictly below critical.
	structuralCeiling = 0.74
)

var ErrNilGuide = errors.New("guide is required")

type Cause struct {
	Code        string  `json:"code"`
	Source      Source  `json:"source"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description"`
}

type Analysis struct {
	RiskLevel     Level                  `json:"risk_level"`
	Probability   float64                `json:"probability"`
	Causes        []Cause                `json:"causes"`
	EstimatedLoss decimal.Decimal        `json:"estimated_loss"`
	CanAutoFix    bool                   `json:"can_auto_fix"`
	Violations    []validation.Violation `json:"-"`
}

func (a Analysis) HighRisk() bool {
	return a.RiskLevel == LevelHigh || a.RiskLevel == LevelCritical
}

type Analyzer struct {
	rules validation.Rules
	kb    *KnowledgeBase
}

func NewAnalyzer(kb *KnowledgeBase, rules validation.Rules) *Analyzer {
	if kb == nil {
		kb = NewKnowledgeBase(nil)
	}
	return &Analyzer{rules: rules, kb: kb}
}

func (a *Analyzer) KnowledgeBase() *KnowledgeBase { return a.kb }

func (a *Analyzer) Rules() validation.Rules { return a.rules }

var structuralWeights = map[string]float64{
	validation.CodeRequiredField:            0.35,
	validation.CodeFieldTooLong:             0.2,
	validation.CodeInvalidCodeFormat:        0.5,
	validation.CodeUnknownProcedure:         0.6,
	validation.CodeNotAllowedForType:        0.5,
	validation.CodeInvalidQuantity:          0.3,
	validation.CodeFutureDate:               0.4,
	validation.CodeBeforeContractStart:      0.45,
	validation.CodeInvalidDateRange:         0.35,
	validation.CodeNonPositiveValue:         0.6,
	validation.CodeApprovedExceedsRequested: 0.3,
	validation.CodeUnknownGuideType:         0.6,
}

// Analyze scores g for the named operator. The guide is not modified.
func (a *Analyzer) Analyze(g *models.Guide, operator string) (Analysis, error) {
	if g == nil {
		return Analysis{}, ErrNilGuide
	}

	violations := a.rules.Validate(g, g.GuideType)
	var causes []Cause

	structural := 0.0
	if len(violations) > 0 {
		miss := 1.0
		for _, v := range violations {
			w, ok := structuralWeights[v.Code]
			if !ok {
				w = 0.3
			}
			miss *= 1 - w
			causes = append(causes, Cause{Code: v.Code, Source: SourceStructural, Weight: w, Description: v.String()})
		}
		// any violation is at least high, never critical on its own
		structural = math.Min(math.Max(1-miss, highThreshold), structuralCeiling)
	}

	nonStructuralMiss := 1.0
	for _, p := range a.kb.Match(operator, g.ProcedureCode, g.RequestedValue) {
		nonStructuralMiss *= 1 - p.DenialRate
		causes = append(causes, Cause{
			Code:        patternCode(p),
			Source:      SourceOperatorPattern,
			Weight:      p.DenialRate,
			Description: p.Reason,
		})
	}
	for _, c := range plausibility(g) {
		nonStructuralMiss *= 1 - c.Weight
		causes = append(causes, c)
	}
	nonStructural := 1 - nonStructuralMiss

	p := 1 - (1-structural)*(1-nonStructural)
	level := levelFor(p)
	if level == LevelCritical && nonStructural < criticalThreshold {
		level = LevelHigh
	}
	if len(violations) > 0 && (level == LevelLow || level == LevelMedium) {
		level = LevelHigh
	}

	return Analysis{
		RiskLevel:     level,
		Probability:   round4(p),
		Causes:        causes,
		EstimatedLoss: g.RequestedValue.Mul(decimal.NewFromFloat(p)).Round(2),
		CanAutoFix:    len(AutoFix(g).Changes) > 0,
		Violations:    violations,
	}, nil
}

func levelFor(p float64) Level {
	switch {
	case p >= criticalThreshold:
		return LevelCritical
	case p >= highThreshold:
		return LevelHigh
	case p >= mediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

func patternCode(p Pattern) string {
	if p.Source == PatternHistorical {
		return "HISTORICAL_DENIAL_RATE"
	}
	return "OPERATOR_PATTERN"
}

// plausibility compares the billed value with the usual range of the
// procedure.
func plausibility(g *models.Guide) []Cause {
	proc, ok := validation.LookupProcedure(g.ProcedureCode)
	if !ok || !g.RequestedValue.IsPositive() {
		return nil
	}
	unit := g.RequestedValue
	if g.Quantity > 1 {
		unit = unit.Div(decimal.NewFromInt(int64(g.Quantity)))
	}
	switch {
	case unit.GreaterThan(proc.TypicalMax.Mul(decimal.NewFromInt(3))):
		return []Cause{{Code: "VALUE_FAR_ABOVE_RANGE", Source: SourcePlausibility, Weight: 0.55,
			Description: fmt.Sprintf("value %s is more than three times the usual maximum %s", unit.StringFixed(2), proc.TypicalMax.StringFixed(2))}}
	case unit.GreaterThan(proc.TypicalMax):
		return []Cause{{Code: "VALUE_ABOVE_RANGE", Source: SourcePlausibility, Weight: 0.2,
			Description: fmt.Sprintf("value %s is above the usual maximum %s", unit.StringFixed(2), proc.TypicalMax.StringFixed(2))}}
	case unit.LessThan(proc.TypicalMin.Div(decimal.NewFromInt(2))):
		return []Cause{{Code: "VALUE_BELOW_RANGE", Source: SourcePlausibility, Weight: 0.1,
			Description: fmt.Sprintf("value %s is well below the usual minimum %s", unit.StringFixed(2), proc.TypicalMin.StringFixed(2))}}
	}
	return nil
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}
