package risk

import (
	"context"
	"fmt"

	"tiss-claims-backend/internal/models"
	"tiss-claims-backend/internal/services/validation"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	AutoFix           bool   `json:"auto_fix"`
	IncludeValidation bool   `json:"include_validation"`
	Operator          string `json:"operator_name"`
	Parallelism       int    `json:"-"`
}

// Result is the outcome for one guide. Exactly one of Analysis and Error
// is set.
type Result struct {
	Index       int                    `json:"index"`
	GuideNumber string                 `json:"guide_number"`
	Analysis    *Analysis              `json:"analysis,omitempty"`
	Fixed       *models.Guide          `json:"fixed_guide,omitempty"`
	Changes     []string               `json:"changes,omitempty"`
	Violations  []validation.Violation `json:"violations,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

func (r Result) Succeeded() bool { return r.Error == "" }

type Summary struct {
	Total              int             `json:"total"`
	Successful         int             `json:"successful"`
	Failed             int             `json:"failed"`
	HighRisk           int             `json:"high_risk"`
	AutoFixed          int             `json:"auto_fixed"`
	TotalEstimatedLoss decimal.Decimal `json:"total_estimated_loss"`
}

type BatchReport struct {
	Results []Result `json:"results"`
	Summary Summary  `json:"summary"`
}

// Input is one entry of a batch request. Err is set when the entry could
// not be turned into a guide; it is reported without being analyzed.
type Input struct {
	Guide       *models.Guide
	GuideNumber string
	Err         error
}

// BatchAnalyze analyzes every guide independently. A failure or panic on
// one guide becomes that guide's error result; results keep input order.
func (a *Analyzer) BatchAnalyze(ctx context.Context, guides []*models.Guide, opts Options) BatchReport {
	inputs := make([]Input, len(guides))
	for i, g := range guides {
		inputs[i] = Input{Guide: g}
	}
	return a.AnalyzeInputs(ctx, inputs, opts)
}

// AnalyzeInputs is BatchAnalyze for entries that may already have failed
// to decode.
func (a *Analyzer) AnalyzeInputs(ctx context.Context, inputs []Input, opts Options) BatchReport {
	results := make([]Result, len(inputs))

	limit := opts.Parallelism
	if limit < 1 {
		limit = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, in := range inputs {
		g.Go(func() error {
			results[i] = a.analyzeOne(gctx, i, in, opts)
			return nil
		})
	}
	_ = g.Wait()

	return BatchReport{Results: results, Summary: summarize(results)}
}

func (a *Analyzer) analyzeOne(ctx context.Context, idx int, in Input, opts Options) (res Result) {
	res.Index = idx
	res.GuideNumber = in.GuideNumber
	guide := in.Guide
	if guide != nil {
		res.GuideNumber = guide.GuideNumber
	}
	if in.Err != nil {
		res.Error = in.Err.Error()
		return res
	}
	defer func() {
		if r := recover(); r != nil {
			res = Result{Index: idx, GuideNumber: res.GuideNumber, Error: fmt.Sprintf("analysis panicked: %v", r)}
		}
	}()

	if err := ctx.Err(); err != nil {
		res.Error = err.Error()
		return res
	}

	target := guide
	if opts.AutoFix && guide != nil {
		fix := AutoFix(guide)
		if len(fix.Changes) > 0 {
			target = fix.Guide
			res.Fixed = fix.Guide
			res.Changes = fix.Changes
		}
	}

	analysis, err := a.Analyze(target, opts.Operator)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if opts.IncludeValidation {
		res.Violations = analysis.Violations
	}
	res.Analysis = &analysis
	return res
}

func summarize(results []Result) Summary {
	s := Summary{Total: len(results), TotalEstimatedLoss: decimal.Zero}
	for _, r := range results {
		if !r.Succeeded() {
			s.Failed++
			continue
		}
		s.Successful++
		if r.Analysis.HighRisk() {
			s.HighRisk++
		}
		if len(r.Changes) > 0 {
			s.AutoFixed++
		}
		s.TotalEstimatedLoss = s.TotalEstimatedLoss.Add(r.Analysis.EstimatedLoss)
	}
	return s
}
