package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"tiss-claims-backend/internal/services/risk"
	"tiss-claims-backend/internal/services/validation"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/sirupsen/logrus"
)

// RiskHandler scores guides that are not necessarily stored yet.
type RiskHandler struct {
	analyzer    *risk.Analyzer
	parallelism int
	log         logrus.FieldLogger
}

func NewRiskHandler(analyzer *risk.Analyzer, parallelism int, log logrus.FieldLogger) *RiskHandler {
	return &RiskHandler{analyzer: analyzer, parallelism: parallelism, log: log}
}

func (h *RiskHandler) Analyze(c *gin.Context) {
	var payload analyzeRequest
	if !bindJSON(c, &payload) {
		return
	}
	g, err := payload.Guide.guide()
	if err != nil {
		abort(c, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}
	analysis, err := h.analyzer.Analyze(g, payload.OperatorName)
	if err != nil {
		respondError(c, h.log, "Analyze", err)
		return
	}
	body := gin.H{"analysis": analysis}
	if payload.IncludeValidation {
		violations := analysis.Violations
		if violations == nil {
			violations = []validation.Violation{}
		}
		body["violations"] = violations
	}
	c.JSON(http.StatusOK, body)
}

func (h *RiskHandler) AutoFix(c *gin.Context) {
	var payload struct {
		Guide guideRequest `json:"guide"`
	}
	if !bindJSON(c, &payload) {
		return
	}
	g, err := payload.Guide.guide()
	if err != nil {
		abort(c, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}
	fix := risk.AutoFix(g)
	if fix.Changes == nil {
		fix.Changes = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"fixed": fix.Guide, "changes": fix.Changes, "was_fixed": len(fix.Changes) > 0})
}

// BatchAnalyze answers 200 even when single guides fail; each failure,
// including an entry that does not decode, is reported in its own result.
func (h *RiskHandler) BatchAnalyze(c *gin.Context) {
	var payload batchAnalyzeRequest
	if !bindJSON(c, &payload) {
		return
	}
	inputs := make([]risk.Input, len(payload.Guides))
	for i, raw := range payload.Guides {
		inputs[i] = decodeGuide(raw)
	}
	report := h.analyzer.AnalyzeInputs(c.Request.Context(), inputs, risk.Options{
		AutoFix:           payload.AutoFix,
		IncludeValidation: payload.IncludeValidation,
		Operator:          payload.OperatorName,
		Parallelism:       h.parallelism,
	})
	c.JSON(http.StatusOK, report)
}

func decodeGuide(raw json.RawMessage) risk.Input {
	var req guideRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return risk.Input{Err: fmt.Errorf("invalid guide: %w", err)}
	}
	in := risk.Input{GuideNumber: req.GuideNumber}
	if err := binding.Validator.ValidateStruct(&req); err != nil {
		in.Err = fmt.Errorf("invalid guide: %w", err)
		return in
	}
	in.Guide, in.Err = req.guide()
	return in
}
