package handler

import (
	"net/http"
	"strconv"

	"tiss-claims-backend/internal/middleware"
	"tiss-claims-backend/internal/services/lifecycle"
	"tiss-claims-backend/internal/services/risk"
	"tiss-claims-backend/internal/services/timeline"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type BatchHandler struct {
	lifecycle   *lifecycle.Manager
	timeline    *timeline.Timeline
	analyzer    *risk.Analyzer
	parallelism int
	log         logrus.FieldLogger
}

func NewBatchHandler(lc *lifecycle.Manager, tl *timeline.Timeline, analyzer *risk.Analyzer, parallelism int, log logrus.FieldLogger) *BatchHandler {
	return &BatchHandler{lifecycle: lc, timeline: tl, analyzer: analyzer, parallelism: parallelism, log: log}
}

func (h *BatchHandler) Create(c *gin.Context) {
	var payload createBatchRequest
	if !bindJSON(c, &payload) {
		return
	}
	batch, err := h.lifecycle.CreateBatch(c.Request.Context(), middleware.ActorFrom(c), lifecycle.NewBatch{
		BatchNumber:    payload.BatchNumber,
		ClinicID:       payload.ClinicID,
		OperatorID:     payload.OperatorID,
		OperatorName:   payload.OperatorName,
		ReferenceYear:  payload.ReferenceYear,
		ReferenceMonth: payload.ReferenceMonth,
	})
	if err != nil {
		respondError(c, h.log, "Create", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "batch created", "batch": batch})
}

func (h *BatchHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	batch, err := h.lifecycle.GetBatch(c.Request.Context(), middleware.ActorFrom(c), id)
	if err != nil {
		respondError(c, h.log, "Get", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch": batch, "error_summary": batch.ErrorSummary()})
}

// ChangeStatus runs one lifecycle action: validate, send, approve, reject
// or pay.
func (h *BatchHandler) ChangeStatus(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var payload statusRequest
	if !bindJSON(c, &payload) {
		return
	}
	action, err := lifecycle.ParseAction(payload.Action)
	if err != nil {
		respondError(c, h.log, "ChangeStatus", err)
		return
	}
	batch, err := h.lifecycle.ApplyAction(c.Request.Context(), middleware.ActorFrom(c), id, action, payload.Notes)
	if err != nil {
		respondError(c, h.log, "ChangeStatus", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "batch " + string(action) + " completed", "batch": batch})
}

func (h *BatchHandler) Recompute(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	batch, err := h.lifecycle.RecomputeBatch(c.Request.Context(), middleware.ActorFrom(c), id)
	if err != nil {
		respondError(c, h.log, "Recompute", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "totals recomputed", "batch": batch})
}

func (h *BatchHandler) Events(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.lifecycle.GetBatch(ctx, middleware.ActorFrom(c), id); err != nil {
		respondError(c, h.log, "Events", err)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := h.timeline.List(ctx, id, limit)
	if err != nil {
		respondError(c, h.log, "Events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": events})
}

func (h *BatchHandler) ListGuides(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	guides, err := h.lifecycle.ListGuides(c.Request.Context(), middleware.ActorFrom(c), id)
	if err != nil {
		respondError(c, h.log, "ListGuides", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": guides})
}

func (h *BatchHandler) AddGuide(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var payload guideRequest
	if !bindJSON(c, &payload) {
		return
	}
	in, err := payload.input()
	if err != nil {
		abort(c, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}
	change, err := h.lifecycle.AddGuide(c.Request.Context(), middleware.ActorFrom(c), id, in)
	if err != nil {
		respondError(c, h.log, "AddGuide", err)
		return
	}
	c.JSON(http.StatusCreated, change)
}

func (h *BatchHandler) UpdateGuide(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var payload guideRequest
	if !bindJSON(c, &payload) {
		return
	}
	in, err := payload.input()
	if err != nil {
		abort(c, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}
	change, err := h.lifecycle.UpdateGuide(c.Request.Context(), middleware.ActorFrom(c), id, in)
	if err != nil {
		respondError(c, h.log, "UpdateGuide", err)
		return
	}
	c.JSON(http.StatusOK, change)
}

// Risk scores every guide of the batch against the batch's operator.
func (h *BatchHandler) Risk(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	act := middleware.ActorFrom(c)
	batch, err := h.lifecycle.GetBatch(ctx, act, id)
	if err != nil {
		respondError(c, h.log, "Risk", err)
		return
	}
	guides, err := h.lifecycle.ListGuides(ctx, act, id)
	if err != nil {
		respondError(c, h.log, "Risk", err)
		return
	}
	report := h.analyzer.BatchAnalyze(ctx, guides, risk.Options{
		IncludeValidation: c.Query("include_validation") != "false",
		Operator:          batch.OperatorName,
		Parallelism:       h.parallelism,
	})
	c.JSON(http.StatusOK, gin.H{"batch_id": batch.ID, "operator_name": batch.OperatorName, "results": report.Results, "summary": report.Summary})
}
