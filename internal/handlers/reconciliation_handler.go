package handler

import (
	"net/http"

	"tiss-claims-backend/internal/actor"
	"tiss-claims-backend/internal/middleware"
	"tiss-claims-backend/internal/models"
	"tiss-claims-backend/internal/services/ledger"
	"tiss-claims-backend/internal/services/lifecycle"
	"tiss-claims-backend/internal/services/returns"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ReconciliationHandler serves operator return uploads and the error
// ledger they produce.
type ReconciliationHandler struct {
	pipeline  *returns.Pipeline
	ledger    *ledger.Ledger
	lifecycle *lifecycle.Manager
	log       logrus.FieldLogger
}

func NewReconciliationHandler(p *returns.Pipeline, ldg *ledger.Ledger, lc *lifecycle.Manager, log logrus.FieldLogger) *ReconciliationHandler {
	return &ReconciliationHandler{pipeline: p, ledger: ldg, lifecycle: lc, log: log}
}

// GenerateUploadURL is the first upload phase. Sending return_id asks for
// a fresh handle on a pending upload.
func (h *ReconciliationHandler) GenerateUploadURL(c *gin.Context) {
	var payload uploadURLRequest
	if !bindJSON(c, &payload) {
		return
	}
	ticket, err := h.pipeline.RequestUpload(c.Request.Context(), middleware.ActorFrom(c), returns.UploadRequest{
		BatchID:  payload.BatchID,
		FileName: payload.FileName,
		FileType: payload.FileType,
		FileSize: payload.FileSize,
		Checksum: payload.Checksum,
		ReturnID: payload.ReturnID,
	})
	if err != nil {
		respondError(c, h.log, "GenerateUploadURL", err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// NotifyUploadComplete is the second upload phase. A queue failure still
// answers 202 with dispatched=false: the file is safe and can be requeued.
func (h *ReconciliationHandler) NotifyUploadComplete(c *gin.Context) {
	var payload uploadCompleteRequest
	if !bindJSON(c, &payload) {
		return
	}
	done, err := h.pipeline.CompleteUpload(c.Request.Context(), middleware.ActorFrom(c), returns.CompleteRequest{
		ReturnID:       payload.ReturnID,
		StoragePath:    payload.StoragePath,
		ActualFileSize: payload.ActualFileSize,
		Token:          payload.Token,
	})
	if err != nil {
		respondError(c, h.log, "NotifyUploadComplete", err)
		return
	}
	if done.AlreadyDone {
		c.JSON(http.StatusOK, gin.H{"message": "return already processed", "return": done.Return, "dispatched": false})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "return queued for processing", "return": done.Return, "dispatched": done.Dispatched})
}

func (h *ReconciliationHandler) ListReturns(c *gin.Context) {
	batchID, ok := paramID(c, "batchId")
	if !ok {
		return
	}
	items, err := h.pipeline.List(c.Request.Context(), middleware.ActorFrom(c), batchID)
	if err != nil {
		respondError(c, h.log, "ListReturns", err)
		return
	}
	if items == nil {
		items = []*models.ReturnFile{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *ReconciliationHandler) ListErrors(c *gin.Context) {
	batchID, ok := paramID(c, "batchId")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.lifecycle.GetBatch(ctx, middleware.ActorFrom(c), batchID); err != nil {
		respondError(c, h.log, "ListErrors", err)
		return
	}
	listing, err := h.ledger.List(ctx, batchID)
	if err != nil {
		respondError(c, h.log, "ListErrors", err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

func (h *ReconciliationHandler) ResolveError(c *gin.Context) {
	batchID, ok := paramID(c, "batchId")
	if !ok {
		return
	}
	errorID, ok := paramID(c, "errorId")
	if !ok {
		return
	}
	var payload resolveRequest
	if !bindJSON(c, &payload) {
		return
	}
	status, err := models.ParseResolution(payload.ResolutionStatus)
	if err != nil {
		abort(c, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	act := middleware.ActorFrom(c)
	if !act.CanWrite() {
		respondError(c, h.log, "ResolveError", actor.ErrForbidden)
		return
	}
	if _, err := h.lifecycle.GetBatch(ctx, act, batchID); err != nil {
		respondError(c, h.log, "ResolveError", err)
		return
	}
	entry, summary, err := h.ledger.Resolve(ctx, act, batchID, errorID, status, payload.ResolutionNotes)
	if err != nil {
		respondError(c, h.log, "ResolveError", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "import error " + string(status), "import_error": entry, "summary": summary})
}
