package handler

import (
	"errors"
	"net/http"

	"tiss-claims-backend/internal/actor"
	"tiss-claims-backend/internal/config"
	"tiss-claims-backend/internal/models"
	"tiss-claims-backend/internal/objectstore"
	"tiss-claims-backend/internal/repository"
	"tiss-claims-backend/internal/services/ledger"
	"tiss-claims-backend/internal/services/lifecycle"
	"tiss-claims-backend/internal/services/returns"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Error types returned in the "type" field of every error body.
const (
	errStructural     = "structural"
	errLifecycle      = "lifecycle"
	errNotFound       = "not_found"
	errInvalidRequest = "invalid_request"
	errForbidden      = "forbidden"
	errIngestion      = "ingestion"
	errInternal       = "internal"
)

func abort(c *gin.Context, status int, typ, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "type": typ})
}

// respondError maps core errors to HTTP. Anything unrecognised is logged
// and reported as internal without leaking its text.
func respondError(c *gin.Context, log logrus.FieldLogger, funcName string, err error) {
	var (
		transition *lifecycle.TransitionError
		failed     *lifecycle.ValidationFailedError
		batchState *returns.BatchStateError
	)
	switch {
	case errors.As(err, &transition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":          err.Error(),
			"type":           errLifecycle,
			"current_status": transition.Current,
			"attempted":      transition.Target,
		})
	case errors.As(err, &failed):
		guides := failed.Guides
		if guides == nil {
			guides = []lifecycle.GuideViolations{}
		}
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
			"error":  err.Error(),
			"type":   errStructural,
			"guides": guides,
		})
	case errors.As(err, &batchState):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":          err.Error(),
			"type":           errLifecycle,
			"current_status": batchState.Status,
		})
	case errors.Is(err, lifecycle.ErrConcurrentTransition),
		errors.Is(err, lifecycle.ErrBatchLocked),
		errors.Is(err, lifecycle.ErrBatchNotEditable):
		abort(c, http.StatusConflict, errLifecycle, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		abort(c, http.StatusNotFound, errNotFound, "not found")
	case errors.Is(err, actor.ErrForbidden):
		abort(c, http.StatusForbidden, errForbidden, "operation not allowed for this role")
	case errors.Is(err, repository.ErrConflict),
		errors.Is(err, ledger.ErrAlreadyResolved):
		abort(c, http.StatusConflict, errInvalidRequest, err.Error())
	case errors.Is(err, returns.ErrFileTooLarge):
		abort(c, http.StatusRequestEntityTooLarge, errInvalidRequest, err.Error())
	case errors.Is(err, returns.ErrFileMissing),
		errors.Is(err, objectstore.ErrChecksumMismatch):
		abort(c, http.StatusUnprocessableEntity, errIngestion, err.Error())
	case errors.Is(err, returns.ErrReturnFailed),
		errors.Is(err, returns.ErrNotPending):
		abort(c, http.StatusConflict, errIngestion, err.Error())
	case errors.Is(err, lifecycle.ErrNoteRequired),
		errors.Is(err, lifecycle.ErrUnknownAction),
		errors.Is(err, lifecycle.ErrInvalidGuideType),
		errors.Is(err, lifecycle.ErrInvalidPeriod),
		errors.Is(err, actor.ErrMissingClinic),
		errors.Is(err, models.ErrUnsupportedFileType),
		errors.Is(err, returns.ErrInvalidFileSize),
		errors.Is(err, returns.ErrFileNameEmpty),
		errors.Is(err, returns.ErrPathMismatch),
		errors.Is(err, returns.ErrTokenMismatch),
		errors.Is(err, objectstore.ErrInvalidChecksum):
		abort(c, http.StatusBadRequest, errInvalidRequest, err.Error())
	default:
		config.LogError(log, "handler", funcName, c.Request.Method+" "+c.FullPath(), nil, err)
		abort(c, http.StatusInternalServerError, errInternal, "internal error")
	}
}

func paramID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		abort(c, http.StatusBadRequest, errInvalidRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		abort(c, http.StatusBadRequest, errInvalidRequest, "invalid payload: "+err.Error())
		return false
	}
	return true
}
