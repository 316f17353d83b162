package returns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"tiss-claims-backend/internal/actor"
	"tiss-claims-backend/internal/config"
	"tiss-claims-backend/internal/dispatch"
	"tiss-claims-backend/internal/models"
	"tiss-claims-backend/internal/objectstore"
	"tiss-claims-backend/internal/repository"
	"tiss-claims-backend/internal/services/ledger"
	"tiss-claims-backend/internal/services/lifecycle"
	"tiss-claims-backend/internal/services/reconciliation"
	"tiss-claims-backend/internal/services/returns/parser"
	"tiss-claims-backend/internal/services/timeline"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Worker applies one uploaded return file to its batch.
type Worker struct {
	returns   repository.ReturnRepository
	store     objectstore.Store
	recon     *reconciliation.Service
	ledger    *ledger.Ledger
	lifecycle *lifecycle.Manager
	timeline  *timeline.Timeline
	log       logrus.FieldLogger
	tracer    trace.Tracer

	maxSize int64
	now     func() time.Time
}

func NewWorker(returns repository.ReturnRepository, store objectstore.Store, recon *reconciliation.Service, ldg *ledger.Ledger,
	lc *lifecycle.Manager, tl *timeline.Timeline, cfg *config.Config, log logrus.FieldLogger) *Worker {
	return &Worker{
		returns:   returns,
		store:     store,
		recon:     recon,
		ledger:    ldg,
		lifecycle: lc,
		timeline:  tl,
		log:       log,
		tracer:    otel.Tracer("tiss-claims-backend/returns"),
		maxSize:   cfg.MaxReturnFileSize,
		now:       time.Now,
	}
}

// Process runs a return job. It is safe to deliver the same job any number
// of times: finished returns are skipped and a return left PROCESSING by a
// crashed run is applied again with the same result. Returned errors are
// transient unless wrapped with dispatch.Permanent.
func (w *Worker) Process(ctx context.Context, job models.ReturnJob) (err error) {
	ctx, span := w.tracer.Start(ctx, "returns.Process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("return.id", job.ReturnID.String()),
			attribute.String("batch.id", job.BatchID.String()),
			attribute.String("return.file_type", string(job.FileType)),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ret, err := w.returns.GetByID(ctx, job.ReturnID)
	if errors.Is(err, repository.ErrNotFound) {
		return dispatch.Permanent(fmt.Errorf("return %s: %w", job.ReturnID, err))
	}
	if err != nil {
		return fmt.Errorf("load return: %w", err)
	}
	if ret.ProcessingStatus == models.ProcessingCompleted || ret.ProcessingStatus == models.ProcessingFailed {
		w.log.WithFields(logrus.Fields{
			"module":    "returns",
			"return_id": ret.ID,
			"status":    ret.ProcessingStatus,
		}).Info("return already finished, skipping job")
		return nil
	}

	claimed, err := w.returns.Transition(ctx, ret.ID,
		[]models.ProcessingStatus{models.ProcessingPending, models.ProcessingProcessing}, models.ProcessingProcessing)
	if err != nil {
		return fmt.Errorf("claim return: %w", err)
	}
	if !claimed {
		return nil
	}
	ret.ProcessingStatus = models.ProcessingProcessing
	system := actor.System(ret.ClinicID).ID
	w.timeline.Log(ctx, ret.BatchID, models.EventReturnProcessing,
		fmt.Sprintf("processing %s", ret.FileName), map[string]any{"return_id": ret.ID.String()}, system)

	data, err := w.read(ctx, ret)
	if errors.Is(err, objectstore.ErrObjectNotFound) {
		return w.fail(ctx, ret, models.ErrorTypeFileMissing, models.EventReturnFileMissing,
			fmt.Sprintf("no object found at %s", ret.StoragePath))
	}
	var tooLarge *sizeError
	if errors.As(err, &tooLarge) {
		return w.fail(ctx, ret, models.ErrorTypeParseError, models.EventReturnFailed, err.Error())
	}
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("return.bytes", len(data)))

	items, err := parser.Parse(ret.FileType, data)
	if err != nil {
		return w.fail(ctx, ret, models.ErrorTypeParseError, models.EventReturnFailed, err.Error())
	}

	outcome, err := w.recon.Apply(ctx, ret, items)
	if err != nil {
		return fmt.Errorf("apply return: %w", err)
	}
	summary, err := w.ledger.Record(ctx, ret.BatchID, outcome.Errors)
	if err != nil {
		return err
	}

	batch, err := w.lifecycle.ReturnProcessed(ctx, ret.BatchID, ret.ID)
	var te *lifecycle.TransitionError
	switch {
	case errors.As(err, &te):
		w.log.WithFields(logrus.Fields{
			"module":    "returns",
			"return_id": ret.ID,
			"batch_id":  ret.BatchID,
			"status":    te.Current,
		}).Warn("batch no longer accepts returns, guide results kept")
	case err != nil:
		return fmt.Errorf("advance batch: %w", err)
	}

	processedAt := w.now()
	ret.ProcessingStatus = models.ProcessingCompleted
	ret.RecordsTotal = outcome.Total
	ret.RecordsMatched = outcome.Matched
	ret.RecordsFailed = outcome.Failed
	ret.ProcessedAt = &processedAt
	ret.FailureReason = nil
	if err := w.returns.Update(ctx, ret); err != nil {
		return fmt.Errorf("complete return: %w", err)
	}

	meta := map[string]any{
		"return_id":       ret.ID.String(),
		"records_total":   outcome.Total,
		"records_matched": outcome.Matched,
		"records_failed":  outcome.Failed,
		"by_error":        outcome.ByError,
		"pending_errors":  summary.PendingErrors,
	}
	if batch != nil {
		meta["batch_status"] = batch.Status
	}
	w.timeline.Log(ctx, ret.BatchID, models.EventReturnProcessed,
		fmt.Sprintf("%s applied: %d matched, %d failed", ret.FileName, outcome.Matched, outcome.Failed), meta, system)

	span.SetAttributes(
		attribute.Int("return.records_total", outcome.Total),
		attribute.Int("return.records_failed", outcome.Failed),
	)
	w.log.WithFields(logrus.Fields{
		"module":          "returns",
		"return_id":       ret.ID,
		"batch_id":        ret.BatchID,
		"records_total":   outcome.Total,
		"records_matched": outcome.Matched,
		"records_failed":  outcome.Failed,
	}).Info("return processed")
	return nil
}

type sizeError struct {
	limit int64
}

func (e *sizeError) Error() string {
	return fmt.Sprintf("file exceeds the maximum return size of %d bytes", e.limit)
}

func (w *Worker) read(ctx context.Context, ret *models.ReturnFile) ([]byte, error) {
	rc, err := w.store.Open(ctx, ret.StoragePath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, w.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read return file: %w", err)
	}
	if int64(len(data)) > w.maxSize {
		return nil, &sizeError{limit: w.maxSize}
	}
	return data, nil
}

// fail finishes the return as FAILED. The failure is recorded in the
// ledger and the job is acknowledged.
func (w *Worker) fail(ctx context.Context, ret *models.ReturnFile, typ models.ImportErrorType, event models.BatchEventType, reason string) error {
	now := w.now()
	ret.ProcessingStatus = models.ProcessingFailed
	ret.FailureReason = &reason
	ret.ProcessedAt = &now
	if err := w.returns.Update(ctx, ret); err != nil {
		return fmt.Errorf("mark return failed: %w", err)
	}

	entry := &models.ImportError{
		ID:        uuid.New(),
		ReturnID:  ret.ID,
		ErrorType: typ,
		Message:   reason,
	}
	if _, err := w.ledger.Record(ctx, ret.BatchID, []*models.ImportError{entry}); err != nil {
		config.LogError(w.log, "returns", "fail", "record return failure", map[string]any{"return_id": ret.ID}, err)
	}
	w.timeline.Log(ctx, ret.BatchID, event, reason,
		map[string]any{"return_id": ret.ID.String(), "error_type": typ}, actor.System(ret.ClinicID).ID)
	w.log.WithFields(logrus.Fields{
		"module":     "returns",
		"return_id":  ret.ID,
		"error_type": typ,
	}).Warn("return failed: " + reason)
	return nil
}
