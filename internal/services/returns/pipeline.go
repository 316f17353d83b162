// Package returns ingests operator return files: a two-phase upload that
// never carries file bytes through the API, and an idempotent worker that
// applies the file to the batch.
package returns

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"

	"tiss-claims-backend/internal/actor"
	"tiss-claims-backend/internal/config"
	"tiss-claims-backend/internal/dispatch"
	"tiss-claims-backend/internal/models"
	"tiss-claims-backend/internal/objectstore"
	"tiss-claims-backend/internal/repository"
	"tiss-claims-backend/internal/services/ledger"
	"tiss-claims-backend/internal/services/timeline"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrInvalidFileSize = errors.New("file_size must be greater than zero")
	ErrFileTooLarge    = errors.New("file exceeds the maximum return size")
	ErrFileNameEmpty   = errors.New("file_name is required")
	ErrPathMismatch    = errors.New("storage_path does not match the upload that was requested")
	ErrTokenMismatch   = errors.New("upload token does not match")
	ErrReturnFailed    = errors.New("return already failed, request a new upload")
	ErrFileMissing     = errors.New("no file was uploaded to the storage path")
	ErrNotPending      = errors.New("no upload is pending for this return")
)

// BatchStateError rejects uploads against a batch that is not waiting for
// an operator answer.
type BatchStateError struct {
	Status models.BatchStatus
}

func (e *BatchStateError) Error() string {
	return fmt.Sprintf("batch in status %s does not accept returns", e.Status)
}

type Pipeline struct {
	batches  repository.BatchRepository
	returns  repository.ReturnRepository
	outbox   repository.OutboxRepository
	store    objectstore.Store
	ledger   *ledger.Ledger
	timeline *timeline.Timeline
	log      logrus.FieldLogger

	topic   string
	maxSize int64
	ttl     time.Duration
	now     func() time.Time
}

func NewPipeline(batches repository.BatchRepository, returns repository.ReturnRepository, outbox repository.OutboxRepository,
	store objectstore.Store, ldg *ledger.Ledger, tl *timeline.Timeline, cfg *config.Config, log logrus.FieldLogger) *Pipeline {
	return &Pipeline{
		batches:  batches,
		returns:  returns,
		outbox:   outbox,
		store:    store,
		ledger:   ldg,
		timeline: tl,
		log:      log,
		topic:    cfg.ReturnsTopic,
		maxSize:  cfg.MaxReturnFileSize,
		ttl:      cfg.SignedURLTTL,
		now:      time.Now,
	}
}

type UploadRequest struct {
	BatchID  uuid.UUID
	FileName string
	FileType string
	FileSize int64
	Checksum *string
	// ReturnID asks for a fresh handle on an upload that is still PENDING.
	ReturnID *uuid.UUID
}

type UploadTicket struct {
	ReturnID    uuid.UUID         `json:"return_id"`
	UploadURL   string            `json:"upload_url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	Token       string            `json:"token"`
	StoragePath string            `json:"storage_path"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// RequestUpload registers a PENDING return and hands out a short-lived
// write handle scoped to its storage path.
func (p *Pipeline) RequestUpload(ctx context.Context, act actor.Actor, req UploadRequest) (*UploadTicket, error) {
	if !act.CanWrite() {
		return nil, actor.ErrForbidden
	}
	if req.ReturnID != nil {
		return p.refreshUpload(ctx, act, *req.ReturnID)
	}

	name := strings.TrimSpace(req.FileName)
	if name == "" {
		return nil, ErrFileNameEmpty
	}
	if req.FileSize <= 0 {
		return nil, ErrInvalidFileSize
	}
	if req.FileSize > p.maxSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFileTooLarge, req.FileSize, p.maxSize)
	}
	fileType, err := models.ParseReturnFileType(req.FileType)
	if err != nil {
		return nil, err
	}
	if req.Checksum != nil && strings.TrimSpace(*req.Checksum) == "" {
		req.Checksum = nil
	}
	if req.Checksum != nil {
		if _, err := objectstore.ParseChecksum(*req.Checksum); err != nil {
			return nil, err
		}
	}

	batch, err := p.batches.GetByID(ctx, req.BatchID)
	if err != nil {
		return nil, err
	}
	if !act.CanAccess(batch.ClinicID) {
		return nil, repository.ErrNotFound
	}
	if !batch.Status.AcceptsReturns() {
		return nil, &BatchStateError{Status: batch.Status}
	}

	now := p.now().UTC()
	storagePath := StoragePath(batch, name, now)
	handle, err := p.store.SignedPut(ctx, storagePath, fileType.ContentType(), p.ttl)
	if err != nil {
		return nil, fmt.Errorf("sign upload: %w", err)
	}

	ret := &models.ReturnFile{
		ID:               uuid.New(),
		BatchID:          batch.ID,
		ClinicID:         batch.ClinicID,
		FileName:         name,
		FileType:         fileType,
		FileSize:         req.FileSize,
		Checksum:         req.Checksum,
		StoragePath:      storagePath,
		UploadToken:      uuid.NewString(),
		ProcessingStatus: models.ProcessingPending,
		UploadedBy:       act.ID,
	}
	if err := p.returns.Create(ctx, ret); err != nil {
		return nil, fmt.Errorf("create return: %w", err)
	}

	p.timeline.Log(ctx, batch.ID, models.EventReturnUploadRequested,
		fmt.Sprintf("upload requested for %s", name),
		map[string]any{"return_id": ret.ID.String(), "file_type": fileType, "file_size": req.FileSize}, act.ID)

	return ticket(ret, handle), nil
}

func (p *Pipeline) refreshUpload(ctx context.Context, act actor.Actor, returnID uuid.UUID) (*UploadTicket, error) {
	ret, err := p.accessibleReturn(ctx, act, returnID)
	if err != nil {
		return nil, err
	}
	if ret.ProcessingStatus != models.ProcessingPending {
		return nil, fmt.Errorf("%w: return is %s", ErrNotPending, ret.ProcessingStatus)
	}
	handle, err := p.store.SignedPut(ctx, ret.StoragePath, ret.FileType.ContentType(), p.ttl)
	if err != nil {
		return nil, fmt.Errorf("sign upload: %w", err)
	}
	return ticket(ret, handle), nil
}

func ticket(ret *models.ReturnFile, handle *objectstore.SignedURL) *UploadTicket {
	return &UploadTicket{
		ReturnID:    ret.ID,
		UploadURL:   handle.URL,
		Method:      handle.Method,
		Headers:     handle.Headers,
		Token:       ret.UploadToken,
		StoragePath: ret.StoragePath,
		ExpiresAt:   handle.ExpiresAt,
	}
}

func (p *Pipeline) accessibleReturn(ctx context.Context, act actor.Actor, id uuid.UUID) (*models.ReturnFile, error) {
	ret, err := p.returns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !act.CanAccess(ret.ClinicID) {
		return nil, repository.ErrNotFound
	}
	return ret, nil
}

type CompleteRequest struct {
	ReturnID       uuid.UUID
	StoragePath    string
	ActualFileSize *int64
	Token          string
}

type Completion struct {
	Return     *models.ReturnFile `json:"return"`
	Dispatched bool               `json:"dispatched"`
	// AlreadyDone is set when the return had been completed before.
	AlreadyDone bool `json:"already_done"`
}

// CompleteUpload confirms the object exists and queues the return for the
// worker. Calling it again for a completed return changes nothing.
func (p *Pipeline) CompleteUpload(ctx context.Context, act actor.Actor, req CompleteRequest) (*Completion, error) {
	if !act.CanWrite() {
		return nil, actor.ErrForbidden
	}
	ret, err := p.accessibleReturn(ctx, act, req.ReturnID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.StoragePath) != ret.StoragePath {
		return nil, ErrPathMismatch
	}
	if req.Token != "" && req.Token != ret.UploadToken {
		return nil, ErrTokenMismatch
	}

	switch ret.ProcessingStatus {
	case models.ProcessingCompleted:
		return &Completion{Return: ret, AlreadyDone: true}, nil
	case models.ProcessingFailed:
		return nil, ErrReturnFailed
	case models.ProcessingProcessing:
		return &Completion{Return: ret, Dispatched: true}, nil
	}

	info, err := p.store.Stat(ctx, ret.StoragePath)
	if errors.Is(err, objectstore.ErrObjectNotFound) {
		reason := fmt.Sprintf("no object found at %s", ret.StoragePath)
		if ferr := p.markFailed(ctx, act, ret, models.ErrorTypeFileMissing, models.EventReturnFileMissing, reason); ferr != nil {
			return nil, ferr
		}
		return nil, ErrFileMissing
	}
	if err != nil {
		return nil, fmt.Errorf("check uploaded object: %w", err)
	}
	if err := p.verifyChecksum(ctx, act, ret, info); err != nil {
		return nil, err
	}

	if req.ActualFileSize != nil && *req.ActualFileSize != info.Size {
		p.log.WithFields(logrus.Fields{
			"module":    "returns",
			"return_id": ret.ID,
			"declared":  *req.ActualFileSize,
			"stored":    info.Size,
		}).Warn("reported file size differs from stored object")
	}
	if info.Size != ret.FileSize {
		ret.FileSize = info.Size
		if err := p.returns.Update(ctx, ret); err != nil {
			return nil, fmt.Errorf("update return size: %w", err)
		}
	}

	p.timeline.Log(ctx, ret.BatchID, models.EventReturnUploaded,
		fmt.Sprintf("%s uploaded (%d bytes)", ret.FileName, info.Size),
		map[string]any{"return_id": ret.ID.String(), "storage_path": ret.StoragePath}, act.ID)

	return &Completion{Return: ret, Dispatched: p.dispatch(ctx, ret)}, nil
}

// verifyChecksum fails the return when the stored object does not hash to
// the digest declared at request time.
func (p *Pipeline) verifyChecksum(ctx context.Context, act actor.Actor, ret *models.ReturnFile, info *objectstore.ObjectInfo) error {
	if ret.Checksum == nil {
		return nil
	}
	sum, err := objectstore.ParseChecksum(*ret.Checksum)
	if err != nil {
		return err
	}
	checked, err := sum.Verify(info)
	if !checked {
		p.log.WithFields(logrus.Fields{
			"module":    "returns",
			"return_id": ret.ID,
		}).Warn("stored object has no md5, declared checksum not verified")
		return nil
	}
	if err == nil {
		return nil
	}
	if ferr := p.markFailed(ctx, act, ret, models.ErrorTypeChecksumMismatch, models.EventReturnFailed, err.Error()); ferr != nil {
		return ferr
	}
	return err
}

// dispatch queues the worker job. Failures are logged only: the client's
// upload succeeded and the return stays PENDING for a later retry. A job
// already in the outbox is reused; one that gave up is queued again.
func (p *Pipeline) dispatch(ctx context.Context, ret *models.ReturnFile) bool {
	job := models.ReturnJob{
		ReturnID:    ret.ID,
		BatchID:     ret.BatchID,
		ClinicID:    ret.ClinicID,
		StoragePath: ret.StoragePath,
		FileType:    ret.FileType,
	}
	read, err := p.store.SignedGet(ctx, ret.StoragePath, p.ttl)
	if err != nil {
		config.LogError(p.log, "returns", "dispatch", "sign read handle", map[string]any{"return_id": ret.ID}, err)
	} else {
		job.ReadURL = read.URL
	}

	msg, err := dispatch.NewReturnJobMessage(p.topic, job)
	if err != nil {
		config.LogError(p.log, "returns", "dispatch", "build outbox message", map[string]any{"return_id": ret.ID}, err)
		return false
	}
	inserted, err := p.outbox.Enqueue(ctx, msg)
	if err != nil {
		config.LogError(p.log, "returns", "dispatch", "enqueue return job", map[string]any{"return_id": ret.ID}, err)
		return false
	}
	if inserted {
		return true
	}

	status, err := p.outbox.Requeue(ctx, msg.Topic, msg.DedupeKey, msg.Payload, p.now().UTC())
	if err != nil {
		config.LogError(p.log, "returns", "dispatch", "requeue return job", map[string]any{"return_id": ret.ID}, err)
		return false
	}
	p.log.WithFields(logrus.Fields{
		"module":    "returns",
		"return_id": ret.ID,
		"status":    status,
	}).Info("return job already in outbox")
	return status == models.OutboxPending || status == models.OutboxSent
}

// markFailed moves a PENDING return to FAILED and records why in the
// ledger and on the timeline.
func (p *Pipeline) markFailed(ctx context.Context, act actor.Actor, ret *models.ReturnFile,
	errType models.ImportErrorType, event models.BatchEventType, reason string) error {
	ok, err := p.returns.Transition(ctx, ret.ID, []models.ProcessingStatus{models.ProcessingPending}, models.ProcessingFailed)
	if err != nil {
		return fmt.Errorf("mark return failed: %w", err)
	}
	if !ok {
		return nil
	}
	ret.ProcessingStatus = models.ProcessingFailed
	ret.FailureReason = &reason
	if err := p.returns.Update(ctx, ret); err != nil {
		config.LogError(p.log, "returns", "markFailed", "store failure reason", map[string]any{"return_id": ret.ID}, err)
	}

	entry := &models.ImportError{
		ID:        uuid.New(),
		ReturnID:  ret.ID,
		ErrorType: errType,
		Message:   reason,
	}
	if _, err := p.ledger.Record(ctx, ret.BatchID, []*models.ImportError{entry}); err != nil {
		config.LogError(p.log, "returns", "markFailed", "record failure", map[string]any{"return_id": ret.ID}, err)
	}
	p.timeline.Log(ctx, ret.BatchID, event, reason,
		map[string]any{"return_id": ret.ID.String(), "error_type": errType}, act.ID)
	return nil
}

// List returns the uploads of a batch, newest first.
func (p *Pipeline) List(ctx context.Context, act actor.Actor, batchID uuid.UUID) ([]*models.ReturnFile, error) {
	batch, err := p.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !act.CanAccess(batch.ClinicID) {
		return nil, repository.ErrNotFound
	}
	return p.returns.ListByBatch(ctx, batchID)
}

var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// StoragePath is returns/{clinic}/{batch number}/{timestamp}-{random}-{name}.
// The random part keeps two uploads in the same second apart and makes the
// path unguessable.
func StoragePath(batch *models.Batch, fileName string, at time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return path.Join("returns", batch.ClinicID.String(), safeName(batch.BatchNumber),
		fmt.Sprintf("%s-%s-%s", at.UTC().Format("20060102T150405"), random, safeName(fileName)))
}

func safeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	folded, _, err := transform.String(foldAccents, name)
	if err == nil {
		name = folded
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		case unicode.IsSpace(r):
			return '_'
		}
		return -1
	}, name)
	name = strings.Trim(name, ".")
	if name == "" {
		return "file"
	}
	if len(name) > 100 {
		name = name[len(name)-100:]
	}
	return name
}
