package repository

import (
	"context"
	"errors"
	"time"

	"tiss-claims-backend/internal/models"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrConflict    = errors.New("record already exists")
	ErrStaleStatus = errors.New("status changed concurrently")
)

// StatusChange is a conditional batch transition: it only applies while the
// persisted status still equals From.
type StatusChange struct {
	From              models.BatchStatus
	To                models.BatchStatus
	Note              string
	SubmittedAt       *time.Time
	ReturnProcessedAt *time.Time
}

type BatchRepository interface {
	Create(ctx context.Context, b *models.Batch) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Batch, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, change StatusChange) error
	UpdateTotals(ctx context.Context, id uuid.UUID, totals models.BatchTotals) error
	// RefreshErrorCounts runs the store-side error count aggregate and
	// returns the refreshed summary.
	RefreshErrorCounts(ctx context.Context, id uuid.UUID) (models.ErrorSummary, error)
}

// DenialStat is the historical outcome of one procedure at one operator.
type DenialStat struct {
	OperatorName  string
	ProcedureCode string
	Reconciled    int64
	Denied        int64
	Partial       int64
}

type GuideRepository interface {
	Create(ctx context.Context, g *models.Guide) error
	Update(ctx context.Context, g *models.Guide) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Guide, error)
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.Guide, error)
	// MarkSent moves every unreconciled guide of the batch to SENT.
	MarkSent(ctx context.Context, batchID uuid.UUID) (int64, error)
	// ApplyResult overwrites the settled outcome of a guide. Applying the
	// same result twice leaves the same row.
	ApplyResult(ctx context.Context, batchID, guideID uuid.UUID, res models.GuideResult) error
	DenialStats(ctx context.Context) ([]DenialStat, error)
}

type ReturnRepository interface {
	Create(ctx context.Context, r *models.ReturnFile) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ReturnFile, error)
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.ReturnFile, error)
	Update(ctx context.Context, r *models.ReturnFile) error
	// Transition moves the return to status `to` only if it currently is in
	// one of `from`. It reports whether a row changed.
	Transition(ctx context.Context, id uuid.UUID, from []models.ProcessingStatus, to models.ProcessingStatus) (bool, error)
}

type ImportErrorRepository interface {
	// CreateMany skips entries that already exist for the same return item.
	CreateMany(ctx context.Context, errs []*models.ImportError) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ImportError, error)
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.ImportError, error)
	// Resolve only succeeds while the error is still PENDING.
	Resolve(ctx context.Context, id uuid.UUID, status models.ResolutionStatus, notes *string, by string, at time.Time) error
}

type EventRepository interface {
	// Append goes through the store's append-log helper.
	Append(ctx context.Context, e *models.BatchEvent) error
	ListByBatch(ctx context.Context, batchID uuid.UUID, limit int) ([]*models.BatchEvent, error)
}

type OutboxRepository interface {
	// Enqueue reports false when a message with the same topic and dedupe key
	// already exists.
	Enqueue(ctx context.Context, m *models.OutboxMessage) (bool, error)
	ClaimDue(ctx context.Context, workerID string, now time.Time, lockTTL time.Duration, limit int) ([]*models.OutboxMessage, error)
	MarkSent(ctx context.Context, id uuid.UUID, messageID string, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, status models.OutboxStatus, next *time.Time, errMsg string) error
	// Requeue resets a FAILED or DEAD message with this topic and dedupe key
	// to PENDING, due now, with a fresh payload. It returns the status the
	// message has afterwards, or ErrNotFound when there is none.
	Requeue(ctx context.Context, topic, dedupeKey string, payload []byte, now time.Time) (models.OutboxStatus, error)
}
