package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type BatchEventType string

const (
	EventBatchCreated          BatchEventType = "BATCH_CREATED"
	EventGuideAdded            BatchEventType = "GUIDE_ADDED"
	EventGuideUpdated          BatchEventType = "GUIDE_UPDATED"
	EventBatchValidated        BatchEventType = "BATCH_VALIDATED"
	EventValidationFailed      BatchEventType = "VALIDATION_FAILED"
	EventBatchSent             BatchEventType = "BATCH_SENT"
	EventBatchApproved         BatchEventType = "BATCH_APPROVED"
	EventBatchRejected         BatchEventType = "BATCH_REJECTED"
	EventBatchPaid             BatchEventType = "BATCH_PAID"
	EventTotalsRecomputed      BatchEventType = "TOTALS_RECOMPUTED"
	EventReturnUploadRequested BatchEventType = "RETURN_UPLOAD_REQUESTED"
	EventReturnUploaded        BatchEventType = "RETURN_UPLOADED"
	EventReturnFileMissing     BatchEventType = "RETURN_FILE_MISSING"
	EventReturnProcessing      BatchEventType = "RETURN_PROCESSING"
	EventReturnProcessed       BatchEventType = "RETURN_PROCESSED"
	EventReturnFailed          BatchEventType = "RETURN_FAILED"
	EventImportErrorResolved   BatchEventType = "IMPORT_ERROR_RESOLVED"
)

// BatchEvent is an immutable timeline entry.
type BatchEvent struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	BatchID     uuid.UUID      `gorm:"type:uuid;index;not null" json:"batch_id"`
	EventType   BatchEventType `gorm:"size:40;not null" json:"event_type"`
	Description string         `gorm:"type:text" json:"description"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
	ActorID     string         `gorm:"size:64" json:"actor_id"`
	CreatedAt   time.Time      `gorm:"index" json:"created_at"`
}
