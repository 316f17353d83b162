package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// OutboxMessage is a durable worker dispatch waiting to be relayed to the
// message broker. Unique (topic, dedupe_key) keeps retried completions from
// enqueueing the same job twice.
type OutboxMessage struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Topic         string         `gorm:"size:120;not null;uniqueIndex:ux_outbox_dedupe,priority:1" json:"topic"`
	DedupeKey     string         `gorm:"size:120;not null;uniqueIndex:ux_outbox_dedupe,priority:2" json:"dedupe_key"`
	AggregateID   uuid.UUID      `gorm:"type:uuid;index" json:"aggregate_id"`
	Payload       datatypes.JSON `gorm:"not null" json:"payload"`
	Status        OutboxStatus   `gorm:"size:20;not null;index:idx_outbox_due,priority:1" json:"status"`
	Attempts      int            `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt *time.Time     `gorm:"index:idx_outbox_due,priority:2" json:"next_attempt_at"`
	LockedAt      *time.Time     `json:"locked_at"`
	LockedBy      *string        `gorm:"size:100" json:"locked_by"`
	LastError     *string        `gorm:"type:text" json:"last_error"`
	MessageID     *string        `gorm:"size:255" json:"message_id"`
	PublishedAt   *time.Time     `json:"published_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ReturnJob is the payload handed to the return-processing worker.
type ReturnJob struct {
	ReturnID    uuid.UUID      `json:"return_id"`
	BatchID     uuid.UUID      `json:"batch_id"`
	ClinicID    uuid.UUID      `json:"clinic_id"`
	StoragePath string         `json:"storage_path"`
	ReadURL     string         `json:"read_handle"`
	FileType    ReturnFileType `json:"file_type"`
}

// All lists every persisted model, in migration order.
func All() []interface{} {
	return []interface{}{
		&Batch{},
		&Guide{},
		&ReturnFile{},
		&ImportError{},
		&BatchEvent{},
		&OutboxMessage{},
	}
}
