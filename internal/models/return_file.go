package models

import (
	"time"

	"github.com/google/uuid"
)

// ReturnFile is one operator response file uploaded against a batch.
type ReturnFile struct {
	ID               uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	BatchID          uuid.UUID        `gorm:"type:uuid;index;not null" json:"batch_id"`
	ClinicID         uuid.UUID        `gorm:"type:uuid;index;not null" json:"clinic_id"`
	FileName         string           `gorm:"size:255;not null" json:"file_name"`
	FileType         ReturnFileType   `gorm:"size:10;not null" json:"file_type"`
	FileSize         int64            `json:"file_size"`
	Checksum         *string          `gorm:"size:128" json:"checksum,omitempty"`
	StoragePath      string           `gorm:"size:512;uniqueIndex;not null" json:"storage_path"`
	UploadToken      string           `gorm:"size:64" json:"-"`
	ProcessingStatus ProcessingStatus `gorm:"size:20;index;not null" json:"processing_status"`
	FailureReason    *string          `gorm:"type:text" json:"failure_reason,omitempty"`
	RecordsTotal     int              `json:"records_total"`
	RecordsMatched   int              `json:"records_matched"`
	RecordsFailed    int              `json:"records_failed"`
	UploadedBy       string           `gorm:"size:64" json:"uploaded_by"`
	ProcessedAt      *time.Time       `json:"processed_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (ReturnFile) TableName() string { return "batch_returns" }
