package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ImportError is one reconciliation problem found while applying a return.
// Only the resolution columns are ever updated.
type ImportError struct {
	ID                  uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	BatchID             uuid.UUID        `gorm:"type:uuid;index;not null" json:"batch_id"`
	ReturnID            uuid.UUID        `gorm:"type:uuid;not null;uniqueIndex:ux_import_error_item,priority:1" json:"return_id"`
	LineNumber          int              `gorm:"not null;uniqueIndex:ux_import_error_item,priority:2" json:"line_number"`
	ErrorType           ImportErrorType  `gorm:"size:30;not null;index;uniqueIndex:ux_import_error_item,priority:3" json:"error_type"`
	GuideNumberFromFile string           `gorm:"size:40;uniqueIndex:ux_import_error_item,priority:4" json:"guide_number_from_file"`
	Message             string           `gorm:"type:text;not null" json:"message"`
	Details             datatypes.JSON   `json:"details,omitempty"`
	ResolutionStatus    ResolutionStatus `gorm:"size:20;index;not null;default:'PENDING'" json:"resolution_status"`
	ResolutionNotes     *string          `gorm:"type:text" json:"resolution_notes,omitempty"`
	ResolvedBy          *string          `gorm:"size:64" json:"resolved_by,omitempty"`
	ResolvedAt          *time.Time       `json:"resolved_at,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
}
