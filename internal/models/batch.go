package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Batch bundles the guides sent to one operator for one billing period.
// The money columns are a cached projection of the member guides.
type Batch struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	BatchNumber       string          `gorm:"size:40;not null;index" json:"batch_number"`
	ClinicID          uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:ux_batch_period,priority:1" json:"clinic_id"`
	OperatorID        uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:ux_batch_period,priority:2" json:"operator_id"`
	OperatorName      string          `gorm:"size:120" json:"operator_name"`
	ReferenceYear     int             `gorm:"not null;uniqueIndex:ux_batch_period,priority:3" json:"reference_year"`
	ReferenceMonth    int             `gorm:"not null;uniqueIndex:ux_batch_period,priority:4" json:"reference_month"`
	Status            BatchStatus     `gorm:"size:20;index;not null" json:"status"`
	GuideCount        int             `gorm:"not null;default:0" json:"guide_count"`
	TotalValue        decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"total_value"`
	ApprovedValue     decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"approved_value"`
	GlosaValue        decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"glosa_value"`
	ErrorTotal        int             `gorm:"not null;default:0" json:"error_total"`
	OrphanErrors      int             `gorm:"not null;default:0" json:"orphan_errors"`
	UpdateErrors      int             `gorm:"not null;default:0" json:"update_errors"`
	ValidationErrors  int             `gorm:"not null;default:0" json:"validation_errors"`
	OtherErrors       int             `gorm:"not null;default:0" json:"other_errors"`
	PendingErrors     int             `gorm:"not null;default:0" json:"pending_errors"`
	ResolvedErrors    int             `gorm:"not null;default:0" json:"resolved_errors"`
	IgnoredErrors     int             `gorm:"not null;default:0" json:"ignored_errors"`
	StatusNote        string          `gorm:"type:text" json:"status_note,omitempty"`
	SubmittedAt       *time.Time      `json:"submitted_at"`
	ReturnProcessedAt *time.Time      `json:"return_processed_at"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// BatchTotals is the recomputed money projection of a batch.
type BatchTotals struct {
	GuideCount    int             `json:"guide_count"`
	TotalValue    decimal.Decimal `json:"total_value"`
	ApprovedValue decimal.Decimal `json:"approved_value"`
	GlosaValue    decimal.Decimal `json:"glosa_value"`
}

// ComputeTotals always derives the projection from the full guide set.
func ComputeTotals(guides []*Guide) BatchTotals {
	t := BatchTotals{TotalValue: decimal.Zero, ApprovedValue: decimal.Zero}
	for _, g := range guides {
		t.GuideCount++
		t.TotalValue = t.TotalValue.Add(g.RequestedValue)
		t.ApprovedValue = t.ApprovedValue.Add(g.ApprovedOrZero())
	}
	t.GlosaValue = t.TotalValue.Sub(t.ApprovedValue)
	return t
}

// ErrorSummary is the read-side aggregate of a batch's import errors.
type ErrorSummary struct {
	Total            int `json:"total_errors"`
	OrphanErrors     int `json:"orphan_errors"`
	UpdateErrors     int `json:"update_errors"`
	ValidationErrors int `json:"validation_errors"`
	OtherErrors      int `json:"other_errors"`
	PendingErrors    int `json:"pending_errors"`
	ResolvedErrors   int `json:"resolved_errors"`
	IgnoredErrors    int `json:"ignored_errors"`
}

func (b *Batch) ErrorSummary() ErrorSummary {
	return ErrorSummary{
		Total:            b.ErrorTotal,
		OrphanErrors:     b.OrphanErrors,
		UpdateErrors:     b.UpdateErrors,
		ValidationErrors: b.ValidationErrors,
		OtherErrors:      b.OtherErrors,
		PendingErrors:    b.PendingErrors,
		ResolvedErrors:   b.ResolvedErrors,
		IgnoredErrors:    b.IgnoredErrors,
	}
}

// SummarizeErrors counts a set of import errors into an ErrorSummary.
func SummarizeErrors(errs []*ImportError) ErrorSummary {
	var s ErrorSummary
	for _, e := range errs {
		s.Total++
		switch e.ErrorType {
		case ErrorTypeOrphanGuide:
			s.OrphanErrors++
		case ErrorTypeUpdateFailed:
			s.UpdateErrors++
		case ErrorTypeValidationError:
			s.ValidationErrors++
		default:
			s.OtherErrors++
		}
		switch e.ResolutionStatus {
		case ResolutionResolved:
			s.ResolvedErrors++
		case ResolutionIgnored:
			s.IgnoredErrors++
		default:
			s.PendingErrors++
		}
	}
	return s
}
