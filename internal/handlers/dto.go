package handler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tiss-claims-backend/internal/models"
	"tiss-claims-backend/internal/services/lifecycle"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Dates are accepted as ISO or in the dd-mm-yyyy / dd/mm/yyyy forms billing
// staff type in.
var dateLayouts = []string{"2006-01-02", time.RFC3339, "02-01-2006", "02/01/2006"}

func parseDate(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid %s %q, expected yyyy-mm-dd or dd-mm-yyyy", field, s)
}

func parseOptionalDate(field string, s *string) (*time.Time, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	t, err := parseDate(field, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type guideRequest struct {
	GuideType              string           `json:"guide_type" binding:"required"`
	GuideNumber            string           `json:"guide_number"`
	ProcedureCode          string           `json:"procedure_code"`
	ProcedureName          string           `json:"procedure_name"`
	BeneficiaryCard        string           `json:"beneficiary_card"`
	Quantity               *int             `json:"quantity"`
	RequestingProfessional string           `json:"requesting_professional"`
	AdmissionDate          *string          `json:"admission_date"`
	DischargeDate          *string          `json:"discharge_date"`
	ExecutionDate          string           `json:"execution_date" binding:"required"`
	RequestedValue         decimal.Decimal  `json:"requested_value"`
	ApprovedValue          *decimal.Decimal `json:"approved_value"`
}

// guideType keeps an unknown spelling as-is so validation can report it.
func (r guideRequest) guideType() models.GuideType {
	if t, err := models.ParseGuideType(r.GuideType); err == nil {
		return t
	}
	return models.GuideType(strings.ToUpper(strings.TrimSpace(r.GuideType)))
}

func (r guideRequest) input() (lifecycle.GuideInput, error) {
	in := lifecycle.GuideInput{
		GuideType:              r.guideType(),
		GuideNumber:            strings.TrimSpace(r.GuideNumber),
		ProcedureCode:          strings.TrimSpace(r.ProcedureCode),
		ProcedureName:          strings.TrimSpace(r.ProcedureName),
		BeneficiaryCard:        strings.TrimSpace(r.BeneficiaryCard),
		Quantity:               1,
		RequestingProfessional: strings.TrimSpace(r.RequestingProfessional),
		RequestedValue:         r.RequestedValue,
	}
	if r.Quantity != nil {
		in.Quantity = *r.Quantity
	}
	var err error
	if in.ExecutionDate, err = parseDate("execution_date", r.ExecutionDate); err != nil {
		return in, err
	}
	if in.AdmissionDate, err = parseOptionalDate("admission_date", r.AdmissionDate); err != nil {
		return in, err
	}
	if in.DischargeDate, err = parseOptionalDate("discharge_date", r.DischargeDate); err != nil {
		return in, err
	}
	return in, nil
}

// guide builds an unsaved guide for risk analysis. Input is kept raw so
// the analyzer and auto-fix see what the client actually sent.
func (r guideRequest) guide() (*models.Guide, error) {
	in, err := r.input()
	if err != nil {
		return nil, err
	}
	g := &models.Guide{
		ID:                     uuid.New(),
		GuideType:              in.GuideType,
		GuideNumber:            r.GuideNumber,
		ProcedureCode:          r.ProcedureCode,
		ProcedureName:          r.ProcedureName,
		BeneficiaryCard:        r.BeneficiaryCard,
		Quantity:               in.Quantity,
		RequestingProfessional: in.RequestingProfessional,
		AdmissionDate:          in.AdmissionDate,
		DischargeDate:          in.DischargeDate,
		ExecutionDate:          in.ExecutionDate,
		RequestedValue:         in.RequestedValue,
		Status:                 models.GuideStatusPending,
	}
	if r.ApprovedValue != nil {
		g.ApprovedValue = decimal.NewNullDecimal(*r.ApprovedValue)
	}
	return g, nil
}

type createBatchRequest struct {
	BatchNumber    string    `json:"batch_number"`
	ClinicID       uuid.UUID `json:"clinic_id"`
	OperatorID     uuid.UUID `json:"operator_id" binding:"required"`
	OperatorName   string    `json:"operator_name" binding:"required"`
	ReferenceYear  int       `json:"reference_year" binding:"required"`
	ReferenceMonth int       `json:"reference_month" binding:"required,min=1,max=12"`
}

type statusRequest struct {
	Action string `json:"action" binding:"required"`
	Notes  string `json:"notes"`
}

type uploadURLRequest struct {
	BatchID  uuid.UUID  `json:"batch_id"`
	FileName string     `json:"file_name"`
	FileType string     `json:"file_type"`
	FileSize int64      `json:"file_size"`
	Checksum *string    `json:"checksum"`
	ReturnID *uuid.UUID `json:"return_id"`
}

type uploadCompleteRequest struct {
	ReturnID       uuid.UUID `json:"return_id" binding:"required"`
	StoragePath    string    `json:"storage_path" binding:"required"`
	ActualFileSize *int64    `json:"actual_file_size"`
	Token          string    `json:"token"`
}

type resolveRequest struct {
	ResolutionStatus string  `json:"resolution_status" binding:"required"`
	ResolutionNotes  *string `json:"resolution_notes"`
}

type analyzeRequest struct {
	Guide             guideRequest `json:"guide"`
	OperatorName      string       `json:"operator_name"`
	IncludeValidation bool         `json:"include_validation"`
}

type batchAnalyzeRequest struct {
	// Entries are decoded one by one so a bad guide fails alone.
	Guides            []json.RawMessage `json:"guides" binding:"required,min=1"`
	AutoFix           bool              `json:"auto_fix"`
	IncludeValidation bool              `json:"include_validation"`
	OperatorName      string            `json:"operator_name"`
}
