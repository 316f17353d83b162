package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Guide is one billable clinical event inside a submission batch.
type Guide struct {
	ID                     uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	BatchID                uuid.UUID           `gorm:"type:uuid;index;uniqueIndex:ux_guide_batch_number,priority:1" json:"batch_id"`
	GuideType              GuideType           `gorm:"size:20;not null" json:"guide_type" validate:"required"`
	GuideNumber            string              `gorm:"size:40;not null;uniqueIndex:ux_guide_batch_number,priority:2" json:"guide_number" validate:"required,max=20"`
	ProcedureCode          string              `gorm:"size:10;index" json:"procedure_code" validate:"required"`
	ProcedureName          string              `gorm:"size:255" json:"procedure_name" validate:"required,max=150"`
	BeneficiaryCard        string              `gorm:"size:40" json:"beneficiary_card" validate:"required,max=20"`
	Quantity               int                 `gorm:"not null;default:1" json:"quantity"`
	RequestingProfessional string              `gorm:"size:120" json:"requesting_professional,omitempty"`
	AdmissionDate          *time.Time          `json:"admission_date,omitempty"`
	DischargeDate          *time.Time          `json:"discharge_date,omitempty"`
	ExecutionDate          time.Time           `gorm:"index" json:"execution_date"`
	RequestedValue         decimal.Decimal     `gorm:"type:numeric(14,2);not null" json:"requested_value"`
	ApprovedValue          decimal.NullDecimal `gorm:"type:numeric(14,2)" json:"approved_value"`
	Status                 GuideStatus         `gorm:"size:20;index;not null" json:"status"`
	DenialCode             string              `gorm:"size:10" json:"denial_code,omitempty"`
	DenialReason           *string             `gorm:"type:text" json:"denial_reason"`
	ReconciledReturnID     *uuid.UUID          `gorm:"type:uuid" json:"reconciled_return_id,omitempty"`
	CreatedAt              time.Time           `json:"created_at"`
	UpdatedAt              time.Time           `json:"updated_at"`
}

// Clone returns a deep copy so pure functions can work on their own value.
func (g *Guide) Clone() *Guide {
	if g == nil {
		return nil
	}
	c := *g
	if g.AdmissionDate != nil {
		t := *g.AdmissionDate
		c.AdmissionDate = &t
	}
	if g.DischargeDate != nil {
		t := *g.DischargeDate
		c.DischargeDate = &t
	}
	if g.DenialReason != nil {
		s := *g.DenialReason
		c.DenialReason = &s
	}
	if g.ReconciledReturnID != nil {
		id := *g.ReconciledReturnID
		c.ReconciledReturnID = &id
	}
	return &c
}

// ApprovedOrZero treats a not-yet-reconciled guide as zero approved.
func (g *Guide) ApprovedOrZero() decimal.Decimal {
	if g.ApprovedValue.Valid {
		return g.ApprovedValue.Decimal
	}
	return decimal.Zero
}

// GuideResult is the settled outcome of a guide as reported by an operator.
type GuideResult struct {
	ReturnID      uuid.UUID
	Status        GuideStatus
	ApprovedValue decimal.Decimal
	DenialCode    string
	DenialReason  *string
}
