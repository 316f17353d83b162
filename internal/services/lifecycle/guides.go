package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tiss-claims-backend/internal/actor"
	"tiss-claims-backend/internal/models"
	"tiss-claims-backend/internal/services/validation"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrInvalidGuideType = errors.New("guide_type must be CONSULTA, SP_SADT or INTERNACAO")

// GuideInput holds the editable fields of a guide.
type GuideInput struct {
	GuideType              models.GuideType
	GuideNumber            string
	ProcedureCode          string
	ProcedureName          string
	BeneficiaryCard        string
	Quantity               int
	RequestingProfessional string
	AdmissionDate          *time.Time
	DischargeDate          *time.Time
	ExecutionDate          time.Time
	RequestedValue         decimal.Decimal
}

func (in GuideInput) apply(g *models.Guide) {
	g.GuideType = in.GuideType
	g.GuideNumber = in.GuideNumber
	g.ProcedureCode = in.ProcedureCode
	g.ProcedureName = in.ProcedureName
	g.BeneficiaryCard = in.BeneficiaryCard
	g.Quantity = in.Quantity
	g.RequestingProfessional = in.RequestingProfessional
	g.AdmissionDate = in.AdmissionDate
	g.DischargeDate = in.DischargeDate
	g.ExecutionDate = in.ExecutionDate
	g.RequestedValue = in.RequestedValue
}

// GuideChange is a stored guide together with the violations it still
// carries. Violations do not block storing a draft guide.
type GuideChange struct {
	Guide      *models.Guide          `json:"guide"`
	Violations []validation.Violation `json:"violations"`
}

func (m *Manager) editableBatch(ctx context.Context, act actor.Actor, batchID uuid.UUID) (*models.Batch, error) {
	if !act.CanWrite() {
		return nil, actor.ErrForbidden
	}
	batch, err := m.GetBatch(ctx, act, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != models.BatchStatusDraft {
		return nil, ErrBatchNotEditable
	}
	return batch, nil
}

func (m *Manager) AddGuide(ctx context.Context, act actor.Actor, batchID uuid.UUID, in GuideInput) (*GuideChange, error) {
	if !in.GuideType.Valid() {
		return nil, ErrInvalidGuideType
	}
	if _, err := m.editableBatch(ctx, act, batchID); err != nil {
		return nil, err
	}

	g := &models.Guide{ID: uuid.New(), BatchID: batchID, Status: models.GuideStatusPending}
	in.apply(g)
	if err := m.guides.Create(ctx, g); err != nil {
		return nil, err
	}
	if _, err := m.Recompute(ctx, batchID); err != nil {
		return nil, fmt.Errorf("recompute totals: %w", err)
	}
	m.timeline.Log(ctx, batchID, models.EventGuideAdded, "guide "+g.GuideNumber+" added", map[string]any{
		"guide_id":        g.ID.String(),
		"procedure_code":  g.ProcedureCode,
		"requested_value": g.RequestedValue.StringFixed(2),
	}, act.ID)
	return &GuideChange{Guide: g, Violations: nonNil(m.rules.Validate(g, g.GuideType))}, nil
}

func (m *Manager) UpdateGuide(ctx context.Context, act actor.Actor, guideID uuid.UUID, in GuideInput) (*GuideChange, error) {
	if !in.GuideType.Valid() {
		return nil, ErrInvalidGuideType
	}
	g, err := m.guides.GetByID(ctx, guideID)
	if err != nil {
		return nil, err
	}
	if _, err := m.editableBatch(ctx, act, g.BatchID); err != nil {
		return nil, err
	}

	before := g.Clone()
	in.apply(g)
	if err := m.guides.Update(ctx, g); err != nil {
		return nil, err
	}
	if _, err := m.Recompute(ctx, g.BatchID); err != nil {
		return nil, fmt.Errorf("recompute totals: %w", err)
	}
	m.timeline.Log(ctx, g.BatchID, models.EventGuideUpdated, "guide "+g.GuideNumber+" updated", map[string]any{
		"guide_id":           g.ID.String(),
		"previous_value":     before.RequestedValue.StringFixed(2),
		"requested_value":    g.RequestedValue.StringFixed(2),
		"previous_procedure": before.ProcedureCode,
		"procedure_code":     g.ProcedureCode,
	}, act.ID)
	return &GuideChange{Guide: g, Violations: nonNil(m.rules.Validate(g, g.GuideType))}, nil
}

func nonNil(vs []validation.Violation) []validation.Violation {
	if vs == nil {
		return []validation.Violation{}
	}
	return vs
}
