// Package lifecycle owns the state machine of a submission batch and keeps
// its money projection in step with the member guides.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tiss-claims-backend/internal/actor"
	"tiss-claims-backend/internal/config"
	"tiss-claims-backend/internal/models"
	"tiss-claims-backend/internal/repository"
	"tiss-claims-backend/internal/services/timeline"
	"tiss-claims-backend/internal/services/validation"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Action string

const (
	ActionValidate        Action = "validate"
	ActionSend            Action = "send"
	ActionApprove         Action = "approve"
	ActionReject          Action = "reject"
	ActionPay             Action = "pay"
	ActionReturnProcessed Action = "return_processed"
)

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionValidate, ActionSend, ActionApprove, ActionReject, ActionPay:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

type transition struct {
	from []models.BatchStatus
	to   models.BatchStatus
}

func (t transition) allows(s models.BatchStatus) bool {
	for _, f := range t.from {
		if f == s {
			return true
		}
	}
	return false
}

var transitions = map[Action]transition{
	ActionValidate: {from: []models.BatchStatus{models.BatchStatusDraft}, to: models.BatchStatusValid},
	ActionSend:     {from: []models.BatchStatus{models.BatchStatusValid, models.BatchStatusProcessing}, to: models.BatchStatusSent},
	ActionApprove:  {from: []models.BatchStatus{models.BatchStatusProcessing, models.BatchStatusPendingApproval}, to: models.BatchStatusApproved},
	ActionPay:      {from: []models.BatchStatus{models.BatchStatusApproved}, to: models.BatchStatusPaid},
	ActionReject: {from: []models.BatchStatus{
		models.BatchStatusValid, models.BatchStatusSent, models.BatchStatusProcessing,
		models.BatchStatusPendingApproval, models.BatchStatusApproved, models.BatchStatusInvalid,
	}, to: models.BatchStatusDraft},
}

var actionEvents = map[Action]models.BatchEventType{
	ActionValidate: models.EventBatchValidated,
	ActionSend:     models.EventBatchSent,
	ActionApprove:  models.EventBatchApproved,
	ActionReject:   models.EventBatchRejected,
	ActionPay:      models.EventBatchPaid,
}

const lockTTL = 30 * time.Second

type Manager struct {
	batches  repository.BatchRepository
	guides   repository.GuideRepository
	rules    validation.Rules
	locker   Locker
	timeline *timeline.Timeline
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewManager(batches repository.BatchRepository, guides repository.GuideRepository, rules validation.Rules, locker Locker, tl *timeline.Timeline, log logrus.FieldLogger) *Manager {
	if locker == nil {
		locker = NopLocker{}
	}
	return &Manager{
		batches:  batches,
		guides:   guides,
		rules:    rules,
		locker:   locker,
		timeline: tl,
		log:      log,
		now:      time.Now,
	}
}

type NewBatch struct {
	BatchNumber    string
	ClinicID       uuid.UUID
	OperatorID     uuid.UUID
	OperatorName   string
	ReferenceYear  int
	ReferenceMonth int
}

func (m *Manager) CreateBatch(ctx context.Context, act actor.Actor, in NewBatch) (*models.Batch, error) {
	if !act.CanWrite() {
		return nil, actor.ErrForbidden
	}
	clinicID := act.ClinicID
	if act.Role == actor.RoleAdmin && in.ClinicID != uuid.Nil {
		clinicID = in.ClinicID
	}
	if clinicID == uuid.Nil {
		return nil, actor.ErrMissingClinic
	}
	if in.ReferenceMonth < 1 || in.ReferenceMonth > 12 || in.ReferenceYear < 2000 {
		return nil, fmt.Errorf("%w %d/%d", ErrInvalidPeriod, in.ReferenceMonth, in.ReferenceYear)
	}
	number := strings.TrimSpace(in.BatchNumber)
	if number == "" {
		number = fmt.Sprintf("%04d%02d-%s", in.ReferenceYear, in.ReferenceMonth, strings.ToUpper(uuid.NewString()[:6]))
	}

	batch := &models.Batch{
		ID:             uuid.New(),
		BatchNumber:    number,
		ClinicID:       clinicID,
		OperatorID:     in.OperatorID,
		OperatorName:   strings.TrimSpace(in.OperatorName),
		ReferenceYear:  in.ReferenceYear,
		ReferenceMonth: in.ReferenceMonth,
		Status:         models.BatchStatusDraft,
	}
	if err := m.batches.Create(ctx, batch); err != nil {
		return nil, err
	}
	m.timeline.Log(ctx, batch.ID, models.EventBatchCreated,
		fmt.Sprintf("batch %s created for %02d/%d", batch.BatchNumber, batch.ReferenceMonth, batch.ReferenceYear),
		map[string]any{"operator_name": batch.OperatorName}, act.ID)
	return batch, nil
}

// GetBatch hides batches of other clinics behind ErrNotFound.
func (m *Manager) GetBatch(ctx context.Context, act actor.Actor, id uuid.UUID) (*models.Batch, error) {
	batch, err := m.batches.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !act.CanAccess(batch.ClinicID) {
		return nil, repository.ErrNotFound
	}
	return batch, nil
}

func (m *Manager) ListGuides(ctx context.Context, act actor.Actor, batchID uuid.UUID) ([]*models.Guide, error) {
	if _, err := m.GetBatch(ctx, act, batchID); err != nil {
		return nil, err
	}
	return m.guides.ListByBatch(ctx, batchID)
}

// Recompute rederives the money projection from the full guide set.
func (m *Manager) Recompute(ctx context.Context, batchID uuid.UUID) (models.BatchTotals, error) {
	guides, err := m.guides.ListByBatch(ctx, batchID)
	if err != nil {
		return models.BatchTotals{}, err
	}
	totals := models.ComputeTotals(guides)
	if err := m.batches.UpdateTotals(ctx, batchID, totals); err != nil {
		return models.BatchTotals{}, err
	}
	return totals, nil
}

// RecomputeBatch is the user-triggered recompute; it is recorded on the
// timeline.
func (m *Manager) RecomputeBatch(ctx context.Context, act actor.Actor, batchID uuid.UUID) (*models.Batch, error) {
	if !act.CanWrite() {
		return nil, actor.ErrForbidden
	}
	if _, err := m.GetBatch(ctx, act, batchID); err != nil {
		return nil, err
	}
	totals, err := m.Recompute(ctx, batchID)
	if err != nil {
		return nil, err
	}
	m.timeline.Log(ctx, batchID, models.EventTotalsRecomputed, "totals recomputed", map[string]any{
		"guide_count":    totals.GuideCount,
		"total_value":    totals.TotalValue.StringFixed(2),
		"approved_value": totals.ApprovedValue.StringFixed(2),
		"glosa_value":    totals.GlosaValue.StringFixed(2),
	}, act.ID)
	return m.batches.GetByID(ctx, batchID)
}

// ApplyAction runs one manual lifecycle action against the batch.
func (m *Manager) ApplyAction(ctx context.Context, act actor.Actor, batchID uuid.UUID, action Action, notes string) (*models.Batch, error) {
	rule, ok := transitions[action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	switch action {
	case ActionApprove, ActionPay:
		if !act.CanSettle() {
			return nil, actor.ErrForbidden
		}
	default:
		if !act.CanWrite() {
			return nil, actor.ErrForbidden
		}
	}
	notes = strings.TrimSpace(notes)
	if action == ActionReject && notes == "" {
		return nil, ErrNoteRequired
	}

	batch, err := m.GetBatch(ctx, act, batchID)
	if err != nil {
		return nil, err
	}
	if !rule.allows(batch.Status) {
		return nil, &TransitionError{Action: action, Current: batch.Status, Target: rule.to}
	}

	change := repository.StatusChange{From: batch.Status, To: rule.to, Note: notes}
	metadata := map[string]any{"from": batch.Status, "to": rule.to}
	if notes != "" {
		metadata["notes"] = notes
	}

	switch action {
	case ActionValidate, ActionSend:
		unlock, err := m.locker.Lock(ctx, "batch-transition:"+batchID.String(), lockTTL)
		if err != nil {
			return nil, err
		}
		defer unlock()

		// status may have moved while waiting for the lock
		if batch, err = m.batches.GetByID(ctx, batchID); err != nil {
			return nil, err
		}
		if !rule.allows(batch.Status) {
			return nil, &TransitionError{Action: action, Current: batch.Status, Target: rule.to}
		}
		change.From = batch.Status

		if err := m.checkGuides(ctx, act, batch, action); err != nil {
			return nil, err
		}
		if action == ActionSend {
			submitted := m.now()
			change.SubmittedAt = &submitted
		}
	}

	if err := m.writeStatus(ctx, batchID, change); err != nil {
		return nil, err
	}

	if action == ActionSend {
		n, err := m.guides.MarkSent(ctx, batchID)
		if err != nil {
			config.LogError(m.log, "lifecycle", "ApplyAction", "mark guides sent", batchID.String(), err)
			return nil, fmt.Errorf("mark guides sent: %w", err)
		}
		metadata["guides_sent"] = n
	}

	m.timeline.Log(ctx, batchID, actionEvents[action],
		fmt.Sprintf("batch %s: %s -> %s", action, change.From, change.To), metadata, act.ID)
	return m.batches.GetByID(ctx, batchID)
}

// checkGuides enforces that every member guide is structurally clean.
func (m *Manager) checkGuides(ctx context.Context, act actor.Actor, batch *models.Batch, action Action) error {
	guides, err := m.guides.ListByBatch(ctx, batch.ID)
	if err != nil {
		return err
	}
	failed := &ValidationFailedError{Action: action}
	if len(guides) == 0 {
		m.timeline.Log(ctx, batch.ID, models.EventValidationFailed, "batch has no guides", nil, act.ID)
		return failed
	}
	for _, g := range guides {
		if vs := m.rules.Validate(g, g.GuideType); len(vs) > 0 {
			failed.Guides = append(failed.Guides, GuideViolations{GuideID: g.ID, GuideNumber: g.GuideNumber, Violations: vs})
		}
	}
	if len(failed.Guides) == 0 {
		return nil
	}
	m.timeline.Log(ctx, batch.ID, models.EventValidationFailed, failed.Error(), map[string]any{
		"action":        action,
		"failed_guides": len(failed.Guides),
	}, act.ID)
	return failed
}

func (m *Manager) writeStatus(ctx context.Context, batchID uuid.UUID, change repository.StatusChange) error {
	err := m.batches.UpdateStatus(ctx, batchID, change)
	if errors.Is(err, repository.ErrStaleStatus) {
		return ErrConcurrentTransition
	}
	return err
}

// ReturnProcessed moves a batch after an operator return has been applied:
// fully reconciled batches wait for approval, fully denied ones become
// INVALID, anything else stays PROCESSING.
func (m *Manager) ReturnProcessed(ctx context.Context, batchID, returnID uuid.UUID) (*models.Batch, error) {
	batch, err := m.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if _, err := m.Recompute(ctx, batchID); err != nil {
		return nil, fmt.Errorf("recompute totals: %w", err)
	}
	if !batch.Status.AcceptsReturns() {
		return nil, &TransitionError{Action: ActionReturnProcessed, Current: batch.Status, Target: models.BatchStatusProcessing}
	}

	guides, err := m.guides.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	target := targetAfterReturn(guides)
	processedAt := m.now()
	change := repository.StatusChange{From: batch.Status, To: target, ReturnProcessedAt: &processedAt}
	if err := m.writeStatus(ctx, batchID, change); err != nil {
		return nil, err
	}
	if target != batch.Status {
		m.timeline.Log(ctx, batchID, models.EventReturnProcessed,
			fmt.Sprintf("batch moved %s -> %s after return", batch.Status, target),
			map[string]any{"return_id": returnID.String(), "from": batch.Status, "to": target}, actor.System(batch.ClinicID).ID)
	}
	return m.batches.GetByID(ctx, batchID)
}

func targetAfterReturn(guides []*models.Guide) models.BatchStatus {
	if len(guides) == 0 {
		return models.BatchStatusProcessing
	}
	denied := 0
	for _, g := range guides {
		if !g.Status.Reconciled() {
			return models.BatchStatusProcessing
		}
		if g.Status == models.GuideStatusDenied {
			denied++
		}
	}
	if denied == len(guides) {
		return models.BatchStatusInvalid
	}
	return models.BatchStatusPendingApproval
}
