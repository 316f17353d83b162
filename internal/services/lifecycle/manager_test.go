package lifecycle

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"tiss-claims-backend/internal/actor"
	"tiss-claims-backend/internal/models"
	"tiss-claims-backend/internal/repository"
	"tiss-claims-backend/internal/repository/memory"
	"tiss-claims-backend/internal/services/risk"
	"tiss-claims-backend/internal/services/timeline"
	"tiss-claims-backend/internal/services/validation"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var fixedNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

type env struct {
	store   *memory.Store
	manager *Manager
	clinic  uuid.UUID
	billing actor.Actor
	manag   actor.Actor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	store := memory.New()
	rules := validation.Rules{Now: func() time.Time { return fixedNow }}
	m := NewManager(store.Batches(), store.Guides(), rules, nil, timeline.New(store.Events(), log), log)
	m.now = func() time.Time { return fixedNow }
	clinic := uuid.New()
	return &env{
		store:   store,
		manager: m,
		clinic:  clinic,
		billing: actor.Actor{ID: "billing-1", Role: actor.RoleBilling, ClinicID: clinic},
		manag:   actor.Actor{ID: "manager-1", Role: actor.RoleManager, ClinicID: clinic},
	}
}

func (e *env) batch(t *testing.T) *models.Batch {
	t.Helper()
	b, err := e.manager.CreateBatch(context.Background(), e.billing, NewBatch{
		OperatorID:     uuid.New(),
		OperatorName:   "Operadora Vida",
		ReferenceYear:  2024,
		ReferenceMonth: 6,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return b
}

func input(number, code string, value int64) GuideInput {
	return GuideInput{
		GuideType:       models.GuideTypeConsulta,
		GuideNumber:     number,
		ProcedureCode:   code,
		ProcedureName:   "Consulta em consultório",
		BeneficiaryCard: "0001234500018",
		Quantity:        1,
		ExecutionDate:   fixedNow.AddDate(0, 0, -5),
		RequestedValue:  decimal.NewFromInt(value),
	}
}

func (e *env) add(t *testing.T, batchID uuid.UUID, in GuideInput) *GuideChange {
	t.Helper()
	gc, err := e.manager.AddGuide(context.Background(), e.billing, batchID, in)
	if err != nil {
		t.Fatalf("add guide %s: %v", in.GuideNumber, err)
	}
	return gc
}

func (e *env) status(t *testing.T, id uuid.UUID) models.BatchStatus {
	t.Helper()
	b, err := e.store.Batches().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	return b.Status
}

func TestScenario_UnknownCodeBlocksValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.batch(t)

	e.add(t, b.ID, input("G-1", "10101012", 500))
	bad := e.add(t, b.ID, input("G-2", "99999999", 300))

	if len(bad.Violations) == 0 || bad.Violations[0].Code != validation.CodeUnknownProcedure {
		t.Fatalf("expected guide 2 flagged, got %v", bad.Violations)
	}

	analyzer := risk.NewAnalyzer(risk.NewKnowledgeBase(risk.DefaultPatterns()), validation.Rules{Now: func() time.Time { return fixedNow }})
	analysis, err := analyzer.Analyze(bad.Guide, b.OperatorName)
	if err != nil || !analysis.HighRisk() {
		t.Fatalf("expected guide 2 high or critical, got %v (%v)", analysis.RiskLevel, err)
	}

	_, err = e.manager.ApplyAction(ctx, e.billing, b.ID, ActionValidate, "")
	var vf *ValidationFailedError
	if !errors.As(err, &vf) {
		t.Fatalf("expected ValidationFailedError, got %v", err)
	}
	if len(vf.Guides) != 1 || vf.Guides[0].GuideNumber != "G-2" {
		t.Fatalf("expected only G-2 to fail, got %+v", vf.Guides)
	}
	if s := e.status(t, b.ID); s != models.BatchStatusDraft {
		t.Fatalf("batch must stay DRAFT, got %s", s)
	}

	fixedInput := input("G-2", "10101039", 300)
	if _, err := e.manager.UpdateGuide(ctx, e.billing, bad.Guide.ID, fixedInput); err != nil {
		t.Fatalf("update guide: %v", err)
	}
	validated, err := e.manager.ApplyAction(ctx, e.billing, b.ID, ActionValidate, "")
	if err != nil {
		t.Fatalf("validate after fix: %v", err)
	}
	if validated.Status != models.BatchStatusValid {
		t.Fatalf("expected VALID, got %s", validated.Status)
	}
	if !validated.TotalValue.Equal(decimal.NewFromInt(800)) || validated.GuideCount != 2 {
		t.Fatalf("unexpected totals %s / %d", validated.TotalValue, validated.GuideCount)
	}
}

func TestSend_RefusesGuidesWithViolations(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.batch(t)
	e.add(t, b.ID, input("G-1", "10101012", 500))
	if _, err := e.manager.ApplyAction(ctx, e.billing, b.ID, ActionValidate, ""); err != nil {
		t.Fatalf("validate: %v", err)
	}

	// a guide that slipped in after validation
	stray := &models.Guide{BatchID: b.ID, GuideType: models.GuideTypeConsulta, GuideNumber: "G-9", ProcedureCode: "99999999",
		ProcedureName: "x", BeneficiaryCard: "1", Quantity: 1, ExecutionDate: fixedNow, RequestedValue: decimal.NewFromInt(10), Status: models.GuideStatusPending}
	if err := e.store.Guides().Create(ctx, stray); err != nil {
		t.Fatalf("insert stray guide: %v", err)
	}

	_, err := e.manager.ApplyAction(ctx, e.billing, b.ID, ActionSend, "")
	var vf *ValidationFailedError
	if !errors.As(err, &vf) {
		t.Fatalf("expected ValidationFailedError, got %v", err)
	}
	if s := e.status(t, b.ID); s != models.BatchStatusValid {
		t.Fatalf("batch must not reach SENT, got %s", s)
	}
}

func TestValidate_EmptyBatch(t *testing.T) {
	e := newEnv(t)
	b := e.batch(t)
	_, err := e.manager.ApplyAction(context.Background(), e.billing, b.ID, ActionValidate, "")
	var vf *ValidationFailedError
	if !errors.As(err, &vf) || len(vf.Guides) != 0 {
		t.Fatalf("expected empty-batch validation failure, got %v", err)
	}
}

func TestLifecycle_HappyPath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.batch(t)
	g1 := e.add(t, b.ID, input("G-1", "10101012", 500)).Guide
	g2 := e.add(t, b.ID, input("G-2", "10101039", 300)).Guide

	mustApply := func(a actor.Actor, action Action, notes string) *models.Batch {
		t.Helper()
		out, err := e.manager.ApplyAction(ctx, a, b.ID, action, notes)
		if err != nil {
			t.Fatalf("%s: %v", action, err)
		}
		return out
	}

	mustApply(e.billing, ActionValidate, "")
	sent := mustApply(e.billing, ActionSend, "")
	if sent.Status != models.BatchStatusSent || sent.SubmittedAt == nil || !sent.SubmittedAt.Equal(fixedNow) {
		t.Fatalf("unexpected sent batch %+v", sent)
	}
	guides, _ := e.store.Guides().ListByBatch(ctx, b.ID)
	for _, g := range guides {
		if g.Status != models.GuideStatusSent {
			t.Fatalf("guide %s should be SENT, got %s", g.GuideNumber, g.Status)
		}
	}

	returnID := uuid.New()
	reason := "valor acima da tabela"
	_ = e.store.Guides().ApplyResult(ctx, b.ID, g1.ID, models.GuideResult{ReturnID: returnID, Status: models.GuideStatusApproved, ApprovedValue: decimal.NewFromInt(500)})
	_ = e.store.Guides().ApplyResult(ctx, b.ID, g2.ID, models.GuideResult{ReturnID: returnID, Status: models.GuideStatusPartial, ApprovedValue: decimal.NewFromInt(200), DenialCode: "1705", DenialReason: &reason})

	processed, err := e.manager.ReturnProcessed(ctx, b.ID, returnID)
	if err != nil {
		t.Fatalf("return processed: %v", err)
	}
	if processed.Status != models.BatchStatusPendingApproval {
		t.Fatalf("expected PENDING_APPROVAL, got %s", processed.Status)
	}
	if !processed.ApprovedValue.Equal(decimal.NewFromInt(700)) || !processed.GlosaValue.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected money %s approved / %s glosa", processed.ApprovedValue, processed.GlosaValue)
	}
	if processed.ReturnProcessedAt == nil {
		t.Fatal("return_processed_at should be set")
	}

	if _, err := e.manager.ApplyAction(ctx, e.billing, b.ID, ActionApprove, ""); !errors.Is(err, actor.ErrForbidden) {
		t.Fatalf("billing must not approve, got %v", err)
	}
	mustApply(e.manag, ActionApprove, "")
	paid := mustApply(e.manag, ActionPay, "")
	if paid.Status != models.BatchStatusPaid {
		t.Fatalf("expected PAID, got %s", paid.Status)
	}

	_, err = e.manager.ApplyAction(ctx, e.manag, b.ID, ActionReject, "too late")
	var te *TransitionError
	if !errors.As(err, &te) || te.Current != models.BatchStatusPaid || te.Target != models.BatchStatusDraft {
		t.Fatalf("PAID must be terminal, got %v", err)
	}

	events, _ := e.store.Events().ListByBatch(ctx, b.ID, 0)
	if events[0].EventType != models.EventBatchPaid {
		t.Fatalf("expected latest event BATCH_PAID, got %s", events[0].EventType)
	}
}

func TestApplyAction_IllegalTransitions(t *testing.T) {
	tests := []struct {
		name   string
		action Action
		notes  string
		want   models.BatchStatus
	}{
		{"pay from draft", ActionPay, "", models.BatchStatusPaid},
		{"approve from draft", ActionApprove, "", models.BatchStatusApproved},
		{"send from draft", ActionSend, "", models.BatchStatusSent},
		{"reject from draft", ActionReject, "why", models.BatchStatusDraft},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			b := e.batch(t)
			_, err := e.manager.ApplyAction(context.Background(), e.manag, b.ID, tt.action, tt.notes)
			var te *TransitionError
			if !errors.As(err, &te) {
				t.Fatalf("expected TransitionError, got %v", err)
			}
			if te.Current != models.BatchStatusDraft || te.Target != tt.want {
				t.Fatalf("unexpected error fields %+v", te)
			}
		})
	}
}

func TestReject_RequiresNoteAndReopens(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.batch(t)
	e.add(t, b.ID, input("G-1", "10101012", 500))
	if _, err := e.manager.ApplyAction(ctx, e.billing, b.ID, ActionValidate, ""); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if _, err := e.manager.ApplyAction(ctx, e.billing, b.ID, ActionReject, "  "); !errors.Is(err, ErrNoteRequired) {
		t.Fatalf("expected ErrNoteRequired, got %v", err)
	}
	reopened, err := e.manager.ApplyAction(ctx, e.billing, b.ID, ActionReject, "wrong beneficiary card")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if reopened.Status != models.BatchStatusDraft || reopened.StatusNote != "wrong beneficiary card" {
		t.Fatalf("unexpected reopened batch %+v", reopened)
	}
	if _, err := e.manager.AddGuide(ctx, e.billing, b.ID, input("G-2", "10101039", 100)); err != nil {
		t.Fatalf("guides should be editable again: %v", err)
	}
}

func TestGuides_OnlyEditableInDraft(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.batch(t)
	g := e.add(t, b.ID, input("G-1", "10101012", 500)).Guide
	if _, err := e.manager.ApplyAction(ctx, e.billing, b.ID, ActionValidate, ""); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := e.manager.AddGuide(ctx, e.billing, b.ID, input("G-2", "10101012", 100)); !errors.Is(err, ErrBatchNotEditable) {
		t.Fatalf("expected ErrBatchNotEditable on add, got %v", err)
	}
	if _, err := e.manager.UpdateGuide(ctx, e.billing, g.ID, input("G-1", "10101012", 900)); !errors.Is(err, ErrBatchNotEditable) {
		t.Fatalf("expected ErrBatchNotEditable on update, got %v", err)
	}
}

func TestRecompute_TotalsFollowGuides(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.batch(t)
	g := e.add(t, b.ID, input("G-1", "10101012", 500)).Guide
	e.add(t, b.ID, input("G-2", "10101039", 250))

	if _, err := e.manager.UpdateGuide(ctx, e.billing, g.ID, input("G-1", "10101012", 420)); err != nil {
		t.Fatalf("update: %v", err)
	}
	batch, _ := e.store.Batches().GetByID(ctx, b.ID)
	guides, _ := e.store.Guides().ListByBatch(ctx, b.ID)
	sum := decimal.Zero
	for _, g := range guides {
		sum = sum.Add(g.RequestedValue)
	}
	if !batch.TotalValue.Equal(sum) || !sum.Equal(decimal.NewFromInt(670)) {
		t.Fatalf("total %s does not match guides %s", batch.TotalValue, sum)
	}
	if !batch.GlosaValue.Equal(batch.TotalValue.Sub(batch.ApprovedValue)) {
		t.Fatalf("glosa must equal total minus approved, got %s", batch.GlosaValue)
	}
}

func TestReturnProcessed_Targets(t *testing.T) {
	tests := []struct {
		name    string
		results []models.GuideStatus
		want    models.BatchStatus
	}{
		{"partially reconciled", []models.GuideStatus{models.GuideStatusApproved, ""}, models.BatchStatusProcessing},
		{"all denied", []models.GuideStatus{models.GuideStatusDenied, models.GuideStatusDenied}, models.BatchStatusInvalid},
		{"all reconciled", []models.GuideStatus{models.GuideStatusDenied, models.GuideStatusApproved}, models.BatchStatusPendingApproval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			ctx := context.Background()
			b := e.batch(t)
			ids := []uuid.UUID{
				e.add(t, b.ID, input("G-1", "10101012", 100)).Guide.ID,
				e.add(t, b.ID, input("G-2", "10101039", 100)).Guide.ID,
			}
			if _, err := e.manager.ApplyAction(ctx, e.billing, b.ID, ActionValidate, ""); err != nil {
				t.Fatalf("validate: %v", err)
			}
			if _, err := e.manager.ApplyAction(ctx, e.billing, b.ID, ActionSend, ""); err != nil {
				t.Fatalf("send: %v", err)
			}
			for i, st := range tt.results {
				if st == "" {
					continue
				}
				approved := decimal.NewFromInt(100)
				if st == models.GuideStatusDenied {
					approved = decimal.Zero
				}
				_ = e.store.Guides().ApplyResult(ctx, b.ID, ids[i], models.GuideResult{ReturnID: uuid.New(), Status: st, ApprovedValue: approved})
			}
			out, err := e.manager.ReturnProcessed(ctx, b.ID, uuid.New())
			if err != nil {
				t.Fatalf("return processed: %v", err)
			}
			if out.Status != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, out.Status)
			}
		})
	}
}

func TestReturnProcessed_RejectsDraft(t *testing.T) {
	e := newEnv(t)
	b := e.batch(t)
	_, err := e.manager.ReturnProcessed(context.Background(), b.ID, uuid.New())
	var te *TransitionError
	if !errors.As(err, &te) || te.Action != ActionReturnProcessed {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

type busyLocker struct{}

func (busyLocker) Lock(context.Context, string, time.Duration) (func(), error) {
	return nil, ErrBatchLocked
}

func TestValidate_HonoursLock(t *testing.T) {
	e := newEnv(t)
	e.manager.locker = busyLocker{}
	b := e.batch(t)
	e.add(t, b.ID, input("G-1", "10101012", 500))
	if _, err := e.manager.ApplyAction(context.Background(), e.billing, b.ID, ActionValidate, ""); !errors.Is(err, ErrBatchLocked) {
		t.Fatalf("expected ErrBatchLocked, got %v", err)
	}
}

type staleBatches struct {
	repository.BatchRepository
}

func (staleBatches) UpdateStatus(context.Context, uuid.UUID, repository.StatusChange) error {
	return repository.ErrStaleStatus
}

func TestApplyAction_ConcurrentTransition(t *testing.T) {
	e := newEnv(t)
	b := e.batch(t)
	e.add(t, b.ID, input("G-1", "10101012", 500))
	e.manager.batches = staleBatches{e.store.Batches()}
	if _, err := e.manager.ApplyAction(context.Background(), e.billing, b.ID, ActionValidate, ""); !errors.Is(err, ErrConcurrentTransition) {
		t.Fatalf("expected ErrConcurrentTransition, got %v", err)
	}
}

func TestGetBatch_TenantGuard(t *testing.T) {
	e := newEnv(t)
	b := e.batch(t)
	stranger := actor.Actor{ID: "x", Role: actor.RoleManager, ClinicID: uuid.New()}
	if _, err := e.manager.GetBatch(context.Background(), stranger, b.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found for another clinic, got %v", err)
	}
	admin := actor.Actor{ID: "root", Role: actor.RoleAdmin}
	if _, err := e.manager.GetBatch(context.Background(), admin, b.ID); err != nil {
		t.Fatalf("admin should see every clinic: %v", err)
	}
}

func TestCreateBatch_DuplicatePeriod(t *testing.T) {
	e := newEnv(t)
	operator := uuid.New()
	in := NewBatch{OperatorID: operator, OperatorName: "Op", ReferenceYear: 2024, ReferenceMonth: 5}
	if _, err := e.manager.CreateBatch(context.Background(), e.billing, in); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := e.manager.CreateBatch(context.Background(), e.billing, in); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	viewer := actor.Actor{ID: "v", Role: actor.RoleViewer, ClinicID: e.clinic}
	if _, err := e.manager.CreateBatch(context.Background(), viewer, NewBatch{ReferenceYear: 2024, ReferenceMonth: 7}); !errors.Is(err, actor.ErrForbidden) {
		t.Fatalf("viewer must not create, got %v", err)
	}
}
