package reconciliation

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"tiss-claims-backend/internal/models"
	"tiss-claims-backend/internal/repository/memory"
	"tiss-claims-backend/internal/services/returns/parser"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	store *memory.Store
	svc   *Service
	ret   *models.ReturnFile
	guide map[string]*models.Guide
}

func newFixture(t *testing.T, requested map[string]int64) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	batch := &models.Batch{
		ID: uuid.New(), BatchNumber: "202406-AAAAAA", ClinicID: uuid.New(), OperatorID: uuid.New(),
		ReferenceYear: 2024, ReferenceMonth: 6, Status: models.BatchStatusSent,
	}
	if err := store.Batches().Create(ctx, batch); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	f := &fixture{store: store, svc: NewService(store.Guides(), quietLogger()), guide: map[string]*models.Guide{}}
	for number, value := range requested {
		g := &models.Guide{
			ID: uuid.New(), BatchID: batch.ID, GuideType: models.GuideTypeConsulta, GuideNumber: number,
			ProcedureCode: "10101012", ProcedureName: "Consulta", BeneficiaryCard: "123",
			Quantity: 1, ExecutionDate: time.Now(), RequestedValue: decimal.NewFromInt(value),
			Status: models.GuideStatusSent,
		}
		if err := store.Guides().Create(ctx, g); err != nil {
			t.Fatalf("create guide: %v", err)
		}
		f.guide[number] = g
	}
	f.ret = &models.ReturnFile{ID: uuid.New(), BatchID: batch.ID, ClinicID: batch.ClinicID}
	return f
}

func (f *fixture) reload(t *testing.T, number string) *models.Guide {
	t.Helper()
	g, err := f.store.Guides().GetByID(context.Background(), f.guide[number].ID)
	if err != nil {
		t.Fatalf("get guide: %v", err)
	}
	return g
}

func money(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestParseResultStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    models.GuideStatus
		wantErr bool
	}{
		{"APROVADO", models.GuideStatusApproved, false},
		{"autorizado", models.GuideStatusApproved, false},
		{"Glosa Total", models.GuideStatusDenied, false},
		{"glosa_parcial", models.GuideStatusPartial, false},
		{"NEGADO", models.GuideStatusDenied, false},
		{"Aprovação pendente", "", true},
		{"PENDING", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseResultStatus(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseResultStatus(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseResultStatus(%q) = %s, %v; want %s", tt.in, got, err, tt.want)
		}
	}
}

func TestApply_SetsVerdicts(t *testing.T) {
	f := newFixture(t, map[string]int64{"G-1": 100, "G-2": 200, "G-3": 300})
	items := []parser.Item{
		{Line: 2, GuideNumber: "G-1", Status: "APROVADO"},
		{Line: 3, GuideNumber: "g-2", Status: "PARCIAL", ApprovedValue: money("150")},
		{Line: 4, GuideNumber: "G-3", Status: "GLOSADO", ApprovedValue: money("300"), DenialCode: "1801", DenialReason: "sem autorização"},
	}

	out, err := f.svc.Apply(context.Background(), f.ret, items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Total != 3 || out.Matched != 3 || out.Failed != 0 {
		t.Fatalf("unexpected counters: %+v", out)
	}

	g1 := f.reload(t, "G-1")
	if g1.Status != models.GuideStatusApproved || !g1.ApprovedOrZero().Equal(decimal.NewFromInt(100)) {
		t.Errorf("G-1: approval without value should default to requested, got %s %s", g1.Status, g1.ApprovedOrZero())
	}
	g2 := f.reload(t, "G-2")
	if g2.Status != models.GuideStatusPartial || !g2.ApprovedOrZero().Equal(decimal.NewFromInt(150)) {
		t.Errorf("G-2: got %s %s", g2.Status, g2.ApprovedOrZero())
	}
	g3 := f.reload(t, "G-3")
	if g3.Status != models.GuideStatusDenied || !g3.ApprovedOrZero().IsZero() {
		t.Errorf("G-3: denial must zero the approved value, got %s %s", g3.Status, g3.ApprovedOrZero())
	}
	if g3.DenialReason == nil || *g3.DenialReason != "sem autorização" || g3.DenialCode != "1801" {
		t.Errorf("G-3: denial not recorded: %+v", g3)
	}
	if g3.ReconciledReturnID == nil || *g3.ReconciledReturnID != f.ret.ID {
		t.Errorf("G-3: return reference not recorded")
	}
	if st := out.ByStatus[models.GuideStatusApproved]; st.Count != 1 || !st.Approved.Equal(decimal.NewFromInt(100)) {
		t.Errorf("unexpected approved stat: %+v", st)
	}
}

func TestApply_StatusNormalization(t *testing.T) {
	f := newFixture(t, map[string]int64{"G-1": 100, "G-2": 100, "G-3": 100})
	items := []parser.Item{
		{Line: 1, GuideNumber: "G-1", Status: "APROVADO", ApprovedValue: money("60")},
		{Line: 2, GuideNumber: "G-2", Status: "PARCIAL", ApprovedValue: money("0")},
		{Line: 3, GuideNumber: "G-3", Status: "PARCIAL", ApprovedValue: money("100")},
	}
	if _, err := f.svc.Apply(context.Background(), f.ret, items); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g := f.reload(t, "G-1"); g.Status != models.GuideStatusPartial {
		t.Errorf("reduced approval should be PARTIAL, got %s", g.Status)
	}
	if g := f.reload(t, "G-2"); g.Status != models.GuideStatusDenied {
		t.Errorf("zero partial should be DENIED, got %s", g.Status)
	}
	if g := f.reload(t, "G-3"); g.Status != models.GuideStatusApproved {
		t.Errorf("full partial should be APPROVED, got %s", g.Status)
	}
}

func TestApply_ErrorClassification(t *testing.T) {
	f := newFixture(t, map[string]int64{"G-1": 100, "G-2": 100, "G-3": 100, "G-4": 100})
	f.store.FailApply[f.guide["G-4"].ID] = errors.New("deadlock detected")

	items := []parser.Item{
		{Line: 2, GuideNumber: "", Status: "APROVADO"},
		{Line: 3, GuideNumber: "G-1", Status: "TALVEZ"},
		{Line: 4, GuideNumber: "G-2", Status: "APROVADO", ApprovedValue: money("150")},
		{Line: 5, GuideNumber: "G-3", Status: "PARCIAL"},
		{Line: 6, GuideNumber: "G-999", Status: "APROVADO"},
		{Line: 7, GuideNumber: "G-4", Status: "APROVADO"},
		{Line: 8, GuideNumber: "G-1", Status: "APROVADO"},
		{Line: 9, GuideNumber: "G-2", Status: "APROVADO", Err: errors.New("approved value: invalid value")},
	}
	out, err := f.svc.Apply(context.Background(), f.ret, items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[int]models.ImportErrorType{
		2: models.ErrorTypeValidationError,
		3: models.ErrorTypeValidationError,
		4: models.ErrorTypeValidationError,
		5: models.ErrorTypeValidationError,
		6: models.ErrorTypeOrphanGuide,
		7: models.ErrorTypeUpdateFailed,
		8: models.ErrorTypeValidationError,
		9: models.ErrorTypeValidationError,
	}
	if len(out.Errors) != len(want) {
		t.Fatalf("expected %d errors, got %d", len(want), len(out.Errors))
	}
	for _, e := range out.Errors {
		if want[e.LineNumber] != e.ErrorType {
			t.Errorf("line %d: expected %s, got %s (%s)", e.LineNumber, want[e.LineNumber], e.ErrorType, e.Message)
		}
		if e.BatchID != f.ret.BatchID || e.ReturnID != f.ret.ID {
			t.Errorf("line %d: error not tied to the return", e.LineNumber)
		}
	}
	if out.Matched != 0 || out.Failed != 8 {
		t.Errorf("unexpected counters: matched=%d failed=%d", out.Matched, out.Failed)
	}
	if g := f.reload(t, "G-2"); g.Status != models.GuideStatusSent {
		t.Errorf("rejected verdict must not touch the guide, got %s", g.Status)
	}
}

func TestApply_OrphanSuggestsButNeverMatches(t *testing.T) {
	f := newFixture(t, map[string]int64{"G-000123": 100})
	out, err := f.svc.Apply(context.Background(), f.ret, []parser.Item{
		{Line: 2, GuideNumber: "G-000128", Status: "APROVADO"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Errors) != 1 || out.Errors[0].ErrorType != models.ErrorTypeOrphanGuide {
		t.Fatalf("expected one orphan, got %+v", out.Errors)
	}
	if got := string(out.Errors[0].Details); !strings.Contains(got, "G-000123") {
		t.Errorf("expected suggestion in details, got %s", got)
	}
	if g := f.reload(t, "G-000123"); g.Status != models.GuideStatusSent {
		t.Errorf("near miss must not update the guide, got %s", g.Status)
	}
}

func TestApply_Idempotent(t *testing.T) {
	f := newFixture(t, map[string]int64{"G-1": 100, "G-2": 100})
	items := []parser.Item{
		{Line: 1, GuideNumber: "G-1", Status: "PARCIAL", ApprovedValue: money("40")},
		{Line: 2, GuideNumber: "G-2", Status: "GLOSADO"},
	}
	ctx := context.Background()
	if _, err := f.svc.Apply(ctx, f.ret, items); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	first := f.reload(t, "G-1").ApprovedOrZero()
	if _, err := f.svc.Apply(ctx, f.ret, items); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if again := f.reload(t, "G-1").ApprovedOrZero(); !again.Equal(first) {
		t.Errorf("re-applying changed the approved value: %s -> %s", first, again)
	}
}
