package validation

import (
	"testing"
	"time"

	"tiss-claims-backend/internal/models"

	"github.com/shopspring/decimal"
)

var fixedNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func rules() Rules {
	return Rules{Now: func() time.Time { return fixedNow }}
}

func consultaGuide() *models.Guide {
	return &models.Guide{
		GuideType:       models.GuideTypeConsulta,
		GuideNumber:     "G-100",
		ProcedureCode:   "10101012",
		ProcedureName:   "Consulta em consultório",
		BeneficiaryCard: "0001234500018",
		Quantity:        1,
		ExecutionDate:   fixedNow.AddDate(0, 0, -3),
		RequestedValue:  decimal.NewFromInt(500),
	}
}

func codes(vs []Violation) map[string]int {
	out := make(map[string]int)
	for _, v := range vs {
		out[v.Code]++
	}
	return out
}

func TestValidate_CleanGuide(t *testing.T) {
	if vs := rules().Validate(consultaGuide(), models.GuideTypeConsulta); len(vs) != 0 {
		t.Fatalf("expected no violations, got %v", vs)
	}
}

func TestValidate_Rules(t *testing.T) {
	admission := fixedNow.AddDate(0, 0, -10)
	discharge := fixedNow.AddDate(0, 0, -5)
	contractStart := fixedNow.AddDate(0, -1, 0)

	tests := []struct {
		name     string
		rules    Rules
		guideTyp models.GuideType
		mutate   func(g *models.Guide)
		want     string
		field    string
	}{
		{"missing guide number", rules(), models.GuideTypeConsulta, func(g *models.Guide) { g.GuideNumber = "" }, CodeRequiredField, "guide_number"},
		{"missing card", rules(), models.GuideTypeConsulta, func(g *models.Guide) { g.BeneficiaryCard = "" }, CodeRequiredField, "beneficiary_card"},
		{"missing execution date", rules(), models.GuideTypeConsulta, func(g *models.Guide) { g.ExecutionDate = time.Time{} }, CodeRequiredField, "execution_date"},
		{"guide number too long", rules(), models.GuideTypeConsulta, func(g *models.Guide) { g.GuideNumber = "G-123456789012345678901" }, CodeFieldTooLong, "guide_number"},
		{"bad code format", rules(), models.GuideTypeConsulta, func(g *models.Guide) { g.ProcedureCode = "1010101" }, CodeInvalidCodeFormat, "procedure_code"},
		{"unknown code", rules(), models.GuideTypeConsulta, func(g *models.Guide) { g.ProcedureCode = "99999999" }, CodeUnknownProcedure, "procedure_code"},
		{"exam on consultation guide", rules(), models.GuideTypeConsulta, func(g *models.Guide) { g.ProcedureCode = "40304361" }, CodeNotAllowedForType, "procedure_code"},
		{"consultation quantity", rules(), models.GuideTypeConsulta, func(g *models.Guide) { g.Quantity = 2 }, CodeInvalidQuantity, "quantity"},
		{"future execution", rules(), models.GuideTypeConsulta, func(g *models.Guide) { g.ExecutionDate = fixedNow.AddDate(0, 0, 1) }, CodeFutureDate, "execution_date"},
		{"before contract", Rules{Now: rules().Now, ContractStart: &contractStart}, models.GuideTypeConsulta, func(g *models.Guide) { g.ExecutionDate = fixedNow.AddDate(0, -2, 0) }, CodeBeforeContractStart, "execution_date"},
		{"zero value", rules(), models.GuideTypeConsulta, func(g *models.Guide) { g.RequestedValue = decimal.Zero }, CodeNonPositiveValue, "requested_value"},
		{"approved above requested", rules(), models.GuideTypeConsulta, func(g *models.Guide) {
			g.ApprovedValue = decimal.NewNullDecimal(decimal.NewFromInt(501))
		}, CodeApprovedExceedsRequested, "approved_value"},
		{"sadt without professional", rules(), models.GuideTypeSPSADT, func(g *models.Guide) {}, CodeRequiredField, "requesting_professional"},
		{"sadt zero quantity", rules(), models.GuideTypeSPSADT, func(g *models.Guide) {
			g.RequestingProfessional = "Dra. Ana Lima"
			g.Quantity = 0
		}, CodeInvalidQuantity, "quantity"},
		{"hospitalization without dates", rules(), models.GuideTypeInternacao, func(g *models.Guide) { g.ProcedureCode = "10102019" }, CodeRequiredField, "admission_date"},
		{"discharge before admission", rules(), models.GuideTypeInternacao, func(g *models.Guide) {
			g.ProcedureCode = "10102019"
			g.AdmissionDate = &discharge
			g.DischargeDate = &admission
		}, CodeInvalidDateRange, "discharge_date"},
		{"execution outside stay", rules(), models.GuideTypeInternacao, func(g *models.Guide) {
			g.ProcedureCode = "10102019"
			g.AdmissionDate = &admission
			g.DischargeDate = &discharge
			g.ExecutionDate = fixedNow.AddDate(0, 0, -1)
		}, CodeInvalidDateRange, "execution_date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := consultaGuide()
			tt.mutate(g)
			vs := tt.rules.Validate(g, tt.guideTyp)
			found := false
			for _, v := range vs {
				if v.Code == tt.want && v.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %s on %s, got %v", tt.want, tt.field, vs)
			}
		})
	}
}

func TestValidate_UnknownGuideType(t *testing.T) {
	vs := rules().Validate(consultaGuide(), models.GuideType("ODONTO"))
	if len(vs) != 1 || vs[0].Code != CodeUnknownGuideType {
		t.Fatalf("expected a single UNKNOWN_GUIDE_TYPE, got %v", vs)
	}
}

func TestValidate_HospitalizationWithinStay(t *testing.T) {
	admission := fixedNow.AddDate(0, 0, -10)
	discharge := fixedNow.AddDate(0, 0, -5)
	g := consultaGuide()
	g.GuideType = models.GuideTypeInternacao
	g.ProcedureCode = "31003079"
	g.RequestedValue = decimal.NewFromInt(2500)
	g.AdmissionDate = &admission
	g.DischargeDate = &discharge
	g.ExecutionDate = fixedNow.AddDate(0, 0, -7)

	if vs := rules().Validate(g, models.GuideTypeInternacao); len(vs) != 0 {
		t.Fatalf("expected no violations, got %v", vs)
	}
}

func TestValidate_IsDeterministic(t *testing.T) {
	g := consultaGuide()
	g.ProcedureCode = "99999999"
	g.RequestedValue = decimal.NewFromInt(-1)
	g.BeneficiaryCard = ""

	first := rules().Validate(g, models.GuideTypeConsulta)
	second := rules().Validate(g, models.GuideTypeConsulta)
	if len(first) != 3 || len(first) != len(second) {
		t.Fatalf("expected 3 stable violations, got %v and %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("violation %d differs: %v vs %v", i, first[i], second[i])
		}
	}
	if c := codes(first); c[CodeUnknownProcedure] != 1 || c[CodeNonPositiveValue] != 1 || c[CodeRequiredField] != 1 {
		t.Fatalf("unexpected codes %v", c)
	}
}

func TestLookupProcedure(t *testing.T) {
	p, ok := LookupProcedure("10101012")
	if !ok || !p.Allows(models.GuideTypeConsulta) {
		t.Fatalf("expected consultation code in table, got %+v", p)
	}
	if _, ok := LookupProcedure("99999999"); ok {
		t.Fatal("99999999 must not be a known procedure")
	}
}
