// Package validation checks a guide against the structural and business
// rules an operator enforces before accepting it.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"tiss-claims-backend/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const (
	CodeRequiredField            = "REQUIRED_FIELD"
	CodeFieldTooLong             = "FIELD_TOO_LONG"
	CodeInvalidCodeFormat        = "INVALID_CODE_FORMAT"
	CodeUnknownProcedure         = "UNKNOWN_PROCEDURE_CODE"
	CodeNotAllowedForType        = "CODE_NOT_ALLOWED_FOR_TYPE"
	CodeInvalidQuantity          = "INVALID_QUANTITY"
	CodeFutureDate               = "FUTURE_DATE"
	CodeBeforeContractStart      = "BEFORE_CONTRACT_START"
	CodeInvalidDateRange         = "INVALID_DATE_RANGE"
	CodeNonPositiveValue         = "NON_POSITIVE_VALUE"
	CodeApprovedExceedsRequested = "APPROVED_EXCEEDS_REQUESTED"
	CodeUnknownGuideType         = "UNKNOWN_GUIDE_TYPE"
)

// Violation is one broken rule, addressed by the guide's JSON field name.
type Violation struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// Rules carries the context a guide is validated against.
type Rules struct {
	Now           func() time.Time
	ContractStart *time.Time
}

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks g as a guide of type t using the current clock and no
// contract start.
func Validate(g *models.Guide, t models.GuideType) []Violation {
	return Rules{}.Validate(g, t)
}

func (r Rules) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Rules) Validate(g *models.Guide, t models.GuideType) []Violation {
	if !t.Valid() {
		return []Violation{{
			Field:   "guide_type",
			Code:    CodeUnknownGuideType,
			Message: fmt.Sprintf("unknown guide type %q", t),
		}}
	}
	if g == nil {
		return []Violation{{Field: "guide", Code: CodeRequiredField, Message: "guide is required"}}
	}

	var out []Violation
	out = append(out, requiredFields(g)...)
	out = append(out, r.typeRules(g, t)...)
	out = append(out, procedureRules(g.ProcedureCode, t)...)
	out = append(out, r.dateRules(g)...)
	out = append(out, valueRules(g)...)
	return out
}

func requiredFields(g *models.Guide) []Violation {
	var out []Violation
	err := structValidator.StructExcept(g, "GuideType")
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			switch fe.Tag() {
			case "required":
				out = append(out, Violation{Field: fe.Field(), Code: CodeRequiredField, Message: fe.Field() + " is required"})
			case "max":
				out = append(out, Violation{Field: fe.Field(), Code: CodeFieldTooLong, Message: fmt.Sprintf("%s exceeds %s characters", fe.Field(), fe.Param())})
			default:
				out = append(out, Violation{Field: fe.Field(), Code: CodeRequiredField, Message: fe.Error()})
			}
		}
	}
	if g.ExecutionDate.IsZero() {
		out = append(out, Violation{Field: "execution_date", Code: CodeRequiredField, Message: "execution_date is required"})
	}
	return out
}

func (r Rules) typeRules(g *models.Guide, t models.GuideType) []Violation {
	var out []Violation
	switch t {
	case models.GuideTypeConsulta:
		if g.Quantity > 1 {
			out = append(out, Violation{Field: "quantity", Code: CodeInvalidQuantity, Message: "a consultation guide bills a single consultation"})
		}
	case models.GuideTypeSPSADT:
		if strings.TrimSpace(g.RequestingProfessional) == "" {
			out = append(out, Violation{Field: "requesting_professional", Code: CodeRequiredField, Message: "requesting_professional is required for SP/SADT"})
		}
		if g.Quantity < 1 {
			out = append(out, Violation{Field: "quantity", Code: CodeInvalidQuantity, Message: "quantity must be at least 1"})
		}
	case models.GuideTypeInternacao:
		if g.AdmissionDate == nil {
			out = append(out, Violation{Field: "admission_date", Code: CodeRequiredField, Message: "admission_date is required for hospitalization"})
		}
		if g.DischargeDate == nil {
			out = append(out, Violation{Field: "discharge_date", Code: CodeRequiredField, Message: "discharge_date is required for hospitalization"})
		}
		if g.AdmissionDate == nil || g.DischargeDate == nil {
			break
		}
		admission, discharge := day(*g.AdmissionDate), day(*g.DischargeDate)
		if discharge.Before(admission) {
			out = append(out, Violation{Field: "discharge_date", Code: CodeInvalidDateRange, Message: "discharge_date is before admission_date"})
			break
		}
		if !g.ExecutionDate.IsZero() {
			exec := day(g.ExecutionDate)
			if exec.Before(admission) || exec.After(discharge) {
				out = append(out, Violation{Field: "execution_date", Code: CodeInvalidDateRange, Message: "execution_date is outside the hospital stay"})
			}
		}
	}
	return out
}

func procedureRules(code string, t models.GuideType) []Violation {
	if code == "" {
		return nil
	}
	if !ValidCodeFormat(code) {
		return []Violation{{Field: "procedure_code", Code: CodeInvalidCodeFormat, Message: fmt.Sprintf("procedure code %q is not an 8-digit TUSS code", code)}}
	}
	p, ok := LookupProcedure(code)
	if !ok {
		return []Violation{{Field: "procedure_code", Code: CodeUnknownProcedure, Message: fmt.Sprintf("procedure code %s is not in the TUSS table", code)}}
	}
	allowed := p.Allows(t)
	if t == models.GuideTypeConsulta && !strings.HasPrefix(code, ConsultationPrefix) {
		allowed = false
	}
	if !allowed {
		return []Violation{{Field: "procedure_code", Code: CodeNotAllowedForType, Message: fmt.Sprintf("procedure %s cannot be billed on a %s guide", code, t)}}
	}
	return nil
}

func (r Rules) dateRules(g *models.Guide) []Violation {
	if g.ExecutionDate.IsZero() {
		return nil
	}
	var out []Violation
	exec := day(g.ExecutionDate)
	if exec.After(day(r.now())) {
		out = append(out, Violation{Field: "execution_date", Code: CodeFutureDate, Message: "execution_date is in the future"})
	}
	if r.ContractStart != nil && exec.Before(day(*r.ContractStart)) {
		out = append(out, Violation{Field: "execution_date", Code: CodeBeforeContractStart, Message: "execution_date is before the operator contract start"})
	}
	return out
}

func valueRules(g *models.Guide) []Violation {
	var out []Violation
	if !g.RequestedValue.GreaterThan(decimal.Zero) {
		out = append(out, Violation{Field: "requested_value", Code: CodeNonPositiveValue, Message: "requested_value must be greater than zero"})
	}
	if g.ApprovedValue.Valid && g.ApprovedValue.Decimal.GreaterThan(g.RequestedValue) {
		out = append(out, Violation{Field: "approved_value", Code: CodeApprovedExceedsRequested, Message: "approved_value exceeds requested_value"})
	}
	return out
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
