package risk

import (
	"fmt"
	"strings"
	"unicode"

	"tiss-claims-backend/internal/models"

	"golang.org/x/text/unicode/norm"
)

type FixResult struct {
	Guide   *models.Guide `json:"fixed"`
	Changes []string      `json:"changes"`
}

// AutoFix applies only unambiguous, reversible corrections to a copy of g.
// Requested value and procedure identity are never touched, and applying
// AutoFix to its own output changes nothing.
func AutoFix(g *models.Guide) FixResult {
	if g == nil {
		return FixResult{}
	}
	fixed := g.Clone()
	changes := []string{}

	set := func(field string, dst *string, v string) {
		if *dst != v {
			changes = append(changes, fmt.Sprintf("%s: %q -> %q", field, *dst, v))
			*dst = v
		}
	}

	set("procedure_code", &fixed.ProcedureCode, canonicalProcedureCode(fixed.ProcedureCode))
	set("guide_number", &fixed.GuideNumber, strings.ToUpper(strings.TrimSpace(fixed.GuideNumber)))
	set("beneficiary_card", &fixed.BeneficiaryCard, stripFormatting(fixed.BeneficiaryCard))
	set("procedure_name", &fixed.ProcedureName, cleanText(fixed.ProcedureName))
	set("requesting_professional", &fixed.RequestingProfessional, cleanText(fixed.RequestingProfessional))

	return FixResult{Guide: fixed, Changes: changes}
}

// canonicalProcedureCode turns "1.01.01.01-2" or "4030436 1" into the
// eight-digit TUSS form. Codes with letters or more than eight digits are
// ambiguous and come back unchanged.
func canonicalProcedureCode(code string) string {
	var digits strings.Builder
	for _, r := range strings.TrimSpace(code) {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '.' || r == '-' || r == ' ' || r == '/':
		default:
			return code
		}
	}
	d := digits.String()
	if d == "" || len(d) > 8 {
		return code
	}
	return strings.Repeat("0", 8-len(d)) + d
}

func stripFormatting(card string) string {
	return strings.Map(func(r rune) rune {
		if r == '.' || r == '-' || r == '/' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, card)
}

const allowedPunct = ".,-/():;'ºª"

func cleanText(s string) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return r
		case unicode.IsSpace(r):
			return ' '
		case strings.ContainsRune(allowedPunct, r):
			return r
		}
		return -1
	}, s)
	s = norm.NFC.String(s)
	return strings.Join(strings.Fields(s), " ")
}
