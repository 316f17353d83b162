package validation

import (
	"regexp"

	"tiss-claims-backend/internal/models"

	"github.com/shopspring/decimal"
)

// Procedure is one entry of the TUSS procedure table known to the clinic.
type Procedure struct {
	Code       string
	Name       string
	GuideTypes []models.GuideType
	TypicalMin decimal.Decimal
	TypicalMax decimal.Decimal
}

func (p Procedure) Allows(t models.GuideType) bool {
	for _, allowed := range p.GuideTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

var codeFormat = regexp.MustCompile(`^[0-9]{8}$`)

// ConsultationPrefix is the TUSS group of consultation codes.
const ConsultationPrefix = "1010"

var (
	consulta   = models.GuideTypeConsulta
	spsadt     = models.GuideTypeSPSADT
	internacao = models.GuideTypeInternacao
)

// proc builds a table entry; lo and hi are the usual billed range in BRL.
func proc(code, name string, lo, hi int64, types ...models.GuideType) Procedure {
	return Procedure{
		Code:       code,
		Name:       name,
		GuideTypes: types,
		TypicalMin: decimal.NewFromInt(lo),
		TypicalMax: decimal.NewFromInt(hi),
	}
}

var procedureTable = map[string]Procedure{}

func init() {
	for _, p := range []Procedure{
		proc("10101012", "Consulta em consultório (no horário normal ou preestabelecido)", 80, 600, consulta, spsadt),
		proc("10101020", "Consulta em domicílio", 150, 900, consulta),
		proc("10101039", "Consulta em pronto socorro", 80, 600, consulta, spsadt),
		proc("10102019", "Visita hospitalar (paciente internado)", 60, 400, internacao, spsadt),
		proc("31003079", "Apendicectomia", 800, 4000, internacao),
		proc("40101010", "ECG convencional de até 12 derivações", 20, 120, spsadt, internacao),
		proc("40301630", "Creatinina - pesquisa e/ou dosagem", 3, 40, spsadt, internacao),
		proc("40302040", "Glicose - pesquisa e/ou dosagem", 3, 30, spsadt, internacao),
		proc("40304361", "Hemograma com contagem de plaquetas ou frações", 8, 60, spsadt, internacao),
		proc("40901122", "US - Abdome total", 80, 400, spsadt),
		proc("41101014", "RM - Crânio (encéfalo)", 400, 1800, spsadt, internacao),
	} {
		procedureTable[p.Code] = p
	}
}

// LookupProcedure finds a procedure by its canonical eight-digit code.
func LookupProcedure(code string) (Procedure, bool) {
	p, ok := procedureTable[code]
	return p, ok
}

func ValidCodeFormat(code string) bool {
	return codeFormat.MatchString(code)
}
