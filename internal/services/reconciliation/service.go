// Package reconciliation merges an operator's verdicts into the guides of a
// batch and reports every line that could not be applied.
package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"tiss-claims-backend/internal/config"
	"tiss-claims-backend/internal/models"
	"tiss-claims-backend/internal/repository"
	"tiss-claims-backend/internal/services/matching"
	"tiss-claims-backend/internal/services/returns/parser"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gorm.io/datatypes"
)

type Service struct {
	guides repository.GuideRepository
	log    logrus.FieldLogger
}

func NewService(guides repository.GuideRepository, log logrus.FieldLogger) *Service {
	return &Service{guides: guides, log: log}
}

// StatusStat is the per-verdict aggregate of an applied return.
type StatusStat struct {
	Count    int             `json:"count"`
	Approved decimal.Decimal `json:"approved"`
}

type Outcome struct {
	Total    int                               `json:"records_total"`
	Matched  int                               `json:"records_matched"`
	Failed   int                               `json:"records_failed"`
	ByStatus map[models.GuideStatus]StatusStat `json:"by_status"`
	ByError  map[models.ImportErrorType]int    `json:"by_error"`
	Errors   []*models.ImportError             `json:"-"`
}

var statusAliases = map[string]models.GuideStatus{
	"APROVADO":      models.GuideStatusApproved,
	"APROVADA":      models.GuideStatusApproved,
	"AUTORIZADO":    models.GuideStatusApproved,
	"PAGO":          models.GuideStatusApproved,
	"LIBERADO":      models.GuideStatusApproved,
	"APPROVED":      models.GuideStatusApproved,
	"GLOSADO":       models.GuideStatusDenied,
	"GLOSADA":       models.GuideStatusDenied,
	"NEGADO":        models.GuideStatusDenied,
	"RECUSADO":      models.GuideStatusDenied,
	"GLOSA TOTAL":   models.GuideStatusDenied,
	"DENIED":        models.GuideStatusDenied,
	"PARCIAL":       models.GuideStatusPartial,
	"GLOSA PARCIAL": models.GuideStatusPartial,
	"PAGO PARCIAL":  models.GuideStatusPartial,
	"PARTIAL":       models.GuideStatusPartial,
}

var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// ParseResultStatus maps an operator's verdict text to a settled guide
// status. Anything else, including PENDING or SENT, is not a verdict.
func ParseResultStatus(s string) (models.GuideStatus, error) {
	n, _, err := transform.String(foldAccents, s)
	if err != nil {
		n = s
	}
	n = strings.ToUpper(strings.Join(strings.FieldsFunc(n, func(r rune) bool {
		return unicode.IsSpace(r) || r == '_' || r == '-'
	}), " "))
	if st, ok := statusAliases[n]; ok {
		return st, nil
	}
	return "", fmt.Errorf("unrecognized guide status %q", s)
}

// Apply matches every item to a guide of the return's batch and sets the
// operator's verdict on it. Writes are absolute, so applying the same
// return twice leaves the guides unchanged. Only a failure to read the
// batch's guides is returned as an error; everything else is reported in
// the outcome.
func (s *Service) Apply(ctx context.Context, ret *models.ReturnFile, items []parser.Item) (*Outcome, error) {
	guides, err := s.guides.ListByBatch(ctx, ret.BatchID)
	if err != nil {
		return nil, fmt.Errorf("list guides: %w", err)
	}
	idx := matching.NewIndex(guides)

	out := &Outcome{
		Total:    len(items),
		ByStatus: map[models.GuideStatus]StatusStat{},
		ByError:  map[models.ImportErrorType]int{},
	}
	fail := func(it parser.Item, typ models.ImportErrorType, msg string, details map[string]any) {
		if details == nil {
			details = map[string]any{}
		}
		details["line"] = it.Line
		if it.Status != "" {
			details["status_from_file"] = it.Status
		}
		if it.ApprovedValue != nil {
			details["approved_value_from_file"] = it.ApprovedValue.StringFixed(2)
		}
		detailsJSON, _ := json.Marshal(details)
		out.Errors = append(out.Errors, &models.ImportError{
			ID:                  uuid.New(),
			BatchID:             ret.BatchID,
			ReturnID:            ret.ID,
			LineNumber:          it.Line,
			ErrorType:           typ,
			GuideNumberFromFile: it.GuideNumber,
			Message:             msg,
			Details:             datatypes.JSON(detailsJSON),
			ResolutionStatus:    models.ResolutionPending,
		})
		out.ByError[typ]++
	}

	seen := make(map[string]int, len(items))
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		number := matching.NormalizeGuideNumber(it.GuideNumber)
		if number == "" {
			fail(it, models.ErrorTypeValidationError, "guide number is missing", nil)
			continue
		}
		if first, dup := seen[number]; dup {
			fail(it, models.ErrorTypeValidationError,
				fmt.Sprintf("guide %s appears more than once in the file", it.GuideNumber),
				map[string]any{"first_line": first})
			continue
		}
		seen[number] = it.Line

		if it.Err != nil {
			fail(it, models.ErrorTypeValidationError, it.Err.Error(), nil)
			continue
		}
		status, err := ParseResultStatus(it.Status)
		if err != nil {
			fail(it, models.ErrorTypeValidationError, err.Error(), nil)
			continue
		}

		g, suggestion := idx.Lookup(it.GuideNumber)
		if g == nil {
			details := map[string]any{}
			if suggestion != nil {
				details["suggestion"] = suggestion
			}
			fail(it, models.ErrorTypeOrphanGuide,
				fmt.Sprintf("guide %s is not part of this batch", it.GuideNumber), details)
			continue
		}

		status, approved, err := settle(g, status, it.ApprovedValue)
		if err != nil {
			fail(it, models.ErrorTypeValidationError, err.Error(), map[string]any{
				"guide_id":        g.ID.String(),
				"requested_value": g.RequestedValue.StringFixed(2),
			})
			continue
		}

		res := models.GuideResult{
			ReturnID:      ret.ID,
			Status:        status,
			ApprovedValue: approved,
			DenialCode:    strings.TrimSpace(it.DenialCode),
		}
		if reason := strings.TrimSpace(it.DenialReason); reason != "" {
			res.DenialReason = &reason
		}
		if err := s.guides.ApplyResult(ctx, ret.BatchID, g.ID, res); err != nil {
			config.LogError(s.log, "reconciliation", "Apply", "apply guide result",
				map[string]any{"return_id": ret.ID, "guide_id": g.ID, "line": it.Line}, err)
			fail(it, models.ErrorTypeUpdateFailed,
				fmt.Sprintf("could not update guide %s: %v", it.GuideNumber, err),
				map[string]any{"guide_id": g.ID.String()})
			continue
		}

		out.Matched++
		stat := out.ByStatus[status]
		stat.Count++
		stat.Approved = stat.Approved.Add(approved)
		out.ByStatus[status] = stat
	}
	out.Failed = len(out.Errors)
	return out, nil
}

// settle derives the approved value and final status of a verdict.
// A value below the requested amount on an approval is a partial payment,
// and a zero partial payment is a denial.
func settle(g *models.Guide, status models.GuideStatus, value *decimal.Decimal) (models.GuideStatus, decimal.Decimal, error) {
	requested := g.RequestedValue
	if value != nil {
		if value.IsNegative() {
			return "", decimal.Zero, fmt.Errorf("approved value %s is negative", value.StringFixed(2))
		}
		if value.GreaterThan(requested) {
			return "", decimal.Zero, fmt.Errorf("approved value %s exceeds requested value %s",
				value.StringFixed(2), requested.StringFixed(2))
		}
	}

	switch status {
	case models.GuideStatusDenied:
		return status, decimal.Zero, nil
	case models.GuideStatusApproved:
		if value == nil || value.Equal(requested) {
			return status, requested, nil
		}
		if value.IsZero() {
			return models.GuideStatusDenied, decimal.Zero, nil
		}
		return models.GuideStatusPartial, *value, nil
	case models.GuideStatusPartial:
		if value == nil {
			return "", decimal.Zero, errors.New("partial approval without an approved value")
		}
		if value.IsZero() {
			return models.GuideStatusDenied, decimal.Zero, nil
		}
		if value.Equal(requested) {
			return models.GuideStatusApproved, requested, nil
		}
		return status, *value, nil
	}
	return "", decimal.Zero, fmt.Errorf("%s is not a settled status", status)
}
