package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"tiss-claims-backend/internal/models"
	"tiss-claims-backend/internal/services/validation"

	"github.com/google/uuid"
)

var (
	ErrConcurrentTransition = errors.New("batch status changed concurrently, reload and retry")
	ErrBatchLocked          = errors.New("another transition of this batch is in progress")
	ErrBatchNotEditable     = errors.New("guides can only change while the batch is DRAFT")
	ErrNoteRequired         = errors.New("a note is required to reject a batch")
	ErrUnknownAction        = errors.New("unknown batch action")
	ErrInvalidPeriod        = errors.New("invalid reference period")
)

// TransitionError is an illegal state change. It names the state the
// batch is in and the one the caller attempted.
type TransitionError struct {
	Action  Action
	Current models.BatchStatus
	Target  models.BatchStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s batch: status is %s, %s is not reachable from it", e.Action, e.Current, e.Target)
}

type GuideViolations struct {
	GuideID     uuid.UUID              `json:"guide_id"`
	GuideNumber string                 `json:"guide_number"`
	Violations  []validation.Violation `json:"violations"`
}

// ValidationFailedError blocks validate and send while any member guide
// carries a structural violation.
type ValidationFailedError struct {
	Action Action
	Guides []GuideViolations
}

func (e *ValidationFailedError) Error() string {
	if len(e.Guides) == 0 {
		return fmt.Sprintf("cannot %s batch: it has no guides", e.Action)
	}
	numbers := make([]string, 0, len(e.Guides))
	for _, g := range e.Guides {
		numbers = append(numbers, g.GuideNumber)
	}
	return fmt.Sprintf("cannot %s batch: %d guide(s) have violations (%s)", e.Action, len(e.Guides), strings.Join(numbers, ", "))
}
