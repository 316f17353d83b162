// Package ledger holds the reconciliation problems found while applying
// operator returns and their resolution workflow.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tiss-claims-backend/internal/actor"
	"tiss-claims-backend/internal/models"
	"tiss-claims-backend/internal/repository"
	"tiss-claims-backend/internal/services/timeline"

	"github.com/google/uuid"
)

var ErrAlreadyResolved = errors.New("import error is already resolved")

type Ledger struct {
	imports  repository.ImportErrorRepository
	batches  repository.BatchRepository
	timeline *timeline.Timeline
	now      func() time.Time
}

func New(errs repository.ImportErrorRepository, batches repository.BatchRepository, tl *timeline.Timeline) *Ledger {
	return &Ledger{imports: errs, batches: batches, timeline: tl, now: time.Now}
}

// Record inserts the entries, skipping ones already recorded for the same
// return item, and refreshes the batch error counters.
func (l *Ledger) Record(ctx context.Context, batchID uuid.UUID, entries []*models.ImportError) (models.ErrorSummary, error) {
	if len(entries) > 0 {
		for _, e := range entries {
			e.BatchID = batchID
			if e.ResolutionStatus == "" {
				e.ResolutionStatus = models.ResolutionPending
			}
		}
		if err := l.imports.CreateMany(ctx, entries); err != nil {
			return models.ErrorSummary{}, fmt.Errorf("record import errors: %w", err)
		}
	}
	return l.batches.RefreshErrorCounts(ctx, batchID)
}

// Listing is the ledger of a batch as shown to billing staff.
type Listing struct {
	Errors  []*models.ImportError                            `json:"errors"`
	ByType  map[models.ImportErrorType][]*models.ImportError `json:"by_type"`
	Summary models.ErrorSummary                              `json:"summary"`
}

func (l *Ledger) List(ctx context.Context, batchID uuid.UUID) (*Listing, error) {
	errs, err := l.imports.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	byType := make(map[models.ImportErrorType][]*models.ImportError)
	for _, e := range errs {
		byType[e.ErrorType] = append(byType[e.ErrorType], e)
	}
	if errs == nil {
		errs = []*models.ImportError{}
	}
	return &Listing{Errors: errs, ByType: byType, Summary: models.SummarizeErrors(errs)}, nil
}

// Resolve closes a pending error of the batch and returns the refreshed
// batch summary.
func (l *Ledger) Resolve(ctx context.Context, act actor.Actor, batchID, errorID uuid.UUID, status models.ResolutionStatus, notes *string) (*models.ImportError, models.ErrorSummary, error) {
	if status != models.ResolutionResolved && status != models.ResolutionIgnored {
		return nil, models.ErrorSummary{}, fmt.Errorf("invalid resolution status %q", status)
	}
	entry, err := l.imports.GetByID(ctx, errorID)
	if err != nil {
		return nil, models.ErrorSummary{}, err
	}
	if entry.BatchID != batchID {
		return nil, models.ErrorSummary{}, repository.ErrNotFound
	}
	if entry.ResolutionStatus != models.ResolutionPending {
		return nil, models.ErrorSummary{}, ErrAlreadyResolved
	}

	err = l.imports.Resolve(ctx, errorID, status, notes, act.ID, l.now())
	if errors.Is(err, repository.ErrStaleStatus) {
		return nil, models.ErrorSummary{}, ErrAlreadyResolved
	}
	if err != nil {
		return nil, models.ErrorSummary{}, err
	}

	summary, err := l.batches.RefreshErrorCounts(ctx, batchID)
	if err != nil {
		return nil, models.ErrorSummary{}, fmt.Errorf("refresh error counts: %w", err)
	}

	l.timeline.Log(ctx, batchID, models.EventImportErrorResolved,
		fmt.Sprintf("%s error for guide %s marked %s", entry.ErrorType, entry.GuideNumberFromFile, status),
		map[string]any{"error_id": errorID.String(), "resolution_status": status}, act.ID)

	updated, err := l.imports.GetByID(ctx, errorID)
	if err != nil {
		return nil, models.ErrorSummary{}, err
	}
	return updated, summary, nil
}
