// Package timeline records the audit trail of a batch. Recording never
// fails the operation it annotates.
package timeline

import (
	"context"
	"encoding/json"
	"time"

	"tiss-claims-backend/internal/config"
	"tiss-claims-backend/internal/models"
	"tiss-claims-backend/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultListLimit = 200

type Timeline struct {
	repo repository.EventRepository
	log  logrus.FieldLogger
}

func New(repo repository.EventRepository, log logrus.FieldLogger) *Timeline {
	return &Timeline{repo: repo, log: log}
}

// Log appends an event. Failures are logged and swallowed.
func (t *Timeline) Log(ctx context.Context, batchID uuid.UUID, eventType models.BatchEventType, description string, metadata map[string]any, actorID string) {
	event := &models.BatchEvent{
		BatchID:     batchID,
		EventType:   eventType,
		Description: description,
		ActorID:     actorID,
		CreatedAt:   time.Now(),
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			config.LogError(t.log, "timeline", "Log", "marshal metadata", eventType, err)
		} else {
			event.Metadata = raw
		}
	}
	if err := t.repo.Append(ctx, event); err != nil {
		config.LogError(t.log, "timeline", "Log", "append event", map[string]any{
			"batch_id":   batchID.String(),
			"event_type": eventType,
		}, err)
	}
}

// List returns the most recent events first.
func (t *Timeline) List(ctx context.Context, batchID uuid.UUID, limit int) ([]*models.BatchEvent, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	return t.repo.ListByBatch(ctx, batchID, limit)
}
