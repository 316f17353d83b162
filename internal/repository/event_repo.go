package repository

import (
	"context"
	"time"

	"tiss-claims-backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type EventGormRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventGormRepository {
	return &EventGormRepository{db: db}
}

func (r *EventGormRepository) Append(ctx context.Context, e *models.BatchEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	metadata := e.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	return r.db.WithContext(ctx).
		Exec("SELECT log_batch_event(?, ?, ?, ?, ?::jsonb, ?, ?)",
			e.ID, e.BatchID, string(e.EventType), e.Description, string(metadata), e.ActorID, e.CreatedAt).
		Error
}

func (r *EventGormRepository) ListByBatch(ctx context.Context, batchID uuid.UUID, limit int) ([]*models.BatchEvent, error) {
	var events []*models.BatchEvent
	q := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&events).Error
	return events, err
}
