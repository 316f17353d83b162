package repository

import (
	"context"
	"errors"
	"time"

	"tiss-claims-backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OutboxGormRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxGormRepository {
	return &OutboxGormRepository{db: db}
}

func (r *OutboxGormRepository) Enqueue(ctx context.Context, m *models.OutboxMessage) (bool, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = models.OutboxPending
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(m)
	return result.RowsAffected > 0, result.Error
}

// ClaimDue locks a slice of due messages for this worker. Rows locked by a
// worker that died are reclaimed once lockTTL has passed.
func (r *OutboxGormRepository) ClaimDue(ctx context.Context, workerID string, now time.Time, lockTTL time.Duration, limit int) ([]*models.OutboxMessage, error) {
	var claimed []*models.OutboxMessage
	staleBefore := now.Add(-lockTTL)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("status IN ?", []models.OutboxStatus{models.OutboxPending, models.OutboxFailed}).
			Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
			Where("(locked_at IS NULL OR locked_at <= ?)", staleBefore).
			Order("created_at ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, 0, len(claimed))
		for _, m := range claimed {
			ids = append(ids, m.ID)
			m.LockedAt = &now
			m.LockedBy = &workerID
		}
		return tx.Model(&models.OutboxMessage{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"locked_at": now,
				"locked_by": workerID,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *OutboxGormRepository) MarkSent(ctx context.Context, id uuid.UUID, messageID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       models.OutboxSent,
			"message_id":   messageID,
			"published_at": at,
			"locked_at":    nil,
			"locked_by":    nil,
			"updated_at":   at,
		}).Error
}

func (r *OutboxGormRepository) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, status models.OutboxStatus, next *time.Time, errMsg string) error {
	return r.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          status,
			"attempts":        attempts,
			"next_attempt_at": next,
			"last_error":      errMsg,
			"locked_at":       nil,
			"locked_by":       nil,
			"updated_at":      time.Now(),
		}).Error
}

func (r *OutboxGormRepository) Requeue(ctx context.Context, topic, dedupeKey string, payload []byte, now time.Time) (models.OutboxStatus, error) {
	var status models.OutboxStatus
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.OutboxMessage{}).
			Where("topic = ? AND dedupe_key = ?", topic, dedupeKey).
			Where("status IN ?", []models.OutboxStatus{models.OutboxFailed, models.OutboxDead}).
			Updates(map[string]interface{}{
				"status":          models.OutboxPending,
				"payload":         datatypes.JSON(payload),
				"attempts":        0,
				"next_attempt_at": now,
				"last_error":      nil,
				"locked_at":       nil,
				"locked_by":       nil,
				"updated_at":      now,
			}).Error
		if err != nil {
			return err
		}
		var m models.OutboxMessage
		if err := tx.Select("status").Where("topic = ? AND dedupe_key = ?", topic, dedupeKey).Take(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		status = m.Status
		return nil
	})
	return status, err
}
