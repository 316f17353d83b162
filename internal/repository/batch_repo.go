package repository

import (
	"context"
	"errors"
	"time"

	"tiss-claims-backend/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const pgUniqueViolation = "23505"

type BatchGormRepository struct {
	db *gorm.DB
}

func NewBatchRepository(db *gorm.DB) *BatchGormRepository {
	return &BatchGormRepository{db: db}
}

func (r *BatchGormRepository) Create(ctx context.Context, b *models.Batch) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	err := r.db.WithContext(ctx).Create(b).Error
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r *BatchGormRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	var batch models.Batch
	if err := r.db.WithContext(ctx).First(&batch, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &batch, nil
}

// UpdateStatus writes the transition only while the row still carries the
// status the caller read.
func (r *BatchGormRepository) UpdateStatus(ctx context.Context, id uuid.UUID, change StatusChange) error {
	updates := map[string]interface{}{
		"status":     change.To,
		"updated_at": time.Now(),
	}
	if change.Note != "" {
		updates["status_note"] = change.Note
	}
	if change.SubmittedAt != nil {
		updates["submitted_at"] = change.SubmittedAt
	}
	if change.ReturnProcessedAt != nil {
		updates["return_processed_at"] = change.ReturnProcessedAt
	}

	result := r.db.WithContext(ctx).Model(&models.Batch{}).
		Where("id = ? AND status = ?", id, change.From).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrStaleStatus
	}
	return nil
}

func (r *BatchGormRepository) UpdateTotals(ctx context.Context, id uuid.UUID, totals models.BatchTotals) error {
	result := r.db.WithContext(ctx).Model(&models.Batch{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"guide_count":    totals.GuideCount,
			"total_value":    totals.TotalValue,
			"approved_value": totals.ApprovedValue,
			"glosa_value":    totals.GlosaValue,
			"updated_at":     time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *BatchGormRepository) RefreshErrorCounts(ctx context.Context, id uuid.UUID) (models.ErrorSummary, error) {
	if err := r.db.WithContext(ctx).Exec("SELECT update_batch_error_counts(?)", id).Error; err != nil {
		return models.ErrorSummary{}, err
	}
	batch, err := r.GetByID(ctx, id)
	if err != nil {
		return models.ErrorSummary{}, err
	}
	return batch.ErrorSummary(), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
