package repository

import (
	"context"
	"time"

	"tiss-claims-backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ImportErrorGormRepository struct {
	db *gorm.DB
}

func NewImportErrorRepository(db *gorm.DB) *ImportErrorGormRepository {
	return &ImportErrorGormRepository{db: db}
}

func (r *ImportErrorGormRepository) CreateMany(ctx context.Context, errs []*models.ImportError) error {
	if len(errs) == 0 {
		return nil
	}
	for _, e := range errs {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.ResolutionStatus == "" {
			e.ResolutionStatus = models.ResolutionPending
		}
	}
	// A replayed worker run produces the same items; keep the first copy.
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(errs, 200).Error
}

func (r *ImportErrorGormRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ImportError, error) {
	var e models.ImportError
	if err := r.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (r *ImportErrorGormRepository) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.ImportError, error) {
	var errs []*models.ImportError
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at ASC, line_number ASC").
		Find(&errs).Error
	return errs, err
}

func (r *ImportErrorGormRepository) Resolve(ctx context.Context, id uuid.UUID, status models.ResolutionStatus, notes *string, by string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.ImportError{}).
		Where("id = ? AND resolution_status = ?", id, models.ResolutionPending).
		Updates(map[string]interface{}{
			"resolution_status": status,
			"resolution_notes":  notes,
			"resolved_by":       by,
			"resolved_at":       at,
		})
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
