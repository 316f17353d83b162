package repository

import (
	"context"
	"time"

	"tiss-claims-backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ReturnGormRepository struct {
	db *gorm.DB
}

func NewReturnRepository(db *gorm.DB) *ReturnGormRepository {
	return &ReturnGormRepository{db: db}
}

func (r *ReturnGormRepository) Create(ctx context.Context, ret *models.ReturnFile) error {
	if ret.ID == uuid.Nil {
		ret.ID = uuid.New()
	}
	err := r.db.WithContext(ctx).Create(ret).Error
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r *ReturnGormRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ReturnFile, error) {
	var ret models.ReturnFile
	if err := r.db.WithContext(ctx).First(&ret, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &ret, nil
}

func (r *ReturnGormRepository) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.ReturnFile, error) {
	var rets []*models.ReturnFile
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at DESC").
		Find(&rets).Error
	return rets, err
}

func (r *ReturnGormRepository) Update(ctx context.Context, ret *models.ReturnFile) error {
	return r.db.WithContext(ctx).Save(ret).Error
}

func (r *ReturnGormRepository) Transition(ctx context.Context, id uuid.UUID, from []models.ProcessingStatus, to models.ProcessingStatus) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.ReturnFile{}).
		Where("id = ? AND processing_status IN ?", id, from).
		Updates(map[string]interface{}{
			"processing_status": to,
			"updated_at":        time.Now(),
		})
	return result.RowsAffected > 0, result.Error
}
