package repository

import (
	"context"
	"time"

	"tiss-claims-backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type GuideGormRepository struct {
	db *gorm.DB
}

func NewGuideRepository(db *gorm.DB) *GuideGormRepository {
	return &GuideGormRepository{db: db}
}

func (r *GuideGormRepository) Create(ctx context.Context, g *models.Guide) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	err := r.db.WithContext(ctx).Create(g).Error
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r *GuideGormRepository) Update(ctx context.Context, g *models.Guide) error {
	err := r.db.WithContext(ctx).Save(g).Error
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetByID fetch a single guide by ID
func (r *GuideGormRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Guide, error) {
	var guide models.Guide
	if err := r.db.WithContext(ctx).First(&guide, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &guide, nil
}

func (r *GuideGormRepository) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.Guide, error) {
	var guides []*models.Guide
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("guide_number ASC").
		Find(&guides).Error
	return guides, err
}

func (r *GuideGormRepository) MarkSent(ctx context.Context, batchID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.Guide{}).
		Where("batch_id = ? AND status IN ?", batchID, []models.GuideStatus{models.GuideStatusPending, models.GuideStatusSent}).
		Updates(map[string]interface{}{
			"status":     models.GuideStatusSent,
			"updated_at": time.Now(),
		})
	return result.RowsAffected, result.Error
}

func (r *GuideGormRepository) ApplyResult(ctx context.Context, batchID, guideID uuid.UUID, res models.GuideResult) error {
	returnID := res.ReturnID
	result := r.db.WithContext(ctx).Model(&models.Guide{}).
		Where("id = ? AND batch_id = ?", guideID, batchID).
		Updates(map[string]interface{}{
			"status":               res.Status,
			"approved_value":       res.ApprovedValue,
			"denial_code":          res.DenialCode,
			"denial_reason":        res.DenialReason,
			"reconciled_return_id": &returnID,
			"updated_at":           time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GuideGormRepository) DenialStats(ctx context.Context) ([]DenialStat, error) {
	var rows []DenialStat
	err := r.db.WithContext(ctx).Table("guides AS g").
		Select(`b.operator_name AS operator_name,
			g.procedure_code AS procedure_code,
			COUNT(*) AS reconciled,
			COUNT(*) FILTER (WHERE g.status = ?) AS denied,
			COUNT(*) FILTER (WHERE g.status = ?) AS partial`,
			models.GuideStatusDenied, models.GuideStatusPartial).
		Joins("JOIN batches AS b ON b.id = g.batch_id").
		Where("g.status IN ?", []models.GuideStatus{models.GuideStatusApproved, models.GuideStatusPartial, models.GuideStatusDenied}).
		Group("b.operator_name, g.procedure_code").
		Scan(&rows).Error
	return rows, err
}
