package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/veil-labs/veil/internal/domain/usage"
	"github.com/veil-labs/veil/internal/infrastructure/persistence/mappers"
	"github.com/veil-labs/veil/internal/infrastructure/persistence/models"
	"github.com/veil-labs/veil/internal/shared/logger"
)

type UsageSampleRepositoryImpl struct {
	db     *gorm.DB
	mapper mappers.UsageSampleMapper
	logger logger.Interface
}

func NewUsageSampleRepository(
	db *gorm.DB,
	logger logger.Interface,
) usage.Repository {
	return &UsageSampleRepositoryImpl{
		db:     db,
		mapper: mappers.NewUsageSampleMapper(),
		logger: logger,
	}
}

func (r *UsageSampleRepositoryImpl) Append(ctx context.Context, sample *usage.Sample) error {
	model := r.mapper.ToModel(sample)

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		r.logger.Errorw("failed to append usage sample", "subscription_id", sample.SubscriptionID, "error", err)
		return fmt.Errorf("failed to append usage sample: %w", err)
	}
	sample.ID = model.ID
	return nil
}

func (r *UsageSampleRepositoryImpl) ListBySubscription(ctx context.Context, subscriptionID uint, limit int) ([]*usage.Sample, error) {
	var sampleModels []*models.UsageSampleModel
	query := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&sampleModels).Error; err != nil {
		r.logger.Errorw("failed to list usage samples", "subscription_id", subscriptionID, "error", err)
		return nil, fmt.Errorf("failed to list usage samples: %w", err)
	}

	return r.mapper.ToEntities(sampleModels), nil
}

func (r *UsageSampleRepositoryImpl) SumBySubscription(ctx context.Context, subscriptionID uint) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).
		Model(&models.UsageSampleModel{}).
		Where("subscription_id = ?", subscriptionID).
		Select("COALESCE(SUM(bytes), 0)").
		Scan(&total).Error; err != nil {
		r.logger.Errorw("failed to sum usage samples", "subscription_id", subscriptionID, "error", err)
		return 0, fmt.Errorf("failed to sum usage samples: %w", err)
	}
	return total, nil
}

func (r *UsageSampleRepositoryImpl) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("received_at < ?", cutoff).
		Delete(&models.UsageSampleModel{})
	if result.Error != nil {
		r.logger.Errorw("failed to trim usage samples", "error", result.Error)
		return 0, fmt.Errorf("failed to trim usage samples: %w", result.Error)
	}
	return result.RowsAffected, nil
}
