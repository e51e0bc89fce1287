package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/veil-labs/veil/internal/domain/subscription"
	vo "github.com/veil-labs/veil/internal/domain/subscription/valueobjects"
	"github.com/veil-labs/veil/internal/infrastructure/persistence/models"
	"github.com/veil-labs/veil/internal/shared/logger"
)

type TransitionRepositoryImpl struct {
	db     *gorm.DB
	logger logger.Interface
}

func NewTransitionRepository(
	db *gorm.DB,
	logger logger.Interface,
) subscription.HistoryRepository {
	return &TransitionRepositoryImpl{
		db:     db,
		logger: logger,
	}
}

func (r *TransitionRepositoryImpl) Append(ctx context.Context, rec *subscription.TransitionRecord) error {
	model := &models.TransitionModel{
		SubscriptionID: rec.SubscriptionID,
		FromStatus:     rec.FromStatus.String(),
		ToStatus:       rec.ToStatus.String(),
		Event:          rec.Event,
		Reason:         rec.Reason,
		CreatedAt:      rec.CreatedAt,
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		r.logger.Errorw("failed to append transition record", "subscription_id", rec.SubscriptionID, "error", err)
		return fmt.Errorf("failed to append transition record: %w", err)
	}
	rec.ID = model.ID
	return nil
}

func (r *TransitionRepositoryImpl) ListBySubscription(ctx context.Context, subscriptionID uint, limit int) ([]*subscription.TransitionRecord, error) {
	var transitionModels []*models.TransitionModel
	query := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&transitionModels).Error; err != nil {
		r.logger.Errorw("failed to list transition records", "subscription_id", subscriptionID, "error", err)
		return nil, fmt.Errorf("failed to list transition records: %w", err)
	}

	records := make([]*subscription.TransitionRecord, 0, len(transitionModels))
	for _, model := range transitionModels {
		records = append(records, &subscription.TransitionRecord{
			ID:             model.ID,
			SubscriptionID: model.SubscriptionID,
			FromStatus:     vo.SubscriptionStatus(model.FromStatus),
			ToStatus:       vo.SubscriptionStatus(model.ToStatus),
			Event:          model.Event,
			Reason:         model.Reason,
			CreatedAt:      model.CreatedAt,
		})
	}
	return records, nil
}
