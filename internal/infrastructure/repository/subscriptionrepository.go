package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/veil-labs/veil/internal/domain/subscription"
	vo "github.com/veil-labs/veil/internal/domain/subscription/valueobjects"
	"github.com/veil-labs/veil/internal/infrastructure/persistence/mappers"
	"github.com/veil-labs/veil/internal/infrastructure/persistence/models"
	"github.com/veil-labs/veil/internal/shared/logger"
)

type SubscriptionRepositoryImpl struct {
	db     *gorm.DB
	mapper mappers.SubscriptionMapper
	logger logger.Interface
}

func NewSubscriptionRepository(
	db *gorm.DB,
	logger logger.Interface,
) subscription.Repository {
	return &SubscriptionRepositoryImpl{
		db:     db,
		mapper: mappers.NewSubscriptionMapper(),
		logger: logger,
	}
}

func (r *SubscriptionRepositoryImpl) Create(ctx context.Context, subscriptionEntity *subscription.Subscription) error {
	model, err := r.mapper.ToModel(subscriptionEntity)
	if err != nil {
		r.logger.Errorw("failed to map subscription entity to model", "error", err)
		return fmt.Errorf("failed to map subscription entity: %w", err)
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		r.logger.Errorw("failed to create subscription in database", "error", err)
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	if err := subscriptionEntity.SetID(model.ID); err != nil {
		r.logger.Errorw("failed to set subscription ID", "error", err)
		return fmt.Errorf("failed to set subscription ID: %w", err)
	}

	r.logger.Infow("subscription created successfully", "id", model.ID, "sid", model.SID, "user_id", model.UserID)
	return nil
}

// Update saves the full aggregate state. Unscoped so a transition into
// archived can set the soft-delete marker in the same write.
func (r *SubscriptionRepositoryImpl) Update(ctx context.Context, subscriptionEntity *subscription.Subscription) error {
	model, err := r.mapper.ToModel(subscriptionEntity)
	if err != nil {
		r.logger.Errorw("failed to map subscription entity to model", "error", err)
		return fmt.Errorf("failed to map subscription entity: %w", err)
	}

	if err := r.db.WithContext(ctx).Unscoped().Save(model).Error; err != nil {
		r.logger.Errorw("failed to update subscription in database", "id", model.ID, "error", err)
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	return nil
}

func (r *SubscriptionRepositoryImpl) GetByID(ctx context.Context, id uint) (*subscription.Subscription, error) {
	var model models.SubscriptionModel

	if err := r.db.WithContext(ctx).Unscoped().First(&model, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		r.logger.Errorw("failed to get subscription by ID", "id", id, "error", err)
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return r.mapper.ToEntity(&model)
}

func (r *SubscriptionRepositoryImpl) GetBySID(ctx context.Context, sid string) (*subscription.Subscription, error) {
	var model models.SubscriptionModel

	if err := r.db.WithContext(ctx).Unscoped().Where("sid = ?", sid).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		r.logger.Errorw("failed to get subscription by SID", "sid", sid, "error", err)
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return r.mapper.ToEntity(&model)
}

func (r *SubscriptionRepositoryImpl) GetByIntentID(ctx context.Context, intentID string) (*subscription.Subscription, error) {
	var model models.SubscriptionModel

	// Default scope excludes archived rows, so a new purchase with a
	// fresh intent never collides with a retired subscription.
	if err := r.db.WithContext(ctx).Where("intent_id = ?", intentID).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		r.logger.Errorw("failed to get subscription by intent ID", "intent_id", intentID, "error", err)
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return r.mapper.ToEntity(&model)
}

func (r *SubscriptionRepositoryImpl) ListByStatus(ctx context.Context, statuses []vo.SubscriptionStatus, limit int) ([]*subscription.Subscription, error) {
	statusStrs := make([]string, 0, len(statuses))
	for _, s := range statuses {
		statusStrs = append(statusStrs, s.String())
	}

	var subModels []*models.SubscriptionModel
	query := r.db.WithContext(ctx).Where("status IN ?", statusStrs).Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&subModels).Error; err != nil {
		r.logger.Errorw("failed to list subscriptions by status", "error", err)
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	return r.mapper.ToEntities(subModels)
}

func (r *SubscriptionRepositoryImpl) ListExpiryDue(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	var subModels []*models.SubscriptionModel
	query := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", vo.StatusActive.String(), now).
		Order("expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&subModels).Error; err != nil {
		r.logger.Errorw("failed to list expiry-due subscriptions", "error", err)
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	return r.mapper.ToEntities(subModels)
}

func (r *SubscriptionRepositoryImpl) ListGraceElapsed(ctx context.Context, cutoff time.Time, limit int) ([]*subscription.Subscription, error) {
	var subModels []*models.SubscriptionModel
	query := r.db.WithContext(ctx).
		Where("status IN ? AND status_changed_at < ?",
			[]string{vo.StatusSuspended.String(), vo.StatusExpired.String()}, cutoff).
		Order("status_changed_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&subModels).Error; err != nil {
		r.logger.Errorw("failed to list grace-elapsed subscriptions", "error", err)
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	return r.mapper.ToEntities(subModels)
}

func (r *SubscriptionRepositoryImpl) ListPendingCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*subscription.Subscription, error) {
	var subModels []*models.SubscriptionModel
	query := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", vo.StatusPending.String(), cutoff).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&subModels).Error; err != nil {
		r.logger.Errorw("failed to list pending subscriptions", "error", err)
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	return r.mapper.ToEntities(subModels)
}
