package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/veil-labs/veil/internal/domain/credential"
	"github.com/veil-labs/veil/internal/infrastructure/persistence/mappers"
	"github.com/veil-labs/veil/internal/infrastructure/persistence/models"
	"github.com/veil-labs/veil/internal/shared/logger"
)

type CredentialRepositoryImpl struct {
	db     *gorm.DB
	mapper mappers.CredentialMapper
	logger logger.Interface
}

func NewCredentialRepository(
	db *gorm.DB,
	logger logger.Interface,
) credential.Repository {
	return &CredentialRepositoryImpl{
		db:     db,
		mapper: mappers.NewCredentialMapper(),
		logger: logger,
	}
}

func (r *CredentialRepositoryImpl) Create(ctx context.Context, credentialEntity *credential.Credential) error {
	model, err := r.mapper.ToModel(credentialEntity)
	if err != nil {
		r.logger.Errorw("failed to map credential entity to model", "error", err)
		return fmt.Errorf("failed to map credential entity: %w", err)
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		r.logger.Errorw("failed to create credential in database", "error", err)
		return fmt.Errorf("failed to create credential: %w", err)
	}

	if err := credentialEntity.SetID(model.ID); err != nil {
		r.logger.Errorw("failed to set credential ID", "error", err)
		return fmt.Errorf("failed to set credential ID: %w", err)
	}

	return nil
}

func (r *CredentialRepositoryImpl) Update(ctx context.Context, credentialEntity *credential.Credential) error {
	model, err := r.mapper.ToModel(credentialEntity)
	if err != nil {
		r.logger.Errorw("failed to map credential entity to model", "error", err)
		return fmt.Errorf("failed to map credential entity: %w", err)
	}

	if err := r.db.WithContext(ctx).Save(model).Error; err != nil {
		r.logger.Errorw("failed to update credential in database", "id", model.ID, "error", err)
		return fmt.Errorf("failed to update credential: %w", err)
	}

	return nil
}

func (r *CredentialRepositoryImpl) GetByID(ctx context.Context, id uint) (*credential.Credential, error) {
	var model models.CredentialModel

	if err := r.db.WithContext(ctx).First(&model, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		r.logger.Errorw("failed to get credential by ID", "id", id, "error", err)
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	return r.mapper.ToEntity(&model)
}

func (r *CredentialRepositoryImpl) GetByCID(ctx context.Context, cid string) (*credential.Credential, error) {
	var model models.CredentialModel

	if err := r.db.WithContext(ctx).Where("cid = ?", cid).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		r.logger.Errorw("failed to get credential by CID", "cid", cid, "error", err)
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	return r.mapper.ToEntity(&model)
}

func (r *CredentialRepositoryImpl) GetLiveBySubscriptionID(ctx context.Context, subscriptionID uint) (*credential.Credential, error) {
	var model models.CredentialModel

	if err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND revoked_at IS NULL", subscriptionID).
		Order("id DESC").
		First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		r.logger.Errorw("failed to get live credential", "subscription_id", subscriptionID, "error", err)
		return nil, fmt.Errorf("failed to get live credential: %w", err)
	}

	return r.mapper.ToEntity(&model)
}

func (r *CredentialRepositoryImpl) GetLatestBySubscriptionID(ctx context.Context, subscriptionID uint) (*credential.Credential, error) {
	var model models.CredentialModel

	if err := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("id DESC").
		First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		r.logger.Errorw("failed to get latest credential", "subscription_id", subscriptionID, "error", err)
		return nil, fmt.Errorf("failed to get latest credential: %w", err)
	}

	return r.mapper.ToEntity(&model)
}

func (r *CredentialRepositoryImpl) CountLiveByServer(ctx context.Context, serverID uint) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.CredentialModel{}).
		Where("server_id = ? AND revoked_at IS NULL", serverID).
		Count(&count).Error; err != nil {
		r.logger.Errorw("failed to count live credentials", "server_id", serverID, "error", err)
		return 0, fmt.Errorf("failed to count live credentials: %w", err)
	}
	return count, nil
}
