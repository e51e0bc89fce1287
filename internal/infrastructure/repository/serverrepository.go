package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/veil-labs/veil/internal/domain/server"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/infrastructure/persistence/mappers"
	"github.com/veil-labs/veil/internal/infrastructure/persistence/models"
	"github.com/veil-labs/veil/internal/shared/logger"
)

type ServerRepositoryImpl struct {
	db     *gorm.DB
	mapper mappers.ServerMapper
	logger logger.Interface
}

func NewServerRepository(
	db *gorm.DB,
	logger logger.Interface,
) server.Repository {
	return &ServerRepositoryImpl{
		db:     db,
		mapper: mappers.NewServerMapper(),
		logger: logger,
	}
}

func (r *ServerRepositoryImpl) Create(ctx context.Context, serverEntity *server.Server) error {
	model, err := r.mapper.ToModel(serverEntity)
	if err != nil {
		r.logger.Errorw("failed to map server entity to model", "error", err)
		return fmt.Errorf("failed to map server entity: %w", err)
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		r.logger.Errorw("failed to create server in database", "error", err)
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := serverEntity.SetID(model.ID); err != nil {
		r.logger.Errorw("failed to set server ID", "error", err)
		return fmt.Errorf("failed to set server ID: %w", err)
	}

	r.logger.Infow("server created successfully", "id", model.ID, "sid", model.SID, "name", model.Name)
	return nil
}

// Update saves the aggregate but leaves current_users alone: the load
// counter moves only through AcquireSlot and ReleaseSlot so a stale
// read can never overwrite a concurrent slot change.
func (r *ServerRepositoryImpl) Update(ctx context.Context, serverEntity *server.Server) error {
	model, err := r.mapper.ToModel(serverEntity)
	if err != nil {
		r.logger.Errorw("failed to map server entity to model", "error", err)
		return fmt.Errorf("failed to map server entity: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Model(&models.ServerModel{}).
		Where("id = ?", model.ID).
		Omit("current_users", "created_at").
		Select("*").
		Updates(model).Error; err != nil {
		r.logger.Errorw("failed to update server in database", "id", model.ID, "error", err)
		return fmt.Errorf("failed to update server: %w", err)
	}

	return nil
}

func (r *ServerRepositoryImpl) GetByID(ctx context.Context, id uint) (*server.Server, error) {
	var model models.ServerModel

	if err := r.db.WithContext(ctx).First(&model, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, server.ErrServerNotFound
		}
		r.logger.Errorw("failed to get server by ID", "id", id, "error", err)
		return nil, fmt.Errorf("failed to get server: %w", err)
	}

	return r.mapper.ToEntity(&model)
}

func (r *ServerRepositoryImpl) GetBySID(ctx context.Context, sid string) (*server.Server, error) {
	var model models.ServerModel

	if err := r.db.WithContext(ctx).Where("sid = ?", sid).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, server.ErrServerNotFound
		}
		r.logger.Errorw("failed to get server by SID", "sid", sid, "error", err)
		return nil, fmt.Errorf("failed to get server: %w", err)
	}

	return r.mapper.ToEntity(&model)
}

func (r *ServerRepositoryImpl) List(ctx context.Context) ([]*server.Server, error) {
	var srvModels []*models.ServerModel

	if err := r.db.WithContext(ctx).Order("id ASC").Find(&srvModels).Error; err != nil {
		r.logger.Errorw("failed to list servers", "error", err)
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	return r.mapper.ToEntities(srvModels)
}

func (r *ServerRepositoryImpl) ListCandidates(ctx context.Context, protocol vpn.Protocol) ([]*server.Server, error) {
	var srvModels []*models.ServerModel

	// The protocol list is stored as a JSON string array; a quoted
	// LIKE match works on both mysql and sqlite.
	pattern := fmt.Sprintf("%%%q%%", protocol.String())
	if err := r.db.WithContext(ctx).
		Where("supported_protocols LIKE ?", pattern).
		Order("id ASC").
		Find(&srvModels).Error; err != nil {
		r.logger.Errorw("failed to list candidate servers", "protocol", protocol.String(), "error", err)
		return nil, fmt.Errorf("failed to list candidate servers: %w", err)
	}

	return r.mapper.ToEntities(srvModels)
}

// AcquireSlot takes one capacity slot with a conditional increment.
// The WHERE clause makes the check-and-increment atomic; losing the
// race for the last slot yields ErrNoFreeSlot, not an overshoot.
func (r *ServerRepositoryImpl) AcquireSlot(ctx context.Context, serverID uint) error {
	result := r.db.WithContext(ctx).
		Model(&models.ServerModel{}).
		Where("id = ? AND current_users < max_users", serverID).
		Updates(map[string]any{
			"current_users": gorm.Expr("current_users + 1"),
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		r.logger.Errorw("failed to acquire server slot", "server_id", serverID, "error", result.Error)
		return fmt.Errorf("failed to acquire server slot: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return server.ErrNoFreeSlot
	}
	return nil
}

// ReleaseSlot returns one capacity slot, flooring at zero.
func (r *ServerRepositoryImpl) ReleaseSlot(ctx context.Context, serverID uint) error {
	result := r.db.WithContext(ctx).
		Model(&models.ServerModel{}).
		Where("id = ? AND current_users > 0", serverID).
		Updates(map[string]any{
			"current_users": gorm.Expr("current_users - 1"),
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		r.logger.Errorw("failed to release server slot", "server_id", serverID, "error", result.Error)
		return fmt.Errorf("failed to release server slot: %w", result.Error)
	}
	return nil
}
