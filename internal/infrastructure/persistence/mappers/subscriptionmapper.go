package mappers

import (
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"github.com/veil-labs/veil/internal/domain/subscription"
	vo "github.com/veil-labs/veil/internal/domain/subscription/valueobjects"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/infrastructure/persistence/models"
)

type SubscriptionMapper interface {
	ToEntity(model *models.SubscriptionModel) (*subscription.Subscription, error)
	ToModel(entity *subscription.Subscription) (*models.SubscriptionModel, error)
	ToEntities(models []*models.SubscriptionModel) ([]*subscription.Subscription, error)
}

type SubscriptionMapperImpl struct{}

func NewSubscriptionMapper() SubscriptionMapper {
	return &SubscriptionMapperImpl{}
}

func (m *SubscriptionMapperImpl) ToEntity(model *models.SubscriptionModel) (*subscription.Subscription, error) {
	if model == nil {
		return nil, nil
	}

	status := vo.SubscriptionStatus(model.Status)
	if !vo.ValidStatuses[status] {
		return nil, fmt.Errorf("invalid subscription status: %s", model.Status)
	}

	var plan vo.PlanSnapshot
	if err := json.Unmarshal(model.Plan, &plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan snapshot: %w", err)
	}

	var activeProtocol *vpn.Protocol
	if model.ActiveProtocol != nil && *model.ActiveProtocol != "" {
		p, err := vpn.ParseProtocol(*model.ActiveProtocol)
		if err != nil {
			return nil, fmt.Errorf("failed to parse protocol: %w", err)
		}
		activeProtocol = &p
	}

	entity, err := subscription.Reconstruct(subscription.ReconstructParams{
		ID:              model.ID,
		SID:             model.SID,
		UserID:          model.UserID,
		IntentID:        model.IntentID,
		Plan:            plan,
		Status:          status,
		ActiveProtocol:  activeProtocol,
		ServerID:        model.ServerID,
		StartedAt:       model.StartedAt,
		ExpiresAt:       model.ExpiresAt,
		TrafficUsed:     model.TrafficUsed,
		TrafficLimit:    model.TrafficLimit,
		QuotaSignaled:   model.QuotaSignaled,
		AutoRenew:       model.AutoRenew,
		StatusReason:    model.StatusReason,
		RepairAttempts:  model.RepairAttempts,
		StatusChangedAt: model.StatusChangedAt,
		ArchivedAt:      model.ArchivedAt,
		Version:         model.Version,
		CreatedAt:       model.CreatedAt,
		UpdatedAt:       model.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct subscription entity: %w", err)
	}

	return entity, nil
}

func (m *SubscriptionMapperImpl) ToModel(entity *subscription.Subscription) (*models.SubscriptionModel, error) {
	if entity == nil {
		return nil, nil
	}

	planJSON, err := json.Marshal(entity.Plan())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan snapshot: %w", err)
	}

	var activeProtocol *string
	if p := entity.ActiveProtocol(); p != nil {
		s := p.String()
		activeProtocol = &s
	}

	model := &models.SubscriptionModel{
		ID:              entity.ID(),
		SID:             entity.SID(),
		UserID:          entity.UserID(),
		IntentID:        entity.IntentID(),
		Plan:            planJSON,
		Status:          entity.Status().String(),
		ActiveProtocol:  activeProtocol,
		ServerID:        entity.ServerID(),
		StartedAt:       entity.StartedAt(),
		ExpiresAt:       entity.ExpiresAt(),
		TrafficUsed:     entity.TrafficUsed(),
		TrafficLimit:    entity.TrafficLimit(),
		QuotaSignaled:   entity.QuotaSignaled(),
		AutoRenew:       entity.AutoRenew(),
		StatusReason:    entity.StatusReason(),
		RepairAttempts:  entity.RepairAttempts(),
		StatusChangedAt: entity.StatusChangedAt(),
		ArchivedAt:      entity.ArchivedAt(),
		Version:         entity.Version(),
		CreatedAt:       entity.CreatedAt(),
		UpdatedAt:       entity.UpdatedAt(),
	}

	// Archived rows are soft-deleted so status scans never see them
	// while direct lookups still can.
	if at := entity.ArchivedAt(); at != nil {
		model.DeletedAt = gorm.DeletedAt{Time: *at, Valid: true}
	}

	return model, nil
}

func (m *SubscriptionMapperImpl) ToEntities(subModels []*models.SubscriptionModel) ([]*subscription.Subscription, error) {
	entities := make([]*subscription.Subscription, 0, len(subModels))
	for _, model := range subModels {
		entity, err := m.ToEntity(model)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, nil
}
