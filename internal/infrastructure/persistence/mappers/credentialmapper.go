package mappers

import (
	"encoding/json"
	"fmt"

	"github.com/veil-labs/veil/internal/domain/credential"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/infrastructure/persistence/models"
)

type CredentialMapper interface {
	ToEntity(model *models.CredentialModel) (*credential.Credential, error)
	ToModel(entity *credential.Credential) (*models.CredentialModel, error)
	ToEntities(models []*models.CredentialModel) ([]*credential.Credential, error)
}

type CredentialMapperImpl struct{}

func NewCredentialMapper() CredentialMapper {
	return &CredentialMapperImpl{}
}

func (m *CredentialMapperImpl) ToEntity(model *models.CredentialModel) (*credential.Credential, error) {
	if model == nil {
		return nil, nil
	}

	protocol, err := vpn.ParseProtocol(model.Protocol)
	if err != nil {
		return nil, fmt.Errorf("failed to parse protocol: %w", err)
	}

	var payload map[string]any
	if model.ConfigPayload != nil {
		if err := json.Unmarshal(model.ConfigPayload, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config payload: %w", err)
		}
	}

	entity, err := credential.Reconstruct(credential.ReconstructParams{
		ID:               model.ID,
		CID:              model.CID,
		SubscriptionID:   model.SubscriptionID,
		Protocol:         protocol,
		ServerID:         model.ServerID,
		ClientID:         model.ClientID,
		ClientUUID:       model.ClientUUID,
		ConfigPayload:    payload,
		ConnectionString: model.ConnectionString,
		IssuedAt:         model.IssuedAt,
		RevokedAt:        model.RevokedAt,
		Version:          model.Version,
		CreatedAt:        model.CreatedAt,
		UpdatedAt:        model.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct credential entity: %w", err)
	}

	return entity, nil
}

func (m *CredentialMapperImpl) ToModel(entity *credential.Credential) (*models.CredentialModel, error) {
	if entity == nil {
		return nil, nil
	}

	payloadJSON, err := json.Marshal(entity.ConfigPayload())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config payload: %w", err)
	}

	return &models.CredentialModel{
		ID:               entity.ID(),
		CID:              entity.CID(),
		SubscriptionID:   entity.SubscriptionID(),
		Protocol:         entity.Protocol().String(),
		ServerID:         entity.ServerID(),
		ClientID:         entity.ClientID(),
		ClientUUID:       entity.ClientUUID(),
		ConfigPayload:    payloadJSON,
		ConnectionString: entity.ConnectionString(),
		IssuedAt:         entity.IssuedAt(),
		RevokedAt:        entity.RevokedAt(),
		Version:          entity.Version(),
		CreatedAt:        entity.CreatedAt(),
		UpdatedAt:        entity.UpdatedAt(),
	}, nil
}

func (m *CredentialMapperImpl) ToEntities(credModels []*models.CredentialModel) ([]*credential.Credential, error) {
	entities := make([]*credential.Credential, 0, len(credModels))
	for _, model := range credModels {
		entity, err := m.ToEntity(model)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, nil
}
