package mappers

import (
	"encoding/json"
	"fmt"

	"github.com/veil-labs/veil/internal/domain/server"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/infrastructure/persistence/models"
)

type ServerMapper interface {
	ToEntity(model *models.ServerModel) (*server.Server, error)
	ToModel(entity *server.Server) (*models.ServerModel, error)
	ToEntities(models []*models.ServerModel) ([]*server.Server, error)
}

type ServerMapperImpl struct{}

func NewServerMapper() ServerMapper {
	return &ServerMapperImpl{}
}

// panelSettingsJSON is the persisted shape of one panel section.
type panelSettingsJSON struct {
	BaseURL  string            `json:"base_url"`
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	APIKey   string            `json:"api_key,omitempty"`
	Settings map[string]string `json:"settings,omitempty"`
}

func (m *ServerMapperImpl) ToEntity(model *models.ServerModel) (*server.Server, error) {
	if model == nil {
		return nil, nil
	}

	var protocolStrs []string
	if err := json.Unmarshal(model.SupportedProtocols, &protocolStrs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal supported protocols: %w", err)
	}
	protocols := make([]vpn.Protocol, 0, len(protocolStrs))
	for _, ps := range protocolStrs {
		p, err := vpn.ParseProtocol(ps)
		if err != nil {
			return nil, fmt.Errorf("failed to parse protocol: %w", err)
		}
		protocols = append(protocols, p)
	}

	var rawPanels map[string]panelSettingsJSON
	if err := json.Unmarshal(model.Panels, &rawPanels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal panels: %w", err)
	}
	panels := make(map[vpn.Protocol]server.PanelSettings, len(rawPanels))
	for ps, cfg := range rawPanels {
		p, err := vpn.ParseProtocol(ps)
		if err != nil {
			return nil, fmt.Errorf("failed to parse panel protocol: %w", err)
		}
		panels[p] = server.PanelSettings{
			BaseURL:  cfg.BaseURL,
			Username: cfg.Username,
			Password: cfg.Password,
			APIKey:   cfg.APIKey,
			Settings: cfg.Settings,
		}
	}

	entity, err := server.Reconstruct(server.ReconstructParams{
		ID:                 model.ID,
		SID:                model.SID,
		Name:               model.Name,
		Country:            model.Country,
		City:               model.City,
		Address:            model.Address,
		SupportedProtocols: protocols,
		Panels:             panels,
		MaxUsers:           model.MaxUsers,
		CurrentUsers:       model.CurrentUsers,
		Health:             server.HealthStatus(model.Health),
		Maintenance:        model.Maintenance,
		LastCheckedAt:      model.LastCheckedAt,
		Version:            model.Version,
		CreatedAt:          model.CreatedAt,
		UpdatedAt:          model.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct server entity: %w", err)
	}

	return entity, nil
}

func (m *ServerMapperImpl) ToModel(entity *server.Server) (*models.ServerModel, error) {
	if entity == nil {
		return nil, nil
	}

	protocolStrs := make([]string, 0, len(entity.SupportedProtocols()))
	for _, p := range entity.SupportedProtocols() {
		protocolStrs = append(protocolStrs, p.String())
	}
	protocolsJSON, err := json.Marshal(protocolStrs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal supported protocols: %w", err)
	}

	rawPanels := make(map[string]panelSettingsJSON)
	for _, p := range entity.SupportedProtocols() {
		ps, ok := entity.PanelFor(p)
		if !ok {
			continue
		}
		rawPanels[p.String()] = panelSettingsJSON{
			BaseURL:  ps.BaseURL,
			Username: ps.Username,
			Password: ps.Password,
			APIKey:   ps.APIKey,
			Settings: ps.Settings,
		}
	}
	panelsJSON, err := json.Marshal(rawPanels)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal panels: %w", err)
	}

	return &models.ServerModel{
		ID:                 entity.ID(),
		SID:                entity.SID(),
		Name:               entity.Name(),
		Country:            entity.Country(),
		City:               entity.City(),
		Address:            entity.Address(),
		SupportedProtocols: protocolsJSON,
		Panels:             panelsJSON,
		MaxUsers:           entity.MaxUsers(),
		CurrentUsers:       entity.CurrentUsers(),
		Health:             entity.Health().String(),
		Maintenance:        entity.InMaintenance(),
		LastCheckedAt:      entity.LastCheckedAt(),
		Version:            entity.Version(),
		CreatedAt:          entity.CreatedAt(),
		UpdatedAt:          entity.UpdatedAt(),
	}, nil
}

func (m *ServerMapperImpl) ToEntities(srvModels []*models.ServerModel) ([]*server.Server, error) {
	entities := make([]*server.Server, 0, len(srvModels))
	for _, model := range srvModels {
		entity, err := m.ToEntity(model)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, nil
}
