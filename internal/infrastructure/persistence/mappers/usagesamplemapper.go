package mappers

import (
	"github.com/veil-labs/veil/internal/domain/usage"
	"github.com/veil-labs/veil/internal/infrastructure/persistence/models"
)

type UsageSampleMapper interface {
	ToEntity(model *models.UsageSampleModel) *usage.Sample
	ToModel(entity *usage.Sample) *models.UsageSampleModel
	ToEntities(models []*models.UsageSampleModel) []*usage.Sample
}

type UsageSampleMapperImpl struct{}

func NewUsageSampleMapper() UsageSampleMapper {
	return &UsageSampleMapperImpl{}
}

func (m *UsageSampleMapperImpl) ToEntity(model *models.UsageSampleModel) *usage.Sample {
	if model == nil {
		return nil
	}
	return &usage.Sample{
		ID:             model.ID,
		SmpID:          model.SmpID,
		CredentialID:   model.CredentialID,
		SubscriptionID: model.SubscriptionID,
		Bytes:          model.Bytes,
		WindowStart:    model.WindowStart,
		WindowEnd:      model.WindowEnd,
		ReceivedAt:     model.ReceivedAt,
	}
}

func (m *UsageSampleMapperImpl) ToModel(entity *usage.Sample) *models.UsageSampleModel {
	if entity == nil {
		return nil
	}
	return &models.UsageSampleModel{
		ID:             entity.ID,
		SmpID:          entity.SmpID,
		CredentialID:   entity.CredentialID,
		SubscriptionID: entity.SubscriptionID,
		Bytes:          entity.Bytes,
		WindowStart:    entity.WindowStart,
		WindowEnd:      entity.WindowEnd,
		ReceivedAt:     entity.ReceivedAt,
	}
}

func (m *UsageSampleMapperImpl) ToEntities(sampleModels []*models.UsageSampleModel) []*usage.Sample {
	entities := make([]*usage.Sample, 0, len(sampleModels))
	for _, model := range sampleModels {
		entities = append(entities, m.ToEntity(model))
	}
	return entities
}
