package dto

import (
	"time"

	"github.com/veil-labs/veil/internal/domain/credential"
)

// ConnectionConfigDTO is the client-facing credential: the raw
// protocol payload plus a ready-to-import connection string.
type ConnectionConfigDTO struct {
	CredentialID     string         `json:"credential_id"`
	Protocol         string         `json:"protocol"`
	ConnectionString string         `json:"connection_string"`
	Config           map[string]any `json:"config"`
	IssuedAt         time.Time      `json:"issued_at"`
}

func FromCredential(cred *credential.Credential) ConnectionConfigDTO {
	return ConnectionConfigDTO{
		CredentialID:     cred.CID(),
		Protocol:         cred.Protocol().String(),
		ConnectionString: cred.ConnectionString(),
		Config:           cred.ConfigPayload(),
		IssuedAt:         cred.IssuedAt(),
	}
}
