package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/veil-labs/veil/internal/application/serverops"
	"github.com/veil-labs/veil/internal/domain/server"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/interfaces/http/dto"
	"github.com/veil-labs/veil/internal/shared/logger"
	"github.com/veil-labs/veil/internal/shared/utils"
)

// ServerHandler serves the admin fleet management API.
type ServerHandler struct {
	servers *serverops.Service
	logger  logger.Interface
}

func NewServerHandler(serverSvc *serverops.Service, log logger.Interface) *ServerHandler {
	return &ServerHandler{servers: serverSvc, logger: log}
}

// PanelPayload carries panel API access for one protocol.
type PanelPayload struct {
	BaseURL  string            `json:"base_url" binding:"required"`
	Username string            `json:"username"`
	Password string            `json:"password"`
	APIKey   string            `json:"api_key"`
	Settings map[string]string `json:"settings"`
}

// RegisterServerRequest adds a server to the fleet. Panels is keyed by
// protocol name and must cover every supported protocol.
type RegisterServerRequest struct {
	Name               string                  `json:"name" binding:"required"`
	Country            string                  `json:"country"`
	City               string                  `json:"city"`
	Address            string                  `json:"address" binding:"required"`
	SupportedProtocols []string                `json:"supported_protocols" binding:"required,min=1"`
	Panels             map[string]PanelPayload `json:"panels" binding:"required"`
	MaxUsers           uint                    `json:"max_users" binding:"required,min=1"`
}

// Register adds a new server.
func (h *ServerHandler) Register(c *gin.Context) {
	var req RegisterServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	protocols := make([]vpn.Protocol, 0, len(req.SupportedProtocols))
	for _, raw := range req.SupportedProtocols {
		protocol, err := vpn.ParseProtocol(raw)
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
		protocols = append(protocols, protocol)
	}

	panels := make(map[vpn.Protocol]server.PanelSettings, len(req.Panels))
	for raw, payload := range req.Panels {
		protocol, err := vpn.ParseProtocol(raw)
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
		panels[protocol] = server.PanelSettings{
			BaseURL:  payload.BaseURL,
			Username: payload.Username,
			Password: payload.Password,
			APIKey:   payload.APIKey,
			Settings: payload.Settings,
		}
	}

	srv, err := h.servers.Register(c.Request.Context(), serverops.RegisterServerParams{
		Name:               req.Name,
		Country:            req.Country,
		City:               req.City,
		Address:            req.Address,
		SupportedProtocols: protocols,
		Panels:             panels,
		MaxUsers:           req.MaxUsers,
	})
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	utils.CreatedResponse(c, dto.FromServer(srv), "server registered")
}

// List returns the whole fleet.
func (h *ServerHandler) List(c *gin.Context) {
	servers, err := h.servers.List(c.Request.Context())
	if err != nil {
		respondDomainError(c, err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "", dto.FromServers(servers))
}

// Get returns a single server.
func (h *ServerHandler) Get(c *gin.Context) {
	srv, err := h.servers.GetBySID(c.Request.Context(), c.Param("sid"))
	if err != nil {
		respondDomainError(c, err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "", dto.FromServer(srv))
}

// SetMaintenanceRequest toggles placement for a server.
type SetMaintenanceRequest struct {
	Maintenance *bool `json:"maintenance" binding:"required"`
}

// SetMaintenance opens or closes a server for new placements.
func (h *ServerHandler) SetMaintenance(c *gin.Context) {
	var req SetMaintenanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	srv, err := h.servers.SetMaintenance(c.Request.Context(), c.Param("sid"), *req.Maintenance)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "maintenance updated", dto.FromServer(srv))
}
