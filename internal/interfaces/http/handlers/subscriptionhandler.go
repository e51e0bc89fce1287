package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/veil-labs/veil/internal/application/accounting"
	"github.com/veil-labs/veil/internal/application/lifecycle"
	"github.com/veil-labs/veil/internal/application/serverops"
	"github.com/veil-labs/veil/internal/interfaces/http/dto"
	"github.com/veil-labs/veil/internal/shared/logger"
	"github.com/veil-labs/veil/internal/shared/utils"
)

const defaultHistoryLimit = 50

// SubscriptionHandler serves the subscription read API and the manual
// usage ingest endpoint.
type SubscriptionHandler struct {
	lifecycle  *lifecycle.Service
	accounting *accounting.Service
	servers    *serverops.Service
	logger     logger.Interface
}

func NewSubscriptionHandler(
	lifecycleSvc *lifecycle.Service,
	accountingSvc *accounting.Service,
	serverSvc *serverops.Service,
	log logger.Interface,
) *SubscriptionHandler {
	return &SubscriptionHandler{
		lifecycle:  lifecycleSvc,
		accounting: accountingSvc,
		servers:    serverSvc,
		logger:     log,
	}
}

// Get returns the subscription read model.
func (h *SubscriptionHandler) Get(c *gin.Context) {
	sid := c.Param("sid")

	sub, err := h.lifecycle.GetBySID(c.Request.Context(), sid)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	serverSID := ""
	if sub.ServerID() != nil {
		serverSID, err = h.servers.SIDForID(c.Request.Context(), *sub.ServerID())
		if err != nil {
			h.logger.Warnw("failed to resolve server sid",
				"subscription_sid", sid,
				"error", err)
		}
	}

	utils.SuccessResponse(c, http.StatusOK, "", dto.FromSubscription(sub, serverSID))
}

// GetConnectionConfig returns the live credential for a subscription.
func (h *SubscriptionHandler) GetConnectionConfig(c *gin.Context) {
	sid := c.Param("sid")

	cred, err := h.lifecycle.GetConnectionConfig(c.Request.Context(), sid)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "", dto.FromCredential(cred))
}

// GetHistory returns the transition audit trail, newest first.
func (h *SubscriptionHandler) GetHistory(c *gin.Context) {
	sid := c.Param("sid")

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			utils.ErrorResponse(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	recs, err := h.lifecycle.ListTransitions(c.Request.Context(), sid, limit)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "", dto.FromTransitions(recs))
}

// IngestUsageRequest reports traffic consumed over a window, as pushed
// by an external collector.
type IngestUsageRequest struct {
	Bytes       int64     `json:"bytes" binding:"min=0"`
	WindowStart time.Time `json:"window_start" binding:"required"`
	WindowEnd   time.Time `json:"window_end" binding:"required"`
}

// IngestUsage records a usage delta against the subscription.
func (h *SubscriptionHandler) IngestUsage(c *gin.Context) {
	sid := c.Param("sid")

	var req IngestUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !req.WindowEnd.After(req.WindowStart) {
		utils.ErrorResponse(c, http.StatusBadRequest, "window_end must be after window_start")
		return
	}

	if err := h.accounting.Ingest(c.Request.Context(), sid, req.Bytes, req.WindowStart, req.WindowEnd); err != nil {
		respondDomainError(c, err)
		return
	}

	utils.SuccessResponse(c, http.StatusAccepted, "usage recorded", nil)
}
