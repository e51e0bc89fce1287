package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/veil-labs/veil/internal/application/lifecycle"
	"github.com/veil-labs/veil/internal/domain/credential"
	"github.com/veil-labs/veil/internal/domain/server"
	"github.com/veil-labs/veil/internal/domain/subscription"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/shared/utils"
)

// respondDomainError translates domain and application errors into
// HTTP status codes, falling back to a generic 500.
func respondDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, subscription.ErrSubscriptionNotFound):
		utils.ErrorResponse(c, http.StatusNotFound, "subscription not found")
	case errors.Is(err, credential.ErrCredentialNotFound):
		utils.ErrorResponse(c, http.StatusNotFound, "no live credential for subscription")
	case errors.Is(err, server.ErrServerNotFound):
		utils.ErrorResponse(c, http.StatusNotFound, "server not found")
	case errors.Is(err, lifecycle.ErrNoCapacity):
		utils.ErrorResponse(c, http.StatusConflict, "no server with free capacity")
	case errors.Is(err, lifecycle.ErrNotRenewable):
		utils.ErrorResponse(c, http.StatusConflict, "subscription can no longer be renewed")
	case vpn.IsAuthFailed(err):
		utils.ErrorResponse(c, http.StatusBadGateway, "panel authentication failed")
	case vpn.IsUnavailable(err):
		utils.ErrorResponse(c, http.StatusBadGateway, "panel temporarily unavailable")
	default:
		utils.ErrorResponseWithError(c, err)
	}
}
