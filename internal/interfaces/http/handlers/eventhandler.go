package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/veil-labs/veil/internal/application/gateway"
	"github.com/veil-labs/veil/internal/application/lifecycle"
	vo "github.com/veil-labs/veil/internal/domain/subscription/valueobjects"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/shared/logger"
	"github.com/veil-labs/veil/internal/shared/utils"
)

// EventHandler accepts external event deliveries on the webhook
// endpoint and feeds them through the gateway.
type EventHandler struct {
	gateway *gateway.Gateway
	logger  logger.Interface
}

func NewEventHandler(gw *gateway.Gateway, log logger.Interface) *EventHandler {
	return &EventHandler{gateway: gw, logger: log}
}

// PlanPayload mirrors the plan snapshot carried inside a settled
// payment event.
type PlanPayload struct {
	PlanID            string `json:"plan_id" binding:"required"`
	Name              string `json:"name" binding:"required"`
	DurationDays      int    `json:"duration_days" binding:"required,min=1"`
	PriceAmount       int64  `json:"price_amount"`
	Currency          string `json:"currency"`
	TrafficLimitBytes *int64 `json:"traffic_limit_bytes"`
	DeviceLimit       int    `json:"device_limit"`
	Trial             bool   `json:"trial"`
}

// PaymentPayload carries the payment intent of settle and fail events.
type PaymentPayload struct {
	IntentID  string       `json:"intent_id" binding:"required"`
	UserID    uint         `json:"user_id"`
	Plan      *PlanPayload `json:"plan"`
	Protocol  string       `json:"protocol"`
	AutoRenew bool         `json:"auto_renew"`
	Amount    int64        `json:"amount"`
	Currency  string       `json:"currency"`
}

// EventRequest is the webhook envelope.
type EventRequest struct {
	EventID        string          `json:"event_id" binding:"required"`
	Type           string          `json:"type" binding:"required"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Payment        *PaymentPayload `json:"payment"`
	FailureReason  string          `json:"failure_reason"`
	SubscriptionID string          `json:"subscription_id"`
	TargetProtocol string          `json:"target_protocol"`
	Reason         string          `json:"reason"`
}

// Handle accepts one event delivery. Duplicates are acknowledged with
// 200 and no side effects, so upstream retries converge.
func (h *EventHandler) Handle(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	evt, err := toGatewayEvent(req)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.gateway.Handle(c.Request.Context(), evt); err != nil {
		if errors.Is(err, gateway.ErrInvalidEvent) {
			utils.ErrorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Errorw("event dispatch failed",
			"event_id", req.EventID,
			"type", req.Type,
			"error", err)
		respondDomainError(c, err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "event processed", gin.H{
		"event_id": req.EventID,
	})
}

func toGatewayEvent(req EventRequest) (gateway.Event, error) {
	evt := gateway.Event{
		EventID:         req.EventID,
		Type:            req.Type,
		OccurredAt:      req.OccurredAt,
		FailureReason:   req.FailureReason,
		SubscriptionSID: req.SubscriptionID,
		SuspendReason:   req.Reason,
	}

	if req.Payment != nil {
		intent := lifecycle.PaymentIntent{
			IntentID:  req.Payment.IntentID,
			UserID:    req.Payment.UserID,
			AutoRenew: req.Payment.AutoRenew,
			Amount:    req.Payment.Amount,
			Currency:  req.Payment.Currency,
		}
		if req.Payment.Protocol != "" {
			protocol, err := vpn.ParseProtocol(req.Payment.Protocol)
			if err != nil {
				return gateway.Event{}, err
			}
			intent.Protocol = protocol
		}
		if req.Payment.Plan != nil {
			intent.Plan = vo.PlanSnapshot{
				PlanSID:           req.Payment.Plan.PlanID,
				Name:              req.Payment.Plan.Name,
				DurationDays:      req.Payment.Plan.DurationDays,
				PriceAmount:       req.Payment.Plan.PriceAmount,
				Currency:          req.Payment.Plan.Currency,
				TrafficLimitBytes: req.Payment.Plan.TrafficLimitBytes,
				DeviceLimit:       req.Payment.Plan.DeviceLimit,
				Trial:             req.Payment.Plan.Trial,
			}
		}
		evt.Intent = &intent
	}

	if req.TargetProtocol != "" {
		protocol, err := vpn.ParseProtocol(req.TargetProtocol)
		if err != nil {
			return gateway.Event{}, err
		}
		evt.TargetProtocol = protocol
	}

	return evt, nil
}
