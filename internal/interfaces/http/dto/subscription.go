// Package dto defines the JSON shapes of the HTTP API, kept separate
// from domain aggregates so the wire format can evolve independently.
package dto

import (
	"time"

	"github.com/veil-labs/veil/internal/domain/subscription"
)

// PlanDTO is the immutable plan snapshot captured at purchase time.
type PlanDTO struct {
	PlanID            string `json:"plan_id"`
	Name              string `json:"name"`
	DurationDays      int    `json:"duration_days"`
	PriceAmount       int64  `json:"price_amount"`
	Currency          string `json:"currency"`
	TrafficLimitBytes *int64 `json:"traffic_limit_bytes,omitempty"`
	DeviceLimit       int    `json:"device_limit"`
	Trial             bool   `json:"trial"`
}

// SubscriptionDTO is the read model for a subscription.
type SubscriptionDTO struct {
	ID              string     `json:"id"`
	UserID          uint       `json:"user_id"`
	Status          string     `json:"status"`
	StatusReason    *string    `json:"status_reason,omitempty"`
	Plan            PlanDTO    `json:"plan"`
	ActiveProtocol  *string    `json:"active_protocol,omitempty"`
	ServerID        *string    `json:"server_id,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	TrafficUsed     int64      `json:"traffic_used_bytes"`
	TrafficLimit    *int64     `json:"traffic_limit_bytes,omitempty"`
	AutoRenew       bool       `json:"auto_renew"`
	StatusChangedAt time.Time  `json:"status_changed_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

// FromSubscription maps the aggregate to its read model. serverSID is
// the Stripe-style ID of the assigned server, empty when unassigned.
func FromSubscription(sub *subscription.Subscription, serverSID string) SubscriptionDTO {
	plan := sub.Plan()
	d := SubscriptionDTO{
		ID:           sub.SID(),
		UserID:       sub.UserID(),
		Status:       sub.Status().String(),
		StatusReason: sub.StatusReason(),
		Plan: PlanDTO{
			PlanID:            plan.PlanSID,
			Name:              plan.Name,
			DurationDays:      plan.DurationDays,
			PriceAmount:       plan.PriceAmount,
			Currency:          plan.Currency,
			TrafficLimitBytes: plan.TrafficLimitBytes,
			DeviceLimit:       plan.DeviceLimit,
			Trial:             plan.Trial,
		},
		StartedAt:       sub.StartedAt(),
		ExpiresAt:       sub.ExpiresAt(),
		TrafficUsed:     sub.TrafficUsed(),
		TrafficLimit:    sub.TrafficLimit(),
		AutoRenew:       sub.AutoRenew(),
		StatusChangedAt: sub.StatusChangedAt(),
		CreatedAt:       sub.CreatedAt(),
	}
	if p := sub.ActiveProtocol(); p != nil {
		s := p.String()
		d.ActiveProtocol = &s
	}
	if serverSID != "" {
		d.ServerID = &serverSID
	}
	return d
}

// TransitionDTO is one entry of the subscription audit trail.
type TransitionDTO struct {
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Event      string    `json:"event"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func FromTransitions(recs []*subscription.TransitionRecord) []TransitionDTO {
	out := make([]TransitionDTO, 0, len(recs))
	for _, rec := range recs {
		out = append(out, TransitionDTO{
			FromStatus: rec.FromStatus.String(),
			ToStatus:   rec.ToStatus.String(),
			Event:      rec.Event,
			Reason:     rec.Reason,
			OccurredAt: rec.CreatedAt,
		})
	}
	return out
}
