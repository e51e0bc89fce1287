// Package usage holds the append-only traffic measurement ledger.
// Samples are ingested once and never mutated; aggregation happens on
// the subscription.
package usage

import (
	"fmt"
	"time"
)

// Sample is one ingested traffic measurement for a credential.
type Sample struct {
	ID             uint
	SmpID          string
	CredentialID   uint
	SubscriptionID uint
	Bytes          int64
	WindowStart    time.Time
	WindowEnd      time.Time
	ReceivedAt     time.Time
}

// NewSample validates and builds a sample. Zero-byte samples are
// legal: absence of data from a panel is "zero observed this cycle".
func NewSample(smpID string, credentialID, subscriptionID uint, bytes int64, windowStart, windowEnd, receivedAt time.Time) (*Sample, error) {
	if smpID == "" {
		return nil, fmt.Errorf("sample id is required")
	}
	if credentialID == 0 {
		return nil, fmt.Errorf("credential ID is required")
	}
	if subscriptionID == 0 {
		return nil, fmt.Errorf("subscription ID is required")
	}
	if bytes < 0 {
		return nil, fmt.Errorf("sample bytes cannot be negative")
	}
	if windowEnd.Before(windowStart) {
		return nil, fmt.Errorf("sample window end before start")
	}
	return &Sample{
		SmpID:          smpID,
		CredentialID:   credentialID,
		SubscriptionID: subscriptionID,
		Bytes:          bytes,
		WindowStart:    windowStart.UTC(),
		WindowEnd:      windowEnd.UTC(),
		ReceivedAt:     receivedAt.UTC(),
	}, nil
}
