// Package alert delivers operator-visible alerts. The engine never
// swallows exhausted retries, capacity exhaustion, or panel auth
// failures; they all terminate here.
package alert

import "context"

// Severity ranks an alert for the operator.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notifier is the operator alert sink.
type Notifier interface {
	Notify(ctx context.Context, severity Severity, subject, message string)
}

// Multi fans an alert out to several sinks.
type Multi struct {
	notifiers []Notifier
}

func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

func (m *Multi) Notify(ctx context.Context, severity Severity, subject, message string) {
	for _, n := range m.notifiers {
		n.Notify(ctx, severity, subject, message)
	}
}
