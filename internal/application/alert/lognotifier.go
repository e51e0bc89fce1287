package alert

import (
	"context"

	"github.com/veil-labs/veil/internal/shared/logger"
)

// LogNotifier writes alerts to the structured log. Always active so an
// alert is never lost to a misconfigured mail channel.
type LogNotifier struct {
	logger logger.Interface
}

func NewLogNotifier(log logger.Interface) *LogNotifier {
	return &LogNotifier{logger: log.Named("alert")}
}

func (n *LogNotifier) Notify(ctx context.Context, severity Severity, subject, message string) {
	switch severity {
	case SeverityCritical:
		n.logger.Errorw("operator alert", "severity", severity, "subject", subject, "message", message)
	default:
		n.logger.Warnw("operator alert", "severity", severity, "subject", subject, "message", message)
	}
}
