package alert

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/veil-labs/veil/internal/shared/config"
	"github.com/veil-labs/veil/internal/shared/logger"
)

// EmailNotifier delivers alerts over SMTP. Delivery failures are
// logged, never propagated: alerting must not fail the operation that
// raised the alert.
type EmailNotifier struct {
	cfg    *config.AlertConfig
	dialer *gomail.Dialer
	logger logger.Interface
}

func NewEmailNotifier(cfg *config.AlertConfig, log logger.Interface) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword),
		logger: log.Named("alert-email"),
	}
}

func (n *EmailNotifier) Notify(ctx context.Context, severity Severity, subject, message string) {
	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromAddress)
	m.SetHeader("To", n.cfg.ToAddress)
	m.SetHeader("Subject", fmt.Sprintf("[veil %s] %s", severity, subject))
	m.SetBody("text/plain", message)

	if err := n.dialer.DialAndSend(m); err != nil {
		n.logger.Errorw("failed to send alert email",
			"error", err,
			"subject", subject,
			"severity", severity,
		)
	}
}
