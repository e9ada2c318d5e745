// Package notify delivers out-of-band messages such as recovery tokens.
package notify

import (
	"context"

	"github.com/TheMichaelB/tresor/internal/config"
	"github.com/TheMichaelB/tresor/internal/events"
	"github.com/TheMichaelB/tresor/internal/models"
)

// Sender delivers one message to one recipient.
type Sender interface {
	Send(ctx context.Context, recipient, subject, message string) error
}

// New builds the configured sender.
func New(cfg config.NotifyConfig, logger *events.Logger) (Sender, error) {
	switch cfg.Backend {
	case "", "log":
		return NewLogSender(logger), nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, &models.ConfigurationError{Setting: "notify.webhook_url", Value: ""}
		}
		return NewWebhookSender(cfg, logger), nil
	default:
		return nil, &models.ConfigurationError{Setting: "notify.backend", Value: cfg.Backend}
	}
}

// LogSender writes messages to the log. Development only: the message
// body is logged.
type LogSender struct {
	logger *events.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *events.Logger) *LogSender {
	return &LogSender{logger: logger.WithField("component", "notify")}
}

func (s *LogSender) Send(_ context.Context, recipient, subject, message string) error {
	s.logger.WithFields(map[string]interface{}{
		"recipient": recipient,
		"subject":   subject,
		"message":   message,
	}).Info("Notification")
	return nil
}
