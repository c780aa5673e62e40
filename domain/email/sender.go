package email

import (
	"context"
	"log/slog"

	"github.com/repolens-ai/repolens/internal/config"
	"github.com/repolens-ai/repolens/pkg/logger"
)

// Sender is the outgoing email transport.
type Sender interface {
	Send(ctx context.Context, opts SendOptions) (*SendResult, error)
}

// NewSender picks the transport: Mailgun when configured and enabled,
// otherwise a logging no-op. The no-op keeps every environment runnable
// without credentials.
func NewSender(cfg *config.Config, log *slog.Logger) Sender {
	if cfg.Email.Enabled && cfg.Email.IsConfigured() {
		log.Info("using mailgun email sender",
			slog.String("domain", cfg.Email.MailgunDomain),
			slog.String("from", cfg.Email.FromEmail))
		return NewMailgunSender(cfg, log)
	}

	log.Info("email sending disabled, using no-op sender")
	return &noopSender{log: log.With(logger.Scope("email.noop"))}
}

type noopSender struct {
	log *slog.Logger
}

func (s *noopSender) Send(ctx context.Context, opts SendOptions) (*SendResult, error) {
	s.log.Info("email suppressed",
		slog.Any("to", opts.To),
		slog.String("subject", opts.Subject))
	return &SendResult{MessageID: "noop"}, nil
}
