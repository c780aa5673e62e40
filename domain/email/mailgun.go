package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mailgun/mailgun-go/v4"

	"github.com/repolens-ai/repolens/internal/config"
	"github.com/repolens-ai/repolens/pkg/logger"
)

const sendTimeout = 30 * time.Second

// MailgunSender sends email through the Mailgun API. A thin wrapper around
// the Mailgun SDK.
type MailgunSender struct {
	cfg    config.EmailConfig
	log    *slog.Logger
	client *mailgun.MailgunImpl
}

// NewMailgunSender creates a Mailgun transport from configuration.
func NewMailgunSender(cfg *config.Config, log *slog.Logger) *MailgunSender {
	return &MailgunSender{
		cfg:    cfg.Email,
		log:    log.With(logger.Scope("email.mailgun")),
		client: mailgun.NewMailgun(cfg.Email.MailgunDomain, cfg.Email.MailgunAPIKey),
	}
}

// Send delivers one email. Transport errors are returned to the caller; this
// layer never retries.
func (s *MailgunSender) Send(ctx context.Context, opts SendOptions) (*SendResult, error) {
	if len(opts.To) == 0 {
		return nil, fmt.Errorf("no recipients")
	}

	from := fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.FromEmail)
	message := s.client.NewMessage(from, opts.Subject, opts.Text, opts.To...)
	if opts.HTML != "" {
		message.SetHtml(opts.HTML)
	}
	for _, bcc := range opts.Bcc {
		message.AddBCC(bcc)
	}

	s.log.Debug("sending email",
		slog.String("to", strings.Join(opts.To, ",")),
		slog.String("subject", opts.Subject))

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	_, messageID, err := s.client.Send(sendCtx, message)
	if err != nil {
		return nil, fmt.Errorf("mailgun send: %w", err)
	}

	s.log.Info("email sent",
		slog.String("to", strings.Join(opts.To, ",")),
		slog.String("message_id", messageID))

	return &SendResult{MessageID: messageID}, nil
}
