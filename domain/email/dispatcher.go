package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/repolens-ai/repolens/internal/config"
	"github.com/repolens-ai/repolens/pkg/logger"
)

// Dispatcher renders a template and sends it through the configured
// transport, applying the deployment's routing rules: subject prefix,
// redirect-all (staging safety net), and always-bcc. It never retries;
// errors are returned for the caller to log.
type Dispatcher struct {
	templates *TemplateService
	sender    Sender
	log       *slog.Logger

	subjectPrefix string
	redirectAllTo []string
	alwaysBcc     []string
}

// NewDispatcher creates the dispatcher with routing rules from configuration.
func NewDispatcher(templates *TemplateService, sender Sender, cfg *config.Config, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		templates:     templates,
		sender:        sender,
		log:           log.With(logger.Scope("email.dispatcher")),
		subjectPrefix: cfg.Audit.SubjectPrefix,
		redirectAllTo: cfg.Audit.RedirectAllTo,
		alwaysBcc:     cfg.Audit.AlwaysBcc,
	}
}

// SendTemplatedHTML renders template with data and sends it to the given
// recipients after applying the routing rules.
func (d *Dispatcher) SendTemplatedHTML(ctx context.Context, to []string, template, subject string, data map[string]any) error {
	if len(to) == 0 {
		return fmt.Errorf("no recipients for template %s", template)
	}

	html, err := d.templates.Render(template, TemplateContext(data))
	if err != nil {
		return err
	}

	if d.subjectPrefix != "" {
		subject = d.subjectPrefix + " " + subject
	}

	recipients := to
	if len(d.redirectAllTo) > 0 {
		d.log.Info("redirecting email",
			slog.String("original_to", strings.Join(to, ",")),
			slog.String("redirected_to", strings.Join(d.redirectAllTo, ",")))
		recipients = d.redirectAllTo
	}

	_, err = d.sender.Send(ctx, SendOptions{
		To:      recipients,
		Bcc:     d.alwaysBcc,
		Subject: subject,
		HTML:    html,
	})
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", template, err)
	}
	return nil
}
