// Package email renders and sends the fleet's notification emails. Templates
// are handlebars files embedded at build time; the transport is Mailgun when
// configured and a logging no-op otherwise.
package email

import (
	"embed"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aymerick/raymond"

	"github.com/repolens-ai/repolens/pkg/logger"
)

//go:embed templates/*.hbs
var templateFS embed.FS

// TemplateService renders the embedded handlebars templates. Parsed
// templates are cached for the life of the process.
type TemplateService struct {
	log *slog.Logger

	mu    sync.RWMutex
	cache map[string]*raymond.Template
}

// NewTemplateService creates a template service over the embedded templates.
func NewTemplateService(log *slog.Logger) *TemplateService {
	return &TemplateService{
		log:   log.With(logger.Scope("email.template")),
		cache: make(map[string]*raymond.Template),
	}
}

// Render produces the HTML body for the named template.
func (ts *TemplateService) Render(name string, data TemplateContext) (string, error) {
	tpl, err := ts.template(name)
	if err != nil {
		return "", err
	}

	html, err := tpl.Exec(map[string]any(data))
	if err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return html, nil
}

func (ts *TemplateService) template(name string) (*raymond.Template, error) {
	ts.mu.RLock()
	tpl, ok := ts.cache[name]
	ts.mu.RUnlock()
	if ok {
		return tpl, nil
	}

	raw, err := templateFS.ReadFile("templates/" + name + ".hbs")
	if err != nil {
		return nil, fmt.Errorf("unknown template %s: %w", name, err)
	}

	tpl, err = raymond.Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}

	ts.mu.Lock()
	ts.cache[name] = tpl
	ts.mu.Unlock()

	ts.log.Debug("template parsed", slog.String("name", name))
	return tpl, nil
}
