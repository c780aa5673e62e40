package email

// Template names known to the dispatcher. Each maps to an embedded
// handlebars file of the same name.
const (
	TemplateProjectAnalysisFailure = "project_analysis_failure"
	TemplateProjectAnalysisSuccess = "project_analysis_success"
)

// SendOptions describes one outgoing email.
type SendOptions struct {
	To      []string
	Bcc     []string
	Subject string
	HTML    string
	Text    string
}

// SendResult is the transport's answer for a sent email.
type SendResult struct {
	MessageID string
}

// TemplateContext is the data passed to templates.
type TemplateContext map[string]any
