// Package audit turns settled job traces into notification events. Every
// processed job produces exactly one event: a failure report to the audit
// recipients or a success notice to the requesting user.
package audit

import (
	"fmt"

	"github.com/repolens-ai/repolens/domain/email"
	"github.com/repolens-ai/repolens/domain/jobtrace"
)

// Event is a settlement notification ready for dispatch.
type Event struct {
	Template string
	Subject  string
	To       []string
	Context  map[string]any
}

// NewFailureEvent builds the failure report sent to the audit recipients.
func NewFailureEvent(trace *jobtrace.Trace, recipients []string) Event {
	ctx := trace.ToMap()
	return Event{
		Template: email.TemplateProjectAnalysisFailure,
		Subject:  fmt.Sprintf("Repository analysis failed: %s", subjectTarget(ctx)),
		To:       recipients,
		Context:  ctx,
	}
}

// NewSuccessEvent builds the success notice sent to the requesting user.
func NewSuccessEvent(trace *jobtrace.Trace, userEmail string) Event {
	ctx := trace.ToMap()
	return Event{
		Template: email.TemplateProjectAnalysisSuccess,
		Subject:  fmt.Sprintf("Repository analysis complete: %s", subjectTarget(ctx)),
		To:       []string{userEmail},
		Context:  ctx,
	}
}

// subjectTarget picks the most recognizable identifier for the subject line.
func subjectTarget(ctx map[string]any) string {
	for _, key := range []string{"repository_html_url", "repo_id", "job_context_id"} {
		if v, _ := ctx[key].(string); v != "" {
			return v
		}
	}
	return "unknown repository"
}
