package audit

import (
	"context"
	"log/slog"

	"github.com/repolens-ai/repolens/domain/jobtrace"
	"github.com/repolens-ai/repolens/pkg/logger"
)

// Dispatcher is the email surface the notifier needs.
type Dispatcher interface {
	SendTemplatedHTML(ctx context.Context, to []string, template, subject string, data map[string]any) error
}

// Notifier publishes settlement events. It never retries and never fails the
// job: transport problems are logged, configuration problems are recorded on
// the trace.
type Notifier struct {
	dispatcher Dispatcher
	recipients []string
	log        *slog.Logger
}

// NewNotifier creates a settlement notifier. recipients is the audit list
// for failure reports.
func NewNotifier(dispatcher Dispatcher, recipients []string, log *slog.Logger) *Notifier {
	return &Notifier{
		dispatcher: dispatcher,
		recipients: recipients,
		log:        log.With(logger.Scope("audit")),
	}
}

// NotifySettlement publishes the event for a settled job.
//
// A trace with an error produces a failure report to the audit recipients.
// A clean trace produces a success notice to the user's email; a missing
// user email is itself an audit-grade failure and reroutes to the failure
// report.
func (n *Notifier) NotifySettlement(ctx context.Context, trace *jobtrace.Trace) {
	if trace == nil {
		return
	}

	if !trace.HasError() {
		userEmail := trace.UserEmail()
		if userEmail != "" {
			n.dispatch(ctx, NewSuccessEvent(trace, userEmail))
			return
		}
		trace.RecordError("job succeeded but no user email is available for notification", nil)
	}

	if len(n.recipients) == 0 {
		// Recorded, not fatal: the fleet keeps processing without an audit
		// list, it just cannot report failures.
		trace.RecordError("audit recipients not configured, failure report dropped", nil)
		n.log.Error("AUDIT_RECIPIENTS is empty, failure report dropped",
			slog.String("job_type", trace.JobType()))
		return
	}

	n.dispatch(ctx, NewFailureEvent(trace, n.recipients))
}

func (n *Notifier) dispatch(ctx context.Context, event Event) {
	if err := n.dispatcher.SendTemplatedHTML(ctx, event.To, event.Template, event.Subject, event.Context); err != nil {
		n.log.Error("settlement notification failed",
			slog.String("template", event.Template),
			logger.Error(err))
		return
	}

	n.log.Info("settlement notification sent",
		slog.String("template", event.Template),
		slog.Int("recipients", len(event.To)))
}
