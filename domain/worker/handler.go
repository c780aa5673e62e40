package worker

import (
	"context"
	"log/slog"

	"github.com/repolens-ai/repolens/domain/jobtrace"
	"github.com/repolens-ai/repolens/domain/queue"
	"github.com/repolens-ai/repolens/domain/registry"
	"github.com/repolens-ai/repolens/pkg/logger"
)

// MessageHandler executes the domain work for a dequeued job. The payload is
// opaque to the worker core; the handler may report progress through the
// tracker and enrich the trace. Handle runs under the configured job timeout
// and must respect ctx cancellation.
type MessageHandler interface {
	Handle(ctx context.Context, job *queue.JobHandle, tracker *registry.Tracker, trace *jobtrace.Trace) error
}

// HandlerFunc adapts a function to the MessageHandler interface.
type HandlerFunc func(ctx context.Context, job *queue.JobHandle, tracker *registry.Tracker, trace *jobtrace.Trace) error

func (f HandlerFunc) Handle(ctx context.Context, job *queue.JobHandle, tracker *registry.Tracker, trace *jobtrace.Trace) error {
	return f(ctx, job, tracker, trace)
}

// ClaimRegistry takes per-message claims so each visible message runs at
// most once. Implemented by the database-backed registry; tests substitute
// a fake.
type ClaimRegistry interface {
	TryClaim(ctx context.Context, workerID string, messageID int64, queueName string) (registry.ClaimOutcome, error)
}

// SettlementNotifier publishes the audit event once a job settles. The worker
// calls it exactly once per processed job, after the registry step moved to
// AUDIT_NOTIFICATIONS. Implementations must not return transport errors —
// notification failures are an observability concern, never a job failure.
type SettlementNotifier interface {
	NotifySettlement(ctx context.Context, trace *jobtrace.Trace)
}

// NewLoggingHandler returns the default handler: it acknowledges receipt in
// the log and leaves the registry steps to the analysis pipeline wired in by
// the deployment. Useful as the fleet's handler in environments where no
// pipeline is configured.
func NewLoggingHandler(log *slog.Logger) MessageHandler {
	log = log.With(logger.Scope("worker.handler"))
	return HandlerFunc(func(ctx context.Context, job *queue.JobHandle, tracker *registry.Tracker, trace *jobtrace.Trace) error {
		log.Info("handling job",
			slog.Int64("msg_id", job.MsgID),
			slog.String("queue", job.Queue),
			slog.String("job_type", job.Envelope.JobType),
			slog.Int("attempts", job.Attempts))
		return nil
	})
}
