// Package worker runs the poll → claim → dispatch → settle loop over the
// queue. A fleet of independent QueueWorkers shares the queue adapter and
// the claim registry; at-most-once execution per visible message comes from
// the visibility timeout plus the registry's uniqueness invariant, not from
// in-process coordination.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/repolens-ai/repolens/domain/jobtrace"
	"github.com/repolens-ai/repolens/domain/queue"
	"github.com/repolens-ai/repolens/domain/registry"
	"github.com/repolens-ai/repolens/pkg/clock"
	"github.com/repolens-ai/repolens/pkg/logger"
	"github.com/repolens-ai/repolens/pkg/tracing"
)

// Stats is the observable state of one worker.
type Stats struct {
	WorkerID      string `json:"worker_id"`
	Running       bool   `json:"running"`
	JobsProcessed int64  `json:"jobs_processed"`
	JobsFailed    int64  `json:"jobs_failed"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	LastJobTime   string `json:"last_job_time,omitempty"`
	CurrentJob    string `json:"current_job,omitempty"`
}

// Options carries the per-worker tuning knobs.
type Options struct {
	QueueName               string
	JobTypes                []string
	VisibilityTimeoutSec    int
	BatchSize               int
	PollingInterval         time.Duration
	JobTimeout              time.Duration
	ConsecutiveFailureLimit int
}

// QueueWorker is a single member of the fleet. Start blocks until Stop is
// called or the worker gives up after too many consecutive failures.
type QueueWorker struct {
	id       string
	opts     Options
	adapter  queue.Adapter
	registry ClaimRegistry
	handler  MessageHandler
	notifier SettlementNotifier
	policy   *RetryPolicy
	clk      clock.Clock
	log      *slog.Logger

	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}

	statsMu       sync.Mutex
	running       bool
	jobsProcessed int64
	jobsFailed    int64
	startTime     time.Time
	lastJobTime   time.Time
	currentJob    string
}

// NewQueueWorker creates a worker. registry and notifier may be nil; the
// worker then runs without claim tracking or settlement notifications.
func NewQueueWorker(id string, opts Options, adapter queue.Adapter, reg ClaimRegistry, handler MessageHandler, notifier SettlementNotifier, policy *RetryPolicy, clk clock.Clock, log *slog.Logger) *QueueWorker {
	return &QueueWorker{
		id:        id,
		opts:      opts,
		adapter:   adapter,
		registry:  reg,
		handler:   handler,
		notifier:  notifier,
		policy:    policy,
		clk:       clk,
		log:       log.With(logger.Scope("worker"), slog.String("worker_id", id)),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start runs the worker loop until Stop or the consecutive-failure limit.
func (w *QueueWorker) Start() {
	w.statsMu.Lock()
	w.running = true
	w.startTime = w.clk.Now()
	w.statsMu.Unlock()

	workersRunning.Inc()
	defer workersRunning.Dec()

	defer close(w.stoppedCh)
	defer func() {
		w.statsMu.Lock()
		w.running = false
		w.statsMu.Unlock()
	}()

	w.log.Info("worker started",
		slog.String("queue", w.opts.QueueName),
		slog.Int("batch_size", w.opts.BatchSize))

	consecutive := 0
	for {
		select {
		case <-w.stopCh:
			w.log.Info("worker stopping")
			return
		default:
		}

		idle, stopWorker, err := w.iterate(context.Background())
		if stopWorker {
			return
		}
		if err != nil {
			consecutive++
			w.log.Error("worker iteration failed",
				slog.Int("consecutive_failures", consecutive),
				logger.Error(err))
			if consecutive >= w.opts.ConsecutiveFailureLimit {
				w.log.Error("worker giving up after consecutive failures",
					slog.Int("limit", w.opts.ConsecutiveFailureLimit))
				return
			}
			w.sleep(failureBackoff(consecutive))
			continue
		}

		consecutive = 0
		if idle {
			w.sleep(w.opts.PollingInterval)
		}
	}
}

// failureBackoff is the inter-iteration sleep after consecutive failures:
// 2^counter seconds, at most a minute.
func failureBackoff(counter int) time.Duration {
	if counter > 5 {
		return 60 * time.Second
	}
	secs := 1 << counter
	if secs > 60 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

// iterate runs one loop pass: dequeue, claim, process, settle, notify.
func (w *QueueWorker) iterate(ctx context.Context) (idle bool, stopWorker bool, err error) {
	job, err := w.adapter.Dequeue(ctx, w.opts.QueueName, w.opts.JobTypes, w.id, w.opts.VisibilityTimeoutSec, w.opts.BatchSize)
	if err != nil {
		return false, false, fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return true, false, nil
	}

	var tracker *registry.Tracker
	if w.registry != nil {
		outcome, err := w.registry.TryClaim(ctx, w.id, job.MsgID, w.opts.QueueName)
		if err != nil {
			return false, false, fmt.Errorf("claim msg %d: %w", job.MsgID, err)
		}
		if !outcome.Qualifies {
			// The message is already held or finished elsewhere. Stopping the
			// whole worker on a lost claim is deliberately conservative.
			// TODO: skip the message and continue polling instead; needs the
			// duplicate-delivery soak test before changing the behavior.
			w.log.Warn("claim not acquired, stopping worker",
				slog.Int64("msg_id", job.MsgID))
			return false, true, nil
		}
		tracker = outcome.Tracker
	}

	trace := w.newTrace(job)

	w.statsMu.Lock()
	w.currentJob = fmt.Sprintf("%s/%d", job.Envelope.JobType, job.MsgID)
	w.statsMu.Unlock()

	procErr := w.ProcessJob(ctx, job, tracker, trace)
	if procErr != nil {
		w.statsMu.Lock()
		w.jobsFailed++
		w.statsMu.Unlock()
		jobsFailedTotal.WithLabelValues(w.opts.QueueName).Inc()

		w.FailJobSafe(ctx, job, tracker, trace, procErr)
	}

	w.settle(ctx, job, tracker, trace)

	if procErr != nil {
		return false, false, fmt.Errorf("process msg %d: %w", job.MsgID, procErr)
	}
	return false, false, nil
}

// newTrace seeds a fresh trace from the envelope's recognized payload fields.
func (w *QueueWorker) newTrace(job *queue.JobHandle) *jobtrace.Trace {
	trace := jobtrace.New(w.clk)

	seed := queue.ParseAnalysisPayload(job.Envelope.Payload)
	userID := seed.UserID
	if userID == "" {
		userID = job.Envelope.UserID
	}
	trace.AddMetadata(jobtrace.Metadata{
		RepoID:            seed.RepoID,
		UserID:            userID,
		JobContextID:      seed.JobContextID,
		JobType:           job.Envelope.JobType,
		RepositoryBranch:  seed.RepositoryBranch,
		RepositoryHTMLURL: seed.RepositoryHTMLURL,
		UserEmail:         seed.UserEmail,
	})
	return trace
}

// ProcessJob drives one job from dispatch to acknowledgment. Any error in the
// dispatch phase surfaces to the caller for the safe-fail path; a failed
// acknowledgment is recorded but does not fail the job — the claim registry
// resolves the re-presented message.
func (w *QueueWorker) ProcessJob(ctx context.Context, job *queue.JobHandle, tracker *registry.Tracker, trace *jobtrace.Trace) error {
	if err := trace.MarkStarted(time.Time{}, false); err != nil {
		w.log.Warn("could not mark job started", logger.Error(err))
	}

	if tracker != nil {
		if err := tracker.UpdateStep(ctx, registry.StepDispatch); err != nil {
			return fmt.Errorf("record dispatch step: %w", err)
		}
	}

	if w.dispatches(job) {
		if tracker != nil {
			if err := tracker.Start(ctx); err != nil {
				return fmt.Errorf("start claim: %w", err)
			}
		}

		hctx, cancel := context.WithTimeout(ctx, w.opts.JobTimeout)
		hctx, span := tracing.Start(hctx, "worker.process_job",
			attribute.String("repolens.queue", job.Queue),
			attribute.Int64("repolens.msg_id", job.MsgID),
			attribute.String("repolens.job_type", job.Envelope.JobType),
			attribute.Int("repolens.attempts", job.Attempts),
		)
		err := w.handler.Handle(hctx, job, tracker, trace)
		span.End()
		cancel()
		if err != nil {
			return fmt.Errorf("handle %s job: %w", job.Envelope.JobType, err)
		}
	}

	if tracker != nil {
		if err := tracker.UpdateStep(ctx, registry.StepQueueAck); err != nil {
			return fmt.Errorf("record ack step: %w", err)
		}
	}

	if _, err := w.adapter.Delete(ctx, job.Queue, job.MsgID); err != nil {
		trace.RecordError("could not acknowledge message, completion is idempotent", err)
		w.log.Error("message delete failed",
			slog.Int64("msg_id", job.MsgID),
			logger.Error(err))
	}

	w.statsMu.Lock()
	w.jobsProcessed++
	w.lastJobTime = w.clk.Now()
	w.statsMu.Unlock()
	jobsProcessedTotal.WithLabelValues(w.opts.QueueName).Inc()

	if err := trace.MarkFinished(time.Time{}, false); err != nil {
		w.log.Warn("could not mark job finished", logger.Error(err))
	}
	return nil
}

// dispatches reports whether the job routes to the message handler. Anything
// else completes as a no-op dispatch.
func (w *QueueWorker) dispatches(job *queue.JobHandle) bool {
	if job.Queue != w.opts.QueueName {
		return false
	}
	for _, jt := range w.opts.JobTypes {
		if job.Envelope.JobType == jt {
			return true
		}
	}
	return false
}

// FailJobSafe settles a failed job without ever throwing: the retry policy's
// own errors are recorded on the trace and logged.
func (w *QueueWorker) FailJobSafe(ctx context.Context, job *queue.JobHandle, tracker *registry.Tracker, trace *jobtrace.Trace, cause error) Outcome {
	trace.RecordError("", cause)

	if job.MsgID == 0 {
		trace.RecordError("job failed without a broker message id, queue state untouched", cause)
		w.log.Error("cannot settle job without msg_id", logger.Error(cause))
		return Outcome{Permanent: true, Handled: false}
	}

	retryable := !errors.Is(cause, ErrPermanent)
	return w.policy.Settle(ctx, job, tracker, trace, cause, retryable)
}

// settle is the per-job epilogue: clear the current job, move the claim to
// the notification step, stamp settlement, and publish the audit event.
func (w *QueueWorker) settle(ctx context.Context, job *queue.JobHandle, tracker *registry.Tracker, trace *jobtrace.Trace) {
	w.statsMu.Lock()
	w.currentJob = ""
	w.statsMu.Unlock()

	if tracker != nil {
		if err := tracker.UpdateStep(ctx, registry.StepAuditNotifications); err != nil {
			// Failed and retried claims are already settled by the policy;
			// anything else is worth a log line.
			if rec := tracker.Record(); !rec.Status.Settled() {
				w.log.Warn("could not record notification step",
					slog.Int64("msg_id", job.MsgID),
					logger.Error(err))
			}
		}
	}

	if err := trace.MarkSettled(time.Time{}, false); err != nil {
		w.log.Warn("could not mark job settled", logger.Error(err))
	}

	if w.notifier != nil {
		w.notifier.NotifySettlement(ctx, trace)
	}

	if tracker != nil && !tracker.Record().Status.Settled() {
		if err := tracker.Completed(ctx); err != nil {
			w.log.Warn("could not settle claim as completed",
				slog.Int64("msg_id", job.MsgID),
				logger.Error(err))
		}
	}
}

// Stop requests shutdown and waits for the in-flight iteration up to the ctx
// deadline. Messages not yet settled reappear via the visibility timeout.
func (w *QueueWorker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })

	select {
	case <-w.stoppedCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker %s did not stop in time: %w", w.id, ctx.Err())
	}
}

// sleep waits for d or until Stop, whichever comes first.
func (w *QueueWorker) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.stopCh:
	case <-t.C:
	}
}

// Stats returns a snapshot of the worker's observable state.
func (w *QueueWorker) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()

	s := Stats{
		WorkerID:      w.id,
		Running:       w.running,
		JobsProcessed: w.jobsProcessed,
		JobsFailed:    w.jobsFailed,
		CurrentJob:    w.currentJob,
	}
	if w.running {
		s.UptimeSeconds = int64(w.clk.Now().Sub(w.startTime).Seconds())
	}
	if !w.lastJobTime.IsZero() {
		s.LastJobTime = w.lastJobTime.Format(time.RFC3339)
	}
	return s
}
