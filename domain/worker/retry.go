package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/repolens-ai/repolens/domain/jobtrace"
	"github.com/repolens-ai/repolens/domain/queue"
	"github.com/repolens-ai/repolens/domain/registry"
	"github.com/repolens-ai/repolens/pkg/logger"
)

// ErrPermanent marks a job failure that must not be retried. Handlers wrap
// (or return) it to send the message straight to the archive regardless of
// remaining attempts.
var ErrPermanent = errors.New("permanent job failure")

// Outcome is the result of settling a failed job.
type Outcome struct {
	// Permanent means the message will not run again (archived or
	// unreachable).
	Permanent bool
	// Handled means queue state was actually mutated for this settlement.
	Handled bool
}

// RetryPolicy decides, for a failed job, between requeueing with backoff and
// archiving. The backoff schedule is exponential on the attempt count,
// bounded by the configured cap.
type RetryPolicy struct {
	adapter     queue.Adapter
	baseSeconds int
	capSeconds  int
	log         *slog.Logger
}

// NewRetryPolicy creates a retry policy with the given backoff bounds.
func NewRetryPolicy(adapter queue.Adapter, baseSeconds, capSeconds int, log *slog.Logger) *RetryPolicy {
	return &RetryPolicy{
		adapter:     adapter,
		baseSeconds: baseSeconds,
		capSeconds:  capSeconds,
		log:         log.With(logger.Scope("worker.retry")),
	}
}

// Delay computes the requeue delay in seconds for a job that has consumed
// the given number of attempts: base·2^(attempts−1), capped.
func (p *RetryPolicy) Delay(attempts int) int {
	exp := attempts - 1
	if exp < 0 {
		exp = 0
	}
	// Guard the shift: past 30 doublings any realistic cap is exceeded.
	if exp > 30 {
		return p.capSeconds
	}
	delay := p.baseSeconds * (1 << exp)
	if delay > p.capSeconds || delay <= 0 {
		return p.capSeconds
	}
	return delay
}

// Settle routes a failed job down the retry or archive path.
//
// Retry requires the failure to be retryable and attempts to remain: the
// original message is deleted and a copy is requeued with the backoff delay,
// carrying the attempt counter and the failure details in its envelope. The
// claim is settled as RETRY and rebound to the new message id. Otherwise the
// message is archived and the claim settled as FAILED. Infrastructure errors
// inside the policy are recorded on the trace and logged, never re-thrown.
func (p *RetryPolicy) Settle(ctx context.Context, job *queue.JobHandle, tracker *registry.Tracker, trace *jobtrace.Trace, cause error, retryable bool) Outcome {
	if retryable && job.Attempts < job.MaxAttempts {
		return p.retry(ctx, job, tracker, trace, cause)
	}
	return p.archive(ctx, job, tracker, trace, cause)
}

func (p *RetryPolicy) retry(ctx context.Context, job *queue.JobHandle, tracker *registry.Tracker, trace *jobtrace.Trace, cause error) Outcome {
	delay := p.Delay(job.Attempts)

	env := job.Envelope
	env.Attempts = job.Attempts
	env.RetryCount = job.Attempts
	env.ErrorMessage = cause.Error()
	env.LastErrorTrace = trace.ErrorSummary()

	if _, err := p.adapter.Delete(ctx, job.Queue, job.MsgID); err != nil {
		// Without the delete a requeue would duplicate the message; leave it
		// to the visibility timeout instead.
		trace.RecordError("retry requeue aborted, could not remove original message", err)
		p.log.Error("retry delete failed",
			slog.Int64("msg_id", job.MsgID),
			logger.Error(err))
		return Outcome{Permanent: false, Handled: false}
	}

	newMsgID, err := p.adapter.Send(ctx, job.Queue, env, delay)
	if err != nil {
		trace.RecordError("retry requeue failed after delete", err)
		p.log.Error("retry send failed",
			slog.Int64("msg_id", job.MsgID),
			logger.Error(err))
		return Outcome{Permanent: true, Handled: false}
	}

	if tracker != nil {
		if err := tracker.Retry(ctx, &newMsgID); err != nil {
			p.log.Warn("could not settle claim as retried",
				slog.Int64("msg_id", job.MsgID),
				slog.Int64("new_msg_id", newMsgID),
				logger.Error(err))
		}
	}

	p.log.Info("job requeued for retry",
		slog.Int64("msg_id", job.MsgID),
		slog.Int64("new_msg_id", newMsgID),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Int("delay_seconds", delay))

	return Outcome{Permanent: false, Handled: true}
}

func (p *RetryPolicy) archive(ctx context.Context, job *queue.JobHandle, tracker *registry.Tracker, trace *jobtrace.Trace, cause error) Outcome {
	ok, err := p.adapter.Archive(ctx, job.Queue, job.MsgID)
	if err != nil {
		p.log.Error("archive failed",
			slog.Int64("msg_id", job.MsgID),
			logger.Error(err))
	}

	if tracker != nil {
		if err := tracker.Fail(ctx, &job.MsgID); err != nil {
			p.log.Warn("could not settle claim as failed",
				slog.Int64("msg_id", job.MsgID),
				logger.Error(err))
		}
	}

	trace.RecordError(
		fmt.Sprintf("job permanently failed after %d of %d attempts", job.Attempts, job.MaxAttempts),
		cause)

	p.log.Warn("job archived",
		slog.Int64("msg_id", job.MsgID),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		logger.Error(cause))

	return Outcome{Permanent: true, Handled: ok}
}
