package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repolens-ai/repolens/domain/jobtrace"
	"github.com/repolens-ai/repolens/domain/queue"
	"github.com/repolens-ai/repolens/domain/registry"
	"github.com/repolens-ai/repolens/pkg/clock"
)

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type sentMessage struct {
	queue string
	env   queue.Envelope
	delay int
}

// fakeAdapter is an in-memory queue.Adapter for loop and policy tests.
type fakeAdapter struct {
	mu         sync.Mutex
	jobs       []*queue.JobHandle
	dequeueErr error
	deleteErr  error
	sendErr    error
	archiveErr error

	deleted  []int64
	archived []int64
	sent     []sentMessage

	nextMsgID int64
}

func (f *fakeAdapter) Enqueue(ctx context.Context, q string, opts queue.EnqueueOptions) (int64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeAdapter) Dequeue(ctx context.Context, q string, jobTypes []string, workerID string, vt, batch int) (*queue.JobHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dequeueErr != nil {
		return nil, f.dequeueErr
	}
	if len(f.jobs) == 0 {
		return nil, nil
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	return job, nil
}

func (f *fakeAdapter) Delete(ctx context.Context, q string, msgID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	f.deleted = append(f.deleted, msgID)
	return true, nil
}

func (f *fakeAdapter) Archive(ctx context.Context, q string, msgID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.archiveErr != nil {
		return false, f.archiveErr
	}
	f.archived = append(f.archived, msgID)
	return true, nil
}

func (f *fakeAdapter) Send(ctx context.Context, q string, env queue.Envelope, delay int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.nextMsgID++
	f.sent = append(f.sent, sentMessage{queue: q, env: env, delay: delay})
	return f.nextMsgID + 1000, nil
}

func (f *fakeAdapter) Metrics(ctx context.Context, q string) (*queue.Metrics, error) {
	return &queue.Metrics{}, nil
}

// fakeClaimer is an in-memory ClaimRegistry.
type fakeClaimer struct {
	mu      sync.Mutex
	outcome registry.ClaimOutcome
	err     error
	claimed []int64
}

func (c *fakeClaimer) TryClaim(ctx context.Context, workerID string, messageID int64, queueName string) (registry.ClaimOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claimed = append(c.claimed, messageID)
	return c.outcome, c.err
}

type fakeNotifier struct {
	mu     sync.Mutex
	traces []*jobtrace.Trace
}

func (n *fakeNotifier) NotifySettlement(ctx context.Context, trace *jobtrace.Trace) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.traces = append(n.traces, trace)
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testOptions() Options {
	return Options{
		QueueName:               "processing",
		JobTypes:                []string{"analyze", "process"},
		VisibilityTimeoutSec:    30,
		BatchSize:               5,
		PollingInterval:         time.Millisecond,
		JobTimeout:              time.Minute,
		ConsecutiveFailureLimit: 3,
	}
}

func newTestWorker(adapter *fakeAdapter, handler MessageHandler, notifier SettlementNotifier, opts Options) *QueueWorker {
	log := testLogger()
	policy := NewRetryPolicy(adapter, 10, 300, log)
	return NewQueueWorker("worker-test", opts, adapter, nil, handler, notifier, policy, clock.NewFake(testEpoch), log)
}

func analyzeJob(msgID int64, attempts, maxAttempts int) *queue.JobHandle {
	return &queue.JobHandle{
		MsgID:       msgID,
		Queue:       "processing",
		WorkerID:    "worker-test",
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		Envelope: queue.Envelope{
			JobType:     "analyze",
			Attempts:    attempts - 1,
			MaxAttempts: maxAttempts,
		},
	}
}

func TestProcessJob_SuccessDeletesAndMarks(t *testing.T) {
	adapter := &fakeAdapter{}
	handled := 0
	w := newTestWorker(adapter, HandlerFunc(func(ctx context.Context, job *queue.JobHandle, tracker *registry.Tracker, trace *jobtrace.Trace) error {
		handled++
		return nil
	}), nil, testOptions())

	job := analyzeJob(7, 1, 3)
	trace := jobtrace.New(clock.NewFake(testEpoch))

	err := w.ProcessJob(t.Context(), job, nil, trace)
	require.NoError(t, err)

	assert.Equal(t, 1, handled)
	assert.Equal(t, []int64{7}, adapter.deleted)
	assert.False(t, trace.StartedAt().IsZero())
	assert.False(t, trace.FinishedAt().IsZero())
	assert.False(t, trace.HasError())
	assert.Equal(t, int64(1), w.Stats().JobsProcessed)
}

func TestProcessJob_UnroutedTypeSkipsHandler(t *testing.T) {
	adapter := &fakeAdapter{}
	handled := 0
	w := newTestWorker(adapter, HandlerFunc(func(ctx context.Context, job *queue.JobHandle, tracker *registry.Tracker, trace *jobtrace.Trace) error {
		handled++
		return nil
	}), nil, testOptions())

	job := analyzeJob(8, 1, 3)
	job.Envelope.JobType = "unknown"
	trace := jobtrace.New(clock.NewFake(testEpoch))

	// No-op dispatch still completes the message.
	require.NoError(t, w.ProcessJob(t.Context(), job, nil, trace))
	assert.Zero(t, handled)
	assert.Equal(t, []int64{8}, adapter.deleted)
}

func TestProcessJob_HandlerErrorSurfaces(t *testing.T) {
	adapter := &fakeAdapter{}
	w := newTestWorker(adapter, HandlerFunc(func(ctx context.Context, job *queue.JobHandle, tracker *registry.Tracker, trace *jobtrace.Trace) error {
		return errors.New("clone failed")
	}), nil, testOptions())

	trace := jobtrace.New(clock.NewFake(testEpoch))
	err := w.ProcessJob(t.Context(), analyzeJob(9, 1, 3), nil, trace)

	require.Error(t, err)
	assert.Empty(t, adapter.deleted, "failed job must not be acknowledged")
}

func TestProcessJob_DeleteFailureStillCompletes(t *testing.T) {
	adapter := &fakeAdapter{deleteErr: errors.New("connection reset")}
	w := newTestWorker(adapter, HandlerFunc(func(ctx context.Context, job *queue.JobHandle, tracker *registry.Tracker, trace *jobtrace.Trace) error {
		return nil
	}), nil, testOptions())

	trace := jobtrace.New(clock.NewFake(testEpoch))
	err := w.ProcessJob(t.Context(), analyzeJob(10, 1, 3), nil, trace)

	require.NoError(t, err, "completion is idempotent, the registry resolves the re-presented message")
	assert.True(t, trace.HasError())
	assert.Equal(t, int64(1), w.Stats().JobsProcessed)
}

func TestFailJobSafe_NoMsgID(t *testing.T) {
	adapter := &fakeAdapter{}
	w := newTestWorker(adapter, NewLoggingHandler(testLogger()), nil, testOptions())

	job := analyzeJob(0, 1, 3)
	trace := jobtrace.New(clock.NewFake(testEpoch))

	outcome := w.FailJobSafe(t.Context(), job, nil, trace, errors.New("boom"))

	assert.True(t, outcome.Permanent)
	assert.False(t, outcome.Handled)
	assert.True(t, trace.HasError())
	assert.Empty(t, adapter.deleted)
	assert.Empty(t, adapter.archived)
}

func TestFailJobSafe_PermanentErrorArchives(t *testing.T) {
	adapter := &fakeAdapter{}
	w := newTestWorker(adapter, NewLoggingHandler(testLogger()), nil, testOptions())

	job := analyzeJob(11, 1, 3)
	trace := jobtrace.New(clock.NewFake(testEpoch))

	outcome := w.FailJobSafe(t.Context(), job, nil, trace, fmt.Errorf("bad payload: %w", ErrPermanent))

	assert.True(t, outcome.Permanent)
	assert.True(t, outcome.Handled)
	assert.Equal(t, []int64{11}, adapter.archived)
	assert.Empty(t, adapter.sent, "permanent failures are never requeued")
}

func TestWorker_ProcessesJobAndNotifies(t *testing.T) {
	adapter := &fakeAdapter{jobs: []*queue.JobHandle{analyzeJob(21, 1, 3)}}
	notifier := &fakeNotifier{}
	w := newTestWorker(adapter, NewLoggingHandler(testLogger()), notifier, testOptions())

	go w.Start()
	require.Eventually(t, func() bool {
		return w.Stats().JobsProcessed == 1
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))

	assert.False(t, w.Stats().Running)
	assert.Equal(t, []int64{21}, adapter.deleted)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.traces, 1)
	assert.False(t, notifier.traces[0].SettledAt().IsZero())
}

func TestWorker_FailedJobStillNotifies(t *testing.T) {
	adapter := &fakeAdapter{jobs: []*queue.JobHandle{analyzeJob(22, 3, 3)}}
	notifier := &fakeNotifier{}
	opts := testOptions()
	opts.ConsecutiveFailureLimit = 1 // stop after the failing iteration

	log := testLogger()
	policy := NewRetryPolicy(adapter, 10, 300, log)
	w := NewQueueWorker("worker-test", opts, adapter,
		nil,
		HandlerFunc(func(ctx context.Context, job *queue.JobHandle, tracker *registry.Tracker, trace *jobtrace.Trace) error {
			return errors.New("analysis failed")
		}),
		notifier, policy, clock.NewFake(testEpoch), log)

	go w.Start()
	require.Eventually(t, func() bool { return !w.Stats().Running && w.Stats().JobsFailed == 1 },
		2*time.Second, 5*time.Millisecond)

	// Attempts were exhausted, so the failure archived the message.
	assert.Equal(t, []int64{22}, adapter.archived)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.traces, 1)
	assert.True(t, notifier.traces[0].HasError())
}

func TestWorker_LostClaimStopsWorkerWithoutDispatch(t *testing.T) {
	adapter := &fakeAdapter{jobs: []*queue.JobHandle{analyzeJob(41, 1, 3)}}
	claimer := &fakeClaimer{outcome: registry.ClaimOutcome{Qualifies: false}}
	handled := 0

	log := testLogger()
	policy := NewRetryPolicy(adapter, 10, 300, log)
	w := NewQueueWorker("worker-test", testOptions(), adapter, claimer,
		HandlerFunc(func(ctx context.Context, job *queue.JobHandle, tracker *registry.Tracker, trace *jobtrace.Trace) error {
			handled++
			return nil
		}),
		nil, policy, clock.NewFake(testEpoch), log)

	go w.Start()
	require.Eventually(t, func() bool { return !w.Stats().Running },
		2*time.Second, 5*time.Millisecond)

	// The message is being handled elsewhere: nothing runs and queue state
	// stays untouched.
	claimer.mu.Lock()
	assert.Equal(t, []int64{41}, claimer.claimed)
	claimer.mu.Unlock()
	assert.Zero(t, handled)
	assert.Empty(t, adapter.deleted)
	assert.Empty(t, adapter.archived)
	assert.Zero(t, w.Stats().JobsProcessed)
	assert.Zero(t, w.Stats().JobsFailed)
}

func TestWorker_QualifiedClaimProcessesJob(t *testing.T) {
	adapter := &fakeAdapter{jobs: []*queue.JobHandle{analyzeJob(42, 1, 3)}}
	claimer := &fakeClaimer{outcome: registry.ClaimOutcome{Qualifies: true}}

	log := testLogger()
	policy := NewRetryPolicy(adapter, 10, 300, log)
	w := NewQueueWorker("worker-test", testOptions(), adapter, claimer,
		NewLoggingHandler(log), nil, policy, clock.NewFake(testEpoch), log)

	go w.Start()
	require.Eventually(t, func() bool { return w.Stats().JobsProcessed == 1 },
		2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))

	claimer.mu.Lock()
	assert.Equal(t, []int64{42}, claimer.claimed)
	claimer.mu.Unlock()
	assert.Equal(t, []int64{42}, adapter.deleted)
}

func TestWorker_ClaimErrorIsIterationFailure(t *testing.T) {
	adapter := &fakeAdapter{jobs: []*queue.JobHandle{analyzeJob(43, 1, 3)}}
	claimer := &fakeClaimer{err: errors.New("registry unavailable")}
	opts := testOptions()
	opts.ConsecutiveFailureLimit = 1
	handled := 0

	log := testLogger()
	policy := NewRetryPolicy(adapter, 10, 300, log)
	w := NewQueueWorker("worker-test", opts, adapter, claimer,
		HandlerFunc(func(ctx context.Context, job *queue.JobHandle, tracker *registry.Tracker, trace *jobtrace.Trace) error {
			handled++
			return nil
		}),
		nil, policy, clock.NewFake(testEpoch), log)

	go w.Start()
	require.Eventually(t, func() bool { return !w.Stats().Running },
		2*time.Second, 5*time.Millisecond)

	// An infrastructure error is not a lost claim: the job is neither
	// dispatched nor settled, and the failure counts toward the limit.
	assert.Zero(t, handled)
	assert.Empty(t, adapter.deleted)
	assert.Empty(t, adapter.archived)
}

func TestWorker_StopsAfterConsecutiveFailures(t *testing.T) {
	adapter := &fakeAdapter{dequeueErr: errors.New("db down")}
	opts := testOptions()
	opts.ConsecutiveFailureLimit = 1

	w := newTestWorker(adapter, NewLoggingHandler(testLogger()), nil, opts)

	go w.Start()
	require.Eventually(t, func() bool { return !w.Stats().Running },
		2*time.Second, 5*time.Millisecond)
}

func TestWorker_StopInterruptsIdlePolling(t *testing.T) {
	adapter := &fakeAdapter{}
	opts := testOptions()
	opts.PollingInterval = time.Hour // Stop must not wait for the poll sleep

	w := newTestWorker(adapter, NewLoggingHandler(testLogger()), nil, opts)

	go w.Start()
	require.Eventually(t, func() bool { return w.Stats().Running }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
}

func TestFailureBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, failureBackoff(1))
	assert.Equal(t, 4*time.Second, failureBackoff(2))
	assert.Equal(t, 32*time.Second, failureBackoff(5))
	assert.Equal(t, 60*time.Second, failureBackoff(6))
	assert.Equal(t, 60*time.Second, failureBackoff(40))
}

func TestStats_Snapshot(t *testing.T) {
	w := newTestWorker(&fakeAdapter{}, NewLoggingHandler(testLogger()), nil, testOptions())

	s := w.Stats()
	assert.Equal(t, "worker-test", s.WorkerID)
	assert.False(t, s.Running)
	assert.Zero(t, s.JobsProcessed)
	assert.Empty(t, s.LastJobTime)
}
