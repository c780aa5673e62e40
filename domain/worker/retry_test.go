package worker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repolens-ai/repolens/domain/jobtrace"
	"github.com/repolens-ai/repolens/pkg/clock"
)

func TestRetryPolicy_Delay(t *testing.T) {
	policy := NewRetryPolicy(&fakeAdapter{}, 10, 300, testLogger())

	tests := []struct {
		attempts int
		want     int
	}{
		{0, 10},
		{1, 10},
		{2, 20},
		{3, 40},
		{4, 80},
		{5, 160},
		{6, 300}, // 320 capped
		{10, 300},
		{64, 300}, // shift guard
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, policy.Delay(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestRetryPolicy_RetryPath(t *testing.T) {
	adapter := &fakeAdapter{}
	policy := NewRetryPolicy(adapter, 10, 300, testLogger())

	job := analyzeJob(31, 2, 5)
	job.Envelope.Payload = []byte(`{"repo_id":"r1"}`)
	trace := jobtrace.New(clock.NewFake(testEpoch))
	trace.RecordError("handler blew up", nil)

	outcome := policy.Settle(t.Context(), job, nil, trace, errors.New("transient failure"), true)

	assert.False(t, outcome.Permanent)
	assert.True(t, outcome.Handled)

	assert.Equal(t, []int64{31}, adapter.deleted, "original message removed before requeue")
	require.Len(t, adapter.sent, 1)
	assert.Empty(t, adapter.archived)

	requeued := adapter.sent[0]
	assert.Equal(t, "processing", requeued.queue)
	assert.Equal(t, 20, requeued.delay)
	assert.Equal(t, 2, requeued.env.Attempts, "attempt counter carried over")
	assert.Equal(t, 2, requeued.env.RetryCount)
	assert.Equal(t, "transient failure", requeued.env.ErrorMessage)
	assert.Equal(t, "handler blew up", requeued.env.LastErrorTrace)
	assert.JSONEq(t, `{"repo_id":"r1"}`, string(requeued.env.Payload), "payload preserved")
}

func TestRetryPolicy_ArchiveWhenAttemptsExhausted(t *testing.T) {
	adapter := &fakeAdapter{}
	policy := NewRetryPolicy(adapter, 10, 300, testLogger())

	job := analyzeJob(32, 5, 5)
	trace := jobtrace.New(clock.NewFake(testEpoch))

	outcome := policy.Settle(t.Context(), job, nil, trace, errors.New("still failing"), true)

	assert.True(t, outcome.Permanent)
	assert.True(t, outcome.Handled)
	assert.Equal(t, []int64{32}, adapter.archived)
	assert.Empty(t, adapter.sent)
	assert.True(t, trace.HasError())
}

func TestRetryPolicy_ArchiveWhenNotRetryable(t *testing.T) {
	adapter := &fakeAdapter{}
	policy := NewRetryPolicy(adapter, 10, 300, testLogger())

	job := analyzeJob(33, 1, 5)
	trace := jobtrace.New(clock.NewFake(testEpoch))

	outcome := policy.Settle(t.Context(), job, nil, trace, errors.New("poison message"), false)

	assert.True(t, outcome.Permanent)
	assert.Equal(t, []int64{33}, adapter.archived)
	assert.Empty(t, adapter.sent)
}

func TestRetryPolicy_DeleteFailureAbortsRequeue(t *testing.T) {
	adapter := &fakeAdapter{deleteErr: errors.New("connection lost")}
	policy := NewRetryPolicy(adapter, 10, 300, testLogger())

	job := analyzeJob(34, 1, 5)
	trace := jobtrace.New(clock.NewFake(testEpoch))

	outcome := policy.Settle(t.Context(), job, nil, trace, errors.New("transient"), true)

	// Requeue without the delete would duplicate the message; the visibility
	// timeout re-presents it instead.
	assert.False(t, outcome.Permanent)
	assert.False(t, outcome.Handled)
	assert.Empty(t, adapter.sent)
	assert.True(t, trace.HasError())
}

func TestRetryPolicy_SendFailureRecorded(t *testing.T) {
	adapter := &fakeAdapter{sendErr: errors.New("insert failed")}
	policy := NewRetryPolicy(adapter, 10, 300, testLogger())

	job := analyzeJob(35, 1, 5)
	trace := jobtrace.New(clock.NewFake(testEpoch))

	outcome := policy.Settle(t.Context(), job, nil, trace, errors.New("transient"), true)

	assert.True(t, outcome.Permanent, "the original message is gone")
	assert.False(t, outcome.Handled)
	assert.True(t, trace.HasError())
}
