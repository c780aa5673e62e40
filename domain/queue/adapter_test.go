package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_ScheduledTime(t *testing.T) {
	tests := []struct {
		name          string
		scheduledAt   string
		wantOK        bool
		wantMalformed bool
	}{
		{"empty means unscheduled", "", false, false},
		{"valid RFC3339", "2026-08-24T10:00:00Z", true, false},
		{"valid with offset", "2026-08-24T12:00:00+02:00", true, false},
		{"malformed date", "yesterday-ish", false, true},
		{"date without time", "2026-08-24", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Envelope{ScheduledAt: tt.scheduledAt}
			ts, ok, malformed := env.scheduledTime()
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantMalformed, malformed)
			if tt.wantOK {
				assert.False(t, ts.IsZero())
			}
		})
	}
}

func TestEnvelope_ScheduledTime_PreservesInstant(t *testing.T) {
	env := Envelope{ScheduledAt: "2026-08-24T12:00:00+02:00"}
	ts, ok, malformed := env.scheduledTime()
	require.True(t, ok)
	require.False(t, malformed)

	utc := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	assert.True(t, ts.Equal(utc))
}

func TestEnvelope_EffectiveMaxAttempts(t *testing.T) {
	tests := []struct {
		name         string
		override     int
		fleetDefault int
		want         int
	}{
		{"no override uses fleet default", 0, 3, 3},
		{"override wins", 5, 3, 5},
		{"negative override falls back", -1, 3, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Envelope{MaxAttempts: tt.override}
			assert.Equal(t, tt.want, env.effectiveMaxAttempts(tt.fleetDefault))
		})
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	env := Envelope{
		JobType:     "analyze",
		Status:      StatusQueued,
		Priority:    2,
		UserID:      "u1",
		Payload:     json.RawMessage(`{"repo_id":"r1"}`),
		ScheduledAt: "2026-08-24T10:00:00Z",
		Attempts:    1,
		MaxAttempts: 3,
		RetryCount:  1,
	}

	body, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, env, decoded)
}

func TestParseAnalysisPayload(t *testing.T) {
	t.Run("recognized fields", func(t *testing.T) {
		raw := json.RawMessage(`{
			"repo_id": "r1",
			"user_id": "u1",
			"context_id": "c1",
			"repository_branch": "main",
			"repository_html_url": "https://github.com/acme/widget",
			"user_email": "dev@acme.io",
			"extra": "ignored"
		}`)

		p := ParseAnalysisPayload(raw)
		assert.Equal(t, "r1", p.RepoID)
		assert.Equal(t, "u1", p.UserID)
		assert.Equal(t, "c1", p.JobContextID)
		assert.Equal(t, "main", p.RepositoryBranch)
		assert.Equal(t, "https://github.com/acme/widget", p.RepositoryHTMLURL)
		assert.Equal(t, "dev@acme.io", p.UserEmail)
	})

	t.Run("nil payload", func(t *testing.T) {
		assert.Equal(t, AnalysisPayload{}, ParseAnalysisPayload(nil))
	})

	t.Run("malformed payload", func(t *testing.T) {
		assert.Equal(t, AnalysisPayload{}, ParseAnalysisPayload(json.RawMessage(`{{`)))
	})
}

func TestQueueTableNames(t *testing.T) {
	assert.Equal(t, "repolens.q_processing", queueTable("processing"))
	assert.Equal(t, "repolens.a_processing", archiveTable("processing"))
}

func TestQueueNameValidation(t *testing.T) {
	valid := []string{"processing", "q1", "dead_letter"}
	invalid := []string{"", "Processing", "drop table", "q-1", "q;--"}

	for _, name := range valid {
		assert.True(t, queueNameRe.MatchString(name), name)
	}
	for _, name := range invalid {
		assert.False(t, queueNameRe.MatchString(name), name)
	}
}
