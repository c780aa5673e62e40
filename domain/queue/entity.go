package queue

import (
	"encoding/json"
	"time"
)

// JobStatus tracks the envelope-level status carried inside the message body.
type JobStatus string

const (
	StatusQueued JobStatus = "queued"
)

// Envelope is the message body stored in the queue's jsonb column. The
// payload and config blobs are opaque to the queue; only the routing and
// retry bookkeeping fields are interpreted here.
type Envelope struct {
	JobType  string    `json:"job_type"`
	Status   JobStatus `json:"status,omitempty"`
	Priority int       `json:"priority,omitempty"`
	UserID   string    `json:"user_id,omitempty"`

	// Payload is interpreted only by the message handler.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Config is an opaque per-job configuration blob.
	Config json.RawMessage `json:"config,omitempty"`

	// ScheduledAt is a wall-clock timestamp (RFC 3339). The queue skips
	// messages whose time has not arrived. A malformed value is treated
	// as ready-now.
	ScheduledAt string `json:"scheduled_at,omitempty"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts,omitempty"`

	// Retry bookkeeping, populated when a failed job is requeued.
	RetryCount     int    `json:"retry_count,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
	LastErrorTrace string `json:"last_error_trace,omitempty"`
}

// AnalysisPayload is the recognized subset of the opaque payload used to
// seed job provenance. Unknown fields are preserved inside Envelope.Payload.
type AnalysisPayload struct {
	RepoID            string `json:"repo_id,omitempty"`
	UserID            string `json:"user_id,omitempty"`
	JobContextID      string `json:"context_id,omitempty"`
	RepositoryBranch  string `json:"repository_branch,omitempty"`
	RepositoryHTMLURL string `json:"repository_html_url,omitempty"`
	UserEmail         string `json:"user_email,omitempty"`
}

// ParseAnalysisPayload decodes the recognized payload fields. A nil or
// malformed payload yields the zero value; seeding provenance is best effort.
func ParseAnalysisPayload(raw json.RawMessage) AnalysisPayload {
	var p AnalysisPayload
	if len(raw) == 0 {
		return p
	}
	_ = json.Unmarshal(raw, &p)
	return p
}

// message is a queue table row.
type message struct {
	MsgID      int64     `bun:"msg_id"`
	ReadCt     int       `bun:"read_ct"`
	EnqueuedAt time.Time `bun:"enqueued_at"`
	VT         time.Time `bun:"vt"`
	Message    []byte    `bun:"message"`
}

// JobHandle is a dequeued message ready for processing. Attempts counts this
// delivery: it is the envelope's attempt counter plus one.
type JobHandle struct {
	MsgID       int64
	Queue       string
	WorkerID    string
	StartedAt   time.Time
	Attempts    int
	MaxAttempts int
	Envelope    Envelope
}

// Metrics describes the observable state of one queue.
type Metrics struct {
	Queued          int64 `json:"queued"`
	Total           int64 `json:"total"`
	NewestMsgAgeSec int64 `json:"newest_msg_age_sec"`
	OldestMsgAgeSec int64 `json:"oldest_msg_age_sec"`
}

// scheduledTime parses the envelope's scheduled_at. ok reports whether the
// value was present and well formed; a malformed value is reported so the
// caller can log it, and the message is treated as ready now.
func (e *Envelope) scheduledTime() (t time.Time, ok bool, malformed bool) {
	if e.ScheduledAt == "" {
		return time.Time{}, false, false
	}
	parsed, err := time.Parse(time.RFC3339, e.ScheduledAt)
	if err != nil {
		return time.Time{}, false, true
	}
	return parsed, true, false
}

// effectiveMaxAttempts resolves the per-message override against the fleet
// default.
func (e *Envelope) effectiveMaxAttempts(fleetDefault int) int {
	if e.MaxAttempts > 0 {
		return e.MaxAttempts
	}
	return fleetDefault
}
