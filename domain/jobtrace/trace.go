// Package jobtrace accumulates per-job provenance: identifiers, timing
// marks, and structured error chains. A Trace lives for one delivery of one
// job and is the source of truth for the audit event emitted at settlement.
// Traces are not persisted by the worker core.
package jobtrace

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/repolens-ai/repolens/pkg/clock"
)

// ErrTimestampOrder is returned when a mark would break the invariant
// queued <= started <= finished <= settled.
var ErrTimestampOrder = errors.New("job timestamps out of order")

// DefaultMaxStackChars caps the captured stacktrace length.
const DefaultMaxStackChars = 14000

// maxFrameMsgChars caps each error-chain message.
const maxFrameMsgChars = 200

// ErrorFrame is one node of a structured error chain, outermost first.
type ErrorFrame struct {
	Depth int    `json:"depth"`
	Func  string `json:"func"`
	Type  string `json:"type"`
	Msg   string `json:"msg"`
	File  string `json:"file"`
	Line  int    `json:"line"`
}

// Metadata carries the identifiers a trace can be seeded with. Empty fields
// leave the current value untouched.
type Metadata struct {
	RepositoryHTMLURL string
	UserEmail         string
	RepositoryBranch  string
	JobContextID      string
	JobType           string
	RepoID            string
	UserID            string
}

// Trace is the per-job provenance record. All timestamps come from the
// injected clock and are timezone-aware; marks are idempotent unless forced.
type Trace struct {
	mu  sync.Mutex
	clk clock.Clock

	repositoryHTMLURL string
	userEmail         string
	repositoryBranch  string
	jobContextID      string
	jobType           string
	repoID            string
	userID            string

	jobQueuedAt   time.Time
	jobStartedAt  time.Time
	jobFinishedAt time.Time
	jobSettledAt  time.Time

	errorType                string
	errorStacktrace          string
	errorStacktraceTruncated bool
	errorSummary             string
	errorChain               []ErrorFrame

	// MaxStackChars overrides DefaultMaxStackChars when > 0.
	MaxStackChars int
}

// New creates a trace with job_queued_at stamped now.
func New(clk clock.Clock) *Trace {
	return &Trace{
		clk:         clk,
		jobQueuedAt: clk.Now(),
	}
}

// AddMetadata patches the non-empty fields of meta onto the trace.
func (t *Trace) AddMetadata(meta Metadata) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if meta.RepositoryHTMLURL != "" {
		t.repositoryHTMLURL = meta.RepositoryHTMLURL
	}
	if meta.UserEmail != "" {
		t.userEmail = meta.UserEmail
	}
	if meta.RepositoryBranch != "" {
		t.repositoryBranch = meta.RepositoryBranch
	}
	if meta.JobContextID != "" {
		t.jobContextID = meta.JobContextID
	}
	if meta.JobType != "" {
		t.jobType = meta.JobType
	}
	if meta.RepoID != "" {
		t.repoID = meta.RepoID
	}
	if meta.UserID != "" {
		t.userID = meta.UserID
	}
}

// UserEmail returns the recipient seeded from the payload, if any.
func (t *Trace) UserEmail() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userEmail
}

// JobType returns the trace's job type.
func (t *Trace) JobType() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobType
}

// MarkStarted stamps job_started_at. A zero when means now. Without force
// a second call is a no-op.
func (t *Trace) MarkStarted(when time.Time, force bool) error {
	return t.mark(&t.jobStartedAt, when, force)
}

// MarkFinished stamps job_finished_at with the same semantics as MarkStarted.
func (t *Trace) MarkFinished(when time.Time, force bool) error {
	return t.mark(&t.jobFinishedAt, when, force)
}

// MarkSettled stamps job_settled_at with the same semantics as MarkStarted.
func (t *Trace) MarkSettled(when time.Time, force bool) error {
	return t.mark(&t.jobSettledAt, when, force)
}

func (t *Trace) mark(field *time.Time, when time.Time, force bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !field.IsZero() && !force {
		return nil
	}

	if when.IsZero() {
		when = t.clk.Now()
	}

	previous := *field
	*field = when
	if err := t.validateOrderLocked(); err != nil {
		*field = previous
		return err
	}
	return nil
}

// validateOrderLocked checks queued <= started <= finished <= settled over
// the stamps that are set. Caller holds the mutex.
func (t *Trace) validateOrderLocked() error {
	ordered := []struct {
		name string
		at   time.Time
	}{
		{"job_queued_at", t.jobQueuedAt},
		{"job_started_at", t.jobStartedAt},
		{"job_finished_at", t.jobFinishedAt},
		{"job_settled_at", t.jobSettledAt},
	}

	last := time.Time{}
	lastName := ""
	for _, stamp := range ordered {
		if stamp.at.IsZero() {
			continue
		}
		if !last.IsZero() && stamp.at.Before(last) {
			return fmt.Errorf("%s %s before %s %s: %w",
				stamp.name, stamp.at.Format(time.RFC3339Nano),
				lastName, last.Format(time.RFC3339Nano),
				ErrTimestampOrder)
		}
		last = stamp.at
		lastName = stamp.name
	}
	return nil
}

// QueuedAt returns job_queued_at.
func (t *Trace) QueuedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobQueuedAt
}

// StartedAt returns job_started_at (zero when unset).
func (t *Trace) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobStartedAt
}

// FinishedAt returns job_finished_at (zero when unset).
func (t *Trace) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobFinishedAt
}

// SettledAt returns job_settled_at (zero when unset).
func (t *Trace) SettledAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobSettledAt
}

// RunMS is finished minus started in milliseconds, or 0 when either stamp
// is missing.
func (t *Trace) RunMS() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.jobStartedAt.IsZero() || t.jobFinishedAt.IsZero() {
		return 0
	}
	return t.jobFinishedAt.Sub(t.jobStartedAt).Milliseconds()
}

// TotalMS is settled minus queued in milliseconds, or 0 when settlement has
// not happened.
func (t *Trace) TotalMS() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.jobSettledAt.IsZero() {
		return 0
	}
	return t.jobSettledAt.Sub(t.jobQueuedAt).Milliseconds()
}

// HasError reports whether any error field is populated.
func (t *Trace) HasError() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errorType != "" || t.errorStacktrace != "" || t.errorSummary != ""
}

// ErrorSummary returns the recorded summary, if any.
func (t *Trace) ErrorSummary() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errorSummary
}

// ErrorChain returns a copy of the structured error chain.
func (t *Trace) ErrorChain() []ErrorFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	chain := make([]ErrorFrame, len(t.errorChain))
	copy(chain, t.errorChain)
	return chain
}

// ClearError resets every error field.
func (t *Trace) ClearError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorType = ""
	t.errorStacktrace = ""
	t.errorStacktraceTruncated = false
	t.errorSummary = ""
	t.errorChain = nil
}

// ToMap renders the trace for serialization. Timestamps are RFC 3339; a
// zero UTC offset renders with a trailing Z, other offsets are preserved
// literally. Unset stamps render as nil.
func (t *Trace) ToMap() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]any{
		"repository_html_url":        t.repositoryHTMLURL,
		"user_email":                 t.userEmail,
		"repository_branch":          t.repositoryBranch,
		"job_context_id":             t.jobContextID,
		"job_type":                   t.jobType,
		"repo_id":                    t.repoID,
		"user_id":                    t.userID,
		"job_queued_at":              formatStamp(t.jobQueuedAt),
		"job_started_at":             formatStamp(t.jobStartedAt),
		"job_finished_at":            formatStamp(t.jobFinishedAt),
		"job_settled_at":             formatStamp(t.jobSettledAt),
		"run_ms":                     t.runMSLocked(),
		"total_ms":                   t.totalMSLocked(),
		"error_type":                 t.errorType,
		"error_stacktrace":           t.errorStacktrace,
		"error_stacktrace_truncated": t.errorStacktraceTruncated,
		"error_summary":              t.errorSummary,
		"error_chain":                t.errorChain,
		"has_error":                  t.errorType != "" || t.errorStacktrace != "" || t.errorSummary != "",
	}
}

func (t *Trace) runMSLocked() int64 {
	if t.jobStartedAt.IsZero() || t.jobFinishedAt.IsZero() {
		return 0
	}
	return t.jobFinishedAt.Sub(t.jobStartedAt).Milliseconds()
}

func (t *Trace) totalMSLocked() int64 {
	if t.jobSettledAt.IsZero() {
		return 0
	}
	return t.jobSettledAt.Sub(t.jobQueuedAt).Milliseconds()
}

// MarshalJSON implements json.Marshaler over ToMap.
func (t *Trace) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.ToMap())
}

// formatStamp renders a timestamp per the serialization contract. Zero-offset
// times normalize to UTC so they print with Z; any other offset is kept.
func formatStamp(ts time.Time) any {
	if ts.IsZero() {
		return nil
	}
	if _, offset := ts.Zone(); offset == 0 {
		return ts.UTC().Format(time.RFC3339Nano)
	}
	return ts.Format(time.RFC3339Nano)
}
