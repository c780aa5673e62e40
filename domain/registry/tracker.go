package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrClaimSettled is returned when a mutation is attempted on a claim that
// already reached COMPLETED, FAILED or RETRY. Settled records are immutable;
// a retry inserts a fresh record instead.
var ErrClaimSettled = errors.New("claim record is settled")

// Tracker is the handle to a single claim record. The worker and the message
// handler drive the record's lifecycle through it. A tracker is owned by one
// goroutine at a time but guards its record anyway — handlers occasionally
// report steps from helper goroutines.
type Tracker struct {
	registry *Registry
	mu       sync.Mutex
	record   *ClaimRecord
}

func newTracker(r *Registry, record *ClaimRecord) *Tracker {
	return &Tracker{registry: r, record: record}
}

// Record returns a copy of the underlying claim record.
func (t *Tracker) Record() ClaimRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.record
}

// Start transitions the claim to IN_PROGRESS.
func (t *Tracker) Start(ctx context.Context) error {
	return t.update(ctx, func(r *ClaimRecord) {
		r.Status = StatusInProgress
	})
}

// UpdateStep records the step the handler has reached.
func (t *Tracker) UpdateStep(ctx context.Context, step ClaimStep) error {
	return t.update(ctx, func(r *ClaimRecord) {
		r.Step = step
	})
}

// Completed settles the claim as successful.
func (t *Tracker) Completed(ctx context.Context) error {
	return t.update(ctx, func(r *ClaimRecord) {
		r.Status = StatusCompleted
		r.Step = StepDone
	})
}

// Fail settles the claim as permanently failed. When newMsgID is non-nil the
// record is rebound to it, keeping the registry aligned with the message the
// failure belongs to.
func (t *Tracker) Fail(ctx context.Context, newMsgID *int64) error {
	return t.update(ctx, func(r *ClaimRecord) {
		r.Status = StatusFailed
		if newMsgID != nil {
			r.MessageID = *newMsgID
		}
	})
}

// Retry settles the claim as retried, with the same rebinding semantics as
// Fail. The next delivery inserts a fresh record pointing at this one.
func (t *Tracker) Retry(ctx context.Context, newMsgID *int64) error {
	return t.update(ctx, func(r *ClaimRecord) {
		r.Status = StatusRetry
		if newMsgID != nil {
			r.MessageID = *newMsgID
		}
	})
}

// update applies mutate to the in-memory record and persists the row.
// Every mutation stamps updated_at.
func (t *Tracker) update(ctx context.Context, mutate func(*ClaimRecord)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.record.Status.Settled() {
		return fmt.Errorf("claim %s: %w", t.record.ID, ErrClaimSettled)
	}

	// The in-memory record must never claim a state the row did not reach,
	// so a failed persist restores the snapshot.
	snapshot := *t.record
	mutate(t.record)
	t.record.UpdatedAt = t.registry.clk.Now()

	_, err := t.registry.db.NewUpdate().
		Model(t.record).
		Column("message_id", "step", "status", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		*t.record = snapshot
		return fmt.Errorf("update claim %s: %w", snapshot.ID, err)
	}

	t.registry.log.Debug("claim updated",
		slog.String("claim_id", t.record.ID),
		slog.String("status", string(t.record.Status)),
		slog.String("step", string(t.record.Step)))

	return nil
}
