// Package registry implements the persistent claim registry that guarantees
// at most one active execution per queue message.
//
// A claim is inserted when a worker takes a message and updated as the
// handler reports progress. The partial unique index on message_id
// serializes concurrent claim attempts: exactly one insert wins, every
// other worker observes a benign conflict.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"github.com/repolens-ai/repolens/pkg/clock"
	"github.com/repolens-ai/repolens/pkg/logger"
)

const uniqueClaimIndex = "queue_processing_registry_one_claim_unique"

// ClaimOutcome is the result of a claim attempt. When Qualifies is false the
// message is already being handled elsewhere (or finished) and the caller
// must not process it; Tracker is nil in that case.
type ClaimOutcome struct {
	Qualifies bool
	Tracker   *Tracker
}

// Registry manages claim records.
type Registry struct {
	db  bun.IDB
	clk clock.Clock
	log *slog.Logger
}

// NewRegistry creates a claim registry.
func NewRegistry(db bun.IDB, clk clock.Clock, log *slog.Logger) *Registry {
	return &Registry{
		db:  db,
		clk: clk,
		log: log.With(logger.Scope("registry")),
	}
}

// TryClaim attempts to take responsibility for a message.
//
// The most recent prior claim (by updated_at) decides the outcome: no prior
// record, or a prior in FAILED/RETRY, allows a new claim; a prior in
// PENDING/IN_PROGRESS/COMPLETED does not. The insert itself can still lose
// a race, in which case the unique-index violation is translated into a
// benign non-qualifying outcome. Any other persistence error propagates —
// it signals an infrastructure problem, not a conflict.
func (r *Registry) TryClaim(ctx context.Context, workerID string, messageID int64, queueName string) (ClaimOutcome, error) {
	prior := &ClaimRecord{}
	err := r.db.NewSelect().
		Model(prior).
		Where("message_id = ?", messageID).
		OrderExpr("updated_at DESC").
		Limit(1).
		Scan(ctx)

	allow, previousID, err := decideClaim(prior, err)
	if err != nil {
		return ClaimOutcome{}, fmt.Errorf("look up prior claim for msg %d: %w", messageID, err)
	}
	if !allow {
		r.log.Debug("claim rejected, message already claimed",
			slog.Int64("message_id", messageID),
			slog.String("prior_status", string(prior.Status)),
			slog.String("prior_claimed_by", prior.ClaimedBy))
		return ClaimOutcome{Qualifies: false}, nil
	}

	now := r.clk.Now()
	record := &ClaimRecord{
		MessageID:         messageID,
		QueueName:         queueName,
		Step:              StepStart,
		Status:            StatusPending,
		ClaimedBy:         workerID,
		PreviousMessageID: previousID,
		ClaimedAt:         now,
		UpdatedAt:         now,
	}

	_, err = r.db.NewInsert().
		Model(record).
		Returning("id").
		Exec(ctx)
	if err != nil {
		if isClaimConflict(err) {
			r.log.Debug("claim lost insert race",
				slog.Int64("message_id", messageID),
				slog.String("worker_id", workerID))
			return ClaimOutcome{Qualifies: false}, nil
		}
		return ClaimOutcome{}, fmt.Errorf("insert claim for msg %d: %w", messageID, err)
	}

	r.log.Debug("claim created",
		slog.Int64("message_id", messageID),
		slog.String("claim_id", record.ID),
		slog.String("worker_id", workerID))

	return ClaimOutcome{Qualifies: true, Tracker: newTracker(r, record)}, nil
}

// decideClaim maps the most recent prior claim (or its lookup error) onto
// the claim decision. No prior record, or a prior in FAILED/RETRY, allows a
// new claim; the FAILED/RETRY case links the new record to its predecessor.
// A prior in PENDING/IN_PROGRESS/COMPLETED rejects. Lookup errors other than
// the empty result propagate.
func decideClaim(prior *ClaimRecord, lookupErr error) (allow bool, previousID *string, err error) {
	switch {
	case errors.Is(lookupErr, sql.ErrNoRows):
		// First claim for this message.
		return true, nil, nil
	case lookupErr != nil:
		return false, nil, lookupErr
	case !prior.Status.AllowsNewClaim():
		return false, nil, nil
	default:
		return true, &prior.ID, nil
	}
}

// isClaimConflict reports whether err is the partial-unique violation raised
// when another active claim already exists for the message.
func isClaimConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// 23505 = unique_violation
	return pgErr.Code == "23505" && pgErr.ConstraintName == uniqueClaimIndex
}
