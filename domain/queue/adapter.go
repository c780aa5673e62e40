// Package queue implements a PostgreSQL-backed message queue with
// visibility-timeout semantics.
//
// Messages read by Dequeue become invisible for the visibility timeout and
// reappear automatically unless they are deleted (success) or archived
// (terminal failure). FOR UPDATE SKIP LOCKED keeps concurrent readers from
// blocking each other; the visibility timeout covers reader crashes.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/uptrace/bun"

	"github.com/repolens-ai/repolens/pkg/clock"
	"github.com/repolens-ai/repolens/pkg/logger"
)

// Adapter is the queue contract the worker fleet consumes.
type Adapter interface {
	// Enqueue serializes an envelope and sends it to the queue, optionally
	// delayed. Returns the broker-assigned message id.
	Enqueue(ctx context.Context, queue string, opts EnqueueOptions) (int64, error)
	// Dequeue reads up to batchSize visible messages with the given
	// visibility timeout and returns the first one this fleet should
	// process, or nil when none qualifies.
	Dequeue(ctx context.Context, queue string, jobTypes []string, workerID string, vtSeconds, batchSize int) (*JobHandle, error)
	// Delete permanently removes a message (completion path).
	Delete(ctx context.Context, queue string, msgID int64) (bool, error)
	// Archive moves a message to the archive table (terminal-failure path).
	Archive(ctx context.Context, queue string, msgID int64) (bool, error)
	// Send inserts a fresh message with the given envelope, visible after
	// delaySeconds. Used by the retry path to requeue with backoff.
	Send(ctx context.Context, queue string, env Envelope, delaySeconds int) (int64, error)
	// Metrics reports the observable state of the queue.
	Metrics(ctx context.Context, queue string) (*Metrics, error)
}

// EnqueueOptions describes a message to enqueue.
type EnqueueOptions struct {
	JobType      string
	Priority     int
	UserID       string
	Payload      json.RawMessage
	Config       json.RawMessage
	DelaySeconds int
	MaxAttempts  int
}

var queueNameRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// PostgresAdapter implements Adapter on the repolens queue tables.
type PostgresAdapter struct {
	db                 bun.IDB
	clk                clock.Clock
	log                *slog.Logger
	maxAttemptsDefault int

	// Queue table creation is lazy and idempotent; the guard runs once
	// per queue name for the life of the process.
	initMu sync.Mutex
	inited map[string]struct{}

	// Tracks messages whose malformed scheduled_at has already been logged.
	malformedMu     sync.Mutex
	malformedLogged map[int64]struct{}
}

// NewPostgresAdapter creates a queue adapter. maxAttemptsDefault applies to
// messages that carry no max_attempts of their own.
func NewPostgresAdapter(db bun.IDB, clk clock.Clock, log *slog.Logger, maxAttemptsDefault int) *PostgresAdapter {
	return &PostgresAdapter{
		db:                 db,
		clk:                clk,
		log:                log.With(logger.Scope("queue.adapter")),
		maxAttemptsDefault: maxAttemptsDefault,
		inited:             make(map[string]struct{}),
		malformedLogged:    make(map[int64]struct{}),
	}
}

func queueTable(queue string) string   { return "repolens.q_" + queue }
func archiveTable(queue string) string { return "repolens.a_" + queue }

// ensureQueue lazily creates the queue and archive tables. Safe to call
// concurrently and repeatedly.
func (a *PostgresAdapter) ensureQueue(ctx context.Context, queue string) error {
	if !queueNameRe.MatchString(queue) {
		return fmt.Errorf("invalid queue name %q", queue)
	}

	a.initMu.Lock()
	defer a.initMu.Unlock()
	if _, ok := a.inited[queue]; ok {
		return nil
	}

	ddl := fmt.Sprintf(`
		CREATE SCHEMA IF NOT EXISTS repolens;
		CREATE TABLE IF NOT EXISTS %s (
			msg_id      bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			read_ct     int NOT NULL DEFAULT 0,
			enqueued_at timestamptz NOT NULL DEFAULT now(),
			vt          timestamptz NOT NULL DEFAULT now(),
			message     jsonb
		);
		CREATE TABLE IF NOT EXISTS %s (
			msg_id      bigint PRIMARY KEY,
			read_ct     int NOT NULL DEFAULT 0,
			enqueued_at timestamptz NOT NULL,
			archived_at timestamptz NOT NULL DEFAULT now(),
			vt          timestamptz NOT NULL,
			message     jsonb
		)`,
		queueTable(queue), archiveTable(queue))

	if _, err := a.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure queue %s: %w", queue, err)
	}

	a.inited[queue] = struct{}{}
	return nil
}

// Enqueue sends a new message, optionally delayed.
func (a *PostgresAdapter) Enqueue(ctx context.Context, queue string, opts EnqueueOptions) (int64, error) {
	if err := a.ensureQueue(ctx, queue); err != nil {
		return 0, err
	}

	env := Envelope{
		JobType:     opts.JobType,
		Status:      StatusQueued,
		Priority:    opts.Priority,
		UserID:      opts.UserID,
		Payload:     opts.Payload,
		Config:      opts.Config,
		ScheduledAt: a.clk.Now().Format("2006-01-02T15:04:05Z07:00"),
		Attempts:    0,
		MaxAttempts: opts.MaxAttempts,
	}

	msgID, err := a.insert(ctx, queue, env, opts.DelaySeconds)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}

	a.log.Debug("message enqueued",
		slog.String("queue", queue),
		slog.Int64("msg_id", msgID),
		slog.String("job_type", opts.JobType),
		slog.Int("delay_seconds", opts.DelaySeconds))

	return msgID, nil
}

// Send inserts a fresh message with the given envelope, visible after
// delaySeconds.
func (a *PostgresAdapter) Send(ctx context.Context, queue string, env Envelope, delaySeconds int) (int64, error) {
	if err := a.ensureQueue(ctx, queue); err != nil {
		return 0, err
	}

	msgID, err := a.insert(ctx, queue, env, delaySeconds)
	if err != nil {
		return 0, fmt.Errorf("send: %w", err)
	}
	return msgID, nil
}

func (a *PostgresAdapter) insert(ctx context.Context, queue string, env Envelope, delaySeconds int) (int64, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}

	// Strategic SQL: the delayed-visibility insert cannot be expressed with
	// Bun's query builder. NewRaw uses ? placeholders.
	var msgID int64
	err = a.db.NewRaw(fmt.Sprintf(
		`INSERT INTO %s (vt, message)
		 VALUES (now() + (? || ' seconds')::interval, ?::jsonb)
		 RETURNING msg_id`, queueTable(queue)),
		fmt.Sprintf("%d", delaySeconds), string(body),
	).Scan(ctx, &msgID)
	if err != nil {
		return 0, err
	}
	return msgID, nil
}

// Dequeue reads a batch with the visibility timeout applied, then walks the
// batch in order:
//
//   - job types outside the allow-list are skipped (they stay invisible
//     until the VT expires and return to the queue naturally)
//   - messages that already consumed their attempts are archived
//   - messages scheduled in the future are skipped
//
// The first qualifying message is returned as a JobHandle with this
// delivery's attempt count.
func (a *PostgresAdapter) Dequeue(ctx context.Context, queue string, jobTypes []string, workerID string, vtSeconds, batchSize int) (*JobHandle, error) {
	if err := a.ensureQueue(ctx, queue); err != nil {
		return nil, err
	}

	var rows []message
	err := a.db.NewRaw(fmt.Sprintf(
		`WITH cte AS (
			SELECT msg_id FROM %s
			WHERE vt <= now()
			ORDER BY msg_id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT ?
		)
		UPDATE %s m
		SET vt = now() + (? || ' seconds')::interval,
			read_ct = read_ct + 1
		FROM cte WHERE m.msg_id = cte.msg_id
		RETURNING m.msg_id, m.read_ct, m.enqueued_at, m.vt, m.message`,
		queueTable(queue), queueTable(queue)),
		batchSize, fmt.Sprintf("%d", vtSeconds),
	).Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	allowed := make(map[string]struct{}, len(jobTypes))
	for _, jt := range jobTypes {
		allowed[jt] = struct{}{}
	}

	now := a.clk.Now()

	for _, row := range rows {
		var env Envelope
		if err := json.Unmarshal(row.Message, &env); err != nil {
			a.log.Warn("skipping message with undecodable envelope",
				slog.String("queue", queue),
				slog.Int64("msg_id", row.MsgID),
				logger.Error(err))
			continue
		}

		if _, ok := allowed[env.JobType]; !ok {
			// Not ours; it reappears once the VT expires.
			continue
		}

		maxAttempts := env.effectiveMaxAttempts(a.maxAttemptsDefault)
		if env.Attempts >= maxAttempts {
			if _, err := a.Archive(ctx, queue, row.MsgID); err != nil {
				a.log.Error("failed to archive exhausted message",
					slog.String("queue", queue),
					slog.Int64("msg_id", row.MsgID),
					logger.Error(err))
			} else {
				a.log.Warn("archived message with exhausted attempts",
					slog.String("queue", queue),
					slog.Int64("msg_id", row.MsgID),
					slog.Int("attempts", env.Attempts),
					slog.Int("max_attempts", maxAttempts))
			}
			continue
		}

		if scheduled, ok, malformed := env.scheduledTime(); malformed {
			a.logMalformedScheduledAt(queue, row.MsgID, env.ScheduledAt)
		} else if ok && scheduled.After(now) {
			// Not due yet; the VT re-presents it later.
			continue
		}

		return &JobHandle{
			MsgID:       row.MsgID,
			Queue:       queue,
			WorkerID:    workerID,
			StartedAt:   now,
			Attempts:    env.Attempts + 1,
			MaxAttempts: maxAttempts,
			Envelope:    env,
		}, nil
	}

	return nil, nil
}

// logMalformedScheduledAt warns once per message id.
func (a *PostgresAdapter) logMalformedScheduledAt(queue string, msgID int64, raw string) {
	a.malformedMu.Lock()
	_, seen := a.malformedLogged[msgID]
	if !seen {
		a.malformedLogged[msgID] = struct{}{}
	}
	a.malformedMu.Unlock()

	if !seen {
		a.log.Warn("malformed scheduled_at, treating message as ready",
			slog.String("queue", queue),
			slog.Int64("msg_id", msgID),
			slog.String("scheduled_at", raw))
	}
}

// Delete permanently removes a message.
func (a *PostgresAdapter) Delete(ctx context.Context, queue string, msgID int64) (bool, error) {
	if err := a.ensureQueue(ctx, queue); err != nil {
		return false, err
	}

	res, err := a.db.NewRaw(fmt.Sprintf(
		`DELETE FROM %s WHERE msg_id = ?`, queueTable(queue)), msgID,
	).Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("delete msg %d: %w", msgID, err)
	}

	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Archive moves a message out of the active queue into the archive table.
func (a *PostgresAdapter) Archive(ctx context.Context, queue string, msgID int64) (bool, error) {
	if err := a.ensureQueue(ctx, queue); err != nil {
		return false, err
	}

	res, err := a.db.NewRaw(fmt.Sprintf(
		`WITH moved AS (
			DELETE FROM %s WHERE msg_id = ? RETURNING msg_id, read_ct, enqueued_at, vt, message
		)
		INSERT INTO %s (msg_id, read_ct, enqueued_at, vt, message)
		SELECT msg_id, read_ct, enqueued_at, vt, message FROM moved`,
		queueTable(queue), archiveTable(queue)), msgID,
	).Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("archive msg %d: %w", msgID, err)
	}

	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Metrics reports queue depth and message ages.
func (a *PostgresAdapter) Metrics(ctx context.Context, queue string) (*Metrics, error) {
	if err := a.ensureQueue(ctx, queue); err != nil {
		return nil, err
	}

	m := &Metrics{}
	err := a.db.NewRaw(fmt.Sprintf(
		`SELECT
			COUNT(*) FILTER (WHERE vt <= now()) AS queued,
			COUNT(*) AS total,
			COALESCE(EXTRACT(EPOCH FROM (now() - MAX(enqueued_at)))::bigint, 0) AS newest_msg_age_sec,
			COALESCE(EXTRACT(EPOCH FROM (now() - MIN(enqueued_at)))::bigint, 0) AS oldest_msg_age_sec
		FROM %s`, queueTable(queue)),
	).Scan(ctx, &m.Queued, &m.Total, &m.NewestMsgAgeSec, &m.OldestMsgAgeSec)
	if err != nil {
		return nil, fmt.Errorf("queue metrics: %w", err)
	}
	return m, nil
}
