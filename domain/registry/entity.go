package registry

import (
	"time"

	"github.com/uptrace/bun"
)

// ClaimStatus is the lifecycle state of a claim record.
type ClaimStatus string

const (
	StatusPending    ClaimStatus = "PENDING"
	StatusInProgress ClaimStatus = "IN_PROGRESS"
	StatusCompleted  ClaimStatus = "COMPLETED"
	StatusFailed     ClaimStatus = "FAILED"
	StatusRetry      ClaimStatus = "RETRY"
)

// Active reports whether the status occupies the partial unique index:
// at most one claim per message may hold one of these.
func (s ClaimStatus) Active() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Settled reports whether the record is immutable. A settled claim is never
// updated again; a retry inserts a new record pointing at it.
func (s ClaimStatus) Settled() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRetry:
		return true
	}
	return false
}

// AllowsNewClaim reports whether a later claim may be inserted for the same
// message while this one is the most recent.
func (s ClaimStatus) AllowsNewClaim() bool {
	return s == StatusFailed || s == StatusRetry
}

// ClaimStep is the pipeline step a claim has reached. Steps are advisory
// and monotonic per claim; the registry persists whichever step the handler
// reports without enforcing strict ordering.
type ClaimStep string

const (
	StepStart              ClaimStep = "START"
	StepDispatch           ClaimStep = "DISPATCH"
	StepFileCloned         ClaimStep = "FILE_CLONED"
	StepGenerateEmbeddings ClaimStep = "GENERATE_EMBEDDINGS"
	StepStoreEmbedsDB      ClaimStep = "STORE_EMBEDS_DB"
	StepDBSaved            ClaimStep = "DB_SAVED"
	StepQueueAck           ClaimStep = "QUEUE_ACK"
	StepAuditNotifications ClaimStep = "AUDIT_NOTIFICATIONS"
	StepDone               ClaimStep = "DONE"
)

// ClaimRecord asserts that a worker has taken responsibility for a message.
// The partial unique index queue_processing_registry_one_claim_unique keeps
// at most one active-or-successful record per message_id.
type ClaimRecord struct {
	bun.BaseModel `bun:"table:repolens.queue_processing_registry,alias:cr"`

	ID                string      `bun:"id,pk,type:uuid,default:gen_random_uuid()"`
	MessageID         int64       `bun:"message_id,notnull"`
	QueueName         string      `bun:"queue_name,notnull"`
	Step              ClaimStep   `bun:"step,notnull,default:'START'"`
	Status            ClaimStatus `bun:"status,notnull,default:'PENDING'"`
	ClaimedBy         string      `bun:"claimed_by,notnull"`
	PreviousMessageID *string     `bun:"previous_message_id,type:uuid"`
	ClaimedAt         time.Time   `bun:"claimed_at,notnull,default:now()"`
	UpdatedAt         time.Time   `bun:"updated_at,notnull,default:now()"`
}
