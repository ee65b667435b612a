// Package storage defines the persistence contracts for the outbox, the
// failed-publish retry ledger, the dead-letter table and the idempotency
// guard ledgers.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEventAlreadyExists is returned when an outbox record with the same
	// event id was written before.
	ErrEventAlreadyExists = errors.New("event already exists")
	// ErrAlreadyHandled is returned when the dedup ledger already contains
	// the (event, aggregate) pair.
	ErrAlreadyHandled = errors.New("event already handled")
)

// LockMode selects the row-locking strategy for ordering-clock reads.
type LockMode int

const (
	// LockNone reads without a lock; monotonicity then relies on the atomic
	// greatest-wins clock update.
	LockNone LockMode = iota
	// LockRow takes a pessimistic row lock for the enclosing transaction.
	LockRow
)

// Outbox record lifecycle. Published and Failed are terminal; terminal rows
// are append-only history and are never deleted here.
const (
	StatusPending    = 0
	StatusProcessing = 1
	StatusPublished  = 2
	StatusFailed     = 3
)

// OutboxRecord is a pending domain event written in the same transaction as
// the business mutation that produced it.
type OutboxRecord struct {
	ID            int64
	EventID       string
	EventType     string
	AggregateType string
	AggregateID   string
	Topic         string
	Payload       []byte
	Headers       []byte
	Status        int
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	PublishedAt   *time.Time
	ErrorMessage  string
}

// FailedPublish is one entry of the retry ledger. The ledger re-feeds the
// relay until delivery succeeds or RetryCount reaches the configured ceiling.
type FailedPublish struct {
	EventID       string
	EventType     string
	AggregateType string
	AggregateID   string
	Payload       []byte
	RetryCount    int
	LastError     string
	FailedAt      time.Time
	NextRetryAt   time.Time
}

// DeadLetterRecord holds a publish failure that exhausted its retries and
// now needs operator attention.
type DeadLetterRecord struct {
	ID            int64
	EventID       string
	EventType     string
	AggregateType string
	AggregateID   string
	Payload       []byte
	RetryCount    int
	LastError     string
	CreatedAt     time.Time
}

// Store is the relational persistence behind the outbox relay.
//
// Writes that must join the caller's business transaction resolve their
// connection from the context (transaction-manager getter); everything else
// runs on the pool.
type Store interface {
	// CreateRecord inserts a pending record inside the caller's transaction.
	CreateRecord(ctx context.Context, record *OutboxRecord) error
	// FetchDispatchable selects pending records plus failed records whose
	// retry is due, in creation order.
	FetchDispatchable(ctx context.Context, batchSize int, now time.Time, maxRetryCount int) ([]OutboxRecord, error)
	// ClaimProcessing transitions a single record to processing with a
	// compare-and-set on its current status. It reports whether this
	// instance won the claim.
	ClaimProcessing(ctx context.Context, id int64, now time.Time) (bool, error)
	// MarkPublished records successful delivery.
	MarkPublished(ctx context.Context, id int64, at time.Time) error
	// MarkFailed records a delivery failure on the outbox row itself.
	MarkFailed(ctx context.Context, id int64, errorMessage string) error

	// GetFailure returns the ledger entry for an event, or nil.
	GetFailure(ctx context.Context, eventID string) (*FailedPublish, error)
	// InsertFailure creates the first ledger entry for an event.
	InsertFailure(ctx context.Context, failure *FailedPublish) error
	// UpdateFailure stores an incremented retry count and the new backoff.
	UpdateFailure(ctx context.Context, eventID string, retryCount int, nextRetryAt time.Time, lastError string) error
	// DeleteFailure removes the ledger entry after a successful delivery.
	DeleteFailure(ctx context.Context, eventID string) error
	// FetchExhaustedFailures selects ledger entries at or past the retry ceiling.
	FetchExhaustedFailures(ctx context.Context, maxRetryCount, batchSize int) ([]FailedPublish, error)
	// MoveToDeadLetter copies an exhausted ledger entry into the dead-letter
	// table and deletes it from the ledger, atomically.
	MoveToDeadLetter(ctx context.Context, failure FailedPublish) error

	// FetchStuckClaims selects records left in processing longer than the
	// given threshold, locking them for the enclosing transaction.
	FetchStuckClaims(ctx context.Context, olderThan time.Time, batchSize int) ([]OutboxRecord, error)
	// ResetClaim returns a stuck record to the given status.
	ResetClaim(ctx context.Context, id int64, status int) error

	// EnsureTables creates the backing tables when they do not exist.
	EnsureTables(ctx context.Context) error
}

// GuardStore is the persistence behind the idempotency and ordering guard.
type GuardStore interface {
	// AlreadyHandled reports whether the (event, aggregate) pair was applied
	// before. aggregateID is empty for globally deduplicated events.
	AlreadyHandled(ctx context.Context, eventID, aggregateID string) (bool, error)
	// LastProcessedAt returns the ordering clock for the aggregate within a
	// consumer group, or nil when no event was processed yet.
	LastProcessedAt(ctx context.Context, consumerGroup, aggregateID string, lock LockMode) (*time.Time, error)
	// MarkHandled appends to the dedup ledger. Returns ErrAlreadyHandled when
	// the pair exists.
	MarkHandled(ctx context.Context, eventID, aggregateID, eventType string, at time.Time) error
	// AdvanceClock moves the ordering clock forward. The clock is monotonic:
	// an older timestamp never overwrites a newer one.
	AdvanceClock(ctx context.Context, consumerGroup, aggregateID string, ts time.Time) error
}
