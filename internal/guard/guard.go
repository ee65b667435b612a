// Package guard converts at-least-once, roughly-ordered delivery into
// at-most-once-effective, strictly-ordered-per-aggregate application. It
// combines a dedup ledger keyed by (event, aggregate) with a monotonic
// per-(consumer group, aggregate) ordering clock.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	trm "github.com/avito-tech/go-transaction-manager/trm/v2"
	"go.uber.org/zap"

	"github.com/evermart/rankpipe/internal/storage"
)

// Decision is the outcome of a pre-mutation check.
type Decision int

const (
	// Proceed means the event may mutate state.
	Proceed Decision = iota
	// AlreadyHandled means the event's effect was applied before.
	AlreadyHandled
	// Stale means a newer event for the aggregate was already applied; the
	// payload must be discarded but the event still gets recorded.
	Stale
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case AlreadyHandled:
		return "already-handled"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Guard gates event application. Both checks run before any mutation; the
// completion writes run inside the same transaction as the domain mutation
// when the caller drives them through the transaction manager.
type Guard struct {
	store   storage.GuardStore
	manager trm.Manager
	logger  *zap.Logger
	lock    storage.LockMode
}

// Option configures a Guard.
type Option func(*Guard)

// WithLockMode selects the row-locking strategy for ordering-clock reads.
// The default relies on the atomic greatest-wins clock update instead of a
// pessimistic lock.
func WithLockMode(lock storage.LockMode) Option {
	return func(g *Guard) {
		g.lock = lock
	}
}

// New creates a guard on the given ledger store.
func New(store storage.GuardStore, manager trm.Manager, logger *zap.Logger, opts ...Option) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Guard{
		store:   store,
		manager: manager,
		logger:  logger,
		lock:    storage.LockNone,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check runs both the dedup and the ordering check for an event targeting
// an aggregate. eventTime must be strictly after the recorded clock for the
// event to proceed.
func (g *Guard) Check(ctx context.Context, consumerGroup, eventID, aggregateID string, eventTime time.Time) (Decision, error) {
	handled, err := g.store.AlreadyHandled(ctx, eventID, aggregateID)
	if err != nil {
		return AlreadyHandled, fmt.Errorf("dedup check failed: %w", err)
	}
	if handled {
		return AlreadyHandled, nil
	}

	last, err := g.store.LastProcessedAt(ctx, consumerGroup, aggregateID, g.lock)
	if err != nil {
		return AlreadyHandled, fmt.Errorf("ordering check failed: %w", err)
	}
	if last != nil && !eventTime.After(*last) {
		return Stale, nil
	}

	return Proceed, nil
}

// CheckDedup runs the dedup check only, for events with no ordering
// requirement (view-count style metrics). aggregateID may be empty for
// globally deduplicated events.
func (g *Guard) CheckDedup(ctx context.Context, eventID, aggregateID string) (Decision, error) {
	handled, err := g.store.AlreadyHandled(ctx, eventID, aggregateID)
	if err != nil {
		return AlreadyHandled, fmt.Errorf("dedup check failed: %w", err)
	}
	if handled {
		return AlreadyHandled, nil
	}
	return Proceed, nil
}

// Complete records a successful application: it appends the dedup ledger
// and advances the ordering clock in one transaction. A concurrent
// duplicate surfaces as storage.ErrAlreadyHandled.
func (g *Guard) Complete(ctx context.Context, consumerGroup, eventID, aggregateID, eventType string, eventTime time.Time) error {
	return g.manager.Do(ctx, func(ctx context.Context) error {
		if err := g.store.MarkHandled(ctx, eventID, aggregateID, eventType, time.Now().UTC()); err != nil {
			return err
		}
		return g.store.AdvanceClock(ctx, consumerGroup, aggregateID, eventTime)
	})
}

// CompleteStale records a rejected stale event in the dedup ledger without
// touching the clock, so redeliveries stop reprocessing it. An existing
// entry is not an error here.
func (g *Guard) CompleteStale(ctx context.Context, eventID, aggregateID, eventType string) error {
	err := g.store.MarkHandled(ctx, eventID, aggregateID, eventType, time.Now().UTC())
	if errors.Is(err, storage.ErrAlreadyHandled) {
		return nil
	}
	return err
}

// CompleteDedup records an unordered event as handled.
func (g *Guard) CompleteDedup(ctx context.Context, eventID, aggregateID, eventType string) error {
	return g.store.MarkHandled(ctx, eventID, aggregateID, eventType, time.Now().UTC())
}
