package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/evermart/rankpipe/internal/storage"
)

// DispatchMode selects how a registered hook reacts to an appended event.
type DispatchMode int

const (
	// DispatchPostCommit leaves delivery to the relay after the writing
	// transaction commits. This is the default for every event.
	DispatchPostCommit DispatchMode = iota
	// DispatchInTransaction invokes the hook synchronously inside the same
	// transaction as the append, for compensating mutations that must commit
	// or roll back together with the triggering change.
	DispatchInTransaction
)

// Hook is a synchronous reaction to an appended event. It runs on the
// caller's context, so store access inside it joins the same transaction.
type Hook func(ctx context.Context, event Event) error

// Writer appends domain events to the outbox. Append must be called inside
// the business transaction (transaction-manager context); if that
// transaction rolls back, no record persists.
type Writer struct {
	store  storage.Store
	logger *zap.Logger

	mu    sync.RWMutex
	hooks map[string][]Hook
}

// NewWriter creates an outbox writer on the given store.
func NewWriter(store storage.Store, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		store:  store,
		logger: logger,
		hooks:  make(map[string][]Hook),
	}
}

// RegisterHook attaches a synchronous in-transaction hook to an event type.
// Post-commit reactions need no registration; they ride the relay.
func (w *Writer) RegisterHook(eventType string, mode DispatchMode, hook Hook) {
	if mode != DispatchInTransaction {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hooks[eventType] = append(w.hooks[eventType], hook)
}

// Append writes a pending outbox record for the event and runs the
// in-transaction hooks registered for its type. The record's event id is
// generated here and returned with the record.
func (w *Writer) Append(ctx context.Context, aggregateType, aggregateID, eventType, topic string, payload interface{}) (*storage.OutboxRecord, error) {
	event := Event{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Topic:         topic,
		Payload:       payload,
		Headers:       make(map[string]string),
	}
	if err := validateEvent(event); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	carrier := NewMessageCarrier(&event)
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var headersJSON []byte
	if len(event.Headers) > 0 {
		headersJSON, err = json.Marshal(event.Headers)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal headers: %w", err)
		}
	}

	record := &storage.OutboxRecord{
		EventID:       event.EventID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Topic:         event.Topic,
		Payload:       payloadJSON,
		Headers:       headersJSON,
		Status:        storage.StatusPending,
	}

	if err := w.store.CreateRecord(ctx, record); err != nil {
		if errors.Is(err, storage.ErrEventAlreadyExists) {
			return nil, ErrEventAlreadyExists
		}
		return nil, err
	}

	w.mu.RLock()
	hooks := w.hooks[eventType]
	w.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx, event); err != nil {
			return nil, fmt.Errorf("in-transaction hook failed for %s: %w", eventType, err)
		}
	}

	w.logger.Debug("appended outbox record",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("aggregate_id", event.AggregateID),
	)

	return record, nil
}
