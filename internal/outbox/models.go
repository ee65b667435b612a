// Package outbox implements the transactional-outbox side of the pipeline:
// the writer that appends records inside business transactions, the relay
// that publishes them, the failed-publish retry ledger and the maintenance
// workers around them.
package outbox

import (
	"errors"
	"fmt"
)

// Default knobs shared by the services.
const (
	defaultBatchSize         = 100
	defaultMaxRetryCount     = 10
	defaultStuckClaimTimeout = 10 * 60 // seconds, see options.go
)

var (
	// ErrEventAlreadyExists is returned when appending an event whose id was
	// written before.
	ErrEventAlreadyExists = errors.New("event already exists")
)

// Event is the user-facing representation of a domain event before it is
// appended to the outbox.
type Event struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	AggregateType string            `json:"aggregate_type"`
	AggregateID   string            `json:"aggregate_id"`
	Topic         string            `json:"topic"`
	Payload       interface{}       `json:"payload"`
	Headers       map[string]string `json:"headers"`
}

func validateEvent(event Event) error {
	if event.AggregateType == "" {
		return fmt.Errorf("aggregate_type is required")
	}
	if event.AggregateID == "" {
		return fmt.Errorf("aggregate_id is required")
	}
	if event.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if event.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	return nil
}
