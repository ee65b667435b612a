// Package event defines the envelope wire format and the typed payloads
// carried by the pipeline topics.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Topics, one per bounded context.
const (
	TopicLikeEvents          = "like-events"
	TopicViewEvents          = "view-events"
	TopicOrderCompleted      = "order-completed-events"
	TopicOrderCanceled       = "order-canceled-events"
	TopicRankingWeightChange = "ranking-weight-changed-events"
)

// Event types are dotted, versioned names.
const (
	TypeProductViewed = "product.view.occurred.v1"
	TypeLikeCreated   = "product.like.created.v1"
	TypeLikeCanceled  = "product.like.canceled.v1"
	TypeOrderPaid     = "order.payment.completed.v1"
	TypeOrderCanceled = "order.payment.canceled.v1"
	TypeWeightChanged = "ranking.weight.changed.v1"
)

var errMissingID = errors.New("envelope id is required")

// Envelope is the broker message value shared by every topic.
// Payload stays opaque until the router picks a concrete type for it.
type Envelope struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	AggregateType string    `json:"aggregateType"`
	AggregateID   string    `json:"aggregateId"`
	Time          time.Time `json:"time"`
	Payload       string    `json:"payload"`
}

// Encode serializes the envelope for the broker.
func (e Envelope) Encode() ([]byte, error) {
	if e.ID == "" {
		return nil, errMissingID
	}
	return json.Marshal(e)
}

// Decode parses a broker message value into an envelope.
func Decode(value []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(value, &e); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if e.ID == "" {
		return Envelope{}, errMissingID
	}
	return e, nil
}

// DecodePayload parses the opaque payload string into the given typed command.
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal([]byte(e.Payload), v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ProductViewed is emitted once per product detail view.
type ProductViewed struct {
	ProductID string `json:"productId"`
	UserID    string `json:"userId,omitempty"`
}

// LikeCreated is emitted when a user likes a product.
type LikeCreated struct {
	ProductID string `json:"productId"`
	UserID    string `json:"userId"`
}

// LikeCanceled is emitted when a like is withdrawn.
type LikeCanceled struct {
	ProductID string `json:"productId"`
	UserID    string `json:"userId"`
}

// OrderLine is a single line item of a paid or canceled order.
type OrderLine struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// OrderCompleted carries the whole order; TotalAmount is in the currency's
// minor unit and covers all lines together, not per line.
type OrderCompleted struct {
	OrderID     string      `json:"orderId"`
	TotalAmount int64       `json:"totalAmount"`
	Lines       []OrderLine `json:"lines"`
}

// OrderCanceled mirrors OrderCompleted for compensating score updates.
type OrderCanceled struct {
	OrderID     string      `json:"orderId"`
	TotalAmount int64       `json:"totalAmount"`
	Lines       []OrderLine `json:"lines"`
}

// WeightChanged updates one scoring weight at runtime.
type WeightChanged struct {
	Metric string  `json:"metric"` // view, like, order
	Weight float64 `json:"weight"`
}
