package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/evermart/rankpipe/internal/event"
	"github.com/evermart/rankpipe/internal/storage"
)

// Publisher delivers an outbox record to the broker.
type Publisher interface {
	Publish(ctx context.Context, record storage.OutboxRecord) error
	Close() error
}

// NopPublisher is a publisher that does nothing. Useful for testing.
type NopPublisher struct{}

func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

func (p *NopPublisher) Publish(_ context.Context, _ storage.OutboxRecord) error {
	return nil
}

func (p *NopPublisher) Close() error {
	return nil
}

// KafkaPublisher sends envelope-encoded records to Kafka. The message key is
// the aggregate id, so same-aggregate events stay broker-ordered across
// retries and redeliveries.
type KafkaPublisher struct {
	logger        *zap.Logger
	producer      *kafka.Producer
	producerProps kafka.ConfigMap
	source        string
	deliveryWait  time.Duration
}

// NewKafkaPublisher creates a publisher with functional options.
func NewKafkaPublisher(logger *zap.Logger, opts ...KafkaPublisherOption) (*KafkaPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &KafkaPublisher{
		logger: logger,
		producerProps: kafka.ConfigMap{
			"acks":               "all",
			"retries":            3,
			"linger.ms":          10,
			"enable.idempotence": true,
			"compression.type":   "snappy",
		},
		source:       "rankpipe",
		deliveryWait: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(p)
	}

	producer, err := kafka.NewProducer(&p.producerProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	p.producer = producer

	return p, nil
}

// Publish wraps the record in the wire envelope and produces it to the
// record's topic, waiting for the per-message delivery report so a broker
// failure surfaces as an error to the relay.
func (p *KafkaPublisher) Publish(ctx context.Context, record storage.OutboxRecord) error {
	env := event.Envelope{
		ID:            record.EventID,
		Type:          record.EventType,
		Source:        p.source,
		AggregateType: record.AggregateType,
		AggregateID:   record.AggregateID,
		Time:          record.CreatedAt,
		Payload:       string(record.Payload),
	}
	value, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	topic := record.Topic
	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(record.AggregateID),
		Value:          value,
		Headers:        buildKafkaHeaders(record),
		Timestamp:      time.Now(),
	}

	deliveryChan := make(chan kafka.Event, 1)
	if err := p.producer.Produce(message, deliveryChan); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.deliveryWait):
		return fmt.Errorf("delivery report timed out for event %s", record.EventID)
	case e := <-deliveryChan:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %T", e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery failed: %w", m.TopicPartition.Error)
		}
	}

	p.logger.Debug("published event",
		zap.String("event_id", record.EventID),
		zap.String("topic", topic),
		zap.String("key", record.AggregateID),
	)
	return nil
}

// Close flushes the producer and closes the Kafka connection.
func (p *KafkaPublisher) Close() error {
	p.logger.Info("closing kafka producer")
	p.producer.Flush(15 * 1000)
	p.producer.Close()
	return nil
}

func buildKafkaHeaders(record storage.OutboxRecord) []kafka.Header {
	headers := []kafka.Header{
		{Key: "event_id", Value: []byte(record.EventID)},
		{Key: "event_type", Value: []byte(record.EventType)},
		{Key: "aggregate_type", Value: []byte(record.AggregateType)},
		{Key: "aggregate_id", Value: []byte(record.AggregateID)},
	}

	if len(record.Headers) > 0 {
		var recordHeaders map[string]string
		if err := json.Unmarshal(record.Headers, &recordHeaders); err == nil {
			for k, v := range recordHeaders {
				headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
			}
		}
	}

	return headers
}
