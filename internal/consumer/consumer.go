package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/evermart/rankpipe/internal/event"
	"github.com/evermart/rankpipe/internal/outbox"
)

// Consumer reads partition-ordered batches from the broker and feeds them
// through the router. Offsets are committed only after every record of the
// batch has been routed; a failure seeks the batch back so it is redelivered
// in full, which is harmless because every handler sits behind the guard.
type Consumer struct {
	consumer    *kafka.Consumer
	router      *Router
	logger      *zap.Logger
	metrics     outbox.MetricsCollector
	batchSize   int
	pollTimeout time.Duration
}

// Options tune the consumer.
type Options struct {
	BatchSize   int
	PollTimeout time.Duration
	Metrics     outbox.MetricsCollector
	Props       kafka.ConfigMap
}

// New creates a consumer subscribed to the given topics. Auto-commit is
// disabled: this consumer owns its acknowledgment points.
func New(bootstrapServers, group string, topics []string, router *Router, logger *zap.Logger, opts Options) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = outbox.NewNopMetricsCollector()
	}

	props := kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"group.id":           group,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	}
	for k, v := range opts.Props {
		props[k] = v
	}

	kc, err := kafka.NewConsumer(&props)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := kc.SubscribeTopics(topics, nil); err != nil {
		kc.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	return &Consumer{
		consumer:    kc,
		router:      router,
		logger:      logger,
		metrics:     opts.Metrics,
		batchSize:   opts.BatchSize,
		pollTimeout: opts.PollTimeout,
	}, nil
}

// Run consumes until the context is cancelled. Handler failures are
// returned after the batch has been rewound; the caller decides how long to
// back off before calling Run again.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch := c.poll(ctx)
		if len(batch) == 0 {
			continue
		}

		if err := c.processBatch(ctx, batch); err != nil {
			return err
		}
	}
}

// poll collects up to batchSize messages, returning early once the poll
// timeout elapses with nothing new.
func (c *Consumer) poll(ctx context.Context) []*kafka.Message {
	var batch []*kafka.Message
	deadline := time.Now().Add(c.pollTimeout)

	for len(batch) < c.batchSize {
		select {
		case <-ctx.Done():
			return batch
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		ev := c.consumer.Poll(int(remaining.Milliseconds()))
		switch e := ev.(type) {
		case *kafka.Message:
			batch = append(batch, e)
		case kafka.Error:
			c.logger.Error("kafka error", zap.String("code", e.Code().String()), zap.Error(e))
			c.metrics.IncrementCounter("consumer.broker_error", nil)
		case nil:
			return batch
		}
	}
	return batch
}

func (c *Consumer) processBatch(ctx context.Context, batch []*kafka.Message) error {
	start := time.Now()
	c.metrics.RecordGauge("consumer.batch_size", float64(len(batch)), nil)

	for _, msg := range batch {
		select {
		case <-ctx.Done():
			c.rewind(batch)
			return ctx.Err()
		default:
		}

		env, err := event.Decode(msg.Value)
		if err != nil {
			// A malformed record must not block the partition: log and skip.
			c.logger.Error("failed to decode envelope, skipping record",
				zap.String("topic", *msg.TopicPartition.Topic),
				zap.Int64("offset", int64(msg.TopicPartition.Offset)),
				zap.Error(err),
			)
			c.metrics.IncrementCounter("consumer.decode_failed", nil)
			continue
		}

		if err := c.router.Route(ctx, env); err != nil {
			c.logger.Error("failed to route event, rewinding batch",
				zap.String("event_id", env.ID),
				zap.String("type", env.Type),
				zap.Error(err),
			)
			c.metrics.IncrementCounter("consumer.route_failed", map[string]string{"event_type": env.Type})
			c.rewind(batch)
			return err
		}
	}

	if _, err := c.consumer.Commit(); err != nil {
		return fmt.Errorf("failed to commit offsets: %w", err)
	}

	c.metrics.RecordDuration("consumer.batch_duration", time.Since(start), nil)
	return nil
}

// rewind seeks every partition of the batch back to its first message, so
// the whole batch is redelivered after the error.
func (c *Consumer) rewind(batch []*kafka.Message) {
	firsts := make(map[string]kafka.TopicPartition)
	for _, msg := range batch {
		tp := msg.TopicPartition
		key := fmt.Sprintf("%s/%d", *tp.Topic, tp.Partition)
		if first, ok := firsts[key]; !ok || tp.Offset < first.Offset {
			firsts[key] = tp
		}
	}
	for _, tp := range firsts {
		if err := c.consumer.Seek(tp, 0); err != nil {
			c.logger.Error("failed to seek partition back",
				zap.String("topic", *tp.Topic),
				zap.Int32("partition", tp.Partition),
				zap.Error(err),
			)
		}
	}
}

// Close shuts the underlying Kafka consumer down.
func (c *Consumer) Close() error {
	return c.consumer.Close()
}
