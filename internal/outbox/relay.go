package outbox

import (
	"context"
	"fmt"
	"time"

	trm "github.com/avito-tech/go-transaction-manager/trm/v2"
	"go.uber.org/zap"

	"github.com/evermart/rankpipe/internal/storage"
)

// Relay polls the outbox for pending records plus failed records whose retry
// is due, claims each with a compare-and-set status transition and publishes
// it to the broker. Safe to run from multiple instances: a lost claim means
// another relay took the row; an occasional double publish is absorbed by
// the consumer-side idempotency guard.
type Relay struct {
	store     storage.Store
	publisher Publisher
	manager   trm.Manager
	logger    *zap.Logger
	metrics   MetricsCollector
	backoff   BackoffStrategy
	clock     Clock
	execute   func(func() error) error

	batchSize     int
	maxRetryCount int
}

// NewRelay creates a relay on the given store and publisher. The manager
// scopes the failure bookkeeping to one transaction.
func NewRelay(store storage.Store, publisher Publisher, manager trm.Manager, logger *zap.Logger, opts ...RelayOption) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{
		store:         store,
		publisher:     publisher,
		manager:       manager,
		logger:        logger,
		metrics:       NewNopMetricsCollector(),
		backoff:       DefaultBackoff(),
		clock:         SystemClock{},
		execute:       func(fn func() error) error { return fn() },
		batchSize:     defaultBatchSize,
		maxRetryCount: defaultMaxRetryCount,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ProcessOutbox is the workFunc the relay worker runs on every tick.
func (r *Relay) ProcessOutbox(ctx context.Context) error {
	start := time.Now()
	now := r.clock.Now()

	records, err := r.store.FetchDispatchable(ctx, r.batchSize, now, r.maxRetryCount)
	if err != nil {
		return fmt.Errorf("failed to fetch dispatchable records: %w", err)
	}
	r.metrics.RecordDuration("relay.fetch_duration", time.Since(start), nil)

	if len(records) == 0 {
		return nil
	}

	r.logger.Debug("fetched records for dispatch", zap.Int("count", len(records)))
	r.metrics.RecordGauge("relay.batch_size", float64(len(records)), nil)

	var published, failed, skipped int
	for _, record := range records {
		select {
		case <-ctx.Done():
			r.logger.Warn("context cancelled during dispatch", zap.Error(ctx.Err()))
			return ctx.Err()
		default:
		}

		claimed, err := r.store.ClaimProcessing(ctx, record.ID, r.clock.Now())
		if err != nil {
			r.logger.Error("failed to claim record", zap.Int64("id", record.ID), zap.Error(err))
			failed++
			continue
		}
		if !claimed {
			// another relay instance owns this row
			skipped++
			continue
		}

		if err := r.dispatch(ctx, record); err != nil {
			failed++
		} else {
			published++
		}
	}

	r.logger.Info("dispatch batch completed",
		zap.Int("published", published),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped),
	)
	r.metrics.RecordDuration("relay.duration", time.Since(start), nil)
	return nil
}

func (r *Relay) dispatch(ctx context.Context, record storage.OutboxRecord) error {
	fields := []zap.Field{
		zap.Int64("id", record.ID),
		zap.String("event_id", record.EventID),
		zap.String("event_type", record.EventType),
		zap.String("aggregate_id", record.AggregateID),
	}

	err := r.execute(func() error {
		return r.publisher.Publish(ctx, record)
	})
	if err != nil {
		r.metrics.IncrementCounter("relay.publish_failed", map[string]string{"event_type": record.EventType})
		r.logger.Error("failed to publish record", append(fields, zap.Error(err))...)
		return r.recordFailure(ctx, record, err)
	}

	if err := r.recordSuccess(ctx, record); err != nil {
		r.metrics.IncrementCounter("relay.mark_published_failed", map[string]string{"event_type": record.EventType})
		r.logger.Error("failed to mark record published", append(fields, zap.Error(err))...)
		// Published but still PROCESSING; stuck-claim recovery resolves it.
		return err
	}

	r.metrics.IncrementCounter("relay.publish_success", map[string]string{"event_type": record.EventType})
	r.logger.Debug("record published", fields...)
	return nil
}

// recordSuccess marks the row published and drops any retry-ledger entry.
func (r *Relay) recordSuccess(ctx context.Context, record storage.OutboxRecord) error {
	if err := r.store.MarkPublished(ctx, record.ID, r.clock.Now()); err != nil {
		return err
	}
	if err := r.store.DeleteFailure(ctx, record.EventID); err != nil {
		r.logger.Warn("failed to delete ledger entry after publish",
			zap.String("event_id", record.EventID), zap.Error(err))
	}
	return nil
}

// recordFailure marks the row failed and creates or advances its
// retry-ledger entry with exponential backoff. Both writes share one
// transaction: a FAILED row without a ledger entry would never match the
// dispatch query again.
func (r *Relay) recordFailure(ctx context.Context, record storage.OutboxRecord, publishErr error) error {
	var (
		retryCount  int
		nextRetryAt time.Time
	)
	err := r.manager.Do(ctx, func(ctx context.Context) error {
		if err := r.store.MarkFailed(ctx, record.ID, publishErr.Error()); err != nil {
			return fmt.Errorf("failed to mark record failed: %w", err)
		}

		now := r.clock.Now()
		existing, err := r.store.GetFailure(ctx, record.EventID)
		if err != nil {
			return err
		}

		if existing == nil {
			failure := &storage.FailedPublish{
				EventID:       record.EventID,
				EventType:     record.EventType,
				AggregateType: record.AggregateType,
				AggregateID:   record.AggregateID,
				Payload:       record.Payload,
				RetryCount:    0,
				LastError:     publishErr.Error(),
				FailedAt:      now,
				NextRetryAt:   now.Add(r.backoff.Delay(0)),
			}
			if err := r.store.InsertFailure(ctx, failure); err != nil {
				return fmt.Errorf("failed to insert ledger entry: %w", err)
			}
			return nil
		}

		retryCount = existing.RetryCount + 1
		nextRetryAt = now.Add(r.backoff.Delay(retryCount))
		if err := r.store.UpdateFailure(ctx, record.EventID, retryCount, nextRetryAt, publishErr.Error()); err != nil {
			return fmt.Errorf("failed to update ledger entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if retryCount == 0 {
		r.metrics.IncrementCounter("relay.retry_scheduled", nil)
		return nil
	}

	if retryCount >= r.maxRetryCount {
		r.logger.Error("record exhausted publish retries, awaiting dead-letter move",
			zap.String("event_id", record.EventID),
			zap.Int("retry_count", retryCount),
		)
		r.metrics.IncrementCounter("relay.retries_exhausted", nil)
	} else {
		r.logger.Info("scheduled publish retry",
			zap.String("event_id", record.EventID),
			zap.Int("retry_count", retryCount),
			zap.Time("next_retry_at", nextRetryAt),
		)
		r.metrics.IncrementCounter("relay.retry_scheduled", nil)
	}
	return nil
}
