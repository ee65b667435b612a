package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/evermart/rankpipe/internal/storage"
)

// DeadLetterService moves retry-ledger entries that exhausted their retries
// into the dead-letter table, where they wait for operator intervention.
// The corresponding outbox rows stay FAILED as append-only history.
type DeadLetterService struct {
	store         storage.Store
	logger        *zap.Logger
	metrics       MetricsCollector
	batchSize     int
	maxRetryCount int
}

// NewDeadLetterService creates the mover.
func NewDeadLetterService(store storage.Store, logger *zap.Logger, opts ...DeadLetterOption) *DeadLetterService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &DeadLetterService{
		store:         store,
		logger:        logger,
		metrics:       NewNopMetricsCollector(),
		batchSize:     defaultBatchSize,
		maxRetryCount: defaultMaxRetryCount,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MoveExhausted is the workFunc for the dead-letter worker.
func (s *DeadLetterService) MoveExhausted(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordDuration("deadletter.duration", time.Since(start), nil)
	}()

	failures, err := s.store.FetchExhaustedFailures(ctx, s.maxRetryCount, s.batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch exhausted ledger entries: %w", err)
	}
	if len(failures) == 0 {
		return nil
	}

	s.logger.Info("moving exhausted publish failures to dead letters", zap.Int("count", len(failures)))

	moved := 0
	for _, failure := range failures {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.store.MoveToDeadLetter(ctx, failure); err != nil {
			s.logger.Error("failed to move entry to dead letters",
				zap.String("event_id", failure.EventID),
				zap.Error(err),
			)
			s.metrics.IncrementCounter("deadletter.move_failed", nil)
			continue
		}
		moved++
		s.metrics.IncrementCounter("deadletter.move_success", nil)
	}

	s.logger.Info("dead-letter move completed", zap.Int("moved", moved))
	return nil
}
