package outbox

import (
	"context"
	"fmt"
	"time"

	trm "github.com/avito-tech/go-transaction-manager/trm/v2"
	"go.uber.org/zap"

	"github.com/evermart/rankpipe/internal/storage"
)

// StuckClaimService returns records left in the processing state to the
// queue. A relay crash between the claim and the publish leaves such rows
// behind; resetting them to pending lets another relay pick them up. Rows
// whose ledger entry already reached the retry ceiling go back to failed so
// the dead-letter mover can take them.
type StuckClaimService struct {
	store     storage.Store
	manager   trm.Manager
	logger    *zap.Logger
	metrics   MetricsCollector
	clock     Clock
	batchSize int
	timeout   time.Duration

	maxRetryCount int
}

// NewStuckClaimService creates the recovery service. The transaction manager
// scopes the row locks taken while scanning.
func NewStuckClaimService(store storage.Store, manager trm.Manager, logger *zap.Logger, opts ...StuckClaimOption) *StuckClaimService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &StuckClaimService{
		store:         store,
		manager:       manager,
		logger:        logger,
		metrics:       NewNopMetricsCollector(),
		clock:         SystemClock{},
		batchSize:     defaultBatchSize,
		timeout:       time.Duration(defaultStuckClaimTimeout) * time.Second,
		maxRetryCount: defaultMaxRetryCount,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverStuckClaims is the workFunc for the recovery worker.
func (s *StuckClaimService) RecoverStuckClaims(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordDuration("stuck_claims.duration", time.Since(start), nil)
	}()

	var recovered int
	err := s.manager.Do(ctx, func(ctx context.Context) error {
		threshold := s.clock.Now().Add(-s.timeout)
		records, err := s.store.FetchStuckClaims(ctx, threshold, s.batchSize)
		if err != nil {
			return fmt.Errorf("failed to fetch stuck claims: %w", err)
		}

		for _, record := range records {
			status := storage.StatusPending
			failure, err := s.store.GetFailure(ctx, record.EventID)
			if err != nil {
				s.logger.Error("failed to read ledger entry for stuck claim",
					zap.String("event_id", record.EventID), zap.Error(err))
				continue
			}
			if failure != nil && failure.RetryCount >= s.maxRetryCount {
				status = storage.StatusFailed
			}

			if err := s.store.ResetClaim(ctx, record.ID, status); err != nil {
				s.logger.Error("failed to reset stuck claim",
					zap.Int64("id", record.ID), zap.Error(err))
				continue
			}
			recovered++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if recovered > 0 {
		s.logger.Info("stuck claim recovery completed",
			zap.Int("recovered", recovered),
			zap.Duration("stuck_threshold", s.timeout),
		)
		s.metrics.RecordGauge("stuck_claims.recovered", float64(recovered), nil)
	}
	return nil
}
