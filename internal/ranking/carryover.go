package ranking

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Seeder copies a decayed snapshot of a prior bucket into a new one so a
// fresh day never starts with an empty leaderboard. Members already present
// in the target keep their live scores: a stale seed never clobbers them.
type Seeder struct {
	store     Store
	logger    *zap.Logger
	retention time.Duration
}

// NewSeeder creates a carry-over seeder.
func NewSeeder(store Store, logger *zap.Logger, retention time.Duration) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{
		store:     store,
		logger:    logger,
		retention: retention,
	}
}

// Seed copies source members absent from the target into the target with
// score = sourceScore * weight, and refreshes the target's retention. An
// empty source is a no-op. Returns the number of members offered to the
// target (members it already held are silently kept as-is by the store).
func (s *Seeder) Seed(ctx context.Context, sourceKey, targetKey string, weight float64) (int, error) {
	entries, err := s.store.Entries(ctx, sourceKey)
	if err != nil {
		return 0, fmt.Errorf("failed to read source bucket: %w", err)
	}
	if len(entries) == 0 {
		s.logger.Info("source bucket empty, nothing to carry over", zap.String("source", sourceKey))
		return 0, nil
	}

	for _, entry := range entries {
		if err := s.store.AddIfAbsent(ctx, targetKey, entry.Member, entry.Score*weight); err != nil {
			return 0, fmt.Errorf("failed to seed %s: %w", entry.Member, err)
		}
	}

	if err := s.store.Expire(ctx, targetKey, s.retention); err != nil {
		s.logger.Warn("failed to refresh target ttl", zap.String("key", targetKey), zap.Error(err))
	}

	s.logger.Info("carry-over completed",
		zap.String("source", sourceKey),
		zap.String("target", targetKey),
		zap.Float64("weight", weight),
		zap.Int("members", len(entries)),
	)
	return len(entries), nil
}
