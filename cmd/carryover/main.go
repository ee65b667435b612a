// The carryover binary seeds today's ranking bucket from yesterday's
// scores. It is meant to run once per day, right after the bucket
// boundary.
package main

import (
	"context"
	"log"
	"time"

	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"github.com/evermart/rankpipe/internal/config"
	"github.com/evermart/rankpipe/internal/logging"
	"github.com/evermart/rankpipe/internal/ranking"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	redisClient, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.RedisAddr},
	})
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	now := time.Now().UTC()
	source := ranking.BucketKey(cfg.RankingScope, now.AddDate(0, 0, -1))
	target := ranking.BucketKey(cfg.RankingScope, now)

	seeder := ranking.NewSeeder(ranking.NewRedisStore(redisClient), logger, cfg.BucketRetention)
	seeded, err := seeder.Seed(context.Background(), source, target, cfg.CarryOverWeight)
	if err != nil {
		logger.Fatal("carry-over failed",
			zap.String("source", source),
			zap.String("target", target),
			zap.Error(err),
		)
	}

	logger.Info("carry-over finished",
		zap.String("source", source),
		zap.String("target", target),
		zap.Int("seeded", seeded),
	)
}
