// The consumer binary subscribes to the pipeline topics and applies
// ranking deltas behind the idempotency and ordering guard.
package main

import (
	"context"
	"database/sql"
	"log"
	"os/signal"
	"syscall"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"github.com/evermart/rankpipe/internal/config"
	"github.com/evermart/rankpipe/internal/consumer"
	"github.com/evermart/rankpipe/internal/event"
	"github.com/evermart/rankpipe/internal/guard"
	"github.com/evermart/rankpipe/internal/logging"
	"github.com/evermart/rankpipe/internal/ranking"
	"github.com/evermart/rankpipe/internal/storage/sqlstore"
)

const statsGroup = "stats-aggregation"

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

	db, err := sql.Open("mysql", cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	store := sqlstore.New(db, logger)
	if err := store.EnsureTables(context.Background()); err != nil {
		logger.Fatal("failed to ensure tables", zap.Error(err))
	}

	trManager := manager.Must(trmsql.NewDefaultFactory(db))

	redisClient, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.RedisAddr},
	})
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	rankingStore := ranking.NewRedisStore(redisClient)
	g := guard.New(store, trManager, logger)

	router := consumer.NewRouter(logger)
	topics, err := registerHandlers(cfg, router, g, rankingStore, logger)
	if err != nil {
		logger.Fatal("failed to register handlers", zap.Error(err))
	}

	c, err := consumer.New(cfg.KafkaBootstrapServers, cfg.ConsumerGroup, topics, router, logger, consumer.Options{
		BatchSize:   cfg.ConsumerBatchSize,
		PollTimeout: cfg.ConsumerPollTimeout,
	})
	if err != nil {
		logger.Fatal("failed to create consumer", zap.Error(err))
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting consumer",
		zap.String("group", cfg.ConsumerGroup),
		zap.Strings("topics", topics),
	)

	for {
		if err := c.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("consumer loop failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		return
	}
}

func registerHandlers(cfg *config.Config, router *consumer.Router, g *guard.Guard, store ranking.Store, logger *zap.Logger) ([]string, error) {
	if cfg.ConsumerGroup == statsGroup {
		consumer.NewStatsHandlers(g, store, logger).Register(router)
		return []string{event.TopicViewEvents}, nil
	}

	aggregator := ranking.NewAggregator(store, logger, cfg.RankingScope, cfg.BucketRetention, ranking.Weights{
		View:  cfg.ViewWeight,
		Like:  cfg.LikeWeight,
		Order: cfg.OrderWeight,
	})
	if err := aggregator.LoadWeights(context.Background()); err != nil {
		return nil, err
	}
	consumer.NewRankingHandlers(cfg.ConsumerGroup, g, aggregator, logger).Register(router)
	return []string{
		event.TopicViewEvents,
		event.TopicLikeEvents,
		event.TopicOrderCompleted,
		event.TopicOrderCanceled,
		event.TopicRankingWeightChange,
	}, nil
}
