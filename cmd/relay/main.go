// The relay binary publishes outbox records to the broker and runs the
// maintenance workers around the retry ledger.
package main

import (
	"context"
	"database/sql"
	"log"
	"os/signal"
	"syscall"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/evermart/rankpipe/internal/breaker"
	"github.com/evermart/rankpipe/internal/config"
	"github.com/evermart/rankpipe/internal/logging"
	"github.com/evermart/rankpipe/internal/outbox"
	"github.com/evermart/rankpipe/internal/storage/sqlstore"
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

	db, err := sql.Open("mysql", cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatal("failed to ping database", zap.Error(err))
	}

	store := sqlstore.New(db, logger)
	if err := store.EnsureTables(context.Background()); err != nil {
		logger.Fatal("failed to ensure tables", zap.Error(err))
	}

	trManager := manager.Must(trmsql.NewDefaultFactory(db))

	publisher, err := outbox.NewKafkaPublisher(logger,
		outbox.WithKafkaProducerProps(kafka.ConfigMap{
			"bootstrap.servers": cfg.KafkaBootstrapServers,
		}),
		outbox.WithKafkaSource("rankpipe-relay"),
	)
	if err != nil {
		logger.Fatal("failed to create publisher", zap.Error(err))
	}
	defer publisher.Close()

	metrics := outbox.NewOtelMetricsCollector()
	brokerBreaker := breaker.New(breaker.Settings{})

	relay := outbox.NewRelay(store, publisher, trManager, logger,
		outbox.WithRelayBatchSize(cfg.RelayBatchSize),
		outbox.WithRelayMaxRetryCount(cfg.MaxRetryCount),
		outbox.WithRelayMetrics(metrics),
		outbox.WithRelayBreaker(brokerBreaker.Execute),
	)

	stuck := outbox.NewStuckClaimService(store, trManager, logger,
		outbox.WithStuckClaimTimeout(cfg.StuckClaimTimeout),
		outbox.WithStuckClaimMaxRetryCount(cfg.MaxRetryCount),
		outbox.WithStuckClaimMetrics(metrics),
	)

	deadLetters := outbox.NewDeadLetterService(store, logger,
		outbox.WithDeadLetterMaxRetryCount(cfg.MaxRetryCount),
		outbox.WithDeadLetterMetrics(metrics),
	)

	runner := outbox.NewRunner(logger,
		outbox.NewBaseWorker("relay", cfg.RelayPollInterval, logger, relay.ProcessOutbox),
		outbox.NewBaseWorker("stuck-claims", cfg.StuckClaimInterval, logger, stuck.RecoverStuckClaims),
		outbox.NewBaseWorker("dead-letters", cfg.DeadLetterInterval, logger, deadLetters.MoveExhausted),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting relay",
		zap.Duration("poll_interval", cfg.RelayPollInterval),
		zap.Int("batch_size", cfg.RelayBatchSize),
	)
	runner.Start(ctx)
}
