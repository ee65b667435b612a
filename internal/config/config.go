// Package config provides environment configuration for the pipeline binaries.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all environment configuration shared by the cmd binaries.
type Config struct {
	DatabaseDSN           string `env:"DATABASE_DSN" envDefault:"root:password@tcp(localhost:3306)/rankpipe?parseTime=true"`
	RedisAddr             string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	KafkaBootstrapServers string `env:"KAFKA_BOOTSTRAP_SERVERS" envDefault:"localhost:9092"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	RelayPollInterval time.Duration `env:"RELAY_POLL_INTERVAL" envDefault:"1s"`
	RelayBatchSize    int           `env:"RELAY_BATCH_SIZE"    envDefault:"100"`
	MaxRetryCount     int           `env:"MAX_RETRY_COUNT"     envDefault:"10"`

	StuckClaimInterval time.Duration `env:"STUCK_CLAIM_INTERVAL" envDefault:"1m"`
	StuckClaimTimeout  time.Duration `env:"STUCK_CLAIM_TIMEOUT"  envDefault:"10m"`

	DeadLetterInterval time.Duration `env:"DEAD_LETTER_INTERVAL" envDefault:"1m"`

	ConsumerGroup       string        `env:"CONSUMER_GROUP" envDefault:"ranking-aggregation"`
	ConsumerBatchSize   int           `env:"CONSUMER_BATCH_SIZE" envDefault:"100"`
	ConsumerPollTimeout time.Duration `env:"CONSUMER_POLL_TIMEOUT" envDefault:"1s"`

	RankingScope    string        `env:"RANKING_SCOPE" envDefault:"daily"`
	BucketRetention time.Duration `env:"BUCKET_RETENTION" envDefault:"48h"`
	CarryOverWeight float64       `env:"CARRY_OVER_WEIGHT" envDefault:"0.5"`

	ViewWeight  float64 `env:"VIEW_WEIGHT" envDefault:"1"`
	LikeWeight  float64 `env:"LIKE_WEIGHT" envDefault:"5"`
	OrderWeight float64 `env:"ORDER_WEIGHT" envDefault:"10"`
}

// Load parses environment variables into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
