package outbox

import (
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

//
// Relay options
//

type RelayOption func(*Relay)

func WithRelayBatchSize(size int) RelayOption {
	return func(r *Relay) {
		r.batchSize = size
	}
}

func WithRelayMaxRetryCount(count int) RelayOption {
	return func(r *Relay) {
		r.maxRetryCount = count
	}
}

func WithRelayBackoff(strategy BackoffStrategy) RelayOption {
	return func(r *Relay) {
		r.backoff = strategy
	}
}

func WithRelayMetrics(metrics MetricsCollector) RelayOption {
	return func(r *Relay) {
		r.metrics = metrics
	}
}

func WithRelayClock(clock Clock) RelayOption {
	return func(r *Relay) {
		r.clock = clock
	}
}

// WithRelayBreaker routes publish calls through the given execute wrapper,
// typically breaker.Execute.
func WithRelayBreaker(execute func(func() error) error) RelayOption {
	return func(r *Relay) {
		r.execute = execute
	}
}

//
// KafkaPublisher options
//

type KafkaPublisherOption func(*KafkaPublisher)

func WithKafkaProducerProps(props kafka.ConfigMap) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		for k, v := range props {
			p.producerProps[k] = v
		}
	}
}

// WithKafkaSource sets the envelope source identifier.
func WithKafkaSource(source string) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.source = source
	}
}

func WithKafkaDeliveryWait(wait time.Duration) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.deliveryWait = wait
	}
}

//
// DeadLetterService options
//

type DeadLetterOption func(*DeadLetterService)

func WithDeadLetterBatchSize(size int) DeadLetterOption {
	return func(s *DeadLetterService) {
		s.batchSize = size
	}
}

func WithDeadLetterMaxRetryCount(count int) DeadLetterOption {
	return func(s *DeadLetterService) {
		s.maxRetryCount = count
	}
}

func WithDeadLetterMetrics(metrics MetricsCollector) DeadLetterOption {
	return func(s *DeadLetterService) {
		s.metrics = metrics
	}
}

//
// StuckClaimService options
//

type StuckClaimOption func(*StuckClaimService)

func WithStuckClaimBatchSize(size int) StuckClaimOption {
	return func(s *StuckClaimService) {
		s.batchSize = size
	}
}

func WithStuckClaimTimeout(timeout time.Duration) StuckClaimOption {
	return func(s *StuckClaimService) {
		s.timeout = timeout
	}
}

func WithStuckClaimMaxRetryCount(count int) StuckClaimOption {
	return func(s *StuckClaimService) {
		s.maxRetryCount = count
	}
}

func WithStuckClaimMetrics(metrics MetricsCollector) StuckClaimOption {
	return func(s *StuckClaimService) {
		s.metrics = metrics
	}
}

func WithStuckClaimClock(clock Clock) StuckClaimOption {
	return func(s *StuckClaimService) {
		s.clock = clock
	}
}
