package ranking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evermart/rankpipe/internal/event"
)

// Weights are the score contributions per metric. Order is applied per
// minor-unit currency amount share, view and like per occurrence.
type Weights struct {
	View  float64
	Like  float64
	Order float64
}

const minorUnitsPerCurrencyUnit = 100

// Aggregator applies weighted score deltas to the day buckets. Every write
// is an atomic sorted-set increment, so concurrent consumers never lose
// updates. Callers must gate each call with the idempotency guard first.
type Aggregator struct {
	store     Store
	logger    *zap.Logger
	scope     string
	retention time.Duration

	mu      sync.RWMutex
	weights Weights
}

// NewAggregator creates an aggregator for the given scope.
func NewAggregator(store Store, logger *zap.Logger, scope string, retention time.Duration, weights Weights) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store:     store,
		logger:    logger,
		scope:     scope,
		retention: retention,
		weights:   weights,
	}
}

// Weights returns the current weight table.
func (a *Aggregator) Weights() Weights {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.weights
}

// SetWeight updates one metric's weight and persists the override. The
// weight-change event is consumed through the durable dedup ledger and is
// never redelivered after a restart, so a restarted aggregator recovers
// the table from the store, not from the stream. Unknown metrics are
// ignored with a warning.
func (a *Aggregator) SetWeight(ctx context.Context, metric string, weight float64) error {
	if !a.applyWeight(metric, weight) {
		a.logger.Warn("unknown ranking metric", zap.String("metric", metric))
		return nil
	}
	if err := a.store.SetField(ctx, WeightsKey(a.scope), metric, weight); err != nil {
		return fmt.Errorf("failed to persist weight override: %w", err)
	}
	return nil
}

// LoadWeights overlays persisted weight overrides onto the configured
// defaults. Call once at startup, before consuming begins.
func (a *Aggregator) LoadWeights(ctx context.Context) error {
	fields, err := a.store.Fields(ctx, WeightsKey(a.scope))
	if err != nil {
		return fmt.Errorf("failed to load weight overrides: %w", err)
	}
	for metric, weight := range fields {
		a.applyWeight(metric, weight)
	}
	return nil
}

func (a *Aggregator) applyWeight(metric string, weight float64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch metric {
	case "view":
		a.weights.View = weight
	case "like":
		a.weights.Like = weight
	case "order":
		a.weights.Order = weight
	default:
		return false
	}
	return true
}

// ApplyView credits one product view.
func (a *Aggregator) ApplyView(ctx context.Context, productID string, at time.Time) error {
	return a.applyDelta(ctx, productID, at, a.Weights().View)
}

// ApplyLike credits a created like, or debits a canceled one.
func (a *Aggregator) ApplyLike(ctx context.Context, productID string, at time.Time, canceled bool) error {
	delta := a.Weights().Like
	if canceled {
		delta = -delta
	}
	return a.applyDelta(ctx, productID, at, delta)
}

// OrderShare returns the minor-unit amount credited to the line at index i
// when the order total is split evenly across n lines.
func OrderShare(totalMinor int64, n, i int) int64 {
	shares := SplitAmount(totalMinor, n)
	if i < 0 || i >= len(shares) {
		return 0
	}
	return shares[i]
}

// ApplyOrderLine credits (or debits, for cancellations) one line item's
// even share of the order total.
func (a *Aggregator) ApplyOrderLine(ctx context.Context, line event.OrderLine, shareMinor int64, at time.Time, canceled bool) error {
	amount := float64(shareMinor) / minorUnitsPerCurrencyUnit
	delta := a.Weights().Order * amount
	if canceled {
		delta = -delta
	}
	return a.applyDelta(ctx, line.ProductID, at, delta)
}

func (a *Aggregator) applyDelta(ctx context.Context, productID string, at time.Time, delta float64) error {
	if delta == 0 {
		return nil
	}
	key := BucketKey(a.scope, at)
	member := MemberFor(productID)

	if err := a.store.IncrementScore(ctx, key, member, delta); err != nil {
		return fmt.Errorf("failed to apply score delta: %w", err)
	}
	// Setting the TTL after the increment races with other writers; setting
	// it twice is harmless.
	if err := a.store.Expire(ctx, key, a.retention); err != nil {
		a.logger.Warn("failed to refresh bucket ttl", zap.String("key", key), zap.Error(err))
	}

	a.logger.Debug("applied score delta",
		zap.String("bucket", key),
		zap.String("member", member),
		zap.Float64("delta", delta),
	)
	return nil
}
