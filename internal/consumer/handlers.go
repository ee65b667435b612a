package consumer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/evermart/rankpipe/internal/event"
	"github.com/evermart/rankpipe/internal/guard"
	"github.com/evermart/rankpipe/internal/ranking"
	"github.com/evermart/rankpipe/internal/storage"
)

// RankingHandlers wires the ranking consumer group: every mutation is gated
// by the idempotency and ordering guard, keyed by the product aggregate.
type RankingHandlers struct {
	group      string
	guard      *guard.Guard
	aggregator *ranking.Aggregator
	logger     *zap.Logger
}

// NewRankingHandlers creates the handler set for a consumer group.
func NewRankingHandlers(group string, g *guard.Guard, aggregator *ranking.Aggregator, logger *zap.Logger) *RankingHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RankingHandlers{
		group:      group,
		guard:      g,
		aggregator: aggregator,
		logger:     logger,
	}
}

// Register attaches all ranking handlers to the router.
func (h *RankingHandlers) Register(router *Router) {
	router.Handle(event.TypeProductViewed, h.HandleView)
	router.Handle(event.TypeLikeCreated, h.HandleLikeCreated)
	router.Handle(event.TypeLikeCanceled, h.HandleLikeCanceled)
	router.Handle(event.TypeOrderPaid, h.HandleOrderPaid)
	router.Handle(event.TypeOrderCanceled, h.HandleOrderCanceled)
	router.Handle(event.TypeWeightChanged, h.HandleWeightChanged)
}

// guarded runs apply for one (event, aggregate) pair under both guard
// checks. Duplicates and stale events are absorbed silently; stale events
// are still recorded as handled so redeliveries stop revisiting them.
func (h *RankingHandlers) guarded(ctx context.Context, env event.Envelope, aggregateID string, apply func(ctx context.Context) error) error {
	decision, err := h.guard.Check(ctx, h.group, env.ID, aggregateID, env.Time)
	if err != nil {
		return err
	}

	switch decision {
	case guard.AlreadyHandled:
		h.logger.Debug("event already handled",
			zap.String("event_id", env.ID),
			zap.String("aggregate_id", aggregateID),
		)
		return nil
	case guard.Stale:
		h.logger.Debug("stale event discarded",
			zap.String("event_id", env.ID),
			zap.String("aggregate_id", aggregateID),
		)
		return h.guard.CompleteStale(ctx, env.ID, aggregateID, env.Type)
	}

	if err := apply(ctx); err != nil {
		return err
	}

	if err := h.guard.Complete(ctx, h.group, env.ID, aggregateID, env.Type, env.Time); err != nil {
		// A concurrent consumer completed the same event between our check
		// and our completion. The score store is not part of the ledger
		// transaction, so the duplicate increment cannot be rolled back here.
		if errors.Is(err, storage.ErrAlreadyHandled) {
			h.logger.Warn("event completed concurrently",
				zap.String("event_id", env.ID),
				zap.String("aggregate_id", aggregateID),
			)
			return nil
		}
		return err
	}
	return nil
}

func (h *RankingHandlers) HandleView(ctx context.Context, env event.Envelope) error {
	var payload event.ProductViewed
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	return h.guarded(ctx, env, payload.ProductID, func(ctx context.Context) error {
		return h.aggregator.ApplyView(ctx, payload.ProductID, env.Time)
	})
}

func (h *RankingHandlers) HandleLikeCreated(ctx context.Context, env event.Envelope) error {
	var payload event.LikeCreated
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	return h.guarded(ctx, env, payload.ProductID, func(ctx context.Context) error {
		return h.aggregator.ApplyLike(ctx, payload.ProductID, env.Time, false)
	})
}

func (h *RankingHandlers) HandleLikeCanceled(ctx context.Context, env event.Envelope) error {
	var payload event.LikeCanceled
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	return h.guarded(ctx, env, payload.ProductID, func(ctx context.Context) error {
		return h.aggregator.ApplyLike(ctx, payload.ProductID, env.Time, true)
	})
}

func (h *RankingHandlers) HandleOrderPaid(ctx context.Context, env event.Envelope) error {
	var payload event.OrderCompleted
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	return h.applyOrder(ctx, env, payload.TotalAmount, payload.Lines, false)
}

func (h *RankingHandlers) HandleOrderCanceled(ctx context.Context, env event.Envelope) error {
	var payload event.OrderCanceled
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	return h.applyOrder(ctx, env, payload.TotalAmount, payload.Lines, true)
}

// applyOrder splits the order total evenly over the line items and credits
// (or debits) each product's share. Each line is guarded independently: the
// dedup key is (event, product aggregate), so a redelivery that crashed
// mid-order resumes with the untouched lines only.
func (h *RankingHandlers) applyOrder(ctx context.Context, env event.Envelope, totalAmount int64, lines []event.OrderLine, canceled bool) error {
	if len(lines) == 0 {
		return nil
	}
	shares := ranking.SplitAmount(totalAmount, len(lines))
	for i, line := range lines {
		line := line
		share := shares[i]
		err := h.guarded(ctx, env, line.ProductID, func(ctx context.Context) error {
			return h.aggregator.ApplyOrderLine(ctx, line, share, env.Time, canceled)
		})
		if err != nil {
			return fmt.Errorf("failed to apply order line %s: %w", line.ProductID, err)
		}
	}
	return nil
}

func (h *RankingHandlers) HandleWeightChanged(ctx context.Context, env event.Envelope) error {
	var payload event.WeightChanged
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	return h.guarded(ctx, env, env.AggregateID, func(ctx context.Context) error {
		return h.aggregator.SetWeight(ctx, payload.Metric, payload.Weight)
	})
}

// StatsHandlers wires the stats consumer group. View counts have no
// ordering requirement, so they use the dedup check only.
type StatsHandlers struct {
	guard  *guard.Guard
	store  ranking.Store
	logger *zap.Logger
}

// NewStatsHandlers creates the stats handler set.
func NewStatsHandlers(g *guard.Guard, store ranking.Store, logger *zap.Logger) *StatsHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsHandlers{guard: g, store: store, logger: logger}
}

// Register attaches the stats handlers to the router.
func (s *StatsHandlers) Register(router *Router) {
	router.Handle(event.TypeProductViewed, s.HandleView)
}

func (s *StatsHandlers) HandleView(ctx context.Context, env event.Envelope) error {
	var payload event.ProductViewed
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}

	decision, err := s.guard.CheckDedup(ctx, env.ID, "")
	if err != nil {
		return err
	}
	if decision == guard.AlreadyHandled {
		return nil
	}

	key := "stats:views:product:" + payload.ProductID
	if _, err := s.store.IncrementCounter(ctx, key, 1); err != nil {
		return err
	}

	if err := s.guard.CompleteDedup(ctx, env.ID, "", env.Type); err != nil {
		if errors.Is(err, storage.ErrAlreadyHandled) {
			return nil
		}
		return err
	}
	return nil
}
