package consumer

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	trm "github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/evermart/rankpipe/internal/event"
	"github.com/evermart/rankpipe/internal/guard"
	"github.com/evermart/rankpipe/internal/ranking"
	"github.com/evermart/rankpipe/internal/storage"
)

const testGroup = "ranking-aggregation"

type passthroughManager struct{}

func (passthroughManager) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (passthroughManager) DoWithSettings(ctx context.Context, _ trm.Settings, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// memGuardStore is an in-memory GuardStore with the same dedup and
// greatest-wins clock semantics as the MySQL implementation.
type memGuardStore struct {
	mu      sync.Mutex
	handled map[string]bool
	clocks  map[string]time.Time
}

func newMemGuardStore() *memGuardStore {
	return &memGuardStore{
		handled: make(map[string]bool),
		clocks:  make(map[string]time.Time),
	}
}

func (s *memGuardStore) AlreadyHandled(_ context.Context, eventID, aggregateID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handled[eventID+"|"+aggregateID], nil
}

func (s *memGuardStore) LastProcessedAt(_ context.Context, consumerGroup, aggregateID string, _ storage.LockMode) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.clocks[consumerGroup+"|"+aggregateID]
	if !ok {
		return nil, nil
	}
	return &ts, nil
}

func (s *memGuardStore) MarkHandled(_ context.Context, eventID, aggregateID, _ string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := eventID + "|" + aggregateID
	if s.handled[key] {
		return storage.ErrAlreadyHandled
	}
	s.handled[key] = true
	return nil
}

func (s *memGuardStore) AdvanceClock(_ context.Context, consumerGroup, aggregateID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := consumerGroup + "|" + aggregateID
	if current, ok := s.clocks[key]; !ok || ts.After(current) {
		s.clocks[key] = ts
	}
	return nil
}

// memRankingStore is an in-memory ranking.Store for handler tests.
type memRankingStore struct {
	mu       sync.Mutex
	sets     map[string]map[string]float64
	hashes   map[string]map[string]float64
	counters map[string]int64
}

func newMemRankingStore() *memRankingStore {
	return &memRankingStore{
		sets:     make(map[string]map[string]float64),
		hashes:   make(map[string]map[string]float64),
		counters: make(map[string]int64),
	}
}

func (s *memRankingStore) IncrementScore(_ context.Context, key, member string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sets[key] == nil {
		s.sets[key] = make(map[string]float64)
	}
	s.sets[key][member] += delta
	return nil
}

func (s *memRankingStore) AddIfAbsent(_ context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sets[key] == nil {
		s.sets[key] = make(map[string]float64)
	}
	if _, ok := s.sets[key][member]; !ok {
		s.sets[key][member] = score
	}
	return nil
}

func (s *memRankingStore) Entries(_ context.Context, key string) ([]ranking.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]ranking.Entry, 0, len(s.sets[key]))
	for member, score := range s.sets[key] {
		entries = append(entries, ranking.Entry{Member: member, Score: score})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })
	return entries, nil
}

func (s *memRankingStore) TopN(ctx context.Context, key string, offset, limit int) ([]ranking.Entry, error) {
	entries, _ := s.Entries(ctx, key)
	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]
	if limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *memRankingStore) Rank(ctx context.Context, key, member string) (int64, bool, error) {
	entries, _ := s.Entries(ctx, key)
	for i, entry := range entries {
		if entry.Member == member {
			return int64(i), true, nil
		}
	}
	return 0, false, nil
}

func (s *memRankingStore) Expire(_ context.Context, _ string, _ time.Duration) error {
	return nil
}

func (s *memRankingStore) IncrementCounter(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] += delta
	return s.counters[key], nil
}

func (s *memRankingStore) SetField(_ context.Context, key, field string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hashes[key] == nil {
		s.hashes[key] = make(map[string]float64)
	}
	s.hashes[key][field] = value
	return nil
}

func (s *memRankingStore) Fields(_ context.Context, key string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields := make(map[string]float64, len(s.hashes[key]))
	for field, value := range s.hashes[key] {
		fields[field] = value
	}
	return fields, nil
}

func (s *memRankingStore) score(key, member string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets[key][member]
}

func newTestRankingHandlers(t *testing.T) (*RankingHandlers, *memRankingStore) {
	t.Helper()
	store := newMemRankingStore()
	g := guard.New(newMemGuardStore(), passthroughManager{}, zap.NewNop())
	aggregator := ranking.NewAggregator(store, zap.NewNop(), "daily", 48*time.Hour, ranking.Weights{View: 1, Like: 5, Order: 10})
	return NewRankingHandlers(testGroup, g, aggregator, zap.NewNop()), store
}

func envelope(t *testing.T, id, eventType, aggregateID string, at time.Time, payload interface{}) event.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return event.Envelope{
		ID:            id,
		Type:          eventType,
		Source:        "test",
		AggregateType: "product",
		AggregateID:   aggregateID,
		Time:          at,
		Payload:       string(raw),
	}
}

func TestRankingHandlers_HandleLikeCreated(t *testing.T) {
	handlers, store := newTestRankingHandlers(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	env := envelope(t, "ev-1", event.TypeLikeCreated, "p-1", at, event.LikeCreated{ProductID: "p-1", UserID: "u-1"})
	err := handlers.HandleLikeCreated(context.Background(), env)
	assert.NoError(t, err)

	assert.Equal(t, 5.0, store.score(ranking.BucketKey("daily", at), "product:p-1"))
}

func TestRankingHandlers_ReplayIsIdempotent(t *testing.T) {
	handlers, store := newTestRankingHandlers(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	env := envelope(t, "ev-1", event.TypeLikeCreated, "p-1", at, event.LikeCreated{ProductID: "p-1"})
	for i := 0; i < 3; i++ {
		assert.NoError(t, handlers.HandleLikeCreated(context.Background(), env))
	}

	assert.Equal(t, 5.0, store.score(ranking.BucketKey("daily", at), "product:p-1"),
		"redeliveries must not accumulate score")
}

func TestRankingHandlers_StaleEventIsDiscardedButRecorded(t *testing.T) {
	handlers, store := newTestRankingHandlers(t)
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	ctx := context.Background()

	// The cancel at t2 arrives first.
	cancel := envelope(t, "ev-2", event.TypeLikeCanceled, "p-1", t2, event.LikeCanceled{ProductID: "p-1"})
	require.NoError(t, handlers.HandleLikeCanceled(ctx, cancel))

	// The create at t1 arrives late; its effect must be discarded.
	create := envelope(t, "ev-1", event.TypeLikeCreated, "p-1", t1, event.LikeCreated{ProductID: "p-1"})
	require.NoError(t, handlers.HandleLikeCreated(ctx, create))

	assert.Equal(t, -5.0, store.score(ranking.BucketKey("daily", t2), "product:p-1"))

	// A redelivery of the stale create is now a plain duplicate.
	require.NoError(t, handlers.HandleLikeCreated(ctx, create))
	assert.Equal(t, -5.0, store.score(ranking.BucketKey("daily", t2), "product:p-1"))
}

func TestRankingHandlers_HandleView(t *testing.T) {
	handlers, store := newTestRankingHandlers(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	env := envelope(t, "ev-1", event.TypeProductViewed, "p-1", at, event.ProductViewed{ProductID: "p-1"})
	assert.NoError(t, handlers.HandleView(context.Background(), env))

	assert.Equal(t, 1.0, store.score(ranking.BucketKey("daily", at), "product:p-1"))
}

func TestRankingHandlers_HandleOrderPaid_SplitsTotalAcrossLines(t *testing.T) {
	handlers, store := newTestRankingHandlers(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	key := ranking.BucketKey("daily", at)

	payload := event.OrderCompleted{
		OrderID:     "o-1",
		TotalAmount: 10000,
		Lines: []event.OrderLine{
			{ProductID: "p-1", Quantity: 1},
			{ProductID: "p-2", Quantity: 2},
			{ProductID: "p-3", Quantity: 1},
		},
	}
	env := envelope(t, "ev-1", event.TypeOrderPaid, "o-1", at, payload)
	assert.NoError(t, handlers.HandleOrderPaid(context.Background(), env))

	// 10000 minor units split 3334/3333/3333, weight 10 per currency unit.
	assert.InDelta(t, 333.4, store.score(key, "product:p-1"), 1e-9)
	assert.InDelta(t, 333.3, store.score(key, "product:p-2"), 1e-9)
	assert.InDelta(t, 333.3, store.score(key, "product:p-3"), 1e-9)

	total := store.score(key, "product:p-1") + store.score(key, "product:p-2") + store.score(key, "product:p-3")
	assert.InDelta(t, 1000.0, total, 1e-9)
}

func TestRankingHandlers_HandleOrderCanceled_DebitsShares(t *testing.T) {
	handlers, store := newTestRankingHandlers(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	key := ranking.BucketKey("daily", at)
	ctx := context.Background()

	lines := []event.OrderLine{{ProductID: "p-1"}, {ProductID: "p-2"}}
	paid := envelope(t, "ev-1", event.TypeOrderPaid, "o-1", at,
		event.OrderCompleted{OrderID: "o-1", TotalAmount: 10000, Lines: lines})
	require.NoError(t, handlers.HandleOrderPaid(ctx, paid))

	canceled := envelope(t, "ev-2", event.TypeOrderCanceled, "o-1", at.Add(time.Hour),
		event.OrderCanceled{OrderID: "o-1", TotalAmount: 10000, Lines: lines})
	require.NoError(t, handlers.HandleOrderCanceled(ctx, canceled))

	assert.InDelta(t, 0.0, store.score(key, "product:p-1"), 1e-9)
	assert.InDelta(t, 0.0, store.score(key, "product:p-2"), 1e-9)
}

func TestRankingHandlers_HandleOrderPaid_ReplaySkipsAppliedLines(t *testing.T) {
	handlers, store := newTestRankingHandlers(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	key := ranking.BucketKey("daily", at)
	ctx := context.Background()

	payload := event.OrderCompleted{
		OrderID:     "o-1",
		TotalAmount: 10000,
		Lines:       []event.OrderLine{{ProductID: "p-1"}, {ProductID: "p-2"}},
	}
	env := envelope(t, "ev-1", event.TypeOrderPaid, "o-1", at, payload)
	require.NoError(t, handlers.HandleOrderPaid(ctx, env))
	require.NoError(t, handlers.HandleOrderPaid(ctx, env))

	assert.InDelta(t, 500.0, store.score(key, "product:p-1"), 1e-9)
	assert.InDelta(t, 500.0, store.score(key, "product:p-2"), 1e-9)
}

func TestRankingHandlers_HandleWeightChanged(t *testing.T) {
	store := newMemRankingStore()
	g := guard.New(newMemGuardStore(), passthroughManager{}, zap.NewNop())
	aggregator := ranking.NewAggregator(store, zap.NewNop(), "daily", 48*time.Hour, ranking.Weights{Like: 5})
	handlers := NewRankingHandlers(testGroup, g, aggregator, zap.NewNop())
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	change := envelope(t, "ev-1", event.TypeWeightChanged, "weights", at, event.WeightChanged{Metric: "like", Weight: 2})
	require.NoError(t, handlers.HandleWeightChanged(ctx, change))
	assert.Equal(t, 2.0, aggregator.Weights().Like)

	like := envelope(t, "ev-2", event.TypeLikeCreated, "p-1", at.Add(time.Minute), event.LikeCreated{ProductID: "p-1"})
	require.NoError(t, handlers.HandleLikeCreated(ctx, like))
	assert.Equal(t, 2.0, store.score(ranking.BucketKey("daily", at), "product:p-1"))
}

func TestRankingHandlers_WeightChangeSurvivesRestart(t *testing.T) {
	store := newMemRankingStore()
	guardStore := newMemGuardStore()
	defaults := ranking.Weights{View: 1, Like: 5, Order: 10}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	first := ranking.NewAggregator(store, zap.NewNop(), "daily", 48*time.Hour, defaults)
	handlers := NewRankingHandlers(testGroup, guard.New(guardStore, passthroughManager{}, zap.NewNop()), first, zap.NewNop())

	change := envelope(t, "ev-1", event.TypeWeightChanged, "weights", at, event.WeightChanged{Metric: "view", Weight: 9})
	require.NoError(t, handlers.HandleWeightChanged(ctx, change))
	require.Equal(t, 9.0, first.Weights().View)

	// Restart: a fresh aggregator over the same stores starts from the
	// configured defaults and recovers the override at load time. The
	// redelivered change is a duplicate against the durable ledger and
	// must not be the recovery path.
	second := ranking.NewAggregator(store, zap.NewNop(), "daily", 48*time.Hour, defaults)
	require.NoError(t, second.LoadWeights(ctx))
	rebuilt := NewRankingHandlers(testGroup, guard.New(guardStore, passthroughManager{}, zap.NewNop()), second, zap.NewNop())
	require.NoError(t, rebuilt.HandleWeightChanged(ctx, change))

	assert.Equal(t, 9.0, second.Weights().View)

	view := envelope(t, "ev-2", event.TypeProductViewed, "p-1", at.Add(time.Minute), event.ProductViewed{ProductID: "p-1"})
	require.NoError(t, rebuilt.HandleView(ctx, view))
	assert.Equal(t, 9.0, store.score(ranking.BucketKey("daily", at), "product:p-1"))
}

func TestStatsHandlers_HandleView_DeduplicatesGlobally(t *testing.T) {
	store := newMemRankingStore()
	g := guard.New(newMemGuardStore(), passthroughManager{}, zap.NewNop())
	handlers := NewStatsHandlers(g, store, zap.NewNop())
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	env := envelope(t, "ev-1", event.TypeProductViewed, "p-1", at, event.ProductViewed{ProductID: "p-1"})
	require.NoError(t, handlers.HandleView(ctx, env))
	require.NoError(t, handlers.HandleView(ctx, env))

	assert.Equal(t, int64(1), store.counters["stats:views:product:p-1"])

	other := envelope(t, "ev-2", event.TypeProductViewed, "p-1", at, event.ProductViewed{ProductID: "p-1"})
	require.NoError(t, handlers.HandleView(ctx, other))
	assert.Equal(t, int64(2), store.counters["stats:views:product:p-1"])
}
