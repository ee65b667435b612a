package ranking

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store for tests. Safe for concurrent use.
type memStore struct {
	mu       sync.Mutex
	sets     map[string]map[string]float64
	hashes   map[string]map[string]float64
	counters map[string]int64
	ttls     map[string]time.Duration
}

func newMemStore() *memStore {
	return &memStore{
		sets:     make(map[string]map[string]float64),
		hashes:   make(map[string]map[string]float64),
		counters: make(map[string]int64),
		ttls:     make(map[string]time.Duration),
	}
}

func (s *memStore) IncrementScore(_ context.Context, key, member string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sets[key] == nil {
		s.sets[key] = make(map[string]float64)
	}
	s.sets[key][member] += delta
	return nil
}

func (s *memStore) AddIfAbsent(_ context.Context, key, member string, score float64) error {
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

func (s *memStore) Entries(_ context.Context, key string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(key), nil
}

func (s *memStore) TopN(_ context.Context, key string, offset, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.sorted(key)
	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]
	if limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *memStore) Rank(_ context.Context, key, member string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, entry := range s.sorted(key) {
		if entry.Member == member {
			return int64(i), true, nil
		}
	}
	return 0, false, nil
}

func (s *memStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttls[key] = ttl
	return nil
}

func (s *memStore) IncrementCounter(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] += delta
	return s.counters[key], nil
}

func (s *memStore) SetField(_ context.Context, key, field string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hashes[key] == nil {
		s.hashes[key] = make(map[string]float64)
	}
	s.hashes[key][field] = value
	return nil
}

func (s *memStore) Fields(_ context.Context, key string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields := make(map[string]float64, len(s.hashes[key]))
	for field, value := range s.hashes[key] {
		fields[field] = value
	}
	return fields, nil
}

func (s *memStore) sorted(key string) []Entry {
	members := s.sets[key]
	entries := make([]Entry, 0, len(members))
	for member, score := range members {
		entries = append(entries, Entry{Member: member, Score: score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Member < entries[j].Member
	})
	return entries
}

func (s *memStore) score(key, member string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets[key][member]
}
