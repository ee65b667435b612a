package ranking

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/rueidis"
)

// RedisStore implements Store on a Redis sorted set via rueidis.
type RedisStore struct {
	client rueidis.Client
}

// NewRedisStore wraps an existing rueidis client.
func NewRedisStore(client rueidis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) IncrementScore(ctx context.Context, key, member string, delta float64) error {
	cmd := s.client.B().Zincrby().Key(key).Increment(delta).Member(member).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("zincrby %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) AddIfAbsent(ctx context.Context, key, member string, score float64) error {
	cmd := s.client.B().Zadd().Key(key).Nx().ScoreMember().ScoreMember(score, member).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("zadd nx %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Entries(ctx context.Context, key string) ([]Entry, error) {
	cmd := s.client.B().Zrange().Key(key).Min("0").Max("-1").Rev().Withscores().Build()
	scores, err := s.client.Do(ctx, cmd).AsZScores()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("zrange %s: %w", key, err)
	}
	return toEntries(scores), nil
}

func (s *RedisStore) TopN(ctx context.Context, key string, offset, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	start := strconv.Itoa(offset)
	stop := strconv.Itoa(offset + limit - 1)
	cmd := s.client.B().Zrange().Key(key).Min(start).Max(stop).Rev().Withscores().Build()
	scores, err := s.client.Do(ctx, cmd).AsZScores()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("zrange %s: %w", key, err)
	}
	return toEntries(scores), nil
}

func (s *RedisStore) Rank(ctx context.Context, key, member string) (int64, bool, error) {
	cmd := s.client.B().Zrevrank().Key(key).Member(member).Build()
	rank, err := s.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("zrevrank %s: %w", key, err)
	}
	return rank, true, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	cmd := s.client.B().Expire().Key(key).Seconds(int64(ttl.Seconds())).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) IncrementCounter(ctx context.Context, key string, delta int64) (int64, error) {
	cmd := s.client.B().Incrby().Key(key).Increment(delta).Build()
	value, err := s.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("incrby %s: %w", key, err)
	}
	return value, nil
}

func (s *RedisStore) SetField(ctx context.Context, key, field string, value float64) error {
	cmd := s.client.B().Hset().Key(key).FieldValue().
		FieldValue(field, strconv.FormatFloat(value, 'f', -1, 64)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Fields(ctx context.Context, key string) (map[string]float64, error) {
	cmd := s.client.B().Hgetall().Key(key).Build()
	raw, err := s.client.Do(ctx, cmd).AsStrMap()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return map[string]float64{}, nil
		}
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	fields := make(map[string]float64, len(raw))
	for field, value := range raw {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("parse field %s of %s: %w", field, key, err)
		}
		fields[field] = parsed
	}
	return fields, nil
}

func toEntries(scores []rueidis.ZScore) []Entry {
	entries := make([]Entry, len(scores))
	for i, z := range scores {
		entries[i] = Entry{Member: z.Member, Score: z.Score}
	}
	return entries
}
