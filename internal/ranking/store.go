// Package ranking maintains the time-bucketed product leaderboards: weighted
// score aggregation, cold-start carry-over and the read-side queries.
package ranking

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Entry is one member of a ranking bucket.
type Entry struct {
	Member string
	Score  float64
}

// Store is the sorted-set primitive behind the buckets. Increments are
// atomic against concurrent writers; no caller ever reads-modifies-writes a
// score.
type Store interface {
	// IncrementScore atomically adds delta to the member's score, creating
	// member and key as needed.
	IncrementScore(ctx context.Context, key, member string, delta float64) error
	// AddIfAbsent inserts the member with the given score only when it is
	// not already present. Existing scores are never overwritten.
	AddIfAbsent(ctx context.Context, key, member string, score float64) error
	// Entries returns every member with its score, highest first.
	Entries(ctx context.Context, key string) ([]Entry, error)
	// TopN returns a page of members by descending score. A missing key
	// yields an empty page.
	TopN(ctx context.Context, key string, offset, limit int) ([]Entry, error)
	// Rank returns the member's zero-based descending rank. found is false
	// when the member or the key does not exist.
	Rank(ctx context.Context, key, member string) (rank int64, found bool, err error)
	// Expire refreshes the key's time-to-live.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// IncrementCounter atomically adds delta to a plain counter key and
	// returns the new value.
	IncrementCounter(ctx context.Context, key string, delta int64) (int64, error)
	// SetField writes one field of a hash key.
	SetField(ctx context.Context, key, field string, value float64) error
	// Fields returns every field of a hash key with its value. A missing
	// key yields an empty map.
	Fields(ctx context.Context, key string) (map[string]float64, error)
}

const memberPrefix = "product:"

// BucketKey builds the bucket key for a scope and day: ranking:{scope}:{yyyyMMdd}.
func BucketKey(scope string, day time.Time) string {
	return fmt.Sprintf("ranking:%s:%s", scope, day.UTC().Format("20060102"))
}

// WeightsKey builds the hash key holding a scope's runtime weight overrides.
func WeightsKey(scope string) string {
	return "ranking:weights:" + scope
}

// MemberFor encodes a product id as a bucket member.
func MemberFor(productID string) string {
	return memberPrefix + productID
}

// ProductIDOf decodes a bucket member back to the product id.
func ProductIDOf(member string) string {
	return strings.TrimPrefix(member, memberPrefix)
}
