package ranking

import (
	"context"
	"fmt"
)

// RankedProduct is one leaderboard row.
type RankedProduct struct {
	ProductID string  `json:"productId"`
	Score     float64 `json:"score"`
}

// Query is the read side over the ranking buckets. Both operations are
// tolerant of absent buckets: they return empty results, never errors.
type Query struct {
	store Store
}

// NewQuery creates the read-side service.
func NewQuery(store Store) *Query {
	return &Query{store: store}
}

// TopN returns a page of products by descending score.
func (q *Query) TopN(ctx context.Context, bucketKey string, offset, limit int) ([]RankedProduct, error) {
	entries, err := q.store.TopN(ctx, bucketKey, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read leaderboard page: %w", err)
	}
	products := make([]RankedProduct, len(entries))
	for i, entry := range entries {
		products[i] = RankedProduct{
			ProductID: ProductIDOf(entry.Member),
			Score:     entry.Score,
		}
	}
	return products, nil
}

// RankOf returns the product's one-based rank, or nil when the product is
// not ranked in the bucket (or the bucket does not exist).
func (q *Query) RankOf(ctx context.Context, bucketKey, productID string) (*int64, error) {
	rank, found, err := q.store.Rank(ctx, bucketKey, MemberFor(productID))
	if err != nil {
		return nil, fmt.Errorf("failed to read rank: %w", err)
	}
	if !found {
		return nil, nil
	}
	rank++
	return &rank, nil
}
