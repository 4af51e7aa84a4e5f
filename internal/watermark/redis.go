package watermark

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists watermarks as sorted sets: members are idempotency ids,
// scores are offsets. ZADD GT makes the upsert monotonic on the server side
// too, so concurrent consumer instances can never move a watermark backwards.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps a Redis client as a DurableStore
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Load reads every member of the partition's sorted set
func (r *RedisStore) Load(ctx context.Context, key string) (map[string]int64, error) {
	zs, err := r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read sorted set %s: %w", key, err)
	}

	entries := make(map[string]int64, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		entries[member] = int64(z.Score)
	}
	return entries, nil
}

// Upsert writes id→offset, keeping the existing score when it is greater
func (r *RedisStore) Upsert(ctx context.Context, key, id string, offset int64) error {
	err := r.client.ZAddGT(ctx, key, redis.Z{Score: float64(offset), Member: id}).Err()
	if err != nil {
		return fmt.Errorf("failed to upsert watermark %s/%s: %w", key, id, err)
	}
	return nil
}

// RemoveBelow deletes members with scores ≤ bound
func (r *RedisStore) RemoveBelow(ctx context.Context, key string, bound int64) error {
	err := r.client.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(bound, 10)).Err()
	if err != nil {
		return fmt.Errorf("failed to prune sorted set %s: %w", key, err)
	}
	return nil
}
