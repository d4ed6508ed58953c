package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DispatchQueueKey is the Redis sorted set holding queued delivery IDs,
// scored by the time they become ready for dispatch.
const DispatchQueueKey = "webhook:dispatch"

// Enqueuer submits a delivery for dispatch at or after readyAt. Fan-out
// and the retry scheduler both write through this interface so the core
// logic can be tested against an in-memory fake.
type Enqueuer interface {
	Enqueue(ctx context.Context, deliveryID string, readyAt time.Time) error
}

// RedisQueue is the Redis-backed dispatch queue. Members are delivery IDs,
// so a double enqueue of the same delivery collapses into one entry.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Enqueue(ctx context.Context, deliveryID string, readyAt time.Time) error {
	err := q.client.ZAdd(ctx, DispatchQueueKey, redis.Z{
		Score:  float64(readyAt.UnixMicro()),
		Member: deliveryID,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueueing delivery %s: %w", deliveryID, err)
	}
	return nil
}

// Claim removes and returns up to batch delivery IDs that are ready as of
// now. A ZRem that removes zero members means another instance claimed the
// job first; such IDs are skipped.
func (q *RedisQueue) Claim(ctx context.Context, now time.Time, batch int64) ([]string, error) {
	results, err := q.client.ZRangeByScoreWithScores(ctx, DispatchQueueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(float64(now.UnixMicro()), 'f', -1, 64),
		Count: batch,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("polling dispatch queue: %w", err)
	}

	var ids []string
	for _, z := range results {
		member := z.Member.(string)

		removed, err := q.client.ZRem(ctx, DispatchQueueKey, member).Result()
		if err != nil {
			return ids, fmt.Errorf("claiming delivery %s: %w", member, err)
		}
		if removed == 0 {
			continue
		}
		ids = append(ids, member)
	}
	return ids, nil
}

// Depth returns the number of queued deliveries, ready or not.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, DispatchQueueKey).Result()
}
