package queue

import (
	"context"
	"time"

	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/dsarq/internal/domain"
)

// RedisQ holds the hot dispatch order, one sorted set per region so one
// region's backlog never delays another's. Postgres stays authoritative;
// members here are job ids only and are re-derived by the reconcile pass
// if Redis loses them.
type RedisQ struct{ rdb *r.Client }

func New(rdb *r.Client) *RedisQ { return &RedisQ{rdb} }

func readyKey(region string) string { return "dsar:ready:" + region }

// prioritySpan keeps priority dominant over the createdAt-millis tiebreak.
// Unix millis stay below 1e13 until the year 2286, well inside float64's
// 53-bit integer range for priorities 0-9.
const prioritySpan = 1e13

func score(priority int, createdAt time.Time) float64 {
	return float64(priority)*prioritySpan + float64(createdAt.UnixMilli())
}

// Enqueue makes a due job visible to workers. NX keeps the reconcile
// pass idempotent and preserves the original ordinal on re-adds.
func (q *RedisQ) Enqueue(ctx context.Context, region string, ref domain.DispatchRef) error {
	return q.rdb.ZAddNX(ctx, readyKey(region), r.Z{
		Score:  score(ref.Priority, ref.CreatedAt),
		Member: ref.ID,
	}).Err()
}

// Pop removes and returns the highest-priority due job id for a region,
// with its score so a rate-limited job can be pushed back unchanged.
// Returns ("", 0, nil) when the region's queue is empty.
func (q *RedisQ) Pop(ctx context.Context, region string) (string, float64, error) {
	zs, err := q.rdb.ZPopMin(ctx, readyKey(region), 1).Result()
	if err != nil || len(zs) == 0 {
		return "", 0, err
	}
	id, _ := zs[0].Member.(string)
	return id, zs[0].Score, nil
}

// Requeue returns a popped member, keeping its original ordinal.
func (q *RedisQ) Requeue(ctx context.Context, region, id string, ordinal float64) error {
	return q.rdb.ZAdd(ctx, readyKey(region), r.Z{Score: ordinal, Member: id}).Err()
}

// Remove drops a cancelled job from the dispatch order.
func (q *RedisQ) Remove(ctx context.Context, region, id string) error {
	return q.rdb.ZRem(ctx, readyKey(region), id).Err()
}

func (q *RedisQ) Depth(ctx context.Context, region string) (int64, error) {
	return q.rdb.ZCard(ctx, readyKey(region)).Result()
}
