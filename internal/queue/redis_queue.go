// Package queue keeps workflow run ids in Redis: ready lists per priority, a
// scheduled sorted set for delayed retries and an in-flight set holding lease
// deadlines.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPriority = "default"

// Options tunes key names and lease length. Zero values fall back to defaults.
type Options struct {
	Priorities []string
	Visibility time.Duration
	DLQKey     string
	Prefix     string
}

// RedisQueue coordinates ready, in-flight, and scheduled run queues in Redis.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	metaPrefix     string
	readyPrefix    string
	visibilityTTL  time.Duration
	dlqKey         string
}

func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	priorities := opts.Priorities
	if len(priorities) == 0 {
		priorities = []string{defaultPriority}
	}
	visibility := opts.Visibility
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "workflow"
	}
	dlq := opts.DLQKey
	if dlq == "" {
		dlq = prefix + ":dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    prefix + ":inflight",
		scheduledKey:   prefix + ":scheduled",
		metaPrefix:     prefix + ":runmeta:",
		readyPrefix:    prefix + ":ready:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
	}
}

// Visibility is the lease length granted by DequeueWithLease.
func (q *RedisQueue) Visibility() time.Duration {
	return q.visibilityTTL
}

func (q *RedisQueue) readyKey(priority string) string {
	return q.readyPrefix + priority
}

func (q *RedisQueue) metaKey(runID string) string {
	return q.metaPrefix + runID
}

// knownPriority maps unknown priorities onto the default lane so nothing is
// pushed to a list the dequeue script never reads.
func (q *RedisQueue) knownPriority(priority string) string {
	for _, p := range q.priorityQueues {
		if p == priority {
			return p
		}
	}
	for _, p := range q.priorityQueues {
		if p == defaultPriority {
			return p
		}
	}
	return q.priorityQueues[len(q.priorityQueues)/2]
}

// Enqueue inserts a run into either the scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, runID string, priority string, runAt time.Time) error {
	priority = q.knownPriority(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(runID), "priority", priority)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: runID})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), runID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue run %s: %w", runID, err)
	}
	return nil
}

// Schedule moves a run into the scheduled set for deferred execution.
func (q *RedisQueue) Schedule(ctx context.Context, runID string, priority string, runAt time.Time) error {
	priority = q.knownPriority(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(runID), "priority", priority)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: runID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule run %s: %w", runID, err)
	}
	return nil
}

func (q *RedisQueue) priorityOf(ctx context.Context, runID string) string {
	priority, err := q.client.HGet(ctx, q.metaKey(runID), "priority").Result()
	if err != nil || priority == "" {
		return q.knownPriority(defaultPriority)
	}
	return q.knownPriority(priority)
}

// PromoteScheduled moves due scheduled runs into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read scheduled runs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("promote scheduled runs: %w", err)
	}
	return len(ids), nil
}

// DequeueWithLease pops a run from ready queues (priority order) and places it
// into inflight with a visibility timeout. It returns "" when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	runID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return runID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight run.
func (q *RedisQueue) ExtendLease(ctx context.Context, runID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: runID,
	}).Err()
}

// Ack removes a run from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, runID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, runID)
	pipe.Del(ctx, q.metaKey(runID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read expired leases: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("requeue expired leases: %w", err)
	}
	return ids, nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, runID string) error {
	return q.client.RPush(ctx, q.dlqKey, runID).Err()
}

// DLQPeek reads the oldest dead-lettered run IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	if count <= 0 {
		count = 50
	}
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local run = redis.call('LPOP', KEYS[i])
  if run then
    redis.call('ZADD', inflight, ARGV[1], run)
    return run
  end
end
return nil
`)
