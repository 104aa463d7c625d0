package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements the Queue interface using Redis.
//
// Key layout:
//
//	<prefix>tasks                => SET of all task IDs (for Len)
//	<prefix>task:<id>            => HASH {queue, payload, not_before, attempts, owner}
//	<prefix>ready:<queue>        => ZSET of task IDs scored by not_before (ms)
//	<prefix>leased:<queue>       => ZSET of task IDs scored by lease expiry (ms)
//
// State transitions run in Lua scripts so claims are atomic.
type RedisQueue struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "signalflow:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "signalflow:"
	}
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		pollInterval: 50 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

var (
	// KEYS: ready, leased. ARGV: now ms, lease expiry ms, owner, task key prefix.
	// Expired leases go back to ready first. Returns {id, payload, not_before, attempts} or false.
	redisDequeueLua = redis.NewScript(`
local ready = KEYS[1]
local leased = KEYS[2]
local now = tonumber(ARGV[1])

local expired = redis.call('ZRANGEBYSCORE', leased, '-inf', now)
for _, id in ipairs(expired) do
	redis.call('ZREM', leased, id)
	local nb = redis.call('HGET', ARGV[4] .. id, 'not_before')
	if nb then
		redis.call('HSET', ARGV[4] .. id, 'owner', '')
		redis.call('ZADD', ready, tonumber(nb), id)
	end
end

local ids = redis.call('ZRANGEBYSCORE', ready, '-inf', now, 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', ready, id)
redis.call('ZADD', leased, tonumber(ARGV[2]), id)
redis.call('HSET', ARGV[4] .. id, 'owner', ARGV[3])
local fields = redis.call('HMGET', ARGV[4] .. id, 'payload', 'not_before', 'attempts')
return {id, fields[1], fields[2], fields[3]}
`)

	// KEYS: task, tasks, ready. ARGV: id, queue, payload, not_before ms, attempts.
	// A task hash that already exists is left alone. Returns 1 when added.
	redisEnqueueLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'queue', ARGV[2], 'payload', ARGV[3], 'not_before', ARGV[4], 'attempts', ARGV[5], 'owner', '')
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], tonumber(ARGV[4]), ARGV[1])
return 1
`)

	// KEYS: task, tasks. ARGV: owner, leased key prefix, id.
	redisAckLua = redis.NewScript(`
local queue = redis.call('HGET', KEYS[1], 'queue')
if not queue then
	return 0
end
if redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then
	return 0
end
redis.call('ZREM', ARGV[2] .. queue, ARGV[3])
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[3])
return 1
`)

	// KEYS: task. ARGV: owner, leased prefix, ready prefix, id, not_before ms, attempts.
	redisNackLua = redis.NewScript(`
local queue = redis.call('HGET', KEYS[1], 'queue')
if not queue then
	return 0
end
if redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then
	return 0
end
redis.call('ZREM', ARGV[2] .. queue, ARGV[4])
redis.call('HSET', KEYS[1], 'owner', '', 'not_before', ARGV[5], 'attempts', ARGV[6])
redis.call('ZADD', ARGV[3] .. queue, tonumber(ARGV[5]), ARGV[4])
return 1
`)

	// KEYS: task. ARGV: owner, leased prefix, id, expiry ms.
	redisRenewLua = redis.NewScript(`
local queue = redis.call('HGET', KEYS[1], 'queue')
if not queue then
	return 0
end
if redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then
	return 0
end
redis.call('ZADD', ARGV[2] .. queue, 'XX', tonumber(ARGV[4]), ARGV[3])
return 1
`)
)

func (q *RedisQueue) keyTasks() string             { return q.prefix + "tasks" }
func (q *RedisQueue) keyTaskPrefix() string        { return q.prefix + "task:" }
func (q *RedisQueue) keyTask(id string) string     { return q.keyTaskPrefix() + id }
func (q *RedisQueue) keyReadyPrefix() string       { return q.prefix + "ready:" }
func (q *RedisQueue) keyLeasedPrefix() string      { return q.prefix + "leased:" }
func (q *RedisQueue) keyReady(name string) string  { return q.keyReadyPrefix() + name }
func (q *RedisQueue) keyLeased(name string) string { return q.keyLeasedPrefix() + name }

// Enqueue stores the task hash and makes it ready at NotBefore unless a
// task with the same ID already exists.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if err := prepare(&t, time.Now()); err != nil {
		return err
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	return redisEnqueueLua.Run(ctx, q.client,
		[]string{q.keyTask(t.ID), q.keyTasks(), q.keyReady(t.Queue)},
		t.ID, t.Queue, data, t.NotBefore.UnixMilli(), t.Attempts,
	).Err()
}

// Dequeue polls the ready set until a task is claimed or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context, queue, owner string, leaseTTL time.Duration) (*Task, error) {
	if err := validateTTL(leaseTTL); err != nil {
		return nil, err
	}
	tmr := pollTimer()
	defer tmr.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := time.Now()
		res, err := redisDequeueLua.Run(ctx, q.client,
			[]string{q.keyReady(queue), q.keyLeased(queue)},
			now.UnixMilli(), now.Add(leaseTTL).UnixMilli(), owner, q.keyTaskPrefix(),
		).Slice()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				tmr.Reset(q.pollInterval)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-tmr.C:
				}
				continue
			}
			return nil, err
		}
		if len(res) != 4 {
			return nil, fmt.Errorf("redis queue: unexpected dequeue result %#v", res)
		}

		payload, _ := res[1].(string)
		task, err := DecodeTask([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode task %v failed: %w", res[0], err)
		}
		if ms, err := parseRedisInt(res[2]); err == nil {
			task.NotBefore = time.UnixMilli(ms)
		}
		if n, err := parseRedisInt(res[3]); err == nil {
			task.Attempts = int(n)
		}
		return task, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, taskID, owner string) error {
	n, err := redisAckLua.Run(ctx, q.client,
		[]string{q.keyTask(taskID), q.keyTasks()},
		owner, q.keyLeasedPrefix(), taskID,
	).Int()
	return redisLeaseResult(n, err)
}

func (q *RedisQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	n, err := redisNackLua.Run(ctx, q.client,
		[]string{q.keyTask(taskID)},
		owner, q.keyLeasedPrefix(), q.keyReadyPrefix(), taskID, notBefore.UnixMilli(), attempts,
	).Int()
	return redisLeaseResult(n, err)
}

func (q *RedisQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	if err := validateTTL(leaseTTL); err != nil {
		return err
	}
	n, err := redisRenewLua.Run(ctx, q.client,
		[]string{q.keyTask(taskID)},
		owner, q.keyLeasedPrefix(), taskID, time.Now().Add(leaseTTL).UnixMilli(),
	).Int()
	return redisLeaseResult(n, err)
}

// Len returns the approximate number of tasks queued (SCARD).
func (q *RedisQueue) Len() int {
	n, err := q.client.SCard(context.Background(), q.keyTasks()).Result()
	if err != nil {
		// For a Len() helper, it's better to log and return 0 than panic.
		slog.Warn("RedisQueue: Len failed", "error", err)
		return 0
	}
	return int(n)
}

func redisLeaseResult(n int, err error) error {
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrNotLeased
	}
	return nil
}

func parseRedisInt(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected redis value %T", v)
	}
}
