package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/signalflow/pkg/api"
)

// RedisStore is an InstanceStore and EventStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>exec:<id>              => gob-encoded redisExecutionPayload
//	<prefix>lease:<id>             => lease owner, expiring with the lease TTL
//	<prefix>idx:all                => SET of all execution IDs
//	<prefix>idx:type:<type>        => SET of execution IDs for a workflow type
//	<prefix>idx:status:<status>    => SET of execution IDs for a given status
//	<prefix>events:<runID>         => LIST of gob-encoded redisEventPayload
//	<prefix>seq:events             => counter used for event IDs
//
// The indexes are best-effort; ListInstances narrows with them and then
// filters on the decoded payload.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var (
	_ InstanceStore = (*RedisStore)(nil)
	_ EventStore    = (*RedisStore)(nil)
)

type redisExecutionPayload struct {
	ID              string
	RunID           string
	WorkflowType    string
	TaskQueue       string
	Status          string
	Phase           string
	Input           []byte
	Output          []byte
	Failure         []byte
	PendingSignal   string
	CancelRequested bool
	StartedAt       int64
	ClosedAt        int64
}

type redisEventPayload struct {
	ID          int64
	WorkflowID  string
	RunID       string
	At          int64
	Type        string
	ScheduledID int64
	Name        string
	Payload     []byte
	Failure     []byte
	Attempt     int
	Timeout     int64
	Detail      string
}

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "signalflow:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "signalflow:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisStore) keyExecution(id string) string {
	return r.prefix + "exec:" + id
}

func (r *RedisStore) keyLease(id string) string {
	return r.prefix + "lease:" + id
}

func (r *RedisStore) keyAll() string {
	return r.prefix + "idx:all"
}

func (r *RedisStore) keyType(name string) string {
	return r.prefix + "idx:type:" + name
}

func (r *RedisStore) keyStatus(status api.Status) string {
	return r.prefix + "idx:status:" + string(status)
}

func (r *RedisStore) keyEvents(runID string) string {
	return r.prefix + "events:" + runID
}

func (r *RedisStore) keyEventSeq() string {
	return r.prefix + "seq:events"
}

func (r *RedisStore) SaveInstance(ctx context.Context, exec *api.WorkflowExecution) error {
	data, err := encodeRedisExecution(exec)
	if err != nil {
		return err
	}

	ok, err := r.client.SetNX(ctx, r.keyExecution(exec.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrInstanceExists
	}

	r.index(ctx, exec)
	return nil
}

func (r *RedisStore) UpdateInstance(ctx context.Context, exec *api.WorkflowExecution) error {
	data, err := encodeRedisExecution(exec)
	if err != nil {
		return err
	}

	ok, err := r.client.SetXX(ctx, r.keyExecution(exec.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrInstanceNotFound
	}

	// Stale status entries may remain; ListInstances filters by payload.
	r.index(ctx, exec)
	return nil
}

func (r *RedisStore) index(ctx context.Context, exec *api.WorkflowExecution) {
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.keyAll(), exec.ID)
	pipe.SAdd(ctx, r.keyType(exec.WorkflowType), exec.ID)
	pipe.SAdd(ctx, r.keyStatus(exec.Status), exec.ID)
	_, _ = pipe.Exec(ctx)
}

func (r *RedisStore) GetInstance(ctx context.Context, id string) (*api.WorkflowExecution, error) {
	data, err := r.client.Get(ctx, r.keyExecution(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeRedisExecution(data)
}

func (r *RedisStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowExecution, error) {
	var ids []string
	var err error

	switch {
	case filter.WorkflowType != "" && filter.Status != "":
		ids, err = r.client.SInter(ctx,
			r.keyType(filter.WorkflowType),
			r.keyStatus(filter.Status),
		).Result()
	case filter.WorkflowType != "":
		ids, err = r.client.SMembers(ctx, r.keyType(filter.WorkflowType)).Result()
	case filter.Status != "":
		ids, err = r.client.SMembers(ctx, r.keyStatus(filter.Status)).Result()
	default:
		ids, err = r.client.SMembers(ctx, r.keyAll()).Result()
	}

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.WorkflowExecution{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.WorkflowExecution{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, r.keyExecution(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var executions []*api.WorkflowExecution
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		exec, err := decodeRedisExecution(data)
		if err != nil {
			return nil, err
		}
		if filter.Match(exec) {
			executions = append(executions, exec)
		}
	}
	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartedAt.Before(executions[j].StartedAt)
	})

	return executions, nil
}

var (
	// Lua script for acquiring a lease with re-entrant behavior for the same owner.
	// Returns 1 if acquired/refreshed, 0 otherwise.
	redisLeaseAcquireLua = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`)

	// Lua script for renewing a lease. Returns 1 if renewed, 0 otherwise.
	redisLeaseRenewLua = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`)

	// Lua script for releasing a lease. Returns 1 if released, 0 otherwise.
	redisLeaseReleaseLua = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]

local cur = redis.call('GET', key)
if cur == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`)
)

func (r *RedisStore) TryAcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	n, err := r.client.Exists(ctx, r.keyExecution(id)).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrInstanceNotFound
	}

	res, err := redisLeaseAcquireLua.Run(ctx, r.client, []string{r.keyLease(id)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (r *RedisStore) RenewLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	res, err := redisLeaseRenewLua.Run(ctx, r.client, []string{r.keyLease(id)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if res != 1 {
		return api.ErrLeaseNotHeld
	}
	return nil
}

// ReleaseLease is idempotent: a missing lease or one held by another owner
// is left untouched.
func (r *RedisStore) ReleaseLease(ctx context.Context, id, owner string) error {
	return redisLeaseReleaseLua.Run(ctx, r.client, []string{r.keyLease(id)}, owner).Err()
}

func (r *RedisStore) AppendEvent(ctx context.Context, ev api.HistoryEvent) (int64, error) {
	id, err := r.client.Incr(ctx, r.keyEventSeq()).Result()
	if err != nil {
		return 0, err
	}
	ev.ID = id
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	data, err := encodeRedisEvent(ev)
	if err != nil {
		return 0, err
	}
	if err := r.client.RPush(ctx, r.keyEvents(ev.RunID), data).Err(); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *RedisStore) ListEvents(ctx context.Context, runID string) ([]api.HistoryEvent, error) {
	items, err := r.client.LRange(ctx, r.keyEvents(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]api.HistoryEvent, 0, len(items))
	for _, item := range items {
		ev, err := decodeRedisEvent([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	// Concurrent appenders may push out of ID order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func encodeRedisExecution(exec *api.WorkflowExecution) ([]byte, error) {
	enc, err := encodeExecution(exec)
	if err != nil {
		return nil, err
	}
	payload := redisExecutionPayload{
		ID:              exec.ID,
		RunID:           exec.RunID,
		WorkflowType:    exec.WorkflowType,
		TaskQueue:       exec.TaskQueue,
		Status:          string(exec.Status),
		Phase:           exec.Phase,
		Input:           enc.Input,
		Output:          enc.Output,
		Failure:         enc.Failure,
		PendingSignal:   exec.PendingSignal,
		CancelRequested: exec.CancelRequested,
		StartedAt:       unixNano(exec.StartedAt),
		ClosedAt:        unixNano(exec.ClosedAt),
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRedisExecution(data []byte) (*api.WorkflowExecution, error) {
	if len(data) == 0 {
		return nil, ErrInstanceNotFound
	}
	var payload redisExecutionPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return nil, err
	}

	exec := &api.WorkflowExecution{
		ID:              payload.ID,
		RunID:           payload.RunID,
		WorkflowType:    payload.WorkflowType,
		TaskQueue:       payload.TaskQueue,
		Status:          api.Status(payload.Status),
		Phase:           payload.Phase,
		PendingSignal:   payload.PendingSignal,
		CancelRequested: payload.CancelRequested,
		StartedAt:       fromUnixNano(payload.StartedAt),
		ClosedAt:        fromUnixNano(payload.ClosedAt),
	}
	enc := encodedExecution{Input: payload.Input, Output: payload.Output, Failure: payload.Failure}
	if err := enc.decodeInto(exec); err != nil {
		return nil, err
	}
	return exec, nil
}

func encodeRedisEvent(ev api.HistoryEvent) ([]byte, error) {
	enc, err := encodeEvent(ev)
	if err != nil {
		return nil, err
	}
	payload := redisEventPayload{
		ID:          ev.ID,
		WorkflowID:  ev.WorkflowID,
		RunID:       ev.RunID,
		At:          ev.At.UnixNano(),
		Type:        string(ev.Type),
		ScheduledID: ev.ScheduledID,
		Name:        ev.Name,
		Payload:     enc.Payload,
		Failure:     enc.Failure,
		Attempt:     ev.Attempt,
		Timeout:     int64(ev.Timeout),
		Detail:      ev.Detail,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRedisEvent(data []byte) (api.HistoryEvent, error) {
	var payload redisEventPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return api.HistoryEvent{}, err
	}

	ev := api.HistoryEvent{
		ID:          payload.ID,
		WorkflowID:  payload.WorkflowID,
		RunID:       payload.RunID,
		At:          time.Unix(0, payload.At),
		Type:        api.EventType(payload.Type),
		ScheduledID: payload.ScheduledID,
		Name:        payload.Name,
		Attempt:     payload.Attempt,
		Timeout:     time.Duration(payload.Timeout),
		Detail:      payload.Detail,
	}
	enc := encodedEvent{Payload: payload.Payload, Failure: payload.Failure}
	if err := enc.decodeInto(&ev); err != nil {
		return api.HistoryEvent{}, err
	}
	return ev, nil
}
