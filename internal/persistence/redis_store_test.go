package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/signalflow/internal/testutil"
)

// newTestRedisStore connects to the shared Redis container and returns a
// store under a test-specific prefix. Keys under that prefix are removed
// when the test ends.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: testutil.GetRedisAddress(t)})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}

	prefix := "signalflow:test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			_ = client.Del(ctx, iter.Val()).Err()
		}
		_ = client.Close()
	})

	return NewRedisStore(client, prefix)
}

func TestRedisStore_InstanceContract(t *testing.T) {
	testInstanceStore(t, newTestRedisStore(t))
}

func TestRedisStore_EventContract(t *testing.T) {
	testEventStore(t, newTestRedisStore(t))
}

func TestRedisStore_ReleaseByOtherOwnerKeepsLease(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	exec := newExecutionFixture("redis-release")
	if err := store.SaveInstance(ctx, exec); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}
	if acq, err := store.TryAcquireLease(ctx, exec.ID, "owner1", time.Second); err != nil || !acq {
		t.Fatalf("TryAcquireLease: acq=%v err=%v", acq, err)
	}
	if err := store.ReleaseLease(ctx, exec.ID, "owner2"); err != nil {
		t.Fatalf("ReleaseLease by other owner: %v", err)
	}
	if err := store.RenewLease(ctx, exec.ID, "owner1", time.Second); err != nil {
		t.Fatalf("owner1 lost its lease: %v", err)
	}
}
