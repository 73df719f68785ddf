package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// --- Memory ---

func TestMemory_AcquireExclusive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if _, err := m.Acquire(ctx, "k", time.Minute); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("second Acquire error = %v, want ErrNotAcquired", err)
	}
	if _, err := m.Acquire(ctx, "other", time.Minute); err != nil {
		t.Fatalf("Acquire on other key error: %v", err)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if _, err := m.Acquire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("Acquire after release error: %v", err)
	}
}

func TestMemory_ExpiredLeaseCanBeTaken(t *testing.T) {
	m := NewMemory()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}

	now = now.Add(2 * time.Second)
	if _, err := m.Acquire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("Acquire after expiry error: %v", err)
	}

	// Releasing the stale lease must not free the new holder.
	_ = stale.Release(ctx)
	if _, err := m.Acquire(ctx, "k", time.Minute); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("Acquire after stale release error = %v, want ErrNotAcquired", err)
	}
}

func TestNop_AlwaysAcquires(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		lease, err := Nop{}.Acquire(ctx, "k", time.Second)
		if err != nil {
			t.Fatalf("Acquire error: %v", err)
		}
		_ = lease.Release(ctx)
	}
}

func TestInstanceKey(t *testing.T) {
	if got := InstanceKey("t1", "i1"); got != "loom:lock:t1:i1" {
		t.Errorf("InstanceKey = %q", got)
	}
}

// --- Redis ---

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	return mr, client
}

func TestRedis_AcquireRelease(t *testing.T) {
	mr, client := newTestRedis(t)
	r := NewRedis(client)
	ctx := context.Background()

	lease, err := r.Acquire(ctx, "loom:lock:t:i", 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if !mr.Exists("loom:lock:t:i") {
		t.Fatal("lock key not set")
	}
	if _, err := r.Acquire(ctx, "loom:lock:t:i", 10*time.Second); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("second Acquire error = %v, want ErrNotAcquired", err)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if mr.Exists("loom:lock:t:i") {
		t.Error("lock key still present after release")
	}
}

func TestRedis_TTLExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	r := NewRedis(client)
	ctx := context.Background()

	stale, err := r.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}

	// Fast-forward miniredis time past TTL.
	mr.FastForward(2 * time.Second)

	if _, err := r.Acquire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("Acquire after expiry error: %v", err)
	}
	if err := stale.Release(ctx); err != nil {
		t.Fatalf("stale Release error: %v", err)
	}
	if !mr.Exists("k") {
		t.Error("stale release removed the new holder's key")
	}
}
