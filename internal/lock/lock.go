// Package lock provides the per-instance mutual exclusion used by the
// workflow runtime. Locks are advisory; the store's version check remains the
// source of truth.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotAcquired is returned when the lock is held by someone else.
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker acquires non-blocking leases on keys.
type Locker interface {
	// Acquire takes the lock for key, held until Release or ttl elapses.
	// Returns ErrNotAcquired if another holder has it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// InstanceKey builds the lock key of a workflow instance.
func InstanceKey(tenantID, instanceID string) string {
	return "loom:lock:" + tenantID + ":" + instanceID
}

// --- Nop ---

// Nop is a Locker that always succeeds. Concurrency is then guarded only by
// the store's optimistic version check.
type Nop struct{}

// Acquire implements Locker.
func (Nop) Acquire(context.Context, string, time.Duration) (Lease, error) {
	return nopLease{}, nil
}

type nopLease struct{}

func (nopLease) Release(context.Context) error { return nil }

// --- Memory ---

// Memory is an in-process Locker with TTL support. Suitable for testing and
// single-instance deployments.
type Memory struct {
	mu   sync.Mutex
	held map[string]memHold
	now  func() time.Time
}

type memHold struct {
	token     string
	expiresAt time.Time
}

// NewMemory creates a new in-memory Locker.
func NewMemory() *Memory {
	return &Memory{
		held: make(map[string]memHold),
		now:  time.Now,
	}
}

// Acquire implements Locker.
func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if h, ok := m.held[key]; ok && now.Before(h.expiresAt) {
		return nil, ErrNotAcquired
	}
	token := uuid.NewString()
	m.held[key] = memHold{token: token, expiresAt: now.Add(ttl)}
	return &memLease{locker: m, key: key, token: token}, nil
}

// Len returns the number of held or expired-but-unreleased locks. For testing.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

type memLease struct {
	locker *Memory
	key    string
	token  string
}

func (l *memLease) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	// A lease that expired and was taken over must not release the new holder.
	if h, ok := l.locker.held[l.key]; ok && h.token == l.token {
		delete(l.locker.held, l.key)
	}
	return nil
}
