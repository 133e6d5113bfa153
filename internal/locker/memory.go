package locker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryLease struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is an in-process Locker used by tests and single-node
// deployments. Leases expire lazily on the next acquire attempt.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

// NewMemoryLockerAt uses the supplied time source, so tests can expire
// leases deterministically.
func NewMemoryLockerAt(now func() time.Time) *MemoryLocker {
	l := NewMemoryLocker()
	if now != nil {
		l.now = now
	}
	return l
}

func (l *MemoryLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if lease, held := l.leases[key]; held && lease.expiresAt.After(now) {
		return "", false, nil
	}

	token := uuid.NewString()
	l.leases[key] = memoryLease{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, key, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if lease, held := l.leases[key]; held && lease.token == token {
		delete(l.leases, key)
	}
	return nil
}

// Reset drops every lease. Used between test cases.
func (l *MemoryLocker) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leases = make(map[string]memoryLease)
}

// Held reports whether key currently has an unexpired lease.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lease, held := l.leases[key]
	return held && lease.expiresAt.After(l.now())
}
