package locks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskwire/deskwire/pkg/metrics"
)

type memoryLock struct {
	holder     string
	token      string
	acquiredAt time.Time
	expiresAt  time.Time
	timer      *time.Timer
}

// MemoryManager is the in-process lock backend. Expiry runs on a
// per-resource timer. Development and single-node tests only; it provides
// no exclusion across processes.
type MemoryManager struct {
	mu      sync.Mutex
	locks   map[string]*memoryLock
	waiters map[string][]chan struct{}
	now     func() time.Time
	stats   counters
}

// NewMemoryManager constructs the in-process backend.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		locks:   make(map[string]*memoryLock),
		waiters: make(map[string][]chan struct{}),
		now:     time.Now,
	}
}

func (m *MemoryManager) grantLocked(resource string, lock *memoryLock) Grant {
	return Grant{
		Resource:   resource,
		Holder:     lock.holder,
		Token:      lock.token,
		AcquiredAt: lock.acquiredAt,
		ExpiresAt:  lock.expiresAt,
	}
}

// Acquire implements Manager.
func (m *MemoryManager) Acquire(ctx context.Context, resource, holder string, opts Options) (Grant, error) {
	return acquireLoop(ctx, resource, opts, &m.stats, func() (Grant, *ConflictError, <-chan struct{}, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		now := m.now()
		current := m.liveLockLocked(resource, now)

		if current == nil {
			token := uuid.NewString()
			lock := &memoryLock{
				holder:     holder,
				token:      token,
				acquiredAt: now,
				expiresAt:  now.Add(opts.ttl()),
			}
			lock.timer = time.AfterFunc(opts.ttl(), func() { m.expire(resource, token) })
			m.locks[resource] = lock
			return m.grantLocked(resource, lock), nil, nil, nil
		}

		if current.holder == holder {
			// Reentrant acquire refreshes the TTL and keeps the token.
			current.expiresAt = now.Add(opts.ttl())
			current.timer.Reset(opts.ttl())
			return m.grantLocked(resource, current), nil, nil, nil
		}

		var waiter chan struct{}
		if opts.Queue {
			waiter = make(chan struct{})
			m.waiters[resource] = append(m.waiters[resource], waiter)
		}
		return Grant{}, &ConflictError{Resource: resource, Holder: current.holder}, waiter, nil
	})
}

// Release implements Manager.
func (m *MemoryManager) Release(ctx context.Context, resource, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.liveLockLocked(resource, m.now())
	if current == nil {
		metrics.LockOperations.WithLabelValues("release", "not_held").Inc()
		return ErrNotHeld
	}
	if current.token != token {
		metrics.LockOperations.WithLabelValues("release", "invalid_token").Inc()
		return ErrInvalidToken
	}

	current.timer.Stop()
	delete(m.locks, resource)
	m.stats.releases.Add(1)
	metrics.LockOperations.WithLabelValues("release", "ok").Inc()
	m.wakeWaitersLocked(resource)
	return nil
}

// Extend implements Manager.
func (m *MemoryManager) Extend(ctx context.Context, resource, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.liveLockLocked(resource, m.now())
	if current == nil {
		return ErrNotHeld
	}
	if current.token != token {
		return ErrInvalidToken
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	current.expiresAt = m.now().Add(ttl)
	current.timer.Reset(ttl)
	metrics.LockOperations.WithLabelValues("extend", "ok").Inc()
	return nil
}

// IsLocked implements Manager.
func (m *MemoryManager) IsLocked(ctx context.Context, resource string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLockLocked(resource, m.now()) != nil, nil
}

// Info implements Manager.
func (m *MemoryManager) Info(ctx context.Context, resource string) (Info, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	current := m.liveLockLocked(resource, now)
	if current == nil {
		return Info{}, false, nil
	}
	return Info{
		Holder:       current.holder,
		AcquiredAt:   current.acquiredAt,
		RemainingTTL: current.expiresAt.Sub(now),
	}, true, nil
}

// Stats implements Manager.
func (m *MemoryManager) Stats() Stats { return m.stats.snapshot() }

// liveLockLocked drops an expired entry before reporting. An expired lock
// is indistinguishable from an absent one.
func (m *MemoryManager) liveLockLocked(resource string, now time.Time) *memoryLock {
	current, ok := m.locks[resource]
	if !ok {
		return nil
	}
	if !current.expiresAt.After(now) {
		current.timer.Stop()
		delete(m.locks, resource)
		m.stats.expirations.Add(1)
		m.wakeWaitersLocked(resource)
		return nil
	}
	return current
}

func (m *MemoryManager) expire(resource, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.locks[resource]
	if !ok || current.token != token {
		return
	}
	delete(m.locks, resource)
	m.stats.expirations.Add(1)
	metrics.LockOperations.WithLabelValues("acquire", "expired").Inc()
	m.wakeWaitersLocked(resource)
}

func (m *MemoryManager) wakeWaitersLocked(resource string) {
	for _, waiter := range m.waiters[resource] {
		close(waiter)
	}
	delete(m.waiters, resource)
}
