package locks

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/deskwire/deskwire/pkg/metrics"
)

// DefaultTTL bounds locks acquired without an explicit TTL.
const DefaultTTL = 30 * time.Second

// ConversationResource names the critical section guarding assignment of a
// single conversation.
func ConversationResource(tenantID, conversationID string) string {
	return fmt.Sprintf("tenant:%s:conversation:%s", tenantID, conversationID)
}

// Options controls a single Acquire call.
type Options struct {
	// TTL is the lease duration; DefaultTTL applies when zero.
	TTL time.Duration
	// Retry re-attempts a denied acquire up to MaxRetries times, doubling
	// RetryDelay between attempts.
	Retry      bool
	MaxRetries int
	RetryDelay time.Duration
	// Queue parks the caller until the lock frees instead of failing fast.
	// Waiting is bounded by the context deadline.
	Queue bool
}

func (o Options) ttl() time.Duration {
	if o.TTL <= 0 {
		return DefaultTTL
	}
	return o.TTL
}

// Grant describes a held lock.
type Grant struct {
	Resource   string
	Holder     string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Info describes the current holder of a resource.
type Info struct {
	Holder       string
	AcquiredAt   time.Time
	RemainingTTL time.Duration
}

// Stats exposes lock manager counters for observability.
type Stats struct {
	Acquires      uint64 `json:"acquires"`
	Releases      uint64 `json:"releases"`
	Conflicts     uint64 `json:"conflicts"`
	Expirations   uint64 `json:"expirations"`
	QueuedWaiters uint64 `json:"queued_waiters"`
}

type counters struct {
	acquires    atomic.Uint64
	releases    atomic.Uint64
	conflicts   atomic.Uint64
	expirations atomic.Uint64
	waiters     atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Acquires:      c.acquires.Load(),
		Releases:      c.releases.Load(),
		Conflicts:     c.conflicts.Load(),
		Expirations:   c.expirations.Load(),
		QueuedWaiters: c.waiters.Load(),
	}
}

var (
	// ErrNotHeld reports a release/extend against an absent or expired lock.
	ErrNotHeld = errors.New("locks: resource is not locked")
	// ErrInvalidToken reports a token that does not match the current holder.
	ErrInvalidToken = errors.New("locks: token does not match current holder")
)

// ConflictError reports a denied acquire and names the current holder so
// accept-race losers can surface the winner.
type ConflictError struct {
	Resource string
	Holder   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("locks: %s is held by %s", e.Resource, e.Holder)
}

// Manager is the distributed mutual-exclusion primitive. The memory backend
// is for single-node development and tests; multi-node deployments must use
// the Redis backend, which holds the same contract across processes.
type Manager interface {
	// Acquire takes the named lock. A holder re-acquiring its own live lock
	// gets the TTL refreshed and the existing token back.
	Acquire(ctx context.Context, resource, holder string, opts Options) (Grant, error)
	// Release deletes the lock iff the token matches; a second release
	// reports ErrNotHeld.
	Release(ctx context.Context, resource, token string) error
	// Extend pushes out the expiry of a held lock.
	Extend(ctx context.Context, resource, token string, ttl time.Duration) error
	IsLocked(ctx context.Context, resource string) (bool, error)
	// Info returns holder details, reporting false when the resource is free.
	Info(ctx context.Context, resource string) (Info, bool, error)
	Stats() Stats
}

// WithLock runs fn while holding the resource, releasing on every exit path.
func WithLock(ctx context.Context, m Manager, resource, holder string, opts Options, fn func(ctx context.Context) error) error {
	grant, err := m.Acquire(ctx, resource, holder, opts)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = m.Release(releaseCtx, resource, grant.Token)
	}()

	return fn(ctx)
}

// acquireLoop implements retry-with-doubling-backoff and queued waiting on
// top of a backend's single attempt. The attempt callback returns a waiter
// channel when the backend supports queueing; the channel fires when the
// lock may be free again.
func acquireLoop(ctx context.Context, resource string, opts Options, c *counters,
	attempt func() (Grant, *ConflictError, <-chan struct{}, error)) (Grant, error) {

	delay := opts.RetryDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}

	retries := 0
	for {
		grant, conflict, waiter, err := attempt()
		if err != nil {
			return Grant{}, err
		}
		if conflict == nil {
			c.acquires.Add(1)
			metrics.LockOperations.WithLabelValues("acquire", "ok").Inc()
			return grant, nil
		}

		c.conflicts.Add(1)
		metrics.LockOperations.WithLabelValues("acquire", "conflict").Inc()

		switch {
		case opts.Queue && waiter != nil:
			c.waiters.Add(1)
			select {
			case <-waiter:
			case <-ctx.Done():
				return Grant{}, ctx.Err()
			}
		case opts.Retry && retries < opts.MaxRetries:
			retries++
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Grant{}, ctx.Err()
			}
			delay *= 2
		default:
			return Grant{}, conflict
		}
	}
}
