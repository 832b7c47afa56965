package locks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/deskwire/deskwire/pkg/metrics"
)

const redisLockPrefix = "deskwire:lock:"

// queuePollInterval paces queued waiters against the shared KV, which has
// no cross-process wakeup channel.
const queuePollInterval = 100 * time.Millisecond

// Lua scripts make release/extend compare-and-act atomic. The stored value
// is "token|holder|acquiredAtMillis"; scripts match on the token prefix.
const (
	releaseScript = `local v = redis.call("GET", KEYS[1])
if not v then return -1 end
if string.sub(v, 1, string.len(ARGV[1])) ~= ARGV[1] then return 0 end
redis.call("DEL", KEYS[1])
return 1`

	extendScript = `local v = redis.call("GET", KEYS[1])
if not v then return -1 end
if string.sub(v, 1, string.len(ARGV[1])) ~= ARGV[1] then return 0 end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1`
)

// RedisManager implements Manager on a shared Redis, giving correct mutual
// exclusion across processes. Required for multi-node deployments.
type RedisManager struct {
	client *redis.Client
	now    func() time.Time
	stats  counters
}

// NewRedisManager constructs the shared-KV backend. The connection is
// verified eagerly so misconfiguration surfaces at start-up.
func NewRedisManager(ctx context.Context, client *redis.Client) (*RedisManager, error) {
	if client == nil {
		return nil, errors.New("locks: redis client is required")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("locks: redis ping: %w", err)
	}
	return &RedisManager{client: client, now: time.Now}, nil
}

// Acquire implements Manager.
func (m *RedisManager) Acquire(ctx context.Context, resource, holder string, opts Options) (Grant, error) {
	key := redisLockPrefix + resource

	return acquireLoop(ctx, resource, opts, &m.stats, func() (Grant, *ConflictError, <-chan struct{}, error) {
		now := m.now()
		token := uuid.NewString()
		value := encodeLockValue(token, holder, now)

		ok, err := m.client.SetNX(ctx, key, value, opts.ttl()).Result()
		if err != nil {
			return Grant{}, nil, nil, fmt.Errorf("locks: setnx: %w", err)
		}
		if ok {
			return Grant{
				Resource:   resource,
				Holder:     holder,
				Token:      token,
				AcquiredAt: now,
				ExpiresAt:  now.Add(opts.ttl()),
			}, nil, nil, nil
		}

		current, err := m.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			// Lock expired between SETNX and GET; next attempt wins.
			return Grant{}, &ConflictError{Resource: resource}, m.pollWaiter(), nil
		}
		if err != nil {
			return Grant{}, nil, nil, fmt.Errorf("locks: get: %w", err)
		}

		curToken, curHolder, acquiredAt := decodeLockValue(current)
		if curHolder == holder {
			// Reentrant acquire: refresh the TTL, keep the existing token.
			res, err := m.client.Eval(ctx, extendScript, []string{key}, curToken+"|", opts.ttl().Milliseconds()).Int64()
			if err != nil {
				return Grant{}, nil, nil, fmt.Errorf("locks: refresh: %w", err)
			}
			if res == 1 {
				return Grant{
					Resource:   resource,
					Holder:     holder,
					Token:      curToken,
					AcquiredAt: acquiredAt,
					ExpiresAt:  m.now().Add(opts.ttl()),
				}, nil, nil, nil
			}
			// Raced with expiry; retry the SETNX path.
			return Grant{}, &ConflictError{Resource: resource}, m.pollWaiter(), nil
		}

		var waiter <-chan struct{}
		if opts.Queue {
			waiter = m.pollWaiter()
		}
		return Grant{}, &ConflictError{Resource: resource, Holder: curHolder}, waiter, nil
	})
}

// Release implements Manager.
func (m *RedisManager) Release(ctx context.Context, resource, token string) error {
	res, err := m.client.Eval(ctx, releaseScript, []string{redisLockPrefix + resource}, token+"|").Int64()
	if err != nil {
		return fmt.Errorf("locks: release: %w", err)
	}
	switch res {
	case 1:
		m.stats.releases.Add(1)
		metrics.LockOperations.WithLabelValues("release", "ok").Inc()
		return nil
	case 0:
		metrics.LockOperations.WithLabelValues("release", "invalid_token").Inc()
		return ErrInvalidToken
	default:
		metrics.LockOperations.WithLabelValues("release", "not_held").Inc()
		return ErrNotHeld
	}
}

// Extend implements Manager.
func (m *RedisManager) Extend(ctx context.Context, resource, token string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	res, err := m.client.Eval(ctx, extendScript, []string{redisLockPrefix + resource}, token+"|", ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("locks: extend: %w", err)
	}
	switch res {
	case 1:
		metrics.LockOperations.WithLabelValues("extend", "ok").Inc()
		return nil
	case 0:
		return ErrInvalidToken
	default:
		return ErrNotHeld
	}
}

// IsLocked implements Manager.
func (m *RedisManager) IsLocked(ctx context.Context, resource string) (bool, error) {
	n, err := m.client.Exists(ctx, redisLockPrefix+resource).Result()
	if err != nil {
		return false, fmt.Errorf("locks: exists: %w", err)
	}
	return n > 0, nil
}

// Info implements Manager.
func (m *RedisManager) Info(ctx context.Context, resource string) (Info, bool, error) {
	key := redisLockPrefix + resource

	value, err := m.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Info{}, false, nil
	}
	if err != nil {
		return Info{}, false, fmt.Errorf("locks: get: %w", err)
	}

	remaining, err := m.client.PTTL(ctx, key).Result()
	if err != nil {
		return Info{}, false, fmt.Errorf("locks: pttl: %w", err)
	}

	_, holder, acquiredAt := decodeLockValue(value)
	return Info{Holder: holder, AcquiredAt: acquiredAt, RemainingTTL: remaining}, true, nil
}

// Stats implements Manager.
func (m *RedisManager) Stats() Stats { return m.stats.snapshot() }

func (m *RedisManager) pollWaiter() <-chan struct{} {
	ch := make(chan struct{})
	time.AfterFunc(queuePollInterval, func() { close(ch) })
	return ch
}

func encodeLockValue(token, holder string, acquiredAt time.Time) string {
	return fmt.Sprintf("%s|%s|%d", token, holder, acquiredAt.UnixMilli())
}

func decodeLockValue(value string) (token, holder string, acquiredAt time.Time) {
	parts := strings.SplitN(value, "|", 3)
	if len(parts) != 3 {
		return value, "", time.Time{}
	}
	millis, _ := strconv.ParseInt(parts[2], 10, 64)
	return parts[0], parts[1], time.UnixMilli(millis)
}
