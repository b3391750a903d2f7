// Package lock implements a TTL-bound, token-verified mutual exclusion
// primitive on top of Redis. Acquisition is a single SET NX PX; renew and
// release run as Lua scripts so the token check and the mutation are atomic.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/meet-signaling/internal/metrics"
	"github.com/park285/meet-signaling/internal/obslog"
)

var (
	ErrContended     = errors.New("lock contended")
	ErrNotOwner      = errors.New("lock not owned by token")
	ErrLostOwnership = errors.New("lock ownership lost")
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RoomKey is the lock guarding create/destroy of a room.
func RoomKey(roomID string) string { return "lock:room:" + strings.TrimSpace(roomID) }

type Locker struct {
	rdb       *redis.Client
	metrics   *metrics.Metrics
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

type Option func(*Locker)

// WithAttempts bounds the number of acquisition attempts made by Acquire.
func WithAttempts(n int) Option {
	return func(l *Locker) {
		if n > 0 {
			l.attempts = n
		}
	}
}

func WithBackoff(base, max time.Duration) Option {
	return func(l *Locker) {
		l.baseDelay = base
		l.maxDelay = max
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Locker) { l.metrics = m }
}

func New(rdb *redis.Client, opts ...Option) *Locker {
	l := &Locker{
		rdb:       rdb,
		attempts:  8,
		baseDelay: 25 * time.Millisecond,
		maxDelay:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryAcquire makes a single attempt. nil means locked, ErrContended means
// another holder owns the key.
func (l *Locker) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" || strings.TrimSpace(token) == "" || ttl <= 0 {
		return fmt.Errorf("lock: invalid arguments")
	}
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	if !ok {
		return ErrContended
	}
	return nil
}

// Renew extends the TTL only while token still owns key.
func (l *Locker) Renew(ctx context.Context, key, token string, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, l.rdb, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	if n == 0 {
		return ErrLostOwnership
	}
	return nil
}

// Release deletes key only while token still owns it.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Int()
	if err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Acquire retries TryAcquire with exponential backoff up to the configured
// attempt bound. Store errors are not retried.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Guard, error) {
	started := time.Now()
	token := uuid.NewString()
	contended := false

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.baseDelay
	b.MaxInterval = l.maxDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := l.TryAcquire(ctx, key, token, ttl)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, ErrContended):
			contended = true
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(l.attempts)))
	l.metrics.LockAcquired(ctx, started, contended)
	if err != nil {
		if errors.Is(err, ErrContended) {
			obslog.L().Warn("lock_acquire_contended", zap.String("key", key), zap.Int("attempts", l.attempts))
			return nil, ErrContended
		}
		return nil, err
	}
	return &Guard{l: l, key: key, token: token, ttl: ttl}, nil
}

// Guard is proof of a held lock.
type Guard struct {
	l     *Locker
	key   string
	token string
	ttl   time.Duration
}

func (g *Guard) Key() string   { return g.key }
func (g *Guard) Token() string { return g.token }

func (g *Guard) Renew(ctx context.Context) error { return g.l.Renew(ctx, g.key, g.token, g.ttl) }

func (g *Guard) Release(ctx context.Context) error { return g.l.Release(ctx, g.key, g.token) }

// Check confirms the guard still owns the key. Call it before committing side
// effects after any pause longer than a fraction of the TTL.
func (g *Guard) Check(ctx context.Context) error {
	cur, err := g.l.rdb.Get(ctx, g.key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrLostOwnership
	}
	if err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	if cur != g.token {
		return ErrLostOwnership
	}
	return nil
}

// Hold runs fn under the guard, renewing at a third of the TTL. fn's context is
// cancelled as soon as a renewal reports lost ownership; Hold then returns
// ErrLostOwnership.
func (g *Guard) Hold(ctx context.Context, fn func(ctx context.Context) error) error {
	hctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	interval := g.ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-hctx.Done():
				return
			case <-t.C:
				if err := g.Renew(hctx); err != nil {
					obslog.L().Warn("lock_renew_failed", zap.String("key", g.key), zap.Error(err))
					cancel(ErrLostOwnership)
					return
				}
			}
		}
	}()

	err := fn(hctx)
	close(done)
	if cause := context.Cause(hctx); errors.Is(cause, ErrLostOwnership) {
		return ErrLostOwnership
	}
	return err
}
