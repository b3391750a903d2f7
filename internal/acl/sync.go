package acl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/meet-signaling/internal/domain"
	"github.com/park285/meet-signaling/internal/metrics"
	"github.com/park285/meet-signaling/internal/obslog"
)

const Channel = "acl:changes"

// Sync connects a Cache to its repository and to the change bus.
type Sync struct {
	rdb      *redis.Client
	repo     Repository
	cache    *Cache
	interval time.Duration
	node     string
	metrics  *metrics.Metrics
	ready    chan struct{}
}

type SyncOptions struct {
	ReloadInterval time.Duration
	Node           string
	Metrics        *metrics.Metrics
}

func NewSync(rdb *redis.Client, repo Repository, cache *Cache, opts SyncOptions) *Sync {
	if opts.ReloadInterval <= 0 {
		opts.ReloadInterval = 5 * time.Minute
	}
	return &Sync{
		rdb:      rdb,
		repo:     repo,
		cache:    cache,
		interval: opts.ReloadInterval,
		node:     opts.Node,
		metrics:  opts.Metrics,
		ready:    make(chan struct{}),
	}
}

func (s *Sync) Cache() *Cache { return s.cache }

// Init performs the startup full load.
func (s *Sync) Init(ctx context.Context) error { return s.Reload(ctx) }

// Reload replaces the cache with the repository contents.
func (s *Sync) Reload(ctx context.Context) error {
	entries, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("acl reload: %w", err)
	}
	s.cache.Replace(entries)
	s.metrics.ACLApplied(ctx, "reload")
	obslog.L().Debug("acl_reloaded", zap.Int("entries", len(entries)))
	return nil
}

// Publish persists c and then announces it. The local cache is updated
// immediately; the echo from the bus is a replay and therefore a no-op.
func (s *Sync) Publish(ctx context.Context, c Change) error {
	c.Entry = c.Entry.normalized()
	if c.Node == "" {
		c.Node = s.node
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if err := s.repo.Save(ctx, c); err != nil {
		return fmt.Errorf("acl persist: %w", err)
	}
	s.apply(ctx, c, "local")
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := s.rdb.Publish(ctx, Channel, raw).Err(); err != nil {
		// persisted; other nodes converge on their next reload
		obslog.L().Warn("acl_publish_failed", zap.String("change_id", c.ID.String()), zap.Error(err))
	}
	return nil
}

// Grant adds userID to the invite list of room.
func (s *Sync) Grant(ctx context.Context, userID string, room domain.RoomID) error {
	return s.Publish(ctx, NewChange(OpAdd, JoinEntry(userID, room)))
}

// Revoke removes userID from the invite list of room.
func (s *Sync) Revoke(ctx context.Context, userID string, room domain.RoomID) error {
	return s.Publish(ctx, NewChange(OpRemove, JoinEntry(userID, room)))
}

// CanJoin reports whether userID holds the join entry of room.
func (s *Sync) CanJoin(userID string, room domain.RoomID) bool {
	return s.cache.Allowed(JoinEntry(userID, room))
}

// Ready is closed once Run is subscribed and has completed its first reload.
func (s *Sync) Ready() <-chan struct{} { return s.ready }

// Run applies bus changes and reloads periodically until ctx is done.
func (s *Sync) Run(ctx context.Context) error {
	ps := s.rdb.Subscribe(ctx, Channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("acl subscribe: %w", err)
	}
	// changes published before the subscription became active
	if err := s.Reload(ctx); err != nil {
		obslog.L().Warn("acl_reload_failed", zap.Error(err))
	}
	close(s.ready)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil {
				obslog.L().Warn("acl_reload_failed", zap.Error(err))
			}
		case m, ok := <-msgs:
			if !ok {
				return fmt.Errorf("acl subscription closed")
			}
			c, err := decodeChange([]byte(m.Payload))
			if err != nil {
				obslog.L().Warn("acl_change_rejected", zap.Error(err))
				continue
			}
			s.apply(ctx, c, "bus")
		}
	}
}

func (s *Sync) apply(ctx context.Context, c Change, source string) {
	if s.cache.Apply(c) {
		s.metrics.ACLApplied(ctx, source)
		obslog.L().Info("acl_change_applied",
			zap.String("change_id", c.ID.String()),
			zap.String("op", string(c.Op)),
			zap.String("subject", c.Entry.Subject),
			zap.String("resource", c.Entry.Resource),
			zap.String("source", source))
	}
}
