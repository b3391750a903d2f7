package roomstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/park285/meet-signaling/internal/domain"
	"github.com/park285/meet-signaling/internal/lock"
	"github.com/park285/meet-signaling/internal/obslog"
)

// Source reads the durable room attributes used to seed Room State.
type Source interface {
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	GetTariff(ctx context.Context, id string) (*domain.Tariff, error)
}

// Bootstrapper creates the shared view of a room exactly once, under the
// room lock, on whichever node sees the first participant.
type Bootstrapper struct {
	store   *Store
	locker  *lock.Locker
	source  Source
	lockTTL time.Duration
	now     func() time.Time
}

func NewBootstrapper(store *Store, locker *lock.Locker, source Source, lockTTL time.Duration) *Bootstrapper {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &Bootstrapper{store: store, locker: locker, source: source, lockTTL: lockTTL, now: time.Now}
}

// Ensure returns the room's config, creating it if no node has yet. The
// second return reports whether this call created it.
func (b *Bootstrapper) Ensure(ctx context.Context, room domain.RoomID) (*domain.RoomConfig, bool, error) {
	if cfg, err := b.store.LoadConfig(ctx, room); err != nil || cfg != nil {
		return cfg, false, err
	}

	g, err := b.locker.Acquire(ctx, lock.RoomKey(string(room)), b.lockTTL)
	if err != nil {
		return nil, false, fmt.Errorf("bootstrap %s: %w", room, err)
	}
	defer func() {
		if err := g.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, lock.ErrNotOwner) {
			obslog.L().Warn("room_lock_release_failed", obslog.Room(string(room)), zap.Error(err))
		}
	}()

	var (
		cfg     *domain.RoomConfig
		created bool
	)
	err = g.Hold(ctx, func(ctx context.Context) error {
		cur, err := b.store.LoadConfig(ctx, room)
		if err != nil {
			return err
		}
		if cur != nil {
			cfg = cur
			return nil
		}
		r, err := b.source.GetRoom(ctx, room)
		if err != nil {
			return err
		}
		next := &domain.RoomConfig{Room: *r, CreatedAt: b.now().UTC()}
		if r.TariffID != "" {
			t, err := b.source.GetTariff(ctx, r.TariffID)
			if err != nil {
				return err
			}
			next.ParticipantLimit = t.ParticipantLimit
		}
		if err := g.Check(ctx); err != nil {
			return err
		}
		ok, err := b.store.CreateConfig(ctx, next)
		if err != nil {
			return err
		}
		if !ok {
			cfg, err = b.store.LoadConfig(ctx, room)
			return err
		}
		cfg, created = next, true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("bootstrap %s: %w", room, err)
	}
	if created {
		b.store.metrics.RoomCreated(ctx)
		obslog.L().Info("room_created", obslog.Room(string(room)), zap.Int("participant_limit", cfg.ParticipantLimit))
	}
	return cfg, created, nil
}
