// Package lifecycle destroys rooms that stayed empty for the grace period.
// Runners report occupancy through Notify; the supervisor answers through the
// room exchange only.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/meet-signaling/internal/domain"
	"github.com/park285/meet-signaling/internal/exchange"
	"github.com/park285/meet-signaling/internal/lock"
	"github.com/park285/meet-signaling/internal/metrics"
	"github.com/park285/meet-signaling/internal/module"
	"github.com/park285/meet-signaling/internal/obslog"
	"github.com/park285/meet-signaling/internal/protocol"
	"github.com/park285/meet-signaling/internal/roomstate"
)

type EventKind int

const (
	// ParticipantJoined is emitted when a runner enters a room or its waiting room.
	ParticipantJoined EventKind = iota + 1
	// RoomEmpty is emitted by the runner whose leave emptied the room.
	RoomEmpty
)

type Event struct {
	Kind EventKind
	Room domain.RoomID
}

// Notifier receives occupancy events. Notify must not block for long.
type Notifier interface {
	Notify(ev Event)
}

// CommandRoomDeleted is the control command published when a room is destroyed.
const CommandRoomDeleted = protocol.CmdRoomDeleted

type Options struct {
	Grace   time.Duration
	LockTTL time.Duration
	Metrics *metrics.Metrics
}

type Supervisor struct {
	locker   *lock.Locker
	store    *roomstate.Store
	modules  *module.Registry
	exchange *exchange.Exchange
	metrics  *metrics.Metrics
	grace    time.Duration
	lockTTL  time.Duration

	mu     sync.Mutex
	closed bool
	events chan Event
	done   chan struct{} // closed when Run returns

	// owned by the Run goroutine
	timers   map[domain.RoomID]*pending
	fired    chan fire
	shutdown bool
}

type pending struct {
	timer *time.Timer
	gen   uint64
}

type fire struct {
	room domain.RoomID
	gen  uint64
}

func New(locker *lock.Locker, store *roomstate.Store, modules *module.Registry, ex *exchange.Exchange, opts Options) *Supervisor {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	if opts.Grace < 0 {
		opts.Grace = 0
	}
	return &Supervisor{
		locker:   locker,
		store:    store,
		modules:  modules,
		exchange: ex,
		metrics:  opts.Metrics,
		grace:    opts.Grace,
		lockTTL:  opts.LockTTL,
		events:   make(chan Event, eventQueue),
		done:     make(chan struct{}),
		timers:   make(map[domain.RoomID]*pending),
		fired:    make(chan fire, 64),
	}
}

const eventQueue = 256

// Notify queues ev without blocking. Events after Close, or while the queue
// is full, are dropped; a dropped RoomEmpty leaves the room to its key TTL.
func (s *Supervisor) Notify(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		obslog.L().Warn("lifecycle_event_dropped", obslog.Room(string(ev.Room)), zap.Int("kind", int(ev.Kind)))
	}
}

// Close stops accepting events; Run returns once the queue is drained.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// Run processes events until Close. After ctx is done the grace period is
// skipped: pending rooms and rooms emptied from then on are destroyed
// immediately.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)
	var seq uint64
	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			s.shutdown = true
			s.flush(ctx)
		case ev, ok := <-s.events:
			if !ok {
				s.flush(ctx)
				return nil
			}
			switch ev.Kind {
			case ParticipantJoined:
				s.cancel(ev.Room)
			case RoomEmpty:
				if s.shutdown || s.grace == 0 {
					s.cancel(ev.Room)
					s.destroy(ctx, ev.Room)
					continue
				}
				seq++
				s.schedule(ev.Room, seq)
			}
		case f := <-s.fired:
			p, ok := s.timers[f.room]
			if !ok || p.gen != f.gen {
				continue
			}
			delete(s.timers, f.room)
			s.destroy(ctx, f.room)
		}
	}
}

func (s *Supervisor) schedule(room domain.RoomID, gen uint64) {
	s.cancel(room)
	p := &pending{gen: gen}
	p.timer = time.AfterFunc(s.grace, func() { s.deliver(fire{room: room, gen: gen}) })
	s.timers[room] = p
	obslog.L().Debug("room_grace_started", obslog.Room(string(room)), zap.Duration("grace", s.grace))
}

// deliver hands an expired grace timer to Run, or drops it once Run is gone.
func (s *Supervisor) deliver(f fire) {
	select {
	case s.fired <- f:
	case <-s.done:
	}
}

func (s *Supervisor) cancel(room domain.RoomID) {
	if p, ok := s.timers[room]; ok {
		p.timer.Stop()
		delete(s.timers, room)
		obslog.L().Debug("room_grace_cancelled", obslog.Room(string(room)))
	}
}

func (s *Supervisor) flush(ctx context.Context) {
	for room, p := range s.timers {
		p.timer.Stop()
		delete(s.timers, room)
		s.destroy(ctx, room)
	}
}

// destroy deletes room under its lock. Contention and a non-empty room both
// abort quietly; the next RoomEmpty retries.
func (s *Supervisor) destroy(ctx context.Context, room domain.RoomID) {
	ctx = context.WithoutCancel(ctx)
	log := obslog.L().With(obslog.Room(string(room)))

	g, err := s.locker.Acquire(ctx, lock.RoomKey(string(room)), s.lockTTL)
	if err != nil {
		log.Warn("room_destroy_lock_failed", zap.Error(err))
		return
	}
	defer func() {
		if err := g.Release(ctx); err != nil && !errors.Is(err, lock.ErrNotOwner) {
			log.Warn("room_lock_release_failed", zap.Error(err))
		}
	}()

	err = g.Hold(ctx, func(ctx context.Context) error {
		removed, err := s.store.Destroy(ctx, room)
		if err != nil {
			return err
		}
		for _, herr := range s.modules.RoomDestroyed(ctx, room) {
			log.Warn("module_room_destroy_failed", zap.Error(herr))
		}
		if removed == nil {
			// already destroyed elsewhere, which announced it
			return nil
		}
		msg, err := exchange.Command(protocol.NamespaceControl, CommandRoomDeleted, "", nil,
			protocol.RoomDeletedCommand{CreatedAt: removed.CreatedAt})
		if err != nil {
			return err
		}
		if err := s.exchange.Publish(ctx, room, msg); err != nil {
			log.Warn("room_deleted_publish_failed", zap.Error(err))
		}
		return nil
	})
	switch {
	case errors.Is(err, roomstate.ErrRoomNotEmpty):
		log.Info("room_destroy_skipped_not_empty")
	case err != nil:
		log.Warn("room_destroy_failed", zap.Error(err))
	default:
		s.metrics.RoomDestroyed(ctx)
		log.Info("room_destroyed", zap.Bool("shutdown", s.shutdown))
	}
}
