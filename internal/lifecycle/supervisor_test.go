package lifecycle

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/park285/meet-signaling/internal/domain"
	"github.com/park285/meet-signaling/internal/exchange"
	"github.com/park285/meet-signaling/internal/lock"
	"github.com/park285/meet-signaling/internal/module"
	"github.com/park285/meet-signaling/internal/protocol"
	"github.com/park285/meet-signaling/internal/roomstate"
)

type harness struct {
	sup   *Supervisor
	store *roomstate.Store
	ex    *exchange.Exchange
	rdb   *redis.Client
}

func newHarness(t *testing.T, grace time.Duration, mods ...module.Module) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := roomstate.NewStore(rdb, nil)
	reg, err := module.NewRegistry(mods...)
	require.NoError(t, err)
	ex := exchange.New(rdb)
	sup := New(lock.New(rdb), store, reg, ex, Options{Grace: grace, LockTTL: time.Second})
	return &harness{sup: sup, store: store, ex: ex, rdb: rdb}
}

var seededAt = time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)

func (h *harness) seedEmptyRoom(t *testing.T, room domain.RoomID) {
	t.Helper()
	ctx := context.Background()
	_, err := h.store.CreateConfig(ctx, &domain.RoomConfig{Room: domain.Room{ID: room}, CreatedAt: seededAt})
	require.NoError(t, err)
	require.NoError(t, h.store.Join(ctx, room, "p1", domain.ControlData{}, 0))
	require.NoError(t, h.store.Module("chat").SetRoom(ctx, room, map[string]bool{"enabled": true}))
	n, err := h.store.Leave(ctx, room, "p1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func (h *harness) roomExists(t *testing.T, room domain.RoomID) bool {
	t.Helper()
	keys, err := h.rdb.Keys(context.Background(), "room:"+string(room)+":*").Result()
	require.NoError(t, err)
	return len(keys) > 0
}

type destroyRecorder struct {
	rooms chan domain.RoomID
}

func (d *destroyRecorder) Namespace() string  { return "rec" }
func (d *destroyRecorder) Commands() []string { return nil }
func (d *destroyRecorder) Events() []string   { return nil }
func (d *destroyRecorder) HandleCommand(context.Context, *module.Context, string, json.RawMessage) error {
	return nil
}
func (d *destroyRecorder) OnRoomDestroyed(_ context.Context, room domain.RoomID) error {
	d.rooms <- room
	return nil
}

func TestGraceElapsedDestroysRoom(t *testing.T) {
	rec := &destroyRecorder{rooms: make(chan domain.RoomID, 1)}
	h := newHarness(t, 50*time.Millisecond, rec)
	h.seedEmptyRoom(t, "r1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := h.ex.Subscribe(ctx, "r1")
	require.NoError(t, err)
	defer sub.Close()

	go func() { _ = h.sup.Run(ctx) }()
	h.sup.Notify(Event{Kind: RoomEmpty, Room: "r1"})

	select {
	case msg := <-sub.C():
		require.Equal(t, exchange.KindCommand, msg.Kind)
		require.Equal(t, protocol.NamespaceControl, msg.Namespace)
		require.Equal(t, CommandRoomDeleted, msg.Action)
		var c protocol.RoomDeletedCommand
		require.NoError(t, msg.Decode(&c))
		require.True(t, seededAt.Equal(c.CreatedAt))
	case <-time.After(2 * time.Second):
		t.Fatal("no room_deleted published")
	}
	require.Equal(t, domain.RoomID("r1"), <-rec.rooms)
	require.False(t, h.roomExists(t, "r1"))
}

func TestRejoinCancelsGrace(t *testing.T) {
	h := newHarness(t, 80*time.Millisecond)
	h.seedEmptyRoom(t, "r1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.sup.Run(ctx) }()

	h.sup.Notify(Event{Kind: RoomEmpty, Room: "r1"})
	h.sup.Notify(Event{Kind: ParticipantJoined, Room: "r1"})
	time.Sleep(200 * time.Millisecond)
	require.True(t, h.roomExists(t, "r1"))
}

func TestOccupiedRoomSurvivesTimer(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	h.seedEmptyRoom(t, "r1")
	// joined through another node, whose supervisor this one never hears from
	require.NoError(t, h.store.Join(context.Background(), "r1", "p2", domain.ControlData{}, 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.sup.Run(ctx) }()
	h.sup.Notify(Event{Kind: RoomEmpty, Room: "r1"})
	time.Sleep(150 * time.Millisecond)
	require.True(t, h.roomExists(t, "r1"))
}

func TestShutdownSkipsGrace(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.seedEmptyRoom(t, "r1")
	h.seedEmptyRoom(t, "r2")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sup.Run(ctx) }()

	h.sup.Notify(Event{Kind: RoomEmpty, Room: "r1"})
	require.Eventually(t, func() bool { return len(h.sup.events) == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return !h.roomExists(t, "r1") }, 2*time.Second, 10*time.Millisecond)

	// runners still leaving after shutdown began
	h.sup.Notify(Event{Kind: RoomEmpty, Room: "r2"})
	require.Eventually(t, func() bool { return !h.roomExists(t, "r2") }, 2*time.Second, 10*time.Millisecond)

	h.sup.Close()
	h.sup.Notify(Event{Kind: RoomEmpty, Room: "r3"})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestNotifyNeverBlocks(t *testing.T) {
	h := newHarness(t, time.Hour)
	returned := make(chan struct{})
	go func() {
		// nobody runs the supervisor; the queue fills up
		for i := 0; i < eventQueue+10; i++ {
			h.sup.Notify(Event{Kind: RoomEmpty, Room: "r1"})
		}
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
	require.Len(t, h.sup.events, eventQueue)
}

func TestExpiredTimerAfterRunReturns(t *testing.T) {
	h := newHarness(t, time.Hour)
	done := make(chan error, 1)
	go func() { done <- h.sup.Run(context.Background()) }()
	h.sup.Close()
	require.NoError(t, <-done)

	for i := 0; i < cap(h.sup.fired); i++ {
		h.sup.fired <- fire{room: "filler"}
	}
	delivered := make(chan struct{})
	go func() {
		h.sup.deliver(fire{room: "r1", gen: 1})
		close(delivered)
	}()
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("timer callback stuck after Run returned")
	}
}
