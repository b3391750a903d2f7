package roomstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/meet-signaling/internal/domain"
	"github.com/park285/meet-signaling/internal/lock"
)

func newTestStore(t *testing.T) (*Store, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, nil), rdb, mr
}

func seedRoom(t *testing.T, s *Store, room domain.RoomID, limit int) {
	t.Helper()
	ok, err := s.CreateConfig(context.Background(), &domain.RoomConfig{
		Room:             domain.Room{ID: room, CreatedBy: "owner"},
		ParticipantLimit: limit,
		CreatedAt:        time.Now().UTC(),
	})
	if err != nil || !ok {
		t.Fatalf("CreateConfig: ok=%v err=%v", ok, err)
	}
}

func TestJoinRequiresConfig(t *testing.T) {
	s, _, _ := newTestStore(t)
	err := s.Join(context.Background(), "r1", "p1", domain.ControlData{DisplayName: "a"}, 0)
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestJoinEnforcesLimitUnderConcurrency(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	seedRoom(t, s, "r1", 3)

	var (
		wg      sync.WaitGroup
		joined  atomic.Int32
		blocked atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pid := domain.ParticipantID(fmt.Sprintf("p%d", i))
			err := s.Join(ctx, "r1", pid, domain.ControlData{DisplayName: string(pid)}, 3)
			switch {
			case err == nil:
				joined.Add(1)
			case errors.Is(err, ErrParticipantLimit):
				blocked.Add(1)
			default:
				t.Errorf("join %s: %v", pid, err)
			}
		}(i)
	}
	wg.Wait()

	if joined.Load() != 3 || blocked.Load() != 7 {
		t.Fatalf("joined=%d blocked=%d", joined.Load(), blocked.Load())
	}
	n, err := s.ParticipantCount(ctx, "r1")
	if err != nil || n != 3 {
		t.Fatalf("count=%d err=%v", n, err)
	}
}

func TestRejoinDoesNotConsumeQuota(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	seedRoom(t, s, "r1", 1)

	if err := s.Join(ctx, "r1", "p1", domain.ControlData{}, 1); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := s.Join(ctx, "r1", "p1", domain.ControlData{DisplayName: "renamed"}, 1); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if err := s.Join(ctx, "r1", "p2", domain.ControlData{}, 1); !errors.Is(err, ErrParticipantLimit) {
		t.Fatalf("expected limit, got %v", err)
	}
}

func TestWaitingAndJoinedAreDisjoint(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	seedRoom(t, s, "r1", 0)

	if err := s.EnterWaiting(ctx, "r1", "p1", domain.ControlData{DisplayName: "w"}); err != nil {
		t.Fatalf("EnterWaiting: %v", err)
	}
	if err := s.Join(ctx, "r1", "p1", domain.ControlData{DisplayName: "w"}, 0); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waiting, _ := s.Waiting(ctx, "r1")
	joined, _ := s.Participants(ctx, "r1")
	if len(waiting) != 0 || len(joined) != 1 {
		t.Fatalf("waiting=%v joined=%v", waiting, joined)
	}

	if err := s.MoveToWaiting(ctx, "r1", "p1", domain.ControlData{DisplayName: "w"}); err != nil {
		t.Fatalf("MoveToWaiting: %v", err)
	}
	waiting, _ = s.Waiting(ctx, "r1")
	joined, _ = s.Participants(ctx, "r1")
	if len(waiting) != 1 || len(joined) != 0 {
		t.Fatalf("after move waiting=%v joined=%v", waiting, joined)
	}
}

func TestLeaveReportsRemaining(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	seedRoom(t, s, "r1", 0)

	_ = s.Join(ctx, "r1", "p1", domain.ControlData{}, 0)
	_ = s.EnterWaiting(ctx, "r1", "p2", domain.ControlData{})

	n, err := s.Leave(ctx, "r1", "p1")
	if err != nil || n != 1 {
		t.Fatalf("Leave p1: n=%d err=%v", n, err)
	}
	if c, _ := s.Control(ctx, "r1", "p1"); c != nil {
		t.Fatalf("control should be gone, got %+v", c)
	}
	n, err = s.Leave(ctx, "r1", "p2")
	if err != nil || n != 0 {
		t.Fatalf("Leave p2: n=%d err=%v", n, err)
	}
}

func TestRosterSkipsVanishedControl(t *testing.T) {
	s, rdb, _ := newTestStore(t)
	ctx := context.Background()
	seedRoom(t, s, "r1", 0)

	_ = s.Join(ctx, "r1", "a", domain.ControlData{DisplayName: "A", Role: domain.RoleUser}, 0)
	_ = s.Join(ctx, "r1", "b", domain.ControlData{DisplayName: "B"}, 0)
	rdb.Del(ctx, keyControl("r1", "b"))

	roster, err := s.Roster(ctx, "r1")
	if err != nil {
		t.Fatalf("Roster: %v", err)
	}
	if len(roster) != 1 || roster[0].ID != "a" || roster[0].Control.DisplayName != "A" {
		t.Fatalf("unexpected roster %+v", roster)
	}
}

func TestDestroyRefusesNonEmptyRoom(t *testing.T) {
	s, rdb, _ := newTestStore(t)
	ctx := context.Background()
	seedRoom(t, s, "r1", 0)

	_ = s.EnterWaiting(ctx, "r1", "p1", domain.ControlData{})
	if _, err := s.Destroy(ctx, "r1"); !errors.Is(err, ErrRoomNotEmpty) {
		t.Fatalf("expected ErrRoomNotEmpty, got %v", err)
	}
	_, _ = s.Leave(ctx, "r1", "p1")
	_ = s.Ban(ctx, "r1", "u1")
	_ = s.Module("chat").SetRoom(ctx, "r1", map[string]bool{"enabled": true})

	removed, err := s.Destroy(ctx, "r1")
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if removed == nil || removed.Room.ID != "r1" || removed.CreatedAt.IsZero() {
		t.Fatalf("Destroy returned %+v", removed)
	}
	keys, _ := rdb.Keys(ctx, "room:r1:*").Result()
	if len(keys) != 0 {
		t.Fatalf("leftover keys: %v", keys)
	}
	rooms, _ := s.ActiveRooms(ctx)
	if len(rooms) != 0 {
		t.Fatalf("active rooms: %v", rooms)
	}
	if banned, _ := s.IsBanned(ctx, "r1", "u1"); banned {
		t.Fatalf("ban must not outlive room")
	}
}

func TestJoinRejectsBannedIdentity(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	seedRoom(t, s, "r1", 0)

	if err := s.Ban(ctx, "r1", "u1"); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	user := domain.ControlData{Kind: domain.KindUser, UserID: "u1"}
	if err := s.Join(ctx, "r1", "p1", user, 0); !errors.Is(err, ErrBanned) {
		t.Fatalf("join: expected ErrBanned, got %v", err)
	}
	if err := s.EnterWaiting(ctx, "r1", "p1", user); !errors.Is(err, ErrBanned) {
		t.Fatalf("waiting: expected ErrBanned, got %v", err)
	}
	if n, _ := s.Occupancy(ctx, "r1"); n != 0 {
		t.Fatalf("banned identity admitted, occupancy=%d", n)
	}
	// guests carry no identity to ban
	if err := s.Join(ctx, "r1", "p2", domain.ControlData{Kind: domain.KindGuest, UserID: "u1"}, 0); err != nil {
		t.Fatalf("guest join: %v", err)
	}
}

// A join racing a ban either commits first, and is then visible to the
// session lookup that follows the ban, or fails with ErrBanned.
func TestBanAndJoinRaceLeavesNoHiddenSession(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		room := domain.RoomID(fmt.Sprintf("race%d", i))
		seedRoom(t, s, room, 0)

		var (
			wg       sync.WaitGroup
			joinErr  error
			snapshot []domain.ParticipantID
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			joinErr = s.Join(ctx, room, "p1", domain.ControlData{Kind: domain.KindUser, UserID: "u1"}, 0)
		}()
		go func() {
			defer wg.Done()
			if err := s.Ban(ctx, room, "u1"); err != nil {
				t.Errorf("Ban: %v", err)
				return
			}
			snapshot, _ = s.Participants(ctx, room)
		}()
		wg.Wait()

		switch {
		case errors.Is(joinErr, ErrBanned):
		case joinErr == nil:
			if len(snapshot) != 1 || snapshot[0] != "p1" {
				t.Fatalf("%s: join committed but ban saw %v", room, snapshot)
			}
		default:
			t.Fatalf("%s: join: %v", room, joinErr)
		}
	}
}

func TestWatchRetriesConflicts(t *testing.T) {
	s, rdb, _ := newTestStore(t)
	ctx := context.Background()
	key := "room:r1:probe"

	attempts := 0
	err := s.watch(ctx, "test", func(tx *redis.Tx) error {
		attempts++
		if attempts < 4 {
			// a concurrent writer invalidates the watch
			if err := rdb.Set(ctx, key, attempts, 0).Err(); err != nil {
				return err
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, "done", 0)
			return nil
		})
		return err
	}, key)
	if err != nil || attempts != 4 {
		t.Fatalf("attempts=%d err=%v", attempts, err)
	}

	attempts = 0
	err = s.watch(ctx, "test", func(tx *redis.Tx) error {
		attempts++
		if err := rdb.Set(ctx, key, attempts, 0).Err(); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, "never", 0)
			return nil
		})
		return err
	}, key)
	if !errors.Is(err, ErrConflict) || attempts != maxTxRetries {
		t.Fatalf("attempts=%d err=%v", attempts, err)
	}

	attempts = 0
	err = s.watch(ctx, "test", func(*redis.Tx) error {
		attempts++
		return ErrRoomNotFound
	}, key)
	if !errors.Is(err, ErrRoomNotFound) || attempts != 1 {
		t.Fatalf("domain errors must not retry: attempts=%d err=%v", attempts, err)
	}
}

func TestUpdateConfig(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpdateConfig(ctx, "r1", func(*domain.RoomConfig) error { return nil }); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	seedRoom(t, s, "r1", 0)
	cfg, err := s.UpdateConfig(ctx, "r1", func(c *domain.RoomConfig) error {
		c.Room.WaitingRoom = true
		return nil
	})
	if err != nil || !cfg.Room.WaitingRoom {
		t.Fatalf("UpdateConfig: %+v %v", cfg, err)
	}
	got, _ := s.LoadConfig(ctx, "r1")
	if !got.Room.WaitingRoom {
		t.Fatalf("update not persisted")
	}
}

func TestModuleUpdateRoomConcurrent(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	m := s.Module("counter")

	type counter struct{ N int }
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := UpdateRoom(ctx, m, "r1", func(c *counter) error { c.N++; return nil }); err != nil {
				t.Errorf("UpdateRoom: %v", err)
			}
		}()
	}
	wg.Wait()
	var got counter
	if ok, err := m.GetRoom(ctx, "r1", &got); !ok || err != nil || got.N != 10 {
		t.Fatalf("got=%+v ok=%v err=%v", got, ok, err)
	}
}

func TestAppendRoomCapsList(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	m := s.Module("chat")
	for i := 0; i < 5; i++ {
		if err := m.AppendRoom(ctx, "r1", "history", map[string]int{"i": i}, 3); err != nil {
			t.Fatalf("AppendRoom: %v", err)
		}
	}
	got, err := m.RangeRoom(ctx, "r1", "history")
	if err != nil || len(got) != 3 || string(got[0]) != `{"i":2}` {
		t.Fatalf("RangeRoom: %s %v", got, err)
	}
}

type fakeSource struct {
	calls atomic.Int32
	room  domain.Room
	limit int
}

func (f *fakeSource) GetRoom(_ context.Context, id domain.RoomID) (*domain.Room, error) {
	f.calls.Add(1)
	r := f.room
	r.ID = id
	return &r, nil
}

func (f *fakeSource) GetTariff(_ context.Context, id string) (*domain.Tariff, error) {
	return &domain.Tariff{ID: id, ParticipantLimit: f.limit}, nil
}

func TestBootstrapCreatesOnce(t *testing.T) {
	s, rdb, _ := newTestStore(t)
	src := &fakeSource{room: domain.Room{CreatedBy: "owner", TariffID: "basic"}, limit: 5}
	b := NewBootstrapper(s, lock.New(rdb, lock.WithBackoff(time.Millisecond, 5*time.Millisecond), lock.WithAttempts(200)), src, time.Second)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg, c, err := b.Ensure(ctx, "r1")
			if err != nil {
				t.Errorf("Ensure: %v", err)
				return
			}
			if cfg.ParticipantLimit != 5 {
				t.Errorf("limit = %d", cfg.ParticipantLimit)
			}
			if c {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	if created.Load() != 1 {
		t.Fatalf("created %d times", created.Load())
	}
	if src.calls.Load() != 1 {
		t.Fatalf("source read %d times", src.calls.Load())
	}
}
