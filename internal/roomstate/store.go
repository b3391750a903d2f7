// Package roomstate holds the shared representation of rooms in Redis. Every
// node reads and writes rooms through this package; nothing here caches.
package roomstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/park285/meet-signaling/internal/domain"
	"github.com/park285/meet-signaling/internal/metrics"
)

const (
	ttlRoom      = 24 * time.Hour
	maxTxRetries = 16
	txRetryBase  = 2 * time.Millisecond
	txRetryMax   = 50 * time.Millisecond
)

var (
	ErrRoomNotFound     = errors.New("room state not found")
	ErrParticipantLimit = errors.New("participant limit reached")
	ErrRoomNotEmpty     = errors.New("room not empty")
	ErrConflict         = errors.New("room state update conflict")
	ErrBanned           = errors.New("identity banned from room")
)

type Store struct {
	rdb     *redis.Client
	metrics *metrics.Metrics
}

func NewStore(rdb *redis.Client, m *metrics.Metrics) *Store { return &Store{rdb: rdb, metrics: m} }

func keyRoom(room domain.RoomID) string { return "room:" + strings.TrimSpace(string(room)) }
func keyConfig(room domain.RoomID) string { return keyRoom(room) + ":config" }
func keyParticipants(room domain.RoomID) string { return keyRoom(room) + ":participants" }
func keyWaiting(room domain.RoomID) string { return keyRoom(room) + ":waiting" }
func keyBans(room domain.RoomID) string { return keyRoom(room) + ":bans" }
func keyControl(room domain.RoomID, pid domain.ParticipantID) string {
	return keyRoom(room) + ":participant:" + string(pid)
}
func keyActive() string { return "rooms:active" }

// watch retries fn with jittered backoff while the watched keys keep changing
// underneath it. Errors returned by fn end the retries.
func (s *Store) watch(ctx context.Context, op string, fn func(tx *redis.Tx) error, keys ...string) error {
	started := time.Now()
	defer s.metrics.StoreOp(ctx, op, started)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = txRetryBase
	b.MaxInterval = txRetryMax

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.rdb.Watch(ctx, fn, keys...)
		if err == nil || errors.Is(err, redis.TxFailedErr) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxTxRetries))
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func getJSON(ctx context.Context, c redis.Cmdable, key string, v any) (bool, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// LoadConfig returns nil, nil when the room has no shared state.
func (s *Store) LoadConfig(ctx context.Context, room domain.RoomID) (*domain.RoomConfig, error) {
	var cfg domain.RoomConfig
	ok, err := getJSON(ctx, s.rdb, keyConfig(room), &cfg)
	if err != nil || !ok {
		return nil, err
	}
	return &cfg, nil
}

// CreateConfig writes cfg only when absent. Callers hold the room lock.
func (s *Store) CreateConfig(ctx context.Context, cfg *domain.RoomConfig) (bool, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return false, err
	}
	ok, err := s.rdb.SetNX(ctx, keyConfig(cfg.Room.ID), raw, ttlRoom).Result()
	if err != nil {
		return false, err
	}
	if ok {
		_ = s.rdb.SAdd(ctx, keyActive(), string(cfg.Room.ID)).Err()
	}
	return ok, nil
}

// UpdateConfig applies fn atomically. fn must not block.
func (s *Store) UpdateConfig(ctx context.Context, room domain.RoomID, fn func(cfg *domain.RoomConfig) error) (*domain.RoomConfig, error) {
	var out *domain.RoomConfig
	key := keyConfig(room)
	err := s.watch(ctx, "update_config", func(tx *redis.Tx) error {
		var cfg domain.RoomConfig
		ok, err := getJSON(ctx, tx, key, &cfg)
		if err != nil {
			return err
		}
		if !ok {
			return ErrRoomNotFound
		}
		if err := fn(&cfg); err != nil {
			return err
		}
		raw, err := json.Marshal(&cfg)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, ttlRoom)
			return nil
		})
		if err == nil {
			out = &cfg
		}
		return err
	}, key)
	return out, err
}

// Join adds pid to the joined set if the room exists and limit allows it.
// limit <= 0 means unlimited. The ban check, the count check and the insert
// are one transaction, so concurrent joins on any node cannot overshoot the
// limit and a ban committed first always rejects the join.
func (s *Store) Join(ctx context.Context, room domain.RoomID, pid domain.ParticipantID, control domain.ControlData, limit int) error {
	raw, err := json.Marshal(control)
	if err != nil {
		return err
	}
	partKey, cfgKey, banKey := keyParticipants(room), keyConfig(room), keyBans(room)
	return s.watch(ctx, "join", func(tx *redis.Tx) error {
		if err := admissible(ctx, tx, room, control); err != nil {
			return err
		}
		cnt, err := tx.SCard(ctx, partKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		member, err := tx.SIsMember(ctx, partKey, string(pid)).Result()
		if err != nil {
			return err
		}
		if !member && limit > 0 && cnt >= int64(limit) {
			return ErrParticipantLimit
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, partKey, string(pid))
			pipe.Expire(ctx, partKey, ttlRoom)
			pipe.SRem(ctx, keyWaiting(room), string(pid))
			pipe.Set(ctx, keyControl(room, pid), raw, ttlRoom)
			pipe.Expire(ctx, cfgKey, ttlRoom)
			return nil
		})
		return err
	}, partKey, cfgKey, banKey)
}

// EnterWaiting registers pid in the waiting room.
func (s *Store) EnterWaiting(ctx context.Context, room domain.RoomID, pid domain.ParticipantID, control domain.ControlData) error {
	raw, err := json.Marshal(control)
	if err != nil {
		return err
	}
	cfgKey, banKey := keyConfig(room), keyBans(room)
	return s.watch(ctx, "enter_waiting", func(tx *redis.Tx) error {
		if err := admissible(ctx, tx, room, control); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, keyWaiting(room), string(pid))
			pipe.Expire(ctx, keyWaiting(room), ttlRoom)
			pipe.Set(ctx, keyControl(room, pid), raw, ttlRoom)
			return nil
		})
		return err
	}, cfgKey, banKey)
}

// admissible runs inside a WATCH on the config and ban keys.
func admissible(ctx context.Context, tx *redis.Tx, room domain.RoomID, control domain.ControlData) error {
	exists, err := tx.Exists(ctx, keyConfig(room)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrRoomNotFound
	}
	if control.Kind != domain.KindUser || strings.TrimSpace(control.UserID) == "" {
		return nil
	}
	banned, err := tx.SIsMember(ctx, keyBans(room), control.UserID).Result()
	if err != nil {
		return err
	}
	if banned {
		return ErrBanned
	}
	return nil
}

// MoveToWaiting demotes a joined participant into the waiting room.
func (s *Store) MoveToWaiting(ctx context.Context, room domain.RoomID, pid domain.ParticipantID, control domain.ControlData) error {
	raw, err := json.Marshal(control)
	if err != nil {
		return err
	}
	started := time.Now()
	defer s.metrics.StoreOp(ctx, "move_to_waiting", started)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, keyParticipants(room), string(pid))
		pipe.SAdd(ctx, keyWaiting(room), string(pid))
		pipe.Expire(ctx, keyWaiting(room), ttlRoom)
		pipe.Set(ctx, keyControl(room, pid), raw, ttlRoom)
		return nil
	})
	return err
}

// Leave removes pid from every roster and returns how many joined or waiting
// participants remain.
func (s *Store) Leave(ctx context.Context, room domain.RoomID, pid domain.ParticipantID) (int64, error) {
	started := time.Now()
	defer s.metrics.StoreOp(ctx, "leave", started)
	var joined, waiting *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, keyParticipants(room), string(pid))
		pipe.SRem(ctx, keyWaiting(room), string(pid))
		pipe.Del(ctx, keyControl(room, pid))
		joined = pipe.SCard(ctx, keyParticipants(room))
		waiting = pipe.SCard(ctx, keyWaiting(room))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return joined.Val() + waiting.Val(), nil
}

// SetControl overwrites pid's control data. Only pid's own runner calls it.
func (s *Store) SetControl(ctx context.Context, room domain.RoomID, pid domain.ParticipantID, control domain.ControlData) error {
	raw, err := json.Marshal(control)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keyControl(room, pid), raw, ttlRoom).Err()
}

// Control returns nil, nil for unknown participants.
func (s *Store) Control(ctx context.Context, room domain.RoomID, pid domain.ParticipantID) (*domain.ControlData, error) {
	var c domain.ControlData
	ok, err := getJSON(ctx, s.rdb, keyControl(room, pid), &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

func (s *Store) Participants(ctx context.Context, room domain.RoomID) ([]domain.ParticipantID, error) {
	return s.members(ctx, keyParticipants(room))
}

func (s *Store) Waiting(ctx context.Context, room domain.RoomID) ([]domain.ParticipantID, error) {
	return s.members(ctx, keyWaiting(room))
}

func (s *Store) ParticipantCount(ctx context.Context, room domain.RoomID) (int64, error) {
	return s.rdb.SCard(ctx, keyParticipants(room)).Result()
}

// Occupancy counts joined and waiting participants.
func (s *Store) Occupancy(ctx context.Context, room domain.RoomID) (int64, error) {
	var joined, waiting *redis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		joined = pipe.SCard(ctx, keyParticipants(room))
		waiting = pipe.SCard(ctx, keyWaiting(room))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return joined.Val() + waiting.Val(), nil
}

func (s *Store) members(ctx context.Context, key string) ([]domain.ParticipantID, error) {
	raw, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(raw)
	out := make([]domain.ParticipantID, len(raw))
	for i, v := range raw {
		out[i] = domain.ParticipantID(v)
	}
	return out, nil
}

// Entry pairs a participant with its control data.
type Entry struct {
	ID      domain.ParticipantID
	Control domain.ControlData
}

// Roster reads the joined participants with their control data. Entries whose
// control key vanished between the two reads are skipped.
func (s *Store) Roster(ctx context.Context, room domain.RoomID) ([]Entry, error) {
	ids, err := s.Participants(ctx, room)
	if err != nil {
		return nil, err
	}
	return s.entries(ctx, room, ids)
}

// WaitingRoster is Roster for the waiting set.
func (s *Store) WaitingRoster(ctx context.Context, room domain.RoomID) ([]Entry, error) {
	ids, err := s.Waiting(ctx, room)
	if err != nil {
		return nil, err
	}
	return s.entries(ctx, room, ids)
}

func (s *Store) entries(ctx context.Context, room domain.RoomID, ids []domain.ParticipantID) ([]Entry, error) {
	if len(ids) == 0 {
		return []Entry{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyControl(room, id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(ids))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var c domain.ControlData
		if err := json.Unmarshal([]byte(str), &c); err != nil {
			return nil, fmt.Errorf("decode control %s: %w", ids[i], err)
		}
		out = append(out, Entry{ID: ids[i], Control: c})
	}
	return out, nil
}

// Ban marks userID as banned until the room is destroyed. Joins of userID
// that have not committed yet fail with ErrBanned.
func (s *Store) Ban(ctx context.Context, room domain.RoomID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("ban: empty identity")
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, keyBans(room), userID)
		pipe.Expire(ctx, keyBans(room), ttlRoom)
		return nil
	})
	return err
}

func (s *Store) IsBanned(ctx context.Context, room domain.RoomID, userID string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, nil
	}
	return s.rdb.SIsMember(ctx, keyBans(room), userID).Result()
}

func (s *Store) Bans(ctx context.Context, room domain.RoomID) ([]string, error) {
	return s.rdb.SMembers(ctx, keyBans(room)).Result()
}

// ActiveRooms lists rooms with shared state.
func (s *Store) ActiveRooms(ctx context.Context) ([]domain.RoomID, error) {
	raw, err := s.rdb.SMembers(ctx, keyActive()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.RoomID, len(raw))
	for i, v := range raw {
		out[i] = domain.RoomID(v)
	}
	return out, nil
}

// Destroy deletes every key of room, provided nobody is joined or waiting,
// and returns the config it removed (nil when the room had none). A
// participant entering concurrently aborts the transaction and Destroy
// reports ErrRoomNotEmpty on the retry.
func (s *Store) Destroy(ctx context.Context, room domain.RoomID) (*domain.RoomConfig, error) {
	var removed *domain.RoomConfig
	partKey, waitKey, cfgKey := keyParticipants(room), keyWaiting(room), keyConfig(room)
	err := s.watch(ctx, "destroy", func(tx *redis.Tx) error {
		joined, err := tx.SCard(ctx, partKey).Result()
		if err != nil {
			return err
		}
		waiting, err := tx.SCard(ctx, waitKey).Result()
		if err != nil {
			return err
		}
		if joined+waiting > 0 {
			return ErrRoomNotEmpty
		}
		var cfg domain.RoomConfig
		ok, err := getJSON(ctx, tx, cfgKey, &cfg)
		if err != nil {
			return err
		}
		keys, err := scanKeys(ctx, tx, keyRoom(room)+":*")
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(keys) > 0 {
				pipe.Del(ctx, keys...)
			}
			pipe.SRem(ctx, keyActive(), string(room))
			return nil
		})
		removed = nil
		if err == nil && ok {
			removed = &cfg
		}
		return err
	}, partKey, waitKey, cfgKey)
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func scanKeys(ctx context.Context, c redis.Cmdable, match string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := c.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}
