package roomstate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/meet-signaling/internal/domain"
)

// ModuleData is the slice of Room State owned by one module namespace.
type ModuleData struct {
	s  *Store
	ns string
}

func (s *Store) Module(namespace string) *ModuleData { return &ModuleData{s: s, ns: namespace} }

func (m *ModuleData) Namespace() string { return m.ns }

func (m *ModuleData) roomKey(room domain.RoomID) string { return keyRoom(room) + ":module:" + m.ns }

func (m *ModuleData) participantKey(room domain.RoomID, pid domain.ParticipantID) string {
	return m.roomKey(room) + ":participant:" + string(pid)
}

// GetRoom decodes the room-wide value into v. false means unset.
func (m *ModuleData) GetRoom(ctx context.Context, room domain.RoomID, v any) (bool, error) {
	return getJSON(ctx, m.s.rdb, m.roomKey(room), v)
}

func (m *ModuleData) SetRoom(ctx context.Context, room domain.RoomID, v any) error {
	return m.set(ctx, m.roomKey(room), v)
}

func (m *ModuleData) GetParticipant(ctx context.Context, room domain.RoomID, pid domain.ParticipantID, v any) (bool, error) {
	return getJSON(ctx, m.s.rdb, m.participantKey(room, pid), v)
}

func (m *ModuleData) SetParticipant(ctx context.Context, room domain.RoomID, pid domain.ParticipantID, v any) error {
	return m.set(ctx, m.participantKey(room, pid), v)
}

func (m *ModuleData) DeleteParticipant(ctx context.Context, room domain.RoomID, pid domain.ParticipantID) error {
	return m.s.rdb.Del(ctx, m.participantKey(room, pid)).Err()
}

// AppendRoom pushes v onto a capped room-wide list, keeping the newest max
// entries.
func (m *ModuleData) AppendRoom(ctx context.Context, room domain.RoomID, list string, v any, max int64) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	key := m.roomKey(room) + ":" + list
	_, err = m.s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, raw)
		if max > 0 {
			pipe.LTrim(ctx, key, -max, -1)
		}
		pipe.Expire(ctx, key, ttlRoom)
		return nil
	})
	return err
}

// RangeRoom returns the raw entries of a room-wide list, oldest first.
func (m *ModuleData) RangeRoom(ctx context.Context, room domain.RoomID, list string) ([]json.RawMessage, error) {
	vals, err := m.s.rdb.LRange(ctx, m.roomKey(room)+":"+list, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		out[i] = json.RawMessage(v)
	}
	return out, nil
}

func (m *ModuleData) set(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.s.rdb.Set(ctx, key, raw, ttlRoom).Err()
}

// UpdateRoom applies fn to the room-wide value of m atomically. A missing
// value starts from the zero T.
func UpdateRoom[T any](ctx context.Context, m *ModuleData, room domain.RoomID, fn func(v *T) error) (*T, error) {
	key := m.roomKey(room)
	var out *T
	err := m.s.watch(ctx, "module_update", func(tx *redis.Tx) error {
		var cur T
		if _, err := getJSON(ctx, tx, key, &cur); err != nil {
			return err
		}
		if err := fn(&cur); err != nil {
			return err
		}
		raw, err := json.Marshal(&cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, ttlRoom)
			return nil
		})
		if err == nil {
			out = &cur
		}
		return err
	}, key)
	return out, err
}

// ClearParticipant drops pid's data from every listed namespace.
func (s *Store) ClearParticipant(ctx context.Context, room domain.RoomID, pid domain.ParticipantID, namespaces []string) error {
	if len(namespaces) == 0 {
		return nil
	}
	started := time.Now()
	defer s.metrics.StoreOp(ctx, "clear_participant", started)
	keys := make([]string, len(namespaces))
	for i, ns := range namespaces {
		keys[i] = s.Module(ns).participantKey(room, pid)
	}
	err := s.rdb.Del(ctx, keys...).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
