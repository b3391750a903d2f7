// Package exchange is the per-room pub/sub bus between runners on all nodes.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/meet-signaling/internal/domain"
	"github.com/park285/meet-signaling/internal/obslog"
)

type Kind string

const (
	// KindEvent is forwarded to the participant connection as-is.
	KindEvent Kind = "event"
	// KindCommand is interpreted by the receiving runner.
	KindCommand Kind = "command"
)

// Message travels on a room channel. Targets nil addresses every runner of the
// room; Exclude removes runners from that set.
type Message struct {
	Kind      Kind                   `json:"kind"`
	From      domain.ParticipantID   `json:"from,omitempty"`
	Targets   []domain.ParticipantID `json:"targets,omitempty"`
	Exclude   []domain.ParticipantID `json:"exclude,omitempty"`
	Namespace string                 `json:"namespace"`
	Action    string                 `json:"action"`
	Payload   json.RawMessage        `json:"payload,omitempty"`
}

// For reports whether pid is addressed by m.
func (m Message) For(pid domain.ParticipantID) bool {
	if slices.Contains(m.Exclude, pid) {
		return false
	}
	return len(m.Targets) == 0 || slices.Contains(m.Targets, pid)
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Command builds a command message for targets.
func Command(namespace, action string, from domain.ParticipantID, targets []domain.ParticipantID, body any) (Message, error) {
	raw, err := marshal(body)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindCommand, From: from, Targets: targets, Namespace: namespace, Action: action, Payload: raw}, nil
}

func marshal(body any) (json.RawMessage, error) {
	if body == nil {
		return nil, nil
	}
	if raw, ok := body.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(body)
}

func Channel(room domain.RoomID) string { return "exchange:room:" + string(room) }

type Exchange struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Exchange { return &Exchange{rdb: rdb} }

// Publish delivers msg to every subscriber of room. Messages published in
// sequence by one caller are received in that order.
func (e *Exchange) Publish(ctx context.Context, room domain.RoomID, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode exchange message: %w", err)
	}
	if err := e.rdb.Publish(ctx, Channel(room), raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", room, err)
	}
	return nil
}

// Subscription streams messages of one room until closed.
type Subscription struct {
	ps   *redis.PubSub
	ch   chan Message
	once sync.Once
	done chan struct{}
}

// Subscribe returns once the subscription is active on the server, so a
// publish issued after Subscribe returns is never missed.
func (e *Exchange) Subscribe(ctx context.Context, room domain.RoomID) (*Subscription, error) {
	ps := e.rdb.Subscribe(ctx, Channel(room))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", room, err)
	}
	s := &Subscription{ps: ps, ch: make(chan Message, 64), done: make(chan struct{})}
	go s.pump(room)
	return s, nil
}

func (s *Subscription) pump(room domain.RoomID) {
	defer close(s.ch)
	in := s.ps.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-s.done:
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				obslog.L().Warn("exchange_decode_failed", obslog.Room(string(room)), zap.Error(err))
				continue
			}
			select {
			case s.ch <- msg:
			case <-s.done:
				return
			}
		}
	}
}

// C yields messages in publish order. It is closed after Close.
func (s *Subscription) C() <-chan Message { return s.ch }

func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
