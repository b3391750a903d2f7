package exchange

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/park285/meet-signaling/internal/domain"
)

func newTestExchange(t *testing.T) *Exchange {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb)
}

func recv(t *testing.T, s *Subscription) Message {
	t.Helper()
	select {
	case m, ok := <-s.C():
		require.True(t, ok, "subscription closed")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestPublishReachesAllSubscribersInOrder(t *testing.T) {
	ex := newTestExchange(t)
	ctx := context.Background()

	a, err := ex.Subscribe(ctx, "r1")
	require.NoError(t, err)
	defer a.Close()
	b, err := ex.Subscribe(ctx, "r1")
	require.NoError(t, err)
	defer b.Close()
	other, err := ex.Subscribe(ctx, "r2")
	require.NoError(t, err)
	defer other.Close()

	for i := 0; i < 5; i++ {
		msg, err := Command("control", fmt.Sprintf("c%d", i), "p1", nil, map[string]int{"i": i})
		require.NoError(t, err)
		require.NoError(t, ex.Publish(ctx, "r1", msg))
	}
	for _, s := range []*Subscription{a, b} {
		for i := 0; i < 5; i++ {
			m := recv(t, s)
			require.Equal(t, fmt.Sprintf("c%d", i), m.Action)
			var body struct{ I int }
			require.NoError(t, m.Decode(&body))
			require.Equal(t, i, body.I)
		}
	}
	select {
	case m := <-other.C():
		t.Fatalf("r2 received %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMessageFor(t *testing.T) {
	all := Message{}
	require.True(t, all.For("x"))

	targeted := Message{Targets: []domain.ParticipantID{"a", "b"}}
	require.True(t, targeted.For("a"))
	require.False(t, targeted.For("c"))

	excluded := Message{Exclude: []domain.ParticipantID{"a"}}
	require.False(t, excluded.For("a"))
	require.True(t, excluded.For("b"))
}

func TestCloseStopsDelivery(t *testing.T) {
	ex := newTestExchange(t)
	ctx := context.Background()
	s, err := ex.Subscribe(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case _, ok := <-s.C():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}
