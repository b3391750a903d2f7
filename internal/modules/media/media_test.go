package media

import (
	"context"
	"encoding/json"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/park285/meet-signaling/internal/domain"
	"github.com/park285/meet-signaling/internal/exchange"
	"github.com/park285/meet-signaling/internal/module"
	"github.com/park285/meet-signaling/internal/roomstate"
)

func newStore(t *testing.T) *roomstate.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := roomstate.NewStore(rdb, nil)
	ctx := context.Background()
	_, err := s.CreateConfig(ctx, &domain.RoomConfig{Room: domain.Room{ID: "r1"}})
	require.NoError(t, err)
	require.NoError(t, s.Join(ctx, "r1", "mod", domain.ControlData{Role: domain.RoleModerator}, 0))
	require.NoError(t, s.Join(ctx, "r1", "a", domain.ControlData{Role: domain.RoleUser}, 0))
	require.NoError(t, s.Join(ctx, "r1", "b", domain.ControlData{Role: domain.RoleUser}, 0))
	return s
}

func contextFor(s *roomstate.Store, self domain.ParticipantID, role domain.Role) *module.Context {
	c := &module.Context{Room: "r1", Self: self, Store: s, Control: domain.ControlData{Role: role}}
	return c.WithNamespace(Namespace)
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestUpdateSessionShowsInRoster(t *testing.T) {
	s := newStore(t)
	m := New(s)
	ctx := context.Background()
	c := contextFor(s, "a", domain.RoleUser)

	_, err := m.OnJoin(ctx, c)
	require.NoError(t, err)
	require.NoError(t, m.HandleCommand(ctx, c, ActionUpdateMediaSession, raw(t, map[string]any{"audio": true, "video": true})))
	out := c.Drain()
	require.Len(t, out, 1)
	require.Equal(t, []domain.ParticipantID{"a"}, out[0].Remote.Exclude)

	v, err := m.ParticipantData(ctx, "r1", "a")
	require.NoError(t, err)
	require.Equal(t, Session{Audio: true, Video: true}, v)

	// same session again is not re-announced
	require.NoError(t, m.HandleCommand(ctx, c, ActionUpdateMediaSession, raw(t, map[string]any{"audio": true, "video": true})))
	require.Empty(t, c.Drain())
}

func TestForceMuteBlocksUnmute(t *testing.T) {
	s := newStore(t)
	m := New(s)
	ctx := context.Background()

	mod := contextFor(s, "mod", domain.RoleModerator)
	require.NoError(t, m.HandleCommand(ctx, mod, ActionEnableForceMute, raw(t, forceMutePayload{AllowList: []domain.ParticipantID{"b"}})))
	out := mod.Drain()
	require.Len(t, out, 2)
	require.Equal(t, MsgForceMuteEnabled, out[0].Remote.Action)
	require.Equal(t, exchange.KindCommand, out[1].Remote.Kind)
	require.Equal(t, []domain.ParticipantID{"a"}, out[1].Remote.Targets)

	a := contextFor(s, "a", domain.RoleUser)
	err := m.HandleCommand(ctx, a, ActionUpdateMediaSession, raw(t, map[string]any{"audio": true}))
	require.Equal(t, CodeForceMuted, module.CodeOf(err))
	require.NoError(t, m.HandleCommand(ctx, a, ActionUpdateMediaSession, raw(t, map[string]any{"video": true})))

	b := contextFor(s, "b", domain.RoleUser)
	require.NoError(t, m.HandleCommand(ctx, b, ActionUpdateMediaSession, raw(t, map[string]any{"audio": true})))

	v, err := m.OnJoin(ctx, contextFor(s, "late", domain.RoleUser))
	require.NoError(t, err)
	require.True(t, v.(JoinData).ForceMute.Enabled)

	require.NoError(t, m.HandleCommand(ctx, mod, ActionDisableForceMute, nil))
	require.NoError(t, m.HandleCommand(ctx, a, ActionUpdateMediaSession, raw(t, map[string]any{"audio": true})))
}

func TestMuteCommandRunsOnTarget(t *testing.T) {
	s := newStore(t)
	m := New(s)
	ctx := context.Background()

	a := contextFor(s, "a", domain.RoleUser)
	require.NoError(t, m.HandleCommand(ctx, a, ActionUpdateMediaSession, raw(t, map[string]any{"audio": true})))
	a.Drain()

	mod := contextFor(s, "mod", domain.RoleModerator)
	err := m.HandleCommand(ctx, mod, ActionModeratorMute, raw(t, mutePayload{Targets: []domain.ParticipantID{"ghost"}}))
	require.Equal(t, CodeTargetNotFound, module.CodeOf(err))
	require.NoError(t, m.HandleCommand(ctx, mod, ActionModeratorMute, raw(t, mutePayload{Targets: []domain.ParticipantID{"a"}})))
	cmd := mod.Drain()
	require.Len(t, cmd, 1)

	require.NoError(t, m.HandleExchange(ctx, a, *cmd[0].Remote))
	out := a.Drain()
	require.Len(t, out, 2)
	require.NotNil(t, out[0].Local)
	require.Equal(t, MsgMediaUpdated, out[1].Remote.Action)

	v, err := m.ParticipantData(ctx, "r1", "a")
	require.NoError(t, err)
	require.False(t, v.(Session).Audio)

	user := contextFor(s, "b", domain.RoleUser)
	err = m.HandleCommand(ctx, user, ActionModeratorMute, raw(t, mutePayload{Targets: []domain.ParticipantID{"a"}}))
	require.Equal(t, module.CodeInsufficientPermissions, module.CodeOf(err))
}
