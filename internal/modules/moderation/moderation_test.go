package moderation

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
	"github.com/park285/meet-signaling/internal/protocol"
	"github.com/park285/meet-signaling/internal/roomstate"
)

type recordingAccess struct {
	granted, revoked []string
}

func (a *recordingAccess) Grant(_ context.Context, userID string, _ domain.RoomID) error {
	a.granted = append(a.granted, userID)
	return nil
}

func (a *recordingAccess) Revoke(_ context.Context, userID string, _ domain.RoomID) error {
	a.revoked = append(a.revoked, userID)
	return nil
}

func newStore(t *testing.T) *roomstate.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := roomstate.NewStore(rdb, nil)
	ctx := context.Background()
	_, err := s.CreateConfig(ctx, &domain.RoomConfig{Room: domain.Room{ID: "r1", CreatedBy: "owner"}})
	require.NoError(t, err)
	join := func(pid domain.ParticipantID, c domain.ControlData) {
		require.NoError(t, s.Join(ctx, "r1", pid, c, 0))
	}
	join("owner-1", domain.ControlData{Role: domain.RoleModerator, Kind: domain.KindUser, UserID: "owner", IsRoomOwner: true})
	join("user-1", domain.ControlData{Role: domain.RoleUser, Kind: domain.KindUser, UserID: "u2"})
	join("user-2", domain.ControlData{Role: domain.RoleUser, Kind: domain.KindUser, UserID: "u2"})
	join("guest-1", domain.ControlData{Role: domain.RoleGuest, Kind: domain.KindGuest})
	join("mod-2", domain.ControlData{Role: domain.RoleModerator, Kind: domain.KindUser, UserID: "m2"})
	require.NoError(t, s.EnterWaiting(ctx, "r1", "waiter-1", domain.ControlData{Role: domain.RoleUser, Kind: domain.KindUser, UserID: "u3"}))
	return s
}

func moderator(s *roomstate.Store, self domain.ParticipantID) *module.Context {
	c := &module.Context{Room: "r1", Self: self, Store: s, Control: domain.ControlData{Role: domain.RoleModerator}}
	return c.WithNamespace(Namespace)
}

func target(t *testing.T, pid domain.ParticipantID) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(targetPayload{Target: pid})
	require.NoError(t, err)
	return raw
}

func commands(t *testing.T, out []module.Output) []exchange.Message {
	t.Helper()
	var msgs []exchange.Message
	for _, o := range out {
		if o.Remote != nil && o.Remote.Kind == exchange.KindCommand {
			msgs = append(msgs, *o.Remote)
		}
	}
	return msgs
}

func TestBanGuestIsRejected(t *testing.T) {
	s := newStore(t)
	m := New(&recordingAccess{})
	c := moderator(s, "owner-1")

	err := m.HandleCommand(context.Background(), c, ActionBan, target(t, "guest-1"))
	require.Equal(t, CodeCannotBanGuest, module.CodeOf(err))
	require.Empty(t, c.Drain())

	bans, err := s.Bans(context.Background(), "r1")
	require.NoError(t, err)
	require.Empty(t, bans)
}

func TestBanKicksEverySessionOfIdentity(t *testing.T) {
	s := newStore(t)
	m := New(&recordingAccess{})
	c := moderator(s, "owner-1")

	require.NoError(t, m.HandleCommand(context.Background(), c, ActionBan, target(t, "user-1")))
	cmds := commands(t, c.Drain())
	require.Len(t, cmds, 1)
	require.Equal(t, protocol.CmdKick, cmds[0].Action)
	require.ElementsMatch(t, []domain.ParticipantID{"user-1", "user-2"}, cmds[0].Targets)
	var k protocol.KickCommand
	require.NoError(t, cmds[0].Decode(&k))
	require.True(t, k.Banned)

	banned, err := s.IsBanned(context.Background(), "r1", "u2")
	require.NoError(t, err)
	require.True(t, banned)
}

func TestKickLeavesNoBanRecord(t *testing.T) {
	s := newStore(t)
	m := New(&recordingAccess{})
	c := moderator(s, "owner-1")

	require.NoError(t, m.HandleCommand(context.Background(), c, ActionKick, target(t, "guest-1")))
	cmds := commands(t, c.Drain())
	require.Len(t, cmds, 1)
	require.Equal(t, []domain.ParticipantID{"guest-1"}, cmds[0].Targets)

	bans, err := s.Bans(context.Background(), "r1")
	require.NoError(t, err)
	require.Empty(t, bans)

	err = m.HandleCommand(context.Background(), c, ActionKick, target(t, "nobody"))
	require.Equal(t, CodeTargetNotFound, module.CodeOf(err))
}

func TestRevokeCreatorRejected(t *testing.T) {
	s := newStore(t)
	m := New(&recordingAccess{})
	c := moderator(s, "mod-2")

	err := m.HandleCommand(context.Background(), c, ActionRevokeModeratorRole, target(t, "owner-1"))
	require.Equal(t, CodeCannotRevokeCreator, module.CodeOf(err))
	require.Empty(t, c.Drain())

	require.NoError(t, m.HandleCommand(context.Background(), c, ActionRevokeModeratorRole, target(t, "mod-2")))
	cmds := commands(t, c.Drain())
	require.Len(t, cmds, 1)
	var sr protocol.SetRoleCommand
	require.NoError(t, cmds[0].Decode(&sr))
	require.Equal(t, domain.RoleUser, sr.Role)
}

func TestRoleChangesRequireJoinedTarget(t *testing.T) {
	s := newStore(t)
	m := New(&recordingAccess{})
	c := moderator(s, "owner-1")
	ctx := context.Background()

	for _, action := range []string{ActionGrantModeratorRole, ActionRevokeModeratorRole, ActionSendToWaitingRoom} {
		err := m.HandleCommand(ctx, c, action, target(t, "waiter-1"))
		require.Equal(t, CodeTargetNotFound, module.CodeOf(err), action)
		require.Empty(t, c.Drain(), action)
	}

	// kick and ban still reach the waiting room
	require.NoError(t, m.HandleCommand(ctx, c, ActionKick, target(t, "waiter-1")))
	require.Len(t, commands(t, c.Drain()), 1)
}

func TestSendToWaitingRoomActivatesWaitingRoom(t *testing.T) {
	s := newStore(t)
	m := New(&recordingAccess{})
	c := moderator(s, "owner-1")
	ctx := context.Background()

	require.NoError(t, m.HandleCommand(ctx, c, ActionSendToWaitingRoom, target(t, "user-1")))
	out := c.Drain()
	require.Len(t, out, 2)
	require.Equal(t, MsgWaitingRoomEnabled, out[0].Remote.Action)
	require.Equal(t, protocol.CmdSendToWaitingRoom, out[1].Remote.Action)

	cfg, err := s.LoadConfig(ctx, "r1")
	require.NoError(t, err)
	require.True(t, cfg.Room.WaitingRoom)

	// already active: only the command
	require.NoError(t, m.HandleCommand(ctx, c, ActionSendToWaitingRoom, target(t, "user-2")))
	require.Len(t, c.Drain(), 1)
}

func TestOnlyModeratorsModerate(t *testing.T) {
	s := newStore(t)
	m := New(&recordingAccess{})
	c := (&module.Context{Room: "r1", Self: "user-1", Store: s, Control: domain.ControlData{Role: domain.RoleUser}}).WithNamespace(Namespace)

	for _, action := range m.Commands() {
		err := m.HandleCommand(context.Background(), c, action, target(t, "guest-1"))
		require.Equal(t, module.CodeInsufficientPermissions, module.CodeOf(err), action)
	}
}

func TestAccessGrantAndRevoke(t *testing.T) {
	s := newStore(t)
	access := &recordingAccess{}
	m := New(access)
	c := moderator(s, "owner-1")
	ctx := context.Background()

	require.NoError(t, m.HandleCommand(ctx, c, ActionGrantAccess, json.RawMessage(`{"user_id":" u9 "}`)))
	require.NoError(t, m.HandleCommand(ctx, c, ActionRevokeAccess, json.RawMessage(`{"user_id":"u9"}`)))
	require.Equal(t, []string{"u9"}, access.granted)
	require.Equal(t, []string{"u9"}, access.revoked)

	err := m.HandleCommand(ctx, c, ActionGrantAccess, json.RawMessage(`{}`))
	require.Equal(t, module.CodeInvalidPayload, module.CodeOf(err))
}
