// Package moderation implements moderator commands. It validates them and
// turns them into control commands for the affected runners; no runner state
// is written here.
package moderation

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/park285/meet-signaling/internal/domain"
	"github.com/park285/meet-signaling/internal/module"
	"github.com/park285/meet-signaling/internal/obslog"
	"github.com/park285/meet-signaling/internal/protocol"
	"github.com/park285/meet-signaling/internal/roomstate"
)

const Namespace = "moderation"

const (
	ActionKick                = "kick"
	ActionBan                 = "ban"
	ActionSendToWaitingRoom   = "send_to_waiting_room"
	ActionAccept              = "accept"
	ActionEnableWaitingRoom   = "enable_waiting_room"
	ActionDisableWaitingRoom  = "disable_waiting_room"
	ActionResetRaisedHands    = "reset_raised_hands"
	ActionGrantModeratorRole  = "grant_moderator_role"
	ActionRevokeModeratorRole = "revoke_moderator_role"
	ActionGrantAccess         = "grant_access"
	ActionRevokeAccess        = "revoke_access"
)

const (
	MsgWaitingRoomEnabled  = "waiting_room_enabled"
	MsgWaitingRoomDisabled = "waiting_room_disabled"
	MsgRaisedHandsReset    = "raised_hands_reset"
	MsgAccessGranted       = "access_granted"
	MsgAccessRevoked       = "access_revoked"
)

const (
	CodeCannotBanGuest      = "cannot_ban_guest"
	CodeCannotRevokeCreator = "cannot_revoke_creator"
	CodeTargetNotFound      = "target_not_found"
)

// AccessControl persists invite entries and announces them to every node.
type AccessControl interface {
	Grant(ctx context.Context, userID string, room domain.RoomID) error
	Revoke(ctx context.Context, userID string, room domain.RoomID) error
}

type Module struct {
	access AccessControl
}

func New(access AccessControl) *Module { return &Module{access: access} }

func (m *Module) Namespace() string { return Namespace }

func (m *Module) Commands() []string {
	return []string{
		ActionKick, ActionBan, ActionSendToWaitingRoom, ActionAccept,
		ActionEnableWaitingRoom, ActionDisableWaitingRoom, ActionResetRaisedHands,
		ActionGrantModeratorRole, ActionRevokeModeratorRole,
		ActionGrantAccess, ActionRevokeAccess,
	}
}

func (m *Module) Events() []string {
	return []string{MsgWaitingRoomEnabled, MsgWaitingRoomDisabled, MsgRaisedHandsReset, MsgAccessGranted, MsgAccessRevoked}
}

type targetPayload struct {
	Target domain.ParticipantID `json:"target"`
}

type accessPayload struct {
	UserID string `json:"user_id"`
}

// JoinData is the moderation entry of join_success.
type JoinData struct {
	WaitingRoomEnabled bool                   `json:"waiting_room_enabled"`
	Waiting            []protocol.Participant `json:"waiting,omitempty"`
}

func (m *Module) OnJoin(ctx context.Context, c *module.Context) (any, error) {
	cfg, err := c.Store.LoadConfig(ctx, c.Room)
	if err != nil {
		return nil, err
	}
	out := JoinData{WaitingRoomEnabled: cfg != nil && cfg.Room.WaitingRoom}
	if c.IsModerator() {
		waiting, err := c.Store.WaitingRoster(ctx, c.Room)
		if err != nil {
			return nil, err
		}
		out.Waiting = lo.Map(waiting, func(e roomstate.Entry, _ int) protocol.Participant {
			return protocol.Participant{ID: e.ID, Control: e.Control}
		})
	}
	return out, nil
}

func (m *Module) HandleCommand(ctx context.Context, c *module.Context, action string, payload json.RawMessage) error {
	if !c.IsModerator() {
		return module.Forbidden()
	}
	log := obslog.L().With(obslog.Room(string(c.Room)), obslog.Participant(string(c.Self)), zap.String("action", action))

	switch action {
	case ActionKick:
		target, err := m.target(ctx, c, payload)
		if err != nil {
			return err
		}
		log.Info("moderation_kick", zap.String("target", string(target.ID)))
		return c.Command(protocol.NamespaceControl, protocol.CmdKick, []domain.ParticipantID{target.ID}, protocol.KickCommand{})

	case ActionBan:
		target, err := m.target(ctx, c, payload)
		if err != nil {
			return err
		}
		if target.Control.Kind != domain.KindUser || strings.TrimSpace(target.Control.UserID) == "" {
			return module.Errorf(CodeCannotBanGuest, "participant %s has no stable identity", target.ID)
		}
		if err := c.Store.Ban(ctx, c.Room, target.Control.UserID); err != nil {
			return err
		}
		sessions, err := sessionsOf(ctx, c, target.Control.UserID)
		if err != nil {
			return err
		}
		log.Info("moderation_ban", zap.String("target", string(target.ID)), zap.Int("sessions", len(sessions)))
		return c.Command(protocol.NamespaceControl, protocol.CmdKick, sessions, protocol.KickCommand{Banned: true})

	case ActionSendToWaitingRoom:
		target, err := m.joinedTarget(ctx, c, payload)
		if err != nil {
			return err
		}
		if err := m.setWaitingRoom(ctx, c, true); err != nil {
			return err
		}
		log.Info("moderation_send_to_waiting_room", zap.String("target", string(target.ID)))
		return c.Command(protocol.NamespaceControl, protocol.CmdSendToWaitingRoom, []domain.ParticipantID{target.ID}, nil)

	case ActionAccept:
		var p targetPayload
		if err := module.Decode(payload, &p); err != nil {
			return err
		}
		waiting, err := c.Store.Waiting(ctx, c.Room)
		if err != nil {
			return err
		}
		if !lo.Contains(waiting, p.Target) {
			return module.Errorf(CodeTargetNotFound, "%s is not waiting", p.Target)
		}
		return c.Command(protocol.NamespaceControl, protocol.CmdAccept, []domain.ParticipantID{p.Target}, nil)

	case ActionEnableWaitingRoom:
		return m.setWaitingRoom(ctx, c, true)

	case ActionDisableWaitingRoom:
		if err := m.setWaitingRoom(ctx, c, false); err != nil {
			return err
		}
		waiting, err := c.Store.Waiting(ctx, c.Room)
		if err != nil {
			return err
		}
		if len(waiting) == 0 {
			return nil
		}
		return c.Command(protocol.NamespaceControl, protocol.CmdWaitingRoomDisabled, waiting, nil)

	case ActionResetRaisedHands:
		if err := c.Command(protocol.NamespaceControl, protocol.CmdLowerHand, nil, nil); err != nil {
			return err
		}
		return c.Broadcast(MsgRaisedHandsReset, nil)

	case ActionGrantModeratorRole, ActionRevokeModeratorRole:
		// only a joined runner applies role changes
		target, err := m.joinedTarget(ctx, c, payload)
		if err != nil {
			return err
		}
		role := domain.RoleModerator
		if action == ActionRevokeModeratorRole {
			if target.Control.IsRoomOwner {
				return module.Errorf(CodeCannotRevokeCreator, "%s created the room", target.ID)
			}
			role = baseRole(target.Control.Kind)
		}
		return c.Command(protocol.NamespaceControl, protocol.CmdSetRole, []domain.ParticipantID{target.ID}, protocol.SetRoleCommand{Role: role})

	case ActionGrantAccess, ActionRevokeAccess:
		var p accessPayload
		if err := module.Decode(payload, &p); err != nil {
			return err
		}
		userID := strings.TrimSpace(p.UserID)
		if userID == "" {
			return module.Errorf(module.CodeInvalidPayload, "user_id is required")
		}
		if action == ActionGrantAccess {
			if err := m.access.Grant(ctx, userID, c.Room); err != nil {
				return err
			}
			return c.Reply(MsgAccessGranted, accessPayload{UserID: userID})
		}
		if err := m.access.Revoke(ctx, userID, c.Room); err != nil {
			return err
		}
		return c.Reply(MsgAccessRevoked, accessPayload{UserID: userID})
	}
	return module.ErrUnknownAction
}

// target resolves the payload's target to a participant currently joined or
// waiting in the room.
func (m *Module) target(ctx context.Context, c *module.Context, payload json.RawMessage) (roomstate.Entry, error) {
	var p targetPayload
	if err := module.Decode(payload, &p); err != nil {
		return roomstate.Entry{}, err
	}
	if strings.TrimSpace(string(p.Target)) == "" {
		return roomstate.Entry{}, module.Errorf(module.CodeInvalidPayload, "target is required")
	}
	ctrl, err := c.Store.Control(ctx, c.Room, p.Target)
	if err != nil {
		return roomstate.Entry{}, err
	}
	if ctrl == nil {
		return roomstate.Entry{}, module.Errorf(CodeTargetNotFound, "%s is not in the room", p.Target)
	}
	return roomstate.Entry{ID: p.Target, Control: *ctrl}, nil
}

// joinedTarget is target restricted to joined participants.
func (m *Module) joinedTarget(ctx context.Context, c *module.Context, payload json.RawMessage) (roomstate.Entry, error) {
	target, err := m.target(ctx, c, payload)
	if err != nil {
		return roomstate.Entry{}, err
	}
	joined, err := c.Store.Participants(ctx, c.Room)
	if err != nil {
		return roomstate.Entry{}, err
	}
	if !lo.Contains(joined, target.ID) {
		return roomstate.Entry{}, module.Errorf(CodeTargetNotFound, "%s is not joined", target.ID)
	}
	return target, nil
}

func (m *Module) setWaitingRoom(ctx context.Context, c *module.Context, enabled bool) error {
	changed := false
	_, err := c.Store.UpdateConfig(ctx, c.Room, func(cfg *domain.RoomConfig) error {
		changed = cfg.Room.WaitingRoom != enabled
		cfg.Room.WaitingRoom = enabled
		return nil
	})
	if err != nil || !changed {
		return err
	}
	if enabled {
		return c.Broadcast(MsgWaitingRoomEnabled, nil)
	}
	return c.Broadcast(MsgWaitingRoomDisabled, nil)
}

// sessionsOf lists every joined or waiting participant of userID.
func sessionsOf(ctx context.Context, c *module.Context, userID string) ([]domain.ParticipantID, error) {
	joined, err := c.Store.Roster(ctx, c.Room)
	if err != nil {
		return nil, err
	}
	waiting, err := c.Store.WaitingRoster(ctx, c.Room)
	if err != nil {
		return nil, err
	}
	return lo.FilterMap(append(joined, waiting...), func(e roomstate.Entry, _ int) (domain.ParticipantID, bool) {
		return e.ID, e.Control.UserID == userID
	}), nil
}

func baseRole(kind domain.Kind) domain.Role {
	if kind == domain.KindUser {
		return domain.RoleUser
	}
	return domain.RoleGuest
}
