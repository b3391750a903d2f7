// Package media carries the signaling side of media sessions: what each
// participant publishes, and moderator mute controls. Transport negotiation
// happens elsewhere.
package media

import (
	"context"
	"encoding/json"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/park285/meet-signaling/internal/domain"
	"github.com/park285/meet-signaling/internal/exchange"
	"github.com/park285/meet-signaling/internal/module"
	"github.com/park285/meet-signaling/internal/obslog"
	"github.com/park285/meet-signaling/internal/roomstate"
)

const Namespace = "media"

const (
	ActionUpdateMediaSession = "update_media_session"
	ActionModeratorMute      = "moderator_mute"
	ActionEnableForceMute    = "enable_force_mute"
	ActionDisableForceMute   = "disable_force_mute"
)

const (
	MsgMediaUpdated      = "media_updated"
	MsgRequestMute       = "request_mute"
	MsgForceMuteEnabled  = "force_mute_enabled"
	MsgForceMuteDisabled = "force_mute_disabled"
)

const (
	CodeForceMuted     = "force_muted"
	CodeTargetNotFound = "target_not_found"
)

// commandMute is published to the runners of muted participants.
const commandMute = "mute"

// Session is what a participant currently publishes.
type Session struct {
	Audio  bool `json:"audio"`
	Video  bool `json:"video"`
	Screen bool `json:"screen"`
}

// ForceMute is the room-wide mute policy. Participants on AllowList and
// moderators may still unmute.
type ForceMute struct {
	Enabled   bool                   `json:"enabled"`
	AllowList []domain.ParticipantID `json:"allow_list,omitempty"`
}

func (f ForceMute) blocks(c *module.Context) bool {
	return f.Enabled && !c.IsModerator() && !lo.Contains(f.AllowList, c.Self)
}

type roomState struct {
	ForceMute ForceMute `json:"force_mute"`
}

type JoinData struct {
	ForceMute ForceMute `json:"force_mute"`
}

type updatePayload struct {
	Session
}

type mutePayload struct {
	Targets []domain.ParticipantID `json:"targets"`
}

type forceMutePayload struct {
	AllowList []domain.ParticipantID `json:"allow_list,omitempty"`
}

type updated struct {
	ID      domain.ParticipantID `json:"id"`
	Session Session              `json:"session"`
}

type Module struct {
	data *roomstate.ModuleData
}

func New(store *roomstate.Store) *Module { return &Module{data: store.Module(Namespace)} }

func (m *Module) Namespace() string { return Namespace }

func (m *Module) Commands() []string {
	return []string{ActionUpdateMediaSession, ActionModeratorMute, ActionEnableForceMute, ActionDisableForceMute}
}

func (m *Module) Events() []string {
	return []string{MsgMediaUpdated, MsgRequestMute, MsgForceMuteEnabled, MsgForceMuteDisabled}
}

func (m *Module) OnJoin(ctx context.Context, c *module.Context) (any, error) {
	st, err := loadRoom(ctx, c.Data(), c.Room)
	if err != nil {
		return nil, err
	}
	// a fresh join always starts unpublished
	if err := c.Data().SetParticipant(ctx, c.Room, c.Self, Session{}); err != nil {
		return nil, err
	}
	return JoinData{ForceMute: st.ForceMute}, nil
}

func (m *Module) OnLeave(ctx context.Context, c *module.Context) error {
	var cur Session
	ok, err := c.Data().GetParticipant(ctx, c.Room, c.Self, &cur)
	if err != nil || !ok || cur == (Session{}) {
		return err
	}
	return c.BroadcastOthers(MsgMediaUpdated, updated{ID: c.Self})
}

// ParticipantData exposes the published session in rosters.
func (m *Module) ParticipantData(ctx context.Context, room domain.RoomID, pid domain.ParticipantID) (any, error) {
	var s Session
	ok, err := m.data.GetParticipant(ctx, room, pid, &s)
	if err != nil || !ok {
		return nil, err
	}
	return s, nil
}

func (m *Module) HandleCommand(ctx context.Context, c *module.Context, action string, payload json.RawMessage) error {
	switch action {
	case ActionUpdateMediaSession:
		var p updatePayload
		if err := module.Decode(payload, &p); err != nil {
			return err
		}
		return m.update(ctx, c, p.Session)

	case ActionModeratorMute:
		if !c.IsModerator() {
			return module.Forbidden()
		}
		var p mutePayload
		if err := module.Decode(payload, &p); err != nil {
			return err
		}
		targets, err := joinedTargets(ctx, c, p.Targets)
		if err != nil {
			return err
		}
		return c.Command(Namespace, commandMute, targets, nil)

	case ActionEnableForceMute, ActionDisableForceMute:
		if !c.IsModerator() {
			return module.Forbidden()
		}
		var p forceMutePayload
		if len(payload) > 0 {
			if err := module.Decode(payload, &p); err != nil {
				return err
			}
		}
		return m.setForceMute(ctx, c, action == ActionEnableForceMute, p.AllowList)
	}
	return module.ErrUnknownAction
}

// HandleExchange runs on the muted participant's own runner, which keeps it
// the only writer of its session.
func (m *Module) HandleExchange(ctx context.Context, c *module.Context, msg exchange.Message) error {
	switch msg.Action {
	case commandMute:
		var cur Session
		if _, err := c.Data().GetParticipant(ctx, c.Room, c.Self, &cur); err != nil {
			return err
		}
		if err := c.Reply(MsgRequestMute, map[string]domain.ParticipantID{"issuer": msg.From}); err != nil {
			return err
		}
		if !cur.Audio {
			return nil
		}
		cur.Audio = false
		if err := c.Data().SetParticipant(ctx, c.Room, c.Self, cur); err != nil {
			return err
		}
		return c.BroadcastOthers(MsgMediaUpdated, updated{ID: c.Self, Session: cur})
	}
	obslog.L().Debug("media_exchange_ignored", obslog.Room(string(c.Room)), zap.String("action", msg.Action))
	return nil
}

func (m *Module) update(ctx context.Context, c *module.Context, next Session) error {
	if next.Audio {
		st, err := loadRoom(ctx, c.Data(), c.Room)
		if err != nil {
			return err
		}
		if st.ForceMute.blocks(c) {
			return &module.Error{Code: CodeForceMuted}
		}
	}
	var cur Session
	if _, err := c.Data().GetParticipant(ctx, c.Room, c.Self, &cur); err != nil {
		return err
	}
	if cur == next {
		return nil
	}
	if err := c.Data().SetParticipant(ctx, c.Room, c.Self, next); err != nil {
		return err
	}
	return c.BroadcastOthers(MsgMediaUpdated, updated{ID: c.Self, Session: next})
}

func (m *Module) setForceMute(ctx context.Context, c *module.Context, enabled bool, allow []domain.ParticipantID) error {
	st, err := roomstate.UpdateRoom(ctx, c.Data(), c.Room, func(st *roomState) error {
		st.ForceMute = ForceMute{Enabled: enabled}
		if enabled {
			st.ForceMute.AllowList = lo.Uniq(allow)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !enabled {
		return c.Broadcast(MsgForceMuteDisabled, nil)
	}
	if err := c.Broadcast(MsgForceMuteEnabled, st.ForceMute); err != nil {
		return err
	}
	// everyone not allowed to speak is muted right away
	roster, err := c.Store.Roster(ctx, c.Room)
	if err != nil {
		return err
	}
	muted := lo.FilterMap(roster, func(e roomstate.Entry, _ int) (domain.ParticipantID, bool) {
		return e.ID, !e.Control.IsModerator() && !lo.Contains(st.ForceMute.AllowList, e.ID)
	})
	if len(muted) == 0 {
		return nil
	}
	return c.Command(Namespace, commandMute, muted, nil)
}

func loadRoom(ctx context.Context, data *roomstate.ModuleData, room domain.RoomID) (roomState, error) {
	var st roomState
	_, err := data.GetRoom(ctx, room, &st)
	return st, err
}

func joinedTargets(ctx context.Context, c *module.Context, targets []domain.ParticipantID) ([]domain.ParticipantID, error) {
	if len(targets) == 0 {
		return nil, module.Errorf(module.CodeInvalidPayload, "targets are required")
	}
	roster, err := c.Store.Participants(ctx, c.Room)
	if err != nil {
		return nil, err
	}
	targets = lo.Uniq(targets)
	if missing, _ := lo.Difference(targets, roster); len(missing) > 0 {
		return nil, module.Errorf(CodeTargetNotFound, "%s is not in the room", missing[0])
	}
	return targets, nil
}
