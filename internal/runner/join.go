package runner

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/park285/meet-signaling/internal/domain"
	"github.com/park285/meet-signaling/internal/entities"
	"github.com/park285/meet-signaling/internal/lifecycle"
	"github.com/park285/meet-signaling/internal/lock"
	"github.com/park285/meet-signaling/internal/module"
	"github.com/park285/meet-signaling/internal/protocol"
	"github.com/park285/meet-signaling/internal/roomstate"
)

func displayName(raw string) (string, bool) {
	name := strings.TrimSpace(raw)
	if name == "" || utf8.RuneCountInString(name) > maxDisplayName {
		return "", false
	}
	return name, true
}

// handleJoin validates the room for this identity and places the participant
// either in the room or in its waiting room.
func (r *Runner) handleJoin(ctx context.Context, name string) bool {
	cfg, _, err := r.deps.Bootstrap.Ensure(ctx, r.room())
	if err != nil {
		return r.failJoin(ctx, err)
	}
	r.cfg = cfg
	now := r.deps.Now()

	// Join and EnterWaiting repeat this check inside their transaction
	if r.identity.Stable() {
		banned, err := r.deps.Store.IsBanned(ctx, r.room(), r.identity.UserID)
		if err != nil {
			return r.failJoin(ctx, err)
		}
		if banned {
			return r.blockJoin(ctx, domain.BlockBanned)
		}
	}
	if cfg.Closed(now) {
		return r.blockJoin(ctx, domain.BlockRoomClosed)
	}
	owner := r.identity.Stable() && r.identity.UserID == cfg.Room.CreatedBy
	if cfg.Room.InviteOnly && !owner && !r.invited() {
		return r.blockJoin(ctx, domain.BlockNotInvited)
	}

	// subscribe before becoming visible so no event addressed to us is missed
	sub, err := r.deps.Exchange.Subscribe(ctx, r.room())
	if err != nil {
		return r.failJoin(ctx, err)
	}
	r.sub = sub

	role := r.identity.Role
	if owner {
		role = domain.RoleModerator
	}
	r.control = domain.ControlData{
		DisplayName:   name,
		Role:          role,
		Kind:          r.identity.Kind,
		UserID:        r.identity.UserID,
		HandUpdatedAt: now.UTC(),
		JoinedAt:      now.UTC(),
		IsRoomOwner:   owner,
	}
	if cfg.Room.WaitingRoom && !r.control.IsModerator() {
		return r.enterWaiting(ctx)
	}
	return r.joinRoom(ctx)
}

func (r *Runner) invited() bool {
	if !r.identity.Stable() {
		return false
	}
	if r.deps.Access == nil {
		return true
	}
	return r.deps.Access.CanJoin(r.identity.UserID, r.room())
}

func (r *Runner) failJoin(ctx context.Context, err error) bool {
	code := module.CodeInternal
	switch {
	case errors.Is(err, entities.ErrNotFound):
		code = CodeRoomNotFound
	case errors.Is(err, lock.ErrContended), errors.Is(err, lock.ErrLostOwnership):
		code = CodeRoomUnavailable
	}
	r.log.Warn("runner_join_failed", zap.String("code", code), zap.Error(err))
	r.sendError(ctx, protocol.NamespaceControl, code)
	r.closeReason = CloseError
	return true
}

func (r *Runner) blockJoin(ctx context.Context, reason domain.BlockReason) bool {
	r.log.Info("runner_join_blocked", zap.String("reason", string(reason)))
	r.reply(ctx, protocol.MsgJoinBlocked, protocol.JoinBlocked{Reason: reason})
	r.closeReason = CloseBlocked
	return true
}

func (r *Runner) enterWaiting(ctx context.Context) bool {
	err := r.deps.Store.EnterWaiting(ctx, r.room(), r.id, r.control)
	switch {
	case errors.Is(err, roomstate.ErrBanned):
		return r.blockJoin(ctx, domain.BlockBanned)
	case err != nil:
		return r.failJoin(ctx, err)
	}
	r.setState(domain.RunnerState{Kind: domain.StateWaiting, Control: r.control})
	r.notify(lifecycle.ParticipantJoined)
	r.log.Info("runner_waiting")

	r.reply(ctx, protocol.MsgInWaitingRoom, nil)
	r.toModerators(ctx, protocol.MsgJoinedWaitingRoom, protocol.Participant{ID: r.id, Control: r.control})
	return false
}

// joinRoom writes the membership, then reads the roster, so the snapshot in
// join_success already contains every join that committed before ours.
func (r *Runner) joinRoom(ctx context.Context) bool {
	wasWaiting := r.State().Waiting()
	r.control.Accepted = false

	err := r.deps.Store.Join(ctx, r.room(), r.id, r.control, r.cfg.ParticipantLimit)
	if errors.Is(err, roomstate.ErrRoomNotFound) {
		// destroyed between bootstrap and join
		cfg, _, berr := r.deps.Bootstrap.Ensure(ctx, r.room())
		if berr != nil {
			return r.failJoin(ctx, berr)
		}
		r.cfg = cfg
		err = r.deps.Store.Join(ctx, r.room(), r.id, r.control, r.cfg.ParticipantLimit)
	}
	switch {
	case errors.Is(err, roomstate.ErrBanned):
		return r.blockJoin(ctx, domain.BlockBanned)
	case errors.Is(err, roomstate.ErrParticipantLimit):
		return r.blockJoin(ctx, domain.BlockParticipantLimit)
	case err != nil:
		return r.failJoin(ctx, err)
	}

	r.setState(domain.RunnerState{Kind: domain.StateJoined})
	r.deps.Metrics.ParticipantJoined(ctx)
	r.notify(lifecycle.ParticipantJoined)
	if wasWaiting {
		r.toModerators(ctx, protocol.MsgLeftWaitingRoom, protocol.Left{ID: r.id, Reason: domain.LeaveQuit})
	}

	hooks := r.deps.Modules.Join(ctx, r.moduleContext())
	for _, h := range hooks {
		r.flush(ctx, h.Outputs)
		if h.Err != nil {
			r.reportModuleError(ctx, h.Namespace, "join", h.Err)
		}
	}

	roster, err := r.deps.Store.Roster(ctx, r.room())
	if err != nil {
		return r.failJoin(ctx, err)
	}
	others := lo.FilterMap(roster, func(e roomstate.Entry, _ int) (protocol.Participant, bool) {
		if e.ID == r.id {
			return protocol.Participant{}, false
		}
		return protocol.Participant{
			ID:      e.ID,
			Control: e.Control,
			Modules: r.deps.Modules.ParticipantData(ctx, r.room(), e.ID),
		}, true
	})

	r.publishEvent(ctx, protocol.MsgJoined, r.participant(ctx), nil, []domain.ParticipantID{r.id})
	r.reply(ctx, protocol.MsgJoinSuccess, protocol.JoinSuccess{
		ID:            r.id,
		DisplayName:   r.control.DisplayName,
		Role:          r.control.Role,
		IsRoomOwner:   r.control.IsRoomOwner,
		E2EEncryption: r.cfg.Room.E2EEncryption,
		ClosesAt:      r.cfg.Room.ClosesAt,
		Participants:  others,
		Modules:       module.Values(hooks),
	})
	r.log.Info("runner_joined", zap.String("role", string(r.control.Role)), zap.Int("roster", len(roster)))
	return false
}

// leave removes the participant from Room State and tells the room.
func (r *Runner) leave(ctx context.Context) {
	state := r.State()
	if state.Kind == domain.StateNone {
		// a blocked first joiner may have bootstrapped the room
		if r.cfg != nil {
			if n, err := r.deps.Store.Occupancy(ctx, r.room()); err == nil && n == 0 {
				r.notify(lifecycle.RoomEmpty)
			}
		}
		return
	}
	if state.Joined() {
		r.runLeaveHooks(ctx)
	}
	remaining, err := r.deps.Store.Leave(ctx, r.room(), r.id)
	if err != nil {
		r.log.Warn("runner_leave_failed", zap.Error(err))
	}
	r.setState(domain.RunnerState{})

	switch state.Kind {
	case domain.StateJoined:
		r.publishEvent(ctx, protocol.MsgLeft, protocol.Left{ID: r.id, Reason: r.leaveReason}, nil, []domain.ParticipantID{r.id})
		r.deps.Metrics.ParticipantLeft(ctx, string(r.leaveReason))
	case domain.StateWaiting:
		r.toModerators(ctx, protocol.MsgLeftWaitingRoom, protocol.Left{ID: r.id, Reason: r.leaveReason})
	}
	r.log.Info("runner_left", zap.String("reason", string(r.leaveReason)), zap.String("close", string(r.closeReason)))
	if err == nil && remaining == 0 {
		r.notify(lifecycle.RoomEmpty)
	}
}

// runLeaveHooks runs module leave hooks and drops all module participant data.
func (r *Runner) runLeaveHooks(ctx context.Context) {
	for _, h := range r.deps.Modules.Leave(ctx, r.moduleContext()) {
		r.flush(ctx, h.Outputs)
		if h.Err != nil {
			r.log.Warn("module_leave_failed", zap.String("namespace", h.Namespace), zap.Error(h.Err))
		}
	}
	if err := r.deps.Store.ClearParticipant(ctx, r.room(), r.id, r.deps.Modules.Namespaces()); err != nil {
		r.log.Warn("runner_clear_module_data_failed", zap.Error(err))
	}
}

// toModerators sends a control event to the joined moderators of the room.
func (r *Runner) toModerators(ctx context.Context, message string, body any) {
	roster, err := r.deps.Store.Roster(ctx, r.room())
	if err != nil {
		r.log.Warn("runner_roster_failed", zap.Error(err))
		return
	}
	mods := lo.FilterMap(roster, func(e roomstate.Entry, _ int) (domain.ParticipantID, bool) {
		return e.ID, e.ID != r.id && e.Control.IsModerator()
	})
	if len(mods) == 0 {
		return
	}
	r.publishEvent(ctx, message, body, mods, nil)
}

func (r *Runner) notify(kind lifecycle.EventKind) {
	if r.deps.Lifecycle != nil {
		r.deps.Lifecycle.Notify(lifecycle.Event{Kind: kind, Room: r.room()})
	}
}
