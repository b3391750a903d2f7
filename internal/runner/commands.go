package runner

import (
	"context"
	"encoding/json"
	"slices"

	"go.uber.org/zap"

	"github.com/park285/meet-signaling/internal/domain"
	"github.com/park285/meet-signaling/internal/exchange"
	"github.com/park285/meet-signaling/internal/module"
	"github.com/park285/meet-signaling/internal/protocol"
)

// handleExchange processes one message of the room exchange. It reports
// whether the session is over.
func (r *Runner) handleExchange(ctx context.Context, msg exchange.Message) bool {
	if !msg.For(r.id) {
		return false
	}
	state := r.State()
	switch msg.Kind {
	case exchange.KindEvent:
		// room-wide events are for joined participants; the waiting room only
		// sees events addressed to it
		if !state.Joined() && !slices.Contains(msg.Targets, r.id) {
			return false
		}
		var ev protocol.Outgoing
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			r.log.Warn("runner_event_decode_failed", zap.String("action", msg.Action), zap.Error(err))
			return false
		}
		r.send(ctx, ev)
		return false
	case exchange.KindCommand:
		if msg.Namespace == protocol.NamespaceControl {
			return r.handleCommand(ctx, msg)
		}
		if !state.Joined() {
			return false
		}
		mc := r.moduleContext().WithNamespace(msg.Namespace)
		err := r.deps.Modules.DispatchExchange(ctx, mc, msg)
		r.flush(ctx, mc.Drain())
		if err != nil {
			r.log.Warn("module_exchange_failed", zap.String("namespace", msg.Namespace), zap.String("action", msg.Action), zap.Error(err))
		}
	}
	return false
}

// handleCommand applies a forced transition requested by a moderator or by
// the lifecycle supervisor.
func (r *Runner) handleCommand(ctx context.Context, msg exchange.Message) bool {
	state := r.State()
	log := r.log.With(zap.String("command", msg.Action), zap.String("from", string(msg.From)))

	switch msg.Action {
	case protocol.CmdRoomDeleted:
		var c protocol.RoomDeletedCommand
		if err := msg.Decode(&c); err != nil {
			log.Warn("runner_command_decode_failed", zap.Error(err))
			return false
		}
		if r.cfg != nil && !c.CreatedAt.Equal(r.cfg.CreatedAt) {
			// an earlier life of the room; we joined the one recreated after it
			log.Debug("runner_stale_room_deleted_ignored")
			return false
		}
		log.Info("runner_room_deleted")
		r.reply(ctx, protocol.MsgRoomDeleted, nil)
		r.closeReason = CloseRoomDeleted
		return true

	case protocol.CmdKick:
		if state.Kind == domain.StateNone {
			return false
		}
		var k protocol.KickCommand
		_ = msg.Decode(&k)
		log.Info("runner_kicked", zap.Bool("banned", k.Banned))
		r.leaveReason = domain.LeaveQuit
		r.closeReason = CloseKicked
		if k.Banned {
			r.closeReason = CloseBanned
		}
		return true

	case protocol.CmdSendToWaitingRoom:
		if state.Joined() {
			r.moveToWaiting(ctx)
		}

	case protocol.CmdAccept, protocol.CmdWaitingRoomDisabled:
		if state.Waiting() && !state.Accepted {
			r.accept(ctx)
		}

	case protocol.CmdSetRole:
		if !state.Joined() {
			return false
		}
		var c protocol.SetRoleCommand
		if err := msg.Decode(&c); err != nil {
			log.Warn("runner_command_decode_failed", zap.Error(err))
			return false
		}
		r.setRole(ctx, domain.ParseRole(string(c.Role)))

	case protocol.CmdLowerHand:
		if state.Joined() {
			r.setHand(ctx, false)
		}

	default:
		log.Debug("runner_command_ignored")
	}
	return false
}

func (r *Runner) accept(ctx context.Context) {
	r.control.Accepted = true
	if err := r.deps.Store.SetControl(ctx, r.room(), r.id, r.control); err != nil {
		r.log.Warn("runner_set_control_failed", zap.Error(err))
		return
	}
	r.setState(domain.RunnerState{Kind: domain.StateWaiting, Accepted: true, Control: r.control})
	r.reply(ctx, protocol.MsgAccepted, nil)
	r.log.Info("runner_accepted")
}

// setRole is applied by the target's own runner, which keeps it the only
// writer of its control data. The creator never loses the moderator role.
func (r *Runner) setRole(ctx context.Context, role domain.Role) {
	if role == r.control.Role {
		return
	}
	if r.control.IsRoomOwner && role != domain.RoleModerator {
		r.log.Warn("runner_revoke_creator_rejected")
		return
	}
	r.control.Role = role
	if err := r.deps.Store.SetControl(ctx, r.room(), r.id, r.control); err != nil {
		r.log.Warn("runner_set_control_failed", zap.Error(err))
		return
	}
	r.publishEvent(ctx, protocol.MsgRoleUpdated, protocol.RoleUpdated{ID: r.id, Role: role}, nil, nil)
	r.log.Info("runner_role_updated", zap.String("role", string(role)))
}

// moveToWaiting resets a joined participant to the waiting room. Modules see
// a leave, and a later entry is a fresh join for them.
func (r *Runner) moveToWaiting(ctx context.Context) {
	r.runLeaveHooks(ctx)
	r.control.HandIsUp = false
	r.control.Accepted = false
	if err := r.deps.Store.MoveToWaiting(ctx, r.room(), r.id, r.control); err != nil {
		r.log.Warn("runner_move_to_waiting_failed", zap.Error(err))
		r.sendError(ctx, protocol.NamespaceControl, module.CodeInternal)
		return
	}
	r.setState(domain.RunnerState{Kind: domain.StateWaiting, Control: r.control})
	r.publishEvent(ctx, protocol.MsgLeft, protocol.Left{ID: r.id, Reason: domain.LeaveSentToWaitingRoom}, nil, []domain.ParticipantID{r.id})
	r.deps.Metrics.ParticipantLeft(ctx, string(domain.LeaveSentToWaitingRoom))
	r.log.Info("runner_sent_to_waiting_room")

	r.reply(ctx, protocol.MsgInWaitingRoom, nil)
	r.toModerators(ctx, protocol.MsgJoinedWaitingRoom, protocol.Participant{ID: r.id, Control: r.control})
}
