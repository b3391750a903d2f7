// Package runner implements the per-participant session. A Runner owns one
// connection, is the only writer of its participant's entry in Room State,
// and processes its inputs strictly one at a time.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/meet-signaling/internal/domain"
	"github.com/park285/meet-signaling/internal/exchange"
	"github.com/park285/meet-signaling/internal/lifecycle"
	"github.com/park285/meet-signaling/internal/metrics"
	"github.com/park285/meet-signaling/internal/module"
	"github.com/park285/meet-signaling/internal/msgcat"
	"github.com/park285/meet-signaling/internal/obslog"
	"github.com/park285/meet-signaling/internal/protocol"
	"github.com/park285/meet-signaling/internal/roomstate"
)

var (
	// ErrIdle is returned by Conn.Receive when the peer stopped responding.
	ErrIdle = errors.New("connection idle")
	// ErrClosed is returned by Conn.Receive after the peer closed.
	ErrClosed = errors.New("connection closed")
)

// Conn is the participant's transport.
type Conn interface {
	// Receive blocks for the next frame. Errors wrapping protocol.ErrMalformed
	// leave the connection usable.
	Receive(ctx context.Context) (protocol.Incoming, error)
	Send(ctx context.Context, ev protocol.Outgoing) error
	Close(reason CloseReason) error
}

type CloseReason string

const (
	CloseNormal      CloseReason = "normal"
	CloseKicked      CloseReason = "kicked"
	CloseBanned      CloseReason = "banned"
	CloseBlocked     CloseReason = "join_blocked"
	CloseRoomDeleted CloseReason = "room_deleted"
	CloseTimeout     CloseReason = "timeout"
	CloseShutdown    CloseReason = "shutdown"
	CloseError       CloseReason = "error"
)

// Access decides membership of invite-only rooms.
type Access interface {
	CanJoin(userID string, room domain.RoomID) bool
}

// Error codes emitted by the runner core in the control namespace.
const (
	CodeJoinRequired       = "join_required"
	CodeAlreadyJoined      = "already_joined"
	CodeNotJoined          = "not_joined"
	CodeNotAccepted        = "not_accepted"
	CodeInvalidDisplayName = "invalid_display_name"
	CodeRoomNotFound       = "room_not_found"
	CodeRoomUnavailable    = "room_unavailable"
)

const maxDisplayName = 100

type Deps struct {
	Store       *roomstate.Store
	Bootstrap   *roomstate.Bootstrapper
	Exchange    *exchange.Exchange
	Modules     *module.Registry
	Access      Access
	Lifecycle   lifecycle.Notifier
	Metrics     *metrics.Metrics
	Catalog     *msgcat.Catalog
	JoinTimeout time.Duration
	Now         func() time.Time
}

type Runner struct {
	deps     Deps
	id       domain.ParticipantID
	identity domain.Identity
	conn     Conn
	log      *zap.Logger

	mu    sync.Mutex
	state domain.RunnerState

	control     domain.ControlData
	cfg         *domain.RoomConfig
	sub         *exchange.Subscription
	leaveReason domain.LeaveReason
	closeReason CloseReason
}

func New(deps Deps, conn Conn, identity domain.Identity) *Runner {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.JoinTimeout <= 0 {
		deps.JoinTimeout = 30 * time.Second
	}
	id := domain.NewParticipantID()
	return &Runner{
		deps:        deps,
		id:          id,
		identity:    identity,
		conn:        conn,
		log:         obslog.L().With(obslog.Room(string(identity.RoomID)), obslog.Participant(string(id))),
		leaveReason: domain.LeaveQuit,
		closeReason: CloseNormal,
	}
}

func (r *Runner) ID() domain.ParticipantID { return r.id }

// State is safe to call from any goroutine.
func (r *Runner) State() domain.RunnerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s domain.RunnerState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Runner) room() domain.RoomID { return r.identity.RoomID }

type frame struct {
	in  protocol.Incoming
	err error
}

// Run serves the connection until it closes, the participant is removed, or
// ctx is cancelled. The participant's Room State entry is always removed
// before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.cleanup(ctx)

	frames := make(chan frame)
	go r.read(ctx, frames)

	joinDeadline := time.NewTimer(r.deps.JoinTimeout)
	defer joinDeadline.Stop()

	for {
		var msgs <-chan exchange.Message
		if r.sub != nil {
			msgs = r.sub.C()
		}
		select {
		case <-ctx.Done():
			r.closeReason = CloseShutdown
			return nil
		case <-joinDeadline.C:
			if r.State().Kind == domain.StateNone {
				r.log.Info("runner_join_timeout")
				r.closeReason = CloseTimeout
				return nil
			}
		case f := <-frames:
			if f.err != nil {
				if errors.Is(f.err, protocol.ErrMalformed) {
					r.sendError(ctx, protocol.NamespaceControl, module.CodeInvalidPayload)
					continue
				}
				if errors.Is(f.err, ErrIdle) {
					r.leaveReason = domain.LeaveTimeout
					r.closeReason = CloseTimeout
				}
				r.log.Debug("runner_conn_ended", zap.Error(f.err))
				return nil
			}
			if r.handleIncoming(ctx, f.in) {
				return nil
			}
		case msg, ok := <-msgs:
			if !ok {
				r.log.Warn("runner_exchange_lost")
				r.closeReason = CloseError
				return errors.New("room exchange subscription closed")
			}
			if r.handleExchange(ctx, msg) {
				return nil
			}
		}
	}
}

func (r *Runner) read(ctx context.Context, out chan<- frame) {
	for {
		in, err := r.conn.Receive(ctx)
		select {
		case out <- frame{in: in, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil && !errors.Is(err, protocol.ErrMalformed) {
			return
		}
	}
}

func (r *Runner) cleanup(ctx context.Context) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	r.leave(cctx)
	if r.sub != nil {
		_ = r.sub.Close()
	}
	if err := r.conn.Close(r.closeReason); err != nil {
		r.log.Debug("runner_conn_close_failed", zap.Error(err))
	}
}

// handleIncoming processes one participant frame. It reports whether the
// session is over.
func (r *Runner) handleIncoming(ctx context.Context, in protocol.Incoming) bool {
	state := r.State()
	if in.Namespace == protocol.NamespaceControl {
		return r.handleControl(ctx, in)
	}
	switch state.Kind {
	case domain.StateNone:
		r.sendError(ctx, protocol.NamespaceControl, CodeJoinRequired)
		return false
	case domain.StateWaiting:
		r.sendError(ctx, in.Namespace, CodeNotJoined)
		return false
	}

	action, err := in.Action()
	if err != nil {
		r.sendError(ctx, in.Namespace, module.CodeInvalidPayload)
		return false
	}
	mc := r.moduleContext().WithNamespace(in.Namespace)
	err = r.deps.Modules.Dispatch(ctx, mc, in.Namespace, action, in.Payload)
	r.flush(ctx, mc.Drain())
	if err != nil {
		r.reportModuleError(ctx, in.Namespace, action, err)
	}
	return false
}

func (r *Runner) reportModuleError(ctx context.Context, ns, action string, err error) {
	code := module.CodeOf(err)
	if code == module.CodeInternal {
		r.log.Error("module_command_failed", obslog.Namespace(ns), zap.String("action", action), zap.Error(err))
	} else {
		r.log.Debug("module_command_rejected", obslog.Namespace(ns), zap.String("action", action), zap.String("code", code))
	}
	text := r.deps.Catalog.Text(code)
	var me *module.Error
	if text == "" && errors.As(err, &me) {
		text = me.Text
	}
	r.send(ctx, protocol.ErrorEvent(ns, code, text))
}

func (r *Runner) handleControl(ctx context.Context, in protocol.Incoming) bool {
	state := r.State()
	action, err := in.Action()
	if err != nil {
		r.sendError(ctx, protocol.NamespaceControl, module.CodeInvalidPayload)
		return false
	}
	if state.Kind == domain.StateNone && action != protocol.ActionJoin {
		r.sendError(ctx, protocol.NamespaceControl, CodeJoinRequired)
		return false
	}
	switch action {
	case protocol.ActionJoin:
		if state.Kind != domain.StateNone {
			r.sendError(ctx, protocol.NamespaceControl, CodeAlreadyJoined)
			return false
		}
		var j protocol.Join
		if err := in.Decode(&j); err != nil {
			r.sendError(ctx, protocol.NamespaceControl, module.CodeInvalidPayload)
			return false
		}
		name, ok := displayName(j.DisplayName)
		if !ok {
			r.sendError(ctx, protocol.NamespaceControl, CodeInvalidDisplayName)
			return false
		}
		return r.handleJoin(ctx, name)
	case protocol.ActionEnterRoom:
		switch {
		case state.Joined():
			r.sendError(ctx, protocol.NamespaceControl, CodeAlreadyJoined)
			return false
		case !state.Accepted:
			r.sendError(ctx, protocol.NamespaceControl, CodeNotAccepted)
			return false
		}
		return r.joinRoom(ctx)
	case protocol.ActionRaiseHand, protocol.ActionLowerHand:
		if !state.Joined() {
			r.sendError(ctx, protocol.NamespaceControl, CodeNotJoined)
			return false
		}
		r.setHand(ctx, action == protocol.ActionRaiseHand)
		return false
	default:
		r.sendError(ctx, protocol.NamespaceControl, module.CodeUnknownAction)
		return false
	}
}

func (r *Runner) setHand(ctx context.Context, up bool) {
	if r.control.HandIsUp == up {
		return
	}
	r.control.HandIsUp = up
	r.control.HandUpdatedAt = r.deps.Now().UTC()
	if err := r.deps.Store.SetControl(ctx, r.room(), r.id, r.control); err != nil {
		r.log.Warn("runner_set_control_failed", zap.Error(err))
		r.sendError(ctx, protocol.NamespaceControl, module.CodeInternal)
		return
	}
	r.publishEvent(ctx, protocol.MsgUpdate, r.participant(ctx), nil, []domain.ParticipantID{r.id})
}

func (r *Runner) moduleContext() *module.Context {
	return &module.Context{
		Room:     r.room(),
		Self:     r.id,
		Identity: r.identity,
		Control:  r.control,
		Config:   r.cfg,
		Store:    r.deps.Store,
	}
}

// flush performs the fan-out of buffered module outputs in order.
func (r *Runner) flush(ctx context.Context, outputs []module.Output) {
	for _, out := range outputs {
		switch {
		case out.Local != nil:
			r.send(ctx, *out.Local)
		case out.Remote != nil:
			if err := r.deps.Exchange.Publish(ctx, r.room(), *out.Remote); err != nil {
				r.log.Warn("runner_publish_failed", zap.String("action", out.Remote.Action), zap.Error(err))
			}
		}
	}
}

func (r *Runner) send(ctx context.Context, ev protocol.Outgoing) {
	if err := r.conn.Send(ctx, ev); err != nil {
		r.log.Debug("runner_send_failed", zap.String("message", ev.Message()), zap.Error(err))
	}
}

func (r *Runner) reply(ctx context.Context, message string, body any) {
	ev, err := protocol.NewEvent(protocol.NamespaceControl, message, body)
	if err != nil {
		r.log.Error("runner_encode_failed", zap.String("message", message), zap.Error(err))
		return
	}
	r.send(ctx, ev)
}

func (r *Runner) sendError(ctx context.Context, ns, code string) {
	r.send(ctx, protocol.ErrorEvent(ns, code, r.deps.Catalog.Text(code)))
}

// publishEvent fans a control event out through the room exchange.
func (r *Runner) publishEvent(ctx context.Context, message string, body any, targets, exclude []domain.ParticipantID) {
	ev, err := protocol.NewEvent(protocol.NamespaceControl, message, body)
	if err != nil {
		r.log.Error("runner_encode_failed", zap.String("message", message), zap.Error(err))
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	msg := exchange.Message{
		Kind:      exchange.KindEvent,
		From:      r.id,
		Targets:   targets,
		Exclude:   exclude,
		Namespace: protocol.NamespaceControl,
		Action:    message,
		Payload:   raw,
	}
	if err := r.deps.Exchange.Publish(ctx, r.room(), msg); err != nil {
		r.log.Warn("runner_publish_failed", zap.String("message", message), zap.Error(err))
	}
}

func (r *Runner) participant(ctx context.Context) protocol.Participant {
	return protocol.Participant{
		ID:      r.id,
		Control: r.control,
		Modules: r.deps.Modules.ParticipantData(ctx, r.room(), r.id),
	}
}
