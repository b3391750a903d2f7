package module

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/park285/meet-signaling/internal/domain"
	"github.com/park285/meet-signaling/internal/exchange"
	"github.com/park285/meet-signaling/internal/obslog"
	"github.com/park285/meet-signaling/internal/protocol"
)

// Registry maps namespaces to modules. It is immutable after construction and
// shared by every runner of the process.
type Registry struct {
	mods  map[string]Module
	order []string
}

func NewRegistry(mods ...Module) (*Registry, error) {
	r := &Registry{mods: make(map[string]Module, len(mods))}
	for _, m := range mods {
		ns := strings.TrimSpace(m.Namespace())
		switch {
		case ns == "":
			return nil, fmt.Errorf("module %T has an empty namespace", m)
		case ns == protocol.NamespaceControl:
			return nil, fmt.Errorf("namespace %q is reserved", ns)
		}
		if _, dup := r.mods[ns]; dup {
			return nil, fmt.Errorf("duplicate module namespace %q", ns)
		}
		r.mods[ns] = m
		r.order = append(r.order, ns)
	}
	return r, nil
}

func (r *Registry) Get(ns string) (Module, bool) {
	m, ok := r.mods[ns]
	return m, ok
}

// Namespaces lists registered namespaces in registration order.
func (r *Registry) Namespaces() []string { return slices.Clone(r.order) }

// Dispatch routes one incoming command to its module, recovering panics.
func (r *Registry) Dispatch(ctx context.Context, c *Context, ns, action string, payload json.RawMessage) (err error) {
	m, ok := r.mods[ns]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNamespace, ns)
	}
	if !slices.Contains(m.Commands(), action) {
		return fmt.Errorf("%w: %s/%s", ErrUnknownAction, ns, action)
	}
	defer recoverInto(&err, ns, action)
	return m.HandleCommand(ctx, c, action, payload)
}

// DispatchExchange routes a module-namespaced exchange command.
func (r *Registry) DispatchExchange(ctx context.Context, c *Context, msg exchange.Message) (err error) {
	m, ok := r.mods[msg.Namespace]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNamespace, msg.Namespace)
	}
	h, ok := m.(ExchangeHandler)
	if !ok {
		return nil
	}
	defer recoverInto(&err, msg.Namespace, msg.Action)
	return h.HandleExchange(ctx, c, msg)
}

// Hook is the result of running one module hook.
type Hook struct {
	Namespace string
	Value     any
	Outputs   []Output
	Err       error
}

// Join runs every JoinHook. A failing hook is reported but does not stop the
// others.
func (r *Registry) Join(ctx context.Context, c *Context) []Hook {
	return r.each(func(ns string, m Module) (Hook, bool) {
		h, ok := m.(JoinHook)
		if !ok {
			return Hook{}, false
		}
		mc := c.WithNamespace(ns)
		var v any
		err := safely(ns, "join", func() (err error) {
			v, err = h.OnJoin(ctx, mc)
			return err
		})
		return Hook{Namespace: ns, Value: v, Outputs: mc.Drain(), Err: err}, true
	})
}

// Leave runs every LeaveHook.
func (r *Registry) Leave(ctx context.Context, c *Context) []Hook {
	return r.each(func(ns string, m Module) (Hook, bool) {
		h, ok := m.(LeaveHook)
		if !ok {
			return Hook{}, false
		}
		mc := c.WithNamespace(ns)
		err := safely(ns, "leave", func() error { return h.OnLeave(ctx, mc) })
		return Hook{Namespace: ns, Outputs: mc.Drain(), Err: err}, true
	})
}

// ParticipantData collects the roster contribution of every provider.
func (r *Registry) ParticipantData(ctx context.Context, room domain.RoomID, pid domain.ParticipantID) map[string]any {
	hooks := r.each(func(ns string, m Module) (Hook, bool) {
		p, ok := m.(ParticipantDataProvider)
		if !ok {
			return Hook{}, false
		}
		var v any
		err := safely(ns, "participant_data", func() (err error) {
			v, err = p.ParticipantData(ctx, room, pid)
			return err
		})
		return Hook{Namespace: ns, Value: v, Err: err}, true
	})
	return Values(hooks)
}

// RoomDestroyed runs every RoomDestroyer and returns the failures.
func (r *Registry) RoomDestroyed(ctx context.Context, room domain.RoomID) []error {
	hooks := r.each(func(ns string, m Module) (Hook, bool) {
		d, ok := m.(RoomDestroyer)
		if !ok {
			return Hook{}, false
		}
		return Hook{Namespace: ns, Err: safely(ns, "room_destroyed", func() error { return d.OnRoomDestroyed(ctx, room) })}, true
	})
	return lo.FilterMap(hooks, func(h Hook, _ int) (error, bool) {
		if h.Err == nil {
			return nil, false
		}
		return fmt.Errorf("%s: %w", h.Namespace, h.Err), true
	})
}

// Values folds successful, non-nil hook values into a namespace map.
func Values(hooks []Hook) map[string]any {
	out := map[string]any{}
	for _, h := range hooks {
		if h.Err == nil && h.Value != nil {
			out[h.Namespace] = h.Value
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (r *Registry) each(fn func(ns string, m Module) (Hook, bool)) []Hook {
	var out []Hook
	for _, ns := range r.order {
		if h, ok := fn(ns, r.mods[ns]); ok {
			out = append(out, h)
		}
	}
	return out
}

func safely(ns, action string, fn func() error) (err error) {
	defer recoverInto(&err, ns, action)
	return fn()
}

func recoverInto(err *error, ns, action string) {
	if p := recover(); p != nil {
		obslog.L().Error("module_panic",
			obslog.Namespace(ns),
			zap.String("action", action),
			zap.Any("panic", p),
			zap.ByteString("stack", debug.Stack()))
		*err = fmt.Errorf("%w: %s/%s: %v", ErrPanic, ns, action, p)
	}
}
