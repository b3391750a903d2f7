package module

import (
	"encoding/json"

	"github.com/park285/meet-signaling/internal/domain"
	"github.com/park285/meet-signaling/internal/exchange"
	"github.com/park285/meet-signaling/internal/protocol"
	"github.com/park285/meet-signaling/internal/roomstate"
)

// Output is one addressed result of a dispatch. Exactly one field is set.
type Output struct {
	// Local goes straight to the issuing participant's connection.
	Local *protocol.Outgoing
	// Remote is published on the room exchange.
	Remote *exchange.Message
}

// Context is the view of a runner handed to a module for the duration of one
// call. Outputs are buffered and flushed by the runner afterwards, in order.
type Context struct {
	Room     domain.RoomID
	Self     domain.ParticipantID
	Identity domain.Identity
	Control  domain.ControlData
	Config   *domain.RoomConfig
	Store    *roomstate.Store

	namespace string
	outputs   []Output
}

// WithNamespace returns a copy of c bound to ns with an empty output buffer.
func (c *Context) WithNamespace(ns string) *Context {
	cp := *c
	cp.namespace = ns
	cp.outputs = nil
	return &cp
}

func (c *Context) Namespace() string { return c.namespace }

// Data is the module's own slice of Room State.
func (c *Context) Data() *roomstate.ModuleData { return c.Store.Module(c.namespace) }

func (c *Context) IsModerator() bool { return c.Control.IsModerator() }

// Reply emits message to the issuing participant only.
func (c *Context) Reply(message string, body any) error {
	ev, err := protocol.NewEvent(c.namespace, message, body)
	if err != nil {
		return err
	}
	c.outputs = append(c.outputs, Output{Local: &ev})
	return nil
}

// Broadcast emits message to every joined participant including the issuer.
func (c *Context) Broadcast(message string, body any) error {
	return c.remoteEvent(message, body, nil, nil)
}

// BroadcastOthers emits message to every joined participant except the issuer.
func (c *Context) BroadcastOthers(message string, body any) error {
	return c.remoteEvent(message, body, nil, []domain.ParticipantID{c.Self})
}

// SendTo emits message to an explicit set of participants. An empty set emits
// nothing.
func (c *Context) SendTo(targets []domain.ParticipantID, message string, body any) error {
	if len(targets) == 0 {
		return nil
	}
	return c.remoteEvent(message, body, targets, nil)
}

// Command asks the runners of targets to act. ns selects the handler: the
// control namespace reaches the runner core, any other namespace reaches that
// module's ExchangeHandler. nil targets means every runner of the room.
func (c *Context) Command(ns, action string, targets []domain.ParticipantID, body any) error {
	msg, err := exchange.Command(ns, action, c.Self, targets, body)
	if err != nil {
		return err
	}
	c.outputs = append(c.outputs, Output{Remote: &msg})
	return nil
}

func (c *Context) remoteEvent(message string, body any, targets, exclude []domain.ParticipantID) error {
	ev, err := protocol.NewEvent(c.namespace, message, body)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.outputs = append(c.outputs, Output{Remote: &exchange.Message{
		Kind:      exchange.KindEvent,
		From:      c.Self,
		Targets:   targets,
		Exclude:   exclude,
		Namespace: c.namespace,
		Action:    message,
		Payload:   raw,
	}})
	return nil
}

// Drain returns and clears the buffered outputs.
func (c *Context) Drain() []Output {
	out := c.outputs
	c.outputs = nil
	return out
}
