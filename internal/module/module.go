// Package module is the plug-in surface between a runner and the feature
// modules attached to it. A module owns one namespace of the protocol and one
// namespace of Room State; it never talks to a connection directly.
package module

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/park285/meet-signaling/internal/domain"
	"github.com/park285/meet-signaling/internal/exchange"
)

// Module handles the commands of one namespace.
type Module interface {
	Namespace() string
	// Commands lists the incoming actions the module accepts.
	Commands() []string
	// Events lists the outgoing messages the module may emit.
	Events() []string
	HandleCommand(ctx context.Context, c *Context, action string, payload json.RawMessage) error
}

// JoinHook contributes the module's entry of join_success. A nil value is
// omitted.
type JoinHook interface {
	OnJoin(ctx context.Context, c *Context) (any, error)
}

// LeaveHook runs when the participant leaves the room or is moved back to the
// waiting room. Participant data of the namespace is dropped afterwards.
type LeaveHook interface {
	OnLeave(ctx context.Context, c *Context) error
}

// ExchangeHandler receives commands published on the room exchange under the
// module's namespace and addressed to this runner.
type ExchangeHandler interface {
	HandleExchange(ctx context.Context, c *Context, msg exchange.Message) error
}

// ParticipantDataProvider exposes per-participant state in rosters.
type ParticipantDataProvider interface {
	ParticipantData(ctx context.Context, room domain.RoomID, pid domain.ParticipantID) (any, error)
}

// RoomDestroyer releases module resources of a destroyed room.
type RoomDestroyer interface {
	OnRoomDestroyed(ctx context.Context, room domain.RoomID) error
}

var (
	ErrUnknownNamespace = errors.New("unknown namespace")
	ErrUnknownAction    = errors.New("unknown action")
	ErrPanic            = errors.New("module panicked")
)

// Error is a failure a module reports to the issuing participant under its own
// namespace. Code is machine-readable and keys the message catalog.
type Error struct {
	Code string
	Text string
}

func (e *Error) Error() string {
	if e.Text == "" {
		return e.Code
	}
	return e.Code + ": " + e.Text
}

// Errorf builds an *Error.
func Errorf(code, format string, args ...any) error {
	return &Error{Code: code, Text: fmt.Sprintf(format, args...)}
}

// Common error codes.
const (
	CodeInsufficientPermissions = "insufficient_permissions"
	CodeInvalidPayload          = "invalid_payload"
	CodeUnknownAction           = "unknown_action"
	CodeUnknownNamespace        = "unknown_namespace"
	CodeInternal                = "internal"
)

// Forbidden is returned when a command needs the moderator role.
func Forbidden() error { return &Error{Code: CodeInsufficientPermissions} }

// CodeOf maps err onto the code sent to the participant.
func CodeOf(err error) string {
	var me *Error
	switch {
	case errors.As(err, &me):
		return me.Code
	case errors.Is(err, ErrUnknownNamespace):
		return CodeUnknownNamespace
	case errors.Is(err, ErrUnknownAction):
		return CodeUnknownAction
	default:
		return CodeInternal
	}
}

// Decode unmarshals payload or reports an invalid_payload error.
func Decode(payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return &Error{Code: CodeInvalidPayload, Text: err.Error()}
	}
	return nil
}
