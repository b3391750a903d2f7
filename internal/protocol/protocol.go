// Package protocol defines the namespaced frames exchanged with participants.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/park285/meet-signaling/internal/domain"
)

const NamespaceControl = "control"

// Core-owned control messages.
const (
	MsgJoinSuccess = "join_success"
	MsgJoinBlocked = "join_blocked"
	MsgJoined      = "joined"
	MsgLeft        = "left"
	MsgUpdate      = "update"
	MsgRoleUpdated = "role_updated"
	MsgRoomDeleted = "room_deleted"
	MsgError       = "error"

	MsgInWaitingRoom     = "in_waiting_room"
	MsgJoinedWaitingRoom = "joined_waiting_room"
	MsgLeftWaitingRoom   = "left_waiting_room"
	MsgAccepted          = "accepted"
)

// Control actions accepted from participants.
const (
	ActionJoin      = "join"
	ActionEnterRoom = "enter_room"
	ActionRaiseHand = "raise_hand"
	ActionLowerHand = "lower_hand"
)

// Commands runners accept from the room exchange under the control namespace.
const (
	CmdKick                = "kick"
	CmdSendToWaitingRoom   = "send_to_waiting_room"
	CmdAccept              = "accept"
	CmdSetRole             = "set_role"
	CmdLowerHand           = "lower_hand"
	CmdWaitingRoomDisabled = "waiting_room_disabled"
	CmdRoomDeleted         = MsgRoomDeleted
)

var (
	ErrMalformed     = errors.New("malformed frame")
	ErrMissingAction = errors.New("missing action")
)

// Incoming is a frame read from a participant connection.
type Incoming struct {
	Namespace string          `json:"namespace"`
	Payload   json.RawMessage `json:"payload"`
}

// Action extracts payload.action.
func (in Incoming) Action() (string, error) {
	var head struct {
		Action string `json:"action"`
	}
	if len(in.Payload) == 0 {
		return "", ErrMissingAction
	}
	if err := json.Unmarshal(in.Payload, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(head.Action) == "" {
		return "", ErrMissingAction
	}
	return head.Action, nil
}

// Decode unmarshals the payload into v.
func (in Incoming) Decode(v any) error {
	if err := json.Unmarshal(in.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Outgoing is a frame written to a participant connection.
type Outgoing struct {
	Namespace string          `json:"namespace"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Message extracts payload.message.
func (o Outgoing) Message() string {
	var head struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(o.Payload, &head)
	return head.Message
}

// NewEvent builds an outgoing frame whose payload is body with a "message" key
// merged in. body may be nil or any JSON object.
func NewEvent(namespace, message string, body any) (Outgoing, error) {
	payload, err := encodePayload(message, body)
	if err != nil {
		return Outgoing{}, err
	}
	return Outgoing{Namespace: namespace, Timestamp: time.Now().UTC(), Payload: payload}, nil
}

func encodePayload(message string, body any) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", message, err)
		}
		if string(raw) != "null" {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, fmt.Errorf("%s payload is not an object: %w", message, err)
			}
		}
	}
	msg, _ := json.Marshal(message)
	fields["message"] = msg
	return json.Marshal(fields)
}

// ErrorBody is the payload of every namespaced `error` event.
type ErrorBody struct {
	Code string `json:"error"`
	Text string `json:"text,omitempty"`
}

func ErrorEvent(namespace, code, text string) Outgoing {
	ev, err := NewEvent(namespace, MsgError, ErrorBody{Code: code, Text: text})
	if err != nil {
		// ErrorBody always marshals
		panic(err)
	}
	return ev
}

// Join is the first frame every connection must send.
type Join struct {
	DisplayName string `json:"display_name"`
}

// Participant is a roster entry as seen by other participants.
type Participant struct {
	ID      domain.ParticipantID `json:"id"`
	Control domain.ControlData   `json:"control"`
	Modules map[string]any       `json:"modules,omitempty"`
}

type JoinSuccess struct {
	ID            domain.ParticipantID `json:"id"`
	DisplayName   string               `json:"display_name"`
	Role          domain.Role          `json:"role"`
	IsRoomOwner   bool                 `json:"is_room_owner"`
	E2EEncryption bool                 `json:"e2e_encryption"`
	ClosesAt      *time.Time           `json:"closes_at,omitempty"`
	Participants  []Participant        `json:"participants"`
	Modules       map[string]any       `json:"modules,omitempty"`
}

type JoinBlocked struct {
	Reason domain.BlockReason `json:"reason"`
}

type Left struct {
	ID     domain.ParticipantID `json:"id"`
	Reason domain.LeaveReason   `json:"reason"`
}

type RoleUpdated struct {
	ID   domain.ParticipantID `json:"id"`
	Role domain.Role          `json:"role"`
}

type KickCommand struct {
	Banned bool `json:"banned,omitempty"`
}

type SetRoleCommand struct {
	Role domain.Role `json:"role"`
}

// RoomDeletedCommand names the life of the room that was destroyed. Runners
// of a room recreated since then ignore it.
type RoomDeletedCommand struct {
	CreatedAt time.Time `json:"created_at"`
}
