package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type RoomID string

// ParticipantID identifies one connection's session, not the user behind it.
type ParticipantID string

func NewParticipantID() ParticipantID { return ParticipantID(uuid.NewString()) }

// Role is the meeting role of a participant.
type Role string

const (
	RoleGuest     Role = "guest"
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
)

func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "moderator":
		return RoleModerator
	case "user":
		return RoleUser
	default:
		return RoleGuest
	}
}

// Kind is how a participant takes part in the meeting.
type Kind string

const (
	KindUser  Kind = "user"
	KindGuest Kind = "guest"
	KindSIP   Kind = "sip"
)

// Identity is the pre-validated context handed over by the auth collaborator.
type Identity struct {
	UserID   string `json:"user_id,omitempty"` // empty for guests and sip
	Kind     Kind   `json:"kind"`
	Role     Role   `json:"role"`
	RoomID   RoomID `json:"room_id"`
	TariffID string `json:"tariff_id,omitempty"`
}

// Stable reports whether the identity can be banned or hold ACL entries.
func (i Identity) Stable() bool { return i.Kind == KindUser && strings.TrimSpace(i.UserID) != "" }

// Room carries the attributes of a meeting read from durable storage, plus
// the transient fields mirrored into Room State.
type Room struct {
	ID            RoomID     `json:"id"`
	CreatedBy     string     `json:"created_by"`
	Password      string     `json:"password,omitempty"`
	WaitingRoom   bool       `json:"waiting_room"`
	E2EEncryption bool       `json:"e2e_encryption"`
	InviteOnly    bool       `json:"invite_only"`
	TariffID      string     `json:"tariff_id,omitempty"`
	ClosesAt      *time.Time `json:"closes_at,omitempty"`
}

// Tariff holds quota limits. Zero means unlimited.
type Tariff struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	ParticipantLimit int    `json:"participant_limit"`
}

// RoomConfig is the shared view of a room held in the key-value store.
type RoomConfig struct {
	Room             Room      `json:"room"`
	ParticipantLimit int       `json:"participant_limit"`
	CreatedAt        time.Time `json:"created_at"`
}

func (c *RoomConfig) Closed(now time.Time) bool {
	return c != nil && c.Room.ClosesAt != nil && !now.Before(*c.Room.ClosesAt)
}

// ControlData is the core-owned slice of a participant stored in Room State.
type ControlData struct {
	DisplayName   string    `json:"display_name"`
	Role          Role      `json:"role"`
	Kind          Kind      `json:"participation_kind"`
	UserID        string    `json:"user_id,omitempty"`
	HandIsUp      bool      `json:"hand_is_up"`
	HandUpdatedAt time.Time `json:"hand_updated_at"`
	JoinedAt      time.Time `json:"joined_at"`
	IsRoomOwner   bool      `json:"is_room_owner"`
	// Accepted is only meaningful while waiting.
	Accepted bool `json:"accepted,omitempty"`
}

func (c ControlData) IsModerator() bool { return c.Role == RoleModerator }

// StateKind enumerates RunnerState variants.
type StateKind int

const (
	StateNone StateKind = iota
	StateWaiting
	StateJoined
)

func (k StateKind) String() string {
	switch k {
	case StateWaiting:
		return "waiting"
	case StateJoined:
		return "joined"
	default:
		return "none"
	}
}

// RunnerState is owned by a Runner and mirrored into Room State.
type RunnerState struct {
	Kind     StateKind
	Accepted bool        // Waiting only
	Control  ControlData // Waiting only; held until the participant enters
}

func (s RunnerState) Joined() bool  { return s.Kind == StateJoined }
func (s RunnerState) Waiting() bool { return s.Kind == StateWaiting }

// LeaveReason is carried in the control `left` event.
type LeaveReason string

const (
	LeaveQuit              LeaveReason = "quit"
	LeaveTimeout           LeaveReason = "timeout"
	LeaveSentToWaitingRoom LeaveReason = "sent_to_waiting_room"
)

// BlockReason is carried in the control `join_blocked` event.
type BlockReason string

const (
	BlockParticipantLimit BlockReason = "participant_limit_reached"
	BlockBanned           BlockReason = "banned"
	BlockRoomClosed       BlockReason = "room_closed"
	BlockNotInvited       BlockReason = "not_invited"
)
