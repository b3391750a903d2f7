// Package chat implements room chat: messages to the whole room or to an
// explicit set of participants, plus a moderator switch.
package chat

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/park285/meet-signaling/internal/domain"
	"github.com/park285/meet-signaling/internal/module"
	"github.com/park285/meet-signaling/internal/roomstate"
)

const Namespace = "chat"

const (
	ActionSendMessage = "send_message"
	ActionEnableChat  = "enable_chat"
	ActionDisableChat = "disable_chat"
)

const (
	MsgMessageSent  = "message_sent"
	MsgChatEnabled  = "chat_enabled"
	MsgChatDisabled = "chat_disabled"
)

const (
	CodeChatDisabled = "chat_disabled"
	CodeEmptyMessage = "empty_message"
)

const (
	maxContent  = 4096
	historySize = 100
	historyList = "history"
)

// roomState is the room-wide value of the namespace. The zero value means
// chat is enabled.
type roomState struct {
	Disabled bool `json:"disabled"`
}

type Message struct {
	ID      string                 `json:"id"`
	Source  domain.ParticipantID   `json:"source"`
	Content string                 `json:"content"`
	Targets []domain.ParticipantID `json:"targets,omitempty"`
	SentAt  time.Time              `json:"sent_at"`
}

type sendPayload struct {
	Content string                 `json:"content"`
	Targets []domain.ParticipantID `json:"targets,omitempty"`
}

// JoinData is the chat entry of join_success. Only room-wide messages are
// replayed.
type JoinData struct {
	Enabled bool      `json:"enabled"`
	History []Message `json:"history"`
}

type Module struct {
	now func() time.Time
}

func New() *Module { return &Module{now: time.Now} }

func (m *Module) Namespace() string { return Namespace }

func (m *Module) Commands() []string {
	return []string{ActionSendMessage, ActionEnableChat, ActionDisableChat}
}

func (m *Module) Events() []string {
	return []string{MsgMessageSent, MsgChatEnabled, MsgChatDisabled}
}

func (m *Module) OnJoin(ctx context.Context, c *module.Context) (any, error) {
	var st roomState
	if _, err := c.Data().GetRoom(ctx, c.Room, &st); err != nil {
		return nil, err
	}
	raw, err := c.Data().RangeRoom(ctx, c.Room, historyList)
	if err != nil {
		return nil, err
	}
	history := make([]Message, 0, len(raw))
	for _, r := range raw {
		var msg Message
		if err := json.Unmarshal(r, &msg); err != nil {
			continue
		}
		history = append(history, msg)
	}
	return JoinData{Enabled: !st.Disabled, History: history}, nil
}

func (m *Module) HandleCommand(ctx context.Context, c *module.Context, action string, payload json.RawMessage) error {
	switch action {
	case ActionSendMessage:
		return m.send(ctx, c, payload)
	case ActionEnableChat, ActionDisableChat:
		if !c.IsModerator() {
			return module.Forbidden()
		}
		return m.setEnabled(ctx, c, action == ActionEnableChat)
	}
	return module.ErrUnknownAction
}

func (m *Module) send(ctx context.Context, c *module.Context, payload json.RawMessage) error {
	var p sendPayload
	if err := module.Decode(payload, &p); err != nil {
		return err
	}
	content := strings.TrimSpace(p.Content)
	if content == "" {
		return &module.Error{Code: CodeEmptyMessage}
	}
	if utf8.RuneCountInString(content) > maxContent {
		return module.Errorf(module.CodeInvalidPayload, "message longer than %d characters", maxContent)
	}

	var st roomState
	if _, err := c.Data().GetRoom(ctx, c.Room, &st); err != nil {
		return err
	}
	if st.Disabled && !c.IsModerator() {
		return &module.Error{Code: CodeChatDisabled}
	}

	msg := Message{
		ID:      uuid.NewString(),
		Source:  c.Self,
		Content: content,
		SentAt:  m.now().UTC(),
	}
	targets := lo.Uniq(lo.Without(p.Targets, c.Self))
	if len(p.Targets) == 0 {
		if err := c.Data().AppendRoom(ctx, c.Room, historyList, msg, historySize); err != nil {
			return err
		}
		return c.Broadcast(MsgMessageSent, msg)
	}

	roster, err := c.Store.Participants(ctx, c.Room)
	if err != nil {
		return err
	}
	if missing, _ := lo.Difference(targets, roster); len(missing) > 0 {
		return module.Errorf("target_not_found", "%s is not in the room", missing[0])
	}
	msg.Targets = targets
	if err := c.SendTo(targets, MsgMessageSent, msg); err != nil {
		return err
	}
	return c.Reply(MsgMessageSent, msg)
}

func (m *Module) setEnabled(ctx context.Context, c *module.Context, enabled bool) error {
	changed := false
	_, err := roomstate.UpdateRoom(ctx, c.Data(), c.Room, func(st *roomState) error {
		changed = st.Disabled == enabled
		st.Disabled = !enabled
		return nil
	})
	if err != nil || !changed {
		return err
	}
	if enabled {
		return c.Broadcast(MsgChatEnabled, nil)
	}
	return c.Broadcast(MsgChatDisabled, nil)
}
