package ws

import (
	"encoding/json"

	"github.com/duochat/duochat/internal/service"
)

// Inbound commands.
const (
	CmdMessageSend       = "message.send"
	CmdMessageRead       = "message.read"
	CmdMessageDelivered  = "message.delivered"
	CmdMessageDelete     = "message.delete"
	CmdConversationJoin  = "conversation.join"
	CmdConversationLeave = "conversation.leave"
	CmdTypingStart       = "typing.start"
	CmdTypingStop        = "typing.stop"
	CmdPresencePing      = "presence.ping"
)

// Outbound events.
const (
	EvtAck            = "ack"
	EvtMessageUnified = "message:unified"
	EvtStatusUnified  = "status:unified"
	EvtMessageDeleted = "message:deleted"
	EvtPresenceJoined = "presence:joined"
	EvtPresenceLeft   = "presence:left"
	EvtUserStatus     = "user:status"
	EvtTypingStart    = "typing:start"
	EvtTypingStop     = "typing:stop"
	EvtError          = "error"
)

// Command is one inbound client frame. The optional id correlates the
// server's ack.
type Command struct {
	ID    int64           `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Frame is one outbound server frame.
type Frame struct {
	ID    int64  `json:"id,omitempty"`
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ErrorData is the payload of an error event, addressed to the
// offending sender only.
type ErrorData struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// PresenceData announces a viewer joining or leaving a conversation.
type PresenceData struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId"`
}

// TypingData mirrors PresenceData for typing events.
type TypingData struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId"`
}

// UserStatusData announces a user's presence transition.
type UserStatusData struct {
	UserID   int64  `json:"userId"`
	Status   string `json:"status"`
	LastSeen string `json:"lastSeen,omitempty"`
}

// Command payloads.

type sendPayload struct {
	ConversationID int64 `json:"conversationId"`
	service.SendInput
}

type readPayload struct {
	ConversationID int64   `json:"conversationId"`
	MessageIDs     []int64 `json:"messageIds"`
	MessageID      int64   `json:"messageId"`
}

// ids merges the singular and plural forms clients may send.
func (p readPayload) ids() []int64 {
	ids := p.MessageIDs
	if p.MessageID != 0 {
		ids = append(ids, p.MessageID)
	}
	return ids
}

type deliveredPayload struct {
	MessageID int64 `json:"messageId"`
}

type deletePayload struct {
	MessageID      int64 `json:"messageId"`
	ConversationID int64 `json:"conversationId"`
}

type conversationPayload struct {
	ConversationID int64 `json:"conversationId"`
}
