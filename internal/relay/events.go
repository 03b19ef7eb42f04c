// ABOUTME: Wire event vocabulary for the relay - inbound tagged events and outbound payloads.
// ABOUTME: DecodeInbound turns a raw transport frame into a typed Inbound event.

package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/bazaar-relay/internal/store"
)

// ErrBadFrame is returned when a transport frame cannot be decoded into a
// known inbound event
var ErrBadFrame = errors.New("bad frame")

// Kind tags an inbound event
type Kind string

// Inbound event kinds
const (
	KindJoinRoom    Kind = "join-room"
	KindLeaveRoom   Kind = "leave-room"
	KindSendMessage Kind = "send-message"
	KindMarkRead    Kind = "mark-read"
	KindTyping      Kind = "typing"
	KindStopTyping  Kind = "stop-typing"
)

// Outbound event names
const (
	EventRoomJoined     = "room-joined"
	EventRoomLeft       = "room-left"
	EventReceiveMessage = "receive-message"
	EventMessageSent    = "message-sent"
	EventReadMarked     = "read-marked"
	EventUserTyping     = "user-typing"
	EventUserStopTyping = "user-stop-typing"
	EventError          = "error"
)

// Error codes carried in ErrorPayload
const (
	CodeBadRequest     = "bad_request"
	CodeNotFound       = "not_found"
	CodeNotParticipant = "not_participant"
	CodeNotJoined      = "not_joined"
	CodeValidation     = "validation"
	CodeInternal       = "internal"
)

// Inbound is one tagged inbound event, decoded from a transport frame.
// ConversationID is required for every kind; Content and IdempotencyKey
// only apply to send-message.
type Inbound struct {
	Kind           Kind   `json:"event"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// DecodeInbound parses a raw frame into an Inbound event. Unknown kinds and
// missing conversation ids fail with ErrBadFrame.
func DecodeInbound(frame []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}

	switch in.Kind {
	case KindJoinRoom, KindLeaveRoom, KindSendMessage, KindMarkRead, KindTyping, KindStopTyping:
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrBadFrame, in.Kind)
	}

	if in.ConversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation_id", ErrBadFrame)
	}
	return &in, nil
}

// MessagePayload is the wire form of a stored message
type MessagePayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`
}

// NewMessagePayload converts a stored message to its wire form
func NewMessagePayload(m *store.Message) *MessagePayload {
	return &MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		Read:           m.Read,
	}
}

// RoomJoinedPayload is the bootstrap state returned on join: the current
// unread count and a newest-first page of recent messages, so a client
// cannot miss messages sent between joining and its first poll.
type RoomJoinedPayload struct {
	ConversationID string            `json:"conversation_id"`
	UnreadCount    int               `json:"unread_count"`
	RecentMessages []*MessagePayload `json:"recent_messages"`
}

// RoomLeftPayload acknowledges a leave
type RoomLeftPayload struct {
	ConversationID string `json:"conversation_id"`
}

// MessageSentPayload acknowledges a send to the originating connection.
// Duplicate is true when an idempotency key matched an earlier send and no
// new message was appended.
type MessageSentPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Seq            int64  `json:"seq,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}

// ReadMarkedPayload acknowledges a mark-read
type ReadMarkedPayload struct {
	ConversationID string `json:"conversation_id"`
	UnreadCount    int    `json:"unread_count"`
}

// TypingPayload identifies who is typing where
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// ErrorPayload reports a failure to the originating connection only.
// Retryable distinguishes transient store failures (client may resend)
// from rejections that will fail the same way again.
type ErrorPayload struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	Retryable      bool   `json:"retryable,omitempty"`
}
