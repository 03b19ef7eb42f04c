// ABOUTME: Store interface and data types for bazaar-relay persistence
// ABOUTME: Defines Conversation, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrNotAParticipant is returned when a user acts on a conversation they do not belong to
var ErrNotAParticipant = errors.New("not a participant")

// ErrMessageInvalid is returned when message content fails validation.
// The wrapped detail says what was wrong (empty, oversized).
var ErrMessageInvalid = errors.New("invalid message")

// ErrDuplicateConversation is returned when a conversation with the same
// participant set and vendor already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrConversationInvalid is returned when a conversation cannot be created
// from the given participant set
var ErrConversationInvalid = errors.New("invalid conversation")

// DefaultMaxContentBytes bounds message content size when no limit is configured
const DefaultMaxContentBytes = 4096

// PreviewRunes is the truncation length for a conversation's last-message preview
const PreviewRunes = 120

// UnreadCounts maps a participant user id to their unread message count.
// Keys are always a subset of the conversation's participants; the store
// builds the map from participant rows so the invariant holds by construction.
type UnreadCounts map[string]int

// Conversation groups a fixed participant set and its message history
type Conversation struct {
	ID                 string
	VendorID           string
	Participants       []string
	LastMessagePreview string
	LastMessageAt      time.Time
	Unread             UnreadCounts
	CreatedAt          time.Time
}

// HasParticipant reports whether userID belongs to the conversation
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Message is a single message within a conversation. Seq is minted by the
// store and is the total order within the conversation. Read is derived from
// the requesting user's read watermark; it is not stored per message.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	SenderID       string
	Content        string
	CreatedAt      time.Time
	Read           bool
}

// Store defines the interface for conversation and message persistence.
// It covers both the durable message log and the conversation directory
// read-model (last message, unread counters) - the two are updated in the
// same transaction so they cannot drift apart.
type Store interface {
	// Conversation directory
	CreateOrGetConversation(ctx context.Context, participantIDs []string, vendorID string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error)

	// Message log
	AppendMessage(ctx context.Context, conversationID, senderID, content string) (*Message, error)
	ListMessages(ctx context.Context, conversationID, forUserID string, beforeSeq int64, limit int) ([]*Message, error)

	// Read state
	MarkRead(ctx context.Context, conversationID, userID string) error
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)

	// Close releases any resources held by the store
	Close() error
}
