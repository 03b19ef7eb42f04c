// ABOUTME: Relay dispatcher routing inbound events to handlers and fanning out results.
// ABOUTME: Pure handle-returns-deliveries design; the transport adapter applies them.

package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/2389/bazaar-relay/internal/dedupe"
	"github.com/2389/bazaar-relay/internal/membership"
	"github.com/2389/bazaar-relay/internal/registry"
	"github.com/2389/bazaar-relay/internal/store"
	"github.com/2389/bazaar-relay/internal/typing"
)

// DefaultHistoryPage is the recent-message page size returned on join
const DefaultHistoryPage = 50

// RelayStore is what the dispatcher needs from storage
type RelayStore interface {
	AppendMessage(ctx context.Context, conversationID, senderID, content string) (*store.Message, error)
	ListMessages(ctx context.Context, conversationID, forUserID string, beforeSeq int64, limit int) ([]*store.Message, error)
	MarkRead(ctx context.Context, conversationID, userID string) error
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)
}

// Delivery pairs one outbound event with the connection it goes to.
// The transport adapter applies deliveries with Handle.Deliver; targets
// that disconnected mid-fan-out simply report false there.
type Delivery struct {
	Target *registry.Handle
	Event  string
	Data   any
}

// Dispatcher routes inbound events to the store, membership manager, and
// typing coordinator, and computes the outbound deliveries each event
// produces. It holds no per-event state of its own, which keeps Handle
// unit-testable without a live transport.
type Dispatcher struct {
	store       RelayStore
	rooms       *membership.Manager
	typing      *typing.Coordinator
	sends       *dedupe.Cache // nil disables idempotency-key dedup
	historyPage int
	logger      *slog.Logger
}

// NewDispatcher wires a dispatcher. sends may be nil to disable send
// deduplication; historyPage <= 0 selects DefaultHistoryPage. Pass nil
// logger for default.
func NewDispatcher(st RelayStore, rooms *membership.Manager, ty *typing.Coordinator, sends *dedupe.Cache, historyPage int, logger *slog.Logger) *Dispatcher {
	if historyPage <= 0 {
		historyPage = DefaultHistoryPage
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:       st,
		rooms:       rooms,
		typing:      ty,
		sends:       sends,
		historyPage: historyPage,
		logger:      logger.With("component", "dispatcher"),
	}
}

// Handle processes one inbound event from a connection and returns the
// outbound deliveries it produced. Errors never fan out: they come back as
// a single error delivery to the originating connection.
func (d *Dispatcher) Handle(ctx context.Context, h *registry.Handle, in *Inbound) []Delivery {
	switch in.Kind {
	case KindJoinRoom:
		return d.handleJoin(ctx, h, in)
	case KindLeaveRoom:
		return d.handleLeave(h, in)
	case KindSendMessage:
		return d.handleSend(ctx, h, in)
	case KindMarkRead:
		return d.handleMarkRead(ctx, h, in)
	case KindTyping:
		return d.handleTyping(h, in, true)
	case KindStopTyping:
		return d.handleTyping(h, in, false)
	default:
		return d.errorTo(h, in.ConversationID, CodeBadRequest, "unknown event", false)
	}
}

// handleJoin subscribes the connection and returns bootstrap state: the
// current unread count plus a page of recent messages, in one synchronous
// reply so no message slips between join and first read.
func (d *Dispatcher) handleJoin(ctx context.Context, h *registry.Handle, in *Inbound) []Delivery {
	if err := d.rooms.Join(ctx, h, in.ConversationID); err != nil {
		return d.errorFor(h, in.ConversationID, err)
	}

	unread, err := d.store.UnreadCount(ctx, in.ConversationID, h.UserID)
	if err != nil {
		return d.errorFor(h, in.ConversationID, err)
	}

	recent, err := d.store.ListMessages(ctx, in.ConversationID, h.UserID, 0, d.historyPage)
	if err != nil {
		return d.errorFor(h, in.ConversationID, err)
	}

	payloads := make([]*MessagePayload, len(recent))
	for i, m := range recent {
		payloads[i] = NewMessagePayload(m)
	}

	return []Delivery{{
		Target: h,
		Event:  EventRoomJoined,
		Data: &RoomJoinedPayload{
			ConversationID: in.ConversationID,
			UnreadCount:    unread,
			RecentMessages: payloads,
		},
	}}
}

// handleLeave unsubscribes the connection and clears any typing state it
// had in the room, telling the remaining subscribers typing stopped.
func (d *Dispatcher) handleLeave(h *registry.Handle, in *Inbound) []Delivery {
	d.rooms.Leave(h, in.ConversationID)

	deliveries := []Delivery{{
		Target: h,
		Event:  EventRoomLeft,
		Data:   &RoomLeftPayload{ConversationID: in.ConversationID},
	}}

	if d.typing.Clear(in.ConversationID, h.UserID) {
		deliveries = append(deliveries, d.typingBroadcast(h, in.ConversationID, EventUserStopTyping)...)
	}
	return deliveries
}

// handleSend appends the message and fans it out to every subscribed
// connection, the sender's other devices included. The originating
// connection additionally gets an ack. A retried send carrying a known
// idempotency key is re-acked without a second append or fan-out.
func (d *Dispatcher) handleSend(ctx context.Context, h *registry.Handle, in *Inbound) []Delivery {
	var dedupeKey string
	if d.sends != nil && in.IdempotencyKey != "" {
		dedupeKey = in.ConversationID + "|" + h.UserID + "|" + in.IdempotencyKey
		if msgID, seen := d.sends.Lookup(dedupeKey); seen {
			d.logger.Debug("duplicate send suppressed",
				"conversation_id", in.ConversationID,
				"message_id", msgID)
			return []Delivery{{
				Target: h,
				Event:  EventMessageSent,
				Data: &MessageSentPayload{
					ConversationID: in.ConversationID,
					MessageID:      msgID,
					Duplicate:      true,
				},
			}}
		}
	}

	msg, err := d.store.AppendMessage(ctx, in.ConversationID, h.UserID, in.Content)
	if err != nil {
		return d.errorFor(h, in.ConversationID, err)
	}

	if dedupeKey != "" {
		d.sends.Record(dedupeKey, msg.ID)
	}

	deliveries := []Delivery{{
		Target: h,
		Event:  EventMessageSent,
		Data: &MessageSentPayload{
			ConversationID: in.ConversationID,
			MessageID:      msg.ID,
			Seq:            msg.Seq,
		},
	}}

	payload := NewMessagePayload(msg)
	for _, sub := range d.rooms.SubscribersOf(in.ConversationID) {
		deliveries = append(deliveries, Delivery{
			Target: sub,
			Event:  EventReceiveMessage,
			Data:   payload,
		})
	}

	d.logger.Debug("message dispatched",
		"conversation_id", in.ConversationID,
		"message_id", msg.ID,
		"seq", msg.Seq,
		"fan_out", len(deliveries)-1)
	return deliveries
}

// handleMarkRead zeroes the caller's unread state for the conversation
func (d *Dispatcher) handleMarkRead(ctx context.Context, h *registry.Handle, in *Inbound) []Delivery {
	if err := d.store.MarkRead(ctx, in.ConversationID, h.UserID); err != nil {
		return d.errorFor(h, in.ConversationID, err)
	}

	return []Delivery{{
		Target: h,
		Event:  EventReadMarked,
		Data: &ReadMarkedPayload{
			ConversationID: in.ConversationID,
			UnreadCount:    0,
		},
	}}
}

// handleTyping updates typing state and broadcasts to the other subscribers
// of the room. Typing signals from connections that never joined the room
// are rejected; they bypassed the join access check.
func (d *Dispatcher) handleTyping(h *registry.Handle, in *Inbound, start bool) []Delivery {
	if !d.rooms.IsSubscribed(h, in.ConversationID) {
		return d.errorTo(h, in.ConversationID, CodeNotJoined, "join the room before signaling typing", false)
	}

	if start {
		d.typing.Set(in.ConversationID, h.UserID)
		return d.typingBroadcast(h, in.ConversationID, EventUserTyping)
	}

	if !d.typing.Clear(in.ConversationID, h.UserID) {
		// Already expired or never set - nothing to announce
		return nil
	}
	return d.typingBroadcast(h, in.ConversationID, EventUserStopTyping)
}

// typingBroadcast builds typing deliveries for every subscriber except the
// originating user's own connections (typing is never echoed back).
func (d *Dispatcher) typingBroadcast(h *registry.Handle, conversationID, event string) []Delivery {
	payload := &TypingPayload{ConversationID: conversationID, UserID: h.UserID}

	var deliveries []Delivery
	for _, sub := range d.rooms.SubscribersOf(conversationID) {
		if sub.UserID == h.UserID {
			continue
		}
		deliveries = append(deliveries, Delivery{
			Target: sub,
			Event:  event,
			Data:   payload,
		})
	}
	return deliveries
}

// CleanupConnection is the registry unregister hook: it drops the
// connection's room subscriptions and clears its user's typing state,
// announcing the stop to rooms that still believed the user was typing.
// Deliveries are applied here directly since the origin is already gone.
func (d *Dispatcher) CleanupConnection(h *registry.Handle) {
	d.rooms.DropAll(h)

	for _, conversationID := range d.typing.ClearAll(h.UserID) {
		for _, delivery := range d.typingBroadcast(h, conversationID, EventUserStopTyping) {
			delivery.Target.Deliver(delivery.Event, delivery.Data)
		}
	}
}

// errorFor maps a handler error to a single error delivery for the origin
func (d *Dispatcher) errorFor(h *registry.Handle, conversationID string, err error) []Delivery {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return d.errorTo(h, conversationID, CodeNotFound, "conversation not found", false)
	case errors.Is(err, store.ErrNotAParticipant):
		return d.errorTo(h, conversationID, CodeNotParticipant, "not a participant of this conversation", false)
	case errors.Is(err, store.ErrMessageInvalid):
		return d.errorTo(h, conversationID, CodeValidation, err.Error(), false)
	default:
		d.logger.Error("handler failed",
			"conversation_id", conversationID,
			"user_id", h.UserID,
			"error", err)
		return d.errorTo(h, conversationID, CodeInternal, "temporary failure, retry", true)
	}
}

// errorTo builds the single error delivery sent back to the origin
func (d *Dispatcher) errorTo(h *registry.Handle, conversationID, code, msg string, retryable bool) []Delivery {
	return []Delivery{{
		Target: h,
		Event:  EventError,
		Data: &ErrorPayload{
			Code:           code,
			Message:        msg,
			ConversationID: conversationID,
			Retryable:      retryable,
		},
	}}
}
