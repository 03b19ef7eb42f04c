// ABOUTME: Room membership manager mapping conversations to subscribed connections.
// ABOUTME: Enforces the participant check - the access-control boundary of the relay.

package membership

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/bazaar-relay/internal/registry"
	"github.com/2389/bazaar-relay/internal/store"
)

// ParticipantChecker is what the manager needs from storage: whether a user
// belongs to a conversation. Returns store.ErrNotFound for unknown
// conversations.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Manager tracks which connections are subscribed to which conversations.
// All state is ephemeral and rebuilt as clients rejoin after a restart.
type Manager struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]*registry.Handle // conversationID -> handleID -> handle
	byConn  map[string]map[string]bool             // handleID -> set of conversationIDs
	checker ParticipantChecker
	logger  *slog.Logger
}

// New creates a Manager backed by the given participant checker.
// Pass nil logger for default.
func New(checker ParticipantChecker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		rooms:   make(map[string]map[string]*registry.Handle),
		byConn:  make(map[string]map[string]bool),
		checker: checker,
		logger:  logger.With("component", "membership"),
	}
}

// Join subscribes a connection to a conversation. Fails with
// store.ErrNotAParticipant if the connection's user does not belong to the
// conversation, and store.ErrNotFound if the conversation does not exist.
// Idempotent: joining twice is a no-op.
func (m *Manager) Join(ctx context.Context, h *registry.Handle, conversationID string) error {
	ok, err := m.checker.IsParticipant(ctx, conversationID, h.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s in conversation %s", store.ErrNotAParticipant, h.UserID, conversationID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[conversationID]; !ok {
		m.rooms[conversationID] = make(map[string]*registry.Handle)
	}
	m.rooms[conversationID][h.ID] = h

	if _, ok := m.byConn[h.ID]; !ok {
		m.byConn[h.ID] = make(map[string]bool)
	}
	m.byConn[h.ID][conversationID] = true

	m.logger.Debug("joined room",
		"conversation_id", conversationID,
		"connection_id", h.ID,
		"user_id", h.UserID)
	return nil
}

// Leave removes a connection's subscription to a conversation. Idempotent.
func (m *Manager) Leave(h *registry.Handle, conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(h.ID, conversationID)
}

// leaveLocked removes one subscription. Must be called with mu held.
func (m *Manager) leaveLocked(handleID, conversationID string) {
	if subs, ok := m.rooms[conversationID]; ok {
		delete(subs, handleID)
		if len(subs) == 0 {
			delete(m.rooms, conversationID)
		}
	}
	if convs, ok := m.byConn[handleID]; ok {
		delete(convs, conversationID)
		if len(convs) == 0 {
			delete(m.byConn, handleID)
		}
	}
}

// DropAll removes every subscription a connection holds and returns the
// conversation ids it was subscribed to. Called from the registry's
// unregister cleanup so a disconnect leaves no dangling subscriptions.
func (m *Manager) DropAll(h *registry.Handle) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	convs := make([]string, 0, len(m.byConn[h.ID]))
	for conversationID := range m.byConn[h.ID] {
		convs = append(convs, conversationID)
	}
	for _, conversationID := range convs {
		m.leaveLocked(h.ID, conversationID)
	}

	if len(convs) > 0 {
		m.logger.Debug("dropped all subscriptions",
			"connection_id", h.ID,
			"rooms", len(convs))
	}
	return convs
}

// SubscribersOf returns a snapshot of the connections subscribed to a
// conversation. The snapshot may contain handles that close mid-fan-out;
// callers tolerate Deliver returning false.
func (m *Manager) SubscribersOf(conversationID string) []*registry.Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := make([]*registry.Handle, 0, len(m.rooms[conversationID]))
	for _, h := range m.rooms[conversationID] {
		subs = append(subs, h)
	}
	return subs
}

// IsSubscribed reports whether a connection is currently joined to a conversation
func (m *Manager) IsSubscribed(h *registry.Handle, conversationID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byConn[h.ID][conversationID]
}
