// ABOUTME: Tracks live transport connections per authenticated user.
// ABOUTME: Supports multi-device users and cascading cleanup on unregister.

package registry

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Sink is where outbound events for a connection are written. The transport
// layer implements it; Send must not block (drop or fail when the peer
// cannot keep up).
type Sink interface {
	Send(event string, data any) error
}

// Handle identifies one live connection of one authenticated user.
// A user with several devices holds several handles.
type Handle struct {
	ID     string
	UserID string

	sink Sink

	mu     sync.Mutex
	closed bool
}

// Deliver writes an outbound event to the connection. Best effort: returns
// false if the handle has been torn down or the sink rejects the write.
// Safe to call concurrently with Registry.Unregister - a handle mid-teardown
// simply reports false instead of writing to a dead transport.
func (h *Handle) Deliver(event string, data any) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	return h.sink.Send(event, data) == nil
}

// markClosed flips the handle to closed so in-flight deliveries stop.
// Runs under the same mutex Deliver holds, so no delivery races teardown.
func (h *Handle) markClosed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

// Closed reports whether the handle has been unregistered
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// CleanupFunc is invoked when a handle is unregistered, before it is removed
// from the registry. Membership and typing state hook in here so a
// disconnect never leaves dangling subscriptions or stuck typing signals.
type CleanupFunc func(h *Handle)

// Registry tracks all live connections keyed by user id
type Registry struct {
	mu       sync.RWMutex
	byUser   map[string]map[string]*Handle // userID -> handleID -> handle
	cleanups []CleanupFunc
	logger   *slog.Logger
}

// New creates an empty Registry. Pass nil logger for default.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byUser: make(map[string]map[string]*Handle),
		logger: logger.With("component", "registry"),
	}
}

// OnUnregister adds a cleanup hook invoked for every unregistered handle.
// Hooks must be registered during wiring, before connections arrive.
func (r *Registry) OnUnregister(fn CleanupFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanups = append(r.cleanups, fn)
}

// Register adds a new authenticated connection and returns its handle.
// The caller is responsible for having verified the user's credential;
// connections with no identity are rejected at the transport boundary and
// never reach the registry.
func (r *Registry) Register(userID string, sink Sink) *Handle {
	h := &Handle{
		ID:     uuid.New().String(),
		UserID: userID,
		sink:   sink,
	}

	r.mu.Lock()
	if _, ok := r.byUser[userID]; !ok {
		r.byUser[userID] = make(map[string]*Handle)
	}
	r.byUser[userID][h.ID] = h
	total := len(r.byUser[userID])
	r.mu.Unlock()

	r.logger.Info("connection registered",
		"user_id", userID,
		"connection_id", h.ID,
		"user_connections", total)
	return h
}

// Unregister tears down a handle: marks it closed (stopping in-flight
// deliveries), runs cleanup hooks, and removes it from the registry.
// Idempotent.
func (r *Registry) Unregister(h *Handle) {
	if h == nil || h.Closed() {
		return
	}
	h.markClosed()

	r.mu.RLock()
	cleanups := make([]CleanupFunc, len(r.cleanups))
	copy(cleanups, r.cleanups)
	r.mu.RUnlock()

	for _, fn := range cleanups {
		fn(h)
	}

	r.mu.Lock()
	if handles, ok := r.byUser[h.UserID]; ok {
		delete(handles, h.ID)
		if len(handles) == 0 {
			delete(r.byUser, h.UserID)
		}
	}
	r.mu.Unlock()

	r.logger.Info("connection unregistered",
		"user_id", h.UserID,
		"connection_id", h.ID)
}

// ConnectionsFor returns a snapshot of a user's live handles
func (r *Registry) ConnectionsFor(userID string) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := make([]*Handle, 0, len(r.byUser[userID]))
	for _, h := range r.byUser[userID] {
		handles = append(handles, h)
	}
	return handles
}

// Len returns the total number of live connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, handles := range r.byUser {
		total += len(handles)
	}
	return total
}
