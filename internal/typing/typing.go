// ABOUTME: Ephemeral typing-state coordinator with a debounce window.
// ABOUTME: State expires lazily on read - no background sweep goroutine.

package typing

import (
	"sync"
	"time"
)

// DefaultDebounce is how long a typing signal stays live without a refresh
const DefaultDebounce = time.Second

// stateKey identifies one (conversation, user) typing state
type stateKey struct {
	conversationID string
	userID         string
}

// Coordinator tracks who is typing in which conversation. State is never
// persisted; a signal older than the debounce window is stale and treated
// as "not typing" even without an explicit stop. Expiry is checked lazily
// on every read rather than by a timer, so an idle relay does no work.
type Coordinator struct {
	mu       sync.Mutex
	expiries map[stateKey]time.Time
	debounce time.Duration
	now      func() time.Time // swapped in tests
}

// New creates a Coordinator. debounce <= 0 selects DefaultDebounce.
func New(debounce time.Duration) *Coordinator {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Coordinator{
		expiries: make(map[stateKey]time.Time),
		debounce: debounce,
		now:      time.Now,
	}
}

// Set marks a user as typing with a fresh expiry. Returns true if this is a
// new typing state (transition from not-typing), false if it only refreshed
// an active one - callers broadcast on both, but the flag lets tests and
// future throttling distinguish the edge.
func (c *Coordinator) Set(conversationID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := stateKey{conversationID, userID}
	expiry, active := c.expiries[key]
	fresh := !active || c.now().After(expiry)
	c.expiries[key] = c.now().Add(c.debounce)
	return fresh
}

// Clear removes a user's typing state. Returns true if there was an
// unexpired state to clear (so callers can skip redundant broadcasts).
func (c *Coordinator) Clear(conversationID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := stateKey{conversationID, userID}
	expiry, active := c.expiries[key]
	delete(c.expiries, key)
	return active && c.now().Before(expiry)
}

// ClearAll removes every typing state a user holds and returns the
// conversation ids that had an active one. Used on disconnect so no
// "is typing" signal outlives its connection.
func (c *Coordinator) ClearAll(userID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var cleared []string
	for key, expiry := range c.expiries {
		if key.userID != userID {
			continue
		}
		if now.Before(expiry) {
			cleared = append(cleared, key.conversationID)
		}
		delete(c.expiries, key)
	}
	return cleared
}

// ActiveTypers returns the users currently typing in a conversation,
// sweeping expired entries as a side effect.
func (c *Coordinator) ActiveTypers(conversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var typers []string
	for key, expiry := range c.expiries {
		if now.After(expiry) {
			delete(c.expiries, key)
			continue
		}
		if key.conversationID == conversationID {
			typers = append(typers, key.userID)
		}
	}
	return typers
}
