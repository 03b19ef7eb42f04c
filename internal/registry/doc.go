// Package registry tracks live transport connections per authenticated user.
//
// Each accepted WebSocket becomes a Handle owned by the Registry for its
// lifetime. A user may hold any number of handles at once (multi-device).
// State here is purely ephemeral: the registry is rebuilt from scratch on
// restart as clients reconnect.
//
// Unregister runs cleanup hooks (membership drop, typing clear) before the
// handle disappears, and flips the handle closed under the same mutex
// Deliver holds, so a message fan-out racing a disconnect sees a clean
// false from Deliver instead of a write to a dead socket.
package registry
