// Package typing coordinates ephemeral typing indicators.
//
// A typing signal stays live for one debounce window (default 1s) after the
// last refresh; absent an explicit stop it expires on its own. Expiry is
// evaluated lazily on the next read instead of by a dedicated timer.
// Typing state carries no ordering guarantee beyond last-write-wins inside
// the window - stale signals are superseded or expire harmlessly.
package typing
