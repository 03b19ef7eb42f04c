// Package ws is the transport boundary of the relay.
//
// It authenticates WebSocket handshakes (JWT, bearer header or token query
// parameter), registers accepted connections with the registry, and runs
// the per-connection read/write pumps. Inbound frames are decoded into
// relay events and handed to the dispatcher; the deliveries it returns are
// applied to their target handles best-effort.
//
// The package also serves the small JSON directory API the conversation
// list view consumes (list conversations, create-or-get a conversation).
package ws
