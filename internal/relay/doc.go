// Package relay routes inbound conversation events and fans out the results.
//
// # Overview
//
// The dispatcher is the center of the relay: every inbound event from a
// connection - join, leave, send, mark-read, typing - flows through
// Dispatcher.Handle, which delegates to the store, membership manager, and
// typing coordinator and returns the outbound deliveries the event
// produced. The transport adapter (internal/ws) decodes frames into Inbound
// events and applies the returned deliveries; the dispatcher itself never
// touches a socket, which keeps it unit-testable without a live transport.
//
// # Semantics
//
//   - join-room: subscribes the connection and synchronously returns
//     bootstrap state (unread count + recent messages)
//   - send-message: durable append first, then fan-out to all subscribers
//     including the sender's own devices; ack to the origin
//   - typing/stop-typing: ephemeral broadcast to other subscribers, never
//     echoed to the sender
//   - errors: always local to the originating connection, never fanned out,
//     never fatal to other connections
//
// Sends are at-least-once: clients retry on lost acks, carrying an
// idempotency key so the retry re-acks the original message instead of
// duplicating it. Fan-out is best effort to live sockets - a subscriber
// that disconnects mid-broadcast is skipped, not an error.
package relay
