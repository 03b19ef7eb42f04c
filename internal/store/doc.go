// Package store provides durable persistence for conversations and messages.
//
// # Overview
//
// The store is the only durable shared state in the relay. It holds two
// read/write models that are updated together:
//
//   - Message log: ordered messages per conversation, sequenced by the store
//   - Conversation directory: participant sets, last-message preview, and
//     per-participant unread counters
//
// # Ordering
//
// Every message gets a per-conversation sequence number minted inside
// AppendMessage under a per-conversation lock. Seq is the single total
// order all readers observe; timestamps are informational.
//
// # Read state
//
// Read state is a per-user watermark (last_read_seq) rather than a
// per-message flag. A message is read by a user when its seq is at or below
// the user's watermark, or when the user sent it. MarkRead moves the
// watermark and zeroes the unread counter in one atomic statement, so it is
// idempotent and safe against concurrent appends.
//
// # Implementation
//
// SQLiteStore is the production implementation (modernc.org/sqlite, WAL
// mode, schema created on open). Consumers should depend on the Store
// interface or a narrower subset of it.
package store
