// Package dedupe deduplicates retried message sends.
//
// The relay accepts at-least-once sends: a client whose acknowledgement was
// lost may retry, carrying the same idempotency key. The cache maps
// (conversation, sender, client key) to the message id the first attempt
// produced, so the retry is re-acked instead of appended twice. Keys expire
// after a TTL and the cache is size-bounded with oldest-first eviction.
//
// Sends without an idempotency key are not deduplicated - a retry that
// succeeded server-side creates a duplicate message, by the documented
// at-least-once contract.
package dedupe
