// Package membership maps conversations to their subscribed connections.
//
// Join is the access-control boundary of the relay: a connection may only
// subscribe to conversations its user participates in, checked against the
// store on every join. Joining a conversation the user does not belong to
// never silently succeeds.
//
// SubscribersOf hands the dispatcher a snapshot for fan-out; handles that
// disconnect between snapshot and delivery are tolerated by the caller.
package membership
