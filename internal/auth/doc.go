// Package auth verifies the identity attached to each connection.
//
// Identities are issued by the storefront's authentication system as HS256
// JWTs; the relay only verifies them and reads the user id from the "sub"
// claim. A handshake with no valid credential is rejected before the
// connection is registered. Generate exists for the admin CLI and tests.
package auth
