// Package store persists the client's login credential.
//
// # Credentials
//
// A Credentials record holds the access token, the refresh token, and the
// user id for one profile. The client uses DefaultProfile; other profiles let
// tests and scripts keep separate logins in one database.
//
// # Backends
//
//   - SQLiteStore: a single-file database opened in WAL mode with the schema
//     created on open. The cmd/chatmate client keeps it under the XDG data
//     directory.
//   - MockStore: an in-memory map for tests.
//
// GetCredentials returns ErrNotFound when a profile has never logged in or
// has logged out.
package store
