// Package auth holds the client's login state and authenticates outgoing
// requests.
//
// # State
//
// A single State is created at startup and passed to every component that
// needs a credential. It carries the access token, the refresh token and the
// user id, and mirrors them into a store.CredentialStore so a restart keeps
// the session:
//
//	state := auth.NewState(sqliteStore, logger)
//	_ = state.Restore(ctx)
//	if !state.LoggedIn() { ... }
//
// Logout clears everything and runs OnLogout listeners; the orchestrator uses
// one to tear down its channel.
//
// # Tokens
//
// Access tokens are JWTs issued by the backend. The client only reads their
// claims (user id and expiry) with ParseAccessToken and never verifies the
// signature. SignTestToken and VerifyTestToken exist for the fake backend.
//
// # Refresh
//
// RefreshTransport wraps an http.RoundTripper. It adds the bearer header,
// refreshes tokens that are about to expire, and on a 401 exchanges the
// refresh token once and retries the request once. A rejected refresh logs
// the State out and surfaces ErrRefreshFailed.
package auth
