// Package messagelog is the in-memory source of truth for what each session
// renders: an ordered list of user and assistant messages per session id.
//
// Every user message that has been answered is followed by exactly one
// assistant message, and at most one assistant message per session is
// flagged pending or streaming. Placeholders are addressed by the Handle
// returned when they were created rather than found by scanning.
package messagelog
