// Package channel wraps the websocket connection that carries turn traffic
// for the active chat session.
package channel
