// Package conversation drives the chat turn state machine for one client.
//
// # Overview
//
// The Orchestrator binds the three lower layers together: the session
// directory (REST), the chat channel (websocket), and the message log. It
// owns which session is active, the single channel open for it, and the turn
// state of that session:
//
//	IDLE --Submit/EditTurn--> AWAITING_RESPONSE
//	AWAITING_RESPONSE --streaming chunk--> AWAITING_RESPONSE
//	AWAITING_RESPONSE --final reply | error frame | channel close--> IDLE
//
// # Concurrency
//
// Run starts a loop goroutine that owns all mutable state. Public methods
// post closures to the loop and wait for them. REST calls are made on the
// caller's goroutine and their results applied on the loop, so channel
// events keep flowing while a history load or delete is in flight.
//
// # Errors
//
// Failures never leave a turn stuck in AWAITING_RESPONSE. They land in a
// single error slot carried by every Update: the last error wins, and the
// next successful action or ClearError empties it.
//
// # Presentation
//
// Subscribe returns a stream of Update snapshots built from the message log.
// A terminal front end renders them and calls back into the public methods.
package conversation
