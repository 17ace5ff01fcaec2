// Package fakebackend is an in-memory chat backend speaking the same REST and
// websocket protocol as the real service.
//
// It exists for end-to-end tests and local demos. Sessions and stored turns
// live in maps, tokens are HS256 JWTs signed with a configurable secret, and
// replies are streamed as cumulative chunks followed by a final frame that
// carries the stored message id.
//
// Routes:
//
//	GET    /api/v1/chat/                     list sessions
//	POST   /api/v1/chat/                     create session
//	DELETE /api/v1/chat/{id}/                delete session
//	GET    /api/v1/chat/{id}/message/        list stored turns
//	DELETE /api/v1/chat/{id}/message/{mid}/  delete one turn
//	POST   /api/v1/account/refresh/          exchange a refresh token
//	GET    /ws/chat/{id}/?token=...          chat channel
package fakebackend
