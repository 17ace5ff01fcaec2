// ABOUTME: In-memory backend implementing the chat REST endpoints and websocket channel
// ABOUTME: Issues JWTs, stores turns per session, and streams cumulative reply chunks

package fakebackend

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/chatmate/internal/auth"
	"github.com/2389/chatmate/internal/channel"
	"github.com/2389/chatmate/internal/messagelog"
)

// Responder produces the full reply for a prompt.
type Responder func(prompt string) string

// Recommend is the default Responder.
func Recommend(prompt string) string {
	return fmt.Sprintf("%q 에 어울리는 게임을 골라봤어요.\n추천 게임 1: [Portal 2]\n추천 게임 2: [Stardew Valley]", prompt)
}

// Options configures a Server.
type Options struct {
	Secret     []byte
	TokenTTL   time.Duration
	Chunks     int           // streaming chunks before the final frame
	ChunkDelay time.Duration // pause between frames of one reply
	Responder  Responder
	Logger     *slog.Logger
}

// Server is the fake backend. Create it with New and serve Handler.
type Server struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	refresh  map[string]string // refresh token -> user id
	revoked  map[string]bool   // access tokens rejected before expiry
	conns    map[string]map[*wsConn]struct{}
	failures []string // queued error frames for upcoming turns
	nextID   int
}

type session struct {
	id      string
	owner   string
	created time.Time
	records []messagelog.Record
}

type sessionJSON struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type envelope struct {
	Data any `json:"data"`
}

// New creates a Server, filling unset options with defaults.
func New(opts Options) *Server {
	if len(opts.Secret) == 0 {
		opts.Secret = []byte("fake-backend-secret")
	}
	if opts.TokenTTL == 0 {
		opts.TokenTTL = 15 * time.Minute
	}
	if opts.Chunks <= 0 {
		opts.Chunks = 2
	}
	if opts.Responder == nil {
		opts.Responder = Recommend
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Server{
		opts:     opts,
		logger:   opts.Logger.With("component", "fakebackend"),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		sessions: make(map[string]*session),
		refresh:  make(map[string]string),
		revoked:  make(map[string]bool),
		conns:    make(map[string]map[*wsConn]struct{}),
	}
}

// Handler returns the HTTP handler for every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/chat/{$}", s.authed(s.handleListSessions))
	mux.HandleFunc("POST /api/v1/chat/{$}", s.authed(s.handleCreateSession))
	mux.HandleFunc("DELETE /api/v1/chat/{id}/{$}", s.authed(s.handleDeleteSession))
	mux.HandleFunc("GET /api/v1/chat/{id}/message/{$}", s.authed(s.handleListMessages))
	mux.HandleFunc("DELETE /api/v1/chat/{id}/message/{mid}/{$}", s.authed(s.handleDeleteMessage))
	mux.HandleFunc("POST /api/v1/account/refresh/{$}", s.handleRefresh)
	mux.HandleFunc("GET /ws/chat/{id}/{$}", s.handleChannel)
	return mux
}

// IssueTokens logs userID in and returns an access and a refresh token.
func (s *Server) IssueTokens(userID string) (access, refresh string, err error) {
	access, err = auth.SignTestToken(s.opts.Secret, userID, s.opts.TokenTTL)
	if err != nil {
		return "", "", err
	}
	refresh = uuid.NewString()

	s.mu.Lock()
	s.refresh[refresh] = userID
	s.mu.Unlock()
	return access, refresh, nil
}

// Revoke makes an access token fail as if it had expired.
func (s *Server) Revoke(access string) {
	s.mu.Lock()
	s.revoked[access] = true
	s.mu.Unlock()
}

// FailNextTurn makes the next turn answer with an error frame carrying msg.
func (s *Server) FailNextTurn(msg string) {
	s.mu.Lock()
	s.failures = append(s.failures, msg)
	s.mu.Unlock()
}

// Records returns the stored turns of a session.
func (s *Server) Records(sessionID string) []messagelog.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return slices.Clone(sess.records)
	}
	return nil
}

// Disconnect closes every channel of a session with code.
func (s *Server) Disconnect(sessionID string, code int) {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns[sessionID]))
	for c := range s.conns[sessionID] {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close(code, "disconnected by server")
	}
}

func (s *Server) verify(token string) (string, error) {
	s.mu.Lock()
	revoked := s.revoked[token]
	s.mu.Unlock()
	if revoked {
		return "", auth.ErrInvalidToken
	}
	return auth.VerifyTestToken(s.opts.Secret, token)
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) authed(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := s.verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, userID string) {
	s.mu.Lock()
	out := []sessionJSON{}
	for _, sess := range s.sessions {
		if sess.owner == userID {
			out = append(out, sessionJSON{ID: sess.id, CreatedAt: sess.created})
		}
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b sessionJSON) int { return b.CreatedAt.Compare(a.CreatedAt) })
	writeJSON(w, http.StatusOK, envelope{Data: out})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, userID string) {
	sess := &session{id: uuid.NewString(), owner: userID, created: time.Now().UTC()}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.logger.Info("session created", "session_id", sess.id, "user_id", userID)
	writeJSON(w, http.StatusCreated, envelope{Data: sessionJSON{ID: sess.id, CreatedAt: sess.created}})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok && sess.owner == userID {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !ok || sess.owner != userID {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.Disconnect(id, websocket.CloseNormalClosure)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, userID string) {
	s.mu.Lock()
	sess, ok := s.sessions[r.PathValue("id")]
	var records []messagelog.Record
	if ok && sess.owner == userID {
		records = slices.Clone(sess.records)
	}
	s.mu.Unlock()

	if !ok || sess.owner != userID {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if records == nil {
		records = []messagelog.Record{}
	}
	writeJSON(w, http.StatusOK, envelope{Data: records})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request, userID string) {
	mid := messagelog.ServerID(r.PathValue("mid"))

	s.mu.Lock()
	sess, ok := s.sessions[r.PathValue("id")]
	found := false
	if ok && sess.owner == userID {
		n := len(sess.records)
		sess.records = slices.DeleteFunc(sess.records, func(rec messagelog.Record) bool { return rec.ID == mid })
		found = len(sess.records) != n
	}
	s.mu.Unlock()

	if !found {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	userID, ok := s.refresh[req.Refresh]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	access, err := auth.SignTestToken(s.opts.Secret, userID, s.opts.TokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "signing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access": access})
}

// wsConn serializes writes to one websocket.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.conn.Close()
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	c := &wsConn{conn: conn}
	defer conn.Close()

	userID, err := s.verify(r.URL.Query().Get("token"))
	if err != nil {
		s.logger.Info("rejecting channel", "session_id", sessionID, "error", err)
		c.close(channel.CodeAuthFailure, "authentication failed")
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok && sess.owner == userID {
		if s.conns[sessionID] == nil {
			s.conns[sessionID] = make(map[*wsConn]struct{})
		}
		s.conns[sessionID][c] = struct{}{}
	}
	s.mu.Unlock()
	if !ok || sess.owner != userID {
		c.close(channel.CodeAuthFailure, "session not found")
		return
	}
	defer func() {
		s.mu.Lock()
		delete(s.conns[sessionID], c)
		s.mu.Unlock()
	}()

	s.logger.Debug("channel open", "session_id", sessionID, "user_id", userID)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("channel read ended", "session_id", sessionID, "error", err)
			}
			return
		}
		if err := s.dispatch(c, sessionID, data); err != nil {
			s.logger.Debug("channel write failed", "session_id", sessionID, "error", err)
			return
		}
	}
}

func (s *Server) dispatch(c *wsConn, sessionID string, data []byte) error {
	frame, err := channel.ParseClientFrame(data)
	if err != nil {
		return c.write(channel.ServerFrame{Status: channel.StatusError, Message: "malformed frame"})
	}

	switch {
	case frame.Type == channel.TypePing:
		return c.write(channel.ServerFrame{Type: channel.TypePong})
	case frame.Type == channel.TypeModify:
		return s.modify(c, sessionID, frame.MessageID, frame.NewMessage)
	case frame.Message != "":
		return s.turn(c, sessionID, frame.Message)
	default:
		return c.write(channel.ServerFrame{Status: channel.StatusError, Message: "empty message"})
	}
}

func (s *Server) takeFailure() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) == 0 {
		return "", false
	}
	msg := s.failures[0]
	s.failures = s.failures[1:]
	return msg, true
}

func (s *Server) turn(c *wsConn, sessionID, prompt string) error {
	if msg, ok := s.takeFailure(); ok {
		return c.write(channel.ServerFrame{Status: channel.StatusError, Message: msg})
	}

	reply := s.opts.Responder(prompt)
	if err := s.stream(c, reply); err != nil {
		return err
	}

	s.mu.Lock()
	s.nextID++
	id := messagelog.ServerID(strconv.Itoa(s.nextID))
	if sess, ok := s.sessions[sessionID]; ok {
		sess.records = append(sess.records, messagelog.Record{
			ID:        id,
			User:      prompt,
			Assistant: reply,
			CreatedAt: time.Now().UTC(),
		})
	}
	s.mu.Unlock()

	return s.final(c, reply, id)
}

func (s *Server) modify(c *wsConn, sessionID string, id messagelog.ServerID, text string) error {
	if msg, ok := s.takeFailure(); ok {
		return c.write(channel.ServerFrame{Status: channel.StatusError, Message: msg})
	}

	s.mu.Lock()
	found := false
	if sess, ok := s.sessions[sessionID]; ok {
		found = slices.ContainsFunc(sess.records, func(r messagelog.Record) bool { return r.ID == id })
	}
	s.mu.Unlock()
	if !found {
		return c.write(channel.ServerFrame{Status: channel.StatusError, Message: "message not found"})
	}

	reply := s.opts.Responder(text)
	if err := s.stream(c, reply); err != nil {
		return err
	}

	s.mu.Lock()
	if sess, ok := s.sessions[sessionID]; ok {
		for i := range sess.records {
			if sess.records[i].ID == id {
				sess.records[i].User = text
				sess.records[i].Assistant = reply
			}
		}
	}
	s.mu.Unlock()

	return s.final(c, reply, id)
}

// stream sends cumulative prefixes of reply.
func (s *Server) stream(c *wsConn, reply string) error {
	runes := []rune(reply)
	for i := 1; i <= s.opts.Chunks; i++ {
		n := len(runes) * i / (s.opts.Chunks + 1)
		if n == 0 {
			continue
		}
		if err := c.write(channel.Reply(string(runes[:n]), true)); err != nil {
			return err
		}
		s.pause()
	}
	return nil
}

func (s *Server) final(c *wsConn, reply string, id messagelog.ServerID) error {
	f := channel.Reply(reply, false)
	f.MessageID = id
	return c.write(f)
}

func (s *Server) pause() {
	if s.opts.ChunkDelay > 0 {
		time.Sleep(s.opts.ChunkDelay)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
