// ABOUTME: In-memory mapping from session id to its ordered message log
// ABOUTME: Implements turn append/resolve/edit/delete while keeping one outstanding turn per session

package messagelog

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrNoSuchMessage is returned when an index or handle does not name a
	// message of the expected kind.
	ErrNoSuchMessage = errors.New("no such message")

	// ErrDuplicateServerID is returned when a server id is already attached
	// to another message of the session.
	ErrDuplicateServerID = errors.New("server id already in use")

	// ErrInvariant is returned by Validate when a log is inconsistent.
	ErrInvariant = errors.New("message log invariant violated")
)

// Store holds every session's log. The orchestrator is its only writer;
// the lock lets presentation code take snapshots from other goroutines.
type Store struct {
	mu       sync.RWMutex
	sessions map[string][]Message
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string][]Message)}
}

func newID() string {
	return uuid.NewString()
}

// AppendUserTurn appends a user message followed by a pending assistant
// placeholder. Any message still flagged from an earlier turn is cleared
// first so the session never holds two outstanding turns.
func (s *Store) AppendUserTurn(sessionID, text, placeholder string) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.sessions[sessionID]
	clearFlags(log)

	user := Message{ID: newID(), Text: text, Sender: SenderUser}
	reply := Message{ID: newID(), Text: placeholder, Sender: SenderAssistant, Lifecycle: LifecyclePending}
	s.sessions[sessionID] = append(log, user, reply)

	return Turn{
		User:  Handle{SessionID: sessionID, MessageID: user.ID},
		Reply: Handle{SessionID: sessionID, MessageID: reply.ID},
	}
}

// ResolveTurn writes serverText into the placeholder named by h. streaming
// keeps the message flagged for further chunks; otherwise the turn is done.
// Text is replaced, never appended to.
//
// A stale handle falls back to the single flagged message of the session, and
// if there is none a new assistant message is appended. The returned handle
// names the message that now holds the text.
func (s *Store) ResolveTurn(h Handle, serverText string, streaming bool) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag := LifecycleNone
	if streaming {
		flag = LifecycleStreaming
	}

	log := s.sessions[h.SessionID]
	i := indexOf(log, h.MessageID)
	if i < 0 {
		i = flaggedIndex(log)
	}
	if i < 0 {
		msg := Message{ID: newID(), Text: serverText, Sender: SenderAssistant, Lifecycle: flag}
		s.sessions[h.SessionID] = append(log, msg)
		return Handle{SessionID: h.SessionID, MessageID: msg.ID}
	}

	log[i].Text = serverText
	log[i].Lifecycle = flag
	return Handle{SessionID: h.SessionID, MessageID: log[i].ID}
}

// ClearLifecycle drops the flag of the message named by h, leaving its text.
// It reports whether the message was found.
func (s *Store) ClearLifecycle(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.sessions[h.SessionID]
	i := indexOf(log, h.MessageID)
	if i < 0 {
		return false
	}
	log[i].Lifecycle = LifecycleNone
	return true
}

// RollbackTurn removes a turn created by AppendUserTurn. Either half may be
// missing already.
func (s *Store) RollbackTurn(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.sessions[t.User.SessionID]
	log = slices.DeleteFunc(log, func(m Message) bool {
		return m.ID == t.User.MessageID || m.ID == t.Reply.MessageID
	})
	s.sessions[t.User.SessionID] = log
}

// Index returns the position of the message named by h, or -1.
func (s *Store) Index(h Handle) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return indexOf(s.sessions[h.SessionID], h.MessageID)
}

// AttachServerID stamps the user message at turnIndex with its durable id.
func (s *Store) AttachServerID(sessionID string, turnIndex int, id ServerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.sessions[sessionID]
	if turnIndex < 0 || turnIndex >= len(log) || log[turnIndex].Sender != SenderUser {
		return fmt.Errorf("%w: user message at index %d", ErrNoSuchMessage, turnIndex)
	}
	if j := serverIndex(log, id); j >= 0 && j != turnIndex {
		return fmt.Errorf("%w: %s", ErrDuplicateServerID, id)
	}
	log[turnIndex].ServerID = id
	return nil
}

// DeleteTurn removes the user message with serverID together with the
// assistant reply that follows it. It reports whether anything was removed.
func (s *Store) DeleteTurn(sessionID string, serverID ServerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.sessions[sessionID]
	i := serverIndex(log, serverID)
	if i < 0 {
		return false
	}
	s.sessions[sessionID] = slices.Delete(log, i, pairEnd(log, i))
	return true
}

// TruncateAfter removes every message after the turn of serverID, keeping the
// user message and its reply. It returns the server ids of the removed user
// messages.
func (s *Store) TruncateAfter(sessionID string, serverID ServerID) ([]ServerID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.sessions[sessionID]
	i := serverIndex(log, serverID)
	if i < 0 {
		return nil, false
	}

	end := pairEnd(log, i)
	var removed []ServerID
	for _, m := range log[end:] {
		if m.Sender == SenderUser && m.ServerID != "" {
			removed = append(removed, m.ServerID)
		}
	}
	s.sessions[sessionID] = slices.Clip(log[:end])
	return removed, true
}

// Downstream returns the server ids of user messages after the turn of
// serverID, without changing the log.
func (s *Store) Downstream(sessionID string, serverID ServerID) []ServerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.sessions[sessionID]
	i := serverIndex(log, serverID)
	if i < 0 {
		return nil
	}
	var ids []ServerID
	for _, m := range log[pairEnd(log, i):] {
		if m.Sender == SenderUser && m.ServerID != "" {
			ids = append(ids, m.ServerID)
		}
	}
	return ids
}

// RewriteTurn sets the text of the user message with serverID and puts a
// fresh pending placeholder in its reply slot, inserting one if the turn had
// no reply.
func (s *Store) RewriteTurn(sessionID string, serverID ServerID, text, placeholder string) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.sessions[sessionID]
	i := serverIndex(log, serverID)
	if i < 0 {
		return Turn{}, fmt.Errorf("%w: %s", ErrNoSuchMessage, serverID)
	}
	clearFlags(log)

	reply := Message{ID: newID(), Text: placeholder, Sender: SenderAssistant, Lifecycle: LifecyclePending}
	if pairEnd(log, i) == i+2 {
		log[i+1] = reply
	} else {
		log = slices.Insert(log, i+1, reply)
	}
	log[i].Text = text
	s.sessions[sessionID] = log

	return Turn{
		User:  Handle{SessionID: sessionID, MessageID: log[i].ID},
		Reply: Handle{SessionID: sessionID, MessageID: reply.ID},
	}, nil
}

// FindServerID returns the user message carrying serverID.
func (s *Store) FindServerID(sessionID string, serverID ServerID) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.sessions[sessionID]
	if i := serverIndex(log, serverID); i >= 0 {
		return log[i], true
	}
	return Message{}, false
}

// ReplaceSession sets the whole log of a session.
func (s *Store) ReplaceSession(sessionID string, messages []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := make([]Message, len(messages))
	copy(log, messages)
	for i := range log {
		if log[i].ID == "" {
			log[i].ID = newID()
		}
	}
	s.sessions[sessionID] = log
}

// Purge drops a session's log.
func (s *Store) Purge(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Snapshot returns a copy of a session's log.
func (s *Store) Snapshot(sessionID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.sessions[sessionID])
}

// Len returns the number of messages in a session's log.
func (s *Store) Len(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions[sessionID])
}

// Validate checks that a session has at most one flagged message and that no
// server id appears twice.
func (s *Store) Validate(sessionID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.sessions[sessionID]
	flagged := 0
	seen := make(map[ServerID]bool)
	for i, m := range log {
		if m.Lifecycle != LifecycleNone {
			flagged++
		}
		if m.ServerID == "" {
			continue
		}
		if seen[m.ServerID] {
			return fmt.Errorf("%w: server id %s repeated at index %d", ErrInvariant, m.ServerID, i)
		}
		seen[m.ServerID] = true
	}
	if flagged > 1 {
		return fmt.Errorf("%w: %d outstanding turns in session %s", ErrInvariant, flagged, sessionID)
	}
	return nil
}

// ExpandHistory turns server records into log entries, one user and one
// assistant message per record, optionally preceded by a greeting.
func ExpandHistory(records []Record, greeting string) []Message {
	out := make([]Message, 0, 2*len(records)+1)
	if greeting != "" {
		out = append(out, Greeting(greeting))
	}
	for _, r := range records {
		out = append(out,
			Message{ID: newID(), Text: r.User, Sender: SenderUser, ServerID: r.ID},
			Message{ID: newID(), Text: r.Assistant, Sender: SenderAssistant},
		)
	}
	return out
}

// Greeting returns the canned assistant message shown at the top of a session.
func Greeting(text string) Message {
	return Message{ID: newID(), Text: text, Sender: SenderAssistant}
}

func indexOf(log []Message, id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(log, func(m Message) bool { return m.ID == id })
}

func serverIndex(log []Message, id ServerID) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(log, func(m Message) bool {
		return m.Sender == SenderUser && m.ServerID == id
	})
}

func flaggedIndex(log []Message) int {
	return slices.IndexFunc(log, func(m Message) bool { return m.Lifecycle != LifecycleNone })
}

// pairEnd returns the index just past the turn starting at user index i.
func pairEnd(log []Message, i int) int {
	if i+1 < len(log) && log[i+1].Sender == SenderAssistant {
		return i + 2
	}
	return i + 1
}

func clearFlags(log []Message) {
	for i := range log {
		log[i].Lifecycle = LifecycleNone
	}
}
