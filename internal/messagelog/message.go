// ABOUTME: Message record types for the per-session conversation log
// ABOUTME: Defines senders, lifecycle flags, server ids, and placeholder handles

package messagelog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Lifecycle marks an assistant message that is still being produced.
type Lifecycle int

const (
	LifecycleNone Lifecycle = iota
	LifecyclePending
	LifecycleStreaming
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleNone:
		return "none"
	case LifecyclePending:
		return "pending"
	case LifecycleStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("lifecycle(%d)", int(l))
	}
}

// ServerID is the durable id the backend assigns to a stored user message.
// The backend sends it as a JSON number or string; both decode to the same
// decimal string.
type ServerID string

// UnmarshalJSON accepts a number, a string, or null.
func (id *ServerID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ServerID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("server id: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*id = ServerID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = ServerID(n.String())
	return nil
}

// MarshalJSON writes numeric ids as numbers so the backend sees the same
// type it issued.
func (id ServerID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// Message is one rendered entry of a session log.
type Message struct {
	ID        string    `json:"id"` // local id, stable across text rewrites
	Text      string    `json:"text"`
	Sender    Sender    `json:"sender"`
	ServerID  ServerID  `json:"server_id,omitempty"`
	Lifecycle Lifecycle `json:"lifecycle"`
}

// Editable reports whether the message can be edited or deleted.
func (m Message) Editable() bool {
	return m.Sender == SenderUser && m.ServerID != ""
}

// Handle identifies one message of one session, independent of its index.
type Handle struct {
	SessionID string
	MessageID string
}

// IsZero reports whether h refers to nothing.
func (h Handle) IsZero() bool {
	return h.MessageID == ""
}

// Turn is the pair of handles created by AppendUserTurn or RewriteTurn.
type Turn struct {
	User  Handle
	Reply Handle
}

// Record is one server-side history entry: a stored user message and the
// assistant reply to it.
type Record struct {
	ID        ServerID  `json:"id"`
	User      string    `json:"user_message"`
	Assistant string    `json:"chatbot_message"`
	CreatedAt time.Time `json:"created_at"`
}
