// ABOUTME: JSON frames exchanged over the chat channel in both directions
// ABOUTME: Client sends new turns, edits, and pings; server sends replies, errors, and pongs

package channel

import (
	"encoding/json"
	"fmt"

	"github.com/2389/chatmate/internal/messagelog"
)

// Frame type tags.
const (
	TypePing   = "ping"
	TypePong   = "pong"
	TypeModify = "message_modify"

	StatusError = "error"
)

// TurnFrame starts a new turn.
type TurnFrame struct {
	Message string `json:"message"`
}

// EditFrame replaces the text of a stored user message and asks for a new
// reply.
type EditFrame struct {
	Type       string              `json:"type"`
	MessageID  messagelog.ServerID `json:"message_id"`
	NewMessage string              `json:"new_message"`
}

// NewEditFrame builds an EditFrame.
func NewEditFrame(id messagelog.ServerID, text string) EditFrame {
	return EditFrame{Type: TypeModify, MessageID: id, NewMessage: text}
}

// ServerFrame is any frame the server sends. Exactly one of the shapes is
// populated: a control frame (Type), an error (Status), or a reply
// (Response).
type ServerFrame struct {
	Type        string              `json:"type,omitempty"`
	Status      string              `json:"status,omitempty"`
	Message     string              `json:"message,omitempty"`
	Response    *string             `json:"response,omitempty"`
	IsStreaming bool                `json:"is_streaming,omitempty"`
	MessageID   messagelog.ServerID `json:"message_id,omitempty"`
}

// IsError reports whether f is an error frame.
func (f *ServerFrame) IsError() bool {
	return f.Status == StatusError
}

// IsReply reports whether f carries response text.
func (f *ServerFrame) IsReply() bool {
	return f.Response != nil
}

// Reply builds a response frame.
func Reply(text string, streaming bool) ServerFrame {
	return ServerFrame{Response: &text, IsStreaming: streaming}
}

// ParseServerFrame decodes a server payload.
func ParseServerFrame(payload []byte) (*ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("parsing server frame: %w", err)
	}
	return &f, nil
}

// ClientFrame is any frame the client sends, as seen by a server.
type ClientFrame struct {
	Type       string              `json:"type,omitempty"`
	Message    string              `json:"message,omitempty"`
	MessageID  messagelog.ServerID `json:"message_id,omitempty"`
	NewMessage string              `json:"new_message,omitempty"`
}

// ParseClientFrame decodes a client payload.
func ParseClientFrame(payload []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("parsing client frame: %w", err)
	}
	return &f, nil
}
