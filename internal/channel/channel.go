// ABOUTME: Persistent websocket connection bound to one chat session
// ABOUTME: Emits open/message/close/error events in order and keeps the link alive with pings

package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// State is the connection state of a Channel.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosedNormal
	StateClosedError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedNormal:
		return "closed"
	case StateClosedError:
		return "closed_error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Closed reports whether s is terminal.
func (s State) Closed() bool {
	return s == StateClosedNormal || s == StateClosedError
}

// Close codes with a meaning to the client.
const (
	CodeNormal      = websocket.CloseNormalClosure
	CodeAbnormal    = websocket.CloseAbnormalClosure
	CodeAuthFailure = 4003
)

var (
	// ErrNotConnected is returned by Send when the channel is not open.
	ErrNotConnected = errors.New("channel not connected")

	// ErrAuthFailure means the server closed the channel because the
	// credential was rejected. The user has to log in again.
	ErrAuthFailure = errors.New("channel authentication failed")

	// ErrConnectionLost means the channel closed abnormally.
	ErrConnectionLost = errors.New("connection lost")
)

// CloseError classifies a close code. A normal close yields nil.
func CloseError(code int) error {
	switch code {
	case CodeNormal:
		return nil
	case CodeAuthFailure:
		return ErrAuthFailure
	default:
		return ErrConnectionLost
	}
}

const (
	defaultHeartbeat = 30 * time.Second
	writeWait        = 10 * time.Second
	closeGrace       = 2 * time.Second
	eventBuffer      = 64
)

// EventKind discriminates Event.
type EventKind int

const (
	EventOpen EventKind = iota
	EventMessage
	EventClose
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one lifecycle notification from a Channel.
type Event struct {
	Kind    EventKind
	Payload []byte // EventMessage
	Code    int    // EventClose
	Reason  string // EventClose
	Err     error  // EventError detail, or the EventClose classification
}

// Options configures channels opened by a Dialer.
type Options struct {
	// BaseURL is the websocket root, e.g. ws://localhost:8000/ws.
	BaseURL           string
	HeartbeatInterval time.Duration
	Dialer            *websocket.Dialer
	Logger            *slog.Logger
}

// Dialer opens channels with shared options.
type Dialer struct {
	opts Options
}

// NewDialer creates a Dialer, filling unset options with defaults.
func NewDialer(opts Options) *Dialer {
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dialer{opts: opts}
}

// Channel is one websocket connection for one session. It moves from
// connecting to open to one of the closed states and never back; activating
// another session means opening a new Channel.
type Channel struct {
	sessionID string
	interval  time.Duration
	dialer    *websocket.Dialer
	logger    *slog.Logger

	state    atomic.Int32
	lastPong atomic.Int64
	events   chan Event
	closing  chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu          sync.Mutex // guards conn and the close request
	conn        *websocket.Conn
	closeCode   int
	closeReason string
	closeOnce   sync.Once

	writeMu sync.Mutex
}

// Open starts connecting to the session's endpoint and returns at once.
// Progress arrives on Events. A URL that cannot be built is reported as an
// error event followed by a close event, not as a return value. ctx bounds
// the dial only; use Close to end an open channel.
func (d *Dialer) Open(ctx context.Context, sessionID, token string) *Channel {
	c := &Channel{
		sessionID: sessionID,
		interval:  d.opts.HeartbeatInterval,
		dialer:    d.opts.Dialer,
		logger:    d.opts.Logger.With("component", "channel", "session_id", sessionID),
		events:    make(chan Event, eventBuffer),
		closing:   make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))

	target, err := Endpoint(d.opts.BaseURL, sessionID, token)
	if err != nil {
		c.state.Store(int32(StateClosedError))
		c.cancel = func() {}
		c.events <- Event{Kind: EventError, Err: err}
		c.events <- Event{Kind: EventClose, Code: CodeAbnormal, Err: ErrConnectionLost}
		close(c.events)
		c.logger.Error("cannot open channel", "error", err)
		return c
	}

	dialCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(dialCtx, target)
	go func() {
		c.wg.Wait()
		cancel()
		close(c.events)
	}()

	return c
}

// Endpoint builds the websocket URL for a session: {base}/chat/{id}/?token=...
func Endpoint(base, sessionID, token string) (string, error) {
	if sessionID == "" {
		return "", errors.New("channel: empty session id")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("channel: parsing base url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("channel: base url scheme must be ws or wss, got %q", u.Scheme)
	}
	u = u.JoinPath("chat", sessionID, "/")
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SessionID returns the session this channel is bound to.
func (c *Channel) SessionID() string {
	return c.sessionID
}

// State returns the current connection state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Events returns the ordered event stream. It is closed after the final
// close event.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// LastPong returns when the server last answered a ping, zero if never.
func (c *Channel) LastPong() time.Time {
	ns := c.lastPong.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Send writes v as a JSON text frame. It fails with ErrNotConnected unless
// the channel is open.
func (c *Channel) Send(v any) error {
	if c.State() != StateOpen {
		return ErrNotConnected
	}
	select {
	case <-c.closing:
		return ErrNotConnected
	default:
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Close ends the channel with code and reason. Repeated calls do nothing.
func (c *Channel) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode, c.closeReason = code, reason
		conn := c.conn
		c.mu.Unlock()

		close(c.closing)
		c.cancel()

		if conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(code, reason)
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			conn.Close()
			return
		}
		// The read loop ends when the server echoes the close frame
		time.AfterFunc(closeGrace, func() { conn.Close() })
	})
}

func (c *Channel) run(ctx context.Context, target string) {
	defer c.wg.Done()

	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		c.dialFailed(err, resp)
		return
	}
	defer conn.Close()

	c.mu.Lock()
	if code := c.closeCode; code != 0 {
		reason := c.closeReason
		c.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		c.finish(code, reason)
		return
	}
	c.conn = conn
	c.state.Store(int32(StateOpen))
	c.mu.Unlock()

	c.logger.Debug("channel open")
	c.emit(Event{Kind: EventOpen})

	stop := make(chan struct{})
	c.wg.Add(1)
	go c.heartbeat(stop)

	c.readLoop(conn)
	close(stop)
}

func (c *Channel) dialFailed(err error, resp *http.Response) {
	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()

	// Closed by the owner while dialing
	if code != 0 {
		c.finish(code, reason)
		return
	}

	code = CodeAbnormal
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		code = CodeAuthFailure
		reason = resp.Status
	}
	c.logger.Warn("channel dial failed", "error", err, "code", code)
	c.emit(Event{Kind: EventError, Err: err})
	c.finish(code, reason)
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.readFailed(err)
			return
		}
		if isPong(data) {
			c.lastPong.Store(time.Now().UnixNano())
			continue
		}
		c.emit(Event{Kind: EventMessage, Payload: data})
	}
}

func (c *Channel) readFailed(err error) {
	c.mu.Lock()
	initiated, initiatedReason := c.closeCode, c.closeReason
	c.mu.Unlock()

	if initiated != 0 {
		c.finish(initiated, initiatedReason)
		return
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.finish(ce.Code, ce.Text)
		return
	}

	c.logger.Warn("channel read failed", "error", err)
	c.emit(Event{Kind: EventError, Err: err})
	c.finish(CodeAbnormal, "")
}

// finish moves to the closed state for code and emits the close event.
func (c *Channel) finish(code int, reason string) {
	closeErr := CloseError(code)
	if closeErr == nil {
		c.state.Store(int32(StateClosedNormal))
	} else {
		c.state.Store(int32(StateClosedError))
	}
	c.logger.Debug("channel closed", "code", code, "reason", reason)
	c.emit(Event{Kind: EventClose, Code: code, Reason: reason, Err: closeErr})
}

// emit delivers ev in order. Once the owner has closed the channel it may
// have stopped reading, so delivery becomes best effort.
func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closing:
		select {
		case c.events <- ev:
		default:
			c.logger.Debug("dropping event after close", "kind", ev.Kind)
		}
	}
}

func (c *Channel) heartbeat(stop <-chan struct{}) {
	defer c.wg.Done()

	if c.interval < 0 {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.closing:
			return
		case <-ticker.C:
			if err := c.Send(pingFrame); err != nil {
				c.logger.Debug("ping failed", "error", err)
			}
		}
	}
}

type controlFrame struct {
	Type string `json:"type"`
}

var pingFrame = controlFrame{Type: TypePing}

func isPong(data []byte) bool {
	if !bytes.Contains(data, []byte(TypePong)) {
		return false
	}
	var f controlFrame
	return json.Unmarshal(data, &f) == nil && f.Type == TypePong
}
