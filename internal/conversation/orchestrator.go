// ABOUTME: Conversation orchestrator coordinating sessions, the chat channel, and the message log
// ABOUTME: Runs every user action and channel event on one loop goroutine to enforce the turn state machine

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/chatmate/internal/auth"
	"github.com/2389/chatmate/internal/channel"
	"github.com/2389/chatmate/internal/dedupe"
	"github.com/2389/chatmate/internal/directory"
	"github.com/2389/chatmate/internal/messagelog"
)

// State is the turn state of the active session.
type State int

const (
	StateIdle State = iota
	StateAwaitingResponse
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingResponse:
		return "awaiting_response"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Guard violations returned by orchestrator operations. None of them change
// the message log.
var (
	ErrBusy            = errors.New("a turn is already awaiting a response")
	ErrNoActiveSession = errors.New("no active session")
	ErrEmptyText       = errors.New("message text is empty")
	ErrNotEditable     = errors.New("message cannot be edited or deleted")
	ErrClosed          = errors.New("orchestrator closed")
)

// ServerError is an error frame sent by the backend for the current turn.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// Update is a snapshot published after every change.
type Update struct {
	SessionID  string
	Active     bool // SessionID is the active session
	Messages   []messagelog.Message
	Sessions   []directory.Session
	State      State
	Connection channel.State
	Err        error
}

// Directory is the REST side of the backend.
type Directory interface {
	ListSessions(ctx context.Context) ([]directory.Session, error)
	CreateSession(ctx context.Context) (directory.Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListMessages(ctx context.Context, sessionID string) ([]messagelog.Record, error)
	DeleteMessage(ctx context.Context, sessionID string, id messagelog.ServerID) error
}

// Conn is the channel surface the orchestrator drives.
type Conn interface {
	SessionID() string
	State() channel.State
	Events() <-chan channel.Event
	Send(v any) error
	Close(code int, reason string)
}

// DialFunc opens a channel for a session.
type DialFunc func(ctx context.Context, sessionID, token string) Conn

// DialWith adapts a channel.Dialer.
func DialWith(d *channel.Dialer) DialFunc {
	return func(ctx context.Context, sessionID, token string) Conn {
		return d.Open(ctx, sessionID, token)
	}
}

// Options configures an Orchestrator.
type Options struct {
	Directory    Directory
	Dial         DialFunc
	Credentials  auth.Credentials
	Greeting     string
	Placeholder  string
	GreetHistory bool
	TombstoneTTL time.Duration
	Logger       *slog.Logger
}

const tombstoneCapacity = 4096

// tombstone names a message deleted during an edit.
type tombstone struct {
	session string
	id      messagelog.ServerID
}

// Orchestrator owns the active session, its channel, and the message log.
// Public methods hand work to the loop started by Run and wait for it; REST
// calls run on the caller's goroutine so the loop keeps draining channel
// events while they are in flight.
type Orchestrator struct {
	dir          Directory
	dial         DialFunc
	creds        auth.Credentials
	greeting     string
	placeholder  string
	greetHistory bool
	logger       *slog.Logger

	log         *messagelog.Store
	broadcaster *Broadcaster
	tombstones  *dedupe.Cache[tombstone]

	ctx       context.Context // lifetime of channels and edit cleanup
	cancel    context.CancelFunc
	actions   chan func()
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	running   atomic.Bool

	// Owned by the loop goroutine.
	sessions []directory.Session
	active   string
	conn     Conn
	events   <-chan channel.Event
	state    State
	turn     messagelog.Turn
	lastErr  error
	marks    map[string]int // session -> log length when hydration started
}

// New creates an Orchestrator. Call Run to start it. Every other method
// runs on the Run loop, so a call made before Run starts waits for it (or
// for the caller's ctx), and a call made after Run returns fails with
// ErrClosed.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := opts.Logger.With("component", "orchestrator")

	return &Orchestrator{
		dir:          opts.Directory,
		dial:         opts.Dial,
		creds:        opts.Credentials,
		greeting:     opts.Greeting,
		placeholder:  opts.Placeholder,
		greetHistory: opts.GreetHistory,
		logger:       logger,
		log:          messagelog.NewStore(),
		broadcaster:  NewBroadcaster(opts.Logger),
		tombstones:   dedupe.New[tombstone](opts.TombstoneTTL, tombstoneCapacity),
		ctx:          ctx,
		cancel:       cancel,
		actions:      make(chan func()),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
		marks:        make(map[string]int),
	}
}

// Run processes actions and channel events until ctx is cancelled or Close
// is called. It must be called exactly once.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.running.Store(true)
	defer o.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.closing:
			return nil
		case fn := <-o.actions:
			fn()
		case ev, ok := <-o.events:
			if !ok {
				o.events = nil
				continue
			}
			o.handleEvent(ev)
		}
	}
}

// Close stops Run and waits for it to finish.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() { close(o.closing) })
	if o.running.Load() {
		<-o.done
	}
}

func (o *Orchestrator) shutdown() {
	o.dropChannel("client closed")
	o.broadcaster.Close()
	o.tombstones.Close()
	o.cancel()
	close(o.done)
	o.logger.Debug("orchestrator stopped")
}

// exec runs fn on the loop and returns its result.
func (o *Orchestrator) exec(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case o.actions <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrClosed
	}
	return <-errc
}

// post queues fn on the loop without waiting for it.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.actions <- fn:
	case <-o.done:
	}
}

// Start lists the caller's sessions and activates the newest one.
func (o *Orchestrator) Start(ctx context.Context) error {
	sessions, listErr := o.dir.ListSessions(ctx)

	var target string
	err := o.exec(ctx, func() error {
		if listErr != nil {
			o.fail(listErr)
			o.publish(AllSessions)
			return listErr
		}
		o.sessions = sessions
		if len(sessions) == 0 {
			o.publish(AllSessions)
			return nil
		}
		target = sessions[0].ID
		return o.activate(target)
	})
	if err != nil || target == "" {
		return err
	}
	return o.hydrate(ctx, target)
}

// SwitchSession closes the current channel, opens one for sessionID, and
// loads its history. Switching to the active session reconnects it.
func (o *Orchestrator) SwitchSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrNoActiveSession
	}
	if err := o.exec(ctx, func() error { return o.activate(sessionID) }); err != nil {
		return err
	}
	return o.hydrate(ctx, sessionID)
}

// Reconnect reopens the active session's channel and reloads its history.
// A turn that was in flight when the old channel dropped is not replayed;
// the reload shows whatever the backend stored for it.
func (o *Orchestrator) Reconnect(ctx context.Context) error {
	var sessionID string
	err := o.exec(ctx, func() error {
		if o.active == "" {
			return ErrNoActiveSession
		}
		sessionID = o.active
		return o.activate(sessionID)
	})
	if err != nil {
		return err
	}
	return o.hydrate(ctx, sessionID)
}

// CreateSession creates a session on the backend, puts it first in the
// session list, activates it, and seeds it with the greeting.
func (o *Orchestrator) CreateSession(ctx context.Context) (directory.Session, error) {
	s, createErr := o.dir.CreateSession(ctx)
	if createErr != nil {
		o.report(ctx, createErr)
		return directory.Session{}, createErr
	}

	err := o.exec(ctx, func() error {
		o.sessions = append([]directory.Session{s}, o.sessions...)
		if err := o.activate(s.ID); err != nil {
			return err
		}
		delete(o.marks, s.ID)
		o.log.ReplaceSession(s.ID, o.greetingLog())
		o.clearError()
		o.publish(s.ID)
		return nil
	})
	return s, err
}

// DeleteSession deletes a session on the backend and drops its log. Deleting
// the active session activates the newest remaining one, if any.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	if delErr := o.dir.DeleteSession(ctx, sessionID); delErr != nil {
		o.report(ctx, delErr)
		return delErr
	}

	var next string
	err := o.exec(ctx, func() error {
		o.sessions = slices.DeleteFunc(o.sessions, func(s directory.Session) bool { return s.ID == sessionID })
		o.log.Purge(sessionID)
		delete(o.marks, sessionID)
		o.clearError()

		if o.active != sessionID {
			o.publish(sessionID)
			return nil
		}

		o.dropChannel("session deleted")
		o.active = ""
		o.resetTurn()
		if len(o.sessions) == 0 {
			o.publish(sessionID)
			return nil
		}
		next = o.sessions[0].ID
		return o.activate(next)
	})
	if err != nil || next == "" {
		return err
	}
	return o.hydrate(ctx, next)
}

// Submit starts a new turn with text. It is rejected with ErrBusy while a
// turn is in flight, and fails without changing the log when the channel
// is not open.
func (o *Orchestrator) Submit(ctx context.Context, text string) error {
	return o.exec(ctx, func() error {
		text = strings.TrimSpace(text)
		if text == "" {
			return ErrEmptyText
		}
		if err := o.ready(); err != nil {
			return err
		}

		sessionID := o.active
		turn := o.log.AppendUserTurn(sessionID, text, o.placeholder)
		if err := o.conn.Send(channel.TurnFrame{Message: text}); err != nil {
			o.log.RollbackTurn(turn)
			o.fail(err)
			o.publish(sessionID)
			return err
		}

		o.turn = turn
		o.state = StateAwaitingResponse
		o.clearError()
		o.check(sessionID)
		o.publish(sessionID)
		return nil
	})
}

// EditTurn replaces the text of the stored user message id and asks for a
// new reply. Every later stored turn is deleted on the backend; those
// deletes are best effort and EditTurn returns once they have all settled.
// If the edit cannot be sent the log is restored and no deletes are issued.
func (o *Orchestrator) EditTurn(ctx context.Context, id messagelog.ServerID, text string) error {
	var (
		sessionID  string
		downstream []messagelog.ServerID
	)
	err := o.exec(ctx, func() error {
		text = strings.TrimSpace(text)
		if text == "" {
			return ErrEmptyText
		}
		if err := o.ready(); err != nil {
			return err
		}
		sessionID = o.active
		if _, ok := o.log.FindServerID(sessionID, id); !ok {
			return ErrNotEditable
		}

		before := o.log.Snapshot(sessionID)
		downstream = o.log.Downstream(sessionID, id)
		o.log.TruncateAfter(sessionID, id)
		turn, err := o.log.RewriteTurn(sessionID, id, text, o.placeholder)
		if err != nil {
			o.log.ReplaceSession(sessionID, before)
			return err
		}

		if err := o.conn.Send(channel.NewEditFrame(id, text)); err != nil {
			o.log.ReplaceSession(sessionID, before)
			downstream = nil
			o.fail(err)
			o.publish(sessionID)
			return err
		}

		for _, d := range downstream {
			o.tombstones.Mark(tombstone{session: sessionID, id: d})
		}
		o.turn = turn
		o.state = StateAwaitingResponse
		o.clearError()
		o.check(sessionID)
		o.publish(sessionID)
		return nil
	})
	if err != nil {
		return err
	}

	o.deleteDownstream(sessionID, downstream)
	return nil
}

// deleteDownstream issues one delete per id concurrently and waits for all
// of them. Failures are logged only.
func (o *Orchestrator) deleteDownstream(sessionID string, ids []messagelog.ServerID) {
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.dir.DeleteMessage(o.ctx, sessionID, id); err != nil {
				o.logger.Warn("downstream delete failed",
					"session_id", sessionID,
					"message_id", id,
					"error", err)
			}
		}()
	}
	wg.Wait()
}

// DeleteTurn deletes the stored turn id on the backend and, only once that
// succeeds, removes it from the log. The turn whose reply is still awaited
// cannot be deleted.
func (o *Orchestrator) DeleteTurn(ctx context.Context, id messagelog.ServerID) error {
	var sessionID string
	err := o.exec(ctx, func() error {
		if o.active == "" {
			return ErrNoActiveSession
		}
		m, ok := o.log.FindServerID(o.active, id)
		if !ok {
			return ErrNotEditable
		}
		if o.inFlight(o.active, m) {
			return ErrBusy
		}
		sessionID = o.active
		return nil
	})
	if err != nil {
		return err
	}

	delErr := o.dir.DeleteMessage(ctx, sessionID, id)
	return o.exec(ctx, func() error {
		if delErr != nil {
			o.fail(delErr)
			o.publish(sessionID)
			return delErr
		}
		if m, ok := o.log.FindServerID(sessionID, id); ok && o.inFlight(sessionID, m) {
			// An edit of this turn started while the delete was on the wire.
			o.resetTurn()
		}
		o.log.DeleteTurn(sessionID, id)
		o.clearError()
		o.check(sessionID)
		o.publish(sessionID)
		return nil
	})
}

// HandleLogout drops the channel and every cached log. It is safe to call
// from any goroutine, including from an auth.State logout listener.
func (o *Orchestrator) HandleLogout() {
	go o.post(func() {
		o.dropChannel("logged out")
		for _, s := range o.sessions {
			o.log.Purge(s.ID)
		}
		o.sessions = nil
		o.active = ""
		o.resetTurn()
		o.fail(auth.ErrAuthRequired)
		o.publish(AllSessions)
	})
}

// Messages returns a copy of a session's log.
func (o *Orchestrator) Messages(sessionID string) []messagelog.Message {
	return o.log.Snapshot(sessionID)
}

// Snapshot returns the current state of the active session.
func (o *Orchestrator) Snapshot(ctx context.Context) (*Update, error) {
	var u *Update
	err := o.exec(ctx, func() error {
		u = o.snapshot(o.active)
		return nil
	})
	return u, err
}

// ClearError dismisses the current error.
func (o *Orchestrator) ClearError(ctx context.Context) error {
	return o.exec(ctx, func() error {
		o.clearError()
		o.publish(o.active)
		return nil
	})
}

// Subscribe streams Updates for sessionID, or for every session when
// sessionID is AllSessions, until ctx is cancelled.
func (o *Orchestrator) Subscribe(ctx context.Context, sessionID string) <-chan *Update {
	ch, _ := o.broadcaster.Subscribe(ctx, sessionID)
	return ch
}

// The methods below run on the loop goroutine only.

// ready checks the guards shared by Submit and EditTurn.
func (o *Orchestrator) ready() error {
	if o.active == "" {
		return ErrNoActiveSession
	}
	if o.state != StateIdle {
		return ErrBusy
	}
	if o.conn == nil || o.conn.State() != channel.StateOpen {
		o.fail(channel.ErrNotConnected)
		o.publish(o.active)
		return channel.ErrNotConnected
	}
	return nil
}

// activate makes sessionID active on a new channel. Any previous channel is
// closed first, so two channels are never open together.
func (o *Orchestrator) activate(sessionID string) error {
	token, ok := o.creds.Token()
	if !ok {
		o.fail(auth.ErrAuthRequired)
		o.publish(o.active)
		return auth.ErrAuthRequired
	}

	o.dropChannel("switching session")
	o.active = sessionID
	o.resetTurn()
	o.conn = o.dial(o.ctx, sessionID, token)
	o.events = o.conn.Events()
	o.marks[sessionID] = o.log.Len(sessionID)

	o.logger.Info("session activated", "session_id", sessionID)
	o.publish(sessionID)
	return nil
}

func (o *Orchestrator) dropChannel(reason string) {
	if o.conn == nil {
		return
	}
	o.conn.Close(channel.CodeNormal, reason)
	o.conn = nil
	o.events = nil
}

// inFlight reports whether m is the user message of the awaited turn.
func (o *Orchestrator) inFlight(sessionID string, m messagelog.Message) bool {
	return o.state == StateAwaitingResponse && o.active == sessionID && o.turn.User.MessageID == m.ID
}

func (o *Orchestrator) resetTurn() {
	o.state = StateIdle
	o.turn = messagelog.Turn{}
}

// hydrate loads a session's history on the caller's goroutine and applies it
// on the loop.
func (o *Orchestrator) hydrate(ctx context.Context, sessionID string) error {
	records, listErr := o.dir.ListMessages(ctx, sessionID)
	return o.exec(ctx, func() error {
		if !o.known(sessionID) {
			o.logger.Debug("discarding history of deleted session", "session_id", sessionID)
			delete(o.marks, sessionID)
			return nil
		}
		if listErr != nil {
			delete(o.marks, sessionID)
			if o.log.Len(sessionID) == 0 {
				o.log.ReplaceSession(sessionID, o.greetingLog())
			}
			o.fail(listErr)
			o.publish(sessionID)
			return listErr
		}
		o.applyHistory(sessionID, records)
		return nil
	})
}

// known reports whether sessionID is listed or active. A session deleted
// while its history was loading is neither.
func (o *Orchestrator) known(sessionID string) bool {
	return sessionID == o.active || slices.ContainsFunc(o.sessions, func(s directory.Session) bool { return s.ID == sessionID })
}

// applyHistory replaces the session log with records. Messages added since
// hydration started (a turn submitted meanwhile) are kept after the history.
func (o *Orchestrator) applyHistory(sessionID string, records []messagelog.Record) {
	records = slices.DeleteFunc(records, func(r messagelog.Record) bool {
		return o.tombstones.Seen(tombstone{session: sessionID, id: r.ID})
	})

	var msgs []messagelog.Message
	if len(records) == 0 {
		msgs = o.greetingLog()
	} else {
		greeting := ""
		if o.greetHistory {
			greeting = o.greeting
		}
		msgs = messagelog.ExpandHistory(records, greeting)
	}

	current := o.log.Snapshot(sessionID)
	if mark, ok := o.marks[sessionID]; ok && mark <= len(current) {
		msgs = append(msgs, unsaved(current[mark:], records)...)
	}
	delete(o.marks, sessionID)

	o.log.ReplaceSession(sessionID, msgs)
	o.logger.Debug("history loaded", "session_id", sessionID, "records", len(records))
	o.check(sessionID)
	o.publish(sessionID)
}

// unsaved drops turns from tail that the history already contains.
func unsaved(tail []messagelog.Message, records []messagelog.Record) []messagelog.Message {
	stored := make(map[messagelog.ServerID]bool, len(records))
	for _, r := range records {
		stored[r.ID] = true
	}

	var out []messagelog.Message
	skipReply := false
	for _, m := range tail {
		if m.Sender == messagelog.SenderUser {
			skipReply = m.ServerID != "" && stored[m.ServerID]
			if skipReply {
				continue
			}
		} else if skipReply {
			skipReply = false
			continue
		}
		out = append(out, m)
	}
	return out
}

func (o *Orchestrator) greetingLog() []messagelog.Message {
	if o.greeting == "" {
		return nil
	}
	return []messagelog.Message{messagelog.Greeting(o.greeting)}
}

func (o *Orchestrator) handleEvent(ev channel.Event) {
	sessionID := o.active

	switch ev.Kind {
	case channel.EventOpen:
		o.logger.Debug("channel open", "session_id", sessionID)
	case channel.EventMessage:
		o.handleFrame(sessionID, ev.Payload)
	case channel.EventError:
		o.logger.Warn("channel error", "session_id", sessionID, "error", ev.Err)
	case channel.EventClose:
		if o.state == StateAwaitingResponse {
			o.logger.Warn("channel closed with a turn in flight", "session_id", sessionID)
		}
		o.resetTurn()
		if ev.Err != nil {
			o.fail(ev.Err)
		}
		o.logger.Info("channel closed", "session_id", sessionID, "code", ev.Code, "reason", ev.Reason)
	}

	o.publish(sessionID)
}

func (o *Orchestrator) handleFrame(sessionID string, payload []byte) {
	frame, err := channel.ParseServerFrame(payload)
	if err != nil {
		o.logger.Warn("ignoring malformed frame", "session_id", sessionID, "error", err)
		return
	}

	switch {
	case frame.IsError():
		if o.state == StateAwaitingResponse {
			o.log.ClearLifecycle(o.turn.Reply)
			o.resetTurn()
		}
		o.fail(&ServerError{Message: frame.Message})

	case frame.IsReply():
		if o.state != StateAwaitingResponse {
			o.logger.Warn("ignoring reply with no turn in flight", "session_id", sessionID)
			return
		}
		o.turn.Reply = o.log.ResolveTurn(o.turn.Reply, *frame.Response, frame.IsStreaming)
		if frame.IsStreaming {
			break
		}
		if frame.MessageID != "" {
			o.attachServerID(sessionID, frame.MessageID)
		}
		o.resetTurn()
		o.clearError()

	default:
		o.logger.Debug("ignoring frame", "session_id", sessionID, "type", frame.Type)
	}

	o.check(sessionID)
}

func (o *Orchestrator) attachServerID(sessionID string, id messagelog.ServerID) {
	idx := o.log.Index(o.turn.User)
	if idx < 0 {
		return
	}
	if err := o.log.AttachServerID(sessionID, idx, id); err != nil {
		o.logger.Warn("cannot attach server id", "session_id", sessionID, "message_id", id, "error", err)
	}
}

func (o *Orchestrator) fail(err error) {
	o.lastErr = err
	o.logger.Warn("conversation error", "session_id", o.active, "error", err)
}

func (o *Orchestrator) clearError() {
	o.lastErr = nil
}

// report records err from a call made off the loop.
func (o *Orchestrator) report(ctx context.Context, err error) {
	_ = o.exec(ctx, func() error {
		o.fail(err)
		o.publish(o.active)
		return nil
	})
}

func (o *Orchestrator) check(sessionID string) {
	if err := o.log.Validate(sessionID); err != nil {
		o.logger.Error("message log inconsistent", "session_id", sessionID, "error", err)
	}
}

func (o *Orchestrator) snapshot(sessionID string) *Update {
	u := &Update{
		SessionID:  sessionID,
		Active:     sessionID != "" && sessionID == o.active,
		Messages:   o.log.Snapshot(sessionID),
		Sessions:   slices.Clone(o.sessions),
		Connection: channel.StateClosedNormal,
		Err:        o.lastErr,
	}
	if u.Active {
		u.State = o.state
		if o.conn != nil {
			u.Connection = o.conn.State()
		}
	}
	return u
}

func (o *Orchestrator) publish(sessionID string) {
	o.broadcaster.Publish(o.snapshot(sessionID))
}
