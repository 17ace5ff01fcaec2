// ABOUTME: Tests for the orchestrator turn state machine against fake channels and a fake directory
// ABOUTME: Covers submit, streaming, error frames, closes, edit fan-out, delete, and session switching

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatmate/internal/auth"
	"github.com/2389/chatmate/internal/channel"
	"github.com/2389/chatmate/internal/directory"
	"github.com/2389/chatmate/internal/messagelog"
)

const testPlaceholder = "thinking..."

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticCreds struct {
	token string
}

func (c staticCreds) Token() (string, bool) {
	return c.token, c.token != ""
}

// fakeConn is a channel that is open from the moment it is dialed.
type fakeConn struct {
	sessionID string
	events    chan channel.Event

	mu        sync.Mutex
	state     channel.State
	sent      []any
	sendErr   error
	closed    bool
	closeCode int
}

func newFakeConn(sessionID string) *fakeConn {
	c := &fakeConn{
		sessionID: sessionID,
		events:    make(chan channel.Event, 32),
		state:     channel.StateOpen,
	}
	c.events <- channel.Event{Kind: channel.EventOpen}
	return c
}

func (c *fakeConn) SessionID() string            { return c.sessionID }
func (c *fakeConn) Events() <-chan channel.Event { return c.events }

func (c *fakeConn) State() channel.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.state != channel.StateOpen {
		return channel.ErrNotConnected
	}
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.state = channel.StateClosedNormal
}

func (c *fakeConn) setState(s channel.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *fakeConn) failSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *fakeConn) sentFrames() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sent)
}

func (c *fakeConn) isClosed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

func (c *fakeConn) reply(t *testing.T, text string, streaming bool, id messagelog.ServerID) {
	t.Helper()
	f := channel.Reply(text, streaming)
	f.MessageID = id
	c.push(t, f)
}

func (c *fakeConn) push(t *testing.T, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	c.events <- channel.Event{Kind: channel.EventMessage, Payload: data}
}

func (c *fakeConn) drop(code int) {
	c.setState(channel.StateClosedError)
	c.events <- channel.Event{Kind: channel.EventClose, Code: code, Err: channel.CloseError(code)}
}

// fakeDirectory keeps sessions and records in memory.
type fakeDirectory struct {
	mu        sync.Mutex
	sessions  []directory.Session
	records   map[string][]messagelog.Record
	deleted   []messagelog.ServerID
	deleteErr error
	listErr   error
	gate      chan struct{} // ListMessages waits on it when set
	next      int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{records: make(map[string][]messagelog.Record)}
}

func (d *fakeDirectory) addSession(id string, records ...messagelog.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions = append([]directory.Session{{ID: id, CreatedAt: time.Now()}}, d.sessions...)
	d.records[id] = records
}

func (d *fakeDirectory) ListSessions(ctx context.Context) ([]directory.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.sessions), nil
}

func (d *fakeDirectory) CreateSession(ctx context.Context) (directory.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	s := directory.Session{ID: fmt.Sprintf("new-%d", d.next), CreatedAt: time.Now()}
	d.sessions = append([]directory.Session{s}, d.sessions...)
	return s, nil
}

func (d *fakeDirectory) DeleteSession(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions = slices.DeleteFunc(d.sessions, func(s directory.Session) bool { return s.ID == id })
	delete(d.records, id)
	return nil
}

func (d *fakeDirectory) ListMessages(ctx context.Context, sessionID string) ([]messagelog.Record, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	return slices.Clone(d.records[sessionID]), nil
}

func (d *fakeDirectory) DeleteMessage(ctx context.Context, sessionID string, id messagelog.ServerID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, id)
	if d.deleteErr != nil {
		return d.deleteErr
	}
	d.records[sessionID] = slices.DeleteFunc(d.records[sessionID], func(r messagelog.Record) bool { return r.ID == id })
	return nil
}

func (d *fakeDirectory) deletedIDs() []messagelog.ServerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.deleted)
}

func records(n int) []messagelog.Record {
	out := make([]messagelog.Record, n)
	for i := range out {
		out[i] = messagelog.Record{
			ID:        messagelog.ServerID(fmt.Sprint(i + 1)),
			User:      fmt.Sprintf("u%d", i+1),
			Assistant: fmt.Sprintf("a%d", i+1),
		}
	}
	return out
}

type harness struct {
	t    *testing.T
	ctx  context.Context
	dir  *fakeDirectory
	orch *Orchestrator

	mu    sync.Mutex
	conns []*fakeConn
}

func newHarness(t *testing.T, greeting string) *harness {
	t.Helper()
	h := &harness{t: t, ctx: context.Background(), dir: newFakeDirectory()}
	h.orch = New(Options{
		Directory:    h.dir,
		Dial:         h.dial,
		Credentials:  staticCreds{token: "tok"},
		Greeting:     greeting,
		Placeholder:  testPlaceholder,
		GreetHistory: greeting != "",
		Logger:       testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) dial(ctx context.Context, sessionID, token string) Conn {
	c := newFakeConn(sessionID)
	h.mu.Lock()
	h.conns = append(h.conns, c)
	h.mu.Unlock()
	return c
}

func (h *harness) conn(i int) *fakeConn {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return i < len(h.conns)
	}, 2*time.Second, 5*time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[i]
}

func (h *harness) dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *harness) snapshot() *Update {
	h.t.Helper()
	u, err := h.orch.Snapshot(h.ctx)
	require.NoError(h.t, err)
	return u
}

// waitFor polls snapshots until cond holds and returns the matching one.
func (h *harness) waitFor(cond func(u *Update) bool) *Update {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		u, err := h.orch.Snapshot(h.ctx)
		return err == nil && cond(u)
	}, 2*time.Second, 5*time.Millisecond)
	return h.snapshot()
}

func texts(msgs []messagelog.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func idle(u *Update) bool { return u.State == StateIdle }

func TestSubmitTerminalReply(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.orch.CreateSession(h.ctx)
	require.NoError(t, err)
	c := h.conn(0)

	require.NoError(t, h.orch.Submit(h.ctx, "hello"))
	assert.Equal(t, []any{channel.TurnFrame{Message: "hello"}}, c.sentFrames())

	u := h.snapshot()
	assert.Equal(t, StateAwaitingResponse, u.State)
	require.Len(t, u.Messages, 2)
	assert.Equal(t, messagelog.LifecyclePending, u.Messages[1].Lifecycle)

	c.reply(t, "hi", false, "")
	u = h.waitFor(idle)

	require.Len(t, u.Messages, 2)
	assert.Equal(t, "hello", u.Messages[0].Text)
	assert.Equal(t, messagelog.SenderUser, u.Messages[0].Sender)
	assert.Equal(t, "hi", u.Messages[1].Text)
	assert.Equal(t, messagelog.SenderAssistant, u.Messages[1].Sender)
	assert.Equal(t, messagelog.LifecycleNone, u.Messages[1].Lifecycle)
	assert.NoError(t, u.Err)
}

func TestStreamingChunksOverwrite(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.orch.CreateSession(h.ctx)
	require.NoError(t, err)
	c := h.conn(0)

	require.NoError(t, h.orch.Submit(h.ctx, "a"))
	c.reply(t, "par", true, "")
	u := h.waitFor(func(u *Update) bool {
		return len(u.Messages) == 2 && u.Messages[1].Lifecycle == messagelog.LifecycleStreaming
	})
	assert.Equal(t, "par", u.Messages[1].Text)
	assert.Equal(t, StateAwaitingResponse, u.State)

	c.reply(t, "partial done", false, "")
	u = h.waitFor(idle)
	assert.Equal(t, []string{"a", "partial done"}, texts(u.Messages))
}

func TestSubmitWhileAwaitingIsNoOp(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.orch.CreateSession(h.ctx)
	require.NoError(t, err)
	c := h.conn(0)

	require.NoError(t, h.orch.Submit(h.ctx, "first"))
	before := h.snapshot().Messages

	err = h.orch.Submit(h.ctx, "second")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Len(t, c.sentFrames(), 1)
	assert.Equal(t, before, h.snapshot().Messages)
}

func TestSubmitRejectsEmptyText(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.orch.CreateSession(h.ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, h.orch.Submit(h.ctx, "   "), ErrEmptyText)
	assert.Empty(t, h.snapshot().Messages)
}

func TestSubmitWithoutSession(t *testing.T) {
	h := newHarness(t, "")
	assert.ErrorIs(t, h.orch.Submit(h.ctx, "hi"), ErrNoActiveSession)
}

func TestSubmitWhileConnecting(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.orch.CreateSession(h.ctx)
	require.NoError(t, err)
	h.conn(0).setState(channel.StateConnecting)

	err = h.orch.Submit(h.ctx, "hi")
	assert.ErrorIs(t, err, channel.ErrNotConnected)

	u := h.snapshot()
	assert.Empty(t, u.Messages)
	assert.Equal(t, StateIdle, u.State)
	assert.ErrorIs(t, u.Err, channel.ErrNotConnected)
}

func TestSubmitSendFailureRollsBack(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.orch.CreateSession(h.ctx)
	require.NoError(t, err)
	h.conn(0).failSends(channel.ErrNotConnected)

	assert.Error(t, h.orch.Submit(h.ctx, "hi"))
	u := h.snapshot()
	assert.Empty(t, u.Messages)
	assert.Equal(t, StateIdle, u.State)
}

func TestAuthFailureCloseWhileAwaiting(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.orch.CreateSession(h.ctx)
	require.NoError(t, err)
	c := h.conn(0)

	require.NoError(t, h.orch.Submit(h.ctx, "hello"))
	c.drop(channel.CodeAuthFailure)

	u := h.waitFor(func(u *Update) bool { return u.State == StateIdle && u.Err != nil })
	assert.ErrorIs(t, u.Err, channel.ErrAuthFailure)
	require.Len(t, u.Messages, 2)
	assert.Equal(t, messagelog.LifecyclePending, u.Messages[1].Lifecycle)
	assert.Equal(t, testPlaceholder, u.Messages[1].Text)

	// Input is re-enabled but the dead channel refuses the send
	assert.ErrorIs(t, h.orch.Submit(h.ctx, "again"), channel.ErrNotConnected)
}

func TestConnectionLostClose(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.orch.CreateSession(h.ctx)
	require.NoError(t, err)
	c := h.conn(0)

	require.NoError(t, h.orch.Submit(h.ctx, "hello"))
	c.drop(channel.CodeAbnormal)

	u := h.waitFor(func(u *Update) bool { return u.State == StateIdle && u.Err != nil })
	assert.ErrorIs(t, u.Err, channel.ErrConnectionLost)
	assert.Equal(t, channel.StateClosedError, u.Connection)
}

func TestErrorFrameReturnsToIdle(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.orch.CreateSession(h.ctx)
	require.NoError(t, err)
	c := h.conn(0)

	require.NoError(t, h.orch.Submit(h.ctx, "hello"))
	c.push(t, channel.ServerFrame{Status: channel.StatusError, Message: "model unavailable"})

	u := h.waitFor(func(u *Update) bool { return u.State == StateIdle && u.Err != nil })
	var serverErr *ServerError
	require.ErrorAs(t, u.Err, &serverErr)
	assert.Equal(t, "model unavailable", serverErr.Message)
	require.Len(t, u.Messages, 2)
	assert.Equal(t, messagelog.LifecycleNone, u.Messages[1].Lifecycle)

	// A successful turn clears the error slot
	require.NoError(t, h.orch.Submit(h.ctx, "retry"))
	assert.NoError(t, h.snapshot().Err)
}

func TestReplyWhileIdleIgnored(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.orch.CreateSession(h.ctx)
	require.NoError(t, err)
	c := h.conn(0)

	c.reply(t, "unsolicited", false, "")
	c.push(t, map[string]string{"type": "noise"})
	// A later error frame proves both earlier frames were processed
	c.push(t, channel.ServerFrame{Status: channel.StatusError, Message: "x"})
	u := h.waitFor(func(u *Update) bool { return u.Err != nil })
	assert.Empty(t, u.Messages)
}

func TestTerminalMessageIDAttachesToUser(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.orch.CreateSession(h.ctx)
	require.NoError(t, err)
	c := h.conn(0)

	require.NoError(t, h.orch.Submit(h.ctx, "hello"))
	c.reply(t, "hi", false, "42")

	u := h.waitFor(idle)
	require.Len(t, u.Messages, 2)
	assert.Equal(t, messagelog.ServerID("42"), u.Messages[0].ServerID)
	assert.True(t, u.Messages[0].Editable())
}

func TestStartHydratesNewestSession(t *testing.T) {
	h := newHarness(t, "Hello! Ask me about games.")
	h.dir.addSession("old", records(1)...)
	h.dir.addSession("new", records(3)...)

	require.NoError(t, h.orch.Start(h.ctx))

	u := h.snapshot()
	assert.Equal(t, "new", u.SessionID)
	assert.True(t, u.Active)
	assert.Len(t, u.Sessions, 2)
	require.Len(t, u.Messages, 1+2*3)
	assert.Equal(t, "Hello! Ask me about games.", u.Messages[0].Text)
	assert.Equal(t, messagelog.ServerID("1"), u.Messages[1].ServerID)
	assert.Equal(t, "new", h.conn(0).SessionID())
}

func TestStartWithNoSessions(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.orch.Start(h.ctx))
	assert.Equal(t, 0, h.dials())
	assert.False(t, h.snapshot().Active)
}

func TestStartRequiresCredentials(t *testing.T) {
	dir := newFakeDirectory()
	dir.addSession("s1")
	o := New(Options{
		Directory:   dir,
		Dial:        func(context.Context, string, string) Conn { t.Error("dialed without a token"); return nil },
		Credentials: staticCreds{},
		Logger:      testLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)
	defer o.Close()

	assert.ErrorIs(t, o.Start(ctx), auth.ErrAuthRequired)
}

func TestCreateSessionSeedsGreeting(t *testing.T) {
	h := newHarness(t, "welcome")
	s, err := h.orch.CreateSession(h.ctx)
	require.NoError(t, err)

	u := h.snapshot()
	assert.Equal(t, s.ID, u.SessionID)
	assert.Equal(t, []string{"welcome"}, texts(u.Messages))
	require.NotEmpty(t, u.Sessions)
	assert.Equal(t, s.ID, u.Sessions[0].ID)
}

func TestHistoryLoadFailureKeepsGreeting(t *testing.T) {
	h := newHarness(t, "welcome")
	h.dir.addSession("s1", records(2)...)
	h.dir.listErr = errors.New("boom")

	err := h.orch.Start(h.ctx)
	assert.Error(t, err)
	u := h.snapshot()
	assert.Equal(t, []string{"welcome"}, texts(u.Messages))
	assert.Error(t, u.Err)
}

func TestDeleteTurnRemovesPair(t *testing.T) {
	h := newHarness(t, "")
	h.dir.addSession("s1", records(2)...)
	require.NoError(t, h.orch.Start(h.ctx))

	require.NoError(t, h.orch.DeleteTurn(h.ctx, "1"))

	u := h.snapshot()
	assert.Equal(t, []string{"u2", "a2"}, texts(u.Messages))
	assert.Equal(t, []messagelog.ServerID{"1"}, h.dir.deletedIDs())
}

func TestDeleteTurnFailureLeavesLogUnchanged(t *testing.T) {
	h := newHarness(t, "")
	h.dir.addSession("s1", records(2)...)
	require.NoError(t, h.orch.Start(h.ctx))
	before := h.snapshot().Messages
	h.dir.deleteErr = &directory.TransportError{Op: "delete message", Err: errors.New("network down")}

	err := h.orch.DeleteTurn(h.ctx, "1")
	require.Error(t, err)

	u := h.snapshot()
	assert.Equal(t, before, u.Messages)
	assert.Equal(t, StateIdle, u.State)
	var te *directory.TransportError
	assert.ErrorAs(t, u.Err, &te)
}

func TestDeleteTurnUnknownID(t *testing.T) {
	h := newHarness(t, "")
	h.dir.addSession("s1", records(1)...)
	require.NoError(t, h.orch.Start(h.ctx))

	assert.ErrorIs(t, h.orch.DeleteTurn(h.ctx, "99"), ErrNotEditable)
	assert.Empty(t, h.dir.deletedIDs())
}

func TestEditTurnDeletesDownstream(t *testing.T) {
	h := newHarness(t, "")
	h.dir.addSession("s1", records(4)...)
	require.NoError(t, h.orch.Start(h.ctx))
	c := h.conn(0)

	require.NoError(t, h.orch.EditTurn(h.ctx, "2", "u2 edited"))

	assert.Equal(t, []any{channel.NewEditFrame("2", "u2 edited")}, c.sentFrames())
	assert.ElementsMatch(t, []messagelog.ServerID{"3", "4"}, h.dir.deletedIDs())

	u := h.snapshot()
	assert.Equal(t, StateAwaitingResponse, u.State)
	assert.Equal(t, []string{"u1", "a1", "u2 edited", testPlaceholder}, texts(u.Messages))
	pending := 0
	for _, m := range u.Messages {
		if m.Lifecycle == messagelog.LifecyclePending {
			pending++
		}
	}
	assert.Equal(t, 1, pending)

	c.reply(t, "new answer", false, "")
	u = h.waitFor(idle)
	assert.Equal(t, []string{"u1", "a1", "u2 edited", "new answer"}, texts(u.Messages))
	assert.Equal(t, messagelog.ServerID("2"), u.Messages[2].ServerID)
}

func TestDeleteTurnRejectsAwaitedTurn(t *testing.T) {
	h := newHarness(t, "")
	h.dir.addSession("s1", records(2)...)
	require.NoError(t, h.orch.Start(h.ctx))
	c := h.conn(0)

	require.NoError(t, h.orch.EditTurn(h.ctx, "2", "u2 edited"))
	assert.ErrorIs(t, h.orch.DeleteTurn(h.ctx, "2"), ErrBusy)
	assert.Empty(t, h.dir.deletedIDs())

	c.reply(t, "fresh", false, "")
	u := h.waitFor(idle)
	assert.Equal(t, []string{"u1", "a1", "u2 edited", "fresh"}, texts(u.Messages))

	// Earlier turns stay deletable while a reply is awaited
	require.NoError(t, h.orch.EditTurn(h.ctx, "2", "again"))
	require.NoError(t, h.orch.DeleteTurn(h.ctx, "1"))
	c.reply(t, "final", false, "")
	u = h.waitFor(idle)
	assert.Equal(t, []string{"again", "final"}, texts(u.Messages))
}

func TestEditTurnSendFailureRestoresLog(t *testing.T) {
	h := newHarness(t, "")
	h.dir.addSession("s1", records(3)...)
	require.NoError(t, h.orch.Start(h.ctx))
	before := h.snapshot().Messages
	h.conn(0).failSends(channel.ErrNotConnected)

	err := h.orch.EditTurn(h.ctx, "1", "changed")
	require.Error(t, err)

	u := h.snapshot()
	assert.Equal(t, before, u.Messages)
	assert.Equal(t, StateIdle, u.State)
	assert.Empty(t, h.dir.deletedIDs())
}

func TestEditTurnGuards(t *testing.T) {
	h := newHarness(t, "")
	h.dir.addSession("s1", records(1)...)
	require.NoError(t, h.orch.Start(h.ctx))

	assert.ErrorIs(t, h.orch.EditTurn(h.ctx, "7", "x"), ErrNotEditable)
	assert.ErrorIs(t, h.orch.EditTurn(h.ctx, "1", ""), ErrEmptyText)

	require.NoError(t, h.orch.Submit(h.ctx, "busy"))
	assert.ErrorIs(t, h.orch.EditTurn(h.ctx, "1", "x"), ErrBusy)
}

func TestReconnectFiltersTombstones(t *testing.T) {
	h := newHarness(t, "")
	h.dir.addSession("s1", records(3)...)
	require.NoError(t, h.orch.Start(h.ctx))

	// The downstream deletes fail, so the backend still returns them
	h.dir.deleteErr = errors.New("timeout")
	require.NoError(t, h.orch.EditTurn(h.ctx, "1", "edited"))
	require.ElementsMatch(t, []messagelog.ServerID{"2", "3"}, h.dir.deletedIDs())

	require.NoError(t, h.orch.Reconnect(h.ctx))
	assert.Equal(t, 2, h.dials())

	u := h.snapshot()
	assert.Equal(t, []string{"u1", "a1"}, texts(u.Messages))
	closed, code := h.conn(0).isClosed()
	assert.True(t, closed)
	assert.Equal(t, channel.CodeNormal, code)
}

func TestHydrationKeepsTurnSubmittedMeanwhile(t *testing.T) {
	h := newHarness(t, "")
	h.dir.addSession("s1", records(1)...)
	gate := make(chan struct{})
	h.dir.gate = gate

	errc := make(chan error, 1)
	go func() { errc <- h.orch.Start(h.ctx) }()

	h.conn(0)
	require.NoError(t, h.orch.Submit(h.ctx, "early"))

	h.dir.mu.Lock()
	h.dir.gate = nil
	h.dir.mu.Unlock()
	close(gate)
	require.NoError(t, <-errc)

	u := h.snapshot()
	assert.Equal(t, []string{"u1", "a1", "early", testPlaceholder}, texts(u.Messages))
	assert.Equal(t, StateAwaitingResponse, u.State)

	h.conn(0).reply(t, "late reply", false, "")
	u = h.waitFor(idle)
	assert.Equal(t, "late reply", u.Messages[3].Text)
}

func TestHistoryOfDeletedSessionIsDiscarded(t *testing.T) {
	h := newHarness(t, "")
	h.dir.addSession("s1", records(2)...)
	gate := make(chan struct{})
	h.dir.gate = gate

	errc := make(chan error, 1)
	go func() { errc <- h.orch.Start(h.ctx) }()
	h.conn(0)

	require.NoError(t, h.orch.DeleteSession(h.ctx, "s1"))
	close(gate)
	require.NoError(t, <-errc)

	assert.Empty(t, h.orch.Messages("s1"))
	u := h.snapshot()
	assert.False(t, u.Active)
	assert.Empty(t, u.Sessions)
}

func TestSwitchSessionClosesPreviousChannel(t *testing.T) {
	h := newHarness(t, "")
	h.dir.addSession("a", records(1)...)
	h.dir.addSession("b", records(2)...)
	require.NoError(t, h.orch.Start(h.ctx))
	first := h.conn(0)
	require.NoError(t, h.orch.Submit(h.ctx, "pending"))

	require.NoError(t, h.orch.SwitchSession(h.ctx, "a"))

	closed, code := first.isClosed()
	assert.True(t, closed)
	assert.Equal(t, channel.CodeNormal, code)
	assert.Equal(t, "a", h.conn(1).SessionID())

	u := h.snapshot()
	assert.Equal(t, "a", u.SessionID)
	assert.Equal(t, StateIdle, u.State)
	assert.Equal(t, []string{"u1", "a1"}, texts(u.Messages))

	// Late frames from the old channel are not read
	first.reply(t, "stale", false, "")
	assert.Equal(t, []string{"u1", "a1"}, texts(h.orch.Messages("a")))
}

func TestDeleteActiveSessionRetargets(t *testing.T) {
	h := newHarness(t, "")
	h.dir.addSession("a", records(1)...)
	h.dir.addSession("b")
	require.NoError(t, h.orch.Start(h.ctx))
	assert.Equal(t, "b", h.snapshot().SessionID)

	require.NoError(t, h.orch.DeleteSession(h.ctx, "b"))

	u := h.snapshot()
	assert.Equal(t, "a", u.SessionID)
	assert.Len(t, u.Sessions, 1)
	assert.Empty(t, h.orch.Messages("b"))
	closed, _ := h.conn(0).isClosed()
	assert.True(t, closed)

	require.NoError(t, h.orch.DeleteSession(h.ctx, "a"))
	u = h.snapshot()
	assert.False(t, u.Active)
	assert.Empty(t, u.Sessions)
	assert.Equal(t, 2, h.dials())
}

func TestHandleLogoutDropsEverything(t *testing.T) {
	h := newHarness(t, "")
	h.dir.addSession("s1", records(2)...)
	require.NoError(t, h.orch.Start(h.ctx))

	h.orch.HandleLogout()

	u := h.waitFor(func(u *Update) bool { return u.Err != nil })
	assert.ErrorIs(t, u.Err, auth.ErrAuthRequired)
	assert.False(t, u.Active)
	assert.Empty(t, h.orch.Messages("s1"))
	closed, _ := h.conn(0).isClosed()
	assert.True(t, closed)
}

func TestClearError(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.orch.CreateSession(h.ctx)
	require.NoError(t, err)
	h.conn(0).setState(channel.StateClosedError)
	require.Error(t, h.orch.Submit(h.ctx, "x"))
	require.Error(t, h.snapshot().Err)

	require.NoError(t, h.orch.ClearError(h.ctx))
	assert.NoError(t, h.snapshot().Err)
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	h := newHarness(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := h.orch.Subscribe(ctx, AllSessions)

	s, err := h.orch.CreateSession(h.ctx)
	require.NoError(t, err)

	select {
	case u := <-updates:
		assert.Equal(t, s.ID, u.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no update published")
	}
}

func TestClosedOrchestratorRejectsCalls(t *testing.T) {
	o := New(Options{Directory: newFakeDirectory(), Credentials: staticCreds{token: "t"}, Logger: testLogger()})
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(context.Background())
	}()
	o.Close()
	<-done

	assert.ErrorIs(t, o.Submit(context.Background(), "hi"), ErrClosed)
}

func TestCallsBeforeRunWaitForLoop(t *testing.T) {
	o := New(Options{Directory: newFakeDirectory(), Credentials: staticCreds{token: "t"}, Logger: testLogger()})

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := o.Snapshot(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	errc := make(chan error, 1)
	go func() {
		_, err := o.Snapshot(context.Background())
		errc <- err
	}()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(ctx)
	}()
	t.Cleanup(func() {
		stop()
		<-done
	})

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("queued call did not run once the loop started")
	}
}

func TestStateString(t *testing.T) {
	if got := StateIdle.String(); got != "idle" {
		t.Errorf("StateIdle.String() = %q", got)
	}
	if got := StateAwaitingResponse.String(); got != "awaiting_response" {
		t.Errorf("StateAwaitingResponse.String() = %q", got)
	}
}
