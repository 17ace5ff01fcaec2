// ABOUTME: Terminal rendering of orchestrator updates for the chatmate client
// ABOUTME: Prints finished messages once, reprints on history changes, and shows the error banner

package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/chatmate/internal/conversation"
	"github.com/2389/chatmate/internal/directory"
	"github.com/2389/chatmate/internal/format"
	"github.com/2389/chatmate/internal/messagelog"
)

var (
	userStyle    = color.New(color.FgBlue, color.Bold)
	botStyle     = color.New(color.FgGreen)
	dimStyle     = color.New(color.Faint)
	errorStyle   = color.New(color.FgRed, color.Bold)
	headingStyle = color.New(color.FgCyan, color.Bold)
	recStyle     = color.New(color.FgHiBlue, color.Bold)
)

// shownMessage is what the terminal already displays at one log position.
type shownMessage struct {
	id   string
	text string
}

// view tracks what has been printed for the active session.
type view struct {
	out io.Writer

	mu      sync.Mutex
	session string
	shown   []shownMessage
	pending string // id of the placeholder already announced
	lastErr error
}

func newView(out io.Writer) *view {
	return &view{out: out}
}

// apply prints whatever u adds to the screen.
func (v *view) apply(u *conversation.Update) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if u.Err != nil && u.Err != v.lastErr {
		errorStyle.Fprintf(v.out, "[error] %s\n", describe(u.Err))
	}
	v.lastErr = u.Err

	if !u.Active {
		if u.SessionID == "" && v.session != "" {
			dimStyle.Fprintln(v.out, "(no active session, /new to start one)")
			v.reset("")
		}
		return
	}

	if u.SessionID != v.session {
		v.reset(u.SessionID)
		headingStyle.Fprintf(v.out, "── session %s ──\n", u.SessionID)
	} else if v.diverged(u.Messages) {
		v.reset(u.SessionID)
		dimStyle.Fprintln(v.out, "── history updated ──")
	}

	for i := len(v.shown); i < len(u.Messages); i++ {
		m := u.Messages[i]
		if m.Lifecycle != messagelog.LifecycleNone {
			if v.pending != m.ID {
				dimStyle.Fprintf(v.out, "  %s\n", strings.TrimSpace(m.Text))
				v.pending = m.ID
			}
			break
		}
		v.print(m)
		v.shown = append(v.shown, shownMessage{id: m.ID, text: m.Text})
	}
}

func (v *view) reset(sessionID string) {
	v.session = sessionID
	v.shown = nil
	v.pending = ""
}

// diverged reports whether anything already printed has changed or gone.
func (v *view) diverged(msgs []messagelog.Message) bool {
	if len(msgs) < len(v.shown) {
		return true
	}
	for i, s := range v.shown {
		if msgs[i].ID != s.id || msgs[i].Text != s.text {
			return true
		}
	}
	return false
}

func (v *view) print(m messagelog.Message) {
	if m.Sender == messagelog.SenderUser {
		label := "you"
		if m.ServerID != "" {
			label = fmt.Sprintf("you #%s", m.ServerID)
		}
		userStyle.Fprintf(v.out, "%s> ", label)
		fmt.Fprintln(v.out, m.Text)
		return
	}

	botStyle.Fprintln(v.out, "bot:")
	for _, b := range format.Format(m.Text) {
		printBlock(v.out, b)
	}
}

func printBlock(w io.Writer, b format.Block) {
	switch b.Kind {
	case format.KindHeading:
		headingStyle.Fprintf(w, "  %s %s\n", strings.Repeat("#", b.Level), b.Text)
	case format.KindRecommendation:
		recStyle.Fprintf(w, "  %s\n", b.Text)
	case format.KindListItem:
		marker := "•"
		if b.Number > 0 {
			marker = fmt.Sprintf("%d.", b.Number)
		}
		fmt.Fprintf(w, "  %s%s %s\n", strings.Repeat("  ", b.Level-1), marker, b.Text)
	case format.KindCode:
		for _, line := range strings.Split(b.Text, "\n") {
			dimStyle.Fprintf(w, "    %s\n", line)
		}
	default:
		fmt.Fprintf(w, "  %s\n", b.Text)
	}
}

// printSessions lists sessions, marking the active one.
func printSessions(w io.Writer, sessions []directory.Session, active string) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions. /new creates one.")
		return
	}
	for i, s := range sessions {
		marker := " "
		if s.ID == active {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %d) %s  %s\n", marker, i+1, s.ID, dimStyle.Sprint(s.CreatedAt.Local().Format("2006-01-02 15:04")))
	}
}
