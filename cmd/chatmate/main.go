// ABOUTME: Terminal client for the Steam game recommendation chat backend
// ABOUTME: Provides readline-style input over the conversation orchestrator with persisted JWT credentials

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/2389/chatmate/internal/auth"
	"github.com/2389/chatmate/internal/channel"
	"github.com/2389/chatmate/internal/config"
	"github.com/2389/chatmate/internal/conversation"
	"github.com/2389/chatmate/internal/directory"
	"github.com/2389/chatmate/internal/logging"
	"github.com/2389/chatmate/internal/messagelog"
	"github.com/2389/chatmate/internal/store"
)

func main() {
	configPath := flag.String("config", config.Path(), "Path to config file (YAML or TOML)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

// client bundles the wired components behind the command loop.
type client struct {
	state *auth.State
	orch  *conversation.Orchestrator
	view  *view
	out   io.Writer
}

func run(ctx context.Context, configPath string, in io.Reader, out io.Writer) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}

	logger := logging.Setup(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(config.DataPath(), "credentials.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	creds, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return err
	}
	defer creds.Close()

	state := auth.NewState(creds, logger)
	if err := state.Restore(ctx); err != nil {
		return fmt.Errorf("restoring credentials: %w", err)
	}
	if !state.LoggedIn() && cfg.Auth.Token != "" {
		if err := state.Login(ctx, cfg.Auth.Token, cfg.Auth.RefreshToken, ""); err != nil {
			return fmt.Errorf("logging in with configured token: %w", err)
		}
	}

	transport := auth.NewRefreshTransport(http.DefaultTransport, state, cfg.Server.APIURL+cfg.Auth.RefreshPath, logger)
	dir := directory.New(directory.Options{
		BaseURL:     cfg.Server.APIURL,
		Credentials: state,
		Transport:   transport,
		DeleteRate:  cfg.Chat.DeleteRate,
		DeleteBurst: cfg.Chat.DeleteBurst,
		Logger:      logger,
	})
	dialer := channel.NewDialer(channel.Options{
		BaseURL:           cfg.Server.WSURL,
		HeartbeatInterval: cfg.Chat.HeartbeatInterval,
		Logger:            logger,
	})

	orch := conversation.New(conversation.Options{
		Directory:    dir,
		Dial:         conversation.DialWith(dialer),
		Credentials:  state,
		Greeting:     cfg.Chat.Greeting,
		Placeholder:  cfg.Chat.Placeholder,
		GreetHistory: cfg.Chat.GreetsHistory(),
		TombstoneTTL: cfg.Chat.TombstoneTTL,
		Logger:       logger,
	})
	state.OnLogout(orch.HandleLogout)

	go orch.Run(ctx)
	defer orch.Close()

	c := &client{state: state, orch: orch, view: newView(out), out: out}
	go func() {
		for u := range orch.Subscribe(ctx, conversation.AllSessions) {
			c.view.apply(u)
		}
	}()

	fmt.Fprintf(out, "chatmate connected to %s\n", cfg.Server.APIURL)
	if state.LoggedIn() {
		fmt.Fprintf(out, "Auth: logged in as %s\n", state.UserID())
		if err := orch.Start(ctx); err != nil {
			fmt.Fprintf(out, "[error] %s\n", describe(err))
		}
	} else {
		fmt.Fprintln(out, "Auth: not logged in (/login <access> [refresh])")
	}
	fmt.Fprintln(out, "Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Fprintln(out)

	return c.loop(ctx, in)
}

func (c *client) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	lines := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return fmt.Errorf("reading input: %w", err)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			input := strings.TrimSpace(line)
			if input == "" {
				continue
			}
			if quit := c.handle(ctx, input); quit {
				return nil
			}
		}
	}
}

// handle runs one line of input and reports whether to quit.
func (c *client) handle(ctx context.Context, input string) bool {
	if !strings.HasPrefix(input, "/") {
		c.report(c.orch.Submit(ctx, input))
		return false
	}

	cmd, args, _ := strings.Cut(input, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true

	case "/help":
		printHelp(c.out)

	case "/new":
		_, err := c.orch.CreateSession(ctx)
		c.report(err)

	case "/sessions":
		u, err := c.orch.Snapshot(ctx)
		if c.report(err) {
			printSessions(c.out, u.Sessions, u.SessionID)
		}

	case "/switch":
		if id, ok := c.resolveSession(ctx, args); ok {
			c.report(c.orch.SwitchSession(ctx, id))
		}

	case "/delete-session":
		if id, ok := c.resolveSession(ctx, args); ok {
			c.report(c.orch.DeleteSession(ctx, id))
		}

	case "/history":
		u, err := c.orch.Snapshot(ctx)
		if c.report(err) {
			c.view.mu.Lock()
			c.view.reset("")
			c.view.mu.Unlock()
			c.view.apply(u)
		}

	case "/edit":
		id, text, _ := strings.Cut(args, " ")
		if id == "" || strings.TrimSpace(text) == "" {
			fmt.Fprintln(c.out, "usage: /edit <message #> <new text>")
			break
		}
		c.report(c.orch.EditTurn(ctx, messagelog.ServerID(strings.TrimPrefix(id, "#")), text))

	case "/delete":
		if args == "" {
			fmt.Fprintln(c.out, "usage: /delete <message #>")
			break
		}
		c.report(c.orch.DeleteTurn(ctx, messagelog.ServerID(strings.TrimPrefix(args, "#"))))

	case "/reconnect":
		c.report(c.orch.Reconnect(ctx))

	case "/dismiss":
		c.report(c.orch.ClearError(ctx))

	case "/login":
		fields := strings.Fields(args)
		if len(fields) == 0 {
			fmt.Fprintln(c.out, "usage: /login <access token> [refresh token]")
			break
		}
		refresh := ""
		if len(fields) > 1 {
			refresh = fields[1]
		}
		if c.report(c.state.Login(ctx, fields[0], refresh, "")) {
			fmt.Fprintf(c.out, "Logged in as %s\n", c.state.UserID())
			c.report(c.orch.Start(ctx))
		}

	case "/logout":
		if c.report(c.state.Logout(ctx)) {
			fmt.Fprintln(c.out, "Logged out")
		}

	default:
		fmt.Fprintf(c.out, "Unknown command %s, /help lists commands\n", cmd)
	}
	return false
}

// resolveSession accepts a 1-based position from /sessions or a session id.
func (c *client) resolveSession(ctx context.Context, arg string) (string, bool) {
	if arg == "" {
		fmt.Fprintln(c.out, "usage: <session number or id>")
		return "", false
	}
	u, err := c.orch.Snapshot(ctx)
	if !c.report(err) {
		return "", false
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(u.Sessions) {
			fmt.Fprintf(c.out, "No session %d\n", n)
			return "", false
		}
		return u.Sessions[n-1].ID, true
	}
	return arg, true
}

// report prints err unless the error banner will show it, and reports
// whether the action succeeded.
func (c *client) report(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, conversation.ErrBusy):
		dimStyle.Fprintln(c.out, "(still waiting for the previous reply)")
	case errors.Is(err, conversation.ErrNoActiveSession):
		fmt.Fprintln(c.out, "No active session. /new creates one.")
	case errors.Is(err, conversation.ErrNotEditable):
		fmt.Fprintln(c.out, "That message cannot be edited or deleted.")
	case errors.Is(err, conversation.ErrEmptyText):
	case errors.Is(err, auth.ErrInvalidLogin):
		errorStyle.Fprintln(c.out, "[error] login needs a token carrying a user id")
	default:
		// Orchestrator failures also reach the banner through the update stream
	}
	return false
}

// describe turns an error into the banner text.
func describe(err error) string {
	var serverErr *conversation.ServerError
	var transportErr *directory.TransportError
	switch {
	case errors.Is(err, auth.ErrAuthRequired), errors.Is(err, auth.ErrRefreshFailed):
		return "please log in again (/login)"
	case errors.Is(err, channel.ErrAuthFailure):
		return "the server rejected your credentials, please log in again (/login)"
	case errors.Is(err, channel.ErrConnectionLost):
		return "connection lost, /reconnect to retry"
	case errors.Is(err, channel.ErrNotConnected):
		return "not connected, /reconnect to retry"
	case errors.As(err, &serverErr):
		return "server error: " + serverErr.Message
	case errors.As(err, &transportErr):
		return fmt.Sprintf("request failed (%s), try again", transportErr.Op)
	default:
		return err.Error()
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  /new                 Start a new session")
	fmt.Fprintln(w, "  /sessions            List sessions")
	fmt.Fprintln(w, "  /switch <n|id>       Switch to a session")
	fmt.Fprintln(w, "  /delete-session <n>  Delete a session")
	fmt.Fprintln(w, "  /history             Reprint the current session")
	fmt.Fprintln(w, "  /edit <#> <text>     Edit a stored message and regenerate the reply")
	fmt.Fprintln(w, "  /delete <#>          Delete a stored message and its reply")
	fmt.Fprintln(w, "  /reconnect           Reopen the channel and reload history")
	fmt.Fprintln(w, "  /dismiss             Clear the error banner")
	fmt.Fprintln(w, "  /login <tok> [ref]   Log in with an access and refresh token")
	fmt.Fprintln(w, "  /logout              Log out")
	fmt.Fprintln(w, "  /quit                Exit")
}
