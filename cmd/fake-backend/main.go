// ABOUTME: Standalone in-memory chat backend for local demos and E2E testing of chatmate
// ABOUTME: Usage: fake-backend [-addr localhost:8000] [-user gamer] [-chunk-delay 150ms]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/2389/chatmate/internal/config"
	"github.com/2389/chatmate/internal/fakebackend"
	"github.com/2389/chatmate/internal/logging"
)

func main() {
	addr := flag.String("addr", "localhost:8000", "Listen address")
	secret := flag.String("secret", "fake-backend-secret", "HS256 signing secret")
	user := flag.String("user", "gamer", "User to issue a login for at startup")
	chunkDelay := flag.Duration("chunk-delay", 150*time.Millisecond, "Pause between streamed chunks")
	level := flag.String("log-level", "info", "Log level")
	flag.Parse()

	if err := run(*addr, *secret, *user, *chunkDelay, *level); err != nil {
		log.Fatal(err)
	}
}

func run(addr, secret, user string, chunkDelay time.Duration, level string) error {
	logger := logging.Setup(config.LoggingConfig{Level: level}, os.Stderr)

	backend := fakebackend.New(fakebackend.Options{
		Secret:     []byte(secret),
		TokenTTL:   time.Hour,
		Chunks:     4,
		ChunkDelay: chunkDelay,
		Responder:  demoReply,
		Logger:     logger,
	})

	access, refresh, err := backend.IssueTokens(user)
	if err != nil {
		return fmt.Errorf("issuing tokens: %w", err)
	}
	fmt.Fprintf(os.Stderr, "fake backend for %q\n", user)
	fmt.Fprintf(os.Stderr, "  api:     http://%s/api/v1\n", addr)
	fmt.Fprintf(os.Stderr, "  ws:      ws://%s/ws\n", addr)
	fmt.Fprintf(os.Stderr, "  /login %s %s\n", access, refresh)

	srv := &http.Server{
		Addr:              addr,
		Handler:           backend.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return srv.Shutdown(shutdownCtx)
	}
}

func demoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "list") {
		return "## 장르별 추천\n\n- **로그라이크**: Hades\n- **농장**: Stardew Valley\n\n```\nsteam://run/1145360\n```\n"
	}
	return fakebackend.Recommend(input)
}
