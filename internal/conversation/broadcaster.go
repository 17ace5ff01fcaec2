// ABOUTME: In-memory fan-out of orchestrator snapshots to presentation subscribers
// ABOUTME: Publishes per-session Updates; subscribing to "" receives every session

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllSessions subscribes to updates of every session.
	AllSessions = ""
)

// Broadcaster provides in-memory pub/sub for Updates. Publishing never
// blocks. A subscriber that falls behind loses its oldest buffered
// snapshots, so the last Update it reads is always the latest one.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Update // sessionID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Update),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for updates of sessionID. The subscription ends, and
// the channel closes, when ctx is cancelled or the broadcaster closes.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan *Update, string) {
	subID := uuid.New().String()
	ch := make(chan *Update, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]chan *Update)
	}
	b.subscribers[sessionID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "session_id", sessionID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sessionID, subID)
	}()

	return ch, subID
}

// Publish sends u to the subscribers of u.SessionID and to those of
// AllSessions.
func (b *Broadcaster) Publish(u *Update) {
	b.mu.RLock()
	var targets []chan *Update
	for _, ch := range b.subscribers[u.SessionID] {
		targets = append(targets, ch)
	}
	if u.SessionID != AllSessions {
		for _, ch := range b.subscribers[AllSessions] {
			targets = append(targets, ch)
		}
	}
	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send; they never block.
	for _, ch := range targets {
		if offer(ch, u) {
			b.logger.Debug("dropped stale update for slow subscriber", "session_id", u.SessionID)
		}
	}
	b.mu.RUnlock()
}

// offer puts u on ch, discarding the oldest buffered updates until it fits.
// It reports whether anything was discarded.
func offer(ch chan *Update, u *Update) bool {
	dropped := false
	for {
		select {
		case ch <- u:
			return dropped
		default:
		}
		select {
		case <-ch:
			dropped = true
		default:
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(sessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sessionID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("subscriber removed", "session_id", sessionID, "sub_id", subID)
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, sessionID)
	}
	b.closed = true
}
