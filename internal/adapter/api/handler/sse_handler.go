package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/V4T54L/chatwatch/internal/domain"
)

const sseKeepAlive = 15 * time.Second

// sseEvent is one rendered alert frame and the tier it was raised at.
type sseEvent struct {
	severity domain.Severity
	frame    []byte
}

// sseClient is one connected feed; it only receives alerts at or above min.
type sseClient struct {
	min    domain.Severity
	events chan []byte
}

// SSEBroker is the live alert feed of the admin server. It implements
// domain.Notifier so it can sit in the notifier fan-out next to the webhook.
// Clients may pass ?min_severity=HIGH to narrow the feed.
type SSEBroker struct {
	logger  *slog.Logger
	alerts  chan domain.Alert
	mu      sync.RWMutex
	clients map[*sseClient]struct{}
}

// NewSSEBroker starts the broadcast loop, which stops with ctx.
func NewSSEBroker(ctx context.Context, logger *slog.Logger) *SSEBroker {
	b := &SSEBroker{
		logger:  logger.With("component", "sse"),
		alerts:  make(chan domain.Alert, 1000),
		clients: make(map[*sseClient]struct{}),
	}
	go b.run(ctx)
	return b
}

func (b *SSEBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	c := &sseClient{
		min:    domain.ParseSeverity(r.URL.Query().Get("min_severity")),
		events: make(chan []byte, 16),
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	b.subscribe(c)
	defer b.unsubscribe(c)

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-c.events:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Notify queues alert for the feed. It never blocks the pipeline; alerts
// are dropped when the queue is full.
func (b *SSEBroker) Notify(_ context.Context, alert domain.Alert) error {
	select {
	case b.alerts <- alert:
	default:
		b.logger.Warn("alert feed queue full, dropping alert", "message_id", alert.MessageID)
	}
	return nil
}

// Clients returns the number of connected feeds.
func (b *SSEBroker) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *SSEBroker) subscribe(c *sseClient) {
	b.mu.Lock()
	b.clients[c] = struct{}{}
	n := len(b.clients)
	b.mu.Unlock()
	b.logger.Info("alert feed client connected", "min_severity", c.min, "clients", n)
}

func (b *SSEBroker) unsubscribe(c *sseClient) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.events)
	}
	b.mu.Unlock()
	b.logger.Info("alert feed client disconnected")
}

// publish hands ev to every client whose threshold it meets. Slow clients
// miss the event. A zero severity (keep-alive) goes to everyone.
func (b *SSEBroker) publish(ev sseEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		if ev.severity != "" && ev.severity.Rank() < c.min.Rank() {
			continue
		}
		select {
		case c.events <- ev.frame:
		default:
		}
	}
}

func (b *SSEBroker) run(ctx context.Context) {
	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-b.alerts:
			data, err := json.Marshal(alert)
			if err != nil {
				b.logger.Error("failed to marshal alert for feed", "message_id", alert.MessageID, "error", err)
				continue
			}
			b.publish(sseEvent{
				severity: alert.Severity,
				frame:    []byte(fmt.Sprintf("event: alert\nid: %s\ndata: %s\n\n", alert.MessageID, data)),
			})
		case <-ticker.C:
			b.publish(sseEvent{frame: []byte(": keep-alive\n\n")})
		}
	}
}
