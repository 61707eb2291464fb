// Package webapi exposes the optional status and observation surface of
// the recorder process: liveness, recorder snapshots, and a live tail of
// decoded comments over SSE. It only observes; nothing here can steer a
// recording.
package webapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultFeedCapacity = 256

	// Per-subscriber buffer. A subscriber that falls this far behind
	// loses comments instead of stalling the broadcast.
	clientBufferSize = 16
)

// Event is one decoded comment as the observation surfaces see it.
type Event struct {
	Seq     uint64    `json:"seq"`
	WebRID  string    `json:"web_rid"`
	User    string    `json:"user"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// feedClient represents a connected SSE subscriber.
type feedClient struct {
	dataCh chan Event
	doneCh chan struct{}
}

// Feed retains the most recent comments in a ring and fans new ones out
// to SSE subscribers. Publish never blocks: it runs on the comment write
// path, so slow subscribers are dropped-from rather than waited-on.
type Feed struct {
	logger *zap.Logger

	mu      sync.RWMutex
	ring    []Event
	next    int
	filled  bool
	seq     uint64
	clients map[*feedClient]bool
}

// NewFeed creates a feed retaining up to capacity recent comments.
func NewFeed(capacity int, logger *zap.Logger) *Feed {
	if capacity <= 0 {
		capacity = defaultFeedCapacity
	}
	return &Feed{
		logger:  logger,
		ring:    make([]Event, capacity),
		clients: make(map[*feedClient]bool),
	}
}

// Publish records one comment and broadcasts it. Safe from any
// goroutine; never blocks on subscribers.
func (f *Feed) Publish(webRID, user, content string, at time.Time) {
	f.mu.Lock()
	f.seq++
	ev := Event{
		Seq:     f.seq,
		WebRID:  webRID,
		User:    user,
		Content: content,
		At:      at,
	}
	f.ring[f.next] = ev
	f.next++
	if f.next == len(f.ring) {
		f.next = 0
		f.filled = true
	}
	clients := make([]*feedClient, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	for _, c := range clients {
		select {
		case c.dataCh <- ev:
		default:
			// Channel full, client is slow
			f.logger.Debug("feed client lagging, dropping comment",
				zap.Uint64("seq", ev.Seq))
		}
	}
}

// Recent returns up to limit of the latest comments, oldest first.
// limit <= 0 returns everything retained.
func (f *Feed) Recent(limit int) []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var ordered []Event
	if f.filled {
		ordered = append(ordered, f.ring[f.next:]...)
		ordered = append(ordered, f.ring[:f.next]...)
	} else {
		ordered = append(ordered, f.ring[:f.next]...)
	}
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// HandleSSE handles the SSE endpoint for subscribers.
func (f *Feed) HandleSSE(w http.ResponseWriter, r *http.Request) {
	// Check if SSE is supported
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	client := &feedClient{
		dataCh: make(chan Event, clientBufferSize),
		doneCh: make(chan struct{}),
	}

	f.addClient(client)
	defer f.removeClient(client)

	f.logger.Info("feed client connected", zap.String("remote_addr", r.RemoteAddr))

	// Send the retained tail as one snapshot event so a new subscriber
	// starts with context.
	if err := writeEvent(w, flusher, "snapshot", 0, f.Recent(0)); err != nil {
		f.logger.Debug("failed to send snapshot", zap.Error(err))
		return
	}

	// Stream comments
	for {
		select {
		case <-r.Context().Done():
			f.logger.Info("feed client disconnected", zap.String("remote_addr", r.RemoteAddr))
			return
		case <-client.doneCh:
			return
		case ev := <-client.dataCh:
			if err := writeEvent(w, flusher, "comment", ev.Seq, ev); err != nil {
				f.logger.Debug("failed to write to feed client", zap.Error(err))
				return
			}
		}
	}
}

func (f *Feed) addClient(client *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[client] = true
}

func (f *Feed) removeClient(client *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[client]; ok {
		delete(f.clients, client)
		close(client.doneCh)
	}
}

// Subscribers reports the number of connected SSE clients.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, id uint64, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", eventType, id, jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
