package web

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/syncgrab/internal/logic/session"
)

// StatusEvent represents a single status message for SSE.
type StatusEvent struct {
	Time  string         `json:"t"`
	Level string         `json:"l,omitempty"`
	Msg   string         `json:"msg"`
	Event *session.Event `json:"event,omitempty"`
}

// StatusBroadcaster distributes status messages to multiple SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

// Broadcast sends a message to all subscribed clients.
// Messages are sent as JSON: {"t":"...","l":"info","msg":"..."}
// Slow clients may miss messages (non-blocking, buffered).
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.send(StatusEvent{
		Time:  time.Now().Format(time.RFC3339),
		Level: level,
		Msg:   msg,
	})
}

// Notify forwards a session event to SSE clients, with a readable
// message and the event itself.
func (b *StatusBroadcaster) Notify(ev session.Event) {
	level := "info"
	if ev.Kind == session.EventFault || ev.Kind == session.EventStartFailed {
		level = "error"
	}
	b.send(StatusEvent{
		Time:  ev.Time.Format(time.RFC3339),
		Level: level,
		Msg:   describe(ev),
		Event: &ev,
	})
}

func describe(ev session.Event) string {
	switch ev.Kind {
	case session.EventState:
		if ev.Error != "" {
			return fmt.Sprintf("%s: %s -> %s (%s)", ev.Camera, ev.From, ev.To, ev.Error)
		}
		return fmt.Sprintf("%s: %s -> %s", ev.Camera, ev.From, ev.To)
	case session.EventFault:
		return fmt.Sprintf("%s fault: %s", ev.Camera, ev.Error)
	case session.EventStartFailed:
		return "Session start failed: " + ev.Error
	case session.EventStarted:
		return "Session " + ev.Session + " started"
	case session.EventEnded:
		return "Session " + ev.Session + " ended"
	}
	return ev.Kind
}

func (b *StatusBroadcaster) send(evt StatusEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// BroadcastWriter implements io.Writer; each Write broadcasts the content to SSE clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for use with log.SetOutput.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.b.BroadcastMsg(msg)
	}
	return len(p), nil
}
