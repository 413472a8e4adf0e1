package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/SerCam/internal/hw/camera"
)

// clientBuffer is the number of events queued per SSE client.
const clientBuffer = 64

// FrameEvent describes a published frame without its payload.
type FrameEvent struct {
	ID         string `json:"id"`
	Size       int    `json:"size"`
	Resolution string `json:"resolution"`
}

// StatusEvent represents a single status message for SSE.
type StatusEvent struct {
	Time  string      `json:"t"`
	Level string      `json:"l,omitempty"`
	Msg   string      `json:"msg,omitempty"`
	Frame *FrameEvent `json:"frame,omitempty"`
}

// StatusBroadcaster distributes status messages and frame notifications to
// multiple SSE clients.
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
// Calling it more than once is harmless.
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, clientBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of subscribed clients.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends a message to all subscribed clients.
// Messages are sent as JSON: {"t":"...","l":"info","msg":"..."}
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.publish(StatusEvent{Level: level, Msg: msg})
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// BroadcastFrame announces a newly published frame:
// {"t":"...","l":"frame","frame":{"id":"...","size":1234,"resolution":"qvga"}}
func (b *StatusBroadcaster) BroadcastFrame(f *camera.Frame) {
	b.publish(StatusEvent{
		Level: "frame",
		Frame: &FrameEvent{
			ID:         f.ID.String(),
			Size:       f.Size(),
			Resolution: f.Resolution.String(),
		},
	})
}

// publish stamps evt and queues it for every client.
// Slow clients may miss messages (non-blocking, buffered).
func (b *StatusBroadcaster) publish(evt StatusEvent) {
	evt.Time = time.Now().Format(time.RFC3339)
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

// BroadcastWriter implements io.Writer; each non-empty line written is
// broadcast to SSE clients. Lines mentioning an error get level "error".
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for use with debug.SetOutput.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		msg := strings.TrimSpace(line)
		if msg == "" {
			continue
		}
		level := "info"
		if strings.Contains(msg, "[ERROR]") {
			level = "error"
		}
		w.b.Broadcast(level, msg)
	}
	return len(p), nil
}
