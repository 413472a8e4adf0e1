package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cjeanneret/SerCam/internal/hw/camera"
	"github.com/cjeanneret/SerCam/internal/logic/capture"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// Controller is the camera surface driven over HTTP. *capture.Service
// implements it.
type Controller interface {
	Settings() capture.Settings
	SetResolution(ctx context.Context, r camera.Resolution) error
	SetRatio(ctx context.Context, ratio byte) error
	Snapshot(ctx context.Context) (*camera.Frame, error)
	StartStreaming(ctx context.Context) error
	StopStreaming() error
	PauseStreaming()
	ResumeStreaming()
	StreamState() capture.StreamState
	PeekLatestFrame() *camera.Frame
}

// SettingsRequest is the body of POST /settings. Omitted fields are left unchanged.
type SettingsRequest struct {
	Resolution string `json:"resolution,omitempty"`
	Ratio      *int   `json:"ratio,omitempty"`
}

// ConfigView is the body of GET /config and of successful control requests.
type ConfigView struct {
	Resolution string `json:"resolution"`
	Ratio      int    `json:"ratio"`
	Stream     string `json:"stream"`
}

// ValidateSettings checks a settings request before it reaches the device.
func ValidateSettings(req SettingsRequest) error {
	if req.Resolution == "" && req.Ratio == nil {
		return errors.New("nothing to change: set resolution and/or ratio")
	}
	if req.Resolution != "" {
		if _, err := camera.ParseResolution(req.Resolution); err != nil {
			return err
		}
	}
	if req.Ratio != nil && (*req.Ratio < 0 || *req.Ratio > 255) {
		return fmt.Errorf("ratio must be between 0 and 255, got %d", *req.Ratio)
	}
	return nil
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Camera      Controller
	staticFS    fs.FS

	// baseCtx outlives requests; the streaming loop runs under it.
	baseCtx context.Context

	snapshotMu sync.Mutex
	snapshot   bool
}

// NewHandlers creates handlers with the given dependencies.
// If ctrl is nil, camera routes return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, ctrl Controller, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Camera:      ctrl,
		staticFS:    staticFS,
		baseCtx:     context.Background(),
	}
}

func (h *Handlers) view() ConfigView {
	s := h.Camera.Settings()
	return ConfigView{
		Resolution: s.Resolution.String(),
		Ratio:      int(s.Ratio),
		Stream:     h.Camera.StreamState().String(),
	}
}

func (h *Handlers) available(w http.ResponseWriter) bool {
	if h.Camera == nil {
		http.Error(w, "camera not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// deviceError maps a camera error to an HTTP status.
func deviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, capture.ErrStreaming):
		http.Error(w, "camera is streaming: stop it first", http.StatusConflict)
	case errors.Is(err, capture.ErrStopTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		http.Error(w, "camera error: "+err.Error(), http.StatusBadGateway)
	}
}

// HandleConfig returns the current camera settings and stream state as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.view())
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleFrame serves the latest streamed frame without consuming it.
// It answers 204 No Content when no frame is available.
func (h *Handlers) HandleFrame(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	frame := h.Camera.PeekLatestFrame()
	if frame == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeFrame(w, frame)
}

func writeFrame(w http.ResponseWriter, frame *camera.Frame) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(frame.Size()))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-ID", frame.ID.String())
	w.Header().Set("Last-Modified", frame.CapturedAt.UTC().Format(http.TimeFormat))
	w.Write(frame.Data)
}

// HandleStream handles POST /stream/{action} with action one of
// start, stop, pause or resume.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.available(w) {
		return
	}

	action := r.PathValue("action")
	var err error
	switch action {
	case "start":
		err = h.Camera.StartStreaming(h.baseCtx)
	case "stop":
		err = h.Camera.StopStreaming()
	case "pause":
		h.Camera.PauseStreaming()
	case "resume":
		h.Camera.ResumeStreaming()
	default:
		http.Error(w, fmt.Sprintf("unknown stream action %q", action), http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("stream %s failed: %v", action, err)
		h.Broadcaster.Broadcast("error", "Stream "+action+" failed: "+err.Error())
		deviceError(w, err)
		return
	}

	h.Broadcaster.Broadcast("info", "Stream "+h.Camera.StreamState().String())
	writeJSON(w, http.StatusOK, h.view())
}

// HandleSettings handles POST /settings to change resolution and ratio.
// The stream must be stopped.
func (h *Handlers) HandleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateSettings(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !h.available(w) {
		return
	}
	if h.Camera.StreamState() != capture.Stopped {
		deviceError(w, capture.ErrStreaming)
		return
	}

	ctx := r.Context()
	if req.Resolution != "" {
		res, _ := camera.ParseResolution(req.Resolution)
		if err := h.Camera.SetResolution(ctx, res); err != nil {
			deviceError(w, err)
			return
		}
	}
	if req.Ratio != nil {
		if err := h.Camera.SetRatio(ctx, byte(*req.Ratio)); err != nil {
			deviceError(w, err)
			return
		}
	}

	v := h.view()
	h.Broadcaster.Broadcast("info", fmt.Sprintf("Settings applied: %s, ratio %d", v.Resolution, v.Ratio))
	writeJSON(w, http.StatusOK, v)
}

// HandleSnapshot handles POST /snapshot: one capture while the stream is
// stopped, returned as image/jpeg. Only one snapshot runs at a time.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.available(w) {
		return
	}

	h.snapshotMu.Lock()
	if h.snapshot {
		h.snapshotMu.Unlock()
		http.Error(w, "snapshot already in progress", http.StatusConflict)
		return
	}
	h.snapshot = true
	h.snapshotMu.Unlock()
	defer func() {
		h.snapshotMu.Lock()
		h.snapshot = false
		h.snapshotMu.Unlock()
	}()

	frame, err := h.Camera.Snapshot(r.Context())
	if errors.Is(err, camera.ErrNoFrame) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		log.Printf("snapshot failed: %v", err)
		h.Broadcaster.Broadcast("error", "Snapshot failed: "+err.Error())
		deviceError(w, err)
		return
	}
	h.Broadcaster.BroadcastFrame(frame)
	writeFrame(w, frame)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
