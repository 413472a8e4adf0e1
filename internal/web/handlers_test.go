package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/cjeanneret/SerCam/internal/hw/camera"
	"github.com/cjeanneret/SerCam/internal/logic/capture"
	"github.com/google/uuid"
)

// ---------- ValidateSettings ----------

func intPtr(v int) *int { return &v }

func TestValidateSettings_Valid(t *testing.T) {
	cases := []struct {
		name string
		req  SettingsRequest
	}{
		{"resolution_only", SettingsRequest{Resolution: "vga"}},
		{"ratio_only", SettingsRequest{Ratio: intPtr(0x36)}},
		{"both", SettingsRequest{Resolution: "QQVGA", Ratio: intPtr(0)}},
		{"max_ratio", SettingsRequest{Ratio: intPtr(255)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateSettings(tc.req); err != nil {
				t.Errorf("expected valid, got: %v", err)
			}
		})
	}
}

func TestValidateSettings_Invalid(t *testing.T) {
	cases := []struct {
		name string
		req  SettingsRequest
	}{
		{"empty", SettingsRequest{}},
		{"unknown_resolution", SettingsRequest{Resolution: "4k"}},
		{"negative_ratio", SettingsRequest{Ratio: intPtr(-1)}},
		{"ratio_too_large", SettingsRequest{Ratio: intPtr(256)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateSettings(tc.req); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

// ---------- Handler helpers ----------

// fakeController is an in-memory camera for handler tests.
type fakeController struct {
	mu        sync.Mutex
	settings  capture.Settings
	state     capture.StreamState
	frame     *camera.Frame
	snapErr   error
	deviceErr error
	stopErr   error
	snapBlock chan struct{}
	snapCalls int
	startCtx  context.Context
}

func (c *fakeController) Settings() capture.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *fakeController) SetResolution(_ context.Context, r camera.Resolution) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deviceErr != nil {
		return c.deviceErr
	}
	c.settings.Resolution = r
	return nil
}

func (c *fakeController) SetRatio(_ context.Context, ratio byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deviceErr != nil {
		return c.deviceErr
	}
	c.settings.Ratio = ratio
	return nil
}

func (c *fakeController) Snapshot(context.Context) (*camera.Frame, error) {
	c.mu.Lock()
	c.snapCalls++
	block := c.snapBlock
	c.mu.Unlock()
	if block != nil {
		<-block
	}
	if c.snapErr != nil {
		return nil, c.snapErr
	}
	return testFrame(), nil
}

func (c *fakeController) StartStreaming(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startCtx = ctx
	c.state = capture.Running
	return nil
}

func (c *fakeController) StopStreaming() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopErr != nil {
		return c.stopErr
	}
	c.state = capture.Stopped
	return nil
}

func (c *fakeController) PauseStreaming() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == capture.Running {
		c.state = capture.Paused
	}
}

func (c *fakeController) ResumeStreaming() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == capture.Paused {
		c.state = capture.Running
	}
}

func (c *fakeController) StreamState() capture.StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeController) PeekLatestFrame() *camera.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

func testFrame() *camera.Frame {
	return &camera.Frame{
		ID:         uuid.MustParse("6f1c1e8e-62a5-4a5c-9a47-2f7b8a0a9c11"),
		Data:       []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9},
		Resolution: camera.QVGA,
		CapturedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func newTestHandlers(ctrl Controller) *Handlers {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	return NewHandlers(NewStatusBroadcaster(), ctrl, staticFS)
}

func newTestMux(ctrl Controller) (*Handlers, http.Handler) {
	h := newTestHandlers(ctrl)
	s := &Server{addr: ":0", handlers: h}
	return h, s.Mux()
}

func settingsJSON(res string, ratio int) []byte {
	data, _ := json.Marshal(SettingsRequest{Resolution: res, Ratio: &ratio})
	return data
}

// ---------- HandleConfig ----------

func TestHandleConfig(t *testing.T) {
	ctrl := &fakeController{settings: capture.Settings{Resolution: camera.QQVGA, Ratio: 0x36}}
	h := newTestHandlers(ctrl)
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	w := httptest.NewRecorder()

	h.HandleConfig(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var v ConfigView
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Resolution != "qqvga" || v.Ratio != 0x36 || v.Stream != "stopped" {
		t.Errorf("config = %+v", v)
	}
}

func TestHandleConfig_NoCamera(t *testing.T) {
	h := newTestHandlers(nil)
	w := httptest.NewRecorder()
	h.HandleConfig(w, httptest.NewRequest(http.MethodGet, "/config", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ---------- HandleFrame ----------

func TestHandleFrame_NoFrame(t *testing.T) {
	_, mux := newTestMux(&fakeController{})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/frame.jpg", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestHandleFrame_LatestFrame(t *testing.T) {
	frame := testFrame()
	_, mux := newTestMux(&fakeController{frame: frame})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/frame.jpg", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if id := w.Header().Get("X-Frame-ID"); id != frame.ID.String() {
		t.Errorf("X-Frame-ID = %q", id)
	}
	if !bytes.Equal(w.Body.Bytes(), frame.Data) {
		t.Error("body should be the frame payload")
	}
}

// ---------- HandleStream ----------

func TestHandleStream_Actions(t *testing.T) {
	ctrl := &fakeController{}
	_, mux := newTestMux(ctrl)

	steps := []struct {
		action string
		want   string
	}{
		{"start", "running"},
		{"pause", "paused"},
		{"resume", "running"},
		{"stop", "stopped"},
	}
	for _, s := range steps {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/stream/"+s.action, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want %d", s.action, w.Code, http.StatusOK)
		}
		var v ConfigView
		if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
			t.Fatalf("%s: decode: %v", s.action, err)
		}
		if v.Stream != s.want {
			t.Errorf("%s: stream = %q, want %q", s.action, v.Stream, s.want)
		}
	}
}

func TestHandleStream_StartUsesServerContext(t *testing.T) {
	ctrl := &fakeController{}
	h, mux := newTestMux(ctrl)
	type key struct{}
	h.baseCtx = context.WithValue(context.Background(), key{}, "server")

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/stream/start", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ctrl.startCtx.Value(key{}) != "server" {
		t.Error("stream must not run under the request context")
	}
}

func TestHandleStream_UnknownAction(t *testing.T) {
	_, mux := newTestMux(&fakeController{})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/stream/rewind", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleStream_GetMethodNotAllowed(t *testing.T) {
	_, mux := newTestMux(&fakeController{})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream/start", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleStream_StopTimeout(t *testing.T) {
	ctrl := &fakeController{state: capture.Running, stopErr: capture.ErrStopTimeout}
	_, mux := newTestMux(ctrl)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/stream/stop", nil))
	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", w.Code, http.StatusGatewayTimeout)
	}
}

// ---------- HandleSettings ----------

func TestHandleSettings_Valid(t *testing.T) {
	ctrl := &fakeController{}
	h := newTestHandlers(ctrl)
	req := httptest.NewRequest(http.MethodPost, "/settings", bytes.NewReader(settingsJSON("vga", 0x40)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	h.HandleSettings(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if s := ctrl.Settings(); s.Resolution != camera.VGA || s.Ratio != 0x40 {
		t.Errorf("settings = %+v", s)
	}
}

func TestHandleSettings_WhileStreaming(t *testing.T) {
	ctrl := &fakeController{state: capture.Running}
	h := newTestHandlers(ctrl)
	req := httptest.NewRequest(http.MethodPost, "/settings", bytes.NewReader(settingsJSON("vga", 1)))
	w := httptest.NewRecorder()

	h.HandleSettings(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if s := ctrl.Settings(); s.Resolution != 0 || s.Ratio != 0 {
		t.Errorf("settings changed while streaming: %+v", s)
	}
}

func TestHandleSettings_InvalidJSON(t *testing.T) {
	h := newTestHandlers(&fakeController{})
	w := httptest.NewRecorder()
	h.HandleSettings(w, httptest.NewRequest(http.MethodPost, "/settings", strings.NewReader("not json")))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleSettings_InvalidValues(t *testing.T) {
	h := newTestHandlers(&fakeController{})
	w := httptest.NewRecorder()
	h.HandleSettings(w, httptest.NewRequest(http.MethodPost, "/settings", bytes.NewReader(settingsJSON("svga", 1))))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleSettings_OversizedBody(t *testing.T) {
	h := newTestHandlers(&fakeController{})
	big := `{"resolution":"` + strings.Repeat("x", 2<<20) + `"}` // 2 MB
	w := httptest.NewRecorder()
	h.HandleSettings(w, httptest.NewRequest(http.MethodPost, "/settings", strings.NewReader(big)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d (oversized body)", w.Code, http.StatusBadRequest)
	}
}

func TestHandleSettings_DeviceError(t *testing.T) {
	ctrl := &fakeController{deviceErr: camera.ErrMalformedResponse}
	h := newTestHandlers(ctrl)
	w := httptest.NewRecorder()
	h.HandleSettings(w, httptest.NewRequest(http.MethodPost, "/settings", bytes.NewReader(settingsJSON("vga", 1))))
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
}

// ---------- HandleSnapshot ----------

func TestHandleSnapshot_Valid(t *testing.T) {
	h := newTestHandlers(&fakeController{})
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w := httptest.NewRecorder()
	h.HandleSnapshot(w, httptest.NewRequest(http.MethodPost, "/snapshot", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !bytes.Equal(w.Body.Bytes(), testFrame().Data) {
		t.Error("body should be the JPEG payload")
	}
	select {
	case msg := <-ch:
		if !strings.Contains(msg, `"l":"frame"`) {
			t.Errorf("expected a frame event, got %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no frame event broadcast")
	}
}

func TestHandleSnapshot_Errors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"streaming", capture.ErrStreaming, http.StatusConflict},
		{"no_frame", camera.ErrNoFrame, http.StatusNoContent},
		{"device", &camera.CaptureError{State: camera.StateFilled, Err: camera.ErrFrameCorrupt, Recovered: true}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandlers(&fakeController{snapErr: tc.err})
			w := httptest.NewRecorder()
			h.HandleSnapshot(w, httptest.NewRequest(http.MethodPost, "/snapshot", nil))
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestHandleSnapshot_Concurrent(t *testing.T) {
	blocking := make(chan struct{})
	ctrl := &fakeController{snapBlock: blocking}
	h := newTestHandlers(ctrl)

	done := make(chan int)
	go func() {
		w := httptest.NewRecorder()
		h.HandleSnapshot(w, httptest.NewRequest(http.MethodPost, "/snapshot", nil))
		done <- w.Code
	}()

	// Wait for the first snapshot to reach the camera
	deadline := time.Now().Add(time.Second)
	for {
		ctrl.mu.Lock()
		calls := ctrl.snapCalls
		ctrl.mu.Unlock()
		if calls == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first snapshot never started")
		}
		time.Sleep(time.Millisecond)
	}

	w2 := httptest.NewRecorder()
	h.HandleSnapshot(w2, httptest.NewRequest(http.MethodPost, "/snapshot", nil))
	if w2.Code != http.StatusConflict {
		t.Errorf("concurrent request: status = %d, want %d", w2.Code, http.StatusConflict)
	}

	close(blocking) // unblock first snapshot
	if code := <-done; code != http.StatusOK {
		t.Errorf("first request: status = %d, want %d", code, http.StatusOK)
	}
}

// ---------- ServeIndex ----------

func TestServeIndex(t *testing.T) {
	h := newTestHandlers(&fakeController{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	h.ServeIndex(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

// ---------- HandleStatusStream ----------

func TestHandleStatusStream(t *testing.T) {
	h, mux := newTestMux(&fakeController{})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /status/stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, _ := reader.ReadString('\n')
	if !strings.HasPrefix(line, ": connected") {
		t.Fatalf("first line = %q", line)
	}

	// The subscription is registered before the connected comment is sent.
	h.Broadcaster.BroadcastMsg("hello sse")
	for {
		line, err = reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	var evt StatusEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Msg != "hello sse" {
		t.Errorf("msg = %q", evt.Msg)
	}
}

func TestDeviceError_Mapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{capture.ErrStreaming, http.StatusConflict},
		{capture.ErrStopTimeout, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		deviceError(w, tc.err)
		if w.Code != tc.want {
			t.Errorf("%v: status = %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}
