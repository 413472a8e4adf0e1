package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/SerCam/internal/hw/camera"
)

// result is one scripted outcome of fakeCamera.Capture.
type result struct {
	frame *camera.Frame
	err   error
	panic bool
}

// fakeCamera plays scripted capture results, then repeats fallback.
type fakeCamera struct {
	mu       sync.Mutex
	script   []result
	fallback result
	block    chan struct{} // if set, Capture waits on it and ignores ctx
	resetErr error

	captures    int
	resets      int
	resolutions []camera.Resolution
	ratios      []byte
	closed      bool
}

func (c *fakeCamera) Capture(ctx context.Context) (*camera.Frame, error) {
	c.mu.Lock()
	block := c.block
	c.captures++
	r := c.fallback
	if len(c.script) > 0 {
		r = c.script[0]
		c.script = c.script[1:]
	}
	c.mu.Unlock()

	if block != nil {
		<-block
	}
	if r.panic {
		panic("sensor exploded")
	}
	return r.frame, r.err
}

func (c *fakeCamera) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
	return c.resetErr
}

func (c *fakeCamera) SetResolution(ctx context.Context, r camera.Resolution) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolutions = append(c.resolutions, r)
	return nil
}

func (c *fakeCamera) SetRatio(ctx context.Context, ratio byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ratios = append(c.ratios, ratio)
	return nil
}

func (c *fakeCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeCamera) counts() (captures, resets int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captures, c.resets
}

// fakePower records switch operations.
type fakePower struct {
	mu      sync.Mutex
	ons     int
	cycles  int
	toggles int
	offs    int
	closed  bool
}

func (p *fakePower) On(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ons++
	return nil
}

func (p *fakePower) Cycle(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cycles++
	return nil
}

func (p *fakePower) Off() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offs++
	return nil
}

func (p *fakePower) Toggle() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toggles++
	return nil
}

func (p *fakePower) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePower) snapshot() (ons, cycles, toggles int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ons, p.cycles, p.toggles
}

// onceCamera lets its inner camera capture n times, then reports an empty buffer.
type onceCamera struct {
	camera.Camera
	mu sync.Mutex
	n  int
}

func (c *onceCamera) Capture(ctx context.Context) (*camera.Frame, error) {
	c.mu.Lock()
	if c.n <= 0 {
		c.mu.Unlock()
		return nil, camera.ErrNoFrame
	}
	c.n--
	c.mu.Unlock()
	return c.Camera.Capture(ctx)
}

var errRecovered = &camera.CaptureError{
	State:     camera.StateFilled,
	Err:       camera.ErrFrameCorrupt,
	Recovered: true,
}

var errUnexpected = errors.New("usb adapter unplugged")

func jpegFrame(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	data[0], data[1] = 0xFF, 0xD8
	data[size-2], data[size-1] = 0xFF, 0xD9
	return data
}

func newFrame(size int) *camera.Frame {
	return &camera.Frame{Data: jpegFrame(size), Resolution: camera.QVGA, CapturedAt: time.Now()}
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastOptions(extra ...Option) []Option {
	return append([]Option{
		WithInterval(time.Millisecond),
		WithPausePoll(time.Millisecond),
		WithStopTimeout(3 * time.Second),
	}, extra...)
}

func newSimCamera(sim *camera.Simulator) *camera.SerialCamera {
	return camera.NewSerialCamera(sim, camera.WithTiming(camera.Timing{}))
}
