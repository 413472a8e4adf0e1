package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/SerCam/internal/debug"
	"github.com/cjeanneret/SerCam/internal/hw/camera"
	"github.com/google/uuid"
)

var (
	// ErrStopTimeout means the streaming goroutine did not exit in time. It
	// keeps running; a later Stop waits for it again.
	ErrStopTimeout = errors.New("streaming loop did not stop in time")

	// ErrStreaming means the operation needs the device while the streaming
	// loop owns it. Stop streaming first.
	ErrStreaming = errors.New("camera is streaming")

	// ErrCapturePanic wraps a panic recovered from a capture cycle.
	ErrCapturePanic = errors.New("capture panicked")
)

// StreamState describes the streaming loop.
type StreamState int

const (
	Stopped StreamState = iota
	Running
	Paused
)

func (s StreamState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("stream(%d)", int(s))
	}
}

// Streamer captures frames continuously on one background goroutine and
// keeps the latest verified one available to readers on other goroutines.
type Streamer struct {
	cam  camera.Camera
	opts options

	latest latestFrame
	paused atomic.Bool

	mu      sync.Mutex // guards the fields below
	cancel  context.CancelFunc
	done    chan struct{}
	session uuid.UUID

	failures int // consecutive failed cycles, worker only
}

// NewStreamer creates a stopped streamer over cam.
func NewStreamer(cam camera.Camera, opts ...Option) *Streamer {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Streamer{cam: cam, opts: o}
}

// Start stops any running loop, then launches a new one. The loop runs until
// Stop is called or ctx is cancelled. At most one loop runs at a time, even
// with concurrent callers.
func (s *Streamer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stopLocked(s.opts.stopTimeout); err != nil {
		return err
	}
	s.paused.Store(false)
	s.failures = 0

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.session = uuid.New()

	debug.Info("Streaming: session %s started (interval %v)", s.session, s.opts.interval)
	go s.run(loopCtx, s.done)
	return nil
}

// Stop cancels the loop and waits for it to exit, up to the configured stop
// timeout. Stopping a stopped streamer is a no-op.
func (s *Streamer) Stop() error {
	return s.StopTimeout(s.opts.stopTimeout)
}

// StopTimeout is Stop with an explicit wait. A timeout <= 0 waits forever.
func (s *Streamer) StopTimeout(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(timeout)
}

// stopLocked joins the running loop. s.mu must be held.
func (s *Streamer) stopLocked(timeout time.Duration) error {
	if s.cancel == nil {
		s.latest.clearReady()
		return nil
	}
	s.cancel()

	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-s.done:
		case <-t.C:
			debug.Live("Streaming: session %s still running after %v", s.session, timeout)
			return ErrStopTimeout
		}
	} else {
		<-s.done
	}

	debug.Info("Streaming: session %s stopped", s.session)
	s.cancel = nil
	s.done = nil
	s.session = uuid.Nil
	s.paused.Store(false)
	s.latest.clearReady()
	return nil
}

// Pause suspends capturing after the cycle in flight. The latest frame stays
// available.
func (s *Streamer) Pause() {
	if !s.paused.Swap(true) {
		debug.Verbose("Streaming: paused")
	}
}

// Resume continues capturing after Pause.
func (s *Streamer) Resume() {
	if s.paused.Swap(false) {
		debug.Verbose("Streaming: resumed")
	}
}

// State reports whether the loop is running and whether it is paused.
func (s *Streamer) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return Stopped
	}
	select {
	case <-s.done:
		return Stopped
	default:
	}
	if s.paused.Load() {
		return Paused
	}
	return Running
}

// Session returns the ID of the running session, uuid.Nil when stopped.
func (s *Streamer) Session() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// IsNewFrameReady reports whether a frame was published and not yet taken.
func (s *Streamer) IsNewFrameReady() bool {
	return s.latest.ready()
}

// TakeLatestFrame returns the latest frame if it has not been taken yet.
// Each published frame is returned at most once.
func (s *Streamer) TakeLatestFrame() (*camera.Frame, bool) {
	return s.latest.take()
}

// PeekLatestFrame returns the latest frame without consuming it, or nil.
func (s *Streamer) PeekLatestFrame() *camera.Frame {
	return s.latest.peek()
}

func (s *Streamer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}
		if s.paused.Load() {
			if sleep(ctx, s.opts.pausePoll) != nil {
				return
			}
			continue
		}

		s.cycle(ctx)

		if sleep(ctx, s.opts.interval) != nil {
			return
		}
	}
}

// cycle runs one capture and publishes or recovers.
func (s *Streamer) cycle(ctx context.Context) {
	var frame *camera.Frame
	err := safely(func() error {
		var err error
		frame, err = s.cam.Capture(ctx)
		return err
	})

	switch {
	case err == nil:
		s.failures = 0
		s.latest.publish(frame)
		debug.Frame(frame.ID.String(), frame.Size())
		for _, fn := range s.opts.onFrame {
			fn(frame)
		}

	case errors.Is(err, camera.ErrNoFrame):
		debug.Verbose("Streaming: no frame pending")

	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// Stopping.

	case camera.IsRecovered(err):
		s.latest.clear()
		debug.Live("Streaming: cycle failed: %v", err)
		s.failed(ctx)

	default:
		s.latest.clear()
		debug.Live("Streaming: unexpected failure, resetting camera: %v", err)
		if rerr := safely(func() error { return s.cam.Reset(ctx) }); rerr != nil {
			debug.Error(fmt.Errorf("streaming: reset after failure: %w", rerr))
		}
		s.failed(ctx)
	}
}

// failed counts a failed cycle and escalates to the hard reset hook.
func (s *Streamer) failed(ctx context.Context) {
	s.failures++
	if s.opts.powerCycleAfter <= 0 || s.opts.hardReset == nil || s.failures < s.opts.powerCycleAfter {
		return
	}
	debug.Live("Streaming: %d consecutive failures, hard reset", s.failures)
	s.failures = 0
	if err := safely(func() error { return s.opts.hardReset(ctx) }); err != nil {
		debug.Error(fmt.Errorf("streaming: hard reset: %w", err))
	}
}

// safely runs fn, turning a panic into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCapturePanic, r)
		}
	}()
	return fn()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
