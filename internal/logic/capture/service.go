package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/cjeanneret/SerCam/internal/debug"
	"github.com/cjeanneret/SerCam/internal/hw/camera"
	"github.com/cjeanneret/SerCam/internal/logic/geometry"
	"golang.org/x/image/draw"
)

// Device is the sensor as seen by the Service.
type Device interface {
	camera.Camera
	SetResolution(ctx context.Context, r camera.Resolution) error
	SetRatio(ctx context.Context, ratio byte) error
	Close() error
}

// PowerSwitch supplies the sensor and drives the frame indicator.
type PowerSwitch interface {
	On(ctx context.Context) error
	Off() error
	Cycle(ctx context.Context) error
	Toggle() error
	Close() error
}

// Settings are the sensor registers applied on Open and after a hard reset.
type Settings struct {
	Resolution camera.Resolution
	Ratio      byte // 0 leaves the sensor's ratio untouched
}

// Service is the consumer surface of the camera: one-off settings and
// captures, continuous streaming and access to the latest frame.
//
// Operations that talk to the device return ErrStreaming while the
// streaming loop runs.
type Service struct {
	dev      Device
	power    PowerSwitch
	streamer *Streamer
	decoder  Decoder
	fit      geometry.FitMode

	mu       sync.Mutex // guards settings and device access outside the loop
	settings Settings
}

// NewService wires dev and power into a stopped service. power may be nil.
func NewService(dev Device, power PowerSwitch, settings Settings, opts ...Option) *Service {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		dev:      dev,
		power:    power,
		decoder:  o.decoder,
		fit:      o.fit,
		settings: settings,
	}
	if power != nil {
		o.onFrame = append(o.onFrame, func(*camera.Frame) {
			if err := power.Toggle(); err != nil {
				debug.Trace("Indicator toggle failed: %v", err)
			}
		})
		if o.powerCycleAfter > 0 && o.hardReset == nil {
			o.hardReset = s.hardReset
		}
	}
	s.streamer = &Streamer{cam: dev, opts: o}
	return s
}

// Open powers the sensor, resets it and applies the settings.
func (s *Service) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	debug.Section("Camera startup")
	if s.power != nil {
		if err := s.power.On(ctx); err != nil {
			return fmt.Errorf("power on: %w", err)
		}
	}
	if err := s.dev.Reset(ctx); err != nil {
		return s.powerDown(err)
	}
	if err := s.apply(ctx); err != nil {
		return s.powerDown(err)
	}
	debug.Info("Camera ready (%s, ratio %d)", s.settings.Resolution, s.settings.Ratio)
	return nil
}

// powerDown leaves an unusable sensor unpowered and returns cause.
func (s *Service) powerDown(cause error) error {
	if s.power == nil {
		return cause
	}
	if err := s.power.Off(); err != nil {
		debug.Verbose("Power off after failed startup: %v", err)
	}
	return cause
}

// Close stops streaming and releases the device and the power switch.
func (s *Service) Close() error {
	stopErr := s.streamer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	errs := []error{stopErr, s.dev.Close()}
	if s.power != nil {
		errs = append(errs, s.power.Close())
	}
	return errors.Join(errs...)
}

// Settings returns the current sensor settings.
func (s *Service) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SetResolution changes the image size.
func (s *Service) SetResolution(ctx context.Context, r camera.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streaming() {
		return ErrStreaming
	}
	if err := s.dev.SetResolution(ctx, r); err != nil {
		return err
	}
	s.settings.Resolution = r
	return nil
}

// SetRatio changes the compression ratio. The sensor is reset to apply it.
func (s *Service) SetRatio(ctx context.Context, ratio byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streaming() {
		return ErrStreaming
	}
	if err := s.dev.SetRatio(ctx, ratio); err != nil {
		return err
	}
	s.settings.Ratio = ratio
	return nil
}

// Snapshot runs a single capture outside the streaming loop.
func (s *Service) Snapshot(ctx context.Context) (*camera.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streaming() {
		return nil, ErrStreaming
	}
	frame, err := s.dev.Capture(ctx)
	if err != nil {
		return nil, err
	}
	debug.Frame(frame.ID.String(), frame.Size())
	return frame, nil
}

// Reset issues a system reset.
func (s *Service) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streaming() {
		return ErrStreaming
	}
	return s.dev.Reset(ctx)
}

// StartStreaming (re)starts the streaming loop.
func (s *Service) StartStreaming(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamer.Start(ctx)
}

// StopStreaming stops the loop and waits for it to exit.
func (s *Service) StopStreaming() error {
	return s.streamer.Stop()
}

// PauseStreaming suspends capturing, keeping the latest frame.
func (s *Service) PauseStreaming() {
	s.streamer.Pause()
}

// ResumeStreaming continues capturing after PauseStreaming.
func (s *Service) ResumeStreaming() {
	s.streamer.Resume()
}

// StreamState reports the loop state.
func (s *Service) StreamState() StreamState {
	return s.streamer.State()
}

// Streamer exposes the underlying loop.
func (s *Service) Streamer() *Streamer {
	return s.streamer
}

// IsNewFrameReady reports whether a frame is waiting to be taken.
func (s *Service) IsNewFrameReady() bool {
	return s.streamer.IsNewFrameReady()
}

// TakeLatestFrame returns the latest frame once.
func (s *Service) TakeLatestFrame() (*camera.Frame, bool) {
	return s.streamer.TakeLatestFrame()
}

// PeekLatestFrame returns the latest frame without consuming it.
func (s *Service) PeekLatestFrame() *camera.Frame {
	return s.streamer.PeekLatestFrame()
}

// DrawLatestFrame decodes the pending frame and draws it scaled into the
// w x h rectangle at (x, y) of dst. It reports false when no new frame is
// ready. The loop is paused while decoding and resumed afterwards unless it
// was already paused.
func (s *Service) DrawLatestFrame(dst draw.Image, x, y, w, h int) (bool, error) {
	if !s.streamer.IsNewFrameReady() {
		return false, nil
	}
	if !s.streamer.paused.Swap(true) {
		defer s.streamer.Resume()
	}

	frame, ok := s.streamer.TakeLatestFrame()
	if !ok {
		return false, nil
	}
	img, err := s.decoder.Decode(frame.Data)
	if err != nil {
		return false, err
	}
	drawn := Render(dst, image.Rect(x, y, x+w, y+h), img, s.fit)
	debug.Verbose("Drew frame %s into %v", frame.ID, drawn)
	return true, nil
}

// hardReset power-cycles the sensor and restores its settings. It runs on
// the streaming goroutine, which owns the device at that point.
func (s *Service) hardReset(ctx context.Context) error {
	if err := s.power.Cycle(ctx); err != nil {
		return fmt.Errorf("power cycle: %w", err)
	}
	if err := s.dev.Reset(ctx); err != nil {
		return err
	}
	return s.apply(ctx)
}

func (s *Service) apply(ctx context.Context) error {
	if err := s.dev.SetResolution(ctx, s.settings.Resolution); err != nil {
		return err
	}
	if s.settings.Ratio == 0 {
		return nil
	}
	return s.dev.SetRatio(ctx, s.settings.Ratio)
}

func (s *Service) streaming() bool {
	return s.streamer.State() != Stopped
}
