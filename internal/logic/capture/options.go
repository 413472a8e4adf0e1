package capture

import (
	"context"
	"time"

	"github.com/cjeanneret/SerCam/internal/hw/camera"
	"github.com/cjeanneret/SerCam/internal/logic/geometry"
)

type options struct {
	interval        time.Duration
	pausePoll       time.Duration
	stopTimeout     time.Duration
	powerCycleAfter int
	hardReset       func(context.Context) error
	onFrame         []func(*camera.Frame)
	decoder         Decoder
	fit             geometry.FitMode
}

func defaultOptions() options {
	return options{
		interval:    50 * time.Millisecond,
		pausePoll:   50 * time.Millisecond,
		stopTimeout: 10 * time.Second,
		decoder:     JPEGDecoder{},
		fit:         geometry.Stretch,
	}
}

// Option configures a Streamer or a Service.
type Option func(*options)

// WithInterval sets the pause between two capture cycles.
func WithInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// WithPausePoll sets how often a paused loop checks whether it was resumed.
func WithPausePoll(d time.Duration) Option {
	return func(o *options) { o.pausePoll = d }
}

// WithStopTimeout sets the default wait of Stop.
func WithStopTimeout(d time.Duration) Option {
	return func(o *options) { o.stopTimeout = d }
}

// WithHardReset runs fn after n consecutive failed cycles. n <= 0 disables it.
// A Service installs its own power-cycle hook when n > 0 and fn is nil.
func WithHardReset(n int, fn func(context.Context) error) Option {
	return func(o *options) {
		o.powerCycleAfter = n
		o.hardReset = fn
	}
}

// OnFrame registers a hook called from the streaming goroutine after each
// publish. Hooks must not block.
func OnFrame(fn func(*camera.Frame)) Option {
	return func(o *options) { o.onFrame = append(o.onFrame, fn) }
}

// WithDecoder replaces the JPEG decoder used by DrawLatestFrame.
func WithDecoder(d Decoder) Option {
	return func(o *options) { o.decoder = d }
}

// WithFit sets how DrawLatestFrame places the frame in its rectangle.
func WithFit(m geometry.FitMode) Option {
	return func(o *options) { o.fit = m }
}
