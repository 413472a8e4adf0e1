package camera

import (
	"context"
	"fmt"
	"sync"

	"github.com/cjeanneret/SerCam/internal/debug"
	"github.com/cjeanneret/SerCam/internal/hw/uart"
)

// Camera is the high-level interface used by the rest of the application.
// It represents a frame-grabbing sensor, regardless of the link it sits on.
type Camera interface {
	// Capture runs one capture attempt and returns a verified frame.
	Capture(ctx context.Context) (*Frame, error)

	// Reset brings the sensor back to a known state.
	Reset(ctx context.Context) error
}

// Option configures a SerialCamera.
type Option func(*SerialCamera)

// WithTiming overrides the protocol delays.
func WithTiming(t Timing) Option {
	return func(c *SerialCamera) { c.timing = t }
}

// WithBlockSize sets the block size sent with the read-frame command.
func WithBlockSize(size uint16) Option {
	return func(c *SerialCamera) { c.blockSize = size }
}

// WithResolution sets the resolution assumed before SetResolution is called.
func WithResolution(r Resolution) Option {
	return func(c *SerialCamera) { c.resolution = r }
}

// SerialCamera is a Camera implementation for a VC0706-compatible sensor
// wired to a UART:
// - 115200 baud, 8 data bits, no parity, 1 stop bit
// - commands start with 0x56, replies with 0x76
//
// Capture sequence:
// 1. Stop the current frame
// 2. Query its length
// 3. Read the payload
// 4. Check the JPEG markers
// 5. Resume the sensor
//
// Calls are serialized; the port is never shared between two exchanges.
type SerialCamera struct {
	port       uart.Port
	link       *Link
	seq        *Sequencer
	timing     Timing
	blockSize  uint16
	resolution Resolution

	mu sync.Mutex
}

// NewSerialCamera creates a camera driver over an open port. It does not talk
// to the device; call Reset before the first capture.
func NewSerialCamera(port uart.Port, opts ...Option) *SerialCamera {
	c := &SerialCamera{
		port:       port,
		timing:     DefaultTiming(),
		blockSize:  0x1000,
		resolution: QVGA,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.link = NewLink(port, c.timing.Tick)
	c.seq = NewSequencer(c.link, c.timing, c.blockSize)
	c.seq.resolution = c.resolution
	return c
}

// Capture runs one capture attempt. See Sequencer.Capture.
func (c *SerialCamera) Capture(ctx context.Context) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq.Capture(ctx)
}

// Reset issues a system reset and waits for the sensor to restart.
func (c *SerialCamera) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	debug.Verbose("Camera: system reset (wait %v)", c.timing.ResetDelay)
	if err := c.seq.Reset(); err != nil {
		return fmt.Errorf("camera reset: %w", err)
	}
	c.seq.transition(StateIdle)
	return nil
}

// SetResolution writes the image size register.
func (c *SerialCamera) SetResolution(ctx context.Context, r Resolution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	debug.Printf("Camera: setting resolution to %s", r)
	if err := c.writeRegister(RegImageSize, byte(r)); err != nil {
		return fmt.Errorf("set resolution %s: %w", r, err)
	}
	c.resolution = r
	c.seq.resolution = r
	return nil
}

// SetRatio writes the compression ratio register. The sensor only applies
// a new ratio after a reset, so SetRatio resets it.
func (c *SerialCamera) SetRatio(ctx context.Context, ratio byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	debug.Printf("Camera: setting compression ratio to %d", ratio)
	if err := c.writeRegister(RegRatio, ratio); err != nil {
		return fmt.Errorf("set ratio %d: %w", ratio, err)
	}
	if err := c.seq.Reset(); err != nil {
		return fmt.Errorf("set ratio %d: reset: %w", ratio, err)
	}
	return nil
}

// Resolution returns the last resolution written to the sensor.
func (c *SerialCamera) Resolution() Resolution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolution
}

// State returns the last capture state reached.
func (c *SerialCamera) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq.State()
}

// Close releases the port.
func (c *SerialCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	debug.Trace("Camera: closing port")
	return c.port.Close()
}

func (c *SerialCamera) writeRegister(reg, value byte) error {
	resp, err := c.link.Exchange(WriteRegisterCommand(reg, value), c.timing.CommandDelay)
	if err != nil {
		return err
	}
	_, err = Validate(resp, OpWriteData, 0)
	return err
}
