package camera

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedResponse means a reply was missing, too short, or its header
	// did not match the command that was sent.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrLinkStalled means the transport delivered zero bytes while more were
	// expected. The inbound buffer has been discarded.
	ErrLinkStalled = errors.New("link stalled")

	// ErrFrameCorrupt means a complete payload lacked the JPEG start or end marker.
	ErrFrameCorrupt = errors.New("frame corrupt")

	// ErrNoFrame means the sensor reported an empty frame buffer. It is a
	// legitimate empty state, not a device fault.
	ErrNoFrame = errors.New("no frame pending")

	// ErrShortWrite means the transport accepted fewer bytes than the command length.
	ErrShortWrite = errors.New("short write")
)

// ProtocolError describes a failed command/response exchange.
type ProtocolError struct {
	// Op is the command that failed, e.g. "get frame length".
	Op string

	// Err is the underlying cause (one of the sentinels above or a transport error).
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// CaptureError is returned by the sequencer when a capture attempt failed.
// State is where the attempt stopped. Recovered reports whether the device
// was left in a known state (either no reset was needed or the reset succeeded).
type CaptureError struct {
	State     State
	Err       error
	Recovered bool
}

func (e *CaptureError) Error() string {
	if e.Recovered {
		return fmt.Sprintf("capture failed in %s: %v", e.State, e.Err)
	}
	return fmt.Sprintf("capture failed in %s (device not recovered): %v", e.State, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// IsRecovered reports whether err is a CaptureError that left the device usable.
func IsRecovered(err error) bool {
	var ce *CaptureError
	return errors.As(err, &ce) && ce.Recovered
}
