package camera

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/SerCam/internal/debug"
	"github.com/google/uuid"
)

// State is a step of one capture attempt.
type State int

const (
	StateIdle        State = iota // nothing in flight
	StateStopped                  // sensor frame buffer frozen
	StateLengthKnown              // pending frame size decoded
	StateFilled                   // payload read into a fresh buffer
	StateVerified                 // JPEG markers checked
	StateResumed                  // sensor released to the next frame
	StateReset                    // recovery reset issued
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStopped:
		return "stopped"
	case StateLengthKnown:
		return "length-known"
	case StateFilled:
		return "filled"
	case StateVerified:
		return "verified"
	case StateResumed:
		return "resumed"
	case StateReset:
		return "reset"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MaxFrameLength bounds the length the sensor may report. A larger value can
// only come from a desynchronized stream.
const MaxFrameLength = 1 << 20

// Timing holds the fixed protocol delays.
type Timing struct {
	CommandDelay time.Duration // settle time before reading a command reply
	ResetDelay   time.Duration // wait after a system reset
	ReadDelay    time.Duration // wait after the read-frame command
	Tick         time.Duration // pause between partial reads
}

// DefaultTiming returns the delays recommended for the sensor at 115200 baud.
func DefaultTiming() Timing {
	return Timing{
		CommandDelay: 50 * time.Millisecond,
		ResetDelay:   time.Second,
		ReadDelay:    10 * time.Millisecond,
		Tick:         time.Millisecond,
	}
}

// Sequencer runs the capture handshake
// (stop frame -> query length -> read payload -> verify -> resume) and resets
// the device when the byte stream can no longer be trusted.
//
// A Sequencer is not safe for concurrent use.
type Sequencer struct {
	link       *Link
	timing     Timing
	blockSize  uint16
	resolution Resolution

	state State
	size  int // length of the frame in flight, 0 when none
}

// NewSequencer creates a sequencer over link.
func NewSequencer(link *Link, timing Timing, blockSize uint16) *Sequencer {
	if blockSize == 0 {
		blockSize = 0x1000
	}
	return &Sequencer{
		link:       link,
		timing:     timing,
		blockSize:  blockSize,
		resolution: QVGA,
	}
}

// State returns the last state reached.
func (s *Sequencer) State() State {
	return s.state
}

func (s *Sequencer) transition(to State) {
	if s.state != to {
		debug.State(s.state, to)
	}
	s.state = to
}

// Capture runs one capture attempt.
//
// It returns ErrNoFrame when the sensor has nothing pending. Any other
// failure is a *CaptureError; whenever the stream may be desynchronized the
// device has been reset before Capture returns.
func (s *Sequencer) Capture(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.transition(StateIdle)
	s.size = 0

	if err := s.stopFrame(); err != nil {
		// Nothing was read yet; the next cycle starts over.
		return nil, &CaptureError{State: StateIdle, Err: err, Recovered: true}
	}
	s.transition(StateStopped)

	length, err := s.frameLength()
	if err != nil {
		return nil, s.recover(StateStopped, err)
	}
	if length == 0 {
		s.transition(StateIdle)
		return nil, ErrNoFrame
	}
	s.size = int(length)
	s.transition(StateLengthKnown)

	data := make([]byte, s.size)
	if err := s.readFrame(data); err != nil {
		return nil, s.recover(StateLengthKnown, err)
	}
	s.transition(StateFilled)

	if err := CheckMarkers(data, s.size); err != nil {
		return nil, s.recover(StateFilled, err)
	}
	s.transition(StateVerified)

	if err := s.resumeFrame(); err != nil {
		return nil, s.recover(StateVerified, err)
	}
	s.transition(StateResumed)
	s.size = 0

	return &Frame{
		ID:         uuid.New(),
		Data:       data,
		Resolution: s.resolution,
		CapturedAt: time.Now(),
	}, nil
}

// Reset issues a system reset and waits for the sensor to come back.
func (s *Sequencer) Reset() error {
	s.size = 0
	resp, err := s.link.Exchange(ResetCommand(), s.timing.ResetDelay)
	if err != nil {
		return err
	}
	_, err = Validate(resp, OpSystemReset, 0)
	return err
}

func (s *Sequencer) recover(from State, cause error) error {
	s.transition(StateReset)
	debug.Live("Capture failed in %s, resetting camera: %v", from, cause)
	if err := s.Reset(); err != nil {
		return &CaptureError{
			State: from,
			Err:   errors.Join(cause, fmt.Errorf("reset: %w", err)),
		}
	}
	return &CaptureError{State: from, Err: cause, Recovered: true}
}

func (s *Sequencer) stopFrame() error {
	resp, err := s.link.Exchange(StopFrameCommand(), s.timing.CommandDelay)
	if err != nil {
		return err
	}
	_, err = Validate(resp, OpFrameControl, 0)
	return err
}

func (s *Sequencer) frameLength() (uint32, error) {
	resp, err := s.link.Exchange(FrameLengthCommand(), s.timing.CommandDelay)
	if err != nil {
		return 0, err
	}
	payload, err := Validate(resp, OpFrameLength, 4)
	if err != nil {
		return 0, err
	}
	length, err := DecodeLength(payload)
	if err != nil {
		return 0, err
	}
	if length > MaxFrameLength {
		return 0, &ProtocolError{Op: OpFrameLength.String(), Err: fmt.Errorf("%w: length %d exceeds %d",
			ErrMalformedResponse, length, MaxFrameLength)}
	}
	debug.Verbose("Capture: frame length %d bytes", length)
	return length, nil
}

// readFrame reads [header][payload][trailer] into data.
func (s *Sequencer) readFrame(data []byte) error {
	if err := s.link.Discard(); err != nil {
		return &ProtocolError{Op: OpReadFrame.String(), Err: fmt.Errorf("discard: %w", err)}
	}
	if err := s.link.Send(ReadFrameCommand(uint32(len(data)), s.blockSize)); err != nil {
		return err
	}
	time.Sleep(s.timing.ReadDelay)

	header, err := s.link.ReadExact(HeaderLen)
	if err != nil {
		return &ProtocolError{Op: OpReadFrame.String(), Err: fmt.Errorf("header: %w", err)}
	}
	if _, err := Validate(header, OpReadFrame, 0); err != nil {
		return err
	}
	if err := s.link.ReadFull(data); err != nil {
		return &ProtocolError{Op: OpReadFrame.String(), Err: fmt.Errorf("payload: %w", err)}
	}
	trailer, err := s.link.ReadExact(HeaderLen)
	if err != nil {
		return &ProtocolError{Op: OpReadFrame.String(), Err: fmt.Errorf("trailer: %w", err)}
	}
	_, err = Validate(trailer, OpReadFrame, 0)
	return err
}

func (s *Sequencer) resumeFrame() error {
	if err := s.link.Discard(); err != nil {
		return &ProtocolError{Op: OpFrameControl.String(), Err: fmt.Errorf("discard: %w", err)}
	}
	if err := s.link.Send(ResumeFrameCommand()); err != nil {
		return err
	}
	reply, err := s.link.ReadExact(HeaderLen)
	if err != nil {
		return &ProtocolError{Op: OpFrameControl.String(), Err: fmt.Errorf("resume: %w", err)}
	}
	_, err = Validate(reply, OpFrameControl, 0)
	return err
}
