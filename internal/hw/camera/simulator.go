package camera

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"sync"

	"github.com/cjeanneret/SerCam/internal/debug"
	"github.com/cjeanneret/SerCam/internal/hw/uart"
)

// Fault is a one-shot misbehaviour injected into the Simulator.
type Fault int

const (
	FaultNone          Fault = iota
	FaultCorruptStart        // payload does not start with FFD8
	FaultCorruptEnd          // payload does not end with FFD9
	FaultTruncate            // read-frame reply stops halfway through the payload
	FaultStall               // read-frame command gets no reply at all
	FaultZeroLength          // length query reports an empty buffer
	FaultMalformedStop       // stop-frame reply carries a wrong status byte
	FaultResetSilent         // reset command gets no reply
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultCorruptStart:
		return "corrupt-start"
	case FaultCorruptEnd:
		return "corrupt-end"
	case FaultTruncate:
		return "truncate"
	case FaultStall:
		return "stall"
	case FaultZeroLength:
		return "zero-length"
	case FaultMalformedStop:
		return "malformed-stop"
	case FaultResetSilent:
		return "reset-silent"
	default:
		return "unknown"
	}
}

// target returns the opcode a fault applies to.
func (f Fault) target() Opcode {
	switch f {
	case FaultCorruptStart, FaultCorruptEnd, FaultTruncate, FaultStall:
		return OpReadFrame
	case FaultZeroLength:
		return OpFrameLength
	case FaultMalformedStop:
		return OpFrameControl
	case FaultResetSilent:
		return OpSystemReset
	default:
		return 0
	}
}

// FrameSource produces the JPEG payload for the n-th frame at resolution r.
type FrameSource func(n int, r Resolution) []byte

// GradientSource renders a moving colour gradient and encodes it as JPEG.
func GradientSource(n int, r Resolution) []byte {
	w, h := r.Size()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	shift := n * 8
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x + shift) * 255 / w),
				G: uint8(y * 255 / h),
				B: uint8(255 - (x+shift)*255/w),
				A: 0xFF,
			})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		debug.Error(err)
		return nil
	}
	return buf.Bytes()
}

// Simulator emulates a VC0706 sensor behind a uart.Port. Replies are queued
// synchronously when a command is written, so no delays are needed; the
// camera timings can all be zero in tests.
type Simulator struct {
	// ChunkSize caps the bytes returned by a single Read; 0 means no cap.
	ChunkSize int

	mu         sync.Mutex
	source     FrameSource
	resolution Resolution
	ratio      byte
	inbound    []byte
	frozen     []byte
	frames     int
	faults     []Fault
	commands   []Command
	resets     int
	discards   int
	closed     bool
}

// NewSimulator creates a simulator serving frames from source. A nil source
// selects GradientSource.
func NewSimulator(source FrameSource) *Simulator {
	if source == nil {
		source = GradientSource
	}
	return &Simulator{source: source, resolution: QVGA}
}

// Inject queues faults. Each fault fires once, on the next command it targets,
// in queue order.
func (s *Simulator) Inject(faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, faults...)
}

// Commands returns a copy of every command written so far.
func (s *Simulator) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, len(s.commands))
	for i, c := range s.commands {
		out[i] = append(Command(nil), c...)
	}
	return out
}

// Count returns how many commands with opcode op were written.
func (s *Simulator) Count(op Opcode) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.commands {
		if c.Opcode() == op {
			n++
		}
	}
	return n
}

// Resets returns the number of reset commands answered.
func (s *Simulator) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Discards returns the number of inbound discards requested.
func (s *Simulator) Discards() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discards
}

// Frames returns how many frames were released by a resume command.
func (s *Simulator) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Resolution returns the image size register value.
func (s *Simulator) Resolution() Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolution
}

// Ratio returns the compression ratio register value.
func (s *Simulator) Ratio() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ratio
}

// Read implements uart.Port. It never blocks: with nothing queued it
// behaves like an expired read timeout.
func (s *Simulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, uart.ErrClosed
	}
	n := len(p)
	if s.ChunkSize > 0 && n > s.ChunkSize {
		n = s.ChunkSize
	}
	n = copy(p[:n], s.inbound)
	s.inbound = s.inbound[n:]
	return n, nil
}

// Write implements uart.Port. Each write must carry exactly one command.
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, uart.ErrClosed
	}
	cmd := append(Command(nil), p...)
	s.commands = append(s.commands, cmd)
	s.handle(cmd)
	return len(p), nil
}

// Buffered implements uart.Port.
func (s *Simulator) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbound)
}

// DiscardInbound implements uart.Port.
func (s *Simulator) DiscardInbound() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discards++
	s.inbound = nil
	return nil
}

// DiscardOutbound implements uart.Port.
func (s *Simulator) DiscardOutbound() error {
	return nil
}

// Close implements uart.Port.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// takeFault pops the head of the fault queue if it targets op.
func (s *Simulator) takeFault(op Opcode) Fault {
	if len(s.faults) == 0 || s.faults[0].target() != op {
		return FaultNone
	}
	f := s.faults[0]
	s.faults = s.faults[1:]
	debug.Trace("Simulator: injecting %s", f)
	return f
}

func (s *Simulator) reply(op Opcode, status byte, payload ...byte) {
	s.inbound = append(s.inbound, ResponseMark, SerialNumber, byte(op), status, byte(len(payload)))
	s.inbound = append(s.inbound, payload...)
}

func (s *Simulator) handle(cmd Command) {
	if len(cmd) < 4 || cmd[0] != CommandMark || cmd[1] != SerialNumber || int(cmd[3]) != len(cmd)-4 {
		return
	}
	op := cmd.Opcode()
	params := cmd[4:]

	switch op {
	case OpSystemReset:
		if s.takeFault(op) == FaultResetSilent {
			return
		}
		s.resets++
		s.frozen = nil
		s.reply(op, 0x00)

	case OpFrameControl:
		if len(params) != 1 {
			s.reply(op, 0x02)
			return
		}
		switch params[0] {
		case FrameStopCurrent:
			if s.takeFault(op) == FaultMalformedStop {
				s.reply(op, 0x03)
				return
			}
			if s.frozen == nil {
				s.frozen = s.source(s.frames, s.resolution)
			}
			s.reply(op, 0x00)
		case FrameResumeNext:
			if s.frozen != nil {
				s.frames++
			}
			s.frozen = nil
			s.reply(op, 0x00)
		default:
			s.reply(op, 0x02)
		}

	case OpFrameLength:
		length := uint32(len(s.frozen))
		if s.takeFault(op) == FaultZeroLength {
			length = 0
		}
		payload := make([]byte, 4)
		binary.BigEndian.PutUint32(payload, length)
		s.reply(op, 0x00, payload...)

	case OpReadFrame:
		if len(params) != 12 {
			s.reply(op, 0x02)
			return
		}
		length := int(binary.BigEndian.Uint32(params[6:10]))
		if length > len(s.frozen) {
			length = len(s.frozen)
		}
		data := append([]byte(nil), s.frozen[:length]...)

		fault := s.takeFault(op)
		switch fault {
		case FaultStall:
			return
		case FaultCorruptStart:
			if len(data) > 0 {
				data[0] ^= 0xFF
			}
		case FaultCorruptEnd:
			if len(data) > 0 {
				data[len(data)-1] ^= 0xFF
			}
		}

		s.reply(op, 0x00)
		if fault == FaultTruncate {
			s.inbound = append(s.inbound, data[:len(data)/2]...)
			return
		}
		s.inbound = append(s.inbound, data...)
		s.reply(op, 0x00)

	case OpWriteData:
		if len(params) != 5 {
			s.reply(op, 0x02)
			return
		}
		switch params[3] {
		case RegImageSize:
			s.resolution = Resolution(params[4])
		case RegRatio:
			s.ratio = params[4]
		}
		s.reply(op, 0x00)

	default:
		s.reply(op, 0x01)
	}
}
