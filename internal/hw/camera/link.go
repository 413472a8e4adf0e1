package camera

import (
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/SerCam/internal/debug"
	"github.com/cjeanneret/SerCam/internal/hw/uart"
)

// Link drains the transport on behalf of the sequencer: it sends commands,
// clears stale bytes and reads exact byte counts with stall detection.
type Link struct {
	port uart.Port
	tick time.Duration // pause after a partial read
}

// NewLink wraps port. tick is the pause between partial reads; if 0,
// defaults to 1ms.
func NewLink(port uart.Port, tick time.Duration) *Link {
	if tick <= 0 {
		tick = time.Millisecond
	}
	return &Link{port: port, tick: tick}
}

// Discard clears both inbound and outbound transport buffers so a stale
// reply from an aborted exchange cannot be taken for the next one.
func (l *Link) Discard() error {
	return errors.Join(l.port.DiscardInbound(), l.port.DiscardOutbound())
}

// Send writes cmd in full.
func (l *Link) Send(cmd Command) error {
	debug.Bytes(">>", cmd)
	n, err := l.port.Write(cmd)
	if err != nil {
		return &ProtocolError{Op: cmd.Opcode().String(), Err: err}
	}
	if n != len(cmd) {
		return &ProtocolError{Op: cmd.Opcode().String(), Err: fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, n, len(cmd))}
	}
	return nil
}

// ReadAvailable returns whatever the transport has buffered right now,
// possibly nothing. It does not wait for more bytes to arrive.
func (l *Link) ReadAvailable() ([]byte, error) {
	n := l.port.Buffered()
	if n == 0 {
		return nil, nil
	}
	return l.ReadExact(n)
}

// ReadExact reads exactly count bytes or fails.
func (l *Link) ReadExact(count int) ([]byte, error) {
	buf := make([]byte, count)
	if err := l.ReadFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadFull fills dst completely. A read that returns zero bytes discards the
// inbound buffer and fails with ErrLinkStalled; a short result is never
// accepted.
func (l *Link) ReadFull(dst []byte) error {
	count := len(dst)
	off := 0
	for off < count {
		n, err := l.port.Read(dst[off:])
		if err != nil {
			return fmt.Errorf("read %d of %d bytes: %w", off, count, err)
		}
		if n == 0 {
			_ = l.port.DiscardInbound()
			return fmt.Errorf("%w after %d of %d bytes", ErrLinkStalled, off, count)
		}
		off += n
		if off < count {
			time.Sleep(l.tick)
		}
	}
	debug.Bytes("<<", dst)
	return nil
}

// Exchange clears the line, sends cmd, waits settle and returns the reply
// bytes buffered at that point.
func (l *Link) Exchange(cmd Command, settle time.Duration) ([]byte, error) {
	if err := l.Discard(); err != nil {
		return nil, &ProtocolError{Op: cmd.Opcode().String(), Err: fmt.Errorf("discard: %w", err)}
	}
	if err := l.Send(cmd); err != nil {
		return nil, err
	}
	time.Sleep(settle)
	return l.ReadAvailable()
}
