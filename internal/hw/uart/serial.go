package uart

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/SerCam/internal/debug"
	"go.bug.st/serial"
)

// ErrClosed is returned by operations on a closed port.
var ErrClosed = errors.New("uart: port closed")

// pumpPoll bounds how long the background reader blocks in the driver, so
// Close is observed promptly.
const pumpPoll = 20 * time.Millisecond

// SerialPort is a Port backed by a go.bug.st/serial device.
//
// The driver has no "bytes available" primitive, so a pump goroutine drains
// the device into an in-memory buffer that Read and Buffered work from.
type SerialPort struct {
	port        serial.Port
	readTimeout time.Duration

	mu     sync.Mutex
	buf    bytes.Buffer
	gen    uint64 // bumped by DiscardInbound
	err    error
	closed bool

	notify chan struct{}
	done   chan struct{}
}

// Open opens the serial device at path with the given options.
func Open(path string, opts Options) (*SerialPort, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	debug.Info("Opening serial port %s (%d %d%s%d)", path, opts.BaudRate, opts.DataBits, opts.Parity, opts.StopBits)
	debug.Verbose("UART read timeout %v, write timeout %v (not enforced)", opts.ReadTimeout, opts.WriteTimeout)

	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return newSerialPort(p, opts.ReadTimeout)
}

func newSerialPort(p serial.Port, readTimeout time.Duration) (*SerialPort, error) {
	if err := p.SetReadTimeout(pumpPoll); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	s := &SerialPort{
		port:        p,
		readTimeout: readTimeout,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

func (s *SerialPort) pump() {
	defer close(s.done)
	chunk := make([]byte, 512)
	for {
		s.mu.Lock()
		gen := s.gen
		s.mu.Unlock()

		n, err := s.port.Read(chunk)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		// A discard ran while the chunk was in flight: it is stale.
		if n > 0 && gen != s.gen {
			debug.Trace("UART: dropped %d bytes read across a discard", n)
			n = 0
		}
		if n > 0 {
			s.buf.Write(chunk[:n])
		}
		if err != nil {
			s.err = err
		}
		s.mu.Unlock()

		if n > 0 || err != nil {
			s.signal()
		}
		if err != nil {
			debug.Error(fmt.Errorf("uart read: %w", err))
			return
		}
	}
}

func (s *SerialPort) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Read copies buffered bytes into p. It waits up to the read timeout for the
// first byte and returns (0, nil) if none arrives.
func (s *SerialPort) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	timer := time.NewTimer(s.readTimeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.buf.Len() > 0 {
			n, _ := s.buf.Read(p)
			s.mu.Unlock()
			return n, nil
		}
		if s.closed {
			s.mu.Unlock()
			return 0, ErrClosed
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return 0, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-timer.C:
			return 0, nil
		}
	}
}

// Write sends p to the device.
func (s *SerialPort) Write(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	return s.port.Write(p)
}

// Buffered reports how many received bytes are waiting to be read.
func (s *SerialPort) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// DiscardInbound flushes the driver input queue and the local buffer. Bytes
// the pump took off the line before the flush are dropped as well.
func (s *SerialPort) DiscardInbound() error {
	err := s.port.ResetInputBuffer()
	s.mu.Lock()
	s.gen++
	s.buf.Reset()
	s.mu.Unlock()
	return err
}

// DiscardOutbound flushes the driver output queue.
func (s *SerialPort) DiscardOutbound() error {
	return s.port.ResetOutputBuffer()
}

// Close stops the pump and closes the device.
func (s *SerialPort) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.port.Close()
	s.signal()
	<-s.done
	return err
}
