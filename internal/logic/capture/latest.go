package capture

import (
	"sync/atomic"

	"github.com/cjeanneret/SerCam/internal/hw/camera"
)

// slot is an immutable snapshot of the latest frame cell.
type slot struct {
	frame *camera.Frame
	ready bool // not yet taken
}

// latestFrame holds the most recently published frame. Readers never see a
// frame being written: a new slot replaces the old one atomically.
type latestFrame struct {
	p atomic.Pointer[slot]
}

func (l *latestFrame) publish(f *camera.Frame) {
	l.p.Store(&slot{frame: f, ready: true})
}

// clear drops the frame entirely.
func (l *latestFrame) clear() {
	l.p.Store(nil)
}

// clearReady keeps the frame for peeking but marks it as already taken.
func (l *latestFrame) clearReady() {
	for {
		old := l.p.Load()
		if old == nil || !old.ready {
			return
		}
		if l.p.CompareAndSwap(old, &slot{frame: old.frame}) {
			return
		}
	}
}

func (l *latestFrame) ready() bool {
	s := l.p.Load()
	return s != nil && s.ready
}

// take returns the frame once per publish.
func (l *latestFrame) take() (*camera.Frame, bool) {
	for {
		old := l.p.Load()
		if old == nil || !old.ready {
			return nil, false
		}
		if l.p.CompareAndSwap(old, &slot{frame: old.frame}) {
			return old.frame, true
		}
	}
}

// peek returns the latest frame, taken or not.
func (l *latestFrame) peek() *camera.Frame {
	if s := l.p.Load(); s != nil {
		return s.frame
	}
	return nil
}
