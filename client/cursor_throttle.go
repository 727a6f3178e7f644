package client

import (
	"sync"
	"time"

	"github.com/Polqt/lively/wire"
)

// cursorThrottle coalesces local cursor moves to at most one outbound
// frame per interval, with the latest call before each tick winning.
type cursorThrottle struct {
	interval time.Duration
	send     func(wire.CursorUpdatePayload)

	mu      sync.Mutex
	last    time.Time
	timer   *time.Timer
	pending *wire.CursorUpdatePayload
}

// Update records a new local cursor position, sending it immediately if
// the interval has elapsed since the last send, or scheduling it for the
// remainder of the interval otherwise.
func (t *cursorThrottle) Update(p wire.CursorUpdatePayload) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if t.last.IsZero() || now.Sub(t.last) >= t.interval {
		t.last = now
		t.pending = nil
		go t.send(p)
		return
	}

	t.pending = &p
	if t.timer == nil {
		t.timer = time.AfterFunc(t.interval-now.Sub(t.last), t.fire)
	}
}

func (t *cursorThrottle) fire() {
	t.mu.Lock()
	p := t.pending
	t.pending = nil
	t.timer = nil
	t.last = time.Now()
	t.mu.Unlock()

	if p != nil {
		t.send(*p)
	}
}
