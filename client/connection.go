// Package client is the browser/host-side synchronization runtime: a
// reconnecting WebSocket connection, a local mirror of a room's CRDT
// storage document, presence/cursor bookkeeping, and an activity
// tracker. Inbound frames are handled on the connection's read
// goroutine, status and cursor callbacks run on goroutines of their own,
// and the storage document serializes every mutation behind its own lock.
package client

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the connection's lifecycle state.
type State string

const (
	Idle         State = "idle"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
	Disconnected State = "disconnected"
)

const (
	heartbeatInterval  = 20 * time.Second
	maxOutboundBytes   = 1 << 20 // 1 MiB
	lostConnectionTrip = 5       // failed attempts before lost-connection fires
)

// ErrQueueFull is returned by Send when the outbound queue is at its
// 1 MiB bound and no non-critical frame could be evicted to make room.
type queueFullError struct{}

func (queueFullError) Error() string { return "client: outbound queue full" }

// ErrQueueFull is the sentinel returned when Send cannot make room.
var ErrQueueFull error = queueFullError{}

type queuedFrame struct {
	data     []byte
	critical bool
}

// Connection drives one WebSocket's lifecycle: Idle → Connecting →
// Connected → Reconnecting → (Connected | Disconnected), with geometric
// -with-jitter backoff reconnect and an in-order bounded outbound queue.
type Connection struct {
	url    string
	dialer *websocket.Dialer
	log    *zap.SugaredLogger

	mu           sync.Mutex
	conn         *websocket.Conn
	state        State
	stopped      bool
	reconnectSeq int // bumped on Stop so a stale timer fires into a no-op

	backoff        *backoff.ExponentialBackOff
	failedAttempts int

	queue      []queuedFrame
	queueBytes int

	onMessage        func([]byte)
	onStatus         func(State)
	onLostConnection func()
}

// NewConnection builds a Connection for url. Call Start to begin dialing.
func NewConnection(url string, log *zap.SugaredLogger) *Connection {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 15 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0 // reconnection continues indefinitely unless Stop is called

	return &Connection{
		url:     url,
		dialer:  websocket.DefaultDialer,
		log:     log,
		state:   Idle,
		backoff: b,
	}
}

// OnMessage registers the callback invoked with every inbound text frame.
func (c *Connection) OnMessage(fn func([]byte)) { c.onMessage = fn }

// OnStatus registers the callback invoked on every state transition.
func (c *Connection) OnStatus(fn func(State)) { c.onStatus = fn }

// OnLostConnection registers the callback fired once reconnection has
// failed lostConnectionTrip times in a row. Reconnection keeps retrying
// afterward; this is a notification, not a terminal state.
func (c *Connection) OnLostConnection(fn func()) { c.onLostConnection = fn }

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins dialing. Calling Start more than once, or after Stop, is a
// no-op.
func (c *Connection) Start() {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return
	}
	c.setState(Connecting)
	c.mu.Unlock()
	go c.dial()
}

// Stop is the terminal transition: it cancels any in-flight reconnect,
// closes the socket, and leaves the connection Disconnected for good.
func (c *Connection) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.reconnectSeq++
	conn := c.conn
	c.conn = nil
	c.setState(Disconnected)
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Send enqueues b for delivery (or writes it immediately if Connected).
// While not Connected, frames queue in order up to a 1 MiB bound;
// overflow evicts the oldest non-critical frame first (cursor updates
// are the only non-critical traffic Lively sends), and only errors if
// nothing non-critical is left to evict.
func (c *Connection) Send(b []byte, critical bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Connected && len(c.queue) == 0 {
		conn := c.conn
		c.mu.Unlock()
		err := c.writeFrame(conn, b)
		c.mu.Lock()
		if err == nil {
			return nil
		}
		// Fall through to queuing: the read loop will discover the
		// broken socket on its own and trigger reconnect.
	}

	if err := c.makeRoom(len(b), critical); err != nil {
		return err
	}
	c.queue = append(c.queue, queuedFrame{data: b, critical: critical})
	c.queueBytes += len(b)
	return nil
}

// makeRoom evicts oldest non-critical frames until adding size bytes fits
// within maxOutboundBytes, or reports ErrQueueFull if nothing non
// -critical is left to evict.
func (c *Connection) makeRoom(size int, critical bool) error {
	for c.queueBytes+size > maxOutboundBytes {
		idx := -1
		for i, f := range c.queue {
			if !f.critical {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrQueueFull
		}
		c.queueBytes -= len(c.queue[idx].data)
		c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
	}
	return nil
}

func (c *Connection) writeFrame(conn *websocket.Conn, b []byte) error {
	if conn == nil {
		return queueFullError{}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Connection) setState(s State) {
	c.state = s
	if c.onStatus != nil {
		cb := c.onStatus
		go cb(s)
	}
}

func (c *Connection) dial() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	url := c.url
	c.mu.Unlock()

	conn, _, err := c.dialer.Dial(url, nil)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		if c.log != nil {
			c.log.Warnw("dial failed", "err", err)
		}
		c.scheduleReconnect()
		return
	}

	c.conn = conn
	c.backoff.Reset()
	c.failedAttempts = 0
	c.setState(Connected)
	c.flushQueue()
	seq := c.reconnectSeq
	c.mu.Unlock()

	go c.heartbeatLoop(conn, seq)
	c.readLoop(conn, seq)
}

// flushQueue writes every queued frame in order. Called with mu held; it
// releases the lock for the duration of the writes so a failing write
// doesn't deadlock with the caller of Send. If a write fails, that frame
// and every frame after it go back to the head of the queue.
func (c *Connection) flushQueue() {
	pending := c.queue
	c.queue = nil
	c.queueBytes = 0
	conn := c.conn
	c.mu.Unlock()
	for i, f := range pending {
		if err := c.writeFrame(conn, f.data); err != nil {
			c.mu.Lock()
			c.queue = append(append([]queuedFrame{}, pending[i:]...), c.queue...)
			for _, p := range pending[i:] {
				c.queueBytes += len(p.data)
			}
			return
		}
	}
	c.mu.Lock()
}

func (c *Connection) heartbeatLoop(conn *websocket.Conn, seq int) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		if c.stopped || c.reconnectSeq != seq || c.state != Connected {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if err := c.Send([]byte(`{"type":"heartbeat"}`), true); err != nil && c.log != nil {
			c.log.Warnw("heartbeat send failed", "err", err)
		}
	}
}

func (c *Connection) readLoop(conn *websocket.Conn, seq int) {
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(seq)
			return
		}
		if c.onMessage != nil {
			c.onMessage(b)
		}
	}
}

func (c *Connection) handleDisconnect(seq int) {
	c.mu.Lock()
	if c.stopped || c.reconnectSeq != seq {
		c.mu.Unlock()
		return
	}
	if c.state == Connected {
		c.setState(Reconnecting)
	}
	c.mu.Unlock()
	c.scheduleReconnect()
}

// scheduleReconnect schedules the next dial attempt after a geometric
// -with-jitter backoff delay. Cancellation is cooperative: the timer
// closure checks reconnectSeq when it fires, so a Stop() that raced the
// timer simply makes it a no-op.
func (c *Connection) scheduleReconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.failedAttempts++
	if c.failedAttempts == lostConnectionTrip && c.onLostConnection != nil {
		cb := c.onLostConnection
		go cb()
	}
	if c.state != Reconnecting {
		c.setState(Reconnecting)
	}
	delay := c.backoff.NextBackOff()
	seq := c.reconnectSeq
	c.mu.Unlock()

	time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.stopped || c.reconnectSeq != seq {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.dial()
	})
}
