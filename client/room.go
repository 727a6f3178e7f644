package client

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Polqt/lively/crdtnode"
	"github.com/Polqt/lively/presence"
	"github.com/Polqt/lively/storage"
	"github.com/Polqt/lively/wire"
)

const cursorThrottleInterval = 40 * time.Millisecond

// Room is the client-side mirror of one server room: a connection, a
// local copy of the room's CRDT storage document, presence/cursor
// bookkeeping, and the event/state side channels, all updated from
// messages delivered on the Connection's read loop.
type Room struct {
	id   string
	self string // this client's userId, learned from the presence frame's You field

	conn *Connection
	doc  *storage.Document
	pres *presence.Store
	log  *zap.SugaredLogger

	mu       sync.Mutex
	pending  []crdtnode.Op // ops emitted since the last sendStorageOps flush
	state    map[string]wire.StateEntry
	yjsSink  func([]byte)
	stateCBs []func(wire.StateEntry)
	eventCBs []func(map[string]any)
	shutdown []func()

	cursor *cursorThrottle
}

// Join opens a Connection to url and returns a Room that mirrors it.
// actor identifies this replica's Lamport clock ownership for the life of
// the Room; it need not match the server's userId, and the userId learned
// from the presence frame does not replace it.
func Join(url, actor string, log *zap.SugaredLogger) *Room {
	r := &Room{
		conn:  NewConnection(url, log),
		doc:   storage.New(actor),
		pres:  presence.NewStore(),
		log:   log,
		state: make(map[string]wire.StateEntry),
	}
	r.doc.OnLocalOp(r.collectOp)
	r.cursor = &cursorThrottle{interval: cursorThrottleInterval, send: r.sendCursor}
	r.conn.OnMessage(r.handleMessage)
	r.conn.Start()
	return r
}

// Storage exposes the local document for Subscribe/accessor use.
func (r *Room) Storage() *storage.Document { return r.doc }

// Presence exposes the local presence/cursor mirror.
func (r *Room) Presence() *presence.Store { return r.pres }

// Connection exposes the underlying connection, e.g. for status
// subscriptions.
func (r *Room) Connection() *Connection { return r.conn }

// collectOp is installed as the document's OnLocalOp hook; it buffers
// ops emitted by the currently-running Mutate/Undo/Redo call so they can
// be shipped as one storage:ops frame once it completes.
func (r *Room) collectOp(op crdtnode.Op) {
	r.mu.Lock()
	r.pending = append(r.pending, op)
	r.mu.Unlock()
}

func (r *Room) takePending() []crdtnode.Op {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	return batch
}

// Mutate runs fn inside the document's mutation scope and, if it
// succeeds and produced any ops, ships them to the server as one
// storage:ops frame.
func (r *Room) Mutate(fn func(root *crdtnode.Object) error) error {
	r.takePending()
	err := r.doc.Mutate(fn)
	batch := r.takePending()
	if err != nil {
		return err
	}
	if len(batch) > 0 {
		return r.sendStorageOps(batch)
	}
	return nil
}

// Undo pops and applies the top undo batch, shipping the resulting
// inverse ops to the server.
func (r *Room) Undo() bool {
	r.takePending()
	ok := r.doc.Undo()
	if batch := r.takePending(); ok && len(batch) > 0 {
		_ = r.sendStorageOps(batch)
	}
	return ok
}

// Redo is Undo's mirror.
func (r *Room) Redo() bool {
	r.takePending()
	ok := r.doc.Redo()
	if batch := r.takePending(); ok && len(batch) > 0 {
		_ = r.sendStorageOps(batch)
	}
	return ok
}

func (r *Room) sendStorageOps(ops []crdtnode.Op) error {
	return r.sendEncoded(wire.TypeStorageOps, wire.StorageOpsPayload{
		Ops: ops, Actor: r.doc.Actor(), BaseClock: r.doc.ClockCounter(),
	}, true)
}

func (r *Room) sendEncoded(t wire.Type, payload any, critical bool) error {
	b, err := wire.Encode(t, payload)
	if err != nil {
		return fmt.Errorf("client: encode %s: %w", t, err)
	}
	return r.conn.Send(b, critical)
}

// UpdatePresence sends a presence:update patch for this client's own
// record.
func (r *Room) UpdatePresence(patch wire.PresenceUpdatePayload) error {
	return r.sendEncoded(wire.TypePresenceUpdate, patch, true)
}

// UpdateCursor reports a local pointer move, throttled to at most one
// outbound frame per cursorThrottleInterval with the latest call's
// position winning.
func (r *Room) UpdateCursor(x, y float64, viewportX, viewportY, viewportScale float64) {
	r.cursor.Update(wire.CursorUpdatePayload{
		X: x, Y: y, LastUpdate: time.Now().UnixMilli(),
		ViewportPosX: viewportX, ViewportPosY: viewportY, ViewportScale: viewportScale,
	})
}

// Send broadcasts an application-defined event to every other room
// member.
func (r *Room) Send(event map[string]any) error {
	return r.sendEncoded(wire.TypeEvent, wire.EventPayload{Event: event}, true)
}

// SetState publishes one ephemeral live-state key/value pair, LWW by
// (timestamp, userId) on the server.
func (r *Room) SetState(key string, value any) error {
	r.mu.Lock()
	entry := wire.StateEntry{Key: key, Value: value, UpdatedAt: time.Now().UnixMilli(), UserID: r.self}
	r.state[key] = entry
	r.mu.Unlock()
	return r.sendEncoded(wire.TypeStateUpdate, wire.StateUpdatePayload{Entry: entry}, true)
}

// OnStateChange registers a callback fired whenever any ephemeral
// live-state key changes (locally applied or received).
func (r *Room) OnStateChange(fn func(wire.StateEntry)) {
	r.mu.Lock()
	r.stateCBs = append(r.stateCBs, fn)
	r.mu.Unlock()
}

// OnEvent registers a callback fired for every inbound broadcast event.
func (r *Room) OnEvent(fn func(map[string]any)) {
	r.mu.Lock()
	r.eventCBs = append(r.eventCBs, fn)
	r.mu.Unlock()
}

// OnYjsPayload registers the sink that receives opaque secondary-CRDT
// bytes from yjs:sync/yjs:update frames, unparsed.
func (r *Room) OnYjsPayload(fn func([]byte)) {
	r.mu.Lock()
	r.yjsSink = fn
	r.mu.Unlock()
}

// SendYjsUpdate forwards an opaque secondary-CRDT update to the server
// for merging and rebroadcast.
func (r *Room) SendYjsUpdate(payload []byte) error {
	return r.sendEncoded(wire.TypeYjsUpdate, wire.YjsPayload{Payload: payload}, true)
}

// OnServerShutdown registers a callback fired when the server announces
// a graceful shutdown.
func (r *Room) OnServerShutdown(fn func()) {
	r.mu.Lock()
	r.shutdown = append(r.shutdown, fn)
	r.mu.Unlock()
}

// Leave cancels any pending reconnect and tears the connection down.
// Subscribers are not released here; callers that also own document
// subscriptions should cancel them separately.
func (r *Room) Leave() {
	r.conn.Stop()
}

func (r *Room) sendCursor(p wire.CursorUpdatePayload) {
	_ = r.sendEncoded(wire.TypeCursorUpdate, p, false)
}

// handleMessage is the Connection's OnMessage callback: it decodes the
// envelope and dispatches by Type per spec §4.5.
func (r *Room) handleMessage(raw []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if r.log != nil {
			r.log.Warnw("bad envelope json", "err", err)
		}
		return
	}

	switch env.Type {
	case wire.TypeStorageInit:
		var p wire.StorageInitPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		r.doc.ResetFromSnapshot(p.Root, r.doc.Actor(), 0)

	case wire.TypeStorageOps:
		var p wire.StorageOpsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		r.doc.ApplyRemoteBatch(p.Ops)

	case wire.TypePresence:
		var p wire.PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if p.You != "" {
			r.mu.Lock()
			r.self = p.You
			r.mu.Unlock()
		}
		r.pres.Replace("", p.Users)

	case wire.TypeCursorUpdate:
		var p wire.CursorUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		r.pres.SetCursor("", presence.Cursor{
			UserID: p.UserID, DisplayName: p.DisplayName, Color: p.Color,
			X: p.X, Y: p.Y, LastUpdate: p.LastUpdate,
			ViewportPosX: p.ViewportPosX, ViewportPosY: p.ViewportPosY, ViewportScale: p.ViewportScale,
		})

	case wire.TypeStateInit:
		var p wire.StateInitPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		r.mu.Lock()
		for _, e := range p.Entries {
			r.state[e.Key] = e
		}
		cbs := append([]func(wire.StateEntry){}, r.stateCBs...)
		r.mu.Unlock()
		for _, e := range p.Entries {
			for _, cb := range cbs {
				cb(e)
			}
		}

	case wire.TypeStateUpdate:
		var p wire.StateUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		r.mu.Lock()
		r.state[p.Entry.Key] = p.Entry
		cbs := append([]func(wire.StateEntry){}, r.stateCBs...)
		r.mu.Unlock()
		for _, cb := range cbs {
			cb(p.Entry)
		}

	case wire.TypeEvent:
		var p wire.EventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		r.mu.Lock()
		cbs := append([]func(map[string]any){}, r.eventCBs...)
		r.mu.Unlock()
		for _, cb := range cbs {
			cb(p.Event)
		}

	case wire.TypeYjsSync, wire.TypeYjsUpdate:
		var p wire.YjsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		r.mu.Lock()
		sink := r.yjsSink
		r.mu.Unlock()
		if sink != nil {
			sink(p.Payload)
		}

	case wire.TypeServerShutdown:
		r.mu.Lock()
		cbs := append([]func(){}, r.shutdown...)
		r.mu.Unlock()
		for _, cb := range cbs {
			cb()
		}

	default:
		if r.log != nil {
			r.log.Warnw("unknown message type, dropping frame", "type", env.Type)
		}
	}
}
