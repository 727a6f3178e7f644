// Package server hosts the per-room actor, the room registry, and the
// HTTP/WebSocket front door that routes connections to rooms.
package server

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Polqt/lively/crdtnode"
	"github.com/Polqt/lively/persistence"
	"github.com/Polqt/lively/presence"
	"github.com/Polqt/lively/storage"
	"github.com/Polqt/lively/wire"
)

// Sender is implemented by the transport layer so Room can push frames to
// one connection without depending on gorilla/websocket directly,
// mirroring the teacher's session.Sender seam.
type Sender interface {
	Send(b []byte) error
	Close() error
}

type member struct {
	displayName string
	color       string
	sender      Sender
}

// Room is one named collaboration session's server-side actor: a single
// -consumer command queue guarantees per-room work is never interleaved,
// per spec's concurrency model.
type Room struct {
	id  string
	cfg Config
	cb  Callbacks

	persist persistence.Adapter
	log     *zap.SugaredLogger

	doc   *storage.Document
	pres  *presence.Store
	yjs   []byte
	state map[string]wire.StateEntry

	members map[string]*member

	cmds      chan func()
	stop      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once

	loaded   bool
	dirty    bool
	dirtyYjs bool

	snapshotTimer *time.Timer
	idleTimer     *time.Timer

	onIdleEvict func(roomID string)
}

// NewRoom constructs a room actor and starts its command loop. Call
// Shutdown to stop it.
func NewRoom(id string, cfg Config, cb Callbacks, persist persistence.Adapter, log *zap.SugaredLogger, onIdleEvict func(string)) *Room {
	r := &Room{
		id:          id,
		cfg:         cfg,
		cb:          cb,
		persist:     persist,
		log:         log,
		doc:         storage.New("server:" + id),
		pres:        presence.NewStore(),
		state:       make(map[string]wire.StateEntry),
		members:     make(map[string]*member),
		cmds:        make(chan func(), 64),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		onIdleEvict: onIdleEvict,
	}
	go r.run()
	return r
}

func (r *Room) run() {
	defer close(r.done)
	for {
		select {
		case fn := <-r.cmds:
			fn()
		case <-r.stop:
			return
		}
	}
}

func (r *Room) enqueue(fn func()) {
	select {
	case r.cmds <- fn:
	case <-r.stop:
	}
}

// enqueueSync runs fn on the actor goroutine and blocks until it returns,
// or until the actor has already stopped (e.g. a Leave racing a
// Shutdown), in which case fn is simply never run.
func (r *Room) enqueueSync(fn func()) {
	done := make(chan struct{})
	r.enqueue(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-r.done:
	}
}

func (r *Room) ensureLoaded() {
	if r.loaded {
		return
	}
	r.loaded = true
	if r.cb.InitialStorage != nil {
		if root, err := r.cb.InitialStorage(r.id); err != nil {
			r.log.Errorw("initial storage load failed", "room", r.id, "err", err)
		} else if root != nil {
			r.doc.ResetFromSnapshot(root, "server:"+r.id, 0)
		}
	}
	if r.cb.InitialYjs != nil {
		if yjs, err := r.cb.InitialYjs(r.id); err != nil {
			r.log.Errorw("initial yjs load failed", "room", r.id, "err", err)
		} else {
			r.yjs = yjs
		}
	}
}

// Join admits auth's identity into the room: it loads the snapshot on
// first join, registers the member, broadcasts the refreshed roster, and
// sends the new member its storage:init (and yjs:sync, if a secondary
// CRDT blob exists).
func (r *Room) Join(auth AuthResult, sender Sender) {
	r.enqueueSync(func() {
		r.ensureLoaded()
		r.cancelIdleTimer()

		u := presence.User{
			UserID:       auth.UserID,
			DisplayName:  auth.DisplayName,
			Color:        pickColor(auth.UserID),
			ConnectedAt:  time.Now().UnixMilli(),
			OnlineStatus: presence.Online,
			LastActiveAt: time.Now().UnixMilli(),
			AvatarURL:    auth.AvatarURL,
		}
		r.members[auth.UserID] = &member{
			displayName: auth.DisplayName,
			color:       u.Color,
			sender:      sender,
		}
		r.pres.Put(r.id, u)
		if r.cb.OnJoin != nil {
			r.cb.OnJoin(r.id, u)
		}

		r.broadcastPresence()

		if b, err := wire.Encode(wire.TypeStorageInit, wire.StorageInitPayload{Root: r.doc.Serialize()}); err == nil {
			r.sendTo(auth.UserID, b)
		}
		if r.yjs != nil {
			if b, err := wire.Encode(wire.TypeYjsSync, wire.YjsPayload{Payload: r.yjs}); err == nil {
				r.sendTo(auth.UserID, b)
			}
		}

		entries := make([]wire.StateEntry, 0, len(r.state))
		for _, e := range r.state {
			entries = append(entries, e)
		}
		if b, err := wire.Encode(wire.TypeStateInit, wire.StateInitPayload{Entries: entries}); err == nil {
			r.sendTo(auth.UserID, b)
		}
	})
}

// Leave removes userID from the roster. If the roster becomes empty, the
// room hands its snapshot to persistence at once (the write itself runs in
// the background, see flushSnapshotSync) and schedules idle eviction.
func (r *Room) Leave(userID string) {
	r.enqueueSync(func() {
		m, ok := r.members[userID]
		if !ok {
			return
		}
		delete(r.members, userID)
		u, _ := r.userRecord(userID)
		r.pres.Remove(r.id, userID)
		if r.cb.OnLeave != nil {
			r.cb.OnLeave(r.id, u)
		}
		_ = m.sender.Close()
		r.broadcastPresence()

		if len(r.members) == 0 {
			r.flushSnapshotSync()
			r.scheduleIdleEviction()
		}
	})
}

func (r *Room) userRecord(userID string) (presence.User, bool) {
	for _, u := range r.pres.Users() {
		if u.UserID == userID {
			return u, true
		}
	}
	return presence.User{UserID: userID}, false
}

// HandleStorageOps validates and applies an inbound batch, rebroadcasts
// it to every other member, and marks the room dirty for snapshotting.
func (r *Room) HandleStorageOps(userID string, ops []crdtnode.Op, baseClock uint64) {
	r.enqueue(func() {
		if _, ok := r.members[userID]; !ok {
			return
		}
		valid := make([]crdtnode.Op, 0, len(ops))
		for _, op := range ops {
			if validOp(op) {
				valid = append(valid, op)
			} else {
				r.log.Warnw("dropping malformed op", "room", r.id, "actor", userID, "kind", op.Kind)
			}
		}
		if len(valid) == 0 {
			return
		}
		r.doc.ApplyRemoteBatch(valid)

		b, err := wire.Encode(wire.TypeStorageOps, wire.StorageOpsPayload{Ops: valid, Actor: userID, BaseClock: baseClock})
		if err == nil {
			r.broadcastExcept(userID, b)
		}
		r.markDirty()
	})
}

// validOp rejects ops with an unrecognized kind or a timestamp whose
// counter hasn't started ticking; path shape is otherwise unconstrained,
// since a root-level op legitimately carries an empty path.
func validOp(op crdtnode.Op) bool {
	switch op.Kind {
	case crdtnode.SetField, crdtnode.DeleteField, crdtnode.MapSet, crdtnode.MapDelete,
		crdtnode.ListInsert, crdtnode.ListDelete, crdtnode.ListMove, crdtnode.ReplaceSubtree:
	default:
		return false
	}
	return op.ID.Counter >= 1
}

// HandleCursorUpdate upserts a cursor and fans out the full CursorData to
// every other member.
func (r *Room) HandleCursorUpdate(userID string, c presence.Cursor) {
	r.enqueue(func() {
		m, ok := r.members[userID]
		if !ok {
			return
		}
		c.UserID = userID
		if c.DisplayName == "" {
			c.DisplayName = m.displayName
		}
		if c.Color == "" {
			c.Color = m.color
		}
		if c.LastUpdate == 0 {
			c.LastUpdate = time.Now().UnixMilli()
		}
		r.pres.SetCursor(r.id, c)

		b, err := wire.Encode(wire.TypeCursorUpdate, wire.CursorUpdatePayload{
			UserID: c.UserID, DisplayName: c.DisplayName, Color: c.Color,
			X: c.X, Y: c.Y, LastUpdate: c.LastUpdate,
			ViewportPosX: c.ViewportPosX, ViewportPosY: c.ViewportPosY, ViewportScale: c.ViewportScale,
		})
		if err == nil {
			r.broadcastExcept(userID, b)
		}
	})
}

// HandlePresenceUpdate patches userID's own presence record and
// broadcasts the refreshed roster to everyone.
func (r *Room) HandlePresenceUpdate(userID string, patch wire.PresenceUpdatePayload) {
	r.enqueue(func() {
		if _, ok := r.members[userID]; !ok {
			return
		}
		r.pres.Patch(r.id, userID, func(u presence.User) presence.User {
			if patch.OnlineStatus != nil {
				u.OnlineStatus = *patch.OnlineStatus
			}
			if patch.IsIdle != nil {
				u.IsIdle = *patch.IsIdle
			}
			if patch.Location != nil {
				u.Location = *patch.Location
			}
			if patch.Metadata != nil {
				u.Metadata = patch.Metadata
			}
			u.LastActiveAt = time.Now().UnixMilli()
			return u
		})
		r.broadcastPresence()
	})
}

// HandleEvent fans out an application-defined broadcast event to every
// other member, untouched.
func (r *Room) HandleEvent(userID string, event map[string]any) {
	r.enqueue(func() {
		if _, ok := r.members[userID]; !ok {
			return
		}
		b, err := wire.Encode(wire.TypeEvent, wire.EventPayload{Event: event})
		if err == nil {
			r.broadcastExcept(userID, b)
		}
	})
}

// HandleStateUpdate applies an LWW patch to one ephemeral live-state key
// (by UpdatedAt, tiebroken by UserID) and, if it won, fans it out to
// every other member. Unlike storage ops, live-state never touches the
// persisted snapshot.
func (r *Room) HandleStateUpdate(userID string, entry wire.StateEntry) {
	r.enqueue(func() {
		if _, ok := r.members[userID]; !ok {
			return
		}
		entry.UserID = userID
		if existing, ok := r.state[entry.Key]; ok {
			if entry.UpdatedAt < existing.UpdatedAt {
				return
			}
			if entry.UpdatedAt == existing.UpdatedAt && entry.UserID <= existing.UserID {
				return
			}
		}
		r.state[entry.Key] = entry

		b, err := wire.Encode(wire.TypeStateUpdate, wire.StateUpdatePayload{Entry: entry})
		if err == nil {
			r.broadcastExcept(userID, b)
		}
	})
}

// HandleYjsUpdate merges an opaque secondary-CRDT byte blob into the
// room's stored blob via the host's merge function, rebroadcasts, and
// marks the room dirty.
func (r *Room) HandleYjsUpdate(userID string, payload []byte) {
	r.enqueue(func() {
		if _, ok := r.members[userID]; !ok {
			return
		}
		r.yjs = r.cb.mergeYjs(r.yjs, payload)
		b, err := wire.Encode(wire.TypeYjsUpdate, wire.YjsPayload{Payload: payload})
		if err == nil {
			r.broadcastExcept(userID, b)
		}
		r.markDirty()
		r.dirtyYjs = true
	})
}

// Shutdown broadcasts server:shutdown, flushes the snapshot, closes every
// member's connection, and stops the actor loop.
func (r *Room) Shutdown() {
	r.enqueueSync(func() {
		if b, err := wire.Encode(wire.TypeServerShutdown, nil); err == nil {
			for id := range r.members {
				r.sendTo(id, b)
			}
		}
		r.flushSnapshotSync()
		for _, m := range r.members {
			_ = m.sender.Close()
		}
	})
	close(r.stop)
	<-r.done
}

// MemberCount reports the current roster size, for the manager's idle
// -room bookkeeping.
func (r *Room) MemberCount() int {
	reply := make(chan int, 1)
	r.enqueue(func() { reply <- len(r.members) })
	return <-reply
}

// broadcastPresence sends the current roster to every member, each
// stamped with that recipient's own userId so it can tell its own
// entry apart from the others.
func (r *Room) broadcastPresence() {
	users := r.pres.Users()
	for id := range r.members {
		b, err := wire.Encode(wire.TypePresence, wire.PresencePayload{Users: users, You: id})
		if err != nil {
			continue
		}
		r.sendTo(id, b)
	}
}

func (r *Room) sendTo(userID string, b []byte) {
	m, ok := r.members[userID]
	if !ok {
		return
	}
	if err := m.sender.Send(b); err != nil {
		r.log.Warnw("send failed", "room", r.id, "user", userID, "err", err)
	}
}

func (r *Room) broadcastExcept(excludeUserID string, b []byte) {
	for id := range r.members {
		if id == excludeUserID {
			continue
		}
		r.sendTo(id, b)
	}
}

func (r *Room) markDirty() {
	r.dirty = true
	if r.snapshotTimer != nil {
		r.snapshotTimer.Stop()
	}
	r.snapshotTimer = time.AfterFunc(r.cfg.SnapshotDebounce(), func() {
		r.enqueue(r.flushSnapshotSync)
	})
}

// flushSnapshotSync writes the current snapshot if dirty. It runs on the
// actor goroutine to read document/yjs state consistently, but the actual
// disk write happens on its own goroutine with backoff retry so a slow or
// failing persistence adapter never blocks message processing.
func (r *Room) flushSnapshotSync() {
	if !r.dirty {
		return
	}
	r.dirty = false
	yjsChanged := r.dirtyYjs
	r.dirtyYjs = false

	snap := persistence.Snapshot{
		Root:      r.doc.Serialize(),
		Yjs:       r.yjs,
		UpdatedAt: time.Now().UnixMilli(),
	}
	if r.cb.OnStorageChange != nil {
		r.cb.OnStorageChange(r.id, snap.Root)
	}
	if yjsChanged && r.cb.OnYjsChange != nil {
		r.cb.OnYjsChange(r.id, snap.Yjs)
	}

	roomID, persist, log := r.id, r.persist, r.log
	go func() {
		b := backoff.NewExponentialBackOff()
		err := backoff.Retry(func() error {
			return persist.Save(roomID, snap)
		}, b)
		if err != nil {
			log.Errorw("persistence write failed, giving up", "room", roomID, "err", err)
		}
	}()
}

func (r *Room) cancelIdleTimer() {
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
}

func (r *Room) scheduleIdleEviction() {
	r.cancelIdleTimer()
	r.idleTimer = time.AfterFunc(r.cfg.IdleEvict(), func() {
		r.enqueue(func() {
			if len(r.members) > 0 {
				return // a join raced the timer; stay alive
			}
			if r.onIdleEvict != nil {
				r.onIdleEvict(r.id)
			}
		})
	})
}

// pickColor derives a stable presence color from userID so two sessions
// for the same id always render the same color.
func pickColor(userID string) string {
	palette := []string{"#e06c75", "#98c379", "#61afef", "#e5c07b", "#c678dd", "#56b6c2", "#d19a66"}
	var h int
	for _, c := range userID {
		h = h*31 + int(c)
	}
	if h < 0 {
		h = -h
	}
	return palette[h%len(palette)]
}
