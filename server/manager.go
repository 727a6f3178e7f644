package server

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Polqt/lively/persistence"
)

// RoomManager is the process-wide room registry: a room is created on
// demand by its first connection and evicted once it has sat empty for
// the configured idle grace.
type RoomManager struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	cfg     Config
	cb      Callbacks
	persist persistence.Adapter
	log     *zap.SugaredLogger
}

// NewRoomManager returns an empty registry.
func NewRoomManager(cfg Config, cb Callbacks, persist persistence.Adapter, log *zap.SugaredLogger) *RoomManager {
	return &RoomManager{
		rooms:   make(map[string]*Room),
		cfg:     cfg,
		cb:      cb,
		persist: persist,
		log:     log,
	}
}

// GetOrCreate returns roomID's room, creating and registering one if
// absent. Lookups take the read lock; only create/evict take the write
// lock, per the concurrency model's "mutex on create/evict only".
func (m *RoomManager) GetOrCreate(roomID string) *Room {
	m.mu.RLock()
	r, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[roomID]; ok {
		return r
	}
	r = NewRoom(roomID, m.cfg, m.cb, m.persist, m.log.With("room", roomID), m.evict)
	m.rooms[roomID] = r
	return r
}

// evict removes roomID from the registry after its room actor decides it
// has been idle long enough, then shuts the room down. evict runs on the
// room's own actor goroutine and Shutdown waits for that actor, so
// Shutdown is started on a goroutine of its own.
func (m *RoomManager) evict(roomID string) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if ok {
		delete(m.rooms, roomID)
	}
	m.mu.Unlock()
	if ok {
		go r.Shutdown()
	}
}

// Snapshot returns every currently live room id, for diagnostics.
func (m *RoomManager) Snapshot() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown drains every live room: broadcasts server:shutdown, flushes
// snapshots, and closes sockets, in parallel across rooms (shutdown
// within one room is already serialized by its actor).
func (m *RoomManager) Shutdown() {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range rooms {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Shutdown()
		}()
	}
	wg.Wait()
}
