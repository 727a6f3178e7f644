package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Polqt/lively/presence"
	"github.com/Polqt/lively/wire"
)

var errConnClosed = errors.New("server: connection closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla *websocket.Conn to Sender. Writes are funneled
// through a buffered channel drained by one dedicated goroutine, since
// gorilla connections are not safe for concurrent writers and the room
// actor must never block on a slow socket.
type wsConn struct {
	conn *websocket.Conn

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	log *zap.SugaredLogger
}

func newWSConn(conn *websocket.Conn, log *zap.SugaredLogger) *wsConn {
	c := &wsConn{
		conn:   conn,
		send:   make(chan []byte, 256),
		closed: make(chan struct{}),
		log:    log,
	}
	go c.writePump()
	return c
}

func (c *wsConn) Send(b []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.closed:
		return errConnClosed
	default:
		c.log.Warnw("outbound buffer full, dropping frame")
		return nil
	}
}

func (c *wsConn) writePump() {
	for {
		select {
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				_ = c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.conn.Close()
}

// Handler is the http.Handler that upgrades matching requests to
// WebSocket connections and routes them to a room by path prefix. Every
// other path returns 426 Upgrade Required except healthPath.
type Handler struct {
	cfg     Config
	cb      Callbacks
	manager *RoomManager
	log     *zap.SugaredLogger
}

// NewHandler builds the front-door HTTP handler for manager.
func NewHandler(cfg Config, cb Callbacks, manager *RoomManager, log *zap.SugaredLogger) *Handler {
	return &Handler{cfg: cfg, cb: cb, manager: manager, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == h.cfg.HealthPath {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
		return
	}

	prefix := h.cfg.BasePath + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.Error(w, "Upgrade Required", http.StatusUpgradeRequired)
		return
	}
	roomID := strings.TrimPrefix(r.URL.Path, prefix)
	if roomID == "" {
		http.Error(w, "Upgrade Required", http.StatusUpgradeRequired)
		return
	}

	auth, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("upgrade failed", "err", err)
		return
	}

	ws := newWSConn(conn, h.log)
	room := h.manager.GetOrCreate(roomID)
	room.Join(auth, ws)

	h.readLoop(room, auth.UserID, conn)
	room.Leave(auth.UserID)
}

func (h *Handler) authenticate(r *http.Request) (AuthResult, error) {
	if h.cb.Authenticate != nil {
		return h.cb.Authenticate(r)
	}
	q := r.URL.Query()
	return AuthResult{
		UserID:      uuid.NewString(),
		DisplayName: q.Get("user"),
		AvatarURL:   q.Get("avatar"),
	}, nil
}

func (h *Handler) readLoop(room *Room, userID string, conn *websocket.Conn) {
	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(2 * h.cfg.Heartbeat()))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(2 * h.cfg.Heartbeat()))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.log.Warnw("bad frame json", "user", userID, "err", err)
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * h.cfg.Heartbeat()))
		h.dispatch(room, userID, env)
	}
}

func (h *Handler) dispatch(room *Room, userID string, env wire.Envelope) {
	switch env.Type {
	case wire.TypeHeartbeat:
		// read deadline already refreshed by readLoop; nothing else to do.
	case wire.TypeStorageOps:
		var p wire.StorageOpsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.log.Warnw("bad storage:ops payload", "user", userID, "err", err)
			return
		}
		room.HandleStorageOps(userID, p.Ops, p.BaseClock)
	case wire.TypeCursorUpdate:
		var p wire.CursorUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.log.Warnw("bad cursor:update payload", "user", userID, "err", err)
			return
		}
		room.HandleCursorUpdate(userID, presence.Cursor{
			X: p.X, Y: p.Y, LastUpdate: p.LastUpdate,
			ViewportPosX: p.ViewportPosX, ViewportPosY: p.ViewportPosY, ViewportScale: p.ViewportScale,
		})
	case wire.TypePresenceUpdate:
		var p wire.PresenceUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.log.Warnw("bad presence:update payload", "user", userID, "err", err)
			return
		}
		room.HandlePresenceUpdate(userID, p)
	case wire.TypeStateUpdate:
		var p wire.StateUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.log.Warnw("bad state:update payload", "user", userID, "err", err)
			return
		}
		room.HandleStateUpdate(userID, p.Entry)
	case wire.TypeEvent:
		var p wire.EventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.log.Warnw("bad event payload", "user", userID, "err", err)
			return
		}
		room.HandleEvent(userID, p.Event)
	case wire.TypeYjsUpdate:
		var p wire.YjsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.log.Warnw("bad yjs:update payload", "user", userID, "err", err)
			return
		}
		room.HandleYjsUpdate(userID, p.Payload)
	default:
		h.log.Warnw("unknown message type, dropping frame", "user", userID, "type", env.Type)
	}
}
