// Package wire defines the JSON message envelope exchanged between a
// Lively server room and its connected clients. Every frame is a text
// frame carrying one tagged Envelope; the payload shape is determined
// by Type.
package wire

import (
	"encoding/json"

	"github.com/Polqt/lively/crdtnode"
	"github.com/Polqt/lively/presence"
)

// Type tags an Envelope's payload shape.
type Type string

const (
	TypePresence       Type = "presence"
	TypePresenceUpdate Type = "presence:update"
	TypeCursorUpdate   Type = "cursor:update"
	TypeHeartbeat      Type = "heartbeat"
	TypeStorageInit    Type = "storage:init"
	TypeStorageOps     Type = "storage:ops"
	TypeStateInit      Type = "state:init"
	TypeStateUpdate    Type = "state:update"
	TypeEvent          Type = "event"
	TypeYjsSync        Type = "yjs:sync"
	TypeYjsUpdate      Type = "yjs:update"
	TypeServerShutdown Type = "server:shutdown"
)

// Envelope is the outer shape of every wire message: a discriminator
// plus a raw payload decoded according to Type, matching the teacher's
// tagged-JSON-struct pattern (session.Message) generalized from two
// operation kinds to the full message table.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals a typed payload into an Envelope's wire bytes.
func Encode(t Type, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// PresencePayload is the s→c `presence` payload: the full roster. You
// carries the recipient's own userId, assigned at auth time, so each
// connection can tell which roster entry is itself; it is set per
// recipient and therefore differs across otherwise-identical sends of
// the same roster.
type PresencePayload struct {
	Users []presence.User `json:"users"`
	You   string          `json:"you,omitempty"`
}

// PresenceUpdatePayload is the c→s `presence:update` payload: a partial
// patch applied to the sender's own presence record.
type PresenceUpdatePayload struct {
	OnlineStatus *presence.OnlineStatus `json:"onlineStatus,omitempty"`
	IsIdle       *bool                  `json:"isIdle,omitempty"`
	Location     *string                `json:"location,omitempty"`
	Metadata     map[string]any         `json:"metadata,omitempty"`
}

// CursorUpdatePayload is the c↔s `cursor:update` payload. The client
// sends only its local pointer fields; the server fans out the full
// presence.Cursor (identity + color included).
type CursorUpdatePayload struct {
	UserID        string  `json:"userId,omitempty"`
	DisplayName   string  `json:"displayName,omitempty"`
	Color         string  `json:"color,omitempty"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	LastUpdate    int64   `json:"lastUpdate,omitempty"`
	ViewportPosX  float64 `json:"viewportPosX,omitempty"`
	ViewportPosY  float64 `json:"viewportPosY,omitempty"`
	ViewportScale float64 `json:"viewportScale,omitempty"`
}

// StorageInitPayload is the s→c `storage:init` payload: the whole
// authoritative tree at join/reconnect time.
type StorageInitPayload struct {
	Root *crdtnode.SerializedNode `json:"root"`
}

// StorageOpsPayload is the c↔s `storage:ops` payload: a batch of ops
// from one sender's mutation scope, plus the sender's clock watermark
// at emission time.
type StorageOpsPayload struct {
	Ops       []crdtnode.Op `json:"ops"`
	Actor     string        `json:"actor"`
	BaseClock uint64        `json:"baseClock"`
}

// StateEntry is one ephemeral live-state key/value, LWW by
// (UpdatedAt, UserID).
type StateEntry struct {
	Key       string `json:"key"`
	Value     any    `json:"value"`
	UpdatedAt int64  `json:"updatedAt"`
	UserID    string `json:"userId"`
}

// StateInitPayload is the full ephemeral live-state snapshot, sent on
// join the same way storage:init is.
type StateInitPayload struct {
	Entries []StateEntry `json:"entries"`
}

// StateUpdatePayload patches a single ephemeral live-state key.
type StateUpdatePayload struct {
	Entry StateEntry `json:"entry"`
}

// EventPayload is an application-defined broadcast event; Lively passes
// its body through opaque to both session.
type EventPayload struct {
	Event map[string]any `json:"event"`
}

// YjsPayload carries the opaque secondary-CRDT byte blob, base64-encoded
// by encoding/json's default []byte marshaling. The server never
// inspects these bytes; it only merges them via a host-supplied
// function.
type YjsPayload struct {
	Payload []byte `json:"payload"`
}
