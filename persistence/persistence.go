// Package persistence defines the durable-storage contract a Lively room
// uses to survive process restarts: a snapshot of the CRDT tree, the
// opaque secondary-CRDT blob, and a set of admin operations for
// inspecting or clearing stored rooms.
package persistence

import (
	"regexp"

	"github.com/Polqt/lively/crdtnode"
)

// Snapshot is everything persisted for one room.
type Snapshot struct {
	Root      *crdtnode.SerializedNode `json:"root"`
	Yjs       []byte                   `json:"yjs,omitempty"`
	UpdatedAt int64                    `json:"updatedAt"`
}

// Info is the admin-facing summary of a stored room, as returned by List.
type Info struct {
	RoomID    string `json:"roomId"`
	UpdatedAt int64  `json:"updatedAt"`
	Size      int    `json:"size"`
}

// Adapter is the durable-storage contract a room host must supply.
// Implementations must be safe for concurrent use across rooms.
type Adapter interface {
	// Load returns the stored snapshot for roomID, or (nil, nil) if none
	// exists.
	Load(roomID string) (*Snapshot, error)

	// Save upserts the snapshot for roomID.
	Save(roomID string, snap Snapshot) error

	// List returns a summary of every stored room.
	List() ([]Info, error)

	// Delete removes roomID's snapshot. Idempotent: deleting an absent
	// room is not an error.
	Delete(roomID string) error

	// Exists reports whether roomID has a stored snapshot.
	Exists(roomID string) (bool, error)

	// Close releases any resources the adapter holds open.
	Close() error
}

var unsafeKeyChar = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeRoomID maps roomID onto the storage key alphabet
// [A-Za-z0-9_-], replacing every other character with "_". Applied
// before any Adapter key lookup so a room id sourced from an untrusted
// URL path segment can never escape its storage bucket.
func SanitizeRoomID(roomID string) string {
	return unsafeKeyChar.ReplaceAllString(roomID, "_")
}
