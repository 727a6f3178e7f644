package server

import (
	"net/http"

	"github.com/Polqt/lively/crdtnode"
	"github.com/Polqt/lively/presence"
)

// AuthResult is what Authenticate returns for an accepted upgrade.
type AuthResult struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// Callbacks are the host-supplied hooks a Room invokes at the points
// named in the wire-interface table: first-join seeding, join/leave
// notification, persisted-state change notification, the secondary
// -CRDT's merge function, and upgrade-time authentication. Every field
// is optional; a nil callback is skipped.
type Callbacks struct {
	InitialStorage  func(roomID string) (*crdtnode.SerializedNode, error)
	InitialYjs      func(roomID string) ([]byte, error)
	OnJoin          func(roomID string, user presence.User)
	OnLeave         func(roomID string, user presence.User)
	OnStorageChange func(roomID string, root *crdtnode.SerializedNode)
	OnYjsChange     func(roomID string, payload []byte)
	// MergeYjs combines two opaque secondary-CRDT byte blobs. Must be
	// associative, commutative, and idempotent; Lively never inspects the
	// bytes itself. A nil MergeYjs makes every yjs:update replace the
	// stored blob outright.
	MergeYjs func(a, b []byte) []byte
	// Authenticate inspects an upgrade request and either accepts it
	// (returning the assigned identity) or rejects it, in which case the
	// upgrade is refused with HTTP 401 and no room is touched. A nil
	// Authenticate accepts every request with a generated userId.
	Authenticate func(r *http.Request) (AuthResult, error)
}

func (c Callbacks) mergeYjs(a, b []byte) []byte {
	if c.MergeYjs != nil {
		return c.MergeYjs(a, b)
	}
	return b
}
