package main

import (
	"go.uber.org/zap"

	"github.com/Polqt/lively/crdtnode"
	"github.com/Polqt/lively/persistence"
	"github.com/Polqt/lively/presence"
	"github.com/Polqt/lively/server"
)

// newCallbacks wires server.Callbacks' host-integration hooks to persist:
// rooms load their prior snapshot on first join, and the join/leave hooks
// just log. OnStorageChange/OnYjsChange are left nil, since livelyd has
// no downstream consumer of its own. A production host embedding
// server.Server in place of this binary would set them to its own
// indexing/search/webhook logic.
func newCallbacks(persist persistence.Adapter, log *zap.SugaredLogger) server.Callbacks {
	return server.Callbacks{
		InitialStorage: func(roomID string) (*crdtnode.SerializedNode, error) {
			snap, err := persist.Load(roomID)
			if err != nil || snap == nil {
				return nil, err
			}
			return snap.Root, nil
		},
		InitialYjs: func(roomID string) ([]byte, error) {
			snap, err := persist.Load(roomID)
			if err != nil || snap == nil {
				return nil, err
			}
			return snap.Yjs, nil
		},
		OnJoin: func(roomID string, user presence.User) {
			log.Infow("member joined", "room", roomID, "user", user.UserID)
		},
		OnLeave: func(roomID string, user presence.User) {
			log.Infow("member left", "room", roomID, "user", user.UserID)
		},
	}
}
