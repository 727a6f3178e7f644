package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

var roomsBucket = []byte("rooms")

// BoltAdapter is an Adapter backed by a single bbolt database file: one
// bucket, keyed by sanitized room id, value the JSON-encoded Snapshot.
type BoltAdapter struct {
	db *bbolt.DB
}

// OpenBolt opens (creating if absent) a bbolt database at path and
// ensures the rooms bucket exists.
func OpenBolt(path string) (*BoltAdapter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("persistence: create data dir: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("persistence: open bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(roomsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persistence: create rooms bucket: %w", err)
	}
	return &BoltAdapter{db: db}, nil
}

func (b *BoltAdapter) Load(roomID string) (*Snapshot, error) {
	key := []byte(SanitizeRoomID(roomID))
	var snap *Snapshot
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(roomsBucket).Get(key)
		if raw == nil {
			return nil
		}
		var s Snapshot
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("persistence: decode snapshot for %q: %w", roomID, err)
		}
		snap = &s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (b *BoltAdapter) Save(roomID string, snap Snapshot) error {
	key := []byte(SanitizeRoomID(roomID))
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("persistence: encode snapshot for %q: %w", roomID, err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(roomsBucket).Put(key, raw)
	})
}

func (b *BoltAdapter) List() ([]Info, error) {
	var out []Info
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(roomsBucket).ForEach(func(k, v []byte) error {
			var s Snapshot
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("persistence: decode snapshot for %q: %w", k, err)
			}
			out = append(out, Info{RoomID: string(k), UpdatedAt: s.UpdatedAt, Size: len(v)})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltAdapter) Delete(roomID string) error {
	key := []byte(SanitizeRoomID(roomID))
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(roomsBucket).Delete(key)
	})
}

func (b *BoltAdapter) Exists(roomID string) (bool, error) {
	key := []byte(SanitizeRoomID(roomID))
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(roomsBucket).Get(key) != nil
		return nil
	})
	return found, err
}

func (b *BoltAdapter) Close() error {
	return b.db.Close()
}
