package persistence

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Polqt/lively/crdtnode"
)

func TestSanitizeRoomID(t *testing.T) {
	require.Equal(t, "a_b-c_9", SanitizeRoomID("a/b-c:9"))
	require.Equal(t, "room_42", SanitizeRoomID("room 42"))
	require.Equal(t, "already-ok_1", SanitizeRoomID("already-ok_1"))
}

func testAdapterRoundTrip(t *testing.T, a Adapter) {
	t.Helper()

	snap, err := a.Load("missing")
	require.NoError(t, err)
	require.Nil(t, snap)

	exists, err := a.Exists("missing")
	require.NoError(t, err)
	require.False(t, exists)

	want := Snapshot{
		Root:      &crdtnode.SerializedNode{Kind: crdtnode.KindObject, Data: map[string]any{"x": 1.0}},
		UpdatedAt: 1000,
	}
	require.NoError(t, a.Save("room/one", want))

	got, err := a.Load("room/one")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, want.UpdatedAt, got.UpdatedAt)
	require.Equal(t, want.Root.Kind, got.Root.Kind)

	exists, err = a.Exists("room/one")
	require.NoError(t, err)
	require.True(t, exists)

	list, err := a.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, SanitizeRoomID("room/one"), list[0].RoomID)

	require.NoError(t, a.Delete("room/one"))
	require.NoError(t, a.Delete("room/one")) // idempotent

	exists, err = a.Exists("room/one")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestMemoryAdapter(t *testing.T) {
	testAdapterRoundTrip(t, NewMemoryAdapter())
}

func TestBoltAdapter(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenBolt(filepath.Join(dir, "lively.db"))
	require.NoError(t, err)
	defer a.Close()

	testAdapterRoundTrip(t, a)
}
