package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Polqt/lively/clock"
	"github.com/Polqt/lively/crdtnode"
)

func TestMutateCommitsOneUndoBatch(t *testing.T) {
	d := New("A")

	err := d.Mutate(func(root *crdtnode.Object) error {
		_, _, err := root.SetField("x", 1.0)
		require.NoError(t, err)
		_, _, err = root.SetField("y", 2.0)
		return err
	})
	require.NoError(t, err)
	require.True(t, d.History().CanUndo())
	require.False(t, d.History().CanRedo())

	require.Equal(t, map[string]any{"x": 1.0, "y": 2.0}, d.Serialize().Data)
}

func TestMutateRollsBackOnError(t *testing.T) {
	d := New("A")
	require.NoError(t, d.Mutate(func(root *crdtnode.Object) error {
		_, _, err := root.SetField("x", 1.0)
		return err
	}))

	boom := errors.New("boom")
	err := d.Mutate(func(root *crdtnode.Object) error {
		_, _, err := root.SetField("x", 99.0)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	// rollback restores x to 1, and does not push a new undo entry.
	require.Equal(t, 1.0, d.Serialize().Data["x"])
}

func TestUndoRedoRoundTrip(t *testing.T) {
	// Scenario 4: A sets x=1, B (remote) sets y=2, A undoes. Final tree
	// {y:2}. A's redo restores {x:1,y:2}.
	d := New("A")
	require.NoError(t, d.Mutate(func(root *crdtnode.Object) error {
		_, _, err := root.SetField("x", 1.0)
		return err
	}))

	d.ApplyRemoteBatch([]crdtnode.Op{
		{ID: d.clock.Tick(), Kind: crdtnode.SetField, Path: nil, Value: map[string]any{"key": "y", "value": 2.0}},
	})

	require.Equal(t, map[string]any{"x": 1.0, "y": 2.0}, d.Serialize().Data)

	ok := d.Undo()
	require.True(t, ok)
	require.Equal(t, map[string]any{"y": 2.0}, d.Serialize().Data)

	ok = d.Redo()
	require.True(t, ok)
	require.Equal(t, map[string]any{"x": 1.0, "y": 2.0}, d.Serialize().Data)
}

func TestConvergenceRegardlessOfDeliveryOrder(t *testing.T) {
	// Invariant 1: two replicas that applied the same multiset of ops in
	// different order converge to the same serialized tree.
	opA := crdtnode.Op{ID: clock.TS{Counter: 5, Actor: "A"}, Kind: crdtnode.SetField, Path: nil, Value: map[string]any{"key": "count", "value": 1.0}}
	opB := crdtnode.Op{ID: clock.TS{Counter: 5, Actor: "B"}, Kind: crdtnode.SetField, Path: nil, Value: map[string]any{"key": "count", "value": 2.0}}

	r1 := New("r1")
	r1.ApplyRemoteBatch([]crdtnode.Op{opA, opB})

	r2 := New("r2")
	r2.ApplyRemoteBatch([]crdtnode.Op{opB, opA})

	require.Equal(t, r1.Serialize(), r2.Serialize())
	require.Equal(t, 2.0, r1.Serialize().Data["count"])
}

func TestApplyRemoteBatchAdvancesClockPastSeenTS(t *testing.T) {
	d := New("A")
	ts := clock.TS{Counter: 10, Actor: "B"}
	d.ApplyRemoteBatch([]crdtnode.Op{{ID: ts, Kind: crdtnode.SetField, Value: map[string]any{"key": "x", "value": 1.0}}})

	next := d.clock.Tick()
	require.True(t, next.Counter > ts.Counter)
}

func TestSubscriberFiresOncePerBatch(t *testing.T) {
	d := New("A")
	calls := 0
	cancel := d.Root().Subscribe(func() { calls++ })
	defer cancel()

	require.NoError(t, d.Mutate(func(root *crdtnode.Object) error {
		_, _, err := root.SetField("a", 1.0)
		if err != nil {
			return err
		}
		_, _, err = root.SetField("b", 2.0)
		return err
	}))

	// Each SetField notifies synchronously today (object mutation methods
	// call notify per-call); what the invariant guards is that a single
	// remote batch only fires once per touched subtree.
	require.GreaterOrEqual(t, calls, 1)

	calls = 0
	d.ApplyRemoteBatch([]crdtnode.Op{
		{ID: d.clock.Tick(), Kind: crdtnode.SetField, Value: map[string]any{"key": "a", "value": 3.0}},
		{ID: d.clock.Tick(), Kind: crdtnode.SetField, Value: map[string]any{"key": "b", "value": 4.0}},
	})
	require.Equal(t, 1, calls)
}

func TestResetFromSnapshot(t *testing.T) {
	d := New("A")
	require.NoError(t, d.Mutate(func(root *crdtnode.Object) error {
		_, _, err := root.SetField("a", 1.0)
		return err
	}))

	snap := d.Serialize()
	d2 := New("B")
	d2.ResetFromSnapshot(snap, "B", 3)
	require.Equal(t, snap.Data, d2.Serialize().Data)

	ts := d2.clock.Tick()
	require.Equal(t, uint64(4), ts.Counter)
}
