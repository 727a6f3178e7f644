package crdtnode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Polqt/lively/clock"
)

// fakeHost is a minimal crdtnode.Host for node-level unit tests that
// don't need a full storage.Document.
type fakeHost struct {
	clock      *clock.Clock
	registered map[string]Node
	reentered  bool
	emitted    []Op
}

func newFakeHost(actor string) *fakeHost {
	return &fakeHost{clock: clock.New(actor), registered: make(map[string]Node)}
}

func (h *fakeHost) Tick() clock.TS                 { return h.clock.Tick() }
func (h *fakeHost) Register(path []string, n Node) { h.registered[pathOf(path)] = n }
func (h *fakeHost) Unregister(path []string)        { delete(h.registered, pathOf(path)) }
func (h *fakeHost) Reentered() bool                 { return h.reentered }
func (h *fakeHost) EmitOp(op Op)                    { h.emitted = append(h.emitted, op) }
func (h *fakeHost) CaptureInverse(Op)               {}

func (h *fakeHost) RunNotify(fn func()) {
	h.reentered = true
	defer func() { h.reentered = false }()
	fn()
}

func pathOf(path []string) string {
	s := ""
	for _, p := range path {
		s += "/" + p
	}
	return s
}

func TestObjectConcurrentSetFieldLWW(t *testing.T) {
	// Scenario 1: two replicas, root {count:0}. A sets count=1 at (5,"A"),
	// B sets count=2 at (5,"B"). Both ops applied on both replicas;
	// convergence picks B (tiebreak "B" > "A").
	newReplica := func() *Object {
		h := newFakeHost("x")
		o := NewObject()
		AttachRoot(h, o)
		_, _, err := o.SetField("count", 0.0)
		require.NoError(t, err)
		return o
	}

	opA := Op{ID: clock.TS{Counter: 5, Actor: "A"}, Kind: SetField, Value: map[string]any{"key": "count", "value": 1.0}}
	opB := Op{ID: clock.TS{Counter: 5, Actor: "B"}, Kind: SetField, Value: map[string]any{"key": "count", "value": 2.0}}

	r1 := newReplica()
	_, err := r1.ApplyOp(opA)
	require.NoError(t, err)
	_, err = r1.ApplyOp(opB)
	require.NoError(t, err)

	r2 := newReplica()
	_, err = r2.ApplyOp(opB)
	require.NoError(t, err)
	_, err = r2.ApplyOp(opA)
	require.NoError(t, err)

	require.Equal(t, 2.0, r1.Serialize().Data["count"])
	require.Equal(t, 2.0, r2.Serialize().Data["count"])
}

func TestObjectApplyOpIdempotent(t *testing.T) {
	h := newFakeHost("x")
	o := NewObject()
	AttachRoot(h, o)

	op := Op{ID: clock.TS{Counter: 1, Actor: "A"}, Kind: SetField, Value: map[string]any{"key": "k", "value": "v"}}
	_, err := o.ApplyOp(op)
	require.NoError(t, err)
	before := o.Serialize()

	_, err = o.ApplyOp(op)
	require.NoError(t, err)
	after := o.Serialize()

	require.Equal(t, before, after)
}

func TestNestedReplacementDetachesDescendants(t *testing.T) {
	// Scenario 2: root {box:{inner:{v:1}}}. Replace box with {inner:{v:2}};
	// the old inner node reports detached, new tree matches.
	h := newFakeHost("x")
	root := NewObject()
	AttachRoot(h, root)

	box := NewObject()
	_, _, err := root.SetField("box", box)
	require.NoError(t, err)

	inner := NewObject()
	_, _, err = box.SetField("inner", inner)
	require.NoError(t, err)
	_, _, err = inner.SetField("v", 1.0)
	require.NoError(t, err)

	require.True(t, inner.Attached())

	newBox := NewObject()
	newInner := NewObject()
	_, _, err = newInner.SetField("v", 2.0)
	require.NoError(t, err)
	_, _, err = newBox.SetField("inner", newInner)
	require.NoError(t, err)

	_, _, err = root.SetField("box", newBox)
	require.NoError(t, err)

	require.False(t, inner.Attached())

	got := root.Serialize()
	boxSN := got.Data["box"].(*SerializedNode)
	innerSN := boxSN.Data["inner"].(*SerializedNode)
	require.Equal(t, 2.0, innerSN.Data["v"])
}

func TestAttachingAlreadyAttachedNodeFails(t *testing.T) {
	h := newFakeHost("x")
	root := NewObject()
	AttachRoot(h, root)

	child := NewObject()
	_, _, err := root.SetField("a", child)
	require.NoError(t, err)
	require.True(t, child.Attached())

	_, _, err = root.SetField("b", child)
	require.ErrorIs(t, err, AttachmentError)
}

func TestReentrantMutationRejected(t *testing.T) {
	h := newFakeHost("x")
	root := NewObject()
	AttachRoot(h, root)
	h.reentered = true

	_, _, err := root.SetField("x", 1.0)
	require.ErrorIs(t, err, ReentrantMutationError)
}

func TestListConcurrentInsertOrdersByTiebreak(t *testing.T) {
	// Scenario 3: list [a,c]. A inserts b at (3,"A"), B inserts b' at
	// (3,"B") both between a,c. Converged order: [a,b,b',c].
	build := func() *OrderedList {
		h := newFakeHost("x")
		l := NewOrderedList()
		AttachRoot(h, l)
		_, _, err := l.Insert("", "", "a")
		require.NoError(t, err)
		posA, _ := l.PosAt(0)
		_, _, err = l.Insert(posA, "", "c")
		require.NoError(t, err)
		return l
	}

	l1 := build()
	posA, _ := l1.PosAt(0)
	posC, _ := l1.PosAt(1)

	opA := Op{ID: clock.TS{Counter: 3, Actor: "A"}, Kind: ListInsert, Value: "b", AfterPos: posA, BeforePos: posC}
	opB := Op{ID: clock.TS{Counter: 3, Actor: "B"}, Kind: ListInsert, Value: "b'", AfterPos: posA, BeforePos: posC}

	r1 := build()
	_, err := r1.ApplyOp(opA)
	require.NoError(t, err)
	_, err = r1.ApplyOp(opB)
	require.NoError(t, err)

	r2 := build()
	_, err = r2.ApplyOp(opB)
	require.NoError(t, err)
	_, err = r2.ApplyOp(opA)
	require.NoError(t, err)

	want := []any{"a", "b", "b'", "c"}
	require.Equal(t, want, r1.Serialize().Items)
	require.Equal(t, want, r2.Serialize().Items)
}

func TestListDeleteSkipsTombstones(t *testing.T) {
	h := newFakeHost("x")
	l := NewOrderedList()
	AttachRoot(h, l)
	_, _, err := l.Insert("", "", "a")
	require.NoError(t, err)
	pos, _ := l.PosAt(0)
	_, _, err = l.Insert(pos, "", "b")
	require.NoError(t, err)

	_, _, err = l.Delete(pos)
	require.NoError(t, err)

	require.Equal(t, []any{"b"}, l.Serialize().Items)
	require.Equal(t, 1, l.Len())
}

func TestBuildSerializeRoundTrip(t *testing.T) {
	h := newFakeHost("x")
	root := NewObject()
	AttachRoot(h, root)
	_, _, err := root.SetField("name", "lively")
	require.NoError(t, err)

	list := NewOrderedList()
	_, _, err = root.SetField("items", list)
	require.NoError(t, err)
	_, _, err = list.Insert("", "", "first")
	require.NoError(t, err)

	sn := root.Serialize()
	rebuilt := Build(sn)
	obj, ok := rebuilt.(*Object)
	require.True(t, ok)
	require.Equal(t, sn, obj.Serialize())
}

func TestBetweenOrdering(t *testing.T) {
	mid := Between("", "")
	require.True(t, PosLess("", mid))

	left := Between("", mid)
	right := Between(mid, "")
	require.True(t, PosLess(left, mid))
	require.True(t, PosLess(mid, right))
}
