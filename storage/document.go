// Package storage roots a CRDT node tree: it owns the Lamport clock, a
// path-indexed node registry, the active mutation scope, and the undo/redo
// history.
package storage

import (
	"strings"
	"sync"

	"github.com/Polqt/lively/clock"
	"github.com/Polqt/lively/crdtnode"
)

// sep joins path elements into a registry key. Path elements are either
// object/map keys (arbitrary strings) or list position keys (digits
// only), so this separator cannot collide with a real element.
const sep = "\x1f"

func pathKey(path []string) string {
	return strings.Join(path, sep)
}

// Document is the root of one room's (or one client's) CRDT tree.
type Document struct {
	mu sync.RWMutex

	clock *clock.Clock
	root  *crdtnode.Object

	index map[string]crdtnode.Node

	notifying bool // guards against reentrant mutation

	scopeDepth int
	scopeBatch []crdtnode.Op // inverses accumulated during the active scope

	history *History

	onDrift   func(seen clock.TS)
	onLocalOp func(op crdtnode.Op)
}

// New creates an empty document owned by actor, with an empty object root.
func New(actor string) *Document {
	d := &Document{
		clock:   clock.New(actor),
		index:   make(map[string]crdtnode.Node),
		history: NewHistory(),
	}
	d.root = crdtnode.NewObject()
	crdtnode.AttachRoot(d, d.root)
	return d
}

// OnDrift installs a callback invoked when a remote op's timestamp jumps
// the clock further than the drift threshold.
func (d *Document) OnDrift(fn func(seen clock.TS)) {
	d.onDrift = fn
}

// OnLocalOp installs a callback invoked synchronously every time a local
// mutation method emits an op. The room/connection layer uses this to
// queue the op for the wire.
func (d *Document) OnLocalOp(fn func(op crdtnode.Op)) {
	d.onLocalOp = fn
}

// Root returns the document's root Object node.
func (d *Document) Root() *crdtnode.Object {
	return d.root
}

// Actor returns the actor id the document's clock was created with (and
// that it was last reset to, if ResetFromSnapshot has since run).
func (d *Document) Actor() string {
	return d.clock.Actor()
}

// History returns the per-document undo/redo stack.
func (d *Document) History() *History {
	return d.history
}

// ResetFromSnapshot replaces the whole tree with sn and resets the clock
// to start from baseCounter.
// sn must describe an object at the root; a non-object root is coerced to
// an empty object rather than rejected, since the server never produces
// one.
func (d *Document) ResetFromSnapshot(sn *crdtnode.SerializedNode, actor string, baseCounter uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	crdtnode.DetachRoot(d, d.root)
	d.index = make(map[string]crdtnode.Node)

	var root *crdtnode.Object
	if sn != nil && sn.Kind == crdtnode.KindObject {
		if built, ok := crdtnode.Build(sn).(*crdtnode.Object); ok {
			root = built
		}
	}
	if root == nil {
		root = crdtnode.NewObject()
	}
	d.root = root
	crdtnode.AttachRoot(d, d.root)

	d.clock = clock.New(actor)
	for i := uint64(0); i < baseCounter; i++ {
		d.clock.Tick()
	}
}

// --- crdtnode.Host -----------------------------------------------------

func (d *Document) Tick() clock.TS {
	return d.clock.Tick()
}

func (d *Document) Register(path []string, n crdtnode.Node) {
	d.index[pathKey(path)] = n
}

func (d *Document) Unregister(path []string) {
	delete(d.index, pathKey(path))
}

func (d *Document) Reentered() bool {
	return d.notifying
}

func (d *Document) EmitOp(op crdtnode.Op) {
	if d.onLocalOp != nil {
		d.onLocalOp(op)
	}
}

func (d *Document) CaptureInverse(inv crdtnode.Op) {
	if inv.Kind == "" || d.scopeDepth == 0 {
		return
	}
	// Inverses are pushed in LIFO order relative to application so that
	// replaying scopeBatch in order undoes the batch correctly.
	d.scopeBatch = append([]crdtnode.Op{inv}, d.scopeBatch...)
}

// RunNotify holds the reentrancy guard for the duration of fn, whether fn
// is a single node's synchronous local-mutation notify or a batch flush
// over several changed nodes. A subscriber that calls back into a mutation
// method while fn runs is rejected by Reentered (ReentrantMutationError),
// regardless of which path triggered the notification.
func (d *Document) RunNotify(fn func()) {
	d.notifying = true
	defer func() { d.notifying = false }()
	fn()
}

// --- mutation scope ----------------------------------------

// Mutate runs fn inside a guarded mutation scope. Nested scopes flatten
// into the outermost. On normal return, the batch of inverses captured
// during fn is pushed onto the undo stack as one entry. If fn returns an
// error, already-applied local ops are rolled back by applying their
// inverses in reverse order and the batch is discarded.
func (d *Document) Mutate(fn func(root *crdtnode.Object) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	top := d.scopeDepth == 0
	d.scopeDepth++
	if top {
		d.scopeBatch = nil
	}
	defer func() { d.scopeDepth-- }()

	err := fn(d.root)

	if !top {
		return err // outer scope finishes the batch
	}

	if err != nil {
		d.rollback()
		d.scopeBatch = nil
		return err
	}

	batch := d.scopeBatch
	d.scopeBatch = nil
	if len(batch) > 0 {
		d.history.Push(batch)
	}
	return nil
}

// rollback applies scopeBatch's inverses in order (they are already in
// reverse-application order, see CaptureInverse) to undo a failed scope's
// partial work, without touching history or re-emitting to the network.
func (d *Document) rollback() {
	for _, inv := range d.scopeBatch {
		d.applyLocalOnly(inv)
	}
}

// applyLocalOnly routes op to its addressed node and applies it without
// history interaction or outbound emission — used only for rollback
// (undo/redo go through applyBatchFresh instead). op is restamped with a
// fresh local tick before applying: the captured inverse carries no
// timestamp of its own, and the write it is reverting already holds a
// newer one, so without a fresh, winning tick the rollback would lose
// the LWW comparison and silently no-op.
func (d *Document) applyLocalOnly(op crdtnode.Op) {
	n := d.lookup(op.Path)
	if n == nil {
		return
	}
	op.ID = d.clock.Tick()
	n.ApplyOp(op)
}

// Undo pops the top undo batch and applies its inverses, minting a fresh
// Lamport timestamp for each. The forward batch this produces is pushed onto
// redo. Returns false if there is nothing to undo.
func (d *Document) Undo() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	batch, ok := d.history.popUndo()
	if !ok {
		return false
	}
	forward := d.applyBatchFresh(batch)
	d.history.pushRedo(forward)
	return true
}

// Redo is Undo's mirror: it pops the top redo batch, applies it, and
// pushes the resulting reverse batch back onto undo.
func (d *Document) Redo() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	batch, ok := d.history.popRedo()
	if !ok {
		return false
	}
	reverse := d.applyBatchFresh(batch)
	d.history.pushUndo(reverse)
	return true
}

// applyBatchFresh applies each op in batch against its addressed node,
// re-stamping it with a new Lamport ts so the mutation is ordered
// correctly against anything applied since the original batch, and
// collects the opposite-direction batch from the returned inverses. Ops
// whose node has since vanished are skipped.
func (d *Document) applyBatchFresh(batch []crdtnode.Op) []crdtnode.Op {
	var opposite []crdtnode.Op
	touched := make(map[string]crdtnode.Node)
	for _, op := range batch {
		n := d.lookup(op.Path)
		if n == nil {
			continue
		}
		restamped := op
		restamped.ID = d.clock.Tick()
		inv, err := n.ApplyOp(restamped)
		if err != nil || inv.Kind == "" {
			continue
		}
		if d.onLocalOp != nil {
			d.onLocalOp(restamped)
		}
		touched[pathKey(op.Path)] = n
		opposite = append([]crdtnode.Op{inv}, opposite...)
	}
	d.RunNotify(func() {
		for _, n := range touched {
			crdtnode.Notify(n)
		}
	})
	return opposite
}

// --- remote ops ---------------------------------------------

// ApplyRemoteBatch applies a batch of remote ops, advancing the clock for
// each and notifying subscribers once per changed subtree at the end.
func (d *Document) ApplyRemoteBatch(ops []crdtnode.Op) {
	d.mu.Lock()
	defer d.mu.Unlock()

	changed := make(map[string]crdtnode.Node)
	for _, op := range ops {
		if drifted := d.clock.Observe(op.ID); drifted && d.onDrift != nil {
			d.onDrift(op.ID)
		}
		n := d.lookup(op.Path)
		if n == nil {
			continue // PathError: node was removed or never existed; drop.
		}
		if _, err := n.ApplyOp(op); err != nil {
			continue
		}
		changed[pathKey(op.Path)] = n
	}
	d.flush(changed)
}

// flush fires each changed node's notify() exactly once.
func (d *Document) flush(changed map[string]crdtnode.Node) {
	d.RunNotify(func() {
		for _, n := range changed {
			crdtnode.Notify(n)
		}
	})
}

// lookup resolves a path to its live node via the registry, falling back
// to a root-down walk (covers nodes built directly by crdtnode.Build and
// installed without ever separately registering intermediate keys, which
// cannot happen in practice but keeps lookup correct-by-construction).
func (d *Document) lookup(path []string) crdtnode.Node {
	if n, ok := d.index[pathKey(path)]; ok {
		return n
	}
	var cur crdtnode.Node = d.root
	for _, key := range path {
		child, err := cur.Child(key)
		if err != nil {
			return nil
		}
		cur = child
	}
	return cur
}

// Serialize renders the whole tree to its portable form.
func (d *Document) Serialize() *crdtnode.SerializedNode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.root.Serialize()
}

// ClockCounter exposes the current Lamport counter, e.g. for a
// storage:ops baseClock field.
func (d *Document) ClockCounter() uint64 {
	return d.clock.Counter()
}
