// Package crdtnode implements the three CRDT node kinds — object, ordered
// map, and ordered list — that make up a Lively storage tree.
// Every mutation is last-writer-wins at its path, compared by Lamport
// timestamp; nodes share a common attach/detach/subscribe contract so the
// owning document can treat them uniformly regardless of kind.
package crdtnode

import "github.com/Polqt/lively/clock"

// Host is implemented by the storage document that roots a node tree. It
// gives nodes just enough of a callback surface to keep the document's
// path index correct without crdtnode importing the storage package.
type Host interface {
	Tick() clock.TS
	Register(path []string, n Node)
	Unregister(path []string)
	// Reentered reports whether the document is currently inside a
	// subscriber notification, in which case mutation must be refused
	// (ReentrantMutationError).
	Reentered() bool
	// EmitOp hands a freshly-applied local op to the document for outbound
	// queuing (to be sent over the wire).
	EmitOp(op Op)
	// CaptureInverse accumulates inv into the active mutation scope's undo
	// batch, if any (a no-op outside a scope or when inv is the zero Op).
	CaptureInverse(inv Op)
	// RunNotify invokes fn with the host's reentrancy guard held, so a
	// subscriber callback fn triggers cannot itself start another mutation.
	// Used for both the synchronous local-mutation notify and the batched
	// remote/undo notify.
	RunNotify(fn func())
}

// Node is the shared contract every CRDT node kind satisfies.
type Node interface {
	// Path returns the sequence of keys/positions from the document root.
	Path() []string
	Parent() Node

	// Attached reports whether the node is reachable from a document root.
	Attached() bool

	// Serialize renders the node's current (non-tombstoned) state as a
	// portable tree
	Serialize() *SerializedNode

	// ApplyOp applies an op addressed exactly at this node (the last path
	// element has already been consumed by the caller) and returns its
	// minimal inverse. Applying an op whose timestamp loses the LWW
	// comparison is a documented no-op: ApplyOp returns a zero Op and a
	// nil error.
	ApplyOp(op Op) (inverse Op, err error)

	// Child resolves one path element to a nested node, for dispatch of
	// ops addressed deeper in the tree. Returns PathError if key does not
	// name a nested node (missing, or holds a primitive).
	Child(key string) (Node, error)

	// Subscribe registers a callback fired once per mutating batch that
	// changes this node directly. SubscribeDeep registers a callback fired
	// for mutations anywhere in this node's subtree (deep).
	Subscribe(cb func()) (cancel func())
	SubscribeDeep(cb func()) (cancel func())

	attach(host Host, parent Node, key string)
	detach()
	notify()
	bubbleDeep()
}

// base is embedded by every node kind; it implements everything but
// Serialize/ApplyOp/Child, which are kind-specific.
type base struct {
	host      Host
	parent    Node
	parentKey string
	attached  bool

	nextSubID int
	subs      map[int]func()
	deepSubs  map[int]func()
}

func (b *base) Path() []string {
	if b.parent == nil {
		return nil
	}
	return append(b.parent.Path(), b.parentKey)
}

func (b *base) Parent() Node { return b.parent }

func (b *base) Attached() bool { return b.attached }

func (b *base) attach(host Host, parent Node, key string) {
	b.host = host
	b.parent = parent
	b.parentKey = key
	b.attached = host != nil
}

func (b *base) detach() {
	b.host = nil
	b.parent = nil
	b.attached = false
}

func (b *base) Subscribe(cb func()) func() {
	if b.subs == nil {
		b.subs = make(map[int]func())
	}
	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = cb
	return func() { delete(b.subs, id) }
}

func (b *base) SubscribeDeep(cb func()) func() {
	if b.deepSubs == nil {
		b.deepSubs = make(map[int]func())
	}
	id := b.nextSubID
	b.nextSubID++
	b.deepSubs[id] = cb
	return func() { delete(b.deepSubs, id) }
}

func (b *base) notify() {
	for _, cb := range b.subs {
		cb()
	}
	for _, cb := range b.deepSubs {
		cb()
	}
	if b.parent != nil {
		b.parent.bubbleDeep()
	}
}

// notifyGuarded fires notify with the host's reentrancy guard held. A
// detached node (no host) has nothing to guard against and just notifies
// directly.
func (b *base) notifyGuarded() {
	if b.host == nil {
		b.notify()
		return
	}
	b.host.RunNotify(b.notify)
}

func (b *base) bubbleDeep() {
	for _, cb := range b.deepSubs {
		cb()
	}
	if b.parent != nil {
		b.parent.bubbleDeep()
	}
}

// AttachRoot wires n (typically a freshly-built Object) in as host's root
// node: it has no parent, but is attached and registered like any other
// node. Any pre-populated descendants (e.g. from Build) are registered
// too.
func AttachRoot(host Host, n Node) {
	n.attach(host, nil, "")
	registerSubtree(host, n)
}

// DetachRoot is AttachRoot's inverse, used when a document replaces its
// whole tree.
func DetachRoot(host Host, n Node) {
	detachChild(host, n)
}

// Notify fires n's own subscribers and bubbles to its deep-subscribed
// ancestors. Exported so a Host can flush a batch of remotely-changed
// nodes without crdtnode exposing attach/detach themselves.
func Notify(n Node) {
	n.notify()
}

// registerSubtree walks n and its already-populated descendants, attaching
// each descendant under its parent and telling host about every live
// path. Called whenever a subtree is attached under an already-attached
// parent.
func registerSubtree(host Host, n Node) {
	host.Register(n.Path(), n)
	switch t := n.(type) {
	case *Object:
		for k, slot := range t.fields {
			if !slot.Deleted {
				if child, ok := slot.Value.(Node); ok {
					child.attach(host, t, k)
					registerSubtree(host, child)
				}
			}
		}
	case *OrderedMap:
		for k, slot := range t.fields {
			if !slot.Deleted {
				if child, ok := slot.Value.(Node); ok {
					child.attach(host, t, k)
					registerSubtree(host, child)
				}
			}
		}
	case *OrderedList:
		for _, it := range t.items {
			if !it.Deleted {
				if child, ok := it.Value.(Node); ok {
					child.attach(host, t, it.Pos)
					registerSubtree(host, child)
				}
			}
		}
	}
}

// unregisterSubtree is registerSubtree's inverse, called on detach.
func unregisterSubtree(host Host, n Node) {
	host.Unregister(n.Path())
	switch t := n.(type) {
	case *Object:
		for _, slot := range t.fields {
			if child, ok := slot.Value.(Node); ok {
				unregisterSubtree(host, child)
			}
		}
	case *OrderedMap:
		for _, slot := range t.fields {
			if child, ok := slot.Value.(Node); ok {
				unregisterSubtree(host, child)
			}
		}
	case *OrderedList:
		for _, it := range t.items {
			if child, ok := it.Value.(Node); ok {
				unregisterSubtree(host, child)
			}
		}
	}
}

// attachChild wires a freshly-assigned child value into the tree: if the
// parent is attached and the value is itself a Node, the child becomes
// attached too and is registered with the host. Returns AttachmentError if
// value is a Node that is already attached elsewhere.
func attachChild(parent Node, host Host, key string, value any) error {
	child, ok := value.(Node)
	if !ok {
		return nil
	}
	if child.Attached() {
		return AttachmentError
	}
	if host == nil {
		return nil
	}
	child.attach(host, parent, key)
	registerSubtree(host, child)
	return nil
}

// detachChild severs a value that is about to be overwritten or deleted,
// together with every attached descendant it holds.
func detachChild(host Host, value any) {
	child, ok := value.(Node)
	if !ok || !child.Attached() {
		return
	}
	if host != nil {
		unregisterSubtree(host, child)
	}
	child.detach()
	switch t := child.(type) {
	case *Object:
		for _, slot := range t.fields {
			detachChild(nil, slot.Value)
		}
	case *OrderedMap:
		for _, slot := range t.fields {
			detachChild(nil, slot.Value)
		}
	case *OrderedList:
		for _, it := range t.items {
			detachChild(nil, it.Value)
		}
	}
}
