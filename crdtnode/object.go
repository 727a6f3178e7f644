package crdtnode

import "github.com/Polqt/lively/clock"

// FieldSlot is one key's state inside an Object or OrderedMap: the
// timestamp of the write that currently holds the key, the value itself
// (primitive or nested Node), and whether the key is presently
// tombstoned. Slots for deleted keys are retained (not removed from the
// map) so a later, older op can be correctly shadowed by the tombstone's
// timestamp.
type FieldSlot struct {
	TS      clock.TS
	Value   any
	Deleted bool
}

// Object is the string-keyed map node kind. Key order is
// not meaningful; use OrderedMap when it must be.
type Object struct {
	base
	fields map[string]*FieldSlot
}

// NewObject builds an unattached Object node.
func NewObject() *Object {
	return &Object{fields: make(map[string]*FieldSlot)}
}

func (o *Object) Serialize() *SerializedNode {
	data := make(map[string]any, len(o.fields))
	for k, slot := range o.fields {
		if slot.Deleted {
			continue
		}
		data[k] = valueToSerialized(slot.Value)
	}
	return &SerializedNode{Kind: KindObject, Data: data}
}

func (o *Object) Child(key string) (Node, error) {
	slot, ok := o.fields[key]
	if !ok || slot.Deleted {
		return nil, PathError
	}
	n, ok := slot.Value.(Node)
	if !ok {
		return nil, PathError
	}
	return n, nil
}

// SetField installs value at key if the local clock's tick wins against
// whatever timestamp currently holds the key (it always does, since Tick
// always produces a timestamp newer than anything already observed). It
// returns the inverse op a caller should capture for undo.
func (o *Object) SetField(key string, value any) (Op, Op, error) {
	if o.host != nil && o.host.Reentered() {
		return Op{}, Op{}, ReentrantMutationError
	}
	ts := o.tick()
	// decoded is built once up front: ApplyOp's own buildValue(decoded)
	// below is then just a passthrough (decoded is already a Node or
	// primitive), so the node installed in o.fields is the same value
	// this method already holds a reference to.
	decoded := buildValue(value)
	if n, ok := decoded.(Node); ok && n.Attached() {
		return Op{}, Op{}, AttachmentError
	}
	op := Op{ID: ts, Path: o.Path(), Kind: SetField, Value: map[string]any{"key": key, "value": decoded}}
	inv, err := o.ApplyOp(op)
	if err != nil {
		return Op{}, Op{}, err
	}
	// The op emitted over the wire must carry a portable value: a live
	// Node serializes to {} once its unexported fields hit encoding/json,
	// so peers would replicate the write as empty.
	op.Value = map[string]any{"key": key, "value": valueToSerialized(decoded)}
	o.emit(op, inv)
	o.notifyGuarded()
	return op, inv, nil
}

// DeleteField tombstones key, mirroring SetField's local-mutation shape.
func (o *Object) DeleteField(key string) (Op, Op, error) {
	if o.host != nil && o.host.Reentered() {
		return Op{}, Op{}, ReentrantMutationError
	}
	ts := o.tick()
	op := Op{ID: ts, Path: o.Path(), Kind: DeleteField, Value: map[string]any{"key": key}}
	inv, err := o.ApplyOp(op)
	if err != nil {
		return Op{}, Op{}, err
	}
	o.emit(op, inv)
	o.notifyGuarded()
	return op, inv, nil
}

// ApplyOp mutates Object state for a SetField/DeleteField op that targets
// this node directly (already routed here by path) and returns the
// minimal inverse. Ops the node doesn't recognize are dropped.
func (o *Object) ApplyOp(op Op) (Op, error) {
	switch op.Kind {
	case SetField:
		m, _ := op.Value.(map[string]any)
		key, _ := m["key"].(string)
		return o.applySet(key, m["value"], op.ID), nil
	case DeleteField:
		m, _ := op.Value.(map[string]any)
		key, _ := m["key"].(string)
		return o.applyDelete(key, op.ID), nil
	case ReplaceSubtree:
		// ReplaceSubtree at this node's own path is handled by the parent
		// (it replaces the whole node, not a field); nothing to do here.
		return Op{}, nil
	default:
		return Op{}, nil
	}
}

func (o *Object) applySet(key string, value any, ts clock.TS) Op {
	slot, existed := o.fields[key]
	if existed && !ts.After(slot.TS) {
		// Shadowed by a younger write; state is unchanged.
		return Op{}
	}
	var inverse Op
	if existed && !slot.Deleted {
		inverse = Op{Kind: SetField, Path: o.Path(), Value: map[string]any{"key": key, "value": valueToSerialized(slot.Value)}}
	} else {
		inverse = Op{Kind: DeleteField, Path: o.Path(), Value: map[string]any{"key": key}}
	}
	if existed {
		detachChild(o.host, slot.Value)
	}
	decoded := buildValue(value)
	if err := attachChild(o, o.host, key, decoded); err != nil {
		// Caller passed an already-attached node; refuse the write but do
		// not corrupt existing state.
		return Op{}
	}
	o.fields[key] = &FieldSlot{TS: ts, Value: decoded}
	return inverse
}

func (o *Object) applyDelete(key string, ts clock.TS) Op {
	slot, existed := o.fields[key]
	if !existed {
		o.fields[key] = &FieldSlot{TS: ts, Deleted: true}
		return Op{}
	}
	if !ts.After(slot.TS) {
		return Op{}
	}
	var inverse Op
	if !slot.Deleted {
		inverse = Op{Kind: SetField, Path: o.Path(), Value: map[string]any{"key": key, "value": valueToSerialized(slot.Value)}}
		detachChild(o.host, slot.Value)
	}
	o.fields[key] = &FieldSlot{TS: ts, Deleted: true}
	return inverse
}

func (o *Object) tick() clock.TS {
	if o.host == nil {
		return clock.TS{}
	}
	return o.host.Tick()
}

func (o *Object) emit(op Op, inv Op) {
	if o.host == nil {
		return
	}
	o.host.EmitOp(op)
	o.host.CaptureInverse(inv)
}
