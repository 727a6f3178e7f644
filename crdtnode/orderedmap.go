package crdtnode

import "github.com/Polqt/lively/clock"

// OrderedMap is the string-keyed, insertion-order-aware map node kind.
// The canonical order is the insertion order implied by
// the smallest Lamport ts ever associated with each key; a remote insert
// is placed at the position that ts implies relative to existing keys.
type OrderedMap struct {
	base
	fields map[string]*FieldSlot
	order []string
	firstSeen map[string]clock.TS
}

// NewOrderedMap builds an unattached, empty OrderedMap node.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{
		fields: make(map[string]*FieldSlot),
		firstSeen: make(map[string]clock.TS),
	}
}

func (m *OrderedMap) Serialize() *SerializedNode {
	data := make(map[string]any, len(m.fields))
	order := make([]string, 0, len(m.order))
	for _, k := range m.order {
		slot := m.fields[k]
		if slot.Deleted {
			continue
		}
		data[k] = valueToSerialized(slot.Value)
		order = append(order, k)
	}
	return &SerializedNode{Kind: KindOrderedMap, Data: data, Order: order}
}

// OrderedKeys returns the live keys in canonical insertion order, for
// callers (e.g. presence UIs) that care about display order.
func (m *OrderedMap) OrderedKeys() []string {
	out := make([]string, 0, len(m.order))
	for _, k := range m.order {
		if slot := m.fields[k]; slot != nil && !slot.Deleted {
			out = append(out, k)
		}
	}
	return out
}

func (m *OrderedMap) Child(key string) (Node, error) {
	slot, ok := m.fields[key]
	if !ok || slot.Deleted {
		return nil, PathError
	}
	n, ok := slot.Value.(Node)
	if !ok {
		return nil, PathError
	}
	return n, nil
}

// MapSet installs value at key, inserting key into the canonical order on
// first write.
func (m *OrderedMap) MapSet(key string, value any) (Op, Op, error) {
	if m.host != nil && m.host.Reentered() {
		return Op{}, Op{}, ReentrantMutationError
	}
	ts := m.tick()
	// See Object.SetField: decode once so the op we emit can carry the
	// portable serialized form instead of a live node's unexported fields.
	decoded := buildValue(value)
	if n, ok := decoded.(Node); ok && n.Attached() {
		return Op{}, Op{}, AttachmentError
	}
	op := Op{ID: ts, Path: m.Path(), Kind: MapSet, Value: map[string]any{"key": key, "value": decoded}}
	inv, err := m.ApplyOp(op)
	if err != nil {
		return Op{}, Op{}, err
	}
	op.Value = map[string]any{"key": key, "value": valueToSerialized(decoded)}
	m.emit(op, inv)
	m.notifyGuarded()
	return op, inv, nil
}

// MapDelete tombstones key.
func (m *OrderedMap) MapDelete(key string) (Op, Op, error) {
	if m.host != nil && m.host.Reentered() {
		return Op{}, Op{}, ReentrantMutationError
	}
	ts := m.tick()
	op := Op{ID: ts, Path: m.Path(), Kind: MapDelete, Value: map[string]any{"key": key}}
	inv, err := m.ApplyOp(op)
	if err != nil {
		return Op{}, Op{}, err
	}
	m.emit(op, inv)
	m.notifyGuarded()
	return op, inv, nil
}

func (m *OrderedMap) ApplyOp(op Op) (Op, error) {
	switch op.Kind {
	case MapSet:
		val, _ := op.Value.(map[string]any)
		key, _ := val["key"].(string)
		return m.applySet(key, val["value"], op.ID), nil
	case MapDelete:
		val, _ := op.Value.(map[string]any)
		key, _ := val["key"].(string)
		return m.applyDelete(key, op.ID), nil
	default:
		return Op{}, nil
	}
}

func (m *OrderedMap) applySet(key string, value any, ts clock.TS) Op {
	slot, existed := m.fields[key]
	if existed && !ts.After(slot.TS) {
		return Op{}
	}
	var inverse Op
	if existed && !slot.Deleted {
		inverse = Op{Kind: MapSet, Path: m.Path(), Value: map[string]any{"key": key, "value": valueToSerialized(slot.Value)}}
	} else {
		inverse = Op{Kind: MapDelete, Path: m.Path(), Value: map[string]any{"key": key}}
	}
	if existed {
		detachChild(m.host, slot.Value)
	} else {
		m.insertIntoOrder(key, ts)
	}
	decoded := buildValue(value)
	if err := attachChild(m, m.host, key, decoded); err != nil {
		return Op{}
	}
	m.fields[key] = &FieldSlot{TS: ts, Value: decoded}
	return inverse
}

func (m *OrderedMap) applyDelete(key string, ts clock.TS) Op {
	slot, existed := m.fields[key]
	if !existed {
		m.insertIntoOrder(key, ts)
		m.fields[key] = &FieldSlot{TS: ts, Deleted: true}
		return Op{}
	}
	if !ts.After(slot.TS) {
		return Op{}
	}
	var inverse Op
	if !slot.Deleted {
		inverse = Op{Kind: MapSet, Path: m.Path(), Value: map[string]any{"key": key, "value": valueToSerialized(slot.Value)}}
		detachChild(m.host, slot.Value)
	}
	m.fields[key] = &FieldSlot{TS: ts, Deleted: true}
	return inverse
}

// insertIntoOrder places key into m.order at the position implied by ts
// relative to the first-seen timestamps of existing keys.
func (m *OrderedMap) insertIntoOrder(key string, ts clock.TS) {
	if _, seen := m.firstSeen[key]; seen {
		return
	}
	m.firstSeen[key] = ts
	idx := len(m.order)
	for i, k := range m.order {
		if ts.Less(m.firstSeen[k]) {
			idx = i
			break
		}
	}
	m.order = append(m.order, "")
	copy(m.order[idx+1:], m.order[idx:])
	m.order[idx] = key
}

func (m *OrderedMap) tick() clock.TS {
	if m.host == nil {
		return clock.TS{}
	}
	return m.host.Tick()
}

func (m *OrderedMap) emit(op Op, inv Op) {
	if m.host == nil {
		return
	}
	m.host.EmitOp(op)
	m.host.CaptureInverse(inv)
}
