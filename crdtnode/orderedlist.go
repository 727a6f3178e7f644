package crdtnode

import (
	"sort"

	"github.com/Polqt/lively/clock"
)

// listItem is one entry in an OrderedList, keyed by a dense fractional
// position. Tombstoned items are retained, never garbage collected, so a
// late-arriving concurrent op that addresses them still resolves.
type listItem struct {
	Pos     string
	TS      clock.TS
	Value   any
	Deleted bool
}

// OrderedList is the positional sequence node kind.
type OrderedList struct {
	base
	items []*listItem // kept sorted by (Pos, TS)
}

// NewOrderedList builds an unattached, empty OrderedList node.
func NewOrderedList() *OrderedList {
	return &OrderedList{}
}

func (l *OrderedList) Serialize() *SerializedNode {
	items := make([]any, 0, len(l.items))
	for _, it := range l.items {
		if it.Deleted {
			continue
		}
		items = append(items, valueToSerialized(it.Value))
	}
	return &SerializedNode{Kind: KindOrderedList, Items: items}
}

func (l *OrderedList) Child(key string) (Node, error) {
	idx := l.indexOf(key)
	if idx < 0 || l.items[idx].Deleted {
		return nil, PathError
	}
	n, ok := l.items[idx].Value.(Node)
	if !ok {
		return nil, PathError
	}
	return n, nil
}

func (l *OrderedList) indexOf(pos string) int {
	for i, it := range l.items {
		if it.Pos == pos {
			return i
		}
	}
	return -1
}

// Len returns the number of live (non-tombstoned) elements.
func (l *OrderedList) Len() int {
	n := 0
	for _, it := range l.items {
		if !it.Deleted {
			n++
		}
	}
	return n
}

// PosAt returns the position key of the idx'th live element, for building
// afterPos/beforePos arguments to Insert. ok is false if idx is out of
// range; idx == Len() is valid and means "at the tail".
func (l *OrderedList) PosAt(idx int) (pos string, ok bool) {
	n := -1
	for _, it := range l.items {
		if it.Deleted {
			continue
		}
		n++
		if n == idx {
			return it.Pos, true
		}
	}
	return "", idx == n+1
}

// Insert places value strictly between afterPos and beforePos (either may
// be "" to mean the list's virtual head/tail) and returns the op + its
// inverse (a Delete of the assigned position).
func (l *OrderedList) Insert(afterPos, beforePos string, value any) (Op, Op, error) {
	if l.host != nil && l.host.Reentered() {
		return Op{}, Op{}, ReentrantMutationError
	}
	ts := l.tick()
	// See Object.SetField: decode once so the op we emit can carry the
	// portable serialized form instead of a live node's unexported fields.
	decoded := buildValue(value)
	if n, ok := decoded.(Node); ok && n.Attached() {
		return Op{}, Op{}, AttachmentError
	}
	op := Op{ID: ts, Path: l.Path(), Kind: ListInsert, Value: decoded, AfterPos: afterPos, BeforePos: beforePos}
	inv, err := l.ApplyOp(op)
	if err != nil {
		return Op{}, Op{}, err
	}
	op.Value = valueToSerialized(decoded)
	l.emit(op, inv)
	l.notifyGuarded()
	return op, inv, nil
}

// Delete tombstones the element at pos.
func (l *OrderedList) Delete(pos string) (Op, Op, error) {
	if l.host != nil && l.host.Reentered() {
		return Op{}, Op{}, ReentrantMutationError
	}
	ts := l.tick()
	op := Op{ID: ts, Path: l.Path(), Kind: ListDelete, Pos: pos}
	inv, err := l.ApplyOp(op)
	if err != nil {
		return Op{}, Op{}, err
	}
	l.emit(op, inv)
	l.notifyGuarded()
	return op, inv, nil
}

// Move relocates the element at pos to a new position between afterPos
// and beforePos, preserving its value.
func (l *OrderedList) Move(pos, afterPos, beforePos string) (Op, Op, error) {
	if l.host != nil && l.host.Reentered() {
		return Op{}, Op{}, ReentrantMutationError
	}
	ts := l.tick()
	op := Op{ID: ts, Path: l.Path(), Kind: ListMove, Pos: pos, AfterPos: afterPos, BeforePos: beforePos}
	inv, err := l.ApplyOp(op)
	if err != nil {
		return Op{}, Op{}, err
	}
	l.emit(op, inv)
	l.notifyGuarded()
	return op, inv, nil
}

func (l *OrderedList) ApplyOp(op Op) (Op, error) {
	switch op.Kind {
	case ListInsert:
		return l.applyInsert(op.AfterPos, op.BeforePos, op.Value, op.ID), nil
	case ListDelete:
		return l.applyDelete(op.Pos, op.ID), nil
	case ListMove:
		return l.applyMove(op.Pos, op.AfterPos, op.BeforePos, op.ID), nil
	default:
		return Op{}, nil
	}
}

func (l *OrderedList) applyInsert(afterPos, beforePos string, value any, ts clock.TS) Op {
	pos := Between(afterPos, beforePos)
	decoded := buildValue(value)
	if err := attachChild(l, l.host, pos, decoded); err != nil {
		return Op{}
	}
	it := &listItem{Pos: pos, TS: ts, Value: decoded}
	l.items = append(l.items, it)
	l.resort()
	return Op{Kind: ListDelete, Path: l.Path(), Pos: pos}
}

func (l *OrderedList) applyDelete(pos string, ts clock.TS) Op {
	idx := l.indexOf(pos)
	if idx < 0 {
		// Nothing at this position yet (the corresponding Insert hasn't
		// been applied locally); per-sender ordering means this should
		// not happen for a well-formed op stream, so the delete is
		// dropped rather than guessed at.
		return Op{}
	}
	it := l.items[idx]
	if it.Deleted {
		return Op{}
	}
	detachChild(l.host, it.Value)
	savedValue := valueToSerialized(it.Value)
	it.Deleted = true
	it.TS = ts
	before, after := l.neighbours(idx)
	return Op{Kind: ListInsert, Path: l.Path(), Value: savedValue, AfterPos: before, BeforePos: after}
}

func (l *OrderedList) applyMove(pos, afterPos, beforePos string, ts clock.TS) Op {
	idx := l.indexOf(pos)
	if idx < 0 || l.items[idx].Deleted {
		return Op{}
	}
	value := l.items[idx].Value
	before, after := l.neighbours(idx)
	l.items[idx].Deleted = true
	newPos := Between(afterPos, beforePos)
	l.items = append(l.items, &listItem{Pos: newPos, TS: ts, Value: value})
	l.resort()
	return Op{Kind: ListMove, Path: l.Path(), Pos: newPos, AfterPos: before, BeforePos: after}
}

// neighbours returns the position keys immediately before/after idx among
// live items, or "" at either end of the list.
func (l *OrderedList) neighbours(idx int) (before, after string) {
	for i := idx - 1; i >= 0; i-- {
		if !l.items[i].Deleted {
			before = l.items[i].Pos
			break
		}
	}
	for i := idx + 1; i < len(l.items); i++ {
		if !l.items[i].Deleted {
			after = l.items[i].Pos
			break
		}
	}
	return before, after
}

// resort keeps l.items sorted by (Pos, TS) so that concurrent inserts
// landing on an identical position key are ordered by Lamport tiebreak.
func (l *OrderedList) resort() {
	sort.SliceStable(l.items, func(i, j int) bool {
		a, b := l.items[i], l.items[j]
		if a.Pos != b.Pos {
			return PosLess(a.Pos, b.Pos)
		}
		return a.TS.Less(b.TS)
	})
}

func (l *OrderedList) tick() clock.TS {
	if l.host == nil {
		return clock.TS{}
	}
	return l.host.Tick()
}

func (l *OrderedList) emit(op Op, inv Op) {
	if l.host == nil {
		return
	}
	l.host.EmitOp(op)
	l.host.CaptureInverse(inv)
}
