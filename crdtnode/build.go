package crdtnode

// buildValue turns a value supplied to a mutation method (a primitive, a
// map[string]any destined to become a nested Object, or an already
// -decoded *SerializedNode) into the form stored in a FieldSlot/list item:
// a primitive, or a freshly-built, still-unattached Node.
func buildValue(raw any) any {
	switch v := raw.(type) {
	case *SerializedNode:
		return Build(v)
	case Node:
		return v
	case map[string]any:
		if _, hasKind := v["kind"]; hasKind {
			return Build(Decode(v).(*SerializedNode))
		}
		return Build(&SerializedNode{Kind: KindObject, Data: v})
	default:
		return v
	}
}

// Build constructs an unattached node tree from its serialized form,
// suitable for installing via SetField/MapSet/ListInsert or for seeding a
// Document's root from a persisted Snapshot or an inbound
// storage:init message.
func Build(sn *SerializedNode) Node {
	if sn == nil {
		return nil
	}
	switch sn.Kind {
	case KindOrderedMap:
		m := NewOrderedMap()
		for _, k := range orderedKeysOf(sn) {
			m.fields[k] = &FieldSlot{Value: buildValue(sn.Data[k])}
			m.order = append(m.order, k)
		}
		return m
	case KindOrderedList:
		l := NewOrderedList()
		prev := ""
		for _, raw := range sn.Items {
			pos := Between(prev, "")
			l.items = append(l.items, &listItem{Pos: pos, Value: buildValue(raw)})
			prev = pos
		}
		return l
	default:
		o := NewObject()
		for k, raw := range sn.Data {
			o.fields[k] = &FieldSlot{Value: buildValue(raw)}
		}
		return o
	}
}

// orderedKeysOf returns sn.Data's keys in canonical order. sn.Order carries
// that order across the wire and through persistence (see SerializedNode);
// only a malformed or hand-built SerializedNode missing Order falls back to
// Data's arbitrary Go map iteration order.
func orderedKeysOf(sn *SerializedNode) []string {
	if sn.Order != nil {
		return sn.Order
	}
	keys := make([]string, 0, len(sn.Data))
	for k := range sn.Data {
		keys = append(keys, k)
	}
	return keys
}
