package crdtnode

// Kind tags the three node variants in their portable form.
type Kind string

const (
	KindObject      Kind = "object"
	KindOrderedMap  Kind = "orderedMap"
	KindOrderedList Kind = "orderedList"
)

// SerializedNode is the wire/persisted form of a CRDT node. Data holds
// object/orderedMap fields; Items holds orderedList elements. Each value
// in Data/Items is either a JSON primitive (string, float64, bool, nil) or
// a nested *SerializedNode.
type SerializedNode struct {
	Kind  Kind           `json:"kind"`
	Data  map[string]any `json:"data,omitempty"`
	Items []any          `json:"items,omitempty"`
	// Order gives Data's keys in canonical insertion order for an
	// orderedMap node. Go maps have no declared order and Data round-trips
	// through encoding/json with its keys sorted, so Order is what actually
	// carries orderedMap's order across the wire and into persistence;
	// unused for object/orderedList kinds.
	Order []string `json:"order,omitempty"`
}

// valueToSerialized converts a live field/item value (primitive or Node)
// into its portable form.
func valueToSerialized(v any) any {
	if n, ok := v.(Node); ok {
		return n.Serialize()
	}
	return v
}

// Decode rebuilds typed *SerializedNode values out of the generic
// map[string]interface{}/[]interface{} shape produced by json.Unmarshal
// into an `any`, which is what happens whenever a SerializedNode round
// -trips through encoding/json without a concrete destination type (e.g.
// loading a persisted Snapshot). Primitives pass through unchanged.
func Decode(raw any) any {
	switch v := raw.(type) {
	case map[string]any:
		kindRaw, hasKind := v["kind"]
		kindStr, _ := kindRaw.(string)
		if !hasKind {
			return v
		}
		sn := &SerializedNode{Kind: Kind(kindStr)}
		if data, ok := v["data"].(map[string]any); ok {
			sn.Data = make(map[string]any, len(data))
			for k, val := range data {
				sn.Data[k] = Decode(val)
			}
		}
		if items, ok := v["items"].([]any); ok {
			sn.Items = make([]any, len(items))
			for i, val := range items {
				sn.Items[i] = Decode(val)
			}
		}
		if order, ok := v["order"].([]any); ok {
			sn.Order = make([]string, 0, len(order))
			for _, val := range order {
				if k, ok := val.(string); ok {
					sn.Order = append(sn.Order, k)
				}
			}
		}
		return sn
	default:
		return raw
	}
}
