package storage

import "github.com/Polqt/lively/crdtnode"

// History is one document's undo/redo stack. It never crosses
// room rejoins: a fresh Document gets a fresh, empty History.
type History struct {
	undo [][]crdtnode.Op
	redo [][]crdtnode.Op
}

// NewHistory returns an empty undo/redo stack.
func NewHistory() *History {
	return &History{}
}

// Push records a freshly-applied batch of inverses (already in
// undo-application order) and clears redo.
func (h *History) Push(batch []crdtnode.Op) {
	h.undo = append(h.undo, batch)
	h.redo = nil
}

// CanUndo reports whether the undo stack has an entry.
func (h *History) CanUndo() bool { return len(h.undo) > 0 }

// CanRedo reports whether the redo stack has an entry.
func (h *History) CanRedo() bool { return len(h.redo) > 0 }

// popUndo removes and returns the top undo batch.
func (h *History) popUndo() ([]crdtnode.Op, bool) {
	if len(h.undo) == 0 {
		return nil, false
	}
	n := len(h.undo) - 1
	batch := h.undo[n]
	h.undo = h.undo[:n]
	return batch, true
}

// popRedo removes and returns the top redo batch.
func (h *History) popRedo() ([]crdtnode.Op, bool) {
	if len(h.redo) == 0 {
		return nil, false
	}
	n := len(h.redo) - 1
	batch := h.redo[n]
	h.redo = h.redo[:n]
	return batch, true
}

// pushRedo records the forward batch produced by undoing an entry.
func (h *History) pushRedo(batch []crdtnode.Op) {
	h.redo = append(h.redo, batch)
}

// pushUndo records the reverse batch produced by redoing an entry.
func (h *History) pushUndo(batch []crdtnode.Op) {
	h.undo = append(h.undo, batch)
}
