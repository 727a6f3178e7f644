package crdtnode

import "errors"

// AttachmentError is returned when a mutation tries to insert a node that
// is already attached somewhere in a document tree.
var AttachmentError = errors.New("crdtnode: node is already attached")

// PathError is returned when an operation addresses a path that does not
// resolve to a live node (wrong kind, missing key, or the parent itself is
// a primitive).
var PathError = errors.New("crdtnode: path does not resolve to a node")

// ReentrantMutationError is returned when a subscriber callback attempts to
// mutate the document it was notified from.
var ReentrantMutationError = errors.New("crdtnode: mutation attempted from within a notify callback")

// ErrUnknownOp names the unknown-op case. No node kind returns or logs
// it: ApplyOp drops an op kind it does not understand, returning a zero
// inverse and a nil error.
var ErrUnknownOp = errors.New("crdtnode: unknown op kind for this node")
