// Package object implements the per-endpoint object table: id allocation,
// the id→entry mapping, liveness transitions, and cascade retirement of
// child objects.
package object

import "errors"

var (
	ErrInvalidObject     = errors.New("object: invalid object id")
	ErrIDOutOfPartition  = errors.New("object: id outside caller's partition")
	ErrNotPendingDestroy = errors.New("object: entry is not pending destroy")
)
