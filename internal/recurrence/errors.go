package recurrence

import "errors"

var (
	// ErrConfig marks an invalid stack configuration, detected at construction.
	ErrConfig = errors.New("recurrence: invalid configuration")
	// ErrLayerMismatch is returned when a memory stream does not have one
	// buffer per stack layer.
	ErrLayerMismatch = errors.New("recurrence: memory layer count mismatch")
	// ErrShapeMismatch is returned when memory or input extents disagree.
	ErrShapeMismatch = errors.New("recurrence: shape mismatch")
)
