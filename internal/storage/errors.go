package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when an insert collides with an existing row
// that the caller should treat as a conflict rather than retry.
var ErrDuplicate = errors.New("storage: duplicate")
