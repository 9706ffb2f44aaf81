package store

import "errors"

var (
	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("duplicate record")
	// ErrNotFound is returned by mutations addressing a missing row.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional update finds the row in
	// another state.
	ErrConflict = errors.New("record state conflict")
	// ErrReference is returned when a write points at a missing parent row.
	ErrReference = errors.New("referenced record does not exist")
)
