package storage

import "errors"

var (
	// ErrNotFound is returned by Get when no live entry exists for a key.
	ErrNotFound = errors.New("key not found")

	// ErrCorrupt is returned when a stored value cannot be decoded.
	ErrCorrupt = errors.New("stored value is corrupt")
)
