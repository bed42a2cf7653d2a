package store

import "errors"

var (
	// ErrConflict is returned by OpenPlay when an open, unskipped play
	// already exists. The caller must close or skip it first; this is
	// the sole enforcement point for the single-open-session invariant.
	ErrConflict = errors.New("an open play already exists")

	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
)
