package store

import "errors"

// Sentinel errors shared by every backend. Callers branch on these with
// errors.Is; backends wrap them with detail.
var (
	ErrNotFound    = errors.New("store: not found")
	ErrConflict    = errors.New("store: conflict")
	ErrUnavailable = errors.New("store: unavailable")
)
