package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist in scope.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a write would break a session invariant.
var ErrConflict = errors.New("storage: conflict")
