package kb

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entry does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports a malformed entry. It is raised before any
// mutation is attempted, so a failed call leaves no partial state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid entry: %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a failed durable write or delete. The store
// persists before it mutates memory, so when this surfaces the in-memory
// state still matches the last successfully persisted state.
type PersistenceError struct {
	Op  string
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
