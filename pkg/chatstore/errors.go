package chatstore

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidReference is returned when a write would create a message
	// that is its own parent. This is the graph's only mandatory cycle guard.
	ErrInvalidReference = errors.New("invalid reference: message cannot be its own parent")

	// ErrNotFound is returned when a chat, branch or message that a mutating
	// operation requires does not exist. Read paths (chain resolution, branch
	// lookup) absorb this condition into empty or partial results instead.
	ErrNotFound = errors.New("not found")

	// ErrStorageExhausted marks backend out-of-space/quota failures.
	ErrStorageExhausted = errors.New("storage exhausted")

	// ErrCorrupted marks an unreadable backend file or structure.
	ErrCorrupted = errors.New("backend corrupted")
)

// StorageError carries the backend's own error code alongside one of the
// resource-failure sentinels, so callers can match with errors.Is while
// still logging the driver-level cause.
type StorageError struct {
	Op   string
	Code int
	Kind error // ErrStorageExhausted or ErrCorrupted
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s (backend code %d): %v", e.Op, e.Kind, e.Code, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == e.Kind
}
