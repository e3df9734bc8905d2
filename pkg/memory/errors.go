package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by manual lookups for unknown ids. It is a
	// normal outcome, never logged as an anomaly.
	ErrNotFound = errors.New("memory entry not found")

	// ErrEmbeddingUnavailable signals that no vector could be computed.
	// Storage proceeds without one; retrieval degrades to keyword match.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrInvalidKind rejects kinds outside episodic/semantic/procedural.
	ErrInvalidKind = errors.New("invalid memory kind")
)

// StorageError wraps a storage-medium failure. These are fatal to the
// calling operation and always surfaced.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("memory storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
