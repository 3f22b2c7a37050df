package segment

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateKey      = errors.New("segment: key already exists")
	ErrNotFound          = errors.New("segment: key not found")
	ErrImmutable         = errors.New("segment: namespace is write-once")
	ErrCorrupt           = errors.New("segment: record corrupted")
	ErrDimensionMismatch = errors.New("segment: embedding dimension mismatch")
	ErrEmptyKey          = errors.New("segment: empty key")
)

// StorageError carries the operation and key of a failed store call.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("segment.%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("segment.%s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Key: key, Err: err}
}
