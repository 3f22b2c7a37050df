package index

import (
	"errors"
	"fmt"
)

var (
	ErrDimensionMismatch = errors.New("index: vector dimension mismatch")
	ErrAlreadyRunning    = errors.New("index: maintenance task already running")
)

// IndexError wraps a failed index operation with the index name.
type IndexError struct {
	Op    string
	Index string
	Err   error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index.%s [%s]: %v", e.Op, e.Index, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }
