package router

import (
	"errors"
	"fmt"
)

var (
	ErrNoTiers     = errors.New("router: no tiers configured")
	ErrUnknownTier = errors.New("router: unknown tier")
)

// RoutingError wraps a failed routing operation.
type RoutingError struct {
	Op  string
	Err error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("router.%s: %v", e.Op, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }
