package tracking

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidEntity   = errors.New("entity must be a non-nil pointer")
	ErrNotTracked      = errors.New("entity is not tracked")
	ErrAlreadyTracked  = errors.New("entity is already tracked")
	ErrIdentityInUse   = errors.New("identity is already tracked")
	ErrEntityDeleted   = errors.New("entity is deleted")
	ErrEndpointDeleted = errors.New("link endpoint is deleted")
	ErrEndpointAdded   = errors.New("link endpoint has not been saved")
	ErrNotCollection   = errors.New("navigation property is not a collection")
	ErrNotReference    = errors.New("navigation property is a collection")
	ErrLinkExists      = errors.New("link is already tracked")
	ErrTargetRequired  = errors.New("link target is required")
)

// StateError reports an illegal state transition requested by the caller.
// Nothing is mutated when one is returned.
type StateError struct {
	Op       string
	Property string
	Err      error
}

func (e *StateError) Error() string {
	if e.Property != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Property, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

func stateErr(op, property string, err error) error {
	return &StateError{Op: op, Property: property, Err: err}
}
