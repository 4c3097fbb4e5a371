package core

import (
	"errors"
	"fmt"
)

var (
	// ErrConflictingOptions is returned for mutually exclusive save options.
	ErrConflictingOptions = errors.New("conflicting save options")
	// ErrCanceled is returned when a save is canceled before it finished.
	ErrCanceled = errors.New("save canceled")
	// ErrStreamInBatch is returned when a batch save would include a stream upload.
	ErrStreamInBatch = errors.New("stream uploads cannot be sent in a batch")
	// ErrMissingLocation is returned when an insert response carries no location.
	ErrMissingLocation = errors.New("insert response has no Location header")
	// ErrNotSaved is returned when a change needs an entity the service does
	// not know yet.
	ErrNotSaved = errors.New("entity has not been saved")
	// ErrNoResponse is returned when a batch response lacks the part for a change.
	ErrNoResponse = errors.New("no response for change")
)

func optionsErr(msg string) error {
	return fmt.Errorf("%w: %s", ErrConflictingOptions, msg)
}

// InvariantError is an internal defect, such as a response applied to a
// descriptor in an unexpected state. It always aborts the save.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "internal invariant violated: " + e.Msg
}

func invariant(format string, args ...any) error {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}

// SaveError aggregates every change that failed during a save.
type SaveError struct {
	Result *SaveResult
	Errs   []error
}

func (e *SaveError) Error() string {
	if len(e.Errs) == 1 {
		return "save changes: " + e.Errs[0].Error()
	}
	return fmt.Sprintf("save changes: %d changes failed; first: %v", len(e.Errs), e.Errs[0])
}

// Unwrap exposes every per-change error to errors.Is and errors.As.
func (e *SaveError) Unwrap() []error {
	return e.Errs
}
