package core

import "strings"

// SaveOptions selects the save strategy and request shape.
type SaveOptions uint

const (
	// ContinueOnError records a failed change and moves on to the next one.
	ContinueOnError SaveOptions = 1 << iota
	// AtomicBatch sends every change in one $batch request inside a single
	// changeset the service applies all-or-nothing.
	AtomicBatch
	// IndependentBatch sends every change in one $batch request, each in its
	// own changeset.
	IndependentBatch
	// ReplaceOnUpdate sends PUT instead of PATCH for modified entities.
	ReplaceOnUpdate
	// PostOnlyChangedProperties limits entity payloads to changed properties.
	PostOnlyChangedProperties
)

// SaveNone is the default: one request per change, stop at the first failure.
const SaveNone SaveOptions = 0

// Has reports whether every flag in f is set.
func (o SaveOptions) Has(f SaveOptions) bool {
	return o&f == f
}

// Batch reports whether either batch strategy is selected.
func (o SaveOptions) Batch() bool {
	return o&(AtomicBatch|IndependentBatch) != 0
}

// Validate rejects mutually exclusive combinations.
func (o SaveOptions) Validate() error {
	if o.Has(AtomicBatch | IndependentBatch) {
		return optionsErr("atomic and independent batch are mutually exclusive")
	}
	if o.Batch() && o.Has(ContinueOnError) {
		return optionsErr("continue on error cannot be combined with a batch strategy")
	}
	return nil
}

func (o SaveOptions) String() string {
	if o == SaveNone {
		return "none"
	}
	var parts []string
	names := []struct {
		f    SaveOptions
		name string
	}{
		{ContinueOnError, "continue-on-error"},
		{AtomicBatch, "atomic-batch"},
		{IndependentBatch, "independent-batch"},
		{ReplaceOnUpdate, "replace-on-update"},
		{PostOnlyChangedProperties, "post-only-changed"},
	}
	for _, n := range names {
		if o.Has(n.f) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}
