package core

import (
	"net/http"

	"github.com/kilupskalvis/odc/internal/tracking"
)

// OperationResponse is one HTTP exchange performed for a change.
type OperationResponse struct {
	Method     string
	URL        string
	StatusCode int
	Header     http.Header
	Err        error
}

// ChangeResult is the outcome of one pending change.
type ChangeResult struct {
	Descriptor tracking.Descriptor
	// Responses holds one entry per exchange; a media entity insert has two
	// and a link folded into its source entity's payload has none.
	Responses []*OperationResponse
	Err       error
}

// SaveResult is the aggregate outcome of a save.
type SaveResult struct {
	Changes []*ChangeResult
	// BatchResponse is the outer response of a batch save.
	BatchResponse *OperationResponse
}

// Succeeded returns the changes that were applied.
func (r *SaveResult) Succeeded() []*ChangeResult {
	var out []*ChangeResult
	for _, c := range r.Changes {
		if c.Err == nil {
			out = append(out, c)
		}
	}
	return out
}

// Failed returns the changes that failed.
func (r *SaveResult) Failed() []*ChangeResult {
	var out []*ChangeResult
	for _, c := range r.Changes {
		if c.Err != nil {
			out = append(out, c)
		}
	}
	return out
}

// Requests returns the number of HTTP exchanges performed.
func (r *SaveResult) Requests() int {
	if r.BatchResponse != nil {
		return 1
	}
	n := 0
	for _, c := range r.Changes {
		n += len(c.Responses)
	}
	return n
}

func (r *SaveResult) change(d tracking.Descriptor) *ChangeResult {
	for _, c := range r.Changes {
		if c.Descriptor == d {
			return c
		}
	}
	c := &ChangeResult{Descriptor: d}
	r.Changes = append(r.Changes, c)
	return c
}

func (r *SaveResult) errs() []error {
	var out []error
	for _, c := range r.Changes {
		if c.Err != nil {
			out = append(out, c.Err)
		}
	}
	return out
}
