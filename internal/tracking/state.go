// Package tracking holds the client-side change tracking data model: one
// descriptor per tracked entity, reference link, and named stream, each
// carrying its pending state and a global change order that fixes the order
// in which pending changes are sent to the service.
package tracking

import (
	"fmt"
	"math"
	"sync/atomic"
)

// State is the pending state of a descriptor.
type State int

const (
	Detached State = iota
	Added
	Unchanged
	Modified
	Deleted
)

func (s State) String() string {
	switch s {
	case Detached:
		return "detached"
	case Added:
		return "added"
	case Unchanged:
		return "unchanged"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// NoChangeOrder marks a descriptor as excluded from the current save.
// Clean descriptors carry it too.
const NoChangeOrder uint64 = math.MaxUint64

// changeCounter is shared by every Tracker in the process so that change
// orders are comparable across trackers.
var changeCounter atomic.Uint64

func nextChangeOrder() uint64 {
	return changeCounter.Add(1)
}
