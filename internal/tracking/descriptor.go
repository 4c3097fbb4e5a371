package tracking

import (
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"sort"
	"sync"
)

// Descriptor is a change record for one entity, link, or named stream.
// The set of implementations is closed: *EntityDescriptor, *LinkDescriptor
// and *StreamDescriptor.
type Descriptor interface {
	Common() *Base
	isDescriptor()
}

// Base holds the fields shared by every descriptor.
type Base struct {
	State State
	// ChangeOrder is assigned when the descriptor first becomes dirty.
	ChangeOrder uint64
	// ContentGenerated is set once a payload was produced for this save,
	// including a link folded into its source entity's payload.
	ContentGenerated bool
	// SaveResultProcessed is the state the descriptor had when its response
	// was applied during the current save. Detached means not yet processed.
	SaveResultProcessed State
	// Err is the last failure recorded for this descriptor.
	Err error
}

// Common returns the shared descriptor fields.
func (b *Base) Common() *Base { return b }

func (b *Base) markDirty() {
	if b.ChangeOrder == NoChangeOrder {
		b.ChangeOrder = nextChangeOrder()
	}
}

func (b *Base) markClean() {
	b.State = Unchanged
	b.ChangeOrder = NoChangeOrder
	b.Err = nil
}

// Upload is a pending stream upload.
type Upload struct {
	Source          io.Reader
	CloseOnComplete bool
	ContentType     string
	// Slug is sent as the Slug header when the upload creates a media resource.
	Slug   string
	Header http.Header

	closeOnce sync.Once
}

// Read reads from the source.
func (u *Upload) Read(p []byte) (int, error) {
	return u.Source.Read(p)
}

// Close closes the source when the upload owns it. Safe to call repeatedly.
func (u *Upload) Close() error {
	var err error
	u.closeOnce.Do(func() {
		if !u.CloseOnComplete {
			return
		}
		if c, ok := u.Source.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}

// EntityDescriptor tracks one entity object. The object itself belongs to
// the caller.
type EntityDescriptor struct {
	Base

	Entity    any
	EntitySet string
	Identity  string
	EditLink  string
	ETag      string

	// StreamState is the state of the default (media resource) stream.
	// Detached means the entity has no pending default stream.
	StreamState State
	// MediaUpload is the pending default stream content.
	MediaUpload *Upload
	// MediaEditLink is the edit-media link advertised by the service.
	MediaEditLink string

	dirty    []string
	streams  map[string]*StreamDescriptor
	snapshot []byte
}

func (*EntityDescriptor) isDescriptor() {}

// DirtyProperties returns the properties marked modified since the last save.
func (d *EntityDescriptor) DirtyProperties() []string {
	return slices.Clone(d.dirty)
}

func (d *EntityDescriptor) addDirty(props []string) {
	for _, p := range props {
		if !slices.Contains(d.dirty, p) {
			d.dirty = append(d.dirty, p)
		}
	}
}

// ClearDirty empties the dirty property list.
func (d *EntityDescriptor) ClearDirty() {
	d.dirty = nil
}

// IsDirty reports whether the entity or its default stream has pending changes.
func (d *EntityDescriptor) IsDirty() bool {
	return d.State != Unchanged || d.StreamState == Added || d.StreamState == Modified
}

// Streams returns the named streams of the entity ordered by name.
func (d *EntityDescriptor) Streams() []*StreamDescriptor {
	out := make([]*StreamDescriptor, 0, len(d.streams))
	for _, s := range d.streams {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stream returns the named stream descriptor, or nil.
func (d *EntityDescriptor) Stream(name string) *StreamDescriptor {
	return d.streams[name]
}

// Snapshot returns the JSON form of the entity as last known to the service.
func (d *EntityDescriptor) Snapshot() []byte {
	return d.snapshot
}

// TakeSnapshot records the current JSON form of the entity.
func (d *EntityDescriptor) TakeSnapshot() error {
	data, err := json.Marshal(d.Entity)
	if err != nil {
		return err
	}
	d.snapshot = data
	return nil
}

// LinkDescriptor tracks a reference between two entities. A nil Target on a
// single-valued navigation property clears the reference.
type LinkDescriptor struct {
	Base

	Source         any
	SourceProperty string
	Target         any
	IsCollection   bool
}

func (*LinkDescriptor) isDescriptor() {}

// StreamDescriptor tracks a named stream owned by an entity.
type StreamDescriptor struct {
	Base

	Owner       *EntityDescriptor
	Name        string
	EditLink    string
	SelfLink    string
	ETag        string
	ContentType string
	Upload      *Upload
}

func (*StreamDescriptor) isDescriptor() {}
