package tracking

import (
	"fmt"
	"io"
	"reflect"
	"slices"
	"sort"
)

// Tracker is the set of descriptors of one client context. It is not safe
// for concurrent use; a save in progress owns it until it completes.
type Tracker struct {
	entities   map[any]*EntityDescriptor
	entityList []*EntityDescriptor
	identities map[string]*EntityDescriptor
	links      []*LinkDescriptor
	resolve    NavigationResolver
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithNavigationResolver replaces the reflection based navigation resolver.
func WithNavigationResolver(r NavigationResolver) Option {
	return func(t *Tracker) { t.resolve = r }
}

// New creates an empty Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		entities:   make(map[any]*EntityDescriptor),
		identities: make(map[string]*EntityDescriptor),
		resolve:    ReflectNavigation,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func validEntity(entity any) bool {
	if entity == nil {
		return false
	}
	v := reflect.ValueOf(entity)
	return v.Kind() == reflect.Pointer && !v.IsNil()
}

// AddEntity starts tracking a new entity that will be inserted into set.
func (t *Tracker) AddEntity(set string, entity any) (*EntityDescriptor, error) {
	if !validEntity(entity) {
		return nil, stateErr("add entity", "", ErrInvalidEntity)
	}
	if set == "" {
		return nil, stateErr("add entity", "", fmt.Errorf("entity set name is required"))
	}
	if _, ok := t.entities[entity]; ok {
		return nil, stateErr("add entity", "", ErrAlreadyTracked)
	}

	d := &EntityDescriptor{
		Base:      Base{State: Added, ChangeOrder: NoChangeOrder},
		Entity:    entity,
		EntitySet: set,
	}
	d.markDirty()
	t.insert(d)
	return d, nil
}

// AttachEntity starts tracking an entity that already exists on the service.
func (t *Tracker) AttachEntity(set string, entity any, identity, etag string) (*EntityDescriptor, error) {
	if !validEntity(entity) {
		return nil, stateErr("attach entity", "", ErrInvalidEntity)
	}
	if identity == "" {
		return nil, stateErr("attach entity", "", fmt.Errorf("identity is required"))
	}
	if _, ok := t.entities[entity]; ok {
		return nil, stateErr("attach entity", "", ErrAlreadyTracked)
	}
	if _, ok := t.identities[identity]; ok {
		return nil, stateErr("attach entity", "", ErrIdentityInUse)
	}

	d := &EntityDescriptor{
		Base:      Base{State: Unchanged, ChangeOrder: NoChangeOrder},
		Entity:    entity,
		EntitySet: set,
		Identity:  identity,
		EditLink:  identity,
		ETag:      etag,
	}
	if err := d.TakeSnapshot(); err != nil {
		return nil, stateErr("attach entity", "", fmt.Errorf("snapshot entity: %w", err))
	}
	t.insert(d)
	return d, nil
}

func (t *Tracker) insert(d *EntityDescriptor) {
	t.entities[d.Entity] = d
	t.entityList = append(t.entityList, d)
	if d.Identity != "" {
		t.identities[d.Identity] = d
	}
}

// UpdateEntity marks an entity modified. Named properties are added to the
// dirty property list.
func (t *Tracker) UpdateEntity(entity any, props ...string) error {
	d, ok := t.entities[entity]
	if !ok {
		return stateErr("update entity", "", ErrNotTracked)
	}
	if d.State == Deleted {
		return stateErr("update entity", "", ErrEntityDeleted)
	}
	if d.State == Unchanged {
		d.State = Modified
	}
	d.addDirty(props)
	d.markDirty()
	return nil
}

// DeleteEntity marks an entity deleted. An entity that was never saved is
// detached instead.
func (t *Tracker) DeleteEntity(entity any) error {
	d, ok := t.entities[entity]
	if !ok {
		return stateErr("delete entity", "", ErrNotTracked)
	}

	switch d.State {
	case Added:
		t.Detach(entity)
	case Unchanged, Modified:
		d.State = Deleted
		d.markDirty()
		t.links = slices.DeleteFunc(t.links, func(l *LinkDescriptor) bool {
			return l.State == Added && (l.Source == entity || l.Target == entity)
		})
	}
	return nil
}

// Detach stops tracking an entity together with its links and streams.
func (t *Tracker) Detach(entity any) bool {
	d, ok := t.entities[entity]
	if !ok {
		return false
	}
	t.forgetEntity(d)
	return true
}

func (t *Tracker) forgetEntity(d *EntityDescriptor) {
	delete(t.entities, d.Entity)
	if d.Identity != "" && t.identities[d.Identity] == d {
		delete(t.identities, d.Identity)
	}
	t.entityList = slices.DeleteFunc(t.entityList, func(e *EntityDescriptor) bool { return e == d })
	t.links = slices.DeleteFunc(t.links, func(l *LinkDescriptor) bool {
		if l.Source == d.Entity || (l.Target != nil && l.Target == d.Entity) {
			l.State = Detached
			return true
		}
		return false
	})
	d.State = Detached
}

// EntityDescriptor returns the descriptor tracking entity, or nil.
func (t *Tracker) EntityDescriptor(entity any) *EntityDescriptor {
	return t.entities[entity]
}

// EntityByIdentity returns the descriptor with the given identity, or nil.
func (t *Tracker) EntityByIdentity(identity string) *EntityDescriptor {
	return t.identities[identity]
}

// Entities returns the tracked entity descriptors in tracking order.
func (t *Tracker) Entities() []*EntityDescriptor {
	return slices.Clone(t.entityList)
}

// Links returns the tracked link descriptors in tracking order.
func (t *Tracker) Links() []*LinkDescriptor {
	return slices.Clone(t.links)
}

// SetSaveStream sets the default stream content of a media entity.
func (t *Tracker) SetSaveStream(entity any, src io.Reader, closeOnComplete bool, contentType, slug string) error {
	d, ok := t.entities[entity]
	if !ok {
		return stateErr("set save stream", "", ErrNotTracked)
	}
	if d.State == Deleted {
		return stateErr("set save stream", "", ErrEntityDeleted)
	}
	if src == nil {
		return stateErr("set save stream", "", fmt.Errorf("stream source is required"))
	}

	d.MediaUpload = &Upload{
		Source:          src,
		CloseOnComplete: closeOnComplete,
		ContentType:     contentType,
		Slug:            slug,
	}
	if d.State == Added {
		d.StreamState = Added
	} else {
		d.StreamState = Modified
	}
	d.markDirty()
	return nil
}

// SetNamedStream sets the content of a named stream of entity.
func (t *Tracker) SetNamedStream(entity any, name string, src io.Reader, closeOnComplete bool, contentType string) (*StreamDescriptor, error) {
	d, ok := t.entities[entity]
	if !ok {
		return nil, stateErr("set named stream", name, ErrNotTracked)
	}
	if d.State == Deleted {
		return nil, stateErr("set named stream", name, ErrEntityDeleted)
	}
	if name == "" || src == nil {
		return nil, stateErr("set named stream", name, fmt.Errorf("stream name and source are required"))
	}

	s, ok := d.streams[name]
	if !ok {
		s = &StreamDescriptor{
			Base:  Base{State: Unchanged, ChangeOrder: NoChangeOrder},
			Owner: d,
			Name:  name,
		}
		if d.streams == nil {
			d.streams = make(map[string]*StreamDescriptor)
		}
		d.streams[name] = s
	}
	s.ContentType = contentType
	s.Upload = &Upload{Source: src, CloseOnComplete: closeOnComplete, ContentType: contentType}
	s.State = Modified
	s.markDirty()
	return s, nil
}

// Pending returns every dirty descriptor that takes part in the next save,
// ordered by ascending change order.
func (t *Tracker) Pending() []Descriptor {
	var out []Descriptor
	add := func(d Descriptor, dirty bool) {
		if dirty && d.Common().ChangeOrder != NoChangeOrder {
			out = append(out, d)
		}
	}
	for _, e := range t.entityList {
		add(e, e.IsDirty())
		for _, s := range e.streams {
			add(s, s.State != Unchanged)
		}
	}
	for _, l := range t.links {
		add(l, l.State != Unchanged)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Common().ChangeOrder < out[j].Common().ChangeOrder
	})
	return out
}

// HasChanges reports whether a save would send anything.
func (t *Tracker) HasChanges() bool {
	return len(t.Pending()) > 0
}

// Exclude removes a descriptor from the next save without changing its state.
func (t *Tracker) Exclude(d Descriptor) {
	d.Common().ChangeOrder = NoChangeOrder
}

// Include puts an excluded dirty descriptor back at the end of the save order.
func (t *Tracker) Include(d Descriptor) {
	d.Common().markDirty()
}

// BeginSave resets the per-save bookkeeping of every descriptor.
func (t *Tracker) BeginSave() {
	reset := func(b *Base) {
		b.ContentGenerated = false
		b.SaveResultProcessed = Detached
	}
	for _, e := range t.entityList {
		reset(&e.Base)
		for _, s := range e.streams {
			reset(&s.Base)
		}
	}
	for _, l := range t.links {
		reset(&l.Base)
	}
}

// SetIdentity records the service identity and edit link of an entity.
func (t *Tracker) SetIdentity(d *EntityDescriptor, identity, editLink string) error {
	if identity != "" && identity != d.Identity {
		if other, ok := t.identities[identity]; ok && other != d {
			return fmt.Errorf("identity %s: %w", identity, ErrIdentityInUse)
		}
		if d.Identity != "" {
			delete(t.identities, d.Identity)
		}
		d.Identity = identity
		t.identities[identity] = d
	}
	if editLink != "" {
		d.EditLink = editLink
	} else if d.EditLink == "" {
		d.EditLink = d.Identity
	}
	return nil
}

// Commit records a successfully applied response: the descriptor becomes
// Unchanged and remembers the state it was saved from.
func (t *Tracker) Commit(d Descriptor) {
	b := d.Common()
	b.SaveResultProcessed = b.State
	switch v := d.(type) {
	case *EntityDescriptor:
		v.ClearDirty()
		if v.StreamState == Added || v.StreamState == Modified {
			v.StreamState = Unchanged
			v.MediaUpload = nil
		}
	case *StreamDescriptor:
		v.Upload = nil
	case *LinkDescriptor:
	}
	b.markClean()
}

// Forget removes a descriptor from the set after its deletion was saved.
func (t *Tracker) Forget(d Descriptor) {
	b := d.Common()
	b.SaveResultProcessed = b.State
	switch v := d.(type) {
	case *EntityDescriptor:
		t.forgetEntity(v)
	case *LinkDescriptor:
		t.removeLink(v)
	case *StreamDescriptor:
		delete(v.Owner.streams, v.Name)
		v.State = Detached
	}
}
