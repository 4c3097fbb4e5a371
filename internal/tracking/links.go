package tracking

import "slices"

// EnsureRelatable checks whether a link from source through property to
// target may move to state. It returns the state the link should actually
// take: Detached means the link is dropped rather than recorded, because an
// endpoint was never sent to the service.
func (t *Tracker) EnsureRelatable(source any, property string, target any, state State) (State, error) {
	_, _, _, st, err := t.relate("relate", source, property, target, state)
	return st, err
}

func (t *Tracker) relate(op string, source any, property string, target any, state State) (src, tgt *EntityDescriptor, isCollection bool, effective State, err error) {
	src, ok := t.entities[source]
	if !ok {
		return nil, nil, false, Detached, stateErr(op, property, ErrNotTracked)
	}
	if target != nil {
		if tgt, ok = t.entities[target]; !ok {
			return nil, nil, false, Detached, stateErr(op, property, ErrNotTracked)
		}
	} else if state != Modified {
		return nil, nil, false, Detached, stateErr(op, property, ErrTargetRequired)
	}

	isCollection, err = t.resolve(source, property)
	if err != nil {
		return nil, nil, false, Detached, stateErr(op, property, err)
	}

	switch state {
	case Added, Deleted:
		if !isCollection {
			return nil, nil, false, Detached, stateErr(op, property, ErrNotCollection)
		}
	case Modified:
		if isCollection {
			return nil, nil, false, Detached, stateErr(op, property, ErrNotReference)
		}
	}

	if state == Added || state == Unchanged || state == Modified {
		if src.State == Deleted || (tgt != nil && tgt.State == Deleted) {
			return nil, nil, false, Detached, stateErr(op, property, ErrEndpointDeleted)
		}
	}

	if state == Deleted || state == Unchanged {
		if src.State == Added || (tgt != nil && tgt.State == Added) {
			if state == Deleted {
				return src, tgt, isCollection, Detached, nil
			}
			return nil, nil, false, Detached, stateErr(op, property, ErrEndpointAdded)
		}
	}

	return src, tgt, isCollection, state, nil
}

// Link returns the link descriptor for source, property and target, or nil.
// For single-valued properties the target is ignored.
func (t *Tracker) Link(source any, property string, target any) *LinkDescriptor {
	for _, l := range t.links {
		if l.Source != source || l.SourceProperty != property {
			continue
		}
		if !l.IsCollection || l.Target == target {
			return l
		}
	}
	return nil
}

// LinksFrom returns the links whose source is entity.
func (t *Tracker) LinksFrom(entity any) []*LinkDescriptor {
	var out []*LinkDescriptor
	for _, l := range t.links {
		if l.Source == entity {
			out = append(out, l)
		}
	}
	return out
}

func newLink(source any, property string, target any, isCollection bool, state State) *LinkDescriptor {
	return &LinkDescriptor{
		Base:           Base{State: state, ChangeOrder: NoChangeOrder},
		Source:         source,
		SourceProperty: property,
		Target:         target,
		IsCollection:   isCollection,
	}
}

// AddLink records a new member of a collection navigation property.
func (t *Tracker) AddLink(source any, property string, target any) (*LinkDescriptor, error) {
	_, _, isCollection, _, err := t.relate("add link", source, property, target, Added)
	if err != nil {
		return nil, err
	}

	if l := t.Link(source, property, target); l != nil {
		if l.State != Deleted {
			return nil, stateErr("add link", property, ErrLinkExists)
		}
		// Re-adding a link pending deletion cancels the deletion.
		l.markClean()
		return l, nil
	}

	l := newLink(source, property, target, isCollection, Added)
	l.markDirty()
	t.links = append(t.links, l)
	return l, nil
}

// AttachLink tracks a link that already exists on the service.
func (t *Tracker) AttachLink(source any, property string, target any) (*LinkDescriptor, error) {
	_, _, isCollection, _, err := t.relate("attach link", source, property, target, Unchanged)
	if err != nil {
		return nil, err
	}
	if t.Link(source, property, target) != nil {
		return nil, stateErr("attach link", property, ErrLinkExists)
	}

	l := newLink(source, property, target, isCollection, Unchanged)
	t.links = append(t.links, l)
	return l, nil
}

// DeleteLink records the removal of a collection member. Links involving an
// entity that was never saved are dropped instead.
func (t *Tracker) DeleteLink(source any, property string, target any) error {
	_, _, isCollection, effective, err := t.relate("delete link", source, property, target, Deleted)
	if err != nil {
		return err
	}

	l := t.Link(source, property, target)
	if effective == Detached {
		if l != nil {
			t.removeLink(l)
		}
		return nil
	}

	switch {
	case l == nil:
		l = newLink(source, property, target, isCollection, Deleted)
		l.markDirty()
		t.links = append(t.links, l)
	case l.State == Added:
		t.removeLink(l)
	case l.State != Deleted:
		l.State = Deleted
		l.markDirty()
	}
	return nil
}

// SetLink points a single-valued navigation property at target. A nil
// target clears the reference.
func (t *Tracker) SetLink(source any, property string, target any) (*LinkDescriptor, error) {
	if _, _, _, _, err := t.relate("set link", source, property, target, Modified); err != nil {
		return nil, err
	}

	l := t.Link(source, property, nil)
	if l == nil {
		l = newLink(source, property, target, false, Modified)
		t.links = append(t.links, l)
	}
	l.Target = target
	l.State = Modified
	l.markDirty()
	return l, nil
}

// DetachLink stops tracking a link without telling the service.
func (t *Tracker) DetachLink(source any, property string, target any) bool {
	l := t.Link(source, property, target)
	if l == nil {
		return false
	}
	t.removeLink(l)
	return true
}

func (t *Tracker) removeLink(l *LinkDescriptor) {
	t.links = slices.DeleteFunc(t.links, func(o *LinkDescriptor) bool { return o == l })
	l.State = Detached
}
