package core

import (
	"encoding/json"
	"fmt"
	"slices"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/kilupskalvis/odc/internal/tracking"
)

// bind is a navigation property binding added to an entity payload.
type bind struct {
	property   string
	collection bool
	refs       []string
}

// foldLinks collects the links from d that can travel inside d's insert
// payload as bindings instead of separate $ref requests.
func (r *saveRun) foldLinks(d *tracking.EntityDescriptor, refs map[*tracking.EntityDescriptor]string) ([]*tracking.LinkDescriptor, []*bind) {
	var folded []*tracking.LinkDescriptor
	var binds []*bind
	byProp := make(map[string]*bind)

	for _, l := range r.tracker.LinksFrom(d.Entity) {
		if l.ContentGenerated || l.Target == nil {
			continue
		}
		switch l.State {
		case tracking.Added, tracking.Unchanged, tracking.Modified:
		default:
			continue
		}
		ref, ok := r.foldTarget(d, r.tracker.EntityDescriptor(l.Target), refs)
		if !ok {
			continue
		}

		b, ok := byProp[l.SourceProperty]
		if !ok {
			b = &bind{property: l.SourceProperty, collection: l.IsCollection}
			byProp[l.SourceProperty] = b
			binds = append(binds, b)
		}
		b.refs = append(b.refs, ref)
		folded = append(folded, l)
	}
	return folded, binds
}

// foldTarget returns how owner's payload refers to tgt, if it can. A target
// qualifies when the service already knows it, which includes targets
// created earlier in this save, or when it is created earlier in the same
// changeset.
func (r *saveRun) foldTarget(owner, tgt *tracking.EntityDescriptor, refs map[*tracking.EntityDescriptor]string) (string, bool) {
	if tgt == nil || tgt.State == tracking.Deleted {
		return "", false
	}
	if tgt.State != tracking.Added && tgt.Identity != "" {
		return r.resolve(tgt.Identity), true
	}
	if tgt.SaveResultProcessed != tracking.Detached || tgt.ChangeOrder > owner.ChangeOrder {
		return "", false
	}
	if cid, ok := refs[tgt]; ok {
		return "$" + cid, true
	}
	return "", false
}

// entityPayload serializes d for an insert or update. With
// PostOnlyChangedProperties the payload is limited to the properties marked
// dirty and, for updates, those that differ from the last known state.
func (r *saveRun) entityPayload(d *tracking.EntityDescriptor, binds []*bind) ([]byte, error) {
	full, err := json.Marshal(d.Entity)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", describe(d), err)
	}
	var props map[string]json.RawMessage
	if err := json.Unmarshal(full, &props); err != nil {
		return nil, fmt.Errorf("encode %s: entity must serialize to a JSON object: %w", describe(d), err)
	}
	if props == nil {
		props = make(map[string]json.RawMessage)
	}

	if r.opts.Has(PostOnlyChangedProperties) {
		changed, err := changedProperties(d, full)
		if err != nil {
			return nil, err
		}
		if changed != nil {
			for k := range props {
				if !slices.Contains(changed, k) {
					delete(props, k)
				}
			}
		}
	}

	for _, b := range binds {
		var v any = b.refs[0]
		if b.collection {
			v = b.refs
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		props[b.property+"@odata.bind"] = data
	}
	return json.Marshal(props)
}

// changedProperties returns the top-level properties to send, or nil to
// send everything.
func changedProperties(d *tracking.EntityDescriptor, current []byte) ([]string, error) {
	changed := d.DirtyProperties()
	if snap := d.Snapshot(); d.State != tracking.Added && snap != nil {
		patch, err := jsonpatch.CreateMergePatch(snap, current)
		if err != nil {
			return nil, fmt.Errorf("diff %s: %w", describe(d), err)
		}
		var diff map[string]json.RawMessage
		if err := json.Unmarshal(patch, &diff); err != nil {
			return nil, fmt.Errorf("diff %s: %w", describe(d), err)
		}
		for k := range diff {
			if !slices.Contains(changed, k) {
				changed = append(changed, k)
			}
		}
		if changed == nil {
			changed = []string{}
		}
	}
	if len(changed) == 0 && d.State == tracking.Added {
		return nil, nil
	}
	return changed, nil
}

// refPayload is the body of a $ref request naming the target entity.
func refPayload(ref string) ([]byte, error) {
	return json.Marshal(map[string]string{"@odata.id": ref})
}
