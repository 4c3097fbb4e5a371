package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/kilupskalvis/odc/internal/models"
	"github.com/kilupskalvis/odc/internal/tracking"
	"gopkg.in/yaml.v3"
)

// Change script operations.
const (
	opAdd        = "add"
	opAttach     = "attach"
	opUpdate     = "update"
	opDelete     = "delete"
	opAddLink    = "add-link"
	opAttachLink = "attach-link"
	opDeleteLink = "delete-link"
	opSetLink    = "set-link"
	opMedia      = "media"
	opStream     = "stream"
)

// Script is a YAML change script: navigation properties per entity set and
// an ordered list of changes applied to a tracker.
//
//	navigation:
//	  People:
//	    Orders: many
//	    Manager: one
//	changes:
//	  - {op: add, key: o1, set: Orders, properties: {Total: 12}}
//	  - {op: attach, key: alice, set: People}
//	  - {op: add-link, source: alice, property: Orders, target: o1}
type Script struct {
	Navigation map[string]map[string]string `yaml:"navigation"`
	Changes    []Change                     `yaml:"changes"`
}

// Change is one entry of a change script. Which fields apply depends on Op.
type Change struct {
	Op         string         `yaml:"op"`
	Key        string         `yaml:"key"`
	Set        string         `yaml:"set"`
	Identity   string         `yaml:"identity"`
	ETag       string         `yaml:"etag"`
	Properties map[string]any `yaml:"properties"`
	Changed    []string       `yaml:"changed"`

	Source   string `yaml:"source"`
	Property string `yaml:"property"`
	Target   string `yaml:"target"`

	Name        string `yaml:"name"`
	File        string `yaml:"file"`
	ContentType string `yaml:"content_type"`
	Slug        string `yaml:"slug"`
}

// ReadScript decodes a change script.
func ReadScript(r io.Reader) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode change script: %w", err)
	}
	return &s, nil
}

// record is the entity object tracked for a script key. It serializes to
// its property bag.
type record struct {
	key        string
	set        string
	Properties map[string]any
}

func newRecord(key, set string, props map[string]any) *record {
	r := &record{key: key, set: set, Properties: make(map[string]any)}
	for k, v := range props {
		r.Properties[k] = v
	}
	return r
}

func (r *record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Properties)
}

func (r *record) UnmarshalJSON(data []byte) error {
	var props map[string]any
	if err := json.Unmarshal(data, &props); err != nil {
		return err
	}
	if r.Properties == nil {
		r.Properties = make(map[string]any)
	}
	for k, v := range props {
		r.Properties[k] = v
	}
	return nil
}

// identityLookup finds what an earlier save recorded for a script key.
type identityLookup interface {
	GetIdentity(key string) (*models.IdentityRecord, error)
}

// workspace applies a script to a tracker.
type workspace struct {
	tracker *tracking.Tracker
	known   identityLookup
	dir     string
	script  *Script
	records map[string]*record
	keys    []string
	files   []*os.File
}

func newWorkspace(s *Script, known identityLookup, dir string) *workspace {
	w := &workspace{
		known:   known,
		dir:     dir,
		script:  s,
		records: make(map[string]*record),
	}
	w.tracker = tracking.New(tracking.WithNavigationResolver(w.navigation))
	return w
}

// navigation resolves navigation properties from the script declarations.
func (w *workspace) navigation(entity any, property string) (bool, error) {
	r, ok := entity.(*record)
	if !ok {
		return false, fmt.Errorf("%T is not a script entity", entity)
	}
	switch w.script.Navigation[r.set][property] {
	case "many":
		return true, nil
	case "one":
		return false, nil
	}
	return false, fmt.Errorf("%s has no navigation property %q", r.set, property)
}

// Apply records every change of the script in the tracker, in order.
func (w *workspace) Apply() error {
	for i, c := range w.script.Changes {
		if err := w.apply(c); err != nil {
			return fmt.Errorf("change %d (%s): %w", i+1, c.Op, err)
		}
	}
	return nil
}

func (w *workspace) apply(c Change) error {
	switch c.Op {
	case opAdd:
		if err := w.requireNew(c.Key); err != nil {
			return err
		}
		r := newRecord(c.Key, c.Set, c.Properties)
		if _, err := w.tracker.AddEntity(c.Set, r); err != nil {
			return err
		}
		w.remember(r)
		return nil

	case opAttach:
		if err := w.requireNew(c.Key); err != nil {
			return err
		}
		_, err := w.attach(c.Key, c.Set, c.Identity, c.ETag, c.Properties)
		return err

	case opUpdate:
		r, err := w.lookup(c.Key)
		if err != nil {
			return err
		}
		for k, v := range c.Properties {
			r.Properties[k] = v
		}
		changed := c.Changed
		if len(changed) == 0 {
			changed = sortedKeys(c.Properties)
		}
		return w.tracker.UpdateEntity(r, changed...)

	case opDelete:
		r, err := w.lookup(c.Key)
		if err != nil {
			return err
		}
		return w.tracker.DeleteEntity(r)

	case opAddLink, opAttachLink, opDeleteLink, opSetLink:
		return w.applyLink(c)

	case opMedia:
		r, err := w.lookup(c.Key)
		if err != nil {
			return err
		}
		f, err := w.open(c.File)
		if err != nil {
			return err
		}
		return w.tracker.SetSaveStream(r, f, true, c.ContentType, c.Slug)

	case opStream:
		r, err := w.lookup(c.Key)
		if err != nil {
			return err
		}
		f, err := w.open(c.File)
		if err != nil {
			return err
		}
		_, err = w.tracker.SetNamedStream(r, c.Name, f, true, c.ContentType)
		return err
	}
	return fmt.Errorf("unknown operation %q", c.Op)
}

func (w *workspace) applyLink(c Change) error {
	src, err := w.lookup(c.Source)
	if err != nil {
		return err
	}
	var tgt any
	if c.Target != "" {
		r, err := w.lookup(c.Target)
		if err != nil {
			return err
		}
		tgt = r
	} else if c.Op != opSetLink {
		return fmt.Errorf("link target is required")
	}

	switch c.Op {
	case opAddLink:
		_, err = w.tracker.AddLink(src, c.Property, tgt)
	case opAttachLink:
		_, err = w.tracker.AttachLink(src, c.Property, tgt)
	case opDeleteLink:
		err = w.tracker.DeleteLink(src, c.Property, tgt)
	case opSetLink:
		_, err = w.tracker.SetLink(src, c.Property, tgt)
	}
	return err
}

func (w *workspace) requireNew(key string) error {
	if key == "" {
		return fmt.Errorf("entity key is required")
	}
	if _, ok := w.records[key]; ok {
		return fmt.Errorf("entity %q is already in the script", key)
	}
	return nil
}

// lookup returns the record for key, attaching it from the identity store
// when the script has not mentioned it yet.
func (w *workspace) lookup(key string) (*record, error) {
	if r, ok := w.records[key]; ok {
		return r, nil
	}
	return w.attach(key, "", "", "", nil)
}

func (w *workspace) attach(key, set, identity, etag string, props map[string]any) (*record, error) {
	var known *models.IdentityRecord
	if w.known != nil {
		rec, err := w.known.GetIdentity(key)
		if err != nil {
			return nil, fmt.Errorf("look up %q: %w", key, err)
		}
		known = rec
	}
	if known != nil {
		if set == "" {
			set = known.EntitySet
		}
		if identity == "" {
			identity = known.Identity
		}
		if etag == "" {
			etag = known.ETag
		}
	}
	if identity == "" {
		return nil, fmt.Errorf("entity %q is not in the script and has never been saved", key)
	}

	r := newRecord(key, set, props)
	d, err := w.tracker.AttachEntity(set, r, identity, etag)
	if err != nil {
		return nil, err
	}
	if known != nil && known.Identity == identity && known.EditLink != "" {
		d.EditLink = known.EditLink
	}
	w.remember(r)
	return r, nil
}

func (w *workspace) remember(r *record) {
	w.records[r.key] = r
	w.keys = append(w.keys, r.key)
}

func (w *workspace) open(name string) (*os.File, error) {
	if name == "" {
		return nil, fmt.Errorf("stream file is required")
	}
	if !filepath.IsAbs(name) {
		name = filepath.Join(w.dir, name)
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	w.files = append(w.files, f)
	return f, nil
}

// Close closes stream files that were never sent.
func (w *workspace) Close() {
	for _, f := range w.files {
		f.Close()
	}
}

// Outcome is what a save left behind for one script key.
type Outcome struct {
	Key     string
	Deleted bool
	Record  *models.IdentityRecord
}

// Outcomes reports, per script key, the identity to remember or that the
// entity was deleted. Entities that were never saved are skipped.
func (w *workspace) Outcomes() []Outcome {
	var out []Outcome
	for _, key := range w.keys {
		r := w.records[key]
		d := w.tracker.EntityDescriptor(r)
		switch {
		case d == nil:
			out = append(out, Outcome{Key: key, Deleted: true})
		case d.Identity != "":
			out = append(out, Outcome{Key: key, Record: &models.IdentityRecord{
				Key:       key,
				EntitySet: d.EntitySet,
				Identity:  d.Identity,
				EditLink:  d.EditLink,
				ETag:      d.ETag,
			}})
		}
	}
	return out
}

// label names a descriptor by script keys.
func (w *workspace) label(d tracking.Descriptor) string {
	switch v := d.(type) {
	case *tracking.EntityDescriptor:
		return "entity " + keyOf(v.Entity)
	case *tracking.LinkDescriptor:
		target := "(none)"
		if v.Target != nil {
			target = keyOf(v.Target)
		}
		return fmt.Sprintf("link %s.%s -> %s", keyOf(v.Source), v.SourceProperty, target)
	case *tracking.StreamDescriptor:
		return fmt.Sprintf("stream %s/%s", keyOf(v.Owner.Entity), v.Name)
	}
	return fmt.Sprintf("%T", d)
}

func keyOf(entity any) string {
	if r, ok := entity.(*record); ok {
		return r.key
	}
	return fmt.Sprintf("%T", entity)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
