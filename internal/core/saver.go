// Package core turns the pending changes of a tracker into requests against
// an OData service, either one request per change or a single $batch, and
// reconciles the responses back into the tracked descriptors.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/kilupskalvis/odc/internal/materialize"
	"github.com/kilupskalvis/odc/internal/pump"
	"github.com/kilupskalvis/odc/internal/remote"
	"github.com/kilupskalvis/odc/internal/tracking"
)

// Saver sends the pending changes of a tracker to a service.
//
// A tracker must not be modified while a save started on it is running.
type Saver struct {
	tracker      *tracking.Tracker
	doer         pump.Doer
	root         *url.URL
	materializer materialize.Materializer
	accept       string
	logger       *slog.Logger
	bufferSize   int
	maxVersion   int
}

// Option configures a Saver.
type Option func(*Saver)

// WithMaterializer sets how response payloads are applied to entities.
func WithMaterializer(m materialize.Materializer) Option {
	return func(s *Saver) {
		if m != nil {
			s.materializer = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Saver) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBufferSize sets the chunk size used to stream request and response bodies.
func WithBufferSize(n int) Option {
	return func(s *Saver) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithMaxProtocolVersion sets the highest protocol major version accepted in
// responses, including the parts of a batch response.
func WithMaxProtocolVersion(v int) Option {
	return func(s *Saver) {
		if v > 0 {
			s.maxVersion = v
		}
	}
}

// NewSaver creates a Saver for the service rooted at serviceRoot.
func NewSaver(tracker *tracking.Tracker, doer pump.Doer, serviceRoot string, opts ...Option) (*Saver, error) {
	root, err := url.Parse(serviceRoot)
	if err != nil {
		return nil, fmt.Errorf("parse service root: %w", err)
	}
	if !root.IsAbs() {
		return nil, fmt.Errorf("service root %q is not an absolute URL", serviceRoot)
	}
	if !strings.HasSuffix(root.Path, "/") {
		root.Path += "/"
	}

	s := &Saver{
		tracker:      tracker,
		doer:         doer,
		root:         root,
		materializer: materialize.Default(),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		bufferSize:   pump.DefaultBufferSize,
		maxVersion:   remote.DefaultMaxProtocolVersion,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.accept = "application/json"
	if o, ok := s.materializer.(interface{ Offered() []string }); ok {
		if types := o.Offered(); len(types) > 0 {
			s.accept = strings.Join(types, ", ")
		}
	}
	return s, nil
}

// ServiceRoot returns the service root URL with a trailing slash.
func (s *Saver) ServiceRoot() string {
	return s.root.String()
}

// resolve turns a link advertised by the service, or an entity set name,
// into an absolute URL.
func (s *Saver) resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return s.root.String() + strings.TrimPrefix(ref, "/")
	}
	return s.root.ResolveReference(u).String()
}

// SaveHandle is a save running in the background.
type SaveHandle struct {
	cancel   context.CancelFunc
	canceled atomic.Bool
	current  atomic.Pointer[pump.Operation]

	done   chan struct{}
	result *SaveResult
	err    error
}

// Cancel stops the save. The exchange in flight is aborted and no further
// request is sent. Safe to call repeatedly and after completion.
func (h *SaveHandle) Cancel() {
	if h.canceled.Swap(true) {
		return
	}
	if op := h.current.Load(); op != nil {
		op.Cancel()
	}
	h.cancel()
}

// Done is closed once the save has finished.
func (h *SaveHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the save finishes. The result is returned even when
// the error is not nil.
func (h *SaveHandle) Wait() (*SaveResult, error) {
	<-h.done
	return h.result, h.err
}

// Save sends every pending change and waits for the outcome.
func (s *Saver) Save(ctx context.Context, opts SaveOptions) (*SaveResult, error) {
	h, err := s.BeginSave(ctx, opts)
	if err != nil {
		return nil, err
	}
	return h.Wait()
}

// BeginSave validates opts, snapshots the pending changes in change order
// and starts sending them. Invalid options and streams in a batch are
// rejected before any request is made.
func (s *Saver) BeginSave(ctx context.Context, opts SaveOptions) (*SaveHandle, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	pending := s.tracker.Pending()
	if opts.Batch() {
		for _, d := range pending {
			if hasUpload(d) {
				return nil, fmt.Errorf("%w: %s", ErrStreamInBatch, describe(d))
			}
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &SaveHandle{cancel: cancel, done: make(chan struct{})}
	run := &saveRun{Saver: s, h: h, opts: opts, result: &SaveResult{}}

	s.tracker.BeginSave()
	s.logger.Debug("save started", "changes", len(pending), "options", opts.String())

	go func() {
		defer close(h.done)
		defer cancel()
		h.result, h.err = run.run(ctx, pending)
	}()
	return h, nil
}

// saveRun is the state of one save.
type saveRun struct {
	*Saver
	h      *SaveHandle
	opts   SaveOptions
	result *SaveResult
}

func (r *saveRun) run(ctx context.Context, pending []tracking.Descriptor) (*SaveResult, error) {
	var err error
	if r.opts.Batch() {
		err = r.saveBatch(ctx, pending)
	} else {
		err = r.saveEach(ctx, pending)
	}
	if err != nil {
		r.logger.Warn("save aborted", "error", err)
		return r.result, err
	}

	errs := r.result.errs()
	r.logger.Info("save finished",
		"changes", len(r.result.Changes),
		"failed", len(errs),
		"requests", r.result.Requests())
	if len(errs) > 0 {
		return r.result, &SaveError{Result: r.result, Errs: errs}
	}
	return r.result, nil
}

func (r *saveRun) stopped(ctx context.Context) bool {
	return r.h.canceled.Load() || ctx.Err() != nil
}

// saveEach sends one request per change, in change order.
func (r *saveRun) saveEach(ctx context.Context, pending []tracking.Descriptor) error {
	for _, d := range pending {
		if r.stopped(ctx) {
			return ErrCanceled
		}
		b := d.Common()
		// Folded into an earlier payload, or dropped along with its entity.
		if b.ContentGenerated || b.State == tracking.Detached {
			continue
		}

		cr := r.result.change(d)
		err := r.save(ctx, d, cr)
		if err == nil {
			continue
		}

		cr.Err = err
		var inv *InvariantError
		if errors.Is(err, ErrCanceled) || errors.As(err, &inv) {
			return err
		}
		b.Err = err
		r.logger.Warn("change failed", "change", describe(d), "error", err)
		if !r.opts.Has(ContinueOnError) {
			return nil
		}
	}
	return nil
}

func (r *saveRun) save(ctx context.Context, d tracking.Descriptor, cr *ChangeResult) error {
	switch v := d.(type) {
	case *tracking.EntityDescriptor:
		return r.saveEntity(ctx, v, cr)
	case *tracking.LinkDescriptor:
		req, err := r.linkRequest(v, nil)
		if err != nil {
			return err
		}
		return r.send(ctx, req, cr)
	case *tracking.StreamDescriptor:
		req, err := r.namedStreamRequest(v)
		if err != nil {
			return err
		}
		return r.send(ctx, req, cr)
	default:
		return invariant("unknown descriptor %T", d)
	}
}

func (r *saveRun) saveEntity(ctx context.Context, d *tracking.EntityDescriptor, cr *ChangeResult) error {
	switch {
	case d.State == tracking.Added && d.StreamState == tracking.Added:
		return r.insertMediaEntity(ctx, d, cr)

	case d.State == tracking.Added:
		req, err := r.insertRequest(d, nil)
		if err != nil {
			return err
		}
		return r.send(ctx, req, cr)

	case d.State == tracking.Deleted:
		return r.send(ctx, r.deleteRequest(d), cr)

	case d.State == tracking.Modified:
		if d.StreamState == tracking.Modified {
			if err := r.send(ctx, r.mediaPutRequest(d, false), cr); err != nil {
				return err
			}
		}
		req, err := r.updateRequest(d)
		if err != nil {
			return err
		}
		return r.send(ctx, req, cr)

	case d.State == tracking.Unchanged && d.StreamState == tracking.Modified:
		return r.send(ctx, r.mediaPutRequest(d, true), cr)

	default:
		return invariant("entity %s is pending in state %s with stream %s", describe(d), d.State, d.StreamState)
	}
}

// insertMediaEntity creates a media link entry: the media resource is
// posted first, then the entity properties are sent as an update against
// the entry the service created.
func (r *saveRun) insertMediaEntity(ctx context.Context, d *tracking.EntityDescriptor, cr *ChangeResult) error {
	d.State = tracking.Modified
	if err := r.send(ctx, r.mediaPostRequest(d), cr); err != nil {
		if d.Identity == "" {
			d.State = tracking.Added
		}
		return err
	}

	req, err := r.updateRequest(d)
	if err != nil {
		return err
	}
	return r.send(ctx, req, cr)
}

// send performs one exchange and applies its response.
func (r *saveRun) send(ctx context.Context, req *request, cr *ChangeResult) error {
	ex, err := r.exec(ctx, req, cr)
	if err != nil {
		if req.rollback != nil {
			req.rollback()
		}
		return err
	}
	if err := req.apply(ex); err != nil {
		cr.Responses[len(cr.Responses)-1].Err = err
		return err
	}
	return nil
}

func hasUpload(d tracking.Descriptor) bool {
	switch v := d.(type) {
	case *tracking.EntityDescriptor:
		return v.StreamState == tracking.Added || v.StreamState == tracking.Modified
	case *tracking.StreamDescriptor:
		return true
	}
	return false
}

// describe names a descriptor for logs and errors.
func describe(d tracking.Descriptor) string {
	switch v := d.(type) {
	case *tracking.EntityDescriptor:
		if v.Identity != "" {
			return "entity " + v.Identity
		}
		return fmt.Sprintf("new entity in %s", v.EntitySet)
	case *tracking.LinkDescriptor:
		return fmt.Sprintf("link %s (%s)", v.SourceProperty, v.State)
	case *tracking.StreamDescriptor:
		return fmt.Sprintf("stream %s", v.Name)
	}
	return fmt.Sprintf("%T", d)
}
