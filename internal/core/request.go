package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/kilupskalvis/odc/internal/materialize"
	"github.com/kilupskalvis/odc/internal/pump"
	"github.com/kilupskalvis/odc/internal/remote"
	"github.com/kilupskalvis/odc/internal/tracking"
)

// request is one change turned into an HTTP request, together with what to
// do with the tracker once the service accepted it.
type request struct {
	method string
	url    string
	header http.Header
	body   []byte
	upload *tracking.Upload

	// apply reconciles a successful response into the descriptors.
	apply func(ex *exchange) error
	// rollback undoes bookkeeping done while building the request.
	rollback func()
}

// exchange is a completed response.
type exchange struct {
	status int
	header http.Header
	body   []byte
}

func (ex *exchange) check(maxVersion int) error {
	if err := remote.CheckVersion(ex.header, maxVersion); err != nil {
		return err
	}
	return remote.CheckStatus(ex.status, ex.body)
}

// exec streams req through the pump and waits for the response.
func (r *saveRun) exec(ctx context.Context, req *request, cr *ChangeResult) (*exchange, error) {
	preq := &pump.Request{Method: req.method, URL: req.url, Header: req.header}
	switch {
	case req.upload != nil:
		preq.Body = req.upload
		preq.CloseBody = true
	case req.body != nil:
		preq.Body = bytes.NewReader(req.body)
		preq.ContentLength = int64(len(req.body))
	}

	var sink bytes.Buffer
	op := pump.Start(ctx, r.doer, preq, &sink,
		pump.WithBufferSize(r.bufferSize),
		pump.WithLogger(r.logger))
	r.h.current.Store(op)
	if r.h.canceled.Load() {
		op.Cancel()
	}
	res, err := op.Wait()
	r.h.current.CompareAndSwap(op, nil)

	resp := &OperationResponse{Method: req.method, URL: req.url}
	cr.Responses = append(cr.Responses, resp)
	if err != nil {
		if errors.Is(err, pump.ErrAborted) || r.stopped(ctx) {
			resp.Err = ErrCanceled
			return nil, ErrCanceled
		}
		resp.Err = err
		return nil, fmt.Errorf("%s %s: %w", req.method, req.url, err)
	}

	resp.StatusCode, resp.Header = res.StatusCode, res.Header

	ex := &exchange{status: res.StatusCode, header: res.Header, body: sink.Bytes()}
	if err := ex.check(r.maxVersion); err != nil {
		resp.Err = err
		return nil, fmt.Errorf("%s %s: %w", req.method, req.url, err)
	}
	return ex, nil
}

func (r *saveRun) header(contentType string) http.Header {
	h := http.Header{}
	h.Set("Accept", r.accept)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return h
}

// insertRequest builds the POST that creates d. Links from d that can be
// expressed as bindings are folded into the payload. In a changeset, refs
// holds the Content-IDs of entities created earlier in the same changeset.
func (r *saveRun) insertRequest(d *tracking.EntityDescriptor, refs map[*tracking.EntityDescriptor]string) (*request, error) {
	folded, binds := r.foldLinks(d, refs)
	body, err := r.entityPayload(d, binds)
	if err != nil {
		return nil, err
	}

	for _, l := range folded {
		l.ContentGenerated = true
	}
	d.ContentGenerated = true

	return &request{
		method: http.MethodPost,
		url:    r.resolve(d.EntitySet),
		header: r.header(remote.ContentTypeJSON),
		body:   body,
		apply: func(ex *exchange) error {
			if err := r.applyInsert(d, ex, materialize.Overwrite); err != nil {
				return err
			}
			if err := d.TakeSnapshot(); err != nil {
				return fmt.Errorf("snapshot %s: %w", describe(d), err)
			}
			r.tracker.Commit(d)
			for _, l := range folded {
				r.commitLink(l)
			}
			return nil
		},
		rollback: func() {
			for _, l := range folded {
				l.ContentGenerated = false
			}
		},
	}, nil
}

// applyInsert records the identity, edit link and ETag of a created entry.
func (r *saveRun) applyInsert(d *tracking.EntityDescriptor, ex *exchange, policy materialize.MergePolicy) error {
	loc := ex.header.Get(remote.HeaderLocation)
	id := ex.header.Get(remote.HeaderEntityID)
	if id == "" {
		id = ex.header.Get(remote.HeaderDataServiceID)
	}
	if loc == "" && id == "" {
		return fmt.Errorf("%s: %w", describe(d), ErrMissingLocation)
	}

	res, err := r.materialize(ex, d.Entity, policy)
	if err != nil {
		return err
	}
	identity := firstOf(id, res.Identity, loc)
	if err := r.tracker.SetIdentity(d, identity, firstOf(res.EditLink, loc, identity)); err != nil {
		return err
	}
	if etag := firstOf(res.ETag, ex.header.Get(remote.HeaderETag)); etag != "" {
		d.ETag = etag
	}
	if res.MediaEditLink != "" {
		d.MediaEditLink = res.MediaEditLink
	}
	return nil
}

// updateRequest builds the PATCH, or PUT with ReplaceOnUpdate, for a
// modified entity.
func (r *saveRun) updateRequest(d *tracking.EntityDescriptor) (*request, error) {
	if d.EditLink == "" {
		return nil, invariant("modified %s has no edit link", describe(d))
	}
	body, err := r.entityPayload(d, nil)
	if err != nil {
		return nil, err
	}
	d.ContentGenerated = true

	method := http.MethodPatch
	if r.opts.Has(ReplaceOnUpdate) {
		method = http.MethodPut
	}
	h := r.header(remote.ContentTypeJSON)
	if d.ETag != "" {
		h.Set(remote.HeaderIfMatch, d.ETag)
	}
	return &request{
		method: method,
		url:    r.resolve(d.EditLink),
		header: h,
		body:   body,
		apply: func(ex *exchange) error {
			res, err := r.materialize(ex, d.Entity, materialize.Overwrite)
			if err != nil {
				return err
			}
			if etag := firstOf(res.ETag, ex.header.Get(remote.HeaderETag)); etag != "" {
				d.ETag = etag
			}
			if err := d.TakeSnapshot(); err != nil {
				return fmt.Errorf("snapshot %s: %w", describe(d), err)
			}
			r.tracker.Commit(d)
			return nil
		},
	}, nil
}

func (r *saveRun) deleteRequest(d *tracking.EntityDescriptor) *request {
	h := r.header("")
	if d.ETag != "" {
		h.Set(remote.HeaderIfMatch, d.ETag)
	}
	d.ContentGenerated = true
	return &request{
		method: http.MethodDelete,
		url:    r.resolve(d.EditLink),
		header: h,
		apply: func(*exchange) error {
			r.tracker.Forget(d)
			return nil
		},
	}
}

// mediaPostRequest creates the media resource of a new media link entry.
// The entity properties already in memory are kept; only metadata is read
// from the response.
func (r *saveRun) mediaPostRequest(d *tracking.EntityDescriptor) *request {
	up := d.MediaUpload
	h := r.uploadHeader(up)
	if up.Slug != "" {
		h.Set(remote.HeaderSlug, up.Slug)
	}
	return &request{
		method: http.MethodPost,
		url:    r.resolve(d.EntitySet),
		header: h,
		upload: up,
		apply: func(ex *exchange) error {
			if err := r.applyInsert(d, ex, materialize.Preserve); err != nil {
				return err
			}
			d.StreamState = tracking.Unchanged
			d.MediaUpload = nil
			return nil
		},
	}
}

// mediaPutRequest replaces the default stream of an existing entity.
func (r *saveRun) mediaPutRequest(d *tracking.EntityDescriptor, commit bool) *request {
	h := r.uploadHeader(d.MediaUpload)
	if d.ETag != "" {
		h.Set(remote.HeaderIfMatch, d.ETag)
	}
	target := d.MediaEditLink
	if target == "" {
		target = strings.TrimSuffix(d.EditLink, "/") + "/$value"
	}
	return &request{
		method: http.MethodPut,
		url:    r.resolve(target),
		header: h,
		upload: d.MediaUpload,
		apply: func(ex *exchange) error {
			if etag := ex.header.Get(remote.HeaderETag); etag != "" {
				d.ETag = etag
			}
			d.StreamState = tracking.Unchanged
			d.MediaUpload = nil
			if commit {
				r.tracker.Commit(d)
			}
			return nil
		},
	}
}

// namedStreamRequest replaces a named stream of an existing entity.
func (r *saveRun) namedStreamRequest(s *tracking.StreamDescriptor) (*request, error) {
	if s.Upload == nil {
		return nil, invariant("stream %s is pending without content", s.Name)
	}
	target := s.EditLink
	if target == "" {
		if s.Owner.EditLink == "" {
			return nil, fmt.Errorf("stream %s: owner %w", s.Name, ErrNotSaved)
		}
		target = strings.TrimSuffix(s.Owner.EditLink, "/") + "/" + url.PathEscape(s.Name)
	}
	h := r.uploadHeader(s.Upload)
	if s.ETag != "" {
		h.Set(remote.HeaderIfMatch, s.ETag)
	}
	s.ContentGenerated = true
	return &request{
		method: http.MethodPut,
		url:    r.resolve(target),
		header: h,
		upload: s.Upload,
		apply: func(ex *exchange) error {
			if etag := ex.header.Get(remote.HeaderETag); etag != "" {
				s.ETag = etag
			}
			if ct := s.Upload.ContentType; ct != "" {
				s.ContentType = ct
			}
			r.tracker.Commit(s)
			return nil
		},
	}, nil
}

func (r *saveRun) uploadHeader(up *tracking.Upload) http.Header {
	ct := up.ContentType
	if ct == "" {
		ct = remote.ContentTypeOctetStream
	}
	h := r.header(ct)
	for k, vs := range up.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	return h
}

// linkRequest builds the $ref request for a link change. In a changeset,
// refs holds the Content-IDs of entities created earlier in it.
func (r *saveRun) linkRequest(l *tracking.LinkDescriptor, refs map[*tracking.EntityDescriptor]string) (*request, error) {
	src := r.tracker.EntityDescriptor(l.Source)
	if src == nil {
		return nil, invariant("link %s has an untracked source", l.SourceProperty)
	}
	srcRef, ok := r.entityRef(src, refs, false)
	if !ok {
		return nil, fmt.Errorf("link %s: source %w", l.SourceProperty, ErrNotSaved)
	}
	refURL := srcRef + "/" + l.SourceProperty + "/$ref"

	var tgtRef string
	if l.Target != nil {
		tgt := r.tracker.EntityDescriptor(l.Target)
		if tgt == nil {
			return nil, invariant("link %s has an untracked target", l.SourceProperty)
		}
		if tgtRef, ok = r.entityRef(tgt, refs, true); !ok {
			return nil, fmt.Errorf("link %s: target %w", l.SourceProperty, ErrNotSaved)
		}
	}

	req := &request{header: r.header("")}
	switch {
	case l.State == tracking.Added && l.IsCollection:
		req.method, req.url = http.MethodPost, refURL
	case l.State == tracking.Modified && l.Target != nil:
		req.method, req.url = http.MethodPut, refURL
	case l.State == tracking.Modified:
		req.method, req.url = http.MethodDelete, refURL
	case l.State == tracking.Deleted && l.IsCollection:
		req.method, req.url = http.MethodDelete, refURL+"?$id="+url.QueryEscape(tgtRef)
	default:
		return nil, invariant("link %s is pending in state %s", l.SourceProperty, l.State)
	}
	if req.method != http.MethodDelete {
		body, err := refPayload(tgtRef)
		if err != nil {
			return nil, err
		}
		req.body = body
		req.header.Set("Content-Type", remote.ContentTypeJSON)
	}

	l.ContentGenerated = true
	req.apply = func(*exchange) error {
		r.commitLink(l)
		return nil
	}
	return req, nil
}

// entityRef returns the URL of an entity as used in requests: its absolute
// edit link (identity for link targets), or a $<Content-ID> reference to
// its creation earlier in the same changeset.
func (r *saveRun) entityRef(d *tracking.EntityDescriptor, refs map[*tracking.EntityDescriptor]string, identity bool) (string, bool) {
	if d.State != tracking.Added && d.Identity != "" {
		if identity {
			return r.resolve(d.Identity), true
		}
		return r.resolve(d.EditLink), true
	}
	if cid, ok := refs[d]; ok {
		return "$" + cid, true
	}
	return "", false
}

// commitLink records a saved link. Removed or cleared references are no
// longer tracked.
func (r *saveRun) commitLink(l *tracking.LinkDescriptor) {
	if l.State == tracking.Deleted || l.Target == nil {
		r.tracker.Forget(l)
	} else {
		r.tracker.Commit(l)
	}
	r.result.change(l)
}

func (r *saveRun) materialize(ex *exchange, target any, policy materialize.MergePolicy) (*materialize.Result, error) {
	if len(bytes.TrimSpace(ex.body)) == 0 {
		return &materialize.Result{}, nil
	}
	ct := ex.header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	res, err := r.materializer.Materialize(ex.body, ct, target, policy)
	if err != nil {
		return nil, fmt.Errorf("materialize response: %w", err)
	}
	return res, nil
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
