package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kilupskalvis/odc/internal/batch"
	"github.com/kilupskalvis/odc/internal/remote"
	"github.com/kilupskalvis/odc/internal/tracking"
)

// batchPart is one change inside a batch.
type batchPart struct {
	d   tracking.Descriptor
	cr  *ChangeResult
	req *request
	op  *batch.Operation
}

// saveBatch sends every pending change in one $batch request. With
// AtomicBatch all changes share one changeset and may refer to entities
// created earlier in it; with IndependentBatch each change is its own
// changeset.
func (r *saveRun) saveBatch(ctx context.Context, pending []tracking.Descriptor) error {
	atomicSet := r.opts.Has(AtomicBatch)
	var refs map[*tracking.EntityDescriptor]string
	if atomicSet {
		refs = make(map[*tracking.EntityDescriptor]string)
	}

	var parts []*batchPart
	for _, d := range pending {
		b := d.Common()
		if b.ContentGenerated || b.State == tracking.Detached {
			continue
		}
		cid := strconv.Itoa(len(parts) + 1)
		cr := r.result.change(d)
		req, err := r.batchRequest(d, refs)
		if err != nil {
			cr.Err = err
			b.Err = err
			var inv *InvariantError
			if errors.As(err, &inv) {
				r.rollbackParts(parts)
				return err
			}
			if atomicSet {
				// Nothing is sent when any change of the changeset cannot be built.
				r.rollbackParts(parts)
				for _, p := range parts {
					r.failPart(p, fmt.Errorf("changeset not sent: %w", err))
				}
				return nil
			}
			continue
		}
		if ed, ok := d.(*tracking.EntityDescriptor); ok && refs != nil && ed.State == tracking.Added {
			refs[ed] = cid
		}
		parts = append(parts, &batchPart{
			d:   d,
			cr:  cr,
			req: req,
			op: &batch.Operation{
				ContentID: cid,
				Method:    req.method,
				URL:       req.url,
				Header:    req.header,
				Body:      req.body,
			},
		})
	}
	if len(parts) == 0 {
		return nil
	}

	var changesets [][]*batch.Operation
	var members [][]*batchPart
	if atomicSet {
		ops := make([]*batch.Operation, len(parts))
		for i, p := range parts {
			ops[i] = p.op
		}
		changesets = [][]*batch.Operation{ops}
		members = [][]*batchPart{parts}
	} else {
		for _, p := range parts {
			changesets = append(changesets, []*batch.Operation{p.op})
			members = append(members, []*batchPart{p})
		}
	}

	body, contentType, err := batch.Encode(changesets)
	if err != nil {
		r.rollbackParts(parts)
		return fmt.Errorf("encode batch: %w", err)
	}

	outer := &request{
		method: http.MethodPost,
		url:    r.resolve("$batch"),
		header: r.header(contentType),
		body:   body,
	}
	outer.header.Set("Accept", remote.ContentTypeMultipart)
	outerResult := &ChangeResult{}
	ex, err := r.exec(ctx, outer, outerResult)
	r.result.BatchResponse = outerResult.Responses[0]
	if err != nil {
		r.rollbackParts(parts)
		if errors.Is(err, ErrCanceled) {
			return err
		}
		for _, p := range parts {
			r.failPart(p, err)
		}
		return nil
	}

	groups, err := batch.ReadResponse(bytes.NewReader(ex.body), ex.header.Get("Content-Type"))
	if err == nil && len(groups) != len(changesets) {
		err = fmt.Errorf("batch response has %d parts for %d changesets", len(groups), len(changesets))
	}
	if err != nil {
		r.rollbackParts(parts)
		for _, p := range parts {
			r.failPart(p, fmt.Errorf("read batch response: %w", err))
		}
		return nil
	}

	for i, g := range groups {
		index := batch.Index([]*batch.Group{g})
		for j, p := range members[i] {
			if err := r.applyPart(p, responseFor(g, index, p, j, len(members[i]))); err != nil {
				var inv *InvariantError
				if errors.As(err, &inv) {
					return err
				}
			}
		}
	}
	return nil
}

// responseFor finds the response to the j-th of n operations of a
// changeset. A changeset the service refused is answered with a single
// response in its place, which then stands for every operation.
func responseFor(g *batch.Group, index map[string]*batch.Response, p *batchPart, j, n int) *batch.Response {
	if resp, ok := index[p.op.ContentID]; ok {
		return resp
	}
	switch {
	case g.Changeset && len(g.Responses) == n:
		return g.Responses[j]
	case !g.Changeset && len(g.Responses) == 1:
		if resp := g.Responses[0]; n == 1 || !remote.IsSuccess(resp.StatusCode) {
			return resp
		}
	}
	return nil
}

// batchRequest builds the request for d inside a batch.
func (r *saveRun) batchRequest(d tracking.Descriptor, refs map[*tracking.EntityDescriptor]string) (*request, error) {
	switch v := d.(type) {
	case *tracking.EntityDescriptor:
		switch v.State {
		case tracking.Added:
			return r.insertRequest(v, refs)
		case tracking.Modified:
			return r.updateRequest(v)
		case tracking.Deleted:
			return r.deleteRequest(v), nil
		}
		return nil, invariant("entity %s is pending in state %s", describe(v), v.State)
	case *tracking.LinkDescriptor:
		return r.linkRequest(v, refs)
	}
	return nil, invariant("%s cannot be sent in a batch", describe(d))
}

// applyPart reconciles the response of one batch part.
func (r *saveRun) applyPart(p *batchPart, resp *batch.Response) error {
	if resp == nil {
		err := fmt.Errorf("content id %s: %w", p.op.ContentID, ErrNoResponse)
		r.rollbackPart(p)
		r.failPart(p, err)
		return err
	}

	opResp := &OperationResponse{
		Method:     p.op.Method,
		URL:        p.op.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
	}
	p.cr.Responses = append(p.cr.Responses, opResp)

	ex := &exchange{status: resp.StatusCode, header: resp.Header, body: resp.Body}
	if err := ex.check(r.maxVersion); err != nil {
		opResp.Err = err
		r.rollbackPart(p)
		r.failPart(p, fmt.Errorf("%s %s: %w", p.op.Method, p.op.URL, err))
		return err
	}
	if err := p.req.apply(ex); err != nil {
		opResp.Err = err
		r.failPart(p, err)
		return err
	}
	return nil
}

func (r *saveRun) failPart(p *batchPart, err error) {
	p.cr.Err = err
	p.d.Common().Err = err
	r.logger.Warn("change failed", "change", describe(p.d), "error", err)
}

func (r *saveRun) rollbackPart(p *batchPart) {
	if p.req.rollback != nil {
		p.req.rollback()
	}
}

func (r *saveRun) rollbackParts(parts []*batchPart) {
	for _, p := range parts {
		r.rollbackPart(p)
	}
}
