// Package batch encodes $batch request bodies and decodes $batch responses.
//
// A batch body is multipart/mixed. Every changeset is a nested
// multipart/mixed part whose operations the service applies atomically;
// every operation is an application/http part carrying a Content-ID.
package batch

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Operation is one request inside a changeset.
type Operation struct {
	ContentID string
	Method    string
	// URL is absolute, relative to the service root, or starts with a
	// $<Content-ID> reference to an earlier operation of the changeset.
	URL    string
	Header http.Header
	Body   []byte
}

// Response is one response inside a batch response.
type Response struct {
	ContentID  string
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// Group is one top-level part of a batch response: a changeset response,
// or a single response that stands for the whole changeset (typically an
// error the service reports instead of the changeset).
type Group struct {
	Changeset bool
	Responses []*Response
}

// Encode writes a batch body with one changeset per element of changesets
// and returns it together with its Content-Type.
func Encode(changesets [][]*Operation) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.SetBoundary("batch_" + uuid.NewString()); err != nil {
		return nil, "", fmt.Errorf("set batch boundary: %w", err)
	}

	for i, ops := range changesets {
		if err := writeChangeset(mw, ops); err != nil {
			return nil, "", fmt.Errorf("write changeset %d: %w", i, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close batch: %w", err)
	}
	return buf.Bytes(), "multipart/mixed; boundary=" + mw.Boundary(), nil
}

func writeChangeset(batch *multipart.Writer, ops []*Operation) error {
	var buf bytes.Buffer
	cw := multipart.NewWriter(&buf)
	if err := cw.SetBoundary("changeset_" + uuid.NewString()); err != nil {
		return err
	}
	for _, op := range ops {
		if err := writeOperation(cw, op); err != nil {
			return fmt.Errorf("operation %s: %w", op.ContentID, err)
		}
	}
	if err := cw.Close(); err != nil {
		return err
	}

	h := textproto.MIMEHeader{}
	h.Set("Content-Type", "multipart/mixed; boundary="+cw.Boundary())
	part, err := batch.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(buf.Bytes())
	return err
}

func writeOperation(cw *multipart.Writer, op *Operation) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", "application/http")
	h.Set("Content-Transfer-Encoding", "binary")
	if op.ContentID != "" {
		h.Set("Content-ID", op.ContentID)
	}
	part, err := cw.CreatePart(h)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(part)
	fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", op.Method, op.URL)
	header := op.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if len(op.Body) > 0 {
		header.Set("Content-Length", strconv.Itoa(len(op.Body)))
	}
	if err := header.Write(w); err != nil {
		return err
	}
	w.WriteString("\r\n")
	w.Write(op.Body)
	return w.Flush()
}

// ReadResponse decodes a batch response body.
func ReadResponse(body io.Reader, contentType string) ([]*Group, error) {
	boundary, err := boundaryOf(contentType)
	if err != nil {
		return nil, err
	}

	var groups []*Group
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read batch part: %w", err)
		}

		ct := part.Header.Get("Content-Type")
		if strings.HasPrefix(strings.ToLower(ct), "multipart/mixed") {
			responses, err := readChangeset(part, ct)
			if err != nil {
				return nil, err
			}
			groups = append(groups, &Group{Changeset: true, Responses: responses})
			continue
		}

		resp, err := readOperation(part)
		if err != nil {
			return nil, err
		}
		groups = append(groups, &Group{Responses: []*Response{resp}})
	}
	return groups, nil
}

func readChangeset(r io.Reader, contentType string) ([]*Response, error) {
	boundary, err := boundaryOf(contentType)
	if err != nil {
		return nil, err
	}

	var out []*Response
	mr := multipart.NewReader(r, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read changeset part: %w", err)
		}
		resp, err := readOperation(part)
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
}

func readOperation(part *multipart.Part) (*Response, error) {
	httpResp, err := http.ReadResponse(bufio.NewReader(part), nil)
	if err != nil {
		return nil, fmt.Errorf("parse operation response: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read operation response body: %w", err)
	}

	id := part.Header.Get("Content-ID")
	if id == "" {
		id = httpResp.Header.Get("Content-ID")
	}
	return &Response{
		ContentID:  id,
		StatusCode: httpResp.StatusCode,
		Status:     httpResp.Status,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

func boundaryOf(contentType string) (string, error) {
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("parse batch content type: %w", err)
	}
	if !strings.HasPrefix(mt, "multipart/") || params["boundary"] == "" {
		return "", fmt.Errorf("batch response is %q, not multipart", mt)
	}
	return params["boundary"], nil
}

// Index maps Content-IDs to responses across every group.
func Index(groups []*Group) map[string]*Response {
	out := make(map[string]*Response)
	for _, g := range groups {
		for _, r := range g.Responses {
			if r.ContentID != "" {
				out[r.ContentID] = r
			}
		}
	}
	return out
}
