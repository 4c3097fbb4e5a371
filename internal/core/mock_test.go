package core

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/odc/internal/tracking"
)

// thing is a plain entity with a collection and a reference navigation
// property.
type thing struct {
	Name  string   `json:"Name"`
	Size  int      `json:"Size"`
	Parts []*thing `json:"-"`
	Owner *thing   `json:"-"`
}

type recorded struct {
	Method string
	URL    string
	Header http.Header
	Body   string
}

// mockService implements pump.Doer, records every request and answers
// with the responses queued by the test, in order.
type mockService struct {
	mu        sync.Mutex
	requests  []recorded
	responses []func(recorded) *http.Response
}

func (m *mockService) Do(r *http.Request) (*http.Response, error) {
	var body []byte
	if r.Body != nil {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		body = data
	}
	rec := recorded{Method: r.Method, URL: r.URL.String(), Header: r.Header.Clone(), Body: string(body)}

	m.mu.Lock()
	m.requests = append(m.requests, rec)
	n := len(m.requests)
	m.mu.Unlock()

	if n > len(m.responses) {
		return nil, fmt.Errorf("unexpected request %d: %s %s", n, rec.Method, rec.URL)
	}
	return m.responses[n-1](rec), nil
}

func (m *mockService) queue(fns ...func(recorded) *http.Response) {
	m.responses = append(m.responses, fns...)
}

func (m *mockService) sent() []recorded {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recorded(nil), m.requests...)
}

func reply(status int, header map[string]string, body string) func(recorded) *http.Response {
	return func(recorded) *http.Response {
		h := http.Header{}
		for k, v := range header {
			h.Set(k, v)
		}
		return &http.Response{
			StatusCode: status,
			Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
			Header:     h,
			Body:       io.NopCloser(strings.NewReader(body)),
		}
	}
}

func created(location, etag string) func(recorded) *http.Response {
	h := map[string]string{"Location": location}
	if etag != "" {
		h["ETag"] = etag
	}
	return reply(http.StatusCreated, h, "")
}

func noContent(etag string) func(recorded) *http.Response {
	h := map[string]string{}
	if etag != "" {
		h["ETag"] = etag
	}
	return reply(http.StatusNoContent, h, "")
}

func serverError(msg string) func(recorded) *http.Response {
	return reply(http.StatusInternalServerError,
		map[string]string{"Content-Type": "application/json"},
		`{"error":{"code":"E1","message":"`+msg+`"}}`)
}

func newTestSaver(t *testing.T, tr *tracking.Tracker, svc *mockService, opts ...Option) *Saver {
	t.Helper()
	s, err := NewSaver(tr, svc, "http://svc/", opts...)
	require.NoError(t, err)
	return s
}

// batchReply answers a $batch request. Each element of groups is either a
// changeset of raw operation responses keyed by Content-ID order, or, when
// it holds a single entry with an empty Content-ID, a lone response that
// stands for a refused changeset.
type batchOp struct {
	contentID string
	raw       string
}

func batchReply(t *testing.T, groups ...[]batchOp) func(recorded) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for _, ops := range groups {
		if len(ops) == 1 && ops[0].contentID == "" {
			w, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type":              {"application/http"},
				"Content-Transfer-Encoding": {"binary"},
			})
			require.NoError(t, err)
			_, _ = w.Write([]byte(ops[0].raw))
			continue
		}

		var cs bytes.Buffer
		cw := multipart.NewWriter(&cs)
		for _, op := range ops {
			w, err := cw.CreatePart(textproto.MIMEHeader{
				"Content-Type":              {"application/http"},
				"Content-Transfer-Encoding": {"binary"},
				"Content-Id":                {op.contentID},
			})
			require.NoError(t, err)
			_, _ = w.Write([]byte(op.raw))
		}
		require.NoError(t, cw.Close())

		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type": {"multipart/mixed; boundary=" + cw.Boundary()},
		})
		require.NoError(t, err)
		_, _ = w.Write(cs.Bytes())
	}
	require.NoError(t, mw.Close())

	return reply(http.StatusOK,
		map[string]string{"Content-Type": "multipart/mixed; boundary=" + mw.Boundary()},
		buf.String())
}

func rawCreated(location string) string {
	return "HTTP/1.1 201 Created\r\nLocation: " + location + "\r\nContent-Length: 0\r\n\r\n"
}

const rawNoContent = "HTTP/1.1 204 No Content\r\n\r\n"

func rawError(status int, msg string) string {
	body := `{"error":{"code":"E","message":"` + msg + `"}}`
	return fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
}
