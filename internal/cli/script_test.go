package cli

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kilupskalvis/odc/internal/core"
	"github.com/kilupskalvis/odc/internal/models"
	"github.com/kilupskalvis/odc/internal/remote"
	"github.com/kilupskalvis/odc/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type identities map[string]*models.IdentityRecord

func (m identities) GetIdentity(key string) (*models.IdentityRecord, error) {
	return m[key], nil
}

func mustScript(t *testing.T, src string) *Script {
	t.Helper()
	s, err := ReadScript(strings.NewReader(src))
	require.NoError(t, err)
	return s
}

const orderScript = `
navigation:
  People:
    Orders: many
    Manager: one
changes:
  - {op: add, key: o1, set: Orders, properties: {Total: 12}}
  - {op: attach, key: alice, set: People, identity: "http://svc/People(1)", etag: 'W/"1"'}
  - {op: add-link, source: alice, property: Orders, target: o1}
`

func TestReadScript_UnknownFieldIsRejected(t *testing.T) {
	_, err := ReadScript(strings.NewReader("changes:\n  - {op: add, colour: red}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode change script")
}

func TestWorkspace_ApplyRecordsChangesInOrder(t *testing.T) {
	ws := newWorkspace(mustScript(t, orderScript), nil, ".")
	require.NoError(t, ws.Apply())

	pending := ws.tracker.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "entity o1", ws.label(pending[0]))
	assert.Equal(t, "link alice.Orders -> o1", ws.label(pending[1]))

	l := pending[1].(*tracking.LinkDescriptor)
	assert.True(t, l.IsCollection)
}

func TestWorkspace_UndeclaredNavigationFails(t *testing.T) {
	ws := newWorkspace(mustScript(t, `
changes:
  - {op: attach, key: alice, set: People, identity: "http://svc/People(1)"}
  - {op: attach, key: bob, set: People, identity: "http://svc/People(2)"}
  - {op: set-link, source: alice, property: Manager, target: bob}
`), nil, ".")

	err := ws.Apply()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "change 3 (set-link)")
	assert.Contains(t, err.Error(), `no navigation property "Manager"`)
}

func TestWorkspace_UpdateDefaultsChangedToPropertyNames(t *testing.T) {
	ws := newWorkspace(mustScript(t, `
changes:
  - {op: attach, key: alice, set: People, identity: "http://svc/People(1)"}
  - {op: update, key: alice, properties: {Name: Alice, Age: 31}}
`), nil, ".")
	require.NoError(t, ws.Apply())

	d := ws.tracker.EntityDescriptor(ws.records["alice"])
	require.NotNil(t, d)
	assert.Equal(t, tracking.Modified, d.State)
	assert.ElementsMatch(t, []string{"Age", "Name"}, d.DirtyProperties())
}

func TestWorkspace_AttachesRememberedEntity(t *testing.T) {
	known := identities{"alice": {
		Key:       "alice",
		EntitySet: "People",
		Identity:  "http://svc/People(1)",
		EditLink:  "http://svc/People(1)/edit",
		ETag:      `W/"7"`,
	}}
	ws := newWorkspace(mustScript(t, `
changes:
  - {op: delete, key: alice}
`), known, ".")
	require.NoError(t, ws.Apply())

	d := ws.tracker.EntityDescriptor(ws.records["alice"])
	require.NotNil(t, d)
	assert.Equal(t, tracking.Deleted, d.State)
	assert.Equal(t, "People", d.EntitySet)
	assert.Equal(t, "http://svc/People(1)/edit", d.EditLink)
	assert.Equal(t, `W/"7"`, d.ETag)
}

func TestWorkspace_UnknownKeyFails(t *testing.T) {
	ws := newWorkspace(mustScript(t, `
changes:
  - {op: delete, key: ghost}
`), identities{}, ".")

	err := ws.Apply()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never been saved")
}

func TestWorkspace_DuplicateKeyFails(t *testing.T) {
	ws := newWorkspace(mustScript(t, `
changes:
  - {op: add, key: o1, set: Orders}
  - {op: add, key: o1, set: Orders}
`), nil, ".")

	err := ws.Apply()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in the script")
}

func TestWorkspace_MediaOpensFileRelativeToScript(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "photo.bin"), []byte("bytes"), 0644))

	ws := newWorkspace(mustScript(t, `
changes:
  - {op: add, key: p1, set: Photos}
  - {op: media, key: p1, file: photo.bin, content_type: image/png, slug: p1.png}
`), nil, dir)
	defer ws.Close()
	require.NoError(t, ws.Apply())

	d := ws.tracker.EntityDescriptor(ws.records["p1"])
	require.NotNil(t, d)
	require.NotNil(t, d.MediaUpload)
	assert.Equal(t, "image/png", d.MediaUpload.ContentType)
	assert.Equal(t, "p1.png", d.MediaUpload.Slug)
	require.Len(t, ws.files, 1)
}

func TestWorkspace_MissingStreamFileFails(t *testing.T) {
	ws := newWorkspace(mustScript(t, `
changes:
  - {op: add, key: p1, set: Photos}
  - {op: media, key: p1, file: missing.bin}
`), nil, t.TempDir())

	err := ws.Apply()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open stream")
}

func TestRecord_JSONRoundTripMergesProperties(t *testing.T) {
	r := newRecord("o1", "Orders", map[string]any{"Total": 12})
	require.NoError(t, json.Unmarshal([]byte(`{"ID":5}`), r))

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ID":5,"Total":12}`, string(data))

	empty, err := json.Marshal(newRecord("x", "Xs", nil))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(empty))
}

// orderService accepts order inserts and $ref link requests.
type orderService struct {
	mu       sync.Mutex
	requests []string
}

func (s *orderService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)
	s.mu.Unlock()
	io.Copy(io.Discard, r.Body)

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/Orders":
		loc := "http://" + r.Host + "/Orders(10)"
		w.Header().Set("Location", loc)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"@odata.id":"`+loc+`","@odata.etag":"W/\"1\"","ID":10,"Total":12}`)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/$ref"):
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *orderService) log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func TestWorkspace_OutcomesAfterSave(t *testing.T) {
	svc := &orderService{}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	ws := newWorkspace(mustScript(t, `
navigation:
  People:
    Orders: many
changes:
  - {op: attach, key: alice, set: People, identity: "`+srv.URL+`/People(1)"}
  - {op: add, key: o1, set: Orders, properties: {Total: 12}}
  - {op: add-link, source: alice, property: Orders, target: o1}
`), nil, ".")
	require.NoError(t, ws.Apply())

	saver, err := core.NewSaver(ws.tracker, remote.NewClient(""), srv.URL)
	require.NoError(t, err)
	result, err := saver.Save(context.Background(), core.SaveNone)
	require.NoError(t, err)
	assert.Len(t, result.Succeeded(), 2)

	assert.Equal(t, []string{"POST /Orders", "POST /People(1)/Orders/$ref"}, svc.log())
	assert.Equal(t, float64(10), ws.records["o1"].Properties["ID"])

	out := ws.Outcomes()
	require.Len(t, out, 2)
	assert.Equal(t, "alice", out[0].Key)
	assert.Equal(t, "o1", out[1].Key)
	require.NotNil(t, out[1].Record)
	assert.Equal(t, srv.URL+"/Orders(10)", out[1].Record.Identity)
	assert.Equal(t, `W/"1"`, out[1].Record.ETag)
	assert.Equal(t, "Orders", out[1].Record.EntitySet)
}

func TestWorkspace_OutcomeForDeletedEntity(t *testing.T) {
	ws := newWorkspace(mustScript(t, `
changes:
  - {op: add, key: o1, set: Orders}
  - {op: delete, key: o1}
`), nil, ".")
	require.NoError(t, ws.Apply())

	out := ws.Outcomes()
	require.Len(t, out, 1)
	assert.True(t, out[0].Deleted)
	assert.Nil(t, out[0].Record)
}
