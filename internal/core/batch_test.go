package core

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/odc/internal/remote"
	"github.com/kilupskalvis/odc/internal/tracking"
)

func TestSaveBatch_AtomicUsesContentIDReferences(t *testing.T) {
	tr := tracking.New()
	e := &thing{Name: "a"}
	de, err := tr.AddEntity("Things", e)
	require.NoError(t, err)
	p := &thing{Name: "part"}
	dp, err := tr.AddEntity("Parts", p)
	require.NoError(t, err)
	l, err := tr.AddLink(e, "Parts", p)
	require.NoError(t, err)

	svc := &mockService{}
	svc.queue(batchReply(t, []batchOp{
		{"1", rawCreated("http://svc/Things(1)")},
		{"2", rawCreated("http://svc/Parts(1)")},
		{"3", rawNoContent},
	}))

	res, err := newTestSaver(t, tr, svc).Save(context.Background(), AtomicBatch)
	require.NoError(t, err)

	sent := svc.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, http.MethodPost, sent[0].Method)
	assert.Equal(t, "http://svc/$batch", sent[0].URL)
	assert.True(t, strings.HasPrefix(sent[0].Header.Get("Content-Type"), "multipart/mixed; boundary=batch_"))
	assert.Equal(t, 1, strings.Count(sent[0].Body, "boundary=changeset_"))
	assert.Contains(t, sent[0].Body, "POST $1/Parts/$ref HTTP/1.1")
	assert.Contains(t, sent[0].Body, `{"@odata.id":"$2"}`)

	assert.Equal(t, "http://svc/Things(1)", de.Identity)
	assert.Equal(t, "http://svc/Parts(1)", dp.Identity)
	assert.Equal(t, tracking.Unchanged, de.State)
	assert.Equal(t, tracking.Unchanged, dp.State)
	assert.Equal(t, tracking.Unchanged, l.State)
	assert.Equal(t, 1, res.Requests())
	assert.Equal(t, http.StatusOK, res.BatchResponse.StatusCode)
	assert.Len(t, res.Succeeded(), 3)
}

func TestSaveBatch_AtomicFoldsLinkToEarlierInsert(t *testing.T) {
	tr := tracking.New()
	p := &thing{Name: "part"}
	_, err := tr.AddEntity("Parts", p)
	require.NoError(t, err)
	e := &thing{Name: "a"}
	_, err = tr.AddEntity("Things", e)
	require.NoError(t, err)
	l, err := tr.AddLink(e, "Parts", p)
	require.NoError(t, err)

	svc := &mockService{}
	svc.queue(batchReply(t, []batchOp{
		{"1", rawCreated("http://svc/Parts(1)")},
		{"2", rawCreated("http://svc/Things(1)")},
	}))

	_, err = newTestSaver(t, tr, svc).Save(context.Background(), AtomicBatch)
	require.NoError(t, err)

	body := svc.sent()[0].Body
	assert.Contains(t, body, `"Parts@odata.bind":["$1"]`)
	assert.NotContains(t, body, "$ref")
	assert.Equal(t, tracking.Unchanged, l.State)
}

func TestSaveBatch_AtomicRefusedChangesetFailsEverything(t *testing.T) {
	tr := tracking.New()
	a, err := tr.AddEntity("Things", &thing{Name: "a"})
	require.NoError(t, err)
	b, err := tr.AddEntity("Things", &thing{Name: "b"})
	require.NoError(t, err)

	svc := &mockService{}
	svc.queue(batchReply(t, []batchOp{{"", rawError(http.StatusBadRequest, "invalid")}}))

	res, err := newTestSaver(t, tr, svc).Save(context.Background(), AtomicBatch)
	require.Error(t, err)

	var statusErr *remote.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Status)
	assert.Equal(t, "invalid", statusErr.Body)

	assert.Len(t, res.Failed(), 2)
	assert.Equal(t, tracking.Added, a.State)
	assert.Equal(t, tracking.Added, b.State)
	assert.Empty(t, a.Identity)
}

func TestSaveBatch_IndependentChangesets(t *testing.T) {
	tr := tracking.New()
	a, err := tr.AddEntity("Things", &thing{Name: "a"})
	require.NoError(t, err)
	b, err := tr.AddEntity("Things", &thing{Name: "b"})
	require.NoError(t, err)

	svc := &mockService{}
	svc.queue(batchReply(t,
		[]batchOp{{"", rawError(http.StatusConflict, "duplicate")}},
		[]batchOp{{"2", rawCreated("http://svc/Things(2)")}},
	))

	res, err := newTestSaver(t, tr, svc).Save(context.Background(), IndependentBatch)
	require.Error(t, err)

	assert.Equal(t, 2, strings.Count(svc.sent()[0].Body, "boundary=changeset_"))
	assert.Equal(t, tracking.Added, a.State)
	assert.Error(t, a.Err)
	assert.Equal(t, tracking.Unchanged, b.State)
	assert.Equal(t, "http://svc/Things(2)", b.Identity)
	assert.Len(t, res.Succeeded(), 1)
	assert.Len(t, res.Failed(), 1)
}

func TestSaveBatch_IndependentLinkToNewEntityIsNotSaved(t *testing.T) {
	tr := tracking.New()
	e := &thing{}
	_, err := tr.AttachEntity("Things", e, "http://svc/Things(1)", "")
	require.NoError(t, err)
	p := &thing{}
	_, err = tr.AddEntity("Parts", p)
	require.NoError(t, err)
	l, err := tr.AddLink(e, "Parts", p)
	require.NoError(t, err)

	svc := &mockService{}
	svc.queue(batchReply(t, []batchOp{{"1", rawCreated("http://svc/Parts(1)")}}))

	_, err = newTestSaver(t, tr, svc).Save(context.Background(), IndependentBatch)
	assert.ErrorIs(t, err, ErrNotSaved)
	assert.Equal(t, tracking.Added, l.State)
	assert.NotContains(t, svc.sent()[0].Body, "$ref")
}

func TestSaveBatch_OuterFailure(t *testing.T) {
	tr := tracking.New()
	a, err := tr.AddEntity("Things", &thing{})
	require.NoError(t, err)

	svc := &mockService{}
	svc.queue(serverError("batch unavailable"))

	res, err := newTestSaver(t, tr, svc).Save(context.Background(), AtomicBatch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch unavailable")
	assert.Equal(t, http.StatusInternalServerError, res.BatchResponse.StatusCode)
	assert.Equal(t, tracking.Added, a.State)
}

func TestSaveBatch_MissingPartResponse(t *testing.T) {
	tr := tracking.New()
	_, err := tr.AddEntity("Things", &thing{Name: "a"})
	require.NoError(t, err)
	b, err := tr.AddEntity("Things", &thing{Name: "b"})
	require.NoError(t, err)

	svc := &mockService{}
	svc.queue(batchReply(t, []batchOp{{"1", rawCreated("http://svc/Things(1)")}}))

	_, err = newTestSaver(t, tr, svc).Save(context.Background(), AtomicBatch)
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.Equal(t, tracking.Added, b.State)
}
