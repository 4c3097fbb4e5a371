package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attached(t *testing.T, tr *Tracker, set string, entity any, identity string) *EntityDescriptor {
	t.Helper()
	d, err := tr.AttachEntity(set, entity, identity, "")
	require.NoError(t, err)
	return d
}

func TestEnsureRelatable_CollectionRules(t *testing.T) {
	tr := New()
	c := &customer{ID: 1}
	o := &order{ID: 1}
	attached(t, tr, "Customers", c, "Customers(1)")
	attached(t, tr, "Orders", o, "Orders(1)")

	st, err := tr.EnsureRelatable(c, "Orders", o, Added)
	require.NoError(t, err)
	assert.Equal(t, Added, st)

	_, err = tr.EnsureRelatable(c, "Best", o, Added)
	assert.ErrorIs(t, err, ErrNotCollection)

	_, err = tr.EnsureRelatable(c, "Orders", o, Modified)
	assert.ErrorIs(t, err, ErrNotReference)

	st, err = tr.EnsureRelatable(c, "Best", nil, Modified)
	require.NoError(t, err)
	assert.Equal(t, Modified, st)

	_, err = tr.EnsureRelatable(c, "Missing", o, Added)
	assert.Error(t, err)
}

func TestEnsureRelatable_DeletedEndpoint(t *testing.T) {
	tr := New()
	c := &customer{ID: 1}
	o := &order{ID: 1}
	attached(t, tr, "Customers", c, "Customers(1)")
	attached(t, tr, "Orders", o, "Orders(1)")
	require.NoError(t, tr.DeleteEntity(o))

	for _, st := range []State{Added, Unchanged} {
		_, err := tr.EnsureRelatable(c, "Orders", o, st)
		assert.ErrorIs(t, err, ErrEndpointDeleted, st.String())
	}
	_, err := tr.EnsureRelatable(c, "Best", o, Modified)
	assert.ErrorIs(t, err, ErrEndpointDeleted)

	st, err := tr.EnsureRelatable(c, "Orders", o, Deleted)
	require.NoError(t, err)
	assert.Equal(t, Deleted, st)
}

func TestEnsureRelatable_AddedEndpoint(t *testing.T) {
	tr := New()
	c := &customer{}
	o := &order{ID: 1}
	_, err := tr.AddEntity("Customers", c)
	require.NoError(t, err)
	attached(t, tr, "Orders", o, "Orders(1)")

	_, err = tr.EnsureRelatable(c, "Orders", o, Unchanged)
	assert.ErrorIs(t, err, ErrEndpointAdded)

	st, err := tr.EnsureRelatable(c, "Orders", o, Deleted)
	require.NoError(t, err)
	assert.Equal(t, Detached, st)
}

func TestAttachLink_AddedSourceRejectedWithoutMutation(t *testing.T) {
	tr := New()
	c := &customer{}
	o := &order{ID: 1}
	_, err := tr.AddEntity("Customers", c)
	require.NoError(t, err)
	attached(t, tr, "Orders", o, "Orders(1)")
	before := tr.Pending()

	_, err = tr.AttachLink(c, "Orders", o)
	require.Error(t, err)
	var se *StateError
	assert.ErrorAs(t, err, &se)

	assert.Empty(t, tr.Links())
	assert.Equal(t, before, tr.Pending())
}

func TestAddLink(t *testing.T) {
	tr := New()
	c := &customer{ID: 1}
	o := &order{}
	attached(t, tr, "Customers", c, "Customers(1)")
	_, err := tr.AddEntity("Orders", o)
	require.NoError(t, err)

	l, err := tr.AddLink(c, "Orders", o)
	require.NoError(t, err)
	assert.Equal(t, Added, l.State)
	assert.True(t, l.IsCollection)
	assert.Same(t, l, tr.Link(c, "Orders", o))

	_, err = tr.AddLink(c, "Orders", o)
	assert.ErrorIs(t, err, ErrLinkExists)
}

func TestDeleteLink(t *testing.T) {
	tr := New()
	c := &customer{ID: 1}
	o := &order{ID: 1}
	attached(t, tr, "Customers", c, "Customers(1)")
	attached(t, tr, "Orders", o, "Orders(1)")

	l, err := tr.AttachLink(c, "Orders", o)
	require.NoError(t, err)
	require.NoError(t, tr.DeleteLink(c, "Orders", o))
	assert.Equal(t, Deleted, l.State)
	assert.NotEqual(t, NoChangeOrder, l.ChangeOrder)

	// Re-adding cancels the pending delete.
	again, err := tr.AddLink(c, "Orders", o)
	require.NoError(t, err)
	assert.Same(t, l, again)
	assert.Equal(t, Unchanged, l.State)
	assert.Empty(t, tr.Pending())
}

func TestDeleteLink_UntrackedLinkRecorded(t *testing.T) {
	tr := New()
	c := &customer{ID: 1}
	o := &order{ID: 1}
	attached(t, tr, "Customers", c, "Customers(1)")
	attached(t, tr, "Orders", o, "Orders(1)")

	require.NoError(t, tr.DeleteLink(c, "Orders", o))
	l := tr.Link(c, "Orders", o)
	require.NotNil(t, l)
	assert.Equal(t, Deleted, l.State)
}

func TestDeleteLink_AddedLinkVanishes(t *testing.T) {
	tr := New()
	c := &customer{ID: 1}
	o := &order{ID: 1}
	attached(t, tr, "Customers", c, "Customers(1)")
	attached(t, tr, "Orders", o, "Orders(1)")
	_, err := tr.AddLink(c, "Orders", o)
	require.NoError(t, err)

	require.NoError(t, tr.DeleteLink(c, "Orders", o))
	assert.Nil(t, tr.Link(c, "Orders", o))
	assert.Empty(t, tr.Pending())
}

func TestDeleteLink_AddedEndpointDetaches(t *testing.T) {
	tr := New()
	c := &customer{ID: 1}
	o := &order{}
	attached(t, tr, "Customers", c, "Customers(1)")
	_, err := tr.AddEntity("Orders", o)
	require.NoError(t, err)
	_, err = tr.AddLink(c, "Orders", o)
	require.NoError(t, err)

	require.NoError(t, tr.DeleteLink(c, "Orders", o))
	assert.Empty(t, tr.Links())
}

func TestSetLink(t *testing.T) {
	tr := New()
	o := &order{ID: 1}
	c1 := &customer{ID: 1}
	c2 := &customer{ID: 2}
	attached(t, tr, "Orders", o, "Orders(1)")
	attached(t, tr, "Customers", c1, "Customers(1)")
	attached(t, tr, "Customers", c2, "Customers(2)")

	l, err := tr.SetLink(o, "Customer", c1)
	require.NoError(t, err)
	assert.Equal(t, Modified, l.State)
	assert.False(t, l.IsCollection)

	again, err := tr.SetLink(o, "Customer", c2)
	require.NoError(t, err)
	assert.Same(t, l, again)
	assert.Same(t, c2, l.Target)

	cleared, err := tr.SetLink(o, "Customer", nil)
	require.NoError(t, err)
	assert.Nil(t, cleared.Target)

	_, err = tr.SetLink(c1, "Orders", o)
	assert.ErrorIs(t, err, ErrNotReference)
}

func TestDeleteEntity_DropsAddedLinks(t *testing.T) {
	tr := New()
	c := &customer{ID: 1}
	o := &order{}
	attached(t, tr, "Customers", c, "Customers(1)")
	_, err := tr.AddEntity("Orders", o)
	require.NoError(t, err)
	_, err = tr.AddLink(c, "Orders", o)
	require.NoError(t, err)

	require.NoError(t, tr.DeleteEntity(c))
	assert.Empty(t, tr.Links())
}

func TestWithNavigationResolver(t *testing.T) {
	tr := New(WithNavigationResolver(func(any, string) (bool, error) { return true, nil }))
	a := &map[string]any{}
	b := &map[string]any{}
	attached(t, tr, "Things", a, "Things(1)")
	attached(t, tr, "Things", b, "Things(2)")

	l, err := tr.AddLink(a, "Related", b)
	require.NoError(t, err)
	assert.True(t, l.IsCollection)
}
