package peer

import (
	"testing"

	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newID(t *testing.T) identity.NodeID {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id
}

func TestTableInsertLookup(t *testing.T) {
	local := newID(t)
	tbl := NewTable(local, 0)

	assert.ErrorIs(t, tbl.Insert(Peer{ID: local}), errcode.InvalidArgument)
	assert.ErrorIs(t, tbl.Insert(Peer{}), errcode.InvalidArgument)

	id := newID(t)
	require.NoError(t, tbl.Insert(Peer{ID: id, Addr: "10.0.0.1:1", State: StateConnecting, LastSeen: 100}))
	p, ok := tbl.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, StateConnecting, p.State)
	assert.Equal(t, uint64(100), p.FirstSeen)

	// re-insert refreshes without resetting first-seen
	require.NoError(t, tbl.Insert(Peer{ID: id, State: StateConnected, LastSeen: 200}))
	p, _ = tbl.Lookup(id)
	assert.Equal(t, StateConnected, p.State)
	assert.Equal(t, "10.0.0.1:1", p.Addr)
	assert.Equal(t, uint64(100), p.FirstSeen)
	assert.Equal(t, uint64(200), p.LastSeen)
	assert.Equal(t, 1, tbl.Count())
	assert.Equal(t, 1, tbl.ConnectedCount())
	assert.True(t, tbl.IsConnected(id))
}

func TestTableCapacity(t *testing.T) {
	tbl := NewTable(newID(t), 2)
	require.NoError(t, tbl.Insert(Peer{ID: newID(t)}))
	require.NoError(t, tbl.Insert(Peer{ID: newID(t)}))
	assert.ErrorIs(t, tbl.Insert(Peer{ID: newID(t)}), errcode.OutOfMemory)
}

func TestTableStateAndRemove(t *testing.T) {
	tbl := NewTable(newID(t), 0)
	a, b := newID(t), newID(t)
	require.NoError(t, tbl.Insert(Peer{ID: a, State: StateConnected}))
	require.NoError(t, tbl.Insert(Peer{ID: b, State: StateConnected}))

	var removed []identity.NodeID
	tbl.OnRemove(func(id identity.NodeID) { removed = append(removed, id) })

	require.NoError(t, tbl.SetState(a, StateStale, 50))
	assert.Equal(t, []identity.NodeID{b}, tbl.Connected())
	assert.True(t, tbl.Touch(a, 60))
	assert.Equal(t, 2, tbl.ConnectedCount())

	assert.ErrorIs(t, tbl.SetState(newID(t), StateStale, 0), errcode.InvalidArgument)
	assert.False(t, tbl.Touch(newID(t), 0))

	assert.True(t, tbl.Remove(a))
	assert.False(t, tbl.Remove(a))
	assert.Equal(t, []identity.NodeID{a}, removed)
	assert.Len(t, tbl.All(), 1)
}
