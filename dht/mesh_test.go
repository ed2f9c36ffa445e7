package dht

import (
	"testing"

	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/peer"
	"github.com/opd-ai/cyxwiz/router"
	"github.com/opd-ai/cyxwiz/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type meshNode struct {
	id    identity.NodeID
	tr    *transport.MemTransport
	table *peer.Table
	r     *router.Router
	d     *DHT
}

func newMeshNode(t *testing.T, net *transport.MemNetwork) *meshNode {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	n := &meshNode{id: id, table: peer.NewTable(id, 0)}
	n.tr, err = net.Attach(id)
	require.NoError(t, err)
	n.r, err = router.New(n.table, n.tr, id)
	require.NoError(t, err)
	require.NoError(t, n.r.Start())
	n.d, err = New(n.r, id)
	require.NoError(t, err)
	n.r.SetRouteHinter(n.d)
	return n
}

func connect(t *testing.T, net *transport.MemNetwork, a, b *meshNode) {
	t.Helper()
	net.Link(a.id, b.id)
	require.NoError(t, a.table.Insert(peer.Peer{ID: b.id, State: peer.StateConnected}))
	require.NoError(t, b.table.Insert(peer.Peer{ID: a.id, State: peer.StateConnected}))
}

func TestLookupAcrossRouterMesh(t *testing.T) {
	net := transport.NewMemNetwork()
	a, b, c := newMeshNode(t, net), newMeshNode(t, net), newMeshNode(t, net)
	connect(t, net, a, b)
	connect(t, net, b, c)
	require.NoError(t, a.d.AddNode(b.id))
	require.NoError(t, b.d.AddNode(c.id))

	var found []identity.NodeID
	done := false
	require.NoError(t, a.d.FindNode(c.id, func(ids []identity.NodeID) { found, done = ids, true }))

	for now := uint64(50); now <= 5000 && !done; now += 50 {
		for _, n := range []*meshNode{a, b, c} {
			_ = n.tr.Poll(0)
			_ = n.r.Poll(now)
			require.NoError(t, n.d.Poll(now))
		}
	}

	require.True(t, done)
	require.NotEmpty(t, found)
	assert.Equal(t, c.id, found[0])
	assert.True(t, a.d.Contains(c.id), "the answering node is learned")
	assert.True(t, c.d.Contains(a.id))
}
