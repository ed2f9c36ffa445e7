package discovery

import (
	"testing"
	"time"

	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/peer"
	"github.com/opd-ai/cyxwiz/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkRecorder struct {
	added []identity.NodeID
	err   error
}

func (s *sinkRecorder) AddNode(id identity.NodeID) error {
	s.added = append(s.added, id)
	return s.err
}

type discNode struct {
	id    identity.NodeID
	key   []byte
	tr    *transport.MemTransport
	table *peer.Table
	disc  *Discovery
	sink  *sinkRecorder
	keys  map[identity.NodeID][]byte
}

type cluster struct {
	net   *transport.MemNetwork
	nodes []*discNode
	now   uint64
}

func newCluster(t *testing.T, count int) *cluster {
	t.Helper()
	c := &cluster{net: transport.NewMemNetwork()}
	for i := 0; i < count; i++ {
		id, err := identity.Generate()
		require.NoError(t, err)
		tr, err := c.net.Attach(id)
		require.NoError(t, err)
		key := make([]byte, 32)
		key[0], key[31] = byte(i+1), 9

		n := &discNode{
			id:    id,
			key:   key,
			tr:    tr,
			table: peer.NewTable(id, 0),
			sink:  &sinkRecorder{},
			keys:  make(map[identity.NodeID][]byte),
		}
		n.disc, err = New(n.table, tr, id, WithOnionKey(key))
		require.NoError(t, err)
		n.disc.SetDHT(n.sink)
		node := n
		n.disc.OnPeerKey(func(from identity.NodeID, k []byte) { node.keys[from] = k })
		require.NoError(t, n.disc.Start())
		c.nodes = append(c.nodes, n)
	}
	return c
}

// run advances every node in 500ms steps until now reaches until.
func (c *cluster) run(t *testing.T, until uint64) {
	t.Helper()
	for c.now < until {
		c.now += 500
		for _, n := range c.nodes {
			require.NoError(t, n.tr.Poll(0))
			require.NoError(t, n.disc.Poll(c.now))
		}
	}
}

func (c *cluster) state(a, b int) peer.State {
	p, ok := c.nodes[a].table.Lookup(c.nodes[b].id)
	if !ok {
		return peer.StateUnknown
	}
	return p.State
}

func TestHandshakeConnectsLinkedPeers(t *testing.T) {
	c := newCluster(t, 2)
	a, b := c.nodes[0], c.nodes[1]
	c.net.Link(a.id, b.id)
	c.run(t, 2_000)

	assert.Equal(t, peer.StateConnected, c.state(0, 1))
	assert.Equal(t, peer.StateConnected, c.state(1, 0))
	assert.Equal(t, []identity.NodeID{b.id}, a.sink.added)
	assert.Equal(t, []identity.NodeID{a.id}, b.sink.added)
	assert.Equal(t, b.key, a.keys[b.id])
	assert.Equal(t, a.key, b.keys[a.id])

	c.run(t, 60_000)
	assert.Len(t, a.sink.added, 1, "keepalives do not re-add connected peers")
	assert.Equal(t, peer.StateConnected, c.state(0, 1))
}

func TestSilentPeerGoesStaleThenRemoved(t *testing.T) {
	c := newCluster(t, 2)
	a, b := c.nodes[0], c.nodes[1]
	var removed []identity.NodeID
	a.table.OnRemove(func(id identity.NodeID) { removed = append(removed, id) })

	c.net.Link(a.id, b.id)
	c.run(t, 2_000)
	require.Equal(t, peer.StateConnected, c.state(0, 1))

	c.net.Unlink(a.id, b.id)
	cut := c.now
	c.run(t, cut+80_000)
	assert.Equal(t, peer.StateConnected, c.state(0, 1))
	c.run(t, cut+100_000)
	assert.Equal(t, peer.StateStale, c.state(0, 1))
	assert.NotContains(t, a.table.Connected(), b.id)

	c.run(t, cut+310_000)
	assert.Equal(t, peer.StateUnknown, c.state(0, 1))
	assert.Equal(t, []identity.NodeID{b.id}, removed)
}

func TestStalePeerRecoversWhenHeardAgain(t *testing.T) {
	c := newCluster(t, 2)
	a, b := c.nodes[0], c.nodes[1]
	c.net.Link(a.id, b.id)
	c.run(t, 2_000)

	c.net.Unlink(a.id, b.id)
	c.run(t, c.now+100_000)
	require.Equal(t, peer.StateStale, c.state(0, 1))

	c.net.Link(a.id, b.id)
	c.run(t, c.now+2_000)
	assert.Equal(t, peer.StateConnected, c.state(0, 1))
	assert.Equal(t, peer.StateConnected, c.state(1, 0))
	assert.Len(t, a.sink.added, 2, "a reconnected peer is offered to the DHT again")
}

type fakeTransport struct {
	local       identity.NodeID
	handlers    map[transport.PacketType]transport.Handler
	sent        []transport.PacketType
	to          []identity.NodeID
	registered  [][]byte
	heartbeats  int
	queries     []int
	unregisters int
}

func newFakeTransport(local identity.NodeID) *fakeTransport {
	return &fakeTransport{local: local, handlers: make(map[transport.PacketType]transport.Handler)}
}

func (f *fakeTransport) Send(to identity.NodeID, p *transport.Packet) error {
	f.sent = append(f.sent, p.PacketType)
	f.to = append(f.to, to)
	return nil
}
func (f *fakeTransport) Poll(time.Duration) error        { return nil }
func (f *fakeTransport) SetLocalID(id identity.NodeID)   { f.local = id }
func (f *fakeTransport) LocalID() identity.NodeID        { return f.local }
func (f *fakeTransport) IsBootstrapConnected() bool      { return true }
func (f *fakeTransport) Close() error                    { return nil }
func (f *fakeTransport) Heartbeat() error                { f.heartbeats++; return nil }
func (f *fakeTransport) UnregisterFromBootstrap() error  { f.unregisters++; return nil }
func (f *fakeTransport) RequestPeers(max int) error      { f.queries = append(f.queries, max); return nil }
func (f *fakeTransport) PeerAddress(identity.NodeID) (string, bool) {
	return "192.0.2.7:4000", true
}

func (f *fakeTransport) RegisterHandler(pt transport.PacketType, h transport.Handler) {
	if h == nil {
		delete(f.handlers, pt)
		return
	}
	f.handlers[pt] = h
}

func (f *fakeTransport) RegisterWithBootstrap(key []byte) error {
	f.registered = append(f.registered, key)
	return nil
}

func (f *fakeTransport) deliver(t *testing.T, pt transport.PacketType, from identity.NodeID, body []byte) {
	t.Helper()
	h, ok := f.handlers[pt]
	require.True(t, ok, "no handler for %s", pt)
	_ = h(&transport.Packet{PacketType: pt, Data: body}, from)
}

func newFakeDiscovery(t *testing.T) (*Discovery, *fakeTransport, *peer.Table) {
	t.Helper()
	local, err := identity.Generate()
	require.NoError(t, err)
	ft := newFakeTransport(local)
	table := peer.NewTable(local, 0)
	d, err := New(table, ft, local)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	return d, ft, table
}

func TestAnnounceFromUnknownPeer(t *testing.T) {
	d, ft, table := newFakeDiscovery(t)
	sink := &sinkRecorder{err: errcode.BucketFull}
	d.SetDHT(sink)
	var gotKey []byte
	d.OnPeerKey(func(_ identity.NodeID, k []byte) { gotKey = k })

	from, err := identity.Generate()
	require.NoError(t, err)
	key := make([]byte, 32)
	key[3] = 7
	ft.deliver(t, transport.PacketAnnounce, from, transport.EncodePeerDiscovered(key))

	p, ok := table.Lookup(from)
	require.True(t, ok)
	assert.Equal(t, peer.StateConnected, p.State)
	assert.Equal(t, "192.0.2.7:4000", p.Addr)
	assert.Equal(t, []transport.PacketType{transport.PacketAnnounceAck}, ft.sent)
	assert.Equal(t, []identity.NodeID{from}, ft.to)
	assert.Equal(t, []identity.NodeID{from}, sink.added)
	assert.Equal(t, key, gotKey)

	ft.deliver(t, transport.PacketAnnounce, d.local, nil)
	assert.Len(t, ft.sent, 1, "own announcements are ignored")
}

func TestDiscoveredPeerStartsConnecting(t *testing.T) {
	d, ft, table := newFakeDiscovery(t)
	from, err := identity.Generate()
	require.NoError(t, err)

	ft.deliver(t, transport.PacketPeerDiscovered, from, transport.EncodePeerDiscovered(nil))
	p, ok := table.Lookup(from)
	require.True(t, ok)
	assert.Equal(t, peer.StateConnecting, p.State)
	assert.Equal(t, []transport.PacketType{transport.PacketAnnounce}, ft.sent)

	require.NoError(t, d.Poll(1_000))
	assert.Len(t, ft.sent, 1, "no second announce before the keepalive interval")
	require.NoError(t, d.Poll(15_000))
	assert.Len(t, ft.sent, 2)
}

func TestRendezvousSchedule(t *testing.T) {
	local, err := identity.Generate()
	require.NoError(t, err)
	ft := newFakeTransport(local)
	table := peer.NewTable(local, 0)
	key := make([]byte, 32)
	key[0] = 1
	d, err := New(table, ft, local, WithOnionKey(key))
	require.NoError(t, err)
	require.NoError(t, d.Start())

	require.NoError(t, d.Poll(0))
	assert.Equal(t, [][]byte{key}, ft.registered)
	assert.Equal(t, []int{transport.MaxRendezvousPeers}, ft.queries)

	require.NoError(t, d.Poll(9_999))
	assert.Len(t, ft.queries, 1)
	require.NoError(t, d.Poll(10_000))
	assert.Len(t, ft.queries, 2, "thin neighbourhoods query every 10s")

	require.NoError(t, d.Poll(30_000))
	assert.Equal(t, 1, ft.heartbeats)
	assert.Len(t, ft.registered, 1)

	for i := 0; i < 4; i++ {
		id, err := identity.Generate()
		require.NoError(t, err)
		require.NoError(t, table.Insert(peer.Peer{ID: id, State: peer.StateConnected, LastSeen: 30_000}))
	}
	queries := len(ft.queries)
	require.NoError(t, d.Poll(45_000))
	assert.Len(t, ft.queries, queries, "well connected nodes query every 60s")
	require.NoError(t, d.Poll(90_000))
	assert.Len(t, ft.queries, queries+1)

	require.NoError(t, d.Stop())
	assert.Equal(t, 1, ft.unregisters)
	assert.Empty(t, ft.handlers)
	assert.Equal(t, errcode.NotStarted, errcode.Of(d.Poll(100_000)))
	require.NoError(t, d.Stop())
	assert.Equal(t, 1, ft.unregisters)
}

func TestNewValidation(t *testing.T) {
	local, err := identity.Generate()
	require.NoError(t, err)
	ft := newFakeTransport(local)
	table := peer.NewTable(local, 0)

	_, err = New(nil, ft, local)
	assert.Equal(t, errcode.InvalidArgument, errcode.Of(err))
	_, err = New(table, nil, local)
	assert.Equal(t, errcode.InvalidArgument, errcode.Of(err))
	_, err = New(table, ft, identity.Zero)
	assert.Equal(t, errcode.InvalidArgument, errcode.Of(err))
	_, err = New(table, ft, local, WithOnionKey([]byte{1, 2}))
	assert.Equal(t, errcode.InvalidArgument, errcode.Of(err))

	cfg := DefaultConfig()
	cfg.StaleAfter = cfg.KeepaliveInterval
	_, err = New(table, ft, local, WithConfig(cfg))
	assert.Equal(t, errcode.InvalidArgument, errcode.Of(err))

	d, err := New(table, ft, local)
	require.NoError(t, err)
	assert.False(t, d.Running())
	assert.Equal(t, errcode.NotStarted, errcode.Of(d.Poll(0)))
	require.NoError(t, d.Close())
	assert.Equal(t, errcode.NotStarted, errcode.Of(d.Start()))
}
