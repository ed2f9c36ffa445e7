package onion

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/opd-ai/cyxwiz/crypto"
	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/limits"
	"github.com/opd-ai/cyxwiz/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type netMsg struct {
	from, to identity.NodeID
	proto    router.Protocol
	data     []byte
}

// fakeNet is a fully connected network of fake routers. Messages queue
// until pump delivers them.
type fakeNet struct {
	mu     sync.Mutex
	queue  []netMsg
	log    []netMsg
	nodes  map[identity.NodeID]*fakeRouter
	down   map[identity.NodeID]bool
	silent map[identity.NodeID]bool
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		nodes:  make(map[identity.NodeID]*fakeRouter),
		down:   make(map[identity.NodeID]bool),
		silent: make(map[identity.NodeID]bool),
	}
}

type fakeRouter struct {
	net *fakeNet
	id  identity.NodeID
	mu  sync.Mutex
	eps map[router.Protocol]router.Endpoint
}

func (f *fakeRouter) SendProto(dest identity.NodeID, proto router.Protocol, payload []byte) error {
	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	if f.net.down[dest] || f.net.nodes[dest] == nil {
		return fmt.Errorf("%w: %s", errcode.PeerUnreachable, dest.Short())
	}
	if f.net.silent[dest] {
		return nil
	}
	m := netMsg{
		from:  f.id,
		to:    dest,
		proto: proto,
		data:  append([]byte(nil), payload...),
	}
	f.net.queue = append(f.net.queue, m)
	f.net.log = append(f.net.log, m)
	return nil
}

func (f *fakeRouter) Register(proto router.Protocol, ep router.Endpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eps[proto] = ep
}

func (f *fakeRouter) endpoint(proto router.Protocol) router.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eps[proto]
}

// pump delivers queued messages, including the ones they trigger.
func (n *fakeNet) pump(t *testing.T) {
	t.Helper()
	for i := 0; ; i++ {
		require.Less(t, i, 10000, "message storm")
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		m := n.queue[0]
		n.queue = n.queue[1:]
		dst := n.nodes[m.to]
		n.mu.Unlock()
		if ep := dst.endpoint(m.proto); ep.OnMessage != nil {
			ep.OnMessage(m.from, m.data)
		}
	}
}

func (n *fakeNet) pending() []netMsg {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]netMsg(nil), n.queue...)
}

type testNode struct {
	id    identity.NodeID
	kp    *crypto.KeyPair
	layer *Layer
	got   [][]byte
}

func newCryptoContext(t *testing.T) *crypto.Context {
	t.Helper()
	cctx, err := crypto.Init(crypto.Options{})
	require.NoError(t, err)
	t.Cleanup(cctx.Shutdown)
	return cctx
}

func (n *fakeNet) addNode(t *testing.T, cctx *crypto.Context, opts ...Option) *testNode {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	kp, err := cctx.GenerateKeyPair()
	require.NoError(t, err)

	fr := &fakeRouter{net: n, id: id, eps: make(map[router.Protocol]router.Endpoint)}
	n.mu.Lock()
	n.nodes[id] = fr
	n.mu.Unlock()

	l, err := newLayer(fr, id, cctx, append([]Option{WithIdentity(kp)}, opts...)...)
	require.NoError(t, err)
	tn := &testNode{id: id, kp: kp, layer: l}
	l.OnDeliver(func(p []byte) { tn.got = append(tn.got, p) })
	return tn
}

func (tn *testNode) learn(t *testing.T, peers ...*testNode) {
	t.Helper()
	for _, p := range peers {
		require.NoError(t, tn.layer.AddPeerKey(p.id, p.kp.Public[:]))
	}
}

func buildNet(t *testing.T, count int) (*fakeNet, []*testNode) {
	t.Helper()
	cctx := newCryptoContext(t)
	n := newFakeNet()
	nodes := make([]*testNode, count)
	for i := range nodes {
		nodes[i] = n.addNode(t, cctx)
	}
	return n, nodes
}

func TestCircuitNeedsEnoughPeerKeys(t *testing.T) {
	n, nodes := buildNet(t, 5)
	origin, dest := nodes[0], nodes[4]
	origin.learn(t, nodes[1], nodes[2])

	err := origin.layer.SendTo(dest.id, []byte("hello"))
	assert.Equal(t, errcode.NoCircuit, errcode.Of(err))
	assert.Zero(t, origin.layer.CircuitCount())
	assert.Empty(t, n.pending())

	origin.learn(t, nodes[3])
	require.NoError(t, origin.layer.SendTo(dest.id, []byte("hello")))
	n.pump(t)

	require.Len(t, dest.got, 1)
	assert.Equal(t, []byte("hello"), dest.got[0])
	assert.Equal(t, uint64(1), origin.layer.Stats().CircuitsBuilt)

	var exited uint64
	for _, relay := range nodes[1:4] {
		exited += relay.layer.Stats().Exited
		assert.Len(t, relay.layer.relays, 1, "every relay joins the circuit once")
	}
	assert.Equal(t, uint64(1), exited)

	infos := origin.layer.Circuits()
	require.Len(t, infos, 1)
	assert.Equal(t, StateEstablished, infos[0].State)
	assert.Equal(t, 3, infos[0].Built)
	assert.NotContains(t, infos[0].Hops, dest.id)
}

func TestCircuitEndsAtKnownDestination(t *testing.T) {
	n, nodes := buildNet(t, 4)
	origin, dest := nodes[0], nodes[3]
	origin.learn(t, nodes[1], nodes[2], dest)

	require.NoError(t, origin.layer.SendTo(dest.id, []byte("first")))
	n.pump(t)
	require.NoError(t, origin.layer.SendTo(dest.id, []byte("second")))
	n.pump(t)

	assert.Equal(t, [][]byte{[]byte("first"), []byte("second")}, dest.got)
	assert.Equal(t, uint64(2), dest.layer.Stats().Delivered)
	assert.Equal(t, 1, origin.layer.CircuitCount(), "the circuit is reused")

	infos := origin.layer.Circuits()
	require.Len(t, infos, 1)
	assert.Equal(t, dest.id, infos[0].Hops[2])
	for _, relay := range nodes[1:3] {
		assert.Zero(t, relay.layer.Stats().Exited)
		assert.Empty(t, relay.got)
	}
}

func TestPayloadsQueueWhileBuilding(t *testing.T) {
	n, nodes := buildNet(t, 4)
	origin, dest := nodes[0], nodes[3]
	origin.learn(t, nodes[1], nodes[2], dest)

	for i := 0; i < 3; i++ {
		require.NoError(t, origin.layer.SendTo(dest.id, []byte{byte(i + 1)}))
	}
	assert.Equal(t, 1, origin.layer.CircuitCount())
	n.pump(t)
	assert.Equal(t, [][]byte{{1}, {2}, {3}}, dest.got)
}

func TestCoverTrafficDisabledSendsNothing(t *testing.T) {
	n, nodes := buildNet(t, 4)
	origin, dest := nodes[0], nodes[3]
	origin.learn(t, nodes[1], nodes[2], dest)
	require.NoError(t, origin.layer.SendTo(dest.id, []byte("x")))
	n.pump(t)
	require.Equal(t, 1, origin.layer.CircuitCount())

	assert.False(t, origin.layer.CoverTrafficEnabled())
	for now := uint64(0); now <= 60_000; now += 500 {
		require.NoError(t, origin.layer.Poll(now))
		n.pump(t)
	}
	assert.Zero(t, origin.layer.Stats().CoverSent)
	assert.Equal(t, 1, origin.layer.CircuitCount())
	assert.Len(t, dest.got, 1)
}

func TestCoverTrafficIsDiscardedByLastHop(t *testing.T) {
	n, nodes := buildNet(t, 4)
	origin, dest := nodes[0], nodes[3]
	origin.learn(t, nodes[1], nodes[2], dest)
	require.NoError(t, origin.layer.SendTo(dest.id, []byte("x")))
	n.pump(t)

	origin.layer.EnableCoverTraffic(true)
	for now := uint64(0); now <= 30_000; now += 500 {
		require.NoError(t, origin.layer.Poll(now))
		n.pump(t)
	}
	sent := origin.layer.Stats().CoverSent
	assert.NotZero(t, sent)
	assert.LessOrEqual(t, sent, uint64(31), "at most one cover cell per second")
	assert.Len(t, dest.got, 1, "cover cells never reach the application")
	assert.Equal(t, 1, origin.layer.CircuitCount())

	origin.layer.EnableCoverTraffic(false)
	for now := uint64(30_500); now <= 40_000; now += 500 {
		require.NoError(t, origin.layer.Poll(now))
	}
	assert.Equal(t, sent, origin.layer.Stats().CoverSent)
}

func TestCellsOnFirstLinkHaveUniformSize(t *testing.T) {
	n, nodes := buildNet(t, 4)
	origin, dest := nodes[0], nodes[3]
	origin.learn(t, nodes[1], nodes[2], dest)
	origin.layer.EnableCoverTraffic(true)

	require.NoError(t, origin.layer.SendTo(dest.id, []byte("short")))
	for now := uint64(0); now <= 10_000; now += 500 {
		n.pump(t)
		require.NoError(t, origin.layer.Poll(now))
	}
	require.NoError(t, origin.layer.SendTo(dest.id, make([]byte, limits.MaxOnionPayload)))
	n.pump(t)
	require.NotZero(t, origin.layer.Stats().CoverSent)

	entrySizes := map[int]bool{}
	relayCells := 0
	for _, m := range n.log {
		if m.from == origin.id && m.data[0] == byte(cellRelay) {
			entrySizes[len(m.data)] = true
			relayCells++
		}
	}
	assert.GreaterOrEqual(t, relayCells, 4, "two extends, two data cells and cover")
	assert.Equal(t, map[int]bool{limits.OnionCellSize(3): true}, entrySizes)
}

func TestBuildTimeoutAbandonsWithoutAlternatives(t *testing.T) {
	n, nodes := buildNet(t, 3)
	origin, ghost, dest := nodes[0], nodes[1], nodes[2]
	n.silent[ghost.id] = true
	require.NoError(t, origin.layer.SetHopCount(1))
	origin.learn(t, ghost)

	require.NoError(t, origin.layer.SendTo(dest.id, []byte("lost")))
	require.NoError(t, origin.layer.Poll(4_999))
	assert.Equal(t, 1, origin.layer.CircuitCount())

	err := origin.layer.Poll(5_000)
	assert.True(t, errors.Is(err, errcode.NoCircuit))
	assert.Zero(t, origin.layer.CircuitCount())
	assert.Equal(t, uint64(1), origin.layer.Stats().BuildFailures)
	assert.NoError(t, origin.layer.Poll(6_000), "failures are reported once")
	assert.Empty(t, dest.got)
}

func TestBuildRetriesAroundSilentHop(t *testing.T) {
	n, nodes := buildNet(t, 4)
	origin, ghost, good, dest := nodes[0], nodes[1], nodes[2], nodes[3]
	n.silent[ghost.id] = true
	require.NoError(t, origin.layer.SetHopCount(1))
	origin.learn(t, ghost, good)

	require.NoError(t, origin.layer.SendTo(dest.id, []byte("retry")))
	for now := uint64(0); now <= 12_000; now += 1_000 {
		require.NoError(t, origin.layer.Poll(now))
		n.pump(t)
	}
	assert.Equal(t, [][]byte{[]byte("retry")}, dest.got)
	assert.LessOrEqual(t, origin.layer.Stats().BuildFailures, uint64(1))
}

func TestUnreachableEntryFailsSend(t *testing.T) {
	n, nodes := buildNet(t, 3)
	origin, entry, dest := nodes[0], nodes[1], nodes[2]
	n.down[entry.id] = true
	require.NoError(t, origin.layer.SetHopCount(1))
	origin.learn(t, entry)

	err := origin.layer.SendTo(dest.id, []byte("nowhere"))
	assert.Equal(t, errcode.PeerUnreachable, errcode.Of(err))
	assert.Zero(t, origin.layer.CircuitCount())
	assert.True(t, errors.Is(origin.layer.Poll(0), errcode.NoCircuit))
}

func TestRefusedEntryIsReplacedWithoutError(t *testing.T) {
	// Hop selection is random, so repeat until the refusing hop is likely
	// to have been picked first at least once.
	for i := 0; i < 8; i++ {
		n, nodes := buildNet(t, 4)
		origin, down, up, dest := nodes[0], nodes[1], nodes[2], nodes[3]
		n.down[down.id] = true
		require.NoError(t, origin.layer.SetHopCount(1))
		origin.learn(t, down, up)

		require.NoError(t, origin.layer.SendTo(dest.id, []byte("once")))
		n.pump(t)
		assert.Equal(t, [][]byte{[]byte("once")}, dest.got)
		assert.Equal(t, 1, origin.layer.CircuitCount())
		assert.NoError(t, origin.layer.Poll(0))
	}
}

func TestCloseCircuitTearsDownRelays(t *testing.T) {
	n, nodes := buildNet(t, 4)
	origin, dest := nodes[0], nodes[3]
	origin.learn(t, nodes[1], nodes[2], dest)
	require.NoError(t, origin.layer.SendTo(dest.id, []byte("x")))
	n.pump(t)

	infos := origin.layer.Circuits()
	require.Len(t, infos, 1)
	require.NoError(t, origin.layer.CloseCircuit(infos[0].ID))
	n.pump(t)

	assert.Zero(t, origin.layer.CircuitCount())
	for _, hop := range nodes[1:] {
		assert.Empty(t, hop.layer.relays)
		assert.Empty(t, hop.layer.relayNext)
	}
	assert.Equal(t, errcode.InvalidArgument, errcode.Of(origin.layer.CloseCircuit(infos[0].ID)))
}

func TestClosedCircuitReleasedOnNextPoll(t *testing.T) {
	n, nodes := buildNet(t, 4)
	origin, dest := nodes[0], nodes[3]
	origin.learn(t, nodes[1], nodes[2], dest)
	require.NoError(t, origin.layer.SendTo(dest.id, []byte("x")))
	n.pump(t)

	infos := origin.layer.Circuits()
	require.Len(t, infos, 1)
	id := infos[0].ID
	require.NoError(t, origin.layer.CloseCircuit(id))

	c := origin.layer.circuits[id]
	require.NotNil(t, c)
	assert.Equal(t, StateClosing, c.state)
	assert.Len(t, c.hops, 3)
	assert.Zero(t, origin.layer.CircuitCount())

	require.NoError(t, origin.layer.Poll(1))
	assert.NotContains(t, origin.layer.circuits, id)
	assert.Equal(t, StateClosed, c.state)
	assert.Nil(t, c.hops)
	assert.Empty(t, origin.layer.Circuits())
}

func TestIdleCircuitExpires(t *testing.T) {
	n, nodes := buildNet(t, 4)
	origin, dest := nodes[0], nodes[3]
	origin.learn(t, nodes[1], nodes[2], dest)
	require.NoError(t, origin.layer.SendTo(dest.id, []byte("x")))
	n.pump(t)

	idle := origin.layer.cfg.CircuitIdle
	require.NoError(t, origin.layer.Poll(idle-1))
	assert.Equal(t, 1, origin.layer.CircuitCount())
	require.NoError(t, origin.layer.Poll(idle))
	assert.Zero(t, origin.layer.CircuitCount())
	n.pump(t)
	for _, hop := range nodes[1:] {
		assert.Empty(t, hop.layer.relays)
	}
}

func TestRelayDropsReplayedCells(t *testing.T) {
	cctx := newCryptoContext(t)
	n := newFakeNet()
	relay := n.addNode(t, cctx)
	originID, err := identity.Generate()
	require.NoError(t, err)
	origin := &fakeRouter{net: n, id: originID, eps: make(map[router.Protocol]router.Endpoint)}
	n.nodes[originID] = origin

	init, msg1, err := cctx.NewInitiator(relay.kp.Public)
	require.NoError(t, err)
	ep := relay.layer
	ep.receiveCell(originID, (&cell{typ: cellCreate, circ: 7, body: msg1}).marshal())

	q := n.pending()
	require.Len(t, q, 1)
	reply, err := parseCell(q[0].data)
	require.NoError(t, err)
	require.Equal(t, cellCreated, reply.typ)
	keys, err := init.Finish(reply.body)
	require.NoError(t, err)

	inner, err := encodeCommand(cmdData, encodeData(relay.id, []byte("once")), limits.OnionCommandArea)
	require.NoError(t, err)
	body, err := sealLayer(keys.Forward, 0, markerCommand, inner)
	require.NoError(t, err)
	raw := (&cell{typ: cellRelay, circ: 7, body: body}).marshal()

	ep.receiveCell(originID, raw)
	ep.receiveCell(originID, raw)
	assert.Equal(t, [][]byte{[]byte("once")}, relay.got)

	tampered := append([]byte(nil), raw...)
	tampered[len(tampered)-1] ^= 1
	ep.receiveCell(originID, tampered)
	assert.Len(t, relay.got, 1)
}

func TestEachHopRemovesOneLayer(t *testing.T) {
	cctx := newCryptoContext(t)
	n := newFakeNet()
	origin := n.addNode(t, cctx)

	c := &circuit{id: 1}
	var hopKeys []*crypto.HopKeys
	for i := 0; i < 3; i++ {
		kp, err := cctx.GenerateKeyPair()
		require.NoError(t, err)
		init, msg1, err := cctx.NewInitiator(kp.Public)
		require.NoError(t, err)
		msg2, hk, err := cctx.Respond(kp, msg1)
		require.NoError(t, err)
		keys, err := init.Finish(msg2)
		require.NoError(t, err)
		id, err := identity.Generate()
		require.NoError(t, err)
		c.plan = append(c.plan, hopPlan{id: id, key: kp.Public})
		c.hops = append(c.hops, origin.layer.newHop(id, keys))
		hopKeys = append(hopKeys, hk)
	}

	dest, err := identity.Generate()
	require.NoError(t, err)
	body, err := origin.layer.wrapLocked(c, 2, cmdData, encodeData(dest, []byte("payload")))
	require.NoError(t, err)
	assert.Equal(t, limits.OnionCellSize(3), limits.OnionCellHeader+len(body))

	for i, hk := range hopKeys {
		_, marker, inner, err := openLayer(hk.Forward, body)
		require.NoError(t, err, "hop %d", i)
		if i < 2 {
			assert.Equal(t, markerForward, marker)
			_, _, _, err := openLayer(hopKeys[i+1].Forward, body)
			assert.Error(t, err, "hop %d cannot read hop %d's layer", i+1, i)
			body = inner
			continue
		}
		assert.Equal(t, markerCommand, marker)
		cmd, data, err := decodeCommand(inner)
		require.NoError(t, err)
		assert.Equal(t, cmdData, cmd)
		got, payload, err := decodeData(data)
		require.NoError(t, err)
		assert.Equal(t, dest, got)
		assert.Equal(t, []byte("payload"), payload)
	}
}

func TestCellCodecRejectsMalformed(t *testing.T) {
	_, err := parseCell([]byte{1, 0, 0})
	assert.Error(t, err)
	_, err = parseCell((&cell{typ: cellDestroy, circ: 0, body: []byte{1}}).marshal())
	assert.Error(t, err, "zero circuit id")
	_, err = parseCell((&cell{typ: cellCreate, circ: 3, body: []byte{1, 2}}).marshal())
	assert.Error(t, err, "short handshake")
	_, err = parseCell((&cell{typ: 0x7f, circ: 3, body: []byte{1}}).marshal())
	assert.Error(t, err)

	c, err := parseCell((&cell{typ: cellDestroy, circ: 9, body: []byte{byte(ReasonTimeout)}}).marshal())
	require.NoError(t, err)
	assert.Equal(t, uint32(9), c.circ)

	_, err = encodeCommand(cmdData, make([]byte, 10), limits.OnionCommandHeader+9)
	assert.Equal(t, errcode.InvalidArgument, errcode.Of(err))
	_, _, err = decodeCommand([]byte{byte(cmdData), 0, 50, 1})
	assert.Error(t, err)
}

func TestConfigurationSurface(t *testing.T) {
	_, nodes := buildNet(t, 2)
	l := nodes[0].layer

	assert.Equal(t, DefaultHops, l.HopCount())
	assert.Equal(t, errcode.InvalidArgument, errcode.Of(l.SetHopCount(MinHops-1)))
	assert.Equal(t, errcode.InvalidArgument, errcode.Of(l.SetHopCount(MaxHops+1)))
	require.NoError(t, l.SetHopCount(2))
	assert.Equal(t, 2, l.HopCount())

	assert.Equal(t, errcode.InvalidArgument, errcode.Of(l.AddPeerKey(nodes[0].id, nodes[1].kp.Public[:])))
	assert.Equal(t, errcode.InvalidArgument, errcode.Of(l.AddPeerKey(identity.Zero, nodes[1].kp.Public[:])))
	assert.Equal(t, errcode.InvalidArgument, errcode.Of(l.AddPeerKey(nodes[1].id, make([]byte, 32))))
	assert.Equal(t, errcode.InvalidArgument, errcode.Of(l.AddPeerKey(nodes[1].id, []byte{1, 2, 3})))
	assert.Zero(t, l.PeerKeyCount())
	nodes[0].learn(t, nodes[1])
	assert.Equal(t, 1, l.PeerKeyCount())

	pub, err := l.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, nodes[0].kp.Public, pub)

	assert.Equal(t, errcode.InvalidArgument, errcode.Of(l.SendTo(nodes[0].id, []byte("self"))))
	assert.Equal(t, errcode.InvalidArgument, errcode.Of(l.SendTo(nodes[1].id, nil)))
	assert.Equal(t, errcode.InvalidArgument, errcode.Of(l.SendTo(nodes[1].id, make([]byte, limits.MaxOnionPayload+1))))
}

func TestNewValidation(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	fr := &fakeRouter{net: newFakeNet(), id: id, eps: make(map[router.Protocol]router.Endpoint)}

	_, err = New(nil, id, newCryptoContext(t))
	assert.Equal(t, errcode.InvalidArgument, errcode.Of(err))
	_, err = New(fr, identity.Zero, newCryptoContext(t))
	assert.Equal(t, errcode.InvalidArgument, errcode.Of(err))

	cfg := DefaultConfig()
	cfg.HopCount = MaxHops + 1
	_, err = New(fr, id, newCryptoContext(t), WithConfig(cfg))
	assert.Equal(t, errcode.InvalidArgument, errcode.Of(err))

	o, err := New(fr, id, newCryptoContext(t))
	require.NoError(t, err)
	assert.IsType(t, &Layer{}, o)
	assert.NotNil(t, fr.endpoint(router.ProtoOnion).OnMessage)
}

func TestUnavailableWithoutCrypto(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	fr := &fakeRouter{net: newFakeNet(), id: id, eps: make(map[router.Protocol]router.Endpoint)}

	o, err := New(fr, id, nil)
	assert.Equal(t, errcode.CryptoUnavailable, errcode.Of(err))
	require.NotNil(t, o)

	_, err = o.PublicKey()
	assert.Equal(t, errcode.CryptoUnavailable, errcode.Of(err))
	assert.Equal(t, errcode.CryptoUnavailable, errcode.Of(o.SendTo(id, []byte("x"))))
	assert.Equal(t, errcode.CryptoUnavailable, errcode.Of(o.Poll(0)))
	assert.Equal(t, errcode.CryptoUnavailable, errcode.Of(o.SetHopCount(2)))
	o.EnableCoverTraffic(true)
	assert.False(t, o.CoverTrafficEnabled())
	assert.Zero(t, o.CircuitCount())
	assert.NoError(t, o.Close())

	cctx := newCryptoContext(t)
	cctx.Shutdown()
	_, err = New(fr, id, cctx)
	assert.Equal(t, errcode.CryptoUnavailable, errcode.Of(err))
}

func TestCloseIsIdempotent(t *testing.T) {
	n, nodes := buildNet(t, 4)
	origin, dest := nodes[0], nodes[3]
	origin.learn(t, nodes[1], nodes[2], dest)
	require.NoError(t, origin.layer.SendTo(dest.id, []byte("x")))
	n.pump(t)

	require.NoError(t, origin.layer.Close())
	require.NoError(t, origin.layer.Close())
	n.pump(t)

	assert.Zero(t, origin.layer.CircuitCount())
	assert.Equal(t, errcode.NotStarted, errcode.Of(origin.layer.SendTo(dest.id, []byte("x"))))
	assert.Equal(t, errcode.NotStarted, errcode.Of(origin.layer.Poll(1)))
	_, err := origin.layer.PublicKey()
	assert.Equal(t, errcode.NotStarted, errcode.Of(err))
	for _, hop := range nodes[1:] {
		assert.Empty(t, hop.layer.relays)
	}
	assert.Nil(t, n.nodes[origin.id].endpoint(router.ProtoOnion).OnMessage)
}
