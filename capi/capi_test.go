package capi

import (
	"os"
	"testing"

	"github.com/opd-ai/cyxwiz"
	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/factory"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.WarnLevel)
	if rc := Init(); rc != 0 {
		logrus.WithField("rc", rc).Fatal("Init failed")
	}
	code := m.Run()
	Shutdown()
	os.Exit(code)
}

func localEnv(t *testing.T) {
	t.Helper()
	t.Setenv(factory.EnvListen, "127.0.0.1:0")
	t.Setenv(factory.EnvBootstrap, "")
}

func newID(t *testing.T) []byte {
	t.Helper()
	out := make([]byte, identity.Len)
	require.Equal(t, int32(0), GenerateNodeID(out))
	return out
}

type stack struct {
	tr    TransportHandle
	peers PeerTableHandle
	rt    RouterHandle
	dht   DHTHandle
	disc  DiscoveryHandle
}

func newStack(t *testing.T, id []byte) stack {
	t.Helper()
	var s stack
	require.Equal(t, int32(0), TransportCreate(&s.tr, ""))
	require.Equal(t, int32(0), TransportSetLocalID(s.tr, id))
	require.Equal(t, int32(0), PeerTableCreate(&s.peers))
	require.Equal(t, int32(0), RouterCreate(&s.rt, s.peers, s.tr, id))
	require.Equal(t, int32(0), DHTCreate(&s.dht, s.rt, id))
	require.Equal(t, int32(0), DiscoveryCreate(&s.disc, s.peers, s.tr, id))
	require.Equal(t, int32(0), DiscoverySetDHT(s.disc, s.dht))
	return s
}

func (s stack) destroy() {
	DiscoveryDestroy(s.disc)
	DHTDestroy(s.dht)
	RouterDestroy(s.rt)
	PeerTableDestroy(s.peers)
	TransportDestroy(s.tr)
}

func TestCreatePollDestroy(t *testing.T) {
	localEnv(t)
	base := LiveHandles()
	id := newID(t)
	s := newStack(t, id)
	assert.Equal(t, base+5, LiveHandles())

	assert.Equal(t, int32(0), RouterStart(s.rt))
	assert.Equal(t, int32(0), DiscoveryStart(s.disc))
	now := TimeMs() + 1
	assert.Equal(t, int32(0), TransportPoll(s.tr, 1))
	assert.Equal(t, int32(0), RouterPoll(s.rt, now))
	assert.Equal(t, int32(0), DiscoveryPoll(s.disc, now))
	assert.Equal(t, int32(0), DHTPoll(s.dht, now))
	assert.Equal(t, 0, PeerTableCount(s.peers))
	assert.Equal(t, 0, PeerTableConnectedCount(s.peers))
	assert.Equal(t, int32(0), TransportIsBootstrapConnected(s.tr))

	assert.Equal(t, int32(errcode.InvalidArgument), DHTAddNode(s.dht, id))
	assert.Equal(t, int32(0), DHTAddNode(s.dht, newID(t)))
	assert.Equal(t, int32(0), RouterSend(s.rt, newID(t), []byte("queued")))

	assert.Equal(t, int32(0), DiscoveryStop(s.disc))
	assert.Equal(t, int32(0), DiscoveryStop(s.disc))
	assert.Equal(t, int32(0), RouterStop(s.rt))
	assert.Equal(t, int32(0), RouterStop(s.rt))

	s.destroy()
	s.destroy()
	assert.Equal(t, base, LiveHandles())
}

func TestStaleHandlesAreRejected(t *testing.T) {
	localEnv(t)
	s := newStack(t, newID(t))
	s.destroy()

	assert.Equal(t, int32(errcode.InvalidArgument), RouterStart(s.rt))
	assert.Equal(t, int32(errcode.InvalidArgument), RouterPoll(s.rt, 1))
	assert.Equal(t, int32(errcode.InvalidArgument), DHTPoll(s.dht, 1))
	assert.Equal(t, int32(errcode.InvalidArgument), DiscoveryStart(s.disc))
	assert.Equal(t, int32(errcode.InvalidArgument), TransportPoll(s.tr, 0))
	assert.Equal(t, 0, PeerTableCount(s.peers))

	var rt RouterHandle
	assert.Equal(t, int32(errcode.InvalidArgument), RouterCreate(&rt, s.peers, s.tr, newID(t)))
	assert.Equal(t, int32(errcode.InvalidArgument), RouterCreate(nil, s.peers, s.tr, newID(t)))
}

func TestInvalidIDsAreRejected(t *testing.T) {
	localEnv(t)
	s := newStack(t, newID(t))
	defer s.destroy()

	assert.Equal(t, int32(errcode.InvalidArgument), TransportSetLocalID(s.tr, []byte{1, 2, 3}))
	assert.Equal(t, int32(errcode.InvalidArgument), TransportSetLocalID(s.tr, make([]byte, identity.Len)))
	assert.Equal(t, int32(errcode.InvalidArgument), RouterSend(s.rt, []byte("short"), []byte("x")))
	assert.Equal(t, int32(errcode.InvalidArgument), DHTAddNode(s.dht, nil))

	var d DHTHandle
	assert.Equal(t, int32(errcode.InvalidArgument), DHTCreate(&d, s.rt, nil))
}

func TestOnionSurface(t *testing.T) {
	localEnv(t)
	id := newID(t)
	s := newStack(t, id)
	defer s.destroy()

	var o OnionHandle
	rc := OnionCreate(&o, s.rt, id)
	if cyxwiz.CryptoContext() == nil {
		assert.Equal(t, int32(errcode.CryptoUnavailable), rc)
		return
	}
	require.Equal(t, int32(0), rc)
	defer OnionDestroy(o)

	pub := make([]byte, 32)
	require.Equal(t, int32(0), OnionGetPubkey(o, pub))
	assert.NotEqual(t, make([]byte, 32), pub)
	assert.Equal(t, int32(errcode.InvalidArgument), OnionGetPubkey(o, make([]byte, 8)))

	assert.Equal(t, uint8(3), OnionGetHops(o))
	assert.Equal(t, int32(0), OnionSetHops(o, 2))
	assert.Equal(t, uint8(2), OnionGetHops(o))
	assert.Equal(t, int32(errcode.InvalidArgument), OnionSetHops(o, 9))
	assert.Equal(t, int32(errcode.InvalidArgument), OnionSetHops(o, 0))

	assert.Equal(t, int32(errcode.InvalidArgument), OnionAddPeerKey(o, newID(t), []byte{1}))
	assert.Equal(t, 0, OnionPeerKeyCount(o))
	assert.Equal(t, int32(errcode.NoCircuit), OnionSend(o, newID(t), []byte("hello")))
	assert.Equal(t, 0, OnionCircuitCount(o))

	assert.Equal(t, int32(0), OnionCoverTrafficEnabled(o))
	OnionEnableCoverTraffic(o, true)
	assert.Equal(t, int32(1), OnionCoverTrafficEnabled(o))
	OnionEnableCoverTraffic(o, false)
	assert.Equal(t, int32(0), OnionCoverTrafficEnabled(o))
	assert.Equal(t, int32(0), OnionPoll(o, TimeMs()+1))

	OnionDestroy(o)
	OnionDestroy(o)
	assert.Equal(t, uint8(0), OnionGetHops(o))
	assert.Equal(t, int32(errcode.InvalidArgument), OnionPoll(o, 1))
}

func TestUtilities(t *testing.T) {
	a, b := newID(t), newID(t)
	assert.NotEqual(t, a, b)
	assert.Equal(t, int32(errcode.InvalidArgument), GenerateNodeID(make([]byte, 4)))

	first := TimeMs()
	assert.GreaterOrEqual(t, TimeMs(), first)

	assert.Equal(t, "unknown error", Strerror(-99))
	assert.Equal(t, errcode.Strerror(errcode.NoRoute), Strerror(int32(errcode.NoRoute)))

	assert.NoError(t, Err(0))
	assert.ErrorIs(t, Err(int32(errcode.BucketFull)), errcode.BucketFull)
	assert.ErrorIs(t, Err(-99), errcode.Internal)
}

func TestShutdownDestroysLiveHandles(t *testing.T) {
	localEnv(t)
	newStack(t, newID(t))
	require.Greater(t, LiveHandles(), 0)

	Shutdown()
	assert.Equal(t, 0, LiveHandles())
	assert.Equal(t, int32(0), Init())
	assert.Equal(t, int32(errcode.InvalidArgument), Init())
}
