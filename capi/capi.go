package capi

import (
	"fmt"
	"os"
	"time"

	"github.com/opd-ai/cyxwiz"
	"github.com/opd-ai/cyxwiz/dht"
	"github.com/opd-ai/cyxwiz/discovery"
	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/factory"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/onion"
	"github.com/opd-ai/cyxwiz/peer"
	"github.com/opd-ai/cyxwiz/router"
	"github.com/opd-ai/cyxwiz/transport"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

type routerEntry struct {
	r     *router.Router
	peers *peer.Table
}

var (
	transports  = newArena[TransportHandle, *transport.UDPTransport]()
	peerTables  = newArena[PeerTableHandle, *peer.Table]()
	routers     = newArena[RouterHandle, routerEntry]()
	dhts        = newArena[DHTHandle, *dht.DHT]()
	discoveries = newArena[DiscoveryHandle, *discovery.Discovery]()
	onions      = newArena[OnionHandle, onion.Onion]()
)

var (
	rcOK      = int32(errcode.OK)
	rcInvalid = int32(errcode.InvalidArgument)
)

func code(err error) int32 {
	return errcode.Int32(err)
}

func parseID(b []byte) (identity.NodeID, bool) {
	id, err := identity.FromBytes(b)
	if err != nil || id.IsZero() {
		return identity.Zero, false
	}
	return id, true
}

// Init sets up the library. It must be called once before anything else.
func Init() int32 {
	return code(cyxwiz.Init())
}

// Shutdown destroys every live handle and releases the library.
func Shutdown() {
	if err := destroyAll(); err != nil {
		for _, e := range multierr.Errors(err) {
			logrus.WithFields(logrus.Fields{
				"function": "Shutdown",
				"error":    e.Error(),
			}).Warn("Teardown error")
		}
	}
	cyxwiz.Shutdown()
}

func destroyAll() error {
	var errs error
	for _, d := range discoveries.drain() {
		errs = multierr.Append(errs, d.Close())
	}
	for _, o := range onions.drain() {
		errs = multierr.Append(errs, o.Close())
	}
	for _, d := range dhts.drain() {
		errs = multierr.Append(errs, d.Close())
	}
	for _, e := range routers.drain() {
		errs = multierr.Append(errs, e.r.Close())
	}
	peerTables.drain()
	for _, t := range transports.drain() {
		errs = multierr.Append(errs, t.Close())
	}
	return errs
}

// LiveHandles reports how many objects are alive across all arenas.
func LiveHandles() int {
	return transports.len() + peerTables.len() + routers.len() +
		dhts.len() + discoveries.len() + onions.len()
}

// ============ Transport ============

// TransportCreate creates a UDP transport. A non-empty bootstrap address is
// exported as CYXWIZ_BOOTSTRAP before the environment is read.
func TransportCreate(out *TransportHandle, bootstrap string) int32 {
	if out == nil {
		return rcInvalid
	}
	if bootstrap != "" {
		if err := os.Setenv(factory.EnvBootstrap, bootstrap); err != nil {
			return rcInvalid
		}
	}
	cfg := factory.DefaultTransportConfig()
	factory.ApplyEnvironmentOverrides(&cfg)
	tr, err := transport.NewUDPTransport(transport.UDPConfig{
		ListenAddr:    cfg.ListenAddr,
		BootstrapAddr: cfg.BootstrapAddr,
	})
	if err != nil {
		return code(err)
	}
	*out = transports.put(tr)
	return rcOK
}

// TransportDestroy closes a transport.
func TransportDestroy(h TransportHandle) {
	if tr, ok := transports.take(h); ok {
		_ = tr.Close()
	}
}

// TransportPoll dispatches inbound datagrams, waiting up to timeoutMs.
func TransportPoll(h TransportHandle, timeoutMs uint32) int32 {
	tr, ok := transports.get(h)
	if !ok {
		return rcInvalid
	}
	return code(tr.Poll(time.Duration(timeoutMs) * time.Millisecond))
}

// TransportSetLocalID sets the id stamped on outgoing datagrams.
func TransportSetLocalID(h TransportHandle, id []byte) int32 {
	tr, ok := transports.get(h)
	local, valid := parseID(id)
	if !ok || !valid {
		return rcInvalid
	}
	tr.SetLocalID(local)
	return rcOK
}

// TransportIsBootstrapConnected returns 1 when the rendezvous point answered
// recently, else 0.
func TransportIsBootstrapConnected(h TransportHandle) int32 {
	tr, ok := transports.get(h)
	if !ok || !tr.IsBootstrapConnected() {
		return 0
	}
	return 1
}

// ============ Peer table ============

// PeerTableCreate creates an empty peer table.
func PeerTableCreate(out *PeerTableHandle) int32 {
	if out == nil {
		return rcInvalid
	}
	*out = peerTables.put(peer.NewTable(identity.Zero, peer.DefaultMaxPeers))
	return rcOK
}

// PeerTableDestroy releases a peer table.
func PeerTableDestroy(h PeerTableHandle) {
	peerTables.take(h)
}

// PeerTableCount returns the number of known peers, 0 for a bad handle.
func PeerTableCount(h PeerTableHandle) int {
	if t, ok := peerTables.get(h); ok {
		return t.Count()
	}
	return 0
}

// PeerTableConnectedCount returns the number of connected peers.
func PeerTableConnectedCount(h PeerTableHandle) int {
	if t, ok := peerTables.get(h); ok {
		return t.ConnectedCount()
	}
	return 0
}

// ============ Router ============

// RouterCreate creates an idle router over peers and tr.
func RouterCreate(out *RouterHandle, peers PeerTableHandle, tr TransportHandle, localID []byte) int32 {
	table, okTable := peerTables.get(peers)
	udp, okTr := transports.get(tr)
	local, okID := parseID(localID)
	if out == nil || !okTable || !okTr || !okID {
		return rcInvalid
	}
	r, err := router.New(table, udp, local)
	if err != nil {
		return code(err)
	}
	*out = routers.put(routerEntry{r: r, peers: table})
	return rcOK
}

// RouterDestroy closes a router.
func RouterDestroy(h RouterHandle) {
	if e, ok := routers.take(h); ok {
		_ = e.r.Close()
	}
}

// RouterStart activates a router.
func RouterStart(h RouterHandle) int32 {
	e, ok := routers.get(h)
	if !ok {
		return rcInvalid
	}
	return code(e.r.Start())
}

// RouterStop idles a router. Stopping twice is harmless.
func RouterStop(h RouterHandle) int32 {
	e, ok := routers.get(h)
	if !ok {
		return rcInvalid
	}
	return code(e.r.Stop())
}

// RouterPoll advances retries, discovery and reordering at nowMs.
func RouterPoll(h RouterHandle, nowMs uint64) int32 {
	e, ok := routers.get(h)
	if !ok {
		return rcInvalid
	}
	return code(e.r.Poll(nowMs))
}

// RouterSend queues data for dest.
func RouterSend(h RouterHandle, dest []byte, data []byte) int32 {
	e, ok := routers.get(h)
	to, valid := parseID(dest)
	if !ok || !valid {
		return rcInvalid
	}
	return code(e.r.Send(to, data))
}

// ============ DHT ============

// DHTCreate creates a DHT that talks through router and feeds it next-hop
// hints.
func DHTCreate(out *DHTHandle, rt RouterHandle, localID []byte) int32 {
	e, okRouter := routers.get(rt)
	local, okID := parseID(localID)
	if out == nil || !okRouter || !okID {
		return rcInvalid
	}
	d, err := dht.New(e.r, local)
	if err != nil {
		return code(err)
	}
	e.r.SetRouteHinter(d)
	*out = dhts.put(d)
	return rcOK
}

// DHTDestroy closes a DHT.
func DHTDestroy(h DHTHandle) {
	if d, ok := dhts.take(h); ok {
		_ = d.Close()
	}
}

// DHTPoll advances the DHT at nowMs.
func DHTPoll(h DHTHandle, nowMs uint64) int32 {
	d, ok := dhts.get(h)
	if !ok {
		return rcInvalid
	}
	return code(d.Poll(nowMs))
}

// DHTAddNode adds a peer to the routing table.
func DHTAddNode(h DHTHandle, nodeID []byte) int32 {
	d, ok := dhts.get(h)
	id, valid := parseID(nodeID)
	if !ok || !valid {
		return rcInvalid
	}
	return code(d.AddNode(id))
}

// ============ Discovery ============

// DiscoveryCreate creates discovery over peers and tr.
func DiscoveryCreate(out *DiscoveryHandle, peers PeerTableHandle, tr TransportHandle, localID []byte) int32 {
	table, okTable := peerTables.get(peers)
	udp, okTr := transports.get(tr)
	local, okID := parseID(localID)
	if out == nil || !okTable || !okTr || !okID {
		return rcInvalid
	}
	d, err := discovery.New(table, udp, local)
	if err != nil {
		return code(err)
	}
	*out = discoveries.put(d)
	return rcOK
}

// DiscoveryDestroy closes discovery.
func DiscoveryDestroy(h DiscoveryHandle) {
	if d, ok := discoveries.take(h); ok {
		_ = d.Close()
	}
}

// DiscoveryStart begins handling discovery traffic.
func DiscoveryStart(h DiscoveryHandle) int32 {
	d, ok := discoveries.get(h)
	if !ok {
		return rcInvalid
	}
	return code(d.Start())
}

// DiscoveryStop stops discovery. Stopping twice is harmless.
func DiscoveryStop(h DiscoveryHandle) int32 {
	d, ok := discoveries.get(h)
	if !ok {
		return rcInvalid
	}
	return code(d.Stop())
}

// DiscoveryPoll advances discovery at nowMs.
func DiscoveryPoll(h DiscoveryHandle, nowMs uint64) int32 {
	d, ok := discoveries.get(h)
	if !ok {
		return rcInvalid
	}
	return code(d.Poll(nowMs))
}

// DiscoverySetDHT feeds newly connected peers to a DHT.
func DiscoverySetDHT(h DiscoveryHandle, dh DHTHandle) int32 {
	d, okDisc := discoveries.get(h)
	table, okDHT := dhts.get(dh)
	if !okDisc || !okDHT {
		return rcInvalid
	}
	d.SetDHT(table)
	return rcOK
}

// ============ Onion ============

// OnionCreate creates an onion layer on router. Without crypto support it
// returns CryptoUnavailable and issues no handle.
func OnionCreate(out *OnionHandle, rt RouterHandle, localID []byte) int32 {
	e, okRouter := routers.get(rt)
	local, okID := parseID(localID)
	if out == nil || !okRouter || !okID {
		return rcInvalid
	}
	o, err := onion.New(e.r, local, cyxwiz.CryptoContext(), onion.WithConnectivity(e.peers))
	if err != nil {
		return code(err)
	}
	*out = onions.put(o)
	return rcOK
}

// OnionDestroy closes an onion layer and wipes its keys.
func OnionDestroy(h OnionHandle) {
	if o, ok := onions.take(h); ok {
		_ = o.Close()
	}
}

// OnionPoll advances circuits at nowMs.
func OnionPoll(h OnionHandle, nowMs uint64) int32 {
	o, ok := onions.get(h)
	if !ok {
		return rcInvalid
	}
	return code(o.Poll(nowMs))
}

// OnionSend sends data to dest through a circuit.
func OnionSend(h OnionHandle, dest []byte, data []byte) int32 {
	o, ok := onions.get(h)
	to, valid := parseID(dest)
	if !ok || !valid {
		return rcInvalid
	}
	return code(o.SendTo(to, data))
}

// OnionGetPubkey copies the onion public key into out, which must hold 32
// bytes.
func OnionGetPubkey(h OnionHandle, out []byte) int32 {
	o, ok := onions.get(h)
	if !ok || len(out) < 32 {
		return rcInvalid
	}
	key, err := o.PublicKey()
	if err != nil {
		return code(err)
	}
	copy(out, key[:])
	return rcOK
}

// OnionAddPeerKey records the onion key of peerID.
func OnionAddPeerKey(h OnionHandle, peerID []byte, pubkey []byte) int32 {
	o, ok := onions.get(h)
	id, valid := parseID(peerID)
	if !ok || !valid {
		return rcInvalid
	}
	return code(o.AddPeerKey(id, pubkey))
}

// OnionSetHops sets the circuit length for new circuits.
func OnionSetHops(h OnionHandle, hops uint8) int32 {
	o, ok := onions.get(h)
	if !ok {
		return rcInvalid
	}
	return code(o.SetHopCount(int(hops)))
}

// OnionGetHops returns the circuit length, 0 for a bad handle.
func OnionGetHops(h OnionHandle) uint8 {
	if o, ok := onions.get(h); ok {
		return uint8(o.HopCount())
	}
	return 0
}

// OnionCircuitCount returns building plus established circuits.
func OnionCircuitCount(h OnionHandle) int {
	if o, ok := onions.get(h); ok {
		return o.CircuitCount()
	}
	return 0
}

// OnionPeerKeyCount returns how many peer keys are known.
func OnionPeerKeyCount(h OnionHandle) int {
	if o, ok := onions.get(h); ok {
		return o.PeerKeyCount()
	}
	return 0
}

// OnionEnableCoverTraffic turns cover traffic on or off.
func OnionEnableCoverTraffic(h OnionHandle, enable bool) {
	if o, ok := onions.get(h); ok {
		o.EnableCoverTraffic(enable)
	}
}

// OnionCoverTrafficEnabled returns 1 when cover traffic is on, else 0.
func OnionCoverTrafficEnabled(h OnionHandle) int32 {
	if o, ok := onions.get(h); ok && o.CoverTrafficEnabled() {
		return 1
	}
	return 0
}

// ============ Utilities ============

// GenerateNodeID writes a fresh node id into out, which must hold 32 bytes.
func GenerateNodeID(out []byte) int32 {
	if len(out) < identity.Len {
		return rcInvalid
	}
	id, err := cyxwiz.GenerateNodeID()
	if err != nil {
		return code(err)
	}
	copy(out, id[:])
	return rcOK
}

// TimeMs returns monotonic milliseconds since the process started.
func TimeMs() uint64 {
	return cyxwiz.TimeMs()
}

// Strerror describes a result code.
func Strerror(rc int32) string {
	return errcode.Strerror(errcode.Code(rc))
}

// Err converts a result code back into an error, nil for success.
func Err(rc int32) error {
	if rc == rcOK {
		return nil
	}
	c := errcode.Code(rc)
	if !c.Known() {
		return fmt.Errorf("%w: unknown result code %d", errcode.Internal, rc)
	}
	return c
}
