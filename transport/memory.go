package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
)

// DropFunc decides whether the in-memory network loses a datagram.
type DropFunc func(from, to identity.NodeID, packet *Packet) bool

type linkKey struct{ a, b identity.NodeID }

func makeLinkKey(a, b identity.NodeID) linkKey {
	if identity.Less(b, a) {
		a, b = b, a
	}
	return linkKey{a, b}
}

type memDatagram struct {
	from   identity.NodeID
	packet *Packet
}

// MemNetwork is a deterministic in-memory datagram network. Nodes only reach
// peers they are explicitly linked to; delivery happens when the receiving
// transport polls.
type MemNetwork struct {
	mu       sync.Mutex
	nodes    map[identity.NodeID]*MemTransport
	links    map[linkKey]bool
	registry map[identity.NodeID][]byte
	drop     DropFunc
	sent     int
}

// NewMemNetwork creates an empty network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		nodes:    make(map[identity.NodeID]*MemTransport),
		links:    make(map[linkKey]bool),
		registry: make(map[identity.NodeID][]byte),
	}
}

// Attach creates a transport for id.
func (n *MemNetwork) Attach(id identity.NodeID) (*MemTransport, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("%w: zero node id", errcode.InvalidArgument)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.nodes[id]; exists {
		return nil, fmt.Errorf("%w: %s already attached", errcode.InvalidArgument, id.Short())
	}
	t := &MemTransport{net: n, id: id, handlers: make(map[PacketType]Handler)}
	n.nodes[id] = t
	return t, nil
}

// Link makes a and b mutually reachable and raises PeerDiscovered on both.
func (n *MemNetwork) Link(a, b identity.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := makeLinkKey(a, b)
	if n.links[key] {
		return
	}
	n.links[key] = true
	n.notifyLocked(a, b)
	n.notifyLocked(b, a)
}

func (n *MemNetwork) notifyLocked(to, about identity.NodeID) {
	if t, ok := n.nodes[to]; ok {
		t.enqueue(about, &Packet{PacketType: PacketPeerDiscovered, Data: EncodePeerDiscovered(n.registry[about])})
	}
}

// Unlink removes the link between a and b.
func (n *MemNetwork) Unlink(a, b identity.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.links, makeLinkKey(a, b))
}

// Linked reports whether a and b can exchange datagrams.
func (n *MemNetwork) Linked(a, b identity.NodeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.links[makeLinkKey(a, b)]
}

// SetDrop installs a loss function. nil delivers everything.
func (n *MemNetwork) SetDrop(f DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = f
}

// Sent returns how many datagrams were accepted for delivery.
func (n *MemNetwork) Sent() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}

func (n *MemNetwork) deliver(from, to identity.NodeID, packet *Packet) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	dst, ok := n.nodes[to]
	if !ok || !n.links[makeLinkKey(from, to)] {
		return fmt.Errorf("%w: %s not linked to %s", errcode.PeerUnreachable, to.Short(), from.Short())
	}
	n.sent++
	if n.drop != nil && n.drop(from, to, packet) {
		return nil
	}
	dst.enqueue(from, &Packet{PacketType: packet.PacketType, Data: append([]byte(nil), packet.Data...)})
	return nil
}

func (n *MemNetwork) rekey(t *MemTransport, id identity.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t.mu.Lock()
	delete(n.nodes, t.id)
	t.id = id
	t.mu.Unlock()
	n.nodes[id] = t
}

func (n *MemNetwork) detach(t *MemTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nodes[t.id] == t {
		delete(n.nodes, t.id)
	}
	delete(n.registry, t.id)
}

// MemTransport is one node's endpoint on a MemNetwork. It implements
// Transport and BootstrapClient; the network itself plays the rendezvous.
type MemTransport struct {
	net *MemNetwork

	mu       sync.Mutex
	id       identity.NodeID
	handlers map[PacketType]Handler
	inbox    []memDatagram
	closed   bool
}

func (t *MemTransport) enqueue(from identity.NodeID, packet *Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.inbox = append(t.inbox, memDatagram{from: from, packet: packet})
	}
}

// Send queues packet on the receiver if the two nodes are linked.
func (t *MemTransport) Send(to identity.NodeID, packet *Packet) error {
	if packet == nil {
		return fmt.Errorf("%w: nil packet", errcode.InvalidArgument)
	}
	t.mu.Lock()
	closed, from := t.closed, t.id
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: transport closed", errcode.NotStarted)
	}
	if _, err := packet.Serialize(from); err != nil {
		return err
	}
	return t.net.deliver(from, to, packet)
}

// Poll dispatches everything queued before the call. Packets queued by
// handlers during this Poll wait for the next one. timeout is ignored.
func (t *MemTransport) Poll(timeout time.Duration) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("%w: transport closed", errcode.NotStarted)
	}
	batch := t.inbox
	t.inbox = nil
	t.mu.Unlock()

	for _, d := range batch {
		t.mu.Lock()
		handler := t.handlers[d.packet.PacketType]
		t.mu.Unlock()
		if handler != nil {
			_ = handler(d.packet, d.from)
		}
	}
	return nil
}

// Pending returns the number of queued inbound packets.
func (t *MemTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inbox)
}

// SetLocalID moves this endpoint to a new NodeID on the network.
func (t *MemTransport) SetLocalID(id identity.NodeID) {
	t.net.rekey(t, id)
}

// LocalID returns the endpoint's NodeID.
func (t *MemTransport) LocalID() identity.NodeID {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	return t.id
}

// IsBootstrapConnected is true while the endpoint has at least one link.
func (t *MemTransport) IsBootstrapConnected() bool {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	for key := range t.net.links {
		if key.a == t.id || key.b == t.id {
			return true
		}
	}
	return false
}

// RegisterHandler registers a handler for a specific packet type.
func (t *MemTransport) RegisterHandler(packetType PacketType, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler
}

// RegisterWithBootstrap records the onion key the network hands out with
// later discovery events.
func (t *MemTransport) RegisterWithBootstrap(onionKey []byte) error {
	if onionKey != nil && len(onionKey) != onionKeyLen {
		return fmt.Errorf("%w: onion key must be %d bytes", errcode.InvalidArgument, onionKeyLen)
	}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.net.registry[t.id] = append([]byte(nil), onionKey...)
	return nil
}

// Heartbeat is a no-op on the in-memory network.
func (t *MemTransport) Heartbeat() error { return nil }

// RequestPeers raises PeerDiscovered for registered nodes linked to this one.
func (t *MemTransport) RequestPeers(max int) error {
	if max <= 0 || max > MaxRendezvousPeers {
		max = MaxRendezvousPeers
	}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	n := 0
	for id := range t.net.registry {
		if n == max {
			break
		}
		if id == t.id || !t.net.links[makeLinkKey(t.id, id)] {
			continue
		}
		t.net.notifyLocked(t.id, id)
		n++
	}
	return nil
}

// UnregisterFromBootstrap forgets this node's published key.
func (t *MemTransport) UnregisterFromBootstrap() error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	delete(t.net.registry, t.id)
	return nil
}

// Close detaches the endpoint. Calling it again is a no-op.
func (t *MemTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.inbox = nil
	t.mu.Unlock()
	t.net.detach(t)
	return nil
}
