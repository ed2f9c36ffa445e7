package transport

import (
	"time"

	"github.com/opd-ai/cyxwiz/identity"
)

// Handler processes one inbound packet from a neighbour. Handlers run on the
// goroutine calling Poll.
type Handler func(packet *Packet, from identity.NodeID) error

// Transport sends and receives datagrams between directly reachable peers.
type Transport interface {
	// Send delivers packet to a directly reachable peer.
	Send(to identity.NodeID, packet *Packet) error

	// Poll dispatches queued inbound packets, waiting at most timeout for
	// the first one.
	Poll(timeout time.Duration) error

	// SetLocalID sets the NodeID stamped on outgoing datagrams.
	SetLocalID(id identity.NodeID)

	// LocalID returns the NodeID stamped on outgoing datagrams.
	LocalID() identity.NodeID

	// IsBootstrapConnected reports whether the rendezvous point answered recently.
	IsBootstrapConnected() bool

	// RegisterHandler registers a handler for a packet type, replacing any previous one.
	RegisterHandler(packetType PacketType, handler Handler)

	// Close shuts down the transport.
	Close() error
}

// BootstrapClient is implemented by transports that can talk to a
// rendezvous point. Answers arrive as PacketPeerDiscovered events.
type BootstrapClient interface {
	RegisterWithBootstrap(onionKey []byte) error
	Heartbeat() error
	RequestPeers(max int) error
	UnregisterFromBootstrap() error
}
