// Package transport moves datagrams between mesh nodes.
//
// Every datagram carries a one byte packet type and the sender's NodeID in
// front of the payload:
//
//	[type:1][sender:32][data...]
//
// Transports never process anything on their own goroutines: inbound
// datagrams are queued by the operating system (or by MemNetwork) and handed
// to registered handlers from Poll, on the caller's goroutine.
//
// Example:
//
//	tr, err := transport.NewUDPTransport(transport.DefaultUDPConfig())
//	if err != nil {
//	    return err
//	}
//	tr.SetLocalID(localID)
//	tr.RegisterHandler(transport.PacketRouteData, onFrame)
//	for {
//	    _ = tr.Poll(10 * time.Millisecond)
//	}
package transport

import (
	"fmt"

	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/limits"
)

// PacketType identifies the payload carried by a datagram.
type PacketType byte

const (
	// Peer discovery handshake
	PacketAnnounce    PacketType = 0x01
	PacketAnnounceAck PacketType = 0x02

	// Mesh routing frames
	PacketRouteData    PacketType = 0x10
	PacketRouteAck     PacketType = 0x11
	PacketRouteRequest PacketType = 0x12
	PacketRouteReply   PacketType = 0x13
	PacketRouteError   PacketType = 0x14

	// Bootstrap rendezvous
	PacketRegister      PacketType = 0x20
	PacketRegistered    PacketType = 0x21
	PacketHeartbeat     PacketType = 0x22
	PacketPeersRequest  PacketType = 0x23
	PacketPeersResponse PacketType = 0x24
	PacketUnregister    PacketType = 0x25

	// PacketPeerDiscovered is raised locally when a transport learns of a
	// reachable peer. It never crosses the wire.
	PacketPeerDiscovered PacketType = 0x30
)

var packetNames = map[PacketType]string{
	PacketAnnounce:       "announce",
	PacketAnnounceAck:    "announce-ack",
	PacketRouteData:      "route-data",
	PacketRouteAck:       "route-ack",
	PacketRouteRequest:   "route-request",
	PacketRouteReply:     "route-reply",
	PacketRouteError:     "route-error",
	PacketRegister:       "register",
	PacketRegistered:     "registered",
	PacketHeartbeat:      "heartbeat",
	PacketPeersRequest:   "peers-request",
	PacketPeersResponse:  "peers-response",
	PacketUnregister:     "unregister",
	PacketPeerDiscovered: "peer-discovered",
}

func (t PacketType) String() string {
	if name, ok := packetNames[t]; ok {
		return name
	}
	return fmt.Sprintf("packet(0x%02x)", byte(t))
}

// Packet is one typed datagram payload.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize builds the datagram for p as sent by sender.
func (p *Packet) Serialize(sender identity.NodeID) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil packet", errcode.InvalidArgument)
	}
	if p.PacketType == PacketPeerDiscovered {
		return nil, fmt.Errorf("%w: %s is local only", errcode.InvalidArgument, p.PacketType)
	}

	result := make([]byte, limits.TransportHeader+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:limits.TransportHeader], sender[:])
	copy(result[limits.TransportHeader:], p.Data)

	if err := limits.ValidateDatagram(result); err != nil {
		return nil, fmt.Errorf("%w: %v", errcode.InvalidArgument, err)
	}
	return result, nil
}

// ParseDatagram splits raw bytes into the packet and its sender.
func ParseDatagram(data []byte) (*Packet, identity.NodeID, error) {
	if err := limits.ValidateDatagram(data); err != nil {
		return nil, identity.Zero, fmt.Errorf("%w: %v", errcode.InvalidArgument, err)
	}

	var sender identity.NodeID
	copy(sender[:], data[1:limits.TransportHeader])
	if sender.IsZero() {
		return nil, identity.Zero, fmt.Errorf("%w: datagram without sender", errcode.InvalidArgument)
	}

	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-limits.TransportHeader),
	}
	copy(packet.Data, data[limits.TransportHeader:])
	return packet, sender, nil
}
