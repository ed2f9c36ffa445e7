package transport

import (
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/sirupsen/logrus"
)

func (t *UDPTransport) isBootstrap(addr net.Addr) bool {
	return t.bootstrap != nil && addr.String() == t.bootstrap.String()
}

func (t *UDPTransport) bootstrapRequest(packet *Packet) error {
	if t.bootstrap == nil {
		return fmt.Errorf("%w: no bootstrap configured", errcode.NotStarted)
	}
	t.mu.Lock()
	t.misses++
	if t.misses >= bootstrapMissLimit {
		t.bsOK = false
	}
	t.mu.Unlock()
	return t.sendTo(t.bootstrap, packet)
}

// RegisterWithBootstrap announces this node, and optionally its onion key,
// to the rendezvous point. A held token is sent along so the rendezvous point
// accepts the node from a new address.
func (t *UDPTransport) RegisterWithBootstrap(onionKey []byte) error {
	t.mu.Lock()
	token := t.token
	t.mu.Unlock()
	body, err := EncodeRegister(onionKey, token)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.onionKey = append([]byte(nil), onionKey...)
	t.mu.Unlock()
	return t.bootstrapRequest(&Packet{PacketType: PacketRegister, Data: body})
}

// Heartbeat refreshes the registration. Without a token, including after the
// rendezvous point forgot this node, it registers again with the last
// published key.
func (t *UDPTransport) Heartbeat() error {
	t.mu.RLock()
	token, key := t.token, t.onionKey
	t.mu.RUnlock()
	if token == uuid.Nil {
		if len(key) == 0 {
			key = nil
		}
		return t.RegisterWithBootstrap(key)
	}
	return t.bootstrapRequest(&Packet{PacketType: PacketHeartbeat, Data: EncodeToken(token)})
}

// RequestPeers asks the rendezvous point for up to max peers.
func (t *UDPTransport) RequestPeers(max int) error {
	return t.bootstrapRequest(&Packet{PacketType: PacketPeersRequest, Data: EncodePeersRequest(max)})
}

// UnregisterFromBootstrap removes this node from the rendezvous registry.
func (t *UDPTransport) UnregisterFromBootstrap() error {
	t.mu.Lock()
	token := t.token
	t.token = uuid.Nil
	t.mu.Unlock()
	if token == uuid.Nil {
		return nil
	}
	return t.bootstrapRequest(&Packet{PacketType: PacketUnregister, Data: EncodeToken(token)})
}

func (t *UDPTransport) handleRendezvous(packet *Packet) {
	t.mu.Lock()
	t.misses = 0
	t.bsOK = true
	t.mu.Unlock()

	switch packet.PacketType {
	case PacketRegistered:
		token, err := DecodeToken(packet.Data)
		if err != nil {
			return
		}
		t.mu.Lock()
		t.token = token
		t.mu.Unlock()
	case PacketPeersResponse:
		peers, err := DecodePeersResponse(packet.Data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleRendezvous",
				"error":    err.Error(),
			}).Warn("Malformed peer list from bootstrap")
			return
		}
		local := t.LocalID()
		for _, p := range peers {
			if p.ID == local || p.ID.IsZero() {
				continue
			}
			if err := t.AddPeerAddress(p.ID, p.Addr); err != nil {
				continue
			}
			t.dispatch(&Packet{PacketType: PacketPeerDiscovered, Data: EncodePeerDiscovered(p.OnionKey)}, p.ID)
		}
	}
}
