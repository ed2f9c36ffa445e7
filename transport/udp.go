package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/limits"
	"github.com/sirupsen/logrus"
)

const (
	// maxPollBatch bounds how many datagrams one Poll dispatches.
	maxPollBatch = 256

	// drainWait is how long Poll keeps reading once the first datagram arrived.
	drainWait = time.Millisecond

	// bootstrapMissLimit is how many unanswered rendezvous requests mark the
	// bootstrap as disconnected.
	bootstrapMissLimit = 3
)

// UDPConfig configures a UDPTransport.
type UDPConfig struct {
	// ListenAddr is the local host:port to bind.
	ListenAddr string
	// BootstrapAddr is the host:port of the rendezvous point, empty for none.
	BootstrapAddr string
}

// DefaultUDPConfig binds every interface on an ephemeral port with no bootstrap.
func DefaultUDPConfig() UDPConfig {
	return UDPConfig{ListenAddr: "0.0.0.0:0"}
}

// UDPTransport implements Transport over a UDP socket. It also implements
// BootstrapClient when configured with a rendezvous address.
type UDPTransport struct {
	conn      net.PacketConn
	bootstrap net.Addr

	mu       sync.RWMutex
	localID  identity.NodeID
	handlers map[PacketType]Handler
	book     map[identity.NodeID]net.Addr
	token    uuid.UUID
	onionKey []byte
	misses   int
	bsOK     bool
	closed   bool

	buf []byte
}

// NewUDPTransport creates a UDP transport listening on cfg.ListenAddr.
func NewUDPTransport(cfg UDPConfig) (*UDPTransport, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultUDPConfig().ListenAddr
	}

	var bootstrap net.Addr
	if cfg.BootstrapAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", cfg.BootstrapAddr)
		if err != nil {
			return nil, fmt.Errorf("%w: bootstrap address %q: %v", errcode.InvalidArgument, cfg.BootstrapAddr, err)
		}
		bootstrap = addr
	}

	conn, err := net.ListenPacket("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", errcode.InvalidArgument, cfg.ListenAddr, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewUDPTransport",
		"local_addr": conn.LocalAddr().String(),
		"bootstrap":  cfg.BootstrapAddr,
	}).Info("UDP transport listening")

	return &UDPTransport{
		conn:      conn,
		bootstrap: bootstrap,
		handlers:  make(map[PacketType]Handler),
		book:      make(map[identity.NodeID]net.Addr),
		buf:       make([]byte, limits.MaxDatagram+1),
	}, nil
}

// RegisterHandler registers a handler for a specific packet type.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler
}

// SetLocalID sets the NodeID stamped on outgoing datagrams.
func (t *UDPTransport) SetLocalID(id identity.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localID = id
}

// LocalID returns the NodeID stamped on outgoing datagrams.
func (t *UDPTransport) LocalID() identity.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.localID
}

// LocalAddr returns the bound socket address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// AddPeerAddress records where a peer can be reached.
func (t *UDPTransport) AddPeerAddress(id identity.NodeID, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: peer address %q: %v", errcode.InvalidArgument, addr, err)
	}
	t.mu.Lock()
	t.book[id] = udpAddr
	t.mu.Unlock()
	return nil
}

// PeerAddress returns the last known address of a peer.
func (t *UDPTransport) PeerAddress(id identity.NodeID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.book[id]
	if !ok {
		return "", false
	}
	return addr.String(), true
}

// Send delivers packet to a peer whose address is known.
func (t *UDPTransport) Send(to identity.NodeID, packet *Packet) error {
	t.mu.RLock()
	addr, ok := t.book[to]
	closed := t.closed
	t.mu.RUnlock()

	if closed {
		return fmt.Errorf("%w: transport closed", errcode.NotStarted)
	}
	if !ok {
		return fmt.Errorf("%w: no address for %s", errcode.PeerUnreachable, to.Short())
	}
	return t.sendTo(addr, packet)
}

func (t *UDPTransport) sendTo(addr net.Addr, packet *Packet) error {
	local := t.LocalID()
	if local.IsZero() {
		return fmt.Errorf("%w: local id not set", errcode.NotStarted)
	}
	data, err := packet.Serialize(local)
	if err != nil {
		return err
	}
	if _, err := t.conn.WriteTo(data, addr); err != nil {
		return fmt.Errorf("%w: %v", errcode.PeerUnreachable, err)
	}
	return nil
}

// Poll waits up to timeout for a datagram, then dispatches it and everything
// else already queued, in arrival order.
func (t *UDPTransport) Poll(timeout time.Duration) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return fmt.Errorf("%w: transport closed", errcode.NotStarted)
	}
	if timeout < drainWait {
		timeout = drainWait
	}

	deadline := time.Now().Add(timeout)
	for i := 0; i < maxPollBatch; i++ {
		_ = t.conn.SetReadDeadline(deadline)
		n, addr, err := t.conn.ReadFrom(t.buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("%w: transport closed", errcode.NotStarted)
			}
			logrus.WithFields(logrus.Fields{
				"function": "UDPTransport.Poll",
				"error":    err.Error(),
			}).Debug("Read failed")
			continue
		}
		t.handleDatagram(t.buf[:n], addr)
		deadline = time.Now().Add(drainWait)
	}
	return nil
}

func (t *UDPTransport) handleDatagram(data []byte, addr net.Addr) {
	packet, sender, err := ParseDatagram(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleDatagram",
			"from":     addr.String(),
			"error":    err.Error(),
		}).Debug("Dropping malformed datagram")
		return
	}

	if t.isBootstrap(addr) {
		t.handleRendezvous(packet)
		return
	}

	t.mu.Lock()
	t.book[sender] = addr
	t.mu.Unlock()

	t.dispatch(packet, sender)
}

func (t *UDPTransport) dispatch(packet *Packet, from identity.NodeID) {
	t.mu.RLock()
	handler, exists := t.handlers[packet.PacketType]
	t.mu.RUnlock()
	if !exists || handler == nil {
		return
	}
	if err := handler(packet, from); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "dispatch",
			"packet_type": packet.PacketType.String(),
			"from":        from.Short(),
			"error":       err.Error(),
		}).Debug("Handler rejected packet")
	}
}

// IsBootstrapConnected reports whether the rendezvous point answered recently.
func (t *UDPTransport) IsBootstrapConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bsOK
}

// Close shuts down the transport. Calling it again is a no-op.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}
