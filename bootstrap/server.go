// Package bootstrap implements the rendezvous point new nodes register with
// to find their first neighbours.
//
// The registry lives in memory only. A node registers its NodeID, the
// address its datagram came from and optionally its onion key, receives a
// token, and refreshes the entry with heartbeats. Peer lists hand out the
// most recently seen registrations other than the requester's.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/limits"
	"github.com/opd-ai/cyxwiz/transport"
	"github.com/sirupsen/logrus"
)

const (
	// MaxPeersResponse caps a peer list.
	MaxPeersResponse = transport.MaxRendezvousPeers

	// DefaultPeerTimeout is how long a registration counts as active
	// without a heartbeat. Entries are forgotten after twice this.
	DefaultPeerTimeout = 5 * time.Minute

	readWait = 250 * time.Millisecond
)

// Config configures a Server.
type Config struct {
	ListenAddr  string
	PeerTimeout time.Duration
	Clock       clock.Clock
	Logger      *logrus.Entry
}

// DefaultConfig listens on the conventional port on every interface.
func DefaultConfig() Config {
	return Config{
		ListenAddr:  "0.0.0.0:33445",
		PeerTimeout: DefaultPeerTimeout,
	}
}

// Stats describes the registry.
type Stats struct {
	TotalRegistered  int
	ActiveCount      int
	MaxPeersResponse int
	PeerTimeout      time.Duration
	PacketsProcessed uint64
	PacketsRejected  uint64
}

type registration struct {
	id       identity.NodeID
	addr     string
	key      []byte
	token    uuid.UUID
	lastSeen time.Time
}

// Server is a rendezvous point.
type Server struct {
	conn   net.PacketConn
	id     identity.NodeID
	cfg    Config
	clock  clock.Clock
	logger *logrus.Entry

	mu       sync.Mutex
	registry map[identity.NodeID]*registration
	tokens   map[uuid.UUID]identity.NodeID
	packets  uint64
	rejected uint64
	closed   bool
}

// NewServer binds cfg.ListenAddr.
func NewServer(cfg Config) (*Server, error) {
	s, err := newServer(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp", s.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", errcode.InvalidArgument, s.cfg.ListenAddr, err)
	}
	s.conn = conn
	s.logger.WithFields(logrus.Fields{
		"function":   "NewServer",
		"local_addr": conn.LocalAddr().String(),
		"timeout":    s.cfg.PeerTimeout.String(),
	}).Info("Bootstrap server listening")
	return s, nil
}

func newServer(cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = DefaultPeerTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	id, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.WithFields(logrus.Fields{"package": "bootstrap", "node": id.Short()})
	}
	return &Server{
		id:       id,
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   logger,
		registry: make(map[identity.NodeID]*registration),
		tokens:   make(map[uuid.UUID]identity.NodeID),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve answers requests until ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	buf := make([]byte, limits.MaxDatagram+1)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("bootstrap read: %w", err)
		}
		reply := s.handleDatagram(buf[:n], addr)
		if reply == nil {
			continue
		}
		data, err := reply.Serialize(s.id)
		if err != nil {
			continue
		}
		if _, err := s.conn.WriteTo(data, addr); err != nil {
			s.logger.WithFields(logrus.Fields{
				"function": "Serve",
				"to":       addr.String(),
				"error":    err.Error(),
			}).Debug("Reply not sent")
		}
	}
}

func (s *Server) handleDatagram(data []byte, addr net.Addr) *transport.Packet {
	packet, sender, err := transport.ParseDatagram(data)
	if err != nil {
		s.reject("handleDatagram", addr, err)
		return nil
	}
	reply, err := s.handle(packet, sender, addr.String())
	if err != nil {
		s.reject(packet.PacketType.String(), addr, err)
		return nil
	}
	return reply
}

func (s *Server) reject(function string, addr net.Addr, err error) {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
	s.logger.WithFields(logrus.Fields{
		"function": function,
		"from":     addr.String(),
		"error":    err.Error(),
	}).Debug("Rejected request")
}

// handle processes one request and returns the reply, if any.
func (s *Server) handle(packet *transport.Packet, sender identity.NodeID, addr string) (*transport.Packet, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets++

	switch packet.PacketType {
	case transport.PacketRegister:
		key, renew, err := transport.DecodeRegister(packet.Data)
		if err != nil {
			return nil, err
		}
		token, err := s.registerLocked(sender, addr, key, renew, now)
		if err != nil {
			return nil, err
		}
		return &transport.Packet{PacketType: transport.PacketRegistered, Data: transport.EncodeToken(token)}, nil

	case transport.PacketHeartbeat:
		token, err := transport.DecodeToken(packet.Data)
		if err != nil {
			return nil, err
		}
		reg := s.ownedLocked(token, sender)
		if reg == nil {
			// Forgotten or foreign token: a nil token asks the node to
			// register again.
			return &transport.Packet{PacketType: transport.PacketRegistered, Data: transport.EncodeToken(uuid.Nil)}, nil
		}
		reg.lastSeen = now
		reg.addr = addr
		return &transport.Packet{PacketType: transport.PacketRegistered, Data: transport.EncodeToken(token)}, nil

	case transport.PacketPeersRequest:
		max, err := transport.DecodePeersRequest(packet.Data)
		if err != nil {
			return nil, err
		}
		s.expireLocked(now)
		body, _ := transport.EncodePeersResponse(s.activeLocked(now, sender, max))
		return &transport.Packet{PacketType: transport.PacketPeersResponse, Data: body}, nil

	case transport.PacketUnregister:
		token, err := transport.DecodeToken(packet.Data)
		if err != nil {
			return nil, err
		}
		if reg := s.ownedLocked(token, sender); reg != nil {
			delete(s.registry, reg.id)
			delete(s.tokens, reg.token)
			s.logger.WithFields(logrus.Fields{
				"function": "handle",
				"peer":     sender.Short(),
			}).Info("Peer unregistered")
		}
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unexpected %s", errcode.InvalidArgument, packet.PacketType)
}

// registerLocked records id at addr. An active registration can only move
// to another address when renew carries its token.
func (s *Server) registerLocked(id identity.NodeID, addr string, key []byte, renew uuid.UUID, now time.Time) (uuid.UUID, error) {
	if old, ok := s.registry[id]; ok {
		if old.addr != addr && renew != old.token && now.Sub(old.lastSeen) < s.cfg.PeerTimeout {
			return uuid.Nil, fmt.Errorf("%w: %s is registered from another address", errcode.InvalidArgument, id.Short())
		}
		delete(s.tokens, old.token)
	}
	reg := &registration{id: id, addr: addr, key: key, token: uuid.New(), lastSeen: now}
	s.registry[id] = reg
	s.tokens[reg.token] = id
	s.logger.WithFields(logrus.Fields{
		"function":  "register",
		"peer":      id.Short(),
		"addr":      addr,
		"onion_key": key != nil,
	}).Info("Registered peer")
	return reg.token, nil
}

func (s *Server) ownedLocked(token uuid.UUID, sender identity.NodeID) *registration {
	id, ok := s.tokens[token]
	if !ok || id != sender {
		return nil
	}
	return s.registry[id]
}

// activeLocked lists up to max registrations seen within the timeout, most
// recent first, leaving out exclude.
func (s *Server) activeLocked(now time.Time, exclude identity.NodeID, max int) []transport.RendezvousPeer {
	var regs []*registration
	for _, reg := range s.registry {
		if reg.id != exclude && now.Sub(reg.lastSeen) < s.cfg.PeerTimeout {
			regs = append(regs, reg)
		}
	}
	sort.Slice(regs, func(i, j int) bool {
		if !regs[i].lastSeen.Equal(regs[j].lastSeen) {
			return regs[i].lastSeen.After(regs[j].lastSeen)
		}
		return identity.Less(regs[i].id, regs[j].id)
	})
	if len(regs) > max {
		regs = regs[:max]
	}
	out := make([]transport.RendezvousPeer, 0, len(regs))
	for _, reg := range regs {
		out = append(out, transport.RendezvousPeer{
			ID:       reg.id,
			Addr:     reg.addr,
			OnionKey: reg.key,
			Age:      now.Sub(reg.lastSeen),
		})
	}
	return out
}

func (s *Server) expireLocked(now time.Time) {
	for id, reg := range s.registry {
		if now.Sub(reg.lastSeen) > 2*s.cfg.PeerTimeout {
			delete(s.registry, id)
			delete(s.tokens, reg.token)
		}
	}
}

// Stats reports registry counters, expiring stale entries first.
func (s *Server) Stats() Stats {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(now)
	active := 0
	for _, reg := range s.registry {
		if now.Sub(reg.lastSeen) < s.cfg.PeerTimeout {
			active++
		}
	}
	return Stats{
		TotalRegistered:  len(s.registry),
		ActiveCount:      active,
		MaxPeersResponse: MaxPeersResponse,
		PeerTimeout:      s.cfg.PeerTimeout,
		PacketsProcessed: s.packets,
		PacketsRejected:  s.rejected,
	}
}

// Close stops Serve and releases the socket.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
