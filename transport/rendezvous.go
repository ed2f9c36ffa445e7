package transport

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/limits"
)

// Rendezvous wire bodies, shared by the UDP transport's bootstrap client and
// the bootstrap server.
//
//	Register       [onionKey:32][hasKey:1][token:16]
//	Registered     [token:16]
//	Heartbeat      [token:16]
//	PeersRequest   [max:1]
//	PeersResponse  [count:1] { [id:32][addrLen:1][addr][hasKey:1][onionKey:32][ageSec:4] }
//	Unregister     [token:16]
//	PeerDiscovered [hasKey:1][onionKey:32]   (local only)

const (
	onionKeyLen = 32
	tokenLen    = 16
)

// MaxRendezvousPeers is the largest peer list a rendezvous point returns.
const MaxRendezvousPeers = 20

// RendezvousPeer is one entry of a peer list.
type RendezvousPeer struct {
	ID       identity.NodeID
	Addr     string
	OnionKey []byte // nil when the peer did not publish one
	Age      time.Duration
}

func encodeKey(dst []byte, key []byte) {
	if len(key) == onionKeyLen {
		copy(dst[:onionKeyLen], key)
		dst[onionKeyLen] = 1
	}
}

func decodeKey(src []byte) []byte {
	if src[onionKeyLen] == 0 {
		return nil
	}
	return append([]byte(nil), src[:onionKeyLen]...)
}

// EncodeRegister builds a Register body. key may be nil. token is the
// registration being renewed, or uuid.Nil for a first registration.
func EncodeRegister(key []byte, token uuid.UUID) ([]byte, error) {
	if key != nil && len(key) != onionKeyLen {
		return nil, fmt.Errorf("%w: onion key must be %d bytes", errcode.InvalidArgument, onionKeyLen)
	}
	body := make([]byte, onionKeyLen+1+tokenLen)
	encodeKey(body, key)
	copy(body[onionKeyLen+1:], token[:])
	return body, nil
}

// DecodeRegister parses a Register body.
func DecodeRegister(body []byte) ([]byte, uuid.UUID, error) {
	if len(body) != onionKeyLen+1+tokenLen {
		return nil, uuid.Nil, fmt.Errorf("%w: register body is %d bytes", errcode.InvalidArgument, len(body))
	}
	token, _ := uuid.FromBytes(body[onionKeyLen+1:])
	return decodeKey(body), token, nil
}

// EncodeToken builds a Registered, Heartbeat or Unregister body.
func EncodeToken(token uuid.UUID) []byte {
	b := make([]byte, len(token))
	copy(b, token[:])
	return b
}

// DecodeToken parses a token body.
func DecodeToken(body []byte) (uuid.UUID, error) {
	token, err := uuid.FromBytes(body)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: token: %v", errcode.InvalidArgument, err)
	}
	return token, nil
}

// EncodePeersRequest builds a PeersRequest body.
func EncodePeersRequest(max int) []byte {
	if max <= 0 || max > MaxRendezvousPeers {
		max = MaxRendezvousPeers
	}
	return []byte{byte(max)}
}

// DecodePeersRequest parses a PeersRequest body, clamping the count.
func DecodePeersRequest(body []byte) (int, error) {
	if len(body) != 1 {
		return 0, fmt.Errorf("%w: peers request body is %d bytes", errcode.InvalidArgument, len(body))
	}
	max := int(body[0])
	if max == 0 || max > MaxRendezvousPeers {
		max = MaxRendezvousPeers
	}
	return max, nil
}

// EncodePeersResponse builds a PeersResponse body that fits one datagram and
// reports how many entries of peers it consumed. Entries with an address
// longer than 255 bytes are consumed but skipped.
func EncodePeersResponse(peers []RendezvousPeer) ([]byte, int) {
	body := []byte{0}
	count, used := 0, 0
	for _, p := range peers {
		if count == MaxRendezvousPeers {
			break
		}
		if len(p.Addr) > 255 {
			used++
			continue
		}
		if len(body)+identity.Len+1+len(p.Addr)+onionKeyLen+1+4 > limits.MaxDatagram-limits.TransportHeader {
			break
		}
		entry := make([]byte, identity.Len+1+len(p.Addr)+onionKeyLen+1+4)
		off := copy(entry, p.ID[:])
		entry[off] = byte(len(p.Addr))
		off++
		off += copy(entry[off:], p.Addr)
		encodeKey(entry[off:], p.OnionKey)
		off += onionKeyLen + 1
		binary.BigEndian.PutUint32(entry[off:], uint32(p.Age/time.Second))
		body = append(body, entry...)
		count++
		used++
	}
	body[0] = byte(count)
	return body, used
}

// DecodePeersResponse parses a PeersResponse body.
func DecodePeersResponse(body []byte) ([]RendezvousPeer, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("%w: empty peers response", errcode.InvalidArgument)
	}
	count := int(body[0])
	if count > MaxRendezvousPeers {
		return nil, fmt.Errorf("%w: peers response lists %d peers", errcode.InvalidArgument, count)
	}

	peers := make([]RendezvousPeer, 0, count)
	rest := body[1:]
	for i := 0; i < count; i++ {
		if len(rest) < identity.Len+1 {
			return nil, fmt.Errorf("%w: truncated peer entry %d", errcode.InvalidArgument, i)
		}
		var p RendezvousPeer
		copy(p.ID[:], rest[:identity.Len])
		addrLen := int(rest[identity.Len])
		rest = rest[identity.Len+1:]
		if len(rest) < addrLen+onionKeyLen+1+4 {
			return nil, fmt.Errorf("%w: truncated peer entry %d", errcode.InvalidArgument, i)
		}
		p.Addr = string(rest[:addrLen])
		rest = rest[addrLen:]
		p.OnionKey = decodeKey(rest)
		rest = rest[onionKeyLen+1:]
		p.Age = time.Duration(binary.BigEndian.Uint32(rest)) * time.Second
		rest = rest[4:]
		peers = append(peers, p)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in peers response", errcode.InvalidArgument, len(rest))
	}
	return peers, nil
}

// EncodePeerDiscovered builds the body of a local PeerDiscovered event.
func EncodePeerDiscovered(key []byte) []byte {
	body := make([]byte, 1+onionKeyLen)
	if len(key) == onionKeyLen {
		body[0] = 1
		copy(body[1:], key)
	}
	return body
}

// DecodePeerDiscovered returns the onion key announced with a discovery
// event, or nil.
func DecodePeerDiscovered(body []byte) []byte {
	if len(body) != 1+onionKeyLen || body[0] == 0 {
		return nil
	}
	return append([]byte(nil), body[1:]...)
}
