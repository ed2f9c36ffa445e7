package dht

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
)

// MessageType identifies a DHT message carried over the router.
type MessageType uint8

const (
	MsgPing     MessageType = 0x01
	MsgPong     MessageType = 0x02
	MsgFindNode MessageType = 0x03
	MsgNodes    MessageType = 0x04
)

func (t MessageType) String() string {
	switch t {
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgFindNode:
		return "find_node"
	case MsgNodes:
		return "nodes"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

const messageHeader = 1 + 4

// message is the decoded form of [type:1][txid:4][body].
type message struct {
	typ    MessageType
	txid   uint32
	target identity.NodeID   // FindNode
	nodes  []identity.NodeID // Nodes
}

func (m *message) marshal() []byte {
	var body int
	switch m.typ {
	case MsgFindNode:
		body = identity.Len
	case MsgNodes:
		body = 1 + len(m.nodes)*identity.Len
	}
	b := make([]byte, messageHeader+body)
	b[0] = byte(m.typ)
	binary.BigEndian.PutUint32(b[1:], m.txid)
	switch m.typ {
	case MsgFindNode:
		copy(b[messageHeader:], m.target[:])
	case MsgNodes:
		b[messageHeader] = byte(len(m.nodes))
		off := messageHeader + 1
		for _, id := range m.nodes {
			copy(b[off:], id[:])
			off += identity.Len
		}
	}
	return b
}

// parseMessage decodes b, rejecting unknown types, truncated bodies and
// node lists longer than maxNodes.
func parseMessage(b []byte, maxNodes int) (*message, error) {
	if len(b) < messageHeader {
		return nil, fmt.Errorf("%w: dht message of %d bytes", errcode.InvalidArgument, len(b))
	}
	m := &message{typ: MessageType(b[0]), txid: binary.BigEndian.Uint32(b[1:])}
	body := b[messageHeader:]
	switch m.typ {
	case MsgPing, MsgPong:
		if len(body) != 0 {
			return nil, fmt.Errorf("%w: %s carries %d unexpected bytes", errcode.InvalidArgument, m.typ, len(body))
		}
	case MsgFindNode:
		if len(body) != identity.Len {
			return nil, fmt.Errorf("%w: find_node body of %d bytes", errcode.InvalidArgument, len(body))
		}
		copy(m.target[:], body)
	case MsgNodes:
		if len(body) < 1 {
			return nil, fmt.Errorf("%w: nodes message without count", errcode.InvalidArgument)
		}
		count := int(body[0])
		if count > maxNodes || len(body) != 1+count*identity.Len {
			return nil, fmt.Errorf("%w: nodes message count %d with %d bytes", errcode.InvalidArgument, count, len(body))
		}
		m.nodes = make([]identity.NodeID, count)
		for i := range m.nodes {
			copy(m.nodes[i][:], body[1+i*identity.Len:])
		}
	default:
		return nil, fmt.Errorf("%w: %s", errcode.InvalidArgument, m.typ)
	}
	return m, nil
}
