package router

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/limits"
)

// frameKey names one originated payload across every hop it crosses.
type frameKey struct {
	src   identity.NodeID
	epoch uint32
	seq   uint32
}

type dataFrame struct {
	epoch   uint32
	seq     uint32
	src     identity.NodeID
	dst     identity.NodeID
	ttl     uint8
	proto   Protocol
	payload []byte
}

func (f *dataFrame) key() frameKey {
	return frameKey{src: f.src, epoch: f.epoch, seq: f.seq}
}

func (f *dataFrame) marshal() []byte {
	b := make([]byte, limits.RouterHeader+len(f.payload))
	binary.BigEndian.PutUint32(b[0:], f.epoch)
	binary.BigEndian.PutUint32(b[4:], f.seq)
	copy(b[8:40], f.src[:])
	copy(b[40:72], f.dst[:])
	b[72] = f.ttl
	b[73] = byte(f.proto)
	binary.BigEndian.PutUint16(b[74:], uint16(len(f.payload)))
	copy(b[limits.RouterHeader:], f.payload)
	return b
}

func parseDataFrame(b []byte) (*dataFrame, error) {
	if len(b) < limits.RouterHeader {
		return nil, fmt.Errorf("%w: data frame of %d bytes", errcode.InvalidArgument, len(b))
	}
	n := int(binary.BigEndian.Uint16(b[74:]))
	if n != len(b)-limits.RouterHeader || n > limits.MaxRouterPayload {
		return nil, fmt.Errorf("%w: data frame length %d does not match body", errcode.InvalidArgument, n)
	}
	f := &dataFrame{
		epoch:   binary.BigEndian.Uint32(b[0:]),
		seq:     binary.BigEndian.Uint32(b[4:]),
		ttl:     b[72],
		proto:   Protocol(b[73]),
		payload: append([]byte(nil), b[limits.RouterHeader:]...),
	}
	copy(f.src[:], b[8:40])
	copy(f.dst[:], b[40:72])
	if f.src.IsZero() || f.dst.IsZero() {
		return nil, fmt.Errorf("%w: data frame with zero address", errcode.InvalidArgument)
	}
	return f, nil
}

const ackLen = 4 + 4 + identity.Len

func marshalAck(k frameKey) []byte {
	b := make([]byte, ackLen)
	binary.BigEndian.PutUint32(b[0:], k.epoch)
	binary.BigEndian.PutUint32(b[4:], k.seq)
	copy(b[8:], k.src[:])
	return b
}

func parseAck(b []byte) (frameKey, error) {
	if len(b) != ackLen {
		return frameKey{}, fmt.Errorf("%w: ack of %d bytes", errcode.InvalidArgument, len(b))
	}
	k := frameKey{epoch: binary.BigEndian.Uint32(b[0:]), seq: binary.BigEndian.Uint32(b[4:])}
	copy(k.src[:], b[8:])
	return k, nil
}

type requestFrame struct {
	reqID  uint32
	origin identity.NodeID
	target identity.NodeID
	ttl    uint8
	hops   uint8
}

const requestLen = 4 + 2*identity.Len + 2

func (f *requestFrame) marshal() []byte {
	b := make([]byte, requestLen)
	binary.BigEndian.PutUint32(b[0:], f.reqID)
	copy(b[4:36], f.origin[:])
	copy(b[36:68], f.target[:])
	b[68] = f.ttl
	b[69] = f.hops
	return b
}

func parseRequest(b []byte) (*requestFrame, error) {
	if len(b) != requestLen {
		return nil, fmt.Errorf("%w: route request of %d bytes", errcode.InvalidArgument, len(b))
	}
	f := &requestFrame{reqID: binary.BigEndian.Uint32(b[0:]), ttl: b[68], hops: b[69]}
	copy(f.origin[:], b[4:36])
	copy(f.target[:], b[36:68])
	return f, nil
}

type replyFrame struct {
	reqID  uint32
	origin identity.NodeID
	target identity.NodeID
	hops   uint8
}

const replyLen = 4 + 2*identity.Len + 1

func (f *replyFrame) marshal() []byte {
	b := make([]byte, replyLen)
	binary.BigEndian.PutUint32(b[0:], f.reqID)
	copy(b[4:36], f.origin[:])
	copy(b[36:68], f.target[:])
	b[68] = f.hops
	return b
}

func parseReply(b []byte) (*replyFrame, error) {
	if len(b) != replyLen {
		return nil, fmt.Errorf("%w: route reply of %d bytes", errcode.InvalidArgument, len(b))
	}
	f := &replyFrame{reqID: binary.BigEndian.Uint32(b[0:]), hops: b[68]}
	copy(f.origin[:], b[4:36])
	copy(f.target[:], b[36:68])
	return f, nil
}

// errorFrame tells an origin that a forwarder gave up on one of its frames.
type errorFrame struct {
	src   identity.NodeID
	dst   identity.NodeID
	epoch uint32
	seq   uint32
	proto Protocol
}

const errorLen = 2*identity.Len + 4 + 4 + 1

func (f *errorFrame) marshal() []byte {
	b := make([]byte, errorLen)
	copy(b[0:32], f.src[:])
	copy(b[32:64], f.dst[:])
	binary.BigEndian.PutUint32(b[64:], f.epoch)
	binary.BigEndian.PutUint32(b[68:], f.seq)
	b[72] = byte(f.proto)
	return b
}

func parseError(b []byte) (*errorFrame, error) {
	if len(b) != errorLen {
		return nil, fmt.Errorf("%w: route error of %d bytes", errcode.InvalidArgument, len(b))
	}
	f := &errorFrame{
		epoch: binary.BigEndian.Uint32(b[64:]),
		seq:   binary.BigEndian.Uint32(b[68:]),
		proto: Protocol(b[72]),
	}
	copy(f.src[:], b[0:32])
	copy(f.dst[:], b[32:64])
	return f, nil
}
