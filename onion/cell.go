package onion

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/cyxwiz/crypto"
	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/limits"
)

type cellType uint8

const (
	cellCreate    cellType = 0x01
	cellCreated   cellType = 0x02
	cellRelay     cellType = 0x03
	cellRelayBack cellType = 0x04
	cellDestroy   cellType = 0x05
)

func (t cellType) String() string {
	switch t {
	case cellCreate:
		return "create"
	case cellCreated:
		return "created"
	case cellRelay:
		return "relay"
	case cellRelayBack:
		return "relay_back"
	case cellDestroy:
		return "destroy"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// DestroyReason travels in a destroy cell.
type DestroyReason uint8

const (
	ReasonNone DestroyReason = iota
	ReasonProtocol
	ReasonTimeout
	ReasonClosed
	ReasonResource
)

type command uint8

const (
	cmdExtend       command = 0x01
	cmdExtended     command = 0x02
	cmdExtendFailed command = 0x03
	cmdData         command = 0x04
	cmdCover        command = 0x05
)

const (
	markerForward byte = 0
	markerCommand byte = 1
	nonceLen           = 8
)

var errMalformedCell = errors.New("malformed onion cell")

// cell is [type:1][circID:4][body].
type cell struct {
	typ  cellType
	circ uint32
	body []byte
}

func (c *cell) marshal() []byte {
	b := make([]byte, limits.OnionCellHeader+len(c.body))
	b[0] = byte(c.typ)
	binary.BigEndian.PutUint32(b[1:], c.circ)
	copy(b[limits.OnionCellHeader:], c.body)
	return b
}

func parseCell(b []byte) (*cell, error) {
	if len(b) < limits.OnionCellHeader {
		return nil, fmt.Errorf("%w: %d bytes", errMalformedCell, len(b))
	}
	c := &cell{
		typ:  cellType(b[0]),
		circ: binary.BigEndian.Uint32(b[1:]),
		body: b[limits.OnionCellHeader:],
	}
	if c.circ == 0 {
		return nil, fmt.Errorf("%w: zero circuit id", errMalformedCell)
	}
	switch c.typ {
	case cellCreate, cellCreated:
		if len(c.body) != crypto.HandshakeMsgLen {
			return nil, fmt.Errorf("%w: %s body of %d bytes", errMalformedCell, c.typ, len(c.body))
		}
	case cellRelay, cellRelayBack:
		if len(c.body) < nonceLen+1+limits.AEADOverhead {
			return nil, fmt.Errorf("%w: %s body of %d bytes", errMalformedCell, c.typ, len(c.body))
		}
	case cellDestroy:
		if len(c.body) != 1 {
			return nil, fmt.Errorf("%w: destroy body of %d bytes", errMalformedCell, len(c.body))
		}
	default:
		return nil, fmt.Errorf("%w: %s", errMalformedCell, c.typ)
	}
	return c, nil
}

// encodeCommand builds [cmd:1][len:2][data] zero padded to area bytes.
func encodeCommand(cmd command, data []byte, area int) ([]byte, error) {
	if limits.OnionCommandHeader+len(data) > area {
		return nil, fmt.Errorf("%w: command data of %d bytes exceeds %d", errcode.InvalidArgument, len(data), area)
	}
	b := make([]byte, area)
	b[0] = byte(cmd)
	binary.BigEndian.PutUint16(b[1:], uint16(len(data)))
	copy(b[limits.OnionCommandHeader:], data)
	return b, nil
}

func decodeCommand(b []byte) (command, []byte, error) {
	if len(b) < limits.OnionCommandHeader {
		return 0, nil, fmt.Errorf("%w: command of %d bytes", errMalformedCell, len(b))
	}
	n := int(binary.BigEndian.Uint16(b[1:]))
	if limits.OnionCommandHeader+n > len(b) {
		return 0, nil, fmt.Errorf("%w: command length %d exceeds %d", errMalformedCell, n, len(b))
	}
	return command(b[0]), b[limits.OnionCommandHeader : limits.OnionCommandHeader+n], nil
}

// sealLayer produces [nonce:8][AEAD(marker || inner)].
func sealLayer(c *crypto.HopCipher, nonce uint64, marker byte, inner []byte) ([]byte, error) {
	pt := make([]byte, 1+len(inner))
	pt[0] = marker
	copy(pt[1:], inner)
	ct, err := c.Seal(nonce, pt)
	crypto.ZeroBytes(pt)
	if err != nil {
		return nil, err
	}
	out := make([]byte, nonceLen+len(ct))
	binary.BigEndian.PutUint64(out, nonce)
	copy(out[nonceLen:], ct)
	return out, nil
}

// openLayer removes one layer, returning its nonce, marker and contents.
func openLayer(c *crypto.HopCipher, layer []byte) (uint64, byte, []byte, error) {
	if len(layer) < nonceLen+1+limits.AEADOverhead {
		return 0, 0, nil, fmt.Errorf("%w: layer of %d bytes", errcode.CryptoError, len(layer))
	}
	nonce := binary.BigEndian.Uint64(layer)
	pt, err := c.Open(nonce, layer[nonceLen:])
	if err != nil {
		return 0, 0, nil, err
	}
	if len(pt) < 1 || pt[0] > markerCommand {
		return 0, 0, nil, fmt.Errorf("%w: bad layer marker", errcode.CryptoError)
	}
	return nonce, pt[0], pt[1:], nil
}

func encodeExtend(next identity.NodeID, msg1 []byte) []byte {
	b := make([]byte, identity.Len+len(msg1))
	copy(b, next[:])
	copy(b[identity.Len:], msg1)
	return b
}

func decodeExtend(data []byte) (identity.NodeID, []byte, error) {
	if len(data) != identity.Len+crypto.HandshakeMsgLen {
		return identity.Zero, nil, fmt.Errorf("%w: extend of %d bytes", errMalformedCell, len(data))
	}
	var next identity.NodeID
	copy(next[:], data)
	return next, data[identity.Len:], nil
}

func encodeData(dest identity.NodeID, payload []byte) []byte {
	b := make([]byte, identity.Len+len(payload))
	copy(b, dest[:])
	copy(b[identity.Len:], payload)
	return b
}

func decodeData(data []byte) (identity.NodeID, []byte, error) {
	if len(data) <= identity.Len || len(data) > identity.Len+limits.MaxOnionPayload {
		return identity.Zero, nil, fmt.Errorf("%w: data command of %d bytes", errMalformedCell, len(data))
	}
	var dest identity.NodeID
	copy(dest[:], data)
	return dest, data[identity.Len:], nil
}

type linkKey struct {
	peer identity.NodeID
	circ uint32
}
