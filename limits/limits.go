// Package limits provides centralized size limits for cyxwiz wire formats.
// This ensures consistent validation across the transport, router and onion layers.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxDatagram is the largest datagram a transport sends or accepts.
	MaxDatagram = 1400

	// TransportHeader is the per-datagram overhead: packet type plus sender NodeId.
	TransportHeader = 1 + 32

	// RouterHeader is the overhead of a routed data frame:
	// epoch(4) seq(4) src(32) dst(32) ttl(1) proto(1) len(2).
	RouterHeader = 4 + 4 + 32 + 32 + 1 + 1 + 2

	// MaxRouterPayload is the largest opaque payload the router carries.
	MaxRouterPayload = 1200

	// MaxOnionPayload is the largest application payload carried through a circuit.
	MaxOnionPayload = 512

	// OnionCellHeader is cell type plus link-local circuit id.
	OnionCellHeader = 1 + 4

	// OnionCommandHeader is relay command plus data length.
	OnionCommandHeader = 1 + 2

	// OnionCommandArea is the fixed plaintext size every relay command is padded to:
	// header, destination NodeId and the largest payload.
	OnionCommandArea = OnionCommandHeader + 32 + MaxOnionPayload

	// AEADOverhead is the Poly1305 tag appended by ChaCha20-Poly1305.
	AEADOverhead = 16

	// OnionLayerOverhead is what one hop adds: nonce(8), marker(1) and the tag.
	OnionLayerOverhead = 8 + 1 + AEADOverhead

	// MaxOnionHops bounds the circuit length so every cell fits a router payload.
	MaxOnionHops = 8
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateRouterPayload checks a payload handed to the router.
func ValidateRouterPayload(payload []byte) error {
	return ValidateMessageSize(payload, MaxRouterPayload)
}

// ValidateOnionPayload checks a payload handed to the onion layer.
func ValidateOnionPayload(payload []byte) error {
	return ValidateMessageSize(payload, MaxOnionPayload)
}

// ValidateDatagram checks raw bytes read from or written to the network.
func ValidateDatagram(data []byte) error {
	if len(data) < TransportHeader {
		return fmt.Errorf("%w: datagram of %d bytes is shorter than header", ErrMessageEmpty, len(data))
	}
	return ValidateMessageSize(data, MaxDatagram)
}

// OnionCellSize returns the size of a relay cell on the first link of a
// circuit with the given number of hops.
func OnionCellSize(hops int) int {
	return OnionCellHeader + OnionCommandArea + hops*OnionLayerOverhead
}
