package transport

import (
	"bytes"
	"testing"

	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/limits"
)

func mustID(t *testing.T) identity.NodeID {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return id
}

// TestPacketSerialize tests the Packet.Serialize method.
func TestPacketSerialize(t *testing.T) {
	sender := mustID(t)
	tests := []struct {
		name    string
		packet  *Packet
		wantErr bool
	}{
		{"valid packet", &Packet{PacketType: PacketRouteData, Data: []byte{1, 2, 3, 4}}, false},
		{"empty data", &Packet{PacketType: PacketAnnounce, Data: []byte{}}, false},
		{"nil data", &Packet{PacketType: PacketAnnounce}, false},
		{"local only type", &Packet{PacketType: PacketPeerDiscovered, Data: []byte{0}}, true},
		{"oversized", &Packet{PacketType: PacketRouteData, Data: make([]byte, limits.MaxDatagram)}, true},
		{"nil packet", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.packet.Serialize(sender)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(result) != limits.TransportHeader+len(tt.packet.Data) {
				t.Errorf("Expected length %d, got %d", limits.TransportHeader+len(tt.packet.Data), len(result))
			}
			if result[0] != byte(tt.packet.PacketType) {
				t.Errorf("Expected packet type %d, got %d", tt.packet.PacketType, result[0])
			}

			parsed, from, err := ParseDatagram(result)
			if err != nil {
				t.Fatalf("ParseDatagram: %v", err)
			}
			if from != sender {
				t.Errorf("sender mismatch")
			}
			if parsed.PacketType != tt.packet.PacketType || !bytes.Equal(parsed.Data, tt.packet.Data) {
				t.Errorf("parsed packet differs: %+v", parsed)
			}
		})
	}
}

func TestParseDatagramRejectsGarbage(t *testing.T) {
	if _, _, err := ParseDatagram([]byte{1, 2, 3}); !errorsIs(err, errcode.InvalidArgument) {
		t.Errorf("short datagram: got %v", err)
	}
	zeroSender := make([]byte, limits.TransportHeader)
	zeroSender[0] = byte(PacketAnnounce)
	if _, _, err := ParseDatagram(zeroSender); !errorsIs(err, errcode.InvalidArgument) {
		t.Errorf("zero sender: got %v", err)
	}
}

func TestPacketTypeString(t *testing.T) {
	if PacketRouteAck.String() != "route-ack" {
		t.Errorf("unexpected name %q", PacketRouteAck.String())
	}
	if PacketType(0xEE).String() != "packet(0xee)" {
		t.Errorf("unexpected name %q", PacketType(0xEE).String())
	}
}
