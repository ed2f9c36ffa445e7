// Package identity defines the NodeId used to name every participant of the
// mesh and the XOR metric the DHT and the router reason with.
package identity

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/bits"

	"github.com/opd-ai/cyxwiz/errcode"
)

// Len is the size of a NodeID in bytes.
const Len = 32

// Bits is the number of bits in a NodeID and therefore the number of DHT buckets.
const Bits = Len * 8

// NodeID is a fixed-length opaque identifier. The zero value is reserved and
// never produced by Generate.
type NodeID [Len]byte

// Zero is the reserved all-zero identifier.
var Zero NodeID

// Generate returns a fresh random NodeID from the system CSPRNG.
func Generate() (NodeID, error) {
	var id NodeID
	for {
		if _, err := rand.Read(id[:]); err != nil {
			return Zero, fmt.Errorf("%w: reading random id: %v", errcode.Internal, err)
		}
		if !id.IsZero() {
			return id, nil
		}
	}
}

// FromBytes copies b into a NodeID. b must be exactly Len bytes.
func FromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != Len {
		return Zero, fmt.Errorf("%w: node id must be %d bytes, got %d", errcode.InvalidArgument, Len, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// FromHex parses the 64 character hex form produced by String.
func FromHex(s string) (NodeID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: node id hex: %v", errcode.InvalidArgument, err)
	}
	return FromBytes(b)
}

// String returns the lowercase hex encoding.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, for logs.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether id is the reserved zero identifier.
func (id NodeID) IsZero() bool {
	return id == Zero
}

// Bytes returns a copy of the identifier bytes.
func (id NodeID) Bytes() []byte {
	out := make([]byte, Len)
	copy(out, id[:])
	return out
}

// Distance returns the XOR distance between a and b.
func Distance(a, b NodeID) NodeID {
	var d NodeID
	for i := 0; i < Len; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less compares two identifiers (or distances) as big-endian integers.
func Less(a, b NodeID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// CloserTo reports whether a is strictly closer to target than b.
func CloserTo(target, a, b NodeID) bool {
	return Less(Distance(target, a), Distance(target, b))
}

// CommonPrefixLen returns the number of leading bits a and b share.
func CommonPrefixLen(a, b NodeID) int {
	for i := 0; i < Len; i++ {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return Bits
}

// BucketIndex maps id to the bucket of a table owned by local: the length of
// their common prefix. Identical ids land in the last bucket.
func BucketIndex(local, id NodeID) int {
	cpl := CommonPrefixLen(local, id)
	if cpl >= Bits {
		return Bits - 1
	}
	return cpl
}

// RandomInBucket returns a random id that shares exactly idx leading bits
// with local, so BucketIndex(local, result) == idx.
func RandomInBucket(local NodeID, idx int) (NodeID, error) {
	if idx < 0 || idx >= Bits {
		return Zero, fmt.Errorf("%w: bucket index %d", errcode.InvalidArgument, idx)
	}
	id, err := Generate()
	if err != nil {
		return Zero, err
	}
	byteIdx, bitIdx := idx/8, uint(idx%8)
	copy(id[:byteIdx], local[:byteIdx])

	// keep the first bitIdx bits of local, flip the next one, leave the rest random
	keep := byte(0xFF) << (8 - bitIdx)
	flip := byte(0x80) >> bitIdx
	b := (local[byteIdx] & keep) | (id[byteIdx] &^ keep)
	b = (b &^ flip) | (^local[byteIdx] & flip)
	id[byteIdx] = b
	return id, nil
}
