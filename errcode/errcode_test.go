package errcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrerrorCoversEveryCode(t *testing.T) {
	codes := []Code{OK, InvalidArgument, OutOfMemory, CryptoUnavailable, CryptoError,
		NoRoute, NoCircuit, PeerUnreachable, BucketFull, NotStarted, Internal}
	seen := make(map[string]Code)
	for _, c := range codes {
		msg := Strerror(c)
		assert.NotEqual(t, "unknown error", msg, "code %d", c)
		if prev, dup := seen[msg]; dup {
			t.Errorf("codes %d and %d share message %q", prev, c, msg)
		}
		seen[msg] = c
		assert.True(t, c.Known())
	}
	assert.Equal(t, "unknown error", Strerror(Code(-1000)))
	assert.False(t, Code(42).Known())
}

func TestOfUnwrapsWrappedCodes(t *testing.T) {
	err := fmt.Errorf("%w: destination abc", NoRoute)
	assert.True(t, errors.Is(err, NoRoute))
	assert.False(t, errors.Is(err, NoCircuit))
	assert.Equal(t, NoRoute, Of(err))

	outer := fmt.Errorf("send failed: %w", err)
	assert.Equal(t, NoRoute, Of(outer))
	assert.Equal(t, int32(-5), Int32(outer))
}

func TestOfNilAndUncoded(t *testing.T) {
	assert.Equal(t, OK, Of(nil))
	assert.Equal(t, Internal, Of(errors.New("disk on fire")))
}
