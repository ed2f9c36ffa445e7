package crypto

import (
	"bytes"
	"testing"

	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	cctx, err := Init(Options{})
	require.NoError(t, err)
	t.Cleanup(cctx.Shutdown)
	return cctx
}

func TestContextShutdown(t *testing.T) {
	cctx, err := Init(Options{})
	require.NoError(t, err)
	assert.True(t, cctx.Usable())

	cctx.Shutdown()
	cctx.Shutdown()
	assert.False(t, cctx.Usable())

	_, err = cctx.GenerateKeyPair()
	assert.ErrorIs(t, err, errcode.CryptoUnavailable)

	var nilCtx *Context
	assert.False(t, nilCtx.Usable())
	nilCtx.Shutdown()
}

func TestGenerateKeyPairDistinct(t *testing.T) {
	cctx := newTestContext(t)
	a, err := cctx.GenerateKeyPair()
	require.NoError(t, err)
	b, err := cctx.GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, a.Public, b.Public)

	rebuilt, err := FromSecretKey(a.Private)
	require.NoError(t, err)
	assert.Equal(t, a.Public, rebuilt.Public)
}

func TestFromSecretKeyRejectsZero(t *testing.T) {
	_, err := FromSecretKey([KeySize]byte{})
	assert.ErrorIs(t, err, errcode.InvalidArgument)
}

func TestValidatePublicKey(t *testing.T) {
	cctx := newTestContext(t)
	kp, err := cctx.GenerateKeyPair()
	require.NoError(t, err)

	got, err := ValidatePublicKey(kp.Public[:])
	require.NoError(t, err)
	assert.Equal(t, kp.Public, got)

	tests := []struct {
		name string
		key  []byte
	}{
		{"short", kp.Public[:31]},
		{"long", append(kp.Public[:], 0)},
		{"zero", make([]byte, KeySize)},
		{"low order one", append([]byte{1}, make([]byte, KeySize-1)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidatePublicKey(tt.key)
			assert.ErrorIs(t, err, errcode.InvalidArgument)
		})
	}
}

func TestHopHandshake(t *testing.T) {
	cctx := newTestContext(t)
	hop, err := cctx.GenerateKeyPair()
	require.NoError(t, err)

	init, msg1, err := cctx.NewInitiator(hop.Public)
	require.NoError(t, err)
	assert.Len(t, msg1, HandshakeMsgLen)

	msg2, hopKeys, err := cctx.Respond(hop, msg1)
	require.NoError(t, err)
	assert.Len(t, msg2, HandshakeMsgLen)

	originKeys, err := init.Finish(msg2)
	require.NoError(t, err)

	fwd, err := originKeys.Forward.Seal(7, []byte("toward the hop"))
	require.NoError(t, err)
	plain, err := hopKeys.Forward.Open(7, fwd)
	require.NoError(t, err)
	assert.Equal(t, []byte("toward the hop"), plain)

	back, err := hopKeys.Backward.Seal(1, []byte("toward the origin"))
	require.NoError(t, err)
	plain, err = originKeys.Backward.Open(1, back)
	require.NoError(t, err)
	assert.Equal(t, []byte("toward the origin"), plain)

	// wrong nonce and wrong direction both fail authentication
	_, err = hopKeys.Forward.Open(8, fwd)
	assert.ErrorIs(t, err, errcode.CryptoError)
	_, err = originKeys.Backward.Open(7, fwd)
	assert.ErrorIs(t, err, errcode.CryptoError)

	_, err = init.Finish(msg2)
	assert.ErrorIs(t, err, errcode.InvalidArgument)
}

func TestHandshakeWrongHopKeyFails(t *testing.T) {
	cctx := newTestContext(t)
	hop, _ := cctx.GenerateKeyPair()
	impostor, _ := cctx.GenerateKeyPair()

	_, msg1, err := cctx.NewInitiator(hop.Public)
	require.NoError(t, err)
	_, _, err = cctx.Respond(impostor, msg1)
	assert.ErrorIs(t, err, errcode.CryptoError)
}

func TestHandshakeRejectsTruncatedMessages(t *testing.T) {
	cctx := newTestContext(t)
	hop, _ := cctx.GenerateKeyPair()
	init, msg1, err := cctx.NewInitiator(hop.Public)
	require.NoError(t, err)

	_, _, err = cctx.Respond(hop, msg1[:10])
	assert.ErrorIs(t, err, errcode.CryptoError)
	_, err = init.Finish(bytes.Repeat([]byte{1}, 5))
	assert.ErrorIs(t, err, errcode.CryptoError)
}

func TestReleasedCipherFails(t *testing.T) {
	cctx := newTestContext(t)
	hop, _ := cctx.GenerateKeyPair()
	init, msg1, _ := cctx.NewInitiator(hop.Public)
	msg2, hopKeys, err := cctx.Respond(hop, msg1)
	require.NoError(t, err)
	keys, err := init.Finish(msg2)
	require.NoError(t, err)

	fwd := keys.Forward
	keys.Release()
	keys.Release()
	_, err = fwd.Seal(0, []byte("x"))
	assert.ErrorIs(t, err, errcode.CryptoError)
	hopKeys.Release()
}
