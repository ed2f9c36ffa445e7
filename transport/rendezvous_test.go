package transport

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterBody(t *testing.T) {
	key := make([]byte, 32)
	key[0] = 7
	token := uuid.New()
	body, err := EncodeRegister(key, token)
	require.NoError(t, err)
	got, gotToken, err := DecodeRegister(body)
	require.NoError(t, err)
	assert.Equal(t, key, got)
	assert.Equal(t, token, gotToken)

	body, err = EncodeRegister(nil, uuid.Nil)
	require.NoError(t, err)
	got, gotToken, err = DecodeRegister(body)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, uuid.Nil, gotToken)

	_, err = EncodeRegister([]byte{1, 2}, uuid.Nil)
	assert.ErrorIs(t, err, errcode.InvalidArgument)
	_, _, err = DecodeRegister([]byte{1})
	assert.ErrorIs(t, err, errcode.InvalidArgument)
	_, _, err = DecodeRegister(body[:33])
	assert.ErrorIs(t, err, errcode.InvalidArgument)
}

func TestTokenBody(t *testing.T) {
	token := uuid.New()
	got, err := DecodeToken(EncodeToken(token))
	require.NoError(t, err)
	assert.Equal(t, token, got)

	_, err = DecodeToken([]byte{1, 2, 3})
	assert.ErrorIs(t, err, errcode.InvalidArgument)
}

func TestPeersRequestClamps(t *testing.T) {
	for _, tc := range []struct{ in, want int }{{5, 5}, {0, MaxRendezvousPeers}, {100, MaxRendezvousPeers}} {
		got, err := DecodePeersRequest(EncodePeersRequest(tc.in))
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestPeersResponseFitsDatagram(t *testing.T) {
	peers := make([]RendezvousPeer, 30)
	for i := range peers {
		peers[i] = RendezvousPeer{
			ID:       mustID(t),
			Addr:     fmt.Sprintf("[2001:db8::%x]:%d", i, 30000+i),
			OnionKey: make([]byte, 32),
			Age:      time.Duration(i) * time.Second,
		}
		peers[i].OnionKey[0] = byte(i + 1)
	}

	var decoded []RendezvousPeer
	rest := peers
	for len(rest) > 0 {
		body, used := EncodePeersResponse(rest)
		require.Greater(t, used, 0)
		assert.LessOrEqual(t, len(body), limits.MaxDatagram-limits.TransportHeader)
		got, err := DecodePeersResponse(body)
		require.NoError(t, err)
		decoded = append(decoded, got...)
		rest = rest[used:]
	}
	require.Len(t, decoded, len(peers))
	for i := range peers {
		assert.Equal(t, peers[i].ID, decoded[i].ID)
		assert.Equal(t, peers[i].Addr, decoded[i].Addr)
		assert.Equal(t, peers[i].OnionKey, decoded[i].OnionKey)
		assert.Equal(t, peers[i].Age, decoded[i].Age)
	}
}

func TestDecodePeersResponseRejectsTruncation(t *testing.T) {
	body, _ := EncodePeersResponse([]RendezvousPeer{{ID: mustID(t), Addr: "127.0.0.1:1"}})
	_, err := DecodePeersResponse(body[:len(body)-1])
	assert.ErrorIs(t, err, errcode.InvalidArgument)
	_, err = DecodePeersResponse(append(body, 0))
	assert.ErrorIs(t, err, errcode.InvalidArgument)
	_, err = DecodePeersResponse(nil)
	assert.ErrorIs(t, err, errcode.InvalidArgument)
}

func TestPeerDiscoveredBody(t *testing.T) {
	key := make([]byte, 32)
	key[3] = 9
	assert.Equal(t, key, DecodePeerDiscovered(EncodePeerDiscovered(key)))
	assert.Nil(t, DecodePeerDiscovered(EncodePeerDiscovered(nil)))
	assert.Nil(t, DecodePeerDiscovered([]byte{1}))
}
