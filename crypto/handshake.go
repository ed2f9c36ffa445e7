package crypto

import (
	"fmt"

	"github.com/flynn/noise"
	"github.com/opd-ai/cyxwiz/errcode"
)

const (
	// HandshakeSuiteName identifies the hop handshake protocol.
	HandshakeSuiteName = "Noise_NK_25519_ChaChaPoly_BLAKE2s"

	// HandshakeMsgLen is the size of both NK messages with empty payloads:
	// an ephemeral key followed by an authentication tag.
	HandshakeMsgLen = KeySize + 16
)

// HopKeys are the per-direction ciphers shared between a circuit origin and
// one hop. Forward protects origin to hop traffic, Backward the reverse.
type HopKeys struct {
	Forward  *HopCipher
	Backward *HopCipher
}

// Release drops both ciphers.
func (k *HopKeys) Release() {
	if k == nil {
		return
	}
	k.Forward.release()
	k.Backward.release()
	k.Forward, k.Backward = nil, nil
}

// HopCipher is an AEAD bound to one direction of a hop. Nonces are explicit
// and chosen by the sender.
type HopCipher struct {
	c noise.Cipher
}

// Seal encrypts plaintext under nonce and returns the ciphertext with its tag.
func (h *HopCipher) Seal(nonce uint64, plaintext []byte) ([]byte, error) {
	if h == nil || h.c == nil {
		return nil, fmt.Errorf("%w: hop cipher released", errcode.CryptoError)
	}
	return h.c.Encrypt(nil, nonce, nil, plaintext), nil
}

// Open authenticates and decrypts ciphertext sealed under nonce.
func (h *HopCipher) Open(nonce uint64, ciphertext []byte) ([]byte, error) {
	if h == nil || h.c == nil {
		return nil, fmt.Errorf("%w: hop cipher released", errcode.CryptoError)
	}
	out, err := h.c.Decrypt(nil, nonce, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errcode.CryptoError, err)
	}
	return out, nil
}

func (h *HopCipher) release() {
	if h != nil {
		h.c = nil
	}
}

// Initiator is the circuit origin side of a hop handshake.
type Initiator struct {
	hs *noise.HandshakeState
}

// NewInitiator starts a handshake with the hop owning hopKey and returns
// the first message to deliver to it.
func (c *Context) NewInitiator(hopKey [KeySize]byte) (*Initiator, []byte, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: c.suite,
		Random:      c.rand,
		Pattern:     noise.HandshakeNK,
		Initiator:   true,
		Prologue:    c.prologue,
		PeerStatic:  append([]byte(nil), hopKey[:]...),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: creating handshake: %v", errcode.CryptoError, err)
	}

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: writing handshake message: %v", errcode.CryptoError, err)
	}
	return &Initiator{hs: hs}, msg1, nil
}

// Finish consumes the hop's reply and yields the hop keys.
func (i *Initiator) Finish(msg2 []byte) (*HopKeys, error) {
	if i == nil || i.hs == nil {
		return nil, fmt.Errorf("%w: handshake already finished", errcode.InvalidArgument)
	}
	if len(msg2) != HandshakeMsgLen {
		return nil, fmt.Errorf("%w: handshake reply is %d bytes", errcode.CryptoError, len(msg2))
	}
	_, cs1, cs2, err := i.hs.ReadMessage(nil, msg2)
	i.hs = nil
	if err != nil {
		return nil, fmt.Errorf("%w: reading handshake reply: %v", errcode.CryptoError, err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, fmt.Errorf("%w: handshake did not complete", errcode.CryptoError)
	}
	return &HopKeys{
		Forward:  &HopCipher{c: cs1.Cipher()},
		Backward: &HopCipher{c: cs2.Cipher()},
	}, nil
}

// Respond runs the hop side of the handshake for a received first message,
// returning the reply to send back and the hop keys.
func (c *Context) Respond(identity *KeyPair, msg1 []byte) ([]byte, *HopKeys, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}
	if identity == nil {
		return nil, nil, fmt.Errorf("%w: nil identity", errcode.InvalidArgument)
	}
	if len(msg1) != HandshakeMsgLen {
		return nil, nil, fmt.Errorf("%w: handshake message is %d bytes", errcode.CryptoError, len(msg1))
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: c.suite,
		Random:      c.rand,
		Pattern:     noise.HandshakeNK,
		Initiator:   false,
		Prologue:    c.prologue,
		StaticKeypair: noise.DHKey{
			Private: append([]byte(nil), identity.Private[:]...),
			Public:  append([]byte(nil), identity.Public[:]...),
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: creating handshake: %v", errcode.CryptoError, err)
	}

	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, nil, fmt.Errorf("%w: reading handshake message: %v", errcode.CryptoError, err)
	}
	msg2, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: writing handshake reply: %v", errcode.CryptoError, err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, nil, fmt.Errorf("%w: handshake did not complete", errcode.CryptoError)
	}
	return msg2, &HopKeys{
		Forward:  &HopCipher{c: cs1.Cipher()},
		Backward: &HopCipher{c: cs2.Cipher()},
	}, nil
}
