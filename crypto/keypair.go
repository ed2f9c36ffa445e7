package crypto

import (
	"fmt"

	"github.com/opd-ai/cyxwiz/errcode"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the length of X25519 public and private keys.
const KeySize = 32

// KeyPair is an X25519 key pair used as an onion identity.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a new random key pair.
func (c *Context) GenerateKeyPair() (*KeyPair, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	publicKey, privateKey, err := box.GenerateKey(c.rand)
	if err != nil {
		return nil, fmt.Errorf("%w: generating key pair: %v", errcode.CryptoError, err)
	}

	keyPair := &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}
	ZeroBytes(privateKey[:])
	NewLogger("GenerateKeyPair").WithFields(SecureFieldHash(keyPair.Public[:], "public_key")).Debug("Generated key pair")
	return keyPair, nil
}

// FromSecretKey rebuilds a key pair from a stored private key.
func FromSecretKey(secretKey [KeySize]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, fmt.Errorf("%w: secret key is all zeros", errcode.InvalidArgument)
	}

	pub, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving public key: %v", errcode.CryptoError, err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], pub)
	return kp, nil
}

// ValidatePublicKey checks that key is a usable X25519 public key: correct
// length, not all zeros and not a low-order point.
func ValidatePublicKey(key []byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	if len(key) != KeySize {
		return out, fmt.Errorf("%w: public key must be %d bytes, got %d", errcode.InvalidArgument, KeySize, len(key))
	}
	copy(out[:], key)
	if isZeroKey(out) {
		return out, fmt.Errorf("%w: public key is all zeros", errcode.InvalidArgument)
	}

	// X25519 rejects low-order inputs by returning an all-zero output error.
	probe := [KeySize]byte{9}
	shared, err := curve25519.X25519(probe[:], key)
	if err != nil {
		return out, fmt.Errorf("%w: public key is a low-order point", errcode.InvalidArgument)
	}
	ZeroBytes(shared)
	return out, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [KeySize]byte) bool {
	var acc byte
	for _, b := range key {
		acc |= b
	}
	return acc == 0
}
