package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/flynn/noise"
	"github.com/opd-ai/cyxwiz/errcode"
)

// Options configures a crypto context.
type Options struct {
	// Rand overrides the entropy source. Defaults to crypto/rand.
	Rand io.Reader
	// Prologue is mixed into every hop handshake; peers with different
	// prologues cannot build circuits through each other.
	Prologue []byte
}

// DefaultPrologue binds handshakes to this protocol version.
var DefaultPrologue = []byte("cyxwiz-onion-v1")

// Context is the explicit handle every cryptographic operation goes through.
// It is safe for concurrent use.
type Context struct {
	mu       sync.RWMutex
	closed   bool
	rand     io.Reader
	prologue []byte
	suite    noise.CipherSuite
}

// Init creates a crypto context. It fails with errcode.CryptoUnavailable on
// builds without a crypto implementation.
func Init(opts Options) (*Context, error) {
	logger := NewLogger("Init")
	if !Available {
		logger.Warn("Crypto support not compiled in")
		return nil, fmt.Errorf("%w: built without crypto support", errcode.CryptoUnavailable)
	}

	r := opts.Rand
	if r == nil {
		r = rand.Reader
	}
	prologue := opts.Prologue
	if len(prologue) == 0 {
		prologue = DefaultPrologue
	}

	logger.WithField("cipher_suite", HandshakeSuiteName).Debug("Crypto context initialized")
	return &Context{
		rand:     r,
		prologue: append([]byte(nil), prologue...),
		suite:    noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s),
	}, nil
}

// Shutdown releases the context. Later operations fail with
// errcode.CryptoUnavailable. Calling Shutdown twice is harmless.
func (c *Context) Shutdown() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Usable reports whether c can perform operations.
func (c *Context) Usable() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

func (c *Context) check() error {
	if !c.Usable() {
		return fmt.Errorf("%w: crypto context is shut down", errcode.CryptoUnavailable)
	}
	return nil
}

// Random fills b from the context's entropy source.
func (c *Context) Random(b []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	if _, err := io.ReadFull(c.rand, b); err != nil {
		return fmt.Errorf("%w: reading entropy: %v", errcode.CryptoError, err)
	}
	return nil
}
