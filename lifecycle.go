package cyxwiz

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/cyxwiz/crypto"
	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/sirupsen/logrus"
)

var (
	processMu    sync.Mutex
	initialized  bool
	processCrypt *crypto.Context
	processStart = time.Now()
)

// Init sets up process-wide state. It must be called once before any node
// is created; a second call without an intervening Shutdown fails with
// errcode.InvalidArgument. On builds without crypto support Init succeeds
// and nodes run without an onion layer.
func Init() error {
	processMu.Lock()
	defer processMu.Unlock()

	if initialized {
		return fmt.Errorf("%w: already initialized", errcode.InvalidArgument)
	}

	cctx, err := crypto.Init(crypto.Options{})
	switch {
	case errors.Is(err, errcode.CryptoUnavailable):
		logrus.WithField("function", "Init").Warn("Crypto unavailable, onion routing disabled")
	case err != nil:
		return err
	}

	processCrypt = cctx
	initialized = true
	logrus.WithFields(logrus.Fields{
		"function": "Init",
		"crypto":   cctx != nil,
	}).Info("cyxwiz initialized")
	return nil
}

// Shutdown releases process-wide state. Nodes still open keep working on
// the router and DHT but their onion layers stop. Calling Shutdown without
// Init is a no-op.
func Shutdown() {
	processMu.Lock()
	defer processMu.Unlock()

	if !initialized {
		return
	}
	processCrypt.Shutdown()
	processCrypt = nil
	initialized = false
	logrus.WithField("function", "Shutdown").Info("cyxwiz shut down")
}

// Initialized reports whether Init has run.
func Initialized() bool {
	processMu.Lock()
	defer processMu.Unlock()
	return initialized
}

// CryptoContext returns the process crypto context, or nil when Init has not
// run or crypto support is not compiled in.
func CryptoContext() *crypto.Context {
	processMu.Lock()
	defer processMu.Unlock()
	return processCrypt
}

// GenerateNodeID returns a fresh random node identity.
func GenerateNodeID() (identity.NodeID, error) {
	return identity.Generate()
}

// TimeMs returns monotonic milliseconds since the process started, suitable
// for the nowMs argument of every Poll and Tick.
func TimeMs() uint64 {
	return uint64(time.Since(processStart).Milliseconds())
}

// Strerror returns the description of an error code.
func Strerror(code errcode.Code) string {
	return errcode.Strerror(code)
}
