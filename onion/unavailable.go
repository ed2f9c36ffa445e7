package onion

import (
	"fmt"

	"github.com/opd-ai/cyxwiz/crypto"
	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
)

var errUnavailable = fmt.Errorf("%w: built without onion crypto", errcode.CryptoUnavailable)

type unavailable struct{}

// Unavailable returns the onion layer used when no crypto is present.
func Unavailable() Onion { return unavailable{} }

func (unavailable) PublicKey() ([crypto.KeySize]byte, error) {
	return [crypto.KeySize]byte{}, errUnavailable
}

func (unavailable) AddPeerKey(identity.NodeID, []byte) error { return errUnavailable }
func (unavailable) SetHopCount(int) error                    { return errUnavailable }
func (unavailable) HopCount() int                            { return 0 }
func (unavailable) SendTo(identity.NodeID, []byte) error     { return errUnavailable }
func (unavailable) Poll(uint64) error                        { return errUnavailable }
func (unavailable) EnableCoverTraffic(bool)                  {}
func (unavailable) CoverTrafficEnabled() bool                { return false }
func (unavailable) CircuitCount() int                        { return 0 }
func (unavailable) PeerKeyCount() int                        { return 0 }
func (unavailable) OnDeliver(func([]byte))                   {}
func (unavailable) Circuits() []CircuitInfo                  { return nil }
func (unavailable) CloseCircuit(uint32) error                { return errUnavailable }
func (unavailable) Stats() Stats                             { return Stats{} }
func (unavailable) Close() error                             { return nil }
