package onion

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opd-ai/cyxwiz/crypto"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/limits"
	"github.com/opd-ai/cyxwiz/router"
	"github.com/sirupsen/logrus"
)

// relay is this node's state as a hop on someone else's circuit. It knows
// only its predecessor and, once extended, its successor.
type relay struct {
	prev     identity.NodeID
	prevCirc uint32
	next     identity.NodeID
	nextCirc uint32

	keys       *crypto.HopKeys
	bwdNonce   uint64
	replay     *lru.Cache[uint64, struct{}]
	extending  bool
	lastActive uint64
}

func (l *Layer) handleCreateLocked(key linkKey, msg1 []byte) {
	if _, dup := l.relays[key]; dup {
		return
	}
	log := l.logger.WithFields(logrus.Fields{
		"function": "handleCreate",
		"from":     key.peer.Short(),
		"circuit":  key.circ,
	})
	if len(l.relays) >= l.cfg.MaxRelays {
		log.Warn("Relay table full, refusing circuit")
		l.sendLocked(key.peer, &cell{typ: cellDestroy, circ: key.circ, body: []byte{byte(ReasonResource)}}, nil)
		return
	}
	msg2, keys, err := l.cctx.Respond(l.ident, msg1)
	if err != nil {
		log.WithField("error", err.Error()).Debug("Handshake failed")
		l.sendLocked(key.peer, &cell{typ: cellDestroy, circ: key.circ, body: []byte{byte(ReasonProtocol)}}, nil)
		return
	}
	cache, _ := lru.New[uint64, struct{}](l.cfg.ReplayWindow)
	l.relays[key] = &relay{
		prev:       key.peer,
		prevCirc:   key.circ,
		keys:       keys,
		replay:     cache,
		lastActive: l.now,
	}
	l.sendLocked(key.peer, &cell{typ: cellCreated, circ: key.circ, body: msg2}, nil)
	log.Debug("Joined circuit as relay")
}

// handleRelayLocked peels one forward layer and forwards or executes it.
func (l *Layer) handleRelayLocked(rl *relay, body []byte) {
	nonce, marker, inner, err := openLayer(rl.keys.Forward, body)
	if err != nil {
		l.logger.WithFields(logrus.Fields{
			"function": "handleRelay",
			"from":     rl.prev.Short(),
			"error":    err.Error(),
		}).Debug("Forward layer failed to open")
		return
	}
	if rl.replay.Contains(nonce) {
		l.logger.WithFields(logrus.Fields{
			"function": "handleRelay",
			"from":     rl.prev.Short(),
			"nonce":    nonce,
		}).Warn("Replayed cell dropped")
		return
	}
	rl.replay.Add(nonce, struct{}{})
	rl.lastActive = l.now

	if marker == markerForward {
		if rl.next.IsZero() || rl.extending {
			return
		}
		l.stats.CellsRelayed++
		l.sendLocked(rl.next, &cell{typ: cellRelay, circ: rl.nextCirc, body: inner}, nil)
		return
	}

	cmd, data, err := decodeCommand(inner)
	if err != nil {
		return
	}
	switch cmd {
	case cmdExtend:
		l.extendRelayLocked(rl, data)
	case cmdData:
		dest, payload, err := decodeData(data)
		if err != nil {
			return
		}
		if dest == l.local {
			l.deliverLocked(payload)
			return
		}
		l.stats.Exited++
		l.outbox = append(l.outbox, outgoing{
			to:    dest,
			proto: router.ProtoOnionExit,
			data:  append([]byte(nil), payload...),
		})
	case cmdCover:
	}
	crypto.ZeroBytes(inner)
}

func (l *Layer) extendRelayLocked(rl *relay, data []byte) {
	next, msg1, err := decodeExtend(data)
	if err != nil || !rl.next.IsZero() || next == l.local || next == rl.prev || next.IsZero() {
		l.sendBackCommandLocked(rl, cmdExtendFailed, nil)
		return
	}
	rl.next = next
	rl.nextCirc = l.allocCircLocked(next)
	rl.extending = true
	l.relayNext[linkKey{peer: next, circ: rl.nextCirc}] = rl
	l.sendLocked(next, &cell{typ: cellCreate, circ: rl.nextCirc, body: append([]byte(nil), msg1...)}, nil)
}

func (l *Layer) extendFailedLocked(rl *relay) {
	delete(l.relayNext, linkKey{peer: rl.next, circ: rl.nextCirc})
	rl.next, rl.nextCirc, rl.extending = identity.Zero, 0, false
	l.sendBackCommandLocked(rl, cmdExtendFailed, nil)
}

func (l *Layer) handleNextCreatedLocked(rl *relay, msg2 []byte) {
	if !rl.extending {
		return
	}
	rl.extending = false
	rl.lastActive = l.now
	l.sendBackCommandLocked(rl, cmdExtended, msg2)
}

// handleNextRelayBackLocked adds this hop's layer to a backward cell.
func (l *Layer) handleNextRelayBackLocked(rl *relay, body []byte) {
	if rl.extending {
		return
	}
	layer, err := sealLayer(rl.keys.Backward, rl.bwdNonce, markerForward, body)
	if err != nil {
		return
	}
	rl.bwdNonce++
	rl.lastActive = l.now
	l.stats.CellsRelayed++
	l.sendLocked(rl.prev, &cell{typ: cellRelayBack, circ: rl.prevCirc, body: layer}, nil)
}

func (l *Layer) sendBackCommandLocked(rl *relay, cmd command, data []byte) {
	inner, err := encodeCommand(cmd, data, limits.OnionCommandArea)
	if err != nil {
		return
	}
	layer, err := sealLayer(rl.keys.Backward, rl.bwdNonce, markerCommand, inner)
	if err != nil {
		return
	}
	rl.bwdNonce++
	l.sendLocked(rl.prev, &cell{typ: cellRelayBack, circ: rl.prevCirc, body: layer}, nil)
}

// dropRelayLocked forgets rl and tells whichever neighbour did not ask for
// the teardown.
func (l *Layer) dropRelayLocked(rl *relay, reason DestroyReason, from identity.NodeID) {
	if from != rl.prev {
		l.sendLocked(rl.prev, &cell{typ: cellDestroy, circ: rl.prevCirc, body: []byte{byte(reason)}}, nil)
	}
	if !rl.next.IsZero() && from != rl.next {
		l.sendLocked(rl.next, &cell{typ: cellDestroy, circ: rl.nextCirc, body: []byte{byte(reason)}}, nil)
	}
	rl.keys.Release()
	delete(l.relays, linkKey{peer: rl.prev, circ: rl.prevCirc})
	if !rl.next.IsZero() {
		delete(l.relayNext, linkKey{peer: rl.next, circ: rl.nextCirc})
	}
}
