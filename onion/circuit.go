package onion

import (
	"fmt"
	"math/rand/v2"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opd-ai/cyxwiz/crypto"
	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/limits"
	"github.com/sirupsen/logrus"
)

// CircuitState is the lifecycle of an origin circuit.
type CircuitState uint8

const (
	StateBuilding CircuitState = iota
	StateEstablished
	StateClosing
	StateFailed
	StateClosed
)

func (s CircuitState) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "closed"
	}
}

// CircuitInfo is a snapshot of an origin circuit.
type CircuitInfo struct {
	ID       uint32
	State    CircuitState
	Hops     []identity.NodeID
	Built    int
	Created  uint64
	LastUsed uint64
}

type hopPlan struct {
	id  identity.NodeID
	key [crypto.KeySize]byte
}

// hop is the origin's view of one established hop.
type hop struct {
	id       identity.NodeID
	keys     *crypto.HopKeys
	fwdNonce uint64
	replay   *lru.Cache[uint64, struct{}]
}

type pendingPayload struct {
	dest    identity.NodeID
	payload []byte
}

type circuit struct {
	id        uint32
	state     CircuitState
	plan      []hopPlan
	hops      []*hop
	init      *crypto.Initiator
	deadline  uint64
	dest      identity.NodeID
	destIsHop bool

	created   uint64
	lastUsed  uint64
	nextCover uint64

	attempts    int
	excluded    map[identity.NodeID]bool
	pending     []pendingPayload
	closeReason DestroyReason
}

func (c *circuit) final() identity.NodeID {
	return c.plan[len(c.plan)-1].id
}

func (c *circuit) live() bool {
	return c.state == StateBuilding || c.state == StateEstablished
}

// SendTo sends payload to dest through a circuit. When dest's key is known
// the circuit ends at dest; otherwise its last hop hands the payload to the
// router. The call returns once the payload is queued on a circuit.
func (l *Layer) SendTo(dest identity.NodeID, payload []byte) error {
	if dest.IsZero() || dest == l.local {
		return fmt.Errorf("%w: invalid destination %s", errcode.InvalidArgument, dest.Short())
	}
	if err := limits.ValidateOnionPayload(payload); err != nil {
		return fmt.Errorf("%w: %v", errcode.InvalidArgument, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("%w: onion layer closed", errcode.NotStarted)
	}
	p := pendingPayload{dest: dest, payload: append([]byte(nil), payload...)}

	c := l.circuitForLocked(dest)
	if c == nil {
		if l.liveCountLocked() >= l.cfg.MaxCircuits {
			l.mu.Unlock()
			return fmt.Errorf("%w: %d circuits open", errcode.NoCircuit, l.cfg.MaxCircuits)
		}
		var err error
		c, err = l.buildLocked(dest, nil)
		if err != nil {
			l.mu.Unlock()
			return err
		}
	}

	switch {
	case c.state == StateEstablished:
		if err := l.sendDataLocked(c, p); err != nil {
			l.mu.Unlock()
			return err
		}
	case len(c.pending) >= l.cfg.MaxPending:
		l.mu.Unlock()
		return fmt.Errorf("%w: circuit %d has %d payloads waiting", errcode.OutOfMemory, c.id, len(c.pending))
	default:
		c.pending = append(c.pending, p)
	}
	return l.flushLocked()
}

func (l *Layer) circuitForLocked(dest identity.NodeID) *circuit {
	_, destKnown := l.peerKeys[dest]
	var best *circuit
	for _, c := range l.circuits {
		if !c.live() || len(c.plan) != l.hopCount {
			continue
		}
		if destKnown {
			if !c.destIsHop || c.final() != dest {
				continue
			}
		} else if c.destIsHop || c.final() == dest {
			continue
		}
		if best == nil || (c.state == StateEstablished && best.state != StateEstablished) {
			best = c
		}
	}
	return best
}

func (l *Layer) liveCountLocked() int {
	n := 0
	for _, c := range l.circuits {
		if c.live() {
			n++
		}
	}
	return n
}

// CircuitCount returns the number of origin circuits building or established.
func (l *Layer) CircuitCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.liveCountLocked()
}

// Circuits returns a snapshot of the origin circuits.
func (l *Layer) Circuits() []CircuitInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CircuitInfo, 0, len(l.circuits))
	for _, c := range l.circuits {
		info := CircuitInfo{
			ID:       c.id,
			State:    c.state,
			Built:    len(c.hops),
			Created:  c.created,
			LastUsed: c.lastUsed,
		}
		for _, h := range c.plan {
			info.Hops = append(info.Hops, h.id)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseCircuit closes the origin circuit id. Its keys are released by the
// next Poll.
func (l *Layer) CloseCircuit(id uint32) error {
	l.mu.Lock()
	c, ok := l.circuits[id]
	if !ok || !c.live() {
		l.mu.Unlock()
		return fmt.Errorf("%w: no circuit %d", errcode.InvalidArgument, id)
	}
	l.closeCircuitLocked(c, ReasonClosed)
	return l.flushLocked()
}

// planLocked picks hops for a circuit to dest. Every hop needs a known key:
// hopCount relays, or hopCount-1 relays followed by dest when dest's key is
// known.
func (l *Layer) planLocked(dest identity.NodeID, excluded map[identity.NodeID]bool) ([]hopPlan, bool, error) {
	n := l.hopCount
	destKey, destKnown := l.peerKeys[dest]
	relays := n
	if destKnown {
		relays = n - 1
	}

	type scored struct {
		hopPlan
		score float64
	}
	var cands []scored
	for id, key := range l.peerKeys {
		if id == l.local || id == dest || excluded[id] {
			continue
		}
		s := scored{hopPlan: hopPlan{id: id, key: key}}
		if l.conn != nil && l.conn.IsConnected(id) {
			s.score++
		}
		if l.live != nil {
			s.score += l.live.Liveness(id)
		}
		cands = append(cands, s)
	}
	if len(cands) < relays || (destKnown && excluded[dest]) {
		return nil, false, fmt.Errorf("%w: %d usable peer keys for a %d hop circuit",
			errcode.NoCircuit, len(cands), n)
	}

	rand.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

	plan := make([]hopPlan, 0, n)
	for _, c := range cands[:relays] {
		plan = append(plan, c.hopPlan)
	}
	if destKnown {
		plan = append(plan, hopPlan{id: dest, key: destKey})
	}
	return plan, destKnown, nil
}

// buildLocked starts a new circuit toward dest, or restarts prev after a
// failed attempt.
func (l *Layer) buildLocked(dest identity.NodeID, prev *circuit) (*circuit, error) {
	excluded := map[identity.NodeID]bool{}
	attempts := 0
	var pending []pendingPayload
	if prev != nil {
		excluded, attempts, pending = prev.excluded, prev.attempts, prev.pending
	}
	plan, destIsHop, err := l.planLocked(dest, excluded)
	if err != nil {
		return nil, err
	}

	c := &circuit{
		id:        l.allocCircLocked(plan[0].id),
		state:     StateBuilding,
		plan:      plan,
		dest:      dest,
		destIsHop: destIsHop,
		created:   l.now,
		lastUsed:  l.now,
		attempts:  attempts,
		excluded:  excluded,
		pending:   pending,
	}
	init, msg1, err := l.cctx.NewInitiator(plan[0].key)
	if err != nil {
		return nil, err
	}
	c.init = init
	c.deadline = l.now + l.cfg.HopTimeout
	l.circuits[c.id] = c
	l.originLinks[linkKey{peer: plan[0].id, circ: c.id}] = c
	l.sendLocked(plan[0].id, &cell{typ: cellCreate, circ: c.id, body: msg1}, c)

	l.logger.WithFields(logrus.Fields{
		"function": "build",
		"circuit":  c.id,
		"hops":     len(plan),
		"attempt":  attempts + 1,
	}).Debug("Building circuit")
	return c, nil
}

func (l *Layer) newHop(id identity.NodeID, keys *crypto.HopKeys) *hop {
	cache, _ := lru.New[uint64, struct{}](l.cfg.ReplayWindow)
	return &hop{id: id, keys: keys, replay: cache}
}

func (l *Layer) handleCreatedLocked(c *circuit, msg2 []byte) {
	if c.state != StateBuilding || len(c.hops) != 0 || c.init == nil {
		return
	}
	keys, err := c.init.Finish(msg2)
	c.init = nil
	if err != nil {
		l.buildFailedLocked(c, c.plan[0].id, err)
		return
	}
	c.hops = append(c.hops, l.newHop(c.plan[0].id, keys))
	l.extendLocked(c)
}

// extendLocked asks the last built hop to extend to the next planned one,
// or marks the circuit established when the plan is complete.
func (l *Layer) extendLocked(c *circuit) {
	if len(c.hops) == len(c.plan) {
		c.state = StateEstablished
		c.init = nil
		c.lastUsed = l.now
		c.nextCover = l.now + l.coverDelayLocked()
		l.stats.CircuitsBuilt++
		l.logger.WithFields(logrus.Fields{
			"function": "extend",
			"circuit":  c.id,
			"hops":     len(c.hops),
		}).Info("Circuit established")

		pending := c.pending
		c.pending = nil
		for _, p := range pending {
			if err := l.sendDataLocked(c, p); err != nil {
				l.failures = append(l.failures, err)
			}
		}
		return
	}

	next := c.plan[len(c.hops)]
	init, msg1, err := l.cctx.NewInitiator(next.key)
	if err != nil {
		l.buildFailedLocked(c, next.id, err)
		return
	}
	body, err := l.wrapLocked(c, len(c.hops)-1, cmdExtend, encodeExtend(next.id, msg1))
	if err != nil {
		l.buildFailedLocked(c, next.id, err)
		return
	}
	c.init = init
	c.deadline = l.now + l.cfg.HopTimeout
	l.sendLocked(c.hops[0].id, &cell{typ: cellRelay, circ: c.id, body: body}, c)
}

// wrapLocked builds a forward relay body whose command is read by hop
// target. The command area grows for nearer hops so every cell on the first
// link has the same size.
func (l *Layer) wrapLocked(c *circuit, target int, cmd command, data []byte) ([]byte, error) {
	area := limits.OnionCommandArea + (len(c.plan)-1-target)*limits.OnionLayerOverhead
	body, err := encodeCommand(cmd, data, area)
	if err != nil {
		return nil, err
	}
	marker := markerCommand
	for i := target; i >= 0; i-- {
		h := c.hops[i]
		sealed, err := sealLayer(h.keys.Forward, h.fwdNonce, marker, body)
		crypto.ZeroBytes(body)
		if err != nil {
			return nil, err
		}
		h.fwdNonce++
		body = sealed
		marker = markerForward
	}
	return body, nil
}

func (l *Layer) sendDataLocked(c *circuit, p pendingPayload) error {
	body, err := l.wrapLocked(c, len(c.hops)-1, cmdData, encodeData(p.dest, p.payload))
	if err != nil {
		return err
	}
	c.lastUsed = l.now
	l.sendLocked(c.hops[0].id, &cell{typ: cellRelay, circ: c.id, body: body}, c)
	return nil
}

func (l *Layer) sendCoverLocked(c *circuit) error {
	filler := make([]byte, identity.Len+limits.MaxOnionPayload)
	if err := l.cctx.Random(filler); err != nil {
		return err
	}
	body, err := l.wrapLocked(c, len(c.hops)-1, cmdCover, filler)
	if err != nil {
		return err
	}
	l.stats.CoverSent++
	l.sendLocked(c.hops[0].id, &cell{typ: cellRelay, circ: c.id, body: body}, c)
	return nil
}

// handleRelayBackLocked peels backward layers until a hop's command appears.
func (l *Layer) handleRelayBackLocked(c *circuit, body []byte) {
	if !c.live() {
		return
	}
	for i, h := range c.hops {
		nonce, marker, inner, err := openLayer(h.keys.Backward, body)
		if err != nil {
			l.logger.WithFields(logrus.Fields{
				"function": "relayBack",
				"circuit":  c.id,
				"hop":      i,
			}).Warn("Backward layer failed to open")
			return
		}
		if h.replay.Contains(nonce) {
			return
		}
		h.replay.Add(nonce, struct{}{})
		if marker == markerForward {
			body = inner
			continue
		}

		cmd, data, err := decodeCommand(inner)
		if err != nil {
			return
		}
		l.handleHopCommandLocked(c, i, cmd, data)
		return
	}
}

func (l *Layer) handleHopCommandLocked(c *circuit, from int, cmd command, data []byte) {
	if c.state != StateBuilding || from != len(c.hops)-1 || c.init == nil {
		return
	}
	next := c.plan[len(c.hops)]
	switch cmd {
	case cmdExtended:
		keys, err := c.init.Finish(data)
		c.init = nil
		if err != nil {
			l.buildFailedLocked(c, next.id, err)
			return
		}
		c.hops = append(c.hops, l.newHop(next.id, keys))
		l.extendLocked(c)
	case cmdExtendFailed:
		l.buildFailedLocked(c, next.id, fmt.Errorf("%w: %s could not reach %s",
			errcode.NoCircuit, c.hops[from].id.Short(), next.id.Short()))
	}
}

// buildFailedLocked abandons the current attempt, blaming culprit, and
// retries with a fresh selection while attempts remain.
func (l *Layer) buildFailedLocked(c *circuit, culprit identity.NodeID, cause error) {
	l.stats.BuildFailures++
	l.teardownLocked(c, ReasonProtocol)
	c.state = StateFailed
	c.attempts++
	c.excluded[culprit] = true

	log := l.logger.WithFields(logrus.Fields{
		"function": "buildFailed",
		"circuit":  c.id,
		"culprit":  culprit.Short(),
		"attempts": c.attempts,
		"error":    cause.Error(),
	})
	if c.attempts < l.cfg.MaxBuildRetries {
		if _, err := l.buildLocked(c.dest, c); err == nil {
			log.Debug("Circuit build failed, retrying")
			c.pending = nil
			return
		}
	}
	log.Warn("Circuit build abandoned")
	l.dropPendingLocked(c, fmt.Errorf("%w: building circuit to %s: %v", errcode.NoCircuit, c.dest.Short(), cause))
	c.state = StateClosed
}

// failCircuitLocked ends a circuit after an error it cannot recover from.
// A building circuit is retried without culprit, or without the hop being
// added when culprit is zero.
func (l *Layer) failCircuitLocked(c *circuit, culprit identity.NodeID, cause error) {
	if c.state == StateBuilding {
		if culprit.IsZero() {
			culprit = c.plan[len(c.hops)].id
		}
		l.buildFailedLocked(c, culprit, cause)
		return
	}
	l.teardownLocked(c, ReasonProtocol)
	l.dropPendingLocked(c, cause)
	c.state = StateClosed
}

// closeCircuitLocked stops all traffic on c and tells its first hop. Keys
// are released by the next Poll.
func (l *Layer) closeCircuitLocked(c *circuit, reason DestroyReason) {
	if !c.live() {
		return
	}
	if len(c.hops) > 0 || c.init != nil {
		l.sendLocked(c.plan[0].id, &cell{typ: cellDestroy, circ: c.id, body: []byte{byte(reason)}}, nil)
	}
	c.state = StateClosing
	c.closeReason = reason
	l.dropPendingLocked(c, fmt.Errorf("%w: circuit %d closed", errcode.NoCircuit, c.id))
}

// releaseLocked finishes closing c.
func (l *Layer) releaseLocked(c *circuit) {
	l.teardownLocked(c, c.closeReason)
	c.state = StateClosed
}

// teardownLocked forgets the circuit and releases its keys.
func (l *Layer) teardownLocked(c *circuit, reason DestroyReason) {
	if c.state == StateBuilding && reason == ReasonProtocol {
		l.sendLocked(c.plan[0].id, &cell{typ: cellDestroy, circ: c.id, body: []byte{byte(reason)}}, nil)
	}
	for _, h := range c.hops {
		h.keys.Release()
	}
	c.hops = nil
	c.init = nil
	delete(l.circuits, c.id)
	delete(l.originLinks, linkKey{peer: c.plan[0].id, circ: c.id})
}

func (l *Layer) dropPendingLocked(c *circuit, err error) {
	if len(c.pending) == 0 {
		return
	}
	for _, p := range c.pending {
		crypto.ZeroBytes(p.payload)
	}
	c.pending = nil
	l.failures = append(l.failures, err)
}
