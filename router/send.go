package router

import (
	"fmt"

	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/limits"
	"github.com/opd-ai/cyxwiz/transport"
	"github.com/sirupsen/logrus"
)

// outbound is a frame this node is responsible for moving one hop further.
type outbound struct {
	frame  *dataFrame
	origin bool
	from   identity.NodeID // previous hop, zero when originated here
	queued uint64
}

type destQueue struct {
	items []*outbound
}

type inflight struct {
	out       *outbound
	nextHop   identity.NodeID
	attempts  int
	nextRetry uint64
}

// Send delivers payload to dest as application data.
func (r *Router) Send(dest identity.NodeID, payload []byte) error {
	return r.SendProto(dest, ProtoData, payload)
}

// SendProto delivers payload to the endpoint registered for proto on dest.
// It returns once the payload is accepted; delivery failures are reported by
// a later Poll and the endpoint's OnFailure.
func (r *Router) SendProto(dest identity.NodeID, proto Protocol, payload []byte) error {
	if dest.IsZero() || dest == r.local {
		return fmt.Errorf("%w: invalid destination %s", errcode.InvalidArgument, dest.Short())
	}
	if err := limits.ValidateRouterPayload(payload); err != nil {
		return fmt.Errorf("%w: %v", errcode.InvalidArgument, err)
	}

	r.mu.Lock()
	if r.state != StateActive {
		r.mu.Unlock()
		return fmt.Errorf("%w: router is %s", errcode.NotStarted, r.state)
	}
	if q := r.queues[dest]; q != nil && len(q.items) >= r.cfg.MaxQueuePerDest {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d payloads already queued for %s", errcode.OutOfMemory, len(q.items), dest.Short())
	}

	seq := r.nextSeq[dest] + 1
	if seq == 0 {
		seq = 1
	}
	r.nextSeq[dest] = seq

	out := &outbound{
		frame: &dataFrame{
			epoch:   r.epoch,
			seq:     seq,
			src:     r.local,
			dst:     dest,
			ttl:     r.cfg.MaxTTL,
			proto:   proto,
			payload: append([]byte(nil), payload...),
		},
		origin: true,
		queued: r.now,
	}
	r.enqueueLocked(out, false)
	r.flushLocked(dest)
	r.unlockAndRun()
	return nil
}

func (r *Router) enqueueLocked(out *outbound, front bool) {
	dest := out.frame.dst
	q := r.queues[dest]
	if q == nil {
		q = &destQueue{}
		r.queues[dest] = q
	}
	if front {
		q.items = append([]*outbound{out}, q.items...)
		return
	}
	q.items = append(q.items, out)
}

// flushLocked transmits queued frames for dest in order while a next hop is
// known, and starts route discovery when one is not.
func (r *Router) flushLocked(dest identity.NodeID) {
	q := r.queues[dest]
	if q == nil {
		return
	}
	for len(q.items) > 0 {
		out := q.items[0]
		hop, ok := r.nextHopLocked(dest, out.from)
		if !ok {
			r.startDiscoveryLocked(dest)
			return
		}
		q.items[0] = nil
		q.items = q.items[1:]
		r.transmitLocked(out, hop)
	}
	delete(r.queues, dest)
}

// nextHopLocked picks the neighbour to hand a frame for dest to, never
// choosing exclude.
func (r *Router) nextHopLocked(dest, exclude identity.NodeID) (identity.NodeID, bool) {
	if dest != exclude && r.peers.IsConnected(dest) {
		return dest, true
	}
	if e, ok := r.validRouteLocked(dest); ok && e.NextHop != exclude {
		return e.NextHop, true
	}
	if r.hinter == nil {
		return identity.Zero, false
	}
	for _, c := range r.hinter.SuggestNextHops(dest, r.cfg.HintFanout) {
		if c == exclude || c == r.local || !r.peers.IsConnected(c) {
			continue
		}
		if identity.CloserTo(dest, c, r.local) {
			return c, true
		}
	}
	return identity.Zero, false
}

func (r *Router) validRouteLocked(dest identity.NodeID) (RouteEntry, bool) {
	e, ok := r.routes.Get(dest)
	if !ok {
		return RouteEntry{}, false
	}
	if r.now >= e.Expires || !r.peers.IsConnected(e.NextHop) {
		r.routes.Remove(dest)
		return RouteEntry{}, false
	}
	return e, true
}

func (r *Router) learnRouteLocked(dest, via identity.NodeID, hops uint8) {
	if dest == r.local || dest == via || !r.peers.IsConnected(via) {
		return
	}
	if e, ok := r.validRouteLocked(dest); ok && e.Hops < hops {
		return
	}
	r.routes.Add(dest, RouteEntry{
		Dest:    dest,
		NextHop: via,
		Hops:    hops,
		Learned: r.now,
		Expires: r.now + r.cfg.RouteTTL,
	})
}

func (r *Router) invalidateRouteLocked(dest, via identity.NodeID) {
	if e, ok := r.routes.Peek(dest); ok && (via.IsZero() || e.NextHop == via) {
		r.routes.Remove(dest)
	}
}

func (r *Router) transmitLocked(out *outbound, hop identity.NodeID) {
	key := out.frame.key()
	r.inflight[key] = &inflight{
		out:       out,
		nextHop:   hop,
		attempts:  1,
		nextRetry: r.now + r.cfg.RetryBase,
	}
	r.sendFrameLocked(out.frame, hop)
}

func (r *Router) sendFrameLocked(f *dataFrame, hop identity.NodeID) {
	pkt := &transport.Packet{PacketType: transport.PacketRouteData, Data: f.marshal()}
	if err := r.tr.Send(hop, pkt); err != nil {
		r.logger.WithFields(logrus.Fields{
			"function": "sendFrame",
			"dest":     f.dst.Short(),
			"next_hop": hop.Short(),
			"seq":      f.seq,
			"error":    err.Error(),
		}).Debug("Transport send failed, will retry")
	}
}

func (r *Router) backoff(attempts int) uint64 {
	d := r.cfg.RetryBase
	for i := 1; i < attempts && d < r.cfg.RetryMax; i++ {
		d *= 2
	}
	if d > r.cfg.RetryMax {
		d = r.cfg.RetryMax
	}
	return d
}

// giveUpLocked handles a frame whose next hop never acknowledged it.
func (r *Router) giveUpLocked(inf *inflight) {
	f := inf.out.frame
	r.invalidateRouteLocked(f.dst, inf.nextHop)

	r.logger.WithFields(logrus.Fields{
		"function": "giveUp",
		"dest":     f.dst.Short(),
		"next_hop": inf.nextHop.Short(),
		"attempts": inf.attempts,
	}).Warn("Delivery abandoned after retry ceiling")

	if inf.out.origin {
		r.failLocked(f.proto, f.dst, fmt.Errorf("%w: %s did not acknowledge after %d attempts",
			errcode.PeerUnreachable, inf.nextHop.Short(), inf.attempts))
		return
	}
	r.sendErrorLocked(f, identity.Zero)
}

// sendErrorLocked reports an undeliverable forwarded frame back toward its origin.
func (r *Router) sendErrorLocked(f *dataFrame, exclude identity.NodeID) {
	ef := &errorFrame{src: f.src, dst: f.dst, epoch: f.epoch, seq: f.seq, proto: f.proto}
	hop, ok := r.nextHopLocked(f.src, exclude)
	if !ok {
		return
	}
	_ = r.tr.Send(hop, &transport.Packet{PacketType: transport.PacketRouteError, Data: ef.marshal()})
}

// failQueueLocked drops everything queued for dest with err.
func (r *Router) failQueueLocked(dest identity.NodeID, err error) {
	q := r.queues[dest]
	delete(r.queues, dest)
	if q == nil {
		return
	}
	for _, out := range q.items {
		if out.origin {
			r.failLocked(out.frame.proto, dest, err)
		} else {
			r.sendErrorLocked(out.frame, identity.Zero)
		}
	}
}
