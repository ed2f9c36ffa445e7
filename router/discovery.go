package router

import (
	"fmt"
	"time"

	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/transport"
	"github.com/sirupsen/logrus"
)

type reqKey struct {
	origin identity.NodeID
	id     uint32
}

// discovery tracks an outstanding route request flood for one destination.
type discovery struct {
	reqID     uint32
	started   uint64
	lastFlood uint64
}

func elapsed(now, since uint64) uint64 {
	if now < since {
		return 0
	}
	return now - since
}

func (r *Router) allowRequestLocked() bool {
	return r.limiter.AllowN(time.UnixMilli(int64(r.now)), 1)
}

func (r *Router) startDiscoveryLocked(dest identity.NodeID) {
	if _, ok := r.finding[dest]; ok {
		return
	}
	d := &discovery{started: r.now}
	r.finding[dest] = d
	r.logger.WithFields(logrus.Fields{
		"function": "startDiscovery",
		"dest":     dest.Short(),
	}).Debug("No route, flooding route request")
	r.floodLocked(dest, d)
}

func (r *Router) floodLocked(dest identity.NodeID, d *discovery) {
	d.lastFlood = r.now
	if !r.allowRequestLocked() {
		return
	}
	r.reqID++
	d.reqID = r.reqID
	req := &requestFrame{reqID: d.reqID, origin: r.local, target: dest, ttl: r.cfg.MaxTTL}
	r.seenReq.Add(reqKey{origin: r.local, id: d.reqID}, struct{}{})
	r.broadcastLocked(req, identity.Zero)
}

func (r *Router) broadcastLocked(req *requestFrame, except identity.NodeID) {
	pkt := &transport.Packet{PacketType: transport.PacketRouteRequest, Data: req.marshal()}
	for _, n := range r.peers.Connected() {
		if n == except || n == req.origin {
			continue
		}
		_ = r.tr.Send(n, pkt)
	}
}

// advanceDiscoveriesLocked completes, re-floods or expires outstanding requests.
func (r *Router) advanceDiscoveriesLocked() {
	for dest, d := range r.finding {
		if _, ok := r.nextHopLocked(dest, identity.Zero); ok {
			delete(r.finding, dest)
			r.flushLocked(dest)
			continue
		}
		if elapsed(r.now, d.started) >= r.cfg.DiscoveryWindow {
			delete(r.finding, dest)
			r.failQueueLocked(dest, fmt.Errorf("%w: no path to %s within %dms",
				errcode.NoRoute, dest.Short(), r.cfg.DiscoveryWindow))
			continue
		}
		if elapsed(r.now, d.lastFlood) >= r.cfg.RequestInterval {
			r.floodLocked(dest, d)
		}
	}
}

func (r *Router) handleRequest(pkt *transport.Packet, from identity.NodeID) error {
	r.mu.Lock()
	defer r.unlockAndRun()
	if r.state != StateActive {
		return nil
	}
	r.peers.Touch(from, r.now)

	req, err := parseRequest(pkt.Data)
	if err != nil {
		return err
	}
	if req.origin == r.local || req.origin.IsZero() {
		return nil
	}
	key := reqKey{origin: req.origin, id: req.reqID}
	if r.seenReq.Contains(key) {
		return nil
	}
	r.seenReq.Add(key, struct{}{})
	r.learnRouteLocked(req.origin, from, req.hops+1)

	reply := &replyFrame{reqID: req.reqID, origin: req.origin, target: req.target}
	switch {
	case req.target == r.local:
	case req.target != from && r.peers.IsConnected(req.target):
		reply.hops = 1
	default:
		if req.ttl <= 1 || !r.allowRequestLocked() {
			return nil
		}
		req.ttl--
		req.hops++
		r.broadcastLocked(req, from)
		return nil
	}
	return r.tr.Send(from, &transport.Packet{PacketType: transport.PacketRouteReply, Data: reply.marshal()})
}

func (r *Router) handleReply(pkt *transport.Packet, from identity.NodeID) error {
	r.mu.Lock()
	defer r.unlockAndRun()
	if r.state != StateActive {
		return nil
	}
	r.peers.Touch(from, r.now)

	reply, err := parseReply(pkt.Data)
	if err != nil {
		return err
	}
	r.learnRouteLocked(reply.target, from, reply.hops+1)

	if reply.origin == r.local {
		if _, ok := r.finding[reply.target]; ok {
			delete(r.finding, reply.target)
			r.logger.WithFields(logrus.Fields{
				"function": "handleReply",
				"dest":     reply.target.Short(),
				"hops":     reply.hops + 1,
			}).Debug("Route discovered")
		}
		r.flushLocked(reply.target)
		return nil
	}

	hop, ok := r.nextHopLocked(reply.origin, from)
	if !ok {
		return nil
	}
	reply.hops++
	return r.tr.Send(hop, &transport.Packet{PacketType: transport.PacketRouteReply, Data: reply.marshal()})
}

func (r *Router) handleRouteError(pkt *transport.Packet, from identity.NodeID) error {
	r.mu.Lock()
	defer r.unlockAndRun()
	if r.state != StateActive {
		return nil
	}
	r.peers.Touch(from, r.now)

	ef, err := parseError(pkt.Data)
	if err != nil {
		return err
	}
	r.invalidateRouteLocked(ef.dst, from)

	if ef.src != r.local {
		hop, ok := r.nextHopLocked(ef.src, from)
		if ok {
			_ = r.tr.Send(hop, pkt)
		}
		return nil
	}
	if ef.epoch != r.epoch {
		return nil
	}
	r.failLocked(ef.proto, ef.dst, fmt.Errorf("%w: path to %s broke after %s",
		errcode.PeerUnreachable, ef.dst.Short(), from.Short()))
	return nil
}
