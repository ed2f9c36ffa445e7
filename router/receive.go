package router

import (
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/opd-ai/cyxwiz/transport"
	"github.com/sirupsen/logrus"
)

// rxState resequences frames from one origin.
type rxState struct {
	epoch    uint32
	next     uint32
	buf      map[uint32]*dataFrame
	gapSince uint64
}

func (r *Router) handleData(pkt *transport.Packet, from identity.NodeID) error {
	r.mu.Lock()
	defer r.unlockAndRun()
	if r.state != StateActive {
		return nil
	}
	r.peers.Touch(from, r.now)

	f, err := parseDataFrame(pkt.Data)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"function": "handleData",
			"from":     from.Short(),
			"error":    err.Error(),
		}).Debug("Dropping malformed frame")
		return err
	}
	if f.src == r.local {
		return nil
	}

	key := f.key()
	_ = r.tr.Send(from, &transport.Packet{PacketType: transport.PacketRouteAck, Data: marshalAck(key)})
	if f.ttl <= r.cfg.MaxTTL {
		r.learnRouteLocked(f.src, from, r.cfg.MaxTTL-f.ttl+1)
	}

	if f.dst == r.local {
		r.receiveLocked(f)
		return nil
	}

	if r.seen.Contains(key) {
		return nil
	}
	r.seen.Add(key, struct{}{})
	if f.ttl <= 1 {
		r.logger.WithFields(logrus.Fields{
			"function": "handleData",
			"src":      f.src.Short(),
			"dest":     f.dst.Short(),
		}).Debug("Hop limit reached, dropping frame")
		return nil
	}
	f.ttl--

	if q := r.queues[f.dst]; q != nil && len(q.items) >= r.cfg.MaxQueuePerDest {
		r.sendErrorLocked(f, identity.Zero)
		return nil
	}
	r.enqueueLocked(&outbound{frame: f, from: from, queued: r.now}, false)
	r.flushLocked(f.dst)
	return nil
}

func (r *Router) handleAck(pkt *transport.Packet, from identity.NodeID) error {
	r.mu.Lock()
	defer r.unlockAndRun()
	if r.state != StateActive {
		return nil
	}
	r.peers.Touch(from, r.now)

	key, err := parseAck(pkt.Data)
	if err != nil {
		return err
	}
	if inf, ok := r.inflight[key]; ok && inf.nextHop == from {
		delete(r.inflight, key)
	}
	return nil
}

// receiveLocked delivers frames addressed to this node in per-origin order.
func (r *Router) receiveLocked(f *dataFrame) {
	st, ok := r.rx.Get(f.src)
	if !ok || st.epoch != f.epoch {
		st = &rxState{epoch: f.epoch, next: 1, buf: make(map[uint32]*dataFrame)}
		r.rx.Add(f.src, st)
	}

	switch {
	case f.seq < st.next:
		return
	case f.seq == st.next:
		r.deliverLocked(f.proto, f.src, f.payload)
		st.next++
		r.drainLocked(st)
	default:
		if _, dup := st.buf[f.seq]; dup {
			return
		}
		if len(st.buf) == 0 {
			st.gapSince = r.now
		}
		st.buf[f.seq] = f
		if len(st.buf) > r.cfg.ReorderWindow {
			r.skipGapLocked(st)
		}
	}
}

func (r *Router) drainLocked(st *rxState) {
	for {
		f, ok := st.buf[st.next]
		if !ok {
			break
		}
		delete(st.buf, st.next)
		r.deliverLocked(f.proto, f.src, f.payload)
		st.next++
	}
	if len(st.buf) > 0 {
		st.gapSince = r.now
	}
}

// skipGapLocked gives up on the missing frames before the earliest buffered one.
func (r *Router) skipGapLocked(st *rxState) {
	first := true
	var min uint32
	for seq := range st.buf {
		if first || seq < min {
			min, first = seq, false
		}
	}
	if first {
		return
	}
	st.next = min
	r.drainLocked(st)
}

func (r *Router) reorderTimeoutsLocked() {
	for _, src := range r.rx.Keys() {
		st, ok := r.rx.Peek(src)
		if !ok || len(st.buf) == 0 {
			continue
		}
		if elapsed(r.now, st.gapSince) >= r.cfg.ReorderTimeout {
			r.skipGapLocked(st)
		}
	}
}
