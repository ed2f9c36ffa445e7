package router

import (
	"fmt"

	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"go.uber.org/multierr"
)

// Poll advances retransmission timers, route discovery and reordering at
// nowMs. It returns the delivery failures detected since the previous Poll,
// combined; the router remains usable whatever it returns.
func (r *Router) Poll(nowMs uint64) error {
	r.mu.Lock()
	if r.state != StateActive {
		if r.release {
			r.releaseLocked()
		}
		r.mu.Unlock()
		return fmt.Errorf("%w: router is idle", errcode.NotStarted)
	}
	if nowMs > r.now {
		r.now = nowMs
	}

	r.retransmitLocked()
	r.advanceDiscoveriesLocked()
	for dest := range r.queues {
		if _, finding := r.finding[dest]; !finding {
			r.flushLocked(dest)
		}
	}
	r.reorderTimeoutsLocked()
	r.expireRoutesLocked()

	failures := r.failures
	r.failures = nil
	r.unlockAndRun()
	return multierr.Combine(failures...)
}

func (r *Router) retransmitLocked() {
	for key, inf := range r.inflight {
		if r.now < inf.nextRetry {
			continue
		}
		if !r.peers.IsConnected(inf.nextHop) {
			// next hop left; route the frame again from the head of its queue
			delete(r.inflight, key)
			r.invalidateRouteLocked(inf.out.frame.dst, inf.nextHop)
			r.enqueueLocked(inf.out, true)
			continue
		}
		if inf.attempts >= r.cfg.MaxAttempts {
			delete(r.inflight, key)
			r.giveUpLocked(inf)
			continue
		}
		inf.attempts++
		inf.nextRetry = r.now + r.backoff(inf.attempts)
		r.sendFrameLocked(inf.out.frame, inf.nextHop)
	}
}

func (r *Router) expireRoutesLocked() {
	for _, dest := range r.routes.Keys() {
		r.validRouteLocked(dest)
	}
}

// peerRemoved drops routes through a neighbour that left the peer table.
func (r *Router) peerRemoved(id identity.NodeID) {
	r.mu.Lock()
	defer r.unlockAndRun()
	if r.closed {
		return
	}
	for _, dest := range r.routes.Keys() {
		if e, ok := r.routes.Peek(dest); ok && (e.NextHop == id || dest == id) {
			r.routes.Remove(dest)
		}
	}
}
