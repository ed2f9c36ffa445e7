package onion

import (
	"fmt"
	"sort"
	"time"

	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

func elapsed(now, since uint64) uint64 {
	if now < since {
		return 0
	}
	return now - since
}

// Poll times out stalled builds, expires old or idle circuits and relay
// state, and emits cover traffic when enabled. It returns the failures seen
// since the previous Poll, combined.
func (l *Layer) Poll(nowMs uint64) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("%w: onion layer closed", errcode.NotStarted)
	}
	if nowMs > l.now {
		l.now = nowMs
	}

	for _, c := range l.sortedCircuitsLocked() {
		switch c.state {
		case StateBuilding:
			if l.now >= c.deadline {
				l.buildFailedLocked(c, c.plan[len(c.hops)].id,
					fmt.Errorf("%w: hop %d did not answer within %dms", errcode.NoCircuit, len(c.hops)+1, l.cfg.HopTimeout))
			}
		case StateEstablished:
			if elapsed(l.now, c.created) >= l.cfg.CircuitLifetime || elapsed(l.now, c.lastUsed) >= l.cfg.CircuitIdle {
				l.logger.WithFields(logrus.Fields{
					"function": "Poll",
					"circuit":  c.id,
				}).Debug("Circuit expired")
				l.closeCircuitLocked(c, ReasonTimeout)
			}
		case StateClosing:
			l.releaseLocked(c)
		}
	}

	for _, rl := range l.relays {
		if elapsed(l.now, rl.lastActive) >= l.cfg.RelayIdle {
			l.dropRelayLocked(rl, ReasonTimeout, identity.Zero)
		}
	}

	if l.cover {
		l.emitCoverLocked()
	}

	failures := l.failures
	l.failures = nil
	if err := l.flushLocked(); err != nil {
		failures = append(failures, err)
	}
	return multierr.Combine(failures...)
}

func (l *Layer) sortedCircuitsLocked() []*circuit {
	out := make([]*circuit, 0, len(l.circuits))
	for _, c := range l.circuits {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// emitCoverLocked sends a dummy cell on every established circuit whose
// timer is due, within the shared rate budget.
func (l *Layer) emitCoverLocked() {
	at := time.UnixMilli(int64(l.now))
	for _, c := range l.sortedCircuitsLocked() {
		if c.state != StateEstablished || l.now < c.nextCover {
			continue
		}
		c.nextCover = l.now + l.coverDelayLocked()
		if !l.limiter.AllowN(at, 1) {
			continue
		}
		if err := l.sendCoverLocked(c); err != nil {
			l.logger.WithFields(logrus.Fields{
				"function": "emitCover",
				"circuit":  c.id,
				"error":    err.Error(),
			}).Debug("Cover cell not sent")
		}
	}
}
