package dht

import (
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/sirupsen/logrus"
)

func elapsed(now, since uint64) uint64 {
	if now < since {
		return 0
	}
	return now - since
}

// resolveChallengesLocked evicts challenged nodes that stayed silent and
// seats their candidates.
func (d *DHT) resolveChallengesLocked() {
	for idx, ch := range d.challenges {
		if d.now < ch.deadline {
			continue
		}
		delete(d.challenges, idx)
		d.table.Remove(ch.lrs)
		if d.table.Get(ch.candidate) == nil {
			d.table.Insert(NewNode(ch.candidate, d.now))
		}
		d.logger.WithFields(logrus.Fields{
			"function":  "resolveChallenges",
			"evicted":   ch.lrs.Short(),
			"candidate": ch.candidate.Short(),
			"bucket":    idx,
		}).Info("Unresponsive node replaced")
	}
}

func (d *DHT) challengedLocked(id identity.NodeID) bool {
	ch, ok := d.challenges[identity.BucketIndex(d.local, id)]
	return ok && ch.lrs == id
}

// probeLocked pings nodes idle for PingInterval and evicts those that miss
// MaxProbeFailures probes in a row.
func (d *DHT) probeLocked() {
	for _, n := range d.table.AllNodes() {
		if n.probing() {
			if d.now < n.probeDeadline {
				continue
			}
			n.RecordPingResponse(d.now, false)
			if n.failures >= d.cfg.MaxProbeFailures {
				d.removeLocked(n.ID)
				d.logger.WithFields(logrus.Fields{
					"function": "probe",
					"peer":     n.ID.Short(),
					"failures": n.failures,
				}).Info("Node failed liveness probes, removed")
				continue
			}
		}
		if d.challengedLocked(n.ID) || n.IsActive(d.now, d.cfg.PingInterval) {
			continue
		}
		tx := d.txLocked()
		n.RecordPingSent(d.now, tx, d.now+d.cfg.ProbeTimeout)
		d.queueLocked(n.ID, &message{typ: MsgPing, txid: tx})
	}
}

// refreshLocked looks up a random id inside the least recently touched
// non-empty bucket once per RefreshInterval.
func (d *DHT) refreshLocked() {
	if d.table.Len() == 0 || elapsed(d.now, d.lastRefresh) < d.cfg.RefreshInterval {
		return
	}
	d.lastRefresh = d.now

	stalest := -1
	for i, b := range d.table.kBuckets {
		if b.Len() == 0 {
			continue
		}
		if stalest < 0 || b.touched < d.table.kBuckets[stalest].touched {
			stalest = i
		}
	}
	if stalest < 0 {
		return
	}
	target, err := identity.RandomInBucket(d.local, stalest)
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"function": "refresh",
			"error":    err.Error(),
		}).Warn("Could not pick refresh target")
		return
	}
	d.logger.WithFields(logrus.Fields{
		"function": "refresh",
		"bucket":   stalest,
	}).Debug("Refreshing bucket")
	_ = d.startLookupLocked(target, nil)
}
