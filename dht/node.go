package dht

import "github.com/opd-ai/cyxwiz/identity"

// NodeStatus represents what the DHT last learned about a node's liveness.
type NodeStatus uint8

const (
	StatusUnknown NodeStatus = iota
	StatusBad
	StatusGood
)

func (s NodeStatus) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusBad:
		return "bad"
	default:
		return "unknown"
	}
}

// PingStats tracks ping statistics for a node. Times are milliseconds.
type PingStats struct {
	LastPingSent     uint64
	LastPingReceived uint64
	PingCount        uint32
	SuccessCount     uint32
	FailureCount     uint32
}

// Node is a peer known to the DHT.
type Node struct {
	ID        identity.NodeID
	FirstSeen uint64
	LastSeen  uint64
	Status    NodeStatus
	PingStats PingStats

	// outstanding liveness probe, zero when none
	probeTx       uint32
	probeDeadline uint64
	// consecutive unanswered probes
	failures int
}

// NewNode creates a node first seen at nowMs.
func NewNode(id identity.NodeID, nowMs uint64) *Node {
	return &Node{
		ID:        id,
		FirstSeen: nowMs,
		LastSeen:  nowMs,
		Status:    StatusUnknown,
	}
}

// Distance calculates the XOR distance between this node and target.
func (n *Node) Distance(target identity.NodeID) identity.NodeID {
	return identity.Distance(n.ID, target)
}

// IsActive checks if the node has been seen within timeoutMs of nowMs.
func (n *Node) IsActive(nowMs, timeoutMs uint64) bool {
	return nowMs < n.LastSeen+timeoutMs
}

// Update marks the node as seen at nowMs with status.
func (n *Node) Update(nowMs uint64, status NodeStatus) {
	if nowMs > n.LastSeen {
		n.LastSeen = nowMs
	}
	n.Status = status
}

// RecordPingSent marks that a probe went out at nowMs.
func (n *Node) RecordPingSent(nowMs uint64, txid uint32, deadline uint64) {
	n.PingStats.LastPingSent = nowMs
	n.PingStats.PingCount++
	n.probeTx = txid
	n.probeDeadline = deadline
}

// RecordPingResponse records the outcome of the outstanding probe.
func (n *Node) RecordPingResponse(nowMs uint64, success bool) {
	n.probeTx = 0
	n.probeDeadline = 0
	if success {
		n.PingStats.LastPingReceived = nowMs
		n.PingStats.SuccessCount++
		n.failures = 0
		n.Update(nowMs, StatusGood)
		return
	}
	n.PingStats.FailureCount++
	n.failures++
	if n.PingStats.FailureCount > n.PingStats.SuccessCount {
		n.Status = StatusBad
	}
}

// probing reports whether a liveness probe is outstanding.
func (n *Node) probing() bool {
	return n.probeTx != 0
}

// Reliability returns a score in [0, 1]. Nodes never probed score 0.5.
func (n *Node) Reliability() float64 {
	answered := n.PingStats.SuccessCount + n.PingStats.FailureCount
	if answered == 0 {
		if n.Status == StatusGood {
			return 1
		}
		return 0.5
	}
	return float64(n.PingStats.SuccessCount) / float64(answered)
}
