package dht

import (
	"container/heap"

	"github.com/opd-ai/cyxwiz/identity"
)

// KBucket holds up to maxSize nodes ordered from least to most recently seen.
type KBucket struct {
	nodes   []*Node
	maxSize int
	// last time a node in this bucket was seen or inserted
	touched uint64
}

// NewKBucket creates a new k-bucket with the specified maximum size.
func NewKBucket(maxSize int) *KBucket {
	return &KBucket{
		nodes:   make([]*Node, 0, maxSize),
		maxSize: maxSize,
	}
}

func (kb *KBucket) indexOf(id identity.NodeID) int {
	for i, n := range kb.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// Get returns the node with id, or nil.
func (kb *KBucket) Get(id identity.NodeID) *Node {
	if i := kb.indexOf(id); i >= 0 {
		return kb.nodes[i]
	}
	return nil
}

// Full reports whether the bucket is at capacity.
func (kb *KBucket) Full() bool {
	return len(kb.nodes) >= kb.maxSize
}

// Insert appends node as most recently seen. It reports false when the
// bucket is full or already holds the id.
func (kb *KBucket) Insert(node *Node) bool {
	if kb.Full() || kb.indexOf(node.ID) >= 0 {
		return false
	}
	kb.nodes = append(kb.nodes, node)
	kb.touched = node.LastSeen
	return true
}

// MoveToTail marks id as most recently seen at nowMs.
func (kb *KBucket) MoveToTail(id identity.NodeID, nowMs uint64) *Node {
	i := kb.indexOf(id)
	if i < 0 {
		return nil
	}
	n := kb.nodes[i]
	copy(kb.nodes[i:], kb.nodes[i+1:])
	kb.nodes[len(kb.nodes)-1] = n
	n.Update(nowMs, StatusGood)
	if nowMs > kb.touched {
		kb.touched = nowMs
	}
	return n
}

// LeastRecentlySeen returns the head of the bucket, or nil when empty.
func (kb *KBucket) LeastRecentlySeen() *Node {
	if len(kb.nodes) == 0 {
		return nil
	}
	return kb.nodes[0]
}

// Remove removes the node with id and reports whether it was present.
func (kb *KBucket) Remove(id identity.NodeID) bool {
	i := kb.indexOf(id)
	if i < 0 {
		return false
	}
	copy(kb.nodes[i:], kb.nodes[i+1:])
	kb.nodes[len(kb.nodes)-1] = nil
	kb.nodes = kb.nodes[:len(kb.nodes)-1]
	return true
}

// Nodes returns a copy of the bucket, least recently seen first.
func (kb *KBucket) Nodes() []*Node {
	result := make([]*Node, len(kb.nodes))
	copy(result, kb.nodes)
	return result
}

// Len returns the bucket size.
func (kb *KBucket) Len() int {
	return len(kb.nodes)
}

// RoutingTable partitions known nodes into k-buckets by common prefix length
// with the local id. It is not safe for concurrent use; the DHT serializes
// access.
type RoutingTable struct {
	kBuckets [identity.Bits]*KBucket
	selfID   identity.NodeID
	count    int
}

// NewRoutingTable creates an empty routing table for selfID.
func NewRoutingTable(selfID identity.NodeID, maxBucketSize int) *RoutingTable {
	rt := &RoutingTable{selfID: selfID}
	for i := range rt.kBuckets {
		rt.kBuckets[i] = NewKBucket(maxBucketSize)
	}
	return rt
}

// BucketFor returns the bucket id belongs in.
func (rt *RoutingTable) BucketFor(id identity.NodeID) *KBucket {
	return rt.kBuckets[identity.BucketIndex(rt.selfID, id)]
}

// Bucket returns bucket i.
func (rt *RoutingTable) Bucket(i int) *KBucket {
	return rt.kBuckets[i]
}

// Get returns the node with id, or nil.
func (rt *RoutingTable) Get(id identity.NodeID) *Node {
	if id == rt.selfID {
		return nil
	}
	return rt.BucketFor(id).Get(id)
}

// Insert adds node to its bucket.
func (rt *RoutingTable) Insert(node *Node) bool {
	if node.ID == rt.selfID {
		return false
	}
	if rt.BucketFor(node.ID).Insert(node) {
		rt.count++
		return true
	}
	return false
}

// Remove drops id from the table.
func (rt *RoutingTable) Remove(id identity.NodeID) bool {
	if id == rt.selfID {
		return false
	}
	if rt.BucketFor(id).Remove(id) {
		rt.count--
		return true
	}
	return false
}

// Len returns the number of nodes in the table.
func (rt *RoutingTable) Len() int {
	return rt.count
}

// AllNodes returns every node in bucket order.
func (rt *RoutingTable) AllNodes() []*Node {
	all := make([]*Node, 0, rt.count)
	for _, b := range rt.kBuckets {
		all = append(all, b.nodes...)
	}
	return all
}

// closer orders a before b by distance to target, then by earliest first sighting.
func closer(target identity.NodeID, a, b *Node) bool {
	da, db := a.Distance(target), b.Distance(target)
	if da != db {
		return identity.Less(da, db)
	}
	return a.FirstSeen < b.FirstSeen
}

// nodeHeap is a max-heap on distance to target, keeping the closest nodes.
type nodeHeap struct {
	nodes  []*Node
	target identity.NodeID
}

func (h *nodeHeap) Len() int { return len(h.nodes) }

func (h *nodeHeap) Less(i, j int) bool {
	return closer(h.target, h.nodes[j], h.nodes[i])
}

func (h *nodeHeap) Swap(i, j int) { h.nodes[i], h.nodes[j] = h.nodes[j], h.nodes[i] }

func (h *nodeHeap) Push(x any) { h.nodes = append(h.nodes, x.(*Node)) }

func (h *nodeHeap) Pop() any {
	old := h.nodes
	n := len(old)
	item := old[n-1]
	h.nodes = old[:n-1]
	return item
}

// FindClosestNodes returns up to count nodes closest to target, closest first.
// Nodes for which skip returns true are ignored.
func (rt *RoutingTable) FindClosestNodes(target identity.NodeID, count int, skip func(*Node) bool) []*Node {
	if count <= 0 {
		return []*Node{}
	}
	h := &nodeHeap{nodes: make([]*Node, 0, count), target: target}
	for _, bucket := range rt.kBuckets {
		for _, node := range bucket.nodes {
			if skip != nil && skip(node) {
				continue
			}
			if h.Len() < count {
				heap.Push(h, node)
				continue
			}
			if closer(target, node, h.nodes[0]) {
				heap.Pop(h)
				heap.Push(h, node)
			}
		}
	}

	// popping yields farthest first
	result := make([]*Node, h.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(h).(*Node)
	}
	return result
}
