// Package dht maintains a self-organizing map of the mesh, based on a
// modified Kademlia algorithm.
//
// # Architecture
//
// Each node keeps a routing table of k-buckets, with peers grouped by the
// length of the prefix their NodeID shares with the local one. A bucket is
// ordered from least to most recently seen and holds at most K nodes:
//
//   - RoutingTable: partitions known nodes into 256 k-buckets
//   - challenges: a full bucket pings its least recently seen node before
//     admitting a newcomer
//   - probes: idle nodes are pinged every PingInterval and evicted after
//     MaxProbeFailures unanswered probes
//   - lookups: iterative FIND_NODE searches, Alpha queries per round
//
// # Traffic
//
// The DHT owns no sockets. Every message travels through the router as
// router.ProtoDHT:
//
//	[type:1][txid:4][body]
//
// with PING and PONG carrying no body, FIND_NODE carrying a 32 byte target
// and NODES carrying a count byte followed by at most K node ids.
//
// # Polling
//
// Inbound messages are queued when the router hands them over and processed
// on the next Poll, together with challenge and probe timers, bucket refresh
// and lookup rounds:
//
//	d, err := dht.New(r, localID)
//	if err != nil {
//	    return err
//	}
//	r.SetRouteHinter(d)
//	for now := range ticks {
//	    _ = d.Poll(now)
//	}
//
// A lookup that finds nothing is not an error; its callback receives an
// empty list.
package dht
