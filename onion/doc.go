// Package onion carries payloads over multi-hop circuits so that no single
// relay learns both who sent a payload and who receives it.
//
// A circuit is built one hop at a time. The origin runs a Noise NK
// handshake with each hop in turn, the first directly and later ones
// through an Extend command sent down the part of the circuit that already
// exists. Every hop ends up sharing a forward and a backward cipher with
// the origin and nothing with the other hops.
//
// Cells on the wire are
//
//	[type:1][circuit id:4][body]
//
// where the circuit id is local to one link. A relay body is one layer per
// remaining hop:
//
//	[nonce:8][AEAD(marker:1 || inner)]
//
// A hop that opens a layer with marker 0 forwards inner to its successor;
// marker 1 means inner is a command addressed to that hop. Commands are
// padded so that every relay cell on the first link of a circuit has the
// same size whatever it carries. Optional cover cells of the same size are
// sent at random intervals and discarded by the last hop.
//
// Each hop keeps a bounded window of seen nonces and drops replays. All
// timing is driven by Poll with caller supplied milliseconds.
package onion
