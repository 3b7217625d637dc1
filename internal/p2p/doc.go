// Package p2p implements the relay side of a bridge on top of a WebRTC
// DataChannel. ICE with STUN/TURN provides NAT traversal, DTLS provides the
// secure channel, and the DataChannel is configured unordered with
// maxRetransmits=0 so messages are unreliable and low latency.
//
// A Session is polled rather than pushed: pion delivers messages on its own
// goroutines into a bounded inbox, and the owner drains that inbox with
// Receive and must Release every message it drained.
package p2p
