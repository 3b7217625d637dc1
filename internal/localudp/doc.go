// Package localudp implements the local side of a bridge: a plain UDP socket
// that the game engine talks to as if it were its normal network peer.
//
// Receives never block. A forwarding loop polls the socket once per iteration
// and drains whatever is pending into a preallocated Batch.
package localudp
