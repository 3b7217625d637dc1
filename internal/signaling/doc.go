// Package signaling exchanges the SDP offer and answer that set up a bridge
// PeerConnection.
//
// The exchange is one round trip over a WebSocket: the client sends an offer
// with every ICE candidate already gathered, the server replies with a
// complete answer and closes the socket. The bridge DataChannel opened on the
// resulting PeerConnection is handed to a bridge.Manager.
package signaling
