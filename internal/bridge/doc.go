// Package bridge forwards datagrams between a game engine's local UDP socket
// and a peer-to-peer relay session.
//
// Each Connection owns exactly one local socket and one relay session and runs
// a single goroutine that polls both transports in a loop:
//
//	local socket --ReceiveBatch--> SendUnreliable --> relay session
//	relay session --Receive--> Send --> local socket (send-back address)
//
// The loop sleeps for Settings.PollInterval between iterations and stops once
// the connection's deletion flag is set, either by the loop itself (invalid
// transport, idle timeout) or by RequestDeletion. Teardown then runs exactly
// once and removes the connection from its Registry.
//
// Delivery is best effort and at most once. Nothing is retried or queued.
package bridge
