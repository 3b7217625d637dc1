package bridge

import (
	"net/netip"

	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/localudp"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/p2p"
)

// RelaySession is the peer-to-peer side of a connection. *p2p.Session
// implements it.
type RelaySession interface {
	Valid() bool
	SendUnreliable(payload []byte) error
	// Receive moves up to len(dst) pending messages into dst without
	// blocking. The caller must Release every returned message.
	Receive(dst []*p2p.Message) int
	Close(reason p2p.CloseReason, linger bool) error
}

// LocalSocket is the engine-facing side of a connection. *localudp.Socket
// implements it.
type LocalSocket interface {
	Port() int
	Bind(peer netip.AddrPort)
	ReceiveBatch(b *localudp.Batch) (int, error)
	Send(payload []byte) error
	Close() error
}

// OpenFunc opens a local socket on port.
type OpenFunc func(port int) (LocalSocket, error)

// OpenUDP opens a localudp.Socket.
func OpenUDP(port int) (LocalSocket, error) {
	s, err := localudp.Open(port)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Registry owns the set of active connections and the settings they share.
type Registry interface {
	Settings() Settings
	// EngineConnected reports whether the host engine still considers itself
	// connected. While it does, connections do not go idle.
	EngineConnected() bool
	// Remove drops c from the active set. Removing an absent connection is a
	// no-op.
	Remove(c *Connection)
}
