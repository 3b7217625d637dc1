package localudp

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.org/x/net/ipv4"
)

// MaxDatagramBytes is the largest datagram forwarded from the local socket
// (standard Ethernet MTU). Larger datagrams are dropped rather than forwarded
// truncated.
const MaxDatagramBytes = 1500

// Batch holds preallocated receive buffers for Socket.ReceiveBatch. A Batch is
// not safe for concurrent use.
type Batch struct {
	msgs    []ipv4.Message
	dropped int
}

// NewBatch allocates a batch of n buffers, each one byte larger than
// MaxDatagramBytes so oversized datagrams can be detected.
func NewBatch(n int) *Batch {
	b := &Batch{msgs: make([]ipv4.Message, n)}
	for i := range b.msgs {
		b.msgs[i].Buffers = [][]byte{make([]byte, MaxDatagramBytes+1)}
	}
	return b
}

// Cap returns the maximum number of datagrams one receive can return.
func (b *Batch) Cap() int { return len(b.msgs) }

// Payload returns datagram i of the last receive. The slice aliases the batch
// buffer and is only valid until the next receive.
func (b *Batch) Payload(i int) []byte {
	m := &b.msgs[i]
	return m.Buffers[0][:m.N]
}

// Store copies payload into slot i as though it had just been received. It
// reports false when payload exceeds MaxDatagramBytes.
func (b *Batch) Store(i int, payload []byte) bool {
	if len(payload) > MaxDatagramBytes {
		return false
	}
	m := &b.msgs[i]
	m.N = copy(m.Buffers[0], payload)
	return true
}

// Dropped returns how many datagrams the last receive discarded for exceeding
// MaxDatagramBytes.
func (b *Batch) Dropped() int { return b.dropped }

func (b *Batch) reset() {
	b.dropped = 0
	for i := range b.msgs {
		b.msgs[i].N = 0
		b.msgs[i].Addr = nil
	}
}

// Socket is a UDP socket listening on all IPv4 interfaces with a single bound
// peer that outgoing datagrams are sent to.
type Socket struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
	port int

	peer netip.AddrPort

	closeOnce sync.Once
	closed    atomic.Bool
}

// Open listens on 0.0.0.0:port. A port of 0 selects an ephemeral port.
func Open(port int) (*Socket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("localudp: listen on port %d: %w", port, err)
	}
	return &Socket{
		conn: conn,
		pc:   ipv4.NewPacketConn(conn),
		port: conn.LocalAddr().(*net.UDPAddr).Port,
	}, nil
}

func (s *Socket) Port() int { return s.port }

// Bind sets the peer that Send delivers to. It does not filter inbound
// traffic.
func (s *Socket) Bind(peer netip.AddrPort) {
	s.peer = peer
}

// ReceiveBatch drains up to b.Cap() pending datagrams without blocking and
// returns how many were stored in b. It returns 0, nil when nothing is
// pending.
func (s *Socket) ReceiveBatch(b *Batch) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	b.reset()
	n, err := s.readBatch(b.msgs)
	if n <= 0 {
		return 0, err
	}

	// Compact in place, swapping so every buffer stays owned by the batch.
	kept := 0
	for i := 0; i < n; i++ {
		if b.msgs[i].N > MaxDatagramBytes {
			b.dropped++
			continue
		}
		if i != kept {
			b.msgs[kept], b.msgs[i] = b.msgs[i], b.msgs[kept]
		}
		kept++
	}
	return kept, err
}

// Send writes payload to the bound peer.
func (s *Socket) Send(payload []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.peer.IsValid() {
		return ErrNotBound
	}
	if _, err := s.conn.WriteToUDPAddrPort(payload, s.peer); err != nil {
		return fmt.Errorf("localudp: send to %s: %w", s.peer, err)
	}
	return nil
}

// Close closes the socket. Subsequent calls return nil.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
	})
	return err
}
