package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/metrics"
)

type State int32

const (
	StateConstructing State = iota
	StatePumping
	StateDeleting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConstructing:
		return "constructing"
	case StatePumping:
		return "pumping"
	case StateDeleting:
		return "deleting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connection bridges one relay session to one local socket.
type Connection struct {
	id       string
	name     string
	registry Registry
	session  RelaySession
	// socket is nil when no local port could be opened.
	socket   LocalSocket
	port     int
	sendback netip.AddrPort

	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	created time.Time
	// lastActivity is the offset from created, so it stays monotonic.
	lastActivity atomic.Int64

	deleting    atomic.Bool
	closeReason atomic.Value
	state       atomic.Int32

	teardownOnce sync.Once
	done         chan struct{}
}

type connectionParams struct {
	registry       Registry
	session        RelaySession
	open           OpenFunc
	intn           func(n int) int
	interfaceAddrs func() ([]net.Addr, error)
	clock          clock.Clock
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// newConnection opens the local socket, picks the send-back address and binds
// the socket to it. Port exhaustion is not fatal here: the connection is
// still returned and closes itself on its first pump iteration.
func newConnection(p connectionParams) *Connection {
	c := &Connection{
		id:       uuid.NewString(),
		registry: p.registry,
		session:  p.session,
		clock:    p.clock,
		metrics:  p.metrics,
		done:     make(chan struct{}),
	}
	c.state.Store(int32(StateConstructing))
	c.created = c.clock.Now()

	settings := p.registry.Settings()
	logger := p.logger.With("conn_id", c.id)

	sock, err := allocatePort(p.open, p.intn, localPortAttempts)
	if err != nil {
		logger.Warn("couldn't open a local socket for relay connection", "err", err)
		p.metrics.PortExhausted()
	} else {
		c.socket = sock
		c.port = sock.Port()
	}

	var addrs []net.Addr
	if p.interfaceAddrs != nil {
		addrs, err = p.interfaceAddrs()
		if err != nil {
			logger.Warn("failed to list local interface addresses", "err", err)
		}
	}
	addr, ok := SelectLocalAddress(addrs)
	if !ok {
		logger.Warn("no suitable local address found, using loopback")
	}
	c.sendback = netip.AddrPortFrom(addr, EnginePort(settings.Role))
	if c.socket != nil {
		c.socket.Bind(c.sendback)
	}

	c.name = fmt.Sprintf("coplayconnection%d", c.port)
	c.logger = logger.With("conn", c.name)

	if settings.TraceSocketCreation {
		c.logger.Info("new socket", "port", c.port, "sendback", c.sendback.String())
	}
	c.metrics.ConnectionOpened()
	return c
}

func (c *Connection) ID() string { return c.id }

// Name is the diagnostic name of the connection's goroutine.
func (c *Connection) Name() string { return c.name }

// Port is the bound local port, or 0 if none could be opened.
func (c *Connection) Port() int { return c.port }

// SendbackAddr is where datagrams from the relay are delivered.
func (c *Connection) SendbackAddr() netip.AddrPort { return c.sendback }

func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) LastActivity() time.Time {
	return c.created.Add(time.Duration(c.lastActivity.Load()))
}

// Done is closed once teardown has finished.
func (c *Connection) Done() <-chan struct{} { return c.done }

// RequestDeletion asks the pump to stop. It returns immediately; the pump
// observes the request at the start of its next iteration.
func (c *Connection) RequestDeletion() {
	c.markDeleting(metrics.CloseReasonRequested)
}

func (c *Connection) markDeleting(reason string) {
	c.closeReason.CompareAndSwap(nil, reason)
	c.deleting.Store(true)
	c.state.CompareAndSwap(int32(StatePumping), int32(StateDeleting))
	c.state.CompareAndSwap(int32(StateConstructing), int32(StateDeleting))
}

func (c *Connection) touch(now time.Time) {
	c.lastActivity.Store(int64(now.Sub(c.created)))
}

// start launches the pump goroutine, labelled with the connection name so it
// can be told apart in goroutine profiles.
func (c *Connection) start() {
	c.state.CompareAndSwap(int32(StateConstructing), int32(StatePumping))
	go pprof.Do(context.Background(), pprof.Labels("conn", c.name), func(context.Context) {
		c.pump()
		c.teardown()
	})
}
