package bridge

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/p2p"
)

type ManagerOptions struct {
	Settings Settings
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Clock    clock.Clock

	// Open defaults to OpenUDP.
	Open OpenFunc
	// InterfaceAddrs defaults to net.InterfaceAddrs.
	InterfaceAddrs func() ([]net.Addr, error)
	// IntN picks local port candidates. Defaults to math/rand/v2.IntN.
	IntN func(n int) int
}

// Manager is the Registry of active connections.
type Manager struct {
	logger         *slog.Logger
	metrics        *metrics.Metrics
	clock          clock.Clock
	open           OpenFunc
	interfaceAddrs func() ([]net.Addr, error)
	intn           func(n int) int

	settings        atomic.Pointer[Settings]
	engineConnected atomic.Bool

	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool
}

var _ Registry = (*Manager)(nil)

func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Open == nil {
		opts.Open = OpenUDP
	}
	if opts.InterfaceAddrs == nil {
		opts.InterfaceAddrs = net.InterfaceAddrs
	}
	if opts.IntN == nil {
		opts.IntN = rand.IntN
	}
	m := &Manager{
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		clock:          opts.Clock,
		open:           opts.Open,
		interfaceAddrs: opts.InterfaceAddrs,
		intn:           opts.IntN,
		conns:          make(map[string]*Connection),
	}
	settings := opts.Settings
	m.settings.Store(&settings)
	return m
}

// Open constructs a connection for session and starts its pump. The manager
// takes ownership of session; on error it has already been closed.
func (m *Manager) Open(session RelaySession) (*Connection, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		m.closeUnowned(session)
		return nil, ErrManagerClosed
	}

	c := newConnection(connectionParams{
		registry:       m,
		session:        session,
		open:           m.open,
		intn:           m.intn,
		interfaceAddrs: m.interfaceAddrs,
		clock:          m.clock,
		logger:         m.logger,
		metrics:        m.metrics,
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		c.markDeleting(metrics.CloseReasonRequested)
		c.teardown()
		return nil, ErrManagerClosed
	}
	m.conns[c.id] = c
	m.mu.Unlock()

	c.start()
	return c, nil
}

func (m *Manager) closeUnowned(session RelaySession) {
	if err := session.Close(p2p.CloseReasonClosedByPeer, false); err != nil {
		m.logger.Debug("failed to close rejected relay session", "err", err)
	}
}

// Remove implements Registry.
func (m *Manager) Remove(c *Connection) {
	m.mu.Lock()
	if cur, ok := m.conns[c.id]; ok && cur == c {
		delete(m.conns, c.id)
	}
	m.mu.Unlock()
}

// Get returns the active connection with id.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	return c, ok
}

func (m *Manager) Settings() Settings { return *m.settings.Load() }

// UpdateSettings replaces the shared settings. Running connections pick the
// new values up on their next iteration.
func (m *Manager) UpdateSettings(s Settings) { m.settings.Store(&s) }

func (m *Manager) EngineConnected() bool { return m.engineConnected.Load() }

func (m *Manager) SetEngineConnected(connected bool) { m.engineConnected.Store(connected) }

func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

type ConnectionInfo struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Port         int     `json:"port"`
	SendbackAddr string  `json:"sendbackAddr"`
	State        string  `json:"state"`
	IdleSeconds  float64 `json:"idleSeconds"`
}

// Connections returns a snapshot of the active connections ordered by port.
func (m *Manager) Connections() []ConnectionInfo {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	now := m.clock.Now()
	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, ConnectionInfo{
			ID:           c.ID(),
			Name:         c.Name(),
			Port:         c.Port(),
			SendbackAddr: c.SendbackAddr().String(),
			State:        c.State().String(),
			IdleSeconds:  now.Sub(c.LastActivity()).Seconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close requests deletion of every connection, rejects new ones, and waits
// for their teardown or ctx.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.RequestDeletion()
	}
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
