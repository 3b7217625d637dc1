package bridge

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/localudp"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/p2p"
)

type fakeSession struct {
	mu      sync.Mutex
	invalid bool
	sent    [][]byte
	inbox   [][]byte
	closes  []p2p.CloseReason
	sendErr error
	// handed keeps every message Receive returned, to check Release.
	handed []*p2p.Message
}

func (s *fakeSession) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.invalid
}

func (s *fakeSession) SendUnreliable(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, append([]byte(nil), payload...))
	return nil
}

func (s *fakeSession) Receive(dst []*p2p.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for n < len(dst) && len(s.inbox) > 0 {
		dst[n] = p2p.NewMessage(s.inbox[0])
		s.handed = append(s.handed, dst[n])
		s.inbox = s.inbox[1:]
		n++
	}
	return n
}

func (s *fakeSession) Close(reason p2p.CloseReason, linger bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalid = true
	s.closes = append(s.closes, reason)
	return nil
}

func (s *fakeSession) deliver(payloads ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbox = append(s.inbox, payloads...)
}

func (s *fakeSession) setSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *fakeSession) handedMessages() []*p2p.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*p2p.Message(nil), s.handed...)
}

func (s *fakeSession) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalid = true
}

func (s *fakeSession) sentPayloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

func (s *fakeSession) closeReasons() []p2p.CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]p2p.CloseReason(nil), s.closes...)
}

type fakeSocket struct {
	port int

	mu      sync.Mutex
	bound   netip.AddrPort
	pending [][]byte
	sent    [][]byte
	closes  int
	sendErr error
}

func (s *fakeSocket) Port() int { return s.port }

func (s *fakeSocket) Bind(peer netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound = peer
}

func (s *fakeSocket) ReceiveBatch(b *localudp.Batch) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		return 0, localudp.ErrClosed
	}
	n := 0
	for n < b.Cap() && len(s.pending) > 0 {
		b.Store(n, s.pending[0])
		s.pending = s.pending[1:]
		n++
	}
	return n, nil
}

func (s *fakeSocket) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		return localudp.ErrClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, append([]byte(nil), payload...))
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSocket) setSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *fakeSocket) inject(payloads ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, payloads...)
}

func (s *fakeSocket) sentPayloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

func (s *fakeSocket) boundAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

func (s *fakeSocket) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

var errPortBusy = errors.New("port busy")

// fakeNetwork hands out fakeSockets and remembers them by port.
type fakeNetwork struct {
	mu      sync.Mutex
	sockets map[int]*fakeSocket
	full    bool
	opens   int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{sockets: make(map[int]*fakeSocket)}
}

func (n *fakeNetwork) open(port int) (LocalSocket, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opens++
	if n.full {
		return nil, errPortBusy
	}
	if _, ok := n.sockets[port]; ok {
		return nil, errPortBusy
	}
	s := &fakeSocket{port: port}
	n.sockets[port] = s
	return s, nil
}

func (n *fakeNetwork) socket(port int) *fakeSocket {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sockets[port]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func lanAddrs() ([]net.Addr, error) {
	return []net.Addr{
		&net.IPNet{IP: net.IPv4(127, 0, 0, 1), Mask: net.CIDRMask(8, 32)},
		&net.IPNet{IP: net.IPv4(10, 0, 0, 5), Mask: net.CIDRMask(24, 32)},
	}, nil
}

// sequentialIntN returns 0, 1, 2, ... so ports are allocated in order.
func sequentialIntN() func(int) int {
	var mu sync.Mutex
	next := 0
	return func(n int) int {
		mu.Lock()
		defer mu.Unlock()
		v := next % n
		next++
		return v
	}
}

type testManager struct {
	*Manager
	net     *fakeNetwork
	metrics *metrics.Metrics
}

func newTestManager(t *testing.T, settings Settings, clk clock.Clock) testManager {
	t.Helper()
	if clk == nil {
		clk = clock.New()
	}
	fn := newFakeNetwork()
	m := metrics.New()
	mgr := NewManager(ManagerOptions{
		Settings:       settings,
		Logger:         discardLogger(),
		Metrics:        m,
		Clock:          clk,
		Open:           fn.open,
		InterfaceAddrs: lanAddrs,
		IntN:           sequentialIntN(),
	})
	return testManager{Manager: mgr, net: fn, metrics: m}
}

func fastSettings() Settings {
	s := DefaultSettings()
	s.PollInterval = time.Millisecond
	return s
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitClosed(t *testing.T, c *Connection, timeout time.Duration) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(timeout):
		t.Fatalf("connection %s did not close (state=%v)", c.Name(), c.State())
	}
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status=%d, want %d", rr.Code, http.StatusOK)
	}
	return rr.Body.String()
}

// steppedClock is a mock clock whose Sleep reports each call on sleeping
// after the wake-up timer is armed, so a test can advance time one pump
// iteration at a time.
type steppedClock struct {
	*clock.Mock
	sleeping chan time.Duration
}

func newSteppedClock() *steppedClock {
	return &steppedClock{Mock: clock.NewMock(), sleeping: make(chan time.Duration)}
}

func (c *steppedClock) Sleep(d time.Duration) {
	timer := c.Mock.Timer(d)
	c.sleeping <- d
	<-timer.C
}
