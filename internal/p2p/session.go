package p2p

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/metrics"
)

const (
	// DefaultInboxSize bounds how many undrained messages a session holds.
	DefaultInboxSize = 1024

	// messageBufferBytes covers any datagram forwarded from a local socket;
	// larger messages fall back to a one-off allocation.
	messageBufferBytes = 2048

	closeNoticePrefix = "close:"
	lingerTimeout     = 2 * time.Second
)

// CloseReason is an application close code carried to the remote peer.
type CloseReason int

const (
	CloseReasonUnknown CloseReason = 0
	// CloseReasonClosedByPeer marks an orderly close initiated by the
	// application on this side.
	CloseReasonClosedByPeer CloseReason = 1000
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonClosedByPeer:
		return "closed_by_peer"
	default:
		return "unknown(" + strconv.Itoa(int(r)) + ")"
	}
}

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, messageBufferBytes)
		return &b
	},
}

// Message is one payload received on a Session. Its buffer is pooled; the
// receiver must call Release exactly once when done with Data.
type Message struct {
	data []byte
	buf  *[]byte
}

func newMessage(payload []byte) *Message {
	if len(payload) > messageBufferBytes {
		return &Message{data: append([]byte(nil), payload...)}
	}
	buf := bufferPool.Get().(*[]byte)
	n := copy(*buf, payload)
	return &Message{data: (*buf)[:n], buf: buf}
}

// NewMessage copies payload into a pooled Message. It is exported for
// transport fakes in tests.
func NewMessage(payload []byte) *Message { return newMessage(payload) }

func (m *Message) Data() []byte { return m.data }

func (m *Message) Size() int { return len(m.data) }

// Release returns the message buffer to the pool. Data must not be used
// afterwards. Extra calls are ignored.
func (m *Message) Release() {
	if m == nil || m.data == nil {
		return
	}
	if m.buf != nil {
		bufferPool.Put(m.buf)
		m.buf = nil
	}
	m.data = nil
}

type SessionOptions struct {
	InboxSize int
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Session adapts an open bridge DataChannel to the poll-driven relay
// interface used by bridge connections.
type Session struct {
	id  string
	pc  *webrtc.PeerConnection
	dc  *webrtc.DataChannel
	log *slog.Logger
	m   *metrics.Metrics

	// inboxMu orders enqueues against the final drain in Close, so nothing
	// is queued once drained is set.
	inboxMu sync.Mutex
	drained bool
	inbox   chan *Message

	valid        atomic.Bool
	remoteClosed atomic.Bool
	remoteReason atomic.Int64
	closeOnce    sync.Once
}

// NewSession takes ownership of pc and dc. The session is valid until the
// channel or peer connection closes, the remote sends a close notice, or
// Close is called.
func NewSession(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, opts SessionOptions) *Session {
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	id := uuid.NewString()
	s := &Session{
		id:    id,
		pc:    pc,
		dc:    dc,
		log:   opts.Logger.With("session_id", id),
		m:     opts.Metrics,
		inbox: make(chan *Message, opts.InboxSize),
	}
	s.valid.Store(true)

	dc.OnMessage(s.handleMessage)
	dc.OnClose(func() {
		s.invalidate("datachannel closed")
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.invalidate("peer connection " + state.String())
		}
	})
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) invalidate(why string) {
	if s.valid.CompareAndSwap(true, false) {
		s.log.Debug("relay session invalidated", "reason", why)
	}
}

func (s *Session) handleMessage(msg webrtc.DataChannelMessage) {
	if msg.IsString {
		text := string(msg.Data)
		if code, ok := strings.CutPrefix(text, closeNoticePrefix); ok {
			n, _ := strconv.Atoi(code)
			s.remoteReason.Store(int64(n))
			s.remoteClosed.Store(true)
			s.invalidate("remote close: " + CloseReason(n).String())
		}
		return
	}
	if !s.valid.Load() {
		return
	}
	// Copy because pion reuses internal buffers.
	s.enqueue(newMessage(msg.Data))
}

func (s *Session) enqueue(m *Message) {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	if s.drained {
		m.Release()
		return
	}
	select {
	case s.inbox <- m:
	default:
		m.Release()
		s.m.RelayInboxDropped()
	}
}

// Valid reports whether the session can still carry traffic.
func (s *Session) Valid() bool { return s.valid.Load() }

// RemoteClosed reports whether the remote peer closed the session, and why.
func (s *Session) RemoteClosed() (CloseReason, bool) {
	if !s.remoteClosed.Load() {
		return CloseReasonUnknown, false
	}
	return CloseReason(s.remoteReason.Load()), true
}

// SendUnreliable sends payload as one message on the calling goroutine.
// Delivery is best effort: no ordering, no retransmission.
func (s *Session) SendUnreliable(payload []byte) error {
	if !s.valid.Load() {
		return ErrSessionInvalid
	}
	if err := s.dc.Send(payload); err != nil {
		return fmt.Errorf("p2p: send: %w", err)
	}
	return nil
}

// Receive moves up to len(dst) pending messages into dst without blocking
// and returns how many were stored.
func (s *Session) Receive(dst []*Message) int {
	n := 0
	for n < len(dst) {
		select {
		case m := <-s.inbox:
			dst[n] = m
			n++
		default:
			return n
		}
	}
	return n
}

// Close ends the session. The remote peer is told reason with a best-effort
// in-band notice. When linger is false, queued outbound data is not waited
// for. Pending inbound messages are released. Extra calls are no-ops.
func (s *Session) Close(reason CloseReason, linger bool) error {
	var err error
	s.closeOnce.Do(func() {
		wasValid := s.valid.Swap(false)
		if wasValid && !s.remoteClosed.Load() {
			_ = s.dc.SendText(closeNoticePrefix + strconv.Itoa(int(reason)))
		}
		if linger {
			s.waitDrained(lingerTimeout)
		}
		_ = s.dc.Close()
		err = s.pc.Close()
		s.drainInbox()
		s.log.Debug("relay session closed", "reason", reason.String(), "linger", linger)
	})
	return err
}

func (s *Session) waitDrained(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for s.dc.BufferedAmount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *Session) drainInbox() {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	s.drained = true
	for {
		select {
		case m := <-s.inbox:
			m.Release()
		default:
			return
		}
	}
}
