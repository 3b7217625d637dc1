package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/bridge"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/p2p"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/ratelimit"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultConnectTimeout   = 30 * time.Second
)

// Opener takes ownership of a relay session, normally *bridge.Manager.
type Opener interface {
	Open(session bridge.RelaySession) (*bridge.Connection, error)
}

type ServerOptions struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Opener     Opener
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	// Verifier, when set, must accept the upgrade request's credential.
	Verifier auth.Verifier
	// Limiter, when set, is charged one token per upgrade attempt.
	Limiter *ratelimit.TokenBucket

	// GatherTimeout bounds ICE gathering before the answer is sent.
	GatherTimeout time.Duration
	// HandshakeTimeout bounds how long a client may take to send its offer.
	HandshakeTimeout time.Duration
	// ConnectTimeout closes PeerConnections whose bridge channel never opens.
	ConnectTimeout  time.Duration
	MaxMessageBytes int64
}

// Server answers bridge offers on a WebSocket (GET /signal).
type Server struct {
	opts     ServerOptions
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	pending map[string]*webrtc.PeerConnection
}

func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = 2 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	return &Server{
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pending: make(map[string]*webrtc.PeerConnection),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.opts.Limiter != nil && !s.opts.Limiter.Allow() {
		s.opts.Metrics.SignalRejected(metrics.RejectRateLimited)
		retry := max(int(s.opts.Limiter.RetryAfter()/time.Second), 1)
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		http.Error(w, "too many signaling requests", http.StatusTooManyRequests)
		return
	}
	if err := auth.Authorize(s.opts.Verifier, r); err != nil {
		s.opts.Metrics.SignalRejected(metrics.RejectUnauthorized)
		s.logger.Warn("rejected signaling request", "remote", r.RemoteAddr, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	msg, err := readText(conn, s.opts.MaxMessageBytes)
	switch {
	case errors.Is(err, errNotText):
		writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
		return
	case errors.Is(err, errMessageTooLarge):
		writeClose(conn, websocket.CloseMessageTooBig, "message too large")
		return
	case err != nil:
		return
	}

	var req offerRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		writeClose(conn, websocket.CloseUnsupportedData, "invalid message")
		return
	}
	if err := req.Validate(); err != nil {
		if errors.Is(err, errUnsupportedVersion) {
			writeClose(conn, websocket.ClosePolicyViolation, "unsupported signaling version")
			return
		}
		writeClose(conn, websocket.CloseUnsupportedData, "invalid offer")
		return
	}

	id := uuid.NewString()
	logger := s.logger.With("signal_id", id, "remote", r.RemoteAddr)

	pc, err := s.opts.API.NewPeerConnection(webrtc.Configuration{ICEServers: s.opts.ICEServers})
	if err != nil {
		logger.Error("failed to create peer connection", "err", err)
		writeClose(conn, websocket.CloseInternalServerErr, "failed to create peer connection")
		return
	}
	s.track(id, pc, logger)

	if err := pc.SetRemoteDescription(req.Offer.toPion()); err != nil {
		s.abandon(id)
		writeClose(conn, websocket.ClosePolicyViolation, "invalid offer")
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.abandon(id)
		writeClose(conn, websocket.CloseInternalServerErr, "failed to create answer")
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.abandon(id)
		writeClose(conn, websocket.CloseInternalServerErr, "failed to set local description")
		return
	}

	local, err := p2p.LocalDescriptionAfterGathering(r.Context(), pc, s.opts.GatherTimeout)
	if err != nil {
		s.abandon(id)
		writeClose(conn, websocket.CloseInternalServerErr, "missing local description")
		return
	}

	payload, err := json.Marshal(answerResponse{Version: version1, Answer: sessionDescriptionFromPion(*local)})
	if err != nil {
		s.abandon(id)
		writeClose(conn, websocket.CloseInternalServerErr, "failed to encode answer")
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.abandon(id)
		return
	}
	writeClose(conn, websocket.CloseNormalClosure, "")
	logger.Debug("sent answer")
}

// track installs the handlers that turn pc's bridge channel into a relay
// session, and closes pc if that never happens within ConnectTimeout.
func (s *Server) track(id string, pc *webrtc.PeerConnection, logger *slog.Logger) {
	s.mu.Lock()
	s.pending[id] = pc
	s.mu.Unlock()

	timer := time.AfterFunc(s.opts.ConnectTimeout, func() {
		if s.abandon(id) {
			logger.Warn("bridge channel did not open in time")
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if err := p2p.ValidateDataChannel(dc); err != nil {
			logger.Warn("rejecting datachannel", "label", dc.Label(), "err", err)
			_ = dc.Close()
			return
		}
		dc.OnOpen(func() {
			if !s.claim(id) {
				return
			}
			timer.Stop()

			sess := p2p.NewSession(pc, dc, p2p.SessionOptions{Logger: logger, Metrics: s.opts.Metrics})
			c, err := s.opts.Opener.Open(sess)
			if err != nil {
				logger.Warn("failed to open bridge connection", "err", err)
				return
			}
			if c != nil {
				logger.Info("bridge connection opened", "conn", c.Name(), "conn_id", c.ID())
			}
		})
	})
}

// claim removes id from the pending set and reports whether it was there.
func (s *Server) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

func (s *Server) abandon(id string) bool {
	s.mu.Lock()
	pc, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if ok {
		_ = pc.Close()
	}
	return ok
}

// Pending returns how many PeerConnections are waiting for their bridge
// channel.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close closes every PeerConnection that has not been handed to the Opener.
func (s *Server) Close() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]*webrtc.PeerConnection)
	s.mu.Unlock()
	for _, pc := range pending {
		_ = pc.Close()
	}
}
