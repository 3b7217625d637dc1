package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/bridge"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/p2p"
)

const (
	defaultOpenTimeout = 30 * time.Second
	defaultRetryDelay  = 2 * time.Second
)

var errPeerConnectionFailed = errors.New("signaling: peer connection failed before the bridge channel opened")

type ClientOptions struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	// URL is the server's signaling endpoint, e.g. wss://host/signal.
	URL     string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Dialer  *websocket.Dialer
	// APIKey is sent in the X-API-Key header when non-empty.
	APIKey string

	GatherTimeout time.Duration
	// OpenTimeout bounds the whole exchange, up to the bridge channel opening.
	OpenTimeout     time.Duration
	RetryDelay      time.Duration
	MaxMessageBytes int64
}

// Client dials a Server and produces relay sessions.
type Client struct {
	opts   ClientOptions
	logger *slog.Logger
}

func NewClient(opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = 2 * time.Second
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	return &Client{opts: opts, logger: opts.Logger.With("peer_url", opts.URL)}
}

// Dial runs one offer/answer exchange and waits for the bridge channel to
// open.
func (c *Client) Dial(ctx context.Context) (*p2p.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.OpenTimeout)
	defer cancel()

	pc, err := c.opts.API.NewPeerConnection(webrtc.Configuration{ICEServers: c.opts.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("signaling: create peer connection: %w", err)
	}
	sess, err := c.negotiate(ctx, pc)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	return sess, nil
}

func (c *Client) negotiate(ctx context.Context, pc *webrtc.PeerConnection) (*p2p.Session, error) {
	dc, err := p2p.CreateDataChannel(pc)
	if err != nil {
		return nil, fmt.Errorf("signaling: create datachannel: %w", err)
	}
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	failed := make(chan struct{})
	var failOnce sync.Once
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			failOnce.Do(func() { close(failed) })
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("signaling: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("signaling: set local description: %w", err)
	}
	local, err := p2p.LocalDescriptionAfterGathering(ctx, pc, c.opts.GatherTimeout)
	if err != nil {
		return nil, fmt.Errorf("signaling: gather candidates: %w", err)
	}

	answer, err := c.exchange(ctx, *local)
	if err != nil {
		return nil, err
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return nil, fmt.Errorf("signaling: set remote description: %w", err)
	}

	select {
	case <-opened:
	case <-failed:
		return nil, errPeerConnectionFailed
	case <-ctx.Done():
		return nil, fmt.Errorf("signaling: waiting for bridge channel: %w", ctx.Err())
	}
	return p2p.NewSession(pc, dc, p2p.SessionOptions{Logger: c.logger, Metrics: c.opts.Metrics}), nil
}

func (c *Client) exchange(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	var header http.Header
	if c.opts.APIKey != "" {
		header = make(http.Header)
		header.Set(auth.HeaderAPIKey, c.opts.APIKey)
	}
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("signaling: dial %s: %w", c.opts.URL, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteJSON(offerRequest{Version: version1, Offer: sessionDescriptionFromPion(offer)}); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("signaling: send offer: %w", err)
	}

	msg, err := readText(conn, c.opts.MaxMessageBytes)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("signaling: read answer: %w", err)
	}
	var resp answerResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("signaling: decode answer: %w", err)
	}
	if err := resp.Validate(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	writeClose(conn, websocket.CloseNormalClosure, "")
	return resp.Answer.toPion(), nil
}

// Run keeps one bridge connection to the server alive: it dials, hands the
// session to opener, waits for the connection to close, and dials again. It
// returns when ctx is done or opener is closed.
func (c *Client) Run(ctx context.Context, opener Opener) error {
	for {
		sess, err := c.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("failed to reach peer", "err", err)
		} else {
			conn, err := opener.Open(sess)
			switch {
			case errors.Is(err, bridge.ErrManagerClosed):
				return err
			case err != nil:
				c.logger.Warn("failed to open bridge connection", "err", err)
			case conn != nil:
				c.logger.Info("bridge connection opened", "conn", conn.Name(), "conn_id", conn.ID())
				select {
				case <-conn.Done():
					c.logger.Info("bridge connection closed, reconnecting", "conn", conn.Name())
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		select {
		case <-time.After(c.opts.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
