package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/bridge"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/p2p"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
		Role:            config.RoleServer,
	}
}

func newTestManager(t *testing.T) *bridge.Manager {
	t.Helper()
	settings := bridge.DefaultSettings()
	settings.PollInterval = time.Millisecond
	mgr := bridge.NewManager(bridge.ManagerOptions{
		Settings: settings,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		InterfaceAddrs: func() ([]net.Addr, error) {
			return []net.Addr{&net.IPNet{IP: net.IPv4(192, 168, 1, 20), Mask: net.CIDRMask(24, 32)}}, nil
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return mgr
}

// idleSession is a relay session that stays valid and never has traffic.
type idleSession struct {
	mu     sync.Mutex
	closed bool
}

func (s *idleSession) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *idleSession) SendUnreliable([]byte) error { return nil }

func (s *idleSession) Receive(dst []*p2p.Message) int { return 0 }

func (s *idleSession) Close(p2p.CloseReason, bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func startTestServer(t *testing.T, cfg config.Config, registry Registry) (srv *Server, baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv = New(Options{Config: cfg, Logger: log, Build: build, Registry: registry, Metrics: metrics.New()})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return srv, "http://" + ln.Addr().String()
}

func TestHealthzReadyzVersion(t *testing.T) {
	_, baseURL := startTestServer(t, testConfig(), nil)

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/readyz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/version")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var got BuildInfo
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})
}


func TestMetricsEndpoint(t *testing.T) {
	_, baseURL := startTestServer(t, testConfig(), nil)

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "coplay_relay_connections_active") {
		t.Fatalf("metrics output missing coplay_relay_connections_active:\n%s", body)
	}
}

func TestConnectionsListAndDelete(t *testing.T) {
	mgr := newTestManager(t)
	c, err := mgr.Open(&idleSession{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, baseURL := startTestServer(t, testConfig(), mgr)

	resp, err := http.Get(baseURL + "/connections")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var listing struct {
		Active      int                     `json:"active"`
		Connections []bridge.ConnectionInfo `json:"connections"`
	}
	err = json.NewDecoder(resp.Body).Decode(&listing)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if listing.Active != 1 || len(listing.Connections) != 1 {
		t.Fatalf("listing=%+v, want one connection", listing)
	}
	got := listing.Connections[0]
	if got.ID != c.ID() || got.Port != c.Port() || got.SendbackAddr != "192.168.1.20:27015" {
		t.Fatalf("connection=%+v", got)
	}

	req, _ := http.NewRequest(http.MethodDelete, baseURL+"/connections/"+c.ID(), nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection not closed after DELETE")
	}

	req, _ = http.NewRequest(http.MethodDelete, baseURL+"/connections/"+c.ID(), nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status=%d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestEngineConnectedSignal(t *testing.T) {
	mgr := newTestManager(t)
	_, baseURL := startTestServer(t, testConfig(), mgr)

	put := func(body string) int {
		t.Helper()
		req, _ := http.NewRequest(http.MethodPut, baseURL+"/engine/connected", strings.NewReader(body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if status := put("true"); status != http.StatusOK {
		t.Fatalf("status=%d, want %d", status, http.StatusOK)
	}
	if !mgr.EngineConnected() {
		t.Fatalf("EngineConnected=false after PUT true")
	}
	if status := put("maybe"); status != http.StatusBadRequest {
		t.Fatalf("status=%d, want %d", status, http.StatusBadRequest)
	}
	if !mgr.EngineConnected() {
		t.Fatalf("invalid PUT changed the signal")
	}
	if status := put("false"); status != http.StatusOK {
		t.Fatalf("status=%d, want %d", status, http.StatusOK)
	}

	resp, err := http.Get(baseURL + "/engine/connected")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["engineConnected"] {
		t.Fatalf("engineConnected=true, want false")
	}
}

func TestSettingsLiveUpdate(t *testing.T) {
	mgr := newTestManager(t)
	_, baseURL := startTestServer(t, testConfig(), mgr)

	patch := func(body string) (int, map[string]any) {
		t.Helper()
		req, _ := http.NewRequest(http.MethodPatch, baseURL+"/settings", strings.NewReader(body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("patch: %v", err)
		}
		defer resp.Body.Close()
		var out map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return resp.StatusCode, out
	}

	status, out := patch(`{"idleTimeout":"30s","traceSocketTraffic":true}`)
	if status != http.StatusOK {
		t.Fatalf("status=%d, want %d (%v)", status, http.StatusOK, out)
	}
	got := mgr.Settings()
	if got.IdleTimeout != 30*time.Second {
		t.Fatalf("IdleTimeout=%v, want 30s", got.IdleTimeout)
	}
	if !got.TraceSocketTraffic {
		t.Fatalf("TraceSocketTraffic=false, want true")
	}
	if got.PollInterval != time.Millisecond {
		t.Fatalf("PollInterval=%v, want untouched 1ms", got.PollInterval)
	}
	if out["role"] != string(config.RoleServer) || out["idleTimeout"] != "30s" {
		t.Fatalf("response=%v", out)
	}

	for _, body := range []string{
		`{"idleTimeout":"0s"}`,
		`{"pollInterval":"-1ms"}`,
		`{"pollInterval":"fast"}`,
		`{"role":"client"}`,
		`not json`,
	} {
		if status, _ := patch(body); status != http.StatusBadRequest {
			t.Fatalf("%s: status=%d, want %d", body, status, http.StatusBadRequest)
		}
	}
	if mgr.Settings() != got {
		t.Fatalf("rejected patch changed settings: %+v", mgr.Settings())
	}

	resp, err := http.Get(baseURL + "/settings")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var view map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view["pollInterval"] != "1ms" || view["traceSocketTraffic"] != true {
		t.Fatalf("GET /settings=%v", view)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	_, baseURL := startTestServer(t, testConfig(), nil)

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("X-Request-ID=%q, want req-123", got)
	}

	resp, err = http.Get(baseURL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected a generated X-Request-ID")
	}
}

func TestWebSocketUpgradeThroughMiddleware(t *testing.T) {
	srv, baseURL := startTestServer(t, testConfig(), nil)
	upgrader := websocket.Upgrader{}
	srv.Mux().HandleFunc("GET /echo", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(msgType, msg)
	})

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/echo", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.WriteMessage(websocket.TextMessage, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "hi" {
		t.Fatalf("echo=%q, want hi", msg)
	}
}
