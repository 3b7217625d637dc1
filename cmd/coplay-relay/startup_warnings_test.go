package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}


func warningCodes(records []recordedLog) map[string]recordedLog {
	out := map[string]recordedLog{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

func quietConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:8080",
		Mode:            config.ModeProd,
		Role:            config.RoleServer,
		PollInterval:    time.Millisecond,
		TimeoutDuration: 45 * time.Second,
		ICEServers:      []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	}
}

func TestStartupWarnings_QuietConfigLogsNothing(t *testing.T) {
	logger, records := newRecordingLogger()
	logStartupWarnings(logger, quietConfig())
	if got := warningCodes(records()); len(got) != 0 {
		t.Fatalf("unexpected warnings: %#v", got)
	}
}

func TestStartupWarnings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		code   string
	}{
		{name: "poll zero", mutate: func(c *config.Config) { c.PollInterval = 0 }, code: "poll_interval_zero"},
		{name: "timeout short", mutate: func(c *config.Config) { c.TimeoutDuration = time.Millisecond }, code: "timeout_not_longer_than_poll"},
		{name: "socket spam", mutate: func(c *config.Config) { c.DebugSocketSpam = true }, code: "socket_spam_in_prod"},
		{name: "no ice", mutate: func(c *config.Config) { c.ICEServers = nil }, code: "no_ice_servers"},
		{name: "public signal", mutate: func(c *config.Config) { c.ListenAddr = "0.0.0.0:8080" }, code: "signal_unauthenticated_public"},
		{name: "plaintext peer", mutate: func(c *config.Config) {
			c.Role = config.RoleClient
			c.PeerURL = "ws://server.example.com/signal"
		}, code: "peer_url_plaintext_in_prod"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logger, records := newRecordingLogger()
			cfg := quietConfig()
			tc.mutate(&cfg)
			logStartupWarnings(logger, cfg)

			got := warningCodes(records())
			rec, ok := got[tc.code]
			if !ok {
				t.Fatalf("expected warning_code=%s, got %#v", tc.code, got)
			}
			if rec.attrs["mode"] != config.ModeProd {
				t.Fatalf("mode attr = %#v, want %q", rec.attrs["mode"], config.ModeProd)
			}
		})
	}
}

func TestStartupWarnings_ClientIgnoresListenAddr(t *testing.T) {
	logger, records := newRecordingLogger()
	cfg := quietConfig()
	cfg.Role = config.RoleClient
	cfg.PeerURL = "wss://server.example.com/signal"
	cfg.ListenAddr = "0.0.0.0:8080"
	logStartupWarnings(logger, cfg)
	if got := warningCodes(records()); len(got) != 0 {
		t.Fatalf("unexpected warnings: %#v", got)
	}
}

func TestStartupWarnings_APIKeySilencesPublicSignal(t *testing.T) {
	logger, records := newRecordingLogger()
	cfg := quietConfig()
	cfg.ListenAddr = "0.0.0.0:8080"
	cfg.APIKey = "k"
	logStartupWarnings(logger, cfg)
	if got := warningCodes(records()); len(got) != 0 {
		t.Fatalf("unexpected warnings: %#v", got)
	}
}

func TestIsLoopbackListenAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:8080": true,
		"[::1]:8080":     true,
		"localhost:80":   true,
		"0.0.0.0:8080":   false,
		":8080":          false,
		"10.0.0.5:8080":  false,
		"garbage":        false,
	} {
		if got := isLoopbackListenAddr(addr); got != want {
			t.Fatalf("isLoopbackListenAddr(%q)=%v, want %v", addr, got, want)
		}
	}
}
