package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/bridge"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/metrics"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Registry is the view of the bridge manager the HTTP surface needs.
type Registry interface {
	Active() int
	Connections() []bridge.ConnectionInfo
	Get(id string) (*bridge.Connection, bool)
	EngineConnected() bool
	SetEngineConnected(connected bool)
	Settings() bridge.Settings
	UpdateSettings(settings bridge.Settings)
}

type Options struct {
	Config   config.Config
	Logger   *slog.Logger
	Build    BuildInfo
	Registry Registry
	Metrics  *metrics.Metrics
}

type Server struct {
	log      *slog.Logger
	cfg      config.Config
	build    BuildInfo
	registry Registry
	metrics  *metrics.Metrics

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(opts Options) *Server {
	s := &Server{
		log:      opts.Logger,
		cfg:      opts.Config,
		build:    opts.Build,
		registry: opts.Registry,
		metrics:  opts.Metrics,
		mux:      http.NewServeMux(),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Other timeouts stay zero: /signal upgrades to a WebSocket.
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true, "role": s.cfg.Role})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.Handle("GET /metrics", s.metrics.Handler())

	if s.registry == nil {
		return
	}

	s.mux.HandleFunc("GET /connections", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"active":      s.registry.Active(),
			"connections": s.registry.Connections(),
		})
	})

	s.mux.HandleFunc("DELETE /connections/{id}", func(w http.ResponseWriter, r *http.Request) {
		c, ok := s.registry.Get(r.PathValue("id"))
		if !ok {
			WriteJSON(w, http.StatusNotFound, map[string]any{"error": "connection not found"})
			return
		}
		c.RequestDeletion()
		WriteJSON(w, http.StatusAccepted, map[string]any{"id": c.ID(), "state": bridge.StateDeleting.String()})
	})

	s.mux.HandleFunc("GET /engine/connected", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"engineConnected": s.registry.EngineConnected()})
	})

	s.mux.HandleFunc("PUT /engine/connected", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 64))
		if err != nil {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to read body"})
			return
		}
		var connected bool
		if err := json.Unmarshal(body, &connected); err != nil {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "body must be true or false"})
			return
		}
		s.registry.SetEngineConnected(connected)
		s.log.Info("engine connected signal updated", "engine_connected", connected)
		WriteJSON(w, http.StatusOK, map[string]any{"engineConnected": connected})
	})

	s.mux.HandleFunc("GET /settings", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, settingsView(s.registry.Settings()))
	})

	s.mux.HandleFunc("PATCH /settings", func(w http.ResponseWriter, r *http.Request) {
		var patch settingsPatch
		dec := json.NewDecoder(io.LimitReader(r.Body, 4096))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&patch); err != nil {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid settings body"})
			return
		}
		next, err := patch.apply(s.registry.Settings())
		if err != nil {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		s.registry.UpdateSettings(next)
		s.log.Info("bridge settings updated",
			"poll_interval", next.PollInterval,
			"idle_timeout", next.IdleTimeout,
			"trace_socket_creation", next.TraceSocketCreation,
			"trace_socket_traffic", next.TraceSocketTraffic,
		)
		WriteJSON(w, http.StatusOK, settingsView(next))
	})
}

type settingsJSON struct {
	Role                string `json:"role"`
	PollInterval        string `json:"pollInterval"`
	IdleTimeout         string `json:"idleTimeout"`
	TraceSocketCreation bool   `json:"traceSocketCreation"`
	TraceSocketTraffic  bool   `json:"traceSocketTraffic"`
}

func settingsView(st bridge.Settings) settingsJSON {
	return settingsJSON{
		Role:                string(st.Role),
		PollInterval:        st.PollInterval.String(),
		IdleTimeout:         st.IdleTimeout.String(),
		TraceSocketCreation: st.TraceSocketCreation,
		TraceSocketTraffic:  st.TraceSocketTraffic,
	}
}

// settingsPatch changes only the fields present. The role is fixed for the
// life of the process.
type settingsPatch struct {
	PollInterval        *string `json:"pollInterval"`
	IdleTimeout         *string `json:"idleTimeout"`
	TraceSocketCreation *bool   `json:"traceSocketCreation"`
	TraceSocketTraffic  *bool   `json:"traceSocketTraffic"`
}

func (p settingsPatch) apply(st bridge.Settings) (bridge.Settings, error) {
	if p.PollInterval != nil {
		d, err := time.ParseDuration(*p.PollInterval)
		if err != nil || d < 0 {
			return st, fmt.Errorf("pollInterval must be a duration >= 0 (got %q)", *p.PollInterval)
		}
		st.PollInterval = d
	}
	if p.IdleTimeout != nil {
		d, err := time.ParseDuration(*p.IdleTimeout)
		if err != nil || d <= 0 {
			return st, fmt.Errorf("idleTimeout must be a duration > 0 (got %q)", *p.IdleTimeout)
		}
		st.IdleTimeout = d
	}
	if p.TraceSocketCreation != nil {
		st.TraceSocketCreation = *p.TraceSocketCreation
	}
	if p.TraceSocketTraffic != nil {
		st.TraceSocketTraffic = *p.TraceSocketTraffic
	}
	return st, nil
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			r.Header.Set("X-Request-ID", reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack lets WebSocket upgrades pass through the logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpserver: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			reqID := r.Header.Get("X-Request-ID")
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}
