package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/bridge"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/p2p"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	api, err := p2p.NewAPI(p2p.APIOptions{PortRange: cfg.WebRTCUDPPortRange, Logger: logger})
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting coplay-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"role", cfg.Role,
		"poll_interval", cfg.PollInterval,
		"timeout_duration", cfg.TimeoutDuration,
		"ice_servers", len(cfg.ICEServers),
		"peer_url_host", safeURLHost(cfg.PeerURL),
	)
	logStartupWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	mgr := bridge.NewManager(bridge.ManagerOptions{
		Settings: bridge.SettingsFromConfig(cfg),
		Logger:   logger,
		Metrics:  m,
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(httpserver.Options{
		Config:   cfg,
		Logger:   logger,
		Build:    httpserver.BuildInfo{Commit: commit, BuildTime: built},
		Registry: mgr,
		Metrics:  m,
	})

	var sig *signaling.Server
	if cfg.Role == config.RoleServer {
		var limiter *ratelimit.TokenBucket
		if n := int64(cfg.MaxSignalsPerSecond); n > 0 {
			limiter = ratelimit.NewTokenBucket(nil, n, n)
		}
		sig = signaling.NewServer(signaling.ServerOptions{
			API:           api,
			ICEServers:    cfg.ICEServers,
			Opener:        mgr,
			Logger:        logger,
			Metrics:       m,
			Verifier:      auth.NewVerifier(cfg.APIKey),
			Limiter:       limiter,
			GatherTimeout: cfg.ICEGatheringTimeout,
		})
		srv.Mux().Handle("GET /signal", sig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Role == config.RoleClient {
		client := signaling.NewClient(signaling.ClientOptions{
			API:           api,
			ICEServers:    cfg.ICEServers,
			URL:           cfg.PeerURL,
			APIKey:        cfg.APIKey,
			Logger:        logger,
			Metrics:       m,
			GatherTimeout: cfg.ICEGatheringTimeout,
		})
		g.Go(func() error {
			err := client.Run(gctx, mgr)
			if errors.Is(err, context.Canceled) || errors.Is(err, bridge.ErrManagerClosed) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "active_connections", mgr.Active())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		if sig != nil {
			sig.Close()
		}
		if err := mgr.Close(shutdownCtx); err != nil {
			return fmt.Errorf("close bridge connections: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("coplay-relay exited", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info when
	// available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
