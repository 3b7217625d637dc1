// Command coplay-loopback runs both bridge roles in one process over loopback
// and bounces datagrams between two fake engines:
//
//	client engine :27005 -> client bridge -> DataChannel -> server bridge -> server engine :27015
//
// It prints "READY <signal port>" once the server side listens and
// "OK <rounds>" when every round trip completed.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/bridge"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/p2p"
	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/signaling"
)

func main() {
	rounds := envIntOrDefault("E2E_ROUNDS", 10)
	timeout := time.Duration(envIntOrDefault("E2E_TIMEOUT_SECONDS", 30)) * time.Second

	level := slog.LevelWarn
	if os.Getenv("E2E_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := run(ctx, logger, rounds); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("OK %d\n", rounds)
}

func run(ctx context.Context, logger *slog.Logger, rounds int) error {
	serverEngine, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(bridge.EnginePort(config.RoleServer))})
	if err != nil {
		return fmt.Errorf("server engine: %w", err)
	}
	defer serverEngine.Close()
	clientEngine, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(bridge.EnginePort(config.RoleClient))})
	if err != nil {
		return fmt.Errorf("client engine: %w", err)
	}
	defer clientEngine.Close()

	api, err := p2p.NewAPI(p2p.APIOptions{Logger: logger})
	if err != nil {
		return err
	}
	// No interfaces means the selector falls back to loopback, where the
	// fake engines listen.
	loopbackOnly := func() ([]net.Addr, error) { return nil, nil }

	serverMgr := newManager(config.RoleServer, logger.With("side", "server"), loopbackOnly)
	clientMgr := newManager(config.RoleClient, logger.With("side", "client"), loopbackOnly)

	sig := signaling.NewServer(signaling.ServerOptions{API: api, Opener: serverMgr, Logger: logger})
	defer sig.Close()
	mux := http.NewServeMux()
	mux.Handle("GET /signal", sig)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	fmt.Printf("READY %d\n", ln.Addr().(*net.TCPAddr).Port)

	ctx, finished := context.WithCancel(ctx)
	defer finished()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	client := signaling.NewClient(signaling.ClientOptions{
		API:    api,
		URL:    "ws://" + ln.Addr().String() + "/signal",
		Logger: logger,
	})
	g.Go(func() error {
		err := client.Run(gctx, clientMgr)
		if errors.Is(err, context.Canceled) || errors.Is(err, bridge.ErrManagerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error { return echo(gctx, serverEngine) })
	g.Go(func() error {
		defer func() {
			finished()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			_ = clientMgr.Close(shutdownCtx)
			_ = serverMgr.Close(shutdownCtx)
		}()
		return bounce(gctx, clientEngine, clientMgr, rounds)
	})
	return g.Wait()
}

func newManager(role config.Role, logger *slog.Logger, addrs func() ([]net.Addr, error)) *bridge.Manager {
	settings := bridge.DefaultSettings()
	settings.Role = role
	m := bridge.NewManager(bridge.ManagerOptions{Settings: settings, Logger: logger, InterfaceAddrs: addrs})
	// Both engines are up for the whole run.
	m.SetEngineConnected(true)
	return m
}

// echo plays the game server: every datagram is answered with "pong:" plus
// the payload, sent back to whoever sent it.
func echo(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, 2048)
	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("server engine read: %w", err)
		}
		reply := append([]byte("pong:"), buf[:n]...)
		if _, err := conn.WriteToUDPAddrPort(reply, from); err != nil {
			return fmt.Errorf("server engine write: %w", err)
		}
	}
	return nil
}

// bounce plays the game client. It waits for the client bridge to come up,
// then runs rounds sequential round trips through it.
func bounce(ctx context.Context, conn *net.UDPConn, mgr *bridge.Manager, rounds int) error {
	var bridgeAddr netip.AddrPort
	for !bridgeAddr.IsValid() {
		if conns := mgr.Connections(); len(conns) > 0 && conns[0].Port != 0 {
			bridgeAddr = netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), uint16(conns[0].Port))
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("client bridge never opened: %w", ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}

	buf := make([]byte, 2048)
	for i := 0; i < rounds; i++ {
		payload := "ping-" + strconv.Itoa(i)
		want := "pong:" + payload
		got := ""
		// The relay leg is unreliable, so a round may need a resend.
		for attempt := 0; got != want; attempt++ {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("round %d: %w", i, err)
			}
			if attempt > 0 && attempt%10 == 0 {
				fmt.Fprintf(os.Stderr, "round %d: still waiting after %d sends\n", i, attempt)
			}
			if _, err := conn.WriteToUDPAddrPort([]byte(payload), bridgeAddr); err != nil {
				return fmt.Errorf("client engine write: %w", err)
			}
			_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
			n, _, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				return fmt.Errorf("client engine read: %w", err)
			}
			got = string(buf[:n])
		}
	}
	return nil
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
