package main

import (
	"log/slog"
	"net"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.PollInterval == 0 {
		logger.Warn("startup warning: COPLAY_POLL_INTERVAL=0 makes every connection spin a full CPU core",
			"warning_code", "poll_interval_zero",
			"mode", cfg.Mode,
		)
	}

	if cfg.TimeoutDuration <= cfg.PollInterval {
		logger.Warn("startup warning: COPLAY_TIMEOUTDURATION is not longer than the poll interval; connections close after their first idle iteration",
			"warning_code", "timeout_not_longer_than_poll",
			"timeout_duration", cfg.TimeoutDuration,
			"poll_interval", cfg.PollInterval,
			"mode", cfg.Mode,
		)
	}

	if cfg.DebugSocketSpam && cfg.Mode == config.ModeProd {
		logger.Warn("startup warning: COPLAY_DEBUGLOG_SOCKETSPAM=true while --mode=prod logs every forwarded datagram",
			"warning_code", "socket_spam_in_prod",
			"mode", cfg.Mode,
		)
	}

	if len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no ICE servers configured; only host candidates are offered and peers behind NAT may not connect",
			"warning_code", "no_ice_servers",
			"mode", cfg.Mode,
		)
	}

	switch cfg.Role {
	case config.RoleServer:
		if cfg.APIKey == "" && !isLoopbackListenAddr(cfg.ListenAddr) {
			logger.Warn("startup security warning: /signal has no COPLAY_RELAY_API_KEY and is reachable beyond loopback; anyone who can reach it can open bridge connections",
				"warning_code", "signal_unauthenticated_public",
				"listen_addr", cfg.ListenAddr,
				"mode", cfg.Mode,
			)
		}
	case config.RoleClient:
		if cfg.Mode == config.ModeProd && strings.HasPrefix(strings.ToLower(cfg.PeerURL), "ws://") {
			logger.Warn("startup security warning: COPLAY_PEER_URL uses plaintext ws:// while --mode=prod",
				"warning_code", "peer_url_plaintext_in_prod",
				"peer_url_host", safeURLHost(cfg.PeerURL),
				"mode", cfg.Mode,
			)
		}
	}
}

func isLoopbackListenAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
