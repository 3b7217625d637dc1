package bridge

import (
	"time"

	"github.com/wilsonzlin/aero/proxy/coplay-relay/internal/config"
)

// Settings are process-wide knobs. Connections sample them once per pump
// iteration, so updates apply without a restart.
type Settings struct {
	// Role picks the engine port connections deliver to. It is read when a
	// connection is constructed.
	Role         config.Role
	PollInterval time.Duration
	IdleTimeout  time.Duration

	TraceSocketCreation bool
	TraceSocketTraffic  bool
}

func DefaultSettings() Settings {
	return Settings{
		Role:         config.DefaultRole,
		PollInterval: config.DefaultPollInterval,
		IdleTimeout:  config.DefaultTimeoutDuration,
	}
}

func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		Role:                cfg.Role,
		PollInterval:        cfg.PollInterval,
		IdleTimeout:         cfg.TimeoutDuration,
		TraceSocketCreation: cfg.DebugSocketCreation,
		TraceSocketTraffic:  cfg.DebugSocketSpam,
	}
}
