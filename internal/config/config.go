package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr          = "COPLAY_RELAY_LISTEN_ADDR"
	envVarLogFormat           = "COPLAY_RELAY_LOG_FORMAT"
	envVarLogLevel            = "COPLAY_RELAY_LOG_LEVEL"
	envVarShutdownTimeout     = "COPLAY_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode                = "COPLAY_RELAY_MODE"
	envVarICEGatheringTimeout = "COPLAY_RELAY_ICE_GATHERING_TIMEOUT"

	// Bridge knobs. Names follow the console variables of the game-side plugin
	// so existing server configs translate one to one.
	envVarRole                = "COPLAY_ROLE"
	envVarPollInterval        = "COPLAY_POLL_INTERVAL"
	envVarTimeoutDuration     = "COPLAY_TIMEOUTDURATION"
	envVarDebugSocketCreation = "COPLAY_DEBUGLOG_SOCKETCREATION"
	envVarDebugSocketSpam     = "COPLAY_DEBUGLOG_SOCKETSPAM"
	envVarPeerURL             = "COPLAY_PEER_URL"

	envVarAPIKey              = "COPLAY_RELAY_API_KEY"
	envVarMaxSignalsPerSecond = "COPLAY_RELAY_MAX_SIGNALS_PER_SECOND"

	envVarWebRTCUDPPortMin = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax = "WEBRTC_UDP_PORT_MAX"

	DefaultListenAddr            = "127.0.0.1:8080"
	DefaultShutdown              = 15 * time.Second
	DefaultICEGatherTimeout      = 2 * time.Second
	DefaultMode             Mode = ModeDev
	DefaultRole             Role = RoleServer

	// DefaultPollInterval bounds the CPU used by each connection's pump.
	DefaultPollInterval    = time.Millisecond
	DefaultTimeoutDuration = 45 * time.Second

	DefaultMaxSignalsPerSecond = 10
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Role decides which side of the game link this process fronts. It selects
// the well-known local port that forwarded relay traffic is delivered to.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	ListenAddr          string
	LogFormat           LogFormat
	LogLevel            slog.Level
	ShutdownTimeout     time.Duration
	ICEGatheringTimeout time.Duration
	Mode                Mode

	Role Role
	// PollInterval is the sleep between pump iterations of every connection.
	PollInterval time.Duration
	// TimeoutDuration closes a connection after this long without inbound
	// traffic.
	TimeoutDuration time.Duration

	DebugSocketCreation bool
	DebugSocketSpam     bool

	// PeerURL is the signaling WebSocket URL of the remote server. Only used
	// in client role.
	PeerURL string

	// APIKey, when set, is required on /signal (server) and sent with the
	// offer (client).
	APIKey string
	// MaxSignalsPerSecond caps /signal upgrades; 0 disables the limit.
	MaxSignalsPerSecond int

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	WebRTCUDPPortRange *UDPPortRange

	ICEServers []webrtc.ICEServer
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if !envLogFormatOK || envLogFormat == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if !envLogLevelOK || envLogLevel == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	roleDefault := envOrDefault(lookup, envVarRole, string(DefaultRole))
	peerURL := envOrDefault(lookup, envVarPeerURL, "")
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	iceGatherTimeout, err := envDurationOrDefault(lookup, envVarICEGatheringTimeout, DefaultICEGatherTimeout)
	if err != nil {
		return Config{}, err
	}
	pollInterval, err := envDurationOrDefault(lookup, envVarPollInterval, DefaultPollInterval)
	if err != nil {
		return Config{}, err
	}
	timeoutDuration, err := envTimeoutOrDefault(lookup, envVarTimeoutDuration, DefaultTimeoutDuration)
	if err != nil {
		return Config{}, err
	}
	debugSocketCreation, err := envBoolOrDefault(lookup, envVarDebugSocketCreation, false)
	if err != nil {
		return Config{}, err
	}
	debugSocketSpam, err := envBoolOrDefault(lookup, envVarDebugSocketSpam, false)
	if err != nil {
		return Config{}, err
	}

	maxSignals := DefaultMaxSignalsPerSecond
	if raw, ok := lookup(envVarMaxSignalsPerSecond); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalsPerSecond, raw, err)
		}
		maxSignals = n
	}

	var webrtcUDPPortMin uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	var webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}

	fs := flag.NewFlagSet("coplay-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		roleStr      string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&iceGatherTimeout, "ice-gather-timeout", iceGatherTimeout, "Max time to wait for ICE gathering before sending an offer/answer (e.g. 2s)")
	fs.StringVar(&roleStr, "role", roleDefault, "Link role: client or server (env "+envVarRole+")")
	fs.DurationVar(&pollInterval, "poll-interval", pollInterval, "Sleep between forwarding iterations (env "+envVarPollInterval+")")
	fs.DurationVar(&timeoutDuration, "timeout-duration", timeoutDuration, "Close connections idle for this long (env "+envVarTimeoutDuration+")")
	fs.BoolVar(&debugSocketCreation, "debuglog-socketcreation", debugSocketCreation, "Log local socket creation and teardown (env "+envVarDebugSocketCreation+")")
	fs.BoolVar(&debugSocketSpam, "debuglog-socketspam", debugSocketSpam, "Log every forwarded batch (env "+envVarDebugSocketSpam+")")
	fs.StringVar(&peerURL, "peer-url", peerURL, "Signaling WebSocket URL of the server peer, client role only (env "+envVarPeerURL+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "Shared key for the signaling endpoint (env "+envVarAPIKey+")")
	fs.IntVar(&maxSignals, "max-signals-per-second", maxSignals, "Signaling upgrades accepted per second, 0 = unlimited (env "+envVarMaxSignalsPerSecond+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.UintVar(&webrtcUDPPortMin, "webrtc-udp-port-min", webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, "webrtc-udp-port-max", webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	role, err := parseRole(roleStr)
	if err != nil {
		return Config{}, err
	}

	if pollInterval < 0 {
		return Config{}, fmt.Errorf("poll interval must be >= 0 (got %s)", pollInterval)
	}
	if timeoutDuration <= 0 {
		return Config{}, fmt.Errorf("timeout duration must be > 0 (got %s)", timeoutDuration)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0 (got %s)", shutdownTimeout)
	}
	if iceGatherTimeout <= 0 {
		return Config{}, fmt.Errorf("ice gathering timeout must be > 0 (got %s)", iceGatherTimeout)
	}
	if maxSignals < 0 {
		return Config{}, fmt.Errorf("max signals per second must be >= 0 (got %d)", maxSignals)
	}

	peerURL = strings.TrimSpace(peerURL)
	if role == RoleClient {
		if peerURL == "" {
			return Config{}, fmt.Errorf("client role requires --peer-url (env %s)", envVarPeerURL)
		}
		u, err := url.Parse(peerURL)
		if err != nil {
			return Config{}, fmt.Errorf("invalid peer url %q: %w", peerURL, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return Config{}, fmt.Errorf("invalid peer url %q (expected ws:// or wss://)", peerURL)
		}
	}

	var portRange *UDPPortRange
	if (webrtcUDPPortMin == 0) != (webrtcUDPPortMax == 0) {
		return Config{}, fmt.Errorf("webrtc udp port min and max must be set together (or both unset)")
	}
	if webrtcUDPPortMin != 0 {
		lo, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, err
		}
		hi, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, err
		}
		if lo > hi {
			return Config{}, fmt.Errorf("webrtc udp port min %d must be <= max %d", lo, hi)
		}
		portRange = &UDPPortRange{Min: lo, Max: hi}
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:          listenAddr,
		LogFormat:           logFormat,
		LogLevel:            logLevel,
		ShutdownTimeout:     shutdownTimeout,
		ICEGatheringTimeout: iceGatherTimeout,
		Mode:                mode,
		Role:                role,
		PollInterval:        pollInterval,
		TimeoutDuration:     timeoutDuration,
		DebugSocketCreation: debugSocketCreation,
		DebugSocketSpam:     debugSocketSpam,
		PeerURL:             peerURL,
		APIKey:              strings.TrimSpace(apiKey),
		MaxSignalsPerSecond: maxSignals,
		WebRTCUDPPortRange:  portRange,
		ICEServers:          iceServers,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

// envTimeoutOrDefault accepts either a Go duration ("45s") or a bare number
// of seconds ("45"), the latter being how the plugin console variable is
// usually written.
func envTimeoutOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RoleClient):
		return RoleClient, nil
	case string(RoleServer), "host":
		return RoleServer, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarRole, raw, RoleClient, RoleServer)
	}
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}
