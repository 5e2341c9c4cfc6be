// Package config loads the relay's environment-driven configuration.
//
// Everything is sourced from process environment variables so the relay can be
// dropped into a container without a config file. Invalid values (bad CIDR,
// bad port) are startup-fatal; see cmd/cs16-relay.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServiceName is reported by /health.
const ServiceName = "cs16-web-relay"

const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

type Config struct {
	// ListenAddr is the TCP listen address of the HTTP/WebSocket surface,
	// derived from PORT.
	ListenAddr string

	// AllowedOrigins is applied to CORS and WebSocket origin checks.
	// A single "*" allows everything.
	AllowedOrigins []string

	// BackendCIDRs is the allow-list of UDP destination networks
	// (RELAY_ALLOWED_BACKENDS). Parsed and enforced by internal/policy.
	BackendCIDRs []string

	DefaultBackendHost string
	DefaultBackendPort int

	// ServerList is the authoritative game server catalog (SERVER_LIST),
	// entries of the form "host" or "host:port".
	ServerList []string

	// AuthToken, when non-empty, must match the token in the client's first
	// signaling frame.
	AuthToken string

	// IdleTimeout is how long a session may go without traffic in either
	// direction before the reaper closes it.
	IdleTimeout time.Duration

	// AnswerTimeout bounds the wait for the client's SDP answer.
	AnswerTimeout time.Duration

	// DataChannelBufferLimit is the UDP->DataChannel backpressure threshold in
	// bytes. Datagrams are dropped while bufferedAmount exceeds it.
	DataChannelBufferLimit int

	// ClientInitiated accepts the legacy client-initiated offer variant of the
	// signaling protocol. The server-initiated variant is canonical.
	ClientInitiated bool

	// Discovery enables the periodic port-range scan for game servers.
	Discovery          bool
	DiscoveryHost      string
	DiscoveryPortStart int
	DiscoveryPortEnd   int

	// Sidecar enables the split-mode ingress endpoints (POST /game-packet,
	// WS /ws-from-go).
	Sidecar bool

	// SidecarPeerURL, when set, is probed over HTTP by /heartbeat.
	SidecarPeerURL string

	// STUNURLs are handed to the server-side PeerConnection so srflx
	// candidates can be gathered. Host candidates work without it.
	STUNURLs []string

	LogLevel  slog.Level
	LogFormat string
}

func Default() Config {
	return Config{
		ListenAddr:             ":3000",
		AllowedOrigins:         []string{"*"},
		BackendCIDRs:           []string{"10.13.13.0/24", "127.0.0.0/8"},
		DefaultBackendHost:     "127.0.0.1",
		DefaultBackendPort:     27015,
		IdleTimeout:            300 * time.Second,
		AnswerTimeout:          10 * time.Second,
		DataChannelBufferLimit: 256 << 10,
		DiscoveryHost:          "127.0.0.1",
		DiscoveryPortStart:     27000,
		DiscoveryPortEnd:       27030,
		LogLevel:               slog.LevelInfo,
		LogFormat:              LogFormatText,
	}
}

// FromEnv builds Config from the process environment.
func FromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// Load builds Config from the supplied lookup function. Tests pass a map-backed
// lookup instead of mutating the process environment.
func Load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if v, ok := lookup("PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || port < 1 || port > 65535 {
			return Config{}, fmt.Errorf("config: invalid PORT %q", v)
		}
		cfg.ListenAddr = ":" + strconv.Itoa(port)
	}

	if v, ok := lookup("RELAY_ALLOWED_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("RELAY_ALLOWED_BACKENDS"); ok && strings.TrimSpace(v) != "" {
		cfg.BackendCIDRs = splitList(v)
	}
	if v, ok := lookup("RELAY_DEFAULT_BACKEND_HOST"); ok && strings.TrimSpace(v) != "" {
		cfg.DefaultBackendHost = strings.TrimSpace(v)
	}
	if v, ok := lookup("RELAY_DEFAULT_BACKEND_PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || port < 1 || port > 65535 {
			return Config{}, fmt.Errorf("config: invalid RELAY_DEFAULT_BACKEND_PORT %q", v)
		}
		cfg.DefaultBackendPort = port
	}
	if v, ok := lookup("SERVER_LIST"); ok && strings.TrimSpace(v) != "" {
		cfg.ServerList = splitList(v)
	}
	if v, ok := lookup("RELAY_AUTH_TOKEN"); ok {
		cfg.AuthToken = strings.TrimSpace(v)
	}

	if d, err := envSeconds(lookup, "RELAY_IDLE_SEC", cfg.IdleTimeout); err != nil {
		return Config{}, err
	} else {
		cfg.IdleTimeout = d
	}
	if d, err := envSeconds(lookup, "RELAY_ANSWER_TIMEOUT_SEC", cfg.AnswerTimeout); err != nil {
		return Config{}, err
	} else {
		cfg.AnswerTimeout = d
	}

	if v, ok := lookup("RELAY_DC_BUFFER_LIMIT"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("config: invalid RELAY_DC_BUFFER_LIMIT %q", v)
		}
		cfg.DataChannelBufferLimit = n
	}

	var err error
	if cfg.ClientInitiated, err = envBool(lookup, "RELAY_CLIENT_INITIATED"); err != nil {
		return Config{}, err
	}
	if cfg.Discovery, err = envBool(lookup, "RELAY_DISCOVERY"); err != nil {
		return Config{}, err
	}
	if cfg.Sidecar, err = envBool(lookup, "RELAY_SIDECAR"); err != nil {
		return Config{}, err
	}

	if v, ok := lookup("RELAY_DISCOVERY_HOST"); ok && strings.TrimSpace(v) != "" {
		cfg.DiscoveryHost = strings.TrimSpace(v)
	}
	if v, ok := lookup("RELAY_DISCOVERY_PORTS"); ok && strings.TrimSpace(v) != "" {
		start, end, err := parsePortRange(strings.TrimSpace(v))
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid RELAY_DISCOVERY_PORTS %q: %w", v, err)
		}
		cfg.DiscoveryPortStart, cfg.DiscoveryPortEnd = start, end
	}
	if v, ok := lookup("RELAY_SIDECAR_PEER_URL"); ok {
		cfg.SidecarPeerURL = strings.TrimSpace(v)
	}
	if v, ok := lookup("RELAY_STUN_URLS"); ok && strings.TrimSpace(v) != "" {
		cfg.STUNURLs = splitList(v)
	}

	if v, ok := lookup("LOG_LEVEL"); ok && strings.TrimSpace(v) != "" {
		lvl, err := parseLogLevel(v)
		if err != nil {
			return Config{}, err
		}
		cfg.LogLevel = lvl
	}
	if v, ok := lookup("LOG_FORMAT"); ok && strings.TrimSpace(v) != "" {
		f := strings.ToLower(strings.TrimSpace(v))
		if f != LogFormatText && f != LogFormatJSON {
			return Config{}, fmt.Errorf("config: invalid LOG_FORMAT %q", v)
		}
		cfg.LogFormat = f
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

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

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envSeconds(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	v, ok := lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("config: invalid %s %q", key, v)
	}
	return time.Duration(n) * time.Second, nil
}

func envBool(lookup func(string) (string, bool), key string) (bool, error) {
	v, ok := lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("config: invalid %s %q", key, v)
	}
	return b, nil
}

func parsePortRange(v string) (int, int, error) {
	startStr, endStr, ok := strings.Cut(v, "-")
	if !ok {
		return 0, 0, fmt.Errorf("expected start-end")
	}
	start, err := strconv.Atoi(strings.TrimSpace(startStr))
	if err != nil {
		return 0, 0, err
	}
	end, err := strconv.Atoi(strings.TrimSpace(endStr))
	if err != nil {
		return 0, 0, err
	}
	if start < 1 || end > 65535 || start > end {
		return 0, 0, fmt.Errorf("range %d-%d out of order or out of bounds", start, end)
	}
	return start, end, nil
}

func parseLogLevel(v string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: invalid LOG_LEVEL %q", v)
	}
}
