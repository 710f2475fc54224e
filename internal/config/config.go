package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/DylanSMR/NetworkingLibrary/internal/relay"
)

const (
	envVarConfigFile      = "RENDEZVOUS_RELAY_CONFIG"
	envVarUDPAddr         = "RENDEZVOUS_RELAY_UDP_ADDR"
	envVarHTTPAddr        = "RENDEZVOUS_RELAY_HTTP_ADDR"
	envVarMode            = "RENDEZVOUS_RELAY_MODE"
	envVarLogFormat       = "RENDEZVOUS_RELAY_LOG_FORMAT"
	envVarLogLevel        = "RENDEZVOUS_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "RENDEZVOUS_RELAY_SHUTDOWN_TIMEOUT"

	// Relay knobs.
	envVarUDPReadBufferBytes   = "UDP_READ_BUFFER_BYTES"
	envVarIgnoreEmptyDatagrams = "IGNORE_EMPTY_DATAGRAMS"
	envVarMaxPPSPerSource      = "MAX_PPS_PER_SOURCE"
	envVarMaxTrackedSources    = "MAX_TRACKED_SOURCES"

	// WebSocket bridge (GET /ws on the admin server).
	envVarWSBridgeEnabled = "WS_BRIDGE_ENABLED"
	envVarWSPingInterval  = "WS_PING_INTERVAL"
	envVarWSIdleTimeout   = "WS_IDLE_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
)

const (
	flagConfigFile           = "config"
	flagUDPAddr              = "udp-addr"
	flagHTTPAddr             = "http-addr"
	flagMode                 = "mode"
	flagLogFormat            = "log-format"
	flagLogLevel             = "log-level"
	flagShutdownTimeout      = "shutdown-timeout"
	flagUDPReadBufferBytes   = "udp-read-buffer-bytes"
	flagIgnoreEmptyDatagrams = "ignore-empty-datagrams"
	flagMaxPPSPerSource      = "max-pps-per-source"
	flagMaxTrackedSources    = "max-tracked-sources"
	flagWSBridgeEnabled      = "ws-bridge"
	flagWSPingInterval       = "ws-ping-interval"
	flagWSIdleTimeout        = "ws-idle-timeout"
	flagAllowedOrigins       = "allowed-origins"
)

const (
	DefaultUDPAddr         = "127.0.0.1:58120"
	DefaultMode            = ModeDev
	DefaultShutdownTimeout = 5 * time.Second

	// maxUDPPayload is the largest payload a single IPv4 UDP datagram can carry.
	maxUDPPayload = 65507
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

type Config struct {
	// ConfigFile is the TOML file the settings were read from, if any.
	ConfigFile string

	UDPAddr string
	// HTTPAddr is the admin HTTP listen address. Empty disables the admin
	// server.
	HTTPAddr string

	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	UDPReadBufferBytes   int
	IgnoreEmptyDatagrams bool
	MaxPPSPerSource      int
	MaxTrackedSources    int

	WSBridgeEnabled bool
	WSPingInterval  time.Duration
	WSIdleTimeout   time.Duration
	// AllowedOrigins restricts which browser origins may open the bridge.
	AllowedOrigins []string
}

// RelayConfig returns the relay settings.
func (c Config) RelayConfig() relay.Config {
	return relay.Config{
		ReadBufferBytes:      c.UDPReadBufferBytes,
		IgnoreEmptyDatagrams: c.IgnoreEmptyDatagrams,
		MaxPPSPerSource:      c.MaxPPSPerSource,
		MaxTrackedSources:    c.MaxTrackedSources,
	}
}

// BridgeConfig returns the WebSocket bridge settings.
func (c Config) BridgeConfig() relay.BridgeConfig {
	return relay.BridgeConfig{
		PingInterval:    c.WSPingInterval,
		IdleTimeout:     c.WSIdleTimeout,
		MaxMessageBytes: int64(c.UDPReadBufferBytes),
		AllowedOrigins:  c.AllowedOrigins,
	}
}

// fileConfig mirrors Config for TOML decoding. Nil fields were not present in
// the file.
type fileConfig struct {
	UDPAddr         *string        `toml:"udp_addr"`
	HTTPAddr        *string        `toml:"http_addr"`
	Mode            *string        `toml:"mode"`
	LogFormat       *string        `toml:"log_format"`
	LogLevel        *string        `toml:"log_level"`
	ShutdownTimeout *time.Duration `toml:"shutdown_timeout"`

	UDPReadBufferBytes   *int  `toml:"udp_read_buffer_bytes"`
	IgnoreEmptyDatagrams *bool `toml:"ignore_empty_datagrams"`
	MaxPPSPerSource      *int  `toml:"max_pps_per_source"`
	MaxTrackedSources    *int  `toml:"max_tracked_sources"`

	WSBridge struct {
		Enabled        *bool          `toml:"enabled"`
		PingInterval   *time.Duration `toml:"ping_interval"`
		IdleTimeout    *time.Duration `toml:"idle_timeout"`
		AllowedOrigins []string       `toml:"allowed_origins"`
	} `toml:"ws_bridge"`
}

func readFile(path string) (fileConfig, error) {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fileConfig{}, fmt.Errorf("config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fileConfig{}, fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return fc, nil
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

// load resolves settings with the precedence flags > env > config file >
// defaults.
func load(lookup func(string) (string, bool), args []string) (Config, error) {
	configFile := envOrDefault(lookup, envVarConfigFile, "")
	udpAddr := envOrDefault(lookup, envVarUDPAddr, DefaultUDPAddr)
	httpAddr := envOrDefault(lookup, envVarHTTPAddr, "")
	modeStr := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatStr := envOrDefault(lookup, envVarLogFormat, "")
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	udpReadBufferBytes, err := envIntOrDefault(lookup, envVarUDPReadBufferBytes, relay.DefaultReadBufferBytes)
	if err != nil {
		return Config{}, err
	}
	ignoreEmptyDatagrams, err := envBoolOrDefault(lookup, envVarIgnoreEmptyDatagrams, false)
	if err != nil {
		return Config{}, err
	}
	maxPPSPerSource, err := envIntOrDefault(lookup, envVarMaxPPSPerSource, 0)
	if err != nil {
		return Config{}, err
	}
	maxTrackedSources, err := envIntOrDefault(lookup, envVarMaxTrackedSources, relay.DefaultMaxTrackedSources)
	if err != nil {
		return Config{}, err
	}
	wsBridgeEnabled, err := envBoolOrDefault(lookup, envVarWSBridgeEnabled, false)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, relay.DefaultBridgePingInterval)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, relay.DefaultBridgeIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	fs := flag.NewFlagSet("rendezvous-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&configFile, flagConfigFile, configFile, "Path to a TOML config file (env "+envVarConfigFile+")")
	fs.StringVar(&udpAddr, flagUDPAddr, udpAddr, "UDP listen address (host:port; env "+envVarUDPAddr+")")
	fs.StringVar(&httpAddr, flagHTTPAddr, httpAddr, "Admin HTTP listen address; empty disables (env "+envVarHTTPAddr+")")
	fs.StringVar(&modeStr, flagMode, modeStr, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, flagLogFormat, logFormatStr, "Log format: text or json (default depends on mode)")
	fs.StringVar(&logLevelStr, flagLogLevel, logLevelStr, "Log level: debug, info, warn, error (default depends on mode)")
	fs.DurationVar(&shutdownTimeout, flagShutdownTimeout, shutdownTimeout, "Graceful shutdown timeout (e.g. 5s)")
	fs.IntVar(&udpReadBufferBytes, flagUDPReadBufferBytes, udpReadBufferBytes, "UDP read buffer size in bytes; larger datagrams are truncated (env "+envVarUDPReadBufferBytes+")")
	fs.BoolVar(&ignoreEmptyDatagrams, flagIgnoreEmptyDatagrams, ignoreEmptyDatagrams, "Drop zero-length datagrams instead of shutting down (env "+envVarIgnoreEmptyDatagrams+")")
	fs.IntVar(&maxPPSPerSource, flagMaxPPSPerSource, maxPPSPerSource, "Inbound datagrams/sec per source endpoint (0 = unlimited; env "+envVarMaxPPSPerSource+")")
	fs.IntVar(&maxTrackedSources, flagMaxTrackedSources, maxTrackedSources, "Maximum per-source rate limiters kept in memory (env "+envVarMaxTrackedSources+")")
	fs.BoolVar(&wsBridgeEnabled, flagWSBridgeEnabled, wsBridgeEnabled, "Serve the WebSocket bridge on GET /ws (requires -http-addr; env "+envVarWSBridgeEnabled+")")
	fs.DurationVar(&wsPingInterval, flagWSPingInterval, wsPingInterval, "Ping interval for bridged WebSocket connections (must be < -ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.DurationVar(&wsIdleTimeout, flagWSIdleTimeout, wsIdleTimeout, "Close bridged WebSocket connections idle for this long (env "+envVarWSIdleTimeout+")")

	fs.StringVar(&allowedOriginsStr, flagAllowedOrigins, allowedOriginsStr, "Comma-separated browser origins allowed to open the WebSocket bridge; * allows any (env "+envVarAllowedOrigins+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})
	// fromFile reports whether a file value may fill in a setting, i.e.
	// neither its env var nor its flag was given.
	fromFile := func(envVar, flagName string) bool {
		return !envIsSet(lookup, envVar) && !setFlags[flagName]
	}

	if configFile != "" {
		fc, err := readFile(configFile)
		if err != nil {
			return Config{}, err
		}
		applyString(&udpAddr, fc.UDPAddr, fromFile(envVarUDPAddr, flagUDPAddr))
		applyString(&httpAddr, fc.HTTPAddr, fromFile(envVarHTTPAddr, flagHTTPAddr))
		applyString(&modeStr, fc.Mode, fromFile(envVarMode, flagMode))
		applyString(&logFormatStr, fc.LogFormat, fromFile(envVarLogFormat, flagLogFormat))
		applyString(&logLevelStr, fc.LogLevel, fromFile(envVarLogLevel, flagLogLevel))
		applyValue(&shutdownTimeout, fc.ShutdownTimeout, fromFile(envVarShutdownTimeout, flagShutdownTimeout))
		applyValue(&udpReadBufferBytes, fc.UDPReadBufferBytes, fromFile(envVarUDPReadBufferBytes, flagUDPReadBufferBytes))
		applyValue(&ignoreEmptyDatagrams, fc.IgnoreEmptyDatagrams, fromFile(envVarIgnoreEmptyDatagrams, flagIgnoreEmptyDatagrams))
		applyValue(&maxPPSPerSource, fc.MaxPPSPerSource, fromFile(envVarMaxPPSPerSource, flagMaxPPSPerSource))
		applyValue(&maxTrackedSources, fc.MaxTrackedSources, fromFile(envVarMaxTrackedSources, flagMaxTrackedSources))
		applyValue(&wsBridgeEnabled, fc.WSBridge.Enabled, fromFile(envVarWSBridgeEnabled, flagWSBridgeEnabled))
		applyValue(&wsPingInterval, fc.WSBridge.PingInterval, fromFile(envVarWSPingInterval, flagWSPingInterval))
		applyValue(&wsIdleTimeout, fc.WSBridge.IdleTimeout, fromFile(envVarWSIdleTimeout, flagWSIdleTimeout))
		if len(fc.WSBridge.AllowedOrigins) > 0 && fromFile(envVarAllowedOrigins, flagAllowedOrigins) {
			allowedOriginsStr = strings.Join(fc.WSBridge.AllowedOrigins, ",")
		}
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(logFormatStr) == "" {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if strings.TrimSpace(logLevelStr) == "" {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ConfigFile:           configFile,
		UDPAddr:              strings.TrimSpace(udpAddr),
		HTTPAddr:             strings.TrimSpace(httpAddr),
		Mode:                 mode,
		LogFormat:            logFormat,
		LogLevel:             level,
		ShutdownTimeout:      shutdownTimeout,
		UDPReadBufferBytes:   udpReadBufferBytes,
		IgnoreEmptyDatagrams: ignoreEmptyDatagrams,
		MaxPPSPerSource:      maxPPSPerSource,
		MaxTrackedSources:    maxTrackedSources,
		WSBridgeEnabled:      wsBridgeEnabled,
		WSPingInterval:       wsPingInterval,
		WSIdleTimeout:        wsIdleTimeout,
		AllowedOrigins:       allowedOrigins,
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if err := validateHostPort(c.UDPAddr); err != nil {
		return fmt.Errorf("invalid %s %q: %w", flagUDPAddr, c.UDPAddr, err)
	}
	if c.HTTPAddr != "" {
		if err := validateHostPort(c.HTTPAddr); err != nil {
			return fmt.Errorf("invalid %s %q: %w", flagHTTPAddr, c.HTTPAddr, err)
		}
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%s must be > 0 (got %s)", flagShutdownTimeout, c.ShutdownTimeout)
	}
	if c.UDPReadBufferBytes <= 0 || c.UDPReadBufferBytes > maxUDPPayload {
		return fmt.Errorf("%s must be between 1 and %d (got %d)", flagUDPReadBufferBytes, maxUDPPayload, c.UDPReadBufferBytes)
	}
	if c.MaxPPSPerSource < 0 {
		return fmt.Errorf("%s must be >= 0 (got %d)", flagMaxPPSPerSource, c.MaxPPSPerSource)
	}
	if c.MaxTrackedSources <= 0 {
		return fmt.Errorf("%s must be > 0 (got %d)", flagMaxTrackedSources, c.MaxTrackedSources)
	}
	if c.WSBridgeEnabled {
		if c.HTTPAddr == "" {
			return fmt.Errorf("%s requires %s", flagWSBridgeEnabled, flagHTTPAddr)
		}
		if c.WSPingInterval <= 0 || c.WSIdleTimeout <= 0 {
			return fmt.Errorf("%s and %s must be > 0", flagWSPingInterval, flagWSIdleTimeout)
		}
		if c.WSPingInterval >= c.WSIdleTimeout {
			return fmt.Errorf("%s (%s) must be < %s (%s)", flagWSPingInterval, c.WSPingInterval, flagWSIdleTimeout, c.WSIdleTimeout)
		}
	}
	return nil
}

func validateHostPort(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return errors.New("port must be a number between 0 and 65535")
	}
	return nil
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !relay.ValidOrigin(part) {
			return nil, fmt.Errorf("invalid %s entry %q (expected * or scheme://host[:port])", flagAllowedOrigins, part)
		}
		out = append(out, part)
	}
	return out, nil
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

func applyString(dst *string, v *string, ok bool) {
	if ok && v != nil && strings.TrimSpace(*v) != "" {
		*dst = *v
	}
}

func applyValue[T any](dst *T, v *T, ok bool) {
	if ok && v != nil {
		*dst = *v
	}
}

func envIsSet(lookup func(string) (string, bool), key string) bool {
	v, ok := lookup(key)
	return ok && strings.TrimSpace(v) != ""
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
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
