package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"wsclient/protocol"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"
)

// Config holds all resolved client configuration
type Config struct {
	URL               string
	Engine            string
	Subprotocols      []string
	TokenFile         string
	Token             string
	HandshakeTimeout  time.Duration
	CloseTimeout      time.Duration
	MaxMessageSize    int64
	ReceiveBufferSize int
	MetricsPort       int
	StatsInterval     time.Duration
	Binary            bool
	LogLevel          string
	LogFormat         string
}

// fileConfig mirrors Config in the optional YAML file. Values are strings so
// durations and sizes parse the same way as flags and env vars.
type fileConfig struct {
	URL               string `yaml:"url"`
	Engine            string `yaml:"engine"`
	Subprotocol       string `yaml:"subprotocol"`
	TokenFile         string `yaml:"token_file"`
	Token             string `yaml:"token"`
	HandshakeTimeout  string `yaml:"handshake_timeout"`
	CloseTimeout      string `yaml:"close_timeout"`
	MaxMessageSize    string `yaml:"max_message_size"`
	ReceiveBufferSize string `yaml:"receive_buffer_size"`
	MetricsPort       string `yaml:"metrics_port"`
	StatsInterval     string `yaml:"stats_interval"`
	Binary            string `yaml:"binary"`
	LogLevel          string `yaml:"log_level"`
	LogFormat         string `yaml:"log_format"`
}

// flagValues holds raw flag input; empty means unset
type flagValues struct {
	configFile        string
	url               string
	engine            string
	subprotocol       string
	tokenFile         string
	token             string
	handshakeTimeout  string
	closeTimeout      string
	maxMessageSize    string
	receiveBufferSize string
	metricsPort       string
	statsInterval     string
	binary            bool
	logLevel          string
	logFormat         string
}

func registerFlags(fs *flag.FlagSet) *flagValues {
	v := &flagValues{}
	fs.StringVar(&v.configFile, "config", "",
		"Path to YAML config file (env: WSCLIENT_CONFIG)")
	fs.StringVar(&v.url, "url", "",
		"WebSocket URL to connect to (env: WSCLIENT_URL)")
	fs.StringVar(&v.engine, "engine", "",
		"WebSocket engine: gorilla, coder (env: WSCLIENT_ENGINE)")
	fs.StringVar(&v.subprotocol, "subprotocol", "",
		"Comma-separated subprotocols to request (env: WSCLIENT_SUBPROTOCOL)")
	fs.StringVar(&v.tokenFile, "token-file", "",
		"Path to bearer token file (env: WSCLIENT_TOKEN_FILE)")
	fs.StringVar(&v.token, "token", "",
		"Bearer token (env: WSCLIENT_TOKEN)")
	fs.StringVar(&v.handshakeTimeout, "handshake-timeout", "",
		"Opening handshake timeout (env: WSCLIENT_HANDSHAKE_TIMEOUT)")
	fs.StringVar(&v.closeTimeout, "close-timeout", "",
		"How long to wait for the peer's close frame (env: WSCLIENT_CLOSE_TIMEOUT)")
	fs.StringVar(&v.maxMessageSize, "max-message-size", "",
		"Largest accepted message in bytes, 0 = unlimited (env: WSCLIENT_MAX_MESSAGE_SIZE)")
	fs.StringVar(&v.receiveBufferSize, "receive-buffer-size", "",
		"Receive scratch buffer size in bytes (env: WSCLIENT_RECEIVE_BUFFER_SIZE)")
	fs.StringVar(&v.metricsPort, "metrics-port", "",
		"Port for /metrics and /health, 0 = disabled (env: WSCLIENT_METRICS_PORT)")
	fs.StringVar(&v.statsInterval, "stats-interval", "",
		"Interval between connection stats log lines, 0 = disabled (env: WSCLIENT_STATS_INTERVAL)")
	fs.BoolVar(&v.binary, "binary", false,
		"Send stdin lines as binary messages (env: WSCLIENT_BINARY)")
	fs.StringVar(&v.logLevel, "log-level", "",
		"Log level: TRACE, DEBUG, INFO, WARN, ERROR, OFF (env: WSCLIENT_LOG_LEVEL)")
	fs.StringVar(&v.logFormat, "log-format", "",
		"Log format: json, console (env: WSCLIENT_LOG_FORMAT)")
	return v
}

// Load parses the command line, reads env vars and the config file, applies
// defaults, and returns Config
func Load() (*Config, error) {
	return Parse(flag.CommandLine, os.Args[1:])
}

// Parse resolves configuration from args using fs. Precedence is flag, env
// var, config file, default.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	v := registerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var file fileConfig
	if path := resolveString(v.configFile, []string{"WSCLIENT_CONFIG"}, ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// only an explicit --binary overrides env and file
	binary := ""
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "binary" {
			binary = strconv.FormatBool(v.binary)
		}
	})

	cfg := &Config{
		URL: resolveString(v.url,
			[]string{"WSCLIENT_URL"}, file.URL),
		Engine: strings.ToLower(resolveString(v.engine,
			[]string{"WSCLIENT_ENGINE"}, or(file.Engine, "gorilla"))),
		Subprotocols: splitList(resolveString(v.subprotocol,
			[]string{"WSCLIENT_SUBPROTOCOL"}, file.Subprotocol)),
		TokenFile: resolveString(v.tokenFile,
			[]string{"WSCLIENT_TOKEN_FILE"}, file.TokenFile),
		Token: resolveString(v.token,
			[]string{"WSCLIENT_TOKEN"}, file.Token),
		HandshakeTimeout: resolveDuration(v.handshakeTimeout,
			[]string{"WSCLIENT_HANDSHAKE_TIMEOUT"}, file.HandshakeTimeout, protocol.DefaultHandshakeTimeout),
		CloseTimeout: resolveDuration(v.closeTimeout,
			[]string{"WSCLIENT_CLOSE_TIMEOUT"}, file.CloseTimeout, protocol.DefaultCloseTimeout),
		MaxMessageSize: int64(resolveInt(v.maxMessageSize,
			[]string{"WSCLIENT_MAX_MESSAGE_SIZE"}, file.MaxMessageSize, 0)),
		ReceiveBufferSize: resolveInt(v.receiveBufferSize,
			[]string{"WSCLIENT_RECEIVE_BUFFER_SIZE"}, file.ReceiveBufferSize, 16*1024),
		MetricsPort: resolveInt(v.metricsPort,
			[]string{"WSCLIENT_METRICS_PORT"}, file.MetricsPort, 0),
		StatsInterval: resolveDuration(v.statsInterval,
			[]string{"WSCLIENT_STATS_INTERVAL"}, file.StatsInterval, 0),
		Binary: resolveBool(binary,
			[]string{"WSCLIENT_BINARY"}, file.Binary),
		LogLevel: resolveString(v.logLevel,
			[]string{"WSCLIENT_LOG_LEVEL"}, or(file.LogLevel, "INFO")),
		LogFormat: resolveString(v.logFormat,
			[]string{"WSCLIENT_LOG_FORMAT"}, or(file.LogFormat, "console")),
	}

	return cfg, nil
}

// resolveString returns the first non-empty value from: flag, env vars, default
func resolveString(flagVal string, envVars []string, defaultVal string) string {
	if flagVal != "" {
		return flagVal
	}
	for _, env := range envVars {
		if val := os.Getenv(env); val != "" {
			return val
		}
	}
	return defaultVal
}

// resolveDuration returns duration from: flag, env vars, file, default
// Supports both duration strings ("10s", "1m") and plain seconds ("60")
func resolveDuration(flagVal string, envVars []string, fileVal string, defaultVal time.Duration) time.Duration {
	return protocol.ParseDuration(resolveString(flagVal, envVars, fileVal), defaultVal)
}

// resolveInt returns int from: flag, env vars, file, default
func resolveInt(flagVal string, envVars []string, fileVal string, defaultVal int) int {
	val := resolveString(flagVal, envVars, fileVal)
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil || parsed < 0 {
		return defaultVal
	}
	return parsed
}

// resolveBool returns bool from: flag, env vars, file; false when unset or invalid
func resolveBool(flagVal string, envVars []string, fileVal string) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(resolveString(flagVal, envVars, fileVal)))
	return err == nil && parsed
}

func or(val, fallback string) string {
	if val != "" {
		return val
	}
	return fallback
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LoadToken loads the token from file or inline value
func (c *Config) LoadToken() (string, error) {
	// Try file first
	if c.TokenFile != "" {
		data, err := os.ReadFile(c.TokenFile)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}

	if c.Token != "" {
		return strings.TrimSpace(c.Token), nil
	}

	return "", nil
}

// Validate checks that required config values are set and well formed
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("--url is required (env: WSCLIENT_URL)")
	}
	if _, err := protocol.ParseURI(c.URL); err != nil {
		return fmt.Errorf("invalid --url: %w", err)
	}
	switch c.Engine {
	case "gorilla", "coder":
	default:
		return fmt.Errorf("unknown --engine %q (want gorilla or coder)", c.Engine)
	}
	if c.ReceiveBufferSize <= 0 {
		return errors.New("--receive-buffer-size must be positive")
	}
	if c.MetricsPort > 65535 {
		return fmt.Errorf("--metrics-port %d out of range", c.MetricsPort)
	}
	return nil
}

// TokenInfo holds the registered claims of a JWT bearer token
type TokenInfo struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time // zero if the token has no exp claim
}

// InspectToken decodes a JWT without verifying its signature. The server does
// the verification; the client only reads the claims to warn about expiry.
func InspectToken(token string) (*TokenInfo, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}

	info := &TokenInfo{
		Subject: claims.Subject,
		Issuer:  claims.Issuer,
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

// Expired reports whether the token expiry is before now
func (t *TokenInfo) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && t.ExpiresAt.Before(now)
}
