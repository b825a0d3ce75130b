// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/stream-relay/config.toml",
	"configs/config.toml",
}

// Chunk encodings accepted by channel.chunk_encoding.
const (
	ChunkEncodingAuto   = "auto"
	ChunkEncodingBase64 = "base64"
	ChunkEncodingText   = "text"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Direct ingress listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Direct ingress listen port (overrides config).',env='PORT'"`
	ChannelPort int    `kong:"help='WebSocket ingress listen port (overrides config).',env='CHANNEL_PORT'"`
	Upstream    string `kong:"short='u',help='Upstream base URL, e.g. https://api.example.com (overrides config).',env='UPSTREAM_URL'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Channel  ChannelConfig  `toml:"channel"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds the direct (HTTP) ingress settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8889); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ChannelConfig holds the WebSocket ingress settings.
type ChannelConfig struct {
	Host                string  `toml:"host"`
	Port                int     `toml:"port"`
	Path                string  `toml:"path"`
	SendQueueSize       int     `toml:"send_queue_size"`
	WriteTimeoutSeconds int     `toml:"write_timeout_seconds"`
	PingIntervalSeconds int     `toml:"ping_interval_seconds"`
	ChunkEncoding       string  `toml:"chunk_encoding"`
	MessagesPerSecond   float64 `toml:"messages_per_second"` // 0 disables the inbound limit
	MessageBurst        int     `toml:"message_burst"`
	ReadLimitBytes      int64   `toml:"read_limit_bytes"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL                      string `toml:"base_url"`
	ConnectTimeoutSeconds        int    `toml:"connect_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int    `toml:"response_header_timeout_seconds"` // 0 disables
	IdleConnections              int    `toml:"idle_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/stream-relay/config.toml then configs/config.toml; if neither exists the
// configuration is built from CLI flags and defaults alone.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()

	if cfg.Server.Addr() == cfg.Channel.Addr() {
		return nil, fmt.Errorf("config: validate: server and channel listen on the same address %s", cfg.Server.Addr())
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Path == cfg.Channel.Path {
		return nil, fmt.Errorf("config: validate: metrics.path %q conflicts with channel.path", cfg.Metrics.Path)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.ChannelPort != 0 {
		c.Channel.Port = cli.ChannelPort
	}
	if cli.Upstream != "" {
		c.Upstream.BaseURL = cli.Upstream
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Upstream URL: required, absolute, http(s).
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url must include a host; got %q", c.Upstream.BaseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("upstream.base_url must not carry a query or fragment; got %q", c.Upstream.BaseURL)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Channel.Port < 0 || c.Channel.Port > 65535 {
		return fmt.Errorf("channel.port must be 0–65535; got %d", c.Channel.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	for name, v := range map[string]int{
		"channel.send_queue_size":                  c.Channel.SendQueueSize,
		"channel.write_timeout_seconds":            c.Channel.WriteTimeoutSeconds,
		"channel.ping_interval_seconds":            c.Channel.PingIntervalSeconds,
		"channel.message_burst":                    c.Channel.MessageBurst,
		"upstream.connect_timeout_seconds":         c.Upstream.ConnectTimeoutSeconds,
		"upstream.response_header_timeout_seconds": c.Upstream.ResponseHeaderTimeoutSeconds,
		"upstream.idle_connections":                c.Upstream.IdleConnections,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", name, v)
		}
	}
	if c.Channel.MessagesPerSecond < 0 {
		return fmt.Errorf("channel.messages_per_second must be non-negative; got %v", c.Channel.MessagesPerSecond)
	}
	if c.Channel.ReadLimitBytes < 0 {
		return fmt.Errorf("channel.read_limit_bytes must be non-negative; got %d", c.Channel.ReadLimitBytes)
	}

	switch strings.ToLower(c.Channel.ChunkEncoding) {
	case ChunkEncodingAuto, ChunkEncodingBase64, ChunkEncodingText, "":
		// valid
	default:
		return fmt.Errorf("channel.chunk_encoding must be one of: auto, base64, text; got %q", c.Channel.ChunkEncoding)
	}
	if p := c.Channel.Path; p != "" && p[0] != '/' {
		return fmt.Errorf("channel.path must start with '/'; got %q", p)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics are served on the channel listener, so the path must not shadow it.
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		channelPath := c.Channel.Path
		if channelPath == "" {
			channelPath = "/"
		}
		if p == channelPath {
			return fmt.Errorf("metrics.path %q conflicts with channel.path", p)
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8889
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Channel.Host == "" {
		c.Channel.Host = "127.0.0.1"
	}
	if c.Channel.Port == 0 {
		c.Channel.Port = 9998
	}
	if c.Channel.Path == "" {
		c.Channel.Path = "/"
	}
	if c.Channel.SendQueueSize == 0 {
		c.Channel.SendQueueSize = 256
	}
	if c.Channel.WriteTimeoutSeconds == 0 {
		c.Channel.WriteTimeoutSeconds = 10
	}
	if c.Channel.PingIntervalSeconds == 0 {
		c.Channel.PingIntervalSeconds = 30
	}
	c.Channel.ChunkEncoding = strings.ToLower(c.Channel.ChunkEncoding)
	if c.Channel.ChunkEncoding == "" {
		c.Channel.ChunkEncoding = ChunkEncodingAuto
	}
	if c.Channel.MessageBurst == 0 {
		c.Channel.MessageBurst = 20
	}
	if c.Channel.ReadLimitBytes == 0 {
		c.Channel.ReadLimitBytes = 10 * 1024 * 1024
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the direct ingress listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the WebSocket ingress listen address as host:port.
func (c *ChannelConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WriteTimeout returns the per-frame write deadline for WebSocket consumers.
func (c *ChannelConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// PingInterval returns the keepalive ping period for WebSocket consumers.
func (c *ChannelConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
