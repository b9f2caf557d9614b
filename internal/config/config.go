// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/image-resize-proxy/config.toml",
	"configs/config.toml",
}

// DefaultPort is used when neither the config file nor the environment sets one.
const DefaultPort = 3000

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config           string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host             string   `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port             int      `kong:"short='p',help='Listen port (overrides config).',env='PORT,NODE_PORT'"`
	AllowedHostnames []string `kong:"help='Comma separated hostnames images may be fetched from (overrides config).',env='ALLOWED_HOSTNAMES',sep=','"`
	LogLevel         string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Allowlist AllowlistConfig `toml:"allowlist"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
	filePath  string          // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host      string          `toml:"host"`
	Port      int             `toml:"port"` // 0 means "use default" (3000)
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// AllowlistConfig restricts which origin hosts images may be fetched from.
// An empty list allows every host.
type AllowlistConfig struct {
	Hostnames []string `toml:"hostnames"`
}

// UpstreamConfig holds origin fetch settings.
type UpstreamConfig struct {
	// TimeoutSeconds bounds a whole fetch. 0 disables the limit.
	TimeoutSeconds  int         `toml:"timeout_seconds"`
	IdleConnections int         `toml:"idle_connections"`
	AIATransport    bool        `toml:"aia_transport"`
	Cache           CacheConfig `toml:"cache"`
}

// CacheConfig controls the in-memory HTTP cache in front of origins.
type CacheConfig struct {
	Enabled       bool  `toml:"enabled"`
	MaxSizeMB     int64 `toml:"max_size_mb"`
	MaxAgeSeconds int64 `toml:"max_age_seconds"`
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

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/image-resize-proxy/config.toml then configs/config.toml, and falls
// back to defaults when neither exists.
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
	cfg.Allowlist.Hostnames = cleanHostnames(cfg.Allowlist.Hostnames)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	cfg.setDefaults()
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
	if len(cli.AllowedHostnames) > 0 {
		c.Allowlist.Hostnames = cli.AllowedHostnames
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// cleanHostnames trims entries and drops empty ones. Case is preserved:
// hostname matching is exact.
func cleanHostnames(in []string) []string {
	var out []string
	for _, h := range in {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.Cache.MaxSizeMB < 0 {
		return fmt.Errorf("upstream.cache.max_size_mb must be non-negative; got %d", c.Upstream.Cache.MaxSizeMB)
	}
	if c.Upstream.Cache.MaxAgeSeconds < 0 {
		return fmt.Errorf("upstream.cache.max_age_seconds must be non-negative; got %d", c.Upstream.Cache.MaxAgeSeconds)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/", "/healthz", "/status"} {
			if p == reserved {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with defaults.
// Zero means "unset" for integer fields because TOML cannot distinguish an
// explicit 0 from an omitted key. TimeoutSeconds is the exception: 0 keeps
// origin fetches unbounded.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.Cache.MaxSizeMB == 0 {
		c.Upstream.Cache.MaxSizeMB = 64
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

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
