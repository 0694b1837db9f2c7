// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/edge-router/config.toml",
	"configs/config.toml",
}

// Auth modes.
const (
	AuthModeVerify   = "verify"
	AuthModeDecode   = "decode"
	AuthModeDisabled = "disabled"
)

// minSecretBytes is the shortest HMAC secret accepted in verify mode.
const minSecretBytes = 32

// Paths served by the router itself; routes may not shadow them.
const (
	HealthPath = "/healthz"
	StatusPath = "/edge/status"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host          string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	AuthSecret    string `kong:"help='HMAC secret for token verification (overrides config).',env='AUTH_SECRET'"`
	AuthMode      string `kong:"help='Auth mode: verify|decode|disabled (overrides config).',env='AUTH_MODE'"`
	AllowedOrigin string `kong:"help='CORS allowed origin (overrides config).',env='CORS_ALLOWED_ORIGIN'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Routes   []RouteConfig  `toml:"routes"`
	CORS     CORSConfig     `toml:"cors"`
	Auth     AuthConfig     `toml:"auth"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64  `toml:"body_max_bytes"`
}

// RouteConfig maps an inbound path prefix to a backend.
// Routes are matched in declaration order.
type RouteConfig struct {
	Prefix        string `toml:"prefix"`
	RewritePrefix string `toml:"rewrite_prefix"`
	Backend       string `toml:"backend"`
}

// CORSConfig is the process-wide CORS policy.
type CORSConfig struct {
	AllowedOrigin    string   `toml:"allowed_origin"`
	AllowedMethods   []string `toml:"allowed_methods"`
	AllowedHeaders   []string `toml:"allowed_headers"`
	AllowCredentials bool     `toml:"allow_credentials"`
}

// AuthConfig controls the token gate in front of the backends.
type AuthConfig struct {
	Mode           string   `toml:"mode"`
	Secret         string   `toml:"secret"`
	CookieName     string   `toml:"cookie_name"`
	IdentityHeader string   `toml:"identity_header"`
	SubjectClaim   string   `toml:"subject_claim"`
	PublicRoutes   []string `toml:"public_routes"`
}

// UpstreamConfig holds backend connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"` // 0 leaves the transport default (no overall timeout)
	IdleConnections int `toml:"idle_connections"`
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
// /etc/edge-router/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
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
	if cli.AuthSecret != "" {
		c.Auth.Secret = cli.AuthSecret
	}
	if cli.AuthMode != "" {
		c.Auth.Mode = cli.AuthMode
	}
	if cli.AllowedOrigin != "" {
		c.CORS.AllowedOrigin = cli.AllowedOrigin
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// setDefaults fills zero-valued fields with sensible defaults.
// It runs before validate so that validation sees the effective values.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.CORS.AllowedOrigin == "" {
		c.CORS.AllowedOrigin = "*"
	}
	if len(c.CORS.AllowedMethods) == 0 {
		c.CORS.AllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	if len(c.CORS.AllowedHeaders) == 0 {
		c.CORS.AllowedHeaders = []string{"Content-Type", "Authorization"}
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthModeVerify
	}
	c.Auth.Mode = strings.ToLower(c.Auth.Mode)
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = "token"
	}
	if c.Auth.IdentityHeader == "" {
		c.Auth.IdentityHeader = "X-User-Id"
	}
	if c.Auth.SubjectClaim == "" {
		c.Auth.SubjectClaim = "sub"
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

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}

	if c.Metrics.Enabled && c.Metrics.Path[0] != '/' {
		return fmt.Errorf("metrics.path must start with '/'; got %q", c.Metrics.Path)
	}

	if err := c.validateRoutes(); err != nil {
		return err
	}
	if err := c.validateAuth(); err != nil {
		return err
	}

	if c.CORS.AllowedOrigin == "*" && c.CORS.AllowCredentials {
		return fmt.Errorf("cors.allowed_origin %q cannot be combined with cors.allow_credentials", "*")
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	return nil
}

func (c *Config) validateRoutes() error {
	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one [[routes]] entry is required")
	}

	reserved := c.ReservedPaths()
	seen := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if r.Prefix == "" || r.Prefix[0] != '/' {
			return fmt.Errorf("routes[%d].prefix must start with '/'; got %q", i, r.Prefix)
		}
		if seen[r.Prefix] {
			return fmt.Errorf("routes[%d].prefix %q is declared more than once", i, r.Prefix)
		}
		seen[r.Prefix] = true

		if r.RewritePrefix != "" && r.RewritePrefix[0] != '/' {
			return fmt.Errorf("routes[%d].rewrite_prefix must be empty or start with '/'; got %q", i, r.RewritePrefix)
		}

		u, err := url.Parse(r.Backend)
		if err != nil {
			return fmt.Errorf("routes[%d].backend is not a valid URL: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("routes[%d].backend must use http or https; got %q", i, r.Backend)
		}
		if u.Host == "" {
			return fmt.Errorf("routes[%d].backend has no host; got %q", i, r.Backend)
		}

		// A route prefix is matched as a plain string prefix, so it shadows any
		// reserved path it is a prefix of.
		for _, p := range reserved {
			if strings.HasPrefix(p, r.Prefix) {
				return fmt.Errorf("routes[%d].prefix %q conflicts with reserved route %q", i, r.Prefix, p)
			}
		}
	}
	return nil
}

func (c *Config) validateAuth() error {
	switch c.Auth.Mode {
	case AuthModeVerify:
		if len(c.Auth.Secret) < minSecretBytes {
			return fmt.Errorf("auth.secret must be at least %d bytes in %q mode", minSecretBytes, AuthModeVerify)
		}
	case AuthModeDecode, AuthModeDisabled:
		// no secret needed
	default:
		return fmt.Errorf("auth.mode must be one of: verify, decode, disabled; got %q", c.Auth.Mode)
	}

	for i, p := range c.Auth.PublicRoutes {
		if p == "" || p[0] != '/' {
			return fmt.Errorf("auth.public_routes[%d] must start with '/'; got %q", i, p)
		}
	}
	if strings.ContainsAny(c.Auth.CookieName, "=; ") {
		return fmt.Errorf("auth.cookie_name contains invalid characters; got %q", c.Auth.CookieName)
	}
	return nil
}

// ReservedPaths returns the paths served locally that routes may not shadow.
func (c *Config) ReservedPaths() []string {
	paths := []string{HealthPath, StatusPath}
	if c.Metrics.Enabled {
		paths = append(paths, c.Metrics.Path)
	}
	return paths
}

// RoutePrefixes returns the configured route prefixes in declaration order.
func (c *Config) RoutePrefixes() []string {
	prefixes := make([]string, 0, len(c.Routes))
	for _, r := range c.Routes {
		prefixes = append(prefixes, r.Prefix)
	}
	return prefixes
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

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file may carry the auth secret.
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
