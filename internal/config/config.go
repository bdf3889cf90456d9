// Package config handles CLI parsing, TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	toml "github.com/pelletier/go-toml/v2"
)

func init() {
	// Report validation errors with the TOML key names.
	validation.ErrorTag = "toml"
}

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/edge-gateway/config.toml",
	"configs/config.toml",
}

// Paths served by the gateway itself. Route prefixes may not shadow them.
const (
	HealthPath = "/health"
	StatusPath = "/gateway/status"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Upstream string `kong:"help='Upstream base URL for the first route (overrides config).',env='UPSTREAM_URL'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Routes   []RouteConfig  `toml:"routes"`
	Upstream UpstreamConfig `toml:"upstream"`
	CORS     CORSConfig     `toml:"cors"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds inbound HTTP server settings.
type ServerConfig struct {
	Host              string   `toml:"host"`
	Port              int      `toml:"port"` // 0 means "use default" (5000)
	BodyMaxBytes      int64    `toml:"body_max_bytes"`
	ReadHeaderTimeout Duration `toml:"read_header_timeout"`
	IdleTimeout       Duration `toml:"idle_timeout"`
}

// RouteConfig maps a path prefix to an upstream base URL.
// StripPrefix and ChangeOrigin default to true when omitted.
type RouteConfig struct {
	Name         string `toml:"name"`
	Prefix       string `toml:"prefix"`
	Upstream     string `toml:"upstream"`
	StripPrefix  *bool  `toml:"strip_prefix"`
	ChangeOrigin *bool  `toml:"change_origin"`
}

// UpstreamConfig holds outbound connection pool and timeout settings.
type UpstreamConfig struct {
	ConnectTimeout  Duration `toml:"connect_timeout"`
	ReadTimeout     Duration `toml:"read_timeout"`
	RequestTimeout  Duration `toml:"request_timeout"` // 0 disables the per-request deadline
	MaxConnections  int      `toml:"max_connections"`
	IdleConnections int      `toml:"idle_connections"`
	IdleConnTimeout Duration `toml:"idle_conn_timeout"`
}

// CORSConfig controls cross-origin response headers.
type CORSConfig struct {
	Enabled      *bool    `toml:"enabled"`
	AllowOrigins []string `toml:"allow_origins"`
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

// Duration is a time.Duration that decodes from TOML strings like "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/edge-gateway/config.toml then configs/config.toml. If neither exists the
// built-in defaults are used: listen on :5000 and forward /api to
// http://localhost:8000 with the prefix stripped.
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

	cfg.setDefaults()
	cfg.applyCLI(cli)

	if err := cfg.Validate(); err != nil {
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
	if cli.Upstream != "" && len(c.Routes) > 0 {
		c.Routes[0].Upstream = cli.Upstream
	}
	if cli.LogLevel != "" {
		c.Log.Level = strings.ToLower(cli.LogLevel)
	}
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish between
// an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Server.ReadHeaderTimeout.Duration == 0 {
		c.Server.ReadHeaderTimeout.Duration = 10 * time.Second
	}
	if c.Server.IdleTimeout.Duration == 0 {
		c.Server.IdleTimeout.Duration = 120 * time.Second
	}

	if len(c.Routes) == 0 {
		c.Routes = []RouteConfig{{
			Name:     "api",
			Prefix:   "/api",
			Upstream: "http://localhost:8000",
		}}
	}
	for i := range c.Routes {
		r := &c.Routes[i]
		if r.Name == "" {
			r.Name = strings.Trim(r.Prefix, "/")
			if r.Name == "" {
				r.Name = fmt.Sprintf("route-%d", i)
			}
		}
		if r.StripPrefix == nil {
			r.StripPrefix = boolPtr(true)
		}
		if r.ChangeOrigin == nil {
			r.ChangeOrigin = boolPtr(true)
		}
	}

	if c.Upstream.ConnectTimeout.Duration == 0 {
		c.Upstream.ConnectTimeout.Duration = 5 * time.Second
	}
	if c.Upstream.ReadTimeout.Duration == 0 {
		c.Upstream.ReadTimeout.Duration = 30 * time.Second
	}
	if c.Upstream.MaxConnections == 0 {
		c.Upstream.MaxConnections = 100
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = c.Upstream.MaxConnections
	}
	if c.Upstream.IdleConnTimeout.Duration == 0 {
		c.Upstream.IdleConnTimeout.Duration = 90 * time.Second
	}

	if c.CORS.Enabled == nil {
		c.CORS.Enabled = boolPtr(true)
	}
	if len(c.CORS.AllowOrigins) == 0 {
		c.CORS.AllowOrigins = []string{"*"}
	}

	c.Log.Level = strings.ToLower(c.Log.Level)
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks the configuration after defaults have been applied.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server),
		validation.Field(&c.Routes,
			validation.Required,
			validation.By(c.checkRoutePrefixes),
		),
		validation.Field(&c.Upstream),
		validation.Field(&c.Log),
		validation.Field(&c.Metrics),
	)
}

// Validate implements validation.Validatable.
func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Host, validation.Required, is.Host),
		validation.Field(&s.Port, validation.Min(1), validation.Max(65535)),
		validation.Field(&s.BodyMaxBytes, validation.Min(int64(0))),
		validation.Field(&s.ReadHeaderTimeout, validation.By(nonNegativeDuration)),
		validation.Field(&s.IdleTimeout, validation.By(nonNegativeDuration)),
	)
}

// Validate implements validation.Validatable.
func (r RouteConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Prefix, validation.Required, validation.By(validPrefix)),
		validation.Field(&r.Upstream, validation.Required, validation.By(absoluteHTTPURL)),
	)
}

// Validate implements validation.Validatable.
func (u UpstreamConfig) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.ConnectTimeout, validation.By(positiveDuration)),
		validation.Field(&u.ReadTimeout, validation.By(positiveDuration)),
		validation.Field(&u.RequestTimeout, validation.By(nonNegativeDuration)),
		validation.Field(&u.MaxConnections, validation.Min(1)),
		validation.Field(&u.IdleConnections, validation.Min(0)),
		validation.Field(&u.IdleConnTimeout, validation.By(nonNegativeDuration)),
	)
}

// Validate implements validation.Validatable.
func (l LogConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("debug", "info", "warn", "error").
			Error("must be one of: debug, info, warn, error")),
		validation.Field(&l.Format, validation.In("json", "text").
			Error("must be one of: json, text")),
	)
}

// Validate implements validation.Validatable.
func (m MetricsConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	return validation.ValidateStruct(&m,
		validation.Field(&m.Path, validation.Required, validation.By(validPrefix),
			validation.NotIn(HealthPath, StatusPath).Error("conflicts with a reserved route")),
	)
}

// checkRoutePrefixes rejects duplicate prefixes and prefixes that overlap the
// gateway's own endpoints. A catch-all "/" route is allowed.
func (c *Config) checkRoutePrefixes(value any) error {
	routes, _ := value.([]RouteConfig)
	reserved := []string{HealthPath, StatusPath}
	if c.Metrics.Enabled {
		reserved = append(reserved, c.Metrics.Path)
	}

	seen := make(map[string]bool, len(routes))
	for _, r := range routes {
		if seen[r.Prefix] {
			return fmt.Errorf("duplicate route prefix %q", r.Prefix)
		}
		seen[r.Prefix] = true
		if r.Prefix == "/" {
			continue
		}
		for _, p := range reserved {
			if overlaps(r.Prefix, p) {
				return fmt.Errorf("route prefix %q conflicts with reserved route %q", r.Prefix, p)
			}
		}
	}
	return nil
}

func overlaps(a, b string) bool {
	a = strings.TrimSuffix(a, "/")
	b = strings.TrimSuffix(b, "/")
	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

func validPrefix(value any) error {
	p, _ := value.(string)
	if p == "" {
		return nil
	}
	if p[0] != '/' {
		return errors.New("must start with '/'")
	}
	if strings.ContainsAny(p, "?#") {
		return errors.New("must not contain a query or fragment")
	}
	return nil
}

func absoluteHTTPURL(value any) error {
	raw, _ := value.(string)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.New("must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("must use http or https")
	}
	if u.Host == "" {
		return errors.New("must be an absolute URL with a host")
	}
	return nil
}

func positiveDuration(value any) error {
	d, _ := value.(Duration)
	if d.Duration <= 0 {
		return errors.New("must be greater than zero")
	}
	return nil
}

func nonNegativeDuration(value any) error {
	d, _ := value.(Duration)
	if d.Duration < 0 {
		return errors.New("must not be negative")
	}
	return nil
}

func boolPtr(v bool) *bool { return &v }

// StripPrefixEnabled reports whether the route removes its prefix before forwarding.
func (r RouteConfig) StripPrefixEnabled() bool {
	return r.StripPrefix == nil || *r.StripPrefix
}

// ChangeOriginEnabled reports whether the Host header is rewritten to the upstream host.
func (r RouteConfig) ChangeOriginEnabled() bool {
	return r.ChangeOrigin == nil || *r.ChangeOrigin
}

// CORSEnabled reports whether permissive CORS headers are emitted.
func (c *Config) CORSEnabled() bool {
	return c.CORS.Enabled == nil || *c.CORS.Enabled
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

// FilePath returns the config file in use, or "" when running on defaults.
func (c *Config) FilePath() string {
	return c.filePath
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
