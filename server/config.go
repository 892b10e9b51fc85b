package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Fixed session and discovery lifetimes.
const (
	SessionTTL        = 7 * 24 * time.Hour
	DiscoveryCacheTTL = time.Hour

	DefaultIssuerURL     = "https://replit.com/oidc"
	DefaultPruneSchedule = "@every 15m"

	minSessionSecretLen = 32
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	OIDC     OIDCConfig     `yaml:"oidc"`
	Sessions SessionsConfig `yaml:"sessions"`
	Demo     DemoConfig     `yaml:"demo"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	Environment     string    `yaml:"environment"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	CookieDomain    string    `yaml:"cookie_domain"`
	AllowedHosts    []string  `yaml:"allowed_hosts"`
	AllowedOrigins  []string  `yaml:"allowed_origins"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// OIDCConfig identifies the upstream identity provider.
type OIDCConfig struct {
	IssuerURL    string   `yaml:"issuer_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// SessionsConfig configures the server-side session store.
type SessionsConfig struct {
	Secret        string `yaml:"secret"`
	DatabaseURL   string `yaml:"database_url"`
	PruneSchedule string `yaml:"prune_schedule"`
}

// DemoConfig controls the demo credential exchange.
type DemoConfig struct {
	Enabled            bool            `yaml:"enabled"`
	RequireSignedToken bool            `yaml:"require_signed_token"`
	RateLimit          RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds per-client token bucket settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DevMode reports whether the server runs outside production.
func (c Config) DevMode() bool {
	return c.Server.Environment != EnvProduction
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:5000",
			Environment:     EnvDevelopment,
			DevListenAddr:   "127.0.0.1:5000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			TLS: TLSConfig{
				CacheDir:   ".secrets/tls",
				HSTSMaxAge: 31536000,
			},
		},
		OIDC: OIDCConfig{
			IssuerURL: DefaultIssuerURL,
			Scopes:    []string{"openid", "email", "profile", "offline_access"},
		},
		Sessions: SessionsConfig{
			PruneSchedule: DefaultPruneSchedule,
		},
		Demo: DemoConfig{
			Enabled: true,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 1,
				Burst:             10,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		key string
		fn  func(string)
	}{
		{"NODE_ENV", func(v string) { cfg.Server.Environment = normalizeEnvironment(v) }},
		{"LIVEGATE_ENV", func(v string) { cfg.Server.Environment = normalizeEnvironment(v) }},
		{"LIVEGATE_PUBLIC_URL", func(v string) { cfg.Server.PublicURL = v }},
		{"LIVEGATE_LISTEN_ADDR", func(v string) { cfg.Server.DevListenAddr = v }},
		{"LIVEGATE_ALLOWED_HOSTS", func(v string) { cfg.Server.AllowedHosts = splitAndTrim(v) }},
		{"LIVEGATE_ALLOWED_ORIGINS", func(v string) { cfg.Server.AllowedOrigins = splitAndTrim(v) }},
		{"ISSUER_URL", func(v string) { cfg.OIDC.IssuerURL = v }},
		{"REPL_ID", func(v string) { cfg.OIDC.ClientID = v }},
		{"OIDC_CLIENT_ID", func(v string) { cfg.OIDC.ClientID = v }},
		{"OIDC_CLIENT_SECRET", func(v string) { cfg.OIDC.ClientSecret = v }},
		{"DATABASE_URL", func(v string) { cfg.Sessions.DatabaseURL = v }},
		{"SESSION_SECRET", func(v string) { cfg.Sessions.Secret = v }},
		{"LIVEGATE_DEMO_ENABLED", func(v string) { cfg.Demo.Enabled = parseBool(v, cfg.Demo.Enabled) }},
		{"LIVEGATE_DEMO_SIGNED_TOKENS", func(v string) { cfg.Demo.RequireSignedToken = parseBool(v, cfg.Demo.RequireSignedToken) }},
	}

	// Later entries win, so explicit LIVEGATE_*/OIDC_* keys beat the legacy names.
	for _, o := range overrides {
		if val, ok := os.LookupEnv(o.key); ok && strings.TrimSpace(val) != "" {
			o.fn(strings.TrimSpace(val))
		}
	}
}

func normalizeEnvironment(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "production", "prod":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate fails fast on missing or malformed settings.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	switch c.Server.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("server.environment must be %q or %q, got: %s", EnvDevelopment, EnvProduction, c.Server.Environment)
	}

	if !c.DevMode() && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.OIDC.IssuerURL == "" {
		return errors.New("oidc.issuer_url is required")
	}
	if u, err := url.Parse(c.OIDC.IssuerURL); err != nil || u.Scheme == "" || u.Host == "" {
		slog.Error("Invalid configuration value", "field", "oidc.issuer_url", "value", c.OIDC.IssuerURL)
		return fmt.Errorf("oidc.issuer_url must be an absolute URL, got: %s", c.OIDC.IssuerURL)
	}
	if c.OIDC.ClientID == "" {
		slog.Error("Missing required configuration", "field", "oidc.client_id")
		return errors.New("oidc.client_id is required (set REPL_ID or OIDC_CLIENT_ID)")
	}

	if c.Sessions.Secret == "" {
		slog.Error("Missing required configuration", "field", "sessions.secret")
		return errors.New("sessions.secret is required (set SESSION_SECRET)")
	}
	if len(c.Sessions.Secret) < minSessionSecretLen {
		return fmt.Errorf("sessions.secret must be at least %d characters", minSessionSecretLen)
	}
	if !c.DevMode() && c.Sessions.DatabaseURL == "" {
		slog.Error("Missing required configuration for production mode", "field", "sessions.database_url")
		return errors.New("sessions.database_url is required in production (set DATABASE_URL)")
	}
	if c.Sessions.PruneSchedule == "" {
		return errors.New("sessions.prune_schedule is required")
	}
	if _, err := cron.ParseStandard(c.Sessions.PruneSchedule); err != nil {
		return fmt.Errorf("sessions.prune_schedule: %w", err)
	}

	if c.Demo.Enabled {
		if c.Demo.RateLimit.RequestsPerSecond <= 0 || c.Demo.RateLimit.Burst <= 0 {
			return errors.New("demo.rate_limit requires positive requests_per_second and burst")
		}
	}

	for i, origin := range c.Server.AllowedOrigins {
		if origin == "*" {
			// Credentialed CORS cannot use a wildcard origin.
			return fmt.Errorf("server.allowed_origins[%d]: wildcard is not allowed", i)
		}
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("server.allowed_origins[%d] must start with http:// or https://, got: %s", i, origin)
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got: %s", c.Metrics.Path)
	}

	return nil
}
