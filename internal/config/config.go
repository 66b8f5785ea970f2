// Package config loads the TOML configuration that drives admissionctl:
// the proxy listener, telemetry, audit sink, admin endpoint, and one
// upstream-group section per load-balanced pool.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig              `toml:"server"`
	Telemetry TelemetryConfig           `toml:"telemetry"`
	Audit     AuditConfig               `toml:"audit"`
	Admin     AdminConfig               `toml:"admin"`
	Upstreams map[string]UpstreamConfig `toml:"upstream"`
}

// ServerConfig contains the reverse-proxy listener settings.
type ServerConfig struct {
	BindAddress  string        `toml:"bind_address"`
	HTTPPort     int           `toml:"http_port"`
	ReadTimeout  time.Duration `toml:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout"`
}

// TelemetryConfig contains logging and metrics settings.
type TelemetryConfig struct {
	PrometheusEnabled bool   `toml:"prometheus_enabled"`
	PrometheusPort    int    `toml:"prometheus_port"`
	LogFormat         string `toml:"log_format"` // "json" or "text"
	LogLevel          string `toml:"log_level"`
}

// AuditConfig contains the optional Postgres-backed event audit sink.
type AuditConfig struct {
	Enabled bool   `toml:"enabled"`
	DSN     string `toml:"dsn"`
}

// AdminConfig contains the bearer-token-protected stats endpoint.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	// TokenHash is a bcrypt hash of the bearer token admin clients must
	// present; never store the plaintext token in configuration.
	TokenHash string `toml:"token_hash"`
}

// UpstreamConfig is one load-balanced pool of backends.
type UpstreamConfig struct {
	MaxConnections int             `toml:"max_connections"`
	QueueTimeout   time.Duration   `toml:"queue_timeout"`
	MaxQueueLength int             `toml:"max_queue_length"`
	MaxRetries     int             `toml:"max_retries"`
	Backends       []BackendConfig `toml:"backend"`
}

// BackendConfig describes one endpoint within an upstream pool.
type BackendConfig struct {
	Name        string        `toml:"name"`
	Address     string        `toml:"address"`
	Weight      uint32        `toml:"weight"`
	MaxFails    uint32        `toml:"max_fails"`
	FailTimeout time.Duration `toml:"fail_timeout"`
	Down        bool          `toml:"down"`
}

var nameFold = cases.Fold()

// NormalizeName case-folds and trims a backend or upstream-group name so
// lookups are insensitive to the casing a config author happened to use.
func NormalizeName(s string) string {
	return nameFold.String(strings.TrimSpace(s))
}

// Default returns a configuration with no upstreams defined, suitable
// as the starting point for Load to overlay onto.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:  "0.0.0.0",
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			PrometheusEnabled: true,
			PrometheusPort:    9090,
			LogFormat:         "json",
			LogLevel:          "info",
		},
		Upstreams: make(map[string]UpstreamConfig),
	}
}

// Load reads and parses a TOML configuration file, applying defaults for
// any upstream directive left unset and expanding ${VAR} references in
// the admin token hash and audit DSN.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Audit.DSN = os.ExpandEnv(cfg.Audit.DSN)
	cfg.Admin.TokenHash = os.ExpandEnv(cfg.Admin.TokenHash)

	normalized := make(map[string]UpstreamConfig, len(cfg.Upstreams))
	for name, u := range cfg.Upstreams {
		normalized[NormalizeName(name)] = u.withDefaults()
	}
	cfg.Upstreams = normalized

	if v := os.Getenv("ADMISSIONCTL_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("ADMISSIONCTL_AUDIT_DSN"); v != "" {
		cfg.Audit.DSN = v
	}

	return cfg, nil
}

// withDefaults fills in any directive an author left at its zero value
// with the package defaults, the way max_connections/queue_timeout/
// max_queue_length behave when omitted from a server block.
func (u UpstreamConfig) withDefaults() UpstreamConfig {
	if u.MaxConnections == 0 {
		u.MaxConnections = 1
	}
	if u.QueueTimeout == 0 {
		u.QueueTimeout = 10 * time.Second
	}
	if u.MaxQueueLength == 0 {
		u.MaxQueueLength = 10000
	}
	if u.MaxRetries == 0 {
		u.MaxRetries = 3
	}
	for i := range u.Backends {
		if u.Backends[i].Weight == 0 {
			u.Backends[i].Weight = 1
		}
		if u.Backends[i].MaxFails == 0 {
			u.Backends[i].MaxFails = 1
		}
		if u.Backends[i].FailTimeout == 0 {
			u.Backends[i].FailTimeout = 10 * time.Second
		}
		u.Backends[i].Name = NormalizeName(u.Backends[i].Name)
	}
	return u
}

