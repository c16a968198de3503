// Package config loads and validates the phytosync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// ServerURL is the base URL of the PhytoVigil backend
	// (e.g. "https://api.phytovigil.example.com").
	ServerURL string `yaml:"server_url"`

	// DataDir is where the local database and secure blobs live.
	// Defaults to ~/.local/share/phytosync.
	DataDir string `yaml:"data_dir"`

	// SyncInterval controls how often a periodic sync cycle is attempted.
	// Minimum 30s, maximum 1h. Defaults to 5m if unset.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// ProbeInterval controls how often connectivity is probed.
	// Minimum 5s, maximum 5m. Defaults to 30s if unset.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// RequestTimeout bounds each HTTP request to the backend.
	// Defaults to 15s if unset.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ConflictStrategy selects how diverging edits are settled:
	// "last_write_wins" (default) or "prefer_server".
	ConflictStrategy string `yaml:"conflict_strategy"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "phytosync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/phytosync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "phytosync", "config.yaml"), nil
}

// DefaultDataDir returns the default data directory: ~/.local/share/phytosync.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "phytosync"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write serialises the config to path as a commented YAML template,
// creating parent directories as needed. The template is hand-rendered
// rather than yaml.Marshal'ed so duration fields come out as "5m" instead
// of raw nanosecond integers, and so each setting carries its doc line.
func (c *Config) Write(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var b strings.Builder
	b.WriteString("# phytosync configuration\n")
	b.WriteString("# Durations accept Go syntax: 30s, 5m, 1h.\n\n")

	b.WriteString("# Base URL of the PhytoVigil backend.\n")
	fmt.Fprintf(&b, "server_url: %q\n\n", c.ServerURL)

	b.WriteString("# Where the local database and secure blobs live.\n")
	fmt.Fprintf(&b, "data_dir: %q\n\n", c.DataDir)

	b.WriteString("# How often a periodic sync cycle is attempted (30s to 1h).\n")
	fmt.Fprintf(&b, "sync_interval: %s\n\n", c.SyncInterval)

	b.WriteString("# How often connectivity is probed (5s to 5m).\n")
	fmt.Fprintf(&b, "probe_interval: %s\n\n", c.ProbeInterval)

	b.WriteString("# Upper bound on each HTTP request to the backend.\n")
	fmt.Fprintf(&b, "request_timeout: %s\n\n", c.RequestTimeout)

	b.WriteString("# How diverging edits are settled: last_write_wins or prefer_server.\n")
	fmt.Fprintf(&b, "conflict_strategy: %s\n", c.ConflictStrategy)

	if c.Telemetry != nil {
		b.WriteString("\n# Optional OpenTelemetry export via OTLP gRPC.\n")
		tb, err := yaml.Marshal(map[string]*TelemetryConfig{"telemetry": c.Telemetry})
		if err != nil {
			return fmt.Errorf("serialising telemetry config: %w", err)
		}
		b.Write(tb)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// validate checks that all required fields are present and well-formed.
func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	u, err := url.ParseRequestURI(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("server_url %q must be a valid http or https URL", c.ServerURL)
	}

	if c.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = 5 * time.Minute
	}
	if c.SyncInterval < 30*time.Second {
		return fmt.Errorf("sync_interval %v is too short (minimum 30s)", c.SyncInterval)
	}
	if c.SyncInterval > time.Hour {
		return fmt.Errorf("sync_interval %v is too long (maximum 1h)", c.SyncInterval)
	}

	if c.ProbeInterval == 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbeInterval < 5*time.Second {
		return fmt.Errorf("probe_interval %v is too short (minimum 5s)", c.ProbeInterval)
	}
	if c.ProbeInterval > 5*time.Minute {
		return fmt.Errorf("probe_interval %v is too long (maximum 5m)", c.ProbeInterval)
	}

	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}

	switch c.ConflictStrategy {
	case "":
		c.ConflictStrategy = "last_write_wins"
	case "last_write_wins", "prefer_server":
	default:
		return fmt.Errorf("conflict_strategy %q is unknown (use last_write_wins or prefer_server)", c.ConflictStrategy)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
