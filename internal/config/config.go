// Package config provides YAML configuration loading and validation for the
// event server.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the event server.
type Config struct {
	// Host is the listener bind address (e.g. "0.0.0.0"). Defaults to
	// "0.0.0.0" when omitted.
	Host string `yaml:"host"`

	// Port is the listener TCP port. Required.
	Port int `yaml:"port"`

	// IdleTimeoutSeconds closes a connection that has sent or received no
	// traffic for this many seconds. Defaults to 60.
	IdleTimeoutSeconds int `yaml:"idle_timeout"`

	// PingIntervalSeconds is how often the server pings an otherwise-idle
	// WebSocket client. Defaults to 25.
	PingIntervalSeconds int `yaml:"ping_interval"`

	// PingTimeoutSeconds closes a connection that does not pong within this
	// many seconds of a server-initiated ping. Defaults to 10.
	PingTimeoutSeconds int `yaml:"ping_timeout"`

	// MaxFrameBytes is the largest single WebSocket frame payload the
	// server will accept. Defaults to 2 MiB.
	MaxFrameBytes int `yaml:"max_frame_bytes"`

	// MaxMessageBytes is the largest reassembled WebSocket message the
	// server will accept. Defaults to 4 MiB.
	MaxMessageBytes int `yaml:"max_message_bytes"`

	// WriteBufferBytes is the per-connection outgoing buffer cap. Defaults
	// to 1 MiB.
	WriteBufferBytes int `yaml:"write_buffer_bytes"`

	// CORS holds cross-origin resource sharing policy.
	CORS CORSConfig `yaml:"cors"`

	// Queue configures the broadcast queue file reader.
	Queue QueueConfig `yaml:"queue"`

	// Auth configures the optional JWT handshake/REST middleware.
	Auth AuthConfig `yaml:"auth"`

	// Metrics configures the built-in metrics HTTP route.
	Metrics MetricsConfig `yaml:"metrics"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// WorkerPoolSize is the number of goroutines available to handlers that
	// offload CPU-bound work via the Server facade's Go method. Defaults to
	// 4. Results re-enter the reactor through the same command queue a
	// cross-goroutine Server call uses, never by touching connection state
	// directly.
	WorkerPoolSize int `yaml:"worker_pool_size"`
}

// CORSConfig controls the CORS headers the server adds to HTTP responses.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	MaxAgeSeconds    int      `yaml:"max_age"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// QueueConfig controls the append-only broadcast queue file reader.
type QueueConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"`
}

// AuthConfig controls optional JWT bearer-token validation.
type AuthConfig struct {
	// JWTPublicKeyPath is the path to a PEM-encoded RSA public key used to
	// verify RS256 bearer tokens. Empty disables JWT validation.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`
}

// MetricsConfig controls the built-in introspection HTTP route.
type MetricsConfig struct {
	// Path is the HTTP path the metrics snapshot is served on. LoadConfig
	// replaces an empty or omitted value with "/metrics", so a loaded
	// configuration always serves the route.
	Path string `yaml:"path"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config,
// applies defaults, and validates all required fields. On validation
// failure it returns an error wrapping every failure encountered, joined
// with errors.Join, rather than stopping at the first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.IdleTimeoutSeconds == 0 {
		cfg.IdleTimeoutSeconds = 60
	}
	if cfg.PingIntervalSeconds == 0 {
		cfg.PingIntervalSeconds = 25
	}
	if cfg.PingTimeoutSeconds == 0 {
		cfg.PingTimeoutSeconds = 10
	}
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = 2 * 1024 * 1024
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = 4 * 1024 * 1024
	}
	if cfg.WriteBufferBytes == 0 {
		cfg.WriteBufferBytes = 1024 * 1024
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = 4
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d must be between 1 and 65535", cfg.Port))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Queue.Enabled && cfg.Queue.File == "" {
		errs = append(errs, errors.New("queue.file is required when queue.enabled is true"))
	}
	if cfg.WriteBufferBytes <= 0 {
		errs = append(errs, errors.New("write_buffer_bytes must be positive"))
	}
	if cfg.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("max_frame_bytes must be positive"))
	}
	if cfg.MaxMessageBytes < cfg.MaxFrameBytes {
		errs = append(errs, errors.New("max_message_bytes must be >= max_frame_bytes"))
	}

	return errors.Join(errs...)
}
