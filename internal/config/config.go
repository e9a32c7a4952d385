package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultBaseURL          = "https://protopedia.net/v2/api"
	DefaultTokenEnv         = "PROTOPEDIA_API_V2_TOKEN"
	DefaultUpstreamTimeout  = 30 * time.Second
	DefaultUserAgent        = "protosnap/1.0"
	DefaultSnapshotTTL      = 30 * time.Minute
	DefaultMaxDataSizeBytes = 10 * 1024 * 1024
	DefaultFetchLimit       = 10
	DefaultRefreshInterval  = 30 * time.Minute
	DefaultBackoffInitial   = 5 * time.Second
	DefaultBackoffMax       = 5 * time.Minute
	DefaultHTTPAddr         = ":8080"
	DefaultWSInterval       = 5 * time.Second
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultServiceName      = "protosnap"
)

// Config is the top-level configuration. Fields map 1:1 to config.example.yaml.
type Config struct {
	Upstream  UpstreamConfig  `yaml:"upstream" toml:"upstream"`
	Snapshot  SnapshotConfig  `yaml:"snapshot" toml:"snapshot"`
	Refresh   RefreshConfig   `yaml:"refresh" toml:"refresh"`
	HTTP      HTTPConfig      `yaml:"http" toml:"http"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// UpstreamConfig describes how to reach the ProtoPedia API.
type UpstreamConfig struct {
	// BaseURL is the API root; list requests go to BaseURL + "/prototype/list".
	BaseURL string `yaml:"base_url" toml:"base_url"`

	// TokenEnv is the name of the environment variable that holds the bearer token.
	TokenEnv string `yaml:"token_env" toml:"token_env"`

	// Timeout bounds one list request end to end.
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`

	// UserAgent is sent on every request.
	UserAgent string `yaml:"user_agent" toml:"user_agent"`

	// TLS holds optional TLS dial options.
	TLS TLSConfig `yaml:"tls" toml:"tls"`
}

// Token returns the bearer token resolved from the environment.
// Returns empty string if TokenEnv is unset or the variable is not found.
func (u UpstreamConfig) Token() string {
	if u.TokenEnv == "" {
		return ""
	}
	return os.Getenv(u.TokenEnv)
}

// TLSConfig holds TLS dial options for the upstream connection.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this against local test doubles.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
}

// SnapshotConfig controls the in-memory snapshot.
type SnapshotConfig struct {
	// TTL is how long a snapshot counts as fresh. 0 disables expiry.
	TTL time.Duration `yaml:"ttl" toml:"ttl"`

	// MaxDataSizeBytes caps the estimated serialized size of a snapshot.
	MaxDataSizeBytes int64 `yaml:"max_data_size_bytes" toml:"max_data_size_bytes"`

	// Defaults are the list parameters used when a caller supplies none.
	Defaults FetchDefaults `yaml:"defaults" toml:"defaults"`
}

// FetchDefaults are the default query parameters for snapshot fetches.
type FetchDefaults struct {
	Offset      int    `yaml:"offset" toml:"offset"`
	Limit       int    `yaml:"limit" toml:"limit"`
	PrototypeID int    `yaml:"prototype_id" toml:"prototype_id"`
	Status      int    `yaml:"status" toml:"status"`
	UserNm      string `yaml:"user_nm" toml:"user_nm"`
	TagNm       string `yaml:"tag_nm" toml:"tag_nm"`
	EventNm     string `yaml:"event_nm" toml:"event_nm"`
	MaterialNm  string `yaml:"material_nm" toml:"material_nm"`
}

// RefreshConfig controls the background refresher.
type RefreshConfig struct {
	// Enabled starts the refresher in the daemon. The first snapshot is
	// fetched at startup either way.
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// Interval is the delay between successful refreshes.
	Interval time.Duration `yaml:"interval" toml:"interval"`

	// BackoffInitial and BackoffMax bound the retry delay after failures.
	BackoffInitial time.Duration `yaml:"backoff_initial" toml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max" toml:"backoff_max"`
}

// HTTPConfig controls the REST API, WebSocket hub and /metrics listener.
type HTTPConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr" toml:"addr"`

	// Auth configures API key checks on /api/ routes.
	Auth AuthConfig `yaml:"auth" toml:"auth"`

	// WSInterval is how often the hub broadcasts snapshot stats.
	WSInterval time.Duration `yaml:"ws_interval" toml:"ws_interval"`
}

// AuthConfig controls client authentication on the HTTP API.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode" toml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env" toml:"key_env"`

	// Header is the HTTP header to read the key from. Defaults to "x-api-key".
	Header string `yaml:"header" toml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is one of: debug | info | warn | error. Reloadable at runtime.
	Level string `yaml:"level" toml:"level"`

	// Format is one of: json | text.
	Format string `yaml:"format" toml:"format"`
}

// SlogLevel maps Level to a slog.Level.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Stdout      bool   `yaml:"stdout" toml:"stdout"`
	ServiceName string `yaml:"service_name" toml:"service_name"`
}

// Load reads and parses the config file at path. Files ending in .toml are
// decoded as TOML, everything else as YAML.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("config: parse toml: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return defaults()
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			BaseURL:   DefaultBaseURL,
			TokenEnv:  DefaultTokenEnv,
			Timeout:   DefaultUpstreamTimeout,
			UserAgent: DefaultUserAgent,
		},
		Snapshot: SnapshotConfig{
			TTL:              DefaultSnapshotTTL,
			MaxDataSizeBytes: DefaultMaxDataSizeBytes,
			Defaults:         FetchDefaults{Limit: DefaultFetchLimit},
		},
		Refresh: RefreshConfig{
			Enabled:        true,
			Interval:       DefaultRefreshInterval,
			BackoffInitial: DefaultBackoffInitial,
			BackoffMax:     DefaultBackoffMax,
		},
		HTTP: HTTPConfig{
			Addr:       DefaultHTTPAddr,
			WSInterval: DefaultWSInterval,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Telemetry: TelemetryConfig{
			ServiceName: DefaultServiceName,
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if !strings.HasPrefix(cfg.Upstream.BaseURL, "http://") && !strings.HasPrefix(cfg.Upstream.BaseURL, "https://") {
		return fmt.Errorf("upstream.base_url %q must be an http(s) URL", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if cfg.Snapshot.TTL < 0 {
		return fmt.Errorf("snapshot.ttl must not be negative")
	}
	if cfg.Snapshot.MaxDataSizeBytes < 0 {
		return fmt.Errorf("snapshot.max_data_size_bytes must not be negative")
	}
	if cfg.Snapshot.Defaults.Offset < 0 {
		return fmt.Errorf("snapshot.defaults.offset must not be negative")
	}
	if cfg.Snapshot.Defaults.Limit < 0 {
		return fmt.Errorf("snapshot.defaults.limit must not be negative")
	}
	if cfg.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh.interval must be positive")
	}
	if cfg.Refresh.BackoffInitial <= 0 || cfg.Refresh.BackoffMax < cfg.Refresh.BackoffInitial {
		return fmt.Errorf("refresh.backoff_initial must be positive and not above refresh.backoff_max")
	}
	if cfg.HTTP.WSInterval <= 0 {
		return fmt.Errorf("http.ws_interval must be positive")
	}
	switch cfg.HTTP.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("http.auth.mode %q unknown: want apikey|none", cfg.HTTP.Auth.Mode)
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		return fmt.Errorf("log.level %q unknown: want debug|info|warn|error", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format %q unknown: want json|text", cfg.Log.Format)
	}
	return nil
}
