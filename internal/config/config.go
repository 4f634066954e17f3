// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/autorouter/autorouter/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Database      DatabaseConfig     `yaml:"database"`
	EncryptionKey string             `yaml:"encryption_key"` // base64 32-byte key, never logged
	Failover      FailoverConfig     `yaml:"failover"`
	Affinity      AffinityConfig     `yaml:"affinity"`
	Circuit       CircuitConfig      `yaml:"circuit"`
	Quota         QuotaConfig        `yaml:"quota"`
	Routing       RoutingConfig      `yaml:"routing"`
	Forward       ForwardConfig      `yaml:"forward"`
	HealthCheck   HealthCheckConfig  `yaml:"active_health_check"`
	Telemetry     TelemetryConfig    `yaml:"telemetry"`
	Compensation  []CompensationRule `yaml:"compensation_rules"`
	Upstreams     []UpstreamEntry    `yaml:"upstreams"`
	Keys          []KeyEntry         `yaml:"keys"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"downstream_read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// FailoverConfig controls the attempt loop.
type FailoverConfig struct {
	Strategy           string `yaml:"strategy"` // "exhaust_all" or "max_attempts"
	MaxAttempts        int    `yaml:"max_attempts"`
	ExcludeStatusCodes []int  `yaml:"exclude_status_codes"`
}

// AffinityConfig controls session stickiness TTLs.
type AffinityConfig struct {
	SlidingTTL time.Duration `yaml:"sliding_ttl"`
	MaxTTL     time.Duration `yaml:"max_ttl"`
}

// CircuitConfig carries breaker defaults used when an upstream has none.
type CircuitConfig struct {
	Default gateway.BreakerConfig `yaml:"default"`
}

// QuotaConfig controls reconciler cadence.
type QuotaConfig struct {
	UrgentThresholdPercent float64       `yaml:"urgent_threshold_percent"`
	UrgentSyncInterval     time.Duration `yaml:"urgent_sync_interval"`
	NormalSyncInterval     time.Duration `yaml:"normal_sync_interval"`
}

// RoutingConfig controls candidate selection.
type RoutingConfig struct {
	Strategy     string `yaml:"strategy"` // weighted | round_robin | least_connections
	StrictHealth bool   `yaml:"strict_health"`
}

// ForwardConfig controls the forwarder.
type ForwardConfig struct {
	UpstreamReadTimeout time.Duration `yaml:"upstream_read_timeout"` // per-chunk stall deadline
	ReplayBufferMax     int64         `yaml:"replay_buffer_max_bytes"`
}

// HealthCheckConfig controls the optional active prober.
type HealthCheckConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// CompensationRule configures header compensation for selected capabilities.
type CompensationRule struct {
	Capabilities []string `yaml:"capabilities"`
	TargetHeader string   `yaml:"target_header"`
	Sources      []string `yaml:"sources"`
	Mode         string   `yaml:"mode"` // missing_only | always
}

// UpstreamEntry is an upstream seed in the config file. The plaintext api_key
// is encrypted at bootstrap and never persisted in the clear.
type UpstreamEntry struct {
	Name              string                   `yaml:"name"`
	ProviderType      string                   `yaml:"provider_type"`
	BaseURL           string                   `yaml:"base_url"`
	APIKey            string                   `yaml:"api_key"`
	Timeout           time.Duration            `yaml:"timeout"`
	Enabled           *bool                    `yaml:"enabled"`
	Weight            int                      `yaml:"weight"`
	Priority          int                      `yaml:"priority"`
	RouteCapabilities []string                 `yaml:"route_capabilities"`
	AllowedModels     []string                 `yaml:"allowed_models"`
	ModelRedirects    map[string]string        `yaml:"model_redirects"`
	CircuitBreaker    *gateway.BreakerConfig   `yaml:"circuit_breaker"`
	AffinityMigration *gateway.MigrationConfig `yaml:"affinity_migration"`
	Multipliers       gateway.Multipliers      `yaml:"billing_multipliers"`
	SpendingRules     []gateway.SpendingRule   `yaml:"spending_rules"`
}

// IsEnabled reports whether the upstream is enabled (defaults to true when nil).
func (u UpstreamEntry) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// KeyEntry is an API key seed in the config file.
type KeyEntry struct {
	Name             string   `yaml:"name"`
	Key              string   `yaml:"key"` // plaintext, hashed on bootstrap
	AllowedUpstreams []string `yaml:"allowed_upstreams"` // upstream names
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config bytes, expanding environment variables and applying
// defaults before unmarshal.
func Parse(data []byte) (*Config, error) {
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streams must not be cut off by a write deadline
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "autorouter.db",
		},
		Failover: FailoverConfig{
			Strategy:           "exhaust_all",
			ExcludeStatusCodes: []int{400},
		},
		Affinity: AffinityConfig{
			SlidingTTL: 5 * time.Minute,
			MaxTTL:     30 * time.Minute,
		},
		Circuit: CircuitConfig{
			Default: gateway.DefaultBreakerConfig(),
		},
		Quota: QuotaConfig{
			UrgentThresholdPercent: 80,
			UrgentSyncInterval:     time.Minute,
			NormalSyncInterval:     5 * time.Minute,
		},
		Routing: RoutingConfig{
			Strategy: "weighted",
		},
		Forward: ForwardConfig{
			UpstreamReadTimeout: 60 * time.Second,
			ReplayBufferMax:     8 << 20,
		},
		HealthCheck: HealthCheckConfig{
			Interval: 30 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
