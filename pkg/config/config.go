// Package config loads and validates the fleetlink configuration file.
// Configuration is YAML with environment variable expansion; every
// section has working defaults so a minimal file is enough to start.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Stream    StreamConfig    `yaml:"stream"`
	Registry  RegistryConfig  `yaml:"registry"`
	Router    RouterConfig    `yaml:"router"`
	Scan      ScanConfig      `yaml:"scan"`
	Workers   WorkersConfig   `yaml:"workers"`
	LLM       LLMConfig       `yaml:"llm"`
	Push      PushConfig      `yaml:"push"`
	Manifest  ManifestConfig  `yaml:"manifest"`
	Endpoints EndpointsConfig `yaml:"endpoints"`
}

// ServerConfig configures the HTTP server and its transports.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	BaseURL        string   `yaml:"base_url"` // public URL advertised on the agent card
	CORSOrigins    []string `yaml:"cors_origins"`
	RequestTimeout int      `yaml:"request_timeout"` // seconds, blocking sends
	EnableREST     bool     `yaml:"enable_rest"`
	EnableMetrics  bool     `yaml:"enable_metrics"`
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	// Driver is "memory", "sqlite", "postgres", or "mysql".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// StreamConfig configures the per-device stream store.
type StreamConfig struct {
	InlineThreshold int64  `yaml:"inline_threshold"` // bytes, payloads above spill to blob dir
	RetentionHours  int    `yaml:"retention_hours"`
	SweepInterval   int    `yaml:"sweep_interval"` // seconds
	BlobDir         string `yaml:"blob_dir"`
}

// RegistryConfig configures device liveness.
type RegistryConfig struct {
	HeartbeatHorizon int `yaml:"heartbeat_horizon"` // seconds without heartbeat before unknown
	LivenessInterval int `yaml:"liveness_interval"` // seconds between liveness sweeps
}

// RouterConfig configures intent routing.
type RouterConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	KeywordMinimum      int     `yaml:"keyword_minimum"`
}

// ScanConfig configures the stream scan loop.
type ScanConfig struct {
	Interval  int `yaml:"interval"`   // seconds
	BatchSize int `yaml:"batch_size"` // entries read per device per pass
}

// WorkersConfig configures the shared worker pool.
type WorkersConfig struct {
	Count       int `yaml:"count"`
	QueueDepth  int `yaml:"queue_depth"`
	GracePeriod int `yaml:"grace_period"` // seconds to wait on a full queue
}

// LLMConfig configures the analysis backend.
type LLMConfig struct {
	// Provider is "openai", "gemini", or "disabled".
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"` // OpenAI-compatible endpoints
	Timeout     int     `yaml:"timeout"`  // seconds
	Temperature float64 `yaml:"temperature"`
}

// PushConfig configures push notification delivery.
type PushConfig struct {
	// Enabled defaults to true when absent.
	Enabled        *bool `yaml:"enabled"`
	MaxAttempts    int   `yaml:"max_attempts"`
	AttemptTimeout int   `yaml:"attempt_timeout"` // seconds per HTTP attempt
}

// IsEnabled reports whether push delivery is on.
func (c *PushConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ManifestConfig names the service on its agent card.
type ManifestConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
}

// EndpointsConfig points at the external agent endpoint registry file.
type EndpointsConfig struct {
	File string `yaml:"file"`
}

// LoadFromFile reads, env-expands, decodes, defaults, and validates a
// configuration file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	expanded, err := yaml.Marshal(ExpandEnvVarsInData(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration usable without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero-valued fields with working defaults.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 60
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Stream.InlineThreshold == 0 {
		c.Stream.InlineThreshold = 1 << 20 // 1 MiB
	}
	if c.Stream.RetentionHours == 0 {
		c.Stream.RetentionHours = 24
	}
	if c.Stream.SweepInterval == 0 {
		c.Stream.SweepInterval = 60
	}
	if c.Stream.BlobDir == "" {
		c.Stream.BlobDir = "data/streams"
	}
	if c.Registry.HeartbeatHorizon == 0 {
		c.Registry.HeartbeatHorizon = 90
	}
	if c.Registry.LivenessInterval == 0 {
		c.Registry.LivenessInterval = 15
	}
	if c.Router.ConfidenceThreshold == 0 {
		c.Router.ConfidenceThreshold = 0.5
	}
	if c.Router.KeywordMinimum == 0 {
		c.Router.KeywordMinimum = 1
	}
	if c.Scan.Interval == 0 {
		c.Scan.Interval = 30
	}
	if c.Scan.BatchSize == 0 {
		c.Scan.BatchSize = 100
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = runtime.NumCPU()
		if c.Workers.Count < 4 {
			c.Workers.Count = 4
		}
	}
	if c.Workers.QueueDepth == 0 {
		c.Workers.QueueDepth = 256
	}
	if c.Workers.GracePeriod == 0 {
		c.Workers.GracePeriod = 5
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "disabled"
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 30
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = ProviderAPIKey(c.LLM.Provider)
	}
	if c.Push.MaxAttempts == 0 {
		c.Push.MaxAttempts = 6
	}
	if c.Push.AttemptTimeout == 0 {
		c.Push.AttemptTimeout = 15
	}
	if c.Manifest.Name == "" {
		c.Manifest.Name = "fleetlink"
	}
	if c.Manifest.Description == "" {
		c.Manifest.Description = "A2A broker for a fleet of tool-capable devices"
	}
	if c.Manifest.Version == "" {
		c.Manifest.Version = "0.1.0"
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "postgres", "mysql":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q (supported: memory, sqlite, postgres, mysql)", c.Storage.Driver)
	}
	if c.Stream.InlineThreshold < 0 {
		return fmt.Errorf("stream.inline_threshold must be non-negative")
	}
	if c.Router.ConfidenceThreshold < 0 || c.Router.ConfidenceThreshold > 1 {
		return fmt.Errorf("router.confidence_threshold must be in [0,1], got %g", c.Router.ConfidenceThreshold)
	}
	switch c.LLM.Provider {
	case "disabled", "openai", "gemini":
	default:
		return fmt.Errorf("unsupported llm.provider %q (supported: openai, gemini, disabled)", c.LLM.Provider)
	}
	if c.LLM.Provider != "disabled" && c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required for provider %q", c.LLM.Provider)
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1")
	}
	return nil
}

// Duration accessors. Config stores intervals as integer seconds.

func (c *ServerConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

func (c *StreamConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

func (c *StreamConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}

func (c *RegistryConfig) HeartbeatHorizonDuration() time.Duration {
	return time.Duration(c.HeartbeatHorizon) * time.Second
}

func (c *RegistryConfig) LivenessIntervalDuration() time.Duration {
	return time.Duration(c.LivenessInterval) * time.Second
}

func (c *ScanConfig) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

func (c *WorkersConfig) GracePeriodDuration() time.Duration {
	return time.Duration(c.GracePeriod) * time.Second
}

func (c *LLMConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func (c *PushConfig) AttemptTimeoutDuration() time.Duration {
	return time.Duration(c.AttemptTimeout) * time.Second
}
