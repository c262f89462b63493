// Package config provides configuration loading and management for the
// advisory service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agrosense/agrosense/mcp"
	"github.com/agrosense/agrosense/model"
)

// Config represents the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Router    RouterConfig    `yaml:"router"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Regional  RegionalConfig  `yaml:"regional"`
	Alert     AlertConfig     `yaml:"alert"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Addr is the listen address (default: :8080)
	Addr string `yaml:"addr"`
	// ReadTimeout bounds request reads (duration string, e.g. "30s")
	ReadTimeout string `yaml:"read_timeout"`
	// WriteTimeout bounds response writes
	WriteTimeout string `yaml:"write_timeout"`
}

// StoreConfig configures the session context store.
type StoreConfig struct {
	// Backend selects the store implementation: "memory" or "nats"
	Backend string `yaml:"backend"`
	// IdleTTL evicts sessions idle longer than this (duration string)
	IdleTTL string `yaml:"idle_ttl"`
	// Bucket is the KV bucket name for the nats backend
	Bucket string `yaml:"bucket"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = NATS features disabled)
	URL string `yaml:"url"`
	// Name is the connection name reported to the server
	Name string `yaml:"name"`
}

// RouterConfig configures the capability-based model router.
type RouterConfig struct {
	// Capabilities maps capability names to backend preference chains
	Capabilities map[string]CapabilityEntry `yaml:"capabilities"`
	// Endpoints maps backend names to their provider settings
	Endpoints map[string]EndpointEntry `yaml:"endpoints"`
	// Default is the backend used when no capability matches
	Default string `yaml:"default"`
	// FailureThreshold is the consecutive-failure count that opens a
	// backend's circuit
	FailureThreshold int `yaml:"failure_threshold"`
	// RecoveryTimeout is how long an open circuit waits before a probe
	RecoveryTimeout string `yaml:"recovery_timeout"`
}

// CapabilityEntry is one capability's backend preference chain.
type CapabilityEntry struct {
	Description string   `yaml:"description"`
	Preferred   []string `yaml:"preferred"`
	Fallback    []string `yaml:"fallback"`
}

// EndpointEntry is one backend's provider settings.
type EndpointEntry struct {
	// Provider is the wire protocol: openai, gemini, or cohere
	Provider string `yaml:"provider"`
	// URL overrides the provider's default base URL
	URL string `yaml:"url"`
	// Model is the model identifier sent to the provider
	Model string `yaml:"model"`
	// Timeout bounds one request (duration string, e.g. "30s")
	Timeout string `yaml:"timeout"`
	// MaxAttempts is the retry budget for this backend
	MaxAttempts int `yaml:"max_attempts"`
	// MaxTokens caps response length
	MaxTokens int `yaml:"max_tokens"`
}

// RetrievalConfig configures the knowledge retrieval step.
type RetrievalConfig struct {
	// IndexURL is the vector index service base URL
	IndexURL string `yaml:"index_url"`
	// TopK is the number of passages to keep (default: 5)
	TopK int `yaml:"top_k"`
	// MinScore drops candidates below this similarity (default: 0.3)
	MinScore float64 `yaml:"min_score"`
}

// RegionalConfig configures the external-data step.
type RegionalConfig struct {
	// OpenWeatherURL overrides the OpenWeatherMap base URL (tests)
	OpenWeatherURL string `yaml:"openweather_url"`
	// WeatherAPIURL overrides the WeatherAPI.com base URL (tests)
	WeatherAPIURL string `yaml:"weatherapi_url"`
	// PricesURL is the market data service base URL (empty = built-in
	// reference estimates)
	PricesURL string `yaml:"prices_url"`
	// FetchTimeout bounds each half of the fetch (duration string)
	FetchTimeout string `yaml:"fetch_timeout"`
}

// AlertConfig configures the action step.
type AlertConfig struct {
	// Threshold is the minimum severity that fires an alert:
	// LOW, MEDIUM, HIGH, or CRITICAL (default: HIGH)
	Threshold string `yaml:"threshold"`
	// Trigger selects delivery: "webhook" or "nats"
	Trigger string `yaml:"trigger"`
	// WebhookURL is the workflow webhook endpoint
	WebhookURL string `yaml:"webhook_url"`
	// Subject is the NATS subject for the nats trigger
	Subject string `yaml:"subject"`
	// MaxAttempts is the delivery retry budget
	MaxAttempts int `yaml:"max_attempts"`
}

// PipelineConfig bounds each coordinator phase (duration strings).
type PipelineConfig struct {
	ClassifyTimeout string `yaml:"classify_timeout"`
	RetrieveTimeout string `yaml:"retrieve_timeout"`
	RegionalTimeout string `yaml:"regional_timeout"`
	DiagnoseTimeout string `yaml:"diagnose_timeout"`
	ActTimeout      string `yaml:"act_timeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is debug, info, warn, or error (default: info)
	Level string `yaml:"level"`
	// Format is "text" or "json" (default: text)
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "120s",
		},
		Store: StoreConfig{
			Backend: "memory",
			IdleTTL: "30m",
			Bucket:  "agrosense-sessions",
		},
		NATS: NATSConfig{
			URL:  "",
			Name: "agrosense",
		},
		Router: RouterConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  "30s",
		},
		Retrieval: RetrievalConfig{
			IndexURL: "http://localhost:9200",
			TopK:     5,
			MinScore: 0.3,
		},
		Regional: RegionalConfig{
			FetchTimeout: "15s",
		},
		Alert: AlertConfig{
			Threshold:   "HIGH",
			Trigger:     "webhook",
			MaxAttempts: 3,
		},
		Pipeline: PipelineConfig{
			ClassifyTimeout: "15s",
			RetrieveTimeout: "20s",
			RegionalTimeout: "20s",
			DiagnoseTimeout: "60s",
			ActTimeout:      "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Store.Backend {
	case "memory":
	case "nats":
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for store.backend nats")
		}
		if c.Store.Bucket == "" {
			return fmt.Errorf("store.bucket is required for store.backend nats")
		}
	default:
		return fmt.Errorf("store.backend must be memory or nats, got %q", c.Store.Backend)
	}
	switch c.Alert.Trigger {
	case "webhook":
		// WebhookURL may be empty: alerts are then evaluated but not delivered.
	case "nats":
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for alert.trigger nats")
		}
	default:
		return fmt.Errorf("alert.trigger must be webhook or nats, got %q", c.Alert.Trigger)
	}
	if c.Retrieval.MinScore < 0 || c.Retrieval.MinScore > 1 {
		return fmt.Errorf("retrieval.min_score must be between 0 and 1")
	}
	for _, d := range []struct {
		name  string
		value string
	}{
		{"store.idle_ttl", c.Store.IdleTTL},
		{"router.recovery_timeout", c.Router.RecoveryTimeout},
		{"regional.fetch_timeout", c.Regional.FetchTimeout},
		{"pipeline.classify_timeout", c.Pipeline.ClassifyTimeout},
		{"pipeline.retrieve_timeout", c.Pipeline.RetrieveTimeout},
		{"pipeline.regional_timeout", c.Pipeline.RegionalTimeout},
		{"pipeline.diagnose_timeout", c.Pipeline.DiagnoseTimeout},
		{"pipeline.act_timeout", c.Pipeline.ActTimeout},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// duration parses a duration string, falling back when empty or invalid.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetIdleTTL returns the parsed session idle TTL.
func (c *Config) GetIdleTTL() time.Duration {
	return duration(c.Store.IdleTTL, 30*time.Minute)
}

// GetReadTimeout returns the parsed server read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	return duration(c.Server.ReadTimeout, 30*time.Second)
}

// GetWriteTimeout returns the parsed server write timeout.
func (c *Config) GetWriteTimeout() time.Duration {
	return duration(c.Server.WriteTimeout, 120*time.Second)
}

// GetFetchTimeout returns the parsed regional fetch timeout.
func (c *Config) GetFetchTimeout() time.Duration {
	return duration(c.Regional.FetchTimeout, 15*time.Second)
}

// GetRecoveryTimeout returns the parsed circuit recovery timeout.
func (c *Config) GetRecoveryTimeout() time.Duration {
	return duration(c.Router.RecoveryTimeout, 30*time.Second)
}

// GetAlertThreshold returns the parsed alert severity threshold.
func (c *Config) GetAlertThreshold() mcp.Severity {
	if c.Alert.Threshold == "" {
		return mcp.SeverityHigh
	}
	return mcp.ParseSeverity(c.Alert.Threshold)
}

// BuildRegistry converts the router section into a model registry. An
// empty router section yields the built-in default chains; a populated
// one merges endpoint and capability entries over them.
func (c *Config) BuildRegistry() *model.Registry {
	registry := model.NewDefaultRegistry()

	for name, entry := range c.Router.Capabilities {
		cap := model.ParseCapability(name)
		if cap == "" {
			cap = model.Capability(name)
		}
		registry.SetCapability(cap, &model.CapabilityConfig{
			Description: entry.Description,
			Preferred:   entry.Preferred,
			Fallback:    entry.Fallback,
		})
	}

	for name, entry := range c.Router.Endpoints {
		registry.SetEndpoint(name, &model.EndpointConfig{
			Provider:    entry.Provider,
			URL:         entry.URL,
			Model:       entry.Model,
			Timeout:     duration(entry.Timeout, 30*time.Second),
			MaxAttempts: entry.MaxAttempts,
			MaxTokens:   entry.MaxTokens,
		})
	}

	if c.Router.Default != "" {
		registry.SetDefault(c.Router.Default)
	}

	healthCfg := model.DefaultHealthConfig()
	if c.Router.FailureThreshold > 0 {
		healthCfg.FailureThreshold = c.Router.FailureThreshold
	}
	healthCfg.RecoveryTimeout = c.GetRecoveryTimeout()
	registry.SetHealthConfig(healthCfg)

	return registry
}

// PipelineTimeouts returns the parsed coordinator phase budgets.
type PipelineTimeouts struct {
	Classify time.Duration
	Retrieve time.Duration
	Regional time.Duration
	Diagnose time.Duration
	Act      time.Duration
}

// GetPipelineTimeouts returns the parsed coordinator phase budgets.
func (c *Config) GetPipelineTimeouts() PipelineTimeouts {
	return PipelineTimeouts{
		Classify: duration(c.Pipeline.ClassifyTimeout, 15*time.Second),
		Retrieve: duration(c.Pipeline.RetrieveTimeout, 20*time.Second),
		Regional: duration(c.Pipeline.RegionalTimeout, 20*time.Second),
		Diagnose: duration(c.Pipeline.DiagnoseTimeout, 60*time.Second),
		Act:      duration(c.Pipeline.ActTimeout, 30*time.Second),
	}
}

// Merge merges another config into this one (other takes precedence
// for non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.ReadTimeout != "" {
		c.Server.ReadTimeout = other.Server.ReadTimeout
	}
	if other.Server.WriteTimeout != "" {
		c.Server.WriteTimeout = other.Server.WriteTimeout
	}

	if other.Store.Backend != "" {
		c.Store.Backend = other.Store.Backend
	}
	if other.Store.IdleTTL != "" {
		c.Store.IdleTTL = other.Store.IdleTTL
	}
	if other.Store.Bucket != "" {
		c.Store.Bucket = other.Store.Bucket
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Name != "" {
		c.NATS.Name = other.NATS.Name
	}

	if len(other.Router.Capabilities) > 0 {
		if c.Router.Capabilities == nil {
			c.Router.Capabilities = make(map[string]CapabilityEntry)
		}
		for k, v := range other.Router.Capabilities {
			c.Router.Capabilities[k] = v
		}
	}
	if len(other.Router.Endpoints) > 0 {
		if c.Router.Endpoints == nil {
			c.Router.Endpoints = make(map[string]EndpointEntry)
		}
		for k, v := range other.Router.Endpoints {
			c.Router.Endpoints[k] = v
		}
	}
	if other.Router.Default != "" {
		c.Router.Default = other.Router.Default
	}
	if other.Router.FailureThreshold != 0 {
		c.Router.FailureThreshold = other.Router.FailureThreshold
	}
	if other.Router.RecoveryTimeout != "" {
		c.Router.RecoveryTimeout = other.Router.RecoveryTimeout
	}

	if other.Retrieval.IndexURL != "" {
		c.Retrieval.IndexURL = other.Retrieval.IndexURL
	}
	if other.Retrieval.TopK != 0 {
		c.Retrieval.TopK = other.Retrieval.TopK
	}
	if other.Retrieval.MinScore != 0 {
		c.Retrieval.MinScore = other.Retrieval.MinScore
	}

	if other.Regional.OpenWeatherURL != "" {
		c.Regional.OpenWeatherURL = other.Regional.OpenWeatherURL
	}
	if other.Regional.WeatherAPIURL != "" {
		c.Regional.WeatherAPIURL = other.Regional.WeatherAPIURL
	}
	if other.Regional.PricesURL != "" {
		c.Regional.PricesURL = other.Regional.PricesURL
	}
	if other.Regional.FetchTimeout != "" {
		c.Regional.FetchTimeout = other.Regional.FetchTimeout
	}

	if other.Alert.Threshold != "" {
		c.Alert.Threshold = other.Alert.Threshold
	}
	if other.Alert.Trigger != "" {
		c.Alert.Trigger = other.Alert.Trigger
	}
	if other.Alert.WebhookURL != "" {
		c.Alert.WebhookURL = other.Alert.WebhookURL
	}
	if other.Alert.Subject != "" {
		c.Alert.Subject = other.Alert.Subject
	}
	if other.Alert.MaxAttempts != 0 {
		c.Alert.MaxAttempts = other.Alert.MaxAttempts
	}

	if other.Pipeline.ClassifyTimeout != "" {
		c.Pipeline.ClassifyTimeout = other.Pipeline.ClassifyTimeout
	}
	if other.Pipeline.RetrieveTimeout != "" {
		c.Pipeline.RetrieveTimeout = other.Pipeline.RetrieveTimeout
	}
	if other.Pipeline.RegionalTimeout != "" {
		c.Pipeline.RegionalTimeout = other.Pipeline.RegionalTimeout
	}
	if other.Pipeline.DiagnoseTimeout != "" {
		c.Pipeline.DiagnoseTimeout = other.Pipeline.DiagnoseTimeout
	}
	if other.Pipeline.ActTimeout != "" {
		c.Pipeline.ActTimeout = other.Pipeline.ActTimeout
	}

	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.Format != "" {
		c.Logging.Format = other.Logging.Format
	}
}
