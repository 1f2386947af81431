package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

type Config struct {
	Fetcher   FetcherConfig   `json:"fetcher"`
	Evaluator EvaluatorConfig `json:"evaluator"`
	Files     FilesConfig     `json:"files"`
	API       APIConfig       `json:"api"`
	Storage   StorageConfig   `json:"storage"`
	Metrics   MetricsConfig   `json:"metrics"`
	Logging   LoggingConfig   `json:"logging"`

	mu       sync.RWMutex
	filePath string
}

type FetcherConfig struct {
	TimeoutMs    int    `json:"timeout_ms"`
	Retries      int    `json:"retries"`
	RetryDelayMs int    `json:"retry_delay_ms"`
	UserAgent    string `json:"user_agent"`
	SocksProxy   string `json:"socks_proxy"` // optional upstream socks5 host:port
	MaxBodyBytes int64  `json:"max_body_bytes"`
}

type EvaluatorConfig struct {
	IntervalSeconds int `json:"interval_seconds"`
	Concurrency     int `json:"concurrency"`
}

// SubscriptionPolicy controls what is written back to the subscription list
// after a run.
type SubscriptionPolicy string

const (
	PolicyPruneInvalid SubscriptionPolicy = "prune-invalid"
	PolicyKeepAll      SubscriptionPolicy = "keep-all"
	PolicyClassify     SubscriptionPolicy = "keep-all-plus-classification-files"
)

type FilesConfig struct {
	SubscriptionFile   string             `json:"subscription_file"`
	OutputFile         string             `json:"output_file"`
	ValidFile          string             `json:"valid_file"`
	InvalidFile        string             `json:"invalid_file"`
	SubscriptionPolicy SubscriptionPolicy `json:"subscription_policy"`
}

type APIConfig struct {
	Addr               string `json:"addr"`
	APIKeyEnv          string `json:"api_key_env"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool   `json:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `json:"enable_ip_rate_limit"`
}

type StorageConfig struct {
	Type                   string `json:"type"` // "file", "sqlite", "redis"
	Path                   string `json:"path"`
	PersistIntervalSeconds int    `json:"persist_interval_seconds"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	Namespace string `json:"namespace"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// Load reads configuration from JSON file
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}

	cfg.filePath = filePath
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	globalConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Fetcher.TimeoutMs == 0 {
		c.Fetcher.TimeoutMs = 10000
	}
	if c.Fetcher.Retries == 0 {
		c.Fetcher.Retries = 3
	}
	if c.Fetcher.RetryDelayMs == 0 {
		c.Fetcher.RetryDelayMs = 2000
	}
	if c.Fetcher.UserAgent == "" {
		c.Fetcher.UserAgent = "Mozilla/5.0"
	}
	if c.Fetcher.MaxBodyBytes == 0 {
		c.Fetcher.MaxBodyBytes = 10 * 1024 * 1024
	}
	if c.Evaluator.IntervalSeconds == 0 {
		c.Evaluator.IntervalSeconds = 3600
	}
	if c.Evaluator.Concurrency == 0 {
		c.Evaluator.Concurrency = 16
	}
	if c.Files.SubscriptionFile == "" {
		c.Files.SubscriptionFile = "sub.txt"
	}
	if c.Files.OutputFile == "" {
		c.Files.OutputFile = "config.txt"
	}
	if c.Files.ValidFile == "" {
		c.Files.ValidFile = "sub_valid.txt"
	}
	if c.Files.InvalidFile == "" {
		c.Files.InvalidFile = "sub_invalid.txt"
	}
	if c.Files.SubscriptionPolicy == "" {
		c.Files.SubscriptionPolicy = PolicyClassify
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8083"
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 1200
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/snapshot.json"
	}
	if c.Storage.PersistIntervalSeconds == 0 {
		c.Storage.PersistIntervalSeconds = 300
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "subaggregator"
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Reload reloads configuration from file
func (c *Config) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	newCfg, err := Load(c.filePath)
	if err != nil {
		return err
	}

	c.Fetcher = newCfg.Fetcher
	c.Evaluator = newCfg.Evaluator
	c.Files = newCfg.Files
	c.API = newCfg.API
	c.Storage = newCfg.Storage
	c.Metrics = newCfg.Metrics
	c.Logging = newCfg.Logging
	c.filePath = newCfg.filePath
	return nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Evaluator.Concurrency < 1 || c.Evaluator.Concurrency > 1000 {
		return fmt.Errorf("concurrency must be between 1 and 1000")
	}
	if c.Fetcher.TimeoutMs < 100 || c.Fetcher.TimeoutMs > 300000 {
		return fmt.Errorf("timeout_ms must be between 100 and 300000")
	}
	if c.Fetcher.Retries < 1 || c.Fetcher.Retries > 10 {
		return fmt.Errorf("retries must be between 1 and 10")
	}
	switch c.Files.SubscriptionPolicy {
	case PolicyPruneInvalid, PolicyKeepAll, PolicyClassify:
	default:
		return fmt.Errorf("subscription_policy must be one of %q, %q, %q",
			PolicyPruneInvalid, PolicyKeepAll, PolicyClassify)
	}
	if c.Storage.Type != "file" && c.Storage.Type != "sqlite" && c.Storage.Type != "redis" {
		return fmt.Errorf("storage type must be 'file', 'sqlite', or 'redis'")
	}
	return nil
}

// GetGlobal returns global config instance
func GetGlobal() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
