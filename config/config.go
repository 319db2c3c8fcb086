// Package config provides configuration loading and management for taskmend.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete taskmend configuration.
type Config struct {
	NATS        NATSConfig                `yaml:"nats"`
	Model       ModelConfig               `yaml:"model"`
	Embedding   EmbeddingConfig           `yaml:"embedding"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
	Sandbox     SandboxConfig             `yaml:"sandbox"`
	Repair      RepairConfig              `yaml:"repair"`
	Queue       QueueConfig               `yaml:"queue"`
	ObjectStore ObjectStoreConfig         `yaml:"object_store"`
}

// NATSConfig configures the NATS connection backing the document store,
// work queue, and object store.
type NATSConfig struct {
	// URL is the NATS server URL.
	URL string `yaml:"url"`
	// Name is the client connection name.
	Name string `yaml:"name"`
}

// ModelConfig configures LLM model selection and validation.
type ModelConfig struct {
	// Default is the model used when a requested model fails validation.
	Default string `yaml:"default"`
	// Valid lists model names accepted as-is by the validator.
	Valid []string `yaml:"valid"`
	// Invalid lists model names known to be rejected by providers.
	// These are rewritten to Default without failing the task.
	Invalid []string `yaml:"invalid"`
	// Temperature controls randomness for repair and matching calls.
	Temperature float64 `yaml:"temperature"`
	// Timeout is the maximum time to wait for model responses.
	Timeout time.Duration `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding service client.
type EmbeddingConfig struct {
	// Endpoint is the embedding API endpoint.
	Endpoint string `yaml:"endpoint"`
	// Model is the embedding model identifier.
	Model string `yaml:"model"`
	// Dimension is the fixed embedding vector dimension.
	Dimension int `yaml:"dimension"`
}

// ProviderConfig configures one rate-limited outbound API provider.
type ProviderConfig struct {
	// BaseURL is the provider API base URL.
	BaseURL string `yaml:"base_url"`
	// RequestsPerSecond caps dispatches per rolling second.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// WindowLimit caps dispatches per rolling window.
	WindowLimit int `yaml:"window_limit"`
	// Window is the long rolling window duration.
	Window time.Duration `yaml:"window"`
	// MaxRetries is the per-request retry budget for rate-limit errors.
	MaxRetries int `yaml:"max_retries"`
}

// SandboxConfig configures template compilation and execution limits.
type SandboxConfig struct {
	// MaxScriptBytes caps template source size.
	MaxScriptBytes int `yaml:"max_script_bytes"`
	// CompileTimeout bounds a single compilation attempt.
	CompileTimeout time.Duration `yaml:"compile_timeout"`
	// AllowedCollections lists glob patterns of document collections
	// templates may read through the store proxy.
	AllowedCollections []string `yaml:"allowed_collections"`
	// ReadsPerMinute caps store proxy reads per executor.
	ReadsPerMinute int `yaml:"reads_per_minute"`
	// WritesPerMinute caps store proxy writes per executor.
	WritesPerMinute int `yaml:"writes_per_minute"`
}

// RepairConfig configures the auto-repair circuit breaker and engine.
type RepairConfig struct {
	// MaxAttemptsPerTask stops infinite self-repair.
	MaxAttemptsPerTask int `yaml:"max_attempts_per_task"`
	// MaxDailyTokensPerTemplate caps model spend per template per day.
	MaxDailyTokensPerTemplate int `yaml:"max_daily_tokens_per_template"`
	// Cooldown is the minimum gap between repairs of the same task.
	Cooldown time.Duration `yaml:"cooldown"`
	// MemoryTopK is the number of reasoning memories retrieved per repair.
	MemoryTopK int `yaml:"memory_top_k"`
	// MemoryMinSuccessRate filters low-quality memories.
	MemoryMinSuccessRate float64 `yaml:"memory_min_success_rate"`
	// KnowledgeSources lists read-only documentation URLs distilled into
	// repair prompts.
	KnowledgeSources []string `yaml:"knowledge_sources"`
}

// QueueConfig configures the durable work queue.
type QueueConfig struct {
	// StreamName is the JetStream work stream.
	StreamName string `yaml:"stream_name"`
	// ConsumerName is the durable consumer for the dispatch worker.
	ConsumerName string `yaml:"consumer_name"`
	// MaxConcurrent bounds parallel task dispatches per process.
	MaxConcurrent int `yaml:"max_concurrent"`
	// AckWait is the redelivery visibility timeout. It must exceed the
	// worst-case task runtime.
	AckWait time.Duration `yaml:"ack_wait"`
	// MaxDeliver caps redeliveries of one work item.
	MaxDeliver int `yaml:"max_deliver"`
}

// ObjectStoreConfig configures report storage.
type ObjectStoreConfig struct {
	// Bucket is the object store bucket for uploaded reports.
	Bucket string `yaml:"bucket"`
	// PublicBaseURL prefixes uploaded object names to form public URLs.
	PublicBaseURL string `yaml:"public_base_url"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:  "nats://localhost:4222",
			Name: "taskmend",
		},
		Model: ModelConfig{
			Default:     "gemini-2.0-flash",
			Valid:       []string{"gemini-2.0-flash", "gemini-2.5-pro", "gemini-2.5-flash"},
			Invalid:     []string{"gemini-1.0-pro", "gemini-pro-vision"},
			Temperature: 0.2,
			Timeout:     3 * time.Minute,
		},
		Embedding: EmbeddingConfig{
			Model:     "text-embedding-004",
			Dimension: 768,
		},
		Providers: map[string]ProviderConfig{},
		Sandbox: SandboxConfig{
			MaxScriptBytes:     50 * 1024,
			CompileTimeout:     5 * time.Second,
			AllowedCollections: []string{"task-queue", "task-templates"},
			ReadsPerMinute:     120,
			WritesPerMinute:    30,
		},
		Repair: RepairConfig{
			MaxAttemptsPerTask:        3,
			MaxDailyTokensPerTemplate: 1_000_000,
			Cooldown:                  6 * time.Minute,
			MemoryTopK:                5,
			MemoryMinSuccessRate:      0.3,
		},
		Queue: QueueConfig{
			StreamName:    "TASKMEND_WORK",
			ConsumerName:  "taskmend-worker",
			MaxConcurrent: 8,
			AckWait:       30 * time.Minute,
			MaxDeliver:    3,
		},
		ObjectStore: ObjectStoreConfig{
			Bucket:        "TASKMEND_REPORTS",
			PublicBaseURL: "http://localhost:8222/reports",
		},
	}
}

// DefaultProviderConfig returns rate limits typical of CRM-style APIs.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		RequestsPerSecond: 2,
		WindowLimit:       10_000,
		Window:            10 * time.Minute,
		MaxRetries:        3,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Model.Default == "" {
		return fmt.Errorf("model.default is required")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model.temperature must be between 0 and 1")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive")
	}
	if c.Sandbox.MaxScriptBytes <= 0 {
		return fmt.Errorf("sandbox.max_script_bytes must be positive")
	}
	if c.Repair.MaxAttemptsPerTask <= 0 {
		return fmt.Errorf("repair.max_attempts_per_task must be positive")
	}
	if c.Queue.StreamName == "" {
		return fmt.Errorf("queue.stream_name is required")
	}
	for name, p := range c.Providers {
		if p.RequestsPerSecond <= 0 {
			return fmt.Errorf("providers.%s.requests_per_second must be positive", name)
		}
		if p.WindowLimit <= 0 {
			return fmt.Errorf("providers.%s.window_limit must be positive", name)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Name != "" {
		c.NATS.Name = other.NATS.Name
	}

	if other.Model.Default != "" {
		c.Model.Default = other.Model.Default
	}
	if len(other.Model.Valid) > 0 {
		c.Model.Valid = other.Model.Valid
	}
	if len(other.Model.Invalid) > 0 {
		c.Model.Invalid = other.Model.Invalid
	}
	if other.Model.Temperature != 0 {
		c.Model.Temperature = other.Model.Temperature
	}
	if other.Model.Timeout != 0 {
		c.Model.Timeout = other.Model.Timeout
	}

	if other.Embedding.Endpoint != "" {
		c.Embedding.Endpoint = other.Embedding.Endpoint
	}
	if other.Embedding.Model != "" {
		c.Embedding.Model = other.Embedding.Model
	}
	if other.Embedding.Dimension != 0 {
		c.Embedding.Dimension = other.Embedding.Dimension
	}

	for name, p := range other.Providers {
		if c.Providers == nil {
			c.Providers = map[string]ProviderConfig{}
		}
		c.Providers[name] = p
	}

	if other.Sandbox.MaxScriptBytes != 0 {
		c.Sandbox.MaxScriptBytes = other.Sandbox.MaxScriptBytes
	}
	if other.Sandbox.CompileTimeout != 0 {
		c.Sandbox.CompileTimeout = other.Sandbox.CompileTimeout
	}
	if len(other.Sandbox.AllowedCollections) > 0 {
		c.Sandbox.AllowedCollections = other.Sandbox.AllowedCollections
	}
	if other.Sandbox.ReadsPerMinute != 0 {
		c.Sandbox.ReadsPerMinute = other.Sandbox.ReadsPerMinute
	}
	if other.Sandbox.WritesPerMinute != 0 {
		c.Sandbox.WritesPerMinute = other.Sandbox.WritesPerMinute
	}

	if other.Repair.MaxAttemptsPerTask != 0 {
		c.Repair.MaxAttemptsPerTask = other.Repair.MaxAttemptsPerTask
	}
	if other.Repair.MaxDailyTokensPerTemplate != 0 {
		c.Repair.MaxDailyTokensPerTemplate = other.Repair.MaxDailyTokensPerTemplate
	}
	if other.Repair.Cooldown != 0 {
		c.Repair.Cooldown = other.Repair.Cooldown
	}
	if other.Repair.MemoryTopK != 0 {
		c.Repair.MemoryTopK = other.Repair.MemoryTopK
	}
	if other.Repair.MemoryMinSuccessRate != 0 {
		c.Repair.MemoryMinSuccessRate = other.Repair.MemoryMinSuccessRate
	}
	if len(other.Repair.KnowledgeSources) > 0 {
		c.Repair.KnowledgeSources = other.Repair.KnowledgeSources
	}

	if other.Queue.StreamName != "" {
		c.Queue.StreamName = other.Queue.StreamName
	}
	if other.Queue.ConsumerName != "" {
		c.Queue.ConsumerName = other.Queue.ConsumerName
	}
	if other.Queue.MaxConcurrent != 0 {
		c.Queue.MaxConcurrent = other.Queue.MaxConcurrent
	}
	if other.Queue.AckWait != 0 {
		c.Queue.AckWait = other.Queue.AckWait
	}
	if other.Queue.MaxDeliver != 0 {
		c.Queue.MaxDeliver = other.Queue.MaxDeliver
	}

	if other.ObjectStore.Bucket != "" {
		c.ObjectStore.Bucket = other.ObjectStore.Bucket
	}
	if other.ObjectStore.PublicBaseURL != "" {
		c.ObjectStore.PublicBaseURL = other.ObjectStore.PublicBaseURL
	}
}
