// Package config loads the node's YAML configuration, following the same
// shape the rest of the pack uses: one struct tree, sensible defaults, and
// environment-variable overrides for containerized deployment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete node configuration.
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Storage StorageConfig `yaml:"storage"`
	Index   IndexConfig   `yaml:"index"`
	Queue   QueueConfig   `yaml:"queue"`
	HTTP    HTTPConfig    `yaml:"http"`
	Sync    SyncConfig    `yaml:"sync"`
	Retry   RetryConfig   `yaml:"retry"`
	Circuit CircuitConfig `yaml:"circuit"`
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	NodeGUID    string `yaml:"node_guid"`
}

// StorageConfig controls the record store root and layout policy.
type StorageConfig struct {
	Root          string `yaml:"root"`
	LayoutVersion int    `yaml:"layout_version"`
}

// IndexConfig controls the index writer's batching and bbolt file.
type IndexConfig struct {
	Path           string        `yaml:"path"`
	FlushThreshold int           `yaml:"flush_threshold"`
	FlushTimeout   time.Duration `yaml:"flush_timeout"`
	ReopenRetries  int           `yaml:"reopen_retries"`
}

// QueueConfig controls the write queue's capacity and per-document flush
// deadline.
type QueueConfig struct {
	Depth             int           `yaml:"depth"`
	PerDocumentFlush   time.Duration `yaml:"per_document_flush"`
}

// HTTPConfig controls the router's listen address and timeouts.
type HTTPConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	EnableCORS   bool          `yaml:"enable_cors"`
}

// SyncConfig controls the sync master/satellite and packet codec.
type SyncConfig struct {
	PacketMaxBytes   int64         `yaml:"packet_max_bytes"`
	PacketReserved   int64         `yaml:"packet_reserved_bytes"`
	PullCacheSize    int           `yaml:"pull_cache_size"`
	SatellitePoll    time.Duration `yaml:"satellite_poll_interval"`
	SneakernetDir    string        `yaml:"sneakernet_dir"`
	Compression      string        `yaml:"compression"`
}

// RetryConfig is the default pkg/retry.Config tuning, flattened for YAML.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// CircuitConfig is the default internal/circuit.Config tuning.
type CircuitConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			MetricsPort: 9090,
		},
		Storage: StorageConfig{
			Root:          "/var/lib/meshvault/documents",
			LayoutVersion: 3,
		},
		Index: IndexConfig{
			Path:           "/var/lib/meshvault/index",
			FlushThreshold: 100,
			FlushTimeout:   5 * time.Second,
			ReopenRetries:  3,
		},
		Queue: QueueConfig{
			Depth:            256,
			PerDocumentFlush: time.Second,
		},
		HTTP: HTTPConfig{
			Address:      ":8800",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
			EnableCORS:   true,
		},
		Sync: SyncConfig{
			PacketMaxBytes: 100 * 1024 * 1024,
			PacketReserved: 1024 * 1024,
			PullCacheSize:  256,
			SatellitePoll:  30 * time.Second,
			SneakernetDir:  "/var/lib/meshvault/sneakernet",
			Compression:    "gzip",
		},
		Retry: RetryConfig{
			MaxAttempts:  5,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     30 * time.Second,
		},
		Circuit: CircuitConfig{
			Enabled:          true,
			FailureThreshold: 5,
			Timeout:          60 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv overrides configuration from environment variables, for
// container deployments where mounting a file is inconvenient.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("MESHVAULT_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("MESHVAULT_NODE_GUID"); val != "" {
		c.Global.NodeGUID = val
	}
	if val := os.Getenv("MESHVAULT_STORAGE_ROOT"); val != "" {
		c.Storage.Root = val
	}
	if val := os.Getenv("MESHVAULT_HTTP_ADDRESS"); val != "" {
		c.HTTP.Address = val
	}
	if val := os.Getenv("MESHVAULT_SNEAKERNET_DIR"); val != "" {
		c.Sync.SneakernetDir = val
	}
	if val := os.Getenv("MESHVAULT_INDEX_FLUSH_THRESHOLD"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Index.FlushThreshold = n
		}
	}
	if val := os.Getenv("MESHVAULT_ENABLE_CORS"); val != "" {
		c.HTTP.EnableCORS = strings.ToLower(val) == "true"
	}
	return nil
}

// SaveToFile writes the configuration back out as YAML.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for internally inconsistent values.
func (c *Configuration) Validate() error {
	if c.Index.FlushThreshold <= 0 {
		return fmt.Errorf("index.flush_threshold must be greater than 0")
	}
	if c.Queue.Depth <= 0 {
		return fmt.Errorf("queue.depth must be greater than 0")
	}
	if c.Sync.PacketReserved >= c.Sync.PacketMaxBytes {
		return fmt.Errorf("sync.packet_reserved_bytes must be smaller than sync.packet_max_bytes")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	ok := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	switch c.Sync.Compression {
	case "", "none", "gzip", "zstd":
	default:
		return fmt.Errorf("invalid sync.compression: %s (must be none, gzip or zstd)", c.Sync.Compression)
	}

	return nil
}
