package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Timeout  TimeoutConfig  `yaml:"timeout" mapstructure:"timeout"`
	Prefetch PrefetchConfig `yaml:"prefetch" mapstructure:"prefetch"`
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// CacheConfig sizes the block cache and the metadata caches
type CacheConfig struct {
	CapacityMB     int           `yaml:"capacity_mb" mapstructure:"capacity_mb" validate:"gte=0"`
	StatTTL        time.Duration `yaml:"stat_ttl" mapstructure:"stat_ttl" validate:"gte=0"`
	StatMaxEntries int           `yaml:"stat_max_entries" mapstructure:"stat_max_entries" validate:"gte=0"`
	PathHintSize   int           `yaml:"path_hint_size" mapstructure:"path_hint_size" validate:"gte=0"`
}

// TimeoutConfig bounds the adaptive block wait, in milliseconds
type TimeoutConfig struct {
	InitialMS int `yaml:"initial_ms" mapstructure:"initial_ms" validate:"gte=1"`
	FloorMS   int `yaml:"floor_ms" mapstructure:"floor_ms" validate:"gte=1"`
	CeilingMS int `yaml:"ceiling_ms" mapstructure:"ceiling_ms" validate:"gte=1"`
}

// PrefetchConfig configures the background block fetcher
type PrefetchConfig struct {
	Enabled    *bool         `yaml:"enabled" mapstructure:"enabled"`
	Workers    int           `yaml:"workers" mapstructure:"workers" validate:"gte=1,lte=64"`
	QueueSize  int           `yaml:"queue_size" mapstructure:"queue_size" validate:"gte=1"`
	MaxRetries uint          `yaml:"max_retries" mapstructure:"max_retries" validate:"lte=10"`
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay" validate:"gte=0"`
}

// UpstreamConfig selects the remote filesystem backend
type UpstreamConfig struct {
	Type  string              `yaml:"type" mapstructure:"type" validate:"oneof=local s3"`
	Local LocalUpstreamConfig `yaml:"local" mapstructure:"local"`
	S3    S3UpstreamConfig    `yaml:"s3" mapstructure:"s3"`
}

// LocalUpstreamConfig serves exports from a directory tree: <root>/<server>/<export>
type LocalUpstreamConfig struct {
	Root    string        `yaml:"root" mapstructure:"root"`
	Latency time.Duration `yaml:"latency" mapstructure:"latency" validate:"gte=0"`
}

// S3UpstreamConfig serves exports from S3-compatible buckets
type S3UpstreamConfig struct {
	Endpoint        string `yaml:"endpoint" mapstructure:"endpoint" validate:"omitempty,url"`
	Region          string `yaml:"region" mapstructure:"region"`
	AccessKeyID     string `yaml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" mapstructure:"secret_access_key"`
}

// APIConfig represents the HTTP server configuration
type APIConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen" validate:"required"`
	Prefix string `yaml:"prefix" mapstructure:"prefix" validate:"startswith=/"`
}

// LogConfig represents logging configuration with rotation support
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`                                           // Log file path (empty = console only)
	Level      string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn error"` // Log level
	Format     string `yaml:"format" mapstructure:"format" validate:"omitempty,oneof=text json"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size" validate:"gte=0"`       // Max size in MB before rotation
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age" validate:"gte=0"`         // Max age in days to keep files
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups" validate:"gte=0"` // Max number of old files to keep
	Compress   bool   `yaml:"compress" mapstructure:"compress"`                        // Compress old log files
}

// SlogLevel maps Level to a slog level. Unknown values mean info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DeepCopy returns a deep copy of the configuration
func (c *Config) DeepCopy() *Config {
	if c == nil {
		return nil
	}

	cp := *c
	if c.Prefetch.Enabled != nil {
		enabled := *c.Prefetch.Enabled
		cp.Prefetch.Enabled = &enabled
	}
	return &cp
}

// ChangeCallback represents a function called when configuration changes
type ChangeCallback func(oldConfig, newConfig *Config)

// Manager manages configuration state and persistence
type Manager struct {
	current    *Config
	configFile string
	mutex      sync.RWMutex
	callbacks  []ChangeCallback
}

// NewManager creates a new configuration manager
func NewManager(config *Config, configFile string) *Manager {
	return &Manager{
		current:    config,
		configFile: configFile,
	}
}

// GetConfig returns the current configuration (thread-safe)
func (m *Manager) GetConfig() *Config {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.current
}

// ConfigFile returns the path the manager loads from and saves to
func (m *Manager) ConfigFile() string {
	return m.configFile
}

// UpdateConfig validates and installs config, then notifies callbacks
func (m *Manager) UpdateConfig(config *Config) error {
	if err := config.Validate(); err != nil {
		return err
	}

	m.mutex.Lock()
	oldConfig := m.current.DeepCopy()
	m.current = config
	callbacks := make([]ChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mutex.Unlock()

	// Notify callbacks after releasing the lock
	for _, callback := range callbacks {
		callback(oldConfig, config)
	}
	return nil
}

// OnConfigChange registers a callback to be called when configuration changes
func (m *Manager) OnConfigChange(callback ChangeCallback) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// ReloadConfig reloads configuration from file and notifies callbacks
func (m *Manager) ReloadConfig() error {
	config, err := LoadConfig(m.configFile)
	if err != nil {
		return err
	}
	return m.UpdateConfig(config)
}

// SaveConfig saves the current configuration to file
func (m *Manager) SaveConfig() error {
	config := m.GetConfig()
	if config == nil {
		return fmt.Errorf("no configuration to save")
	}

	return SaveToFile(config, m.configFile)
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	prefetchEnabled := true

	return &Config{
		Cache: CacheConfig{
			CapacityMB:     64,          // 512 blocks of 128 KiB
			StatTTL:        time.Second, // Metadata is trusted for one second
			StatMaxEntries: 1000,
			PathHintSize:   4096,
		},
		Timeout: TimeoutConfig{
			InitialMS: 4,
			FloorMS:   2,
			CeilingMS: 20,
		},
		Prefetch: PrefetchConfig{
			Enabled:    &prefetchEnabled,
			Workers:    4,
			QueueSize:  64,
			MaxRetries: 3,
			RetryDelay: 20 * time.Millisecond,
		},
		Upstream: UpstreamConfig{
			Type: "local",
			Local: LocalUpstreamConfig{
				Root: "./exports",
			},
			S3: S3UpstreamConfig{
				Region: "us-east-1",
			},
		},
		API: APIConfig{
			Listen: ":8090",
			Prefix: "/api",
		},
		Log: LogConfig{
			File:       "",     // Empty = console only
			Level:      "info", // Default log level
			Format:     "text",
			MaxSize:    100, // 100MB max size
			MaxAge:     30,  // Keep for 30 days
			MaxBackups: 10,  // Keep 10 old files
			Compress:   true,
		},
	}
}

// SaveToFile saves a configuration to a YAML file
func SaveToFile(config *Config, filename string) error {
	if filename == "" {
		return fmt.Errorf("no config file path provided")
	}

	// Ensure the directory exists
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadConfig loads configuration from file and merges with defaults. An
// empty path searches for config.yaml in the working directory; when none is
// found the defaults are returned.
func LoadConfig(configFile string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("NFSVFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}
