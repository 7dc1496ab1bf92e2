// Package config loads application configuration from file and environment
// variables via viper.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Log configuration
	Log LogConfig `mapstructure:"log"`

	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Store configuration
	Store StoreConfig `mapstructure:"store"`

	// Extraction configuration
	Extraction ExtractionConfig `mapstructure:"extraction"`

	// Embedding configuration
	Embedding EmbeddingConfig `mapstructure:"embedding"`

	// Ingestion configuration
	Ingestion IngestionConfig `mapstructure:"ingestion"`

	// CircuitBreaker configuration
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // gin mode: debug, release, test
}

// StoreConfig holds temporal store configuration. An empty path opens an
// in-memory store.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// ExtractionConfig holds extraction capability configuration
type ExtractionConfig struct {
	Provider    string  `mapstructure:"provider"` // openai, mock
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float32 `mapstructure:"temperature"`
}

// EmbeddingConfig holds embedding configuration
type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider"` // embedeverything, mock
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
	CacheSize  int64  `mapstructure:"cache_size"`
}

// IngestionConfig holds ingestion pipeline configuration
type IngestionConfig struct {
	Workers        int  `mapstructure:"workers"`
	ExtractTimeout int  `mapstructure:"extract_timeout"` // in seconds
	PriorContext   int  `mapstructure:"prior_context"`
	DisableDedup   bool `mapstructure:"disable_dedup"`
}

// CircuitBreakerConfig holds configuration for circuit breaking
type CircuitBreakerConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	MaxRequests      uint32  `mapstructure:"max_requests"`
	Interval         int     `mapstructure:"interval"` // in seconds
	Timeout          int     `mapstructure:"timeout"`  // in seconds
	ReadyToTripRatio float64 `mapstructure:"ready_to_trip_ratio"`
}

// Load loads configuration from file and environment variables
func Load(path string) (*Config, error) {
	setDefaults()

	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("unable to read config file: %w", err)
		}
	}

	viper.SetEnvPrefix("MNEMO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	overrideWithEnv(config)

	return config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "release")

	viper.SetDefault("store.path", "./mnemo_db")

	viper.SetDefault("extraction.provider", "openai")
	viper.SetDefault("extraction.model", "gpt-4o-mini")
	viper.SetDefault("extraction.temperature", 0.0)

	viper.SetDefault("embedding.provider", "embedeverything")
	viper.SetDefault("embedding.model", "all-MiniLM-L6-v2")
	viper.SetDefault("embedding.dimensions", 384)
	viper.SetDefault("embedding.cache_size", 10000)

	viper.SetDefault("ingestion.workers", 8)
	viper.SetDefault("ingestion.extract_timeout", 60)
	viper.SetDefault("ingestion.prior_context", 4)

	viper.SetDefault("circuit_breaker.enabled", true)
	viper.SetDefault("circuit_breaker.max_requests", 1)
	viper.SetDefault("circuit_breaker.interval", 60)
	viper.SetDefault("circuit_breaker.timeout", 30)
	viper.SetDefault("circuit_breaker.ready_to_trip_ratio", 0.6)
}

// overrideWithEnv applies well-known environment variables that predate
// the MNEMO_ prefix convention.
func overrideWithEnv(config *Config) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" && config.Extraction.APIKey == "" {
		config.Extraction.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" && config.Extraction.BaseURL == "" {
		config.Extraction.BaseURL = baseURL
	}
}
