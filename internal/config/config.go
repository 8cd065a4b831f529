// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable the service reads.
const EnvPrefix = "TRITON_BRIDGE"

// Config holds all configuration for the service
type Config struct {
	// Server configuration
	Port           int           `mapstructure:"port"`
	MetricsPort    int           `mapstructure:"metrics_port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Engine configuration
	Engine          string `mapstructure:"engine"`
	ModelRepository string `mapstructure:"model_repository"`
	ServerWorkers   int    `mapstructure:"server_workers"`
	PreferredMemory string `mapstructure:"preferred_memory"`
	PoisonOnFree    bool   `mapstructure:"poison_on_free"`
	ONNXLibrary     string `mapstructure:"onnx_library"`

	// Response cache
	Redis    string        `mapstructure:"redis"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// OpenTelemetry configuration
	OTELEnabled  bool   `mapstructure:"otel_enabled"`
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 50051)
	v.SetDefault("metrics_port", 9100)
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("engine", "sim")
	v.SetDefault("model_repository", "models")
	v.SetDefault("server_workers", 4)
	v.SetDefault("preferred_memory", "cpu")
	v.SetDefault("poison_on_free", false)
	v.SetDefault("onnx_library", "")
	v.SetDefault("redis", "")
	v.SetDefault("cache_ttl", time.Minute)
	v.SetDefault("otel_enabled", false)
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// Environment variable configuration
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("otel_endpoint", EnvPrefix+"_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	// The standard OTEL variable also switches tracing on
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		v.SetDefault("otel_enabled", true)
	}
	return v
}

// Load loads configuration from environment variables and an optional config file.
// Priority (highest to lowest): overrides > env vars > config file > defaults
func Load(overrides map[string]any) (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/triton-bridge/")
	v.AddConfigPath("$HOME/.triton-bridge")

	// Read config file if present (ignore error if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return finish(v, overrides)
}

// LoadWithConfigFile loads configuration from a specific config file
func LoadWithConfigFile(configPath string, overrides map[string]any) (*Config, error) {
	v := newViper()

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configPath, err)
	}
	return finish(v, overrides)
}

func finish(v *viper.Viper, overrides map[string]any) (*Config, error) {
	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}
	if c.Port == c.MetricsPort {
		return fmt.Errorf("port and metrics_port must be different")
	}
	switch c.Engine {
	case "sim", "triton":
	default:
		return fmt.Errorf("unknown engine %q (want sim or triton)", c.Engine)
	}
	if c.ModelRepository == "" {
		return fmt.Errorf("model_repository is required")
	}
	if c.ServerWorkers <= 0 {
		return fmt.Errorf("server_workers must be positive, got %d", c.ServerWorkers)
	}
	switch c.PreferredMemory {
	case "cpu", "cpu_pinned", "gpu":
	default:
		return fmt.Errorf("unknown preferred_memory %q", c.PreferredMemory)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	if c.Redis != "" && c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive when redis is set")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}
