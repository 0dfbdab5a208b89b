// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/bpfstage/internal/validate"
	"github.com/pitabwire/bpfstage/model"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Platform      PlatformConfig      `yaml:"platform"`
	Resolver      ResolverConfig      `yaml:"resolver"`
	Definitions   []model.Definition  `yaml:"definitions"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes bearer token verification. Authentication is
// disabled when Secret is empty.
type IdentityConfig struct {
	Secret     string            `yaml:"secret"`
	Issuer     string            `yaml:"issuer"`
	Audience   string            `yaml:"audience"`
	ClaimPaths map[string]string `yaml:"claim_paths"`
}

// Enabled reports whether incoming requests must carry a valid token.
func (c IdentityConfig) Enabled() bool { return c.Secret != "" }

// PlatformConfig describes the host platform Web API.
type PlatformConfig struct {
	BaseURL        string               `yaml:"base_url"`
	APIVersion     string               `yaml:"api_version"`
	Timeout        time.Duration        `yaml:"timeout"`
	Token          string               `yaml:"token"`
	EntitySets     map[string]string    `yaml:"entity_sets"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings for platform calls.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings for platform calls.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// ResolverConfig describes the process-flow resolver.
type ResolverConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	BatchSize   int           `yaml:"batch_size"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			HandlerTimeout:  55 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"locale":     "locale",
			},
		},
		Platform: PlatformConfig{
			APIVersion: "v9.2",
			Timeout:    30 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
			},
		},
		Resolver: ResolverConfig{
			CallTimeout: 30 * time.Second,
			CacheTTL:    5 * time.Minute,
			BatchSize:   10,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields. A .env file in the working directory is
// loaded first when present; variables already set in the environment win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}

	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// BPFConfiguration returns the configured definitions as a resolver
// configuration.
func (c *Config) BPFConfiguration() model.Configuration {
	return model.Configuration{Definitions: c.Definitions}
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Platform.BaseURL == "" {
		errs = append(errs, "platform.base_url is required")
	}
	if c.Platform.APIVersion == "" {
		errs = append(errs, "platform.api_version is required")
	}
	if c.Identity.Enabled() && c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required when identity.secret is set")
	}
	if c.Resolver.BatchSize < 1 {
		errs = append(errs, "resolver.batch_size must be positive")
	}
	if c.Resolver.CallTimeout <= 0 {
		errs = append(errs, "resolver.call_timeout must be positive")
	}
	if err := validate.Configuration(c.BPFConfiguration()); err != nil {
		var env *model.ErrorEnvelope
		if errors.As(err, &env) && len(env.Details) > 0 {
			for _, d := range env.Details {
				errs = append(errs, fmt.Sprintf("%s: %s", d.Field, d.Message))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads BPFSTAGE_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BPFSTAGE_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BPFSTAGE_PLATFORM_BASE_URL"); v != "" {
		cfg.Platform.BaseURL = v
	}
	if v := os.Getenv("BPFSTAGE_PLATFORM_TOKEN"); v != "" {
		cfg.Platform.Token = v
	}
	if v := os.Getenv("BPFSTAGE_IDENTITY_SECRET"); v != "" {
		cfg.Identity.Secret = v
	}
	if v := os.Getenv("BPFSTAGE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
