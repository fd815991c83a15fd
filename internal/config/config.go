// Package config provides configuration loading and validation for the
// hashintel services. It uses koanf to merge environment variables with
// optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the API server and worker.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database. Empty means in-memory repositories (dev/test only).
	DatabaseURL string `koanf:"database_url"`

	// Redis. Empty means in-memory cache and rate limiting.
	RedisURL string `koanf:"redis_url"`

	// Rate limits, requests per minute per source system
	LookupRateLimit   int `koanf:"lookup_rate_limit"`
	RegisterRateLimit int `koanf:"register_rate_limit"`

	// Cache
	CacheTTLSeconds     int `koanf:"cache_ttl_seconds"`
	CacheMemoryCapacity int `koanf:"cache_memory_capacity"`
	StatsTTLSeconds     int `koanf:"stats_ttl_seconds"`

	// Matching
	SimilarityFloor float64 `koanf:"similarity_floor"`

	// Notification dispatcher
	DispatcherWorkers      int `koanf:"dispatcher_workers"`
	DispatcherPollSeconds  int `koanf:"dispatcher_poll_seconds"`
	MaxDeliveryAttempts    int `koanf:"max_delivery_attempts"`
	DeliveryTimeoutSeconds int `koanf:"delivery_timeout_seconds"`

	// Tracing
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	OTLPEndpoint        string  `koanf:"otlp_endpoint"`
	TracingSamplingRate float64 `koanf:"tracing_sampling_rate"`
}

// Configuration validation errors.
var (
	ErrInvalidPort            = errors.New("PORT must be a valid integer")
	ErrInvalidRateLimit       = errors.New("rate limits must be positive")
	ErrInvalidCacheTTL        = errors.New("cache TTL must be positive")
	ErrInvalidSimilarityFloor = errors.New("similarity floor must be between 0.0 and 1.0")
	ErrInvalidWorkerCount     = errors.New("dispatcher workers must be positive")
	ErrInvalidMaxAttempts     = errors.New("max delivery attempts must be positive")
)

// Default values for non-secret configuration.
const (
	DefaultPort                   = 8080
	DefaultEnv                    = "development"
	DefaultLookupRateLimit        = 100
	DefaultRegisterRateLimit      = 50
	DefaultCacheTTLSeconds        = 300
	DefaultCacheMemoryCapacity    = 10000
	DefaultStatsTTLSeconds        = 300
	DefaultSimilarityFloor        = 0.80
	DefaultDispatcherWorkers      = 4
	DefaultDispatcherPollSeconds  = 5
	DefaultMaxDeliveryAttempts    = 3
	DefaultDeliveryTimeoutSeconds = 10
	DefaultTracingSamplingRate    = 1.0
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	intField := func(envKey, koanfKey string, def int) int {
		v, err := getEnvIntOrDefault(envKey, k.Int(koanfKey), def)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}

	// Port accepts HASHINTEL_PORT first, then PORT
	port, portErr := getEnvIntOrDefaultMulti([]string{"HASHINTEL_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	samplingRate, samplingErr := getEnvFloatOrDefault("TRACING_SAMPLING_RATE", k.Float64("tracing_sampling_rate"), DefaultTracingSamplingRate)
	if samplingErr != nil {
		loadErrs = append(loadErrs, samplingErr)
	}

	similarityFloor, floorErr := getEnvFloatOrDefault("SIMILARITY_FLOOR", k.Float64("similarity_floor"), DefaultSimilarityFloor)
	if floorErr != nil {
		loadErrs = append(loadErrs, floorErr)
	}

	// Tracing flag, env var takes precedence over file config
	tracingEnabled := k.Bool("tracing_enabled")
	if val := os.Getenv("TRACING_ENABLED"); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			tracingEnabled = true
		case "false", "0", "no", "off":
			tracingEnabled = false
		}
	}

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:                   port,
		Env:                    getEnvOrDefaultMulti([]string{"HASHINTEL_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:            getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:               getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		LookupRateLimit:        intField("LOOKUP_RATE_LIMIT", "lookup_rate_limit", DefaultLookupRateLimit),
		RegisterRateLimit:      intField("REGISTER_RATE_LIMIT", "register_rate_limit", DefaultRegisterRateLimit),
		CacheTTLSeconds:        intField("CACHE_TTL_SECONDS", "cache_ttl_seconds", DefaultCacheTTLSeconds),
		CacheMemoryCapacity:    intField("CACHE_MEMORY_CAPACITY", "cache_memory_capacity", DefaultCacheMemoryCapacity),
		StatsTTLSeconds:        intField("STATS_TTL_SECONDS", "stats_ttl_seconds", DefaultStatsTTLSeconds),
		SimilarityFloor:        similarityFloor,
		DispatcherWorkers:      intField("DISPATCHER_WORKERS", "dispatcher_workers", DefaultDispatcherWorkers),
		DispatcherPollSeconds:  intField("DISPATCHER_POLL_SECONDS", "dispatcher_poll_seconds", DefaultDispatcherPollSeconds),
		MaxDeliveryAttempts:    intField("MAX_DELIVERY_ATTEMPTS", "max_delivery_attempts", DefaultMaxDeliveryAttempts),
		DeliveryTimeoutSeconds: intField("DELIVERY_TIMEOUT_SECONDS", "delivery_timeout_seconds", DefaultDeliveryTimeoutSeconds),
		TracingEnabled:         tracingEnabled,
		OTLPEndpoint:           getEnvOrKoanf("OTLP_ENDPOINT", k, "otlp_endpoint"),
		TracingSamplingRate:    samplingRate,
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// CacheTTL returns the lookup cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// StatsTTL returns the stats cache TTL as a duration.
func (c *Config) StatsTTL() time.Duration {
	return time.Duration(c.StatsTTLSeconds) * time.Second
}

// DispatcherPollInterval returns the dispatcher poll interval as a duration.
func (c *Config) DispatcherPollInterval() time.Duration {
	return time.Duration(c.DispatcherPollSeconds) * time.Second
}

// DeliveryTimeout returns the per-attempt webhook delivery timeout as a duration.
func (c *Config) DeliveryTimeout() time.Duration {
	return time.Duration(c.DeliveryTimeoutSeconds) * time.Second
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
// Note: a zero value from a YAML file falls back to the default.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, err)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as a float.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all configuration values are in range.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ErrInvalidPort)
	}
	if c.LookupRateLimit < 1 || c.RegisterRateLimit < 1 {
		errs = append(errs, ErrInvalidRateLimit)
	}
	if c.CacheTTLSeconds < 1 || c.StatsTTLSeconds < 1 {
		errs = append(errs, ErrInvalidCacheTTL)
	}
	if c.SimilarityFloor < 0.0 || c.SimilarityFloor > 1.0 {
		errs = append(errs, ErrInvalidSimilarityFloor)
	}
	if c.DispatcherWorkers < 1 {
		errs = append(errs, ErrInvalidWorkerCount)
	}
	if c.MaxDeliveryAttempts < 1 {
		errs = append(errs, ErrInvalidMaxAttempts)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// Credentials embedded in URLs are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                     fmt.Sprintf("%d", c.Port),
		"env":                      c.Env,
		"database_url":             maskURL(c.DatabaseURL),
		"redis_url":                maskURL(c.RedisURL),
		"lookup_rate_limit":        fmt.Sprintf("%d", c.LookupRateLimit),
		"register_rate_limit":      fmt.Sprintf("%d", c.RegisterRateLimit),
		"cache_ttl_seconds":        fmt.Sprintf("%d", c.CacheTTLSeconds),
		"cache_memory_capacity":    fmt.Sprintf("%d", c.CacheMemoryCapacity),
		"stats_ttl_seconds":        fmt.Sprintf("%d", c.StatsTTLSeconds),
		"similarity_floor":         fmt.Sprintf("%.2f", c.SimilarityFloor),
		"dispatcher_workers":       fmt.Sprintf("%d", c.DispatcherWorkers),
		"dispatcher_poll_seconds":  fmt.Sprintf("%d", c.DispatcherPollSeconds),
		"max_delivery_attempts":    fmt.Sprintf("%d", c.MaxDeliveryAttempts),
		"delivery_timeout_seconds": fmt.Sprintf("%d", c.DeliveryTimeoutSeconds),
		"tracing_enabled":          fmt.Sprintf("%t", c.TracingEnabled),
		"otlp_endpoint":            c.OTLPEndpoint,
		"tracing_sampling_rate":    fmt.Sprintf("%.2f", c.TracingSamplingRate),
	}
}

// maskURL masks the password in a connection URL.
// Supports postgres://, postgresql://, and redis:// schemes.
func maskURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return "****"
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
