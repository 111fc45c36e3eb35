package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aimux-ai/aimux/internal/routing"
	"github.com/aimux-ai/aimux/internal/types"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Router    RouterConfig     `yaml:"router"`
	Providers []types.Provider `yaml:"providers"`
	Logging   LoggingConfig    `yaml:"logging"`
	Security  SecurityConfig   `yaml:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// RouterConfig holds the routing and resilience knobs.
type RouterConfig struct {
	Strategy              string        `yaml:"strategy"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	MaxRetriesPerProvider int           `yaml:"max_retries_per_provider"`
	MaxTotalRetries       int           `yaml:"max_total_retries"`
	InitialRetryDelay     time.Duration `yaml:"initial_retry_delay"`
	MaxRetryDelay         time.Duration `yaml:"max_retry_delay"`
	BackoffMultiplier     float64       `yaml:"backoff_multiplier"`
	EnableJitter          *bool         `yaml:"enable_jitter"`
	JitterFactor          float64       `yaml:"jitter_factor"`

	EnableCircuitBreaker    *bool         `yaml:"enable_circuit_breaker"`
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `yaml:"circuit_breaker_timeout"`
	CooldownWindow          time.Duration `yaml:"cooldown_window"`

	EnableIntelligentFailover *bool         `yaml:"enable_intelligent_failover"`
	RecentFailureWindow       time.Duration `yaml:"recent_failure_window"`
	SimilarErrorStreak        int           `yaml:"similar_error_streak"`
	MinSuccessRate            float64       `yaml:"min_success_rate"`

	// Ordered provider preferences per request type (thinking, vision,
	// tools, default). Used by the capability-preference strategy.
	CapabilityPreferences map[string][]string `yaml:"capability_preferences"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	APIKeys      []string        `yaml:"api_keys"`
	JWTSecret    string          `yaml:"jwt_secret"`
	RateLimiting RateLimitConfig `yaml:"rate_limiting"`
	CORS         CORSConfig      `yaml:"cors"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled        bool          `yaml:"enabled"`
	RequestsPerMin int           `yaml:"requests_per_minute"`
	BurstSize      int           `yaml:"burst_size"`
	WindowDuration time.Duration `yaml:"window_duration"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	config.loadFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func boolPtr(b bool) *bool { return &b }

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	c.Router = RouterConfig{
		Strategy:              "priority_fallback",
		RequestTimeout:        120 * time.Second,
		MaxRetriesPerProvider: 3,
		MaxTotalRetries:       10,
		InitialRetryDelay:     time.Second,
		MaxRetryDelay:         10 * time.Second,
		BackoffMultiplier:     2.0,
		EnableJitter:          boolPtr(true),
		JitterFactor:          0.1,

		EnableCircuitBreaker:    boolPtr(true),
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   60 * time.Second,
		CooldownWindow:          60 * time.Second,

		EnableIntelligentFailover: boolPtr(true),
		RecentFailureWindow:       5 * time.Minute,
		SimilarErrorStreak:        3,
		MinSuccessRate:            50,

		CapabilityPreferences: map[string][]string{},
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Security = SecurityConfig{
		APIKeys: []string{},
		RateLimiting: RateLimitConfig{
			Enabled:        false,
			RequestsPerMin: 60,
			BurstSize:      10,
			WindowDuration: time.Minute,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
		},
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() {
	if port := os.Getenv("AIMUX_PORT"); port != "" {
		c.Server.Port = port
	}

	// Provider API keys by adapter kind
	for i := range c.Providers {
		switch c.Providers[i].Kind {
		case "openai":
			if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.Providers[i].Endpoint.APIKey == "" {
				c.Providers[i].Endpoint.APIKey = key
			}
		case "anthropic":
			if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && c.Providers[i].Endpoint.APIKey == "" {
				c.Providers[i].Endpoint.APIKey = key
			}
		}
	}

	if level := os.Getenv("AIMUX_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if format := os.Getenv("AIMUX_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if strategy := os.Getenv("AIMUX_STRATEGY"); strategy != "" {
		c.Router.Strategy = strategy
	}

	if secret := os.Getenv("AIMUX_JWT_SECRET"); secret != "" {
		c.Security.JWTSecret = secret
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	if !routing.ValidStrategy(c.Router.Strategy) {
		return fmt.Errorf("invalid routing strategy: %s", c.Router.Strategy)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}

	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Router.MaxRetriesPerProvider < 0 {
		return fmt.Errorf("max_retries_per_provider cannot be negative")
	}
	if c.Router.MaxTotalRetries < 1 {
		return fmt.Errorf("max_total_retries must be at least 1")
	}
	if c.Router.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1")
	}
	if c.Router.JitterFactor < 0 || c.Router.JitterFactor > 1 {
		return fmt.Errorf("jitter_factor must be between 0 and 1")
	}
	if c.Router.InitialRetryDelay < 0 || c.Router.MaxRetryDelay < c.Router.InitialRetryDelay {
		return fmt.Errorf("retry delays must satisfy 0 <= initial <= max")
	}
	if c.Router.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("circuit_breaker_threshold must be at least 1")
	}
	if c.Router.MinSuccessRate < 0 || c.Router.MinSuccessRate > 100 {
		return fmt.Errorf("min_success_rate must be between 0 and 100")
	}

	seen := map[string]bool{}
	enabled := 0
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider entry missing id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id: %s", p.ID)
		}
		seen[p.ID] = true
		if p.Kind != "openai" && p.Kind != "anthropic" {
			return fmt.Errorf("provider %s: unsupported kind %q", p.ID, p.Kind)
		}
		if p.Enabled {
			if p.Endpoint.APIKey == "" {
				return fmt.Errorf("provider %s: API key is required when enabled", p.ID)
			}
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one provider must be enabled")
	}

	return nil
}

// ToRoutingConfig converts the router section to the routing core's config.
func (c *Config) ToRoutingConfig() routing.Config {
	r := c.Router
	prefs := make(map[types.RequestType][]string, len(r.CapabilityPreferences))
	for k, v := range r.CapabilityPreferences {
		prefs[types.RequestType(k)] = v
	}
	return routing.Config{
		Strategy:                  routing.Strategy(r.Strategy),
		RequestTimeout:            r.RequestTimeout,
		MaxRetriesPerProvider:     r.MaxRetriesPerProvider,
		MaxTotalRetries:           r.MaxTotalRetries,
		InitialRetryDelay:         r.InitialRetryDelay,
		MaxRetryDelay:             r.MaxRetryDelay,
		BackoffMultiplier:         r.BackoffMultiplier,
		EnableJitter:              r.EnableJitter == nil || *r.EnableJitter,
		JitterFactor:              r.JitterFactor,
		EnableCircuitBreaker:      r.EnableCircuitBreaker == nil || *r.EnableCircuitBreaker,
		CircuitBreakerThreshold:   r.CircuitBreakerThreshold,
		CircuitBreakerTimeout:     r.CircuitBreakerTimeout,
		CooldownWindow:            r.CooldownWindow,
		EnableIntelligentFailover: r.EnableIntelligentFailover == nil || *r.EnableIntelligentFailover,
		RecentFailureWindow:       r.RecentFailureWindow,
		SimilarErrorStreak:        r.SimilarErrorStreak,
		MinSuccessRate:            r.MinSuccessRate,
		CapabilityPreferences:     prefs,
	}
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// EnabledProviders returns the enabled catalog entries.
func (c *Config) EnabledProviders() []types.Provider {
	var out []types.Provider
	for _, p := range c.Providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}
