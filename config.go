package fluxguard

// Config holds the configuration for a Guard and the fluxguard binaries.
type Config struct {
	// FluxAI configures the remote service client.
	FluxAI FluxAIConfig `json:"flux_ai" yaml:"flux_ai"`
	// Retry bounds retries of transient remote failures.
	Retry RetryConfig `json:"retry" yaml:"retry"`
	// CircuitBreaker configures the breakers protecting remote calls.
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	// Cache configures both cache tiers and the per-operation policy.
	Cache CacheConfig `json:"cache" yaml:"cache"`
	// CallLog configures the optional call log store.
	CallLog CallLogConfig `json:"call_log" yaml:"call_log"`
	Server  ServerConfig  `json:"server" yaml:"server"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// FluxAIConfig configures the Flux AI client.
type FluxAIConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	// Timeout is the per-attempt HTTP timeout, e.g. "60s".
	Timeout   string           `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RateLimit *RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	// ChatBackend selects where chat completions go: "flux" or "openai".
	ChatBackend string       `json:"chat_backend,omitempty" yaml:"chat_backend,omitempty"`
	OpenAI      OpenAIConfig `json:"openai,omitempty" yaml:"openai,omitempty"`
}

// RateLimitConfig caps outbound requests with a token bucket.
type RateLimitConfig struct {
	RPS   float64 `json:"rps" yaml:"rps"`
	Burst int     `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// OpenAIConfig configures the OpenAI-compatible chat backend.
type OpenAIConfig struct {
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	Attempts        int    `json:"attempts" yaml:"attempts"`
	InitialInterval string `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty"`
	MaxInterval     string `json:"max_interval,omitempty" yaml:"max_interval,omitempty"`
	MaxElapsed      string `json:"max_elapsed,omitempty" yaml:"max_elapsed,omitempty"`
}

// CircuitBreakerConfig defines breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout  string `json:"recovery_timeout" yaml:"recovery_timeout"`
	// Scope is "client" (one breaker for all operations) or "operation".
	Scope string `json:"scope,omitempty" yaml:"scope,omitempty"`
}

// CacheConfig configures the two-tier cache.
type CacheConfig struct {
	DefaultTTL      string `json:"default_ttl" yaml:"default_ttl"`
	DedupeInflight  bool   `json:"dedupe_inflight" yaml:"dedupe_inflight"`
	CleanupInterval string `json:"cleanup_interval,omitempty" yaml:"cleanup_interval,omitempty"`
	// Volatile is the fast tier (redis or in-process memory).
	Volatile VolatileConfig `json:"volatile" yaml:"volatile"`
	// Persistent is the durable tier (sqlite, postgres or none).
	Persistent PersistentConfig `json:"persistent" yaml:"persistent"`
	// Operations maps a read operation name to its cache policy.
	Operations map[string]OperationCacheConfig `json:"operations,omitempty" yaml:"operations,omitempty"`
}

// VolatileConfig selects the volatile tier.
type VolatileConfig struct {
	Driver    string `json:"driver" yaml:"driver"`
	URL       string `json:"url,omitempty" yaml:"url,omitempty"`
	Capacity  int    `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
}

// PersistentConfig selects the persistent tier.
type PersistentConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// OperationCacheConfig is the cache policy for one operation.
type OperationCacheConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// TTL overrides cache.default_ttl when set.
	TTL string `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// CallLogConfig selects the call log store. Driver "none" disables it.
type CallLogConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// ServerConfig configures cmd/fluxguard.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
	// AdminToken grants full access to the /admin routes.
	AdminToken string `json:"admin_token,omitempty" yaml:"admin_token,omitempty"`
	// ReadToken grants read-only access to the /admin routes. The admin API
	// is disabled when neither token is set.
	ReadToken string `json:"read_token,omitempty" yaml:"read_token,omitempty"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// Driver and backend names accepted in Config.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNone     = "none"

	ChatBackendFlux   = "flux"
	ChatBackendOpenAI = "openai"
)

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		FluxAI: FluxAIConfig{
			BaseURL:     "https://ai.runonflux.com",
			Timeout:     "60s",
			ChatBackend: ChatBackendFlux,
		},
		Retry: RetryConfig{
			Attempts:        3,
			InitialInterval: "200ms",
			MaxInterval:     "5s",
			MaxElapsed:      "30s",
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  "30s",
			Scope:            "client",
		},
		Cache: CacheConfig{
			DefaultTTL:      "1h",
			DedupeInflight:  true,
			CleanupInterval: "1h",
			Volatile: VolatileConfig{
				Driver:    DriverMemory,
				Capacity:  10000,
				KeyPrefix: "fluxguard:",
			},
			Persistent: PersistentConfig{
				Driver: DriverSQLite,
				DSN:    "fluxguard-cache.db",
			},
			Operations: map[string]OperationCacheConfig{
				"list_files":      {Enabled: true},
				"get_file":        {Enabled: true},
				"chat_completion": {Enabled: false},
			},
		},
		CallLog: CallLogConfig{Driver: DriverNone},
		Server:  ServerConfig{Addr: ":8080"},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}
