package fluxguard

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/fluxguard/internal/circuitbreaker"
	"github.com/ferro-labs/fluxguard/internal/fluxai"
	"github.com/ferro-labs/fluxguard/internal/retry"
)

//go:embed config.schema.json
var configSchemaSource string

var (
	configSchemaOnce sync.Once
	configSchema     *jsonschema.Schema
	configSchemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	configSchemaOnce.Do(func() {
		configSchema, configSchemaErr = jsonschema.CompileString("config.schema.json", configSchemaSource)
	})
	return configSchema, configSchemaErr
}

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml). Values absent from
// the file keep their DefaultConfig value. The document is checked against
// the embedded JSON Schema before it is decoded.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
		if err := validateDocument(doc); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		doc, err := decodeJSONDocument(data)
		if err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
		if err := validateDocument(doc); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	return &cfg, nil
}

func decodeJSONDocument(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// validateDocument checks a raw decoded document against the schema. YAML
// documents are round-tripped through JSON so the validator sees JSON types.
func validateDocument(doc any) error {
	if doc == nil {
		doc = map[string]any{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding config for validation: %w", err)
	}
	normalized, err := decodeJSONDocument(raw)
	if err != nil {
		return fmt.Errorf("encoding config for validation: %w", err)
	}

	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}
	if err := schema.Validate(normalized); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}

// ApplyEnv overlays well-known environment variables onto cfg. Empty
// variables are ignored.
func ApplyEnv(cfg *Config) {
	set := func(dst *string, name string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	set(&cfg.FluxAI.APIKey, "FLUX_AI_API_KEY")
	set(&cfg.FluxAI.BaseURL, "FLUX_AI_BASE_URL")
	set(&cfg.FluxAI.OpenAI.APIKey, "OPENAI_API_KEY")
	set(&cfg.Server.AdminToken, "FLUXGUARD_ADMIN_TOKEN")
	set(&cfg.Server.ReadToken, "FLUXGUARD_READ_TOKEN")
	set(&cfg.Cache.Persistent.Driver, "DATABASE_DRIVER")
	set(&cfg.Cache.Persistent.DSN, "DATABASE_URL")
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.Cache.Volatile.Driver = DriverRedis
		cfg.Cache.Volatile.URL = v
	}
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg Config) error {
	if cfg.FluxAI.BaseURL == "" {
		return fmt.Errorf("flux_ai.base_url is required")
	}
	switch cfg.FluxAI.ChatBackend {
	case "", ChatBackendFlux:
	case ChatBackendOpenAI:
		if cfg.FluxAI.OpenAI.APIKey == "" {
			return fmt.Errorf("flux_ai.openai.api_key is required when chat_backend is openai")
		}
	default:
		return fmt.Errorf("unknown chat backend: %q", cfg.FluxAI.ChatBackend)
	}
	if rl := cfg.FluxAI.RateLimit; rl != nil && rl.RPS <= 0 {
		return fmt.Errorf("flux_ai.rate_limit.rps must be positive")
	}

	if cfg.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1")
	}
	if cfg.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be at least 1")
	}
	if _, err := circuitbreaker.ParseScope(cfg.CircuitBreaker.Scope); err != nil {
		return err
	}

	durations := []struct {
		field, value string
	}{
		{"flux_ai.timeout", cfg.FluxAI.Timeout},
		{"retry.initial_interval", cfg.Retry.InitialInterval},
		{"retry.max_interval", cfg.Retry.MaxInterval},
		{"retry.max_elapsed", cfg.Retry.MaxElapsed},
		{"circuit_breaker.recovery_timeout", cfg.CircuitBreaker.RecoveryTimeout},
		{"cache.default_ttl", cfg.Cache.DefaultTTL},
		{"cache.cleanup_interval", cfg.Cache.CleanupInterval},
	}
	for name, op := range cfg.Cache.Operations {
		durations = append(durations, struct{ field, value string }{"cache.operations." + name + ".ttl", op.TTL})
	}
	for _, d := range durations {
		if _, err := parseDuration(d.field, d.value); err != nil {
			return err
		}
	}

	switch cfg.Cache.Volatile.Driver {
	case "", DriverMemory, DriverNone:
	case DriverRedis:
		if cfg.Cache.Volatile.URL == "" {
			return fmt.Errorf("cache.volatile.url is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown volatile cache driver: %q", cfg.Cache.Volatile.Driver)
	}
	if err := validateSQLDriver("cache.persistent", cfg.Cache.Persistent.Driver, cfg.Cache.Persistent.DSN); err != nil {
		return err
	}
	if err := validateSQLDriver("call_log", cfg.CallLog.Driver, cfg.CallLog.DSN); err != nil {
		return err
	}

	known := make(map[string]fluxai.Operation)
	for _, op := range fluxai.Operations() {
		known[string(op)] = op
	}
	for name, policy := range cfg.Cache.Operations {
		op, ok := known[name]
		if !ok {
			return fmt.Errorf("cache.operations: unknown operation %q", name)
		}
		if op.IsWrite() && policy.Enabled {
			return fmt.Errorf("cache.operations: %s mutates remote state and cannot be cached", name)
		}
	}

	return nil
}

func validateSQLDriver(section, driver, dsn string) error {
	switch driver {
	case "", DriverNone, DriverSQLite:
		return nil
	case DriverPostgres, "postgresql":
		if dsn == "" {
			return fmt.Errorf("%s.dsn is required for the postgres driver", section)
		}
		return nil
	default:
		return fmt.Errorf("unknown %s driver: %q", section, driver)
	}
}

// parseDuration parses an optional duration. Empty means zero.
func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative", field)
	}
	return d, nil
}

// mustDuration parses a value already accepted by ValidateConfig.
func mustDuration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

// RetryPolicy converts the retry section into a retry.Policy. Unset
// intervals keep the retry package defaults.
func (c RetryConfig) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	if c.Attempts > 0 {
		p.MaxAttempts = c.Attempts
	}
	if d := mustDuration(c.InitialInterval); d > 0 {
		p.InitialInterval = d
	}
	if d := mustDuration(c.MaxInterval); d > 0 {
		p.MaxInterval = d
	}
	if d := mustDuration(c.MaxElapsed); d > 0 {
		p.MaxElapsed = d
	}
	return p
}

// CachePolicy returns the cache policy for op and whether caching is on.
func (c CacheConfig) CachePolicy(op fluxai.Operation) (ttl time.Duration, enabled bool) {
	if op.IsWrite() {
		return 0, false
	}
	policy, ok := c.Operations[string(op)]
	if !ok || !policy.Enabled {
		return 0, false
	}
	return mustDuration(policy.TTL), true
}
