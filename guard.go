// Package fluxguard keeps an application working while the Flux AI service
// is slow or down.
//
// The Guard type is the main entry point: create one with New from a
// [Config] (loadable from YAML or JSON with [LoadConfig]) and call the Flux
// AI operations on it. Read operations are answered from a two-tier cache
// when their cache policy allows; every remote call runs behind a circuit
// breaker with bounded retries, and a canned fallback response is served
// while the breaker is open.
package fluxguard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ferro-labs/fluxguard/internal/cache"
	"github.com/ferro-labs/fluxguard/internal/calllog"
	"github.com/ferro-labs/fluxguard/internal/circuitbreaker"
	"github.com/ferro-labs/fluxguard/internal/fluxai"
	"github.com/ferro-labs/fluxguard/internal/logging"
	"github.com/ferro-labs/fluxguard/internal/metrics"
	"github.com/ferro-labs/fluxguard/internal/ratelimit"
)

// EventHookFunc is called asynchronously after every guarded call.
type EventHookFunc func(ctx context.Context, subject string, data map[string]interface{})

// Event subject constants used when invoking guard hooks.
const (
	SubjectCallCompleted = "fluxguard.call.completed"
	SubjectCallFailed    = "fluxguard.call.failed"
)

// Guard composes the cache, the circuit breakers and the Flux AI client.
type Guard struct {
	mu      sync.RWMutex
	config  Config
	client  *fluxai.Client
	cache   *cache.Tiered
	calls   calllog.Writer
	hooks   []EventHookFunc
	closers []io.Closer
	log     *slog.Logger
}

// Option customises how New builds a Guard.
type Option func(*options)

type options struct {
	client        *fluxai.Client
	httpClient    *http.Client
	volatile      cache.VolatileStore
	volatileSet   bool
	persistent    cache.PersistentStore
	persistentSet bool
	callLog       calllog.Writer
}

// WithClient uses c instead of building a client from cfg.FluxAI.
func WithClient(c *fluxai.Client) Option {
	return func(o *options) { o.client = c }
}

// WithHTTPClient sets the HTTP client used for remote calls. The client's
// own timeout is kept.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithVolatileStore uses s as the volatile tier. A nil s disables the tier.
func WithVolatileStore(s cache.VolatileStore) Option {
	return func(o *options) {
		o.volatile = s
		o.volatileSet = true
	}
}

// WithPersistentStore uses s as the persistent tier. A nil s disables the
// tier.
func WithPersistentStore(s cache.PersistentStore) Option {
	return func(o *options) {
		o.persistent = s
		o.persistentSet = true
	}
}

// WithCallLog records every guarded call to w.
func WithCallLog(w calllog.Writer) Option {
	return func(o *options) { o.callLog = w }
}

// New creates a Guard from cfg. Stores and clients not supplied through
// options are opened from the config. Close closes both cache tiers, even
// injected ones, and any call log New opened itself.
func New(cfg Config, opts ...Option) (*Guard, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	g := &Guard{
		config: cfg,
		log:    logging.Component("guard"),
	}

	g.client = o.client
	if g.client == nil {
		g.client = newClient(cfg, o.httpClient)
	}

	volatile, persistent := o.volatile, o.persistent
	if !o.volatileSet {
		s, err := openVolatile(cfg.Cache.Volatile)
		if err != nil {
			return nil, err
		}
		volatile = s
	}
	if !o.persistentSet {
		s, err := openPersistent(cfg.Cache.Persistent)
		if err != nil {
			if volatile != nil && !o.volatileSet {
				_ = volatile.Close()
			}
			return nil, err
		}
		persistent = s
	}

	cacheOpts := []cache.Option{cache.WithInflightDedupe(cfg.Cache.DedupeInflight)}
	if ttl := mustDuration(cfg.Cache.DefaultTTL); ttl > 0 {
		cacheOpts = append(cacheOpts, cache.WithDefaultTTL(ttl))
	}
	g.cache = cache.New(volatile, persistent, cacheOpts...)
	g.closers = append(g.closers, g.cache)

	g.calls = o.callLog
	if g.calls == nil {
		w, err := openCallLog(cfg.CallLog)
		if err != nil {
			_ = g.cache.Close()
			return nil, err
		}
		g.calls = w
		if c, ok := w.(io.Closer); ok {
			g.closers = append(g.closers, c)
		}
	}

	return g, nil
}

func newClient(cfg Config, hc *http.Client) *fluxai.Client {
	scope, _ := circuitbreaker.ParseScope(cfg.CircuitBreaker.Scope)
	breakers := circuitbreaker.NewGroup("flux_ai", scope,
		cfg.CircuitBreaker.FailureThreshold,
		mustDuration(cfg.CircuitBreaker.RecoveryTimeout))

	clientOpts := []fluxai.Option{
		fluxai.WithBreakers(breakers),
		fluxai.WithRetryPolicy(cfg.Retry.RetryPolicy()),
	}
	if hc != nil {
		clientOpts = append(clientOpts, fluxai.WithHTTPClient(hc))
	} else if d := mustDuration(cfg.FluxAI.Timeout); d > 0 {
		clientOpts = append(clientOpts, fluxai.WithTimeout(d))
	}
	if rl := cfg.FluxAI.RateLimit; rl != nil {
		burst := float64(rl.Burst)
		if burst < 1 {
			burst = 1
		}
		clientOpts = append(clientOpts, fluxai.WithRateLimiter(ratelimit.New(rl.RPS, burst)))
	}
	if cfg.FluxAI.ChatBackend == ChatBackendOpenAI {
		oa := cfg.FluxAI.OpenAI
		clientOpts = append(clientOpts, fluxai.WithChatBackend(fluxai.NewOpenAIChat(oa.APIKey, oa.BaseURL, oa.Model, hc)))
	}
	return fluxai.NewClient(cfg.FluxAI.BaseURL, cfg.FluxAI.APIKey, clientOpts...)
}

func openVolatile(cfg VolatileConfig) (cache.VolatileStore, error) {
	switch cfg.Driver {
	case DriverNone:
		return nil, nil
	case DriverRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client, err := cache.ConnectRedis(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		return cache.NewRedisStore(client, cfg.KeyPrefix), nil
	default:
		return cache.NewMemory(cfg.Capacity), nil
	}
}

func openPersistent(cfg PersistentConfig) (cache.PersistentStore, error) {
	if cfg.Driver == DriverNone {
		return nil, nil
	}
	s, err := cache.NewSQLStore(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func openCallLog(cfg CallLogConfig) (calllog.Writer, error) {
	if cfg.Driver == "" || cfg.Driver == DriverNone {
		return calllog.NoopWriter{}, nil
	}
	w, err := calllog.NewSQLWriter(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// CallOption adjusts a single cached call.
type CallOption func(*callOptions)

type callOptions struct {
	bypass bool
	ttl    time.Duration
	key    string
}

// WithBypass skips the cache lookup. The fresh result is still cached.
func WithBypass() CallOption {
	return func(o *callOptions) { o.bypass = true }
}

// WithTTL overrides the operation's cache TTL for this call.
func WithTTL(d time.Duration) CallOption {
	return func(o *callOptions) { o.ttl = d }
}

// WithCacheKey replaces the derived cache key for this call.
func WithCacheKey(key string) CallOption {
	return func(o *callOptions) { o.key = key }
}

// ListFiles lists the documents stored by the AI service.
func (g *Guard) ListFiles(ctx context.Context, opts ...CallOption) (*fluxai.ListFilesResponse, error) {
	return guardedCall(ctx, g, fluxai.OpListFiles, nil, opts, g.client.ListFiles)
}

// GetFile returns one document by ID.
func (g *Guard) GetFile(ctx context.Context, fileID string, opts ...CallOption) (*fluxai.GetFileResponse, error) {
	return guardedCall(ctx, g, fluxai.OpGetFile, []any{fileID}, opts, func(ctx context.Context) (*fluxai.GetFileResponse, error) {
		return g.client.GetFile(ctx, fileID)
	})
}

// ChatCompletion asks the assistant for a completion. Requests are keyed by
// content, so identical requests share a cache entry when chat caching is
// enabled.
func (g *Guard) ChatCompletion(ctx context.Context, req fluxai.ChatCompletionRequest, opts ...CallOption) (*fluxai.ChatCompletionResponse, error) {
	return guardedCall(ctx, g, fluxai.OpChatCompletion, []any{req}, opts, func(ctx context.Context) (*fluxai.ChatCompletionResponse, error) {
		return g.client.ChatCompletion(ctx, req)
	})
}

// UploadFile uploads a document. Uploads are never cached; a successful
// upload invalidates the cached file listing.
func (g *Guard) UploadFile(ctx context.Context, req fluxai.UploadFileRequest) (*fluxai.UploadFileResponse, error) {
	ctx = logging.EnsureTraceID(ctx)
	start := time.Now()
	resp, err := g.client.UploadFile(ctx, req)
	if err == nil && !resp.IsDegraded() {
		g.invalidate(ctx, KeyFor(fluxai.OpListFiles))
	}
	g.record(ctx, fluxai.OpUploadFile, "", outcomeFor(resp, cache.SourceOrigin, err), start, err)
	return resp, err
}

// DeleteFile deletes a document. Deletes are never cached; a successful
// delete invalidates the cached listing and the cached copy of the file.
func (g *Guard) DeleteFile(ctx context.Context, fileID string) (*fluxai.DeleteFileResponse, error) {
	ctx = logging.EnsureTraceID(ctx)
	start := time.Now()
	resp, err := g.client.DeleteFile(ctx, fileID)
	if err == nil && !resp.IsDegraded() {
		g.invalidate(ctx, KeyFor(fluxai.OpListFiles))
		g.invalidate(ctx, KeyFor(fluxai.OpGetFile, fileID))
	}
	g.record(ctx, fluxai.OpDeleteFile, "", outcomeFor(resp, cache.SourceOrigin, err), start, err)
	return resp, err
}

// KeyFor returns the cache key derived for op called with args.
func KeyFor(op fluxai.Operation, args ...any) string {
	return cache.DeriveKey(string(op), args, nil)
}

// guardedCall runs fn through the cache when op's policy enables caching,
// and records the outcome either way.
func guardedCall[T any](ctx context.Context, g *Guard, op fluxai.Operation, args []any, opts []CallOption, fn func(context.Context) (T, error)) (T, error) {
	ctx = logging.EnsureTraceID(ctx)
	start := time.Now()

	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	g.mu.RLock()
	ttl, enabled := g.config.Cache.CachePolicy(op)
	g.mu.RUnlock()

	if !enabled {
		v, err := fn(ctx)
		g.record(ctx, op, "", outcomeFor(v, cache.SourceOrigin, err), start, err)
		return v, err
	}

	if co.ttl > 0 {
		ttl = co.ttl
	}
	req := cache.Request{
		Operation: string(op),
		Args:      args,
		TTL:       ttl,
		Key:       co.key,
		Bypass:    co.bypass,
	}
	v, src, err := cache.GetOrExecute(ctx, g.cache, req, fn)
	g.record(ctx, op, req.CacheKey(), outcomeFor(v, src, err), start, err)
	return v, err
}

func outcomeFor(v any, src cache.Source, err error) calllog.Outcome {
	if err != nil {
		return calllog.OutcomeError
	}
	if d, ok := v.(cache.Degradable); ok && d.IsDegraded() {
		return calllog.OutcomeFallback
	}
	switch src {
	case cache.SourceVolatile:
		return calllog.OutcomeVolatileHit
	case cache.SourcePersistent:
		return calllog.OutcomePersistentHit
	default:
		return calllog.OutcomeOrigin
	}
}

func (g *Guard) record(ctx context.Context, op fluxai.Operation, key string, outcome calllog.Outcome, start time.Time, callErr error) {
	latency := time.Since(start)
	metrics.GuardOutcomes.WithLabelValues(string(op), string(outcome)).Inc()

	entry := calllog.Entry{
		TraceID:   logging.TraceIDFromContext(ctx),
		Operation: string(op),
		Outcome:   outcome,
		CacheKey:  key,
		LatencyMS: latency.Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	if callErr != nil {
		entry.ErrorMessage = callErr.Error()
	}
	if err := g.calls.Write(ctx, entry); err != nil {
		g.log.WarnContext(ctx, "call log write failed", "operation", string(op), "error", err)
	}

	logging.FromContext(ctx).Debug("guarded call",
		"operation", string(op),
		"outcome", string(outcome),
		"latency_ms", latency.Milliseconds(),
	)

	subject := SubjectCallCompleted
	data := map[string]interface{}{
		"trace_id":   entry.TraceID,
		"operation":  string(op),
		"outcome":    string(outcome),
		"cache_key":  key,
		"latency_ms": entry.LatencyMS,
	}
	if callErr != nil {
		subject = SubjectCallFailed
		data["error"] = callErr.Error()
	}
	g.publishEvent(ctx, subject, data)
}

func (g *Guard) invalidate(ctx context.Context, key string) {
	if err := g.cache.Invalidate(ctx, key); err != nil {
		g.log.WarnContext(ctx, "cache invalidation failed", "key", key, "error", err)
	}
}

// AddHook registers an EventHookFunc that is called asynchronously after
// each guarded call.
func (g *Guard) AddHook(fn EventHookFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, fn)
}

// publishEvent calls all registered hooks asynchronously.
func (g *Guard) publishEvent(ctx context.Context, subject string, data map[string]interface{}) {
	g.mu.RLock()
	hooks := make([]EventHookFunc, len(g.hooks))
	copy(hooks, g.hooks)
	g.mu.RUnlock()

	for _, h := range hooks {
		fn := h
		go fn(ctx, subject, data)
	}
}

// SetCachePolicy replaces the cache policy of one read operation at runtime.
func (g *Guard) SetCachePolicy(op fluxai.Operation, policy OperationCacheConfig) error {
	if op.IsWrite() && policy.Enabled {
		return fmt.Errorf("%s mutates remote state and cannot be cached", op)
	}
	if _, err := parseDuration("ttl", policy.TTL); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	ops := make(map[string]OperationCacheConfig, len(g.config.Cache.Operations)+1)
	for k, v := range g.config.Cache.Operations {
		ops[k] = v
	}
	ops[string(op)] = policy
	g.config.Cache.Operations = ops
	return nil
}

// GetConfig returns a copy of the current configuration.
func (g *Guard) GetConfig() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// Cache returns the underlying two-tier cache.
func (g *Guard) Cache() *cache.Tiered { return g.cache }

// Breakers returns the breaker group protecting the Flux AI client.
func (g *Guard) Breakers() *circuitbreaker.Group { return g.client.Breakers() }

// CallLog returns the call log writer.
func (g *Guard) CallLog() calllog.Writer { return g.calls }

// Close releases the cache tiers and the call log store.
func (g *Guard) Close() error {
	var errs []error
	for _, c := range g.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
