package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ferro-labs/fluxguard/internal/logging"
	"github.com/ferro-labs/fluxguard/internal/metrics"
)

// DefaultTTL applies when neither the request nor the cache sets one.
const DefaultTTL = time.Hour

// Request describes one cacheable call.
type Request struct {
	// Operation namespaces the derived key, e.g. "list_files".
	Operation string
	Args      []any
	Kwargs    map[string]any
	// TTL overrides the cache default when positive.
	TTL time.Duration
	// Key overrides the derived key when non-empty.
	Key string
	// Bypass skips both lookups; the fresh result is still written back.
	Bypass bool
}

// CacheKey returns Key, or the key derived from the operation and arguments.
func (r Request) CacheKey() string {
	if r.Key != "" {
		return r.Key
	}
	return DeriveKey(r.Operation, r.Args, r.Kwargs)
}

// Tiered composes a volatile and a persistent store. Either may be nil to
// disable that tier.
type Tiered struct {
	volatile   VolatileStore
	persistent PersistentStore
	defaultTTL time.Duration
	dedupe     bool
	group      singleflight.Group
	flightsMu  sync.Mutex
	flights    map[string]*flight
	now        func() time.Time
	log        *slog.Logger
}

// Option configures a Tiered cache.
type Option func(*Tiered)

// WithDefaultTTL sets the TTL used when a Request has none.
func WithDefaultTTL(d time.Duration) Option {
	return func(t *Tiered) {
		if d > 0 {
			t.defaultTTL = d
		}
	}
}

// WithInflightDedupe controls whether concurrent misses on one key share a
// single execution. Enabled by default.
func WithInflightDedupe(enabled bool) Option {
	return func(t *Tiered) { t.dedupe = enabled }
}

// New creates a Tiered cache.
func New(volatile VolatileStore, persistent PersistentStore, opts ...Option) *Tiered {
	t := &Tiered{
		volatile:   volatile,
		persistent: persistent,
		defaultTTL: DefaultTTL,
		dedupe:     true,
		flights:    make(map[string]*flight),
		now:        time.Now,
		log:        logging.Component("cache"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// DefaultTTL returns the TTL applied to requests without one.
func (t *Tiered) DefaultTTL() time.Duration { return t.defaultTTL }

// GetOrExecute returns the cached value for req, or runs fn and caches its
// result. Lookup order is volatile, then persistent (a persistent hit
// repopulates the volatile tier for the entry's remaining lifetime), then
// fn. Errors from fn are returned unchanged and nothing is cached. Values
// reporting IsDegraded() are returned but not cached.
func GetOrExecute[T any](ctx context.Context, c *Tiered, req Request, fn func(context.Context) (T, error)) (T, Source, error) {
	key := req.CacheKey()

	if req.Bypass {
		v, err := execute(ctx, c, key, req, fn)
		return v, SourceOrigin, err
	}

	if v, src, ok := lookup[T](ctx, c, key); ok {
		return v, src, nil
	}

	if !c.dedupe {
		v, err := execute(ctx, c, key, req, fn)
		return v, SourceOrigin, err
	}

	f := c.join(ctx, key)
	ch := c.group.DoChan(key, func() (any, error) {
		return execute(f.ctx, c, key, req, fn)
	})
	select {
	case res := <-ch:
		c.leave(key, f, false)
		if res.Shared {
			logging.FromContext(ctx).Debug("cache miss shared with in-flight call", "operation", req.Operation, "key", key)
		}
		v, _ := res.Val.(T)
		return v, SourceOrigin, res.Err
	case <-ctx.Done():
		c.leave(key, f, true)
		var zero T
		return zero, SourceOrigin, ctx.Err()
	}
}

// flight is the context shared by every caller waiting on one key. It is
// cancelled only once all of them have left.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (c *Tiered) join(ctx context.Context, key string) *flight {
	c.flightsMu.Lock()
	defer c.flightsMu.Unlock()
	f, ok := c.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++
	return f
}

func (c *Tiered) leave(key string, f *flight, abandoned bool) {
	c.flightsMu.Lock()
	defer c.flightsMu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	if abandoned {
		c.group.Forget(key)
	}
	f.cancel()
}

func execute[T any](ctx context.Context, c *Tiered, key string, req Request, fn func(context.Context) (T, error)) (T, error) {
	metrics.CacheExecutions.WithLabelValues(req.Operation).Inc()
	v, err := fn(ctx)
	if err != nil {
		return v, err
	}
	c.store(ctx, key, req.Operation, req.TTL, v)
	return v, nil
}

func lookup[T any](ctx context.Context, c *Tiered, key string) (T, Source, bool) {
	var zero T

	if c.volatile != nil {
		raw, ok, err := c.volatile.Get(ctx, key)
		switch {
		case err != nil:
			c.storageError(ctx, "volatile", "get", key, err)
		case ok:
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				c.storageError(ctx, "volatile", "decode", key, err)
				break
			}
			metrics.CacheLookups.WithLabelValues("volatile", "hit").Inc()
			logging.FromContext(ctx).Debug("volatile cache hit", "key", key)
			return v, SourceVolatile, true
		default:
			metrics.CacheLookups.WithLabelValues("volatile", "miss").Inc()
		}
	}

	if c.persistent != nil {
		now := c.now().UTC()
		e, ok, err := c.persistent.Get(ctx, key, now)
		switch {
		case err != nil:
			c.storageError(ctx, "persistent", "get", key, err)
		case ok:
			var v T
			if err := json.Unmarshal(e.Value, &v); err != nil {
				c.storageError(ctx, "persistent", "decode", key, err)
				break
			}
			metrics.CacheLookups.WithLabelValues("persistent", "hit").Inc()
			logging.FromContext(ctx).Debug("persistent cache hit", "key", key)
			if c.volatile != nil {
				if remaining := e.ExpiresAt.Sub(now); remaining > 0 {
					if err := c.volatile.Set(ctx, key, e.Value, remaining); err != nil {
						c.storageError(ctx, "volatile", "set", key, err)
					}
				}
			}
			return v, SourcePersistent, true
		default:
			metrics.CacheLookups.WithLabelValues("persistent", "miss").Inc()
		}
	}

	return zero, SourceOrigin, false
}

func (c *Tiered) store(ctx context.Context, key, operation string, ttl time.Duration, v any) {
	if d, ok := v.(Degradable); ok && d.IsDegraded() {
		logging.FromContext(ctx).Debug("not caching degraded response", "operation", operation, "key", key)
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		c.storageError(ctx, "volatile", "encode", key, err)
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	if c.volatile != nil {
		if err := c.volatile.Set(ctx, key, raw, ttl); err != nil {
			c.storageError(ctx, "volatile", "set", key, err)
		}
	}
	if c.persistent != nil {
		now := c.now().UTC()
		err := c.persistent.Upsert(ctx, Entry{
			Key:       key,
			Operation: operation,
			Value:     raw,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(ttl),
		})
		if err != nil {
			c.storageError(ctx, "persistent", "set", key, err)
		}
	}
}

func (c *Tiered) storageError(ctx context.Context, tier, op, key string, err error) {
	metrics.CacheStorageErrors.WithLabelValues(tier, op).Inc()
	c.log.ErrorContext(ctx, "cache storage error",
		"tier", tier,
		"op", op,
		"key", key,
		"trace_id", logging.TraceIDFromContext(ctx),
		"error", err,
	)
}

// Invalidate removes key from both tiers. A missing key is not an error;
// storage failures are logged and returned joined.
func (c *Tiered) Invalidate(ctx context.Context, key string) error {
	var errs []error
	if c.volatile != nil {
		if err := c.volatile.Delete(ctx, key); err != nil {
			c.storageError(ctx, "volatile", "delete", key, err)
			errs = append(errs, err)
		}
	}
	if c.persistent != nil {
		if err := c.persistent.Delete(ctx, key); err != nil {
			c.storageError(ctx, "persistent", "delete", key, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CleanupExpired deletes persistent entries that have expired and returns
// how many were removed. The volatile tier expires on its own.
func (c *Tiered) CleanupExpired(ctx context.Context) (int64, error) {
	if c.persistent == nil {
		return 0, nil
	}
	n, err := c.persistent.DeleteExpired(ctx, c.now().UTC())
	if err != nil {
		c.storageError(ctx, "persistent", "cleanup", "", err)
		return 0, err
	}
	metrics.CacheExpiredRemoved.Add(float64(n))
	c.log.InfoContext(ctx, "removed expired cache entries", "count", n)
	return n, nil
}

// Stats gathers counters from both tiers. Each query fails independently;
// failures are logged and leave the field at its zero value.
func (c *Tiered) Stats(ctx context.Context) Stats {
	st := Stats{VolatileMemoryUsed: "0"}

	if c.volatile != nil {
		if n, err := c.volatile.Size(ctx); err != nil {
			c.storageError(ctx, "volatile", "stats", "", err)
		} else {
			st.VolatileKeys = n
		}
		if mem, err := c.volatile.MemoryUsage(ctx); err != nil {
			c.storageError(ctx, "volatile", "stats", "", err)
		} else {
			st.VolatileMemoryUsed = mem
		}
	}

	if c.persistent != nil {
		now := c.now().UTC()
		total, err := c.persistent.Count(ctx)
		if err != nil {
			c.storageError(ctx, "persistent", "stats", "", err)
		}
		active, aerr := c.persistent.CountActive(ctx, now)
		if aerr != nil {
			c.storageError(ctx, "persistent", "stats", "", aerr)
		}
		if err == nil && aerr == nil {
			st.TotalEntries = total
			st.ActiveEntries = active
			st.ExpiredEntries = total - active
		} else if err == nil {
			st.TotalEntries = total
		}
		if oldest, newest, err := c.persistent.Bounds(ctx); err != nil {
			c.storageError(ctx, "persistent", "stats", "", err)
		} else {
			st.OldestEntry = oldest
			st.NewestEntry = newest
		}
	}
	return st
}

// Close closes both stores.
func (c *Tiered) Close() error {
	var errs []error
	if c.volatile != nil {
		errs = append(errs, c.volatile.Close())
	}
	if c.persistent != nil {
		errs = append(errs, c.persistent.Close())
	}
	return errors.Join(errs...)
}
