// Package cache implements the two-tier response cache that sits in front of
// the AI service: a volatile tier (Redis or in-process LRU) answered first,
// and a persistent SQL tier that survives restarts.
//
// Values are stored as JSON. Storage failures on either tier are logged and
// counted but never surface to callers; a broken cache degrades to calling
// the wrapped function.
package cache

import (
	"context"
	"time"
)

// Source reports where a GetOrExecute result came from.
type Source int

// Source constants.
const (
	SourceOrigin Source = iota
	SourceVolatile
	SourcePersistent
)

// String implements fmt.Stringer.
func (s Source) String() string {
	switch s {
	case SourceOrigin:
		return "origin"
	case SourceVolatile:
		return "volatile"
	case SourcePersistent:
		return "persistent"
	default:
		return "unknown"
	}
}

// Entry is one persistent cache row.
type Entry struct {
	Key       string
	Operation string
	Value     []byte
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// VolatileStore is the fast, TTL-expiring tier.
type VolatileStore interface {
	// Get returns ok=false on a miss.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Size is the number of keys held.
	Size(ctx context.Context) (int64, error)
	// MemoryUsage is a human-readable memory figure, e.g. "1.2 MB".
	MemoryUsage(ctx context.Context) (string, error)
	Close() error
}

// PersistentStore is the durable tier. Get never returns entries whose
// ExpiresAt is not after now.
type PersistentStore interface {
	Get(ctx context.Context, key string, now time.Time) (*Entry, bool, error)
	// Upsert inserts or replaces the entry keyed by Entry.Key. CreatedAt of an
	// existing row is preserved.
	Upsert(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Count(ctx context.Context) (int64, error)
	CountActive(ctx context.Context, now time.Time) (int64, error)
	// Bounds returns the oldest and newest CreatedAt, nil when empty.
	Bounds(ctx context.Context) (oldest, newest *time.Time, err error)
	Close() error
}

// Degradable is implemented by responses that may be fallbacks. Degraded
// values are never cached.
type Degradable interface {
	IsDegraded() bool
}

// Stats summarises both tiers. Fields whose query failed keep their zero
// value.
type Stats struct {
	TotalEntries       int64      `json:"total_entries"`
	ActiveEntries      int64      `json:"active_entries"`
	ExpiredEntries     int64      `json:"expired_entries"`
	VolatileKeys       int64      `json:"volatile_keys"`
	VolatileMemoryUsed string     `json:"volatile_memory_used"`
	OldestEntry        *time.Time `json:"oldest_entry"`
	NewestEntry        *time.Time `json:"newest_entry"`
}
