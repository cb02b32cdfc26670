package circuitbreaker

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Scope selects how a Group maps protected callables onto breakers.
type Scope string

// Scope constants.
const (
	// ScopeClient shares one breaker across every operation of a client.
	ScopeClient Scope = "client"
	// ScopeOperation gives each operation its own breaker.
	ScopeOperation Scope = "operation"
)

// ParseScope converts a config value into a Scope. Empty means ScopeClient.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "", ScopeClient:
		return ScopeClient, nil
	case ScopeOperation:
		return ScopeOperation, nil
	default:
		return "", fmt.Errorf("unknown circuit breaker scope %q: use client or operation", s)
	}
}

// Group hands out breakers for named operations.
type Group struct {
	mu               sync.Mutex
	name             string
	scope            Scope
	failureThreshold int
	recoveryTimeout  time.Duration
	breakers         map[string]*CircuitBreaker
}

// NewGroup creates a Group. name prefixes breaker names in logs and metrics.
func NewGroup(name string, scope Scope, failureThreshold int, recoveryTimeout time.Duration) *Group {
	if scope == "" {
		scope = ScopeClient
	}
	return &Group{
		name:             name,
		scope:            scope,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		breakers:         make(map[string]*CircuitBreaker),
	}
}

// For returns the breaker protecting operation, creating it on first use.
func (g *Group) For(operation string) *CircuitBreaker {
	key := g.name
	if g.scope == ScopeOperation {
		key = g.name + "." + operation
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[key]; ok {
		return cb
	}
	cb := New(key, g.failureThreshold, g.recoveryTimeout)
	g.breakers[key] = cb
	return cb
}

// Snapshots returns the state of every breaker created so far, sorted by name.
func (g *Group) Snapshots() []Snapshot {
	g.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(g.breakers))
	for _, cb := range g.breakers {
		list = append(list, cb)
	}
	g.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
