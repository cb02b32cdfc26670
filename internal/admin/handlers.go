// Package admin provides HTTP handlers for the fluxguard operations API.
// Routes expose cache statistics and maintenance, circuit breaker state and
// the call log. All routes are protected by bearer-token authentication via
// AuthMiddleware.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ferro-labs/fluxguard/internal/cache"
	"github.com/ferro-labs/fluxguard/internal/calllog"
	"github.com/ferro-labs/fluxguard/internal/circuitbreaker"
	"github.com/ferro-labs/fluxguard/internal/version"
)

// CacheAdmin is the cache surface the admin API needs.
type CacheAdmin interface {
	Stats(ctx context.Context) cache.Stats
	CleanupExpired(ctx context.Context) (int64, error)
	Invalidate(ctx context.Context, key string) error
}

// BreakerSource reports circuit breaker state.
type BreakerSource interface {
	Snapshots() []circuitbreaker.Snapshot
}

// CallLogReader lists call log entries.
type CallLogReader interface {
	List(ctx context.Context, q calllog.Query) (*calllog.ListResult, error)
}

// CallLogMaintainer prunes the call log.
type CallLogMaintainer interface {
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)
}

// Handlers holds dependencies for admin HTTP handlers. Logs and LogAdmin may
// be nil when no call log store is configured.
type Handlers struct {
	Cache    CacheAdmin
	Breakers BreakerSource
	Logs     CallLogReader
	LogAdmin CallLogMaintainer
}

// Routes returns a chi.Router with all admin endpoints mounted.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	// Read-only endpoints (accessible with read-only or admin scope).
	r.Group(func(r chi.Router) {
		r.Use(RequireScope(ScopeReadOnly, ScopeAdmin))
		r.Get("/cache/stats", h.cacheStats)
		r.Get("/breakers", h.listBreakers)
		r.Get("/logs", h.listLogs)
		r.Get("/version", h.version)
	})

	// Write endpoints (admin scope only).
	r.Group(func(r chi.Router) {
		r.Use(RequireScope(ScopeAdmin))
		r.Post("/cache/cleanup", h.cleanupCache)
		r.Delete("/cache/{key}", h.invalidateKey)
		r.Delete("/logs", h.deleteLogs)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handlers) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Cache.Stats(r.Context()))
}

func (h *Handlers) cleanupCache(w http.ResponseWriter, r *http.Request) {
	removed, err := h.Cache.CleanupExpired(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clean up expired entries", "server_error", "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed": removed,
	})
}

func (h *Handlers) invalidateKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required", "invalid_request_error", "invalid_request")
		return
	}
	if err := h.Cache.Invalidate(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to invalidate key", "server_error", "internal_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) listBreakers(w http.ResponseWriter, _ *http.Request) {
	snapshots := []circuitbreaker.Snapshot{}
	if h.Breakers != nil {
		snapshots = append(snapshots, h.Breakers.Snapshots()...)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": snapshots,
	})
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": version.Version,
		"commit":  version.Commit,
		"date":    version.Date,
	})
}

func (h *Handlers) listLogs(w http.ResponseWriter, r *http.Request) {
	if h.Logs == nil {
		writeError(w, http.StatusNotImplemented, "call log storage is not enabled", "not_implemented_error", "not_implemented")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: must be a positive integer", "invalid_request_error", "invalid_request")
			return
		}
		if parsed > 200 {
			parsed = 200
		}
		limit = parsed
	}

	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset: must be a non-negative integer", "invalid_request_error", "invalid_request")
			return
		}
		offset = parsed
	}

	query := calllog.Query{
		Limit:     limit,
		Offset:    offset,
		Operation: r.URL.Query().Get("operation"),
		Outcome:   calllog.Outcome(r.URL.Query().Get("outcome")),
	}

	result, err := h.Logs.List(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list call logs", "server_error", "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": result.Data,
		"summary": map[string]interface{}{
			"total_entries":    result.Total,
			"returned_entries": len(result.Data),
		},
	})
}

func (h *Handlers) deleteLogs(w http.ResponseWriter, r *http.Request) {
	if h.LogAdmin == nil {
		writeError(w, http.StatusNotImplemented, "call log storage is not enabled", "not_implemented_error", "not_implemented")
		return
	}

	raw := r.URL.Query().Get("before")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "before is required (RFC3339)", "invalid_request_error", "invalid_request")
		return
	}
	before, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid before: must be RFC3339 format", "invalid_request_error", "invalid_request")
		return
	}

	deleted, err := h.LogAdmin.DeleteBefore(r.Context(), before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete call logs", "server_error", "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": deleted,
	})
}
