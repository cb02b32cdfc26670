package main

import (
	"net/http"
	"strings"
)

var (
	corsMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	// Cache-Control carries the no-cache bypass for the sidecar API.
	corsRequestHeaders = []string{"Content-Type", "Authorization", "Cache-Control", "X-Request-ID"}
	corsExposedHeaders = []string{"X-Request-ID", "X-Fluxguard-Degraded"}
)

// corsPolicy holds the origins allowed to call the sidecar API. An empty
// set allows any origin.
type corsPolicy struct {
	origins map[string]struct{}
}

func newCORSPolicy(origins ...string) corsPolicy {
	p := corsPolicy{origins: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			p.origins[o] = struct{}{}
		}
	}
	return p
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when the origin is not allowed.
func (p corsPolicy) allowOrigin(origin string) string {
	if len(p.origins) == 0 {
		return "*"
	}
	if _, ok := p.origins[origin]; ok {
		return origin
	}
	return ""
}

// corsMiddleware answers preflight requests and sets CORS headers.
func corsMiddleware(allowedOrigins ...string) func(http.Handler) http.Handler {
	policy := newCORSPolicy(allowedOrigins...)
	methods := strings.Join(corsMethods, ", ")
	requestHeaders := strings.Join(corsRequestHeaders, ", ")
	exposed := strings.Join(corsExposedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			switch allow := policy.allowOrigin(r.Header.Get("Origin")); allow {
			case "":
			case "*":
				h.Set("Access-Control-Allow-Origin", allow)
			default:
				h.Set("Access-Control-Allow-Origin", allow)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Allow-Headers", requestHeaders)
			h.Set("Access-Control-Expose-Headers", exposed)
			h.Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
