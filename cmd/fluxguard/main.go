package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ferro-labs/fluxguard"
	"github.com/ferro-labs/fluxguard/internal/admin"
	"github.com/ferro-labs/fluxguard/internal/cache"
	"github.com/ferro-labs/fluxguard/internal/calllog"
	"github.com/ferro-labs/fluxguard/internal/circuitbreaker"
	"github.com/ferro-labs/fluxguard/internal/logging"
	"github.com/ferro-labs/fluxguard/internal/version"
)

func main() {
	cfg := fluxguard.DefaultConfig()
	if cfgPath := os.Getenv("FLUXGUARD_CONFIG"); cfgPath != "" {
		loaded, err := fluxguard.LoadConfig(cfgPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = *loaded
		log.Printf("Config loaded from %s", cfgPath)
	}
	fluxguard.ApplyEnv(&cfg)
	if err := fluxguard.ValidateConfig(cfg); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	level, format := cfg.Log.Level, cfg.Log.Format
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		format = v
	}
	logging.Setup(level, format)

	g, err := fluxguard.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create guard: %v", err)
	}
	defer func() { _ = g.Close() }()

	var corsOrigins []string
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}
	tokens := admin.Tokens{Admin: cfg.Server.AdminToken, ReadOnly: cfg.Server.ReadToken}
	if !tokens.Enabled() {
		log.Println("No admin token configured; /admin routes are disabled")
	}

	r := newRouter(g, tokens, corsOrigins)

	addr := cfg.Server.Addr
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval, _ := time.ParseDuration(cfg.Cache.CleanupInterval)
	go cache.NewSweeper(g.Cache(), interval).Run(ctx)

	go func() {
		<-ctx.Done()
		log.Println("Shutting down gracefully…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	log.Printf("fluxguard %s listening on %s (upstream %s)", version.Short(), addr, cfg.FluxAI.BaseURL)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stop()
		log.Fatalf("Server error: %v", err) //nolint:gocritic
	}
	log.Println("Server stopped.")
}

// newRouter builds the HTTP router.
func newRouter(g *fluxguard.Guard, tokens admin.Tokens, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(corsMiddleware(corsOrigins...))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		breakers := g.Breakers().Snapshots()
		status := "ok"
		for _, b := range breakers {
			if b.State != circuitbreaker.StateClosed.String() {
				status = "degraded"
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   status,
			"version":  version.Short(),
			"breakers": breakers,
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	api := &fileAPI{guard: g}
	api.routes(r)

	if tokens.Enabled() {
		adminHandlers := &admin.Handlers{
			Cache:    g.Cache(),
			Breakers: g.Breakers(),
		}
		if sw, ok := g.CallLog().(*calllog.SQLWriter); ok {
			adminHandlers.Logs = sw
			adminHandlers.LogAdmin = sw
		}
		r.Route("/admin", func(r chi.Router) {
			r.Use(admin.AuthMiddleware(tokens))
			r.Mount("/", adminHandlers.Routes())
		})
	}

	return r
}
