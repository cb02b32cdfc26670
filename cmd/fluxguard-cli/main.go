// Package main provides the fluxguard-cli command-line tool for inspecting
// and maintaining a fluxguard cache.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ferro-labs/fluxguard"
	"github.com/ferro-labs/fluxguard/internal/calllog"
	"github.com/ferro-labs/fluxguard/internal/fluxai"
	"github.com/ferro-labs/fluxguard/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "fluxguard-cli",
		Short:         "fluxguard command line tool",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("FLUXGUARD_CONFIG"), "config file (JSON/YAML)")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print JSON instead of text")

	root.AddCommand(
		newValidateCmd(),
		newStatsCmd(opts),
		newCleanupCmd(opts),
		newInvalidateCmd(opts),
		newKeyCmd(),
		newLogsCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig returns the config named by --config (or defaults) with the
// environment overlay applied.
func (o *rootOptions) loadConfig() (fluxguard.Config, error) {
	cfg := fluxguard.DefaultConfig()
	if o.configPath != "" {
		loaded, err := fluxguard.LoadConfig(o.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = *loaded
	}
	fluxguard.ApplyEnv(&cfg)
	return cfg, nil
}

func (o *rootOptions) openGuard() (*fluxguard.Guard, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return fluxguard.New(cfg)
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a fluxguard configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := fluxguard.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := fluxguard.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("validation error: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Config is valid\n")
			fmt.Fprintf(out, "  Upstream:   %s\n", cfg.FluxAI.BaseURL)
			fmt.Fprintf(out, "  Breaker:    threshold=%d recovery=%s scope=%s\n",
				cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.RecoveryTimeout, cfg.CircuitBreaker.Scope)
			fmt.Fprintf(out, "  Volatile:   %s\n", cfg.Cache.Volatile.Driver)
			fmt.Fprintf(out, "  Persistent: %s\n", cfg.Cache.Persistent.Driver)

			var cached []string
			for name, policy := range cfg.Cache.Operations {
				if policy.Enabled {
					ttl := policy.TTL
					if ttl == "" {
						ttl = cfg.Cache.DefaultTTL
					}
					cached = append(cached, fmt.Sprintf("%s (%s)", name, ttl))
				}
			}
			sort.Strings(cached)
			fmt.Fprintf(out, "  Cached:     %s\n", strings.Join(cached, ", "))
			return nil
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := opts.openGuard()
			if err != nil {
				return err
			}
			defer func() { _ = g.Close() }()

			st := g.Cache().Stats(cmd.Context())
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, st)
			}
			fmt.Fprintf(out, "Persistent entries: %d total, %d active, %d expired\n", st.TotalEntries, st.ActiveEntries, st.ExpiredEntries)
			fmt.Fprintf(out, "Volatile keys:      %d (%s)\n", st.VolatileKeys, st.VolatileMemoryUsed)
			if st.OldestEntry != nil && st.NewestEntry != nil {
				fmt.Fprintf(out, "Oldest entry:       %s\n", humanize.Time(*st.OldestEntry))
				fmt.Fprintf(out, "Newest entry:       %s\n", humanize.Time(*st.NewestEntry))
			}
			return nil
		},
	}
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired persistent cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := opts.openGuard()
			if err != nil {
				return err
			}
			defer func() { _ = g.Close() }()

			n, err := g.Cache().CleanupExpired(cmd.Context())
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s expired entries\n", humanize.Comma(n))
			return nil
		},
	}
}

func newInvalidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <key>...",
		Short: "Remove keys from both cache tiers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := opts.openGuard()
			if err != nil {
				return err
			}
			defer func() { _ = g.Close() }()

			for _, key := range args {
				if err := g.Cache().Invalidate(cmd.Context(), key); err != nil {
					return fmt.Errorf("invalidate %s: %w", key, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %s\n", key)
			}
			return nil
		},
	}
}

func newKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key <operation> [args...]",
		Short: "Print the cache key derived for an operation and its arguments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op := fluxai.Operation(args[0])
			known := false
			for _, candidate := range fluxai.Operations() {
				if op == candidate {
					known = true
					break
				}
			}
			if !known {
				return fmt.Errorf("unknown operation %q", args[0])
			}
			rest := make([]any, 0, len(args)-1)
			for _, a := range args[1:] {
				rest = append(rest, a)
			}
			fmt.Fprintln(cmd.OutOrStdout(), fluxguard.KeyFor(op, rest...))
			return nil
		},
	}
}

func newLogsCmd(opts *rootOptions) *cobra.Command {
	var (
		limit     int
		operation string
		outcome   string
		prune     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List recent guarded calls from the call log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.CallLog.Driver == "" || cfg.CallLog.Driver == fluxguard.DriverNone {
				return fmt.Errorf("call_log is not configured")
			}
			w, err := calllog.NewSQLWriter(cfg.CallLog.Driver, cfg.CallLog.DSN)
			if err != nil {
				return err
			}
			defer func() { _ = w.Close() }()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if prune > 0 {
				n, err := w.DeleteBefore(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Deleted %s entries older than %s\n", humanize.Comma(n), prune)
				return nil
			}

			res, err := w.List(ctx, calllog.Query{Limit: limit, Operation: operation, Outcome: calllog.Outcome(outcome)})
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(out, res)
			}
			for _, e := range res.Data {
				fmt.Fprintf(out, "%s  %-16s %-15s %6dms  %s\n",
					e.CreatedAt.Format(time.RFC3339), e.Operation, e.Outcome, e.LatencyMS, e.ErrorMessage)
			}
			fmt.Fprintf(out, "%d of %d entries\n", len(res.Data), res.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to show")
	cmd.Flags().StringVar(&operation, "operation", "", "filter by operation")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome")
	cmd.Flags().DurationVar(&prune, "prune-older-than", 0, "delete entries older than this age instead of listing")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fluxguard-cli %s\n", version.String())
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
