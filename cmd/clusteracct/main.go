// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"clusteracct/internal/accounting"
	"clusteracct/internal/bloom"
	"clusteracct/internal/config"
	"clusteracct/internal/cursor"
	"clusteracct/internal/discovery"
	"clusteracct/internal/errkind"
	"clusteracct/internal/layout"
	"clusteracct/internal/leaderboard"
	"clusteracct/internal/logkit"
	"clusteracct/internal/orchestrator"
	"clusteracct/internal/ratelimit"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = ""
	Commit    = ""

	// Global flags
	root           string
	cluster        string
	command        string
	backfillStart  string
	ratePerMin     int
	expectedN      int
	falsePositiveP float64
	limitUsers     int
	outputFmt      string

	rootCmd = &cobra.Command{
		Use:     "clusteracct",
		Short:   "Cluster workload accounting and leaderboard pipeline",
		Long:    `Ingests per-cluster accounting records, rolls them up monthly, and builds cross-cluster leaderboards.`,
		Version: Version,
	}
)

func init() {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime)

	rootCmd.PersistentFlags().StringVar(&root, "root", "", "Root scoreboard directory (env: CLUSTERACCT_ROOT)")
	rootCmd.PersistentFlags().StringVar(&cluster, "cluster", "", "Cluster name (env: CLUSTERACCT_CLUSTER)")
	rootCmd.PersistentFlags().StringVar(&command, "command", "sacct", "Accounting command binary name")
	rootCmd.PersistentFlags().StringVar(&backfillStart, "backfill-start", "", "Earliest date to begin backfill (YYYY-MM-DD)")
	rootCmd.PersistentFlags().IntVar(&ratePerMin, "rate-per-min", 0, "Accounting command calls per minute")
	rootCmd.PersistentFlags().IntVar(&expectedN, "expected-n", 0, "Expected job count per month (sizes the dedup filter)")
	rootCmd.PersistentFlags().Float64Var(&falsePositiveP, "p", 0, "Dedup filter target false-positive rate")
	rootCmd.PersistentFlags().IntVar(&limitUsers, "limit-users", 0, "Maximum newly discovered users processed per tick")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "json", "Output format: json, table")

	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(leaderboardsCmd)
	rootCmd.AddCommand(bloomCmd)
}

// loadConfig resolves a Config from env vars, then overlays any flags the
// caller actually set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.NewDefault()
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	if root != "" {
		cfg.Root = root
	}
	if cluster != "" {
		cfg.Cluster = cluster
	}
	if backfillStart != "" {
		t, err := time.Parse("2006-01-02", backfillStart)
		if err != nil {
			return nil, errkind.Wrap(errkind.KindConfigInvalid, "--backfill-start must be YYYY-MM-DD", err)
		}
		cfg.BackfillStart = t
	}
	if cmd.Flags().Changed("rate-per-min") {
		cfg.RatePerMin = ratePerMin
	}
	if cmd.Flags().Changed("expected-n") {
		cfg.ExpectedN = expectedN
	}
	if cmd.Flags().Changed("p") {
		cfg.P = falsePositiveP
	}
	if cmd.Flags().Changed("limit-users") {
		cfg.LimitUsers = limitUsers
	}
	return cfg, cfg.Validate()
}

func newAdapter(cfg *config.Config, logger logkit.Logger) *accounting.Adapter {
	limiter := ratelimit.New(cfg.RatePerMin)
	return accounting.New(command, limiter, logger)
}

func cursorEngine(cfg *config.Config, adapter *accounting.Adapter) *cursor.Engine {
	return cursor.New(cfg.Root, cfg.Cluster, adapter, cfg.ExpectedN, cfg.P)
}

func discoveryEngine(cfg *config.Config, adapter *accounting.Adapter, eng *cursor.Engine) *discovery.Engine {
	return &discovery.Engine{
		Root:       cfg.Root,
		Cluster:    cfg.Cluster,
		Adapter:    adapter,
		Cursor:     eng,
		ExpectedN:  cfg.ExpectedN,
		P:          cfg.P,
		LimitUsers: cfg.LimitUsers,
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one historical-or-incremental tick for a cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := logkit.New(logkit.DefaultConfig())
		adapter := newAdapter(cfg, logger)

		res, runErr := orchestrator.Run(context.Background(), time.Now().UTC(), orchestrator.Options{
			Root:          cfg.Root,
			Cluster:       cfg.Cluster,
			Adapter:       adapter,
			Logger:        logger,
			BackfillStart: cfg.BackfillStart,
			ExpectedN:     cfg.ExpectedN,
			P:             cfg.P,
			LimitUsers:    cfg.LimitUsers,
		})
		code := orchestrator.ExitCode(runErr)
		if outputFmt == "json" {
			printJSON(map[string]any{"phase": res.Phase, "status": res.Status, "step": res.Step, "exit_code": code})
		}
		if code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find newly observed users and backfill their completed months",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := logkit.New(logkit.DefaultConfig())
		adapter := newAdapter(cfg, logger)

		eng := cursorEngine(cfg, adapter)
		disc := discoveryEngine(cfg, adapter, eng)
		res, err := disc.Run(context.Background(), time.Now().UTC())
		if err != nil {
			return err
		}
		if outputFmt == "json" {
			printJSON(res)
		}
		return nil
	},
}

var leaderboardsCmd = &cobra.Command{
	Use:   "leaderboards",
	Short: "Leaderboard maintenance",
}

var leaderboardsRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild leaderboards from the current monthly rollups",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		windows, _ := cmd.Flags().GetStringSlice("windows")
		metrics, _ := cmd.Flags().GetStringSlice("metrics")
		results, err := leaderboard.Rebuild(cfg.Root, windows, metrics, time.Now().UTC())
		if err != nil {
			return err
		}
		if outputFmt == "json" {
			printJSON(results)
		} else {
			for _, r := range results {
				fmt.Printf("%-14s %-18s %5d users -> %s\n", r.Window, r.Metric, r.Users, r.File)
			}
		}
		return nil
	},
}

var bloomCmd = &cobra.Command{
	Use:   "bloom",
	Short: "Inspect per-month dedup filters",
}

var bloomStatsCmd = &cobra.Command{
	Use:   "stats MONTH",
	Short: "Report fill ratio and estimated false-positive rate for one month's dedup filter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		month := args[0]
		path := layout.SeenPath(cfg.Root, cfg.Cluster, month)
		set, err := bloom.Load(path, cfg.ExpectedN, cfg.P)
		if err != nil {
			return err
		}
		stats := set.Stats()
		if outputFmt == "json" {
			printJSON(stats)
		} else {
			fmt.Printf("month=%s m=%d k=%d n=%d fill_ratio=%.6f estimated_fpr=%.6f\n",
				month, stats.M, stats.K, stats.N, stats.FillRatio, stats.PEstimate)
		}
		return nil
	},
}

func init() {
	leaderboardsRebuildCmd.Flags().StringSlice("windows", nil, "Windows to rebuild (default: all)")
	leaderboardsRebuildCmd.Flags().StringSlice("metrics", nil, "Metrics to rebuild (default: all)")
	leaderboardsCmd.AddCommand(leaderboardsRebuildCmd)
	bloomCmd.AddCommand(bloomStatsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(orchestrator.ExitCode(err))
	}
}
