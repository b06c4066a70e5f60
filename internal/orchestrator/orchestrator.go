// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator wires one poll tick end to end: acquire the
// cluster's lock, run one historical or incremental step, run discovery
// best-effort, rebuild leaderboards, and release the lock.
package orchestrator

import (
	"context"
	"time"

	"clusteracct/internal/accounting"
	"clusteracct/internal/cursor"
	"clusteracct/internal/discovery"
	"clusteracct/internal/errkind"
	"clusteracct/internal/leaderboard"
	"clusteracct/internal/logkit"
	"clusteracct/internal/reduce"
)

const monthLayout = "2006-01"

// Options configures one poll tick.
type Options struct {
	Root          string
	Cluster       string
	Adapter       *accounting.Adapter
	Logger        logkit.Logger
	BackfillStart time.Time
	ExpectedN     int
	P             float64
	LimitUsers    int
}

// Result reports what one tick did, for logging and for mapping to an exit
// code.
type Result struct {
	Phase  string // "historical" or "incremental"
	Status string // "ok" or "error"
	Stats  reduce.Stats
	Step   string // the month processed, for the historical phase
}

// Run performs exactly one tick for a single cluster:
//  1. acquire the cluster's exclusive lock (KindLocked if already held)
//  2. load/initialize the cursor
//  3. run one historical month, or (if backfill is caught up) the current
//     month's incremental catch-up
//  4. run discovery best-effort; a discovery failure is logged, not fatal
//  5. rebuild every leaderboard window and metric
//  6. release the lock
//
// The returned error's errkind.Kind determines the process exit code via
// errkind.ExitCode.
func Run(ctx context.Context, now time.Time, opts Options) (Result, error) {
	log := logkit.WithCluster(opts.Logger, opts.Cluster)

	eng := cursor.New(opts.Root, opts.Cluster, opts.Adapter, opts.ExpectedN, opts.P)
	if err := eng.Lock(); err != nil {
		log.Error("lock", "status", "locked")
		return Result{}, err
	}
	defer func() {
		if err := eng.Unlock(); err != nil {
			log.Warn("lock", "status", "unlock_failed", "error", err.Error())
		}
	}()

	cur, err := eng.EnsureInitialized(opts.BackfillStart)
	if err != nil {
		log.Error("init", "status", "error", "error", err.Error())
		return Result{}, err
	}

	currentMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format(monthLayout)
	next := cursor.DetermineNextMonth(cur, currentMonth)

	var result Result
	if next != nil {
		log.Info("historical", "step", *next, "status", "start")
		cur, stats, err := eng.RunMonthlyStep(ctx, cur, *next)
		if err != nil {
			log.Error("historical", "step", *next, "status", "error", "error", err.Error())
			runDiscoveryBestEffort(ctx, now, opts, log)
			rebuildLeaderboardsBestEffort(opts.Root, now, log)
			return Result{Phase: "historical", Status: "error", Step: *next}, err
		}
		_ = cur
		log.Info("historical", "step", *next, "status", "ok", "new_jobs", stats.NewJobs, "processed", stats.Processed)
		result = Result{Phase: "historical", Status: "ok", Stats: stats, Step: *next}
	} else {
		log.Info("incremental", "status", "start")
		stats, err := eng.RunIncrementalStep(ctx, now)
		if err != nil {
			log.Error("incremental", "status", "error", "error", err.Error())
			runDiscoveryBestEffort(ctx, now, opts, log)
			rebuildLeaderboardsBestEffort(opts.Root, now, log)
			return Result{Phase: "incremental", Status: "error"}, err
		}
		log.Info("incremental", "status", "ok", "new_jobs", stats.NewJobs, "processed", stats.Processed)
		result = Result{Phase: "incremental", Status: "ok", Stats: stats}
	}

	runDiscoveryBestEffort(ctx, now, opts, log)
	rebuildLeaderboardsBestEffort(opts.Root, now, log)

	return result, nil
}

// runDiscoveryBestEffort runs discovery and logs its outcome; a discovery
// failure never fails the tick, matching the reference orchestration where
// newly-discovered users are a bonus, not a requirement, of a successful
// poll.
func runDiscoveryBestEffort(ctx context.Context, now time.Time, opts Options, log logkit.Logger) {
	disc := &discovery.Engine{
		Root:       opts.Root,
		Cluster:    opts.Cluster,
		Adapter:    opts.Adapter,
		Cursor:     cursor.New(opts.Root, opts.Cluster, opts.Adapter, opts.ExpectedN, opts.P),
		ExpectedN:  opts.ExpectedN,
		P:          opts.P,
		LimitUsers: opts.LimitUsers,
	}
	res, err := disc.Run(ctx, now)
	if err != nil {
		log.Error("discovery", "status", "error", "error", err.Error())
		return
	}
	log.Info("discovery", "status", res.Status, "new_users", res.NewUsersFound)
}

func rebuildLeaderboardsBestEffort(root string, now time.Time, log logkit.Logger) {
	results, err := leaderboard.Rebuild(root, nil, nil, now)
	if err != nil {
		log.Error("leaderboards", "status", "error", "error", err.Error())
		return
	}
	log.Info("leaderboards", "status", "ok", "generated", len(results))
}

// ExitCode maps a Run error to the process exit code contract: 0 success,
// 1 work-step failure, 2 invalid config, 3 lock contention.
func ExitCode(err error) int {
	return errkind.ExitCode(err)
}
