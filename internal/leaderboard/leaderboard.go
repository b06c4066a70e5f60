// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package leaderboard merges per-cluster monthly rollups into cross-cluster
// ranking documents over rolling and all-time windows.
package leaderboard

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"clusteracct/internal/atomicjson"
	"clusteracct/internal/layout"
	"clusteracct/internal/model"
)

// Windows lists the three windows rebuilt every tick.
var Windows = []string{"alltime", "rolling-30d", "rolling-365d"}

// MetricMap maps each external metric name to the monthly rollup's internal
// field name.
var MetricMap = map[string]string{
	"clock_hours":       "total_clock_hours",
	"elapsed_hours":     "total_elapsed_hours",
	"gpu_clock_hours":   "total_gpu_clock_hours",
	"gpu_elapsed_hours": "gpu_elapsed_hours",
	"failed_jobs":       "count_failed_jobs",
}

// Metrics lists the external metric names in a stable order.
var Metrics = []string{"clock_hours", "elapsed_hours", "gpu_clock_hours", "gpu_elapsed_hours", "failed_jobs"}

const monthLayout = "2006-01"

// Result summarizes one rebuilt (window, metric) leaderboard.
type Result struct {
	Window string
	Metric string
	File   string
	Users  int
}

// Rebuild regenerates every (window, metric) leaderboard in windows ×
// metrics (both default to every known value) from the monthly rollups
// found under root. Now is injected so callers can pin the clock in tests.
func Rebuild(root string, windows, metrics []string, now time.Time) ([]Result, error) {
	if len(windows) == 0 {
		windows = Windows
	}
	if len(metrics) == 0 {
		metrics = Metrics
	}

	allMonths, err := monthFirstDays(root)
	if err != nil {
		return nil, err
	}
	clusterNames, err := clusters(root)
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, window := range windows {
		months := windowMonths(allMonths, window, now)
		for _, metric := range metrics {
			internal, ok := MetricMap[metric]
			if !ok {
				continue
			}
			agg, err := buildWindowAggregate(root, clusterNames, months, internal)
			if err != nil {
				return nil, err
			}
			path, err := writeLeaderboard(root, window, metric, agg, now)
			if err != nil {
				return nil, err
			}
			results = append(results, Result{Window: window, Metric: metric, File: path, Users: len(agg)})
		}
	}
	return results, nil
}

func monthFirstDays(root string) ([]string, error) {
	base := layout.ClustersRootDir(root)
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	seen := make(map[string]bool)
	for _, cluster := range entries {
		if !cluster.IsDir() {
			continue
		}
		monthlyDir := layout.MonthlyRollupDir(root, cluster.Name())
		files, err := os.ReadDir(monthlyDir)
		if err != nil {
			continue
		}
		for _, f := range files {
			name := f.Name()
			if len(name) >= 12 && filepath.Ext(name) == ".json" {
				seen[name[:7]] = true
			}
		}
	}
	months := make([]string, 0, len(seen))
	for m := range seen {
		months = append(months, m)
	}
	sort.Strings(months)
	return months, nil
}

func clusters(root string) ([]string, error) {
	base := layout.ClustersRootDir(root)
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(layout.MonthlyRollupDir(root, e.Name())); err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// windowMonths selects the months (YYYY-MM) of allMonths that fall inside
// window, per spec §4.8. rolling-30d guarantees at least two months
// selected (taking the last two present) when the naive threshold would
// otherwise yield fewer, so short rolling windows aren't empty at month
// boundaries.
func windowMonths(allMonths []string, window string, now time.Time) []string {
	if window == "alltime" {
		return allMonths
	}
	var days int
	switch window {
	case "rolling-30d":
		days = 30
	case "rolling-365d":
		days = 365
	default:
		return nil
	}
	threshold := now.AddDate(0, 0, -days)
	startMonth := time.Date(threshold.Year(), threshold.Month(), 1, 0, 0, 0, 0, time.UTC).Format(monthLayout)

	var selected []string
	for _, m := range allMonths {
		if m >= startMonth {
			selected = append(selected, m)
		}
	}
	if window == "rolling-30d" && len(selected) < 2 && len(allMonths) >= 2 {
		selected = allMonths[len(allMonths)-2:]
	}
	return selected
}

func buildWindowAggregate(root string, clusterNames, months []string, internalField string) (map[string]float64, error) {
	agg := make(map[string]float64)
	if len(months) == 0 {
		return agg, nil
	}
	for _, cluster := range clusterNames {
		for _, month := range months {
			rows, err := loadMonthlyUsers(layout.MonthlyRollupPath(root, cluster, month))
			if err != nil {
				return nil, err
			}
			for _, row := range rows {
				if row.Username == "" {
					continue
				}
				val := fieldValue(row.Metrics, internalField)
				if val == 0 {
					continue
				}
				agg[row.Username] += val
			}
		}
	}
	return agg, nil
}

func loadMonthlyUsers(path string) ([]model.UserRow, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	var rollup model.MonthlyRollup
	if err := atomicjson.Read(path, &rollup); err != nil {
		return nil, nil
	}
	return rollup.Users, nil
}

func fieldValue(m model.Metrics, internal string) float64 {
	switch internal {
	case "total_clock_hours":
		return m.TotalClockHours
	case "total_elapsed_hours":
		return m.TotalElapsedHours
	case "total_gpu_clock_hours":
		return m.TotalGPUClockHours
	case "gpu_elapsed_hours":
		return m.GPUElapsedHours
	case "count_failed_jobs":
		return float64(m.CountFailedJobs)
	default:
		return 0
	}
}

// rankEntry pairs a user with its aggregate value for sorting.
type rankEntry struct {
	user  string
	value float64
}

// rank sorts by descending value then ascending username and assigns
// standard competition ranks (ties share a rank; the next distinct value
// jumps by the tie count).
func rank(agg map[string]float64) []model.LeaderboardRow {
	entries := make([]rankEntry, 0, len(agg))
	for u, v := range agg {
		entries = append(entries, rankEntry{user: u, value: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].value != entries[j].value {
			return entries[i].value > entries[j].value
		}
		return entries[i].user < entries[j].user
	})

	rows := make([]model.LeaderboardRow, 0, len(entries))
	lastVal := 0.0
	lastRank := 0
	hasLast := false
	for idx, e := range entries {
		r := idx + 1
		if hasLast && e.value == lastVal {
			r = lastRank
		}
		rows = append(rows, model.LeaderboardRow{Rank: r, User: e.user, Value: round6(e.value)})
		lastVal = e.value
		lastRank = r
		hasLast = true
	}
	return rows
}

func round6(f float64) float64 {
	const scale = 1e6
	if f < 0 {
		return -round6(-f)
	}
	return float64(int64(f*scale+0.5)) / scale
}

func writeLeaderboard(root, window, metric string, agg map[string]float64, now time.Time) (string, error) {
	doc := model.Leaderboard{
		Asof:   now.UTC().Format("2006-01-02T15:04:05Z"),
		Window: window,
		Metric: metric,
		Rows:   rank(agg),
	}
	path := layout.LeaderboardPath(root, window, metric)
	if err := atomicjson.Write(path, doc); err != nil {
		return "", err
	}
	if metric == "clock_hours" {
		if err := atomicjson.Write(layout.LeaderboardAliasPath(root, window), doc); err != nil {
			return "", err
		}
	}
	return path, nil
}
