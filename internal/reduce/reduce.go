// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package reduce streams normalized records into monthly rollups and
// per-user lifetime aggregates, using a month-scoped probabilistic set to
// guarantee each job_id is counted at most once.
package reduce

import (
	"os"
	"sort"
	"time"

	"clusteracct/internal/atomicjson"
	"clusteracct/internal/bloom"
	"clusteracct/internal/layout"
	"clusteracct/internal/model"
)

// Stats summarizes one reduction pass, returned to the cursor engine and
// discovery engine for logging.
type Stats struct {
	Processed     int
	NewJobs       int
	MonthsChanged []string
	UsersChanged  []string
}

const monthLayout = "2006-01"
const dateLayout = "2006-01-02"

// Reduce applies records to the monthly rollups and user aggregates of
// cluster, for months in the half-open range [since, until) (both
// YYYY-MM-DD). Records whose derived month falls outside every enumerated
// month, or whose end_ts is zero, are ignored (processed is not
// incremented for them, matching the job never having been seen).
func Reduce(root, cluster, since, until string, records []model.NormalizedRecord, expectedN int, p float64) (Stats, error) {
	sinceDT, err := time.Parse(dateLayout, since)
	if err != nil {
		return Stats{}, err
	}
	untilDT, err := time.Parse(dateLayout, until)
	if err != nil {
		return Stats{}, err
	}

	months := monthsInRange(sinceDT, untilDT)
	monthSet := make(map[string]bool, len(months))
	for _, m := range months {
		monthSet[m] = true
	}

	blooms := make(map[string]*bloom.Set, len(months))
	accum := make(map[string]map[string]model.Metrics, len(months))
	snapshot := make(map[string]map[string]model.Metrics, len(months))

	for _, m := range months {
		bf, err := bloom.Load(layout.SeenPath(root, cluster, m), expectedN, p)
		if err != nil {
			return Stats{}, err
		}
		blooms[m] = bf

		rollup, err := loadMonthlyRollup(layout.MonthlyRollupPath(root, cluster, m))
		if err != nil {
			return Stats{}, err
		}
		userMetrics := make(map[string]model.Metrics, len(rollup.Users))
		for _, row := range rollup.Users {
			userMetrics[row.Username] = row.Metrics
		}
		accum[m] = userMetrics
		snap := make(map[string]model.Metrics, len(userMetrics))
		for u, v := range userMetrics {
			snap[u] = v
		}
		snapshot[m] = snap
	}

	processed := 0
	newJobs := 0
	monthsChanged := make(map[string]bool)

	for _, rec := range records {
		if rec.EndTS == 0 {
			continue
		}
		month := monthFromTS(rec.EndTS)
		if !monthSet[month] {
			continue
		}
		processed++
		bf := blooms[month]
		if bf.Contains(rec.JobID) {
			continue
		}
		bf.Add(rec.JobID)
		monthsChanged[month] = true
		newJobs++

		if rec.User == "" {
			continue
		}
		row := accum[month][rec.User]
		row.TotalClockHours += rec.ClockHours
		row.TotalElapsedHours += rec.ElapsedHours
		row.SumMaxMemMB += rec.MaxMemMB
		row.SumAvgMemMB += rec.AvgMemMB
		row.SumReqMemMB += rec.ReqMemMB
		if rec.GPUCount > 0 {
			row.CountGPUJobs++
		}
		row.TotalGPUClockHours += rec.GPUClockHours
		row.GPUElapsedHours += rec.GPUElapsedHours
		if rec.Failed {
			row.CountFailedJobs++
		}
		accum[month][rec.User] = row
	}

	userDeltas := make(map[string]model.Metrics)
	var changedMonths []string
	for m := range monthsChanged {
		changedMonths = append(changedMonths, m)
	}
	sort.Strings(changedMonths)

	for _, m := range changedMonths {
		if err := blooms[m].Save(layout.SeenPath(root, cluster, m)); err != nil {
			return Stats{}, err
		}
		if err := saveMonthlyRollup(layout.MonthlyRollupPath(root, cluster, m), cluster, m, accum[m]); err != nil {
			return Stats{}, err
		}
		for user, curr := range accum[m] {
			prev := snapshot[m][user]
			delta := curr.Sub(prev)
			if delta.IsZero() {
				continue
			}
			userDeltas[user] = userDeltas[user].Add(delta)
		}
	}

	var usersChanged []string
	for u := range userDeltas {
		usersChanged = append(usersChanged, u)
	}
	sort.Strings(usersChanged)

	if len(userDeltas) > 0 {
		if err := applyUserDeltas(root, cluster, userDeltas); err != nil {
			return Stats{}, err
		}
	}

	return Stats{
		Processed:     processed,
		NewJobs:       newJobs,
		MonthsChanged: changedMonths,
		UsersChanged:  usersChanged,
	}, nil
}

// EnsureMonthlyRollupExists creates an empty rollup document for
// (cluster, month) if one doesn't already exist, so a month with zero
// records still produces a file (spec §4.7 step 3 / §4.10 step 3).
func EnsureMonthlyRollupExists(root, cluster, month string) error {
	path := layout.MonthlyRollupPath(root, cluster, month)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return saveMonthlyRollup(path, cluster, month, map[string]model.Metrics{})
}

func monthsInRange(since, until time.Time) []string {
	var months []string
	year, month := since.Year(), int(since.Month())
	for {
		current := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		if !current.Before(until) {
			break
		}
		months = append(months, current.Format(monthLayout))
		month++
		if month == 13 {
			month = 1
			year++
		}
	}
	return months
}

func monthFromTS(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(monthLayout)
}

func loadMonthlyRollup(path string) (model.MonthlyRollup, error) {
	var rollup model.MonthlyRollup
	if _, err := os.Stat(path); err != nil {
		return rollup, nil
	}
	if err := atomicjson.Read(path, &rollup); err != nil {
		if qerr := atomicjson.Quarantine(path); qerr != nil {
			return model.MonthlyRollup{}, qerr
		}
		return model.MonthlyRollup{}, nil
	}
	return rollup, nil
}

func saveMonthlyRollup(path, cluster, month string, accum map[string]model.Metrics) error {
	usernames := make([]string, 0, len(accum))
	for u := range accum {
		usernames = append(usernames, u)
	}
	sort.Strings(usernames)

	rows := make([]model.UserRow, 0, len(usernames))
	for _, u := range usernames {
		rows = append(rows, model.UserRow{Username: u, Metrics: accum[u].Round6()})
	}

	doc := model.MonthlyRollup{
		Asof:    nowISO(),
		Cluster: cluster,
		Month:   month,
		Users:   rows,
	}
	return atomicjson.Write(path, doc)
}

func applyUserDeltas(root, cluster string, deltas map[string]model.Metrics) error {
	for user, delta := range deltas {
		path := layout.UserAggregatePath(root, cluster, user)
		agg, err := loadUserAggregate(path, user)
		if err != nil {
			return err
		}
		entry := agg.Clusters[cluster]
		entry.Metrics = entry.Metrics.Add(delta)
		entry.Asof = nowISO()
		if agg.Clusters == nil {
			agg.Clusters = make(map[string]model.ClusterMetrics)
		}
		agg.Clusters[cluster] = entry
		if err := atomicjson.Write(path, agg); err != nil {
			return err
		}
	}
	return nil
}

func loadUserAggregate(path, username string) (model.UserAggregate, error) {
	fresh := model.UserAggregate{
		SchemaVersion: model.CurrentUserAggregateSchemaVersion,
		Username:      username,
		Clusters:      make(map[string]model.ClusterMetrics),
	}
	if _, err := os.Stat(path); err != nil {
		return fresh, nil
	}
	var agg model.UserAggregate
	if err := atomicjson.Read(path, &agg); err != nil {
		if qerr := atomicjson.Quarantine(path); qerr != nil {
			return model.UserAggregate{}, qerr
		}
		return fresh, nil
	}
	if agg.Clusters == nil {
		agg.Clusters = make(map[string]model.ClusterMetrics)
	}
	return agg, nil
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}
