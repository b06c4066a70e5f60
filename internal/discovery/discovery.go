// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package discovery finds usernames that appear in /home or in the
// accounting command's output but have never been reduced into a user
// aggregate, and runs a targeted, user-scoped historical backfill for each
// of them across the months the cluster has already completed.
//
// Discovery never advances or otherwise touches the cluster's month cursor:
// it only replays months that RunMonthlyStep already marked complete, so
// unrelated users and the incremental catch-up window are unaffected.
package discovery

import (
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"clusteracct/internal/accounting"
	"clusteracct/internal/cursor"
	"clusteracct/internal/layout"
	"clusteracct/internal/model"
	"clusteracct/internal/normalize"
	"clusteracct/internal/reduce"
)

// systemUserDeny lists account names never treated as a cluster user.
var systemUserDeny = map[string]bool{
	"root": true, "daemon": true, "bin": true, "sys": true, "sync": true,
	"games": true, "man": true, "nobody": true, "mail": true, "postfix": true,
	"ftp": true, "sshd": true, "rpc": true, "rpcuser": true, "dbus": true,
	"ntp": true, "operator": true,
}

const defaultHomeBase = "/home"

// UserResult reports the months a single newly discovered user changed.
type UserResult struct {
	User          string   `json:"user"`
	MonthsChanged []string `json:"months_changed"`
}

// Result mirrors one discovery run's outcome.
type Result struct {
	Status            string       `json:"status"`
	Cluster           string       `json:"cluster"`
	Asof              string       `json:"asof,omitempty"`
	KnownUserCount    int          `json:"known_user_count,omitempty"`
	HomeUsers         int          `json:"home_users,omitempty"`
	SacctUsers        int          `json:"sacct_users,omitempty"`
	NewUsersFound     int          `json:"new_users_found,omitempty"`
	NewUsersProcessed []UserResult `json:"new_users_processed,omitempty"`
}

const monthLayout = "2006-01"

// Engine drives one cluster's discovery pass.
type Engine struct {
	Root      string
	Cluster   string
	Adapter   *accounting.Adapter
	Cursor    *cursor.Engine
	ExpectedN int
	P         float64
	// HomeBase overrides the directory scanned for local accounts; it
	// defaults to /home.
	HomeBase string
	// LimitUsers bounds how many newly discovered users are processed in a
	// single run; it defaults to 5.
	LimitUsers int
}

func (e *Engine) homeBase() string {
	if e.HomeBase != "" {
		return e.HomeBase
	}
	return defaultHomeBase
}

func (e *Engine) limitUsers() int {
	if e.LimitUsers <= 0 {
		return 5
	}
	return e.LimitUsers
}

// Run performs one discovery pass: it reads (but never writes) the
// cluster's cursor, and short-circuits with status "no_complete_months" if
// the cluster has no backfill_start or last_complete_month yet.
func (e *Engine) Run(ctx context.Context, now time.Time) (Result, error) {
	cur, err := e.Cursor.Load()
	if err != nil {
		return Result{Status: "no_complete_months", Cluster: e.Cluster}, nil
	}
	if cur.BackfillStart == "" || cur.LastCompleteMonth == nil {
		return Result{Status: "no_complete_months", Cluster: e.Cluster}, nil
	}

	months := monthRange(cur.BackfillStart, *cur.LastCompleteMonth)

	known, err := loadKnownUsers(e.Root, e.Cluster)
	if err != nil {
		return Result{}, err
	}

	homeUsers := listHomeUsers(e.homeBase())

	since := cur.BackfillStart + "-01"
	until := successorMonth(*cur.LastCompleteMonth) + "-01"
	sacctUsers, err := e.enumerateSacctUsers(ctx, since, until)
	if err != nil {
		sacctUsers = nil
	}

	discovered := make(map[string]bool)
	for _, u := range homeUsers {
		discovered[u] = true
	}
	for _, u := range sacctUsers {
		discovered[u] = true
	}

	var newUsers []string
	for u := range discovered {
		if !known[u] {
			newUsers = append(newUsers, u)
		}
	}
	sort.Strings(newUsers)

	limit := e.limitUsers()
	if limit < len(newUsers) {
		newUsers = newUsers[:limit]
	}

	processed := make([]UserResult, 0, len(newUsers))
	for _, u := range newUsers {
		var changed []string
		for _, month := range months {
			stats, err := e.runUserMonth(ctx, month, u)
			if err != nil {
				continue
			}
			if len(stats.MonthsChanged) > 0 {
				changed = append(changed, month)
			}
		}
		processed = append(processed, UserResult{User: u, MonthsChanged: changed})
	}

	return Result{
		Status:            "ok",
		Cluster:           e.Cluster,
		Asof:              now.UTC().Format("2006-01-02T15:04:05Z"),
		KnownUserCount:    len(known),
		HomeUsers:         len(homeUsers),
		SacctUsers:        len(sacctUsers),
		NewUsersFound:     len(newUsers),
		NewUsersProcessed: processed,
	}, nil
}

func (e *Engine) runUserMonth(ctx context.Context, month, username string) (reduce.Stats, error) {
	since := month + "-01"
	until := successorMonth(month) + "-01"

	lines, err := e.Adapter.Fetch(ctx, accounting.Query{
		Cluster: e.Cluster,
		Since:   since,
		Until:   until,
		User:    username,
	})
	if err != nil {
		return reduce.Stats{}, err
	}

	records := make([]model.NormalizedRecord, 0, len(lines))
	for _, line := range lines {
		rec, ok := normalize.Line(line)
		if !ok {
			continue
		}
		if !strings.EqualFold(rec.User, username) {
			continue
		}
		records = append(records, rec)
	}
	return reduce.Reduce(e.Root, e.Cluster, since, until, records, e.ExpectedN, e.P)
}

func (e *Engine) enumerateSacctUsers(ctx context.Context, since, until string) ([]string, error) {
	lines, err := e.Adapter.Fetch(ctx, accounting.Query{
		Cluster:      e.Cluster,
		Since:        since,
		Until:        until,
		Fields:       "User",
		IncludeSteps: true,
	})
	if err != nil {
		return nil, err
	}
	var users []string
	for _, ln := range lines {
		u := ln
		if idx := strings.IndexByte(ln, '|'); idx >= 0 {
			u = ln[:idx]
		}
		u = strings.ToLower(strings.TrimSpace(u))
		if u == "" || systemUserDeny[u] {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

// listHomeUsers scans homeBase for plausible, non-system account names.
func listHomeUsers(homeBase string) []string {
	entries, err := os.ReadDir(homeBase)
	if err != nil {
		return nil
	}
	var users []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		lower := strings.ToLower(name)
		if systemUserDeny[lower] {
			continue
		}
		if len(name) < 2 {
			continue
		}
		if !isValidUsername(name) {
			continue
		}
		users = append(users, lower)
	}
	return users
}

func isValidUsername(name string) bool {
	for _, c := range name {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func loadKnownUsers(root, cluster string) (map[string]bool, error) {
	dir := layout.UsersDir(root, cluster)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, err
	}
	known := make(map[string]bool, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".json") {
			known[strings.TrimSuffix(name, ".json")] = true
		}
	}
	return known, nil
}

// monthRange returns every month (YYYY-MM) from start to end inclusive.
func monthRange(start, end string) []string {
	startT, err := time.Parse(monthLayout, start)
	if err != nil {
		return nil
	}
	endT, err := time.Parse(monthLayout, end)
	if err != nil {
		return nil
	}
	var months []string
	for t := startT; !t.After(endT); t = t.AddDate(0, 1, 0) {
		months = append(months, t.Format(monthLayout))
	}
	return months
}

func successorMonth(month string) string {
	t, err := time.Parse(monthLayout, month)
	if err != nil {
		return month
	}
	return t.AddDate(0, 1, 0).Format(monthLayout)
}
