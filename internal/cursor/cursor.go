// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package cursor implements the per-cluster state machine driving
// historical backfill and current-month incremental catch-up, gated by an
// exclusive filesystem lock.
package cursor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"clusteracct/internal/accounting"
	"clusteracct/internal/atomicjson"
	"clusteracct/internal/errkind"
	"clusteracct/internal/layout"
	"clusteracct/internal/model"
	"clusteracct/internal/normalize"
	"clusteracct/internal/reduce"
)

const monthLayout = "2006-01"

// Engine owns the cursor file and lock for one cluster, and drives one
// historical or incremental step by calling the accounting adapter and the
// reducer.
type Engine struct {
	Root      string
	Cluster   string
	Adapter   *accounting.Adapter
	ExpectedN int
	P         float64

	lock *flock.Flock
}

// New creates an Engine for one cluster.
func New(root, cluster string, adapter *accounting.Adapter, expectedN int, p float64) *Engine {
	return &Engine{Root: root, Cluster: cluster, Adapter: adapter, ExpectedN: expectedN, P: p}
}

// Lock acquires the cluster's exclusive, non-blocking filesystem lock. If
// another process already holds it, it returns a Locked error.
func (e *Engine) Lock() error {
	path := layout.LockPath(e.Root, e.Cluster)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	e.lock = flock.New(path)
	ok, err := e.lock.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return errkind.New(errkind.KindLocked, "cluster lock held by another process").WithCluster(e.Cluster)
	}
	return nil
}

// Unlock releases the lock acquired by Lock. It is a no-op if Lock was
// never called or already failed.
func (e *Engine) Unlock() error {
	if e.lock == nil {
		return nil
	}
	return e.lock.Unlock()
}

// EnsureInitialized loads the cursor, seeding backfill_start from
// backfillStart if the cursor file doesn't exist yet.
func (e *Engine) EnsureInitialized(backfillStart time.Time) (model.Cursor, error) {
	path := layout.CursorPath(e.Root, e.Cluster)
	if _, err := os.Stat(path); err == nil {
		var cur model.Cursor
		if rerr := atomicjson.Read(path, &cur); rerr != nil {
			if qerr := atomicjson.Quarantine(path); qerr != nil {
				return model.Cursor{}, qerr
			}
		} else {
			return cur, nil
		}
	}
	cur := model.Cursor{BackfillStart: backfillStart.Format(monthLayout)}
	if err := e.save(cur); err != nil {
		return model.Cursor{}, err
	}
	return cur, nil
}

func (e *Engine) save(cur model.Cursor) error {
	return atomicjson.Write(layout.CursorPath(e.Root, e.Cluster), cur)
}

// DetermineNextMonth returns the next month the historical backfill should
// process, or nil if backfill has reached currentMonth (historical phase
// complete):
//
//   - if in_progress is set, return it (crash-recovery: retry that month)
//   - else if last_complete_month is null, return backfill_start
//   - else return the successor of last_complete_month
//   - if the candidate is >= currentMonth, return nil
func DetermineNextMonth(cur model.Cursor, currentMonth string) *string {
	var candidate string
	switch {
	case cur.InProgress != nil:
		candidate = *cur.InProgress
	case cur.LastCompleteMonth == nil:
		candidate = cur.BackfillStart
	default:
		candidate = successorMonth(*cur.LastCompleteMonth)
	}
	if candidate >= currentMonth {
		return nil
	}
	return &candidate
}

func successorMonth(month string) string {
	t, err := time.Parse(monthLayout, month)
	if err != nil {
		return month
	}
	return t.AddDate(0, 1, 0).Format(monthLayout)
}

// RunMonthlyStep performs one historical step for month (YYYY-MM):
// mark in_progress, fetch and reduce the month's window, ensure the
// rollup file exists, then mark the month complete. On failure,
// in_progress is left set so the next tick retries the same month.
func (e *Engine) RunMonthlyStep(ctx context.Context, cur model.Cursor, month string) (model.Cursor, reduce.Stats, error) {
	cur.InProgress = &month
	if err := e.save(cur); err != nil {
		return cur, reduce.Stats{}, err
	}

	since := month + "-01"
	until := successorMonth(month) + "-01"

	stats, err := e.fetchAndReduce(ctx, since, until)
	if err != nil {
		return cur, reduce.Stats{}, err
	}
	if err := reduce.EnsureMonthlyRollupExists(e.Root, e.Cluster, month); err != nil {
		return cur, stats, err
	}

	cur.LastCompleteMonth = &month
	cur.InProgress = nil
	if err := e.save(cur); err != nil {
		return cur, stats, err
	}
	return cur, stats, nil
}

// RunIncrementalStep processes the current calendar month's window
// [firstOfMonth, tomorrow), ensuring the month's rollup exists even when
// empty. It does not touch the cursor's in_progress/last_complete_month
// fields — those only track historical backfill progress.
func (e *Engine) RunIncrementalStep(ctx context.Context, now time.Time) (reduce.Stats, error) {
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	tomorrow := now.AddDate(0, 0, 1)
	since := firstOfMonth.Format("2006-01-02")
	until := tomorrow.Format("2006-01-02")

	stats, err := e.fetchAndReduce(ctx, since, until)
	if err != nil {
		return reduce.Stats{}, err
	}
	month := firstOfMonth.Format(monthLayout)
	if err := reduce.EnsureMonthlyRollupExists(e.Root, e.Cluster, month); err != nil {
		return stats, err
	}
	return stats, nil
}

func (e *Engine) fetchAndReduce(ctx context.Context, since, until string) (reduce.Stats, error) {
	lines, err := e.Adapter.Fetch(ctx, accounting.Query{Cluster: e.Cluster, Since: since, Until: until})
	if err != nil {
		return reduce.Stats{}, err
	}
	records := make([]model.NormalizedRecord, 0, len(lines))
	for _, line := range lines {
		rec, ok := normalize.Line(line)
		if ok {
			records = append(records, rec)
		}
	}
	return reduce.Reduce(e.Root, e.Cluster, since, until, records, e.ExpectedN, e.P)
}

// Save persists cur, for callers that need to write the cursor outside of
// EnsureInitialized and RunMonthlyStep. Neither discovery nor the
// orchestrator calls it.
func (e *Engine) Save(cur model.Cursor) error {
	return e.save(cur)
}

// Load reads the current cursor without initializing it.
func (e *Engine) Load() (model.Cursor, error) {
	var cur model.Cursor
	if err := atomicjson.Read(layout.CursorPath(e.Root, e.Cluster), &cur); err != nil {
		return model.Cursor{}, fmt.Errorf("cursor: load: %w", err)
	}
	return cur, nil
}
