// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package model holds the on-disk and in-memory record shapes shared across
// clusteracct's normalizer, reducer, cursor, and leaderboard packages.
package model

// NormalizedRecord is one job row after normalize.Line, ready for the reducer.
type NormalizedRecord struct {
	JobID           string
	User            string
	State           string
	EndTS           int64
	ElapsedHours    float64
	ClockHours      float64
	GPUCount        int
	GPUElapsedHours float64
	GPUClockHours   float64
	ReqMemMB        float64
	MaxMemMB        float64
	AvgMemMB        float64
	Failed          bool
}

// Metrics is the nine-field metric set carried per user, per month in a
// monthly rollup, and per (user, cluster) in a user aggregate.
type Metrics struct {
	TotalClockHours     float64 `json:"total_clock_hours"`
	TotalElapsedHours   float64 `json:"total_elapsed_hours"`
	SumMaxMemMB         float64 `json:"sum_max_mem_MB"`
	SumAvgMemMB         float64 `json:"sum_avg_mem_MB"`
	SumReqMemMB         float64 `json:"sum_req_mem_MB"`
	CountGPUJobs        int     `json:"count_gpu_jobs"`
	TotalGPUClockHours  float64 `json:"total_gpu_clock_hours"`
	GPUElapsedHours     float64 `json:"gpu_elapsed_hours"`
	CountFailedJobs     int     `json:"count_failed_jobs"`
}

// Add returns the element-wise sum of m and other.
func (m Metrics) Add(other Metrics) Metrics {
	return Metrics{
		TotalClockHours:    m.TotalClockHours + other.TotalClockHours,
		TotalElapsedHours:  m.TotalElapsedHours + other.TotalElapsedHours,
		SumMaxMemMB:        m.SumMaxMemMB + other.SumMaxMemMB,
		SumAvgMemMB:        m.SumAvgMemMB + other.SumAvgMemMB,
		SumReqMemMB:        m.SumReqMemMB + other.SumReqMemMB,
		CountGPUJobs:       m.CountGPUJobs + other.CountGPUJobs,
		TotalGPUClockHours: m.TotalGPUClockHours + other.TotalGPUClockHours,
		GPUElapsedHours:    m.GPUElapsedHours + other.GPUElapsedHours,
		CountFailedJobs:    m.CountFailedJobs + other.CountFailedJobs,
	}
}

// Sub returns the element-wise difference m - other, used to compute the
// per-user delta the reducer applies to a UserAggregate.
func (m Metrics) Sub(other Metrics) Metrics {
	return Metrics{
		TotalClockHours:    m.TotalClockHours - other.TotalClockHours,
		TotalElapsedHours:  m.TotalElapsedHours - other.TotalElapsedHours,
		SumMaxMemMB:        m.SumMaxMemMB - other.SumMaxMemMB,
		SumAvgMemMB:        m.SumAvgMemMB - other.SumAvgMemMB,
		SumReqMemMB:        m.SumReqMemMB - other.SumReqMemMB,
		CountGPUJobs:       m.CountGPUJobs - other.CountGPUJobs,
		TotalGPUClockHours: m.TotalGPUClockHours - other.TotalGPUClockHours,
		GPUElapsedHours:    m.GPUElapsedHours - other.GPUElapsedHours,
		CountFailedJobs:    m.CountFailedJobs - other.CountFailedJobs,
	}
}

// IsZero reports whether every field of m is zero, used by the reducer to
// skip users whose per-month delta is zero.
func (m Metrics) IsZero() bool {
	return m == Metrics{}
}

// Round6 rounds every float field to 6 decimal places, the precision monthly
// rollups and leaderboards persist at (user aggregates keep full precision).
func (m Metrics) Round6() Metrics {
	r := m
	r.TotalClockHours = round6(r.TotalClockHours)
	r.TotalElapsedHours = round6(r.TotalElapsedHours)
	r.SumMaxMemMB = round6(r.SumMaxMemMB)
	r.SumAvgMemMB = round6(r.SumAvgMemMB)
	r.SumReqMemMB = round6(r.SumReqMemMB)
	r.TotalGPUClockHours = round6(r.TotalGPUClockHours)
	r.GPUElapsedHours = round6(r.GPUElapsedHours)
	return r
}

func round6(f float64) float64 {
	const scale = 1e6
	if f < 0 {
		return -round6(-f)
	}
	return float64(int64(f*scale+0.5)) / scale
}

// UserRow is one user's metrics within a MonthlyRollup, keyed by username at
// the rollup level so JSON serializes as an ordered list.
type UserRow struct {
	Username string `json:"username"`
	Metrics
}

// MonthlyRollup is the per-(cluster, month) aggregation document.
type MonthlyRollup struct {
	Asof    string    `json:"asof"`
	Cluster string    `json:"cluster"`
	Month   string    `json:"month"`
	Users   []UserRow `json:"users"`
}

// ClusterMetrics pairs an as-of timestamp with a metric set, the value type
// of UserAggregate.Clusters.
type ClusterMetrics struct {
	Asof string `json:"asof"`
	Metrics
}

// UserAggregate is a user's lifetime totals across every cluster they have
// appeared on.
type UserAggregate struct {
	SchemaVersion int                       `json:"schema_version"`
	Username      string                    `json:"username"`
	Clusters      map[string]ClusterMetrics `json:"clusters"`
}

// CurrentUserAggregateSchemaVersion is written into every freshly-created
// UserAggregate.
const CurrentUserAggregateSchemaVersion = 1

// Cursor is the per-cluster backfill/incremental state machine's persisted
// state.
type Cursor struct {
	BackfillStart     string  `json:"backfill_start"`
	LastCompleteMonth *string `json:"last_complete_month"`
	InProgress        *string `json:"in_progress"`
}

// LeaderboardRow is one ranked entry in a Leaderboard.
type LeaderboardRow struct {
	Rank  int     `json:"rank"`
	User  string  `json:"user"`
	Value float64 `json:"value"`
}

// Leaderboard is the wholesale-rewritten ranking document for one
// (window, metric) pair.
type Leaderboard struct {
	Asof   string           `json:"asof"`
	Window string           `json:"window"`
	Metric string           `json:"metric"`
	Rows   []LeaderboardRow `json:"rows"`
}
