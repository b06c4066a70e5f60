// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package config holds the seven knobs of spec.md §6's configuration table:
// root, cluster, backfill_start, rate_per_min, expected_n, p, limit_users.
package config

import (
	"os"
	"strconv"
	"time"

	"clusteracct/internal/errkind"
)

// Config is the fully-resolved configuration for one cluster poller.
type Config struct {
	// Root is the base directory for all artifacts.
	Root string

	// Cluster is the cluster name; it forms the lock/bucket/path segment.
	Cluster string

	// BackfillStart is the earliest date the cursor engine will backfill
	// from, stored as the parsed date; the cursor keeps only its month.
	BackfillStart time.Time

	// RatePerMin is the accounting-command token bucket capacity.
	RatePerMin int

	// ExpectedN sizes each month's probabilistic set.
	ExpectedN int

	// P is the probabilistic set's target false-positive rate.
	P float64

	// LimitUsers bounds how many new users one discovery tick processes.
	LimitUsers int
}

// NewDefault returns a Config with every optional field at its spec.md §6
// default. Root and Cluster are required and left empty; Validate rejects
// them.
func NewDefault() *Config {
	backfillStart, _ := time.Parse("2006-01-02", "2000-01-01")
	return &Config{
		BackfillStart: backfillStart,
		RatePerMin:    2,
		ExpectedN:     1_000_000,
		P:             1e-4,
		LimitUsers:    5,
	}
}

// Load overlays environment variable overrides onto c, following the
// CLUSTERACCT_* naming convention. A malformed value makes Load return a
// ConfigInvalid error at once, rather than being silently ignored, since a
// typo'd env var should fail loudly rather than defaulting.
func (c *Config) Load() error {
	if v := os.Getenv("CLUSTERACCT_ROOT"); v != "" {
		c.Root = v
	}
	if v := os.Getenv("CLUSTERACCT_CLUSTER"); v != "" {
		c.Cluster = v
	}
	if v := os.Getenv("CLUSTERACCT_BACKFILL_START"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return errkind.Wrap(errkind.KindConfigInvalid, "CLUSTERACCT_BACKFILL_START must be YYYY-MM-DD", err)
		}
		c.BackfillStart = t
	}
	if v := os.Getenv("CLUSTERACCT_RATE_PER_MIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errkind.Wrap(errkind.KindConfigInvalid, "CLUSTERACCT_RATE_PER_MIN must be an integer", err)
		}
		c.RatePerMin = n
	}
	if v := os.Getenv("CLUSTERACCT_EXPECTED_N"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errkind.Wrap(errkind.KindConfigInvalid, "CLUSTERACCT_EXPECTED_N must be an integer", err)
		}
		c.ExpectedN = n
	}
	if v := os.Getenv("CLUSTERACCT_P"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errkind.Wrap(errkind.KindConfigInvalid, "CLUSTERACCT_P must be a float", err)
		}
		c.P = f
	}
	if v := os.Getenv("CLUSTERACCT_LIMIT_USERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errkind.Wrap(errkind.KindConfigInvalid, "CLUSTERACCT_LIMIT_USERS must be an integer", err)
		}
		c.LimitUsers = n
	}
	return nil
}

// Validate checks the required fields and value ranges, returning a
// ConfigInvalid error naming the first problem found.
func (c *Config) Validate() error {
	if c.Root == "" {
		return errkind.New(errkind.KindConfigInvalid, "root is required")
	}
	if c.Cluster == "" {
		return errkind.New(errkind.KindConfigInvalid, "cluster is required")
	}
	if c.RatePerMin <= 0 {
		return errkind.New(errkind.KindConfigInvalid, "rate_per_min must be positive")
	}
	if c.ExpectedN <= 0 {
		return errkind.New(errkind.KindConfigInvalid, "expected_n must be positive")
	}
	if c.P <= 0 || c.P >= 1 {
		return errkind.New(errkind.KindConfigInvalid, "p must be in (0, 1)")
	}
	if c.LimitUsers < 0 {
		return errkind.New(errkind.KindConfigInvalid, "limit_users must be non-negative")
	}
	return nil
}
