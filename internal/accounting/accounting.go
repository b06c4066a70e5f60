// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package accounting invokes the external accounting command (an
// sacct-alike) for a cluster's time window, rate-limited and retried with
// exponential backoff.
package accounting

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"clusteracct/internal/backoff"
	"clusteracct/internal/errkind"
	"clusteracct/internal/logkit"
	"clusteracct/internal/ratelimit"
)

// Fields is the fixed output field list matching the normalizer's expected
// column order (spec §4.2).
const Fields = "JobID,User,State,ElapsedRaw,AllocCPUS,NNodes,ReqMem,MaxRSS,AveRSS,AllocTRES,Submit,Start,End"

const (
	defaultTimeout     = 120 * time.Second
	defaultMaxAttempts = 3
)

// Query describes one accounting window to fetch.
type Query struct {
	Cluster      string
	Since, Until string // YYYY-MM-DD
	User         string // optional single-user filter
	IncludeSteps bool
	// Fields overrides the default column list (Fields) for callers that
	// only need a subset, e.g. discovery's user-enumeration pass.
	Fields string
}

// Adapter invokes the accounting command, one window at a time.
type Adapter struct {
	// Command is the accounting binary name; overridable in tests.
	Command string
	Limiter *ratelimit.Limiter
	Logger  logkit.Logger

	// Timeout bounds a single subprocess attempt.
	Timeout time.Duration
	// MaxAttempts bounds total attempts including the first.
	MaxAttempts int
}

// New returns an Adapter with spec §4.5's defaults: 120s per-attempt
// timeout, 3 total attempts.
func New(command string, limiter *ratelimit.Limiter, logger logkit.Logger) *Adapter {
	if logger == nil {
		logger = logkit.NoOp{}
	}
	return &Adapter{
		Command:     command,
		Limiter:     limiter,
		Logger:      logger,
		Timeout:     defaultTimeout,
		MaxAttempts: defaultMaxAttempts,
	}
}

func (a *Adapter) timeout() time.Duration {
	if a.Timeout <= 0 {
		return defaultTimeout
	}
	return a.Timeout
}

func (a *Adapter) maxAttempts() int {
	if a.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return a.MaxAttempts
}

// Fetch acquires one rate-limit token, then runs the accounting command for
// q, retrying on non-zero exit or timeout per the backoff package's
// schedule. On exhaustion it returns an AccountingFailed error.
func (a *Adapter) Fetch(ctx context.Context, q Query) ([]string, error) {
	if err := a.Limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	attemptID := uuid.NewString()
	log := logkit.WithCluster(a.Logger, q.Cluster).With("attempt_id", attemptID)

	var lines []string
	strategy := backoff.New(a.maxAttempts())
	retryErr := backoff.Retry(ctx, strategy, func(attempt int) error {
		callNum := attempt + 1
		start := time.Now()

		out, exitCode, err := a.invoke(ctx, q)
		duration := time.Since(start).Seconds()

		if err != nil {
			log.Error("sacct_call", "start", q.Since, "end", q.Until, "calls", callNum, "exit_code", "TIMEOUT")
			return err
		}
		if exitCode != 0 {
			log.Error("sacct_call", "start", q.Since, "end", q.Until, "calls", callNum, "exit_code", exitCode, "stderr", out.stderr)
			return exitStatusError(exitCode)
		}

		rows := splitFiltered(out.stdout, q.IncludeSteps)
		log.Info("sacct_call", "start", q.Since, "end", q.Until, "calls", callNum, "exit_code", 0, "rows", len(rows), "duration_s", duration)
		lines = rows
		return nil
	})
	if retryErr != nil {
		return nil, errkind.Wrap(errkind.KindAccountingFailed, "accounting command exhausted retries", retryErr).WithCluster(q.Cluster)
	}
	return lines, nil
}

type invokeResult struct {
	stdout string
	stderr string
}

func (a *Adapter) invoke(ctx context.Context, q Query) (invokeResult, int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()

	fields := q.Fields
	if fields == "" {
		fields = Fields
	}
	args := []string{"-a", "-n", "-P", "-S", q.Since, "-E", q.Until, "-o", fields}
	if q.User != "" {
		args = append(args, "-u", q.User)
	}

	cmd := exec.CommandContext(attemptCtx, a.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if attemptCtx.Err() == context.DeadlineExceeded {
		return invokeResult{}, 0, attemptCtx.Err()
	}
	if err == nil {
		return invokeResult{stdout: stdout.String(), stderr: stderr.String()}, 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return invokeResult{stdout: stdout.String(), stderr: truncate(stderr.String(), 500)}, exitErr.ExitCode(), nil
	}
	return invokeResult{}, 0, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type exitStatusError int

func (e exitStatusError) Error() string {
	return "accounting command exited " + strconv.Itoa(int(e))
}

// splitFiltered splits stdout into lines, dropping step rows (JobID
// containing '.') unless includeSteps is set.
func splitFiltered(stdout string, includeSteps bool) []string {
	var out []string
	for _, line := range strings.Split(stdout, "\n") {
		if line == "" {
			continue
		}
		if !includeSteps {
			jobID := line
			if idx := strings.IndexByte(line, '|'); idx >= 0 {
				jobID = line[:idx]
			}
			if strings.Contains(jobID, ".") {
				continue
			}
		}
		out = append(out, line)
	}
	return out
}
