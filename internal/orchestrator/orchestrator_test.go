package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusteracct/internal/accounting"
	"clusteracct/internal/errkind"
	"clusteracct/internal/layout"
	"clusteracct/internal/logkit"
	"clusteracct/internal/ratelimit"
)

func fakeAdapter(t *testing.T, script string) *accounting.Adapter {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-sacct")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\nexit 0\n"), 0o755))
	return accounting.New(path, ratelimit.New(600), logkit.NoOp{})
}

func TestRunProcessesOneHistoricalMonthAndRebuildsLeaderboards(t *testing.T) {
	root := t.TempDir()
	adapter := fakeAdapter(t, `echo "1|alice|COMPLETED|3600|1|1|8G|0|0||2025-01-01T00:00:00|2025-01-01T00:00:00|2025-01-15T01:00:00"`)
	backfillStart, _ := time.Parse("2006-01-02", "2025-01-01")
	now, _ := time.Parse("2006-01-02", "2025-09-10")

	opts := Options{
		Root:          root,
		Cluster:       "gpu01",
		Adapter:       adapter,
		Logger:        logkit.NoOp{},
		BackfillStart: backfillStart,
		ExpectedN:     1000,
		P:             1e-4,
		LimitUsers:    5,
	}
	res, err := Run(context.Background(), now, opts)
	require.NoError(t, err)
	assert.Equal(t, "historical", res.Phase)
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, "2025-01", res.Step)
	assert.Equal(t, 0, ExitCode(err))

	_, statErr := os.Stat(layout.LeaderboardAliasPath(root, "alltime"))
	assert.NoError(t, statErr)
}

func flockHold(t *testing.T, path string) func() {
	t.Helper()
	l := flock.New(path)
	ok, err := l.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	return func() { _ = l.Unlock() }
}

func TestRunReturnsLockedWhenClusterAlreadyLocked(t *testing.T) {
	root := t.TempDir()
	lockPath := layout.LockPath(root, "gpu01")
	require.NoError(t, os.MkdirAll(filepath.Dir(lockPath), 0o755))

	holder := flockHold(t, lockPath)
	defer holder()

	opts := Options{
		Root:          root,
		Cluster:       "gpu01",
		Adapter:       fakeAdapter(t, ""),
		Logger:        logkit.NoOp{},
		BackfillStart: time.Now(),
		ExpectedN:     1000,
		P:             1e-4,
	}
	_, err := Run(context.Background(), time.Now(), opts)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindLocked))
	assert.Equal(t, 3, ExitCode(err))
}
