package cursor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusteracct/internal/accounting"
	"clusteracct/internal/errkind"
	"clusteracct/internal/logkit"
	"clusteracct/internal/model"
	"clusteracct/internal/ratelimit"
)

func strPtr(s string) *string { return &s }

func fakeAdapter(t *testing.T, lines string) *accounting.Adapter {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-sacct")
	script := "#!/bin/sh\n" + lines + "\nexit 0\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return accounting.New(path, ratelimit.New(600), logkit.NoOp{})
}

func TestDetermineNextMonthSeedsFromBackfillStart(t *testing.T) {
	cur := model.Cursor{BackfillStart: "2025-01"}
	next := DetermineNextMonth(cur, "2025-09")
	require.NotNil(t, next)
	assert.Equal(t, "2025-01", *next)
}

func TestDetermineNextMonthReturnsInProgressForRetry(t *testing.T) {
	cur := model.Cursor{BackfillStart: "2025-01", InProgress: strPtr("2025-03")}
	next := DetermineNextMonth(cur, "2025-09")
	require.NotNil(t, next)
	assert.Equal(t, "2025-03", *next)
}

func TestDetermineNextMonthAdvancesPastLastComplete(t *testing.T) {
	cur := model.Cursor{BackfillStart: "2025-01", LastCompleteMonth: strPtr("2025-07")}
	next := DetermineNextMonth(cur, "2025-09")
	require.NotNil(t, next)
	assert.Equal(t, "2025-08", *next)
}

func TestDetermineNextMonthNilWhenCaughtUp(t *testing.T) {
	cur := model.Cursor{BackfillStart: "2025-01", LastCompleteMonth: strPtr("2025-08")}
	next := DetermineNextMonth(cur, "2025-09")
	assert.Nil(t, next)
}

func TestLockRejectsSecondAcquisition(t *testing.T) {
	root := t.TempDir()
	e1 := New(root, "gpu01", nil, 1000, 1e-4)
	require.NoError(t, e1.Lock())
	defer e1.Unlock()

	e2 := New(root, "gpu01", nil, 1000, 1e-4)
	err := e2.Lock()
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KindLocked))
}

func TestEnsureInitializedSeedsBackfillStart(t *testing.T) {
	root := t.TempDir()
	e := New(root, "gpu01", nil, 1000, 1e-4)
	backfillStart, _ := time.Parse("2006-01-02", "2024-05-01")
	cur, err := e.EnsureInitialized(backfillStart)
	require.NoError(t, err)
	assert.Equal(t, "2024-05", cur.BackfillStart)
	assert.Nil(t, cur.LastCompleteMonth)
}

func TestRunMonthlyStepCompletesAndAdvancesCursor(t *testing.T) {
	root := t.TempDir()
	adapter := fakeAdapter(t, `echo "1|alice|COMPLETED|3600|1|1|8G|0|0||2025-01-01T00:00:00|2025-01-01T00:00:00|2025-01-15T01:00:00"`)
	e := New(root, "gpu01", adapter, 1000, 1e-4)

	cur := model.Cursor{BackfillStart: "2025-01"}
	cur, stats, err := e.RunMonthlyStep(context.Background(), cur, "2025-01")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NewJobs)
	require.NotNil(t, cur.LastCompleteMonth)
	assert.Equal(t, "2025-01", *cur.LastCompleteMonth)
	assert.Nil(t, cur.InProgress)
}
