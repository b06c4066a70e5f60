package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusteracct/internal/accounting"
	"clusteracct/internal/cursor"
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

func seedCursor(t *testing.T, root, cluster, backfillStart, lastComplete string) {
	t.Helper()
	eng := cursor.New(root, cluster, nil, 1000, 1e-4)
	start, err := time.Parse("2006-01-02", backfillStart+"-01")
	require.NoError(t, err)
	cur, err := eng.EnsureInitialized(start)
	require.NoError(t, err)
	cur.LastCompleteMonth = &lastComplete
	require.NoError(t, eng.Save(cur))
}

func TestRunReturnsNoCompleteMonthsWhenCursorUnset(t *testing.T) {
	root := t.TempDir()
	eng := &Engine{
		Root:    root,
		Cluster: "gpu01",
		Adapter: fakeAdapter(t, ""),
		Cursor:  cursor.New(root, "gpu01", nil, 1000, 1e-4),
		HomeBase: t.TempDir(),
	}
	res, err := eng.Run(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "no_complete_months", res.Status)
}

func TestRunDiscoversAndProcessesNewHomeUser(t *testing.T) {
	root := t.TempDir()
	seedCursor(t, root, "gpu01", "2025-01", "2025-01")

	home := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(home, "alice"), 0o755))

	adapter := fakeAdapter(t, `case "$*" in
*"-o User"*) echo "alice" ;;
*) echo "1|alice|COMPLETED|3600|1|1|8G|0|0||2025-01-01T00:00:00|2025-01-01T00:00:00|2025-01-15T01:00:00" ;;
esac`)
	eng := &Engine{
		Root:     root,
		Cluster:  "gpu01",
		Adapter:  adapter,
		Cursor:   cursor.New(root, "gpu01", nil, 1000, 1e-4),
		HomeBase: home,
	}

	res, err := eng.Run(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, 1, res.HomeUsers)
	assert.Equal(t, 0, res.KnownUserCount)
	require.Len(t, res.NewUsersProcessed, 1)
	assert.Equal(t, "alice", res.NewUsersProcessed[0].User)
	assert.Equal(t, []string{"2025-01"}, res.NewUsersProcessed[0].MonthsChanged)

	_, statErr := os.Stat(layout.UserAggregatePath(root, "gpu01", "alice"))
	assert.NoError(t, statErr)
}

func TestRunSkipsAlreadyKnownUsers(t *testing.T) {
	root := t.TempDir()
	seedCursor(t, root, "gpu01", "2025-01", "2025-01")

	usersDir := layout.UsersDir(root, "gpu01")
	require.NoError(t, os.MkdirAll(usersDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(usersDir, "alice.json"), []byte("{}"), 0o644))

	home := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(home, "alice"), 0o755))

	eng := &Engine{
		Root:     root,
		Cluster:  "gpu01",
		Adapter:  fakeAdapter(t, ""),
		Cursor:   cursor.New(root, "gpu01", nil, 1000, 1e-4),
		HomeBase: home,
	}
	res, err := eng.Run(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.KnownUserCount)
	assert.Equal(t, 0, res.NewUsersFound)
	assert.Empty(t, res.NewUsersProcessed)
}

func TestListHomeUsersFiltersSystemAndHiddenEntries(t *testing.T) {
	home := t.TempDir()
	for _, name := range []string{"alice", ".hidden", "x", "root", "Bob_2"} {
		require.NoError(t, os.Mkdir(filepath.Join(home, name), 0o755))
	}
	users := listHomeUsers(home)
	assert.ElementsMatch(t, []string{"alice", "bob_2"}, users)
}

func TestMonthRangeInclusive(t *testing.T) {
	months := monthRange("2025-01", "2025-03")
	assert.Equal(t, []string{"2025-01", "2025-02", "2025-03"}, months)
}
