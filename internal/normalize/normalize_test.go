package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func row(fields ...string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += "|"
		}
		out += f
	}
	return out
}

func baseFields() []string {
	return []string{
		"123", "Alice@REALM", "COMPLETED", "3600", "4", "1",
		"8G", "512M", "256M", "gres/gpu=2", "2025-01-01T00:00:00",
		"2025-01-01T00:00:01", "2025-01-01T01:00:01",
	}
}

func TestLineParsesAndNormalizesUser(t *testing.T) {
	rec, ok := Line(row(baseFields()...))
	require.True(t, ok)
	assert.Equal(t, "123", rec.JobID)
	assert.Equal(t, "alice", rec.User)
	assert.InDelta(t, 1.0, rec.ElapsedHours, 1e-9)
	assert.InDelta(t, 4.0, rec.ClockHours, 1e-9)
	assert.Equal(t, 2, rec.GPUCount)
	assert.InDelta(t, 1.0, rec.GPUElapsedHours, 1e-9)
	assert.InDelta(t, 2.0, rec.GPUClockHours, 1e-9)
	assert.False(t, rec.Failed)
	assert.NotZero(t, rec.EndTS)
}

func TestLineDropsStepRows(t *testing.T) {
	f := baseFields()
	f[0] = "123.batch"
	_, ok := Line(row(f...))
	assert.False(t, ok)
}

func TestLineDropsWrongFieldCount(t *testing.T) {
	_, ok := Line("123|alice|COMPLETED")
	assert.False(t, ok)
}

func TestLineDropsEmptyJobIDOrUser(t *testing.T) {
	f := baseFields()
	f[0] = ""
	_, ok := Line(row(f...))
	assert.False(t, ok)

	f = baseFields()
	f[1] = ""
	_, ok = Line(row(f...))
	assert.False(t, ok)
}

func TestLineFailureStates(t *testing.T) {
	for _, s := range []string{"FAILED", "NODE_FAIL", "OUT_OF_MEMORY", "PREEMPTED", "TIMEOUT"} {
		f := baseFields()
		f[2] = s
		rec, ok := Line(row(f...))
		require.True(t, ok)
		assert.True(t, rec.Failed, s)
	}
}

func TestLineCancelledIsNeverFailed(t *testing.T) {
	f := baseFields()
	f[2] = "CANCELLED by 1001"
	rec, ok := Line(row(f...))
	require.True(t, ok)
	assert.False(t, rec.Failed)
}

func TestLineEndTSUnparseable(t *testing.T) {
	for _, v := range []string{"Unknown", "None", "", "not-a-date"} {
		f := baseFields()
		f[12] = v
		rec, ok := Line(row(f...))
		require.True(t, ok)
		assert.Zero(t, rec.EndTS, v)
	}
}

func TestLineNoGPUHasZeroGPUElapsed(t *testing.T) {
	f := baseFields()
	f[9] = "cpu=4,mem=8000M"
	rec, ok := Line(row(f...))
	require.True(t, ok)
	assert.Equal(t, 0, rec.GPUCount)
	assert.Zero(t, rec.GPUElapsedHours)
	assert.Zero(t, rec.GPUClockHours)
}
