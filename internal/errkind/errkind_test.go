package errkind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("exit status 1")
	err := Wrap(KindAccountingFailed, "sacct failed", cause)
	assert.ErrorIs(t, err, cause)
}

func TestOfAndIs(t *testing.T) {
	err := New(KindLocked, "lock held by another process")
	k, ok := Of(err)
	assert.True(t, ok)
	assert.Equal(t, KindLocked, k)
	assert.True(t, Is(err, KindLocked))
	assert.False(t, Is(err, KindConfigInvalid))
}

func TestOfReturnsFalseForPlainErrors(t *testing.T) {
	_, ok := Of(errors.New("plain"))
	assert.False(t, ok)
}

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 2, ExitCode(New(KindConfigInvalid, "bad date")))
	assert.Equal(t, 3, ExitCode(New(KindLocked, "held")))
	assert.Equal(t, 1, ExitCode(New(KindAccountingFailed, "retries exhausted")))
	assert.Equal(t, 1, ExitCode(errors.New("unknown")))
}

func TestWithClusterDoesNotMutateOriginal(t *testing.T) {
	base := New(KindTransientIO, "disk full")
	scoped := base.WithCluster("gpu01")
	assert.Empty(t, base.Cluster)
	assert.Equal(t, "gpu01", scoped.Cluster)
}
