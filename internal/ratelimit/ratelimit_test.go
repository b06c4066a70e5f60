package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireSucceedsWithinBurst(t *testing.T) {
	l := New(60)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Acquire(ctx))
}

func TestRegistryReturnsSameLimiterPerCluster(t *testing.T) {
	r := NewRegistry(60)
	a1 := r.For("gpu01")
	a2 := r.For("gpu01")
	b1 := r.For("cpu01")
	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b1)
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	l := New(1)
	// Drain the single burst token.
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(cancelCtx)
	assert.Error(t, err)
}
