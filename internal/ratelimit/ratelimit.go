// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides the per-cluster token bucket gating calls to
// the external accounting command, wrapping golang.org/x/time/rate rather
// than hand-rolling token-bucket arithmetic.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is a per-cluster token bucket: capacity = ratePerMin tokens,
// refilling at ratePerMin/60 tokens per wall-clock second, clamped to
// capacity.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a Limiter with the given bucket capacity in tokens per
// minute.
func New(ratePerMin int) *Limiter {
	if ratePerMin <= 0 {
		ratePerMin = 1
	}
	perSecond := rate.Limit(float64(ratePerMin) / 60.0)
	return &Limiter{limiter: rate.NewLimiter(perSecond, ratePerMin)}
}

// Acquire blocks until one token is available or ctx is done, the blocking
// equivalent of spec §4.4's "sleep for (1 - tokens) * 60 / capacity seconds
// and retry".
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Registry hands out one Limiter per cluster name, created lazily on first
// use and reused thereafter — the orchestrator's injectable replacement for
// the source's module-level mutable bucket map (see design notes).
type Registry struct {
	mu         sync.Mutex
	limiters   map[string]*Limiter
	ratePerMin int
}

// NewRegistry creates a Registry whose limiters are all sized to
// ratePerMin.
func NewRegistry(ratePerMin int) *Registry {
	return &Registry{limiters: make(map[string]*Limiter), ratePerMin: ratePerMin}
}

// For returns the Limiter for cluster, creating it on first access.
func (r *Registry) For(cluster string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[cluster]
	if !ok {
		l = New(r.ratePerMin)
		r.limiters[cluster] = l
	}
	return l
}
