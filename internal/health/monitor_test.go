// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeProber scripts AppVersion responses and lets the test advance the
// monitor's clock to simulate latency.
type fakeProber struct {
	calls   int
	err     error
	latency time.Duration
	clock   *time.Time
}

func (f *fakeProber) AppVersion(ctx context.Context) (string, error) {
	f.calls++
	*f.clock = f.clock.Add(f.latency)
	if f.err != nil {
		return "", f.err
	}
	return "5.0.0", nil
}

func newTestMonitor() (*Monitor, *fakeProber, *time.Time) {
	clock := time.Unix(1_000_000, 0)
	prober := &fakeProber{clock: &clock}

	m := NewMonitor(prober)
	m.now = func() time.Time { return clock }

	return m, prober, &clock
}

func TestFastProbeIsHealthy(t *testing.T) {
	m, prober, _ := newTestMonitor()
	prober.latency = 100 * time.Millisecond

	ctx := context.Background()
	assert.Equal(t, StateHealthy, m.Check(ctx))
	assert.False(t, m.ShouldPause(ctx))
	assert.Equal(t, 1.0, m.SpeedFactor(ctx))
}

func TestSlowProbeIsDegraded(t *testing.T) {
	m, prober, _ := newTestMonitor()
	prober.latency = 6 * time.Second

	ctx := context.Background()
	assert.Equal(t, StateDegraded, m.Check(ctx))
	assert.False(t, m.ShouldPause(ctx))
	assert.Equal(t, 0.3, m.SpeedFactor(ctx))
}

func TestErrorStreakEscalatesToUnhealthy(t *testing.T) {
	m, prober, clock := newTestMonitor()
	prober.err = errors.New("connection refused")

	ctx := context.Background()

	// First two failures only degrade.
	assert.Equal(t, StateDegraded, m.Check(ctx))
	*clock = clock.Add(31 * time.Second)
	assert.Equal(t, StateDegraded, m.Check(ctx))

	*clock = clock.Add(31 * time.Second)
	assert.Equal(t, StateUnhealthy, m.Check(ctx))
	assert.True(t, m.ShouldPause(ctx))
	assert.Equal(t, 0.0, m.SpeedFactor(ctx))
}

func TestRecoveryResetsErrorStreak(t *testing.T) {
	m, prober, clock := newTestMonitor()
	prober.err = errors.New("connection refused")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		m.Check(ctx)
		*clock = clock.Add(31 * time.Second)
	}
	assert.True(t, m.ShouldPause(ctx))

	prober.err = nil
	prober.latency = 50 * time.Millisecond
	*clock = clock.Add(31 * time.Second)
	assert.Equal(t, StateHealthy, m.Check(ctx))

	// A single new failure degrades instead of going straight back to
	// unhealthy.
	prober.err = errors.New("timeout")
	*clock = clock.Add(31 * time.Second)
	assert.Equal(t, StateDegraded, m.Check(ctx))
}

func TestProbeResultIsCached(t *testing.T) {
	m, prober, clock := newTestMonitor()
	prober.latency = 10 * time.Millisecond

	ctx := context.Background()
	m.Check(ctx)
	m.Check(ctx)
	m.ShouldPause(ctx)
	assert.Equal(t, 1, prober.calls)

	*clock = clock.Add(31 * time.Second)
	m.Check(ctx)
	assert.Equal(t, 2, prober.calls)
}
