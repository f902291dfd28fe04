// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package health classifies the remote engine's responsiveness and tells
// the workers how hard to push. It probes the cheap version endpoint and
// caches the verdict between probes.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the monitor's verdict about the remote engine.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

const (
	// probeInterval is how long a probe result stays cached.
	probeInterval = 30 * time.Second
	// degradedLatency is the response time above which a responsive
	// engine still counts as degraded.
	degradedLatency = 5 * time.Second
	// unhealthyAfter is the consecutive error count that flips the
	// verdict from degraded to unhealthy.
	unhealthyAfter = 3
)

// Prober answers the liveness question. Satisfied by the remote client's
// version endpoint.
type Prober interface {
	AppVersion(ctx context.Context) (string, error)
}

// Monitor caches a liveness verdict about the remote engine. Safe for
// concurrent use.
type Monitor struct {
	prober Prober
	now    func() time.Time

	mu          sync.Mutex
	state       State
	errorStreak int
	lastProbe   time.Time
	lastLatency time.Duration
}

func NewMonitor(prober Prober) *Monitor {
	return &Monitor{
		prober: prober,
		now:    time.Now,
		state:  StateHealthy,
	}
}

// Check returns the current verdict, probing the engine when the cached
// one has expired.
func (m *Monitor) Check(ctx context.Context) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastProbe.IsZero() && m.now().Sub(m.lastProbe) < probeInterval {
		return m.state
	}

	m.probe(ctx)
	return m.state
}

// probe runs one liveness check. Caller holds the lock.
func (m *Monitor) probe(ctx context.Context) {
	start := m.now()
	_, err := m.prober.AppVersion(ctx)
	latency := m.now().Sub(start)

	m.lastProbe = m.now()
	m.lastLatency = latency

	if err != nil {
		m.errorStreak++
		prev := m.state
		if m.errorStreak >= unhealthyAfter {
			m.state = StateUnhealthy
		} else {
			m.state = StateDegraded
		}
		if m.state != prev {
			log.Warn().
				Err(err).
				Int("errorStreak", m.errorStreak).
				Str("state", string(m.state)).
				Msg("qBittorrent health state changed")
		}
		return
	}

	m.errorStreak = 0
	prev := m.state
	if latency >= degradedLatency {
		m.state = StateDegraded
	} else {
		m.state = StateHealthy
	}
	if m.state != prev {
		log.Info().
			Dur("latency", latency).
			Str("state", string(m.state)).
			Msg("qBittorrent health state changed")
	}
}

// ShouldPause reports whether the workers should stop dispatching
// entirely. Only an unhealthy engine pauses work; degraded merely slows
// it via SpeedFactor.
func (m *Monitor) ShouldPause(ctx context.Context) bool {
	return m.Check(ctx) == StateUnhealthy
}

// SpeedFactor returns the batch-size multiplier for the current verdict.
func (m *Monitor) SpeedFactor(ctx context.Context) float64 {
	switch m.Check(ctx) {
	case StateHealthy:
		return 1.0
	case StateDegraded:
		return 0.3
	default:
		return 0.0
	}
}

// Latency returns the last measured probe latency. Used by status
// logging.
func (m *Monitor) Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLatency
}
