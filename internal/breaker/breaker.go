// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package breaker gates calls to a degrading resource. One state machine
// per resource; state survives restarts through the breaker store so an
// open breaker stays open across a crash loop.
package breaker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qbitmaid/qbitmaid/internal/models"
)

// Resource names. The worker and scanner gate on qbit_api; the handler
// gates file deletion on file_operations.
const (
	ResourceQbitAPI = "qbit_api"
	ResourceFileOps = "file_operations"
	ResourceNetwork = "network"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Config holds one resource's thresholds.
type Config struct {
	FailureThreshold int           `json:"failureThreshold"`
	SuccessThreshold int           `json:"successThreshold"`
	Timeout          time.Duration `json:"timeout"`
	HalfOpenTimeout  time.Duration `json:"halfOpenTimeout"`
}

// DefaultConfigs returns the built-in per-resource thresholds.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		ResourceQbitAPI: {
			FailureThreshold: 3,
			SuccessThreshold: 2,
			Timeout:          60 * time.Second,
			HalfOpenTimeout:  30 * time.Second,
		},
		ResourceFileOps: {
			FailureThreshold: 5,
			SuccessThreshold: 3,
			Timeout:          30 * time.Second,
			HalfOpenTimeout:  15 * time.Second,
		},
		ResourceNetwork: {
			FailureThreshold: 8,
			SuccessThreshold: 4,
			Timeout:          45 * time.Second,
			HalfOpenTimeout:  20 * time.Second,
		},
	}
}

// Status is a point-in-time snapshot of one breaker.
type Status struct {
	Resource        string  `json:"resource"`
	State           string  `json:"state"`
	FailureCount    int     `json:"failureCount"`
	SuccessCount    int     `json:"successCount"`
	LastStateChange float64 `json:"lastStateChange"`
	LastFailureTime float64 `json:"lastFailureTime"`
	LastSuccessTime float64 `json:"lastSuccessTime"`
}

type resourceState struct {
	config Config

	state           string
	failureCount    int
	successCount    int
	lastStateChange float64
	lastFailureTime float64
	lastSuccessTime float64
}

// Manager owns all resource breakers. Safe for concurrent use by the
// scanner and all workers.
type Manager struct {
	store *models.BreakerStore
	now   func() time.Time

	mu        sync.Mutex
	resources map[string]*resourceState
}

// NewManager builds a Manager with the given per-resource configs and
// restores any persisted state. Unknown persisted resources are ignored;
// resources without a persisted row start closed.
func NewManager(ctx context.Context, store *models.BreakerStore, configs map[string]Config) (*Manager, error) {
	if configs == nil {
		configs = DefaultConfigs()
	}

	m := &Manager{
		store:     store,
		now:       time.Now,
		resources: make(map[string]*resourceState, len(configs)),
	}

	for resource, cfg := range configs {
		rs := &resourceState{
			config:          cfg,
			state:           StateClosed,
			lastStateChange: m.nowUnix(),
		}

		persisted, err := store.Get(ctx, resource)
		if err != nil {
			return nil, err
		}
		if persisted != nil {
			rs.state = persisted.State
			rs.failureCount = persisted.FailureCount
			rs.successCount = persisted.SuccessCount
			rs.lastStateChange = persisted.LastStateChange
			rs.lastFailureTime = persisted.LastFailureTime
			rs.lastSuccessTime = persisted.LastSuccessTime

			log.Info().
				Str("resource", resource).
				Str("state", rs.state).
				Int("failureCount", rs.failureCount).
				Msg("restored circuit breaker state")
		}

		m.resources[resource] = rs
	}

	return m, nil
}

func (m *Manager) nowUnix() float64 {
	return float64(m.now().UnixMilli()) / 1000.0
}

// CanExecute reports whether a call against resource is currently
// permitted. An expired open breaker transitions to half_open here; a
// half_open breaker admits one probe at a time, or another once the
// previous probe has been outstanding longer than half_open_timeout.
func (m *Manager) CanExecute(ctx context.Context, resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.resources[resource]
	if !ok {
		return true
	}

	now := m.nowUnix()

	switch rs.state {
	case StateClosed:
		return true

	case StateOpen:
		if now-rs.lastStateChange > rs.config.Timeout.Seconds() {
			m.transition(ctx, resource, rs, StateHalfOpen)
			rs.successCount = 0
			return true
		}
		return false

	case StateHalfOpen:
		if rs.successCount < 1 {
			return true
		}
		return now-rs.lastStateChange > rs.config.HalfOpenTimeout.Seconds()
	}

	return true
}

// RecordSuccess records a successful call. In half_open state enough
// successes close the breaker; in open state the failure count is reset
// but the breaker stays open until its timeout expires.
func (m *Manager) RecordSuccess(ctx context.Context, resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.resources[resource]
	if !ok {
		return
	}

	rs.lastSuccessTime = m.nowUnix()

	switch rs.state {
	case StateClosed:
		rs.failureCount = 0

	case StateHalfOpen:
		rs.successCount++
		if rs.successCount >= rs.config.SuccessThreshold {
			m.transition(ctx, resource, rs, StateClosed)
			rs.failureCount = 0
			rs.successCount = 0
		}

	case StateOpen:
		rs.failureCount = 0
	}

	m.persist(ctx, resource, rs)
}

// RecordFailure records a system failure. Closed breakers open once the
// failure threshold is reached; a half_open breaker reopens on any
// failure. Business rejections must not be recorded here.
func (m *Manager) RecordFailure(ctx context.Context, resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.resources[resource]
	if !ok {
		return
	}

	rs.lastFailureTime = m.nowUnix()
	rs.failureCount++

	switch rs.state {
	case StateClosed:
		if rs.failureCount >= rs.config.FailureThreshold {
			log.Error().
				Str("resource", resource).
				Int("failures", rs.failureCount).
				Msg("failure threshold reached, opening circuit breaker")
			m.transition(ctx, resource, rs, StateOpen)
		}

	case StateHalfOpen:
		log.Warn().
			Str("resource", resource).
			Msg("probe failed in half_open, reopening circuit breaker")
		m.transition(ctx, resource, rs, StateOpen)
		rs.successCount = 0
	}

	m.persist(ctx, resource, rs)
}

// StatusFor returns a snapshot of one breaker, or ok=false for an
// unknown resource.
func (m *Manager) StatusFor(resource string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.resources[resource]
	if !ok {
		return Status{}, false
	}
	return snapshot(resource, rs), true
}

// StatusAll returns snapshots for every configured resource.
func (m *Manager) StatusAll() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.resources))
	for resource, rs := range m.resources {
		out = append(out, snapshot(resource, rs))
	}
	return out
}

func snapshot(resource string, rs *resourceState) Status {
	return Status{
		Resource:        resource,
		State:           rs.state,
		FailureCount:    rs.failureCount,
		SuccessCount:    rs.successCount,
		LastStateChange: rs.lastStateChange,
		LastFailureTime: rs.lastFailureTime,
		LastSuccessTime: rs.lastSuccessTime,
	}
}

// transition moves a breaker to a new state. Caller holds the lock.
func (m *Manager) transition(ctx context.Context, resource string, rs *resourceState, to string) {
	from := rs.state
	rs.state = to
	rs.lastStateChange = m.nowUnix()

	log.Warn().
		Str("resource", resource).
		Str("from", from).
		Str("to", to).
		Msg("circuit breaker state change")

	m.persist(ctx, resource, rs)
}

// persist writes the full row. Persistence failures are logged and
// otherwise ignored: the in-memory machine stays authoritative for this
// process, the row only matters across restarts.
func (m *Manager) persist(ctx context.Context, resource string, rs *resourceState) {
	cfgJSON, err := json.Marshal(rs.config)
	if err != nil {
		cfgJSON = []byte("{}")
	}

	err = m.store.Upsert(ctx, &models.BreakerState{
		BreakerType:     resource,
		State:           rs.state,
		FailureCount:    rs.failureCount,
		SuccessCount:    rs.successCount,
		LastStateChange: rs.lastStateChange,
		LastFailureTime: rs.lastFailureTime,
		LastSuccessTime: rs.lastSuccessTime,
		Config:          string(cfgJSON),
	})
	if err != nil {
		log.Error().Err(err).Str("resource", resource).Msg("persist circuit breaker state failed")
	}
}
