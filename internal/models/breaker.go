// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/qbitmaid/qbitmaid/internal/dbinterface"
)

// BreakerState is the persisted circuit breaker record for one resource.
// It lives in the same database file as the tasks so breaker state and
// queue state share lifetime and transaction primitives.
type BreakerState struct {
	BreakerType     string
	State           string // closed, open, half_open
	FailureCount    int
	SuccessCount    int
	LastStateChange float64
	LastFailureTime float64
	LastSuccessTime float64
	Config          string // JSON blob of the thresholds in effect
	CreatedTime     float64
	UpdatedTime     float64
}

type BreakerStore struct {
	db  dbinterface.Querier
	now func() time.Time
}

func NewBreakerStore(db dbinterface.Querier) *BreakerStore {
	return &BreakerStore{
		db:  db,
		now: time.Now,
	}
}

func (s *BreakerStore) nowUnix() float64 {
	return float64(s.now().UnixMilli()) / 1000.0
}

// Get returns the persisted state for breakerType, or nil when the
// resource has never been recorded.
func (s *BreakerStore) Get(ctx context.Context, breakerType string) (*BreakerState, error) {
	var b BreakerState
	err := s.db.QueryRowContext(ctx, `
		SELECT breaker_type, state, failure_count, success_count,
		       last_state_change, last_failure_time, last_success_time,
		       config, created_time, updated_time
		FROM circuit_break_status
		WHERE breaker_type = ?
	`, breakerType).Scan(
		&b.BreakerType, &b.State, &b.FailureCount, &b.SuccessCount,
		&b.LastStateChange, &b.LastFailureTime, &b.LastSuccessTime,
		&b.Config, &b.CreatedTime, &b.UpdatedTime,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get breaker state %s: %w", breakerType, err)
	}
	return &b, nil
}

// Upsert writes the full state row for a resource, creating it on first use.
func (s *BreakerStore) Upsert(ctx context.Context, b *BreakerState) error {
	now := s.nowUnix()

	err := withBusyRetry(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO circuit_break_status
				(breaker_type, state, failure_count, success_count,
				 last_state_change, last_failure_time, last_success_time,
				 config, created_time, updated_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (breaker_type) DO UPDATE SET
				state = excluded.state,
				failure_count = excluded.failure_count,
				success_count = excluded.success_count,
				last_state_change = excluded.last_state_change,
				last_failure_time = excluded.last_failure_time,
				last_success_time = excluded.last_success_time,
				config = excluded.config,
				updated_time = excluded.updated_time
		`, b.BreakerType, b.State, b.FailureCount, b.SuccessCount,
			b.LastStateChange, b.LastFailureTime, b.LastSuccessTime,
			b.Config, now, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert breaker state %s: %w", b.BreakerType, err)
	}
	return nil
}
