// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package breaker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbitmaid/qbitmaid/internal/database"
	"github.com/qbitmaid/qbitmaid/internal/models"
)

func newTestStore(t *testing.T) *models.BreakerStore {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return models.NewBreakerStore(db)
}

func newTestManager(t *testing.T, store *models.BreakerStore) (*Manager, *time.Time) {
	t.Helper()

	m, err := NewManager(context.Background(), store, DefaultConfigs())
	require.NoError(t, err)

	now := time.Now()
	m.now = func() time.Time { return now }
	return m, &now
}

func TestBreakerOpensOnFailureThreshold(t *testing.T) {
	m, _ := newTestManager(t, newTestStore(t))
	ctx := context.Background()

	assert.True(t, m.CanExecute(ctx, ResourceQbitAPI))

	// qbit_api threshold is 3.
	m.RecordFailure(ctx, ResourceQbitAPI)
	m.RecordFailure(ctx, ResourceQbitAPI)
	assert.True(t, m.CanExecute(ctx, ResourceQbitAPI))

	m.RecordFailure(ctx, ResourceQbitAPI)
	assert.False(t, m.CanExecute(ctx, ResourceQbitAPI))

	st, ok := m.StatusFor(ResourceQbitAPI)
	require.True(t, ok)
	assert.Equal(t, StateOpen, st.State)
}

func TestBreakerSuccessResetsFailureCountWhileClosed(t *testing.T) {
	m, _ := newTestManager(t, newTestStore(t))
	ctx := context.Background()

	m.RecordFailure(ctx, ResourceQbitAPI)
	m.RecordFailure(ctx, ResourceQbitAPI)
	m.RecordSuccess(ctx, ResourceQbitAPI)

	st, _ := m.StatusFor(ResourceQbitAPI)
	assert.Equal(t, StateClosed, st.State)
	assert.Zero(t, st.FailureCount)

	// The streak starts over.
	m.RecordFailure(ctx, ResourceQbitAPI)
	m.RecordFailure(ctx, ResourceQbitAPI)
	assert.True(t, m.CanExecute(ctx, ResourceQbitAPI))
}

func TestBreakerHalfOpenAfterTimeout(t *testing.T) {
	m, now := newTestManager(t, newTestStore(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.RecordFailure(ctx, ResourceQbitAPI)
	}
	assert.False(t, m.CanExecute(ctx, ResourceQbitAPI))

	// Past the 60s open timeout the next check admits a probe.
	*now = now.Add(61 * time.Second)
	assert.True(t, m.CanExecute(ctx, ResourceQbitAPI))

	st, _ := m.StatusFor(ResourceQbitAPI)
	assert.Equal(t, StateHalfOpen, st.State)
}

func TestBreakerClosesAfterSuccessThreshold(t *testing.T) {
	m, now := newTestManager(t, newTestStore(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.RecordFailure(ctx, ResourceQbitAPI)
	}
	*now = now.Add(61 * time.Second)
	require.True(t, m.CanExecute(ctx, ResourceQbitAPI))

	// qbit_api success threshold is 2.
	m.RecordSuccess(ctx, ResourceQbitAPI)
	st, _ := m.StatusFor(ResourceQbitAPI)
	assert.Equal(t, StateHalfOpen, st.State)

	m.RecordSuccess(ctx, ResourceQbitAPI)
	st, _ = m.StatusFor(ResourceQbitAPI)
	assert.Equal(t, StateClosed, st.State)
	assert.Zero(t, st.FailureCount)
	assert.Zero(t, st.SuccessCount)
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	m, now := newTestManager(t, newTestStore(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.RecordFailure(ctx, ResourceQbitAPI)
	}
	*now = now.Add(61 * time.Second)
	require.True(t, m.CanExecute(ctx, ResourceQbitAPI))

	m.RecordFailure(ctx, ResourceQbitAPI)

	st, _ := m.StatusFor(ResourceQbitAPI)
	assert.Equal(t, StateOpen, st.State)
	assert.False(t, m.CanExecute(ctx, ResourceQbitAPI))
}

func TestBreakerHalfOpenAdmitsOneProbe(t *testing.T) {
	m, now := newTestManager(t, newTestStore(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.RecordFailure(ctx, ResourceQbitAPI)
	}
	*now = now.Add(61 * time.Second)
	require.True(t, m.CanExecute(ctx, ResourceQbitAPI))

	// One probe succeeded but the threshold is not met; no second
	// concurrent probe until the half-open timeout passes.
	m.RecordSuccess(ctx, ResourceQbitAPI)
	assert.False(t, m.CanExecute(ctx, ResourceQbitAPI))

	*now = now.Add(31 * time.Second)
	assert.True(t, m.CanExecute(ctx, ResourceQbitAPI))
}

func TestBreakerSuccessWhileOpenDoesNotClose(t *testing.T) {
	m, _ := newTestManager(t, newTestStore(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.RecordFailure(ctx, ResourceQbitAPI)
	}

	m.RecordSuccess(ctx, ResourceQbitAPI)

	st, _ := m.StatusFor(ResourceQbitAPI)
	assert.Equal(t, StateOpen, st.State)
	assert.Zero(t, st.FailureCount)
	assert.False(t, m.CanExecute(ctx, ResourceQbitAPI))
}

func TestBreakerStatePersistsAcrossManagers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m, _ := newTestManager(t, store)
	for i := 0; i < 3; i++ {
		m.RecordFailure(ctx, ResourceQbitAPI)
	}
	st, _ := m.StatusFor(ResourceQbitAPI)
	require.Equal(t, StateOpen, st.State)

	// Simulated restart.
	m2, _ := newTestManager(t, store)
	st, ok := m2.StatusFor(ResourceQbitAPI)
	require.True(t, ok)
	assert.Equal(t, StateOpen, st.State)
	assert.Equal(t, 3, st.FailureCount)
	assert.False(t, m2.CanExecute(ctx, ResourceQbitAPI))
}

func TestBreakerUnknownResourceAlwaysExecutes(t *testing.T) {
	m, _ := newTestManager(t, newTestStore(t))
	ctx := context.Background()

	assert.True(t, m.CanExecute(ctx, "unconfigured"))
	m.RecordFailure(ctx, "unconfigured")
	m.RecordSuccess(ctx, "unconfigured")
	assert.True(t, m.CanExecute(ctx, "unconfigured"))
}
