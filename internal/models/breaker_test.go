// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerStoreGetMissing(t *testing.T) {
	store := NewBreakerStore(newTestDB(t))

	state, err := store.Get(context.Background(), "qbit_api")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestBreakerStoreUpsertRoundTrip(t *testing.T) {
	store := NewBreakerStore(newTestDB(t))
	ctx := context.Background()

	err := store.Upsert(ctx, &BreakerState{
		BreakerType:     "qbit_api",
		State:           "open",
		FailureCount:    3,
		LastStateChange: 1000,
		LastFailureTime: 999,
		Config:          `{"failureThreshold":3}`,
	})
	require.NoError(t, err)

	state, err := store.Get(ctx, "qbit_api")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "open", state.State)
	assert.Equal(t, 3, state.FailureCount)
	assert.Equal(t, 1000.0, state.LastStateChange)

	// Second upsert updates in place.
	err = store.Upsert(ctx, &BreakerState{
		BreakerType:  "qbit_api",
		State:        "half_open",
		SuccessCount: 1,
	})
	require.NoError(t, err)

	state, err = store.Get(ctx, "qbit_api")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "half_open", state.State)
	assert.Equal(t, 1, state.SuccessCount)
	assert.Equal(t, 0, state.FailureCount)
}
