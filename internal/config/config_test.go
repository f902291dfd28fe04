// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbitmaid/qbitmaid/internal/domain"
)

func writeConfig(t *testing.T, doc map[string]any) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestNewLoadsDocument(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"host":        "qbit.local",
		"port":        9090,
		"username":    "admin",
		"max_workers": 8,
		"categories":  []string{"movies"},
	})

	c, err := New(path)
	require.NoError(t, err)

	cfg := c.Get()
	assert.Equal(t, "qbit.local", cfg.Host)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "admin", cfg.Username)
	assert.Equal(t, 8, cfg.MaxWorkers)
	assert.Equal(t, []string{"movies"}, cfg.Categories)

	// Absent keys fall back to the defaults.
	assert.Equal(t, "added", cfg.AddedTag)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, "qbitmaid.db", cfg.DBFile)
}

func TestNewWritesDefaultFileWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	c, err := New(path)
	require.NoError(t, err)

	// The skeleton file now exists and round-trips to the defaults.
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "localhost", doc["host"])
	assert.Contains(t, doc, "file_patterns")
	assert.Contains(t, doc, "progress_threshold")

	defaults := domain.DefaultConfig()
	cfg := c.Get()
	assert.Equal(t, defaults.Host, cfg.Host)
	assert.Equal(t, defaults.Port, cfg.Port)
	assert.Equal(t, defaults.AddedTag, cfg.AddedTag)
	assert.Equal(t, defaults.MaxWorkers, cfg.MaxWorkers)
	assert.Equal(t, defaults.ProgressThreshold, cfg.ProgressThreshold)
	assert.Equal(t, defaults.DBFile, cfg.DBFile)
	assert.Empty(t, cfg.FilePatterns)
}

func TestNewRejectsInvalidDocument(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"max_workers": 0,
	})

	_, err := New(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_workers")
}

func TestNewRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := New(path)
	require.Error(t, err)
}

func TestNewParsesBreakerOverrides(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"circuit_breaker": map[string]any{
			"failure_threshold": 10,
			"timeout":           120,
		},
	})

	c, err := New(path)
	require.NoError(t, err)

	cfg := c.Get()
	assert.Equal(t, 10, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 120.0, cfg.CircuitBreaker.Timeout)
	// Unset fields stay zero and keep the built-in defaults downstream.
	assert.Zero(t, cfg.CircuitBreaker.SuccessThreshold)
}

func TestGetReturnsSnapshot(t *testing.T) {
	path := writeConfig(t, map[string]any{"host": "qbit.local"})

	c, err := New(path)
	require.NoError(t, err)

	cfg := c.Get()
	cfg.Host = "mutated"

	assert.Equal(t, "qbit.local", c.Get().Host)
}

func TestOnUpdateListenersSeeReloads(t *testing.T) {
	path := writeConfig(t, map[string]any{"poll_interval": 10})

	c, err := New(path)
	require.NoError(t, err)

	var got []domain.Config
	c.OnUpdate(func(cfg domain.Config) {
		got = append(got, cfg)
	})

	// Drive the reload path directly instead of racing the fsnotify
	// watcher in a test.
	require.NoError(t, os.WriteFile(path, []byte(`{"poll_interval": 30}`), 0o644))
	require.NoError(t, c.v.ReadInConfig())
	c.reload(path)

	require.Len(t, got, 1)
	assert.Equal(t, 30.0, got[0].PollInterval)
	assert.Equal(t, 30.0, c.Get().PollInterval)
}

func TestReloadRejectionKeepsPreviousConfig(t *testing.T) {
	path := writeConfig(t, map[string]any{"poll_interval": 10})

	c, err := New(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"poll_interval": -5}`), 0o644))
	require.NoError(t, c.v.ReadInConfig())
	c.reload(path)

	// The snapshot is untouched by the rejected reload.
	assert.Equal(t, 10.0, c.Get().PollInterval)
}
