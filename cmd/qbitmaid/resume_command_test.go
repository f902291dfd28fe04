// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTorrentHash(t *testing.T) {
	t.Parallel()

	valid := strings.Repeat("ab12", 10)
	require.Len(t, valid, 40)
	assert.NoError(t, validateTorrentHash(valid))

	assert.Error(t, validateTorrentHash("abc123"))
	assert.Error(t, validateTorrentHash(strings.Repeat("a", 41)))
	assert.Error(t, validateTorrentHash(strings.Repeat("g", 40)))
	assert.Error(t, validateTorrentHash(""))
}

func TestResumeCommandRequiresHashArgument(t *testing.T) {
	t.Parallel()

	path := "config.json"
	cmd := runResumeCommand(&path)

	assert.Error(t, cmd.Args(cmd, []string{}))
	assert.Error(t, cmd.Args(cmd, []string{"a", "b"}))
	assert.NoError(t, cmd.Args(cmd, []string{strings.Repeat("ab12", 10)}))
}
