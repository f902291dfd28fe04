// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"testing"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/assert"
)

func testTorrent(hash, name, tags string) qbt.Torrent {
	return qbt.Torrent{
		Hash: hash,
		Name: name,
		Tags: tags,
	}
}

func TestIsFetchingMetadata(t *testing.T) {
	t.Parallel()

	for _, state := range []qbt.TorrentState{
		qbt.TorrentStateMetaDl,
		qbt.TorrentStateQueuedDl,
		qbt.TorrentState("forcedMetaDL"),
	} {
		torrent := qbt.Torrent{Hash: "abc", State: state}
		assert.True(t, IsFetchingMetadata(torrent), "state %s", state)
	}

	torrent := qbt.Torrent{Hash: "abc", State: qbt.TorrentStateDownloading}
	assert.False(t, IsFetchingMetadata(torrent))
}
