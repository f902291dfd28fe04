// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package qbittorrent is a thin façade over the engine's WebUI API.
// Every operation returns a classified outcome (see errors.go); the
// worker's outcome switch and the circuit breaker consume the
// classification, never the raw transport error.
package qbittorrent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"
)

const (
	// opTimeout bounds every single API call.
	opTimeout = 10 * time.Second
	// readyPollInterval is the cadence of the startup readiness probe.
	readyPollInterval = 5 * time.Second
)

// metadataStates are engine states in which the torrent's file list is
// not available yet; the scanner skips these.
var metadataStates = map[qbt.TorrentState]struct{}{
	qbt.TorrentStateMetaDl:       {},
	qbt.TorrentStateQueuedDl:     {},
	qbt.TorrentState("forcedMetaDL"): {},
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
}

type Client struct {
	qbt *qbt.Client
}

func NewClient(cfg Config) *Client {
	host := cfg.Host
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}

	qbtClient := qbt.NewClient(qbt.Config{
		Host:     fmt.Sprintf("%s:%d", host, cfg.Port),
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  int(opTimeout / time.Second),
	})

	log.Debug().Str("host", host).Int("port", cfg.Port).Msg("qBittorrent client created")

	return &Client{qbt: qbtClient}
}

func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// WaitUntilReady blocks until the engine answers the version endpoint.
// The retry budget is unbounded during startup; only ctx cancellation
// stops the polling.
func (c *Client) WaitUntilReady(ctx context.Context) error {
	log.Info().Msg("waiting for qBittorrent to become ready")

	for attempt := 1; ; attempt++ {
		version, err := c.AppVersion(ctx)
		if err == nil {
			log.Info().Str("version", version).Msg("connected to qBittorrent")
			return nil
		}

		log.Debug().Err(err).Int("attempt", attempt).Msg("qBittorrent not ready yet")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}
}

// AppVersion probes the version endpoint, logging in first when the
// session has expired.
func (c *Client) AppVersion(ctx context.Context) (string, error) {
	opCtx, cancel := opContext(ctx)
	defer cancel()

	version, err := c.qbt.GetAppVersionCtx(opCtx)
	if err != nil {
		if loginErr := c.qbt.LoginCtx(opCtx); loginErr != nil {
			return "", classify("app version", loginErr)
		}
		version, err = c.qbt.GetAppVersionCtx(opCtx)
		if err != nil {
			return "", classify("app version", err)
		}
	}
	return version, nil
}

// TorrentByHash returns the torrent record, or a KindNotFound error when
// the engine has no torrent with that hash.
func (c *Client) TorrentByHash(ctx context.Context, hash string) (*qbt.Torrent, error) {
	opCtx, cancel := opContext(ctx)
	defer cancel()

	torrents, err := c.qbt.GetTorrentsCtx(opCtx, qbt.TorrentFilterOptions{
		Hashes: []string{hash},
	})
	if err != nil {
		return nil, classify("torrent by hash", err)
	}
	if len(torrents) == 0 {
		return nil, notFound("torrent by hash")
	}
	return &torrents[0], nil
}

// TorrentsWithTag returns all torrents currently carrying tag. Torrents
// whose hash equals their name are placeholders still resolving metadata
// and are excluded.
func (c *Client) TorrentsWithTag(ctx context.Context, tag string) ([]qbt.Torrent, error) {
	opCtx, cancel := opContext(ctx)
	defer cancel()

	torrents, err := c.qbt.GetTorrentsCtx(opCtx, qbt.TorrentFilterOptions{
		Tag: tag,
	})
	if err != nil {
		return nil, classify("torrents with tag", err)
	}

	out := torrents[:0]
	for _, t := range torrents {
		if strings.EqualFold(t.Hash, t.Name) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// IsFetchingMetadata reports whether the torrent's file list cannot be
// available yet.
func IsFetchingMetadata(t qbt.Torrent) bool {
	_, ok := metadataStates[t.State]
	return ok
}

// HasTag reports whether the torrent's comma-separated tag list contains
// tag.
func HasTag(t qbt.Torrent, tag string) bool {
	for _, raw := range strings.Split(t.Tags, ",") {
		if strings.EqualFold(strings.TrimSpace(raw), tag) {
			return true
		}
	}
	return false
}

func (c *Client) AddTag(ctx context.Context, hash, tag string) error {
	opCtx, cancel := opContext(ctx)
	defer cancel()

	return classify("add tag", c.qbt.AddTagsCtx(opCtx, []string{hash}, tag))
}

func (c *Client) RemoveTag(ctx context.Context, hash, tag string) error {
	opCtx, cancel := opContext(ctx)
	defer cancel()

	return classify("remove tag", c.qbt.RemoveTagsCtx(opCtx, []string{hash}, tag))
}

// Files lists the torrent's files. An empty list with no error means the
// metadata is not available yet; the caller decides whether that is
// retryable.
func (c *Client) Files(ctx context.Context, hash string) (qbt.TorrentFiles, error) {
	opCtx, cancel := opContext(ctx)
	defer cancel()

	files, err := c.qbt.GetFilesInformationCtx(opCtx, hash)
	if err != nil {
		return nil, classify("torrent files", err)
	}
	if files == nil {
		return qbt.TorrentFiles{}, nil
	}
	return *files, nil
}

// SetFilePriority sets the download priority for the given file indices.
// Priority 0 means "do not download".
func (c *Client) SetFilePriority(ctx context.Context, hash string, indices []int, priority int) error {
	if len(indices) == 0 {
		return nil
	}

	ids := make([]string, len(indices))
	for i, idx := range indices {
		ids[i] = strconv.Itoa(idx)
	}

	opCtx, cancel := opContext(ctx)
	defer cancel()

	return classify("set file priority",
		c.qbt.SetFilePriorityCtx(opCtx, hash, strings.Join(ids, "|"), priority))
}

// SetBottomPriority demotes the torrent to the bottom of the download
// queue.
func (c *Client) SetBottomPriority(ctx context.Context, hash string) error {
	opCtx, cancel := opContext(ctx)
	defer cancel()

	return classify("bottom priority", c.qbt.SetMinPriorityCtx(opCtx, []string{hash}))
}

// Resume resumes a paused torrent.
func (c *Client) Resume(ctx context.Context, hash string) error {
	opCtx, cancel := opContext(ctx)
	defer cancel()

	return classify("resume", c.qbt.ResumeCtx(opCtx, []string{hash}))
}

// StalledDownloading returns the downloading torrents in state stalledDL
// whose progress is below threshold.
func (c *Client) StalledDownloading(ctx context.Context, threshold float64) ([]qbt.Torrent, error) {
	opCtx, cancel := opContext(ctx)
	defer cancel()

	torrents, err := c.qbt.GetTorrentsCtx(opCtx, qbt.TorrentFilterOptions{
		Filter: qbt.TorrentFilterDownloading,
	})
	if err != nil {
		return nil, classify("stalled downloading", err)
	}

	var stalled []qbt.Torrent
	for _, t := range torrents {
		if t.State == qbt.TorrentStateStalledDl && t.Progress < threshold {
			stalled = append(stalled, t)
		}
	}
	return stalled, nil
}
