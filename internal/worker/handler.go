// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package worker drains the task queue: a fixed pool of goroutines
// claims eligible tasks, runs the per-type handler, and translates each
// outcome into completion or a scheduled retry.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"

	"github.com/qbitmaid/qbitmaid/internal/cleanup"
	"github.com/qbitmaid/qbitmaid/internal/domain"
	"github.com/qbitmaid/qbitmaid/internal/models"
	"github.com/qbitmaid/qbitmaid/internal/qbittorrent"
	"github.com/qbitmaid/qbitmaid/internal/retryengine"
)

// Client is the slice of the remote client the handler needs.
type Client interface {
	TorrentByHash(ctx context.Context, hash string) (*qbt.Torrent, error)
	Files(ctx context.Context, hash string) (qbt.TorrentFiles, error)
	SetFilePriority(ctx context.Context, hash string, indices []int, priority int) error
	AddTag(ctx context.Context, hash, tag string) error
	RemoveTag(ctx context.Context, hash, tag string) error
}

// Handler executes one task and reports the outcome as a failure-reason
// string from the shared vocabulary.
type Handler struct {
	client  Client
	cleaner *cleanup.Cleaner
	cfg     func() domain.Config
}

func NewHandler(client Client, cleaner *cleanup.Cleaner, cfg func() domain.Config) *Handler {
	return &Handler{
		client:  client,
		cleaner: cleaner,
		cfg:     cfg,
	}
}

// Handle runs the task and returns its outcome reason. Panics inside the
// handler surface as processing_exception outcomes; the torrent's
// processing tag is cleared best-effort so it does not wedge.
func (h *Handler) Handle(ctx context.Context, task models.Task) (reason string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("hash", task.TorrentHash).
				Str("taskType", string(task.Type)).
				Interface("panic", r).
				Msg("handler panicked")
			h.clearProcessingTag(ctx, task.TorrentHash)
			reason = fmt.Sprintf("%s:%v", retryengine.ReasonProcessingException, r)
		}
	}()

	switch task.Type {
	case models.TaskTypeAdded:
		return h.handleAdded(ctx, task)
	case models.TaskTypeCompleted:
		return h.handleCompleted(ctx, task)
	default:
		return fmt.Sprintf("%s:unknown task type %s", retryengine.ReasonProcessingException, task.Type)
	}
}

// handleAdded disables unwanted files on a freshly added torrent.
func (h *Handler) handleAdded(ctx context.Context, task models.Task) string {
	cfg := h.cfg()

	torrent, err := h.client.TorrentByHash(ctx, task.TorrentHash)
	if reason, done := classifyFetch(err); done {
		if reason == retryengine.ReasonTorrentNotFound {
			h.clearProcessingTag(ctx, task.TorrentHash)
		}
		return reason
	}

	if !cfg.CategoryAllowed(torrent.Category) {
		log.Debug().
			Str("hash", task.TorrentHash).
			Str("category", torrent.Category).
			Msg("category not whitelisted, skipping")
		return retryengine.ReasonSuccess
	}

	files, err := h.client.Files(ctx, task.TorrentHash)
	if err != nil {
		return kindReason(err)
	}
	if len(files) == 0 {
		return retryengine.ReasonMetadataNotReady
	}

	patterns := h.cleaner.Patterns()
	var disable []int
	for _, f := range files {
		if f.Priority != 0 && patterns.ShouldDisableFile(f.Name) {
			disable = append(disable, f.Index)
		}
	}

	if len(disable) > 0 {
		if err := h.client.SetFilePriority(ctx, task.TorrentHash, disable, 0); err != nil {
			log.Error().Err(err).Str("hash", task.TorrentHash).Msg("disable files failed")
			return kindReason(err)
		}
		log.Info().
			Str("hash", task.TorrentHash).
			Str("name", torrent.Name).
			Int("disabled", len(disable)).
			Msg("unwanted files disabled")
	}

	return retryengine.ReasonSuccess
}

// handleCompleted cleans the torrent's payload directory on disk.
func (h *Handler) handleCompleted(ctx context.Context, task models.Task) string {
	torrent, err := h.client.TorrentByHash(ctx, task.TorrentHash)
	if reason, done := classifyFetch(err); done {
		if reason == retryengine.ReasonTorrentNotFound {
			h.clearProcessingTag(ctx, task.TorrentHash)
		}
		return reason
	}

	contentPath := torrent.ContentPath
	if contentPath == "" {
		contentPath = filepath.Join(torrent.SavePath, torrent.Name)
	}

	if _, err := os.Stat(contentPath); os.IsNotExist(err) {
		log.Debug().Str("hash", task.TorrentHash).Str("path", contentPath).
			Msg("content path gone, nothing to clean")
		return retryengine.ReasonSuccess
	}

	res := h.cleaner.Clean(contentPath)
	log.Info().
		Str("hash", task.TorrentHash).
		Str("name", torrent.Name).
		Int("filesDeleted", res.FilesDeleted).
		Int("foldersDeleted", res.FoldersDeleted).
		Int("errors", res.Errors).
		Msg("payload cleaned")

	return retryengine.ReasonSuccess
}

func (h *Handler) clearProcessingTag(ctx context.Context, hash string) {
	cfg := h.cfg()
	if err := h.client.RemoveTag(ctx, hash, cfg.ProcessingTag); err != nil {
		log.Debug().Err(err).Str("hash", hash).Msg("clear processing tag failed")
	}
}

// classifyFetch maps a TorrentByHash error. done=false means the fetch
// succeeded and processing continues.
func classifyFetch(err error) (reason string, done bool) {
	if err == nil {
		return "", false
	}
	if qbittorrent.Kind(err) == qbittorrent.KindNotFound {
		return retryengine.ReasonTorrentNotFound, true
	}
	return kindReason(err), true
}

// kindReason maps a classified client error onto the retry vocabulary.
func kindReason(err error) string {
	switch qbittorrent.Kind(err) {
	case qbittorrent.KindNetwork:
		return retryengine.ReasonNetworkError
	default:
		return retryengine.ReasonAPIError
	}
}
