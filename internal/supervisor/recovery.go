// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package supervisor

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/qbitmaid/qbitmaid/internal/models"
)

// recoverProcessing restores lifecycle tags for torrents left tagged
// processing by an interrupted run. The source tag is derived from the
// task store when a row exists, from download progress otherwise. The
// processing tag is removed last so the torrent is never untagged.
func (s *Service) recoverProcessing(ctx context.Context) error {
	cfg := s.appCfg.Get()

	torrents, err := s.client.TorrentsWithTag(ctx, cfg.ProcessingTag)
	if err != nil {
		return err
	}
	if len(torrents) == 0 {
		return nil
	}

	log.Info().Int("count", len(torrents)).Msg("recovering torrents tagged processing")

	for _, t := range torrents {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		restore, err := s.restoreTagFor(ctx, t.Hash, t.Progress)
		if err != nil {
			log.Error().Err(err).Str("hash", t.Hash).Msg("recovery: task lookup failed")
			continue
		}

		if err := s.client.AddTag(ctx, t.Hash, restore); err != nil {
			log.Error().Err(err).Str("hash", t.Hash).Str("tag", restore).
				Msg("recovery: restore tag failed")
			continue
		}
		if err := s.client.RemoveTag(ctx, t.Hash, cfg.ProcessingTag); err != nil {
			log.Error().Err(err).Str("hash", t.Hash).
				Msg("recovery: remove processing tag failed")
			continue
		}

		log.Info().Str("hash", t.Hash).Str("name", t.Name).Str("tag", restore).
			Msg("lifecycle tag restored")
	}

	return nil
}

// restoreTagFor decides which lifecycle tag a processing-tagged torrent
// should carry again.
func (s *Service) restoreTagFor(ctx context.Context, hash string, progress float64) (string, error) {
	cfg := s.appCfg.Get()

	if ok, err := s.tasks.Exists(ctx, hash, models.TaskTypeAdded); err != nil {
		return "", err
	} else if ok {
		return cfg.AddedTag, nil
	}

	if ok, err := s.tasks.Exists(ctx, hash, models.TaskTypeCompleted); err != nil {
		return "", err
	} else if ok {
		return cfg.CompletedTag, nil
	}

	if progress >= 1.0 {
		return cfg.CompletedTag, nil
	}
	return cfg.AddedTag, nil
}
