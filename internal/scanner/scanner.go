// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scanner discovers torrents carrying a lifecycle tag and turns
// them into durable tasks, rewriting the tag to processing as it goes.
package scanner

import (
	"context"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"

	"github.com/qbitmaid/qbitmaid/internal/breaker"
	"github.com/qbitmaid/qbitmaid/internal/domain"
	"github.com/qbitmaid/qbitmaid/internal/models"
	"github.com/qbitmaid/qbitmaid/internal/qbittorrent"
)

const (
	errorBackoff      = 10 * time.Second
	longErrorBackoff  = 30 * time.Second
	longBackoffStreak = 10
)

// TorrentClient is the slice of the remote client the scanner needs.
type TorrentClient interface {
	TorrentsWithTag(ctx context.Context, tag string) ([]qbt.Torrent, error)
	AddTag(ctx context.Context, hash, tag string) error
	RemoveTag(ctx context.Context, hash, tag string) error
}

// TaskSaver inserts tasks. Save must be dedup-safe: false means a row
// already exists and the torrent must not be re-tagged.
type TaskSaver interface {
	Save(ctx context.Context, hash string, taskType models.TaskType) (bool, error)
}

// HealthGate pauses scanning while the engine is unhealthy.
type HealthGate interface {
	ShouldPause(ctx context.Context) bool
}

// BreakerGate gates scanning on the qbit_api breaker and receives the
// scanner's system failures.
type BreakerGate interface {
	CanExecute(ctx context.Context, resource string) bool
	RecordSuccess(ctx context.Context, resource string)
	RecordFailure(ctx context.Context, resource string)
}

// Service is the tag scanner loop.
type Service struct {
	client   TorrentClient
	tasks    TaskSaver
	health   HealthGate
	breakers BreakerGate
	cfg      func() domain.Config

	// onDiscovered is invoked with the task type for every created
	// task. Nil disables the hook.
	onDiscovered func(taskType models.TaskType)

	errorStreak int
}

func NewService(client TorrentClient, tasks TaskSaver, health HealthGate, breakers BreakerGate, cfg func() domain.Config) *Service {
	return &Service{
		client:   client,
		tasks:    tasks,
		health:   health,
		breakers: breakers,
		cfg:      cfg,
	}
}

// SetDiscoveredHook registers the per-task-creation callback. Must be
// called before Start.
func (s *Service) SetDiscoveredHook(fn func(taskType models.TaskType)) {
	s.onDiscovered = fn
}

// Start runs the scan loop until ctx is cancelled. The poll interval is
// re-read every pass so config reload takes effect without restart.
func (s *Service) Start(ctx context.Context) {
	log.Info().Msg("tag scanner started")

	for {
		sleep := s.runPass(ctx)

		select {
		case <-ctx.Done():
			log.Info().Msg("tag scanner stopped")
			return
		case <-time.After(sleep):
		}
	}
}

// runPass executes one scan pass and returns how long to sleep before
// the next one.
func (s *Service) runPass(ctx context.Context) time.Duration {
	cfg := s.cfg()

	if s.health.ShouldPause(ctx) {
		log.Debug().Msg("scanner paused: qBittorrent unhealthy")
		return cfg.PollDuration()
	}
	if !s.breakers.CanExecute(ctx, breaker.ResourceQbitAPI) {
		log.Debug().Msg("scanner paused: circuit breaker open")
		return cfg.PollDuration()
	}

	errs := 0
	errs += s.scanTag(ctx, cfg.AddedTag, cfg.ProcessingTag, models.TaskTypeAdded)
	errs += s.scanTag(ctx, cfg.CompletedTag, cfg.ProcessingTag, models.TaskTypeCompleted)

	if errs > 0 {
		s.errorStreak++
		if s.errorStreak >= longBackoffStreak {
			return longErrorBackoff
		}
		return errorBackoff
	}

	s.errorStreak = 0
	return cfg.PollDuration()
}

// scanTag processes one source tag and returns the number of system
// errors encountered.
func (s *Service) scanTag(ctx context.Context, sourceTag, processingTag string, taskType models.TaskType) int {
	torrents, err := s.client.TorrentsWithTag(ctx, sourceTag)
	if err != nil {
		log.Error().Err(err).Str("tag", sourceTag).Msg("scanner: list torrents failed")
		s.recordSystemFailure(ctx, err)
		return 1
	}

	errs := 0
	for _, t := range torrents {
		if ctx.Err() != nil {
			return errs
		}

		if qbittorrent.IsFetchingMetadata(t) {
			log.Debug().Str("hash", t.Hash).Str("state", string(t.State)).
				Msg("scanner: metadata still downloading, skipping")
			continue
		}

		created, err := s.tasks.Save(ctx, t.Hash, taskType)
		if err != nil {
			log.Error().Err(err).Str("hash", t.Hash).Msg("scanner: save task failed")
			errs++
			continue
		}
		if !created {
			// Row already exists; the tag rewrite from a previous pass
			// has not propagated yet.
			continue
		}

		log.Info().
			Str("hash", t.Hash).
			Str("name", t.Name).
			Str("taskType", string(taskType)).
			Msg("task created")

		if s.onDiscovered != nil {
			s.onDiscovered(taskType)
		}

		// Add before remove so the torrent is never untagged.
		if err := s.client.AddTag(ctx, t.Hash, processingTag); err != nil {
			log.Error().Err(err).Str("hash", t.Hash).Msg("scanner: add processing tag failed")
			s.recordSystemFailure(ctx, err)
			errs++
			continue
		}
		if err := s.client.RemoveTag(ctx, t.Hash, sourceTag); err != nil {
			log.Error().Err(err).Str("hash", t.Hash).Msg("scanner: remove source tag failed")
			s.recordSystemFailure(ctx, err)
			errs++
		}
	}
	return errs
}

// recordSystemFailure feeds API and network failures to the breaker.
// Anything else is a local condition and stays out of it.
func (s *Service) recordSystemFailure(ctx context.Context, err error) {
	switch qbittorrent.Kind(err) {
	case qbittorrent.KindAPI, qbittorrent.KindNetwork:
		s.breakers.RecordFailure(ctx, breaker.ResourceQbitAPI)
	}
}
