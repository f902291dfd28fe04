// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package stalled watches torrents stuck in stalledDL and demotes the
// ones that show no progress for a configured window. The observation
// window is in-memory only; it is a stagnation measure, not durable work.
package stalled

import (
	"context"
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"

	"github.com/qbitmaid/qbitmaid/internal/domain"
)

// progressEpsilon is the minimum progress delta that counts as movement.
const progressEpsilon = 0.001

// Client is the slice of the remote client the tracker needs.
type Client interface {
	StalledDownloading(ctx context.Context, threshold float64) ([]qbt.Torrent, error)
	SetBottomPriority(ctx context.Context, hash string) error
}

// info is the per-torrent observation record.
type info struct {
	name               string
	progress           float64
	state              string
	trackedSince       time.Time
	priorityDowngraded bool
}

// Summary is a snapshot of the tracker for status logging.
type Summary struct {
	Tracked    int
	Downgraded int
	// OldestStagnation is how long the longest-stagnant torrent has
	// shown no movement.
	OldestStagnation time.Duration
}

// Service is the stalled tracker loop.
type Service struct {
	client Client
	cfg    func() domain.Config
	now    func() time.Time

	// onDemoted is invoked after every successful demotion. Nil
	// disables the hook.
	onDemoted func()

	mu      sync.Mutex
	tracked map[string]*info
}

func NewService(client Client, cfg func() domain.Config) *Service {
	return &Service{
		client:  client,
		cfg:     cfg,
		now:     time.Now,
		tracked: make(map[string]*info),
	}
}

// SetDemotedHook registers the per-demotion callback. Must be called
// before Start.
func (s *Service) SetDemotedHook(fn func()) {
	s.onDemoted = fn
}

// Start runs the tracker loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	log.Info().Msg("stalled tracker started")

	for {
		cfg := s.cfg()
		select {
		case <-ctx.Done():
			log.Info().Msg("stalled tracker stopped")
			return
		case <-time.After(cfg.StalledCheckDuration()):
		}

		s.runPass(ctx)
	}
}

// runPass performs one observation pass.
func (s *Service) runPass(ctx context.Context) {
	cfg := s.cfg()

	stalled, err := s.client.StalledDownloading(ctx, cfg.ProgressThreshold)
	if err != nil {
		log.Error().Err(err).Msg("stalled tracker: list failed")
		return
	}

	now := s.now()
	window := cfg.MinStalledDuration()

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(stalled))
	for _, t := range stalled {
		seen[t.Hash] = struct{}{}

		entry, ok := s.tracked[t.Hash]
		if !ok {
			entry = &info{
				name:         t.Name,
				progress:     t.Progress,
				state:        string(t.State),
				trackedSince: now,
			}
			s.tracked[t.Hash] = entry
			log.Debug().Str("hash", t.Hash).Str("name", t.Name).
				Float64("progress", t.Progress).Msg("tracking stalled torrent")
			continue
		}

		if delta := t.Progress - entry.progress; delta > progressEpsilon || delta < -progressEpsilon {
			// Movement resets the stagnation window but never undoes a
			// demotion.
			entry.progress = t.Progress
			entry.trackedSince = now
			log.Debug().Str("hash", t.Hash).Float64("progress", t.Progress).
				Msg("stalled torrent moved, window reset")
			continue
		}

		entry.state = string(t.State)

		if !entry.priorityDowngraded && now.Sub(entry.trackedSince) >= window {
			if err := s.client.SetBottomPriority(ctx, t.Hash); err != nil {
				log.Error().Err(err).Str("hash", t.Hash).Msg("bottom priority failed")
				continue
			}
			entry.priorityDowngraded = true
			log.Info().
				Str("hash", t.Hash).
				Str("name", entry.name).
				Dur("stagnant", now.Sub(entry.trackedSince)).
				Msg("stalled torrent demoted to bottom priority")
			if s.onDemoted != nil {
				s.onDemoted()
			}
		}
	}

	for hash := range s.tracked {
		if _, ok := seen[hash]; !ok {
			delete(s.tracked, hash)
			log.Debug().Str("hash", hash).Msg("torrent left stalled set, evicted")
		}
	}
}

// Snapshot returns the tracker summary for status logging.
func (s *Service) Snapshot() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sum := Summary{Tracked: len(s.tracked)}
	for _, entry := range s.tracked {
		if entry.priorityDowngraded {
			sum.Downgraded++
		}
		if age := now.Sub(entry.trackedSince); age > sum.OldestStagnation {
			sum.OldestStagnation = age
		}
	}
	return sum
}
