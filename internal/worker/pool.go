// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package worker

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/qbitmaid/qbitmaid/internal/breaker"
	"github.com/qbitmaid/qbitmaid/internal/domain"
	"github.com/qbitmaid/qbitmaid/internal/models"
	"github.com/qbitmaid/qbitmaid/internal/retryengine"
)

const (
	pauseSleep     = 30 * time.Second
	breakerSleep   = 10 * time.Second
	idleSleep      = 2 * time.Second
	exhaustedDelay = 3600.0 // seconds
)

// TaskStore is the slice of the task store the pool needs.
type TaskStore interface {
	ClaimPending(ctx context.Context, limit int) ([]models.Task, error)
	Complete(ctx context.Context, hash string, taskType models.TaskType) (bool, error)
	ScheduleRetry(ctx context.Context, hash string, taskType models.TaskType, nextRetry float64, reason string) (bool, error)
}

// TaskHandler executes one task and reports the outcome reason.
type TaskHandler interface {
	Handle(ctx context.Context, task models.Task) string
}

// Health throttles the pool.
type Health interface {
	ShouldPause(ctx context.Context) bool
	SpeedFactor(ctx context.Context) float64
}

// BreakerGate gates dispatch and receives outcome signals.
type BreakerGate interface {
	CanExecute(ctx context.Context, resource string) bool
	RecordSuccess(ctx context.Context, resource string)
	RecordFailure(ctx context.Context, resource string)
}

// RetryPlanner schedules failed work.
type RetryPlanner interface {
	NextRetry(retryCount int, reason string) (next float64, ok bool)
}

// TagClient clears the processing tag on success.
type TagClient interface {
	RemoveTag(ctx context.Context, hash, tag string) error
}

// Pool runs a fixed set of worker goroutines against the task queue.
type Pool struct {
	store    TaskStore
	handler  TaskHandler
	health   Health
	breakers BreakerGate
	retries  RetryPlanner
	tags     TagClient
	cfg      func() domain.Config
	now      func() time.Time

	// onProcessed is invoked with (taskType, outcome) after every
	// translated outcome. Nil disables the hook.
	onProcessed func(taskType models.TaskType, outcome string)

	group errgroup.Group
}

func NewPool(store TaskStore, handler TaskHandler, health Health, breakers BreakerGate, retries RetryPlanner, tags TagClient, cfg func() domain.Config) *Pool {
	return &Pool{
		store:    store,
		handler:  handler,
		health:   health,
		breakers: breakers,
		retries:  retries,
		tags:     tags,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetProcessedHook registers the per-outcome callback. Must be called
// before Start.
func (p *Pool) SetProcessedHook(fn func(taskType models.TaskType, outcome string)) {
	p.onProcessed = fn
}

// Start launches the worker goroutines. They exit when ctx is cancelled;
// Wait blocks until they have drained.
func (p *Pool) Start(ctx context.Context) {
	workers := p.cfg().MaxWorkers

	log.Info().Int("workers", workers).Msg("worker pool started")

	for i := 0; i < workers; i++ {
		id := i
		p.group.Go(func() error {
			p.run(ctx, id)
			return nil
		})
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	_ = p.group.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	logger := log.With().Int("worker", id).Logger()
	logger.Debug().Msg("worker started")

	for {
		sleep := p.cycle(ctx, id)

		select {
		case <-ctx.Done():
			logger.Debug().Msg("worker stopped")
			return
		case <-time.After(sleep):
		}
	}
}

// cycle runs one claim/dispatch round and returns how long to sleep
// before the next one.
func (p *Pool) cycle(ctx context.Context, id int) time.Duration {
	if p.health.ShouldPause(ctx) {
		return pauseSleep
	}
	if !p.breakers.CanExecute(ctx, breaker.ResourceQbitAPI) {
		return breakerSleep
	}

	cfg := p.cfg()
	batch := int(math.Floor(float64(cfg.BatchSize) * p.health.SpeedFactor(ctx)))
	if batch < 1 {
		batch = 1
	}

	tasks, err := p.store.ClaimPending(ctx, batch)
	if err != nil {
		log.Error().Err(err).Int("worker", id).Msg("claim failed")
		return idleSleep
	}
	if len(tasks) == 0 {
		return idleSleep
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			// Shutdown: claimed tasks left in processing are reaped on
			// next start.
			return 0
		}

		outcome := p.handler.Handle(ctx, task)
		p.translate(ctx, task, outcome)
	}

	return 0
}

// translate turns a handler outcome into a store mutation and breaker
// signal.
func (p *Pool) translate(ctx context.Context, task models.Task, outcome string) {
	logger := log.With().
		Str("hash", task.TorrentHash).
		Str("taskType", string(task.Type)).
		Str("outcome", outcome).
		Logger()

	if p.onProcessed != nil {
		p.onProcessed(task.Type, strategyPrefix(outcome))
	}

	switch {
	case outcome == retryengine.ReasonSuccess:
		if _, err := p.store.Complete(ctx, task.TorrentHash, task.Type); err != nil {
			logger.Error().Err(err).Msg("complete task failed")
			return
		}
		if err := p.tags.RemoveTag(ctx, task.TorrentHash, p.cfg().ProcessingTag); err != nil {
			logger.Debug().Err(err).Msg("remove processing tag failed")
		}
		p.breakers.RecordSuccess(ctx, breaker.ResourceQbitAPI)
		logger.Debug().Msg("task completed")

	case outcome == retryengine.ReasonTorrentNotFound:
		// Obsolete task; the torrent is gone and the handler already
		// cleared the processing tag.
		if _, err := p.store.Complete(ctx, task.TorrentHash, task.Type); err != nil {
			logger.Error().Err(err).Msg("complete obsolete task failed")
			return
		}
		p.breakers.RecordSuccess(ctx, breaker.ResourceQbitAPI)
		logger.Info().Msg("task removed, torrent no longer exists")

	default:
		switch strategyPrefix(outcome) {
		case retryengine.ReasonMetadataNotReady, retryengine.ReasonAPIError, retryengine.ReasonNetworkError:
			p.breakers.RecordFailure(ctx, breaker.ResourceQbitAPI)
		}
		p.scheduleRetry(ctx, task, outcome, logger)
	}
}

func (p *Pool) scheduleRetry(ctx context.Context, task models.Task, outcome string, logger zerolog.Logger) {
	next, ok := p.retries.NextRetry(task.RetryCount, outcome)
	reason := outcome
	if !ok {
		// Budget exhausted: never delete, reschedule far out.
		next = float64(p.now().UnixMilli())/1000.0 + exhaustedDelay
		reason = retryengine.ReasonMaxRetriesReached + ":" + outcome
		logger.Warn().Str("reason", reason).Msg("retry budget exhausted, deferring")
	}

	if _, err := p.store.ScheduleRetry(ctx, task.TorrentHash, task.Type, next, reason); err != nil {
		logger.Error().Err(err).Msg("schedule retry failed")
		return
	}

	logger.Info().
		Int("retryCount", task.RetryCount+1).
		Float64("nextRetry", next).
		Msg("task retry scheduled")
}

func strategyPrefix(reason string) string {
	prefix, _, _ := strings.Cut(reason, ":")
	return prefix
}
