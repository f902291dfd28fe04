// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package supervisor owns component lifecycle: it builds the dependency
// graph bottom-up, recovers state left behind by a crashed run, starts
// the long-running loops, and tears them down in order on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qbitmaid/qbitmaid/internal/breaker"
	"github.com/qbitmaid/qbitmaid/internal/cleanup"
	"github.com/qbitmaid/qbitmaid/internal/config"
	"github.com/qbitmaid/qbitmaid/internal/database"
	"github.com/qbitmaid/qbitmaid/internal/domain"
	"github.com/qbitmaid/qbitmaid/internal/health"
	"github.com/qbitmaid/qbitmaid/internal/metrics"
	"github.com/qbitmaid/qbitmaid/internal/models"
	"github.com/qbitmaid/qbitmaid/internal/qbittorrent"
	"github.com/qbitmaid/qbitmaid/internal/retryengine"
	"github.com/qbitmaid/qbitmaid/internal/scanner"
	"github.com/qbitmaid/qbitmaid/internal/stalled"
	"github.com/qbitmaid/qbitmaid/internal/worker"
)

const (
	// stuckTimeout is how long a task may sit in processing before the
	// reaper assumes its worker died.
	stuckTimeout = 30 * time.Minute
	// reapInterval is how often the reaper runs after startup.
	reapInterval = 10 * time.Minute
	// orphanInterval and orphanAge drive the orphan cleanup loop: tasks
	// older than orphanAge whose torrent no longer exists are removed.
	orphanInterval = time.Hour
	orphanAge      = 24 * time.Hour
	// statusInterval is the cadence of the debug status log.
	statusInterval = time.Minute
	// workerDrain is the per-worker shutdown drain allowance.
	workerDrain = 10 * time.Second
)

// Service is the assembled application.
type Service struct {
	appCfg *config.AppConfig

	db       *database.DB
	tasks    *models.TaskStore
	client   *qbittorrent.Client
	breakers *breaker.Manager
	monitor  *health.Monitor
	cleaner  *cleanup.Cleaner
	engine   *retryengine.Engine
	scanner  *scanner.Service
	pool     *worker.Pool
	stalled  *stalled.Service
	metrics  *metrics.Manager
}

// New builds the full dependency graph. Errors here are initialization
// failures (exit code 2 territory); configuration was already validated
// by the loader.
func New(ctx context.Context, appCfg *config.AppConfig) (*Service, error) {
	cfg := appCfg.Get()

	logConfigSummary(cfg)

	db, err := database.New(cfg.DBFile)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	tasks := models.NewTaskStore(db)
	breakerStore := models.NewBreakerStore(db)

	breakers, err := breaker.NewManager(ctx, breakerStore, breakerConfigs(cfg))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("restore breaker state: %w", err)
	}

	client := qbittorrent.NewClient(qbittorrent.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
	})

	monitor := health.NewMonitor(client)

	cleaner := cleanup.NewCleaner(cleanup.CompilePatterns(
		cfg.FilePatterns, cfg.FolderPatterns, cfg.DisableFilePatterns))

	engine := retryengine.New(nil)

	s := &Service{
		appCfg:   appCfg,
		db:       db,
		tasks:    tasks,
		client:   client,
		breakers: breakers,
		monitor:  monitor,
		cleaner:  cleaner,
		engine:   engine,
	}

	s.scanner = scanner.NewService(client, tasks, monitor, breakers, appCfg.Get)

	handler := worker.NewHandler(client, cleaner, appCfg.Get)
	s.pool = worker.NewPool(tasks, handler, monitor, breakers, engine, client, appCfg.Get)

	s.stalled = stalled.NewService(client, appCfg.Get)

	s.metrics = metrics.NewManager(metrics.NewQueueCollector(tasks, breakers))
	s.scanner.SetDiscoveredHook(func(taskType models.TaskType) {
		s.metrics.TasksDiscovered.WithLabelValues(string(taskType)).Inc()
	})
	s.pool.SetProcessedHook(func(taskType models.TaskType, outcome string) {
		s.metrics.TasksProcessed.WithLabelValues(string(taskType), outcome).Inc()
	})
	s.stalled.SetDemotedHook(func() {
		s.metrics.StalledDemotions.Inc()
	})

	// Live reload only touches pattern lists; cadences are re-read by
	// the loops themselves.
	appCfg.OnUpdate(func(cfg domain.Config) {
		cleaner.SetPatterns(cleanup.CompilePatterns(
			cfg.FilePatterns, cfg.FolderPatterns, cfg.DisableFilePatterns))
	})

	return s, nil
}

// breakerConfigs merges config overrides for the qbit_api resource onto
// the built-in defaults.
func breakerConfigs(cfg domain.Config) map[string]breaker.Config {
	configs := breaker.DefaultConfigs()

	override := cfg.CircuitBreaker
	qbit := configs[breaker.ResourceQbitAPI]
	if override.FailureThreshold > 0 {
		qbit.FailureThreshold = override.FailureThreshold
	}
	if override.SuccessThreshold > 0 {
		qbit.SuccessThreshold = override.SuccessThreshold
	}
	if override.Timeout > 0 {
		qbit.Timeout = time.Duration(override.Timeout * float64(time.Second))
	}
	if override.HalfOpenTimeout > 0 {
		qbit.HalfOpenTimeout = time.Duration(override.HalfOpenTimeout * float64(time.Second))
	}
	configs[breaker.ResourceQbitAPI] = qbit

	return configs
}

func logConfigSummary(cfg domain.Config) {
	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("addedTag", cfg.AddedTag).
		Str("completedTag", cfg.CompletedTag).
		Str("processingTag", cfg.ProcessingTag).
		Int("workers", cfg.MaxWorkers).
		Int("batchSize", cfg.BatchSize).
		Float64("pollInterval", cfg.PollInterval).
		Int("filePatterns", len(cfg.FilePatterns)).
		Int("folderPatterns", len(cfg.FolderPatterns)).
		Int("disablePatterns", len(cfg.DisableFilePatterns)).
		Strs("categories", cfg.Categories).
		Str("dbFile", cfg.DBFile).
		Msg("configuration loaded")
}

// Run executes the daemon until ctx is cancelled, then shuts down in
// order: scanner, workers (with drain), stalled tracker, store.
func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.db.Close(); err != nil {
			log.Error().Err(err).Msg("close database failed")
		}
	}()

	if err := s.client.WaitUntilReady(ctx); err != nil {
		return fmt.Errorf("wait for qBittorrent: %w", err)
	}

	if _, err := s.tasks.ResetStuck(ctx, stuckTimeout); err != nil {
		log.Error().Err(err).Msg("startup stuck-task reset failed")
	}

	if err := s.recoverProcessing(ctx); err != nil {
		log.Error().Err(err).Msg("startup tag recovery failed")
	}

	scanCtx, stopScanner := context.WithCancel(context.Background())
	workCtx, stopWorkers := context.WithCancel(context.Background())
	stalledCtx, stopStalled := context.WithCancel(context.Background())
	defer stopScanner()
	defer stopWorkers()
	defer stopStalled()

	scannerDone := make(chan struct{})
	go func() {
		defer close(scannerDone)
		s.scanner.Start(scanCtx)
	}()

	s.pool.Start(workCtx)

	stalledDone := make(chan struct{})
	go func() {
		defer close(stalledDone)
		s.stalled.Start(stalledCtx)
	}()

	if addr := s.appCfg.Get().MetricsAddr; addr != "" {
		go metrics.NewServer(addr, s.metrics).Start(ctx)
	}

	s.appCfg.Watch()

	log.Info().Msg("qbitmaid running")

	s.idleLoop(ctx)

	// Ordered shutdown.
	log.Info().Msg("shutting down")

	stopScanner()
	<-scannerDone

	stopWorkers()
	drain := time.Duration(s.appCfg.Get().MaxWorkers) * workerDrain
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		s.pool.Wait()
	}()
	select {
	case <-poolDone:
	case <-time.After(drain):
		log.Warn().Dur("drain", drain).Msg("workers did not drain in time, abandoning claims")
	}

	// Restore lifecycle tags for anything still marked processing so
	// the next run's scanner sees a consistent tag set.
	recoverCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.recoverProcessing(recoverCtx); err != nil {
		log.Error().Err(err).Msg("shutdown tag restoration failed")
	}

	stopStalled()
	<-stalledDone

	log.Info().Msg("shutdown complete")
	return nil
}

// idleLoop ticks on check_interval, reaping stuck tasks, cleaning
// orphans, and logging status until ctx is cancelled.
func (s *Service) idleLoop(ctx context.Context) {
	lastReap := time.Now()
	lastOrphan := time.Now()
	lastStatus := time.Now()

	for {
		cfg := s.appCfg.Get()
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.CheckDuration()):
		}

		now := time.Now()

		if now.Sub(lastReap) >= reapInterval {
			lastReap = now
			if _, err := s.tasks.ResetStuck(ctx, stuckTimeout); err != nil {
				log.Error().Err(err).Msg("stuck-task reset failed")
			}
		}

		if now.Sub(lastOrphan) >= orphanInterval {
			lastOrphan = now
			s.cleanOrphans(ctx)
		}

		if now.Sub(lastStatus) >= statusInterval {
			lastStatus = now
			s.logStatus(ctx)
		}
	}
}

// cleanOrphans removes tasks whose torrent has left the engine entirely.
func (s *Service) cleanOrphans(ctx context.Context) {
	tasks, err := s.tasks.ListOlderThan(ctx, orphanAge)
	if err != nil {
		log.Error().Err(err).Msg("orphan scan failed")
		return
	}

	removed := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}

		_, err := s.client.TorrentByHash(ctx, task.TorrentHash)
		if err == nil {
			continue
		}
		if qbittorrent.Kind(err) != qbittorrent.KindNotFound {
			// Engine trouble; try again next hour.
			return
		}

		if _, err := s.tasks.Complete(ctx, task.TorrentHash, task.Type); err != nil {
			log.Error().Err(err).Str("hash", task.TorrentHash).Msg("remove orphan task failed")
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Msg("orphan tasks cleaned")
	}
}

func (s *Service) logStatus(ctx context.Context) {
	stats, err := s.tasks.Stats(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("status: stats unavailable")
		return
	}

	snap := s.stalled.Snapshot()

	ev := log.Debug().
		Int("tasks", stats.Total).
		Int("stalledTracked", snap.Tracked).
		Int("stalledDowngraded", snap.Downgraded)
	for status, count := range stats.ByStatus {
		ev = ev.Int("tasks_"+status, count)
	}
	for _, st := range s.breakers.StatusAll() {
		ev = ev.Str("breaker_"+st.Resource, st.State)
	}
	ev.Msg("status")
}
