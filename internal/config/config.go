// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads the JSON configuration document, layers
// environment overrides on top, and watches the file for live changes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/qbitmaid/qbitmaid/internal/domain"
	"github.com/qbitmaid/qbitmaid/pkg/debounce"
)

// knownKeys is the recognized configuration vocabulary. Anything else in
// the document is ignored with a warning.
var knownKeys = map[string]struct{}{
	"host":     {},
	"port":     {},
	"username": {},
	"password": {},

	"added_tag":      {},
	"completed_tag":  {},
	"processing_tag": {},

	"file_patterns":         {},
	"folder_patterns":       {},
	"disable_file_patterns": {},

	"categories": {},

	"max_workers":    {},
	"batch_size":     {},
	"poll_interval":  {},
	"check_interval": {},

	"min_stalled_minutes":    {},
	"stalled_check_interval": {},
	"progress_threshold":     {},

	"circuit_breaker": {},

	"db_file":      {},
	"log_file":     {},
	"debug_mode":   {},
	"metrics_addr": {},
}

// AppConfig owns the viper instance and the current parsed configuration.
// Get returns a snapshot; OnUpdate registers live-reload subscribers.
type AppConfig struct {
	v    *viper.Viper
	path string

	mu        sync.RWMutex
	current   domain.Config
	listeners []func(domain.Config)
}

// New loads the configuration from path, writing a default document first
// when the file does not exist.
func New(path string) (*AppConfig, error) {
	c := &AppConfig{
		v:    viper.New(),
		path: path,
	}

	defaults := domain.DefaultConfig()
	c.v.SetDefault("host", defaults.Host)
	c.v.SetDefault("port", defaults.Port)
	c.v.SetDefault("added_tag", defaults.AddedTag)
	c.v.SetDefault("completed_tag", defaults.CompletedTag)
	c.v.SetDefault("processing_tag", defaults.ProcessingTag)
	c.v.SetDefault("max_workers", defaults.MaxWorkers)
	c.v.SetDefault("batch_size", defaults.BatchSize)
	c.v.SetDefault("poll_interval", defaults.PollInterval)
	c.v.SetDefault("check_interval", defaults.CheckInterval)
	c.v.SetDefault("min_stalled_minutes", defaults.MinStalledMinutes)
	c.v.SetDefault("stalled_check_interval", defaults.StalledCheckInterval)
	c.v.SetDefault("progress_threshold", defaults.ProgressThreshold)
	c.v.SetDefault("db_file", defaults.DBFile)

	c.v.SetConfigFile(path)
	c.v.SetConfigType("json")

	c.v.SetEnvPrefix("QBITMAID")
	c.v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	c.v.AutomaticEnv()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path, defaults); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		log.Info().Str("path", path).Msg("wrote default configuration file")
	}

	if err := c.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	warnUnknownKeys(c.v)

	cfg, err := c.unmarshal()
	if err != nil {
		return nil, err
	}
	c.current = cfg

	return c, nil
}

func writeDefault(path string, cfg domain.Config) error {
	skeleton := map[string]any{
		"host":                   cfg.Host,
		"port":                   cfg.Port,
		"username":               "",
		"password":               "",
		"added_tag":              cfg.AddedTag,
		"completed_tag":          cfg.CompletedTag,
		"processing_tag":         cfg.ProcessingTag,
		"file_patterns":          []string{},
		"folder_patterns":        []string{},
		"disable_file_patterns":  []string{},
		"categories":             []string{},
		"max_workers":            cfg.MaxWorkers,
		"batch_size":             cfg.BatchSize,
		"poll_interval":          cfg.PollInterval,
		"check_interval":         cfg.CheckInterval,
		"min_stalled_minutes":    cfg.MinStalledMinutes,
		"stalled_check_interval": cfg.StalledCheckInterval,
		"progress_threshold":     cfg.ProgressThreshold,
		"db_file":                cfg.DBFile,
		"log_file":               "",
		"debug_mode":             false,
	}

	out, err := json.MarshalIndent(skeleton, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(out, '\n'), 0o644)
}

func warnUnknownKeys(v *viper.Viper) {
	for key := range v.AllSettings() {
		if _, ok := knownKeys[key]; !ok {
			log.Warn().Str("key", key).Msg("unknown configuration key ignored")
		}
	}
}

func (c *AppConfig) unmarshal() (domain.Config, error) {
	cfg := domain.DefaultConfig()
	if err := c.v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Get returns the current configuration snapshot.
func (c *AppConfig) Get() domain.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// OnUpdate registers a callback invoked with the new configuration after
// every successful live reload.
func (c *AppConfig) OnUpdate(fn func(domain.Config)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Watch starts watching the config file for changes. Editors often emit
// several write events per save, so reloads are debounced. A change that
// fails to parse or validate is logged and the previous configuration
// stays in effect.
func (c *AppConfig) Watch() {
	reload := debounce.New(500 * time.Millisecond)

	c.v.OnConfigChange(func(e fsnotify.Event) {
		reload.Do(func() {
			c.reload(e.Name)
		})
	})
	c.v.WatchConfig()
}

func (c *AppConfig) reload(path string) {
	cfg, err := c.unmarshal()
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("config reload rejected")
		return
	}

	c.mu.Lock()
	c.current = cfg
	listeners := make([]func(domain.Config), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	log.Info().Str("path", path).Msg("configuration reloaded")

	for _, fn := range listeners {
		fn(cfg)
	}
}
