// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"errors"
	"fmt"
	"time"
)

// BreakerConfig overrides the default circuit breaker thresholds for the
// qbit_api resource. Zero values mean "use the built-in default".
type BreakerConfig struct {
	FailureThreshold int     `mapstructure:"failure_threshold"`
	SuccessThreshold int     `mapstructure:"success_threshold"`
	Timeout          float64 `mapstructure:"timeout"`
	HalfOpenTimeout  float64 `mapstructure:"half_open_timeout"`
}

// Config is the application configuration, read from a JSON document.
// Only pattern lists and cadences are applied on live reload; connection
// parameters require a restart.
type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	AddedTag      string `mapstructure:"added_tag"`
	CompletedTag  string `mapstructure:"completed_tag"`
	ProcessingTag string `mapstructure:"processing_tag"`

	FilePatterns        []string `mapstructure:"file_patterns"`
	FolderPatterns      []string `mapstructure:"folder_patterns"`
	DisableFilePatterns []string `mapstructure:"disable_file_patterns"`

	// Categories whitelists torrent categories for the added handler.
	// Empty means all categories are processed.
	Categories []string `mapstructure:"categories"`

	MaxWorkers    int     `mapstructure:"max_workers"`
	BatchSize     int     `mapstructure:"batch_size"`
	PollInterval  float64 `mapstructure:"poll_interval"`  // seconds
	CheckInterval float64 `mapstructure:"check_interval"` // seconds

	MinStalledMinutes    int     `mapstructure:"min_stalled_minutes"`
	StalledCheckInterval float64 `mapstructure:"stalled_check_interval"` // seconds
	ProgressThreshold    float64 `mapstructure:"progress_threshold"`

	CircuitBreaker BreakerConfig `mapstructure:"circuit_breaker"`

	DBFile      string `mapstructure:"db_file"`
	LogFile     string `mapstructure:"log_file"`
	DebugMode   bool   `mapstructure:"debug_mode"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// DefaultConfig returns the configuration used when a key is absent from
// the config document.
func DefaultConfig() Config {
	return Config{
		Host: "localhost",
		Port: 8080,

		AddedTag:      "added",
		CompletedTag:  "completed",
		ProcessingTag: "processing",

		MaxWorkers:    3,
		BatchSize:     5,
		PollInterval:  10,
		CheckInterval: 5,

		MinStalledMinutes:    30,
		StalledCheckInterval: 300,
		ProgressThreshold:    0.95,

		DBFile: "qbitmaid.db",
	}
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive, got %d", c.MaxWorkers)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive, got %v", c.CheckInterval)
	}
	if c.ProgressThreshold <= 0 || c.ProgressThreshold > 1 {
		return fmt.Errorf("progress_threshold must be in (0, 1], got %v", c.ProgressThreshold)
	}
	if c.AddedTag == "" || c.CompletedTag == "" || c.ProcessingTag == "" {
		return errors.New("lifecycle tags must not be empty")
	}
	if c.AddedTag == c.ProcessingTag || c.CompletedTag == c.ProcessingTag || c.AddedTag == c.CompletedTag {
		return errors.New("lifecycle tags must be distinct")
	}
	if c.DBFile == "" {
		return errors.New("db_file must not be empty")
	}
	return nil
}

// PollDuration converts the second-based poll_interval into a duration.
func (c *Config) PollDuration() time.Duration {
	return time.Duration(c.PollInterval * float64(time.Second))
}

func (c *Config) CheckDuration() time.Duration {
	return time.Duration(c.CheckInterval * float64(time.Second))
}

func (c *Config) StalledCheckDuration() time.Duration {
	return time.Duration(c.StalledCheckInterval * float64(time.Second))
}

func (c *Config) MinStalledDuration() time.Duration {
	return time.Duration(c.MinStalledMinutes) * time.Minute
}

// CategoryAllowed reports whether the category passes the whitelist. An
// empty whitelist allows everything.
func (c *Config) CategoryAllowed(category string) bool {
	if len(c.Categories) == 0 {
		return true
	}
	for _, allowed := range c.Categories {
		if allowed == category {
			return true
		}
	}
	return false
}
