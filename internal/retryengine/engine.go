// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package retryengine decides when a failed task becomes eligible again.
// Each failure reason maps to a strategy; the engine turns (retry count,
// reason) into an absolute next-retry timestamp or reports that the
// retry budget is exhausted.
package retryengine

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// StrategyKind selects the delay formula.
type StrategyKind string

const (
	StrategyExponential StrategyKind = "exponential"
	StrategyFixed       StrategyKind = "fixed"
	StrategyLinear      StrategyKind = "linear"
	StrategyAdaptive    StrategyKind = "adaptive"
)

// StrategyConfig describes one reason's retry behavior. A nil MaxRetries
// means the budget is unbounded.
type StrategyConfig struct {
	Kind       StrategyKind
	BaseDelay  float64 // seconds
	MaxDelay   float64 // seconds
	Multiplier float64
	Jitter     float64 // fraction, e.g. 0.1 for +-10%
	MaxRetries *int
}

func intPtr(v int) *int { return &v }

// ReasonSuccess and friends are the failure reason vocabulary shared with
// the worker. Reasons carrying detail use the prefix plus ":<detail>".
const (
	ReasonSuccess             = "success"
	ReasonTorrentNotFound     = "torrent_not_found"
	ReasonMetadataNotReady    = "metadata_not_ready"
	ReasonAPIError            = "qbit_api_error"
	ReasonNetworkError        = "network_error"
	ReasonRetryLater          = "retry_later"
	ReasonProcessingException = "processing_exception"
	ReasonMaxRetriesReached   = "max_retries_reached"
)

// DefaultStrategies returns the built-in per-reason strategy table.
func DefaultStrategies() map[string]StrategyConfig {
	return map[string]StrategyConfig{
		ReasonAPIError: {
			Kind:       StrategyExponential,
			BaseDelay:  60,
			MaxDelay:   600,
			Multiplier: 2,
			Jitter:     0.1,
		},
		ReasonNetworkError: {
			Kind:      StrategyLinear,
			BaseDelay: 10,
			MaxDelay:  60,
			Jitter:    0.2,
		},
		ReasonTorrentNotFound: {
			Kind:       StrategyExponential,
			BaseDelay:  5,
			MaxDelay:   60,
			Multiplier: 1,
			Jitter:     0.1,
			MaxRetries: intPtr(3),
		},
		ReasonRetryLater: {
			Kind:       StrategyExponential,
			BaseDelay:  120,
			MaxDelay:   1800,
			Multiplier: 2,
			Jitter:     0.1,
		},
		ReasonProcessingException: {
			Kind:       StrategyExponential,
			BaseDelay:  30,
			MaxDelay:   300,
			Multiplier: 1.5,
			Jitter:     0.1,
		},
	}
}

// adaptiveBase maps reasons to their adaptive starting delay in seconds.
var adaptiveBase = map[string]float64{
	ReasonAPIError:        60,
	ReasonNetworkError:    10,
	ReasonTorrentNotFound: 5,
}

// Engine computes next-retry times. The clock and the jitter source are
// injectable for tests.
type Engine struct {
	strategies map[string]StrategyConfig
	now        func() time.Time
	randFloat  func() float64 // uniform in [0, 1)
}

func New(strategies map[string]StrategyConfig) *Engine {
	if strategies == nil {
		strategies = DefaultStrategies()
	}
	return &Engine{
		strategies: strategies,
		now:        time.Now,
		randFloat:  rand.Float64,
	}
}

// strategyFor resolves a failure reason to its strategy. Reasons with a
// detail suffix match on the prefix before the first colon; unknown
// reasons fall back to the retry_later strategy.
func (e *Engine) strategyFor(reason string) StrategyConfig {
	if cfg, ok := e.strategies[reason]; ok {
		return cfg
	}

	prefix, _, found := strings.Cut(reason, ":")
	if found {
		if cfg, ok := e.strategies[prefix]; ok {
			return cfg
		}
	}

	log.Debug().Str("reason", reason).Msg("no retry strategy for reason, using retry_later")
	return e.strategies[ReasonRetryLater]
}

// NextRetry returns the absolute unix-seconds timestamp at which a task
// with the given retry count (the count before this failure) and failure
// reason becomes eligible again. ok is false when the reason's retry
// budget is exhausted.
func (e *Engine) NextRetry(retryCount int, reason string) (next float64, ok bool) {
	cfg := e.strategyFor(reason)

	if cfg.MaxRetries != nil && retryCount >= *cfg.MaxRetries {
		return 0, false
	}

	delay := e.delay(cfg, retryCount, reason)
	return float64(e.now().UnixMilli())/1000.0 + delay, true
}

// Delay returns the computed delay in seconds without anchoring it to the
// clock. Exposed for status logging.
func (e *Engine) Delay(retryCount int, reason string) float64 {
	return e.delay(e.strategyFor(reason), retryCount, reason)
}

func (e *Engine) delay(cfg StrategyConfig, retryCount int, reason string) float64 {
	var delay float64

	switch cfg.Kind {
	case StrategyFixed:
		delay = cfg.BaseDelay

	case StrategyLinear:
		// Linear growth is fixed at half the base per retry; Multiplier
		// is not consulted.
		delay = cfg.BaseDelay * (1 + 0.5*float64(retryCount))

	case StrategyAdaptive:
		base, known := adaptiveBase[strategyPrefix(reason)]
		if !known {
			base = cfg.BaseDelay
		}
		exp := retryCount
		if exp > 8 {
			exp = 8
		}
		delay = base * math.Pow(cfg.Multiplier, float64(exp))

	default: // exponential
		exp := retryCount
		if exp > 10 {
			exp = 10
		}
		delay = cfg.BaseDelay * math.Pow(cfg.Multiplier, float64(exp))
	}

	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if cfg.Jitter > 0 {
		// Uniform in [-jitter, +jitter].
		offset := (e.randFloat()*2 - 1) * cfg.Jitter
		delay *= 1 + offset
	}

	if delay < 1 {
		delay = 1
	}
	return delay
}

func strategyPrefix(reason string) string {
	prefix, _, _ := strings.Cut(reason, ":")
	return prefix
}
