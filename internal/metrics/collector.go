// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/qbitmaid/qbitmaid/internal/breaker"
	"github.com/qbitmaid/qbitmaid/internal/models"
)

// TaskStatser supplies the queue depth snapshot.
type TaskStatser interface {
	Stats(ctx context.Context) (models.TaskStats, error)
}

// BreakerStatser supplies the breaker snapshots.
type BreakerStatser interface {
	StatusAll() []breaker.Status
}

// QueueCollector scrapes queue depth and breaker state on demand.
type QueueCollector struct {
	tasks    TaskStatser
	breakers BreakerStatser

	queueDepthDesc   *prometheus.Desc
	breakerStateDesc *prometheus.Desc
}

func NewQueueCollector(tasks TaskStatser, breakers BreakerStatser) *QueueCollector {
	return &QueueCollector{
		tasks:    tasks,
		breakers: breakers,

		queueDepthDesc: prometheus.NewDesc(
			"qbitmaid_queue_depth",
			"Task rows by status",
			[]string{"status"},
			nil,
		),
		breakerStateDesc: prometheus.NewDesc(
			"qbitmaid_breaker_state",
			"Circuit breaker state by resource (0=closed, 1=half_open, 2=open)",
			[]string{"resource"},
			nil,
		),
	}
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepthDesc
	ch <- c.breakerStateDesc
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := c.tasks.Stats(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("queue stats collection failed")
	} else {
		for status, count := range stats.ByStatus {
			ch <- prometheus.MustNewConstMetric(
				c.queueDepthDesc, prometheus.GaugeValue, float64(count), status)
		}
	}

	for _, st := range c.breakers.StatusAll() {
		var value float64
		switch st.State {
		case breaker.StateHalfOpen:
			value = 1
		case breaker.StateOpen:
			value = 2
		}
		ch <- prometheus.MustNewConstMetric(
			c.breakerStateDesc, prometheus.GaugeValue, value, st.Resource)
	}
}
