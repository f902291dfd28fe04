// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes operational counters and gauges for the task
// pipeline on an optional Prometheus endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

type Manager struct {
	registry *prometheus.Registry

	// TasksProcessed counts worker outcomes by task type and reason
	// prefix.
	TasksProcessed *prometheus.CounterVec
	// TasksDiscovered counts scanner task creations by task type.
	TasksDiscovered *prometheus.CounterVec
	// StalledDemotions counts bottom-priority demotions.
	StalledDemotions prometheus.Counter
}

func NewManager(queueCollector *QueueCollector) *Manager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		TasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qbitmaid_tasks_processed_total",
			Help: "Worker task outcomes by task type and outcome reason",
		}, []string{"task_type", "outcome"}),
		TasksDiscovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qbitmaid_tasks_discovered_total",
			Help: "Tasks created by the tag scanner by task type",
		}, []string{"task_type"}),
		StalledDemotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qbitmaid_stalled_demotions_total",
			Help: "Stalled torrents demoted to bottom priority",
		}),
	}

	registry.MustRegister(m.TasksProcessed, m.TasksDiscovered, m.StalledDemotions)

	if queueCollector != nil {
		registry.MustRegister(queueCollector)
	}

	log.Debug().Msg("metrics manager initialized")

	return m
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}
