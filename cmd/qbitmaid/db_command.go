// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/qbitmaid/qbitmaid/internal/config"
	"github.com/qbitmaid/qbitmaid/internal/database"
	"github.com/qbitmaid/qbitmaid/internal/models"
)

func RunDBCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database operations",
	}

	cmd.AddCommand(runDBStatsCommand(configPath))
	return cmd
}

func runDBStatsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print task queue statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appCfg, err := config.New(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			db, err := database.New(appCfg.Get().DBFile)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			tasks := models.NewTaskStore(db)
			stats, err := tasks.Stats(cmd.Context())
			if err != nil {
				return err
			}

			cmd.Printf("Tasks: %d\n", stats.Total)

			statuses := make([]string, 0, len(stats.ByStatus))
			for status := range stats.ByStatus {
				statuses = append(statuses, status)
			}
			sort.Strings(statuses)
			for _, status := range statuses {
				cmd.Printf("  %s: %d\n", status, stats.ByStatus[status])
			}

			breakerStore := models.NewBreakerStore(db)
			for _, resource := range []string{"qbit_api", "file_operations", "network"} {
				state, err := breakerStore.Get(cmd.Context(), resource)
				if err != nil {
					return err
				}
				if state == nil {
					continue
				}
				cmd.Printf("Breaker %s: %s (failures=%d)\n", resource, state.State, state.FailureCount)
			}

			return nil
		},
	}
}
