// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qbitmaid/qbitmaid/internal/config"
	"github.com/qbitmaid/qbitmaid/internal/qbittorrent"
)

func runResumeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <hash>",
		Short: "Resume a paused torrent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash := strings.ToLower(args[0])
			if err := validateTorrentHash(hash); err != nil {
				return err
			}

			appCfg, err := config.New(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			cfg := appCfg.Get()
			client := qbittorrent.NewClient(qbittorrent.Config{
				Host:     cfg.Host,
				Port:     cfg.Port,
				Username: cfg.Username,
				Password: cfg.Password,
			})

			if err := client.Resume(cmd.Context(), hash); err != nil {
				return err
			}

			cmd.Printf("Resumed %s\n", hash)
			return nil
		},
	}
}

func validateTorrentHash(hash string) error {
	if len(hash) != 40 {
		return fmt.Errorf("torrent hash must be 40 hex characters, got %d", len(hash))
	}
	for _, r := range hash {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return fmt.Errorf("torrent hash contains non-hex character %q", r)
		}
	}
	return nil
}
