// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/qbitmaid/qbitmaid/internal/buildinfo"
	"github.com/qbitmaid/qbitmaid/internal/config"
	"github.com/qbitmaid/qbitmaid/internal/logger"
	"github.com/qbitmaid/qbitmaid/internal/supervisor"
)

// Exit codes.
const (
	exitOK         = 0
	exitConfigErr  = 1
	exitInitFailed = 2
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "qbitmaid",
		Short:        "Tag-driven qBittorrent supervision daemon",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, _ []string) {
			os.Exit(runDaemon(configPath))
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.json", "Path to configuration file")

	rootCmd.AddCommand(runVersionCommand())
	rootCmd.AddCommand(runResumeCommand(&configPath))
	rootCmd.AddCommand(RunDBCommand(&configPath))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitConfigErr)
	}
}

func runDaemon(configPath string) int {
	appCfg, err := config.New(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfigErr
	}

	cfg := appCfg.Get()
	logger.Setup(cfg.LogFile, cfg.DebugMode)

	log.Info().
		Str("version", buildinfo.Version).
		Str("commit", buildinfo.Commit).
		Msg("starting qbitmaid")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := supervisor.New(ctx, appCfg)
	if err != nil {
		log.Error().Err(err).Msg("initialization failed")
		return exitInitFailed
	}

	if err := svc.Run(ctx); err != nil {
		log.Error().Err(err).Msg("daemon exited with error")
		return exitInitFailed
	}

	return exitOK
}

func runVersionCommand() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if outputJSON {
				data, err := buildinfo.JSON()
				if err != nil {
					return err
				}
				cmd.Println(string(data))
				return nil
			}
			cmd.Print(buildinfo.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output as JSON")

	return cmd
}
