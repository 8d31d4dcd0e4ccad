// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ptfleet/ptfleet/internal/config"
	"github.com/ptfleet/ptfleet/internal/database"
	"github.com/ptfleet/ptfleet/internal/deleter"
	"github.com/ptfleet/ptfleet/internal/downloader"
	"github.com/ptfleet/ptfleet/internal/limiter"
	"github.com/ptfleet/ptfleet/internal/logger"
	"github.com/ptfleet/ptfleet/internal/models"
	"github.com/ptfleet/ptfleet/internal/notifications"
	"github.com/ptfleet/ptfleet/internal/rss"
	"github.com/ptfleet/ptfleet/internal/scheduler"
)

func RunServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fleet services",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file or data directory")
	return cmd
}

func serve(parent context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appCfg, err := config.New(configPath)
	if err != nil {
		return err
	}
	cfg := appCfg.Config
	logger.Setup(cfg)

	db, err := database.Open(appCfg.DatabasePath())
	if err != nil {
		return err
	}
	defer db.Close()
	conn := db.Conn()

	settings := models.NewSettingsStore(conn)
	allowDefault, _ := settings.Get(ctx, models.SettingAllowDefaultSecret)
	if err := cfg.Validate(allowDefault == "true"); err != nil {
		return err
	}

	var notifier notifications.Notifier = notifications.Log{}
	session := downloader.WithSession

	limiterSvc := limiter.NewService(limiter.Config{
		DB:        conn,
		Session:   session,
		UserAgent: cfg.HTTPUserAgent,
	})
	deleterSvc := deleter.NewService(deleter.Config{
		DB:       conn,
		Session:  session,
		Notifier: notifier,
	})
	rssSvc := rss.NewService(rss.Config{
		DB:                   conn,
		Session:              session,
		Notifier:             notifier,
		UserAgent:            cfg.HTTPUserAgent,
		HTTPTimeout:          time.Duration(cfg.HTTPTimeout) * time.Second,
		FreeCheckConcurrency: int64(cfg.RssFreeCheckConcurrency),
	})

	sched := scheduler.New(scheduler.Config{
		DB:      conn,
		Limiter: limiterSvc,
		RSS:     rssSvc,
		Deleter: deleterSvc,
		Session: session,
	})

	log.Info().Str("version", version).Str("data_dir", cfg.DataDir).Msg("ptfleet starting")
	sched.Run(ctx)
	log.Info().Msg("ptfleet stopped")
	return nil
}
