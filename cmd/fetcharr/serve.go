// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fetcharr/fetcharr/internal/api"
	"github.com/fetcharr/fetcharr/internal/api/sse"
	"github.com/fetcharr/fetcharr/internal/auth"
	"github.com/fetcharr/fetcharr/internal/buildinfo"
	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/domain"
	"github.com/fetcharr/fetcharr/internal/events"
	"github.com/fetcharr/fetcharr/internal/logger"
	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/services/download"
	"github.com/fetcharr/fetcharr/internal/services/realdebrid"
	"github.com/fetcharr/fetcharr/internal/services/search"
	"github.com/fetcharr/fetcharr/internal/services/searchjobs"
	"github.com/fetcharr/fetcharr/internal/settings"
	"github.com/fetcharr/fetcharr/internal/sources/httpscrape"
	"github.com/fetcharr/fetcharr/internal/sources/opendir"
	"github.com/fetcharr/fetcharr/internal/sources/piratebay"
	"github.com/fetcharr/fetcharr/internal/sources/prowlarr"
	"github.com/fetcharr/fetcharr/internal/sources/rdlibrary"
	"github.com/fetcharr/fetcharr/internal/sources/rutracker"
	"github.com/fetcharr/fetcharr/internal/sources/x1337"
)

const sessionLifetime = 31 * 24 * time.Hour

func RunServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the fetcharr server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file or directory")
	return cmd
}

func runServer(configPath string) error {
	cfg, err := config.New(configPath)
	if err != nil {
		return err
	}

	logger.Setup(cfg.Config)
	cfg.OnReload(func(updated *domain.Config) {
		logger.SetLogLevel(updated.LogLevel)
	})
	cfg.Watch()

	log.Info().
		Str("version", buildinfo.Version).
		Str("config_dir", cfg.GetConfigDir()).
		Msg("Starting fetcharr")

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer db.Close()

	dataDir := cfg.Config.DataDir
	if dataDir == "" {
		dataDir = cfg.GetConfigDir()
	}
	settingsManager, err := settings.NewManager(dataDir, db)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	rdClient := realdebrid.NewClient(settingsManager, bus)

	searchService := search.NewService(settingsManager, bus,
		piratebay.New(settingsManager),
		x1337.New(settingsManager),
		rutracker.New(settingsManager),
		rdlibrary.New(settingsManager, rdClient),
		httpscrape.New(settingsManager),
		opendir.New(settingsManager),
		prowlarr.New(settingsManager),
	)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	searchJobs := searchjobs.NewManager(searchService, settingsManager, bus)
	downloads := download.NewManager(rootCtx, settingsManager, bus, rdClient)
	streamManager := sse.NewStreamManager(bus)

	sessionStore := database.NewSessionStore(db, time.Hour)
	defer sessionStore.StopCleanup()

	sessionManager := scs.New()
	sessionManager.Store = sessionStore
	sessionManager.Lifetime = sessionLifetime
	sessionManager.Cookie.Name = "fetcharr_session"
	sessionManager.Cookie.HttpOnly = true
	sessionManager.Cookie.SameSite = http.SameSiteLaxMode

	server := api.NewServer(api.Dependencies{
		Config:          cfg,
		DB:              db,
		AuthService:     auth.NewService(db),
		SessionManager:  sessionManager,
		SettingsManager: settingsManager,
		SearchService:   searchService,
		SearchJobs:      searchJobs,
		Downloads:       downloads,
		RDClient:        rdClient,
		StreamManager:   streamManager,
		Bus:             bus,
	})

	var metricsServer *metrics.MetricsServer
	if cfg.Config.MetricsEnabled {
		metricsManager := metrics.NewMetricsManager(searchService, downloads)
		metricsServer = metrics.NewMetricsServer(metricsManager,
			cfg.Config.MetricsHost, cfg.Config.MetricsPort, cfg.Config.MetricsBasicAuthUsers)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := streamManager.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Event stream shutdown failed")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API server shutdown failed")
	}

	// Download workers bound to rootCtx stop here.
	cancel()
	return nil
}
