// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/scribevault/pkg/backup"
	"github.com/AleutianAI/scribevault/pkg/config"
	"github.com/AleutianAI/scribevault/pkg/logging"
	"github.com/AleutianAI/scribevault/pkg/revision"
	"github.com/AleutianAI/scribevault/pkg/session"
	"github.com/AleutianAI/scribevault/pkg/storage/factory"
	"github.com/AleutianAI/scribevault/services/scribe/maintenance"
	"github.com/AleutianAI/scribevault/services/scribe/observability"
	"github.com/AleutianAI/scribevault/services/scribe/routes"
)

const serviceName = "scribe"

// sweepsPerSecond paces the background orphan sweeper.
const sweepsPerSecond = 20.0

func main() {
	configPath := os.Getenv("SCRIBEVAULT_CONFIG")
	if configPath == "" {
		configPath = "scribevault.yaml"
	}
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}

	appLogger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		Service: serviceName,
		JSON:    cfg.Logging.Format == "json",
	})
	defer appLogger.Close()
	logger := appLogger.Slog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	backends, err := factory.NewManager(ctx, cfg.Storage, logger)
	if err != nil {
		log.Fatalf("failed to connect storage backend: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := backends.Close(shutdownCtx); err != nil {
			logger.Error("failed to close storage backend", "error", err)
		}
	}()

	// Live reload: a config edit swaps the backend in place. Session and
	// revision knobs stay at their boot values; only the transport moves.
	watcher, err := config.NewWatcher(configPath, logger, func(next config.Config) {
		if err := backends.Reconfigure(ctx, next.Storage); err != nil {
			metrics.BackendReconfiguresTotal.WithLabelValues("failed").Inc()
			logger.Error("backend reconfigure rejected, keeping current backend", "error", err)
			return
		}
		metrics.BackendReconfiguresTotal.WithLabelValues("applied").Inc()
	})
	if err != nil {
		logger.Warn("config watcher unavailable, live reload disabled", "error", err)
	} else {
		go watcher.Start(ctx)
	}

	var archiver backup.Archiver
	if cfg.Backup.Archive.Enabled {
		gcsArchiver, err := backup.NewGCSArchiver(ctx, cfg.Backup.Archive, logger)
		if err != nil {
			log.Fatalf("failed to open archive bucket: %v", err)
		}
		defer gcsArchiver.Close()
		archiver = gcsArchiver
	}

	sessions := session.NewManager(backends, cfg.Session, logger)
	backups := backup.NewStore(backends, archiver, logger)
	revisions := revision.NewEngine(backends, backups, cfg.Revision, logger)

	sweeper := maintenance.NewSweeper(sessions, cfg.Session.SweepInterval, sweepsPerSecond, metrics, logger)
	go sweeper.Run(ctx)

	if cfg.Logging.Format == "json" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(otelgin.Middleware(serviceName))
	router.Use(metrics.GinMiddleware())
	routes.SetupRoutes(router, routes.Deps{
		Backends:  backends,
		Sessions:  sessions,
		Revisions: revisions,
		Backups:   backups,
		Metrics:   metrics,
	})

	srv := &http.Server{
		Addr:    cfg.Service.ListenAddr,
		Handler: router,
	}
	go func() {
		logger.Info("scribe service listening",
			"addr", cfg.Service.ListenAddr,
			"backend", backends.Backend().Kind())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining requests")

	grace := cfg.Service.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown after grace period", "error", err)
	}
}
