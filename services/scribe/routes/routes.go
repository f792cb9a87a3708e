// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/scribevault/pkg/backup"
	"github.com/AleutianAI/scribevault/pkg/revision"
	"github.com/AleutianAI/scribevault/pkg/session"
	"github.com/AleutianAI/scribevault/pkg/storage/factory"
	"github.com/AleutianAI/scribevault/services/scribe/handlers"
	"github.com/AleutianAI/scribevault/services/scribe/observability"
)

// Deps bundles everything the routes need.
type Deps struct {
	Backends  *factory.Manager
	Sessions  *session.Manager
	Revisions *revision.Engine
	Backups   *backup.Store
	Metrics   *observability.Metrics
}

func SetupRoutes(router *gin.Engine, d Deps) {
	router.GET("/health", handlers.HealthCheck(d.Backends))
	router.GET("/capabilities", handlers.Capabilities(d.Backends))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", handlers.CreateSession(d.Sessions))
			sessions.GET("", handlers.ListSessions(d.Sessions))
			sessions.GET("/:sessionId", handlers.GetSession(d.Sessions))
			sessions.DELETE("/:sessionId", handlers.DeleteSession(d.Sessions))
			sessions.GET("/:sessionId/history", handlers.SessionHistory(d.Sessions))
			sessions.POST("/:sessionId/pairs", handlers.AppendPair(d.Sessions, d.Metrics))
			sessions.PUT("/:sessionId/last-response", handlers.UpdateLastResponse(d.Sessions))
			sessions.POST("/:sessionId/usage", handlers.AddUsage(d.Sessions))
			sessions.POST("/:sessionId/events", handlers.AppendEvent(d.Sessions))
			sessions.POST("/:sessionId/sweep", handlers.SweepSession(d.Sessions, d.Metrics))
		}
		revisions := v1.Group("/revisions")
		{
			revisions.POST("", handlers.RecordRevision(d.Revisions, d.Metrics))
			revisions.GET("/history", handlers.RevisionHistory(d.Revisions))
			revisions.GET("/restore", handlers.RestoreRevision(d.Revisions))
		}
		backups := v1.Group("/backups")
		{
			backups.POST("", handlers.CreateBackup(d.Backups, d.Metrics))
			backups.GET("", handlers.ListBackups(d.Backups))
			backups.GET("/restore", handlers.RestoreBackup(d.Backups))
		}
	}
}
