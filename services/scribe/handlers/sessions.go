// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the scribe service's HTTP endpoints.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/scribevault/pkg/session"
	"github.com/AleutianAI/scribevault/services/scribe/observability"
)

type createSessionRequest struct {
	ProjectID string `json:"projectId" binding:"required"`
	Title     string `json:"title"`
}

// CreateSession opens a new session document.
func CreateSession(m *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s, err := m.Create(c.Request.Context(), req.ProjectID, req.Title)
		if err != nil {
			fail(c, "create_session", err)
			return
		}
		c.JSON(http.StatusCreated, s)
	}
}

// GetSession returns the session root document.
func GetSession(m *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := m.Get(c.Request.Context(), c.Param("sessionId"))
		if err != nil {
			fail(c, "get_session", err)
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

// ListSessions returns session summaries, optionally filtered by project.
func ListSessions(m *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
				return
			}
			limit = n
		}
		summaries, err := m.ListByProject(c.Request.Context(), c.Query("project"), limit)
		if err != nil {
			fail(c, "list_sessions", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": summaries})
	}
}

// DeleteSession removes a session and every extension chained to it.
// Deleting an absent session succeeds.
func DeleteSession(m *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		if err := m.Delete(c.Request.Context(), sessionID); err != nil {
			fail(c, "delete_session", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "sessionId": sessionID})
	}
}

// AppendPair appends one request/response pair.
//
// # Description
//
// After the append the handler checks the active segment against the split
// threshold and, when crossed, performs the extension split inline. The
// response reports whether a split happened so clients can surface it.
func AppendPair(m *session.Manager, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var pair session.Pair
		if err := c.ShouldBindJSON(&pair); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx := c.Request.Context()
		sessionID := c.Param("sessionId")
		if err := m.Append(ctx, sessionID, pair); err != nil {
			fail(c, "append_pair", err)
			return
		}

		split := 0
		needs, err := m.NeedsSplit(ctx, sessionID)
		if err != nil {
			fail(c, "append_pair", err)
			return
		}
		if needs {
			num, err := m.CreateExtension(ctx, sessionID)
			if err != nil {
				fail(c, "append_pair", err)
				return
			}
			split = num
			if metrics != nil {
				metrics.SplitsTotal.Inc()
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "appended", "splitToExtension": split})
	}
}

// SessionHistory returns the full ordered pair history across all segments.
func SessionHistory(m *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		pairs, err := m.ReadAll(c.Request.Context(), c.Param("sessionId"))
		if err != nil {
			fail(c, "session_history", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"pairs": pairs, "pairCount": len(pairs)})
	}
}

type lastResponseRequest struct {
	Response string `json:"response" binding:"required"`
}

// UpdateLastResponse rewrites the most recent pair's response, e.g. after a
// stream finishes and the final text is known.
func UpdateLastResponse(m *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req lastResponseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := m.UpdateLastResponse(c.Request.Context(), c.Param("sessionId"), req.Response); err != nil {
			fail(c, "update_last_response", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "updated"})
	}
}

// AddUsage folds a usage delta into the session's running totals.
func AddUsage(m *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var delta session.Usage
		if err := c.ShouldBindJSON(&delta); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := m.AddUsage(c.Request.Context(), c.Param("sessionId"), delta); err != nil {
			fail(c, "add_usage", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "recorded"})
	}
}

// AppendEvent records one activity event on the session.
func AppendEvent(m *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var event session.Event
		if err := c.ShouldBindJSON(&event); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := m.AppendEvent(c.Request.Context(), c.Param("sessionId"), event); err != nil {
			fail(c, "append_event", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "recorded"})
	}
}

// SweepSession removes orphaned extension documents of one session.
func SweepSession(m *session.Manager, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		removed, err := m.SweepOrphans(c.Request.Context(), c.Param("sessionId"))
		if err != nil {
			fail(c, "sweep_session", err)
			return
		}
		if metrics != nil && removed > 0 {
			metrics.OrphansSweptTotal.Add(float64(removed))
		}
		c.JSON(http.StatusOK, gin.H{"removed": removed})
	}
}
