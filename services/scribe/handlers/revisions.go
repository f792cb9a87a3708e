// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/scribevault/pkg/revision"
	"github.com/AleutianAI/scribevault/services/scribe/observability"
)

type recordRevisionRequest struct {
	Path       string `json:"path" binding:"required"`
	OldContent string `json:"oldContent"`
	NewContent string `json:"newContent"`
	SessionID  string `json:"sessionId"`
	Source     string `json:"source"`
}

// RecordRevision appends a revision to a file's chain.
func RecordRevision(e *revision.Engine, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recordRevisionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rev, err := e.RecordRevision(c.Request.Context(), revision.RecordParams{
			Path:       req.Path,
			OldContent: req.OldContent,
			NewContent: req.NewContent,
			SessionID:  req.SessionID,
			Source:     req.Source,
		})
		if err != nil {
			fail(c, "record_revision", err)
			return
		}
		if metrics != nil {
			metrics.RevisionsTotal.Inc()
		}
		// The response carries chain metadata, not the snapshots.
		c.JSON(http.StatusCreated, gin.H{
			"revisionId":     rev.RevisionID,
			"revisionNumber": rev.RevisionNumber,
			"md5Before":      rev.MD5Before,
			"md5After":       rev.MD5After,
			"stats":          rev.Stats,
		})
	}
}

// RevisionHistory lists a file's revision chain, oldest first.
func RevisionHistory(e *revision.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Query("path")
		if path == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "path query parameter is required"})
			return
		}
		entries, err := e.History(c.Request.Context(), path)
		if err != nil {
			fail(c, "revision_history", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"path": path, "revisions": entries})
	}
}

// RestoreRevision reconstructs file content at a revision. The side query
// parameter picks the state before or after the revision; after is the
// default.
func RestoreRevision(e *revision.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Query("path")
		if path == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "path query parameter is required"})
			return
		}
		num, err := strconv.Atoi(c.Query("revision"))
		if err != nil || num < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "revision must be a positive integer"})
			return
		}
		side := revision.SideAfter
		switch raw := c.Query("side"); raw {
		case "", string(revision.SideAfter):
		case string(revision.SideBefore):
			side = revision.SideBefore
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "side must be before or after"})
			return
		}
		content, err := e.Restore(c.Request.Context(), path, num, side)
		if err != nil {
			fail(c, "restore_revision", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"path":     path,
			"revision": num,
			"side":     side,
			"content":  content,
		})
	}
}
