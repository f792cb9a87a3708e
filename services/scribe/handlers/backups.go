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

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/scribevault/pkg/backup"
	"github.com/AleutianAI/scribevault/services/scribe/observability"
)

type createBackupRequest struct {
	Path      string `json:"path" binding:"required"`
	Content   string `json:"content"`
	SessionID string `json:"sessionId"`
}

// CreateBackup stores one version of a file. Identical bytes for the same
// path dedupe to the existing backup.
func CreateBackup(s *backup.Store, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createBackupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		b, created, err := s.Backup(c.Request.Context(), req.Path, []byte(req.Content), req.SessionID)
		if err != nil {
			fail(c, "create_backup", err)
			return
		}
		if metrics != nil {
			outcome := "stored"
			if !created {
				outcome = "dedup"
			}
			metrics.BackupsTotal.WithLabelValues(outcome).Inc()
		}
		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		c.JSON(status, gin.H{
			"backupId":    b.BackupID,
			"contentHash": b.ContentHash,
			"created":     created,
			"sizeBytes":   b.SizeBytes,
			"storedBytes": b.StoredBytes,
		})
	}
}

// RestoreBackup returns the raw content of a stored backup.
func RestoreBackup(s *backup.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Query("path")
		hash := c.Query("hash")
		if path == "" || hash == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "path and hash query parameters are required"})
			return
		}
		content, err := s.Restore(c.Request.Context(), path, hash)
		if err != nil {
			fail(c, "restore_backup", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"path":        path,
			"contentHash": hash,
			"content":     string(content),
		})
	}
}

// ListBackups lists stored versions by path or by session. Exactly one of
// the two query parameters must be set.
func ListBackups(s *backup.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Query("path")
		sessionID := c.Query("session")
		if (path == "") == (sessionID == "") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of path or session is required"})
			return
		}

		var (
			backups []backup.Backup
			err     error
		)
		if path != "" {
			backups, err = s.ListByPath(c.Request.Context(), path)
		} else {
			backups, err = s.ListBySession(c.Request.Context(), sessionID)
		}
		if err != nil {
			fail(c, "list_backups", err)
			return
		}

		// Strip payloads from listings; they can be megabytes each.
		type summary struct {
			BackupID    string `json:"backupId"`
			Path        string `json:"path"`
			ContentHash string `json:"contentHash"`
			SessionID   string `json:"sessionId,omitempty"`
			SizeBytes   int    `json:"sizeBytes"`
			CreatedAt   string `json:"createdAt"`
		}
		out := make([]summary, 0, len(backups))
		for _, b := range backups {
			out = append(out, summary{
				BackupID:    b.BackupID,
				Path:        b.Path,
				ContentHash: b.ContentHash,
				SessionID:   b.SessionID,
				SizeBytes:   b.SizeBytes,
				CreatedAt:   b.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			})
		}
		c.JSON(http.StatusOK, gin.H{"backups": out})
	}
}
