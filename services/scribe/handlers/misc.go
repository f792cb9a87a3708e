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

	"github.com/AleutianAI/scribevault/pkg/storage/factory"
)

// HealthCheck pings the active storage backend.
func HealthCheck(mgr *factory.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		backend := mgr.Backend()
		if err := backend.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "degraded",
				"backend": backend.Kind(),
				"error":   err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"backend": backend.Kind(),
		})
	}
}

// Capabilities reports what the active backend supports, so clients can
// adjust expectations (e.g. weaker concurrency guarantees without native
// CAS).
func Capabilities(mgr *factory.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		backend := mgr.Backend()
		caps := backend.Capabilities()
		c.JSON(http.StatusOK, gin.H{
			"backend":      backend.Kind(),
			"atomicSubdoc": caps.AtomicSubdoc,
			"nativeCAS":    caps.NativeCAS,
		})
	}
}
