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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/scribevault/pkg/revision"
	"github.com/AleutianAI/scribevault/pkg/storage"
)

// statusForError maps the storage error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	if errors.Is(err, revision.ErrChainBroken) {
		return http.StatusConflict
	}
	switch storage.KindOf(err) {
	case storage.KindNotFound, storage.KindPathNotFound:
		return http.StatusNotFound
	case storage.KindAlreadyExists, storage.KindTokenMismatch, storage.KindPathExists:
		return http.StatusConflict
	case storage.KindTimeout:
		return http.StatusGatewayTimeout
	case storage.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail logs the error and writes the JSON error body. The wire message is
// the error text; internals (keys, tokens) stay in the structured fields.
func fail(c *gin.Context, op string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "op", op, "error", err)
	} else {
		slog.Warn("request rejected", "op", op, "status", status, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
