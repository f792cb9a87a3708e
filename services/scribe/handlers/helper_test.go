// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/scribevault/pkg/backup"
	"github.com/AleutianAI/scribevault/pkg/config"
	"github.com/AleutianAI/scribevault/pkg/revision"
	"github.com/AleutianAI/scribevault/pkg/session"
	"github.com/AleutianAI/scribevault/pkg/storage/factory"
	"github.com/AleutianAI/scribevault/services/scribe/observability"
	"github.com/AleutianAI/scribevault/services/scribe/routes"
)

// newTestRouter wires the full route tree over an in-memory backend.
func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.Storage.Mode = config.ModeBadger
	cfg.Storage.Badger.InMemory = true

	mgr, err := factory.NewManager(context.Background(), cfg.Storage, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = mgr.Close(context.Background())
	})

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	sessions := session.NewManager(mgr, cfg.Session, nil)
	backups := backup.NewStore(mgr, nil, nil)
	revisions := revision.NewEngine(mgr, backups, cfg.Revision, nil)

	router := gin.New()
	routes.SetupRoutes(router, routes.Deps{
		Backends:  mgr,
		Sessions:  sessions,
		Revisions: revisions,
		Backups:   backups,
		Metrics:   metrics,
	})
	return router
}

// doJSON performs one request and decodes the JSON response body.
func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	}
	return w.Code, out
}

func mustString(t *testing.T, m map[string]any, key string) string {
	t.Helper()
	v, ok := m[key].(string)
	require.True(t, ok, "expected string field %q in %v", key, m)
	return v
}
