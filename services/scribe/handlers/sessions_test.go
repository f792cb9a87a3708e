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
	"fmt"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createSession(t *testing.T, router *gin.Engine, projectID, title string) string {
	t.Helper()
	code, body := doJSON(t, router, http.MethodPost, "/v1/sessions",
		map[string]string{"projectId": projectID, "title": title})
	require.Equal(t, http.StatusCreated, code, "body: %v", body)
	return mustString(t, body, "sessionId")
}

func TestSessionLifecycle(t *testing.T) {
	router := newTestRouter(t)

	sessionID := createSession(t, router, "proj-1", "refactor parser")

	code, body := doJSON(t, router, http.MethodGet, "/v1/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "proj-1", body["projectId"])
	assert.Equal(t, "refactor parser", body["title"])

	for i := 0; i < 3; i++ {
		code, _ := doJSON(t, router, http.MethodPost, "/v1/sessions/"+sessionID+"/pairs",
			map[string]string{
				"request":  fmt.Sprintf("question %d", i),
				"response": fmt.Sprintf("answer %d", i),
			})
		require.Equal(t, http.StatusOK, code)
	}

	code, body = doJSON(t, router, http.MethodGet, "/v1/sessions/"+sessionID+"/history", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(3), body["pairCount"])

	code, _ = doJSON(t, router, http.MethodPut, "/v1/sessions/"+sessionID+"/last-response",
		map[string]string{"response": "revised answer"})
	require.Equal(t, http.StatusOK, code)

	code, body = doJSON(t, router, http.MethodGet, "/v1/sessions?project=proj-1", nil)
	require.Equal(t, http.StatusOK, code)
	sessions, ok := body["sessions"].([]any)
	require.True(t, ok)
	assert.Len(t, sessions, 1)

	code, _ = doJSON(t, router, http.MethodDelete, "/v1/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = doJSON(t, router, http.MethodGet, "/v1/sessions/"+sessionID, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGetSession_NotFound(t *testing.T) {
	router := newTestRouter(t)

	code, body := doJSON(t, router, http.MethodGet, "/v1/sessions/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body, "error")
}

func TestCreateSession_RequiresProject(t *testing.T) {
	router := newTestRouter(t)

	code, _ := doJSON(t, router, http.MethodPost, "/v1/sessions", map[string]string{"title": "x"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUsageAndEvents(t *testing.T) {
	router := newTestRouter(t)
	sessionID := createSession(t, router, "proj-1", "")

	code, _ := doJSON(t, router, http.MethodPost, "/v1/sessions/"+sessionID+"/usage",
		map[string]any{"tokensIn": 120, "tokensOut": 80, "cost": 0.42})
	require.Equal(t, http.StatusOK, code)

	code, _ = doJSON(t, router, http.MethodPost, "/v1/sessions/"+sessionID+"/events",
		map[string]string{"type": "cli_exec", "message": "go vet ./..."})
	require.Equal(t, http.StatusOK, code)

	code, body := doJSON(t, router, http.MethodGet, "/v1/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, code)
	usage, ok := body["usage"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(120), usage["tokensIn"])
	events, ok := body["events"].([]any)
	require.True(t, ok)
	assert.Len(t, events, 1)
}

func TestSweepEndpoint(t *testing.T) {
	router := newTestRouter(t)
	sessionID := createSession(t, router, "proj-1", "")

	code, body := doJSON(t, router, http.MethodPost, "/v1/sessions/"+sessionID+"/sweep", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["removed"])
}

func TestHealthAndCapabilities(t *testing.T) {
	router := newTestRouter(t)

	code, body := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "badger", body["backend"])

	code, body = doJSON(t, router, http.MethodGet, "/capabilities", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["atomicSubdoc"])
	assert.Equal(t, true, body["nativeCAS"])
}
