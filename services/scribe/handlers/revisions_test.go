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
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevisionRecordAndRestore(t *testing.T) {
	router := newTestRouter(t)

	code, body := doJSON(t, router, http.MethodPost, "/v1/revisions", map[string]string{
		"path":       "pkg/parser/parser.go",
		"oldContent": "package parser\n",
		"newContent": "package parser\n\nfunc Parse() {}\n",
		"sessionId":  "sess-1",
		"source":     "assistant",
	})
	require.Equal(t, http.StatusCreated, code, "body: %v", body)
	assert.Equal(t, float64(1), body["revisionNumber"])

	query := url.Values{"path": {"pkg/parser/parser.go"}}
	code, body = doJSON(t, router, http.MethodGet, "/v1/revisions/history?"+query.Encode(), nil)
	require.Equal(t, http.StatusOK, code)
	revisions, ok := body["revisions"].([]any)
	require.True(t, ok)
	assert.Len(t, revisions, 1)

	query.Set("revision", "1")
	query.Set("side", "after")
	code, body = doJSON(t, router, http.MethodGet, "/v1/revisions/restore?"+query.Encode(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "package parser\n\nfunc Parse() {}\n", body["content"])

	query.Set("side", "before")
	code, body = doJSON(t, router, http.MethodGet, "/v1/revisions/restore?"+query.Encode(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "package parser\n", body["content"])
}

func TestRecordRevision_BrokenChainConflicts(t *testing.T) {
	router := newTestRouter(t)

	code, _ := doJSON(t, router, http.MethodPost, "/v1/revisions", map[string]string{
		"path": "a.go", "oldContent": "v1", "newContent": "v2",
	})
	require.Equal(t, http.StatusCreated, code)

	code, body := doJSON(t, router, http.MethodPost, "/v1/revisions", map[string]string{
		"path": "a.go", "oldContent": "not-v2", "newContent": "v3",
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body, "error")
}

func TestRestoreRevision_Validation(t *testing.T) {
	router := newTestRouter(t)

	code, _ := doJSON(t, router, http.MethodGet, "/v1/revisions/restore?revision=1", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doJSON(t, router, http.MethodGet, "/v1/revisions/restore?path=a.go&revision=zero", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doJSON(t, router, http.MethodGet, "/v1/revisions/restore?path=a.go&revision=1&side=upside", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doJSON(t, router, http.MethodGet, "/v1/revisions/restore?path=a.go&revision=7", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
