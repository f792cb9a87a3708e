// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package couchdb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/scribevault/pkg/storage"
)

// fakeCouch is a minimal in-memory stand-in for CouchDB's document API:
// GET/HEAD/PUT/DELETE on /db/{id} with revision checking, plus POST
// /db/_find with equality selectors.
type fakeCouch struct {
	mu   sync.Mutex
	docs map[string]fakeDoc
	seq  int
}

type fakeDoc struct {
	rev  string
	body map[string]any
}

func newFakeCouch() *fakeCouch {
	return &fakeCouch{docs: map[string]fakeDoc{}}
}

func (f *fakeCouch) nextRev() string {
	f.seq++
	return fmt.Sprintf("%d-rev", f.seq)
}

func (f *fakeCouch) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
		if len(parts) < 1 || parts[0] != "vault" {
			http.NotFound(w, r)
			return
		}
		if len(parts) == 1 {
			// Database info probe.
			_ = json.NewEncoder(w).Encode(map[string]any{"db_name": "vault"})
			return
		}
		id := parts[1]
		if id == "_find" && r.Method == http.MethodPost {
			f.find(w, r)
			return
		}

		switch r.Method {
		case http.MethodGet, http.MethodHead:
			doc, ok := f.docs[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("ETag", `"`+doc.rev+`"`)
			if r.Method == http.MethodGet {
				out := map[string]any{"_id": id, "_rev": doc.rev}
				for k, v := range doc.body {
					out[k] = v
				}
				_ = json.NewEncoder(w).Encode(out)
			}
		case http.MethodPut:
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			rev, _ := body["_rev"].(string)
			existing, exists := f.docs[id]
			if exists && existing.rev != rev {
				w.WriteHeader(http.StatusConflict)
				return
			}
			if !exists && rev != "" {
				w.WriteHeader(http.StatusConflict)
				return
			}
			delete(body, "_id")
			delete(body, "_rev")
			newRev := f.nextRev()
			f.docs[id] = fakeDoc{rev: newRev, body: body}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "id": id, "rev": newRev})
		case http.MethodDelete:
			doc, ok := f.docs[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			if r.URL.Query().Get("rev") != doc.rev {
				w.WriteHeader(http.StatusConflict)
				return
			}
			delete(f.docs, id)
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func (f *fakeCouch) find(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Selector map[string]any `json:"selector"`
		Limit    int            `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var out []map[string]any
	for id, doc := range f.docs {
		match := true
		for field, want := range req.Selector {
			if doc.body[field] != want {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		entry := map[string]any{"_id": id, "_rev": doc.rev}
		for k, v := range doc.body {
			entry[k] = v
		}
		out = append(out, entry)
		if req.Limit > 0 && len(out) == req.Limit {
			break
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"docs": out})
}

func newTestBackend(t *testing.T) (*Backend, *fakeCouch) {
	t.Helper()
	fake := newFakeCouch()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	b, err := New(Config{Endpoint: srv.URL, Database: "vault"})
	require.NoError(t, err)
	return b, fake
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Database: "vault"})
	require.Error(t, err)
	_, err = New(Config{Endpoint: "http://localhost:5984"})
	require.Error(t, err)
}

func TestCapabilities(t *testing.T) {
	b, _ := newTestBackend(t)
	caps := b.Capabilities()
	assert.False(t, caps.AtomicSubdoc)
	assert.True(t, caps.NativeCAS)
	assert.Equal(t, "couchdb", b.Kind())
}

func TestInsertGetRoundTrip(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, "doc-1", json.RawMessage(`{"name":"alpha"}`)))

	doc, err := b.Get(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.JSONEq(t, `{"name":"alpha"}`, string(doc.Content))
	assert.NotEmpty(t, doc.Token)

	err = b.Insert(ctx, "doc-1", json.RawMessage(`{"name":"beta"}`))
	require.Error(t, err)
	assert.True(t, storage.IsAlreadyExists(err))
}

func TestGet_Absent(t *testing.T) {
	b, _ := newTestBackend(t)
	doc, err := b.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestReplace_Upserts(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Replace(ctx, "doc-1", json.RawMessage(`{"a":1}`)))
	require.NoError(t, b.Replace(ctx, "doc-1", json.RawMessage(`{"a":2}`)))

	doc, err := b.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(doc.Content))
}

func TestReplaceWithToken(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, "doc-1", json.RawMessage(`{"a":1}`)))
	doc, err := b.Get(ctx, "doc-1")
	require.NoError(t, err)

	newToken, err := b.ReplaceWithToken(ctx, "doc-1", json.RawMessage(`{"a":2}`), doc.Token)
	require.NoError(t, err)
	assert.NotEqual(t, doc.Token, newToken)

	_, err = b.ReplaceWithToken(ctx, "doc-1", json.RawMessage(`{"a":3}`), doc.Token)
	require.Error(t, err)
	assert.True(t, storage.IsTokenMismatch(err))

	_, err = b.ReplaceWithToken(ctx, "missing", json.RawMessage(`{"a":1}`), "1-rev")
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))
}

func TestMutateAtomic_Emulated(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, "doc-1",
		json.RawMessage(`{"usage":{"count":1},"items":["a"]}`)))

	ops := []storage.SubdocOp{
		{Type: storage.OpUpsert, Path: "usage.count", Value: json.RawMessage(`2`)},
		{Type: storage.OpArrayAppend, Path: "items", Value: json.RawMessage(`"b"`)},
	}
	token, err := b.MutateAtomic(ctx, "doc-1", ops, "")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	doc, err := b.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"usage":{"count":2},"items":["a","b"]}`, string(doc.Content))
}

func TestMutateAtomic_PathErrorsSurface(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, "doc-1", json.RawMessage(`{"a":1}`)))

	ops := []storage.SubdocOp{
		{Type: storage.OpArrayAppend, Path: "missing", Value: json.RawMessage(`"x"`)},
	}
	_, err := b.MutateAtomic(ctx, "doc-1", ops, "")
	require.Error(t, err)
	assert.True(t, storage.IsPathNotFound(err))

	_, err = b.MutateAtomic(ctx, "missing", []storage.SubdocOp{
		{Type: storage.OpUpsert, Path: "a", Value: json.RawMessage(`1`)},
	}, "")
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))
}

func TestMutateAtomic_StaleTokenRejected(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, "doc-1", json.RawMessage(`{"a":1}`)))
	doc, err := b.Get(ctx, "doc-1")
	require.NoError(t, err)

	require.NoError(t, b.Replace(ctx, "doc-1", json.RawMessage(`{"a":5}`)))

	_, err = b.MutateAtomic(ctx, "doc-1", []storage.SubdocOp{
		{Type: storage.OpUpsert, Path: "a", Value: json.RawMessage(`9`)},
	}, doc.Token)
	require.Error(t, err)
	assert.True(t, storage.IsTokenMismatch(err))
}

func TestRemove_Idempotent(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, "doc-1", json.RawMessage(`{"a":1}`)))
	require.NoError(t, b.Remove(ctx, "doc-1"))
	require.NoError(t, b.Remove(ctx, "doc-1"))

	doc, err := b.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestQuery_MangoSelector(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, "s-1",
		json.RawMessage(`{"docType":"session","projectId":"p1","updatedAt":"2025-06-01T10:00:00Z"}`)))
	require.NoError(t, b.Insert(ctx, "s-2",
		json.RawMessage(`{"docType":"session","projectId":"p1","updatedAt":"2025-06-01T12:00:00Z"}`)))
	require.NoError(t, b.Insert(ctx, "s-3",
		json.RawMessage(`{"docType":"session","projectId":"p2","updatedAt":"2025-06-01T11:00:00Z"}`)))
	require.NoError(t, b.Insert(ctx, "bk-1",
		json.RawMessage(`{"docType":"file-backup","pathHash":"h1","sessionId":"s-1"}`)))

	docs, err := b.Query(ctx, storage.Query{Kind: storage.QuerySessions, ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "s-2", docs[0].Key) // newest first

	backups, err := b.Query(ctx, storage.Query{Kind: storage.QueryBackupsByPathHash, PathHash: "h1"})
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, "bk-1", backups[0].Key)
}

func TestPing(t *testing.T) {
	b, _ := newTestBackend(t)
	require.NoError(t, b.Ping(context.Background()))
}

func TestUnreachableServerClassifiesAsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // Connection refused from here on.

	b, err := New(Config{Endpoint: srv.URL, Database: "vault"})
	require.NoError(t, err)

	err = b.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, storage.KindUnavailable, storage.KindOf(err))
}
