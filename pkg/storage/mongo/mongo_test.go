// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mongo

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/AleutianAI/scribevault/pkg/storage"
)

func TestBuildUpdate_TranslatesOps(t *testing.T) {
	ops := []storage.SubdocOp{
		{Type: storage.OpUpsert, Path: "usage.count", Value: json.RawMessage(`2`)},
		{Type: storage.OpArrayAppend, Path: "items", Value: json.RawMessage(`"b"`)},
		{Type: storage.OpArrayPrepend, Path: "queue", Value: json.RawMessage(`"x"`)},
		{Type: storage.OpRemove, Path: "pending"},
		{Type: storage.OpInsert, Path: "status", Value: json.RawMessage(`"active"`)},
	}
	filter := bson.M{"_id": "doc-1"}
	update, err := buildUpdate(ops, filter)
	require.NoError(t, err)

	// Version bump always rides along.
	assert.Equal(t, bson.M{"v": int64(1)}, update["$inc"])

	set := update["$set"].(bson.M)
	assert.Contains(t, set, "d.usage.count")
	assert.Contains(t, set, "d.status")

	push := update["$push"].(bson.M)
	assert.Contains(t, push, "d.items")
	prepend := push["d.queue"].(bson.M)
	assert.Equal(t, 0, prepend["$position"])

	unset := update["$unset"].(bson.M)
	assert.Contains(t, unset, "d.pending")

	// Preconditions land in the filter.
	assert.Equal(t, bson.M{"$type": "array"}, filter["d.items"])
	assert.Equal(t, bson.M{"$type": "array"}, filter["d.queue"])
	assert.Equal(t, bson.M{"$exists": true}, filter["d.pending"])
	assert.Equal(t, bson.M{"$exists": false}, filter["d.status"])
}

func TestQueryFilter(t *testing.T) {
	tests := []struct {
		name  string
		query storage.Query
		want  bson.M
	}{
		{
			name:  "sessions unfiltered",
			query: storage.Query{Kind: storage.QuerySessions},
			want:  bson.M{"d.docType": "session"},
		},
		{
			name:  "sessions by project",
			query: storage.Query{Kind: storage.QuerySessions, ProjectID: "p1"},
			want:  bson.M{"d.docType": "session", "d.projectId": "p1"},
		},
		{
			name:  "extensions of session",
			query: storage.Query{Kind: storage.QueryExtensionsOfSession, SessionID: "s1"},
			want:  bson.M{"d.docType": "session-extension", "d.sessionId": "s1"},
		},
		{
			name:  "backups by path hash",
			query: storage.Query{Kind: storage.QueryBackupsByPathHash, PathHash: "h1"},
			want:  bson.M{"d.docType": "file-backup", "d.pathHash": "h1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := queryFilter(tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJSONBodyRoundTrip(t *testing.T) {
	content := json.RawMessage(`{"name":"alpha","count":3,"nested":{"flag":true}}`)
	body, err := jsonToBody(content)
	require.NoError(t, err)

	raw, err := bson.Marshal(body)
	require.NoError(t, err)
	out, err := bodyToJSON(raw)
	require.NoError(t, err)
	assert.JSONEq(t, string(content), string(out))
}

func TestTokenParsing(t *testing.T) {
	assert.Equal(t, storage.Token("7"), tokenOf(7))

	v, err := parseToken("7")
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	_, err = parseToken("not-a-version")
	require.Error(t, err)
}

// TestIntegration exercises the full contract against a live server. Skipped
// unless SCRIBEVAULT_MONGO_URI is set.
func TestIntegration(t *testing.T) {
	uri := os.Getenv("SCRIBEVAULT_MONGO_URI")
	if uri == "" {
		t.Skip("SCRIBEVAULT_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b, err := Connect(ctx, Config{
		URI:        uri,
		Database:   "scribevault_test",
		Collection: "docs",
	})
	require.NoError(t, err)
	defer b.Disconnect(ctx)
	require.NoError(t, b.Ping(ctx))

	key := "it-doc-1"
	_ = b.Remove(ctx, key)

	require.NoError(t, b.Insert(ctx, key, json.RawMessage(`{"usage":{"count":1},"items":["a"]}`)))
	err = b.Insert(ctx, key, json.RawMessage(`{}`))
	assert.True(t, storage.IsAlreadyExists(err))

	doc, err := b.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, doc)

	newToken, err := b.MutateAtomic(ctx, key, []storage.SubdocOp{
		{Type: storage.OpUpsert, Path: "usage.count", Value: json.RawMessage(`2`)},
		{Type: storage.OpArrayAppend, Path: "items", Value: json.RawMessage(`"b"`)},
	}, doc.Token)
	require.NoError(t, err)
	assert.NotEqual(t, doc.Token, newToken)

	// Stale token rejected.
	_, err = b.ReplaceWithToken(ctx, key, json.RawMessage(`{"a":1}`), doc.Token)
	assert.True(t, storage.IsTokenMismatch(err))

	require.NoError(t, b.Remove(ctx, key))
	require.NoError(t, b.Remove(ctx, key))
}
