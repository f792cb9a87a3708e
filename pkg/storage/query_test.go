// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryValidate(t *testing.T) {
	require.NoError(t, Query{Kind: QuerySessions}.Validate())
	require.NoError(t, Query{Kind: QueryExtensionsOfSession, SessionID: "s"}.Validate())
	require.Error(t, Query{Kind: QueryExtensionsOfSession}.Validate())
	require.Error(t, Query{Kind: QueryBackupsByPathHash}.Validate())
	require.Error(t, Query{Kind: QueryBackupsBySession}.Validate())
	require.Error(t, Query{Kind: QueryKind(99)}.Validate())
}

func TestMatchQuery(t *testing.T) {
	session := raw(`{"docType":"session","projectId":"p1","sessionId":"s1"}`)
	extension := raw(`{"docType":"session-extension","sessionId":"s1","extensionNum":2}`)
	backup := raw(`{"docType":"file-backup","pathHash":"h1","sessionId":"s1"}`)

	assert.True(t, MatchQuery(session, Query{Kind: QuerySessions}))
	assert.True(t, MatchQuery(session, Query{Kind: QuerySessions, ProjectID: "p1"}))
	assert.False(t, MatchQuery(session, Query{Kind: QuerySessions, ProjectID: "p2"}))
	assert.False(t, MatchQuery(extension, Query{Kind: QuerySessions}))

	assert.True(t, MatchQuery(extension, Query{Kind: QueryExtensionsOfSession, SessionID: "s1"}))
	assert.False(t, MatchQuery(extension, Query{Kind: QueryExtensionsOfSession, SessionID: "s2"}))
	assert.False(t, MatchQuery(session, Query{Kind: QueryExtensionsOfSession, SessionID: "s1"}))

	assert.True(t, MatchQuery(backup, Query{Kind: QueryBackupsByPathHash, PathHash: "h1"}))
	assert.True(t, MatchQuery(backup, Query{Kind: QueryBackupsBySession, SessionID: "s1"}))
	assert.False(t, MatchQuery(backup, Query{Kind: QueryBackupsByPathHash, PathHash: "h2"}))

	assert.False(t, MatchQuery(raw(`not json`), Query{Kind: QuerySessions}))
}

func sessionDoc(t *testing.T, id string, updatedAt time.Time) Document {
	t.Helper()
	content, err := json.Marshal(map[string]any{
		"docType":   DocTypeSession,
		"sessionId": id,
		"updatedAt": updatedAt,
	})
	require.NoError(t, err)
	return Document{Key: id, Content: content}
}

func TestSortResults_SessionsNewestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var docs []Document
	for i := 0; i < 5; i++ {
		docs = append(docs, sessionDoc(t, fmt.Sprintf("s%d", i), base.Add(time.Duration(i)*time.Minute)))
	}

	sorted := SortResults(docs, Query{Kind: QuerySessions})
	require.Len(t, sorted, 5)
	for i, d := range sorted {
		assert.Equal(t, fmt.Sprintf("s%d", 4-i), d.Key)
	}

	limited := SortResults(docs, Query{Kind: QuerySessions, Limit: 2})
	require.Len(t, limited, 2)
	assert.Equal(t, "s4", limited[0].Key)
}

func TestSortResults_ExtensionsByNumber(t *testing.T) {
	var docs []Document
	for _, num := range []int{4, 2, 3} {
		content, err := json.Marshal(map[string]any{
			"docType":      DocTypeExtension,
			"sessionId":    "s1",
			"extensionNum": num,
		})
		require.NoError(t, err)
		docs = append(docs, Document{Key: fmt.Sprintf("s1:%d", num), Content: content})
	}

	sorted := SortResults(docs, Query{Kind: QueryExtensionsOfSession, SessionID: "s1"})
	require.Len(t, sorted, 3)
	assert.Equal(t, "s1:2", sorted[0].Key)
	assert.Equal(t, "s1:3", sorted[1].Key)
	assert.Equal(t, "s1:4", sorted[2].Key)
}

func TestSortResults_BackupsOldestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var docs []Document
	for i := 2; i >= 0; i-- {
		content, err := json.Marshal(map[string]any{
			"docType":   DocTypeBackup,
			"pathHash":  "h1",
			"createdAt": base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		docs = append(docs, Document{Key: fmt.Sprintf("b%d", i), Content: content})
	}

	sorted := SortResults(docs, Query{Kind: QueryBackupsByPathHash, PathHash: "h1"})
	require.Len(t, sorted, 3)
	assert.Equal(t, "b0", sorted[0].Key)
	assert.Equal(t, "b2", sorted[2].Key)
}
