// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/scribevault/pkg/storage"
	"github.com/AleutianAI/scribevault/pkg/storage/badgerkv"
)

type staticProvider struct {
	backend storage.Backend
}

func (p *staticProvider) Backend() storage.Backend { return p.backend }

// recordingArchiver captures uploads for assertions.
type recordingArchiver struct {
	objects map[string][]byte
}

func (a *recordingArchiver) Put(_ context.Context, name string, data []byte) error {
	if a.objects == nil {
		a.objects = map[string][]byte{}
	}
	a.objects[name] = data
	return nil
}

func newTestStore(t *testing.T, archiver Archiver) *Store {
	t.Helper()
	b, err := badgerkv.Open(badgerkv.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = b.Disconnect(context.Background())
	})
	return NewStore(&staticProvider{backend: b}, archiver, nil)
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	content := []byte("package main\n\nfunc main() {}\n")

	b, created, err := s.Backup(ctx, "cmd/app/main.go", content, "sess-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, storage.DocTypeBackup, b.DocType)
	assert.Equal(t, len(content), b.SizeBytes)
	assert.Equal(t, ContentHash(content), b.ContentHash)

	got, err := s.Restore(ctx, "cmd/app/main.go", b.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestBackup_DeduplicatesIdenticalContent(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	content := []byte("same bytes")

	first, created, err := s.Backup(ctx, "a.txt", content, "sess-1")
	require.NoError(t, err)
	require.True(t, created)

	// Same path, same bytes: no new document, even under another session.
	second, created, err := s.Backup(ctx, "a.txt", content, "sess-2")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.BackupID, second.BackupID)
	assert.Equal(t, "sess-1", second.SessionID, "the original document wins")

	versions, err := s.ListByPath(ctx, "a.txt")
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	// Same bytes under a different path is a distinct backup.
	_, created, err = s.Backup(ctx, "b.txt", content, "sess-1")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestBackup_DistinctVersionsAccumulate(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	for i, body := range []string{"v1", "v2", "v3"} {
		_, created, err := s.Backup(ctx, "f.txt", []byte(body), "sess-1")
		require.NoError(t, err, "version %d", i)
		assert.True(t, created)
	}

	versions, err := s.ListByPath(ctx, "f.txt")
	require.NoError(t, err)
	require.Len(t, versions, 3)

	// Oldest first; the anchor view agrees.
	content, ok, err := s.OldestContent(ctx, PathHash("f.txt"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), content)
}

func TestListBySession(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	_, _, err := s.Backup(ctx, "x.txt", []byte("one"), "sess-a")
	require.NoError(t, err)
	_, _, err = s.Backup(ctx, "y.txt", []byte("two"), "sess-a")
	require.NoError(t, err)
	_, _, err = s.Backup(ctx, "z.txt", []byte("three"), "sess-b")
	require.NoError(t, err)

	backups, err := s.ListBySession(ctx, "sess-a")
	require.NoError(t, err)
	assert.Len(t, backups, 2)
}

func TestRestore_MissingBackup(t *testing.T) {
	s := newTestStore(t, nil)

	_, err := s.Restore(context.Background(), "nope.txt", ContentHash([]byte("x")))
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))
}

func TestRestore_CorruptPayload(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	content := []byte("precious bytes")

	b, _, err := s.Backup(ctx, "c.txt", content, "")
	require.NoError(t, err)

	// Corrupt the stored payload in place.
	doc, err := s.provider.Backend().Get(ctx, b.BackupID)
	require.NoError(t, err)
	var stored Backup
	require.NoError(t, json.Unmarshal(doc.Content, &stored))
	stored.Compressed = "bm90IGd6aXA="
	raw, err := json.Marshal(stored)
	require.NoError(t, err)
	require.NoError(t, s.provider.Backend().Replace(ctx, b.BackupID, raw))

	_, err = s.Restore(ctx, "c.txt", b.ContentHash)
	require.Error(t, err)
	assert.Equal(t, storage.KindParseFailure, storage.KindOf(err))
	assert.False(t, storage.IsNotFound(err), "corruption must not read as absence")
}

func TestBackup_MirrorsToArchiver(t *testing.T) {
	arch := &recordingArchiver{}
	s := newTestStore(t, arch)
	ctx := context.Background()

	b, created, err := s.Backup(ctx, "m.txt", []byte("mirrored"), "sess-1")
	require.NoError(t, err)
	require.True(t, created)
	assert.Contains(t, arch.objects, b.BackupID)

	// Dedup hits never re-upload.
	_, created, err = s.Backup(ctx, "m.txt", []byte("mirrored"), "sess-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, arch.objects, 1)
}

func TestOldestContent_EmptyPath(t *testing.T) {
	s := newTestStore(t, nil)

	_, ok, err := s.OldestContent(context.Background(), PathHash("never-stored.txt"))
	require.NoError(t, err)
	assert.False(t, ok)
}
