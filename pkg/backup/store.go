// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup stores content-addressed file backups.
//
// A backup's identity is the pair (path hash, content hash), so storing the
// same bytes for the same path twice is a no-op that returns the existing
// document. Payloads ride compressed inside the backing document; an
// optional archiver mirrors them to cold object storage.
package backup

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/scribevault/pkg/codec"
	"github.com/AleutianAI/scribevault/pkg/storage"
)

var tracer = otel.Tracer("scribevault/backup")

// Backup is one stored file version.
type Backup struct {
	DocType     string    `json:"docType"`
	BackupID    string    `json:"backupId"`
	PathHash    string    `json:"pathHash"`
	Path        string    `json:"path"`
	ContentHash string    `json:"contentHash"`
	SessionID   string    `json:"sessionId,omitempty"`
	Compressed  string    `json:"compressed"`
	SizeBytes   int       `json:"sizeBytes"`
	StoredBytes int       `json:"storedBytes"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Archiver mirrors backup payloads to cold storage. Implementations must be
// safe for concurrent use.
type Archiver interface {
	Put(ctx context.Context, objectName string, data []byte) error
}

// BackendProvider yields the currently active storage backend.
type BackendProvider interface {
	Backend() storage.Backend
}

// Store is the content-addressed backup store.
type Store struct {
	provider BackendProvider
	archiver Archiver
	logger   *slog.Logger
}

// NewStore wires a backup store. archiver may be nil.
func NewStore(provider BackendProvider, archiver Archiver, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{provider: provider, archiver: archiver, logger: logger}
}

// PathHash derives the stable identity of a file path.
func PathHash(path string) string {
	sum := md5.Sum([]byte(path))
	return hex.EncodeToString(sum[:])
}

// ContentHash digests raw file content.
func ContentHash(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

func backupKey(pathHash, contentHash string) string {
	return storage.DocTypeBackup + "::" + pathHash + "::" + contentHash
}

// Backup stores one version of a file.
//
// # Description
//
// The key is derived from the path and content digests, so an existing
// backup with the same bytes short-circuits: the stored document comes back
// with created=false and nothing is written. A concurrent writer racing on
// the same key loses the insert and also resolves to the existing document.
//
// # Outputs
//
// The stored (or pre-existing) backup and whether this call created it.
func (s *Store) Backup(ctx context.Context, path string, content []byte, sessionID string) (*Backup, bool, error) {
	ctx, span := tracer.Start(ctx, "backup.Backup")
	defer span.End()

	if path == "" {
		return nil, false, errors.New("path is required")
	}
	backend := s.provider.Backend()
	pathHash := PathHash(path)
	contentHash := ContentHash(content)
	key := backupKey(pathHash, contentHash)

	if existing, err := s.get(ctx, key); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}

	compressed, err := codec.Compress(content)
	if err != nil {
		return nil, false, fmt.Errorf("compress backup payload: %w", err)
	}
	stored, err := codec.CompressedSize(content)
	if err != nil {
		return nil, false, fmt.Errorf("measure backup payload: %w", err)
	}
	b := &Backup{
		DocType:     storage.DocTypeBackup,
		BackupID:    key,
		PathHash:    pathHash,
		Path:        path,
		ContentHash: contentHash,
		SessionID:   sessionID,
		Compressed:  compressed,
		SizeBytes:   len(content),
		StoredBytes: stored,
		CreatedAt:   time.Now().UTC(),
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, false, fmt.Errorf("marshal backup: %w", err)
	}
	if err := backend.Insert(ctx, key, raw); err != nil {
		if storage.IsAlreadyExists(err) {
			// Lost a race with an identical backup; the winner's document
			// is byte-equivalent in content.
			existing, getErr := s.get(ctx, key)
			if getErr != nil {
				return nil, false, getErr
			}
			if existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}

	if s.archiver != nil {
		if err := s.archiver.Put(ctx, key, raw); err != nil {
			// Cold mirroring is best effort; the primary copy is durable.
			s.logger.Warn("failed to archive backup",
				slog.String("backup_id", key),
				slog.String("error", err.Error()))
		}
	}

	s.logger.Info("stored file backup",
		slog.String("path", path),
		slog.String("content_hash", contentHash),
		slog.Int("size_bytes", len(content)),
		slog.Int("stored_bytes", stored))
	return b, true, nil
}

// Restore returns the raw content of a stored backup.
func (s *Store) Restore(ctx context.Context, path, contentHash string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "backup.Restore")
	defer span.End()

	key := backupKey(PathHash(path), contentHash)
	b, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, storage.NewError(storage.KindNotFound, "restore_backup", key, nil)
	}
	content, err := codec.Decompress(b.Compressed)
	if err != nil {
		// A backup that exists but cannot decode is corruption, not
		// absence; the caller must be able to tell the two apart.
		return nil, storage.NewError(storage.KindParseFailure, "restore_backup", key, err)
	}
	if got := ContentHash(content); got != b.ContentHash {
		return nil, storage.NewError(storage.KindParseFailure, "restore_backup", key,
			fmt.Errorf("payload digest %s does not match recorded %s", got, b.ContentHash))
	}
	return content, nil
}

// ListByPath returns every stored version of a path, oldest first.
func (s *Store) ListByPath(ctx context.Context, path string) ([]Backup, error) {
	return s.list(ctx, storage.Query{
		Kind:     storage.QueryBackupsByPathHash,
		PathHash: PathHash(path),
	})
}

// ListBySession returns every backup recorded under a session, oldest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]Backup, error) {
	return s.list(ctx, storage.Query{
		Kind:      storage.QueryBackupsBySession,
		SessionID: sessionID,
	})
}

// Delete removes one stored version. Removing an absent backup is not an
// error.
func (s *Store) Delete(ctx context.Context, path, contentHash string) error {
	return s.provider.Backend().Remove(ctx, backupKey(PathHash(path), contentHash))
}

// OldestContent returns the earliest stored content of a path. It anchors
// revision-chain replays: the oldest backup predates revision 1.
func (s *Store) OldestContent(ctx context.Context, pathHash string) ([]byte, bool, error) {
	backups, err := s.list(ctx, storage.Query{
		Kind:     storage.QueryBackupsByPathHash,
		PathHash: pathHash,
	})
	if err != nil {
		return nil, false, err
	}
	if len(backups) == 0 {
		return nil, false, nil
	}
	content, err := codec.Decompress(backups[0].Compressed)
	if err != nil {
		return nil, false, storage.NewError(storage.KindParseFailure, "oldest_content", backups[0].BackupID, err)
	}
	return content, true, nil
}

func (s *Store) get(ctx context.Context, key string) (*Backup, error) {
	doc, err := s.provider.Backend().Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	var b Backup
	if err := json.Unmarshal(doc.Content, &b); err != nil {
		return nil, storage.NewError(storage.KindParseFailure, "get_backup", key, err)
	}
	return &b, nil
}

func (s *Store) list(ctx context.Context, q storage.Query) ([]Backup, error) {
	docs, err := s.provider.Backend().Query(ctx, q)
	if err != nil {
		return nil, err
	}
	backups := make([]Backup, 0, len(docs))
	for _, doc := range docs {
		var b Backup
		if err := json.Unmarshal(doc.Content, &b); err != nil {
			return nil, storage.NewError(storage.KindParseFailure, "list_backups", doc.Key, err)
		}
		backups = append(backups, b)
	}
	return backups, nil
}
