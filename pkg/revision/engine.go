// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package revision maintains an immutable, per-file chain of line-level
// revisions over the storage backend. Each revision records the diff between
// two versions of a file plus content digests that chain consecutive
// revisions together; small versions additionally carry compressed full
// snapshots so that restores don't always have to replay from the beginning.
package revision

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
	"github.com/AleutianAI/scribevault/pkg/config"
	"github.com/AleutianAI/scribevault/pkg/storage"
)

var tracer = otel.Tracer("scribevault/revision")

// Side selects which state of a revision a restore targets.
type Side string

const (
	// SideBefore is the file content as it was before the revision applied.
	SideBefore Side = "before"
	// SideAfter is the file content the revision produced.
	SideAfter Side = "after"
)

// ErrChainBroken is returned when a revision is recorded whose starting
// content does not match the digest the chain's last revision ended on.
var ErrChainBroken = errors.New("revision chain continuity broken")

// Revision is one immutable link in a file's revision chain.
type Revision struct {
	DocType            string      `json:"docType"`
	RevisionID         string      `json:"revisionId"`
	PathHash           string      `json:"pathHash"`
	Path               string      `json:"path"`
	RevisionNumber     int         `json:"revisionNumber"`
	PreviousRevisionID string      `json:"previousRevisionId,omitempty"`
	SessionID          string      `json:"sessionId,omitempty"`
	Source             string      `json:"source,omitempty"`
	MD5Before          string      `json:"md5Before"`
	MD5After           string      `json:"md5After"`
	SizeBefore         int         `json:"sizeBefore"`
	SizeAfter          int         `json:"sizeAfter"`
	Changes            []Change    `json:"changes"`
	Stats              ChangeStats `json:"stats"`
	SnapshotBefore     string      `json:"snapshotBefore,omitempty"`
	SnapshotAfter      string      `json:"snapshotAfter,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
}

// IndexEntry is the per-revision summary kept on the index document so that
// history listings and restore planning don't fetch every revision.
type IndexEntry struct {
	RevisionNumber int         `json:"revisionNumber"`
	RevisionID     string      `json:"revisionId"`
	MD5After       string      `json:"md5After"`
	Stats          ChangeStats `json:"stats"`
	HasSnapshot    bool        `json:"hasSnapshot"`
	SessionID      string      `json:"sessionId,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Index is the mutable head of a file's revision chain.
type Index struct {
	DocType         string       `json:"docType"`
	PathHash        string       `json:"pathHash"`
	Path            string       `json:"path"`
	CurrentRevision int          `json:"currentRevision"`
	Entries         []IndexEntry `json:"entries"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// RecordParams carries the inputs for one revision.
type RecordParams struct {
	Path       string
	OldContent string
	NewContent string
	SessionID  string
	// Source labels what produced the edit, e.g. "assistant" or "user".
	Source string
}

// AnchorSource supplies the original content of a file, the state before
// revision 1. The backup store satisfies this: the oldest backup of a path
// is the chain's anchor.
type AnchorSource interface {
	OldestContent(ctx context.Context, pathHash string) ([]byte, bool, error)
}

// BackendProvider yields the currently active storage backend.
type BackendProvider interface {
	Backend() storage.Backend
}

// Engine records and reconstructs file revisions.
//
// # Thread Safety
//
// Safe for concurrent use across distinct paths. Concurrent RecordRevision
// calls for the same path race on the index document; the token-guarded
// index write turns the loser into a TokenMismatch error rather than a lost
// update.
type Engine struct {
	provider BackendProvider
	anchors  AnchorSource
	cfg      config.RevisionConfig
	logger   *slog.Logger
}

// NewEngine wires a revision engine. anchors may be nil; restores then rely
// entirely on stored snapshots.
func NewEngine(provider BackendProvider, anchors AnchorSource, cfg config.RevisionConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{provider: provider, anchors: anchors, cfg: cfg, logger: logger}
}

// PathHash derives the stable identity of a file path.
func PathHash(path string) string {
	sum := md5.Sum([]byte(path))
	return hex.EncodeToString(sum[:])
}

func indexKey(pathHash string) string {
	return storage.DocTypeRevIndex + "::" + pathHash
}

func revisionKey(pathHash string, num int) string {
	return fmt.Sprintf("%s::%s::%d", storage.DocTypeRevision, pathHash, num)
}

func contentMD5(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// RecordRevision appends one revision to the path's chain.
//
// # Description
//
// Loads (or lazily creates) the index, verifies chain continuity against the
// last recorded digest, computes the diff, writes the immutable revision
// document, then advances the index under its token. Sides small enough to
// fit the snapshot ceiling are stored compressed alongside the diff.
//
// # Outputs
//
// The stored revision. ErrChainBroken when oldContent does not hash to the
// chain's last md5After; the chain is left untouched in that case.
func (e *Engine) RecordRevision(ctx context.Context, p RecordParams) (*Revision, error) {
	ctx, span := tracer.Start(ctx, "revision.RecordRevision")
	defer span.End()

	if p.Path == "" {
		return nil, errors.New("path is required")
	}
	backend := e.provider.Backend()
	pathHash := PathHash(p.Path)

	idxDoc, err := backend.Get(ctx, indexKey(pathHash))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var idx Index
	if idxDoc == nil {
		idx = Index{
			DocType:   storage.DocTypeRevIndex,
			PathHash:  pathHash,
			Path:      p.Path,
			CreatedAt: now,
		}
	} else {
		if err := json.Unmarshal(idxDoc.Content, &idx); err != nil {
			return nil, storage.NewError(storage.KindParseFailure, "record_revision", idxDoc.Key, err)
		}
	}

	md5Before := contentMD5(p.OldContent)
	if n := len(idx.Entries); n > 0 && idx.Entries[n-1].MD5After != md5Before {
		return nil, fmt.Errorf("%w: path %s revision %d ended on %s, new revision starts from %s",
			ErrChainBroken, p.Path, idx.CurrentRevision, idx.Entries[n-1].MD5After, md5Before)
	}

	changes, stats := ComputeDiff(p.OldContent, p.NewContent)
	next := idx.CurrentRevision + 1
	rev := &Revision{
		DocType:        storage.DocTypeRevision,
		RevisionID:     revisionKey(pathHash, next),
		PathHash:       pathHash,
		Path:           p.Path,
		RevisionNumber: next,
		SessionID:      p.SessionID,
		Source:         p.Source,
		MD5Before:      md5Before,
		MD5After:       contentMD5(p.NewContent),
		SizeBefore:     len(p.OldContent),
		SizeAfter:      len(p.NewContent),
		Changes:        changes,
		Stats:          stats,
		CreatedAt:      now,
	}
	if n := len(idx.Entries); n > 0 {
		rev.PreviousRevisionID = idx.Entries[n-1].RevisionID
	}
	if len(p.OldContent) < e.cfg.SnapshotMaxBytes {
		rev.SnapshotBefore, err = codec.Compress([]byte(p.OldContent))
		if err != nil {
			return nil, fmt.Errorf("compress before-snapshot: %w", err)
		}
	}
	if len(p.NewContent) < e.cfg.SnapshotMaxBytes {
		rev.SnapshotAfter, err = codec.Compress([]byte(p.NewContent))
		if err != nil {
			return nil, fmt.Errorf("compress after-snapshot: %w", err)
		}
	}

	raw, err := json.Marshal(rev)
	if err != nil {
		return nil, fmt.Errorf("marshal revision: %w", err)
	}
	if err := backend.Insert(ctx, rev.RevisionID, raw); err != nil {
		return nil, err
	}

	idx.Entries = append(idx.Entries, IndexEntry{
		RevisionNumber: next,
		RevisionID:     rev.RevisionID,
		MD5After:       rev.MD5After,
		Stats:          stats,
		HasSnapshot:    rev.SnapshotAfter != "",
		SessionID:      p.SessionID,
		CreatedAt:      now,
	})
	idx.CurrentRevision = next
	idx.UpdatedAt = now
	idxRaw, err := json.Marshal(idx)
	if err != nil {
		return nil, fmt.Errorf("marshal revision index: %w", err)
	}
	if idxDoc == nil {
		err = backend.Insert(ctx, indexKey(pathHash), idxRaw)
	} else {
		_, err = backend.ReplaceWithToken(ctx, indexKey(pathHash), idxRaw, idxDoc.Token)
	}
	if err != nil {
		// The revision document is already durable; unlink it so a retry
		// can reuse the number.
		if rmErr := backend.Remove(ctx, rev.RevisionID); rmErr != nil {
			e.logger.Warn("failed to unlink revision after index write failure",
				slog.String("revision_id", rev.RevisionID),
				slog.String("error", rmErr.Error()))
		}
		return nil, fmt.Errorf("advance revision index: %w", err)
	}

	e.logger.Info("recorded revision",
		slog.String("path", p.Path),
		slog.Int("revision", next),
		slog.Int("added", stats.Added),
		slog.Int("deleted", stats.Deleted),
		slog.Int("modified", stats.Modified))
	return rev, nil
}

// GetRevision fetches one revision document by number.
func (e *Engine) GetRevision(ctx context.Context, path string, num int) (*Revision, error) {
	backend := e.provider.Backend()
	key := revisionKey(PathHash(path), num)
	doc, err := backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, storage.NewError(storage.KindNotFound, "get_revision", key, nil)
	}
	var rev Revision
	if err := json.Unmarshal(doc.Content, &rev); err != nil {
		return nil, storage.NewError(storage.KindParseFailure, "get_revision", key, err)
	}
	return &rev, nil
}

// History returns the chain's index entries, oldest first. A path with no
// recorded revisions yields an empty slice, not an error.
func (e *Engine) History(ctx context.Context, path string) ([]IndexEntry, error) {
	doc, err := e.provider.Backend().Get(ctx, indexKey(PathHash(path)))
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return []IndexEntry{}, nil
	}
	var idx Index
	if err := json.Unmarshal(doc.Content, &idx); err != nil {
		return nil, storage.NewError(storage.KindParseFailure, "history", doc.Key, err)
	}
	return idx.Entries, nil
}

// Restore reconstructs the file content at the requested revision and side.
//
// # Description
//
// When the target state was snapshotted the snapshot decompresses directly.
// Otherwise the engine replays: it walks the index backwards to the nearest
// snapshotted revision (or, failing that, the anchor content from the backup
// store) and applies the intervening change sets forward.
func (e *Engine) Restore(ctx context.Context, path string, num int, side Side) (string, error) {
	ctx, span := tracer.Start(ctx, "revision.Restore")
	defer span.End()

	if side != SideBefore && side != SideAfter {
		return "", fmt.Errorf("unknown restore side %q", side)
	}
	rev, err := e.GetRevision(ctx, path, num)
	if err != nil {
		return "", err
	}

	if side == SideBefore {
		if rev.SnapshotBefore != "" {
			b, err := codec.Decompress(rev.SnapshotBefore)
			if err != nil {
				return "", fmt.Errorf("decode before-snapshot of revision %d: %w", num, err)
			}
			return string(b), nil
		}
		// The state before revision N is the state after revision N-1.
		return e.reconstruct(ctx, path, num-1)
	}

	if rev.SnapshotAfter != "" {
		b, err := codec.Decompress(rev.SnapshotAfter)
		if err != nil {
			return "", fmt.Errorf("decode after-snapshot of revision %d: %w", num, err)
		}
		return string(b), nil
	}
	return e.reconstruct(ctx, path, num)
}

// Verify re-derives the content at the chain head and checks it against the
// recorded digest. Returns the head content on success.
func (e *Engine) Verify(ctx context.Context, path string) (string, error) {
	entries, err := e.History(ctx, path)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", storage.NewError(storage.KindNotFound, "verify", path, errors.New("no revisions recorded"))
	}
	head := entries[len(entries)-1]
	content, err := e.reconstruct(ctx, path, head.RevisionNumber)
	if err != nil {
		return "", err
	}
	if got := contentMD5(content); got != head.MD5After {
		return "", fmt.Errorf("%w: head digest %s, reconstructed %s", ErrChainBroken, head.MD5After, got)
	}
	return content, nil
}

// reconstruct yields the content after revision upTo. upTo of zero is the
// anchor state before any revision.
func (e *Engine) reconstruct(ctx context.Context, path string, upTo int) (string, error) {
	pathHash := PathHash(path)
	entries, err := e.History(ctx, path)
	if err != nil {
		return "", err
	}

	// Find the nearest snapshotted revision at or below the target.
	base := ""
	start := 1
	found := false
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].RevisionNumber > upTo {
			continue
		}
		if entries[i].HasSnapshot {
			rev, err := e.GetRevision(ctx, path, entries[i].RevisionNumber)
			if err != nil {
				return "", err
			}
			b, err := codec.Decompress(rev.SnapshotAfter)
			if err != nil {
				return "", fmt.Errorf("decode snapshot of revision %d: %w", rev.RevisionNumber, err)
			}
			base = string(b)
			start = entries[i].RevisionNumber + 1
			found = true
			break
		}
	}
	if !found {
		if e.anchors == nil {
			return "", fmt.Errorf("no snapshot at or below revision %d of %s and no anchor source configured", upTo, path)
		}
		b, ok, err := e.anchors.OldestContent(ctx, pathHash)
		if err != nil {
			return "", fmt.Errorf("load anchor content: %w", err)
		}
		if !ok {
			return "", storage.NewError(storage.KindNotFound, "restore", path,
				fmt.Errorf("no reconstruction path to revision %d", upTo))
		}
		base = string(b)
	}

	for n := start; n <= upTo; n++ {
		rev, err := e.GetRevision(ctx, path, n)
		if err != nil {
			return "", err
		}
		base, err = ApplyChanges(base, rev.Changes)
		if err != nil {
			return "", fmt.Errorf("replay revision %d of %s: %w", n, path, err)
		}
	}
	return base, nil
}
