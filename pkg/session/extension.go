// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/scribevault/pkg/storage"
)

// NeedsSplit reports whether the session's active segment has crossed the
// split threshold. Splitting is caller-triggered, never automatic: the caller
// checks after an append and decides when to invoke CreateExtension.
func (m *Manager) NeedsSplit(ctx context.Context, sessionID string) (bool, error) {
	root, err := m.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}

	var active any = root
	if root.Extension != nil && root.Extension.CurrentExtension > 1 {
		doc, err := m.provider.Backend().Get(ctx, ExtensionKey(sessionID, root.Extension.CurrentExtension))
		if err != nil {
			return false, err
		}
		if doc == nil {
			return false, storage.NewError(storage.KindNotFound, "needs_split", sessionID,
				errors.New("active extension missing"))
		}
		ext, err := decodeExtension(doc)
		if err != nil {
			return false, err
		}
		active = ext
	}

	size, err := serializedSize(active)
	if err != nil {
		return false, err
	}
	return size > m.cfg.SplitThresholdBytes(), nil
}

// CreateExtension splits the session: the active segment closes and a new
// extension document becomes the destination for future appends.
//
// # Description
//
// The split is a two-phase, compensating operation, not a transaction:
//
//  1. The root records a pendingExtension marker (token-guarded write).
//  2. The new extension document is inserted. AlreadyExists here is fatal,
//     it means the chain metadata and the keyspace disagree.
//  3. The root is rewritten to link the extension: the closing segment's
//     metadata freezes, currentExtension advances, and the marker clears.
//
// A crash between 2 and 3 leaves an orphaned extension plus the marker; the
// orphan is unreachable garbage until SweepOrphans collects it. If step 3
// fails outright the inserted extension is deleted best-effort.
//
// On the first split the root's accumulated pairs move verbatim into the new
// extension and the root's pair list empties. On later splits the closing
// extension already holds its pairs, so the new extension starts empty.
func (m *Manager) CreateExtension(ctx context.Context, sessionID string) (int, error) {
	ctx, span := tracer.Start(ctx, "session.CreateExtension")
	defer span.End()

	backend := m.provider.Backend()
	doc, err := backend.Get(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if doc == nil {
		return 0, storage.NewError(storage.KindNotFound, "create_extension", sessionID, nil)
	}
	root, err := decodeSession(doc)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	info := root.Extension
	if info == nil {
		// First split: materialize the chain with the root placeholder.
		info = &ExtensionInfo{
			CurrentExtension: 1,
			Extensions: []ExtensionMetadata{{
				ExtensionNum: 1,
				SplitAt:      now,
			}},
		}
	}
	nextNum := info.Extensions[len(info.Extensions)-1].ExtensionNum + 1
	rootClosing := info.CurrentExtension == 1

	// Phase 1: record the pending marker so a crash leaves evidence.
	root.Extension = info
	root.PendingExtension = nextNum
	markedRaw, err := json.Marshal(root)
	if err != nil {
		return 0, fmt.Errorf("marshal session: %w", err)
	}
	token, err := backend.ReplaceWithToken(ctx, sessionID, markedRaw, doc.Token)
	if err != nil {
		return 0, fmt.Errorf("record pending split: %w", err)
	}

	// Phase 2: insert the new extension document.
	ext := &Extension{
		DocType:      storage.DocTypeExtension,
		SessionID:    sessionID,
		ProjectID:    root.ProjectID,
		ExtensionNum: nextNum,
		Pairs:        []Pair{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	closingSize := 0
	closingPairs := 0
	if rootClosing {
		// Root is closing: its pairs move into the extension verbatim.
		ext.Pairs = root.Pairs
		ext.Usage = root.Usage
		closingSize, err = serializedSize(root)
		if err != nil {
			return 0, err
		}
		closingPairs = 0 // the placeholder entry stays empty; see ExtensionInfo
	} else {
		closingDoc, err := backend.Get(ctx, ExtensionKey(sessionID, info.CurrentExtension))
		if err != nil {
			return 0, err
		}
		if closingDoc == nil {
			return 0, storage.NewError(storage.KindNotFound, "create_extension", sessionID,
				errors.New("active extension missing"))
		}
		closing, err := decodeExtension(closingDoc)
		if err != nil {
			return 0, err
		}
		closingSize = len(closingDoc.Content)
		closingPairs = len(closing.Pairs)
		ext.Usage = Usage{} // new segment accumulates its own subtotals
	}

	extRaw, err := json.Marshal(ext)
	if err != nil {
		return 0, fmt.Errorf("marshal extension: %w", err)
	}
	extKey := ExtensionKey(sessionID, nextNum)
	if err := backend.Insert(ctx, extKey, extRaw); err != nil {
		if storage.IsAlreadyExists(err) {
			return 0, fmt.Errorf("extension %s exists but is not in the chain, refusing split: %w", extKey, err)
		}
		return 0, err
	}

	// Phase 3: freeze the closing segment and link the new one.
	for i := range info.Extensions {
		if info.Extensions[i].ExtensionNum == info.CurrentExtension {
			info.Extensions[i].SplitAt = now
			info.Extensions[i].FinalTokensIn = root.Usage.TokensIn
			info.Extensions[i].FinalTokensOut = root.Usage.TokensOut
			info.Extensions[i].FinalCost = root.Usage.Cost
			info.Extensions[i].SizeBytes = closingSize
			info.Extensions[i].PairCount = closingPairs
		}
	}
	// The new extension's pair count is what it starts with: the pairs the
	// root handed over on a first split, zero afterwards.
	info.Extensions = append(info.Extensions, ExtensionMetadata{
		ExtensionNum: nextNum,
		SplitAt:      now,
		PairCount:    len(ext.Pairs),
		SizeBytes:    len(extRaw),
	})
	info.CurrentExtension = nextNum
	info.TotalSizeBytes += closingSize

	if rootClosing {
		root.Pairs = []Pair{}
	}
	root.Extension = info
	root.PendingExtension = 0
	root.UpdatedAt = now

	linkedRaw, err := json.Marshal(root)
	if err != nil {
		return 0, fmt.Errorf("marshal session: %w", err)
	}
	if _, err := backend.ReplaceWithToken(ctx, sessionID, linkedRaw, token); err != nil {
		// Compensation: unlink the extension we just inserted so the
		// chain stays consistent. Best effort, the sweeper catches the
		// rest.
		if rmErr := backend.Remove(ctx, extKey); rmErr != nil {
			m.logger.Warn("failed to compensate aborted split, extension orphaned",
				slog.String("session_id", sessionID),
				slog.String("extension_key", extKey),
				slog.String("error", rmErr.Error()))
		}
		return 0, fmt.Errorf("link extension %d: %w", nextNum, err)
	}

	m.logger.Info("session split into extension",
		slog.String("session_id", sessionID),
		slog.Int("extension_num", nextNum),
		slog.Int("closed_segment_bytes", closingSize))
	return nextNum, nil
}

// ReadAll reassembles the full ordered pair history across every segment.
//
// Extensions are fetched concurrently and concatenated in extension-number
// order (the placeholder entry for the root segment is skipped); any pairs
// still accumulating in the root come last.
func (m *Manager) ReadAll(ctx context.Context, sessionID string) ([]Pair, error) {
	ctx, span := tracer.Start(ctx, "session.ReadAll")
	defer span.End()

	backend := m.provider.Backend()
	root, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if root.Extension == nil {
		return root.Pairs, nil
	}

	type slot struct {
		num   int
		pairs []Pair
	}
	slots := make([]slot, 0, len(root.Extension.Extensions))
	for _, meta := range root.Extension.Extensions {
		if meta.ExtensionNum <= 1 {
			continue
		}
		slots = append(slots, slot{num: meta.ExtensionNum})
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range slots {
		g.Go(func() error {
			key := ExtensionKey(sessionID, slots[i].num)
			doc, err := backend.Get(gctx, key)
			if err != nil {
				return err
			}
			if doc == nil {
				return storage.NewError(storage.KindNotFound, "read_all", key,
					errors.New("chained extension missing"))
			}
			ext, err := decodeExtension(doc)
			if err != nil {
				return err
			}
			slots[i].pairs = ext.Pairs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var pairs []Pair
	for _, s := range slots {
		pairs = append(pairs, s.pairs...)
	}
	return append(pairs, root.Pairs...), nil
}

// SweepOrphans removes extension documents of a session that the root no
// longer references: leftovers of splits that crashed between insert and
// link. Returns the number of documents removed.
func (m *Manager) SweepOrphans(ctx context.Context, sessionID string) (int, error) {
	ctx, span := tracer.Start(ctx, "session.SweepOrphans")
	defer span.End()

	backend := m.provider.Backend()
	docs, err := backend.Query(ctx, storage.Query{
		Kind:      storage.QueryExtensionsOfSession,
		SessionID: sessionID,
	})
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	rootDoc, err := backend.Get(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	referenced := map[int]bool{}
	if rootDoc != nil {
		root, err := decodeSession(rootDoc)
		if err != nil {
			return 0, err
		}
		if root.Extension != nil {
			for _, meta := range root.Extension.Extensions {
				referenced[meta.ExtensionNum] = true
			}
		}
		// A split may be mid-flight right now; leave its target alone.
		if root.PendingExtension > 0 {
			referenced[root.PendingExtension] = true
		}
	}

	removed := 0
	for _, doc := range docs {
		ext, err := decodeExtension(&doc)
		if err != nil {
			continue
		}
		if referenced[ext.ExtensionNum] {
			continue
		}
		if err := backend.Remove(ctx, doc.Key); err != nil {
			return removed, err
		}
		removed++
		m.logger.Info("removed orphaned extension",
			slog.String("session_id", sessionID),
			slog.Int("extension_num", ext.ExtensionNum))
	}
	return removed, nil
}
