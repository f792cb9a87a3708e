// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session keeps logically unbounded conversations inside a document
// store with a hard per-document size ceiling.
//
// A conversation starts as a single root document. When the active document
// approaches the ceiling the caller triggers a split: the accumulated pairs
// move into a numbered extension document and the root tracks the chain.
// Reads reassemble the full ordered history across all segments.
//
// # Thread Safety
//
// The manager is safe for concurrent use across sessions. Within one session
// the design assumes a single logical writer; concurrent appends to the same
// session must be serialized by the caller. Usage accumulation is the
// exception: it uses token-guarded writes with bounded retry and tolerates
// concurrent callers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/scribevault/pkg/config"
	"github.com/AleutianAI/scribevault/pkg/storage"
)

var tracer = otel.Tracer("scribevault/session")

// casBackoffStep is the linear backoff unit between token-mismatch retries.
const casBackoffStep = 50 * time.Millisecond

// BackendProvider hands out the active storage backend. Satisfied by
// factory.Manager.
type BackendProvider interface {
	Backend() storage.Backend
}

// Manager owns session and extension document lifecycles.
type Manager struct {
	provider BackendProvider
	cfg      config.SessionConfig
	logger   *slog.Logger
}

// NewManager builds a session manager.
func NewManager(provider BackendProvider, cfg config.SessionConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{provider: provider, cfg: cfg, logger: logger}
}

// Create starts a new session and returns it.
func (m *Manager) Create(ctx context.Context, projectID, title string) (*Session, error) {
	ctx, span := tracer.Start(ctx, "session.Create")
	defer span.End()

	now := time.Now().UTC()
	s := &Session{
		DocType:   storage.DocTypeSession,
		SessionID: uuid.NewString(),
		ProjectID: projectID,
		Title:     title,
		Pairs:     []Pair{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := m.provider.Backend().Insert(ctx, s.SessionID, raw); err != nil {
		return nil, err
	}
	m.logger.Info("session created",
		slog.String("session_id", s.SessionID),
		slog.String("project_id", projectID))
	return s, nil
}

// Get fetches a session root. Missing sessions classify as KindNotFound.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	doc, err := m.provider.Backend().Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, storage.NewError(storage.KindNotFound, "get_session", sessionID, nil)
	}
	return decodeSession(doc)
}

// Append adds a pair to the session's active segment.
//
// # Description
//
// When the root is the active segment the pair lands there with an
// unconditional replace; a single logical writer per session is assumed.
// When an extension is active the pair lands in the extension and only the
// root's updatedAt is touched, through a sub-document upsert so the root
// document never round-trips in full.
func (m *Manager) Append(ctx context.Context, sessionID string, pair Pair) error {
	ctx, span := tracer.Start(ctx, "session.Append")
	defer span.End()

	backend := m.provider.Backend()
	root, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if pair.Timestamp.IsZero() {
		pair.Timestamp = time.Now().UTC()
	}

	if root.Extension == nil || root.Extension.CurrentExtension == 1 {
		root.Pairs = append(root.Pairs, pair)
		root.UpdatedAt = time.Now().UTC()
		raw, err := json.Marshal(root)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		return backend.Replace(ctx, sessionID, raw)
	}

	extKey := ExtensionKey(sessionID, root.Extension.CurrentExtension)
	doc, err := backend.Get(ctx, extKey)
	if err != nil {
		return err
	}
	if doc == nil {
		return storage.NewError(storage.KindNotFound, "append", extKey,
			errors.New("active extension missing"))
	}
	ext, err := decodeExtension(doc)
	if err != nil {
		return err
	}
	ext.Pairs = append(ext.Pairs, pair)
	ext.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(ext)
	if err != nil {
		return fmt.Errorf("marshal extension: %w", err)
	}
	if err := backend.Replace(ctx, extKey, raw); err != nil {
		return err
	}
	return m.touchRoot(ctx, sessionID)
}

// touchRoot bumps the root's updatedAt without transmitting the document.
func (m *Manager) touchRoot(ctx context.Context, sessionID string) error {
	stamp, err := json.Marshal(time.Now().UTC())
	if err != nil {
		return err
	}
	_, err = m.provider.Backend().MutateAtomic(ctx, sessionID, []storage.SubdocOp{
		{Type: storage.OpUpsert, Path: "updatedAt", Value: stamp},
	}, "")
	return err
}

// UpdateLastResponse rewrites the response of the most recent pair in the
// active segment, for streaming completions that finalize after the append.
func (m *Manager) UpdateLastResponse(ctx context.Context, sessionID, response string) error {
	ctx, span := tracer.Start(ctx, "session.UpdateLastResponse")
	defer span.End()

	backend := m.provider.Backend()
	root, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if root.Extension == nil || root.Extension.CurrentExtension == 1 {
		if len(root.Pairs) == 0 {
			return storage.NewError(storage.KindNotFound, "update_last_response", sessionID,
				errors.New("session has no pairs"))
		}
		root.Pairs[len(root.Pairs)-1].Response = response
		root.UpdatedAt = time.Now().UTC()
		raw, err := json.Marshal(root)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		return backend.Replace(ctx, sessionID, raw)
	}

	extKey := ExtensionKey(sessionID, root.Extension.CurrentExtension)
	doc, err := backend.Get(ctx, extKey)
	if err != nil {
		return err
	}
	if doc == nil {
		return storage.NewError(storage.KindNotFound, "update_last_response", extKey, nil)
	}
	ext, err := decodeExtension(doc)
	if err != nil {
		return err
	}
	if len(ext.Pairs) == 0 {
		return storage.NewError(storage.KindNotFound, "update_last_response", extKey,
			errors.New("active extension has no pairs"))
	}
	ext.Pairs[len(ext.Pairs)-1].Response = response
	ext.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(ext)
	if err != nil {
		return fmt.Errorf("marshal extension: %w", err)
	}
	if err := backend.Replace(ctx, extKey, raw); err != nil {
		return err
	}
	return m.touchRoot(ctx, sessionID)
}

// ListByProject returns session summaries, newest first. An empty projectID
// lists every session.
func (m *Manager) ListByProject(ctx context.Context, projectID string, limit int) ([]Summary, error) {
	ctx, span := tracer.Start(ctx, "session.ListByProject")
	defer span.End()

	docs, err := m.provider.Backend().Query(ctx, storage.Query{
		Kind:      storage.QuerySessions,
		ProjectID: projectID,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	summaries := make([]Summary, 0, len(docs))
	for _, doc := range docs {
		s, err := decodeSession(&doc)
		if err != nil {
			m.logger.Warn("skipping undecodable session in listing",
				slog.String("key", doc.Key),
				slog.String("error", err.Error()))
			continue
		}
		summaries = append(summaries, summarize(s))
	}
	return summaries, nil
}

// Delete removes a session and every extension it references. Deleting an
// absent session succeeds.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	ctx, span := tracer.Start(ctx, "session.Delete")
	defer span.End()

	backend := m.provider.Backend()
	doc, err := backend.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	root, err := decodeSession(doc)
	if err != nil {
		// Corrupt root: still remove it, nothing else is reachable.
		return backend.Remove(ctx, sessionID)
	}

	if root.Extension != nil {
		g, gctx := errgroup.WithContext(ctx)
		for _, meta := range root.Extension.Extensions {
			if meta.ExtensionNum <= 1 {
				continue
			}
			key := ExtensionKey(sessionID, meta.ExtensionNum)
			g.Go(func() error {
				return backend.Remove(gctx, key)
			})
		}
		if root.PendingExtension > 1 {
			key := ExtensionKey(sessionID, root.PendingExtension)
			g.Go(func() error {
				return backend.Remove(gctx, key)
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("cascade delete extensions of %s: %w", sessionID, err)
		}
	}

	if err := backend.Remove(ctx, sessionID); err != nil {
		return err
	}
	m.logger.Info("session deleted", slog.String("session_id", sessionID))
	return nil
}

// AddUsage accumulates token and cost totals with optimistic concurrency:
// read with token, add in memory, write back token-guarded. A lost race
// re-reads and retries with linear backoff up to the configured bound.
func (m *Manager) AddUsage(ctx context.Context, sessionID string, delta Usage) error {
	ctx, span := tracer.Start(ctx, "session.AddUsage")
	defer span.End()

	backend := m.provider.Backend()
	retries := m.cfg.CASRetries
	if retries < 1 {
		retries = 3
	}
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(casBackoffStep * time.Duration(attempt-1)):
			}
		}
		doc, err := backend.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if doc == nil {
			return storage.NewError(storage.KindNotFound, "add_usage", sessionID, nil)
		}
		root, err := decodeSession(doc)
		if err != nil {
			return err
		}
		root.Usage.Add(delta)
		root.UpdatedAt = time.Now().UTC()
		raw, err := json.Marshal(root)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		_, err = backend.ReplaceWithToken(ctx, sessionID, raw, doc.Token)
		if err == nil {
			return nil
		}
		if !storage.IsTokenMismatch(err) {
			return err
		}
		lastErr = err
		m.logger.Debug("usage write lost the race, retrying",
			slog.String("session_id", sessionID),
			slog.Int("attempt", attempt))
	}
	return fmt.Errorf("usage update for %s exhausted %d attempts: %w", sessionID, retries, lastErr)
}

// AppendEvent records an operational event through an atomic array append.
// When the events field does not exist yet, falls back exactly once to a full
// read, field initialization, and token-guarded replace.
func (m *Manager) AppendEvent(ctx context.Context, sessionID string, event Event) error {
	ctx, span := tracer.Start(ctx, "session.AppendEvent")
	defer span.End()

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	backend := m.provider.Backend()
	_, err = backend.MutateAtomic(ctx, sessionID, []storage.SubdocOp{
		{Type: storage.OpArrayAppend, Path: "events", Value: raw},
	}, "")
	if err == nil {
		return nil
	}
	if !storage.IsPathNotFound(err) {
		return err
	}

	// One-shot fallback: initialize the field, never loop.
	doc, err := backend.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if doc == nil {
		return storage.NewError(storage.KindNotFound, "append_event", sessionID, nil)
	}
	root, err := decodeSession(doc)
	if err != nil {
		return err
	}
	root.Events = append(root.Events, event)
	rootRaw, err := json.Marshal(root)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = backend.ReplaceWithToken(ctx, sessionID, rootRaw, doc.Token)
	return err
}
